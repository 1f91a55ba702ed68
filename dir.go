package sftp

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"slices"
	"syscall"
	"time"

	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
	"github.com/pkg/sftpclient/internal/sync"
)

// Dir represents an open directory handle.
//
// The methods of Dir are safe for concurrent use.
type Dir struct {
	cl   *Client
	name string

	handle handle

	mu      sync.Mutex
	entries []*sshfx.NameEntry
}

// OpenDir opens the named directory for reading.
// If successful, methods on the returned Dir can be used for reading.
//
// The semantics of SSH_FX_OPENDIR is such that the associated file handle is in a read-only mode.
func (cl *Client) OpenDir(name string) (*Dir, error) {
	h, err := cl.OpenDirHandle(name)
	if err != nil {
		return nil, err
	}

	d := &Dir{
		cl:   cl,
		name: name,
	}

	d.handle.init(h)

	return d, nil
}

func (d *Dir) wrapErr(op string, err error) error {
	return wrapPathError(op, d.name, err)
}

// Close closes the Dir, rendering it unusable for I/O.
// A second Close sends nothing, and returns an error matching fs.ErrClosed.
func (d *Dir) Close() error {
	if d == nil {
		return os.ErrInvalid
	}

	return d.wrapErr("close", d.handle.close(d.cl))
}

// Name returns the name of the directory as presented to OpenDir.
func (d *Dir) Name() string {
	return d.name
}

// rangedir returns an iterator over the directory entries,
// starting with any entries saved from an earlier early break.
//
// Callers must hold d.mu.
func (d *Dir) rangedir(ctx context.Context) iter.Seq2[*sshfx.NameEntry, error] {
	return func(yield func(v *sshfx.NameEntry, err error) bool) {
		for i, ent := range d.entries {
			if !yield(ent, nil) {
				d.entries = slices.Delete(d.entries, 0, i+1)
				return
			}
		}

		d.entries = slices.Delete(d.entries, 0, len(d.entries))

		for {
			handle, closed, err := d.handle.get()
			if err != nil {
				yield(nil, err)
				return
			}

			entries, err := d.cl.readDirHandle(ctx, closed, handle)
			if err != nil {
				// SFTP returns either an error or entries, never both, so nothing is left to save.
				yield(nil, err)
				return
			}

			for i, entry := range entries {
				if !yield(entry, nil) {
					d.entries = append(d.entries, entries[i+1:]...)
					return
				}
			}
		}
	}
}

// collect gathers up to n entries, or all remaining entries if n <= 0.
func collect[T any](ctx context.Context, d *Dir, n int, conv func(*sshfx.NameEntry) T) ([]T, error) {
	if d == nil {
		return nil, os.ErrInvalid
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var ret []T

	for ent, err := range d.rangedir(ctx) {
		if err != nil {
			if errors.Is(err, io.EOF) && n <= 0 {
				return ret, nil
			}

			return ret, d.wrapErr("readdir", err)
		}

		ret = append(ret, conv(ent))

		if n > 0 && len(ret) >= n {
			break
		}
	}

	return ret, nil
}

// Readdir reads the contents of the directory and returns a slice of up to n [fs.FileInfo] values,
// as they were returned from the server, in directory order.
// Subsequent calls yield later records in the directory.
//
// If n > 0, Readdir returns at most n records, and at the end of the directory the error is io.EOF.
// If n <= 0, Readdir returns all the remaining records, and a nil error (not io.EOF).
//
// Each request for more entries is bounded by the operation timeout.
func (d *Dir) Readdir(n int) ([]fs.FileInfo, error) {
	return d.ReaddirContext(context.Background(), n)
}

// ReaddirContext is Readdir, with each request also bounded by ctx.
func (d *Dir) ReaddirContext(ctx context.Context, n int) ([]fs.FileInfo, error) {
	ctx, cancel := d.cl.withOpTimeout(ctx)
	defer cancel()

	return collect(ctx, d, n, func(ent *sshfx.NameEntry) fs.FileInfo { return ent })
}

// ReadDir is Readdir, returning [fs.DirEntry] values.
func (d *Dir) ReadDir(n int) ([]fs.DirEntry, error) {
	return d.ReadDirContext(context.Background(), n)
}

// ReadDirContext is ReadDir, with each request also bounded by ctx.
func (d *Dir) ReadDirContext(ctx context.Context, n int) ([]fs.DirEntry, error) {
	ctx, cancel := d.cl.withOpTimeout(ctx)
	defer cancel()

	return collect(ctx, d, n, func(ent *sshfx.NameEntry) fs.DirEntry { return ent })
}

// ReadDir reads the named directory,
// returning all its directory entries sorted by filename.
func (cl *Client) ReadDir(name string) ([]fs.DirEntry, error) {
	d, err := cl.OpenDir(name)
	if err != nil {
		return nil, err
	}

	ents, err := d.ReadDir(0)
	err = cmp.Or(err, d.Close())

	slices.SortFunc(ents, func(a, b fs.DirEntry) int {
		return cmp.Compare(a.Name(), b.Name())
	})

	return ents, err
}

// Readdir reads the named directory,
// returning all its FileInfo records sorted by filename.
func (cl *Client) Readdir(name string) ([]fs.FileInfo, error) {
	d, err := cl.OpenDir(name)
	if err != nil {
		return nil, err
	}

	fis, err := d.Readdir(0)
	err = cmp.Or(err, d.Close())

	slices.SortFunc(fis, func(a, b fs.FileInfo) int {
		return cmp.Compare(a.Name(), b.Name())
	})

	return fis, err
}

// MkdirAll creates a directory named path, along with any necessary parents.
// If a path is already a directory, MkdirAll does nothing and returns nil.
func (cl *Client) MkdirAll(name string, perm fs.FileMode) error {
	// Fast path: if we can tell whether name is a directory or file, stop with success or error.
	attrs, err := cl.Stat(name)
	if err == nil {
		if attrs.IsDir() {
			return nil
		}

		return wrapPathError("mkdir", name, syscall.ENOTDIR)
	}

	if parent := path.Dir(name); parent != "." && parent != "/" && parent != name {
		if err := cl.MkdirAll(parent, perm); err != nil {
			return err
		}
	}

	if err := cl.Mkdir(name, perm); err != nil {
		// Handle arguments like "foo/." by
		// double-checking that directory doesn't exist.
		attrs, err1 := cl.LStat(name)
		if err1 == nil && attrs.IsDir() {
			return nil
		}
		return err
	}

	return nil
}

func (cl *Client) setAttr(name string, set func(*FileAttributes)) error {
	attrs := new(FileAttributes)
	set(attrs)

	return cl.SetStat(name, attrs)
}

// Truncate sets the size of the named file.
func (cl *Client) Truncate(name string, size int64) error {
	return cl.setAttr(name, func(a *FileAttributes) { a.SetSize(size) })
}

// Chmod changes the permissions of the named file to mode.
func (cl *Client) Chmod(name string, mode fs.FileMode) error {
	return cl.setAttr(name, func(a *FileAttributes) { a.SetMode(mode) })
}

// Chown changes the numeric uid and gid of the named file.
func (cl *Client) Chown(name string, uid, gid int) error {
	return cl.setAttr(name, func(a *FileAttributes) { a.SetOwner(uint32(uid), uint32(gid)) })
}

// Chtimes changes the access and modification times of the named file.
func (cl *Client) Chtimes(name string, atime, mtime time.Time) error {
	return cl.setAttr(name, func(a *FileAttributes) { a.SetTimes(atime, mtime) })
}

// WriteFile writes data to the named file, creating it if necessary.
// If the file does not exist, WriteFile creates it with permissions perm (before umask);
// otherwise WriteFile truncates it before writing, without changing permissions.
func (cl *Client) WriteFile(name string, data []byte, perm fs.FileMode) error {
	f, err := cl.OpenFile(name, OpenFlagWriteOnly|OpenFlagCreate|OpenFlagTruncate, perm)
	if err != nil {
		return err
	}

	_, err = f.Write(data)

	return cmp.Or(err, f.Close())
}

// ReadFile reads the named file through a pipelined Reader, and returns the contents.
// A successful call returns err == nil, not err == EOF.
func (cl *Client) ReadFile(name string) ([]byte, error) {
	r, err := cl.OpenReader(name)
	if err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)

	if size := r.fileSize; size > 0 && int64(int(size)) == size {
		buf.Grow(int(size))
	}

	_, err = r.WriteTo(buf)

	return buf.Bytes(), cmp.Or(wrapPathError("read", name, err), r.Close())
}
