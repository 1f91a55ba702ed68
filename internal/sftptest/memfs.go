package sftptest

import (
	"maps"
	"path"
	"slices"
	"strings"
	"time"

	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
	"github.com/pkg/sftpclient/internal/sync"
)

// memFile is a node of the in-memory tree.
// Hard links share the same *memFile under several names.
type memFile struct {
	modtime time.Time
	atime   time.Time

	symlink string
	isdir   bool

	perm     sshfx.FileMode
	uid, gid uint32

	content []byte
}

func newMemFile(isdir bool, perm sshfx.FileMode) *memFile {
	now := time.Now()

	return &memFile{
		modtime: now,
		atime:   now,
		isdir:   isdir,
		perm:    perm.Perm(),
	}
}

func (f *memFile) attrs() sshfx.Attributes {
	var attrs sshfx.Attributes

	mode := f.perm | sshfx.ModeRegular
	switch {
	case f.isdir:
		mode = f.perm | sshfx.ModeDir
	case f.symlink != "":
		mode = 0o777 | sshfx.ModeSymlink
	}

	attrs.SetSize(uint64(len(f.content)))
	attrs.SetUIDGID(f.uid, f.gid)
	attrs.SetPermissions(mode)
	attrs.SetACModTime(uint32(f.atime.Unix()), uint32(f.modtime.Unix()))

	return attrs
}

func (f *memFile) readAt(off uint64, length int) ([]byte, error) {
	if off >= uint64(len(f.content)) {
		return nil, sshfx.StatusEOF
	}

	end := min(uint64(len(f.content)), off+uint64(length))

	return slices.Clone(f.content[off:end]), nil
}

func (f *memFile) writeAt(b []byte, off uint64) {
	if grow := int64(off) + int64(len(b)) - int64(len(f.content)); grow > 0 {
		f.content = append(f.content, make([]byte, grow)...)
	}

	copy(f.content[off:], b)
	f.modtime = time.Now()
}

func (f *memFile) truncate(size uint64) {
	if grow := int64(size) - int64(len(f.content)); grow <= 0 {
		f.content = f.content[:size]
	} else {
		f.content = append(f.content, make([]byte, grow)...)
	}
}

// setattrs applies the fields present in attrs.
func (f *memFile) setattrs(attrs *sshfx.Attributes) error {
	if size, ok := attrs.GetSize(); ok {
		if f.isdir {
			return sshfx.StatusFailure
		}
		f.truncate(size)
	}

	if uid, gid, ok := attrs.GetUIDGID(); ok {
		f.uid, f.gid = uid, gid
	}

	if perm, ok := attrs.GetPermissions(); ok {
		f.perm = perm.Perm()
	}

	if atime, mtime, ok := attrs.GetACModTime(); ok {
		f.atime = time.Unix(int64(atime), 0)
		f.modtime = time.Unix(int64(mtime), 0)
	}

	return nil
}

// memFS is a flat key-value tree keyed by absolute, clean path.
type memFS struct {
	mu    sync.Mutex
	files map[string]*memFile
}

func newMemFS() *memFS {
	return &memFS{
		files: map[string]*memFile{
			"/": newMemFile(true, 0o755),
		},
	}
}

// lfetch must be called while holding fs.mu.
func (fs *memFS) lfetch(name string) (*memFile, error) {
	file := fs.files[name]
	if file == nil {
		return nil, sshfx.StatusNoSuchFile
	}

	return file, nil
}

// fetch follows symbolic links, and must be called while holding fs.mu.
func (fs *memFS) fetch(name string) (*memFile, string, error) {
	for range 16 {
		file, err := fs.lfetch(name)
		if err != nil {
			return nil, "", err
		}

		if file.symlink == "" {
			return file, name, nil
		}

		target := file.symlink
		if !strings.HasPrefix(target, "/") {
			target = path.Join(path.Dir(name), target)
		}

		name = target
	}

	return nil, "", sshfx.StatusFailure
}

// parentDir checks that the parent of name exists, and is a directory.
func (fs *memFS) parentDir(name string) error {
	parent, err := fs.lfetch(path.Dir(name))
	if err != nil {
		return err
	}

	if !parent.isdir {
		return sshfx.StatusNoSuchFile
	}

	return nil
}

// link stores file under name, which must not exist yet.
func (fs *memFS) link(name string, file *memFile) error {
	if err := fs.parentDir(name); err != nil {
		return err
	}

	if _, exists := fs.files[name]; exists {
		return sshfx.StatusFailure
	}

	fs.files[name] = file

	return nil
}

func (fs *memFS) children(dir string) []string {
	prefix := dir + "/"
	if dir == "/" {
		prefix = dir
	}

	var names []string

	for name := range fs.files {
		if name == dir || !strings.HasPrefix(name, prefix) {
			continue
		}

		if rest := name[len(prefix):]; !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}

	slices.Sort(names)

	return names
}

func (fs *memFS) readdir(dir string) ([]*sshfx.NameEntry, error) {
	file, dir, err := fs.fetch(dir)
	if err != nil {
		return nil, err
	}

	if !file.isdir {
		return nil, sshfx.StatusFailure
	}

	var ents []*sshfx.NameEntry

	for _, name := range fs.children(dir) {
		ents = append(ents, &sshfx.NameEntry{
			Filename: name,
			Attrs:    fs.files[path.Join(dir, name)].attrs(),
		})
	}

	return ents, nil
}

// rename moves oldpath, and everything below it, to newpath.
func (fs *memFS) rename(oldpath, newpath string, overwrite bool) error {
	file, err := fs.lfetch(oldpath)
	if err != nil {
		return err
	}

	if err := fs.parentDir(newpath); err != nil {
		return err
	}

	if target, exists := fs.files[newpath]; exists {
		if !overwrite || target.isdir {
			return sshfx.StatusFailure
		}
	}

	prefix := oldpath + "/"
	if strings.HasPrefix(newpath, prefix) {
		return sshfx.StatusFailure
	}

	moved := make(map[string]*memFile)
	for name, child := range fs.files {
		if strings.HasPrefix(name, prefix) {
			moved[newpath+"/"+name[len(prefix):]] = child
			delete(fs.files, name)
		}
	}

	maps.Copy(fs.files, moved)

	delete(fs.files, oldpath)
	fs.files[newpath] = file

	return nil
}
