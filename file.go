package sftp

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"time"

	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
	"github.com/pkg/sftpclient/internal/sync"
)

// These aliases to the os package values are provided as a convenience to avoid needing two imports to use OpenFile.
const (
	// Exactly one of OpenReadOnly, OpenWriteOnly, OpenReadWrite must be specified.
	OpenFlagReadOnly  = os.O_RDONLY
	OpenFlagWriteOnly = os.O_WRONLY
	OpenFlagReadWrite = os.O_RDWR
	// The remaining values may be or'ed in to control behavior.
	OpenFlagAppend    = os.O_APPEND
	OpenFlagCreate    = os.O_CREATE
	OpenFlagTruncate  = os.O_TRUNC
	OpenFlagExclusive = os.O_EXCL
)

// These aliases to the io package values are provided as a convenience to avoid needing two imports to use Seek.
const (
	SeekStart   = io.SeekStart   // seek relative to the origin of the file
	SeekCurrent = io.SeekCurrent // seek relative to the current offset
	SeekEnd     = io.SeekEnd     // seek relative to the end
)

const (
	// uint32(length) + uint8(type) + uint32(request-id) + uint32(data length)
	dataPacketOverhead = 4 + 1 + 4 + 4

	// uint32(length) + uint8(type) + uint32(request-id) + uint32(handle length) + uint64(offset) + uint32(data length)
	writePacketOverhead = 4 + 1 + 4 + 4 + 8 + 4
)

// CalculateOptimalReadLength returns the largest read length up to hint
// whose SSH_FXP_DATA response fits in a single packet of the local channel limit.
func (cl *Client) CalculateOptimalReadLength(hint uint32) uint32 {
	limit := min(hint, cl.localMaxPacket)
	if limit <= dataPacketOverhead {
		return 1
	}

	return min(limit-dataPacketOverhead, uint32(cl.maxDataLen))
}

// CalculateOptimalWriteLength returns the largest write length up to hint
// whose SSH_FXP_WRITE request on handle fits in a single packet of the remote channel limit.
func (cl *Client) CalculateOptimalWriteLength(hint uint32, handle string) uint32 {
	overhead := uint64(writePacketOverhead) + uint64(len(handle))

	limit := uint64(min(hint, cl.remoteMaxPacket))
	if limit <= overhead {
		return 1
	}

	return uint32(min(limit-overhead, uint64(cl.maxDataLen)))
}

// toPortableFlags converts the flags passed to OpenFile into SFTP flags.
// Unsupported flags are ignored.
func toPortableFlags(f int) uint32 {
	var out uint32
	switch f & (OpenFlagReadOnly | OpenFlagWriteOnly | OpenFlagReadWrite) {
	case OpenFlagReadOnly:
		out |= sshfx.FlagRead
	case OpenFlagWriteOnly:
		out |= sshfx.FlagWrite
	case OpenFlagReadWrite:
		out |= sshfx.FlagRead | sshfx.FlagWrite
	}
	if f&OpenFlagAppend == OpenFlagAppend {
		out |= sshfx.FlagAppend
	}
	if f&OpenFlagCreate == OpenFlagCreate {
		out |= sshfx.FlagCreate
	}
	if f&OpenFlagTruncate == OpenFlagTruncate {
		out |= sshfx.FlagTruncate
	}
	if f&OpenFlagExclusive == OpenFlagExclusive {
		out |= sshfx.FlagExclusive
	}
	return out
}

type bufferMode uint8

const (
	bufferNone bufferMode = iota
	bufferRead
	bufferWrite
)

// File is a buffered, seekable stream over an open file handle.
//
// A single buffer serves either reads or writes at any one time,
// and switching between the two flushes the buffer first.
// The position is tracked locally, so seeking does not send a request,
// except to find the end of the file.
//
// The methods of File are safe for concurrent use.
type File struct {
	cl   *Client
	name string

	handle handle

	readLen  int
	writeLen int

	appendMode bool

	mu sync.Mutex

	floor int64 // in append mode, no seek may go before this
	pos   int64 // logical position of the next read or write

	buf   []byte
	mode  bufferMode
	start int64 // file offset of buf[0]
	n     int   // bytes of buf holding data
}

// Open opens the named file for reading.
// If successful, methods on the returned file can be used for reading;
// the associated file handle has mode OpenFlagReadOnly.
func (cl *Client) Open(name string) (*File, error) {
	return cl.OpenFile(name, OpenFlagReadOnly, 0)
}

// Create creates or truncates the named file.
// If the file already exists, it is truncated.
// If the file does not exist, it is created with mode 0o666 (before umask).
// If successful, methods on the returned File can be used for I/O;
// the associated file handle has mode OpenFlagReadWrite.
func (cl *Client) Create(name string) (*File, error) {
	return cl.OpenFile(name, OpenFlagReadWrite|OpenFlagCreate|OpenFlagTruncate, 0o666)
}

// OpenFile is the generalized open call;
// most users can use the simplified Open or Create methods instead.
// It opens the named file with the specified flag (OpenFlagReadOnly, etc.).
// If the file does not exist, and the OpenFlagCreate flag is passed, it is created with mode perm (before umask).
//
// With OpenFlagAppend, the file starts positioned at its end,
// and seeking to before that length fails with ErrSeekBeforeAppendFloor.
func (cl *Client) OpenFile(name string, flag int, perm fs.FileMode) (*File, error) {
	return call(cl, func(ctx context.Context) (*File, error) {
		return cl.openFile(ctx, name, flag, perm)
	})
}

func (cl *Client) openFile(ctx context.Context, name string, flag int, perm fs.FileMode) (*File, error) {
	attrs := new(FileAttributes)
	if flag&OpenFlagCreate != 0 {
		attrs.SetPermissions(sshfx.FileMode(perm.Perm()))
	}

	h, err := cl.openHandle(ctx, name, toPortableFlags(flag), attrs)
	if err != nil {
		return nil, err
	}

	f := &File{
		cl:   cl,
		name: name,

		readLen:  int(cl.CalculateOptimalReadLength(math.MaxUint32)),
		writeLen: int(cl.CalculateOptimalWriteLength(math.MaxUint32, h)),
	}

	f.handle.init(h)

	if flag&OpenFlagAppend != 0 {
		size, err := f.remoteLength(ctx, h, nil)
		if err != nil {
			f.handle.close(cl)
			return nil, wrapPathError("open", name, err)
		}

		f.appendMode = true
		f.floor = size
		f.pos = size
	}

	f.buf = cl.getDataBuf(max(f.readLen, f.writeLen))

	return f, nil
}

func (f *File) wrapErr(op string, err error) error {
	return wrapPathError(op, f.name, err)
}

// Name returns the name of the file as presented to Open.
//
// It is safe to call Name after Close.
func (f *File) Name() string {
	return f.name
}

// Position returns the logical position of the next Read or Write.
func (f *File) Position() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.pos
}

// Close flushes any buffered writes, and then closes the handle.
// The handle is closed even if the flush fails.
// A second Close sends nothing, and returns an error matching fs.ErrClosed.
func (f *File) Close() error {
	if f == nil {
		return fs.ErrInvalid
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	h, closed, err := f.handle.get()
	if err != nil {
		return f.wrapErr("close", err)
	}

	flushErr := f.flush(h, closed)
	closeErr := f.handle.close(f.cl)

	f.cl.putDataBuf(f.buf)
	f.buf = nil

	return f.wrapErr("close", cmp.Or(flushErr, closeErr))
}

// invalidate drops the contents of the buffer.
func (f *File) invalidate() {
	f.mode = bufferNone
	f.start = f.pos
	f.n = 0
}

// flush sends any buffered writes, or discards the read buffer.
// The buffer is left empty even if the write fails.
func (f *File) flush(h string, closed <-chan struct{}) error {
	mode, start, n := f.mode, f.start, f.n
	f.invalidate()

	if mode != bufferWrite || n == 0 {
		return nil
	}

	return f.writeAt(h, closed, f.buf[:n], start)
}

func (f *File) writeAt(h string, closed <-chan struct{}, data []byte, off int64) error {
	ctx, cancel := f.cl.opContext()
	defer cancel()

	return f.cl.writeHandle(ctx, closed, h, uint64(off), data)
}

// Flush sends any buffered writes as a single request.
// Flushing unread buffered data simply discards it.
func (f *File) Flush() error {
	if f == nil {
		return fs.ErrInvalid
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	h, closed, err := f.handle.get()
	if err != nil {
		return f.wrapErr("flush", err)
	}

	return f.wrapErr("flush", f.flush(h, closed))
}

// buffered copies data from the read buffer at the current position into p.
func (f *File) buffered(p []byte) int {
	if f.mode != bufferRead || f.pos < f.start || f.pos >= f.start+int64(f.n) {
		return 0
	}

	n := copy(p, f.buf[f.pos-f.start:f.n])
	f.pos += int64(n)

	return n
}

// Read reads up to len(b) bytes from the File.
// It returns the number of bytes read and an error, if any.
// At end of file, Read returns 0, io.EOF.
//
// Reads that do not fit in the buffer go straight to the server,
// otherwise the buffer is filled by a single request.
func (f *File) Read(b []byte) (int, error) {
	if f == nil {
		return 0, fs.ErrInvalid
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	h, closed, err := f.handle.get()
	if err != nil {
		return 0, f.wrapErr("read", err)
	}

	if len(b) == 0 {
		return 0, nil
	}

	if f.mode == bufferWrite {
		if err := f.flush(h, closed); err != nil {
			return 0, f.wrapErr("read", err)
		}
	}

	if n := f.buffered(b); n > 0 {
		return n, nil
	}

	f.invalidate()

	ctx, cancel := f.cl.opContext()
	defer cancel()

	if len(b) >= f.readLen {
		data, err := f.cl.readHandle(ctx, closed, h, uint64(f.pos), uint32(f.readLen), b)
		if err != nil {
			return 0, f.wrapErr("read", err)
		}

		if len(data) == 0 {
			return 0, io.EOF
		}

		n := copy(b, data)
		f.pos += int64(n)

		return n, nil
	}

	data, err := f.cl.readHandle(ctx, closed, h, uint64(f.pos), uint32(f.readLen), f.buf[:f.readLen])
	if err != nil {
		return 0, f.wrapErr("read", err)
	}

	if len(data) == 0 {
		return 0, io.EOF
	}

	f.mode = bufferRead
	f.n = copy(f.buf, data)

	return f.buffered(b), nil
}

// Write writes len(b) bytes to the File.
// It returns the number of bytes written and an error, if any.
// Write returns a non-nil error when n != len(b).
//
// Writes are collected in the buffer, and sent once it is full, or on Flush.
func (f *File) Write(b []byte) (written int, err error) {
	if f == nil {
		return 0, fs.ErrInvalid
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	h, closed, err := f.handle.get()
	if err != nil {
		return 0, f.wrapErr("write", err)
	}

	if f.mode == bufferRead {
		f.invalidate()
	}

	for len(b) > 0 {
		if f.mode == bufferNone {
			f.mode = bufferWrite
			f.start = f.pos
			f.n = 0
		}

		if f.n == 0 && len(b) >= f.writeLen {
			// A full request's worth of data skips the buffer.
			chunk := b[:f.writeLen]

			if err := f.writeAt(h, closed, chunk, f.pos); err != nil {
				f.invalidate()
				return written, f.wrapErr("write", err)
			}

			f.pos += int64(len(chunk))
			f.start = f.pos
			written += len(chunk)
			b = b[len(chunk):]
			continue
		}

		n := copy(f.buf[f.n:f.writeLen], b)
		f.n += n
		f.pos += int64(n)
		b = b[n:]

		if f.n == f.writeLen {
			if err := f.flush(h, closed); err != nil {
				return written, f.wrapErr("write", err)
			}
		}

		written += n
	}

	return written, nil
}

// WriteString is like Write, but writes the contents of string s rather than a slice of bytes.
func (f *File) WriteString(s string) (n int, err error) {
	return f.Write([]byte(s))
}

// Seek sets the offset for the next Read or Write on file to offset,
// interpreted according to whence:
// SeekStart means relative to the origin of the file,
// SeekCurrent means relative to the current offset,
// and SeekEnd means relative to the end.
// It returns the new offset and an error, if any.
//
// Seeking within the read buffer keeps the buffered data,
// any other seek flushes the buffer.
//
// Note well, a whence of SeekEnd will make an SSH_FX_FSTAT request on the file handle.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if f == nil {
		return 0, fs.ErrInvalid
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	h, closed, err := f.handle.get()
	if err != nil {
		return 0, f.wrapErr("seek", err)
	}

	var abs int64
	switch whence {
	case SeekStart:
		abs = offset
	case SeekCurrent:
		abs = f.pos + offset
	case SeekEnd:
		size, err := f.length(h, closed)
		if err != nil {
			return 0, f.wrapErr("seek", err)
		}
		abs = size + offset
	default:
		return 0, f.wrapErr("seek", fmt.Errorf("%w: invalid whence: %d", fs.ErrInvalid, whence))
	}

	if abs < 0 {
		return 0, f.wrapErr("seek", fmt.Errorf("%w: negative position: %d", fs.ErrInvalid, abs))
	}

	if f.appendMode && abs < f.floor {
		return 0, f.wrapErr("seek", ErrSeekBeforeAppendFloor)
	}

	if abs == f.pos {
		return abs, nil
	}

	switch f.mode {
	case bufferRead:
		if skip := abs - f.start; skip >= 0 && skip < int64(f.n) {
			// Move the rest of the window to the front of the buffer.
			f.n = copy(f.buf, f.buf[skip:f.n])
			f.start = abs
		} else {
			f.mode = bufferNone
			f.n = 0
		}

	case bufferWrite:
		if err := f.flush(h, closed); err != nil {
			return 0, f.wrapErr("seek", err)
		}
	}

	f.pos = abs
	if f.mode == bufferNone {
		f.start = abs
	}

	return abs, nil
}

// remoteLength returns the file size as reported by the server.
func (f *File) remoteLength(ctx context.Context, h string, closed <-chan struct{}) (int64, error) {
	attrs, err := f.cl.fstat(ctx, closed, h)
	if err != nil {
		return 0, err
	}

	size, ok := attrs.Size()
	if !ok {
		return 0, errors.New("sftp: server did not report the file size")
	}

	return size, nil
}

// length returns the file size, including any writes still in the buffer.
func (f *File) length(h string, closed <-chan struct{}) (int64, error) {
	ctx, cancel := f.cl.opContext()
	defer cancel()

	size, err := f.remoteLength(ctx, h, closed)
	if err != nil {
		return 0, err
	}

	if f.mode == bufferWrite {
		size = max(size, f.start+int64(f.n))
	}

	return size, nil
}

// Length returns the length of the file in bytes, including buffered writes.
func (f *File) Length() (int64, error) {
	if f == nil {
		return 0, fs.ErrInvalid
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	h, closed, err := f.handle.get()
	if err != nil {
		return 0, f.wrapErr("fstat", err)
	}

	size, err := f.length(h, closed)
	if err != nil {
		return 0, f.wrapErr("fstat", err)
	}

	return size, nil
}

// fsetstat flushes the buffer, and then sends the changed attributes.
func (f *File) fsetstat(attrs *FileAttributes) error {
	if f == nil {
		return fs.ErrInvalid
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	h, closed, err := f.handle.get()
	if err != nil {
		return f.wrapErr("fsetstat", err)
	}

	if err := f.flush(h, closed); err != nil {
		return f.wrapErr("fsetstat", err)
	}

	ctx, cancel := f.cl.opContext()
	defer cancel()

	if err := f.cl.fsetstat(ctx, closed, h, attrs); err != nil {
		return f.wrapErr("fsetstat", err)
	}

	if size, ok := attrs.Size(); ok && f.appendMode && size < f.floor {
		f.floor = size
	}

	return nil
}

// SetLength changes the size of the file.
// It does not change the position, which may then be past the end of the file.
func (f *File) SetLength(size int64) error {
	attrs := new(FileAttributes)
	attrs.SetSize(size)

	return f.fsetstat(attrs)
}

// Truncate is an alias of SetLength.
func (f *File) Truncate(size int64) error {
	return f.SetLength(size)
}

// Chmod changes the mode of the file to mode.
//
// The Go FileMode will be converted to a "portable" POSIX file permission, and then sent to the server.
// The server is then responsible for interpreting that permission.
func (f *File) Chmod(mode fs.FileMode) error {
	attrs := new(FileAttributes)
	attrs.SetMode(mode)

	return f.fsetstat(attrs)
}

// Chown changes the numeric uid and gid of the file.
func (f *File) Chown(uid, gid int) error {
	attrs := new(FileAttributes)
	attrs.SetOwner(uint32(uid), uint32(gid))

	return f.fsetstat(attrs)
}

// Chtimes changes the access and modification times of the file.
//
// Be careful, the server may later alter the access or modification time upon Close of this file.
func (f *File) Chtimes(atime, mtime time.Time) error {
	attrs := new(FileAttributes)
	attrs.SetTimes(atime, mtime)

	return f.fsetstat(attrs)
}

// Stat flushes any buffered writes, and returns the FileInfo structure describing file.
func (f *File) Stat() (fs.FileInfo, error) {
	if f == nil {
		return nil, fs.ErrInvalid
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	h, closed, err := f.handle.get()
	if err != nil {
		return nil, f.wrapErr("fstat", err)
	}

	if f.mode == bufferWrite {
		if err := f.flush(h, closed); err != nil {
			return nil, f.wrapErr("fstat", err)
		}
	}

	ctx, cancel := f.cl.opContext()
	defer cancel()

	attrs, err := f.cl.fstat(ctx, closed, h)
	if err != nil {
		return nil, f.wrapErr("fstat", err)
	}

	return attrs.FileInfo(f.name), nil
}

// Sync flushes any buffered writes, and then commits the contents of the file to stable storage.
//
// If the server did not announce support for the "fsync@openssh.com" extension,
// then no fsync request will be sent, and Sync returns an error matching ErrNotSupported.
func (f *File) Sync() error {
	if f == nil {
		return fs.ErrInvalid
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	h, closed, err := f.handle.get()
	if err != nil {
		return f.wrapErr("fsync", err)
	}

	if err := f.flush(h, closed); err != nil {
		return f.wrapErr("fsync", err)
	}

	ctx, cancel := f.cl.opContext()
	defer cancel()

	return f.wrapErr("fsync", f.cl.fsync(ctx, closed, h))
}
