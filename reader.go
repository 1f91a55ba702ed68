package sftp

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"time"

	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
	"github.com/pkg/sftpclient/internal/sync"
)

// DefaultReadAheadWindow is the number of reads a Reader from OpenReader keeps outstanding.
const DefaultReadAheadWindow = 16

// bufferedRead is a completed read-ahead, waiting to be consumed in order.
type bufferedRead struct {
	index  uint64
	offset uint64
	data   []byte // empty at end of file
}

// Reader reads a remote file sequentially, keeping a bounded window of reads in flight ahead of the consumer.
//
// Reads may complete in any order, but data is always delivered in file order.
// A Reader is for a single consumer; its methods must not be called concurrently,
// except for Close.
//
// The Reader owns its handle, and closes it in Close.
type Reader struct {
	cl     *Client
	handle string

	chunkSize uint32
	fileSize  int64 // negative when unknown

	// sem holds one token for every read issued but not yet consumed.
	sem chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	stop     chan struct{}
	stopOnce sync.Once

	done chan struct{} // closed once the read-ahead worker exits
	wg   sync.WaitGroup

	mu   sync.Mutex
	cond *sync.Cond

	queue map[uint64]*bufferedRead

	offset         uint64 // next byte expected by the consumer
	nextChunkIndex uint64

	readAheadOffset     uint64
	readAheadChunkIndex uint64

	isEOF    bool // a read-ahead returned end of file
	consumed bool // the consumer has reached end of file
	err      error
	closed   bool

	// rest is the unconsumed part of the last chunk, for io.Reader.
	rest []byte
}

// NewReader starts a pipelined Reader over an open file handle, taking ownership of the handle.
//
// Each read requests chunkSize bytes, and at most maxPendingReads reads are outstanding at once.
// A fileSize below zero means the size is not known.
func (cl *Client) NewReader(handle string, chunkSize uint32, maxPendingReads int, fileSize int64) (*Reader, error) {
	if chunkSize == 0 {
		return nil, fmt.Errorf("sftp: read-ahead chunk size must be greater than zero")
	}

	if uint64(chunkSize) > uint64(cl.maxDataLen) {
		return nil, fmt.Errorf("sftp: read-ahead chunk size %d exceeds max data length %d", chunkSize, cl.maxDataLen)
	}

	if maxPendingReads < 1 {
		return nil, fmt.Errorf("sftp: read-ahead window cannot be less than 1, was: %d", maxPendingReads)
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &Reader{
		cl:     cl,
		handle: handle,

		chunkSize: chunkSize,
		fileSize:  fileSize,

		sem: make(chan struct{}, maxPendingReads),

		ctx:    ctx,
		cancel: cancel,

		stop: make(chan struct{}),
		done: make(chan struct{}),

		queue: make(map[uint64]*bufferedRead),
	}

	r.cond = sync.NewCond(&r.mu)

	go r.readAhead()

	return r, nil
}

// OpenReader opens the named file for reading, and returns a pipelined Reader over it,
// using the max data length as chunk size.
func (cl *Client) OpenReader(name string) (*Reader, error) {
	handle, err := cl.OpenHandle(name, sshfx.FlagRead, nil)
	if err != nil {
		return nil, err
	}

	size := int64(-1)

	if attrs, err := cl.FStat(handle); err == nil {
		if sz, ok := attrs.Size(); ok && attrs.IsRegular() {
			size = sz
		}
	}

	r, err := cl.NewReader(handle, uint32(cl.maxDataLen), min(DefaultReadAheadWindow, cl.maxInflight), size)
	if err != nil {
		cl.CloseHandle(handle)
		return nil, wrapPathError("open", name, err)
	}

	return r, nil
}

func (r *Reader) halt() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}

// readAhead is the worker that keeps the window full.
func (r *Reader) readAhead() {
	defer close(r.done)

	for {
		select {
		case r.sem <- struct{}{}:
		case <-r.stop:
			return
		}

		r.mu.Lock()
		if r.isEOF || r.err != nil || r.closed {
			r.mu.Unlock()
			return
		}

		index, offset := r.readAheadChunkIndex, r.readAheadOffset
		r.readAheadChunkIndex++
		r.readAheadOffset += uint64(r.chunkSize)
		r.mu.Unlock()

		if err := r.issue(index, offset); err != nil {
			r.fail(err)
			return
		}
	}
}

// issue dispatches the read for one chunk, and waits for its completion on a separate goroutine.
func (r *Reader) issue(index, offset uint64) error {
	ctx, cancel := r.cl.withOpTimeout(r.ctx)

	req := &sshfx.ReadPacket{
		Handle: r.handle,
		Offset: offset,
		Length: r.chunkSize,
	}

	reqid, ch, err := r.cl.conn.dispatch(ctx, nil, req)
	if err != nil {
		cancel()
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.cl.conn.discard(ch)
		cancel()
		return fs.ErrClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	r.cl.metrics.readAheadIssued()

	go func() {
		defer r.wg.Done()
		defer cancel()
		defer r.cl.metrics.readAheadDone()

		var resp sshfx.DataPacket

		err := r.cl.recvData(ctx, reqid, ch, r.chunkSize, &resp)
		if err == io.EOF {
			err = nil
		}

		r.complete(index, offset, resp.Data, err)
	}()

	return nil
}

func (r *Reader) complete(index, offset uint64, data []byte, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.failLocked(err)
		return
	}

	r.queue[index] = &bufferedRead{
		index:  index,
		offset: offset,
		data:   data,
	}

	if len(data) == 0 {
		r.isEOF = true
		r.halt()
	}

	r.cond.Broadcast()
}

func (r *Reader) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failLocked(err)
}

func (r *Reader) failLocked(err error) {
	if r.err != nil || r.closed {
		return
	}

	r.err = err
	r.cl.conn.log(slog.LevelError, "sftp.reader.failed", slog.Uint64("offset", r.offset), slog.String("err", err.Error()))

	r.halt()
	r.cond.Broadcast()
}

// ReadChunk returns the next chunk of data in file order.
// At end of file, it returns an empty chunk, and a nil error.
//
// Once a read has failed, ReadChunk returns that same error forever.
func (r *Reader) ReadChunk() ([]byte, error) {
	data, err := r.readChunk()
	r.cl.metrics.recordReadBytes(len(data))
	return data, err
}

func (r *Reader) readChunk() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if r.err != nil {
			return nil, r.err
		}

		if r.closed {
			return nil, fs.ErrClosed
		}

		if r.consumed {
			return nil, nil
		}

		ent, ok := r.queue[r.nextChunkIndex]
		if !ok {
			r.cond.Wait()
			continue
		}

		if ent.offset == r.offset {
			if len(ent.data) == 0 {
				r.consumed = true
				return nil, nil
			}

			delete(r.queue, r.nextChunkIndex)

			r.offset += uint64(len(ent.data))
			r.nextChunkIndex++

			<-r.sem

			return ent.data, nil
		}

		if len(ent.data) == 0 && r.fileSize >= 0 && r.offset == uint64(r.fileSize) {
			r.consumed = true
			return nil, nil
		}

		// A previous read came back short, so fetch the gap before this entry.
		data, err := r.catchUp(ent)
		if err != nil {
			r.failLocked(err)
			return nil, err
		}

		if len(data) == 0 {
			// The gap ends at a recorded end of file.
			r.consumed = true
			return nil, nil
		}

		return data, nil
	}
}

// catchUp synchronously reads the bytes between the consumer offset and the start of ent.
// It must be called with r.mu held, which it releases while waiting for the server.
func (r *Reader) catchUp(ent *bufferedRead) ([]byte, error) {
	offset := r.offset
	length := uint32(min(ent.offset-offset, uint64(r.chunkSize)))

	r.cl.conn.log(slog.LevelDebug, "sftp.reader.shortread", slog.Uint64("offset", offset), slog.Uint64("missing", ent.offset-offset))

	r.mu.Unlock()

	ctx, cancel := r.cl.withOpTimeout(r.ctx)
	data, err := r.cl.readHandle(ctx, nil, r.handle, offset, length, nil)
	cancel()

	r.mu.Lock()

	if err != nil {
		return nil, err
	}

	if r.err != nil {
		return nil, r.err
	}

	if r.closed {
		return nil, fs.ErrClosed
	}

	if len(data) == 0 {
		if len(ent.data) == 0 {
			return nil, nil
		}

		return nil, protocolViolation(nil, "empty read at offset %d, before data at offset %d", offset, ent.offset)
	}

	r.offset += uint64(len(data))

	return data, nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if len(r.rest) == 0 {
		chunk, err := r.ReadChunk()
		if err != nil {
			return 0, err
		}

		if len(chunk) == 0 {
			return 0, io.EOF
		}

		r.rest = chunk
	}

	n := copy(p, r.rest)
	r.rest = r.rest[n:]

	return n, nil
}

// WriteTo implements io.WriterTo, copying the remainder of the file to w.
func (r *Reader) WriteTo(w io.Writer) (written int64, err error) {
	if len(r.rest) > 0 {
		n, err := w.Write(r.rest)
		written += int64(n)
		r.rest = r.rest[n:]

		if err != nil {
			return written, err
		}
	}

	for {
		chunk, err := r.ReadChunk()
		if err != nil {
			return written, err
		}

		if len(chunk) == 0 {
			return written, nil
		}

		n, err := w.Write(chunk)
		written += int64(n)

		if err != nil {
			return written, err
		}
	}
}

// Offset returns the offset of the next byte to be delivered.
func (r *Reader) Offset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return int64(r.offset) - int64(len(r.rest))
}

// Close stops the read-ahead, and closes the handle.
// It waits up to the reader dispose timeout for the read-ahead worker to stop,
// and then closes the handle regardless.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fs.ErrClosed
	}
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()

	r.halt()

	select {
	case <-r.done:
	case <-time.After(r.cl.disposeTimeout):
		r.cl.conn.log(slog.LevelWarn, "sftp.reader.dispose.timeout", slog.Duration("timeout", r.cl.disposeTimeout))
	}

	// Reads still in flight are abandoned, their responses are dropped on arrival.
	// No read can be started once closed is set, so the wait is bounded by the cancel.
	r.cancel()
	r.wg.Wait()

	return r.cl.CloseHandle(r.handle)
}
