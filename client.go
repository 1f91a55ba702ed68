package sftp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
	"github.com/pkg/sftpclient/encoding/ssh/filexfer/openssh"
	"github.com/pkg/sftpclient/internal/sync"
)

// Client represents an SFTP session on a *ssh.ClientConn SSH connection,
// or on any other reliable ordered channel given to NewClientPipe.
// Multiple clients can be active on a single SSH connection,
// and a client may be called concurrently from multiple goroutines.
type Client struct {
	conn clientConn

	maxPacket   uint32
	maxDataLen  int
	maxInflight int

	localMaxPacket  uint32
	remoteMaxPacket uint32

	opTimeout      time.Duration
	disposeTimeout time.Duration

	logger  *slog.Logger
	metrics *Metrics

	version uint32
	exts    map[string]string

	wdMu sync.RWMutex
	wd   string
}

// NewClient creates a new SFTP client on conn.
// The context is only used during initialization, and handshake.
func NewClient(ctx context.Context, conn *ssh.Client, opts ...ClientOption) (*Client, error) {
	s, err := conn.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "sftp: open session")
	}

	if err := s.RequestSubsystem("sftp"); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "sftp: request subsystem")
	}

	w, err := s.StdinPipe()
	if err != nil {
		s.Close()
		return nil, err
	}

	r, err := s.StdoutPipe()
	if err != nil {
		s.Close()
		return nil, err
	}

	cl, err := NewClientPipe(ctx, r, w, opts...)
	if err != nil {
		s.Close()
		return nil, err
	}

	go func() {
		// The session outlives the channel pipes, so release it once the client is done.
		cl.conn.Wait()
		s.Close()
	}()

	return cl, nil
}

// NewClientPipe creates a new SFTP client given a Reader and WriteCloser.
// This can be used for connecting an SFTP server over TCP/TLS, or by using the system's ssh client program.
//
// The reader may deliver the stream in chunks of any size.
//
// NewClientPipe does not return until the session is ready:
// the protocol version has been negotiated, and the working directory resolved.
// The given context is only used for this establishment.
func NewClientPipe(ctx context.Context, rd io.Reader, wr io.WriteCloser, opts ...ClientOption) (*Client, error) {
	cl := &Client{
		conn: clientConn{
			rd:      rd,
			wr:      wr,
			closed:  make(chan struct{}),
			version: make(chan *sshfx.VersionPacket, 1),
		},

		maxPacket:   sshfx.DefaultMaxPacketLength,
		maxDataLen:  sshfx.DefaultMaxDataLength,
		maxInflight: DefaultMaxInflight,

		localMaxPacket:  DefaultChannelPacketLength,
		remoteMaxPacket: DefaultChannelPacketLength,

		opTimeout:      DefaultOperationTimeout,
		disposeTimeout: DefaultReaderDisposeTimeout,
	}

	for _, opt := range opts {
		if err := opt(cl); err != nil {
			return nil, err
		}
	}

	openssh.RegisterExtensions()

	cl.conn.maxPacket = cl.maxPacket
	cl.conn.logger = cl.logger
	cl.conn.metrics = cl.metrics

	cl.conn.resPool = sync.NewWorkPool[result](cl.maxInflight)

	cl.conn.bufPool = sync.NewSlicePool[[]byte](cl.maxInflight, int(cl.maxPacket))
	cl.conn.pktPool = sync.NewPool[sshfx.RawPacket](cl.maxInflight)

	go func() {
		if err := cl.conn.recvLoop(); err != nil {
			cl.conn.disconnect(err)
		}
	}()

	if err := cl.establish(ctx); err != nil {
		cl.Close()
		return nil, err
	}

	return cl, nil
}

// establish drives the session from initialization through to ready.
func (cl *Client) establish(ctx context.Context) error {
	ver, err := cl.conn.handshake(ctx)
	if err != nil {
		return err
	}

	cl.version = ver.Version

	cl.exts = make(map[string]string)
	for _, ext := range ver.Extensions {
		cl.exts[ext.Name] = ext.Data
	}

	// The working directory is resolved under the handshake context,
	// rather than the operation timeout.
	wd, err := cl.realpath(ctx, ".")
	if err != nil {
		return errors.Wrap(err, "sftp: resolve working directory")
	}

	cl.wd = wd
	cl.conn.setState(stateWorkingDirectoryResolved)

	cl.conn.log(slog.LevelInfo, "sftp.session.ready", slog.String("wd", wd), slog.Uint64("version", uint64(cl.version)))
	cl.conn.setState(stateReady)

	return nil
}

// ReportPoolMetrics writes the packet buffer pool hit rate to wr.
// The counters only run in binaries built with `-tags sftp.sync.metrics`.
func (cl *Client) ReportPoolMetrics(wr io.Writer) {
	hits, total := cl.conn.bufPool.Hits()
	if total == 0 {
		fmt.Fprintln(wr, "bufpool: no samples")
		return
	}

	fmt.Fprintf(wr, "bufpool hit rate: %d / %d = %f\n", hits, total, float64(hits)/float64(total))
}

// Close closes the SFTP session.
//
// Requests still awaiting a response fail with an error matching sshfx.StatusConnectionLost.
// Close waits for every such request to observe the failure.
func (cl *Client) Close() error {
	cl.conn.disconnect(nil)

	// Broadcasting happens outside of the table lock,
	// so callers blocked in dispatch can finish, and return their channels.
	return cl.conn.resPool.Close()
}

// Wait blocks until the session ends, and returns the error that ended it,
// or nil if it was ended by Close.
func (cl *Client) Wait() error {
	return cl.conn.Wait()
}

// ProtocolVersion returns the protocol version negotiated with the server.
func (cl *Client) ProtocolVersion() uint32 {
	return cl.version
}

// Extensions returns a copy of the extensions advertised by the server, mapping name to data.
func (cl *Client) Extensions() map[string]string {
	return maps.Clone(cl.exts)
}

// HasExtension reports whether the server advertised the named extension.
func (cl *Client) HasExtension(name string) bool {
	_, ok := cl.exts[name]
	return ok
}

// requireVersion fails with a *NotSupportedError if the session version is below min.
func (cl *Client) requireVersion(op string, min uint32) error {
	if cl.version >= min {
		return nil
	}

	cl.metrics.recordError("not_supported")

	return &NotSupportedError{
		Op:         op,
		Version:    cl.version,
		MinVersion: min,
	}
}

// requireExtension fails with a *NotSupportedError unless the session is version 3,
// and the server advertised the extension.
func (cl *Client) requireExtension(op string, ext *sshfx.ExtensionPair) error {
	if cl.version >= 3 && cl.HasExtension(ext.Name) {
		return nil
	}

	cl.metrics.recordError("not_supported")

	return &NotSupportedError{
		Op:         op,
		Version:    cl.version,
		MinVersion: 3,
		Extension:  ext.Name,
	}
}

// opContext returns the context that a synchronous operation runs under.
func (cl *Client) opContext() (context.Context, context.CancelFunc) {
	return cl.withOpTimeout(context.Background())
}

// withOpTimeout bounds parent by the operation timeout, if there is one.
func (cl *Client) withOpTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	if cl.opTimeout <= 0 {
		return context.WithCancel(parent)
	}

	return context.WithTimeout(parent, cl.opTimeout)
}

// call runs fn under the synchronous operation timeout.
func call[T any](cl *Client, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := cl.opContext()
	defer cancel()

	return fn(ctx)
}

// callErr is call for operations with no result value.
func callErr(cl *Client, fn func(ctx context.Context) error) error {
	ctx, cancel := cl.opContext()
	defer cancel()

	return fn(ctx)
}

// goErr is goFuture for operations with no result value.
func goErr(ctx context.Context, fn func(ctx context.Context) error) *Future[struct{}] {
	return goFuture(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
}

type respPacket[PKT any] interface {
	*PKT
	sshfx.Packet
}

func getPacket[PKT any, P respPacket[PKT]](ctx context.Context, cancel <-chan struct{}, cl *Client, req sshfx.PacketMarshaller) (*PKT, error) {
	raw, err := cl.conn.send(ctx, cancel, req)
	if err != nil {
		return nil, err
	}
	defer cl.conn.returnRaw(raw)

	var resp P

	switch raw.PacketType {
	case resp.Type():
		resp = new(PKT)
		if err := resp.UnmarshalPacketBody(&raw.Data); err != nil {
			return nil, protocolViolation(err, "malformed %s", raw.PacketType)
		}

		return resp, nil

	case sshfx.PacketTypeStatus:
		return nil, cl.unmarshalStatus(raw, false)

	default:
		return nil, cl.unexpected(raw, resp.Type())
	}
}

func (cl *Client) unmarshalStatus(raw *sshfx.RawPacket, okExpected bool) error {
	var status sshfx.StatusPacket
	if err := status.UnmarshalPacketBody(&raw.Data); err != nil {
		return protocolViolation(err, "malformed %s", raw.PacketType)
	}

	err := statusToError(&status, okExpected)
	if err != nil && err != io.EOF {
		cl.metrics.recordError("status")
	}

	return err
}

func (cl *Client) unexpected(raw *sshfx.RawPacket, want sshfx.PacketType) error {
	cl.metrics.recordError("protocol")

	return protocolViolation(&sshfx.UnexpectedPacketTypeError{Got: raw.PacketType, Want: want}, "unexpected response")
}

func (cl *Client) sendPacket(ctx context.Context, cancel <-chan struct{}, req sshfx.PacketMarshaller) error {
	reqid, ch, err := cl.conn.dispatch(ctx, cancel, req)
	if err != nil {
		return err
	}

	return cl.recvStatus(ctx, reqid, ch)
}

func (cl *Client) recvStatus(ctx context.Context, reqid uint32, ch chan result) error {
	raw, err := cl.conn.recv(ctx, reqid, ch)
	if err != nil {
		return err
	}
	defer cl.conn.returnRaw(raw)

	switch raw.PacketType {
	case sshfx.PacketTypeStatus:
		return cl.unmarshalStatus(raw, true)

	default:
		return cl.unexpected(raw, sshfx.PacketTypeStatus)
	}
}

// recvData receives the response to an SSH_FXP_READ of length bytes into resp, reusing resp.Data if it is large enough.
// SSH_FX_EOF is returned as io.EOF.
func (cl *Client) recvData(ctx context.Context, reqid uint32, ch chan result, length uint32, resp *sshfx.DataPacket) error {
	raw, err := cl.conn.recv(ctx, reqid, ch)
	if err != nil {
		return err
	}
	defer cl.conn.returnRaw(raw)

	switch raw.PacketType {
	case sshfx.PacketTypeData:
		if err := resp.UnmarshalPacketBody(&raw.Data); err != nil {
			return protocolViolation(err, "malformed %s", raw.PacketType)
		}

		if uint64(len(resp.Data)) > uint64(length) {
			cl.metrics.recordError("protocol")
			return protocolViolation(nil, "read returned %d bytes, more than the %d requested", len(resp.Data), length)
		}

		return nil

	case sshfx.PacketTypeStatus:
		return cl.unmarshalStatus(raw, false)

	default:
		return cl.unexpected(raw, sshfx.PacketTypeData)
	}
}

// getDataBuf returns a buffer of length size, from the pool if one is large enough.
func (cl *Client) getDataBuf(size int) []byte {
	hint := cl.conn.bufPool.Get()

	for len(hint) < size {
		hint = cl.conn.bufPool.Get()
		if len(hint) == 0 {
			// Give up, make a new slice, and just throw away all the too small buffers.
			return make([]byte, size, max(size, int(cl.maxPacket)))
		}
	}

	return hint[:size]
}

// putDataBuf returns a buffer from getDataBuf to the pool.
func (cl *Client) putDataBuf(b []byte) {
	cl.conn.bufPool.Put(b)
}
