package sftp

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
	"github.com/pkg/sftpclient/internal/sync"
)

// sftpProtocolVersion is the version requested in SSH_FXP_INIT, and the highest version accepted in SSH_FXP_VERSION.
const sftpProtocolVersion = 3

// connState is the position of a session in its establishment.
type connState uint32

const (
	stateClosed connState = iota
	stateInitializing
	stateNegotiated
	stateWorkingDirectoryResolved
	stateReady
)

func (s connState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateInitializing:
		return "initializing"
	case stateNegotiated:
		return "negotiated"
	case stateWorkingDirectoryResolved:
		return "working-directory-resolved"
	case stateReady:
		return "ready"
	default:
		return fmt.Sprintf("connState(%d)", uint32(s))
	}
}

type result struct {
	pkt *sshfx.RawPacket
	err error
}

// pending is an entry of the inflight table.
type pending struct {
	ch    chan<- result
	typ   sshfx.PacketType
	start time.Time
}

// clientConn correlates requests and responses over a single channel.
//
// Requests are written by any number of goroutines,
// responses are read by exactly one receive loop, which feeds a Decoder.
type clientConn struct {
	reqid atomic.Uint32
	state atomic.Uint32

	rd        io.Reader
	maxPacket uint32

	logger  *slog.Logger
	metrics *Metrics

	resPool *sync.WorkPool[result]

	bufPool *sync.SlicePool[[]byte, byte]
	pktPool *sync.Pool[sshfx.RawPacket]

	// version receives the validated SSH_FXP_VERSION during the handshake.
	version chan *sshfx.VersionPacket

	// wmu serializes whole packets onto wr.
	wmu sync.Mutex
	wr  io.WriteCloser

	mu       sync.Mutex
	closed   chan struct{}
	inflight map[uint32]pending
	err      error
}

func (c *clientConn) getState() connState {
	return connState(c.state.Load())
}

func (c *clientConn) setState(s connState) {
	prev := connState(c.state.Swap(uint32(s)))
	c.log(slog.LevelDebug, "sftp.state", slog.String("from", prev.String()), slog.String("to", s.String()))
}

func (c *clientConn) log(level slog.Level, msg string, attrs ...slog.Attr) {
	if c.logger == nil {
		return
	}
	c.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// handshake sends SSH_FXP_INIT, and waits for the receive loop to deliver a valid SSH_FXP_VERSION.
func (c *clientConn) handshake(ctx context.Context) (*sshfx.VersionPacket, error) {
	initPkt := &sshfx.InitPacket{
		Version: sftpProtocolVersion,
	}

	data, err := initPkt.MarshalBinary()
	if err != nil {
		return nil, err
	}

	c.setState(stateInitializing)

	c.wmu.Lock()
	_, err = c.wr.Write(data)
	c.wmu.Unlock()

	if err != nil {
		return nil, errors.Wrap(err, "sftp: write init packet")
	}

	select {
	case ver := <-c.version:
		return ver, nil

	case <-c.closed:
		if c.err != nil {
			return nil, c.err
		}
		return nil, sshfx.StatusConnectionLost

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *clientConn) getChan(reqid uint32) (pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, loaded := c.inflight[reqid]
	delete(c.inflight, reqid)

	return p, loaded
}

// Wait blocks until the connection is closed, and returns the error that closed it.
func (c *clientConn) Wait() error {
	<-c.closed
	return c.err
}

// lostErr returns the error delivered to requests that outlive the connection.
// It must only be called after closed has been closed.
func (c *clientConn) lostErr() error {
	if c.err == nil {
		return sshfx.StatusConnectionLost
	}

	return fmt.Errorf("%w: %w", sshfx.StatusConnectionLost, c.err)
}

// disconnect closes the connection, and fails every request still in the inflight table.
// Only the first call has any effect.
func (c *clientConn) disconnect(err error) {
	c.mu.Lock()

	select {
	case <-c.closed:
		// already closed
		c.mu.Unlock()
		return
	default:
	}

	c.err = err
	close(c.closed)

	inflight := c.inflight
	c.inflight = nil

	c.mu.Unlock()

	c.setState(stateClosed)

	if err != nil {
		c.log(slog.LevelError, "sftp.disconnect", slog.String("err", err.Error()), slog.Int("inflight", len(inflight)))
	} else {
		c.log(slog.LevelDebug, "sftp.disconnect", slog.Int("inflight", len(inflight)))
	}

	bcastRes := result{
		err: c.lostErr(),
	}

	// Every entry has been removed from the table,
	// so nothing else may send on these channels.
	for _, p := range inflight {
		p.ch <- bcastRes
		c.metrics.requestDone()
	}

	c.wr.Close()
}

// recvLoop reads the channel in arbitrary chunks, and feeds them to a Decoder,
// until the channel fails or a frame violates the protocol.
func (c *clientConn) recvLoop() error {
	dec := sshfx.NewDecoder(c.maxPacket, c.handleFrame)

	chunk := make([]byte, c.maxPacket)

	for {
		n, err := c.rd.Read(chunk)
		if n > 0 {
			if err := dec.Feed(chunk[:n]); err != nil {
				var pve *ProtocolViolationError
				if errors.As(err, &pve) {
					return err
				}

				return protocolViolation(err, "malformed frame")
			}
		}

		if err != nil {
			if err == io.EOF {
				if dec.Buffered() > 0 {
					return errors.Wrapf(io.ErrUnexpectedEOF, "sftp: channel closed with %d bytes of a partial packet", dec.Buffered())
				}

				return errors.New("sftp: channel closed by server")
			}

			return errors.Wrap(err, "sftp: read from channel")
		}
	}
}

// handleFrame is called by the Decoder for every complete frame.
// The frame aliases the Decoder's memory, so it is copied before being handed off.
func (c *clientConn) handleFrame(frame *sshfx.RawPacket) error {
	switch state := c.getState(); state {
	case stateInitializing:
		return c.handleVersion(frame)

	case stateClosed:
		return protocolViolation(nil, "%s received before handshake", frame.PacketType)
	}

	if !frame.PacketType.IsResponse() {
		return protocolViolation(&sshfx.UnexpectedPacketTypeError{Got: frame.PacketType}, "unexpected packet")
	}

	p, loaded := c.getChan(frame.RequestID)
	if !loaded {
		// This is an unexpected occurrence.
		// Returning tears down the connection, which sends the error back to all listeners,
		// so they can terminate gracefully.
		return protocolViolation(nil, "response for unknown request id: %d", frame.RequestID)
	}

	c.metrics.recordResponse(p.typ, frame.PacketType, p.start)
	c.metrics.requestDone()

	raw := c.pktPool.Get()
	raw.PacketType = frame.PacketType
	raw.RequestID = frame.RequestID

	buf := c.bufPool.Get()
	raw.Data = *sshfx.NewBuffer(append(buf[:0], frame.Data.Bytes()...))

	// Channels are buffered, and each is sent on only once.
	p.ch <- result{
		pkt: raw,
	}

	return nil
}

func (c *clientConn) handleVersion(frame *sshfx.RawPacket) error {
	ver := new(sshfx.VersionPacket)
	if err := ver.FromRaw(frame); err != nil {
		return protocolViolation(err, "handshake")
	}

	if ver.Version > sftpProtocolVersion {
		return &VersionError{
			Got: ver.Version,
			Max: sftpProtocolVersion,
		}
	}

	c.log(slog.LevelInfo, "sftp.handshake.version", slog.Uint64("version", uint64(ver.Version)), slog.Int("extensions", len(ver.Extensions)))

	c.setState(stateNegotiated)
	c.version <- ver

	return nil
}

// dispatch will marshal, then dispatch the given request packet.
// Packets are written atomically to the connection.
// It returns the allocated request id, and either a channel upon which the result will be returned, or an error.
//
// If the cancel channel has been closed before the request is dispatched,
// then dispatch will return an [fs.ErrClosed] error.
func (c *clientConn) dispatch(ctx context.Context, cancel <-chan struct{}, req sshfx.PacketMarshaller) (uint32, chan result, error) {
	if c.getState() < stateNegotiated {
		return 0, nil, errors.New("sftp: request before session established")
	}

	ch, err := c.resPool.GetContext(ctx)
	if err != nil {
		if errors.Is(err, sync.ErrWorkPoolClosed) {
			<-c.closed
			return 0, nil, c.lostErr()
		}

		return 0, nil, contextError(ctx)
	}

	var typ sshfx.PacketType
	if req, ok := req.(interface{ Type() sshfx.PacketType }); ok {
		typ = req.Type()
	}

	reqid, err := c.register(cancel, ch, typ)
	if err != nil {
		c.resPool.Put(ch)
		return reqid, nil, err
	}

	header, payload, err := req.MarshalPacket(reqid, c.bufPool.Get())
	if err == nil {
		err = c.transmit(header, payload)
	}
	c.bufPool.Put(header)

	// The payload aliases a caller-held slice, so it never goes into the bufPool.

	if err != nil {
		if _, loaded := c.getChan(reqid); loaded {
			c.metrics.requestDone()
			c.resPool.Put(ch)
		} else {
			// The connection was torn down, and the broadcast owns the channel now.
			c.discardBlocking(ch)
		}

		return reqid, nil, err
	}

	c.metrics.recordRequest(typ)

	return reqid, ch, nil
}

// register allocates a request id that is not currently in flight, and enters ch into the inflight table.
func (c *clientConn) register(cancel <-chan struct{}, ch chan result, typ sshfx.PacketType) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return 0, c.lostErr()
	case <-cancel:
		return 0, fs.ErrClosed
	default:
	}

	if c.inflight == nil {
		c.inflight = make(map[uint32]pending)
	}

	reqid := c.reqid.Add(1)
	for {
		// The counter wraps, but the inflight population is far smaller than 2^32.
		if _, exists := c.inflight[reqid]; !exists {
			break
		}
		reqid = c.reqid.Add(1)
	}

	c.inflight[reqid] = pending{
		ch:    ch,
		typ:   typ,
		start: time.Now(),
	}

	return reqid, nil
}

func (c *clientConn) transmit(header, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if _, err := c.wr.Write(header); err != nil {
		return errors.Wrap(err, "sftp: write packet header")
	}

	if len(payload) != 0 {
		if _, err := c.wr.Write(payload); err != nil {
			return errors.Wrap(err, "sftp: write packet payload")
		}
	}

	return nil
}

func (c *clientConn) returnRaw(raw *sshfx.RawPacket) {
	if raw == nil {
		return
	}

	c.bufPool.Put(raw.Data.HintReturn())
	c.pktPool.Put(raw)
}

func (c *clientConn) discardBlocking(ch chan result) {
	res := <-ch

	c.returnRaw(res.pkt)
	c.resPool.Put(ch)
}

// discard abandons a request that nobody is waiting on anymore.
//
// Its entry stays in the inflight table until the response arrives, or the connection is closed,
// so a late response is still matched, and is then dropped into the abandoned channel.
func (c *clientConn) discard(ch chan result) {
	select {
	case res := <-ch:
		// We received a result, so we can reuse this channel now.
		c.returnRaw(res.pkt)
		c.resPool.Put(ch)

	default:
		// There wasn't a result immediately,
		// So, to be safe, we will throw away the old result channel.
		// If we tried to reuse this channel,
		// a new request could get an old result.
		c.resPool.Put(make(chan result, 1))
	}
}

func (c *clientConn) recv(ctx context.Context, reqid uint32, ch chan result) (*sshfx.RawPacket, error) {
	select {
	case <-ctx.Done():
		c.discard(ch)

		err := contextError(ctx)
		if err == ErrTimeout {
			c.metrics.recordError("timeout")
			c.log(slog.LevelWarn, "sftp.request.timeout", slog.Uint64("reqid", uint64(reqid)))
		} else {
			c.metrics.recordError("canceled")
		}

		return nil, err

	case res := <-ch:
		c.resPool.Put(ch)

		if res.err != nil {
			c.metrics.recordError("connection")
			return nil, res.err
		}

		if res.pkt.RequestID != reqid {
			c.returnRaw(res.pkt)
			return nil, protocolViolation(nil, "unexpected request id: %d != %d", res.pkt.RequestID, reqid)
		}

		return res.pkt, nil
	}
}

func (c *clientConn) send(ctx context.Context, cancel <-chan struct{}, req sshfx.PacketMarshaller) (*sshfx.RawPacket, error) {
	reqid, ch, err := c.dispatch(ctx, cancel, req)
	if err != nil {
		return nil, err
	}

	return c.recv(ctx, reqid, ch)
}

// inflightCount returns the number of entries in the inflight table.
func (c *clientConn) inflightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.inflight)
}
