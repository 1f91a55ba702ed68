package sftp

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
	"github.com/pkg/sftpclient/internal/sftptest"
	"github.com/pkg/sftpclient/internal/sync"
)

// dialServer connects a new client to srv over a pair of in-memory pipes.
func dialServer(t *testing.T, srv *sftptest.Server, opts ...ClientOption) (*Client, error) {
	t.Helper()

	cr, sw := io.Pipe()
	sr, cw := io.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(sr, sw)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cl, err := NewClientPipe(ctx, cr, cw, opts...)

	t.Cleanup(func() {
		if cl != nil {
			cl.Close()
		}

		// Unblock a server that is still writing to a client which stopped reading.
		cr.Close()
		cw.Close()
		<-done
	})

	return cl, err
}

func clientServerPair(t *testing.T, srvOpts []sftptest.Option, opts ...ClientOption) (*Client, *sftptest.Server) {
	t.Helper()

	srv := sftptest.NewServer(srvOpts...)

	cl, err := dialServer(t, srv, opts...)
	require.NoError(t, err)

	return cl, srv
}

func waitQueued(t *testing.T, srv *sftptest.Server, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return srv.Queued() == n
	}, 2*time.Second, time.Millisecond, "server never queued %d responses", n)
}

func TestClientEstablish(t *testing.T) {
	cl, srv := clientServerPair(t, nil)

	assert.Equal(t, uint32(3), cl.ProtocolVersion())
	assert.Equal(t, "/home/user", cl.WorkingDirectory())
	assert.Equal(t, stateReady, cl.conn.getState())

	assert.True(t, cl.HasExtension("posix-rename@openssh.com"))
	assert.True(t, cl.HasExtension("fsync@openssh.com"))
	assert.False(t, cl.HasExtension("copy-data"))

	exts := cl.Extensions()
	assert.Len(t, exts, 5)
	assert.Equal(t, "2", exts["statvfs@openssh.com"])
	assert.Equal(t, "1", exts["hardlink@openssh.com"])

	// The working directory is resolved by the only request of the establishment.
	assert.Equal(t, []sshfx.PacketType{sshfx.PacketTypeRealPath}, srv.Requests())
}

func TestClientEstablishHome(t *testing.T) {
	cl, _ := clientServerPair(t, []sftptest.Option{sftptest.WithHome("/srv/data/")})

	assert.Equal(t, "/srv/data", cl.WorkingDirectory())
}

func TestClientEstablishLowerVersion(t *testing.T) {
	for _, version := range []uint32{0, 1, 2} {
		cl, _ := clientServerPair(t, []sftptest.Option{sftptest.WithVersion(version)})

		assert.Equal(t, version, cl.ProtocolVersion())
		assert.Equal(t, "/home/user", cl.WorkingDirectory())
	}
}

func TestClientEstablishVersionTooHigh(t *testing.T) {
	srv := sftptest.NewServer(sftptest.WithVersion(4))

	cl, err := dialServer(t, srv)
	require.Error(t, err)
	assert.Nil(t, cl)

	var verr *VersionError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, uint32(4), verr.Got)
	assert.Equal(t, uint32(3), verr.Max)

	assert.Zero(t, srv.Count(sshfx.PacketTypeRealPath))
}

func TestClientEstablishTimeout(t *testing.T) {
	// A server that never replies to the init packet.
	cr, _ := io.Pipe()
	_, cw := io.Pipe()
	t.Cleanup(func() { cr.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := NewClientPipe(ctx, cr, discardCloser{cw})
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("NewClientPipe did not honor its context")
	}
}

// discardCloser accepts and drops all writes.
type discardCloser struct {
	io.Closer
}

func (discardCloser) Write(b []byte) (int, error) {
	return len(b), nil
}

func TestClientOptions(t *testing.T) {
	srv := sftptest.NewServer()

	_, err := dialServer(t, srv, WithMaxInflight(0))
	assert.Error(t, err)

	srv = sftptest.NewServer()

	_, err = dialServer(t, srv, WithChannelLimits(100, 32768))
	assert.Error(t, err)

	srv = sftptest.NewServer()

	_, err = dialServer(t, srv, WithReaderDisposeTimeout(-time.Second))
	assert.Error(t, err)
}

// lockedBuffer lets the receive loop and the test share a log sink.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestClientLogging(t *testing.T) {
	var out lockedBuffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cl, srv := clientServerPair(t, nil, WithLogger(logger), WithOperationTimeout(50*time.Millisecond))
	require.NoError(t, srv.WriteFile("file", nil))

	logs := out.String()
	assert.Contains(t, logs, "msg=sftp.handshake.version version=3")
	assert.Contains(t, logs, "msg=sftp.session.ready")

	srv.Pause()
	defer srv.Resume()

	_, err := cl.Stat("file")
	require.ErrorIs(t, err, ErrTimeout)

	assert.Contains(t, out.String(), "level=WARN msg=sftp.request.timeout")
}

func TestClientCloseFailsPending(t *testing.T) {
	cl, srv := clientServerPair(t, nil)
	require.NoError(t, srv.WriteFile("file", []byte("data")))

	srv.Pause()

	f := cl.StatAsync(context.Background(), "file")
	waitQueued(t, srv, 1)

	require.NoError(t, cl.Close())

	_, err := f.Result()
	assert.ErrorIs(t, err, sshfx.StatusConnectionLost)

	assert.NoError(t, cl.Wait())

	_, err = cl.Stat("file")
	assert.ErrorIs(t, err, sshfx.StatusConnectionLost)
}

func TestClientServerDisconnect(t *testing.T) {
	cl, srv := clientServerPair(t, nil)

	srv.Pause()

	f := cl.StatAsync(context.Background(), "file")
	waitQueued(t, srv, 1)

	require.NoError(t, srv.Close())

	err := f.Err()
	assert.ErrorIs(t, err, sshfx.StatusConnectionLost)

	assert.Error(t, cl.Wait())
	assert.Equal(t, stateClosed, cl.conn.getState())
	assert.Zero(t, cl.conn.inflightCount())
}

func TestClientUnknownRequestID(t *testing.T) {
	cl, srv := clientServerPair(t, nil)

	b, err := sshfx.ComposePacket((&sshfx.StatusPacket{StatusCode: sshfx.StatusOK}).MarshalPacket(999, nil))
	require.NoError(t, err)

	require.NoError(t, srv.Inject(b))

	err = cl.Wait()

	var pve *ProtocolViolationError
	require.ErrorAs(t, err, &pve)
	assert.Contains(t, pve.Reason, "999")

	_, err = cl.Stat(".")
	assert.ErrorIs(t, err, sshfx.StatusConnectionLost)
}

func TestClientUnexpectedResponseType(t *testing.T) {
	cl, _ := clientServerPair(t, []sftptest.Option{
		sftptest.WithHook(func(req *sshfx.RequestPacket) sshfx.PacketMarshaller {
			if req.Type() == sshfx.PacketTypeStat {
				return &sshfx.HandlePacket{Handle: "bogus"}
			}
			return nil
		}),
	})

	_, err := cl.Stat(".")

	var pve *ProtocolViolationError
	require.ErrorAs(t, err, &pve)

	var upt *sshfx.UnexpectedPacketTypeError
	require.ErrorAs(t, err, &upt)
	assert.Equal(t, sshfx.PacketTypeHandle, upt.Got)
	assert.Equal(t, sshfx.PacketTypeAttrs, upt.Want)
}

func TestClientUniqueRequestIDs(t *testing.T) {
	var (
		mu  sync.Mutex
		ids []uint32
	)

	cl, srv := clientServerPair(t, []sftptest.Option{
		sftptest.WithHook(func(req *sshfx.RequestPacket) sshfx.PacketMarshaller {
			mu.Lock()
			defer mu.Unlock()

			ids = append(ids, req.RequestID)
			return nil
		}),
	})

	const count = 32

	srv.Pause()

	futures := make([]*Future[*FileAttributes], count)
	for i := range futures {
		futures[i] = cl.StatAsync(context.Background(), ".")
	}

	waitQueued(t, srv, count)
	assert.Equal(t, count, cl.conn.inflightCount())

	// Answer in reverse order of arrival.
	var order []int
	for i := count - 1; i >= 0; i-- {
		order = append(order, i)
	}
	require.NoError(t, srv.Release(order...))

	for _, f := range futures {
		attrs, err := f.Result()
		require.NoError(t, err)
		assert.True(t, attrs.IsDir())
	}

	mu.Lock()
	defer mu.Unlock()

	// The establishment sends one request first.
	require.Len(t, ids, count+1)

	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	assert.Len(t, slices.Compact(sorted), count+1, "request ids are not unique")

	assert.Zero(t, cl.conn.inflightCount())
}

func TestClientMaxInflight(t *testing.T) {
	cl, srv := clientServerPair(t, nil, WithMaxInflight(2))

	srv.Pause()

	futures := make([]*Future[*FileAttributes], 4)
	for i := range futures {
		futures[i] = cl.StatAsync(context.Background(), ".")
	}

	waitQueued(t, srv, 2)

	// The others wait for a result channel, rather than being sent.
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, srv.Queued())
	assert.Equal(t, 2, cl.conn.inflightCount())

	require.NoError(t, srv.Resume())

	for _, f := range futures {
		assert.NoError(t, f.Err())
	}
}

func TestClientTimeoutLateResponse(t *testing.T) {
	cl, srv := clientServerPair(t, nil, WithOperationTimeout(50*time.Millisecond))
	require.NoError(t, srv.WriteFile("file", []byte("data")))

	srv.Pause()

	_, err := cl.Stat("file")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The request is still in flight, until its response arrives.
	assert.Equal(t, 1, cl.conn.inflightCount())

	require.NoError(t, srv.Resume())

	require.Eventually(t, func() bool {
		return cl.conn.inflightCount() == 0
	}, 2*time.Second, time.Millisecond)

	// The late response was dropped, and the session is still healthy.
	attrs, err := cl.Stat("file")
	require.NoError(t, err)

	size, ok := attrs.Size()
	assert.True(t, ok)
	assert.Equal(t, int64(4), size)
}

func TestClientOpenMissingCleansUp(t *testing.T) {
	cl, srv := clientServerPair(t, nil)

	_, err := cl.Open("missing")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	var perr *fs.PathError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "open", perr.Op)
	assert.Equal(t, "missing", perr.Path)

	assert.Zero(t, cl.conn.inflightCount())
	assert.Zero(t, srv.OpenHandles())
}
