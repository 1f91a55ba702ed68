package sftp

import (
	"bytes"
	"io"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
	"github.com/pkg/sftpclient/internal/sftptest"
)

func openForRead(t *testing.T, cl *Client, name string) string {
	t.Helper()

	h, err := cl.OpenHandle(name, sshfx.FlagRead, nil)
	require.NoError(t, err)

	return h
}

// permutations returns every ordering of 0 through n-1.
func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}

	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}

	return out
}

func TestReaderOutOfOrderResponses(t *testing.T) {
	cl, srv := clientServerPair(t, nil)
	require.NoError(t, srv.WriteFile("file", []byte("ABCDEFGH")))

	h := openForRead(t, cl, "file")

	srv.Pause()

	r, err := cl.NewReader(h, 4, 3, 8)
	require.NoError(t, err)

	waitQueued(t, srv, 3)

	// End of file first, then the second half, then the first.
	require.NoError(t, srv.Release(2, 1, 0))

	chunk, err := r.ReadChunk()
	require.NoError(t, err)
	assert.Equal(t, "ABCD", string(chunk))

	chunk, err = r.ReadChunk()
	require.NoError(t, err)
	assert.Equal(t, "EFGH", string(chunk))

	chunk, err = r.ReadChunk()
	require.NoError(t, err)
	assert.Empty(t, chunk)

	// End of file repeats, without further requests.
	chunk, err = r.ReadChunk()
	require.NoError(t, err)
	assert.Empty(t, chunk)

	assert.Equal(t, int64(8), r.Offset())

	require.NoError(t, srv.Resume())
	require.NoError(t, r.Close())
	assert.Zero(t, srv.OpenHandles())
}

func TestReaderAllOrders(t *testing.T) {
	content := []byte("0123456789AB")

	for _, order := range permutations(4) {
		cl, srv := clientServerPair(t, nil)
		require.NoError(t, srv.WriteFile("file", content))

		h := openForRead(t, cl, "file")

		srv.Pause()

		r, err := cl.NewReader(h, 4, 4, -1)
		require.NoError(t, err)

		waitQueued(t, srv, 4)
		require.NoError(t, srv.Release(order...))
		require.NoError(t, srv.Resume())

		got, err := io.ReadAll(r)
		require.NoError(t, err, "order %v", order)
		assert.Equal(t, content, got, "order %v", order)

		require.NoError(t, r.Close())
	}
}

func TestReaderWindowBound(t *testing.T) {
	cl, srv := clientServerPair(t, nil)

	content := bytes.Repeat([]byte("0123456789abcdef"), 4096)
	require.NoError(t, srv.WriteFile("file", content))

	h := openForRead(t, cl, "file")

	const window = 4

	r, err := cl.NewReader(h, 1024, window, int64(len(content)))
	require.NoError(t, err)
	defer r.Close()

	buf := new(bytes.Buffer)
	n, err := r.WriteTo(buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, content, buf.Bytes())

	assert.LessOrEqual(t, srv.MaxOutstandingReads(), window)
	assert.GreaterOrEqual(t, srv.MaxOutstandingReads(), 1)
}

func TestReaderBlockedWindow(t *testing.T) {
	cl, srv := clientServerPair(t, nil)
	require.NoError(t, srv.WriteFile("file", bytes.Repeat([]byte("x"), 100)))

	h := openForRead(t, cl, "file")

	srv.Pause()

	r, err := cl.NewReader(h, 10, 2, 100)
	require.NoError(t, err)

	waitQueued(t, srv, 2)

	// Nothing is consumed, so no further reads are issued.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, srv.Count(sshfx.PacketTypeRead))

	require.NoError(t, srv.Resume())

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Len(t, got, 100)

	require.NoError(t, r.Close())
}

func TestReaderShortReads(t *testing.T) {
	content := []byte("ABCDEFGHIJ")

	for _, size := range []int64{int64(len(content)), -1} {
		cl, srv := clientServerPair(t, []sftptest.Option{sftptest.WithMaxReadLength(3)})
		require.NoError(t, srv.WriteFile("file", content))

		h := openForRead(t, cl, "file")

		r, err := cl.NewReader(h, 4, 2, size)
		require.NoError(t, err)

		got, err := io.ReadAll(r)
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, content, got, "size %d", size)

		require.NoError(t, r.Close())
	}
}

func TestReaderShortReadThenGap(t *testing.T) {
	// The first read comes back short, and the server then refuses to fill the gap.
	cl, srv := clientServerPair(t, []sftptest.Option{
		sftptest.WithHook(func(req *sshfx.RequestPacket) sshfx.PacketMarshaller {
			read, ok := req.Request.(*sshfx.ReadPacket)
			if !ok {
				return nil
			}

			switch read.Offset {
			case 0:
				return &sshfx.DataPacket{Data: []byte("AB")}
			case 2:
				return &sshfx.StatusPacket{StatusCode: sshfx.StatusEOF}
			}
			return nil
		}),
	})
	require.NoError(t, srv.WriteFile("file", []byte("ABCDEFGH")))

	h := openForRead(t, cl, "file")

	r, err := cl.NewReader(h, 4, 2, -1)
	require.NoError(t, err)
	defer r.Close()

	chunk, err := r.ReadChunk()
	require.NoError(t, err)
	assert.Equal(t, "AB", string(chunk))

	_, err = r.ReadChunk()

	var pve *ProtocolViolationError
	require.ErrorAs(t, err, &pve)

	// The failure is terminal.
	_, err2 := r.ReadChunk()
	assert.Equal(t, err, err2)
}

func TestReaderFailure(t *testing.T) {
	cl, srv := clientServerPair(t, []sftptest.Option{
		sftptest.WithHook(func(req *sshfx.RequestPacket) sshfx.PacketMarshaller {
			if read, ok := req.Request.(*sshfx.ReadPacket); ok && read.Offset == 4 {
				return &sshfx.StatusPacket{StatusCode: sshfx.StatusPermissionDenied}
			}
			return nil
		}),
	})
	require.NoError(t, srv.WriteFile("file", []byte("ABCDEFGH")))

	h := openForRead(t, cl, "file")

	r, err := cl.NewReader(h, 4, 1, 8)
	require.NoError(t, err)

	chunk, err := r.ReadChunk()
	require.NoError(t, err)
	assert.Equal(t, "ABCD", string(chunk))

	_, err = r.ReadChunk()
	assert.ErrorIs(t, err, fs.ErrPermission)

	_, err = r.ReadChunk()
	assert.ErrorIs(t, err, fs.ErrPermission)

	require.NoError(t, r.Close())
	assert.Zero(t, srv.OpenHandles())
}

func TestReaderCloseWhilePending(t *testing.T) {
	cl, srv := clientServerPair(t, nil, WithReaderDisposeTimeout(50*time.Millisecond))
	require.NoError(t, srv.WriteFile("file", bytes.Repeat([]byte("x"), 64)))

	h := openForRead(t, cl, "file")

	srv.Pause()

	r, err := cl.NewReader(h, 8, 4, 64)
	require.NoError(t, err)

	waitQueued(t, srv, 4)

	closed := make(chan error, 1)
	go func() {
		closed <- r.Close()
	}()

	// Close sends SSH_FXP_CLOSE after abandoning the reads.
	waitQueued(t, srv, 5)
	require.NoError(t, srv.Resume())

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	_, err = r.ReadChunk()
	assert.ErrorIs(t, err, fs.ErrClosed)
	assert.ErrorIs(t, r.Close(), fs.ErrClosed)

	assert.Zero(t, srv.OpenHandles())

	require.Eventually(t, func() bool {
		return cl.conn.inflightCount() == 0
	}, 2*time.Second, time.Millisecond)
}

func TestReaderRead(t *testing.T) {
	cl, srv := clientServerPair(t, nil)
	require.NoError(t, srv.WriteFile("file", []byte("hello, world")))

	r, err := cl.OpenReader("file")
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, int64(12), r.fileSize)

	p := make([]byte, 5)

	n, err := r.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(p[:n]))
	assert.Equal(t, int64(5), r.Offset())

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, ", world", string(rest))

	n, err = r.Read(p)
	assert.Zero(t, n)
	assert.Equal(t, io.EOF, err)
}

func TestNewReaderArguments(t *testing.T) {
	cl, srv := clientServerPair(t, nil)
	require.NoError(t, srv.WriteFile("file", nil))

	h := openForRead(t, cl, "file")
	defer cl.CloseHandle(h)

	_, err := cl.NewReader(h, 0, 1, -1)
	assert.Error(t, err)

	_, err = cl.NewReader(h, uint32(cl.maxDataLen)+1, 1, -1)
	assert.Error(t, err)

	_, err = cl.NewReader(h, 1024, 0, -1)
	assert.Error(t, err)
}

func TestOpenReaderMissing(t *testing.T) {
	cl, srv := clientServerPair(t, nil)

	_, err := cl.OpenReader("missing")
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Zero(t, srv.OpenHandles())
}
