package sftp

import (
	"bytes"
	"io"
	"io/fs"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
	"github.com/pkg/sftpclient/internal/sftptest"
)

// smallBuffers makes the File buffers a few hundred bytes long.
var smallBuffers = WithChannelLimits(512, 512)

func sequence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestCalculateOptimalLength(t *testing.T) {
	cl := &Client{
		maxDataLen:      sshfx.DefaultMaxDataLength,
		localMaxPacket:  DefaultChannelPacketLength,
		remoteMaxPacket: DefaultChannelPacketLength,
	}

	assert.Equal(t, uint32(32768-13), cl.CalculateOptimalReadLength(math.MaxUint32))
	assert.Equal(t, uint32(100-13), cl.CalculateOptimalReadLength(100))
	assert.Equal(t, uint32(1), cl.CalculateOptimalReadLength(13))
	assert.Equal(t, uint32(1), cl.CalculateOptimalReadLength(0))

	assert.Equal(t, uint32(32768-25-4), cl.CalculateOptimalWriteLength(math.MaxUint32, "abcd"))
	assert.Equal(t, uint32(100-25-2), cl.CalculateOptimalWriteLength(100, "ab"))
	assert.Equal(t, uint32(1), cl.CalculateOptimalWriteLength(26, "ab"))

	// The max data length caps the result.
	cl.localMaxPacket, cl.remoteMaxPacket = 1<<20, 1<<20
	assert.Equal(t, uint32(sshfx.DefaultMaxDataLength), cl.CalculateOptimalReadLength(math.MaxUint32))
	assert.Equal(t, uint32(sshfx.DefaultMaxDataLength), cl.CalculateOptimalWriteLength(math.MaxUint32, "h"))
}

func TestToPortableFlags(t *testing.T) {
	tests := []struct {
		flag int
		want uint32
	}{
		{OpenFlagReadOnly, sshfx.FlagRead},
		{OpenFlagWriteOnly, sshfx.FlagWrite},
		{OpenFlagReadWrite, sshfx.FlagRead | sshfx.FlagWrite},
		{OpenFlagWriteOnly | OpenFlagAppend, sshfx.FlagWrite | sshfx.FlagAppend},
		{OpenFlagWriteOnly | OpenFlagCreate | OpenFlagTruncate, sshfx.FlagWrite | sshfx.FlagCreate | sshfx.FlagTruncate},
		{OpenFlagReadWrite | OpenFlagCreate | OpenFlagExclusive, sshfx.FlagRead | sshfx.FlagWrite | sshfx.FlagCreate | sshfx.FlagExclusive},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, toPortableFlags(tt.flag), "flag %#x", tt.flag)
	}
}

func TestFileBufferSizes(t *testing.T) {
	cl, _ := clientServerPair(t, nil, smallBuffers)

	f, err := cl.Create("file")
	require.NoError(t, err)
	defer f.Close()

	h, _, err := f.handle.get()
	require.NoError(t, err)

	assert.Equal(t, 512-13, f.readLen)
	assert.Equal(t, 512-25-len(h), f.writeLen)
	assert.GreaterOrEqual(t, len(f.buf), max(f.readLen, f.writeLen))
}

func TestFileWriteBuffered(t *testing.T) {
	cl, srv := clientServerPair(t, nil, smallBuffers)

	f, err := cl.Create("file")
	require.NoError(t, err)

	for range 3 {
		n, err := f.WriteString("0123456789")
		require.NoError(t, err)
		assert.Equal(t, 10, n)
	}

	// Nothing is sent until the buffer is full, or flushed.
	assert.Zero(t, srv.Count(sshfx.PacketTypeWrite))
	assert.Equal(t, int64(30), f.Position())

	size, err := f.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(30), size)

	require.NoError(t, f.Flush())
	assert.Equal(t, 1, srv.Count(sshfx.PacketTypeWrite))

	content, err := srv.ReadFile("file")
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("0123456789"), 3), content)

	// An empty flush sends nothing.
	require.NoError(t, f.Flush())
	assert.Equal(t, 1, srv.Count(sshfx.PacketTypeWrite))

	require.NoError(t, f.Close())
	assert.Zero(t, srv.OpenHandles())
}

func TestFileWriteLarge(t *testing.T) {
	cl, srv := clientServerPair(t, nil, smallBuffers)

	f, err := cl.Create("file")
	require.NoError(t, err)

	data := sequence(2000)

	// A partial buffer first, so that the large write is split on the buffer boundary.
	_, err = f.Write(data[:7])
	require.NoError(t, err)

	n, err := f.Write(data[7:])
	require.NoError(t, err)
	assert.Equal(t, len(data)-7, n)

	require.NoError(t, f.Close())

	content, err := srv.ReadFile("file")
	require.NoError(t, err)
	assert.Equal(t, data, content)

	// Every request carries at most one buffer.
	writes := srv.Count(sshfx.PacketTypeWrite)
	assert.GreaterOrEqual(t, writes, (len(data)+f.writeLen-1)/f.writeLen)
}

func TestFileCloseFlushes(t *testing.T) {
	cl, srv := clientServerPair(t, nil)

	f, err := cl.Create("file")
	require.NoError(t, err)

	_, err = f.WriteString("pending")
	require.NoError(t, err)

	require.NoError(t, f.Close())
	assert.ErrorIs(t, f.Close(), fs.ErrClosed)

	content, err := srv.ReadFile("file")
	require.NoError(t, err)
	assert.Equal(t, "pending", string(content))

	_, err = f.Write([]byte("x"))
	assert.ErrorIs(t, err, fs.ErrClosed)

	_, err = f.Read(make([]byte, 1))
	assert.ErrorIs(t, err, fs.ErrClosed)

	assert.Equal(t, "file", f.Name())
}

func TestFileReadBuffered(t *testing.T) {
	cl, srv := clientServerPair(t, nil, smallBuffers)

	content := sequence(1000)
	require.NoError(t, srv.WriteFile("file", content))

	f, err := cl.Open("file")
	require.NoError(t, err)
	defer f.Close()

	p := make([]byte, 10)

	n, err := f.Read(p)
	require.NoError(t, err)
	assert.Equal(t, content[:10], p[:n])
	assert.Equal(t, 1, srv.Count(sshfx.PacketTypeRead))

	n, err = f.Read(p)
	require.NoError(t, err)
	assert.Equal(t, content[10:20], p[:n])
	assert.Equal(t, 1, srv.Count(sshfx.PacketTypeRead))

	// Seeking within the buffered window keeps it.
	pos, err := f.Seek(100, SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(100), pos)

	n, err = f.Read(p)
	require.NoError(t, err)
	assert.Equal(t, content[100:110], p[:n])
	assert.Equal(t, 1, srv.Count(sshfx.PacketTypeRead))

	pos, err = f.Seek(-5, SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(105), pos)

	n, err = f.Read(p)
	require.NoError(t, err)
	assert.Equal(t, content[105:115], p[:n])
	assert.Equal(t, 1, srv.Count(sshfx.PacketTypeRead))

	// Seeking before the window drops it.
	_, err = f.Seek(5, SeekStart)
	require.NoError(t, err)

	n, err = f.Read(p)
	require.NoError(t, err)
	assert.Equal(t, content[5:15], p[:n])
	assert.Equal(t, 2, srv.Count(sshfx.PacketTypeRead))
}

func TestFileReadDirect(t *testing.T) {
	cl, srv := clientServerPair(t, nil, smallBuffers)

	content := sequence(1000)
	require.NoError(t, srv.WriteFile("file", content))

	f, err := cl.Open("file")
	require.NoError(t, err)
	defer f.Close()

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	n, err := f.Read(make([]byte, 1))
	assert.Zero(t, n)
	assert.Equal(t, io.EOF, err)
}

func TestFileReadShort(t *testing.T) {
	cl, srv := clientServerPair(t, []sftptest.Option{sftptest.WithMaxReadLength(7)}, smallBuffers)

	content := sequence(100)
	require.NoError(t, srv.WriteFile("file", content))

	f, err := cl.Open("file")
	require.NoError(t, err)
	defer f.Close()

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestFileSeekEnd(t *testing.T) {
	cl, srv := clientServerPair(t, nil)
	require.NoError(t, srv.WriteFile("file", []byte("abcdef")))

	f, err := cl.OpenFile("file", OpenFlagReadWrite, 0)
	require.NoError(t, err)
	defer f.Close()

	pos, err := f.Seek(-2, SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(4), pos)

	p := make([]byte, 10)
	n, err := f.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(p[:n]))

	// Buffered writes past the end count towards the length.
	_, err = f.WriteString("ghij")
	require.NoError(t, err)

	pos, err = f.Seek(0, SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(10), pos)

	_, err = f.Seek(-20, SeekEnd)
	assert.ErrorIs(t, err, fs.ErrInvalid)

	_, err = f.Seek(0, 42)
	assert.ErrorIs(t, err, fs.ErrInvalid)

	require.NoError(t, f.Flush())

	content, err := srv.ReadFile("file")
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij", string(content))
}

func TestFileReadAfterWrite(t *testing.T) {
	cl, srv := clientServerPair(t, nil)
	require.NoError(t, srv.WriteFile("file", []byte("abcdef")))

	f, err := cl.OpenFile("file", OpenFlagReadWrite, 0)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString("XY")
	require.NoError(t, err)

	// Switching to reading flushes the write.
	p := make([]byte, 2)
	n, err := f.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "cd", string(p[:n]))

	content, err := srv.ReadFile("file")
	require.NoError(t, err)
	assert.Equal(t, "XYcdef", string(content))

	// Switching back to writing drops the read buffer, and writes at the position.
	_, err = f.WriteString("Z")
	require.NoError(t, err)
	require.NoError(t, f.Flush())

	content, err = srv.ReadFile("file")
	require.NoError(t, err)
	assert.Equal(t, "XYcdZf", string(content))
}

func TestFileAppend(t *testing.T) {
	cl, srv := clientServerPair(t, nil)
	require.NoError(t, srv.WriteFile("log", []byte("abc")))

	f, err := cl.OpenFile("log", OpenFlagWriteOnly|OpenFlagAppend, 0)
	require.NoError(t, err)

	assert.Equal(t, int64(3), f.Position())

	_, err = f.Seek(0, SeekStart)
	assert.ErrorIs(t, err, ErrSeekBeforeAppendFloor)
	assert.Equal(t, int64(3), f.Position())

	_, err = f.Seek(-1, SeekCurrent)
	assert.ErrorIs(t, err, ErrSeekBeforeAppendFloor)

	_, err = f.WriteString("def")
	require.NoError(t, err)

	// The floor is the length at open, not the current length.
	pos, err := f.Seek(3, SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pos)

	require.NoError(t, f.Close())

	content, err := srv.ReadFile("log")
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(content))
}

func TestFileAppendTruncateLowersFloor(t *testing.T) {
	cl, srv := clientServerPair(t, nil)
	require.NoError(t, srv.WriteFile("log", []byte("abcdef")))

	f, err := cl.OpenFile("log", OpenFlagWriteOnly|OpenFlagAppend, 0)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Truncate(2))

	pos, err := f.Seek(2, SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pos)
}

func TestFileSetLength(t *testing.T) {
	cl, srv := clientServerPair(t, nil)

	f, err := cl.Create("file")
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString("0123456789")
	require.NoError(t, err)

	// Buffered writes are flushed before the size changes.
	require.NoError(t, f.SetLength(4))

	content, err := srv.ReadFile("file")
	require.NoError(t, err)
	assert.Equal(t, "0123", string(content))

	// The position is left alone.
	assert.Equal(t, int64(10), f.Position())

	size, err := f.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(4), size)

	require.NoError(t, f.SetLength(8))

	content, err = srv.ReadFile("file")
	require.NoError(t, err)
	assert.Equal(t, []byte("0123\x00\x00\x00\x00"), content)
}

func TestFileAttributes(t *testing.T) {
	cl, _ := clientServerPair(t, nil)

	f, err := cl.Create("file")
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString("data")
	require.NoError(t, err)

	mtime := time.Unix(1500000000, 0)

	require.NoError(t, f.Chmod(0o600))
	require.NoError(t, f.Chown(10, 20))
	require.NoError(t, f.Chtimes(mtime, mtime))

	fi, err := f.Stat()
	require.NoError(t, err)

	assert.Equal(t, "file", fi.Name())
	assert.Equal(t, int64(4), fi.Size())
	assert.Equal(t, fs.FileMode(0o600), fi.Mode())
	assert.True(t, fi.ModTime().Equal(mtime))

	attrs, ok := fi.Sys().(*sshfx.Attributes)
	require.True(t, ok)
	assert.Equal(t, uint32(10), attrs.UID)
	assert.Equal(t, uint32(20), attrs.GID)
}

func TestFileCreatePermissions(t *testing.T) {
	cl, _ := clientServerPair(t, nil)

	f, err := cl.OpenFile("file", OpenFlagWriteOnly|OpenFlagCreate|OpenFlagExclusive, 0o640)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	attrs, err := cl.Stat("file")
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o640), attrs.Mode())

	_, err = cl.OpenFile("file", OpenFlagWriteOnly|OpenFlagCreate|OpenFlagExclusive, 0o640)
	assert.Error(t, err)

	_, err = cl.Open("missing")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestFileSync(t *testing.T) {
	cl, srv := clientServerPair(t, nil)

	f, err := cl.Create("file")
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString("durable")
	require.NoError(t, err)

	require.NoError(t, f.Sync())

	content, err := srv.ReadFile("file")
	require.NoError(t, err)
	assert.Equal(t, "durable", string(content))

	assert.Equal(t, 1, srv.Count(sshfx.PacketTypeExtended))
}

func TestFileSyncNotSupported(t *testing.T) {
	cl, srv := clientServerPair(t, []sftptest.Option{sftptest.WithExtensions()})

	f, err := cl.Create("file")
	require.NoError(t, err)
	defer f.Close()

	assert.ErrorIs(t, f.Sync(), ErrNotSupported)
	assert.Zero(t, srv.Count(sshfx.PacketTypeExtended))
}

func TestFileUnwritable(t *testing.T) {
	cl, srv := clientServerPair(t, nil)
	require.NoError(t, srv.WriteFile("file", []byte("ro")))

	f, err := cl.Open("file")
	require.NoError(t, err)

	_, err = f.WriteString("x")
	require.NoError(t, err)

	// The failure surfaces once the write is sent.
	assert.ErrorIs(t, f.Flush(), fs.ErrPermission)

	// The handle is closed even though nothing could be flushed.
	require.NoError(t, f.Close())
	assert.Zero(t, srv.OpenHandles())
}
