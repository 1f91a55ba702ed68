package sftp

import (
	"io"
	"io/fs"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
)

func TestDirReaddirPaging(t *testing.T) {
	cl, srv := clientServerPair(t, nil)
	require.NoError(t, srv.MkdirAll("dir"))
	for _, name := range []string{"e", "d", "c", "b", "a"} {
		require.NoError(t, srv.WriteFile("dir/"+name, []byte(name)))
	}

	d, err := cl.OpenDir("dir")
	require.NoError(t, err)

	var names []string

	fis, err := d.Readdir(2)
	require.NoError(t, err)
	require.Len(t, fis, 2)
	for _, fi := range fis {
		names = append(names, fi.Name())
	}

	// The rest of the server's batch is kept for the next call.
	ents, err := d.ReadDir(2)
	require.NoError(t, err)
	require.Len(t, ents, 2)
	for _, ent := range ents {
		names = append(names, ent.Name())
	}

	fis, err = d.Readdir(2)
	assert.Equal(t, io.EOF, err)
	require.Len(t, fis, 1)
	names = append(names, fis[0].Name())

	fis, err = d.Readdir(2)
	assert.Equal(t, io.EOF, err)
	assert.Empty(t, fis)

	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, names)

	assert.Equal(t, 1, srv.Count(sshfx.PacketTypeOpenDir))

	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Close(), fs.ErrClosed)
	assert.Zero(t, srv.OpenHandles())

	_, err = d.Readdir(0)
	assert.ErrorIs(t, err, fs.ErrClosed)
}

func TestDirReaddirAll(t *testing.T) {
	cl, srv := clientServerPair(t, nil)
	require.NoError(t, srv.MkdirAll("dir/sub"))
	require.NoError(t, srv.WriteFile("dir/file", []byte("12345")))

	d, err := cl.OpenDir("dir")
	require.NoError(t, err)
	defer d.Close()

	fis, err := d.Readdir(0)
	require.NoError(t, err)
	assert.Len(t, fis, 2)

	// Nothing is left, and no error is reported.
	fis, err = d.Readdir(-1)
	require.NoError(t, err)
	assert.Empty(t, fis)

	assert.Equal(t, "dir", d.Name())
}

func TestClientReadDirSorted(t *testing.T) {
	cl, srv := clientServerPair(t, nil)
	require.NoError(t, srv.MkdirAll("dir/sub"))
	require.NoError(t, srv.WriteFile("dir/zeta", []byte("z")))
	require.NoError(t, srv.WriteFile("dir/alpha", []byte("abc")))

	ents, err := cl.ReadDir("dir")
	require.NoError(t, err)
	require.Len(t, ents, 3)

	assert.Equal(t, "alpha", ents[0].Name())
	assert.Equal(t, "sub", ents[1].Name())
	assert.True(t, ents[1].IsDir())
	assert.Equal(t, fs.ModeDir, ents[1].Type())
	assert.Equal(t, "zeta", ents[2].Name())

	fis, err := cl.Readdir("dir")
	require.NoError(t, err)
	require.Len(t, fis, 3)
	assert.Equal(t, "alpha", fis[0].Name())
	assert.Equal(t, int64(3), fis[0].Size())

	assert.Zero(t, srv.OpenHandles())

	_, err = cl.ReadDir("missing")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestClientWalk(t *testing.T) {
	cl, srv := clientServerPair(t, nil)
	require.NoError(t, srv.MkdirAll("tree/b/deep"))
	require.NoError(t, srv.MkdirAll("tree/skip"))
	require.NoError(t, srv.WriteFile("tree/a", nil))
	require.NoError(t, srv.WriteFile("tree/b/deep/file", nil))
	require.NoError(t, srv.WriteFile("tree/skip/hidden", nil))
	require.NoError(t, srv.WriteFile("tree/z", nil))

	var visited []string

	walker := cl.Walk("tree")
	for walker.Step() {
		require.NoError(t, walker.Err())

		visited = append(visited, walker.Path())

		if walker.Stat().Name() == "skip" {
			walker.SkipDir()
		}
	}

	assert.Equal(t, []string{
		"tree",
		"tree/a",
		"tree/b",
		"tree/b/deep",
		"tree/b/deep/file",
		"tree/skip",
		"tree/z",
	}, visited)

	assert.Equal(t, "tree/b/deep", cl.Join("tree", "b", "", "deep"))
}

func TestClientMkdirAll(t *testing.T) {
	cl, srv := clientServerPair(t, nil)

	require.NoError(t, cl.MkdirAll("p/q/r", 0o755))

	attrs, err := cl.Stat("p/q/r")
	require.NoError(t, err)
	assert.True(t, attrs.IsDir())

	// Existing directories are fine.
	require.NoError(t, cl.MkdirAll("p/q", 0o755))
	require.NoError(t, cl.MkdirAll("/home/user/p", 0o755))

	require.NoError(t, srv.WriteFile("f", nil))

	err = cl.MkdirAll("f", 0o755)
	assert.ErrorIs(t, err, syscall.ENOTDIR)

	err = cl.MkdirAll("f/sub", 0o755)
	assert.ErrorIs(t, err, syscall.ENOTDIR)
}

func TestClientWriteReadFile(t *testing.T) {
	cl, srv := clientServerPair(t, nil)

	data := sequence(100 * 1024)

	require.NoError(t, cl.WriteFile("blob", data, 0o644))

	content, err := srv.ReadFile("blob")
	require.NoError(t, err)
	assert.Equal(t, data, content)

	got, err := cl.ReadFile("blob")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Rewriting truncates.
	require.NoError(t, cl.WriteFile("blob", []byte("short"), 0o644))

	got, err = cl.ReadFile("blob")
	require.NoError(t, err)
	assert.Equal(t, "short", string(got))

	got, err = cl.ReadFile("missing")
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Nil(t, got)

	assert.Zero(t, srv.OpenHandles())
}

func TestClientReadFileEmpty(t *testing.T) {
	cl, srv := clientServerPair(t, nil)
	require.NoError(t, srv.WriteFile("empty", nil))

	got, err := cl.ReadFile("empty")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClientSetAttrHelpers(t *testing.T) {
	cl, srv := clientServerPair(t, nil)
	require.NoError(t, srv.WriteFile("file", []byte("0123456789")))

	require.NoError(t, cl.Truncate("file", 3))
	require.NoError(t, cl.Chmod("file", 0o640))
	require.NoError(t, cl.Chown("file", 7, 8))

	mtime := time.Unix(1400000000, 0)
	require.NoError(t, cl.Chtimes("file", mtime, mtime))

	attrs, err := cl.Stat("file")
	require.NoError(t, err)

	size, _ := attrs.Size()
	assert.Equal(t, int64(3), size)
	assert.Equal(t, fs.FileMode(0o640), attrs.Mode())

	uid, gid, _ := attrs.Owner()
	assert.Equal(t, uint32(7), uid)
	assert.Equal(t, uint32(8), gid)

	assert.Equal(t, 4, srv.Count(sshfx.PacketTypeSetStat))

	assert.ErrorIs(t, cl.Chmod("missing", 0o600), fs.ErrNotExist)
}
