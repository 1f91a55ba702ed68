package sftp

import (
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
)

func TestFileAttributesFlags(t *testing.T) {
	var wire sshfx.Attributes
	wire.SetSize(100)
	wire.SetUIDGID(1, 2)
	wire.SetPermissions(sshfx.ModeRegular | 0o644)
	wire.SetACModTime(10, 20)

	attrs := newFileAttributes(&wire)

	// Nothing has changed yet.
	assert.Zero(t, attrs.Flags())
	assert.Zero(t, attrs.Changed().Flags)

	// Setting a field to its current value is not a change.
	attrs.SetSize(100)
	attrs.SetOwner(1, 2)
	assert.Zero(t, attrs.Flags())

	attrs.SetSize(50)
	assert.Equal(t, uint32(sshfx.AttrSize), attrs.Flags())

	attrs.SetTimes(time.Unix(10, 0), time.Unix(30, 0))
	assert.Equal(t, uint32(sshfx.AttrSize|sshfx.AttrACModTime), attrs.Flags())

	changed := attrs.Changed()
	assert.Equal(t, uint32(sshfx.AttrSize|sshfx.AttrACModTime), changed.Flags)
	assert.Equal(t, uint64(50), changed.Size)
	assert.Equal(t, uint32(30), changed.MTime)
	assert.Zero(t, changed.UID)
	assert.Zero(t, changed.Permissions)

	// All supplied fields are still readable.
	full := attrs.Attributes()
	assert.Equal(t, uint32(sshfx.AttrSize|sshfx.AttrUIDGID|sshfx.AttrPermissions|sshfx.AttrACModTime), full.Flags)
	assert.Equal(t, uint32(1), full.UID)
}

func TestFileAttributesZeroValue(t *testing.T) {
	var attrs FileAttributes

	assert.Zero(t, attrs.Flags())

	_, ok := attrs.Size()
	assert.False(t, ok)

	_, _, ok = attrs.Owner()
	assert.False(t, ok)

	attrs.SetPermissions(0o600)
	assert.Equal(t, uint32(sshfx.AttrPermissions), attrs.Flags())

	attrs.SetExtended([]sshfx.ExtendedAttribute{{Type: "user.tag", Data: "v"}})
	assert.Equal(t, uint32(sshfx.AttrPermissions|sshfx.AttrExtended), attrs.Flags())

	exts := attrs.Extended()
	require.Len(t, exts, 1)
	assert.Equal(t, "user.tag", exts[0].Type)

	// The returned slice is a copy.
	exts[0].Data = "changed"
	assert.Equal(t, "v", attrs.Extended()[0].Data)
}

func TestFileAttributesSnapshotIsolated(t *testing.T) {
	wire := sshfx.Attributes{
		Flags:              sshfx.AttrExtended,
		ExtendedAttributes: []sshfx.ExtendedAttribute{{Type: "a", Data: "1"}},
	}

	attrs := newFileAttributes(&wire)

	wire.ExtendedAttributes[0].Data = "2"
	assert.Equal(t, "1", attrs.Extended()[0].Data)
	assert.Zero(t, attrs.Flags())

	attrs.SetExtended([]sshfx.ExtendedAttribute{{Type: "a", Data: "3"}})
	assert.Equal(t, uint32(sshfx.AttrExtended), attrs.Flags())
}

func TestFileAttributesMode(t *testing.T) {
	var attrs FileAttributes

	attrs.SetMode(fs.ModeDir | 0o755)
	assert.True(t, attrs.IsDir())
	assert.False(t, attrs.IsRegular())
	assert.Equal(t, fs.ModeDir|0o755, attrs.Mode())

	perm, ok := attrs.Permissions()
	assert.True(t, ok)
	assert.Equal(t, sshfx.ModeDir|0o755, perm)

	attrs.SetPermissions(sshfx.ModeRegular | 0o600)
	assert.True(t, attrs.IsRegular())
	assert.Equal(t, fs.FileMode(0o600), attrs.Mode())
}

func TestFileAttributesFileInfo(t *testing.T) {
	var attrs FileAttributes
	attrs.SetSize(12)
	attrs.SetPermissions(sshfx.ModeRegular | 0o644)
	attrs.SetTimes(time.Unix(1, 0), time.Unix(1600000000, 0))

	fi := attrs.FileInfo("name.txt")
	assert.Equal(t, "name.txt", fi.Name())
	assert.Equal(t, int64(12), fi.Size())
	assert.Equal(t, fs.FileMode(0o644), fi.Mode())
	assert.False(t, fi.IsDir())
	assert.Equal(t, int64(1600000000), fi.ModTime().Unix())

	sys, ok := fi.Sys().(*sshfx.Attributes)
	require.True(t, ok)
	assert.Equal(t, uint64(12), sys.Size)
}

func TestChangedAttrsNil(t *testing.T) {
	assert.Equal(t, sshfx.Attributes{}, changedAttrs(nil))
}
