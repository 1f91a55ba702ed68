package sftp

import (
	"io/fs"
	"slices"
	"time"

	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
)

// FileAttributes is a mutable set of file attributes,
// as returned from a stat request, or to be sent in a setstat request.
//
// It keeps a snapshot of the values it was created with,
// and only the fields that have since been changed are sent to the server.
// A FileAttributes constructed as a zero value has nothing to compare against,
// so every field set on it is sent.
type FileAttributes struct {
	cur  sshfx.Attributes
	orig sshfx.Attributes
}

// newFileAttributes returns the attributes as received from the server, with nothing changed.
func newFileAttributes(attrs *sshfx.Attributes) *FileAttributes {
	a := &FileAttributes{
		cur: *attrs,
	}

	a.cur.ExtendedAttributes = slices.Clone(attrs.ExtendedAttributes)
	a.orig = a.cur
	a.orig.ExtendedAttributes = slices.Clone(attrs.ExtendedAttributes)

	return a
}

// Size returns the size of the file in bytes, and whether the server supplied it.
func (a *FileAttributes) Size() (int64, bool) {
	size, ok := a.cur.GetSize()
	return int64(size), ok
}

// SetSize sets the size of the file, truncating or extending it.
func (a *FileAttributes) SetSize(size int64) {
	a.cur.SetSize(uint64(size))
}

// Owner returns the numeric user and group ids, and whether the server supplied them.
func (a *FileAttributes) Owner() (uid, gid uint32, ok bool) {
	return a.cur.GetUIDGID()
}

// SetOwner sets the numeric user and group ids.
func (a *FileAttributes) SetOwner(uid, gid uint32) {
	a.cur.SetUIDGID(uid, gid)
}

// Permissions returns the raw POSIX mode, including the file type bits, and whether the server supplied it.
func (a *FileAttributes) Permissions() (sshfx.FileMode, bool) {
	return a.cur.GetPermissions()
}

// SetPermissions sets the raw POSIX mode.
func (a *FileAttributes) SetPermissions(mode sshfx.FileMode) {
	a.cur.SetPermissions(mode)
}

// Mode returns the permissions as an fs.FileMode.
func (a *FileAttributes) Mode() fs.FileMode {
	return a.cur.Permissions.ToGoFileMode()
}

// SetMode sets the permissions from an fs.FileMode.
// The file type bits are sent, but servers are free to ignore them.
func (a *FileAttributes) SetMode(mode fs.FileMode) {
	a.cur.SetPermissions(sshfx.FromGoFileMode(mode))
}

// IsDir reports whether the permissions describe a directory.
func (a *FileAttributes) IsDir() bool {
	return a.cur.Permissions.IsDir()
}

// IsRegular reports whether the permissions describe a regular file.
func (a *FileAttributes) IsRegular() bool {
	return a.cur.Permissions.IsRegular()
}

// Times returns the access and modification times, and whether the server supplied them.
func (a *FileAttributes) Times() (atime, mtime time.Time, ok bool) {
	at, mt, ok := a.cur.GetACModTime()
	return time.Unix(int64(at), 0), time.Unix(int64(mt), 0), ok
}

// ModTime returns the modification time.
func (a *FileAttributes) ModTime() time.Time {
	return time.Unix(int64(a.cur.MTime), 0)
}

// SetTimes sets the access and modification times.
// The protocol carries whole seconds only, so the times are truncated.
func (a *FileAttributes) SetTimes(atime, mtime time.Time) {
	a.cur.SetACModTime(uint32(atime.Unix()), uint32(mtime.Unix()))
}

// Extended returns the extended attribute pairs.
func (a *FileAttributes) Extended() []sshfx.ExtendedAttribute {
	return slices.Clone(a.cur.ExtendedAttributes)
}

// SetExtended replaces the extended attribute pairs.
func (a *FileAttributes) SetExtended(exts []sshfx.ExtendedAttribute) {
	a.cur.Flags |= sshfx.AttrExtended
	a.cur.ExtendedAttributes = slices.Clone(exts)
}

// Flags returns the mask of fields that have changed since the attributes were received.
func (a *FileAttributes) Flags() uint32 {
	var mask uint32

	cur, orig := &a.cur, &a.orig

	if cur.Flags&sshfx.AttrSize != 0 && (orig.Flags&sshfx.AttrSize == 0 || cur.Size != orig.Size) {
		mask |= sshfx.AttrSize
	}

	if cur.Flags&sshfx.AttrUIDGID != 0 && (orig.Flags&sshfx.AttrUIDGID == 0 || cur.UID != orig.UID || cur.GID != orig.GID) {
		mask |= sshfx.AttrUIDGID
	}

	if cur.Flags&sshfx.AttrPermissions != 0 && (orig.Flags&sshfx.AttrPermissions == 0 || cur.Permissions != orig.Permissions) {
		mask |= sshfx.AttrPermissions
	}

	if cur.Flags&sshfx.AttrACModTime != 0 && (orig.Flags&sshfx.AttrACModTime == 0 || cur.ATime != orig.ATime || cur.MTime != orig.MTime) {
		mask |= sshfx.AttrACModTime
	}

	if cur.Flags&sshfx.AttrExtended != 0 && (orig.Flags&sshfx.AttrExtended == 0 || !slices.Equal(cur.ExtendedAttributes, orig.ExtendedAttributes)) {
		mask |= sshfx.AttrExtended
	}

	return mask
}

// Changed returns the wire attributes carrying only the changed fields.
func (a *FileAttributes) Changed() sshfx.Attributes {
	mask := a.Flags()

	out := sshfx.Attributes{
		Flags: mask,
	}

	if mask&sshfx.AttrSize != 0 {
		out.Size = a.cur.Size
	}

	if mask&sshfx.AttrUIDGID != 0 {
		out.UID, out.GID = a.cur.UID, a.cur.GID
	}

	if mask&sshfx.AttrPermissions != 0 {
		out.Permissions = a.cur.Permissions
	}

	if mask&sshfx.AttrACModTime != 0 {
		out.ATime, out.MTime = a.cur.ATime, a.cur.MTime
	}

	if mask&sshfx.AttrExtended != 0 {
		out.ExtendedAttributes = slices.Clone(a.cur.ExtendedAttributes)
	}

	return out
}

// Attributes returns a copy of the current wire attributes, with all supplied fields.
func (a *FileAttributes) Attributes() sshfx.Attributes {
	out := a.cur
	out.ExtendedAttributes = slices.Clone(a.cur.ExtendedAttributes)
	return out
}

// FileInfo returns the attributes as an fs.FileInfo with the given name.
// The Sys method of the result returns a *sshfx.Attributes.
func (a *FileAttributes) FileInfo(name string) fs.FileInfo {
	return &sshfx.NameEntry{
		Filename: name,
		Attrs:    a.Attributes(),
	}
}

// changedAttrs returns the changed fields of attrs, treating nil as no attributes.
func changedAttrs(attrs *FileAttributes) sshfx.Attributes {
	if attrs == nil {
		return sshfx.Attributes{}
	}

	return attrs.Changed()
}
