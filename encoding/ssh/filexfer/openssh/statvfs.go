package openssh

import (
	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
)

const (
	extensionStatVFS  = "statvfs@openssh.com"
	extensionFStatVFS = "fstatvfs@openssh.com"
)

// ExtensionStatVFS returns the "statvfs@openssh.com" ExtensionPair, as announced by OpenSSH servers.
func ExtensionStatVFS() *sshfx.ExtensionPair {
	return extensionPair(extensionStatVFS, "2")
}

// StatVFSExtendedPacket defines the statvfs@openssh.com extend packet.
// The server answers with a StatVFSExtendedReplyPacket for the filesystem holding Path.
type StatVFSExtendedPacket struct {
	Path string
}

// Type returns the SSH_FXP_EXTENDED packet type.
func (ep *StatVFSExtendedPacket) Type() sshfx.PacketType { return sshfx.PacketTypeExtended }

// MarshalPacket returns ep as a two-part binary encoding of the full extended packet.
func (ep *StatVFSExtendedPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalExtended(extensionStatVFS, ep, reqid, b)
}

// MarshalInto appends string(path) to buf.
func (ep *StatVFSExtendedPacket) MarshalInto(buf *sshfx.Buffer) {
	buf.AppendString(ep.Path)
}

// MarshalBinary encodes only the extension-specific data of ep.
func (ep *StatVFSExtendedPacket) MarshalBinary() ([]byte, error) {
	return marshalBinary(ep, 4+len(ep.Path))
}

// UnmarshalFrom decodes the extension-specific data of ep from buf.
func (ep *StatVFSExtendedPacket) UnmarshalFrom(buf *sshfx.Buffer) (err error) {
	ep.Path = buf.ConsumeString()
	return buf.Err
}

// UnmarshalBinary decodes the extension-specific data of ep from data.
func (ep *StatVFSExtendedPacket) UnmarshalBinary(data []byte) (err error) {
	return ep.UnmarshalFrom(sshfx.NewBuffer(data))
}

// ExtensionFStatVFS returns the "fstatvfs@openssh.com" ExtensionPair, as announced by OpenSSH servers.
func ExtensionFStatVFS() *sshfx.ExtensionPair {
	return extensionPair(extensionFStatVFS, "2")
}

// FStatVFSExtendedPacket defines the fstatvfs@openssh.com extend packet.
// It is StatVFSExtendedPacket for an open handle.
type FStatVFSExtendedPacket struct {
	Handle string
}

// Type returns the SSH_FXP_EXTENDED packet type.
func (ep *FStatVFSExtendedPacket) Type() sshfx.PacketType { return sshfx.PacketTypeExtended }

// MarshalPacket returns ep as a two-part binary encoding of the full extended packet.
func (ep *FStatVFSExtendedPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalExtended(extensionFStatVFS, ep, reqid, b)
}

// MarshalInto appends string(handle) to buf.
func (ep *FStatVFSExtendedPacket) MarshalInto(buf *sshfx.Buffer) {
	buf.AppendString(ep.Handle)
}

// MarshalBinary encodes only the extension-specific data of ep.
func (ep *FStatVFSExtendedPacket) MarshalBinary() ([]byte, error) {
	return marshalBinary(ep, 4+len(ep.Handle))
}

// UnmarshalFrom decodes the extension-specific data of ep from buf.
func (ep *FStatVFSExtendedPacket) UnmarshalFrom(buf *sshfx.Buffer) (err error) {
	ep.Handle = buf.ConsumeString()
	return buf.Err
}

// UnmarshalBinary decodes the extension-specific data of ep from data.
func (ep *FStatVFSExtendedPacket) UnmarshalBinary(data []byte) (err error) {
	return ep.UnmarshalFrom(sshfx.NewBuffer(data))
}

// The values for the MountFlags field.
// https://github.com/openssh/openssh-portable/blob/master/PROTOCOL
const (
	MountFlagsReadOnly = 0x1 // SSH_FXE_STATVFS_ST_RDONLY
	MountFlagsNoSUID   = 0x2 // SSH_FXE_STATVFS_ST_NOSUID
)

// StatVFSExtendedReplyPacket defines the extended reply packet for statvfs@openssh.com and fstatvfs@openssh.com requests.
type StatVFSExtendedReplyPacket struct {
	BlockSize     uint64 // f_bsize:   file system block size
	FragmentSize  uint64 // f_frsize:  fundamental fs block size / fragment size
	Blocks        uint64 // f_blocks:  number of blocks (unit f_frsize)
	BlocksFree    uint64 // f_bfree:   free blocks in filesystem
	BlocksAvail   uint64 // f_bavail:  free blocks for non-root
	Files         uint64 // f_files:   total file inodes
	FilesFree     uint64 // f_ffree:   free file inodes
	FilesAvail    uint64 // f_favail:  free file inodes for non-root
	FilesystemID  uint64 // f_fsid:    file system id
	MountFlags    uint64 // f_flag:    bit mask of mount flag values
	MaxNameLength uint64 // f_namemax: maximum filename length
}

// TotalSpace calculates the amount of total space in a filesystem.
func (ep *StatVFSExtendedReplyPacket) TotalSpace() uint64 {
	return ep.FragmentSize * ep.Blocks
}

// FreeSpace calculates the amount of free space in a filesystem.
func (ep *StatVFSExtendedReplyPacket) FreeSpace() uint64 {
	return ep.FragmentSize * ep.BlocksFree
}

// Type returns the SSH_FXP_EXTENDED_REPLY packet type.
func (ep *StatVFSExtendedReplyPacket) Type() sshfx.PacketType {
	return sshfx.PacketTypeExtendedReply
}

// MarshalPacket returns ep as a two-part binary encoding of the full extended reply packet.
func (ep *StatVFSExtendedReplyPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	p := &sshfx.ExtendedReplyPacket{
		Data: ep,
	}
	return p.MarshalPacket(reqid, b)
}

// UnmarshalPacketBody decodes ep from the body of an SSH_FXP_EXTENDED_REPLY packet.
func (ep *StatVFSExtendedReplyPacket) UnmarshalPacketBody(buf *sshfx.Buffer) (err error) {
	p := &sshfx.ExtendedReplyPacket{
		Data: ep,
	}
	return p.UnmarshalPacketBody(buf)
}

// MarshalInto encodes ep into the binary encoding of the (f)statvfs@openssh.com extended reply packet-specific data.
func (ep *StatVFSExtendedReplyPacket) MarshalInto(buf *sshfx.Buffer) {
	buf.AppendUint64(ep.BlockSize)
	buf.AppendUint64(ep.FragmentSize)
	buf.AppendUint64(ep.Blocks)
	buf.AppendUint64(ep.BlocksFree)
	buf.AppendUint64(ep.BlocksAvail)
	buf.AppendUint64(ep.Files)
	buf.AppendUint64(ep.FilesFree)
	buf.AppendUint64(ep.FilesAvail)
	buf.AppendUint64(ep.FilesystemID)
	buf.AppendUint64(ep.MountFlags)
	buf.AppendUint64(ep.MaxNameLength)
}

// MarshalBinary encodes only the reply-specific data of ep, eleven uint64 fields.
func (ep *StatVFSExtendedReplyPacket) MarshalBinary() ([]byte, error) {
	return marshalBinary(ep, 11*8)
}

// UnmarshalFrom decodes the fstatvfs@openssh.com extended reply packet-specific data into ep.
func (ep *StatVFSExtendedReplyPacket) UnmarshalFrom(buf *sshfx.Buffer) (err error) {
	*ep = StatVFSExtendedReplyPacket{
		BlockSize:     buf.ConsumeUint64(),
		FragmentSize:  buf.ConsumeUint64(),
		Blocks:        buf.ConsumeUint64(),
		BlocksFree:    buf.ConsumeUint64(),
		BlocksAvail:   buf.ConsumeUint64(),
		Files:         buf.ConsumeUint64(),
		FilesFree:     buf.ConsumeUint64(),
		FilesAvail:    buf.ConsumeUint64(),
		FilesystemID:  buf.ConsumeUint64(),
		MountFlags:    buf.ConsumeUint64(),
		MaxNameLength: buf.ConsumeUint64(),
	}

	return buf.Err
}

// UnmarshalBinary decodes the fstatvfs@openssh.com extended reply packet-specific data into ep.
func (ep *StatVFSExtendedReplyPacket) UnmarshalBinary(data []byte) (err error) {
	return ep.UnmarshalFrom(sshfx.NewBuffer(data))
}
