package openssh

import (
	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
)

const extensionPosixRename = "posix-rename@openssh.com"

// ExtensionPosixRename returns the "posix-rename@openssh.com" ExtensionPair, as announced by OpenSSH servers.
func ExtensionPosixRename() *sshfx.ExtensionPair {
	return extensionPair(extensionPosixRename, "1")
}

// PosixRenameExtendedPacket defines the posix-rename@openssh.com extend packet.
// Unlike SSH_FXP_RENAME, it replaces an existing destination.
type PosixRenameExtendedPacket struct {
	OldPath string
	NewPath string
}

// Type returns the SSH_FXP_EXTENDED packet type.
func (ep *PosixRenameExtendedPacket) Type() sshfx.PacketType { return sshfx.PacketTypeExtended }

// MarshalPacket returns ep as a two-part binary encoding of the full extended packet.
func (ep *PosixRenameExtendedPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalExtended(extensionPosixRename, ep, reqid, b)
}

// MarshalInto appends string(oldpath) + string(newpath) to buf.
func (ep *PosixRenameExtendedPacket) MarshalInto(buf *sshfx.Buffer) {
	buf.AppendString(ep.OldPath)
	buf.AppendString(ep.NewPath)
}

// MarshalBinary encodes only the extension-specific data of ep.
func (ep *PosixRenameExtendedPacket) MarshalBinary() ([]byte, error) {
	return marshalBinary(ep, 4+len(ep.OldPath)+4+len(ep.NewPath))
}

// UnmarshalFrom decodes the extension-specific data of ep from buf.
func (ep *PosixRenameExtendedPacket) UnmarshalFrom(buf *sshfx.Buffer) (err error) {
	ep.OldPath = buf.ConsumeString()
	ep.NewPath = buf.ConsumeString()
	return buf.Err
}

// UnmarshalBinary decodes the extension-specific data of ep from data.
func (ep *PosixRenameExtendedPacket) UnmarshalBinary(data []byte) (err error) {
	return ep.UnmarshalFrom(sshfx.NewBuffer(data))
}
