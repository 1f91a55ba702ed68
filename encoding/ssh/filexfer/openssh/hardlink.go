package openssh

import (
	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
)

const extensionHardlink = "hardlink@openssh.com"

// ExtensionHardlink returns the "hardlink@openssh.com" ExtensionPair, as announced by OpenSSH servers.
func ExtensionHardlink() *sshfx.ExtensionPair {
	return extensionPair(extensionHardlink, "1")
}

// HardlinkExtendedPacket defines the hardlink@openssh.com extend packet.
// NewPath becomes a second name for the file at OldPath.
type HardlinkExtendedPacket struct {
	OldPath string
	NewPath string
}

// Type returns the SSH_FXP_EXTENDED packet type.
func (ep *HardlinkExtendedPacket) Type() sshfx.PacketType { return sshfx.PacketTypeExtended }

// MarshalPacket returns ep as a two-part binary encoding of the full extended packet.
func (ep *HardlinkExtendedPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalExtended(extensionHardlink, ep, reqid, b)
}

// MarshalInto appends string(oldpath) + string(newpath) to buf.
func (ep *HardlinkExtendedPacket) MarshalInto(buf *sshfx.Buffer) {
	buf.AppendString(ep.OldPath)
	buf.AppendString(ep.NewPath)
}

// MarshalBinary encodes only the extension-specific data of ep.
func (ep *HardlinkExtendedPacket) MarshalBinary() ([]byte, error) {
	return marshalBinary(ep, 4+len(ep.OldPath)+4+len(ep.NewPath))
}

// UnmarshalFrom decodes the extension-specific data of ep from buf.
func (ep *HardlinkExtendedPacket) UnmarshalFrom(buf *sshfx.Buffer) (err error) {
	ep.OldPath = buf.ConsumeString()
	ep.NewPath = buf.ConsumeString()
	return buf.Err
}

// UnmarshalBinary decodes the extension-specific data of ep from data.
func (ep *HardlinkExtendedPacket) UnmarshalBinary(data []byte) (err error) {
	return ep.UnmarshalFrom(sshfx.NewBuffer(data))
}
