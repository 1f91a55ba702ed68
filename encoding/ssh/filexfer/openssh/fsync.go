package openssh

import (
	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
)

const extensionFSync = "fsync@openssh.com"

// ExtensionFSync returns the "fsync@openssh.com" ExtensionPair, as announced by OpenSSH servers.
func ExtensionFSync() *sshfx.ExtensionPair {
	return extensionPair(extensionFSync, "1")
}

// FSyncExtendedPacket defines the fsync@openssh.com extend packet.
// The server answers with a status once the file behind Handle is on stable storage.
type FSyncExtendedPacket struct {
	Handle string
}

// Type returns the SSH_FXP_EXTENDED packet type.
func (ep *FSyncExtendedPacket) Type() sshfx.PacketType { return sshfx.PacketTypeExtended }

// MarshalPacket returns ep as a two-part binary encoding of the full extended packet.
func (ep *FSyncExtendedPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalExtended(extensionFSync, ep, reqid, b)
}

// MarshalInto appends string(handle) to buf.
func (ep *FSyncExtendedPacket) MarshalInto(buf *sshfx.Buffer) {
	buf.AppendString(ep.Handle)
}

// MarshalBinary encodes only the extension-specific data of ep.
func (ep *FSyncExtendedPacket) MarshalBinary() ([]byte, error) {
	return marshalBinary(ep, 4+len(ep.Handle))
}

// UnmarshalFrom decodes the extension-specific data of ep from buf.
func (ep *FSyncExtendedPacket) UnmarshalFrom(buf *sshfx.Buffer) (err error) {
	ep.Handle = buf.ConsumeString()
	return buf.Err
}

// UnmarshalBinary decodes the extension-specific data of ep from data.
func (ep *FSyncExtendedPacket) UnmarshalBinary(data []byte) (err error) {
	return ep.UnmarshalFrom(sshfx.NewBuffer(data))
}
