package sshfx

// startRequest truncates b and starts a request packet in it,
// or allocates a buffer of size bytes if b is too small to hold even the header.
// The size excludes the uint32(length).
func startRequest(b []byte, size int, typ PacketType, reqid uint32) *Buffer {
	buf := NewBuffer(b)
	if buf.Cap() < 9 {
		buf = NewMarshalBuffer(size)
	}

	buf.StartPacket(typ, reqid)

	return buf
}

// marshalStrings encodes a request whose body is a sequence of strings.
func marshalStrings(typ PacketType, reqid uint32, b []byte, fields ...string) (header, payload []byte, err error) {
	// uint8(type) + uint32(request-id)
	size := 1 + 4
	for _, f := range fields {
		size += 4 + len(f)
	}

	buf := startRequest(b, size, typ, reqid)
	for _, f := range fields {
		buf.AppendString(f)
	}

	return buf.Packet(nil)
}

// marshalStringAttrs encodes a request whose body is a string followed by ATTRS.
func marshalStringAttrs(typ PacketType, reqid uint32, b []byte, s string, attrs *Attributes) (header, payload []byte, err error) {
	// uint8(type) + uint32(request-id) + string(s) + ATTRS(attrs)
	buf := startRequest(b, 1+4+4+len(s)+attrs.MarshalSize(), typ, reqid)
	buf.AppendString(s)
	attrs.MarshalInto(buf)

	return buf.Packet(nil)
}

// LStatPacket defines the SSH_FXP_LSTAT packet.
type LStatPacket struct {
	Path string
}

// Type returns the SSH_FXP_xy value associated with this packet type.
func (p *LStatPacket) Type() PacketType { return PacketTypeLStat }

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *LStatPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeLStat, reqid, b, p.Path)
}

// UnmarshalPacketBody unmarshals the packet body from the given Buffer.
// It is assumed that the uint32(request-id) has already been consumed.
func (p *LStatPacket) UnmarshalPacketBody(buf *Buffer) (err error) {
	p.Path = buf.ConsumeString()
	return buf.Err
}

// StatPacket defines the SSH_FXP_STAT packet.
type StatPacket struct {
	Path string
}

// Type returns the SSH_FXP_xy value associated with this packet type.
func (p *StatPacket) Type() PacketType { return PacketTypeStat }

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *StatPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeStat, reqid, b, p.Path)
}

// UnmarshalPacketBody unmarshals the packet body from the given Buffer.
// It is assumed that the uint32(request-id) has already been consumed.
func (p *StatPacket) UnmarshalPacketBody(buf *Buffer) (err error) {
	p.Path = buf.ConsumeString()
	return buf.Err
}

// SetStatPacket defines the SSH_FXP_SETSTAT packet.
// Only the fields flagged in Attrs are changed by the server.
type SetStatPacket struct {
	Path  string
	Attrs Attributes
}

// Type returns the SSH_FXP_xy value associated with this packet type.
func (p *SetStatPacket) Type() PacketType { return PacketTypeSetStat }

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *SetStatPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStringAttrs(PacketTypeSetStat, reqid, b, p.Path, &p.Attrs)
}

// UnmarshalPacketBody unmarshals the packet body from the given Buffer.
// It is assumed that the uint32(request-id) has already been consumed.
func (p *SetStatPacket) UnmarshalPacketBody(buf *Buffer) (err error) {
	p.Path = buf.ConsumeString()
	return p.Attrs.UnmarshalFrom(buf)
}

// RemovePacket defines the SSH_FXP_REMOVE packet.
type RemovePacket struct {
	Path string
}

// Type returns the SSH_FXP_xy value associated with this packet type.
func (p *RemovePacket) Type() PacketType { return PacketTypeRemove }

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *RemovePacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeRemove, reqid, b, p.Path)
}

// UnmarshalPacketBody unmarshals the packet body from the given Buffer.
// It is assumed that the uint32(request-id) has already been consumed.
func (p *RemovePacket) UnmarshalPacketBody(buf *Buffer) (err error) {
	p.Path = buf.ConsumeString()
	return buf.Err
}

// MkdirPacket defines the SSH_FXP_MKDIR packet.
type MkdirPacket struct {
	Path  string
	Attrs Attributes
}

// Type returns the SSH_FXP_xy value associated with this packet type.
func (p *MkdirPacket) Type() PacketType { return PacketTypeMkdir }

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *MkdirPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStringAttrs(PacketTypeMkdir, reqid, b, p.Path, &p.Attrs)
}

// UnmarshalPacketBody unmarshals the packet body from the given Buffer.
// It is assumed that the uint32(request-id) has already been consumed.
func (p *MkdirPacket) UnmarshalPacketBody(buf *Buffer) (err error) {
	p.Path = buf.ConsumeString()
	return p.Attrs.UnmarshalFrom(buf)
}

// RmdirPacket defines the SSH_FXP_RMDIR packet.
type RmdirPacket struct {
	Path string
}

// Type returns the SSH_FXP_xy value associated with this packet type.
func (p *RmdirPacket) Type() PacketType { return PacketTypeRmdir }

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *RmdirPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeRmdir, reqid, b, p.Path)
}

// UnmarshalPacketBody unmarshals the packet body from the given Buffer.
// It is assumed that the uint32(request-id) has already been consumed.
func (p *RmdirPacket) UnmarshalPacketBody(buf *Buffer) (err error) {
	p.Path = buf.ConsumeString()
	return buf.Err
}

// RealPathPacket defines the SSH_FXP_REALPATH packet.
//
// Servers answer with an SSH_FXP_NAME holding exactly one entry.
type RealPathPacket struct {
	Path string
}

// Type returns the SSH_FXP_xy value associated with this packet type.
func (p *RealPathPacket) Type() PacketType { return PacketTypeRealPath }

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *RealPathPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeRealPath, reqid, b, p.Path)
}

// UnmarshalPacketBody unmarshals the packet body from the given Buffer.
// It is assumed that the uint32(request-id) has already been consumed.
func (p *RealPathPacket) UnmarshalPacketBody(buf *Buffer) (err error) {
	p.Path = buf.ConsumeString()
	return buf.Err
}

// RenamePacket defines the SSH_FXP_RENAME packet, available from version 2.
type RenamePacket struct {
	OldPath string
	NewPath string
}

// Type returns the SSH_FXP_xy value associated with this packet type.
func (p *RenamePacket) Type() PacketType { return PacketTypeRename }

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *RenamePacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeRename, reqid, b, p.OldPath, p.NewPath)
}

// UnmarshalPacketBody unmarshals the packet body from the given Buffer.
// It is assumed that the uint32(request-id) has already been consumed.
func (p *RenamePacket) UnmarshalPacketBody(buf *Buffer) (err error) {
	p.OldPath = buf.ConsumeString()
	p.NewPath = buf.ConsumeString()
	return buf.Err
}

// ReadLinkPacket defines the SSH_FXP_READLINK packet, available from version 3.
type ReadLinkPacket struct {
	Path string
}

// Type returns the SSH_FXP_xy value associated with this packet type.
func (p *ReadLinkPacket) Type() PacketType { return PacketTypeReadLink }

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *ReadLinkPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeReadLink, reqid, b, p.Path)
}

// UnmarshalPacketBody unmarshals the packet body from the given Buffer.
// It is assumed that the uint32(request-id) has already been consumed.
func (p *ReadLinkPacket) UnmarshalPacketBody(buf *Buffer) (err error) {
	p.Path = buf.ConsumeString()
	return buf.Err
}

// SymlinkPacket defines the SSH_FXP_SYMLINK packet, available from version 3.
//
// OpenSSH sends the target before the link path, the reverse of the draft,
// and every widely deployed server now expects that order.
// See Section 4.1 of https://github.com/openssh/openssh-portable/blob/master/PROTOCOL
type SymlinkPacket struct {
	LinkPath   string
	TargetPath string
}

// Type returns the SSH_FXP_xy value associated with this packet type.
func (p *SymlinkPacket) Type() PacketType { return PacketTypeSymlink }

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *SymlinkPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeSymlink, reqid, b, p.TargetPath, p.LinkPath)
}

// UnmarshalPacketBody unmarshals the packet body from the given Buffer.
// It is assumed that the uint32(request-id) has already been consumed.
func (p *SymlinkPacket) UnmarshalPacketBody(buf *Buffer) (err error) {
	p.TargetPath = buf.ConsumeString()
	p.LinkPath = buf.ConsumeString()
	return buf.Err
}
