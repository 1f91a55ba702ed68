package sshfx

// marshalHandleRange encodes the common string(handle) + uint64(offset) + uint32(n) request body.
// The payload, if any, follows the header without being copied into it.
func marshalHandleRange(typ PacketType, reqid uint32, b []byte, handle string, offset uint64, n uint32, payload []byte) (header, _ []byte, err error) {
	// uint8(type) + uint32(request-id) + string(handle) + uint64(offset) + uint32(n)
	buf := startRequest(b, 1+4+4+len(handle)+8+4, typ, reqid)
	buf.AppendString(handle)
	buf.AppendUint64(offset)
	buf.AppendUint32(n)

	return buf.Packet(payload)
}

// ClosePacket defines the SSH_FXP_CLOSE packet.
type ClosePacket struct {
	Handle string
}

// Type returns the SSH_FXP_xy value associated with this packet type.
func (p *ClosePacket) Type() PacketType { return PacketTypeClose }

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *ClosePacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeClose, reqid, b, p.Handle)
}

// UnmarshalPacketBody unmarshals the packet body from the given Buffer.
// It is assumed that the uint32(request-id) has already been consumed.
func (p *ClosePacket) UnmarshalPacketBody(buf *Buffer) (err error) {
	p.Handle = buf.ConsumeString()
	return buf.Err
}

// ReadPacket defines the SSH_FXP_READ packet.
//
// Servers may answer with fewer than Length bytes; EOF is reported as a status.
type ReadPacket struct {
	Handle string
	Offset uint64
	Length uint32
}

// Type returns the SSH_FXP_xy value associated with this packet type.
func (p *ReadPacket) Type() PacketType { return PacketTypeRead }

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *ReadPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalHandleRange(PacketTypeRead, reqid, b, p.Handle, p.Offset, p.Length, nil)
}

// UnmarshalPacketBody unmarshals the packet body from the given Buffer.
// It is assumed that the uint32(request-id) has already been consumed.
func (p *ReadPacket) UnmarshalPacketBody(buf *Buffer) (err error) {
	p.Handle = buf.ConsumeString()
	p.Offset = buf.ConsumeUint64()
	p.Length = buf.ConsumeUint32()
	return buf.Err
}

// WritePacket defines the SSH_FXP_WRITE packet.
//
// Data is returned as the payload of MarshalPacket, so it is never copied into the header.
type WritePacket struct {
	Handle string
	Offset uint64
	Data   []byte
}

// Type returns the SSH_FXP_xy value associated with this packet type.
func (p *WritePacket) Type() PacketType { return PacketTypeWrite }

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *WritePacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalHandleRange(PacketTypeWrite, reqid, b, p.Handle, p.Offset, uint32(len(p.Data)), p.Data)
}

// UnmarshalPacketBody unmarshals the packet body from the given Buffer.
// It is assumed that the uint32(request-id) has already been consumed.
//
// The data is copied into p.Data when it is large enough,
// otherwise into a newly allocated slice.
// Either way, the result never aliases buf.
func (p *WritePacket) UnmarshalPacketBody(buf *Buffer) (err error) {
	hint := p.Data

	p.Handle = buf.ConsumeString()
	p.Offset = buf.ConsumeUint64()
	p.Data = buf.ConsumeByteSliceCopy(hint)
	return buf.Err
}

// FStatPacket defines the SSH_FXP_FSTAT packet.
type FStatPacket struct {
	Handle string
}

// Type returns the SSH_FXP_xy value associated with this packet type.
func (p *FStatPacket) Type() PacketType { return PacketTypeFStat }

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *FStatPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeFStat, reqid, b, p.Handle)
}

// UnmarshalPacketBody unmarshals the packet body from the given Buffer.
// It is assumed that the uint32(request-id) has already been consumed.
func (p *FStatPacket) UnmarshalPacketBody(buf *Buffer) (err error) {
	p.Handle = buf.ConsumeString()
	return buf.Err
}

// FSetStatPacket defines the SSH_FXP_FSETSTAT packet.
type FSetStatPacket struct {
	Handle string
	Attrs  Attributes
}

// Type returns the SSH_FXP_xy value associated with this packet type.
func (p *FSetStatPacket) Type() PacketType { return PacketTypeFSetStat }

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *FSetStatPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStringAttrs(PacketTypeFSetStat, reqid, b, p.Handle, &p.Attrs)
}

// UnmarshalPacketBody unmarshals the packet body from the given Buffer.
// It is assumed that the uint32(request-id) has already been consumed.
func (p *FSetStatPacket) UnmarshalPacketBody(buf *Buffer) (err error) {
	p.Handle = buf.ConsumeString()
	return p.Attrs.UnmarshalFrom(buf)
}

// ReadDirPacket defines the SSH_FXP_READDIR packet.
type ReadDirPacket struct {
	Handle string
}

// Type returns the SSH_FXP_xy value associated with this packet type.
func (p *ReadDirPacket) Type() PacketType { return PacketTypeReadDir }

// MarshalPacket returns p as a two-part binary encoding of p.
func (p *ReadDirPacket) MarshalPacket(reqid uint32, b []byte) (header, payload []byte, err error) {
	return marshalStrings(PacketTypeReadDir, reqid, b, p.Handle)
}

// UnmarshalPacketBody unmarshals the packet body from the given Buffer.
// It is assumed that the uint32(request-id) has already been consumed.
func (p *ReadDirPacket) UnmarshalPacketBody(buf *Buffer) (err error) {
	p.Handle = buf.ConsumeString()
	return buf.Err
}
