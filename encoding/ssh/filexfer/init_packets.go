package sshfx

// InitPacket defines the SSH_FXP_INIT packet.
type InitPacket struct {
	Version    uint32
	Extensions []*ExtensionPair
}

// MarshalSize returns the number of bytes that the packet would marshal into.
// This excludes the uint32(length).
func (p *InitPacket) MarshalSize() int {
	// uint8(type) + uint32(version)
	size := 1 + 4

	for _, ext := range p.Extensions {
		size += ext.MarshalSize()
	}

	return size
}

// MarshalBinary returns p as the binary encoding of p.
//
// The uint32(version) occupies the position of the request-id of a regular packet.
func (p *InitPacket) MarshalBinary() ([]byte, error) {
	buf := NewMarshalBuffer(p.MarshalSize())
	buf.StartPacket(PacketTypeInit, p.Version)

	for _, ext := range p.Extensions {
		ext.MarshalInto(buf)
	}

	return ComposePacket(buf.Packet(nil))
}

// UnmarshalBinary unmarshals a full raw packet out of the given data.
// It is assumed that the uint32(length) has already been consumed to receive the data.
// It is also assumed that the uint8(type) has already been consumed to which packet to unmarshal into.
func (p *InitPacket) UnmarshalBinary(data []byte) (err error) {
	return p.UnmarshalFrom(NewBuffer(data))
}

// UnmarshalFrom unmarshals the uint32(version) and extension pairs from the given Buffer.
func (p *InitPacket) UnmarshalFrom(buf *Buffer) (err error) {
	*p = InitPacket{
		Version: buf.ConsumeUint32(),
	}

	p.Extensions, err = unmarshalExtensionPairs(buf)
	return err
}

// VersionPacket defines the SSH_FXP_VERSION packet.
type VersionPacket struct {
	Version    uint32
	Extensions []*ExtensionPair
}

// MarshalSize returns the number of bytes that the packet would marshal into.
// This excludes the uint32(length).
func (p *VersionPacket) MarshalSize() int {
	// uint8(type) + uint32(version)
	size := 1 + 4

	for _, ext := range p.Extensions {
		size += ext.MarshalSize()
	}

	return size
}

// MarshalBinary returns p as the binary encoding of p.
func (p *VersionPacket) MarshalBinary() ([]byte, error) {
	buf := NewMarshalBuffer(p.MarshalSize())
	buf.StartPacket(PacketTypeVersion, p.Version)

	for _, ext := range p.Extensions {
		ext.MarshalInto(buf)
	}

	return ComposePacket(buf.Packet(nil))
}

// UnmarshalBinary unmarshals a full raw packet out of the given data.
// It is assumed that the uint32(length) has already been consumed to receive the data.
// It is also assumed that the uint8(type) has already been consumed to which packet to unmarshal into.
func (p *VersionPacket) UnmarshalBinary(data []byte) (err error) {
	return p.UnmarshalFrom(NewBuffer(data))
}

// UnmarshalFrom unmarshals the uint32(version) and extension pairs from the given Buffer.
func (p *VersionPacket) UnmarshalFrom(buf *Buffer) (err error) {
	*p = VersionPacket{
		Version: buf.ConsumeUint32(),
	}

	p.Extensions, err = unmarshalExtensionPairs(buf)
	return err
}

// FromRaw decodes a VersionPacket out of a RawPacket,
// where the RequestID field of the RawPacket holds the uint32(version).
func (p *VersionPacket) FromRaw(raw *RawPacket) (err error) {
	if raw.PacketType != PacketTypeVersion {
		return &UnexpectedPacketTypeError{Got: raw.PacketType, Want: PacketTypeVersion}
	}

	*p = VersionPacket{
		Version: raw.RequestID,
	}

	p.Extensions, err = unmarshalExtensionPairs(&raw.Data)
	return err
}

func unmarshalExtensionPairs(buf *Buffer) ([]*ExtensionPair, error) {
	var exts []*ExtensionPair

	for buf.Err == nil && buf.Len() > 0 {
		ext := new(ExtensionPair)
		if err := ext.UnmarshalFrom(buf); err != nil {
			return nil, err
		}

		exts = append(exts, ext)
	}

	return exts, buf.Err
}
