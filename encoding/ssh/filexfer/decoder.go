package sshfx

import (
	"encoding/binary"
	"fmt"
)

// FrameHandler is called by a Decoder for each complete frame.
//
// The Data of the RawPacket aliases memory owned by the Decoder, or the chunk being fed,
// and is only valid until the handler returns.
// Handlers that need to retain the data must copy it.
type FrameHandler func(raw *RawPacket) error

// Decoder incrementally extracts length-prefixed packets from a stream that is delivered in arbitrary chunks.
//
// A chunk may contain any number of whole packets, and partial packets on either end.
// While no partial packet is pending, packets are parsed directly from the chunk without copying.
// Only the trailing bytes of an incomplete packet are retained between calls to Feed.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	maxPacketLength uint32
	handle          FrameHandler

	pending []byte
	raw     RawPacket
}

// NewDecoder returns a Decoder that passes every complete packet to handle.
// Packets with a length greater than maxPacketLength are rejected with ErrLongPacket.
func NewDecoder(maxPacketLength uint32, handle FrameHandler) *Decoder {
	return &Decoder{
		maxPacketLength: maxPacketLength,
		handle:          handle,
	}
}

// Buffered returns the number of bytes of an incomplete packet held by the Decoder.
func (d *Decoder) Buffered() int {
	return len(d.pending)
}

// Feed delivers the next chunk of the stream to the Decoder.
// The handler is called synchronously for every packet completed by this chunk, in stream order.
//
// Any error, either from framing or from the handler, is returned immediately,
// and the Decoder must not be used further.
func (d *Decoder) Feed(chunk []byte) error {
	if len(d.pending) == 0 {
		rest, err := d.parse(chunk)
		if err != nil {
			return err
		}

		// The chunk belongs to the caller, so keep only a copy of the incomplete tail.
		d.pending = append(d.pending[:0], rest...)
		return nil
	}

	d.pending = append(d.pending, chunk...)

	rest, err := d.parse(d.pending)
	if err != nil {
		return err
	}

	n := copy(d.pending, rest)
	d.pending = d.pending[:n]
	return nil
}

// parse consumes every complete packet off the front of b, and returns the incomplete remainder.
func (d *Decoder) parse(b []byte) ([]byte, error) {
	for len(b) >= 4 {
		length := binary.BigEndian.Uint32(b)

		// Even the smallest packet carries a uint8(type).
		if length < 1 {
			return nil, ErrShortPacket
		}

		if length > d.maxPacketLength {
			return nil, fmt.Errorf("%w: %d > %d", ErrLongPacket, length, d.maxPacketLength)
		}

		if uint64(len(b)-4) < uint64(length) {
			break
		}

		frame := b[4 : 4+length : 4+length]
		b = b[4+length:]

		if err := d.raw.UnmarshalFrom(NewBuffer(frame)); err != nil {
			return nil, err
		}

		err := d.handle(&d.raw)
		d.raw.Reset()

		if err != nil {
			return nil, err
		}
	}

	return b, nil
}
