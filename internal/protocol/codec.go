package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Decoder turns a raw byte stream into complete chat packets. Each
// connection owns exactly one Decoder; partial frames stay buffered
// until the remaining bytes arrive. The decoder knows nothing about
// packet semantics.
type Decoder struct {
	buf []byte
}

// Feed appends incoming bytes to the accumulation buffer and returns
// every complete packet that can be sliced off, in arrival order. A
// short buffer is not an error; the leftover bytes are retained for
// the next call.
func (d *Decoder) Feed(data []byte) []Packet {
	d.buf = append(d.buf, data...)

	var packets []Packet
	for len(d.buf) >= HeaderSize {
		ptype := int16(binary.BigEndian.Uint16(d.buf[0:2]))
		version := int16(binary.BigEndian.Uint16(d.buf[2:4]))
		length := int(binary.BigEndian.Uint16(d.buf[4:6]))

		if len(d.buf) < HeaderSize+length {
			break // wait for more bytes
		}

		payload := make([]byte, length)
		copy(payload, d.buf[HeaderSize:HeaderSize+length])
		packets = append(packets, Packet{
			Type:    ptype,
			Version: version,
			Payload: payload,
		})

		d.buf = d.buf[HeaderSize+length:]
	}

	// Release the backing array once fully drained so long-lived idle
	// connections do not pin their largest historical frame.
	if len(d.buf) == 0 {
		d.buf = nil
	}

	return packets
}

// Buffered returns the number of bytes retained for the next Feed call.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Encode renders a packet as header plus payload, ready for a single write.
func Encode(ptype int16, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(out[0:2], uint16(ptype))
	binary.BigEndian.PutUint16(out[2:4], uint16(ProtocolVersion))
	binary.BigEndian.PutUint16(out[4:6], uint16(len(payload)))
	copy(out[HeaderSize:], payload)
	return out
}

// WritePacket encodes and writes a packet as one write call.
func WritePacket(w io.Writer, ptype int16, payload []byte) error {
	if len(payload) > 0xFFFF {
		return fmt.Errorf("payload too large: %d bytes", len(payload))
	}
	if _, err := w.Write(Encode(ptype, payload)); err != nil {
		return fmt.Errorf("failed to write packet type %d: %w", ptype, err)
	}
	return nil
}
