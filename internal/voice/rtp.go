package voice

import (
	"encoding/binary"
	"fmt"
)

// rtpHeaderSize is the fixed part of an RTP header, before any CSRC
// entries or extensions.
const rtpHeaderSize = 12

// RTPHeader is the fixed 12-byte RTP header. The relay parses it for
// diagnostics only; forwarded bytes are never rewritten.
type RTPHeader struct {
	Version     byte
	Padding     bool
	Extension   bool
	CSRCCount   byte
	Marker      bool
	PayloadType byte
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
}

// ParseRTPHeader decodes the fixed RTP header fields from a frame.
func ParseRTPHeader(frame []byte) (RTPHeader, error) {
	if len(frame) < rtpHeaderSize {
		return RTPHeader{}, fmt.Errorf("frame too short for rtp header: %d bytes", len(frame))
	}

	return RTPHeader{
		Version:     frame[0] >> 6,
		Padding:     frame[0]&0x20 != 0,
		Extension:   frame[0]&0x10 != 0,
		CSRCCount:   frame[0] & 0x0f,
		Marker:      frame[1]&0x80 != 0,
		PayloadType: frame[1] & 0x7f,
		Sequence:    binary.BigEndian.Uint16(frame[2:4]),
		Timestamp:   binary.BigEndian.Uint32(frame[4:8]),
		SSRC:        binary.BigEndian.Uint32(frame[8:12]),
	}, nil
}
