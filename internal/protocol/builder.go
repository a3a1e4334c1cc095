package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PayloadBuilder constructs chat packet payloads. All integer fields are
// big-endian; strings are null-terminated.
type PayloadBuilder struct {
	buf bytes.Buffer
}

// NewPayloadBuilder creates an empty PayloadBuilder.
func NewPayloadBuilder() *PayloadBuilder {
	return &PayloadBuilder{}
}

// Reset clears the builder for reuse.
func (b *PayloadBuilder) Reset() {
	b.buf.Reset()
}

// PutByte writes a single byte.
func (b *PayloadBuilder) PutByte(v byte) *PayloadBuilder {
	b.buf.WriteByte(v)
	return b
}

// PutUint16 writes a uint16 in big-endian order.
func (b *PayloadBuilder) PutUint16(v uint16) *PayloadBuilder {
	binary.Write(&b.buf, binary.BigEndian, v)
	return b
}

// PutUint32 writes a uint32 in big-endian order.
func (b *PayloadBuilder) PutUint32(v uint32) *PayloadBuilder {
	binary.Write(&b.buf, binary.BigEndian, v)
	return b
}

// PutString writes a null-terminated string.
func (b *PayloadBuilder) PutString(s string) *PayloadBuilder {
	b.buf.WriteString(s)
	b.buf.WriteByte(0)
	return b
}

// PutBytes writes raw bytes.
func (b *PayloadBuilder) PutBytes(data []byte) *PayloadBuilder {
	b.buf.Write(data)
	return b
}

// Build returns the constructed payload bytes.
func (b *PayloadBuilder) Build() []byte {
	return b.buf.Bytes()
}

// Len returns the current payload size.
func (b *PayloadBuilder) Len() int {
	return b.buf.Len()
}

// ---- Pre-built payload constructors ----

// BuildUIDResponse creates a TypeUIDResponse payload.
// Format: [uid:4][nickname:null_str]; uid 0 signals not-found.
func BuildUIDResponse(uid uint32, nickname string) []byte {
	b := NewPayloadBuilder()
	b.PutUint32(uid)
	b.PutString(nickname)
	return b.Build()
}

// BuildChallenge creates a TypeChallenge payload.
// Format: [offset:2][digits:null_str]
func BuildChallenge(offset uint16, digits string) []byte {
	b := NewPayloadBuilder()
	b.PutUint16(offset)
	b.PutString(digits)
	return b.Build()
}

// BuildLoginOK creates a TypeLoginOK payload.
// Format: [uid:4][nickname:null_str]
func BuildLoginOK(uid uint32, nickname string) []byte {
	b := NewPayloadBuilder()
	b.PutUint32(uid)
	b.PutString(nickname)
	return b.Build()
}

// BuildLoginFail creates a TypeLoginFail payload.
// Format: [reason:null_str]
func BuildLoginFail(reason string) []byte {
	b := NewPayloadBuilder()
	b.PutString(reason)
	return b.Build()
}

// BuildStatusChange creates a TypeStatusChange payload.
// Format: [uid:4][presence_code:2]
func BuildStatusChange(uid uint32, code uint16) []byte {
	b := NewPayloadBuilder()
	b.PutUint32(uid)
	b.PutUint16(code)
	return b.Build()
}

// BuildIM creates a TypeIMIn payload.
// Format: [sender_uid:4][text:null_str]
func BuildIM(senderUID uint32, text string) []byte {
	b := NewPayloadBuilder()
	b.PutUint32(senderUID)
	b.PutString(text)
	return b.Build()
}

// BuildRoomJoinResult creates a TypeRoomJoinResult payload.
// Format: [room_id:4][ok:1][welcome:null_str]
func BuildRoomJoinResult(roomID uint32, ok bool, welcome string) []byte {
	b := NewPayloadBuilder()
	b.PutUint32(roomID)
	if ok {
		b.PutByte(1)
	} else {
		b.PutByte(0)
	}
	b.PutString(welcome)
	return b.Build()
}

// BuildRoomMessage creates a TypeRoomMessageIn payload.
// Format: [room_id:4][sender_uid:4][text:null_str]
func BuildRoomMessage(roomID, senderUID uint32, text string) []byte {
	b := NewPayloadBuilder()
	b.PutUint32(roomID)
	b.PutUint32(senderUID)
	b.PutString(text)
	return b.Build()
}

// BuildUserListUpdate creates a TypeUserListUpdate payload.
// Format: [room_id:4][uid:4][nickname:null_str][mic:1]
func BuildUserListUpdate(roomID, uid uint32, nickname string, mic byte) []byte {
	b := NewPayloadBuilder()
	b.PutUint32(roomID)
	b.PutUint32(uid)
	b.PutString(nickname)
	b.PutByte(mic)
	return b.Build()
}

// BuildUserLeft creates a TypeUserLeft payload.
// Format: [room_id:4][uid:4][nickname:null_str]
func BuildUserLeft(roomID, uid uint32, nickname string) []byte {
	b := NewPayloadBuilder()
	b.PutUint32(roomID)
	b.PutUint32(uid)
	b.PutString(nickname)
	return b.Build()
}

// BuildHelloAck creates a TypeHelloAck payload carrying the server banner.
func BuildHelloAck(banner string) []byte {
	b := NewPayloadBuilder()
	b.PutString(banner)
	return b.Build()
}

// ---- Payload readers ----

// PayloadReader parses chat packet payloads field by field.
type PayloadReader struct {
	r *bytes.Reader
}

// NewPayloadReader wraps a payload for reading.
func NewPayloadReader(payload []byte) *PayloadReader {
	return &PayloadReader{r: bytes.NewReader(payload)}
}

// Byte reads a single byte.
func (p *PayloadReader) Byte() (byte, error) {
	b, err := p.r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("failed to read byte field: %w", err)
	}
	return b, nil
}

// Uint16 reads a big-endian uint16.
func (p *PayloadReader) Uint16() (uint16, error) {
	var v uint16
	if err := binary.Read(p.r, binary.BigEndian, &v); err != nil {
		return 0, fmt.Errorf("failed to read uint16 field: %w", err)
	}
	return v, nil
}

// Uint32 reads a big-endian uint32.
func (p *PayloadReader) Uint32() (uint32, error) {
	var v uint32
	if err := binary.Read(p.r, binary.BigEndian, &v); err != nil {
		return 0, fmt.Errorf("failed to read uint32 field: %w", err)
	}
	return v, nil
}

// String reads a null-terminated string. A payload that ends without a
// terminator yields the remaining bytes.
func (p *PayloadReader) String() (string, error) {
	var buf bytes.Buffer
	for {
		b, err := p.r.ReadByte()
		if err != nil {
			return buf.String(), nil
		}
		if b == 0 {
			return buf.String(), nil
		}
		buf.WriteByte(b)
	}
}
