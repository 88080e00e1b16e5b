package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Wire layout (big endian):
//
//	[0]      schema version
//	[1]      event type
//	[2:6]    shard id (uint32)
//	[6:14]   producer timestamp, unix millis (int64)
//	[14:30]  event id (16 raw uuid bytes)
//	[30:32]  subject key length (uint16)
//	...      subject key bytes
//	[+4]     payload length (uint32)
//	...      payload bytes
//
// The layout is append-only across schema versions: v1 lacked the payload
// length prefix and is no longer accepted.

const headerLen = 1 + 1 + 4 + 8 + 16 + 2

var (
	ErrTruncated       = errors.New("envelope: truncated frame")
	ErrBadSchema       = errors.New("envelope: unsupported schema version")
	ErrSubjectTooLong  = errors.New("envelope: subject key exceeds 65535 bytes")
	ErrUnknownType     = errors.New("envelope: event type outside enumeration")
	ErrSubjectMissing  = errors.New("envelope: empty subject key")
	ErrPayloadTooLarge = errors.New("envelope: payload exceeds 16 MiB")
)

// maxPayload guards decoders against hostile length prefixes.
const maxPayload = 16 << 20

// Marshal encodes the envelope into its compact binary form.
func Marshal(e *Envelope) ([]byte, error) {
	if !e.Type.Valid() {
		return nil, ErrUnknownType
	}
	if e.SubjectKey == "" {
		return nil, ErrSubjectMissing
	}
	if len(e.SubjectKey) > 0xFFFF {
		return nil, ErrSubjectTooLong
	}
	if len(e.Payload) > maxPayload {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, 0, headerLen+len(e.SubjectKey)+4+len(e.Payload))
	buf = append(buf, SchemaVersion, byte(e.Type))
	buf = binary.BigEndian.AppendUint32(buf, e.ShardID)
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.ProducedAt.UnixMilli()))
	buf = append(buf, e.ID[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.SubjectKey)))
	buf = append(buf, e.SubjectKey...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Payload)))
	buf = append(buf, e.Payload...)
	return buf, nil
}

// Unmarshal decodes a binary frame produced by Marshal.
func Unmarshal(data []byte) (*Envelope, error) {
	if len(data) < headerLen {
		return nil, ErrTruncated
	}
	if data[0] != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d want %d", ErrBadSchema, data[0], SchemaVersion)
	}
	t := EventType(data[1])
	if !t.Valid() {
		return nil, ErrUnknownType
	}

	shard := binary.BigEndian.Uint32(data[2:6])
	millis := int64(binary.BigEndian.Uint64(data[6:14]))
	var id uuid.UUID
	copy(id[:], data[14:30])

	subjLen := int(binary.BigEndian.Uint16(data[30:32]))
	off := headerLen
	if len(data) < off+subjLen+4 {
		return nil, ErrTruncated
	}
	subject := string(data[off : off+subjLen])
	if subject == "" {
		return nil, ErrSubjectMissing
	}
	off += subjLen

	payloadLen := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	if payloadLen > maxPayload {
		return nil, ErrPayloadTooLarge
	}
	if len(data) != off+payloadLen {
		return nil, ErrTruncated
	}

	payload := make([]byte, payloadLen)
	copy(payload, data[off:])

	return &Envelope{
		ID:         id,
		Type:       t,
		ShardID:    shard,
		ProducedAt: time.UnixMilli(millis).UTC(),
		SubjectKey: subject,
		Payload:    payload,
	}, nil
}
