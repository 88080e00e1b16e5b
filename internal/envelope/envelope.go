// Package envelope defines the normalized event envelope that crosses from
// the gateway into the core, together with its compact binary wire form.
//
// The envelope is immutable after publication. The subject key pins bus
// ordering: it equals the tenant id for tenant-scoped events and "global"
// otherwise.
package envelope

import (
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is embedded in every serialized envelope. Bump on any
// wire-format change; decoders reject versions they do not know.
const SchemaVersion uint8 = 2

// SubjectGlobal is the subject key for events without a tenant scope.
const SubjectGlobal = "global"

// EventType is the closed enumeration of normalized gateway events.
type EventType uint8

const (
	TypeOther EventType = iota
	TypeGuildCreate
	TypeGuildDelete
	TypeGuildUpdate
	TypeMemberAdd
	TypeMemberRemove
	TypeMemberUpdate
	TypeInteractionCreate
	TypeReady
	TypeResumed
	TypeHeartbeatAck
)

var typeNames = map[EventType]string{
	TypeOther:             "other",
	TypeGuildCreate:       "guild_create",
	TypeGuildDelete:       "guild_delete",
	TypeGuildUpdate:       "guild_update",
	TypeMemberAdd:         "member_add",
	TypeMemberRemove:      "member_remove",
	TypeMemberUpdate:      "member_update",
	TypeInteractionCreate: "interaction_create",
	TypeReady:             "ready",
	TypeResumed:           "resumed",
	TypeHeartbeatAck:      "heartbeat_ack",
}

func (t EventType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "other"
}

// ParseEventType maps a name back to its enum value. Unknown names map
// to TypeOther rather than failing — forward compatibility for consumers
// behind on a gateway deploy.
func ParseEventType(s string) EventType {
	for t, name := range typeNames {
		if name == s {
			return t
		}
	}
	return TypeOther
}

// Valid reports whether the value is inside the closed enumeration.
func (t EventType) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Envelope is the normalized event record published to the bus.
type Envelope struct {
	ID         uuid.UUID // globally unique, 128-bit
	Type       EventType
	ShardID    uint32
	ProducedAt time.Time // producer timestamp, millisecond precision
	SubjectKey string    // tenant id or SubjectGlobal
	Payload    []byte    // opaque, immutable after publication
}

// New builds an envelope with a fresh id and the current producer time.
// An empty tenant id yields the global subject key.
func New(t EventType, shardID uint32, tenantID string, payload []byte) *Envelope {
	subject := tenantID
	if subject == "" {
		subject = SubjectGlobal
	}
	return &Envelope{
		ID:         uuid.New(),
		Type:       t,
		ShardID:    shardID,
		ProducedAt: time.Now().Truncate(time.Millisecond),
		SubjectKey: subject,
		Payload:    payload,
	}
}

// TenantScoped reports whether the envelope belongs to a single tenant.
func (e *Envelope) TenantScoped() bool {
	return e.SubjectKey != SubjectGlobal && e.SubjectKey != ""
}

// Age returns how long ago the producer stamped the envelope.
func (e *Envelope) Age(now time.Time) time.Duration {
	return now.Sub(e.ProducedAt)
}
