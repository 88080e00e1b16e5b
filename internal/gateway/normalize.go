package gateway

import (
	"encoding/json"

	"github.com/guildcore/backend/internal/envelope"
)

// dispatchTypes maps Discord dispatch names onto the closed envelope
// enumeration. Anything absent normalizes to TypeOther.
var dispatchTypes = map[string]envelope.EventType{
	"GUILD_CREATE":         envelope.TypeGuildCreate,
	"GUILD_DELETE":         envelope.TypeGuildDelete,
	"GUILD_UPDATE":         envelope.TypeGuildUpdate,
	"GUILD_MEMBER_ADD":     envelope.TypeMemberAdd,
	"GUILD_MEMBER_REMOVE":  envelope.TypeMemberRemove,
	"GUILD_MEMBER_UPDATE":  envelope.TypeMemberUpdate,
	"INTERACTION_CREATE":   envelope.TypeInteractionCreate,
	"READY":                envelope.TypeReady,
	"RESUMED":              envelope.TypeResumed,
}

// guildScoped is the partial decode used to find the tenant id. Discord
// puts the guild id either at the top level or under "guild_id"
// depending on the dispatch.
type guildScoped struct {
	ID      string `json:"id"`
	GuildID string `json:"guild_id"`
}

// Normalize converts one raw dispatch into a bus envelope. Lifecycle
// dispatches (READY, RESUMED) and unknown types still normalize; the
// worker decides what to do with them. Returns nil for dispatches that
// never cross into the core (presence updates, typing, voice state).
func Normalize(dispatchName string, shardID uint32, data json.RawMessage) *envelope.Envelope {
	if skippedDispatches[dispatchName] {
		return nil
	}
	t, ok := dispatchTypes[dispatchName]
	if !ok {
		t = envelope.TypeOther
	}

	tenantID := ""
	var scope guildScoped
	if err := json.Unmarshal(data, &scope); err == nil {
		switch t {
		case envelope.TypeGuildCreate, envelope.TypeGuildDelete, envelope.TypeGuildUpdate:
			tenantID = scope.ID
		default:
			tenantID = scope.GuildID
		}
	}

	return envelope.New(t, shardID, tenantID, data)
}

// skippedDispatches are high-volume dispatches with no consumer; they
// never reach the bus.
var skippedDispatches = map[string]bool{
	"PRESENCE_UPDATE":     true,
	"TYPING_START":        true,
	"VOICE_STATE_UPDATE":  true,
	"VOICE_SERVER_UPDATE": true,
}
