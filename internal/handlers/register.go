package handlers

import (
	"github.com/guildcore/backend/internal/dispatch"
	"github.com/guildcore/backend/internal/envelope"
	"github.com/guildcore/backend/internal/tenant"
)

// Rate-limit actions charged by the handlers.
const (
	ActionCommand = "command"
	ActionMember  = "member_event"
)

// Register binds the handler set to the dispatch registry. Interaction
// commands call external APIs, so they hold the longer lock.
func Register(reg *dispatch.Registry, interactions *Interactions, members *Members, guilds *Guilds) {
	reg.Register(envelope.TypeInteractionCreate, dispatch.Registration{
		Handler: interactions,
		Action:  ActionCommand,
		Window:  tenant.WindowMinute,
		LockTTL: dispatch.ExternalLockTTL,
	})
	reg.Register(envelope.TypeMemberAdd, dispatch.Registration{
		Handler: dispatch.HandlerFunc(members.HandleAdd),
		Action:  ActionMember,
		Window:  tenant.WindowMinute,
	})
	reg.Register(envelope.TypeMemberRemove, dispatch.Registration{
		Handler: dispatch.HandlerFunc(members.HandleRemove),
		Action:  ActionMember,
		Window:  tenant.WindowMinute,
	})
	reg.Register(envelope.TypeGuildCreate, dispatch.Registration{
		Handler: dispatch.HandlerFunc(guilds.HandleCreate),
	})
	reg.Register(envelope.TypeGuildDelete, dispatch.Registration{
		Handler: dispatch.HandlerFunc(guilds.HandleDelete),
	})
}
