package handlers

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/guildcore/backend/internal/analytics"
	"github.com/guildcore/backend/internal/envelope"
	"github.com/guildcore/backend/internal/faults"
	"github.com/guildcore/backend/internal/tenant"
)

// Join and leave adjustments to the participation score.
const (
	joinScoreDelta  = 10
	leaveScoreDelta = -10
)

// ScoreStore reads and writes the current participation score per
// member. The analytics warehouse keeps history and leaderboards; this
// store is the mutable counter behind them.
type ScoreStore interface {
	GetScore(ctx context.Context, communityID, profileID string) (int64, error)
	PutScore(ctx context.Context, communityID, profileID string, score int64) error
}

// memberPayload is the partial decode of a GUILD_MEMBER_* dispatch.
type memberPayload struct {
	GuildID string `json:"guild_id"`
	User    struct {
		ID  string `json:"id"`
		Bot bool   `json:"bot"`
	} `json:"user"`
}

// Members records join/leave activity into the analytics warehouse.
type Members struct {
	scores ScoreStore
	sink   *analytics.Writer
	logger *log.Logger
	now    func() time.Time
}

// NewMembers wires the member lifecycle handler.
func NewMembers(scores ScoreStore, sink *analytics.Writer) *Members {
	return &Members{
		scores: scores,
		sink:   sink,
		logger: log.New(log.Writer(), "[MEMBERS] ", log.LstdFlags),
		now:    time.Now,
	}
}

// HandleAdd credits the join delta and appends a history point. Bot
// accounts never score.
func (h *Members) HandleAdd(ctx context.Context, env *envelope.Envelope, com *tenant.Community) error {
	return h.adjust(ctx, env, com, joinScoreDelta, "member_join")
}

// HandleRemove debits the leave delta, floored at zero.
func (h *Members) HandleRemove(ctx context.Context, env *envelope.Envelope, com *tenant.Community) error {
	return h.adjust(ctx, env, com, leaveScoreDelta, "member_leave")
}

func (h *Members) adjust(ctx context.Context, env *envelope.Envelope, com *tenant.Community, delta int64, reason string) error {
	if com == nil {
		return nil
	}
	var p memberPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return faults.Wrap(faults.KindIntegrity, "bad_member_payload", "member payload does not decode", err)
	}
	if p.User.ID == "" || p.User.Bot {
		return nil
	}

	current, err := h.scores.GetScore(ctx, com.ID, p.User.ID)
	if err != nil {
		return err
	}
	next := current + delta
	if next < 0 {
		next = 0
	}
	if err := h.scores.PutScore(ctx, com.ID, p.User.ID, next); err != nil {
		return err
	}

	now := h.now()
	if err := h.sink.UpsertScores(ctx, []analytics.Score{{
		CommunityID: com.ID,
		ProfileID:   p.User.ID,
		Score:       next,
		UpdatedAt:   now,
	}}); err != nil {
		return err
	}
	if err := h.sink.AppendHistory(ctx, []analytics.HistoryPoint{{
		CommunityID: com.ID,
		ProfileID:   p.User.ID,
		Score:       next,
		Delta:       next - current,
		Reason:      reason,
		RecordedAt:  now,
	}}); err != nil {
		return err
	}

	h.logger.Printf("✅ %s: community=%s score=%d", reason, com.ID, next)
	return nil
}
