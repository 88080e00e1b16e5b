// Package analytics writes engagement data to the wide-column store:
// per-member scores, community rankings and score history. All tables
// key on (community_id, profile_id).
package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"
)

// BatchCap is the maximum mutations per commit. Larger writes are
// chunked.
const BatchCap = 50

// Score is one member's current engagement score.
type Score struct {
	CommunityID string
	ProfileID   string
	Score       int64
	Level       int64
	UpdatedAt   time.Time
}

// Ranking is one row of a community leaderboard snapshot.
type Ranking struct {
	CommunityID string
	ProfileID   string
	Rank        int64
	Score       int64
	SnapshotAt  time.Time
}

// HistoryPoint is one append-only score observation.
type HistoryPoint struct {
	CommunityID string
	ProfileID   string
	Score       int64
	Delta       int64
	Reason      string
	RecordedAt  time.Time
}

// Applier commits mutations; satisfied by *spanner.Client.
type Applier interface {
	Apply(ctx context.Context, ms []*spanner.Mutation, opts ...spanner.ApplyOption) (time.Time, error)
}

// Writer batches analytics writes against the wide-column store.
type Writer struct {
	applier Applier
	logger  *log.Logger
}

// Connect opens the Spanner database.
func Connect(ctx context.Context, database string) (*Writer, error) {
	client, err := spanner.NewClient(ctx, database)
	if err != nil {
		return nil, fmt.Errorf("connect spanner: %w", err)
	}
	w := NewWriter(client)
	w.logger.Printf("✅ Spanner connected: %s", database)
	return w, nil
}

// NewWriter wraps an applier.
func NewWriter(applier Applier) *Writer {
	return &Writer{
		applier: applier,
		logger:  log.New(log.Writer(), "[ANALYTICS] ", log.LstdFlags),
	}
}

// UpsertScores writes current scores.
func (w *Writer) UpsertScores(ctx context.Context, scores []Score) error {
	ms := make([]*spanner.Mutation, len(scores))
	for i, s := range scores {
		ms[i] = spanner.InsertOrUpdate("member_scores",
			[]string{"community_id", "profile_id", "score", "level", "updated_at"},
			[]interface{}{s.CommunityID, s.ProfileID, s.Score, s.Level, s.UpdatedAt})
	}
	return w.applyChunked(ctx, ms)
}

// WriteRankings writes a leaderboard snapshot.
func (w *Writer) WriteRankings(ctx context.Context, rankings []Ranking) error {
	ms := make([]*spanner.Mutation, len(rankings))
	for i, r := range rankings {
		ms[i] = spanner.InsertOrUpdate("community_rankings",
			[]string{"community_id", "profile_id", "rank", "score", "snapshot_at"},
			[]interface{}{r.CommunityID, r.ProfileID, r.Rank, r.Score, r.SnapshotAt})
	}
	return w.applyChunked(ctx, ms)
}

// AppendHistory appends score observations. History rows are insert-only.
func (w *Writer) AppendHistory(ctx context.Context, points []HistoryPoint) error {
	ms := make([]*spanner.Mutation, len(points))
	for i, p := range points {
		ms[i] = spanner.Insert("score_history",
			[]string{"community_id", "profile_id", "recorded_at", "score", "delta", "reason"},
			[]interface{}{p.CommunityID, p.ProfileID, p.RecordedAt, p.Score, p.Delta, p.Reason})
	}
	return w.applyChunked(ctx, ms)
}

// applyChunked commits in BatchCap slices. A failed chunk aborts the
// rest; committed chunks stay committed (upserts make retries safe).
func (w *Writer) applyChunked(ctx context.Context, ms []*spanner.Mutation) error {
	for start := 0; start < len(ms); start += BatchCap {
		end := start + BatchCap
		if end > len(ms) {
			end = len(ms)
		}
		if _, err := w.applier.Apply(ctx, ms[start:end]); err != nil {
			return fmt.Errorf("apply analytics batch [%d:%d): %w", start, end, err)
		}
	}
	return nil
}
