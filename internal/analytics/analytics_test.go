package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeApplier struct {
	batches [][]*spanner.Mutation
	err     error
}

func (f *fakeApplier) Apply(_ context.Context, ms []*spanner.Mutation, _ ...spanner.ApplyOption) (time.Time, error) {
	if f.err != nil {
		return time.Time{}, f.err
	}
	f.batches = append(f.batches, ms)
	return time.Now(), nil
}

func TestUpsertScoresChunksAtBatchCap(t *testing.T) {
	applier := &fakeApplier{}
	w := NewWriter(applier)

	scores := make([]Score, BatchCap*2+7)
	for i := range scores {
		scores[i] = Score{CommunityID: "guild1", ProfileID: "p", Score: int64(i)}
	}
	require.NoError(t, w.UpsertScores(context.Background(), scores))

	require.Len(t, applier.batches, 3)
	assert.Len(t, applier.batches[0], BatchCap)
	assert.Len(t, applier.batches[1], BatchCap)
	assert.Len(t, applier.batches[2], 7)
}

func TestSmallWriteIsSingleBatch(t *testing.T) {
	applier := &fakeApplier{}
	w := NewWriter(applier)

	require.NoError(t, w.WriteRankings(context.Background(), []Ranking{
		{CommunityID: "guild1", ProfileID: "p1", Rank: 1, Score: 100},
		{CommunityID: "guild1", ProfileID: "p2", Rank: 2, Score: 90},
	}))
	require.Len(t, applier.batches, 1)
	assert.Len(t, applier.batches[0], 2)
}

func TestEmptyWriteCommitsNothing(t *testing.T) {
	applier := &fakeApplier{}
	w := NewWriter(applier)
	require.NoError(t, w.AppendHistory(context.Background(), nil))
	assert.Empty(t, applier.batches)
}

func TestApplyFailureSurfaces(t *testing.T) {
	applier := &fakeApplier{err: errors.New("deadline exceeded")}
	w := NewWriter(applier)
	err := w.UpsertScores(context.Background(), []Score{{CommunityID: "g", ProfileID: "p"}})
	assert.Error(t, err)
}
