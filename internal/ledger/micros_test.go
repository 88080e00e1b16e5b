package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShareFloors(t *testing.T) {
	assert.Equal(t, int64(25_000), Share(1_000_000, 250))
	assert.Equal(t, int64(0), Share(39, 250))   // 0.975 micro floors to 0
	assert.Equal(t, int64(1), Share(40, 250))
	assert.Equal(t, int64(1_000_000), Share(1_000_000, 10_000))
}

func TestShareBPS(t *testing.T) {
	assert.Equal(t, int64(2_500), ShareBPS(250_000, 1_000_000))
	assert.Equal(t, int64(0), ShareBPS(1, 0))
	assert.Equal(t, int64(10_000), ShareBPS(5, 5))
}

func TestWithinDriftTolerance(t *testing.T) {
	// 10 bps of a 10,000,000 limit is 10,000 micros
	assert.True(t, WithinDriftTolerance(1_000_000, 1_010_000, 10_000_000, 10))
	assert.True(t, WithinDriftTolerance(1_010_000, 1_000_000, 10_000_000, 10))
	assert.False(t, WithinDriftTolerance(1_000_000, 1_010_001, 10_000_000, 10))
	assert.True(t, WithinDriftTolerance(5, 5, 0, 10))
}
