package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/sclk-correlator/internal/models"
)

func committedRun(id int64) models.Run {
	return models.Run{
		ID:      id,
		Status:  models.RunCommitted,
		Triplet: triplet(1000*id, float64(5000*id)),
	}
}

func grow(s *Snapshot, from, to int64) *Snapshot {
	for id := from; id <= to; id++ {
		s = s.with(committedRun(id))
	}
	return s
}

func TestSnapshotAppendsShareTheArena(t *testing.T) {
	held := grow(newSnapshot(nil), 1, 100)
	final := grow(held, 101, 150)

	assert.Equal(t, 100, held.Len())
	assert.Equal(t, 150, final.Len())
	assert.Same(t, held.chunks[0], final.chunks[0])
	assert.Same(t, held.chunks[1], final.chunks[1])

	latest, ok := held.Latest()
	require.True(t, ok)
	assert.Equal(t, int64(100), latest.ID)
	_, ok = held.Get(130)
	assert.False(t, ok, "runs appended later are invisible to older snapshots")

	run, ok := final.Get(130)
	require.True(t, ok)
	assert.Equal(t, int64(130000), run.Triplet.OnboardClock)
	assert.Len(t, final.Committed(), 150)
}

func TestSnapshotReplaceCopiesOnlyTouchedChunk(t *testing.T) {
	base := grow(newSnapshot(nil), 1, 150)

	withProducts := committedRun(10)
	withProducts.Products = []models.ProductRecord{{Generator: "time-history"}}
	next := base.with(withProducts)

	assert.NotSame(t, base.chunks[0], next.chunks[0])
	assert.Same(t, base.chunks[1], next.chunks[1])
	assert.Same(t, base.chunks[2], next.chunks[2])

	old, _ := base.Get(10)
	assert.Empty(t, old.Products)
	updated, _ := next.Get(10)
	assert.Len(t, updated.Products, 1)
	assert.Equal(t, 150, next.Len())
}

func TestSnapshotRollbackThenCommitKeepsOlderViews(t *testing.T) {
	before := grow(newSnapshot(nil), 1, 3)

	tombstoned := committedRun(3)
	tombstoned.Status = models.RunRolledBack
	rolled := before.with(tombstoned)
	recommitted := rolled.with(committedRun(4))

	latest, _ := rolled.Latest()
	assert.Equal(t, int64(2), latest.ID)
	latest, _ = recommitted.Latest()
	assert.Equal(t, int64(4), latest.ID)

	latest, _ = before.Latest()
	assert.Equal(t, int64(3), latest.ID, "the committed stack of an older snapshot is never overwritten")
	require.Len(t, before.Committed(), 3)
	assert.Equal(t, []int64{1, 2, 4}, ids(recommitted.Committed()))
	assert.Equal(t, 4, recommitted.Len())
}

func TestSnapshotTripletsApplyInterpolatedRates(t *testing.T) {
	a := committedRun(1)
	a.Triplet.ClockChangeRate = 1
	b := committedRun(2)
	b.Triplet.ClockChangeRate = 1.1
	b.Rate = models.RateEstimate{Mode: models.RateModeComputeInterpolate, InterpolatedRate: 1.05, InterpolatedRunID: 1}
	snap := newSnapshot([]models.Run{a, b})

	trips := snap.Triplets()
	require.Len(t, trips, 2)
	assert.Equal(t, 1.05, trips[0].ClockChangeRate)
	assert.Equal(t, 1.1, trips[1].ClockChangeRate)
	assert.Equal(t, 1.0, snap.Committed()[0].Triplet.ClockChangeRate, "stored triplets are untouched")

	ranged := snap.Range(0, 1e9)
	require.Len(t, ranged, 2)
	assert.Equal(t, 1.05, ranged[0].Triplet.ClockChangeRate)

	b.Status = models.RunRolledBack
	trips = snap.with(b).Triplets()
	require.Len(t, trips, 1)
	assert.Equal(t, 1.0, trips[0].ClockChangeRate, "rolling back the interpolating run restores the rate")
}

func ids(runs []models.Run) []int64 {
	out := make([]int64, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.ID)
	}
	return out
}
