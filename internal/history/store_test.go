package history

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/sclk-correlator/internal/models"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	clock := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	s, err := Open(context.Background(), Options{
		Path: path,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		},
	})
	require.NoError(t, err)
	return s
}

func tempStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s := openStore(t, path)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func triplet(clock int64, tdt float64) models.Triplet {
	return models.Triplet{
		OnboardClock:         clock,
		TerrestrialTime:      tdt,
		ClockChangeRate:      1.0000000012,
		GroundTimeOfValidity: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func commit(t *testing.T, s *Store, trip models.Triplet) models.Run {
	t.Helper()
	run, err := s.Commit(context.Background(), CommitRequest{
		ExpectedLatestID: latestID(s),
		Triplet:          trip,
		SampleSetRef:     "ref",
		Warnings:         []string{"near minimum"},
		Rate:             models.RateEstimate{Rate: trip.ClockChangeRate, Provenance: models.ProvenanceAssigned, Mode: models.RateModeAssign},
		User:             "ops",
		Invocation:       `{"samplesPerSet":5}`,
	})
	require.NoError(t, err)
	return run
}

func latestID(s *Store) int64 {
	return LatestID(s.Latest())
}

func TestCommitEnforcesMonotonicity(t *testing.T) {
	s, _ := tempStore(t)
	ctx := context.Background()
	a := commit(t, s, triplet(1000, 5000))

	_, err := s.Commit(ctx, CommitRequest{ExpectedLatestID: a.ID, Triplet: triplet(1100, 4999)})
	assert.ErrorIs(t, err, models.ErrOutOfOrderCommit)

	_, err = s.Commit(ctx, CommitRequest{ExpectedLatestID: a.ID, Triplet: triplet(1000, 5100)})
	assert.ErrorIs(t, err, models.ErrOutOfOrderCommit)

	run := commit(t, s, triplet(1001, 5000))
	assert.Equal(t, int64(2), run.ID)

	committed := s.Snapshot().Committed()
	for i := 1; i < len(committed); i++ {
		assert.GreaterOrEqual(t, committed[i].Triplet.TerrestrialTime, committed[i-1].Triplet.TerrestrialTime)
		assert.Greater(t, committed[i].Triplet.OnboardClock, committed[i-1].Triplet.OnboardClock)
	}
}

func TestRollbackScenario(t *testing.T) {
	s, _ := tempStore(t)
	ctx := context.Background()
	a := commit(t, s, triplet(1000, 5000))
	b := commit(t, s, triplet(2000, 6000))

	_, _, err := s.Rollback(ctx, a.ID)
	assert.ErrorIs(t, err, models.ErrNotLatest, "A is not latest while B is committed")

	prev, ok, err := s.Rollback(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.Triplet.OnboardClock, prev.OnboardClock)

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, a.ID, latest.ID)

	_, _, err = s.Rollback(ctx, b.ID)
	assert.ErrorIs(t, err, models.ErrNotLatest, "B is tombstoned")

	_, _, err = s.Rollback(ctx, 99)
	assert.ErrorIs(t, err, models.ErrNotFound)

	tombstoned, err := s.Get(b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunRolledBack, tombstoned.Status)
	assert.False(t, tombstoned.RolledBackAt.IsZero())

	_, ok, err = s.Rollback(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok, "history is empty after rolling back every run")
	_, ok = s.Latest()
	assert.False(t, ok)
	assert.Len(t, s.Audit(), 2)
}

func TestRollbackInverse(t *testing.T) {
	s, _ := tempStore(t)
	ctx := context.Background()
	commit(t, s, triplet(1000, 5000))
	b := commit(t, s, triplet(2000, 6000))

	_, _, err := s.Rollback(ctx, b.ID)
	require.NoError(t, err)
	again := commit(t, s, b.Triplet)

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.NotEqual(t, b.ID, again.ID)
	assert.Equal(t, b.Triplet.OnboardClock, latest.Triplet.OnboardClock)
	assert.Equal(t, b.Triplet.TerrestrialTime, latest.Triplet.TerrestrialTime)
	assert.Equal(t, b.Triplet.ClockChangeRate, latest.Triplet.ClockChangeRate)
	assert.True(t, b.Triplet.GroundTimeOfValidity.Equal(latest.Triplet.GroundTimeOfValidity))
}

func TestRangeIsInclusiveAndSkipsTombstones(t *testing.T) {
	s, _ := tempStore(t)
	ctx := context.Background()
	commit(t, s, triplet(1000, 5000))
	commit(t, s, triplet(2000, 6000))
	c := commit(t, s, triplet(3000, 7000))
	_, _, err := s.Rollback(ctx, c.ID)
	require.NoError(t, err)

	runs, err := s.Range(5000, 7000)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 5000.0, runs[0].Triplet.TerrestrialTime)
	assert.Equal(t, 6000.0, runs[1].Triplet.TerrestrialTime)

	_, err = s.Range(7000, 5000)
	assert.ErrorIs(t, err, models.ErrInvalidRange)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	s, _ := tempStore(t)
	commit(t, s, triplet(1000, 5000))
	held := s.Snapshot()

	commit(t, s, triplet(2000, 6000))
	latest, ok := held.Latest()
	require.True(t, ok)
	assert.Equal(t, int64(1000), latest.Triplet.OnboardClock)
	assert.Equal(t, 1, held.Len())
	assert.Equal(t, 2, s.Snapshot().Len())
}

func TestConcurrentCommitsSerialize(t *testing.T) {
	s, _ := tempStore(t)
	commit(t, s, triplet(1000, 5000))

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Commit(context.Background(), CommitRequest{ExpectedLatestID: 1, Triplet: triplet(2000, 6000)})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, models.ErrOutOfOrderCommit)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, s.Snapshot().Committed(), 2)
}

func TestCommitRejectsStaleLatest(t *testing.T) {
	s, _ := tempStore(t)
	ctx := context.Background()
	a := commit(t, s, triplet(1000, 5000))
	b := commit(t, s, triplet(2000, 6000))

	// Computed while A was latest; B committed in the meantime.
	_, err := s.Commit(ctx, CommitRequest{ExpectedLatestID: a.ID, Triplet: triplet(3000, 7000)})
	require.ErrorIs(t, err, models.ErrOutOfOrderCommit)
	assert.Contains(t, err.Error(), "history changed during computation")

	_, err = s.Commit(ctx, CommitRequest{Triplet: triplet(3000, 7000)})
	assert.ErrorIs(t, err, models.ErrOutOfOrderCommit, "an empty-history basis is stale too")

	_, _, err = s.Rollback(ctx, b.ID)
	require.NoError(t, err)
	_, err = s.Commit(ctx, CommitRequest{ExpectedLatestID: b.ID, Triplet: triplet(3000, 7000)})
	assert.ErrorIs(t, err, models.ErrOutOfOrderCommit, "a rollback moves the latest run as well")

	run, err := s.Commit(ctx, CommitRequest{ExpectedLatestID: a.ID, Triplet: triplet(3000, 7000)})
	require.NoError(t, err)
	assert.Equal(t, int64(3), run.ID)
	assert.Len(t, s.Audit(), 3)
}

func TestHistorySurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	s := openStore(t, path)
	ctx := context.Background()
	a := commit(t, s, triplet(1000, 5000.123456))
	b := commit(t, s, triplet(2000, 6000))
	_, _, err := s.Rollback(ctx, b.ID)
	require.NoError(t, err)
	require.NoError(t, s.RecordProducts(ctx, a.ID, []models.ProductRecord{{Generator: "time-history", Location: "/tmp/th.csv"}}))
	require.NoError(t, s.Close())

	reopened := openStore(t, path)
	defer reopened.Close()

	runs := reopened.Audit()
	require.Len(t, runs, 2)
	assert.Equal(t, models.RunCommitted, runs[0].Status)
	assert.Equal(t, 5000.123456, runs[0].Triplet.TerrestrialTime)
	assert.Equal(t, 1.0000000012, runs[0].Triplet.ClockChangeRate)
	assert.Equal(t, []string{"near minimum"}, runs[0].Warnings)
	assert.Equal(t, "ops", runs[0].User)
	assert.Equal(t, models.RateModeAssign, runs[0].Rate.Mode)
	require.Len(t, runs[0].Products, 1)
	assert.Equal(t, "time-history", runs[0].Products[0].Generator)
	assert.True(t, a.CreatedAt.Equal(runs[0].CreatedAt))
	assert.Equal(t, models.RunRolledBack, runs[1].Status)

	next := commit(t, reopened, triplet(3000, 7000))
	assert.Equal(t, int64(3), next.ID, "run ids are never reused")
}
