// Copyright 2025 James Ross
package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/paperatlas/enrichq/internal/stage"
)

type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setupStore(t *testing.T) (*Store, *testClock, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := &testClock{t: time.Now()}
	s := New(rdb, zap.NewNop(), 5)
	s.now = clock.now
	return s, clock, func() { mr.Close() }
}

func TestEnqueueIdempotent(t *testing.T) {
	s, _, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	id1, wasNew, err := s.Enqueue(ctx, stage.AIAnalysis, "p1", PriorityNormal, "B", nil)
	require.NoError(t, err)
	assert.True(t, wasNew)

	id2, wasNew2, err := s.Enqueue(ctx, stage.AIAnalysis, "p1", PriorityNormal, "B", nil)
	require.NoError(t, err)
	assert.False(t, wasNew2)
	assert.Equal(t, id1, id2)

	id3, wasNew3, err := s.Enqueue(ctx, stage.AIAnalysis, "p1", PriorityHigh, "B", nil)
	require.NoError(t, err)
	assert.False(t, wasNew3)
	assert.Equal(t, id1, id3)

	jobs, total, err := s.List(ctx, ListFilter{PaperID: "p1"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusPending, jobs[0].Status)
	assert.Equal(t, 0, jobs[0].RetryCount)

	// different batch scope is a different logical job
	id4, wasNew4, err := s.Enqueue(ctx, stage.AIAnalysis, "p1", PriorityNormal, "", nil)
	require.NoError(t, err)
	assert.True(t, wasNew4)
	assert.NotEqual(t, id1, id4)
}

func TestEnqueueValidation(t *testing.T) {
	s, _, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	_, _, err := s.Enqueue(ctx, stage.Stage("bogus"), "p1", PriorityNormal, "", nil)
	assert.ErrorIs(t, err, ErrBadRequest)
	_, _, err = s.Enqueue(ctx, stage.Embedding, "", PriorityNormal, "", nil)
	assert.ErrorIs(t, err, ErrBadRequest)
	_, _, err = s.Enqueue(ctx, stage.Embedding, "p1", 42, "", nil)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestClaimPriorityThenFIFO(t *testing.T) {
	s, _, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	_, _, err := s.Enqueue(ctx, stage.Embedding, "p1", PriorityNormal, "", nil)
	require.NoError(t, err)
	_, _, err = s.Enqueue(ctx, stage.Embedding, "p2", PriorityCritical, "", nil)
	require.NoError(t, err)
	_, _, err = s.Enqueue(ctx, stage.Embedding, "p3", PriorityCritical, "", nil)
	require.NoError(t, err)

	j1, err := s.ClaimNext(ctx, stage.KindLocal, nil, "w1")
	require.NoError(t, err)
	require.NotNil(t, j1)
	assert.Equal(t, "p2", j1.PaperID) // highest priority, lowest id

	j2, err := s.ClaimNext(ctx, stage.KindLocal, nil, "w1")
	require.NoError(t, err)
	require.NotNil(t, j2)
	assert.Equal(t, "p3", j2.PaperID)

	j3, err := s.ClaimNext(ctx, stage.KindLocal, nil, "w1")
	require.NoError(t, err)
	require.NotNil(t, j3)
	assert.Equal(t, "p1", j3.PaperID)

	j4, err := s.ClaimNext(ctx, stage.KindLocal, nil, "w1")
	require.NoError(t, err)
	assert.Nil(t, j4)
}

func TestClaimSetsLease(t *testing.T) {
	s, clock, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	_, _, err := s.Enqueue(ctx, stage.Citations, "p1", PriorityNormal, "", nil)
	require.NoError(t, err)

	j, err := s.ClaimNext(ctx, stage.KindExternal, []stage.Stage{stage.Citations}, "w7")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, StatusProcessing, j.Status)
	assert.Equal(t, "w7", j.WorkerID)
	wantLease := clock.now().Add(stage.LeaseFor(stage.Citations)).UnixMilli()
	assert.Equal(t, wantLease, j.LeaseExpiresAt.UnixMilli())
}

func TestClaimRespectsStageFilter(t *testing.T) {
	s, _, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	_, _, err := s.Enqueue(ctx, stage.Citations, "p1", PriorityCritical, "", nil)
	require.NoError(t, err)
	_, _, err = s.Enqueue(ctx, stage.GitHub, "p1", PriorityLow, "", nil)
	require.NoError(t, err)

	// ask only for github work: the higher-priority citations job stays
	j, err := s.ClaimNext(ctx, stage.KindExternal, []stage.Stage{stage.GitHub}, "w1")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, stage.GitHub, j.Stage)

	j2, err := s.ClaimNext(ctx, stage.KindExternal, []stage.Stage{stage.Citations}, "w1")
	require.NoError(t, err)
	require.NotNil(t, j2)
	assert.Equal(t, stage.Citations, j2.Stage)
}

func TestAtMostOneClaim(t *testing.T) {
	s, _, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	_, _, err := s.Enqueue(ctx, stage.Embedding, "p1", PriorityNormal, "", nil)
	require.NoError(t, err)

	var winners int
	for i := 0; i < 5; i++ {
		j, err := s.ClaimNext(ctx, stage.KindLocal, nil, "w1")
		require.NoError(t, err)
		if j != nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestMarkSuccessIdempotent(t *testing.T) {
	s, _, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	id, _, err := s.Enqueue(ctx, stage.Embedding, "p1", PriorityNormal, "", nil)
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx, stage.KindLocal, nil, "w1")
	require.NoError(t, err)

	require.NoError(t, s.MarkSuccess(ctx, id))
	require.NoError(t, s.MarkSuccess(ctx, id)) // no-op

	j, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, j.Status)
	assert.False(t, j.CompletedAt.IsZero())

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts["completed:embedding"])
}

func TestTransientFailureRequeuesWithBackoff(t *testing.T) {
	s, clock, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	id, _, err := s.Enqueue(ctx, stage.Citations, "p1", PriorityNormal, "", nil)
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx, stage.KindExternal, nil, "w1")
	require.NoError(t, err)

	require.NoError(t, s.MarkFailure(ctx, id, "connection reset", false, 10*time.Second))

	j, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, 1, j.RetryCount)
	assert.Equal(t, "connection reset", j.ErrorMessage)

	// backoff window: not claimable yet
	j2, err := s.ClaimNext(ctx, stage.KindExternal, nil, "w1")
	require.NoError(t, err)
	assert.Nil(t, j2)

	clock.advance(11 * time.Second)
	j3, err := s.ClaimNext(ctx, stage.KindExternal, nil, "w1")
	require.NoError(t, err)
	require.NotNil(t, j3)
	assert.Equal(t, id, j3.ID)
}

func TestPermanentFailure(t *testing.T) {
	s, _, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	id, _, err := s.Enqueue(ctx, stage.GitHub, "p1", PriorityNormal, "", nil)
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx, stage.KindExternal, nil, "w1")
	require.NoError(t, err)

	require.NoError(t, s.MarkFailure(ctx, id, "404 not found", true, 0))

	j, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, 1, j.RetryCount)
}

func TestRetryBudgetExhaustion(t *testing.T) {
	s, clock, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	id, _, err := s.Enqueue(ctx, stage.Embedding, "p1", PriorityNormal, "", nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		j, err := s.ClaimNext(ctx, stage.KindLocal, nil, "w1")
		require.NoError(t, err)
		require.NotNil(t, j, "claim %d", i)
		require.NoError(t, s.MarkFailure(ctx, id, "timeout", false, time.Second))
		clock.advance(2 * time.Second)
	}
	// budget spent: the sixth failure must land in failed
	j, err := s.ClaimNext(ctx, stage.KindLocal, nil, "w1")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 5, j.RetryCount)
	require.NoError(t, s.MarkFailure(ctx, id, "timeout", false, time.Second))

	final, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, 6, final.RetryCount)
}

func TestOperatorRetry(t *testing.T) {
	s, _, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	id, _, err := s.Enqueue(ctx, stage.Embedding, "p1", PriorityNormal, "", nil)
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx, stage.KindLocal, nil, "w1")
	require.NoError(t, err)
	require.NoError(t, s.MarkFailure(ctx, id, "bad input", true, 0))

	// retry preserves the counter
	require.NoError(t, s.Retry(ctx, id, false))
	j, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, 1, j.RetryCount)
	assert.Empty(t, j.ErrorMessage)

	// retrying a pending job is a state error
	assert.ErrorIs(t, s.Retry(ctx, id, false), ErrBadState)

	// explicit reset zeroes the counter
	_, err = s.ClaimNext(ctx, stage.KindLocal, nil, "w1")
	require.NoError(t, err)
	require.NoError(t, s.MarkFailure(ctx, id, "bad input", true, 0))
	require.NoError(t, s.Retry(ctx, id, true))
	j, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, j.RetryCount)
}

func TestCancelPendingOnly(t *testing.T) {
	s, _, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	id, _, err := s.Enqueue(ctx, stage.Embedding, "p1", PriorityNormal, "", nil)
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, id))

	j, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, j.Status)

	// absorbing: cancel again fails, claim skips it
	assert.ErrorIs(t, s.Cancel(ctx, id), ErrBadState)
	got, err := s.ClaimNext(ctx, stage.KindLocal, nil, "w1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// processing jobs cannot be cancelled
	id2, _, err := s.Enqueue(ctx, stage.Relationships, "p2", PriorityNormal, "", nil)
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx, stage.KindLocal, nil, "w1")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Cancel(ctx, id2), ErrBadState)
}

func TestCancelBatch(t *testing.T) {
	s, _, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	_, _, err := s.Enqueue(ctx, stage.Embedding, "p1", PriorityNormal, "B1", nil)
	require.NoError(t, err)
	_, _, err = s.Enqueue(ctx, stage.Citations, "p1", PriorityNormal, "B1", nil)
	require.NoError(t, err)
	claimedID, _, err := s.Enqueue(ctx, stage.AIAnalysis, "p1", PriorityNormal, "B1", nil)
	require.NoError(t, err)
	_, _, err = s.Enqueue(ctx, stage.Embedding, "p2", PriorityNormal, "B2", nil)
	require.NoError(t, err)

	// one job of the batch is already processing
	j, err := s.ClaimNext(ctx, stage.KindLLM, nil, "w1")
	require.NoError(t, err)
	require.Equal(t, claimedID, j.ID)

	n, err := s.CancelBatch(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, total, err := s.List(ctx, ListFilter{Status: StatusCancelled}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	other, err := s.ClaimNext(ctx, stage.KindLocal, nil, "w1")
	require.NoError(t, err)
	require.NotNil(t, other)
	assert.Equal(t, "p2", other.PaperID)
}

func TestReclaimExpiredLeases(t *testing.T) {
	s, clock, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	id, _, err := s.Enqueue(ctx, stage.Embedding, "p1", PriorityNormal, "", nil)
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx, stage.KindLocal, nil, "w-crashed")
	require.NoError(t, err)

	// lease still live: nothing to reclaim
	n, err := s.ReclaimExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.advance(stage.LeaseFor(stage.Embedding) + time.Second)
	n, err = s.ReclaimExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, 1, j.RetryCount)
	assert.Empty(t, j.WorkerID)

	// and it is immediately claimable again
	j2, err := s.ClaimNext(ctx, stage.KindLocal, nil, "w2")
	require.NoError(t, err)
	require.NotNil(t, j2)
	assert.Equal(t, id, j2.ID)
}

func TestListFilters(t *testing.T) {
	s, _, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	_, _, err := s.Enqueue(ctx, stage.Embedding, "p1", PriorityNormal, "B1", nil)
	require.NoError(t, err)
	_, _, err = s.Enqueue(ctx, stage.Citations, "p1", PriorityNormal, "B1", nil)
	require.NoError(t, err)
	_, _, err = s.Enqueue(ctx, stage.Embedding, "p2", PriorityNormal, "B2", nil)
	require.NoError(t, err)

	jobs, total, err := s.List(ctx, ListFilter{Stage: stage.Embedding}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	// newest first
	assert.Equal(t, "p2", jobs[0].PaperID)

	_, total, err = s.List(ctx, ListFilter{BatchID: "B1"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	_, total, err = s.List(ctx, ListFilter{PaperID: "p2", Status: StatusPending}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestPendingCounters(t *testing.T) {
	s, _, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	_, _, err := s.Enqueue(ctx, stage.Citations, "p1", PriorityNormal, "", nil)
	require.NoError(t, err)
	_, _, err = s.Enqueue(ctx, stage.GitHub, "p1", PriorityNormal, "", nil)
	require.NoError(t, err)

	n, err := s.PendingByStage(ctx, []stage.Stage{stage.Citations})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	depth, err := s.PendingDepth(ctx, stage.KindExternal)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	_, err = s.ClaimNext(ctx, stage.KindExternal, []stage.Stage{stage.Citations}, "w1")
	require.NoError(t, err)
	n, err = s.PendingByStage(ctx, []stage.Stage{stage.Citations})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
