package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fee-ledger/ledger"
)

var term1 = ledger.NewPeriod("2025-2026", "term-1")

func newTestCache(t *testing.T) (*StatsCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStatsCache(client, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil))), mr
}

type countingLoader struct {
	calls atomic.Int32
	paid  int64
}

func (l *countingLoader) load(_ context.Context, _ ledger.SchoolID, period ledger.Period) (ledger.CohortStats, error) {
	l.calls.Add(1)
	return ledger.CohortStats{Period: period, StudentCount: 3, TotalPaid: decimal.NewFromInt(l.paid)}, nil
}

func TestCohortStats_CachesUntilInvalidated(t *testing.T) {
	// GIVEN
	c, _ := newTestCache(t)
	loader := &countingLoader{paid: 1000}
	ctx := context.Background()

	// WHEN: Asked twice
	first, err := c.CohortStats(ctx, "school-a", term1, loader.load)
	require.NoError(t, err)
	second, err := c.CohortStats(ctx, "school-a", term1, loader.load)
	require.NoError(t, err)

	// THEN: Loaded once, served from Redis the second time
	assert.Equal(t, int32(1), loader.calls.Load())
	assert.Equal(t, 3, second.StudentCount)
	assert.True(t, first.TotalPaid.Equal(second.TotalPaid))
	assert.Equal(t, term1, second.Period)

	// WHEN: The school's ledger changes
	require.NoError(t, c.Invalidate(ctx, "school-a"))
	loader.paid = 2500
	third, err := c.CohortStats(ctx, "school-a", term1, loader.load)
	require.NoError(t, err)

	// THEN: Fresh numbers
	assert.Equal(t, int32(2), loader.calls.Load())
	assert.Equal(t, "2500", third.TotalPaid.String())
}

func TestCohortStats_SchoolsAreSeparate(t *testing.T) {
	c, _ := newTestCache(t)
	loader := &countingLoader{}
	ctx := context.Background()

	_, _ = c.CohortStats(ctx, "school-a", term1, loader.load)
	_, _ = c.CohortStats(ctx, "school-b", term1, loader.load)
	require.NoError(t, c.Invalidate(ctx, "school-b"))
	_, _ = c.CohortStats(ctx, "school-a", term1, loader.load)

	assert.Equal(t, int32(2), loader.calls.Load())
}

func TestCohortStats_ConcurrentMissesShareLoad(t *testing.T) {
	c, _ := newTestCache(t)
	release := make(chan struct{})
	var calls atomic.Int32
	slow := func(ctx context.Context, school ledger.SchoolID, period ledger.Period) (ledger.CohortStats, error) {
		calls.Add(1)
		<-release
		return ledger.CohortStats{StudentCount: 1}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.CohortStats(context.Background(), "school-a", term1, slow)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(2))
}

func TestCohortStats_LoaderErrorNotCached(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	boom := errors.New("db down")

	_, err := c.CohortStats(ctx, "school-a", term1, func(context.Context, ledger.SchoolID, ledger.Period) (ledger.CohortStats, error) {
		return ledger.CohortStats{}, boom
	})
	assert.ErrorIs(t, err, boom)

	loader := &countingLoader{}
	_, err = c.CohortStats(ctx, "school-a", term1, loader.load)
	require.NoError(t, err)
	assert.Equal(t, int32(1), loader.calls.Load())
}

func TestCohortStats_RedisDownFallsBack(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()
	loader := &countingLoader{}

	stats, err := c.CohortStats(context.Background(), "school-a", term1, loader.load)

	require.NoError(t, err)
	assert.Equal(t, 3, stats.StudentCount)
}

func TestCohortStats_NilClient(t *testing.T) {
	c := NewStatsCache(nil, time.Minute, nil)
	loader := &countingLoader{}

	_, _ = c.CohortStats(context.Background(), "school-a", term1, loader.load)
	_, _ = c.CohortStats(context.Background(), "school-a", term1, loader.load)

	assert.Equal(t, int32(2), loader.calls.Load())
	assert.NoError(t, c.Invalidate(context.Background(), "school-a"))
}
