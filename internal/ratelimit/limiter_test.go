package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions(classify Classifier) Options {
	return Options{
		MinTime:     time.Microsecond,
		Reservoir:   1_000_000,
		RefillEvery: time.Hour,
		Classify:    classify,
	}
}

func TestBackoffSequence(t *testing.T) {
	l := New(fastOptions(nil))

	want := []time.Duration{
		250 * time.Millisecond,
		707 * time.Millisecond,
		3674 * time.Millisecond,
		29393 * time.Millisecond,
		328633 * time.Millisecond,
	}
	for i, w := range want {
		delay, ok := l.nextBackoff("job")
		require.True(t, ok, "retry %d", i+1)
		assert.InDelta(t, float64(w), float64(delay), float64(time.Millisecond), "retry %d", i+1)
	}

	_, ok := l.nextBackoff("job")
	assert.False(t, ok, "sixth failure drops the job")

	// State was cleared; the sequence restarts from the seed.
	delay, ok := l.nextBackoff("job")
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, delay)
}

func TestBackoffPerJobID(t *testing.T) {
	l := New(fastOptions(nil))

	d1, _ := l.nextBackoff("a")
	d2, _ := l.nextBackoff("a")
	d3, _ := l.nextBackoff("b")

	assert.Equal(t, 250*time.Millisecond, d1)
	assert.Greater(t, d2, d1)
	assert.Equal(t, 250*time.Millisecond, d3, "ids do not share backoff state")
}

func TestDoSuccessClearsBackoff(t *testing.T) {
	l := New(fastOptions(func(error) Outcome { return Outcome{Retry: true} }))
	// Pre-fail once so state exists.
	_, ok := l.nextBackoff("job")
	require.True(t, ok)

	require.NoError(t, l.Do(context.Background(), "job", func(context.Context) error {
		return nil
	}))

	d, ok := l.nextBackoff("job")
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, d, "success resets backoff")
}

func TestDoRetriesTransientFailures(t *testing.T) {
	calls := 0
	l := New(fastOptions(func(error) Outcome { return Outcome{Retry: true} }))
	// Shrink the seed so the test runs fast.
	l.backoff["job"] = &backoffState{delay: time.Microsecond}

	err := l.Do(context.Background(), "job", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoDropsAfterMaxRetries(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	l := New(fastOptions(func(error) Outcome { return Outcome{Retry: true} }))
	l.backoff["job"] = &backoffState{delay: time.Microsecond}

	err := l.Do(context.Background(), "job", func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	// Initial attempt plus five retries; the sixth failure drops.
	assert.Equal(t, 6, calls)
}

func TestDoNonRetryableDropsImmediately(t *testing.T) {
	calls := 0
	boom := errors.New("invalid request")
	l := New(fastOptions(func(error) Outcome { return Outcome{} }))

	err := l.Do(context.Background(), "job", func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDoHonorsRetryAfter(t *testing.T) {
	calls := 0
	retryAfter := 50 * time.Millisecond
	l := New(fastOptions(func(error) Outcome { return Outcome{RetryAfter: retryAfter} }))

	start := time.Now()
	err := l.Do(context.Background(), "job", func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("429 rate limited")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), retryAfter)

	// A server-directed delay does not escalate the backoff schedule.
	d, ok := l.nextBackoff("job")
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestReservoirBlocksUntilRefill(t *testing.T) {
	l := New(Options{
		MinTime:     time.Microsecond,
		Reservoir:   2,
		RefillEvery: 60 * time.Millisecond,
	})

	ctx := context.Background()
	ok := func(context.Context) error { return nil }

	start := time.Now()
	require.NoError(t, l.Do(ctx, "a", ok))
	require.NoError(t, l.Do(ctx, "b", ok))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "first two jobs ride the reservoir")

	require.NoError(t, l.Do(ctx, "c", ok))
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond, "third job waits for the refill")
}

func TestDoCancelledContext(t *testing.T) {
	l := New(Options{
		MinTime:     time.Microsecond,
		Reservoir:   1,
		RefillEvery: time.Hour,
	})

	ctx := context.Background()
	require.NoError(t, l.Do(ctx, "a", func(context.Context) error { return nil }))

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := l.Do(cctx, "b", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSetMinTime(t *testing.T) {
	l := New(fastOptions(nil))
	assert.Equal(t, time.Microsecond, l.MinTime())

	l.SetMinTime(750 * time.Millisecond)
	assert.Equal(t, 750*time.Millisecond, l.MinTime())

	l.SetMinTime(0)
	assert.Equal(t, 750*time.Millisecond, l.MinTime(), "non-positive values ignored")
}
