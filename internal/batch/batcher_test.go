package batch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushOnMaxSize(t *testing.T) {
	var mu sync.Mutex
	var batches [][]string

	b := New(3, time.Hour, func(_ context.Context, keys []string) (map[string]int, error) {
		mu.Lock()
		batches = append(batches, append([]string(nil), keys...))
		mu.Unlock()
		out := make(map[string]int, len(keys))
		for i, k := range keys {
			out[k] = i + 1
		}
		return out, nil
	})

	var wg sync.WaitGroup
	results := make(map[string]int)
	var rmu sync.Mutex
	for _, k := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := b.Add(context.Background(), k)
			require.NoError(t, err)
			rmu.Lock()
			results[k] = v
			rmu.Unlock()
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 1, "one flush despite an hour-long window")
	got := append([]string(nil), batches[0]...)
	sort.Strings(got)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Len(t, results, 3)
}

func TestFlushOnWindowTimer(t *testing.T) {
	b := New(25, 20*time.Millisecond, func(_ context.Context, keys []string) (map[string]string, error) {
		out := make(map[string]string)
		for _, k := range keys {
			out[k] = "v:" + k
		}
		return out, nil
	})

	start := time.Now()
	v, err := b.Add(context.Background(), "solo")
	require.NoError(t, err)
	assert.Equal(t, "v:solo", v)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond, "flush waits for the window")
}

func TestProcessErrorRejectsAllWaiters(t *testing.T) {
	boom := errors.New("upstream down")
	b := New(2, time.Hour, func(context.Context, []string) (map[string]string, error) {
		return nil, boom
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, k := range []string{"x", "y"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = b.Add(context.Background(), k)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
}

func TestMissingKeyResolvesZero(t *testing.T) {
	b := New(1, time.Hour, func(context.Context, []string) (map[string]*string, error) {
		return map[string]*string{}, nil
	})

	v, err := b.Add(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, v, "keys missing from the result map are soft misses")
}

func TestDuplicateKeyAttaches(t *testing.T) {
	var calls int
	var mu sync.Mutex
	release := make(chan struct{})

	b := New(2, time.Hour, func(_ context.Context, keys []string) (map[string]int, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return map[string]int{"same": 7}, nil
	})

	var wg sync.WaitGroup
	vals := make([]int, 2)
	for i := range vals {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-release
			vals[i], _ = b.Add(context.Background(), "same")
		}()
	}
	close(release)

	// Two waiters on the same key fill only one batch slot, so the size-2
	// batcher is still waiting; flush manually once both are attached.
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.waiters["same"]) == 2
	}, time.Second, time.Millisecond)
	b.Flush()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Equal(t, []int{7, 7}, vals)
}

func TestAddCancelledContext(t *testing.T) {
	b := New(25, time.Hour, func(context.Context, []string) (map[string]int, error) {
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Add(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}
