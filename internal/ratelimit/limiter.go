// Package ratelimit schedules outbound API calls against the appview's
// published ceiling (3000 requests per 5 minutes) with a safety margin.
//
// Two mechanisms combine: a pacer enforcing a minimum gap between job
// starts, and a token reservoir refilled on a fixed interval. Failed jobs
// are retried per-id with capped exponential backoff, except when the
// server advertises an explicit reset time, which is honored as-is.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMinTime is the baseline gap between job starts. The firehose
	// driver raises it when the event rate spikes.
	DefaultMinTime = 110 * time.Millisecond

	// DefaultReservoir leaves a 100-token margin under the upstream
	// 3000-per-5-minutes ceiling.
	DefaultReservoir = 2900

	// DefaultRefillEvery matches the upstream rate-limit window.
	DefaultRefillEvery = 5 * time.Minute

	// backoffSeed is the first retry delay; each subsequent delay is
	// prev * (retries+1)^1.5, giving 250, 707, 3674, 29393, 328633 ms.
	backoffSeed = 250 * time.Millisecond

	maxRetries = 5
)

// Outcome tells the limiter how to treat a failed job.
type Outcome struct {
	// RetryAfter, when positive, is a server-directed delay (a 429 with an
	// exhausted window and a reset header). The job is rescheduled after
	// the delay without escalating its backoff.
	RetryAfter time.Duration

	// Retry marks a transient failure to be retried with backoff.
	Retry bool
}

// Classifier inspects a job error and decides the retry treatment. A nil
// classifier, or a zero Outcome, drops the job.
type Classifier func(error) Outcome

// Options configures a Limiter.
type Options struct {
	MinTime     time.Duration
	Reservoir   int
	RefillEvery time.Duration
	Classify    Classifier
}

// DefaultOptions returns the production schedule.
func DefaultOptions() Options {
	return Options{
		MinTime:     DefaultMinTime,
		Reservoir:   DefaultReservoir,
		RefillEvery: DefaultRefillEvery,
	}
}

type backoffState struct {
	retries int
	delay   time.Duration
}

// Limiter is a process-wide scheduler for outbound API calls.
type Limiter struct {
	pacer    *rate.Limiter
	classify Classifier

	mu       sync.Mutex
	minTime  time.Duration
	tokens   int
	capacity int
	refillAt time.Time
	refill   time.Duration
	backoff  map[string]*backoffState
}

// New creates a limiter. Zero option fields take defaults.
func New(opts Options) *Limiter {
	if opts.MinTime == 0 {
		opts.MinTime = DefaultMinTime
	}
	if opts.Reservoir == 0 {
		opts.Reservoir = DefaultReservoir
	}
	if opts.RefillEvery == 0 {
		opts.RefillEvery = DefaultRefillEvery
	}
	return &Limiter{
		pacer:    rate.NewLimiter(rate.Every(opts.MinTime), 1),
		classify: opts.Classify,
		minTime:  opts.MinTime,
		capacity: opts.Reservoir,
		refill:   opts.RefillEvery,
		backoff:  make(map[string]*backoffState),
	}
}

// SetMinTime retunes the gap between job starts. Used by the firehose
// driver's adaptive throttle.
func (l *Limiter) SetMinTime(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	changed := l.minTime != d
	l.minTime = d
	l.mu.Unlock()
	if changed {
		l.pacer.SetLimit(rate.Every(d))
	}
}

// MinTime returns the current gap between job starts.
func (l *Limiter) MinTime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.minTime
}

// Do runs fn under the schedule. Jobs with the same id share backoff state.
// The returned error is fn's error once retries are exhausted, or the
// context's error if it was cancelled while waiting.
func (l *Limiter) Do(ctx context.Context, id string, fn func(context.Context) error) error {
	for {
		if err := l.acquire(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			l.clearBackoff(id)
			return nil
		}

		var out Outcome
		if l.classify != nil {
			out = l.classify(err)
		}

		switch {
		case out.RetryAfter > 0:
			if serr := sleepCtx(ctx, out.RetryAfter); serr != nil {
				return serr
			}

		case out.Retry:
			delay, ok := l.nextBackoff(id)
			if !ok {
				return err
			}
			if serr := sleepCtx(ctx, delay); serr != nil {
				return serr
			}

		default:
			l.clearBackoff(id)
			return err
		}
	}
}

// acquire waits for the pacer and then for a reservoir token.
func (l *Limiter) acquire(ctx context.Context) error {
	if err := l.pacer.Wait(ctx); err != nil {
		return err
	}
	for {
		l.mu.Lock()
		now := time.Now()
		if !now.Before(l.refillAt) {
			l.tokens = l.capacity
			l.refillAt = now.Add(l.refill)
		}
		if l.tokens > 0 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		wait := time.Until(l.refillAt)
		l.mu.Unlock()

		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// nextBackoff advances the backoff state for id and returns the delay to
// wait before the next attempt. ok is false once retries are exhausted,
// which also clears the state.
func (l *Limiter) nextBackoff(id string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.backoff[id]
	if st == nil {
		st = &backoffState{delay: backoffSeed}
		l.backoff[id] = st
	}
	st.retries++
	if st.retries > maxRetries {
		delete(l.backoff, id)
		return 0, false
	}
	delay := st.delay
	st.delay = time.Duration(float64(st.delay) * math.Pow(float64(st.retries+1), 1.5))
	return delay, true
}

func (l *Limiter) clearBackoff(id string) {
	l.mu.Lock()
	delete(l.backoff, id)
	l.mu.Unlock()
}

// Tokens returns the current reservoir level, for metrics.
func (l *Limiter) Tokens() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
