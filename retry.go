package otpfetch

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/avast/retry-go/v4"
)

// Delay returns the wait before retry n (n starts at 1), without jitter.
// Exponential delays never decrease and never exceed MaxDelay.
func (p RetryPolicy) Delay(n uint) time.Duration {
	if n == 0 {
		n = 1
	}

	var d time.Duration

	switch p.DelayType {
	case DelayTypeExponential:
		f := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(n-1))
		if f >= float64(p.MaxDelay) || math.IsInf(f, 1) {
			return p.MaxDelay
		}
		d = time.Duration(f)
	case DelayTypeRandom:
		// Uniform in [InitialDelay/2, InitialDelay*3/2).
		half := int64(p.InitialDelay / 2)
		d = time.Duration(half)
		if p.InitialDelay > 0 {
			d += time.Duration(rand.Int64N(int64(p.InitialDelay)))
		}
	default:
		d = p.InitialDelay
	}

	return min(d, p.MaxDelay)
}

type retryController struct {
	policy  RetryPolicy
	log     Logger
	metrics *fetchMetrics
}

func newRetryController(policy RetryPolicy, log Logger, metrics *fetchMetrics) *retryController {
	return &retryController{policy: policy, log: log, metrics: metrics}
}

// backoff is the delay state of one Do call. Jitter is added to each step
// and the result is clamped to MaxDelay, then raised to the previous wait so
// the sequence never decreases.
type backoff struct {
	policy RetryPolicy
	prev   time.Duration
}

// next adapts the policy to retry-go, which numbers the waits from 1.
func (b *backoff) next(n uint, _ error, _ *retry.Config) time.Duration {
	d := b.policy.Delay(n)

	if b.policy.MaxJitter > 0 {
		d += time.Duration(rand.Int64N(int64(b.policy.MaxJitter)))
	}

	d = max(min(d, b.policy.MaxDelay), b.prev)
	b.prev = d

	return d
}

// Do runs op until it succeeds, returns a non-retryable error, MaxAttempts is
// reached or MaxElapsed has passed. It returns the number of attempts made
// and the last error.
func (r *retryController) Do(
	ctx context.Context,
	target, kind string,
	op func(ctx context.Context, attempt uint) error,
) (uint, error) {
	var (
		attempts uint
		lastErr  error
	)

	start := time.Now()
	b := &backoff{policy: r.policy}

	err := retry.Do(func() error {
		attempts++
		r.metrics.RecordAttempt()

		lastErr = op(ctx, attempts)

		return lastErr
	},
		retry.Context(ctx),
		retry.Attempts(max(r.policy.MaxAttempts, 1)),
		retry.DelayType(b.next),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if !IsRetryable(err) {
				return false
			}

			return r.policy.MaxElapsed <= 0 || time.Since(start) < r.policy.MaxElapsed
		}),
		retry.OnRetry(func(n uint, err error) {
			// retry-go calls this after the final attempt too.
			if n+1 >= r.policy.MaxAttempts {
				return
			}

			r.metrics.RecordRetry()
			r.log.DebugContext(ctx,
				"retrying fetch",
				"target", target,
				"kind", kind,
				"attempt", n+1,
				"error", err,
			)
		}),
	)

	// The budget can run out while waiting between attempts; the outcome is
	// still that of the last attempt.
	if err != nil && ctx.Err() != nil && lastErr != nil && err == ctx.Err() {
		return attempts, lastErr
	}

	return attempts, err
}
