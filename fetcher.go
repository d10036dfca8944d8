// Package otpfetch fetches short-lived verification artifacts (one-time codes
// and single-use links) from a mailbox for many concurrent callers.
//
// A Fetcher composes a pool of long-lived message store sessions, a TTL
// result cache, a bounded FIFO admission queue and a jittered retry loop.
// Each attempt searches every configured mailbox partition in parallel on one
// borrowed session and keeps the most recent matching message.
package otpfetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/javi11/otpfetch/internal/cache"
	"github.com/javi11/otpfetch/internal/queue"
)

var _ Fetcher = (*fetcher)(nil)

type fetcher struct {
	config  Config
	log     Logger
	pool    *SessionPool
	cache   *cache.Cache[cacheKey, *Result]
	queue   *queue.Queue
	retry   *retryController
	group   singleflight.Group
	tracing *tracing
	metrics *fetchMetrics

	shutdownOnce sync.Once
	isShutdown   atomic.Bool
}

type request struct {
	key    cacheKey
	target string
	kind   string
	config KindConfig
}

// NewFetcher validates the configuration, fills the session pool and
// starts its health sweep.
func NewFetcher(c ...Config) (Fetcher, error) {
	config := mergeWithDefault(c...)
	if err := config.validate(); err != nil {
		return nil, err
	}

	log := config.Logger
	metrics := newFetchMetrics()

	pool, err := NewSessionPool(config, metrics)
	if err != nil {
		return nil, err
	}

	if !config.SkipWarmup {
		ctx, cancel := context.WithTimeout(context.Background(), config.AcquireTimeout)
		err := pool.Initialize(ctx)
		cancel()

		if err != nil {
			pool.Shutdown()
			log.Error("failed to initialize session pool", "error", err)

			return nil, err
		}
	}

	return &fetcher{
		config: config,
		log:    log,
		pool:   pool,
		cache:  cache.New[cacheKey, *Result](config.CacheTTL, config.CacheCapacity),
		queue: queue.New(queue.Config{
			MaxConcurrent: config.MaxConcurrent,
			MaxQueueSize:  config.MaxQueueSize,
			QueueTimeout:  config.QueueTimeout,
		}),
		retry:   newRetryController(config.Retry, log, metrics),
		tracing: newTracing(config.TracerProvider),
		metrics: metrics,
	}, nil
}

func (f *fetcher) Fetch(ctx context.Context, target, kind string) (res *Result, err error) {
	if f.isShutdown.Load() {
		return nil, ErrFetcherClosed
	}

	req, err := f.newRequest(target, kind)
	if err != nil {
		return nil, err
	}

	ctx, endSpan := f.tracing.startSpan(ctx, "otpfetch.fetch",
		attribute.String("otpfetch.target", req.target),
		attribute.String("otpfetch.kind", req.kind),
	)
	defer func() { endSpan(err) }()

	start := time.Now()
	f.metrics.RecordRequest()

	if cached, ok := f.cache.Get(req.key); ok {
		f.metrics.RecordCacheHit()
		annotate(ctx, attribute.Bool("otpfetch.cache_hit", true))

		out := *cached
		out.FromCache = true

		return &out, nil
	}

	f.metrics.RecordCacheMiss()

	// The shared search runs detached from any single caller; its own
	// budget bounds it.
	shared := context.WithoutCancel(ctx)

	var leader bool

	ch := f.group.DoChan(req.key.String(), func() (any, error) {
		leader = true

		return f.fetchShared(shared, req)
	})

	select {
	case <-ctx.Done():
		f.metrics.RecordError()

		return nil, ctx.Err()
	case r := <-ch:
		if r.Shared && !leader {
			f.metrics.RecordCoalesced()
		}

		if r.Err != nil {
			f.metrics.RecordError()

			return nil, r.Err
		}

		found, _ := r.Val.(*Result)
		if found == nil {
			f.metrics.RecordNotFound()

			return nil, nil
		}

		f.metrics.RecordSuccess(time.Since(start))
		annotate(ctx, attribute.String("otpfetch.partition", found.Partition))

		out := *found

		return &out, nil
	}
}

func (f *fetcher) newRequest(target, kind string) (request, error) {
	target = strings.ToLower(strings.TrimSpace(target))
	if target == "" {
		return request{}, fmt.Errorf("%w: empty target", ErrInvalidConfig)
	}

	kc, ok := f.config.Kinds[kind]
	if !ok {
		return request{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	return request{
		key: cacheKey{
			target:   target,
			kind:     kind,
			sender:   strings.ToLower(kc.Sender),
			artifact: kc.Artifact,
		},
		target: target,
		kind:   kind,
		config: kc,
	}, nil
}

// fetchShared admits the retrying search to the queue. Queue rejections are
// surfaced without spending any attempt.
func (f *fetcher) fetchShared(ctx context.Context, req request) (*Result, error) {
	var found *Result

	h, err := f.queue.Enqueue(ctx, func(ctx context.Context) error {
		r, err := f.fetchWithRetry(ctx, req)
		found = r

		return err
	})
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return nil, ErrFetcherClosed
		}

		return nil, f.admissionError(ctx, req, err)
	}

	if err := h.Wait(ctx); err != nil {
		if errors.Is(err, ErrQueueTimeout) {
			return nil, f.admissionError(ctx, req, err)
		}

		if errors.Is(err, queue.ErrClosed) {
			return nil, ErrFetcherClosed
		}

		return nil, err
	}

	return found, nil
}

func (f *fetcher) admissionError(ctx context.Context, req request, err error) error {
	f.metrics.RecordQueueRejected()
	f.log.WarnContext(ctx, "request rejected by queue",
		"target", req.target,
		"kind", req.kind,
		"error", err,
	)

	return &FetchError{Target: req.target, Kind: req.kind, Err: err}
}

func (f *fetcher) fetchWithRetry(ctx context.Context, req request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, f.config.Retry.MaxElapsed)
	defer cancel()

	start := time.Now()

	var found *Result

	attempts, err := f.retry.Do(ctx, req.target, req.kind, func(ctx context.Context, attempt uint) error {
		r, err := f.attempt(ctx, req, attempt)
		if err != nil {
			return err
		}

		if r == nil {
			return errNoArtifact
		}

		found = r

		return nil
	})

	if found != nil {
		found.Attempts = attempts
		found.Duration = time.Since(start)
		f.cache.Set(req.key, found)

		f.log.DebugContext(ctx, "artifact found",
			"target", req.target,
			"kind", req.kind,
			"partition", found.Partition,
			"attempt", attempts,
		)

		return found, nil
	}

	switch {
	case err == nil, errors.Is(err, errNoArtifact):
		f.log.DebugContext(ctx, "no artifact found", "target", req.target, "kind", req.kind, "attempt", attempts)

		return nil, nil
	// The retry budget expired mid-attempt.
	case errors.Is(err, context.DeadlineExceeded):
		f.log.DebugContext(ctx, "retry budget exhausted", "target", req.target, "kind", req.kind, "attempt", attempts)

		return nil, nil
	}

	f.log.WarnContext(ctx, "fetch failed",
		"target", req.target,
		"kind", req.kind,
		"attempt", attempts,
		"error", err,
	)

	return nil, &FetchError{Target: req.target, Kind: req.kind, Attempts: attempts, Err: err}
}

// attempt is one acquire, search, release cycle. The session is released on
// every path; session faults and search timeouts discard it instead.
func (f *fetcher) attempt(ctx context.Context, req request, attempt uint) (res *Result, err error) {
	ctx, endSpan := f.tracing.startSpan(ctx, "otpfetch.attempt",
		attribute.Int("otpfetch.attempt", int(attempt)),
	)
	defer func() { endSpan(err) }()

	ps, err := f.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrPoolExhausted) {
			f.log.WarnContext(ctx, "no session available",
				"target", req.target,
				"kind", req.kind,
				"attempt", attempt,
				"error", err,
			)
		}

		return nil, err
	}

	var sessionErr error

	defer func() {
		if sessionErr != nil {
			ps.Discard(sessionErr)
		} else {
			ps.Release()
		}
	}()

	sctx, cancel := context.WithTimeout(ctx, f.config.SearchTimeout)
	defer cancel()

	res, err = f.searchPartitions(sctx, ps.Session(), req)

	switch {
	case errors.Is(err, ErrSessionFault):
		sessionErr = err
		f.log.WarnContext(ctx, "session fault during search",
			"target", req.target,
			"attempt", attempt,
			"session_id", ps.Session().ID(),
			"error", err,
		)
	case err != nil && errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		// A command may still be in flight on the connection.
		err = fmt.Errorf("%w: search timed out after %s", ErrSearchFault, f.config.SearchTimeout)
		sessionErr = err
	}

	if res != nil {
		return res, nil
	}

	return nil, err
}

func (f *fetcher) Metrics() MetricsSnapshot {
	return f.metrics.snapshot(f.pool.Stats(), f.queue.Stats(), f.cache.Stats())
}

// Shutdown is idempotent. Requests already admitted may still complete.
func (f *fetcher) Shutdown() {
	f.shutdownOnce.Do(func() {
		f.isShutdown.Store(true)
		f.queue.Close()
		f.pool.Shutdown()
		f.cache.Clear()
		f.log.Info("fetcher shut down")
	})
}
