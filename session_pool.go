package otpfetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/puddle/v2"

	"github.com/javi11/otpfetch/pkg/mailstore"
)

// SessionPool owns a fixed number of long-lived message store sessions.
// Sessions that served too many requests are swapped for a freshly dialed
// one; sessions that fault are destroyed and replaced after a delay.
type SessionPool struct {
	log     Logger
	dialer  mailstore.Dialer
	config  Config
	metrics *fetchMetrics

	pool *puddle.Pool[*Session]
	// prewarmed hands sessions dialed outside puddle (retirement
	// replacements) to the next construction.
	prewarmed chan *Session

	closeChan    chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	isShutdown   atomic.Bool
}

// PooledSession is a session borrowed from the pool for one attempt. Exactly
// one of Release or Discard takes effect; later calls are no-ops.
type PooledSession struct {
	res      *puddle.Resource[*Session]
	session  *Session
	pool     *SessionPool
	returned atomic.Bool
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Size              int           `json:"size"`
	Total             int32         `json:"total"`
	Idle              int32         `json:"idle"`
	Acquired          int32         `json:"acquired"`
	Constructing      int32         `json:"constructing"`
	AcquireCount      int64         `json:"acquire_count"`
	EmptyAcquireCount int64         `json:"empty_acquire_count"`
	AcquireDuration   time.Duration `json:"acquire_duration_ns"`
	Created           int64         `json:"created"`
	Destroyed         int64         `json:"destroyed"`
	Retired           int64         `json:"retired"`
	Faulted           int64         `json:"faulted"`
}

// NewSessionPool builds the pool without dialing. Call Initialize to fill
// it eagerly.
func NewSessionPool(c Config, metrics *fetchMetrics) (*SessionPool, error) {
	if metrics == nil {
		metrics = newFetchMetrics()
	}

	p := &SessionPool{
		log:       c.Logger,
		dialer:    c.Dialer,
		config:    c,
		metrics:   metrics,
		prewarmed: make(chan *Session, c.PoolSize),
		closeChan: make(chan struct{}),
	}

	pool, err := puddle.NewPool(&puddle.Config[*Session]{
		Constructor: p.construct,
		Destructor:  p.destruct,
		MaxSize:     int32(c.PoolSize),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	p.pool = pool

	if c.HealthCheckInterval > 0 {
		p.wg.Add(1)
		go p.sessionHealthCheck(c.HealthCheckInterval)
	}

	return p, nil
}

// Initialize creates PoolSize sessions in parallel. Individual failures are
// logged and left to be created on demand. It fails only when every dial was
// rejected for bad credentials.
func (p *SessionPool) Initialize(ctx context.Context) error {
	g := multierror.Group{}

	for i := 0; i < p.config.PoolSize; i++ {
		g.Go(func() error {
			return p.pool.CreateResource(ctx)
		})
	}

	merr := g.Wait()
	if merr == nil || len(merr.Errors) == 0 {
		p.log.InfoContext(ctx, "session pool ready", "sessions", p.config.PoolSize)

		return nil
	}

	authFailures := 0
	for _, err := range merr.Errors {
		if IsAuthFault(err) {
			authFailures++
		}
	}

	if authFailures == p.config.PoolSize {
		return merr.Errors[0]
	}

	p.log.WarnContext(ctx, "some sessions could not be created, they will be created on demand",
		"failed", len(merr.Errors),
		"sessions", p.config.PoolSize,
		"error", merr.ErrorOrNil(),
	)

	return nil
}

// Acquire borrows a session, waiting at most AcquireTimeout for one to free up.
func (p *SessionPool) Acquire(ctx context.Context) (*PooledSession, error) {
	if p.isShutdown.Load() {
		return nil, ErrPoolClosed
	}

	actx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()

	start := time.Now()

	res, err := p.pool.Acquire(actx)
	if err != nil {
		switch {
		case errors.Is(err, puddle.ErrClosedPool):
			return nil, ErrPoolClosed
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			p.metrics.RecordPoolExhausted()

			return nil, fmt.Errorf("%w: waited %s", ErrPoolExhausted, time.Since(start).Round(time.Millisecond))
		default:
			return nil, storeError(err)
		}
	}

	s := res.Value()
	s.busy.Store(true)
	s.requestsServed.Add(1)

	return &PooledSession{res: res, session: s, pool: p}, nil
}

// Session returns the borrowed session. It stays valid after Release or
// Discard, but must no longer be used for store calls.
func (ps *PooledSession) Session() *Session {
	return ps.session
}

// Release returns the session. A session that reached MaxRequestsPerSession
// keeps serving while its replacement is dialed and is swapped out once the
// replacement is ready.
func (ps *PooledSession) Release() {
	if !ps.returned.CompareAndSwap(false, true) {
		return
	}

	p := ps.pool
	s := ps.session
	s.busy.Store(false)
	s.lastUsedAt.Store(time.Now().UnixNano())

	if p.isShutdown.Load() {
		ps.res.Release()

		return
	}

	if s.replacement.Load() != nil {
		p.swap(ps.res)

		return
	}

	if s.RequestsServed() >= int64(p.config.MaxRequestsPerSession) && s.retiring.CompareAndSwap(false, true) {
		ps.res.Release()
		go p.retire(s)

		return
	}

	ps.res.Release()
}

// Discard destroys a faulted session and schedules its replacement after
// SessionReplaceDelay.
func (ps *PooledSession) Discard(cause error) {
	if !ps.returned.CompareAndSwap(false, true) {
		return
	}

	p := ps.pool
	s := ps.session
	s.busy.Store(false)
	s.healthy.Store(false)

	p.metrics.RecordSessionFaulted()
	p.log.Warn("discarding faulted session",
		"session_id", s.ID(),
		"requests_served", s.RequestsServed(),
		"error", cause,
	)

	// A replacement dialed for retirement stands in for the faulted session.
	if r := s.replacement.Swap(nil); r != nil {
		p.park(r)
	}

	ps.res.Destroy()

	if p.isShutdown.Load() {
		return
	}

	time.AfterFunc(p.config.SessionReplaceDelay, func() {
		if p.isShutdown.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.config.AcquireTimeout)
		defer cancel()

		if err := p.pool.CreateResource(ctx); err != nil && !errors.Is(err, puddle.ErrNotAvailable) {
			p.log.Debug("replacement session could not be created, it will be created on demand", "error", err)
		}
	})
}

// retire dials a replacement for old while old stays in service. Once the
// replacement is ready old is swapped out as soon as it is idle: right away
// when it is, otherwise on its next Release or health sweep.
func (p *SessionPool) retire(old *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.AcquireTimeout)
	defer cancel()

	conn, err := p.dialer.Dial(ctx)
	if err != nil {
		p.log.Warn("could not dial replacement for retired session, keeping it",
			"session_id", old.ID(),
			"error", err,
		)

		// The session gets another full cycle before the next attempt.
		old.requestsServed.Store(0)
		old.retiring.Store(false)

		return
	}

	p.metrics.RecordSessionCreated()

	replacement := newSession(conn)

	if p.isShutdown.Load() || !old.healthy.Load() {
		p.park(replacement)

		return
	}

	old.replacement.Store(replacement)

	// old faulted while dialing; the pool takes the replacement instead.
	if !old.healthy.Load() {
		if r := old.replacement.Swap(nil); r != nil {
			p.park(r)
		}

		return
	}

	p.log.Debug("replacement ready for retiring session",
		"session_id", old.ID(),
		"replacement_id", replacement.ID(),
		"requests_served", old.RequestsServed(),
	)

	for _, res := range p.pool.AcquireAllIdle() {
		if res.Value() == old {
			p.swap(res)

			continue
		}

		res.ReleaseUnused()
	}
}

// swap takes the acquired res out of the pool, adds its replacement in the
// freed slot and only then closes the retired session.
func (p *SessionPool) swap(res *puddle.Resource[*Session]) {
	old := res.Value()

	replacement := old.replacement.Swap(nil)
	if replacement == nil {
		res.Release()

		return
	}

	res.Hijack()
	p.park(replacement)

	ctx, cancel := context.WithTimeout(context.Background(), p.config.AcquireTimeout)
	defer cancel()

	// ErrNotAvailable means a waiting Acquire took the freed slot; it
	// constructs from the parked replacement.
	if err := p.pool.CreateResource(ctx); err != nil && !errors.Is(err, puddle.ErrNotAvailable) {
		p.log.Debug("replacement session not added to the pool", "error", err)
	}

	p.metrics.RecordSessionRetired()
	p.log.Debug("retired session",
		"session_id", old.ID(),
		"replacement_id", replacement.ID(),
		"requests_served", old.RequestsServed(),
	)

	p.destruct(old)

	if p.isShutdown.Load() {
		p.drainPrewarmed()
	}
}

// park hands a dialed session to the next construction, closing it when the
// pool is closed or already has enough parked.
func (p *SessionPool) park(s *Session) {
	if p.isShutdown.Load() {
		p.destruct(s)

		return
	}

	select {
	case p.prewarmed <- s:
	default:
		p.destruct(s)
	}
}

func (p *SessionPool) construct(ctx context.Context) (*Session, error) {
	select {
	case s := <-p.prewarmed:
		return s, nil
	default:
	}

	conn, err := p.dialer.Dial(ctx)
	if err != nil {
		return nil, storeError(err)
	}

	p.metrics.RecordSessionCreated()

	s := newSession(conn)
	p.log.Debug("session created", "session_id", s.ID())

	return s, nil
}

func (p *SessionPool) destruct(s *Session) {
	s.healthy.Store(false)
	_ = s.conn.Close()

	if r := s.replacement.Swap(nil); r != nil {
		p.destruct(r)
	}

	p.metrics.RecordSessionDestroyed()
	p.log.Debug("session closed", "session_id", s.ID(), "requests_served", s.RequestsServed())
}

func (p *SessionPool) sessionHealthCheck(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-p.closeChan:
			return
		case <-ticker.C:
			checkCtx, checkCancel := context.WithTimeout(ctx, interval/2)
			p.checkHealth(checkCtx)
			checkCancel()
		}
	}
}

func (p *SessionPool) checkHealth(ctx context.Context) {
	p.checkSessionsHealth(ctx)

	if err := p.checkMinSessions(ctx); err != nil {
		p.log.Debug("failed to top up session pool", "error", err)
	}
}

// checkSessionsHealth swaps in pending replacements, pings sessions idle
// longer than SessionMaxIdle and destroys the ones that fail.
func (p *SessionPool) checkSessionsHealth(ctx context.Context) bool {
	var destroyed bool

	for _, res := range p.pool.AcquireAllIdle() {
		if res.Value().replacement.Load() == nil && res.IdleDuration() <= p.config.SessionMaxIdle {
			res.ReleaseUnused()

			continue
		}

		s := res.Value()
		if s.replacement.Load() != nil {
			p.swap(res)

			continue
		}

		if err := s.conn.Noop(ctx); err != nil {
			p.log.Debug("idle session failed health check", "session_id", s.ID(), "error", err)
			s.healthy.Store(false)
			res.Destroy()

			destroyed = true

			continue
		}

		res.ReleaseUnused()
	}

	return destroyed
}

func (p *SessionPool) checkMinSessions(ctx context.Context) error {
	toCreate := p.config.PoolSize - int(p.pool.Stat().TotalResources())

	for i := 0; i < toCreate; i++ {
		if err := p.pool.CreateResource(ctx); err != nil {
			if errors.Is(err, puddle.ErrNotAvailable) {
				return nil
			}

			return err
		}
	}

	return nil
}

func (p *SessionPool) Stats() PoolStats {
	stat := p.pool.Stat()
	m := p.metrics

	return PoolStats{
		Size:              p.config.PoolSize,
		Total:             stat.TotalResources(),
		Idle:              stat.IdleResources(),
		Acquired:          stat.AcquiredResources(),
		Constructing:      stat.ConstructingResources(),
		AcquireCount:      stat.AcquireCount(),
		EmptyAcquireCount: stat.EmptyAcquireCount(),
		AcquireDuration:   stat.AcquireDuration(),
		Created:           m.sessionsCreated.Load(),
		Destroyed:         m.sessionsDestroyed.Load(),
		Retired:           m.sessionsRetired.Load(),
		Faulted:           m.sessionsFaulted.Load(),
	}
}

// Shutdown closes every session and stops background work. Sessions still
// borrowed are closed when returned. Safe to call more than once.
func (p *SessionPool) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.isShutdown.Store(true)
		close(p.closeChan)

		done := make(chan struct{})
		go func() {
			defer close(done)

			p.wg.Wait()
			p.pool.Close()
			p.drainPrewarmed()
		}()

		select {
		case <-done:
		case <-time.After(p.config.ShutdownTimeout):
			p.log.Warn("session pool shutdown timeout exceeded, borrowed sessions will close on release")
		}
	})
}

func (p *SessionPool) drainPrewarmed() {
	for {
		select {
		case s := <-p.prewarmed:
			_ = s.conn.Close()
			p.metrics.RecordSessionDestroyed()
		default:
			return
		}
	}
}
