package otpfetch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/otpfetch/pkg/mailstore"
	"github.com/javi11/otpfetch/testutil"
)

func newTestPool(t *testing.T, store *testutil.MemStore, opts ...func(*Config)) *SessionPool {
	t.Helper()

	p, err := NewSessionPool(testConfig(store, opts...), nil)
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)

	require.NoError(t, p.Initialize(context.Background()))

	return p
}

func TestSessionPool_Initialize(t *testing.T) {
	store := testutil.NewMemStore(inbox)
	p := newTestPool(t, store, func(c *Config) { c.PoolSize = 3 })

	stats := p.Stats()
	assert.Equal(t, int64(3), store.Dials())
	assert.Equal(t, int32(3), stats.Total)
	assert.Equal(t, int32(3), stats.Idle)
	assert.Equal(t, int64(3), stats.Created)
}

func TestSessionPool_InitializeAuthRejected(t *testing.T) {
	store := testutil.NewMemStore(inbox)
	store.SetDialError(fmt.Errorf("%w: invalid credentials", mailstore.ErrAuthRejected))

	p, err := NewSessionPool(testConfig(store), nil)
	require.NoError(t, err)
	defer p.Shutdown()

	err = p.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthFault(err))
}

func TestSessionPool_InitializePartialFailure(t *testing.T) {
	store := testutil.NewMemStore(inbox)
	store.SetDialError(errors.New("connection refused"))

	p, err := NewSessionPool(testConfig(store), nil)
	require.NoError(t, err)
	defer p.Shutdown()

	// Transient dial failures leave the pool to fill on demand.
	require.NoError(t, p.Initialize(context.Background()))
	assert.Equal(t, int32(0), p.Stats().Total)

	store.SetDialError(nil)

	ps, err := p.Acquire(context.Background())
	require.NoError(t, err)
	ps.Release()
}

func TestSessionPool_AcquireBlocksAtCapacity(t *testing.T) {
	store := testutil.NewMemStore(inbox)
	p := newTestPool(t, store, func(c *Config) {
		c.PoolSize = 2
		c.AcquireTimeout = 2 * time.Second
	})

	ctx := context.Background()

	first, err := p.Acquire(ctx)
	require.NoError(t, err)
	second, err := p.Acquire(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, first.Session().ID(), second.Session().ID())
	assert.Equal(t, int32(2), p.Stats().Acquired)

	acquired := make(chan *PooledSession, 1)
	go func() {
		ps, err := p.Acquire(ctx)
		if err == nil {
			acquired <- ps
		}
	}()

	select {
	case <-acquired:
		t.Fatal("third acquire should block while both sessions are borrowed")
	case <-time.After(100 * time.Millisecond):
	}

	released := first.Session().ID()
	first.Release()

	select {
	case ps := <-acquired:
		assert.Equal(t, released, ps.Session().ID())
		ps.Release()
	case <-time.After(time.Second):
		t.Fatal("third acquire did not get the released session")
	}

	second.Release()

	// No extra sessions were dialed.
	assert.Equal(t, int64(2), store.Dials())
}

func TestSessionPool_AcquireTimeout(t *testing.T) {
	store := testutil.NewMemStore(inbox)
	p := newTestPool(t, store, func(c *Config) {
		c.PoolSize = 1
		c.AcquireTimeout = 50 * time.Millisecond
	})

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = p.Acquire(context.Background())

	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int64(1), p.metrics.poolExhausted.Load())
}

func TestSessionPool_AcquireCallerCancelled(t *testing.T) {
	store := testutil.NewMemStore(inbox)
	p := newTestPool(t, store, func(c *Config) { c.PoolSize = 1 })

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrPoolExhausted)
}

func TestSessionPool_ReleaseIsIdempotent(t *testing.T) {
	store := testutil.NewMemStore(inbox)
	p := newTestPool(t, store, func(c *Config) { c.PoolSize = 1 })

	ps, err := p.Acquire(context.Background())
	require.NoError(t, err)

	assert.True(t, ps.Session().Busy())

	ps.Release()
	ps.Release()
	ps.Discard(errors.New("late"))

	assert.NotPanics(t, func() { ps.Session().ID() })
	assert.False(t, ps.Session().Busy())
	assert.Equal(t, int32(1), p.Stats().Idle)
	assert.Equal(t, int64(0), p.Stats().Faulted)
}

func TestSessionPool_SessionAfterDiscard(t *testing.T) {
	store := testutil.NewMemStore(inbox)
	p := newTestPool(t, store, func(c *Config) { c.PoolSize = 1 })

	ps, err := p.Acquire(context.Background())
	require.NoError(t, err)

	id := ps.Session().ID()
	ps.Discard(fmt.Errorf("%w: reset by peer", ErrSessionFault))

	require.NotPanics(t, func() { ps.Session().ID() })
	assert.Equal(t, id, ps.Session().ID())
	assert.False(t, ps.Session().Healthy())
}

func TestSessionPool_RetireAfterMaxRequests(t *testing.T) {
	store := testutil.NewMemStore(inbox)
	p := newTestPool(t, store, func(c *Config) {
		c.PoolSize = 1
		c.MaxRequestsPerSession = 2
	})

	ctx := context.Background()

	var retiredID string

	for i := 0; i < 2; i++ {
		ps, err := p.Acquire(ctx)
		require.NoError(t, err)

		retiredID = ps.Session().ID()
		ps.Release()
	}

	assert.Eventually(t, func() bool {
		s := p.Stats()
		return s.Retired == 1 && s.Total == 1 && s.Idle == 1 && store.Closes() == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(2), store.Dials())

	ps, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer ps.Release()

	assert.NotEqual(t, retiredID, ps.Session().ID())
	assert.Equal(t, int64(1), ps.Session().RequestsServed())
}

func TestSessionPool_RetireSwapsReplacementIntoPool(t *testing.T) {
	store := testutil.NewMemStore(inbox)
	p := newTestPool(t, store, func(c *Config) {
		c.PoolSize = 1
		c.MaxRequestsPerSession = 1
	})

	ctx := context.Background()

	ps, err := p.Acquire(ctx)
	require.NoError(t, err)

	retired := ps.Session()
	ps.Release()

	assert.Eventually(t, func() bool {
		s := p.Stats()
		return s.Retired == 1 && s.Total == 1 && s.Idle == 1 &&
			store.Dials() == 2 && store.Closes() == 1 && store.OpenConns() == 1
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, p.prewarmed)
	assert.False(t, retired.Healthy())

	// The replacement is already idle in the pool, so acquiring it does not
	// construct.
	empty := p.Stats().EmptyAcquireCount

	ps, err = p.Acquire(ctx)
	require.NoError(t, err)
	defer ps.Release()

	assert.NotEqual(t, retired.ID(), ps.Session().ID())
	assert.Equal(t, empty, p.Stats().EmptyAcquireCount)
	assert.Equal(t, int64(2), store.Dials())
}

func TestSessionPool_RetiringSessionServesWhileReplacementDials(t *testing.T) {
	store := testutil.NewMemStore(inbox)
	p := newTestPool(t, store, func(c *Config) {
		c.PoolSize = 1
		c.MaxRequestsPerSession = 1
		c.AcquireTimeout = 2 * time.Second
	})

	ctx := context.Background()
	store.SetDialDelay(150 * time.Millisecond)

	ps, err := p.Acquire(ctx)
	require.NoError(t, err)

	retiring := ps.Session()
	ps.Release()

	// The pool is not one session short while the replacement dials.
	start := time.Now()
	ps, err = p.Acquire(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, retiring.ID(), ps.Session().ID())

	// Still borrowed when the replacement is ready: the swap happens on release.
	assert.Eventually(t, func() bool {
		return retiring.replacement.Load() != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), p.Stats().Retired)

	ps.Release()

	s := p.Stats()
	assert.Equal(t, int64(1), s.Retired)
	assert.Equal(t, int32(1), s.Total)
	assert.Equal(t, int32(1), s.Idle)
	assert.Equal(t, int64(1), store.Closes())

	ps, err = p.Acquire(ctx)
	require.NoError(t, err)
	defer ps.Release()

	assert.NotEqual(t, retiring.ID(), ps.Session().ID())
}

func TestSessionPool_RetireKeepsSessionWhenDialFails(t *testing.T) {
	store := testutil.NewMemStore(inbox)
	p := newTestPool(t, store, func(c *Config) {
		c.PoolSize = 1
		c.MaxRequestsPerSession = 1
	})

	store.SetDialError(errors.New("connection refused"))

	ps, err := p.Acquire(context.Background())
	require.NoError(t, err)

	retiring := ps.Session()
	id := retiring.ID()
	ps.Release()

	// The failed dial resets the session for another full cycle.
	assert.Eventually(t, func() bool {
		return retiring.RequestsServed() == 0 && !retiring.retiring.Load()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), p.Stats().Idle)

	ps, err = p.Acquire(context.Background())
	require.NoError(t, err)
	defer ps.Release()

	assert.Equal(t, id, ps.Session().ID())
	assert.Equal(t, int64(1), ps.Session().RequestsServed())
	assert.Equal(t, int64(0), store.Closes())
}

func TestSessionPool_DiscardReplacesSession(t *testing.T) {
	store := testutil.NewMemStore(inbox)
	p := newTestPool(t, store, func(c *Config) {
		c.PoolSize = 1
		c.SessionReplaceDelay = 20 * time.Millisecond
	})

	ps, err := p.Acquire(context.Background())
	require.NoError(t, err)

	faulted := ps.Session()
	ps.Discard(fmt.Errorf("%w: reset by peer", ErrSessionFault))

	assert.False(t, faulted.Healthy())

	assert.Eventually(t, func() bool {
		s := p.Stats()
		return s.Total == 1 && s.Idle == 1 && store.Dials() == 2 && store.Closes() == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(1), p.Stats().Faulted)

	ps, err = p.Acquire(context.Background())
	require.NoError(t, err)
	defer ps.Release()

	assert.NotEqual(t, faulted.ID(), ps.Session().ID())
}

func TestSessionPool_HealthCheckDestroysBrokenIdleSession(t *testing.T) {
	store := testutil.NewMemStore(inbox)
	p := newTestPool(t, store, func(c *Config) {
		c.PoolSize = 2
		c.HealthCheckInterval = 20 * time.Millisecond
		c.SessionMaxIdle = time.Millisecond
	})

	ctx := context.Background()

	first, err := p.Acquire(ctx)
	require.NoError(t, err)
	second, err := p.Acquire(ctx)
	require.NoError(t, err)

	conn, ok := first.Session().Conn().(*testutil.MemConn)
	require.True(t, ok)
	conn.Break()

	first.Release()
	second.Release()

	assert.Eventually(t, func() bool {
		return store.Closes() >= 1 && store.Dials() >= 3 && p.Stats().Total == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionPool_Shutdown(t *testing.T) {
	store := testutil.NewMemStore(inbox)

	p, err := NewSessionPool(testConfig(store, func(c *Config) {
		c.PoolSize = 3
		c.HealthCheckInterval = 10 * time.Millisecond
	}), nil)
	require.NoError(t, err)
	require.NoError(t, p.Initialize(context.Background()))

	start := time.Now()
	p.Shutdown()
	assert.Less(t, time.Since(start), time.Second)

	assert.Eventually(t, func() bool {
		return store.OpenConns() == 0
	}, time.Second, 5*time.Millisecond)

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)

	// Double shutdown is safe.
	p.Shutdown()
}
