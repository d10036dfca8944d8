package otpfetch

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/javi11/otpfetch/pkg/mailstore"
)

// Session is a long-lived authenticated connection owned by the SessionPool.
type Session struct {
	id        string
	conn      mailstore.Conn
	createdAt time.Time

	busy           atomic.Bool
	healthy        atomic.Bool
	requestsServed atomic.Int64
	lastUsedAt     atomic.Int64 // unix nanoseconds

	// retiring is set while a replacement is dialed; replacement holds it
	// once ready until the swap.
	retiring    atomic.Bool
	replacement atomic.Pointer[Session]
}

func newSession(conn mailstore.Conn) *Session {
	now := time.Now()

	s := &Session{
		id:        uuid.NewString(),
		conn:      conn,
		createdAt: now,
	}
	s.healthy.Store(true)
	s.lastUsedAt.Store(now.UnixNano())

	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Conn() mailstore.Conn {
	return s.conn
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Session) LastUsedAt() time.Time {
	return time.Unix(0, s.lastUsedAt.Load())
}

func (s *Session) RequestsServed() int64 {
	return s.requestsServed.Load()
}

func (s *Session) Busy() bool {
	return s.busy.Load()
}

func (s *Session) Healthy() bool {
	return s.healthy.Load()
}
