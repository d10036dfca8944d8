// Package testutil provides an in-memory message store for tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/javi11/otpfetch/pkg/mailstore"
)

var (
	_ mailstore.Dialer = (*MemStore)(nil)
	_ mailstore.Conn   = (*MemConn)(nil)
)

type storedMessage struct {
	msg  mailstore.Message
	to   []string
	seen bool
}

// MemStore is a mailstore.Dialer over in-memory partitions. Faults can be
// injected per operation and every call is counted.
type MemStore struct {
	mu         sync.Mutex
	partitions map[string][]*storedMessage
	nextUID    uint32

	dialErr     error
	dialDelay   time.Duration
	searchErrs  []error
	searchDelay time.Duration

	dials     atomic.Int64
	searches  atomic.Int64
	fetches   atomic.Int64
	envelopes atomic.Int64
	closes    atomic.Int64
	open      atomic.Int64
}

func NewMemStore(partitions ...string) *MemStore {
	s := &MemStore{partitions: make(map[string][]*storedMessage)}
	for _, p := range partitions {
		s.partitions[p] = nil
	}

	return s
}

// Message is the input to AddMessage.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
	Date    time.Time
	Seen    bool
}

// AddMessage appends a message to partition, creating it if needed, and
// returns its UID.
func (s *MemStore) AddMessage(partition string, m Message) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextUID++

	if m.Date.IsZero() {
		m.Date = time.Now()
	}

	s.partitions[partition] = append(s.partitions[partition], &storedMessage{
		msg: mailstore.Message{
			UID:     s.nextUID,
			Date:    m.Date,
			From:    m.From,
			To:      []string{m.To},
			Subject: m.Subject,
			Raw:     RawMessage(m),
		},
		to:   []string{strings.ToLower(m.To)},
		seen: m.Seen,
	})

	return s.nextUID
}

// RawMessage renders m as an RFC 5322 text/plain message.
func RawMessage(m Message) []byte {
	var sb strings.Builder

	fmt.Fprintf(&sb, "From: %s\r\n", m.From)
	fmt.Fprintf(&sb, "To: %s\r\n", m.To)
	fmt.Fprintf(&sb, "Subject: %s\r\n", m.Subject)
	fmt.Fprintf(&sb, "Date: %s\r\n", m.Date.Format(time.RFC1123Z))
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	sb.WriteString(m.Body)
	sb.WriteString("\r\n")

	return []byte(sb.String())
}

// SetDialError makes every following Dial fail with err. Nil restores dialing.
func (s *MemStore) SetDialError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dialErr = err
}

// SetDialDelay makes each Dial block for d or until its context ends.
func (s *MemStore) SetDialDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dialDelay = d
}

// FailSearches queues errors returned by the next Search calls, in order.
// A mailstore.ErrSessionBroken also breaks the connection it hit.
func (s *MemStore) FailSearches(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.searchErrs = append(s.searchErrs, errs...)
}

// SetSearchDelay makes each Search block for d or until its context ends.
func (s *MemStore) SetSearchDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.searchDelay = d
}

func (s *MemStore) Dials() int64     { return s.dials.Load() }
func (s *MemStore) Searches() int64  { return s.searches.Load() }
func (s *MemStore) Fetches() int64   { return s.fetches.Load() }
func (s *MemStore) Envelopes() int64 { return s.envelopes.Load() }
func (s *MemStore) Closes() int64    { return s.closes.Load() }
func (s *MemStore) OpenConns() int64 { return s.open.Load() }

func (s *MemStore) Dial(ctx context.Context) (mailstore.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	err := s.dialErr
	delay := s.dialDelay
	s.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	if err != nil {
		return nil, err
	}

	id := s.dials.Add(1)
	s.open.Add(1)

	return &MemConn{store: s, id: id}, nil
}

// MemConn is one connection to a MemStore.
type MemConn struct {
	store  *MemStore
	id     int64
	closed atomic.Bool
	broken atomic.Bool
}

func (c *MemConn) ID() int64 { return c.id }

func (c *MemConn) check(ctx context.Context) error {
	if c.closed.Load() || c.broken.Load() {
		return fmt.Errorf("%w: connection %d closed", mailstore.ErrSessionBroken, c.id)
	}

	return ctx.Err()
}

func (c *MemConn) OpenPartition(ctx context.Context, name string) (mailstore.Partition, error) {
	if err := c.check(ctx); err != nil {
		return mailstore.Partition{}, err
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	msgs, ok := c.store.partitions[name]
	if !ok {
		return mailstore.Partition{}, fmt.Errorf("%w: %s", mailstore.ErrPartitionNotFound, name)
	}

	return mailstore.Partition{Name: name, Messages: uint32(len(msgs))}, nil
}

func (c *MemConn) Search(ctx context.Context, p mailstore.Partition, crit mailstore.Criteria) ([]uint32, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}

	c.store.searches.Add(1)

	c.store.mu.Lock()
	delay := c.store.searchDelay

	var injected error
	if len(c.store.searchErrs) > 0 {
		injected = c.store.searchErrs[0]
		c.store.searchErrs = c.store.searchErrs[1:]
	}
	c.store.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if injected != nil {
		if errors.Is(injected, mailstore.ErrSessionBroken) {
			c.broken.Store(true)
		}

		return nil, injected
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	var uids []uint32

	for _, m := range c.store.partitions[p.Name] {
		if matches(m, crit) {
			uids = append(uids, m.msg.UID)
		}
	}

	slices.Sort(uids)

	return uids, nil
}

func (c *MemConn) FetchEnvelopes(ctx context.Context, p mailstore.Partition, uids []uint32) ([]mailstore.Envelope, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}

	c.store.envelopes.Add(1)

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	var out []mailstore.Envelope

	for _, m := range c.store.partitions[p.Name] {
		if slices.Contains(uids, m.msg.UID) {
			out = append(out, mailstore.Envelope{
				UID:     m.msg.UID,
				Date:    m.msg.Date,
				From:    m.msg.From,
				Subject: m.msg.Subject,
			})
		}
	}

	return out, nil
}

func (c *MemConn) FetchMessage(ctx context.Context, p mailstore.Partition, uid uint32) (*mailstore.Message, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}

	c.store.fetches.Add(1)

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	for _, m := range c.store.partitions[p.Name] {
		if m.msg.UID == uid {
			out := m.msg
			out.To = slices.Clone(m.msg.To)

			return &out, nil
		}
	}

	return nil, fmt.Errorf("uid %d not found in %s", uid, p.Name)
}

func (c *MemConn) Noop(ctx context.Context) error {
	return c.check(ctx)
}

func (c *MemConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.store.closes.Add(1)
		c.store.open.Add(-1)
	}

	return nil
}

// Break marks the connection broken; every later call fails with
// mailstore.ErrSessionBroken.
func (c *MemConn) Break() {
	c.broken.Store(true)
}

func matches(m *storedMessage, crit mailstore.Criteria) bool {
	if crit.UnseenOnly && m.seen {
		return false
	}

	if !crit.Since.IsZero() && m.msg.Date.Before(crit.Since) {
		return false
	}

	if crit.From != "" && !strings.Contains(strings.ToLower(m.msg.From), strings.ToLower(crit.From)) {
		return false
	}

	if crit.Subject != "" && !strings.Contains(strings.ToLower(m.msg.Subject), strings.ToLower(crit.Subject)) {
		return false
	}

	if crit.To != "" {
		to := strings.ToLower(crit.To)
		if !slices.ContainsFunc(m.to, func(addr string) bool { return strings.Contains(addr, to) }) {
			return false
		}
	}

	return true
}
