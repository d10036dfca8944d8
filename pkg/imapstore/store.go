// Package imapstore implements mailstore on top of an IMAP4rev1 server.
package imapstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/javi11/otpfetch/pkg/mailstore"
)

var (
	_ mailstore.Dialer = (*Dialer)(nil)
	_ mailstore.Conn   = (*Conn)(nil)
)

// Config describes how to reach and authenticate against the IMAP server.
type Config struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLS                bool
	InsecureSkipVerify bool
	DialTimeout        time.Duration
	CommandTimeout     time.Duration
}

var configDefault = Config{
	Host:           "imap.gmail.com",
	Port:           993,
	TLS:            true,
	DialTimeout:    30 * time.Second,
	CommandTimeout: 30 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = configDefault.Host
	}
	if c.Port == 0 {
		c.Port = configDefault.Port
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = configDefault.DialTimeout
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = configDefault.CommandTimeout
	}
	return c
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// Dialer opens authenticated IMAP sessions.
type Dialer struct {
	config Config
}

func NewDialer(c Config) *Dialer {
	return &Dialer{config: c.withDefaults()}
}

func (d *Dialer) Dial(ctx context.Context) (mailstore.Conn, error) {
	nd := &net.Dialer{Timeout: d.config.DialTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		nd.Deadline = deadline
	}

	var (
		c   *client.Client
		err error
	)

	if d.config.TLS {
		c, err = client.DialWithDialerTLS(nd, d.config.Address(), &tls.Config{
			ServerName:         d.config.Host,
			InsecureSkipVerify: d.config.InsecureSkipVerify, //nolint:gosec
			MinVersion:         tls.VersionTLS12,
		})
	} else {
		c, err = client.DialWithDialer(nd, d.config.Address())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", mailstore.ErrSessionBroken, d.config.Address(), err)
	}

	c.Timeout = d.config.CommandTimeout

	if deadline, ok := ctx.Deadline(); ok {
		t := time.AfterFunc(time.Until(deadline), func() { _ = c.Terminate() })
		defer t.Stop()
	}

	if err := c.Login(d.config.Username, d.config.Password); err != nil {
		lost := isConnectionError(c, err)
		_ = c.Terminate()

		if lost {
			return nil, fmt.Errorf("%w: login to %s: %v", mailstore.ErrSessionBroken, d.config.Address(), err)
		}

		return nil, fmt.Errorf("%w: %s as %s: %v", mailstore.ErrAuthRejected, d.config.Address(), d.config.Username, err)
	}

	return &Conn{client: c}, nil
}

// Conn is one logged-in IMAP connection. IMAP keeps a single selected
// mailbox per connection, so every command runs under mu and re-selects the
// partition it targets when needed.
//
// go-imap commands do not take a context. A command still running when its
// context deadline passes has the connection terminated under it and fails
// with ErrSessionBroken; a cancelled context only stops further commands.
type Conn struct {
	mu       sync.Mutex
	client   *client.Client
	selected string
	closed   bool
}

func (c *Conn) OpenPartition(ctx context.Context, name string) (mailstore.Partition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status, err := c.selectLocked(ctx, name)
	if err != nil {
		return mailstore.Partition{}, err
	}

	return mailstore.Partition{Name: name, Messages: status.Messages}, nil
}

func (c *Conn) Search(ctx context.Context, p mailstore.Partition, crit mailstore.Criteria) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.selectLocked(ctx, p.Name); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var uids []uint32

	err := c.run(ctx, func() (err error) {
		uids, err = c.client.UidSearch(searchCriteria(crit))
		return err
	})
	if err != nil {
		return nil, c.classify(err, fmt.Errorf("searching %s", p.Name))
	}

	slices.Sort(uids)

	return uids, nil
}

func (c *Conn) FetchEnvelopes(ctx context.Context, p mailstore.Partition, uids []uint32) ([]mailstore.Envelope, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.selectLocked(ctx, p.Name); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid}

	var out []mailstore.Envelope

	err := c.run(ctx, func() error {
		messages := make(chan *imap.Message, len(uids))
		done := make(chan error, 1)

		go func() {
			done <- c.client.UidFetch(seqset, items, messages)
		}()

		for msg := range messages {
			out = append(out, toEnvelope(msg))
		}

		return <-done
	})
	if err != nil {
		return nil, c.classify(err, fmt.Errorf("fetching envelopes in %s", p.Name))
	}

	return out, nil
}

func (c *Conn) FetchMessage(ctx context.Context, p mailstore.Partition, uid uint32) (*mailstore.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.selectLocked(ctx, p.Name); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, imap.FetchUid, section.FetchItem()}

	var out *mailstore.Message

	err := c.run(ctx, func() error {
		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)

		go func() {
			done <- c.client.UidFetch(seqset, items, messages)
		}()

		for msg := range messages {
			if out != nil {
				continue
			}

			m, err := toMessage(msg, section)
			if err != nil {
				// Drain the channel so UidFetch can return.
				continue
			}
			out = m
		}

		return <-done
	})
	if err != nil {
		return nil, c.classify(err, fmt.Errorf("fetching uid %d in %s", uid, p.Name))
	}

	if out == nil {
		return nil, fmt.Errorf("uid %d not found in %s", uid, p.Name)
	}

	return out, nil
}

func (c *Conn) Noop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("%w: connection closed", mailstore.ErrSessionBroken)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.run(ctx, c.client.Noop); err != nil {
		return c.classify(err, nil)
	}

	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.client.Logout(); err != nil {
		return c.client.Terminate()
	}

	return nil
}

func (c *Conn) selectLocked(ctx context.Context, name string) (*imap.MailboxStatus, error) {
	if c.closed {
		return nil, fmt.Errorf("%w: connection closed", mailstore.ErrSessionBroken)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.selected == name && c.client.Mailbox() != nil {
		return c.client.Mailbox(), nil
	}

	var status *imap.MailboxStatus

	err := c.run(ctx, func() (err error) {
		status, err = c.client.Select(name, true)
		return err
	})
	if err != nil {
		c.selected = ""
		return nil, c.classify(err, fmt.Errorf("%w: %s", mailstore.ErrPartitionNotFound, name))
	}

	c.selected = name

	return status, nil
}

// errDeadline marks a command cut short by its context deadline.
var errDeadline = errors.New("command did not finish before the deadline")

// run executes one client command, terminating the connection if it is still
// running at the context deadline.
func (c *Conn) run(ctx context.Context, cmd func() error) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		return cmd()
	}

	timer := time.AfterFunc(time.Until(deadline), func() {
		_ = c.client.Terminate()
	})

	err := cmd()
	if !timer.Stop() {
		c.closed = true
		c.selected = ""

		return fmt.Errorf("%w: %w", errDeadline, context.DeadlineExceeded)
	}

	return err
}

// classify maps a client error onto the mailstore sentinels. Connection level
// failures always become ErrSessionBroken; anything else is wrapped in cause.
func (c *Conn) classify(err error, cause error) error {
	if errors.Is(err, errDeadline) || isConnectionError(c.client, err) {
		c.selected = ""
		return fmt.Errorf("%w: %v", mailstore.ErrSessionBroken, err)
	}

	if cause != nil {
		return fmt.Errorf("%w: %v", cause, err)
	}

	return err
}

// isConnectionError reports whether err means the connection is gone. The
// client's reader stops, closing LoggedOut, whenever the connection drops.
func isConnectionError(c *client.Client, err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error

	if errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, client.ErrAlreadyLoggedOut) ||
		errors.Is(err, client.ErrNotLoggedIn) {
		return true
	}

	select {
	case <-c.LoggedOut():
		return true
	default:
		return c.State() == imap.LogoutState
	}
}

func searchCriteria(c mailstore.Criteria) *imap.SearchCriteria {
	sc := imap.NewSearchCriteria()

	if !c.Since.IsZero() {
		// SINCE has day granularity on the server side.
		sc.Since = c.Since
	}
	if c.To != "" {
		sc.Header.Add("To", c.To)
	}
	if c.From != "" {
		sc.Header.Add("From", c.From)
	}
	if c.Subject != "" {
		sc.Header.Add("Subject", c.Subject)
	}
	if c.UnseenOnly {
		sc.WithoutFlags = []string{imap.SeenFlag}
	}

	return sc
}

func toMessage(msg *imap.Message, section *imap.BodySectionName) (*mailstore.Message, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}

	body := msg.GetBody(section)
	if body == nil {
		return nil, errors.New("server did not return message body")
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	env := toEnvelope(msg)

	m := &mailstore.Message{
		UID:     env.UID,
		Date:    env.Date,
		From:    env.From,
		Subject: env.Subject,
		Raw:     raw,
	}

	if msg.Envelope != nil {
		for _, a := range msg.Envelope.To {
			m.To = append(m.To, a.Address())
		}
	}

	return m, nil
}

// toEnvelope prefers the server's INTERNALDATE over the sender's Date header.
func toEnvelope(msg *imap.Message) mailstore.Envelope {
	e := mailstore.Envelope{
		UID:  msg.Uid,
		Date: msg.InternalDate,
	}

	if env := msg.Envelope; env != nil {
		e.Subject = env.Subject
		if e.Date.IsZero() {
			e.Date = env.Date
		}
		if len(env.From) > 0 {
			e.From = env.From[0].Address()
		}
	}

	return e
}
