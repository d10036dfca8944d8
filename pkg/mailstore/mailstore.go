//go:generate go tool mockgen -source=./mailstore.go -destination=./mailstore_mock.go -package=mailstore Dialer,Conn

// Package mailstore defines the contract between the fetcher core and a remote
// message store. Implementations own the wire protocol; the core only sees
// sessions, partitions, message identifiers and raw payloads.
package mailstore

import (
	"context"
	"errors"
	"time"
)

// Errors an implementation must wrap so the core can classify failures
// without inspecting error text.
var (
	// ErrSessionBroken reports that the session can no longer be used.
	ErrSessionBroken = errors.New("mailstore: session broken")

	// ErrAuthRejected reports that the store rejected the credentials.
	ErrAuthRejected = errors.New("mailstore: authentication rejected")

	// ErrPartitionNotFound reports that the named partition does not exist.
	ErrPartitionNotFound = errors.New("mailstore: partition not found")
)

// Dialer opens new authenticated sessions to the store.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one authenticated session. Implementations must be safe for
// concurrent use; operations on different partitions may be issued from
// several goroutines at once.
type Conn interface {
	// OpenPartition selects the named partition for reading.
	OpenPartition(ctx context.Context, name string) (Partition, error)
	// Search returns matching message identifiers ordered oldest to newest.
	Search(ctx context.Context, p Partition, c Criteria) ([]uint32, error)
	// FetchEnvelopes returns the envelopes of uids without their bodies, in
	// no particular order. Unknown uids are left out.
	FetchEnvelopes(ctx context.Context, p Partition, uids []uint32) ([]Envelope, error)
	// FetchMessage returns the raw payload and envelope of one message.
	FetchMessage(ctx context.Context, p Partition, uid uint32) (*Message, error)
	// Noop checks that the session is still alive.
	Noop(ctx context.Context) error
	Close() error
}

// Partition is a handle to an opened partition.
type Partition struct {
	Name     string
	Messages uint32
}

// Criteria narrows a partition search.
type Criteria struct {
	Since      time.Time
	To         string
	From       string
	Subject    string
	UnseenOnly bool
}

// Envelope is the header data of a message.
type Envelope struct {
	UID     uint32
	Date    time.Time
	From    string
	Subject string
}

// Message is a fetched message.
type Message struct {
	UID     uint32
	Date    time.Time
	From    string
	To      []string
	Subject string
	Raw     []byte
}
