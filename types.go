package otpfetch

import (
	"context"
	"fmt"
	"time"
)

// Fetcher retrieves verification artifacts from a mailbox on behalf of many
// concurrent callers.
type Fetcher interface {
	// Fetch returns the newest artifact of the given request kind addressed
	// to target. A nil result with a nil error means nothing was found within
	// the retry budget.
	Fetch(ctx context.Context, target, kind string) (*Result, error)
	Metrics() MetricsSnapshot
	// Shutdown releases every session and stops accepting new work.
	Shutdown()
}

// Result is an extracted artifact with its provenance.
type Result struct {
	Artifact   string        `json:"artifact"`
	Type       ArtifactType  `json:"type"`
	Partition  string        `json:"partition"`
	MessageUID uint32        `json:"message_uid"`
	Subject    string        `json:"subject"`
	From       string        `json:"from"`
	ReceivedAt time.Time     `json:"received_at"`
	Duration   time.Duration `json:"duration_ns"`
	Attempts   uint          `json:"attempts"`
	FromCache  bool          `json:"from_cache"`
}

// cacheKey identifies a request for caching and coalescing.
type cacheKey struct {
	target   string
	kind     string
	sender   string
	artifact ArtifactType
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.target, k.kind, k.sender, k.artifact)
}
