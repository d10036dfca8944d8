package otpfetch

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/javi11/otpfetch/pkg/extract"
	"github.com/javi11/otpfetch/pkg/mailstore"
)

// Logger interface compatible with slog.Logger
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
}

// Extractor turns a raw message payload into an artifact. An empty string
// with a nil error means the message carries no artifact of that type.
type Extractor interface {
	Extract(raw []byte, kind extract.Kind) (string, error)
}

// ArtifactType is what a request kind extracts from a message.
type ArtifactType = extract.Kind

const (
	ArtifactCode = extract.KindCode
	ArtifactLink = extract.KindLink
)

// DelayType selects how the wait between attempts grows. The zero value
// is exponential backoff.
type DelayType int

const (
	DelayTypeExponential DelayType = iota
	DelayTypeFixed
	DelayTypeRandom
)

// KindConfig is one row of the request kind table: how to find and what to
// extract for a given kind of request.
type KindConfig struct {
	// Sender restricts the search to messages from this address.
	Sender string
	// Subject restricts the search to subjects containing this text.
	Subject  string
	Artifact ArtifactType
	// Recency bounds how old a message may be.
	Recency    time.Duration
	UnseenOnly bool
}

type RetryPolicy struct {
	MaxAttempts   uint
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	// MaxJitter is the upper bound of the random term added to each delay.
	// Negative disables jitter.
	MaxJitter time.Duration
	// MaxElapsed caps the total time spent across all attempts.
	MaxElapsed time.Duration
	DelayType  DelayType
}

type Config struct {
	Logger Logger
	// Dialer opens sessions against the message store. Required.
	Dialer    mailstore.Dialer
	Extractor Extractor
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider

	Partitions []string
	Kinds      map[string]KindConfig

	PoolSize              int
	MaxRequestsPerSession int
	AcquireTimeout        time.Duration
	SessionReplaceDelay   time.Duration
	SessionMaxIdle        time.Duration
	// HealthCheckInterval drives the idle session sweep. Negative disables it.
	HealthCheckInterval time.Duration
	// SkipWarmup leaves the pool empty on creation; sessions are dialed on demand.
	SkipWarmup bool

	CacheTTL      time.Duration
	CacheCapacity int

	MaxConcurrent int
	MaxQueueSize  int
	QueueTimeout  time.Duration

	SearchTimeout        time.Duration
	SettleWindow         time.Duration
	MaxMessagesPerSearch int

	Retry           RetryPolicy
	ShutdownTimeout time.Duration
}

const (
	KindCode = "code"
	KindLink = "link"

	DefaultSender = "noreply@tm.openai.com"
)

var (
	configDefault = Config{
		Partitions:            []string{"INBOX", "[Gmail]/Spam"},
		PoolSize:              10,
		MaxRequestsPerSession: 100,
		AcquireTimeout:        10 * time.Second,
		SessionReplaceDelay:   1 * time.Second,
		SessionMaxIdle:        5 * time.Minute,
		HealthCheckInterval:   1 * time.Minute,
		CacheTTL:              5 * time.Minute,
		CacheCapacity:         1000,
		MaxConcurrent:         10,
		MaxQueueSize:          100,
		QueueTimeout:          30 * time.Second,
		SearchTimeout:         15 * time.Second,
		SettleWindow:          150 * time.Millisecond,
		MaxMessagesPerSearch:  30,
		Retry: RetryPolicy{
			MaxAttempts:   10,
			InitialDelay:  500 * time.Millisecond,
			BackoffFactor: 1.5,
			MaxDelay:      5 * time.Second,
			MaxJitter:     250 * time.Millisecond,
			MaxElapsed:    120 * time.Second,
			DelayType:     DelayTypeExponential,
		},
		ShutdownTimeout: 10 * time.Second,
	}
	kindConfigDefault = KindConfig{
		Sender:     DefaultSender,
		Recency:    10 * time.Minute,
		UnseenOnly: true,
	}
)

// DefaultConfig returns a copy of the defaults. Dialer still has to be set.
func DefaultConfig() Config {
	return mergeWithDefault(Config{})
}

// DefaultKinds is the request kind table used when Config.Kinds is empty.
func DefaultKinds() map[string]KindConfig {
	code := kindConfigDefault
	code.Artifact = ArtifactCode

	link := kindConfigDefault
	link.Artifact = ArtifactLink

	return map[string]KindConfig{
		KindCode: code,
		KindLink: link,
	}
}

func mergeWithDefault(config ...Config) Config {
	cfg := Config{}
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Extractor == nil {
		cfg.Extractor = extract.New()
	}

	if len(cfg.Partitions) == 0 {
		cfg.Partitions = append([]string(nil), configDefault.Partitions...)
	}

	if len(cfg.Kinds) == 0 {
		cfg.Kinds = DefaultKinds()
	} else {
		kinds := maps.Clone(cfg.Kinds)
		for name, k := range kinds {
			if k.Recency == 0 {
				k.Recency = kindConfigDefault.Recency
			}
			kinds[name] = k
		}
		cfg.Kinds = kinds
	}

	if cfg.PoolSize == 0 {
		cfg.PoolSize = configDefault.PoolSize
	}

	if cfg.MaxRequestsPerSession == 0 {
		cfg.MaxRequestsPerSession = configDefault.MaxRequestsPerSession
	}

	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = configDefault.AcquireTimeout
	}

	if cfg.SessionReplaceDelay == 0 {
		cfg.SessionReplaceDelay = configDefault.SessionReplaceDelay
	}

	if cfg.SessionMaxIdle == 0 {
		cfg.SessionMaxIdle = configDefault.SessionMaxIdle
	}

	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = configDefault.HealthCheckInterval
	}

	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = configDefault.CacheTTL
	}

	if cfg.CacheCapacity == 0 {
		cfg.CacheCapacity = configDefault.CacheCapacity
	}

	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = configDefault.MaxConcurrent
	}

	if cfg.MaxQueueSize == 0 {
		cfg.MaxQueueSize = configDefault.MaxQueueSize
	}

	if cfg.QueueTimeout == 0 {
		cfg.QueueTimeout = configDefault.QueueTimeout
	}

	if cfg.SearchTimeout == 0 {
		cfg.SearchTimeout = configDefault.SearchTimeout
	}

	if cfg.SettleWindow == 0 {
		cfg.SettleWindow = configDefault.SettleWindow
	}

	if cfg.MaxMessagesPerSearch == 0 {
		cfg.MaxMessagesPerSearch = configDefault.MaxMessagesPerSearch
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = configDefault.ShutdownTimeout
	}

	cfg.Retry = mergeRetryPolicy(cfg.Retry)

	return cfg
}

func mergeRetryPolicy(p RetryPolicy) RetryPolicy {
	d := configDefault.Retry

	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}

	if p.InitialDelay == 0 {
		p.InitialDelay = d.InitialDelay
	}

	if p.BackoffFactor == 0 {
		p.BackoffFactor = d.BackoffFactor
	}

	if p.MaxDelay == 0 {
		p.MaxDelay = d.MaxDelay
	}

	if p.MaxJitter == 0 {
		p.MaxJitter = d.MaxJitter
	}

	if p.MaxElapsed == 0 {
		p.MaxElapsed = d.MaxElapsed
	}

	return p
}

func (c Config) validate() error {
	if c.Dialer == nil {
		return fmt.Errorf("%w: a mailstore dialer is required", ErrInvalidConfig)
	}

	if c.PoolSize < 0 || c.MaxRequestsPerSession < 0 || c.MaxConcurrent < 0 || c.MaxQueueSize < 0 {
		return fmt.Errorf("%w: sizes must not be negative", ErrInvalidConfig)
	}

	if c.CacheCapacity < 0 || c.MaxMessagesPerSearch < 0 {
		return fmt.Errorf("%w: cache capacity and message limit must not be negative", ErrInvalidConfig)
	}

	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("%w: backoff factor %.2f is below 1", ErrInvalidConfig, c.Retry.BackoffFactor)
	}

	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("%w: max delay %s is below initial delay %s", ErrInvalidConfig, c.Retry.MaxDelay, c.Retry.InitialDelay)
	}

	for name, k := range c.Kinds {
		if name == "" {
			return fmt.Errorf("%w: request kind with empty name", ErrInvalidConfig)
		}

		if k.Artifact != ArtifactCode && k.Artifact != ArtifactLink {
			return fmt.Errorf("%w: request kind %q has unknown artifact type %d", ErrInvalidConfig, name, k.Artifact)
		}
	}

	return nil
}
