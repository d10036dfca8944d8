package otpfetch

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/javi11/otpfetch/testutil"
)

const (
	testTarget = "user@example.com"
	inbox      = "INBOX"
	spam       = "[Gmail]/Spam"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a merged config over store with fast timings and no
// background health sweep.
func testConfig(store *testutil.MemStore, opts ...func(*Config)) Config {
	c := Config{
		Logger:              discardLogger(),
		Dialer:              store,
		Partitions:          []string{inbox, spam},
		PoolSize:            2,
		AcquireTimeout:      time.Second,
		SessionReplaceDelay: 10 * time.Millisecond,
		HealthCheckInterval: -1,
		SettleWindow:        20 * time.Millisecond,
		SearchTimeout:       2 * time.Second,
		ShutdownTimeout:     time.Second,
		Retry: RetryPolicy{
			MaxAttempts:   3,
			InitialDelay:  time.Millisecond,
			BackoffFactor: 2,
			MaxDelay:      5 * time.Millisecond,
			MaxJitter:     -1,
			MaxElapsed:    5 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(&c)
	}

	return mergeWithDefault(c)
}

func newTestFetcher(t *testing.T, store *testutil.MemStore, opts ...func(*Config)) *fetcher {
	t.Helper()

	f, err := NewFetcher(testConfig(store, opts...))
	require.NoError(t, err)
	t.Cleanup(f.Shutdown)

	return f.(*fetcher)
}

func codeMessage(to, code string, age time.Duration) testutil.Message {
	return testutil.Message{
		From:    "OpenAI <" + DefaultSender + ">",
		To:      to,
		Subject: "Your verification code",
		Body:    "Your verification code is " + code + ". It expires in 10 minutes.",
		Date:    time.Now().Add(-age),
	}
}
