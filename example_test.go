package otpfetch_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/javi11/otpfetch"
	"github.com/javi11/otpfetch/testutil"
)

func Example() {
	store := testutil.NewMemStore("INBOX")
	store.AddMessage("INBOX", testutil.Message{
		From:    otpfetch.DefaultSender,
		To:      "user@example.com",
		Subject: "Your login code",
		Body:    "Enter 482913 to finish signing in.",
		Date:    time.Now().Add(-time.Minute),
	})

	f, err := otpfetch.NewFetcher(otpfetch.Config{
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dialer:              store,
		Partitions:          []string{"INBOX"},
		PoolSize:            1,
		HealthCheckInterval: -1,
	})
	if err != nil {
		panic(err)
	}
	defer f.Shutdown()

	res, err := f.Fetch(context.Background(), "user@example.com", otpfetch.KindCode)
	if err != nil {
		panic(err)
	}

	fmt.Println(res.Artifact, res.Partition)

	m := f.Metrics()
	fmt.Printf("requests=%d successes=%d\n", m.Requests, m.Successes)
	// Output:
	// 482913 INBOX
	// requests=1 successes=1
}
