package otpfetch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/javi11/otpfetch/pkg/mailstore"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"no artifact", errNoArtifact, true},
		{"session fault", fmt.Errorf("%w: reset", ErrSessionFault), true},
		{"search fault", fmt.Errorf("%w: BAD", ErrSearchFault), true},
		{"auth fault", fmt.Errorf("%w: NO", ErrAuthFault), false},
		{"pool exhausted", ErrPoolExhausted, false},
		{"pool closed", ErrPoolClosed, false},
		{"fetcher closed", ErrFetcherClosed, false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("search: %w", context.DeadlineExceeded), false},
		{"unknown", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStoreError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"auth rejected", fmt.Errorf("%w: bad password", mailstore.ErrAuthRejected), ErrAuthFault},
		{"session broken", fmt.Errorf("%w: EOF", mailstore.ErrSessionBroken), ErrSessionFault},
		{"protocol", errors.New("BAD unknown command"), ErrSearchFault},
		{"canceled", context.Canceled, context.Canceled},
		{"already mapped", fmt.Errorf("%w: x", ErrSessionFault), ErrSessionFault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := storeError(tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("storeError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}

	// Collaborator sentinels do not leak through the mapping.
	if err := storeError(mailstore.ErrSessionBroken); errors.Is(err, mailstore.ErrSessionBroken) {
		t.Errorf("storeError leaked %v", mailstore.ErrSessionBroken)
	}

	if storeError(nil) != nil {
		t.Error("storeError(nil) should be nil")
	}
}

func TestFetchError(t *testing.T) {
	err := &FetchError{Target: testTarget, Kind: KindCode, Attempts: 3, Err: ErrSearchFault}

	want := "fetch code for user@example.com after 3 attempt(s): search fault"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	if !errors.Is(err, ErrSearchFault) {
		t.Error("FetchError should unwrap to its cause")
	}

	rejected := &FetchError{Target: testTarget, Kind: KindCode, Err: ErrQueueFull}

	want = "fetch code for user@example.com: queue: full"
	if got := rejected.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
