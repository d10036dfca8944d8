package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/otpfetch"
)

type fakeFetcher struct {
	mu      sync.Mutex
	results map[string]*otpfetch.Result
	errs    map[string]error
	kinds   []string
}

func (f *fakeFetcher) Fetch(_ context.Context, target, kind string) (*otpfetch.Result, error) {
	f.mu.Lock()
	f.kinds = append(f.kinds, kind)
	f.mu.Unlock()

	if err := f.errs[target]; err != nil {
		return nil, err
	}

	return f.results[target], nil
}

func (f *fakeFetcher) Metrics() otpfetch.MetricsSnapshot {
	return otpfetch.MetricsSnapshot{Requests: 3, Successes: 1}
}

func (f *fakeFetcher) Shutdown() {}

func TestRunFetch(t *testing.T) {
	f := &fakeFetcher{
		results: map[string]*otpfetch.Result{
			"a@example.com": {Artifact: "123456", Type: otpfetch.ArtifactCode, Partition: "INBOX"},
		},
		errs: map[string]error{
			"c@example.com": &otpfetch.FetchError{Target: "c@example.com", Kind: "code", Err: otpfetch.ErrQueueFull},
		},
	}

	t.Run("text output", func(t *testing.T) {
		var out bytes.Buffer

		err := runFetch(context.Background(), f, []string{"a@example.com", "b@example.com"},
			&fetchOptions{kind: otpfetch.KindCode}, &out)

		require.ErrorIs(t, err, errNotFound)
		assert.Equal(t, "a@example.com\t123456\nb@example.com\tnot found\n", out.String())
	})

	t.Run("errors are reported per target", func(t *testing.T) {
		var out bytes.Buffer

		err := runFetch(context.Background(), f, []string{"a@example.com", "c@example.com"},
			&fetchOptions{kind: otpfetch.KindCode}, &out)

		require.ErrorIs(t, err, otpfetch.ErrQueueFull)
		assert.Contains(t, out.String(), "c@example.com\terror: ")
	})

	t.Run("json output with metrics", func(t *testing.T) {
		var out bytes.Buffer

		err := runFetch(context.Background(), f, []string{"a@example.com"},
			&fetchOptions{kind: otpfetch.KindLink, json: true, showMetrics: true}, &out)
		require.NoError(t, err)

		dec := json.NewDecoder(&out)

		var o struct {
			Target string `json:"target"`
			Result struct {
				Artifact string `json:"artifact"`
				Type     string `json:"type"`
			} `json:"result"`
		}
		require.NoError(t, dec.Decode(&o))
		assert.Equal(t, "a@example.com", o.Target)
		assert.Equal(t, "123456", o.Result.Artifact)
		assert.Equal(t, "code", o.Result.Type)

		var m otpfetch.MetricsSnapshot
		require.NoError(t, dec.Decode(&m))
		assert.Equal(t, int64(3), m.Requests)

		assert.Equal(t, otpfetch.KindLink, f.kinds[len(f.kinds)-1])
	})
}

func TestConfigInitCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "init", path})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "wrote "+path+"\n", out.String())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[fetcher]")

	// A second init refuses to overwrite.
	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"config", "init", path})

	err = cmd.Execute()
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrExist))
}

func TestConfigShowRedactsPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	t.Setenv("OTPFETCH_IMAP_PASSWORD", "hunter2")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"config", "init", path})
	require.NoError(t, cmd.Execute())

	var out bytes.Buffer

	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", path, "--env-file", "", "config", "show"})
	require.NoError(t, cmd.Execute())

	assert.False(t, strings.Contains(out.String(), "hunter2"))
	assert.Contains(t, out.String(), "********")
}
