package config

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/otpfetch"
)

func TestWriteThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	require.NoError(t, Write(path, Default(), false))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(fileMode), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Regexp(t, `acquire_timeout = ['"]10s['"]`, string(data))

	f, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "imap.gmail.com", f.IMAP.Host)
	assert.Equal(t, 993, f.IMAP.Port)
	assert.Equal(t, Duration(10*time.Second), f.Fetcher.AcquireTimeout)
	assert.Equal(t, []string{"INBOX", "[Gmail]/Spam"}, f.Fetcher.Partitions)
	assert.Equal(t, otpfetch.ArtifactLink, f.Kinds["link"].Artifact)
	assert.Equal(t, Duration(10*time.Minute), f.Kinds["code"].Recency)

	// Existing files are kept unless overwrite is set.
	require.ErrorIs(t, Write(path, Default(), false), fs.ErrExist)
	require.NoError(t, Write(path, Default(), true))
}

func TestLoad_FileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[imap]
host = "mail.example.com"
port = 143
tls = false
username = "bot@example.com"

[fetcher]
partitions = ["INBOX"]
pool_size = 4
settle_window = "300ms"

[retry]
max_attempts = 3
delay_type = "fixed"

[kinds.bank]
sender = "security@bank.example"
artifact = "code"
recency = "2m"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	f, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mail.example.com", f.IMAP.Host)
	assert.Equal(t, 143, f.IMAP.Port)
	assert.False(t, f.IMAP.TLS)
	assert.Equal(t, []string{"INBOX"}, f.Fetcher.Partitions)
	assert.Equal(t, 4, f.Fetcher.PoolSize)
	assert.Equal(t, Duration(300*time.Millisecond), f.Fetcher.SettleWindow)
	// Unset keys keep their defaults.
	assert.Equal(t, 100, f.Fetcher.MaxRequestsPerSession)

	c, err := f.FetcherConfig()
	require.NoError(t, err)

	assert.Equal(t, otpfetch.DelayTypeFixed, c.Retry.DelayType)
	assert.Equal(t, uint(3), c.Retry.MaxAttempts)
	require.Contains(t, c.Kinds, "bank")
	assert.Equal(t, 2*time.Minute, c.Kinds["bank"].Recency)
	assert.Equal(t, otpfetch.ArtifactCode, c.Kinds["bank"].Artifact)

	sc := f.StoreConfig()
	assert.Equal(t, "mail.example.com:143", sc.Address())
	assert.Equal(t, "bot@example.com", sc.Username)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, Write(path, Default(), false))

	t.Setenv("OTPFETCH_IMAP_USERNAME", "env@example.com")
	t.Setenv("OTPFETCH_FETCHER_POOL_SIZE", "7")
	t.Setenv("OTPFETCH_FETCHER_QUEUE_TIMEOUT", "45s")
	t.Setenv("OTPFETCH_FETCHER_PARTITIONS", "INBOX,Junk")

	f, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env@example.com", f.IMAP.Username)
	assert.Equal(t, 7, f.Fetcher.PoolSize)
	assert.Equal(t, Duration(45*time.Second), f.Fetcher.QueueTimeout)
	assert.Equal(t, []string{"INBOX", "Junk"}, f.Fetcher.Partitions)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("OTPFETCH_IMAP_PASSWORD=app-password\n"), 0o600))

	t.Setenv("OTPFETCH_IMAP_PASSWORD", "")
	require.NoError(t, os.Unsetenv("OTPFETCH_IMAP_PASSWORD"))

	f, err := Load(filepath.Join(dir, "missing.toml"), envFile, filepath.Join(dir, "absent.env"))
	require.Error(t, err, "an explicit config path must exist")
	assert.Nil(t, f)

	cfgPath := filepath.Join(dir, "config.toml")
	require.NoError(t, Write(cfgPath, Default(), false))

	f, err = Load(cfgPath, envFile)
	require.NoError(t, err)
	assert.Equal(t, "app-password", f.IMAP.Password)
}

func TestFetcherConfig_DefaultsValidate(t *testing.T) {
	d := Default()

	c, err := d.FetcherConfig()
	require.NoError(t, err)

	assert.Equal(t, otpfetch.DelayTypeExponential, c.Retry.DelayType)
	assert.Equal(t, 10, c.PoolSize)
	assert.Len(t, c.Kinds, 2)

	d.Retry.DelayType = "linear"
	_, err = d.FetcherConfig()
	require.Error(t, err)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer

	f := Default()
	f.Log = Log{Level: "warn", Format: "json"}

	log, err := f.Logger(&buf)
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("shown", "target", "user@example.com")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	f.Log.Format = "xml"
	_, err = f.Logger(&buf)
	require.Error(t, err)
}
