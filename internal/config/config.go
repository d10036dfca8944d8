// Package config loads the command configuration from a TOML file, .env
// files and OTPFETCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/javi11/otpfetch"
	"github.com/javi11/otpfetch/pkg/imapstore"
)

const (
	EnvPrefix  = "OTPFETCH"
	configName = "config"
	configType = "toml"
	configDir  = "otpfetch"
	fileMode   = 0o600
	dirMode    = 0o700
)

// Duration is a time.Duration written as "1m30s" in TOML and env vars.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}

	*d = Duration(v)

	return nil
}

type File struct {
	IMAP    IMAP            `mapstructure:"imap" toml:"imap"`
	Fetcher Fetcher         `mapstructure:"fetcher" toml:"fetcher"`
	Retry   Retry           `mapstructure:"retry" toml:"retry"`
	Log     Log             `mapstructure:"log" toml:"log"`
	Kinds   map[string]Kind `mapstructure:"kinds" toml:"kinds,omitempty"`
}

type IMAP struct {
	Host               string   `mapstructure:"host" toml:"host"`
	Port               int      `mapstructure:"port" toml:"port"`
	Username           string   `mapstructure:"username" toml:"username"`
	Password           string   `mapstructure:"password" toml:"password,omitempty"`
	TLS                bool     `mapstructure:"tls" toml:"tls"`
	InsecureSkipVerify bool     `mapstructure:"insecure_skip_verify" toml:"insecure_skip_verify"`
	DialTimeout        Duration `mapstructure:"dial_timeout" toml:"dial_timeout"`
	CommandTimeout     Duration `mapstructure:"command_timeout" toml:"command_timeout"`
}

type Fetcher struct {
	Partitions            []string `mapstructure:"partitions" toml:"partitions"`
	PoolSize              int      `mapstructure:"pool_size" toml:"pool_size"`
	MaxRequestsPerSession int      `mapstructure:"max_requests_per_session" toml:"max_requests_per_session"`
	AcquireTimeout        Duration `mapstructure:"acquire_timeout" toml:"acquire_timeout"`
	SessionReplaceDelay   Duration `mapstructure:"session_replace_delay" toml:"session_replace_delay"`
	SessionMaxIdle        Duration `mapstructure:"session_max_idle" toml:"session_max_idle"`
	HealthCheckInterval   Duration `mapstructure:"health_check_interval" toml:"health_check_interval"`
	CacheTTL              Duration `mapstructure:"cache_ttl" toml:"cache_ttl"`
	CacheCapacity         int      `mapstructure:"cache_capacity" toml:"cache_capacity"`
	MaxConcurrent         int      `mapstructure:"max_concurrent" toml:"max_concurrent"`
	MaxQueueSize          int      `mapstructure:"max_queue_size" toml:"max_queue_size"`
	QueueTimeout          Duration `mapstructure:"queue_timeout" toml:"queue_timeout"`
	SearchTimeout         Duration `mapstructure:"search_timeout" toml:"search_timeout"`
	SettleWindow          Duration `mapstructure:"settle_window" toml:"settle_window"`
	MaxMessagesPerSearch  int      `mapstructure:"max_messages_per_search" toml:"max_messages_per_search"`
	ShutdownTimeout       Duration `mapstructure:"shutdown_timeout" toml:"shutdown_timeout"`
}

type Retry struct {
	MaxAttempts   uint     `mapstructure:"max_attempts" toml:"max_attempts"`
	InitialDelay  Duration `mapstructure:"initial_delay" toml:"initial_delay"`
	BackoffFactor float64  `mapstructure:"backoff_factor" toml:"backoff_factor"`
	MaxDelay      Duration `mapstructure:"max_delay" toml:"max_delay"`
	MaxJitter     Duration `mapstructure:"max_jitter" toml:"max_jitter"`
	MaxElapsed    Duration `mapstructure:"max_elapsed" toml:"max_elapsed"`
	// DelayType is one of exponential, fixed or random.
	DelayType string `mapstructure:"delay_type" toml:"delay_type"`
}

// Kind is one request kind. Artifact is "code" or "link".
type Kind struct {
	Sender     string                `mapstructure:"sender" toml:"sender"`
	Subject    string                `mapstructure:"subject" toml:"subject,omitempty"`
	Artifact   otpfetch.ArtifactType `mapstructure:"artifact" toml:"artifact"`
	Recency    Duration              `mapstructure:"recency" toml:"recency"`
	UnseenOnly bool                  `mapstructure:"unseen_only" toml:"unseen_only"`
}

type Log struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level" toml:"level"`
	// Format is text or json.
	Format string `mapstructure:"format" toml:"format"`
}

// Default mirrors the library defaults so a written file documents them.
func Default() File {
	c := otpfetch.DefaultConfig()

	kinds := make(map[string]Kind, len(c.Kinds))
	for name, k := range c.Kinds {
		kinds[name] = Kind{
			Sender:     k.Sender,
			Subject:    k.Subject,
			Artifact:   k.Artifact,
			Recency:    Duration(k.Recency),
			UnseenOnly: k.UnseenOnly,
		}
	}

	return File{
		IMAP: IMAP{
			Host:           "imap.gmail.com",
			Port:           993,
			TLS:            true,
			DialTimeout:    Duration(30 * time.Second),
			CommandTimeout: Duration(30 * time.Second),
		},
		Fetcher: Fetcher{
			Partitions:            c.Partitions,
			PoolSize:              c.PoolSize,
			MaxRequestsPerSession: c.MaxRequestsPerSession,
			AcquireTimeout:        Duration(c.AcquireTimeout),
			SessionReplaceDelay:   Duration(c.SessionReplaceDelay),
			SessionMaxIdle:        Duration(c.SessionMaxIdle),
			HealthCheckInterval:   Duration(c.HealthCheckInterval),
			CacheTTL:              Duration(c.CacheTTL),
			CacheCapacity:         c.CacheCapacity,
			MaxConcurrent:         c.MaxConcurrent,
			MaxQueueSize:          c.MaxQueueSize,
			QueueTimeout:          Duration(c.QueueTimeout),
			SearchTimeout:         Duration(c.SearchTimeout),
			SettleWindow:          Duration(c.SettleWindow),
			MaxMessagesPerSearch:  c.MaxMessagesPerSearch,
			ShutdownTimeout:       Duration(c.ShutdownTimeout),
		},
		Retry: Retry{
			MaxAttempts:   c.Retry.MaxAttempts,
			InitialDelay:  Duration(c.Retry.InitialDelay),
			BackoffFactor: c.Retry.BackoffFactor,
			MaxDelay:      Duration(c.Retry.MaxDelay),
			MaxJitter:     Duration(c.Retry.MaxJitter),
			MaxElapsed:    Duration(c.Retry.MaxElapsed),
			DelayType:     "exponential",
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Kinds: kinds,
	}
}

// DefaultPath is $XDG_CONFIG_HOME/otpfetch/config.toml or its platform
// equivalent.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config directory: %w", err)
	}

	return filepath.Join(dir, configDir, configName+"."+configType), nil
}

// Load reads the configuration. Values are layered, lowest first: defaults,
// the TOML file, .env files, then OTPFETCH_* variables (OTPFETCH_IMAP_PASSWORD
// sets imap.password). An empty path searches the working directory and
// the user config directory; a missing file is only an error when path was
// given explicitly.
func Load(path string, envFiles ...string) (*File, error) {
	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(".")

		if p, err := DefaultPath(); err == nil {
			v.AddConfigPath(filepath.Dir(p))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var f File

	err := v.Unmarshal(&f, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &f, nil
}

// loadEnvFiles loads .env files without overriding variables already set.
// Missing files are skipped.
func loadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}

	return nil
}

func setDefaults(v *viper.Viper, d File) {
	v.SetDefault("imap.host", d.IMAP.Host)
	v.SetDefault("imap.port", d.IMAP.Port)
	v.SetDefault("imap.username", d.IMAP.Username)
	v.SetDefault("imap.password", d.IMAP.Password)
	v.SetDefault("imap.tls", d.IMAP.TLS)
	v.SetDefault("imap.insecure_skip_verify", d.IMAP.InsecureSkipVerify)
	v.SetDefault("imap.dial_timeout", d.IMAP.DialTimeout)
	v.SetDefault("imap.command_timeout", d.IMAP.CommandTimeout)

	v.SetDefault("fetcher.partitions", d.Fetcher.Partitions)
	v.SetDefault("fetcher.pool_size", d.Fetcher.PoolSize)
	v.SetDefault("fetcher.max_requests_per_session", d.Fetcher.MaxRequestsPerSession)
	v.SetDefault("fetcher.acquire_timeout", d.Fetcher.AcquireTimeout)
	v.SetDefault("fetcher.session_replace_delay", d.Fetcher.SessionReplaceDelay)
	v.SetDefault("fetcher.session_max_idle", d.Fetcher.SessionMaxIdle)
	v.SetDefault("fetcher.health_check_interval", d.Fetcher.HealthCheckInterval)
	v.SetDefault("fetcher.cache_ttl", d.Fetcher.CacheTTL)
	v.SetDefault("fetcher.cache_capacity", d.Fetcher.CacheCapacity)
	v.SetDefault("fetcher.max_concurrent", d.Fetcher.MaxConcurrent)
	v.SetDefault("fetcher.max_queue_size", d.Fetcher.MaxQueueSize)
	v.SetDefault("fetcher.queue_timeout", d.Fetcher.QueueTimeout)
	v.SetDefault("fetcher.search_timeout", d.Fetcher.SearchTimeout)
	v.SetDefault("fetcher.settle_window", d.Fetcher.SettleWindow)
	v.SetDefault("fetcher.max_messages_per_search", d.Fetcher.MaxMessagesPerSearch)
	v.SetDefault("fetcher.shutdown_timeout", d.Fetcher.ShutdownTimeout)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_delay", d.Retry.InitialDelay)
	v.SetDefault("retry.backoff_factor", d.Retry.BackoffFactor)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.max_jitter", d.Retry.MaxJitter)
	v.SetDefault("retry.max_elapsed", d.Retry.MaxElapsed)
	v.SetDefault("retry.delay_type", d.Retry.DelayType)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Write encodes f as TOML to path, creating parent directories. An existing
// file is only replaced when overwrite is set.
func Write(path string, f File, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s: %w", path, fs.ErrExist)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := toml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.WriteFile(path, data, fileMode); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// FetcherConfig converts the file into the library configuration. The
// dialer and logger are supplied by the caller.
func (f *File) FetcherConfig() (otpfetch.Config, error) {
	delayType, err := parseDelayType(f.Retry.DelayType)
	if err != nil {
		return otpfetch.Config{}, err
	}

	var kinds map[string]otpfetch.KindConfig
	if len(f.Kinds) > 0 {
		kinds = make(map[string]otpfetch.KindConfig, len(f.Kinds))
		for name, k := range f.Kinds {
			kinds[name] = otpfetch.KindConfig{
				Sender:     k.Sender,
				Subject:    k.Subject,
				Artifact:   k.Artifact,
				Recency:    time.Duration(k.Recency),
				UnseenOnly: k.UnseenOnly,
			}
		}
	}

	fc := f.Fetcher

	return otpfetch.Config{
		Partitions:            fc.Partitions,
		Kinds:                 kinds,
		PoolSize:              fc.PoolSize,
		MaxRequestsPerSession: fc.MaxRequestsPerSession,
		AcquireTimeout:        time.Duration(fc.AcquireTimeout),
		SessionReplaceDelay:   time.Duration(fc.SessionReplaceDelay),
		SessionMaxIdle:        time.Duration(fc.SessionMaxIdle),
		HealthCheckInterval:   time.Duration(fc.HealthCheckInterval),
		CacheTTL:              time.Duration(fc.CacheTTL),
		CacheCapacity:         fc.CacheCapacity,
		MaxConcurrent:         fc.MaxConcurrent,
		MaxQueueSize:          fc.MaxQueueSize,
		QueueTimeout:          time.Duration(fc.QueueTimeout),
		SearchTimeout:         time.Duration(fc.SearchTimeout),
		SettleWindow:          time.Duration(fc.SettleWindow),
		MaxMessagesPerSearch:  fc.MaxMessagesPerSearch,
		ShutdownTimeout:       time.Duration(fc.ShutdownTimeout),
		Retry: otpfetch.RetryPolicy{
			MaxAttempts:   f.Retry.MaxAttempts,
			InitialDelay:  time.Duration(f.Retry.InitialDelay),
			BackoffFactor: f.Retry.BackoffFactor,
			MaxDelay:      time.Duration(f.Retry.MaxDelay),
			MaxJitter:     time.Duration(f.Retry.MaxJitter),
			MaxElapsed:    time.Duration(f.Retry.MaxElapsed),
			DelayType:     delayType,
		},
	}, nil
}

func (f *File) StoreConfig() imapstore.Config {
	return imapstore.Config{
		Host:               f.IMAP.Host,
		Port:               f.IMAP.Port,
		Username:           f.IMAP.Username,
		Password:           f.IMAP.Password,
		TLS:                f.IMAP.TLS,
		InsecureSkipVerify: f.IMAP.InsecureSkipVerify,
		DialTimeout:        time.Duration(f.IMAP.DialTimeout),
		CommandTimeout:     time.Duration(f.IMAP.CommandTimeout),
	}
}

// Logger builds a slog logger writing to w.
func (f *File) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if f.Log.Level != "" {
		if err := level.UnmarshalText([]byte(f.Log.Level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", f.Log.Level, err)
		}
	}

	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(f.Log.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", f.Log.Format)
	}
}

func parseDelayType(s string) (otpfetch.DelayType, error) {
	switch strings.ToLower(s) {
	case "", "exponential":
		return otpfetch.DelayTypeExponential, nil
	case "fixed":
		return otpfetch.DelayTypeFixed, nil
	case "random":
		return otpfetch.DelayTypeRandom, nil
	default:
		return 0, fmt.Errorf("unknown retry delay type %q", s)
	}
}
