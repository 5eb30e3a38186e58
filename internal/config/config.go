// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultConfigFile is read when no --config flag is given.
	DefaultConfigFile = "orchestrator.toml"

	// FreeTierAPIKey is the OpenRouter placeholder used when no key is set.
	FreeTierAPIKey = "sk-or-v1-free"

	// DefaultSecretToken is the insecure placeholder from the sample deployment files.
	DefaultSecretToken = "CHANGE_ME_IN_PRODUCTION"

	ModeWebhook = "webhook"
	ModePolling = "polling"

	LockMemory = "memory"
	LockRedis  = "redis"
)

// =============================================================================
// CONFIG TYPES
// =============================================================================

// Config is the full orchestrator configuration.
type Config struct {
	DataDir    string           `toml:"data_dir"`
	Server     ServerConfig     `toml:"server"`
	Telegram   TelegramConfig   `toml:"telegram"`
	OpenRouter OpenRouterConfig `toml:"openrouter"`
	Relay      RelayConfig      `toml:"relay"`
	Session    SessionConfig    `toml:"session"`
	Catalog    CatalogConfig    `toml:"catalog"`
	Sync       SyncConfig       `toml:"sync"`
	Lock       LockConfig       `toml:"lock"`
	Dispatch   DispatchConfig   `toml:"dispatch"`
	Logging    LoggingConfig    `toml:"logging"`
}

// ServerConfig configures the webhook HTTP server.
type ServerConfig struct {
	ListenAddr      string  `toml:"listen_addr"`
	SecretToken     string  `toml:"secret_token"`
	MaxBodyBytes    int64   `toml:"max_body_bytes"`
	RateLimitPerSec float64 `toml:"rate_limit_per_sec"`
	RateLimitBurst  int     `toml:"rate_limit_burst"`
}

// TelegramConfig configures the Bot API transport.
type TelegramConfig struct {
	Token       string `toml:"token"`
	Mode        string `toml:"mode"`
	APIEndpoint string `toml:"api_endpoint"`
	ParseMode   string `toml:"parse_mode"`
	PollTimeout int    `toml:"poll_timeout_secs"`
}

// OpenRouterConfig configures the completion client.
type OpenRouterConfig struct {
	APIKey      string `toml:"api_key"`
	BaseURL     string `toml:"base_url"`
	SiteURL     string `toml:"site_url"`
	SiteName    string `toml:"site_name"`
	TimeoutSecs int    `toml:"timeout_secs"`
}

// RelayConfig configures the streaming relay engine.
type RelayConfig struct {
	FlushEvery        int     `toml:"flush_every"`
	MaxMessageLength  int     `toml:"max_message_length"`
	EditsPerSecond    float64 `toml:"edits_per_second"`
	EditBurst         int     `toml:"edit_burst"`
	StreamTimeoutSecs int     `toml:"stream_timeout_secs"`
	SystemPrompt      string  `toml:"system_prompt"`
}

// SessionConfig configures the per-user session store.
type SessionConfig struct {
	Dir            string `toml:"dir"`
	HistoryLimit   int    `toml:"history_limit"`
	DefaultContext string `toml:"default_context"`
}

// CatalogConfig configures the model catalog database.
type CatalogConfig struct {
	DBPath    string `toml:"db_path"`
	SeedFile  string `toml:"seed_file"`
	WatchSeed bool   `toml:"watch_seed"`
}

// SyncConfig configures the scheduled free-model sync.
type SyncConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"`
}

// LockConfig selects the per-user lock backend.
type LockConfig struct {
	Backend   string `toml:"backend"`
	RedisAddr string `toml:"redis_addr"`
	RedisDB   int    `toml:"redis_db"`
	TTLSecs   int    `toml:"ttl_secs"`
}

// DispatchConfig bounds concurrent event handling.
type DispatchConfig struct {
	MaxConcurrent    int `toml:"max_concurrent"`
	EventTimeoutSecs int `toml:"event_timeout_secs"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a configuration with every field populated.
func Default() *Config {
	return &Config{
		DataDir: "data",
		Server: ServerConfig{
			ListenAddr:      ":8000",
			SecretToken:     DefaultSecretToken,
			MaxBodyBytes:    1 << 20,
			RateLimitPerSec: 20,
			RateLimitBurst:  50,
		},
		Telegram: TelegramConfig{
			Mode:        ModeWebhook,
			APIEndpoint: "https://api.telegram.org/bot%s/%s",
			ParseMode:   "Markdown",
			PollTimeout: 60,
		},
		OpenRouter: OpenRouterConfig{
			APIKey:      FreeTierAPIKey,
			BaseURL:     "https://openrouter.ai/api/v1",
			SiteURL:     "https://github.com/jeranaias/relay-orchestrator",
			SiteName:    "Telegram Agent Orchestrator",
			TimeoutSecs: 60,
		},
		Relay: RelayConfig{
			FlushEvery:        50,
			MaxMessageLength:  4096,
			EditsPerSecond:    1,
			EditBurst:         3,
			StreamTimeoutSecs: 300,
		},
		Session: SessionConfig{
			HistoryLimit:   20,
			DefaultContext: "/workspace",
		},
		Catalog: CatalogConfig{},
		Sync: SyncConfig{
			Enabled:  true,
			Schedule: "0 3 * * *",
		},
		Lock: LockConfig{
			Backend: LockMemory,
			TTLSecs: 600,
		},
		Dispatch: DispatchConfig{
			MaxConcurrent:    16,
			EventTimeoutSecs: 600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// fillDefaults resolves paths that derive from DataDir.
func (c *Config) fillDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Session.Dir == "" {
		c.Session.Dir = filepath.Join(c.DataDir, "sessions")
	}
	if c.Catalog.DBPath == "" {
		c.Catalog.DBPath = filepath.Join(c.DataDir, "models.db")
	}
	if c.OpenRouter.APIKey == "" {
		c.OpenRouter.APIKey = FreeTierAPIKey
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the TOML file at path (if it exists), then .env, then the
// environment. A missing file at the default path is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	if _, err := os.Stat(path); err == nil {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg.ApplyEnvOverrides()
	cfg.fillDefaults()
	return cfg, nil
}

// LoadTOML decodes path on top of cfg.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnvOverrides copies recognised environment variables into c.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("SECRET_TOKEN"); v != "" {
		c.Server.SecretToken = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		c.OpenRouter.APIKey = v
	}
	if v := os.Getenv("OPENROUTER_BASE_URL"); v != "" {
		c.OpenRouter.BaseURL = v
	}
	if v := os.Getenv("ORCH_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("ORCH_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("ORCH_MODE"); v != "" {
		c.Telegram.Mode = v
	}
	if v := os.Getenv("ORCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ORCH_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("ORCH_REDIS_ADDR"); v != "" {
		c.Lock.RedisAddr = v
		c.Lock.Backend = LockRedis
	}
	if v := os.Getenv("ORCH_SYNC_SCHEDULE"); v != "" {
		c.Sync.Schedule = v
	}
	if v := os.Getenv("ORCH_SYNC_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Sync.Enabled = b
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors collects every ValidationError found by Validate.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the settings needed to serve traffic.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add("telegram.token", "must be set (TELEGRAM_TOKEN)")
	}
	switch c.Telegram.Mode {
	case ModeWebhook, ModePolling:
	default:
		add("telegram.mode", "invalid mode %q, must be one of: %s, %s", c.Telegram.Mode, ModeWebhook, ModePolling)
	}
	if _, err := url.ParseRequestURI(c.OpenRouter.BaseURL); err != nil {
		add("openrouter.base_url", "invalid URL: %v", err)
	}
	if c.OpenRouter.TimeoutSecs <= 0 {
		add("openrouter.timeout_secs", "must be positive, got %d", c.OpenRouter.TimeoutSecs)
	}
	if c.Relay.FlushEvery <= 0 {
		add("relay.flush_every", "must be positive, got %d", c.Relay.FlushEvery)
	}
	if c.Relay.MaxMessageLength <= 0 || c.Relay.MaxMessageLength > 4096 {
		add("relay.max_message_length", "must be 1-4096, got %d", c.Relay.MaxMessageLength)
	}
	if c.Relay.EditsPerSecond < 0 {
		add("relay.edits_per_second", "cannot be negative")
	}
	if c.Session.HistoryLimit <= 0 {
		add("session.history_limit", "must be positive, got %d", c.Session.HistoryLimit)
	}
	switch c.Lock.Backend {
	case LockMemory:
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			add("lock.redis_addr", "required when lock.backend is %q", LockRedis)
		}
	default:
		add("lock.backend", "invalid backend %q, must be one of: %s, %s", c.Lock.Backend, LockMemory, LockRedis)
	}
	if c.Dispatch.MaxConcurrent <= 0 {
		add("dispatch.max_concurrent", "must be positive, got %d", c.Dispatch.MaxConcurrent)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// InsecureSecret reports whether the webhook secret is unset or the shipped placeholder.
func (c *Config) InsecureSecret() bool {
	return c.Server.SecretToken == "" || c.Server.SecretToken == DefaultSecretToken
}

// =============================================================================
// DURATION HELPERS
// =============================================================================

func (c OpenRouterConfig) Timeout() time.Duration { return secs(c.TimeoutSecs) }
func (c RelayConfig) StreamTimeout() time.Duration { return secs(c.StreamTimeoutSecs) }
func (c LockConfig) TTL() time.Duration            { return secs(c.TTLSecs) }
func (c DispatchConfig) EventTimeout() time.Duration {
	return secs(c.EventTimeoutSecs)
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}
