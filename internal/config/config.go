package config

import (
	"strings"
	"sync"
	"time"
)

// Config is the root configuration for the fishreply watcher.
//
// Orchestration knobs (debounce, dedupe, reengage, memory, replies) are
// hot-reloadable: the file watcher swaps their values in place under mu, and
// components read them through the guarded getters on every use.
type Config struct {
	Coze      CozeConfig      `json:"coze"`
	Browser   BrowserConfig   `json:"browser"`
	Dedupe    DedupeConfig    `json:"dedupe"`
	Debounce  DebounceConfig  `json:"debounce"`
	Reengage  ReengageConfig  `json:"reengage"`
	Memory    MemoryConfig    `json:"memory"`
	Replies   RepliesConfig   `json:"replies"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Gateway   GatewayConfig   `json:"gateway,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// CozeConfig configures the Coze chat backend.
// APIToken is never read from the config file — env FISHREPLY_COZE_TOKEN only.
type CozeConfig struct {
	APIToken          string `json:"-"`
	BotID             string `json:"bot_id"`
	BaseURL           string `json:"base_url,omitempty"`
	RequestTimeoutSec int    `json:"request_timeout_sec,omitempty"`
	RateLimitRPM      int    `json:"rate_limit_rpm,omitempty"`
	PromptFile        string `json:"prompt_file,omitempty"` // optional prompt template, injected as the "prompt" variable
}

// BrowserConfig configures the marketplace web automation.
type BrowserConfig struct {
	URL              string `json:"url,omitempty"` // IM page, default goofish.com/im
	Headless         bool   `json:"headless,omitempty"`
	UserDataDir      string `json:"user_data_dir,omitempty"`      // persisted login state
	CheckIntervalSec int    `json:"check_interval_sec,omitempty"` // unread-thread poll interval
	EnterDelayMs     int    `json:"enter_delay_ms,omitempty"`     // settle time after opening a thread
	LoginWaitSec     int    `json:"login_wait_sec,omitempty"`     // max wait for manual login
}

// DedupeConfig configures the answered-message fingerprint cache.
type DedupeConfig struct {
	Enabled    bool `json:"enabled"`
	TTLSeconds int  `json:"ttl_seconds,omitempty"`
	MaxEntries int  `json:"max_entries,omitempty"`
}

// DebounceConfig configures merging of rapid short buyer fragments.
type DebounceConfig struct {
	Enabled     bool    `json:"enabled"`
	WaitSeconds float64 `json:"wait_seconds,omitempty"`
	MinLength   int     `json:"min_length,omitempty"` // fragments shorter than this (in runes) wait for more
}

// ReengageConfig configures the proactive follow-up after buyer silence.
type ReengageConfig struct {
	Enabled        bool     `json:"enabled"`
	TimeoutMinutes int      `json:"timeout_minutes,omitempty"`
	TriggerMessage string   `json:"trigger_message,omitempty"` // synthetic payload sent to the AI, not a real buyer message
	SkipMarker     string   `json:"skip_marker,omitempty"`     // AI replies containing this are never forwarded
	PaidStatuses   []string `json:"paid_statuses,omitempty"`   // order states that suppress reengagement
	SweepCron      string   `json:"sweep_cron,omitempty"`      // recovery sweep schedule, "" disables
}

// MemoryConfig configures cross-item context injection for returning buyers.
type MemoryConfig struct {
	Enabled       bool `json:"enabled"`
	ContextRounds int  `json:"context_rounds,omitempty"` // prior buyer/assistant rounds pulled from the other conversation
}

// RepliesConfig controls handling of error-shaped AI replies.
type RepliesConfig struct {
	ForwardErrors bool     `json:"forward_errors"`          // forward error-looking replies on normal turns
	ErrorMarkers  []string `json:"error_markers,omitempty"` // substrings marking a reply as a backend error/apology
	Fallback      string   `json:"fallback,omitempty"`      // reply used when the AI call itself fails
}

// DatabaseConfig selects the session store backend.
// PostgresDSN is a secret — env FISHREPLY_POSTGRES_DSN only.
type DatabaseConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" (default), "postgres", "memory"
	SqlitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"`
}

// GatewayConfig configures the websocket event feed.
type GatewayConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Host    string `json:"host,omitempty"`
	Port    int    `json:"port,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// Hot-reload getters. Every orchestration component reads through these on
// each use so a config file edit takes effect without restart.

func (c *Config) DedupeEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Dedupe.Enabled
}

func (c *Config) DedupeTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Dedupe.TTLSeconds) * time.Second
}

func (c *Config) DedupeMaxEntries() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Dedupe.MaxEntries
}

func (c *Config) DebounceEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Debounce.Enabled
}

func (c *Config) DebounceWait() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Debounce.WaitSeconds * float64(time.Second))
}

func (c *Config) DebounceMinLength() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Debounce.MinLength
}

func (c *Config) ReengageEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Reengage.Enabled
}

func (c *Config) ReengageTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Reengage.TimeoutMinutes) * time.Minute
}

func (c *Config) ReengageTrigger() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Reengage.TriggerMessage
}

func (c *Config) ReengageSkipMarker() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Reengage.SkipMarker
}

// PaidStatuses returns the order states treated as "paid or beyond".
func (c *Config) PaidStatuses() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.Reengage.PaidStatuses))
	copy(out, c.Reengage.PaidStatuses)
	return out
}

func (c *Config) MemoryEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Memory.Enabled
}

func (c *Config) MemoryRounds() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Memory.ContextRounds
}

func (c *Config) ForwardErrorReplies() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Replies.ForwardErrors
}

func (c *Config) ErrorMarkers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.Replies.ErrorMarkers))
	copy(out, c.Replies.ErrorMarkers)
	return out
}

func (c *Config) FallbackReply() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Replies.Fallback
}

func (c *Config) CheckInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Browser.CheckIntervalSec) * time.Second
}

func (c *Config) EnterDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Browser.EnterDelayMs) * time.Millisecond
}

func (c *Config) SweepCron() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Reengage.SweepCron
}

// IsErrorReply reports whether an AI reply looks like a backend error or
// apology according to the configured marker set.
func (c *Config) IsErrorReply(reply string) bool {
	for _, marker := range c.ErrorMarkers() {
		if marker != "" && strings.Contains(reply, marker) {
			return true
		}
	}
	return false
}
