package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Coze: CozeConfig{
			BaseURL:           "https://api.coze.cn",
			RequestTimeoutSec: 60,
			RateLimitRPM:      20,
		},
		Browser: BrowserConfig{
			URL:              "https://www.goofish.com/im",
			UserDataDir:      "~/.fishreply/browser",
			CheckIntervalSec: 10,
			EnterDelayMs:     1500,
			LoginWaitSec:     300,
		},
		Dedupe: DedupeConfig{
			Enabled:    true,
			TTLSeconds: 60,
			MaxEntries: 5000,
		},
		Debounce: DebounceConfig{
			Enabled:     true,
			WaitSeconds: 3,
			MinLength:   5,
		},
		Reengage: ReengageConfig{
			Enabled:        true,
			TimeoutMinutes: 3,
			TriggerMessage: "[inactive]",
			SkipMarker:     "[inact_skip]",
			PaidStatuses:   []string{"paid", "已付款", "待发货", "已发货", "交易成功"},
			SweepCron:      "*/5 * * * *",
		},
		Memory: MemoryConfig{
			Enabled:       true,
			ContextRounds: 5,
		},
		Replies: RepliesConfig{
			ForwardErrors: true,
			ErrorMarkers:  []string{"抱歉，", "系统", "超时", "失败", "错误"},
			Fallback:      "抱歉，系统暂时无法处理您的请求，请稍后再试。",
		},
		Database: DatabaseConfig{
			Driver:     "sqlite",
			SqlitePath: "~/.fishreply/sessions.db",
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18520,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "http",
			ServiceName: "fishreply",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error — defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Reload re-reads the file into this Config in place, keeping pointers held
// by running components valid. Secrets from env are re-applied.
func (c *Config) Reload(path string) error {
	fresh, err := Load(path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Coze = fresh.Coze
	c.Browser = fresh.Browser
	c.Dedupe = fresh.Dedupe
	c.Debounce = fresh.Debounce
	c.Reengage = fresh.Reengage
	c.Memory = fresh.Memory
	c.Replies = fresh.Replies
	c.Database = fresh.Database
	c.Gateway = fresh.Gateway
	c.Telemetry = fresh.Telemetry
	return nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("FISHREPLY_COZE_TOKEN", &c.Coze.APIToken)
	envStr("FISHREPLY_COZE_BOT_ID", &c.Coze.BotID)
	envStr("FISHREPLY_COZE_BASE_URL", &c.Coze.BaseURL)

	envStr("FISHREPLY_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("FISHREPLY_DB_DRIVER", &c.Database.Driver)
	envStr("FISHREPLY_SQLITE_PATH", &c.Database.SqlitePath)

	envBool("FISHREPLY_HEADLESS", &c.Browser.Headless)
	envStr("FISHREPLY_BROWSER_DATA_DIR", &c.Browser.UserDataDir)
	envInt("FISHREPLY_CHECK_INTERVAL_SEC", &c.Browser.CheckIntervalSec)

	envBool("FISHREPLY_DEDUPE_ENABLED", &c.Dedupe.Enabled)
	envInt("FISHREPLY_DEDUPE_TTL_SEC", &c.Dedupe.TTLSeconds)

	envBool("FISHREPLY_MERGE_ENABLED", &c.Debounce.Enabled)
	envInt("FISHREPLY_MERGE_MIN_LENGTH", &c.Debounce.MinLength)
	if v := os.Getenv("FISHREPLY_MERGE_WAIT_SEC"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Debounce.WaitSeconds = f
		}
	}

	envBool("FISHREPLY_INACTIVE_ENABLED", &c.Reengage.Enabled)
	envInt("FISHREPLY_INACTIVE_TIMEOUT_MIN", &c.Reengage.TimeoutMinutes)
	envStr("FISHREPLY_INACTIVE_MESSAGE", &c.Reengage.TriggerMessage)
	envStr("FISHREPLY_INACTIVE_SKIP_MARKER", &c.Reengage.SkipMarker)
	if v := os.Getenv("FISHREPLY_PAID_STATUSES"); v != "" {
		c.Reengage.PaidStatuses = strings.Split(v, ",")
	}

	envBool("FISHREPLY_MEMORY_ENABLED", &c.Memory.Enabled)
	envInt("FISHREPLY_MEMORY_ROUNDS", &c.Memory.ContextRounds)

	envStr("FISHREPLY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envBool("FISHREPLY_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("FISHREPLY_GATEWAY_HOST", &c.Gateway.Host)
	envInt("FISHREPLY_GATEWAY_PORT", &c.Gateway.Port)
	envBool("FISHREPLY_GATEWAY_ENABLED", &c.Gateway.Enabled)
}

// Validate checks that required settings are present for a live run.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Coze.APIToken == "" {
		return fmt.Errorf("FISHREPLY_COZE_TOKEN is not set")
	}
	if c.Coze.BotID == "" {
		return fmt.Errorf("coze.bot_id is not set")
	}
	if c.Database.Driver == "postgres" && c.Database.PostgresDSN == "" {
		return fmt.Errorf("FISHREPLY_POSTGRES_DSN is not set")
	}
	return nil
}

// SqlitePathExpanded returns the sqlite file path with ~ expanded.
func (c *Config) SqlitePathExpanded() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Database.SqlitePath)
}

// BrowserDataDir returns the browser profile dir with ~ expanded.
func (c *Config) BrowserDataDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Browser.UserDataDir)
}

// PromptText loads the prompt template file if configured.
func (c *Config) PromptText() string {
	c.mu.RLock()
	path := c.Coze.PromptFile
	c.mu.RUnlock()
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return home
}
