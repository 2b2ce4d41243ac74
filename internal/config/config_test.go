package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.DedupeEnabled() || cfg.DedupeTTL() != 60*time.Second {
		t.Error("dedupe defaults not applied")
	}
	if cfg.ReengageTimeout() != 3*time.Minute {
		t.Errorf("reengage timeout = %v, want 3m default", cfg.ReengageTimeout())
	}
	if cfg.Browser.URL != "https://www.goofish.com/im" {
		t.Errorf("browser url = %q", cfg.Browser.URL)
	}
}

func TestLoad_JSON5WithComments(t *testing.T) {
	path := writeConfig(t, `{
		// merge window tuned down for a busy shop
		debounce: {enabled: true, wait_seconds: 1.5, min_length: 8},
		reengage: {enabled: false},
		replies: {forward_errors: false, error_markers: ["抱歉"]},
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DebounceWait() != 1500*time.Millisecond {
		t.Errorf("debounce wait = %v, want 1.5s", cfg.DebounceWait())
	}
	if cfg.DebounceMinLength() != 8 {
		t.Errorf("min length = %d, want 8", cfg.DebounceMinLength())
	}
	if cfg.ReengageEnabled() {
		t.Error("reengage should be disabled by the file")
	}
	if cfg.ForwardErrorReplies() {
		t.Error("forward_errors should be disabled by the file")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `{dedupe: {enabled: true, ttl_seconds: 30}}`)
	t.Setenv("FISHREPLY_DEDUPE_TTL_SEC", "90")
	t.Setenv("FISHREPLY_COZE_TOKEN", "tok-from-env")
	t.Setenv("FISHREPLY_PAID_STATUSES", "已付款,交易成功")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DedupeTTL() != 90*time.Second {
		t.Errorf("ttl = %v, env must win over the file", cfg.DedupeTTL())
	}
	if cfg.Coze.APIToken != "tok-from-env" {
		t.Error("token must come from the environment")
	}
	if got := cfg.PaidStatuses(); len(got) != 2 || got[0] != "已付款" || got[1] != "交易成功" {
		t.Errorf("paid statuses = %v", got)
	}
}

func TestReload_SwapsValuesInPlace(t *testing.T) {
	path := writeConfig(t, `{debounce: {enabled: true, wait_seconds: 3, min_length: 5}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DebounceMinLength() != 5 {
		t.Fatalf("min length = %d before reload", cfg.DebounceMinLength())
	}

	if err := os.WriteFile(path, []byte(`{debounce: {enabled: true, wait_seconds: 3, min_length: 9}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Reload(path); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if cfg.DebounceMinLength() != 9 {
		t.Errorf("min length = %d after reload, want 9", cfg.DebounceMinLength())
	}
}

func TestIsErrorReply(t *testing.T) {
	cfg := Default()
	cfg.Replies.ErrorMarkers = []string{"抱歉，", "超时", "失败"}

	tests := []struct {
		reply string
		want  bool
	}{
		{"抱歉，系统繁忙请稍后再试", true},
		{"请求超时了", true},
		{"处理失败", true},
		{"在的，全新未拆封哦", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := cfg.IsErrorReply(tt.reply); got != tt.want {
			t.Errorf("IsErrorReply(%q) = %v, want %v", tt.reply, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "complete",
			mutate: func(c *Config) { c.Coze.APIToken = "t"; c.Coze.BotID = "b" },
		},
		{
			name:    "missing token",
			mutate:  func(c *Config) { c.Coze.BotID = "b" },
			wantErr: true,
		},
		{
			name:    "missing bot id",
			mutate:  func(c *Config) { c.Coze.APIToken = "t" },
			wantErr: true,
		},
		{
			name: "postgres without dsn",
			mutate: func(c *Config) {
				c.Coze.APIToken = "t"
				c.Coze.BotID = "b"
				c.Database.Driver = "postgres"
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir in test environment")
	}
	tests := []struct {
		in   string
		want string
	}{
		{"~/.fishreply/sessions.db", filepath.Join(home, ".fishreply/sessions.db")},
		{"~", home},
		{"/abs/path.db", "/abs/path.db"},
		{"relative.db", "relative.db"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
