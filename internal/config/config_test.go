package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.General.LogLevel = "loud" }, "general.logLevel"},
		{"disk budget", func(c *Config) { c.Cache.DiskBudgetMB = 0 }, "cache.diskBudgetMB"},
		{"workers", func(c *Config) { c.Cache.Workers = 0 }, "cache.workers"},
		{"too many workers", func(c *Config) { c.Cache.Workers = 65 }, "cache.workers"},
		{"attempts", func(c *Config) { c.Cache.MaxAttempts = 11 }, "cache.maxAttempts"},
		{"scale", func(c *Config) { c.Cache.Scale = 0 }, "cache.scale"},
		{"batch", func(c *Config) { c.Chat.BatchSize = 0 }, "chat.batchSize"},
		{"provider", func(c *Config) { c.Emotes.Providers = FlexStringList{"7tv", "giphy"} }, "unknown provider: giphy"},
		{"kick secret", func(c *Config) { c.Kick.ClientID = "id" }, "kick.clientId"},
		{"metrics addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "" }, "metrics.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := Defaults()
	cfg.Twitch.Token = "oauth:abcdef"
	cfg.Cache.Workers = 4
	cfg.Emotes.Providers = FlexStringList{"bttv"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Twitch.Token != "oauth:abcdef" || loaded.Cache.Workers != 4 {
		t.Errorf("loaded = %+v", loaded)
	}
	if len(loaded.Emotes.Providers) != 1 || loaded.Emotes.Providers[0] != "bttv" {
		t.Errorf("providers = %v", loaded.Emotes.Providers)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil || cfg.Cache.StaticCap != 2000 {
		t.Fatalf("LoadOrDefault = %+v, %v", cfg, err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("general: [unclosed"), 0o600)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("cache:\n  workers: 3\n"), 0o600)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cache.Workers != 3 || cfg.Cache.AnimatedCap != 300 || cfg.Chat.BatchSize != 10 {
		t.Errorf("cache = %+v chat = %+v", cfg.Cache, cfg.Chat)
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("cache:\n  workers: 0\n"), 0o600)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "cache.workers") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_CHATCORE_TOKEN", "sekret")
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "twitch:\n  token: ${TEST_CHATCORE_TOKEN}\n  clientId: ${TEST_CHATCORE_CLIENT:-cid}\n"
	os.WriteFile(path, []byte(content), 0o600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Twitch.Token != "sekret" || cfg.Twitch.ClientID != "cid" {
		t.Fatalf("twitch = %+v", cfg.Twitch)
	}
}

// --- FlexStringList ---

func TestFlexStringList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"providers: [7tv, ffz]", []string{"7tv", "ffz"}},
		{"providers: 7tv, bttv", []string{"7tv", "bttv"}},
		{"providers: ''", nil},
	}
	for _, tt := range tests {
		var e EmotesConfig
		if err := yaml.Unmarshal([]byte(tt.in), &e); err != nil {
			t.Fatalf("%s: %v", tt.in, err)
		}
		if len(e.Providers) != len(tt.want) {
			t.Fatalf("%s: got %v", tt.in, e.Providers)
		}
		for i := range tt.want {
			if e.Providers[i] != tt.want[i] {
				t.Errorf("%s: got %v", tt.in, e.Providers)
			}
		}
	}
	var e EmotesConfig
	if err := yaml.Unmarshal([]byte("providers: {a: b}"), &e); err == nil {
		t.Error("mapping accepted")
	}
}

// --- Accessors ---

func TestGetByPath(t *testing.T) {
	cfg := Defaults()
	v, err := GetByPath(cfg, "cache.workers")
	if err != nil || v != 10 {
		t.Fatalf("cache.workers = %v (%T), %v", v, v, err)
	}
	v, err = GetByPath(cfg, "emotes.providers.1")
	if err != nil || v != "bttv" {
		t.Fatalf("emotes.providers.1 = %v, %v", v, err)
	}
	if _, err := GetByPath(cfg, "cache.nope"); err == nil {
		t.Error("expected error for unknown key")
	}
	if _, err := GetByPath(cfg, "emotes.providers.9"); err == nil {
		t.Error("expected error for index out of range")
	}
}

func TestSetByPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "cache.workers", "4"); err != nil {
		t.Fatal(err)
	}
	if err := SetByPath(cfg, "metrics.enabled", "true"); err != nil {
		t.Fatal(err)
	}
	if err := SetByPath(cfg, "emotes.providers", "ffz"); err != nil {
		t.Fatal(err)
	}
	if cfg.Cache.Workers != 4 || !cfg.Metrics.Enabled || len(cfg.Emotes.Providers) != 1 {
		t.Errorf("cfg = %+v %+v %v", cfg.Cache, cfg.Metrics, cfg.Emotes.Providers)
	}
	if err := SetByPath(cfg, "", "x"); err == nil {
		t.Error("empty path accepted")
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Twitch.Token = "abcdefghijklmnop"
	cfg.Kick.ClientSecret = "short"
	cfg.YouTube.Cookies = "SAPISID=x"

	s := Sanitize(cfg)
	if s.Twitch.Token != "abcd****mnop" || s.Kick.ClientSecret != "***" || s.YouTube.Cookies != "***" {
		t.Errorf("sanitized = %+v %+v %+v", s.Twitch, s.Kick, s.YouTube)
	}
	if cfg.Twitch.Token != "abcdefghijklmnop" {
		t.Error("Sanitize mutated the original")
	}
	if s.Kick.AccessToken != "" {
		t.Error("empty secret rendered as a mask")
	}
}

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	for _, p := range []string{"general.logLevel", "cache.diskBudgetMB", "store.dbPath", "metrics.addr"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("missing path %s", p)
		}
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	result := ExpandEnvVars(`token: "${TEST_API_KEY}"`)
	expected := `token: "sk-abc123"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`addr: "${NONEXISTENT_VAR_12345:-8080}"`)
	expected := `addr: "8080"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_SetVarOverridesDefault(t *testing.T) {
	t.Setenv("MY_PORT", "9090")
	result := ExpandEnvVars(`addr: "${MY_PORT:-8080}"`)
	if result != `addr: "9090"` {
		t.Fatalf("got %q", result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	if result != `"${TOTALLY_UNSET_VAR_XYZ}"` {
		t.Fatalf("got %q", result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	if result != `"fallback"` {
		t.Fatalf("got %q", result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	if result := ExpandEnvVars(input); result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}

// --- Defaults ---

func TestDefaults_MatchCacheSizing(t *testing.T) {
	cfg := Defaults()
	if cfg.Cache.DiskBudgetMB != 500 || cfg.Cache.StaticCap != 2000 || cfg.Cache.AnimatedCap != 300 {
		t.Errorf("cache defaults = %+v", cfg.Cache)
	}
	if cfg.Cache.EmoteHeight != 28 || cfg.Cache.Workers != 10 {
		t.Errorf("cache defaults = %+v", cfg.Cache)
	}
}
