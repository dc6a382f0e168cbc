package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for chatcore.
type Config struct {
	General GeneralConfig `yaml:"general"`
	Twitch  TwitchConfig  `yaml:"twitch"`
	Kick    KickConfig    `yaml:"kick"`
	YouTube YouTubeConfig `yaml:"youtube"`
	Chat    ChatConfig    `yaml:"chat"`
	Cache   CacheConfig   `yaml:"cache"`
	Emotes  EmotesConfig  `yaml:"emotes"`
	Store   StoreConfig   `yaml:"store"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `yaml:"logLevel"`
	LogFile  string `yaml:"logFile,omitempty"`
}

type TwitchConfig struct {
	Token    string `yaml:"token,omitempty"` // OAuth token, "oauth:" prefix optional
	ClientID string `yaml:"clientId,omitempty"`
}

type KickConfig struct {
	AccessToken  string `yaml:"accessToken,omitempty"`
	RefreshToken string `yaml:"refreshToken,omitempty"`
	ClientID     string `yaml:"clientId,omitempty"`
	ClientSecret string `yaml:"clientSecret,omitempty"`
	Username     string `yaml:"username,omitempty"`
}

type YouTubeConfig struct {
	Cookies string `yaml:"cookies,omitempty"` // browser cookie header
}

type ChatConfig struct {
	BatchSize   int `yaml:"batchSize"`
	FlushMillis int `yaml:"flushMillis"`
	RecentLimit int `yaml:"recentLimit"` // per-channel messages kept for moderation
	BusBuffer   int `yaml:"busBuffer"`
	SendPerMin  int `yaml:"sendPerMinute"` // twitch only
	SendBurst   int `yaml:"sendBurst"`
}

type CacheConfig struct {
	Dir             string  `yaml:"dir"`
	DiskBudgetMB    int     `yaml:"diskBudgetMB"`
	StaticCap       int     `yaml:"staticCap"`
	AnimatedCap     int     `yaml:"animatedCap"`
	ExpiryMinutes   int     `yaml:"expiryMinutes"`
	Workers         int     `yaml:"workers"`
	MaxAttempts     int     `yaml:"maxAttempts"`
	CooldownSeconds int     `yaml:"cooldownSeconds"`
	EmoteHeight     int     `yaml:"emoteHeight"`
	Scale           float64 `yaml:"scale"`
}

type EmotesConfig struct {
	Providers  FlexStringList `yaml:"providers"`
	Show       bool           `yaml:"show"`
	ShowBadges bool           `yaml:"showBadges"`
}

type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"dbPath"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// KnownProviders are the third-party emote sources the emotes section may
// name.
var KnownProviders = []string{"7tv", "bttv", "ffz"}

// FlexStringList is a []string that also accepts a single comma-separated
// scalar ("7tv, bttv").
type FlexStringList []string

func (f *FlexStringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var out []string
		for _, part := range strings.Split(node.Value, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		*f = out
		return nil
	case yaml.SequenceNode:
		var ss []string
		if err := node.Decode(&ss); err != nil {
			return err
		}
		*f = ss
		return nil
	}
	return fmt.Errorf("line %d: expected a list or a comma-separated string", node.Line)
}

// DefaultConfigDir returns the default config directory (~/.chatcore).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatcore"
	}
	return filepath.Join(home, ".chatcore")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Cache.Dir = ExpandPath(cfg.Cache.Dir)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to Defaults when the file does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(ExpandPath(path)); os.IsNotExist(err) {
		cfg := Defaults()
		cfg.Cache.Dir = ExpandPath(cfg.Cache.Dir)
		cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
		return cfg, nil
	}
	return Load(path)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as YAML. The file holds tokens, so it is owner-only.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Cache.DiskBudgetMB < 1 {
		errs = append(errs, "cache.diskBudgetMB must be >= 1")
	}
	if cfg.Cache.StaticCap < 1 || cfg.Cache.AnimatedCap < 1 {
		errs = append(errs, "cache.staticCap and cache.animatedCap must be >= 1")
	}
	if cfg.Cache.Workers < 1 || cfg.Cache.Workers > 64 {
		errs = append(errs, "cache.workers must be between 1 and 64")
	}
	if cfg.Cache.MaxAttempts < 1 || cfg.Cache.MaxAttempts > 10 {
		errs = append(errs, "cache.maxAttempts must be between 1 and 10")
	}
	if cfg.Cache.ExpiryMinutes < 1 {
		errs = append(errs, "cache.expiryMinutes must be >= 1")
	}
	if cfg.Cache.CooldownSeconds < 0 {
		errs = append(errs, "cache.cooldownSeconds must be >= 0")
	}
	if cfg.Cache.Scale <= 0 || cfg.Cache.Scale > 4 {
		errs = append(errs, "cache.scale must be in (0, 4]")
	}

	if cfg.Chat.BatchSize < 1 {
		errs = append(errs, "chat.batchSize must be >= 1")
	}
	if cfg.Chat.FlushMillis < 1 {
		errs = append(errs, "chat.flushMillis must be >= 1")
	}
	if cfg.Chat.RecentLimit < 1 {
		errs = append(errs, "chat.recentLimit must be >= 1")
	}

	for _, p := range cfg.Emotes.Providers {
		if !slices.Contains(KnownProviders, p) {
			errs = append(errs, fmt.Sprintf("emotes.providers references unknown provider: %s", p))
		}
	}

	if (cfg.Kick.ClientID == "") != (cfg.Kick.ClientSecret == "") {
		errs = append(errs, "kick.clientId and kick.clientSecret must be set together")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}
	if cfg.Store.Enabled && cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required when the store is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
