package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Chat: ChatConfig{
			BatchSize:   10,
			FlushMillis: 100,
			RecentLimit: 500,
			BusBuffer:   256,
			SendPerMin:  40,
			SendBurst:   20,
		},
		Cache: CacheConfig{
			Dir:             "~/.chatcore/cache",
			DiskBudgetMB:    500,
			StaticCap:       2000,
			AnimatedCap:     300,
			ExpiryMinutes:   10,
			Workers:         10,
			MaxAttempts:     3,
			CooldownSeconds: 300,
			EmoteHeight:     28,
			Scale:           1,
		},
		Emotes: EmotesConfig{
			Providers:  FlexStringList{"7tv", "bttv", "ffz"},
			Show:       true,
			ShowBadges: true,
		},
		Store: StoreConfig{
			Enabled: true,
			DBPath:  "~/.chatcore/chatcore.db",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}
