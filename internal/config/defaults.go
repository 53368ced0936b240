package config

import "time"

const DefaultBroadcastQuery = "Share today's news."

func Defaults() *Config {
	return &Config{
		Bot: BotConfig{
			AllowFrom:         []string{},
			GroupMode:         "mention",
			ConversationScope: "user",
			MaxConcurrent:     8,
		},
		Dify: DifyConfig{
			BaseURL:         "https://api.dify.ai",
			Timeout:         120 * time.Second,
			RetryMaxElapsed: 60 * time.Second,
		},
		Broadcast: BroadcastConfig{
			Query:    DefaultBroadcastQuery,
			Interval: 24 * time.Hour,
			Jitter:   2 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
