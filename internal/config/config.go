package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the root configuration for difybot.
type Config struct {
	Bot       BotConfig       `json:"bot" mapstructure:"bot"`
	Dify      DifyConfig      `json:"dify" mapstructure:"dify"`
	News      NewsConfig      `json:"news" mapstructure:"news"`
	Broadcast BroadcastConfig `json:"broadcast" mapstructure:"broadcast"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Metrics   MetricsConfig   `json:"metrics" mapstructure:"metrics"`
}

type BotConfig struct {
	Token string `json:"token" mapstructure:"token"`
	// AllowFrom lists user ids or usernames; empty allows everyone.
	AllowFrom         []string `json:"allowFrom" mapstructure:"allowFrom"`
	GroupMode         string   `json:"groupMode" mapstructure:"groupMode"`                 // "mention" | "all"
	ConversationScope string   `json:"conversationScope" mapstructure:"conversationScope"` // "user" | "chat"
	MaxConcurrent     int      `json:"maxConcurrent" mapstructure:"maxConcurrent"`
}

type DifyConfig struct {
	APIKey          string        `json:"apiKey" mapstructure:"apiKey"`
	BaseURL         string        `json:"baseUrl" mapstructure:"baseUrl"`
	Timeout         time.Duration `json:"timeout" mapstructure:"timeout"`
	RetryMaxElapsed time.Duration `json:"retryMaxElapsed" mapstructure:"retryMaxElapsed"`
}

type NewsConfig struct {
	APIKey  string `json:"apiKey" mapstructure:"apiKey"`
	BaseURL string `json:"baseUrl" mapstructure:"baseUrl"`
	// Roster is the path of a YAML file listing the bot identities.
	Roster string `json:"roster" mapstructure:"roster"`
}

type BroadcastConfig struct {
	ChatID   int64         `json:"chatId" mapstructure:"chatId"`
	Query    string        `json:"query" mapstructure:"query"`
	Interval time.Duration `json:"interval" mapstructure:"interval"`
	Jitter   time.Duration `json:"jitter" mapstructure:"jitter"`
}

// Enabled reports whether a broadcast target is configured.
func (b BroadcastConfig) Enabled() bool { return b.ChatID != 0 }

type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	Format string `json:"format" mapstructure:"format"` // "text" | "json"
}

type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint; empty disables it.
	Addr string `json:"addr" mapstructure:"addr"`
}

// envBindings maps config keys to the environment variables that set them.
var envBindings = [][2]string{
	{"bot.token", "BOT_TOKEN"},
	{"bot.allowFrom", "BOT_ALLOW_FROM"},
	{"bot.groupMode", "BOT_GROUP_MODE"},
	{"bot.conversationScope", "BOT_CONVERSATION_SCOPE"},
	{"bot.maxConcurrent", "BOT_MAX_CONCURRENT"},
	{"dify.apiKey", "DIFY_API_KEY"},
	{"dify.baseUrl", "DIFY_BASE_URL"},
	{"dify.timeout", "DIFY_TIMEOUT"},
	{"dify.retryMaxElapsed", "DIFY_RETRY_MAX_ELAPSED"},
	{"news.apiKey", "NEWS_DIFY_API_KEY"},
	{"news.baseUrl", "NEWS_DIFY_BASE_URL"},
	{"news.roster", "NEWS_ROSTER"},
	{"broadcast.chatId", "BROADCAST_CHAT_ID"},
	{"broadcast.query", "BROADCAST_QUERY"},
	{"broadcast.interval", "BROADCAST_INTERVAL"},
	{"broadcast.jitter", "BROADCAST_JITTER"},
	{"logging.level", "LOG_LEVEL"},
	{"logging.format", "LOG_FORMAT"},
	{"metrics.addr", "METRICS_ADDR"},
}

// EnvVar returns the environment variable bound to a config key.
func EnvVar(key string) (string, bool) {
	for _, b := range envBindings {
		if strings.EqualFold(b[0], key) {
			return b[1], true
		}
	}
	return "", false
}

// Load reads .env (if present), the environment and an optional config file
// (YAML or JSON), in increasing order of precedence: defaults, file, env.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("cannot read .env: %w", err)
	}

	v := viper.New()
	setDefaults(v, Defaults())
	for _, b := range envBindings {
		if err := v.BindEnv(b[0], b[1]); err != nil {
			return nil, fmt.Errorf("bind %s: %w", b[1], err)
		}
	}

	if path != "" {
		path = ExpandPath(path)
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config: %w", err)
	}
	cfg.applyFallbacks()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("bot.token", d.Bot.Token)
	v.SetDefault("bot.allowFrom", d.Bot.AllowFrom)
	v.SetDefault("bot.groupMode", d.Bot.GroupMode)
	v.SetDefault("bot.conversationScope", d.Bot.ConversationScope)
	v.SetDefault("bot.maxConcurrent", d.Bot.MaxConcurrent)
	v.SetDefault("dify.apiKey", d.Dify.APIKey)
	v.SetDefault("dify.baseUrl", d.Dify.BaseURL)
	v.SetDefault("dify.timeout", d.Dify.Timeout)
	v.SetDefault("dify.retryMaxElapsed", d.Dify.RetryMaxElapsed)
	v.SetDefault("news.apiKey", d.News.APIKey)
	v.SetDefault("news.baseUrl", d.News.BaseURL)
	v.SetDefault("news.roster", d.News.Roster)
	v.SetDefault("broadcast.chatId", d.Broadcast.ChatID)
	v.SetDefault("broadcast.query", d.Broadcast.Query)
	v.SetDefault("broadcast.interval", d.Broadcast.Interval)
	v.SetDefault("broadcast.jitter", d.Broadcast.Jitter)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// applyFallbacks lets the news app share the main app's credentials.
func (c *Config) applyFallbacks() {
	if c.News.APIKey == "" {
		c.News.APIKey = c.Dify.APIKey
	}
	if c.News.BaseURL == "" {
		c.News.BaseURL = c.Dify.BaseURL
	}
	c.News.Roster = ExpandPath(c.News.Roster)
	c.Bot.AllowFrom = splitList(c.Bot.AllowFrom)
}

// splitList flattens comma-separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Validate checks that the config has usable values.
func Validate(cfg *Config) error {
	var errs []string

	if strings.TrimSpace(cfg.Dify.APIKey) == "" {
		errs = append(errs, "dify.apiKey is required (DIFY_API_KEY)")
	}
	if cfg.Dify.Timeout <= 0 {
		errs = append(errs, "dify.timeout must be positive")
	}
	if cfg.Dify.RetryMaxElapsed <= 0 {
		errs = append(errs, "dify.retryMaxElapsed must be positive")
	}

	switch cfg.Bot.GroupMode {
	case "mention", "all":
	default:
		errs = append(errs, "bot.groupMode must be one of: mention, all")
	}
	switch cfg.Bot.ConversationScope {
	case "user", "chat":
	default:
		errs = append(errs, "bot.conversationScope must be one of: user, chat")
	}
	if cfg.Bot.MaxConcurrent < 1 || cfg.Bot.MaxConcurrent > 100 {
		errs = append(errs, "bot.maxConcurrent must be between 1 and 100")
	}

	if cfg.Broadcast.Interval <= 0 {
		errs = append(errs, "broadcast.interval must be positive")
	}
	if cfg.Broadcast.Jitter < 0 {
		errs = append(errs, "broadcast.jitter must not be negative")
	}
	if cfg.Broadcast.Enabled() && strings.TrimSpace(cfg.Broadcast.Query) == "" {
		errs = append(errs, "broadcast.query must not be empty when broadcast.chatId is set")
	}

	if _, err := parseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err.Error())
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, "logging.format must be one of: text, json")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RequireBotToken reports a missing bot token, needed by every command that
// talks to Telegram.
func (c *Config) RequireBotToken() error {
	if strings.TrimSpace(c.Bot.Token) == "" {
		return errors.New("bot.token is required (BOT_TOKEN)")
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
