package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for dialogbot.
type Config struct {
	General    GeneralConfig    `json:"general"`
	Storage    StorageConfig    `json:"storage"`
	MessageLog MessageLogConfig `json:"messageLog"`
	Tagger     TaggerConfig     `json:"tagger"`
	Intents    IntentsConfig    `json:"intents"`
	Channels   ChannelsConfig   `json:"channels"`
	Metrics    MetricsConfig    `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"`
	Timezone string `json:"timezone,omitempty"` // IANA name, empty = local
	Workers  int    `json:"workers"`            // dispatcher worker queues
}

// Location resolves the configured timezone.
func (g GeneralConfig) Location() (*time.Location, error) {
	if g.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(g.Timezone)
}

type StorageConfig struct {
	DBPath          string `json:"dbPath"`
	ContextTimeout  int    `json:"contextTimeout"` // seconds, 0 = never expire
	UserScope       string `json:"userScope"`      // "channel" | "channel_detail"
	ContextScope    string `json:"contextScope"`   // "channel" | "channel_detail"
	KeepContextData bool   `json:"keepContextData"`
	MessageLog      bool   `json:"messageLog"`
}

type MessageLogConfig struct {
	AMQP AMQPConfig `json:"amqp"`
}

// AMQPConfig publishes every turn to a RabbitMQ exchange.
type AMQPConfig struct {
	Enabled            bool   `json:"enabled"`
	URL                string `json:"url,omitempty"`
	Exchange           string `json:"exchange"`
	RoutingKey         string `json:"routingKey"`
	ConnTimeoutSeconds int    `json:"connTimeoutSeconds"`
}

type TaggerConfig struct {
	Type      string `json:"type"` // "none" | "simple"
	MaxLength int    `json:"maxLength"`
}

type IntentsConfig struct {
	Dir   string       `json:"dir,omitempty"`
	Rules []IntentRule `json:"rules,omitempty"`
}

// IntentRule is the config form of an intent rule.
type IntentRule struct {
	Name     string         `json:"name"`
	Keywords []string       `json:"keywords,omitempty"`
	Pattern  string         `json:"pattern,omitempty"`
	Priority string         `json:"priority,omitempty"`
	Adhoc    bool           `json:"adhoc,omitempty"`
	Entities map[string]any `json:"entities,omitempty"`
}

type ChannelsConfig struct {
	CLI       CLIConfig       `json:"cli"`
	Web       WebConfig       `json:"web"`
	WebSocket WebSocketConfig `json:"websocket"`
	Telegram  TelegramConfig  `json:"telegram"`
	Discord   DiscordConfig   `json:"discord,omitempty"`
	Slack     SlackConfig     `json:"slack,omitempty"`
}

type CLIConfig struct {
	Enabled bool   `json:"enabled"`
	UserID  string `json:"userId,omitempty"`
}

// WebConfig serves the JSON chat API. Requests must carry an HMAC-SHA256
// signature of the body when Secret is set.
type WebConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
	Secret  string `json:"secret,omitempty"`
}

type WebSocketConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays holding
// both strings and numbers (["123", 456] becomes "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	GuildID string `json:"guildId,omitempty"` // optional: restrict to one guild
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken"`
	AppToken string `json:"appToken"` // required for Socket Mode
}

// MetricsConfig exposes the Prometheus endpoint on the web channel.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns ~/.dialogbot.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dialogbot"
	}
	return filepath.Join(home, ".dialogbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads, expands and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Intents.Dir = ExpandPath(cfg.Intents.Dir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment value. ${VAR:-default}
// uses default when VAR is unset or empty; an unset ${VAR} without default
// is left as is.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		def, hasDefault := groups[2], groups[2] != ""

		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return match
	})
}

// Save writes cfg as indented JSON, creating the directory if needed.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.Workers < 1 || cfg.General.Workers > 256 {
		errs = append(errs, "general.workers must be between 1 and 256")
	}
	if _, err := cfg.General.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("general.timezone: %v", err))
	}

	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.dbPath is required")
	}
	if cfg.Storage.ContextTimeout < 0 {
		errs = append(errs, "storage.contextTimeout must be >= 0")
	}
	for name, scope := range map[string]string{"userScope": cfg.Storage.UserScope, "contextScope": cfg.Storage.ContextScope} {
		if scope != "channel" && scope != "channel_detail" {
			errs = append(errs, fmt.Sprintf("storage.%s must be one of: channel, channel_detail", name))
		}
	}

	if a := cfg.MessageLog.AMQP; a.Enabled {
		if a.URL == "" {
			errs = append(errs, "messageLog.amqp.url is required when enabled")
		}
		if a.ConnTimeoutSeconds < 1 {
			errs = append(errs, "messageLog.amqp.connTimeoutSeconds must be >= 1")
		}
	}

	switch cfg.Tagger.Type {
	case "none", "simple":
	default:
		errs = append(errs, "tagger.type must be one of: none, simple")
	}
	if cfg.Tagger.MaxLength < 0 {
		errs = append(errs, "tagger.maxLength must be >= 0")
	}

	for i, r := range cfg.Intents.Rules {
		if r.Name == "" {
			errs = append(errs, fmt.Sprintf("intents.rules.%d: name is required", i))
		}
	}

	for name, port := range map[string]int{"web": cfg.Channels.Web.Port, "websocket": cfg.Channels.WebSocket.Port} {
		if port < 0 || port > 65535 {
			errs = append(errs, fmt.Sprintf("channels.%s.port must be between 0 and 65535", name))
		}
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when enabled")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		errs = append(errs, "channels.discord.token is required when enabled")
	}
	if s := cfg.Channels.Slack; s.Enabled && (s.BotToken == "" || s.AppToken == "") {
		errs = append(errs, "channels.slack.botToken and appToken are required when enabled")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves a leading ~/ to the user's home directory.
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
