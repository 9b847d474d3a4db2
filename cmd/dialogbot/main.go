package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"dialogbot/internal/bot"
	"dialogbot/internal/bus"
	"dialogbot/internal/channel"
	"dialogbot/internal/config"
	"dialogbot/internal/domain"
	"dialogbot/internal/storage"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dialogbot",
		Short:         "dialogbot: a topic-based conversational bot",
		Long:          "dialogbot routes chat messages to dialogs by intent and keeps per-user conversation state in SQLite.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.dialogbot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	return root
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file and switches the logger to its settings.
// A missing file falls back to defaults when allowDefaults is set.
func loadConfig(allowDefaults bool) (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if !allowDefaults {
			return nil, fmt.Errorf("load config: %w", err)
		}
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
		cfg.Storage.DBPath = config.ExpandPath(cfg.Storage.DBPath)
		cfg.Intents.Dir = config.ExpandPath(cfg.Intents.Dir)
	}
	l, err := newLogger(cfg.General, os.Stderr)
	if err != nil {
		return nil, err
	}
	logger = l
	slog.SetDefault(logger)
	return cfg, nil
}

// newLogger builds the process logger. With a log file set, records go to
// the file only.
func newLogger(g config.GeneralConfig, stderr io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	out := stderr
	if g.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(g.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(g.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the intents directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			intentsDir := config.ExpandPath(cfg.Intents.Dir)
			if err := os.MkdirAll(intentsDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "intents", intentsDir)
			return nil
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive console chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			cli := channel.NewCLI(channel.CLIConfig{UserID: cfg.Channels.CLI.UserID, Logger: logger})
			return serve(cmd.Context(), cfg, []domain.Channel{cli}, true)
		},
	}
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start all enabled channels",
		Long:  "Starts every enabled channel (web, websocket, Telegram, Discord, Slack) and the dispatcher. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			channels := enabledChannels(cfg)
			if len(channels) == 0 {
				return fmt.Errorf("no channels enabled in %s", resolveConfigPath())
			}
			return serve(cmd.Context(), cfg, channels, false)
		},
	}
}

// enabledChannels builds the network channels turned on in cfg.
func enabledChannels(cfg *config.Config) []domain.Channel {
	var out []domain.Channel
	c := cfg.Channels
	if c.Web.Enabled {
		metricsPath := ""
		if cfg.Metrics.Enabled {
			metricsPath = cfg.Metrics.Endpoint
		}
		out = append(out, channel.NewWeb(channel.WebConfig{
			Host:        c.Web.Host,
			Port:        c.Web.Port,
			Path:        c.Web.Path,
			Secret:      c.Web.Secret,
			MetricsPath: metricsPath,
			Logger:      logger,
		}))
	}
	if c.WebSocket.Enabled {
		out = append(out, channel.NewWebSocketChannel(channel.WSConfig{
			Host:   c.WebSocket.Host,
			Port:   c.WebSocket.Port,
			Path:   c.WebSocket.Path,
			Logger: logger,
		}))
	}
	if c.Telegram.Enabled {
		out = append(out, channel.NewTelegram(channel.TelegramConfig{
			Token:     c.Telegram.Token,
			AllowFrom: c.Telegram.AllowFrom,
			Logger:    logger,
		}))
	}
	if c.Discord.Enabled {
		out = append(out, channel.NewDiscord(channel.DiscordConfig{Token: c.Discord.Token, GuildID: c.Discord.GuildID, Logger: logger}))
	}
	if c.Slack.Enabled {
		out = append(out, channel.NewSlack(channel.SlackConfig{BotToken: c.Slack.BotToken, AppToken: c.Slack.AppToken, Logger: logger}))
	}
	return out
}

// serve runs the dispatcher and channels until a signal arrives or any of
// them fails. With stopOnExit, the first channel returning ends the run
// (the console exits on /quit).
func serve(parent context.Context, cfg *config.Config, channels []domain.Channel, stopOnExit bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	messageBus := bus.New(100, logger)
	defer messageBus.Close()

	dispatcher := bot.NewDispatcher(bot.DispatcherConfig{
		Bot:     a.bot,
		Bus:     messageBus,
		Workers: cfg.General.Workers,
		Logger:  logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	for _, ch := range channels {
		g.Go(func() error {
			err := ch.Start(gctx, messageBus)
			if err != nil {
				return fmt.Errorf("%s channel: %w", ch.Name(), err)
			}
			if stopOnExit {
				stop()
			}
			return nil
		})
		logger.Info("channel enabled", "channel", ch.Name())
	}

	err = g.Wait()
	for _, ch := range channels {
		if stopErr := ch.Stop(); stopErr != nil {
			logger.Warn("channel stop failed", "channel", ch.Name(), "err", stopErr)
		}
	}
	logger.Info("shutdown complete")
	return err
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			p, err := openStorage(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer p.Close()
			v, err := storage.CurrentVersion(cmd.Context(), p.DB())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%s)\n", v, cfg.Storage.DBPath)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and storage status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			out := map[string]any{
				"version":  version,
				"config":   resolveConfigPath(),
				"database": cfg.Storage.DBPath,
			}
			var names []string
			for _, ch := range enabledChannels(cfg) {
				names = append(names, ch.Name())
			}
			out["channels"] = names

			p, err := storage.Open(storage.ProviderConfig{Path: cfg.Storage.DBPath, Logger: logger})
			if err != nil {
				out["storage_error"] = err.Error()
			} else {
				defer p.Close()
				if stats, err := p.Stats(cmd.Context()); err != nil {
					out["storage_error"] = err.Error()
				} else {
					out["storage"] = stats
				}
			}

			data, _ := json.MarshalIndent(out, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. storage.contextScope)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. storage.keepContextData true)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			for _, p := range config.SortedPaths(paths) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", p, paths[p])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath())
		},
	})

	return cmd
}
