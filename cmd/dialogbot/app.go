package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dialogbot/internal/bot"
	"dialogbot/internal/config"
	"dialogbot/internal/dialog"
	"dialogbot/internal/domain"
	"dialogbot/internal/intent"
	"dialogbot/internal/messagelog"
	"dialogbot/internal/storage"
	"dialogbot/internal/tagger"
)

// app is the assembled bot with the resources that must be closed on exit.
type app struct {
	bot     *bot.Bot
	storage *storage.Provider
	closers []io.Closer
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openStorage opens the database and applies pending migrations.
func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Provider, error) {
	if dir := filepath.Dir(cfg.Storage.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	p, err := storage.Open(storage.ProviderConfig{Path: cfg.Storage.DBPath, Logger: logger})
	if err != nil {
		return nil, err
	}
	if err := p.Prepare(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// buildApp wires storage, tagger, intents, router and message log into a Bot.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	p, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.storage = p
	a.closers = append(a.closers, p)

	tg, err := tagger.New(cfg.Tagger.Type)
	if err != nil {
		return fail(err)
	}

	router, err := buildRouter(cfg, logger)
	if err != nil {
		return fail(err)
	}

	logStore, err := buildMessageLog(cfg, logger, a)
	if err != nil {
		return fail(err)
	}

	loc, err := cfg.General.Location()
	if err != nil {
		return fail(err)
	}

	b, err := bot.New(bot.Config{
		Connections:     p,
		Tagger:          tg,
		TaggerMaxLength: cfg.Tagger.MaxLength,
		Users:           storage.NewUserStore(),
		Contexts: storage.NewContextStore(storage.ContextStoreConfig{
			Timeout: time.Duration(cfg.Storage.ContextTimeout) * time.Second,
			Logger:  logger,
		}),
		MessageLog:      logStore,
		Router:          router,
		KeepContextData: cfg.Storage.KeepContextData,
		UserScope:       bot.Scope(cfg.Storage.UserScope),
		ContextScope:    bot.Scope(cfg.Storage.ContextScope),
		Location:        loc,
		Logger:          logger,
	})
	if err != nil {
		return fail(err)
	}
	a.bot = b
	return a, nil
}

// buildRouter loads intent rules (built-ins, then the intents directory,
// then the config file) and maps them to the built-in dialogs.
func buildRouter(cfg *config.Config, logger *slog.Logger) (*dialog.Router, error) {
	dirRules, err := intent.LoadDir(cfg.Intents.Dir, logger)
	if err != nil {
		return nil, err
	}
	rules := mergeRules(builtinRules(), dirRules, configRules(cfg.Intents.Rules))

	extractor, err := intent.NewExtractor(rules, logger)
	if err != nil {
		return nil, fmt.Errorf("intent rules: %w", err)
	}

	intents := intentDialogs()
	for _, name := range extractor.Names() {
		if _, ok := intents[name]; !ok {
			// Rules without a built-in dialog are recognized only.
			intents[name] = nil
		}
	}

	loc, err := cfg.General.Location()
	if err != nil {
		return nil, err
	}

	return dialog.NewRouter(dialog.RouterConfig{
		Intents:   intents,
		Default:   echoDef,
		Extractor: extractor,
		Dependencies: dialog.DependencyRules{
			Defaults: map[string]any{"location": loc},
			PerDialog: map[*dialog.Definition]map[string]any{
				helpDef: {"intents": extractor.Names()},
			},
		},
		Logger: logger,
	}), nil
}

func configRules(in []config.IntentRule) []intent.Rule {
	out := make([]intent.Rule, 0, len(in))
	for _, r := range in {
		out = append(out, intent.Rule{
			Name:     r.Name,
			Keywords: r.Keywords,
			Pattern:  r.Pattern,
			Priority: strings.ToLower(r.Priority),
			Adhoc:    r.Adhoc,
			Entities: r.Entities,
		})
	}
	return out
}

// buildMessageLog returns the stores every turn is logged to, or nil when
// logging is off.
func buildMessageLog(cfg *config.Config, logger *slog.Logger, a *app) (domain.MessageLogStore, error) {
	var stores messagelog.Multi
	if cfg.Storage.MessageLog {
		stores = append(stores, storage.NewMessageLogStore())
	}
	if amqp := cfg.MessageLog.AMQP; amqp.Enabled {
		pub, err := messagelog.DialAMQP(messagelog.AMQPConfig{
			URL:         amqp.URL,
			Exchange:    amqp.Exchange,
			ConnTimeout: time.Duration(amqp.ConnTimeoutSeconds) * time.Second,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("message log broker: %w", err)
		}
		ps := messagelog.NewPublishStore(messagelog.PublishStoreConfig{
			Publisher:  pub,
			RoutingKey: amqp.RoutingKey,
			Logger:     logger,
		})
		a.closers = append(a.closers, ps)
		stores = append(stores, ps)
		logger.Info("publishing turns", "exchange", amqp.Exchange, "routing_key", amqp.RoutingKey)
	}
	if len(stores) == 0 {
		return nil, nil
	}
	return stores, nil
}
