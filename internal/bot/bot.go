// Package bot runs chat turns: it loads the user and conversation context,
// asks the router for a dialog, executes it, persists state and writes the
// message log. Failures are contained per stage; Chat never returns an error.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"dialogbot/internal/dialog"
	"dialogbot/internal/domain"
	"dialogbot/internal/metrics"
)

// Stage names one step of the chat pipeline. The same names are used for
// performance ticks and metrics labels.
type Stage string

const (
	StageConnection  Stage = "connection"
	StageTagger      Stage = "tagger"
	StageUser        Stage = "user"
	StageContext     Stage = "context"
	StageRoute       Stage = "route"
	StageDialog      Stage = "dialog"
	StageSaveContext Stage = "save_context"
	StageSaveUser    Stage = "save_user"
	StageMessageLog  Stage = "message_log"
)

// StageError is a failure contained at one pipeline stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Scope selects which message fields form the storage key of users and
// contexts.
type Scope string

const (
	// ScopeChannel keys records by channel.
	ScopeChannel Scope = "channel"
	// ScopeChannelDetail keys records by channel and channel detail, so two
	// bots on the same channel keep separate state.
	ScopeChannelDetail Scope = "channel_detail"
)

// Router picks the dialog for a turn. *dialog.Router implements it.
type Router interface {
	Execute(ctx context.Context, t *dialog.Turn) dialog.Handler
}

// Config holds the services a Bot runs on. It is copied at construction.
type Config struct {
	Connections     domain.ConnectionProvider
	Tagger          domain.Tagger // optional
	TaggerMaxLength int
	Users           domain.UserStore
	Contexts        domain.ContextStore
	MessageLog      domain.MessageLogStore // optional
	Router          Router
	KeepContextData bool
	UserScope       Scope
	ContextScope    Scope
	Location        *time.Location
	Logger          *slog.Logger
}

// Bot is the chat orchestrator.
type Bot struct {
	cfg    Config
	logger *slog.Logger
}

// New validates cfg and returns a Bot.
func New(cfg Config) (*Bot, error) {
	switch {
	case cfg.Connections == nil:
		return nil, errors.New("bot: connection provider is required")
	case cfg.Users == nil:
		return nil, errors.New("bot: user store is required")
	case cfg.Contexts == nil:
		return nil, errors.New("bot: context store is required")
	case cfg.Router == nil:
		return nil, errors.New("bot: router is required")
	}
	if cfg.UserScope == "" {
		cfg.UserScope = ScopeChannel
	}
	if cfg.ContextScope == "" {
		cfg.ContextScope = ScopeChannel
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bot{cfg: cfg, logger: cfg.Logger}, nil
}

// ChatText wraps text into a request and runs a turn.
func (b *Bot) ChatText(ctx context.Context, channel, channelUserID, text string) *domain.Response {
	return b.Chat(ctx, domain.NewMessage(channel, channelUserID, text))
}

// Chat runs one turn. On any failure the response is empty; the connection
// is always released and the message log is always attempted.
func (b *Bot) Chat(ctx context.Context, req *domain.Message) *domain.Response {
	if req == nil {
		b.logger.Warn("chat called without a request")
		resp := domain.NewResponse()
		resp.Performance = domain.NewPerformanceInfo()
		resp.Performance.End()
		return resp
	}
	perf := domain.NewPerformanceInfo()
	metrics.TurnsTotal.Inc()
	metrics.ActiveTurns.Inc()
	defer metrics.ActiveTurns.Dec()

	req.Timestamp = req.Timestamp.In(b.cfg.Location)
	logger := b.logger.With("channel", req.Channel, "user", req.ChannelUserID)

	conn, err := b.cfg.Connections.GetConnection(ctx)
	if err != nil {
		b.fail(logger, &StageError{Stage: StageConnection, Err: err})
	} else {
		defer func() {
			if err := conn.Close(); err != nil {
				logger.Warn("release connection failed", "err", err)
			}
		}()
	}

	resp := domain.NewResponse()
	var snapshot *domain.Context
	if conn != nil {
		var out *domain.Response
		snapshot, out, err = b.process(ctx, req, conn, perf)
		if err != nil {
			b.fail(logger, err)
		} else {
			resp = out
		}
	}

	resp.Performance = perf
	b.writeLog(ctx, logger, req, resp, snapshot, conn)

	metrics.TurnLatency.ObserveDuration(perf.End())
	return resp
}

// process runs the stages from tagging to saving the user. It returns the
// context as it was before reset, for the message log.
func (b *Bot) process(ctx context.Context, req *domain.Message, conn domain.Connection, perf *domain.PerformanceInfo) (snapshot *domain.Context, resp *domain.Response, err error) {
	stage := StageTagger
	var c *domain.Context
	defer func() {
		if r := recover(); r != nil {
			err = &StageError{Stage: stage, Err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
		}
		if err != nil && snapshot == nil {
			snapshot = c.Clone()
		}
	}()

	if b.cfg.Tagger != nil {
		words, err := b.cfg.Tagger.Parse(ctx, req.Text, b.cfg.TaggerMaxLength)
		if err != nil {
			return nil, nil, &StageError{Stage: stage, Err: err}
		}
		req.Words = words
	}
	b.tick(perf, stage)

	stage = StageUser
	user, err := b.cfg.Users.Get(ctx, storageChannel(req, b.cfg.UserScope), req.ChannelUserID, conn)
	if err != nil {
		return nil, nil, &StageError{Stage: stage, Err: err}
	}
	req.User = user
	b.tick(perf, stage)

	stage = StageContext
	c, err = b.cfg.Contexts.Get(ctx, storageChannel(req, b.cfg.ContextScope), req.ContextKey(), conn)
	if err != nil {
		return nil, nil, &StageError{Stage: stage, Err: err}
	}
	// Flags describe the current turn only.
	c.Topic.IsNew = false
	c.Topic.KeepOn = false
	if c.Data == nil {
		c.Data = make(map[string]any)
	}
	b.tick(perf, stage)

	stage = StageRoute
	turn := &dialog.Turn{Request: req, Context: c, Conn: conn, Performance: perf}
	h := b.cfg.Router.Execute(ctx, turn)
	if c.Topic.IsNew {
		metrics.TopicsStarted.Inc()
	}
	b.tick(perf, stage)

	stage = StageDialog
	resp = dialog.Execute(ctx, h, turn)
	if len(c.Error) > 0 {
		metrics.DialogErrors.Inc()
		b.logger.Warn("turn answered with error reply",
			"channel", req.Channel, "user", req.ChannelUserID,
			"topic", c.Topic.Name, "err", c.Error["exception"])
	}
	b.tick(perf, stage)

	stage = StageSaveContext
	snapshot = c.Clone()
	c.Reset(b.cfg.KeepContextData)
	c.Timestamp = time.Now().In(b.cfg.Location)
	c.IsNew = false
	if err := b.cfg.Contexts.Save(ctx, c, conn); err != nil {
		return snapshot, nil, &StageError{Stage: stage, Err: err}
	}
	b.tick(perf, stage)

	stage = StageSaveUser
	user.Timestamp = time.Now().In(b.cfg.Location)
	if err := b.cfg.Users.Save(ctx, user, conn); err != nil {
		return snapshot, nil, &StageError{Stage: stage, Err: err}
	}
	b.tick(perf, stage)

	return snapshot, resp, nil
}

func (b *Bot) tick(perf *domain.PerformanceInfo, stage Stage) {
	metrics.StageLatency(string(stage)).ObserveDuration(perf.Append(string(stage)))
}

func (b *Bot) fail(logger *slog.Logger, err error) {
	metrics.TurnFailures.Inc()
	var se *StageError
	if errors.As(err, &se) {
		metrics.StageErrors(string(se.Stage)).Inc()
		logger.Error("chat turn failed", "stage", se.Stage, "err", se.Err)
		return
	}
	logger.Error("chat turn failed", "err", err)
}

func (b *Bot) writeLog(ctx context.Context, logger *slog.Logger, req *domain.Message, resp *domain.Response, c *domain.Context, conn domain.Connection) {
	if b.cfg.MessageLog == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.MessageLogFailures.Inc()
			logger.Warn("message log write panicked", "panic", r)
		}
	}()
	if err := b.cfg.MessageLog.Save(ctx, req, resp, c, conn); err != nil {
		metrics.MessageLogFailures.Inc()
		metrics.StageErrors(string(StageMessageLog)).Inc()
		logger.Warn("message log write failed", "err", err)
	}
}

// storageChannel returns the channel part of a storage key.
func storageChannel(req *domain.Message, scope Scope) string {
	if scope == ScopeChannelDetail && req.ChannelDetail != "" {
		return req.Channel + "/" + req.ChannelDetail
	}
	return req.Channel
}
