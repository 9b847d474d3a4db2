package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"dialogbot/internal/dialog"
	"dialogbot/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- in-memory collaborators ---

type fakeConn struct {
	closed bool
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeProvider struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (p *fakeProvider) GetConnection(ctx context.Context) (domain.Connection, error) {
	if p.err != nil {
		return nil, p.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &fakeConn{}
	p.conns = append(p.conns, c)
	return c, nil
}

func (p *fakeProvider) Prepare(ctx context.Context) error { return nil }

func (p *fakeProvider) allClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		if !c.closed {
			return false
		}
	}
	return true
}

type memContexts struct {
	mu      sync.Mutex
	records map[string]*domain.Context
	getErr  error
	saveErr error
}

func newMemContexts() *memContexts {
	return &memContexts{records: make(map[string]*domain.Context)}
}

func (s *memContexts) Get(ctx context.Context, channel, id string, conn domain.Connection) (*domain.Context, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.records[channel+"|"+id]; ok {
		return c.Clone(), nil
	}
	return domain.NewContext(channel, id), nil
}

func (s *memContexts) Save(ctx context.Context, c *domain.Context, conn domain.Connection) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.ChannelUserID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[c.Channel+"|"+c.ChannelUserID] = c.Clone()
	return nil
}

func (s *memContexts) load(channel, id string) *domain.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[channel+"|"+id]
}

type memUsers struct {
	mu      sync.Mutex
	records map[string]*domain.User
}

func newMemUsers() *memUsers {
	return &memUsers{records: make(map[string]*domain.User)}
}

func (s *memUsers) Get(ctx context.Context, channel, id string, conn domain.Connection) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.records[channel+"|"+id]; ok {
		cp := *u
		return &cp, nil
	}
	return domain.NewUser(channel, id), nil
}

func (s *memUsers) Save(ctx context.Context, u *domain.User, conn domain.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.records[u.Channel+"|"+u.ChannelUserID] = &cp
	return nil
}

type logEntry struct {
	req     *domain.Message
	resp    *domain.Response
	context *domain.Context
	conn    domain.Connection
}

type memLog struct {
	mu      sync.Mutex
	entries []logEntry
	err     error
}

func (l *memLog) Save(ctx context.Context, req *domain.Message, resp *domain.Response, c *domain.Context, conn domain.Connection) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{req, resp, c, conn})
	return l.err
}

type upperTagger struct{ err error }

func (t upperTagger) Parse(ctx context.Context, text string, maxLength int) ([]domain.WordNode, error) {
	if t.err != nil {
		return nil, t.err
	}
	var out []domain.WordNode
	for _, w := range strings.Fields(text) {
		out = append(out, domain.WordNode{Surface: w, Word: strings.ToLower(w)})
	}
	return out, nil
}

// --- dialogs ---

type counterDialog struct{ dialog.Base }

func (d *counterDialog) GetSlots(ctx context.Context, t *dialog.Turn) (map[string]any, error) {
	return map[string]any{"count": 0}, nil
}

func (d *counterDialog) ProcessRequest(ctx context.Context, t *dialog.Turn) error {
	n, _ := t.Context.Data["count"].(int)
	if f, ok := t.Context.Data["count"].(float64); ok {
		n = int(f)
	}
	n++
	t.Context.Data["count"] = n
	if t.Request.Text == "stop" {
		return nil
	}
	if t.Request.Text == "crash" {
		return errors.New("division by zero")
	}
	t.Context.Topic.KeepOn = true
	t.Context.Topic.Status = "counting"
	return nil
}

func (d *counterDialog) ComposeResponse(ctx context.Context, t *dialog.Turn) (any, error) {
	return []string{"count", strings.Repeat("+", t.Context.Data["count"].(int))}, nil
}

var counterDef = dialog.Define("counter", func(deps *dialog.Dependencies) dialog.Handler {
	return &counterDialog{dialog.Base{Deps: deps}}
})

type harness struct {
	provider *fakeProvider
	contexts *memContexts
	users    *memUsers
	log      *memLog
	bot      *Bot
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		provider: &fakeProvider{},
		contexts: newMemContexts(),
		users:    newMemUsers(),
		log:      &memLog{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{
		Connections: h.provider,
		Tagger:      upperTagger{},
		Users:       h.users,
		Contexts:    h.contexts,
		MessageLog:  h.log,
		Router: dialog.NewRouter(dialog.RouterConfig{
			Intents: map[string]*dialog.Definition{"CountIntent": counterDef},
			Logger:  logger,
		}),
		Logger: logger,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	h.bot = b
	return h
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestChat_EchoTurn(t *testing.T) {
	h := newHarness(t)

	resp := h.bot.ChatText(context.Background(), "console", "u1", "Hello World")

	if resp.Text() != "You said: Hello World" {
		t.Fatalf("unexpected response %q", resp.Text())
	}
	if !h.provider.allClosed() || len(h.provider.conns) != 1 {
		t.Fatal("connection must be acquired once and released")
	}
	if resp.Performance == nil || resp.Performance.Total == 0 {
		t.Fatal("performance info missing")
	}
	var names []string
	for _, tick := range resp.Performance.Snapshot() {
		names = append(names, tick.Name)
	}
	want := []string{"tagger", "user", "context", "route", "dialog", "save_context", "save_user"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("ticks mismatch (-want +got):\n%s", diff)
	}

	if len(h.log.entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(h.log.entries))
	}
	entry := h.log.entries[0]
	if len(entry.req.Words) != 2 || entry.req.Words[1].Word != "world" {
		t.Fatalf("tagger output not on request: %+v", entry.req.Words)
	}
	if entry.req.User == nil || entry.req.User.ID == "" {
		t.Fatal("user not attached to request")
	}

	saved := h.contexts.load("console", "u1")
	if saved == nil || saved.Topic.Name != "" || saved.Topic.Previous == nil {
		t.Fatalf("unexpected saved context: %+v", saved)
	}
	if h.users.records["console|u1"] == nil {
		t.Fatal("user not saved")
	}
}

func TestChat_MultiTurnTopic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := domain.NewMessage("console", "u1", "go")
	first.Intent = "CountIntent"
	resp := h.bot.Chat(ctx, first)
	if resp.Text() != "count\n+" {
		t.Fatalf("unexpected first reply %q", resp.Text())
	}
	saved := h.contexts.load("console", "u1")
	if saved.Topic.Name != "counter" || saved.Topic.Status != "counting" {
		t.Fatalf("topic not kept: %+v", saved.Topic)
	}

	resp = h.bot.ChatText(ctx, "console", "u1", "again")
	if resp.Text() != "count\n++" {
		t.Fatalf("continuation lost slot data: %q", resp.Text())
	}

	resp = h.bot.ChatText(ctx, "console", "u1", "stop")
	if resp.Text() != "count\n+++" {
		t.Fatalf("unexpected final reply %q", resp.Text())
	}
	saved = h.contexts.load("console", "u1")
	if saved.Topic.Name != "" || len(saved.Data) != 0 {
		t.Fatalf("topic must end and data clear: %+v", saved)
	}
	if saved.Topic.Previous == nil || saved.Topic.Previous.Name != "counter" {
		t.Fatalf("previous topic not snapshotted: %+v", saved.Topic.Previous)
	}

	resp = h.bot.ChatText(ctx, "console", "u1", "hi")
	if resp.Text() != "You said: hi" {
		t.Fatalf("expected default dialog after topic ended, got %q", resp.Text())
	}
}

func TestChat_KeepContextData(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.KeepContextData = true })
	req := domain.NewMessage("console", "u1", "stop")
	req.Intent = "CountIntent"
	h.bot.Chat(context.Background(), req)

	saved := h.contexts.load("console", "u1")
	if saved.Topic.Name != "" || saved.Data["count"] != 1 {
		t.Fatalf("data must survive topic end: %+v", saved)
	}
}

func TestChat_DialogErrorEndsTopic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := domain.NewMessage("console", "u1", "go")
	req.Intent = "CountIntent"
	h.bot.Chat(ctx, req)

	resp := h.bot.ChatText(ctx, "console", "u1", "crash")

	if len(resp.Messages) != 1 || resp.Text() != "?" {
		t.Fatalf("expected single '?' reply, got %q", resp.Text())
	}
	logged := h.log.entries[len(h.log.entries)-1].context
	if logged.Error["exception"] != "division by zero" {
		t.Fatalf("log snapshot must carry the error: %+v", logged.Error)
	}
	if logged.Topic.KeepOn {
		t.Fatal("keep_on must be false after error")
	}
	saved := h.contexts.load("console", "u1")
	if saved.Topic.Name != "" || len(saved.Error) != 0 {
		t.Fatalf("saved context must be reset: %+v", saved)
	}
}

func TestChat_TaggerFailureIsContained(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Tagger = upperTagger{err: errors.New("tagger down")} })

	resp := h.bot.ChatText(context.Background(), "console", "u1", "hi")

	if len(resp.Messages) != 0 {
		t.Fatalf("expected empty response, got %q", resp.Text())
	}
	if !h.provider.allClosed() {
		t.Fatal("connection not released")
	}
	if len(h.log.entries) != 1 {
		t.Fatal("message log must still be attempted")
	}
	if h.contexts.load("console", "u1") != nil {
		t.Fatal("context must not be saved after a failed stage")
	}
}

func TestChat_SaveFailureIsContained(t *testing.T) {
	h := newHarness(t)
	h.contexts.saveErr = errors.New("disk full")

	resp := h.bot.ChatText(context.Background(), "console", "u1", "hi")

	if len(resp.Messages) != 0 {
		t.Fatalf("expected empty response, got %q", resp.Text())
	}
	if len(h.log.entries) != 1 || h.log.entries[0].context == nil {
		t.Fatal("log entry must carry the pre-reset context")
	}
}

func TestChat_ConnectionFailure(t *testing.T) {
	h := newHarness(t)
	h.provider.err = errors.New("db unreachable")

	resp := h.bot.ChatText(context.Background(), "console", "u1", "hi")

	if len(resp.Messages) != 0 || resp.Performance == nil {
		t.Fatalf("expected empty response with performance, got %+v", resp)
	}
	if len(h.log.entries) != 1 || h.log.entries[0].conn != nil {
		t.Fatal("log must be attempted without a connection")
	}
}

func TestChat_MessageLogFailureDoesNotMaskResponse(t *testing.T) {
	h := newHarness(t)
	h.log.err = errors.New("log sink down")

	resp := h.bot.ChatText(context.Background(), "console", "u1", "hi")
	if resp.Text() != "You said: hi" {
		t.Fatalf("unexpected response %q", resp.Text())
	}
}

type panickingRouter struct{}

func (panickingRouter) Execute(ctx context.Context, t *dialog.Turn) dialog.Handler {
	panic("router bug")
}

func TestChat_PanicOutsideDialogIsContained(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Router = panickingRouter{} })

	resp := h.bot.ChatText(context.Background(), "console", "u1", "hi")

	if len(resp.Messages) != 0 {
		t.Fatalf("expected empty response, got %q", resp.Text())
	}
	if !h.provider.allClosed() || len(h.log.entries) != 1 {
		t.Fatal("cleanup must still run")
	}
}

func TestChat_GroupContextKey(t *testing.T) {
	h := newHarness(t)
	req := domain.NewMessage("console", "u1", "go")
	req.Group = &domain.Group{ID: "room1"}
	req.Intent = "CountIntent"
	h.bot.Chat(context.Background(), req)

	if h.contexts.load("console", "room1") == nil {
		t.Fatal("group context must be keyed by group id")
	}
	if h.users.records["console|u1"] == nil {
		t.Fatal("user must still be keyed by sender")
	}
}

func TestChat_ChannelDetailScope(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.ContextScope = ScopeChannelDetail
	})
	req := domain.NewMessage("line", "u1", "hi")
	req.ChannelDetail = "bot2"
	h.bot.Chat(context.Background(), req)

	if h.contexts.load("line/bot2", "u1") == nil {
		t.Fatal("context must be scoped by channel detail")
	}
	if h.users.records["line|u1"] == nil {
		t.Fatal("user scope defaults to channel")
	}
}

func TestChat_NilRequest(t *testing.T) {
	h := newHarness(t)

	resp := h.bot.Chat(context.Background(), nil)

	if resp == nil || len(resp.Messages) != 0 || resp.Performance == nil {
		t.Fatalf("expected empty response with timing, got %+v", resp)
	}
	if len(h.provider.conns) != 0 || len(h.log.entries) != 0 {
		t.Fatal("nil request must not touch storage or the message log")
	}
}

func TestStageError_Unwrap(t *testing.T) {
	base := errors.New("boom")
	err := error(&StageError{Stage: StageTagger, Err: base})
	if !errors.Is(err, base) || err.Error() != "tagger: boom" {
		t.Fatalf("unexpected stage error %v", err)
	}
}
