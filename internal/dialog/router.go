package dialog

import (
	"context"
	"fmt"
	"log/slog"

	"dialogbot/internal/domain"
)

// Factory builds a dialog instance with its dependencies attached.
type Factory func(deps *Dependencies) Handler

// Definition registers a dialog under a stable topic name. The router maps
// a stored topic name back to its dialog through this name, so it must not
// change between releases.
type Definition struct {
	Topic string
	New   Factory
}

// Define returns a dialog definition.
func Define(topic string, factory Factory) *Definition {
	return &Definition{Topic: topic, New: factory}
}

// Intent is the result of intent extraction. A zero Priority means normal.
// Adhoc marks the request as a one-off that must not change the topic.
type Intent struct {
	Name     string
	Entities map[string]any
	Priority domain.Priority
	Adhoc    bool
}

// IntentExtractor classifies the request of a turn.
type IntentExtractor interface {
	ExtractIntent(ctx context.Context, t *Turn) (Intent, error)
}

// IntentExtractorFunc adapts a function to IntentExtractor.
type IntentExtractorFunc func(ctx context.Context, t *Turn) (Intent, error)

func (f IntentExtractorFunc) ExtractIntent(ctx context.Context, t *Turn) (Intent, error) {
	return f(ctx, t)
}

// RouterConfig configures a Router.
type RouterConfig struct {
	// Intents maps intent names to dialogs. A nil definition marks an intent
	// that is recognized but has no dialog: it never starts a topic.
	Intents map[string]*Definition

	// Default handles turns with no active topic and no qualifying intent.
	// Defaults to BaseDefinition.
	Default *Definition

	// ErrorDialog handles turns the router failed on. Defaults to ErrorDefinition.
	ErrorDialog *Definition

	// Extractor sets the intent of each request. When nil the intent set
	// upstream (by the channel adapter) is used as is.
	Extractor IntentExtractor

	// BeforeRoute runs after intent extraction and before routing.
	BeforeRoute func(ctx context.Context, t *Turn) error

	Dependencies DependencyRules
	Logger       *slog.Logger
}

// Router decides which dialog handles each turn and how the topic changes.
type Router struct {
	intents     map[string]*Definition
	topics      map[string]*Definition
	defaultDef  *Definition
	errorDef    *Definition
	extractor   IntentExtractor
	beforeRoute func(ctx context.Context, t *Turn) error
	deps        DependencyRules
	logger      *slog.Logger
}

// NewRouter builds the intent and topic tables once.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Default == nil {
		cfg.Default = BaseDefinition
	}
	if cfg.ErrorDialog == nil {
		cfg.ErrorDialog = ErrorDefinition
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	intents := make(map[string]*Definition, len(cfg.Intents))
	topics := make(map[string]*Definition, len(cfg.Intents)+1)
	for name, def := range cfg.Intents {
		intents[name] = def
		if def != nil {
			topics[def.Topic] = def
		}
	}
	topics[cfg.Default.Topic] = cfg.Default

	return &Router{
		intents:     intents,
		topics:      topics,
		defaultDef:  cfg.Default,
		errorDef:    cfg.ErrorDialog,
		extractor:   cfg.Extractor,
		beforeRoute: cfg.BeforeRoute,
		deps:        cfg.Dependencies,
		logger:      cfg.Logger,
	}
}

// Topics returns the registered topic names and their dialogs.
func (r *Router) Topics() map[string]*Definition {
	out := make(map[string]*Definition, len(r.topics))
	for k, v := range r.topics {
		out[k] = v
	}
	return out
}

// Execute resolves the dialog for this turn. It never fails: on error the
// error is recorded on the context and the error dialog is returned.
func (r *Router) Execute(ctx context.Context, t *Turn) (h Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			h = r.handleError(t, newPanicError(rec))
		}
	}()

	if err := r.extractIntent(ctx, t); err != nil {
		return r.handleError(t, fmt.Errorf("extract intent: %w", err))
	}
	if r.beforeRoute != nil {
		if err := r.beforeRoute(ctx, t); err != nil {
			return r.handleError(t, fmt.Errorf("before route: %w", err))
		}
	}

	def, err := r.route(t)
	if err != nil {
		return r.handleError(t, err)
	}
	if def.New == nil {
		return r.handleError(t, fmt.Errorf("dialog for topic %q has no factory", def.Topic))
	}
	h = def.New(r.deps.For(def))
	if h == nil {
		return r.handleError(t, fmt.Errorf("factory for topic %q returned nil", def.Topic))
	}

	r.logger.Debug("dialog routed",
		"intent", t.Request.Intent,
		"intent_priority", t.Request.IntentPriority,
		"topic", t.Context.Topic.Name,
		"topic_priority", t.Context.Topic.Priority,
		"is_new", t.Context.Topic.IsNew,
		"adhoc", t.Request.IsAdhoc,
	)
	return h
}

func (r *Router) extractIntent(ctx context.Context, t *Turn) error {
	if r.extractor == nil {
		if t.Request.IntentPriority == 0 {
			t.Request.IntentPriority = domain.PriorityNormal
		}
		return nil
	}
	in, err := r.extractor.ExtractIntent(ctx, t)
	if err != nil {
		return err
	}
	if in.Priority == 0 {
		in.Priority = domain.PriorityNormal
	}
	t.Request.Intent = in.Name
	t.Request.IntentPriority = in.Priority
	if in.Adhoc {
		t.Request.IsAdhoc = true
	}
	if in.Entities != nil {
		t.Request.Entities = in.Entities
	} else if t.Request.Entities == nil {
		t.Request.Entities = make(map[string]any)
	}
	return nil
}

// route applies topic arbitration:
//   - a registered intent takes over when it outranks the active topic or no
//     topic is active; adhoc requests and intents without a dialog are
//     answered for this turn only and keep the active topic on;
//   - otherwise an active topic continues with its own dialog;
//   - otherwise the default dialog starts a fresh topic.
func (r *Router) route(t *Turn) (*Definition, error) {
	req, topic := t.Request, &t.Context.Topic

	def, known := r.intents[req.Intent]
	if req.Intent != "" && known && (req.IntentPriority > topic.Priority || topic.Name == "") {
		if def != nil && !req.IsAdhoc {
			priority := req.IntentPriority
			// Highest is a one-shot override; store it one below so another
			// Highest intent can still interrupt later.
			if priority == domain.PriorityHighest {
				priority = domain.PriorityHighest - 1
			}
			startTopic(topic, def.Topic)
			topic.Priority = priority
			return def, nil
		}
		if topic.Name != "" {
			topic.KeepOn = true
		}
		if def == nil {
			return BaseDefinition, nil
		}
		return def, nil
	}

	if topic.Name != "" {
		def, ok := r.topics[topic.Name]
		if !ok {
			return nil, fmt.Errorf("no dialog registered for topic %q", topic.Name)
		}
		return def, nil
	}

	startTopic(topic, r.defaultDef.Topic)
	return r.defaultDef, nil
}

func startTopic(topic *domain.Topic, name string) {
	topic.Name = name
	topic.Status = ""
	topic.IsNew = true
}

func (r *Router) handleError(t *Turn, err error) Handler {
	r.logger.Error("routing failed", "err", err, "channel", t.Request.Channel, "user", t.Request.ChannelUserID)
	t.Context.SetError(err, map[string]any{"stage": "router"})
	h := r.errorDef.New(r.deps.For(r.errorDef))
	if h == nil {
		h = &ErrorDialog{Base: Base{Deps: r.deps.For(r.errorDef)}}
	}
	return h
}
