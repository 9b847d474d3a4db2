// Package dialog implements dialog services (one conversational step of a
// topic), the router that picks the dialog for each turn, and the dependency
// container attached to dialog instances.
package dialog

import (
	"context"
	"fmt"
	"reflect"

	"dialogbot/internal/domain"
)

// Turn bundles the per-turn state handed to routers and dialogs.
type Turn struct {
	Request     *domain.Message
	Context     *domain.Context
	Conn        domain.Connection
	Performance *domain.PerformanceInfo
}

// Handler is one dialog service. Embed Base and override the steps the
// dialog needs; Execute drives the steps in order.
type Handler interface {
	// ExtractEntities returns entities found by the dialog itself. Entities
	// already set on the request take precedence.
	ExtractEntities(ctx context.Context, t *Turn) (map[string]any, error)

	// GetSlots returns the initial slot values. Called only on the turn the
	// topic starts.
	GetSlots(ctx context.Context, t *Turn) (map[string]any, error)

	// ProcessRequest runs the business logic. It may change Context.Data,
	// Context.Topic.Status, Context.Topic.KeepOn and the request entities.
	ProcessRequest(ctx context.Context, t *Turn) error

	// ComposeResponse returns nil, a string, a *domain.Message, or a slice
	// ([]string, []*domain.Message, []any) of strings and messages.
	ComposeResponse(ctx context.Context, t *Turn) (any, error)

	// HandleError builds the single reply sent when any step failed.
	HandleError(ctx context.Context, t *Turn, err error) *domain.Message
}

// Base is the default dialog: it extracts nothing, has no slots, echoes the
// request and answers "?" on error.
type Base struct {
	Deps *Dependencies
}

func (b *Base) ExtractEntities(ctx context.Context, t *Turn) (map[string]any, error) {
	return nil, nil
}

func (b *Base) GetSlots(ctx context.Context, t *Turn) (map[string]any, error) {
	return map[string]any{}, nil
}

func (b *Base) ProcessRequest(ctx context.Context, t *Turn) error {
	return nil
}

func (b *Base) ComposeResponse(ctx context.Context, t *Turn) (any, error) {
	return "You said: " + t.Request.Text, nil
}

func (b *Base) HandleError(ctx context.Context, t *Turn, err error) *domain.Message {
	return t.Request.ToReply("?")
}

// Execute runs one dialog step and never fails: any error or panic becomes a
// single error reply, ends the topic and is recorded on the context.
func Execute(ctx context.Context, h Handler, t *Turn) *domain.Response {
	resp := domain.NewResponse()
	msgs, err := run(ctx, h, t)
	if err == nil {
		resp.Messages = msgs
		return resp
	}

	t.Context.Topic.KeepOn = false
	t.Context.SetError(err, map[string]any{"topic": t.Context.Topic.Name, "status": t.Context.Topic.Status})
	reply := handleError(ctx, h, t, err)
	resp.Messages = []*domain.Message{reply}
	return resp
}

func run(ctx context.Context, h Handler, t *Turn) (msgs []*domain.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
		}
	}()

	entities, err := h.ExtractEntities(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("extract entities: %w", err)
	}
	mergeEntities(t.Request, entities)

	if t.Context.Topic.IsNew {
		slots, err := h.GetSlots(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("get slots: %w", err)
		}
		if slots == nil {
			slots = make(map[string]any)
		}
		t.Context.Data = slots
	}

	if err := h.ProcessRequest(ctx, t); err != nil {
		return nil, err
	}

	out, err := h.ComposeResponse(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("compose response: %w", err)
	}
	return normalizeReplies(t.Request, out)
}

// handleError shields Execute from a HandleError that panics or returns nil.
func handleError(ctx context.Context, h Handler, t *Turn, cause error) (reply *domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			reply = t.Request.ToReply("?")
		}
	}()
	reply = h.HandleError(ctx, t, cause)
	if reply == nil {
		reply = t.Request.ToReply("?")
	}
	return reply
}

// mergeEntities copies extracted entities into the request for every key
// whose current value is unset or empty.
func mergeEntities(req *domain.Message, extracted map[string]any) {
	if len(extracted) == 0 {
		return
	}
	if req.Entities == nil {
		req.Entities = make(map[string]any, len(extracted))
	}
	for k, v := range extracted {
		if isEmpty(req.Entities[k]) {
			req.Entities[k] = v
		}
	}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.String:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	default:
		return rv.IsZero()
	}
}

func normalizeReplies(req *domain.Message, out any) ([]*domain.Message, error) {
	var items []any
	switch v := out.(type) {
	case nil:
		return []*domain.Message{}, nil
	case []any:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	case []*domain.Message:
		for _, m := range v {
			items = append(items, m)
		}
	default:
		items = []any{v}
	}

	msgs := make([]*domain.Message, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			if v == "" && len(items) == 1 {
				continue
			}
			msgs = append(msgs, req.ToReply(v))
		case *domain.Message:
			if v != nil {
				msgs = append(msgs, v)
			}
		case domain.Message:
			m := v
			msgs = append(msgs, &m)
		default:
			return nil, fmt.Errorf("unsupported reply type %T", item)
		}
	}
	return msgs, nil
}
