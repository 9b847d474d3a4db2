package dialog

import (
	"context"
	"errors"
	"testing"

	"dialogbot/internal/domain"
)

func newTurn(text string) *Turn {
	req := domain.NewMessage("console", "user1", text)
	return &Turn{
		Request:     req,
		Context:     domain.NewContext("console", "user1"),
		Performance: domain.NewPerformanceInfo(),
	}
}

var errDivisionByZero = errors.New("division by zero")

type failingDialog struct{ Base }

func (d *failingDialog) ProcessRequest(ctx context.Context, t *Turn) error {
	return errDivisionByZero
}

type panickingDialog struct{ Base }

func (d *panickingDialog) ComposeResponse(ctx context.Context, t *Turn) (any, error) {
	var m map[string]int
	m["boom"]++
	return nil, nil
}

type entityDialog struct {
	Base
	extracted map[string]any
}

func (d *entityDialog) ExtractEntities(ctx context.Context, t *Turn) (map[string]any, error) {
	return d.extracted, nil
}

type slotDialog struct {
	Base
	calls int
}

func (d *slotDialog) GetSlots(ctx context.Context, t *Turn) (map[string]any, error) {
	d.calls++
	return map[string]any{"count": 0}, nil
}

func (d *slotDialog) ProcessRequest(ctx context.Context, t *Turn) error {
	t.Context.Data["count"] = t.Context.Data["count"].(int) + 1
	t.Context.Topic.IsNew = true
	t.Context.Topic.KeepOn = true
	return nil
}

type composeDialog struct {
	Base
	out any
}

func (d *composeDialog) ComposeResponse(ctx context.Context, t *Turn) (any, error) {
	return d.out, nil
}

type nilErrorReplyDialog struct{ failingDialog }

func (d *nilErrorReplyDialog) HandleError(ctx context.Context, t *Turn, err error) *domain.Message {
	return nil
}

func TestExecute_DefaultEchoes(t *testing.T) {
	turn := newTurn("hello")
	resp := Execute(context.Background(), &Base{}, turn)
	if len(resp.Messages) != 1 || resp.Messages[0].Text != "You said: hello" {
		t.Fatalf("unexpected response: %q", resp.Text())
	}
	if resp.Messages[0].ChannelUserID != "user1" {
		t.Fatal("reply must be addressed to the requester")
	}
}

func TestExecute_ProcessErrorYieldsSingleReply(t *testing.T) {
	turn := newTurn("divide")
	turn.Context.Topic.Name = "calc"
	turn.Context.Topic.KeepOn = true

	resp := Execute(context.Background(), &failingDialog{}, turn)

	if len(resp.Messages) != 1 || resp.Messages[0].Text != "?" {
		t.Fatalf("expected single '?' reply, got %q", resp.Text())
	}
	if turn.Context.Error["exception"] != "division by zero" {
		t.Fatalf("unexpected exception: %v", turn.Context.Error["exception"])
	}
	if turn.Context.Topic.KeepOn {
		t.Fatal("keep_on must be forced off after an error")
	}
	info, _ := turn.Context.Error["info"].(map[string]any)
	if info["topic"] != "calc" {
		t.Fatalf("expected topic in error info, got %v", turn.Context.Error["info"])
	}
}

func TestExecute_PanicIsContained(t *testing.T) {
	turn := newTurn("x")
	resp := Execute(context.Background(), &panickingDialog{}, turn)
	if resp.Text() != "?" {
		t.Fatalf("expected '?', got %q", resp.Text())
	}
	if turn.Context.Error["traceback"] == "" {
		t.Fatal("expected traceback for panic")
	}
}

func TestExecute_NilErrorReplyFallsBack(t *testing.T) {
	turn := newTurn("x")
	resp := Execute(context.Background(), &nilErrorReplyDialog{}, turn)
	if resp.Text() != "?" {
		t.Fatalf("expected fallback '?', got %q", resp.Text())
	}
}

func TestExecute_UpstreamEntitiesWin(t *testing.T) {
	turn := newTurn("pizza please")
	turn.Request.Entities["item"] = "pizza"
	turn.Request.Entities["size"] = ""

	d := &entityDialog{extracted: map[string]any{"item": "soba", "size": "L", "count": 2}}
	Execute(context.Background(), d, turn)

	if turn.Request.Entities["item"] != "pizza" {
		t.Fatalf("upstream entity overwritten: %v", turn.Request.Entities["item"])
	}
	if turn.Request.Entities["size"] != "L" {
		t.Fatalf("empty entity should be filled: %v", turn.Request.Entities["size"])
	}
	if turn.Request.Entities["count"] != 2 {
		t.Fatalf("missing entity not added: %v", turn.Request.Entities["count"])
	}
}

func TestExecute_SlotsOnlyOnNewTopic(t *testing.T) {
	d := &slotDialog{}
	turn := newTurn("one")
	turn.Context.Topic.Name = "counter"
	turn.Context.Topic.IsNew = true
	Execute(context.Background(), d, turn)

	// next turn continues the topic; ProcessRequest flagged IsNew again but
	// the orchestrator normalizes it at turn start.
	next := newTurn("two")
	next.Context = turn.Context
	next.Context.Topic.IsNew = false
	Execute(context.Background(), d, next)

	if d.calls != 1 {
		t.Fatalf("expected GetSlots once, got %d", d.calls)
	}
	if next.Context.Data["count"] != 2 {
		t.Fatalf("slot data clobbered: %v", next.Context.Data)
	}
}

func TestExecute_NilSlotsBecomeEmptyData(t *testing.T) {
	turn := newTurn("x")
	turn.Context.Data = map[string]any{"stale": true}
	turn.Context.Topic.IsNew = true
	Execute(context.Background(), &Base{}, turn)
	if len(turn.Context.Data) != 0 {
		t.Fatalf("expected data replaced by slots, got %v", turn.Context.Data)
	}
}

func TestExecute_ComposeMixedList(t *testing.T) {
	turn := newTurn("order")
	custom := turn.Request.ToReply("")
	custom.Type = domain.MessageTypeImage
	custom.Payloads = []domain.Payload{domain.NewPayload("image", "http://example.com/p.png")}

	resp := Execute(context.Background(), &composeDialog{out: []any{"Thank you!", custom}}, turn)

	if len(resp.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(resp.Messages))
	}
	if resp.Messages[0].Text != "Thank you!" || resp.Messages[0].ChannelUserID != "user1" {
		t.Fatalf("string reply not built from request: %+v", resp.Messages[0])
	}
	if resp.Messages[1] != custom {
		t.Fatal("message reply must pass through unchanged")
	}
}

func TestExecute_ComposeShapes(t *testing.T) {
	req := domain.NewMessage("console", "user1", "x")
	tests := []struct {
		name string
		out  any
		want int
	}{
		{"nil", nil, 0},
		{"empty string", "", 0},
		{"string", "hi", 1},
		{"message", req.ToReply("m"), 1},
		{"message value", *req.ToReply("v"), 1},
		{"strings", []string{"a", "b", "c"}, 3},
		{"messages", []*domain.Message{req.ToReply("a"), req.ToReply("b")}, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := Execute(context.Background(), &composeDialog{out: tc.out}, newTurn("x"))
			if len(resp.Messages) != tc.want {
				t.Fatalf("expected %d messages, got %d", tc.want, len(resp.Messages))
			}
		})
	}
}

func TestExecute_UnsupportedReplyIsError(t *testing.T) {
	turn := newTurn("x")
	resp := Execute(context.Background(), &composeDialog{out: 42}, turn)
	if resp.Text() != "?" {
		t.Fatalf("expected error reply, got %q", resp.Text())
	}
	if turn.Context.Error == nil {
		t.Fatal("expected error recorded")
	}
}
