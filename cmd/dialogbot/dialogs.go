package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"dialogbot/internal/dialog"
	"dialogbot/internal/domain"
	"dialogbot/internal/intent"
)

// Built-in dialogs. Intent rules from the intents directory and the config
// file can route more intents to them.
var (
	echoDef     = dialog.Define("", func(deps *dialog.Dependencies) dialog.Handler { return &echoDialog{Base: dialog.Base{Deps: deps}} })
	greetingDef = dialog.Define("greeting", func(deps *dialog.Dependencies) dialog.Handler { return &greetingDialog{Base: dialog.Base{Deps: deps}} })
	counterDef  = dialog.Define("counter", func(deps *dialog.Dependencies) dialog.Handler { return &counterDialog{Base: dialog.Base{Deps: deps}} })
	helpDef     = dialog.Define("help", func(deps *dialog.Dependencies) dialog.Handler { return &helpDialog{Base: dialog.Base{Deps: deps}} })
)

// intentDialogs maps intent names to dialogs. ThanksIntent is recognized
// but has no dialog: it is answered by the bare echo and never interrupts a
// topic.
func intentDialogs() map[string]*dialog.Definition {
	return map[string]*dialog.Definition{
		"GreetingIntent": greetingDef,
		"CountIntent":    counterDef,
		"HelpIntent":     helpDef,
		"ThanksIntent":   nil,
	}
}

func builtinRules() []intent.Rule {
	return []intent.Rule{
		{Name: "GreetingIntent", Pattern: `(?i)^\s*(hello|hi|hey)\b`},
		{Name: "CountIntent", Keywords: []string{"count"}, Pattern: `(?i)count\s+from\s+(?P<start>\d+)`},
		{Name: "HelpIntent", Keywords: []string{"help"}, Priority: "high", Adhoc: true},
		{Name: "ThanksIntent", Pattern: `(?i)\bthank(s| you)\b`},
	}
}

// echoDialog answers turns outside any topic.
type echoDialog struct {
	dialog.Base
}

func (d *echoDialog) ComposeResponse(ctx context.Context, t *dialog.Turn) (any, error) {
	if u := t.Request.User; u != nil && u.Nickname != "" {
		return fmt.Sprintf("%s, you said: %s", u.Nickname, t.Request.Text), nil
	}
	return "You said: " + t.Request.Text, nil
}

// greetingDialog asks for the user's name over two turns and stores it as
// the nickname.
type greetingDialog struct {
	dialog.Base
}

const statusAskName = "ask_name"

func (d *greetingDialog) GetSlots(ctx context.Context, t *dialog.Turn) (map[string]any, error) {
	return map[string]any{"attempts": 0}, nil
}

func (d *greetingDialog) ProcessRequest(ctx context.Context, t *dialog.Turn) error {
	c := t.Context
	if c.Topic.Status != statusAskName {
		if u := t.Request.User; u != nil && u.Nickname != "" {
			return nil
		}
		c.Topic.Status = statusAskName
		c.Topic.KeepOn = true
		return nil
	}

	name := strings.TrimSpace(t.Request.Text)
	if name == "" {
		attempts := intValue(c.Data["attempts"]) + 1
		c.Data["attempts"] = attempts
		c.Topic.KeepOn = attempts < 3
		return nil
	}
	c.Data["name"] = name
	if u := t.Request.User; u != nil {
		u.Nickname = name
	}
	c.Topic.Status = "done"
	return nil
}

func (d *greetingDialog) ComposeResponse(ctx context.Context, t *dialog.Turn) (any, error) {
	c := t.Context
	switch {
	case c.Topic.Status == "done":
		return fmt.Sprintf("Nice to meet you, %s!", c.Data["name"]), nil
	case c.Topic.KeepOn:
		return "Hi! What's your name?", nil
	case t.Request.User != nil && t.Request.User.Nickname != "":
		return fmt.Sprintf("Hello again, %s!", t.Request.User.Nickname), nil
	}
	return "Never mind. Say hello whenever you like.", nil
}

// counterDialog counts up by one each turn until the user says "stop".
type counterDialog struct {
	dialog.Base
}

var errCounterOverflow = errors.New("counter overflow")

func (d *counterDialog) GetSlots(ctx context.Context, t *dialog.Turn) (map[string]any, error) {
	start := 0
	if s, ok := t.Request.Entity("start").(string); ok {
		start, _ = strconv.Atoi(s)
	}
	return map[string]any{"count": start}, nil
}

func (d *counterDialog) ProcessRequest(ctx context.Context, t *dialog.Turn) error {
	c := t.Context
	if strings.EqualFold(strings.TrimSpace(t.Request.Text), "stop") {
		c.Topic.Status = "stopped"
		return nil
	}
	// Slots come back from storage as float64.
	n := intValue(c.Data["count"])
	if !c.Topic.IsNew {
		n++
	}
	if n > 1000 {
		return errCounterOverflow
	}
	c.Data["count"] = n
	c.Topic.KeepOn = true
	return nil
}

func (d *counterDialog) ComposeResponse(ctx context.Context, t *dialog.Turn) (any, error) {
	if t.Context.Topic.Status == "stopped" {
		return "Stopped counting.", nil
	}
	return []any{
		fmt.Sprintf("%d", intValue(t.Context.Data["count"])),
		t.Request.ToReply("(say anything to continue, \"stop\" to end)"),
	}, nil
}

func (d *counterDialog) HandleError(ctx context.Context, t *dialog.Turn, err error) *domain.Message {
	if errors.Is(err, errCounterOverflow) {
		return t.Request.ToReply("That's enough counting for today.")
	}
	return d.Base.HandleError(ctx, t, err)
}

// helpDialog is ad hoc: it answers without touching the active topic.
type helpDialog struct {
	dialog.Base
}

func (d *helpDialog) ComposeResponse(ctx context.Context, t *dialog.Turn) (any, error) {
	intents, _ := dialog.Dep[[]string](d.Deps, "intents")
	lines := []string{"I understand: " + strings.Join(intents, ", ")}
	if topic := t.Context.Topic.Name; topic != "" {
		lines = append(lines, fmt.Sprintf("We are in the middle of %q.", topic))
	}
	if loc, ok := dialog.Dep[*time.Location](d.Deps, "location"); ok {
		lines = append(lines, "Local time: "+time.Now().In(loc).Format("15:04"))
	}
	return lines, nil
}

// intValue reads a slot number stored either as int or, after a storage
// round trip, as float64.
func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// mergeRules combines rule sets; a later rule replaces an earlier one with
// the same name.
func mergeRules(sets ...[]intent.Rule) []intent.Rule {
	byName := make(map[string]intent.Rule)
	for _, set := range sets {
		for _, r := range set {
			byName[r.Name] = r
		}
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]intent.Rule, 0, len(names))
	for _, name := range names {
		out = append(out, byName[name])
	}
	return out
}
