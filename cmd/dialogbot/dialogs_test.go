package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"dialogbot/internal/config"
	"dialogbot/internal/domain"
	"dialogbot/internal/intent"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestApp(t *testing.T, mutate func(cfg *config.Config)) *app {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Storage.DBPath = filepath.Join(dir, "data", "bot.db")
	cfg.Intents.Dir = filepath.Join(dir, "intents")
	cfg.General.Timezone = "UTC"
	if mutate != nil {
		mutate(cfg)
	}
	a, err := buildApp(context.Background(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// say sends one turn as user u1 and returns the reply texts.
func say(t *testing.T, a *app, text string) []string {
	t.Helper()
	resp := a.bot.Chat(context.Background(), domain.NewMessage("test", "u1", text))
	var out []string
	for _, m := range resp.Messages {
		out = append(out, m.Text)
	}
	return out
}

func TestApp_EchoWithoutTopic(t *testing.T) {
	a := newTestApp(t, nil)
	if diff := cmp.Diff([]string{"You said: good morning"}, say(t, a, "good morning")); diff != "" {
		t.Fatalf("reply mismatch (-want +got):\n%s", diff)
	}
}

func TestApp_GreetingStoresNickname(t *testing.T) {
	a := newTestApp(t, nil)

	if got := say(t, a, "hello"); got[0] != "Hi! What's your name?" {
		t.Fatalf("unexpected first reply %q", got)
	}
	if got := say(t, a, "Alice"); got[0] != "Nice to meet you, Alice!" {
		t.Fatalf("unexpected second reply %q", got)
	}
	if got := say(t, a, "how are you"); got[0] != "Alice, you said: how are you" {
		t.Fatalf("nickname not kept: %q", got)
	}
	if got := say(t, a, "hi"); got[0] != "Hello again, Alice!" {
		t.Fatalf("unexpected repeat greeting %q", got)
	}
}

func TestApp_GreetingGivesUp(t *testing.T) {
	a := newTestApp(t, nil)
	say(t, a, "hey")
	say(t, a, " ")
	say(t, a, " ")
	if got := say(t, a, " "); got[0] != "Never mind. Say hello whenever you like." {
		t.Fatalf("expected give-up reply, got %q", got)
	}
	if got := say(t, a, "Bob"); got[0] != "You said: Bob" {
		t.Fatalf("topic should have ended, got %q", got)
	}
}

func TestApp_CounterContinuesAcrossTurns(t *testing.T) {
	a := newTestApp(t, nil)

	got := say(t, a, "count from 5")
	if len(got) != 2 || got[0] != "5" {
		t.Fatalf("unexpected start %q", got)
	}
	// Slots come back from storage as float64.
	if got := say(t, a, "go on"); got[0] != "6" {
		t.Fatalf("expected 6, got %q", got)
	}
	if got := say(t, a, "stop"); got[0] != "Stopped counting." {
		t.Fatalf("unexpected stop reply %q", got)
	}
	if got := say(t, a, "go on"); got[0] != "You said: go on" {
		t.Fatalf("topic should have ended, got %q", got)
	}
}

func TestApp_AdhocHelpKeepsTopic(t *testing.T) {
	a := newTestApp(t, nil)
	say(t, a, "count from 1")

	help := say(t, a, "help")
	if len(help) != 3 {
		t.Fatalf("expected intents, topic and time lines, got %q", help)
	}
	if !strings.Contains(help[0], "CountIntent") || !strings.Contains(help[1], `"counter"`) {
		t.Fatalf("unexpected help reply %q", help)
	}
	if got := say(t, a, "next"); got[0] != "2" {
		t.Fatalf("counter should continue after help, got %q", got)
	}
}

func TestApp_CounterOverflowEndsTopic(t *testing.T) {
	a := newTestApp(t, nil)
	say(t, a, "count from 1000")
	if got := say(t, a, "next"); got[0] != "That's enough counting for today." {
		t.Fatalf("expected overflow reply, got %q", got)
	}
	if got := say(t, a, "next"); got[0] != "You said: next" {
		t.Fatalf("topic should have ended, got %q", got)
	}
}

func TestApp_RuleSources(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		if err := os.MkdirAll(cfg.Intents.Dir, 0o755); err != nil {
			t.Fatal(err)
		}
		rule := "name: WeatherIntent\nkeywords: [weather]\npriority: high\n"
		if err := os.WriteFile(filepath.Join(cfg.Intents.Dir, "weather.yaml"), []byte(rule), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg.Intents.Rules = []config.IntentRule{{Name: "GreetingIntent", Pattern: `(?i)^yo\b`}}
	})

	if got := say(t, a, "hello"); got[0] != "You said: hello" {
		t.Fatalf("config rule should replace the built-in greeting, got %q", got)
	}
	if got := say(t, a, "yo"); got[0] != "Hi! What's your name?" {
		t.Fatalf("config greeting not applied, got %q", got)
	}

	// A recognized intent without a dialog answers once and keeps the topic.
	if got := say(t, a, "what about the weather"); got[0] != "You said: what about the weather" {
		t.Fatalf("unexpected weather reply %q", got)
	}
	if got := say(t, a, "Carol"); got[0] != "Nice to meet you, Carol!" {
		t.Fatalf("greeting topic lost, got %q", got)
	}
}

func TestApp_MessageLogWritten(t *testing.T) {
	a := newTestApp(t, nil)
	say(t, a, "one")
	say(t, a, "two")

	stats, err := a.storage.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.MessageLog != 2 || stats.Users != 1 || stats.Contexts != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestMergeRules_LaterWins(t *testing.T) {
	got := mergeRules(
		[]intent.Rule{{Name: "B", Pattern: "b"}, {Name: "A", Pattern: "a"}},
		[]intent.Rule{{Name: "B", Pattern: "override"}},
		nil,
	)
	want := []intent.Rule{{Name: "A", Pattern: "a"}, {Name: "B", Pattern: "override"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("merge mismatch (-want +got):\n%s", diff)
	}
}

func TestIntValue(t *testing.T) {
	tests := map[string]struct {
		in   any
		want int
	}{
		"int":     {3, 3},
		"int64":   {int64(4), 4},
		"float64": {float64(5), 5},
		"string":  {"6", 0},
		"nil":     {nil, 0},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := intValue(tc.in); got != tc.want {
				t.Fatalf("intValue(%v) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bot.log")
	l, err := newLogger(config.GeneralConfig{LogLevel: "debug", LogFile: path}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	l.Debug("hello file")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello file") {
		t.Fatalf("log file missing record: %q", data)
	}
}
