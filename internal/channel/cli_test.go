package channel

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"dialogbot/internal/domain"
)

func TestCLI_EchoUntilQuit(t *testing.T) {
	var out bytes.Buffer
	c := NewCLI(CLIConfig{
		UserID: "tester",
		Logger: quietLogger(),
		In:     strings.NewReader("hello\n\n  world  \n/quit\nignored\n"),
		Out:    &out,
	})
	b := newEchoBus()

	if err := c.Start(context.Background(), b); err != nil {
		t.Fatalf("Start: %v", err)
	}

	reqs := b.requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	if reqs[0].ChannelUserID != "tester" || reqs[0].Channel != "cli" || reqs[1].Text != "world" {
		t.Fatalf("unexpected requests: %+v %+v", reqs[0], reqs[1])
	}

	text := out.String()
	for _, want := range []string{"bot> echo: hello", "bot> echo: world"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "ignored") {
		t.Error("input after /quit must not be processed")
	}
}

func TestCLI_EOF(t *testing.T) {
	c := NewCLI(CLIConfig{Logger: quietLogger(), In: strings.NewReader("hi\n"), Out: &bytes.Buffer{}})
	b := newEchoBus()
	if err := c.Start(context.Background(), b); err != nil {
		t.Fatalf("EOF should end the REPL cleanly: %v", err)
	}
	if got := b.requests(); len(got) != 1 || got[0].ChannelUserID != "console-user" {
		t.Fatalf("unexpected requests %+v", got)
	}
}

func TestCLI_CancelWhileWaitingForReply(t *testing.T) {
	c := NewCLI(CLIConfig{Logger: quietLogger(), In: strings.NewReader("hi\nagain\n"), Out: &bytes.Buffer{}})
	b := newEchoBus()
	b.silent = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, b) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if len(b.requests()) != 1 {
		t.Fatal("second line must wait for the first reply")
	}
}

func TestCLI_EmptyResponse(t *testing.T) {
	var out bytes.Buffer
	c := NewCLI(CLIConfig{Logger: quietLogger(), Out: &out})
	c.print(domain.OutboundMessage{Channel: "cli"})
	if !strings.Contains(out.String(), "(no reply)") {
		t.Fatalf("unexpected output %q", out.String())
	}
}
