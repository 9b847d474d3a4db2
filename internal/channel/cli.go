package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"dialogbot/internal/domain"
)

// CLI implements domain.Channel for interactive terminal chat.
type CLI struct {
	userID string
	logger *slog.Logger
	in     io.Reader
	out    io.Writer
	outMu  sync.Mutex

	// replies is signalled after each turn so the prompt is redrawn in order.
	replies chan struct{}
}

type CLIConfig struct {
	UserID string
	Logger *slog.Logger
	In     io.Reader
	Out    io.Writer
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.UserID == "" {
		cfg.UserID = "console-user"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		userID:  cfg.UserID,
		logger:  cfg.Logger,
		in:      cfg.In,
		out:     cfg.Out,
		replies: make(chan struct{}, 1),
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the REPL and blocks until EOF, /quit or context cancellation.
// Each line waits for its reply before the next prompt.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bus.OnOutbound(c.Name(), func(msg domain.OutboundMessage) {
		c.print(msg)
		select {
		case c.replies <- struct{}{}:
		default:
		}
	})

	c.write("dialogbot console. Type a message and press Enter. Type /quit to exit.\n")

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		c.write("you> ")
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			select {
			case err := <-scanErr:
				return err
			default:
				return nil
			}
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			c.logger.Info("user requested quit")
			return nil
		}

		bus.Publish(newRequest(c.Name(), "", c.userID, line, nil))

		select {
		case <-c.replies:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *CLI) print(msg domain.OutboundMessage) {
	texts := replyTexts(msg.Response)
	if len(texts) == 0 {
		texts = []string{"(no reply)"}
	}
	for _, text := range texts {
		c.write(fmt.Sprintf("bot> %s\n", text))
	}
}

func (c *CLI) write(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = io.WriteString(c.out, s)
}

// Stop is a no-op; the REPL exits when Start returns.
func (c *CLI) Stop() error { return nil }
