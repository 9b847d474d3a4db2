package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"dialogbot/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Telegram implements domain.Channel for a Telegram bot using long polling.
type Telegram struct {
	token     string
	allowFrom []int64 // allowed user IDs, empty allows all

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	bus.OnOutbound(t.Name(), func(msg domain.OutboundMessage) {
		chatID, err := telegramChatID(msg)
		if err != nil {
			t.logger.Error("invalid chat ID for telegram outbound", "chatID", msg.ChatID, "err", err)
			return
		}
		for _, text := range replyTexts(msg.Response) {
			t.sendMessage(chatID, text)
		}
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op; polling stops when Start's context is cancelled.
// StopReceivingUpdates panics when called twice.
func (t *Telegram) Stop() error { return nil }

// telegramChatID resolves the chat a reply belongs in. Private chats share
// the user ID, so the context key works when the native message is missing.
func telegramChatID(msg domain.OutboundMessage) (int64, error) {
	if msg.Request != nil {
		if native, ok := msg.Request.ChannelMessage.(*tgbotapi.Message); ok && native.Chat != nil {
			return native.Chat.ID, nil
		}
	}
	return strconv.ParseInt(msg.ChatID, 10, 64)
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return
	}

	if !t.isAllowed(m.From.ID) {
		t.logger.Warn("unauthorized telegram user", "user_id", m.From.ID, "username", m.From.UserName)
		return
	}

	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}
	if m.IsCommand() && t.handleCommand(m) {
		return
	}

	t.logger.Info("telegram message received", "user_id", m.From.ID, "chat_id", m.Chat.ID, "text_len", len(text))
	_, _ = t.bot.Request(tgbotapi.NewChatAction(m.Chat.ID, tgbotapi.ChatTyping))

	t.bus.Publish(telegramRequest(m))
}

// telegramRequest converts a native message. Group chats share one
// conversation keyed by the chat ID.
func telegramRequest(m *tgbotapi.Message) *domain.Message {
	req := newRequest("telegram", "", strconv.FormatInt(m.From.ID, 10), m.Text, m)
	req.Timestamp = time.Unix(int64(m.Date), 0)
	if !m.Chat.IsPrivate() {
		req.Group = &domain.Group{ID: strconv.FormatInt(m.Chat.ID, 10), Type: m.Chat.Type}
	}
	if m.Location != nil {
		req.Type = domain.MessageTypeLocation
		req.Payloads = append(req.Payloads, domain.Payload{
			ContentType: "location",
			Content:     map[string]any{"latitude": m.Location.Latitude, "longitude": m.Location.Longitude},
		})
	}
	return req
}

// handleCommand answers channel-level commands directly. Other commands are
// passed to the bot as text.
func (t *Telegram) handleCommand(m *tgbotapi.Message) bool {
	switch m.Command() {
	case "start", "help":
		t.sendMessage(m.Chat.ID, "Hello! Send me a message to start a conversation.")
		return true
	case "id":
		t.sendMessage(m.Chat.ID, fmt.Sprintf("Your ID: %d\nChat ID: %d", m.From.ID, m.Chat.ID))
		return true
	}
	return false
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		t.sendChunk(chatID, chunk)
	}
}

// sendChunk sends one chunk, backing off on rate limits and transient errors.
func (t *Telegram) sendChunk(chatID int64, text string) {
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		_, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err == nil {
			return
		}

		errStr := err.Error()
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", retryAfter, "attempt", attempt+1)
			time.Sleep(retryAfter)
			continue
		}

		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}

		t.logger.Error("telegram send failed after retries", "err", err, "attempts", telegramMaxSendRetries+1)
	}
}
