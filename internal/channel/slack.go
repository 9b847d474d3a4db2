package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"dialogbot/internal/domain"
)

const slackMaxMsgLen = 4000

// Slack implements domain.Channel for Slack using Socket Mode.
type Slack struct {
	botToken string
	appToken string
	client   *slack.Client
	bus      domain.MessageBus
	logger   *slog.Logger
	botUID   string
}

type SlackConfig struct {
	BotToken string
	AppToken string
	Logger   *slog.Logger
}

func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Slack{
		botToken: cfg.BotToken,
		appToken: cfg.AppToken,
		logger:   cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

// Start connects via Socket Mode and blocks until ctx is cancelled.
func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	s.bus = bus

	api := slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))
	s.client = api

	authResp, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	socketClient := socketmode.New(api)

	bus.OnOutbound(s.Name(), func(msg domain.OutboundMessage) {
		channelID := msg.ChatID
		if msg.Request != nil && msg.Request.ChannelDetail != "" {
			channelID = msg.Request.ChannelDetail
		}
		for _, text := range replyTexts(msg.Response) {
			s.sendMessage(channelID, text)
		}
	})

	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleEventsAPI(eventsAPIEvent)
			default:
				// Unacknowledged events make Socket Mode reconnect.
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

func (s *Slack) Stop() error { return nil }

func (s *Slack) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.User == s.botUID || ev.User == "" || ev.SubType != "" {
			return
		}
		s.logger.Info("slack message received", "user", ev.User, "channel", ev.Channel, "content_len", len(ev.Text))
		s.bus.Publish(slackRequest(ev.User, ev.Channel, ev.ChannelType, ev.Text, ev))

	case *slackevents.AppMentionEvent:
		s.logger.Info("slack mention received", "user", ev.User, "channel", ev.Channel)
		s.bus.Publish(slackRequest(ev.User, ev.Channel, "channel", stripMention(ev.Text), ev))
	}
}

// slackRequest keeps the Slack channel as the channel detail. Direct
// messages ("im") are per user; everything else is a shared conversation.
func slackRequest(userID, channelID, channelType, text string, native any) *domain.Message {
	req := newRequest("slack", channelID, userID, text, native)
	if channelType != "im" {
		req.Group = &domain.Group{ID: channelID, Type: channelType}
	}
	return req
}

// stripMention removes the leading <@U123> of an app mention.
func stripMention(text string) string {
	if strings.HasPrefix(text, "<@") {
		if idx := strings.Index(text, ">"); idx >= 0 {
			return strings.TrimSpace(text[idx+1:])
		}
	}
	return strings.TrimSpace(text)
}

func (s *Slack) sendMessage(channelID, content string) {
	for _, chunk := range splitMessage(content, slackMaxMsgLen) {
		_, _, err := s.client.PostMessage(channelID, slack.MsgOptionText(chunk, false))
		if err != nil {
			s.logger.Error("slack send failed", "channel", channelID, "err", err)
		}
	}
}
