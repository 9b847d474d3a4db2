package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"dialogbot/internal/domain"
)

const discordMaxMsgLen = 2000

// Discord implements domain.Channel for Discord.
type Discord struct {
	token   string
	guildID string
	session *discordgo.Session
	bus     domain.MessageBus
	logger  *slog.Logger
}

type DiscordConfig struct {
	Token   string
	GuildID string // restrict to one guild, empty allows all
	Logger  *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		logger:  cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects with the bot token and blocks until ctx is cancelled.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	d.bus = bus

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.session = session

	bus.OnOutbound(d.Name(), func(msg domain.OutboundMessage) {
		channelID := msg.ChatID
		if msg.Request != nil && msg.Request.ChannelDetail != "" {
			channelID = msg.Request.ChannelDetail
		}
		for _, text := range replyTexts(msg.Response) {
			d.sendMessage(channelID, text)
		}
	})

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
			return
		}
		if d.guildID != "" && m.GuildID != d.guildID {
			return
		}
		d.logger.Info("discord message received",
			"author", m.Author.Username,
			"channel_id", m.ChannelID,
			"content_len", len(m.Content),
		)
		bus.Publish(discordRequest(m))
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

func (d *Discord) Stop() error { return nil }

// discordRequest converts a native message. The Discord channel ID is kept
// as the channel detail so replies land where the user wrote; guild
// channels share one conversation.
func discordRequest(m *discordgo.MessageCreate) *domain.Message {
	text := strings.TrimSpace(m.Content)
	req := newRequest("discord", m.ChannelID, m.Author.ID, text, m.Message)
	if m.GuildID != "" {
		req.Group = &domain.Group{ID: m.ChannelID, Type: "guild"}
	}
	for _, a := range m.Attachments {
		req.Payloads = append(req.Payloads, domain.NewPayload(a.ContentType, a.URL))
	}
	return req
}

func (d *Discord) sendMessage(channelID, content string) {
	for _, chunk := range splitMessage(content, discordMaxMsgLen) {
		if _, err := d.session.ChannelMessageSend(channelID, chunk); err != nil {
			d.logger.Error("discord send failed", "channel", channelID, "err", err)
		}
	}
}
