package domain

import (
	"time"

	"github.com/google/uuid"
)

// User is the per-channel identity of the person talking to the bot.
// ID is generated once and stays stable across sessions.
type User struct {
	ID              string         `json:"id"`
	Channel         string         `json:"channel"`
	ChannelUserID   string         `json:"channel_user_id"`
	Timestamp       time.Time      `json:"timestamp"`
	Name            string         `json:"name"`
	Nickname        string         `json:"nickname"`
	ProfileImageURL string         `json:"profile_image_url"`
	Data            map[string]any `json:"data"`
}

// NewUser creates a user on first contact.
func NewUser(channel, channelUserID string) *User {
	return &User{
		ID:            uuid.NewString(),
		Channel:       channel,
		ChannelUserID: channelUserID,
		Timestamp:     time.Now(),
		Data:          make(map[string]any),
	}
}
