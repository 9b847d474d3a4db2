package domain

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Message types. Channel adapters may use their own values as well.
const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeLocation = "location"
	MessageTypeSticker  = "sticker"
	MessageTypeSystem   = "system"
)

// Message is both the inbound request of a turn and each reply in a Response.
// Created fresh per inbound turn; the tagger, router and dialog mutate
// Words, Intent, IntentPriority and Entities in place.
type Message struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	Channel        string         `json:"channel"`
	ChannelDetail  string         `json:"channel_detail,omitempty"`
	ChannelUserID  string         `json:"channel_user_id"`
	ChannelMessage any            `json:"-"` // channel-native payload, opaque to the core
	Token          string         `json:"token,omitempty"`
	User           *User          `json:"-"`
	Group          *Group         `json:"group,omitempty"`
	Text           string         `json:"text"`
	Words          []WordNode     `json:"words,omitempty"`
	Payloads       []Payload      `json:"payloads,omitempty"`
	Intent         string         `json:"intent,omitempty"`
	IntentPriority Priority       `json:"intent_priority"`
	Entities       map[string]any `json:"entities,omitempty"`
	IsAdhoc        bool           `json:"is_adhoc,omitempty"`
}

// NewMessage builds a text request with a fresh id and the current time.
func NewMessage(channel, channelUserID, text string) *Message {
	return &Message{
		ID:             uuid.NewString(),
		Type:           MessageTypeText,
		Timestamp:      time.Now(),
		Channel:        channel,
		ChannelUserID:  channelUserID,
		Text:           text,
		IntentPriority: PriorityNormal,
		Entities:       make(map[string]any),
	}
}

// ToReply builds a reply to m. Channel, user and timestamp fields are copied;
// analysis results, payloads, intent and entities start empty.
func (m *Message) ToReply(text string, payloads ...Payload) *Message {
	reply := *m
	reply.Type = MessageTypeText
	reply.Text = text
	reply.Words = []WordNode{}
	reply.Payloads = append([]Payload{}, payloads...)
	reply.Intent = ""
	reply.IntentPriority = PriorityNormal
	reply.Entities = make(map[string]any)
	reply.IsAdhoc = false
	return &reply
}

// ContextKey returns the id the conversation state is stored under: the group
// id when the request came from a group, the sender otherwise.
func (m *Message) ContextKey() string {
	if m.Group != nil && m.Group.ID != "" {
		return m.Group.ID
	}
	return m.ChannelUserID
}

// Entity returns the entity value for key, or nil.
func (m *Message) Entity(key string) any {
	if m.Entities == nil {
		return nil
	}
	return m.Entities[key]
}

// Group identifies a multi-user conversation (group chat, room, channel).
type Group struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
}

// WordNode is a single token produced by a Tagger. Fields a tagger cannot
// fill are left empty.
type WordNode struct {
	Surface             string `json:"surface"`
	PartOfSpeech        string `json:"part_of_speech,omitempty"`
	PartOfSpeechDetail1 string `json:"part_of_speech_detail1,omitempty"`
	PartOfSpeechDetail2 string `json:"part_of_speech_detail2,omitempty"`
	PartOfSpeechDetail3 string `json:"part_of_speech_detail3,omitempty"`
	StemType            string `json:"stem_type,omitempty"`
	StemForm            string `json:"stem_form,omitempty"`
	Word                string `json:"word,omitempty"` // lemma
	Kana                string `json:"kana,omitempty"` // reading
	Pronunciation       string `json:"pronunciation,omitempty"`
}

// Payload is rich content attached to a message (image, location, sticker...).
type Payload struct {
	ContentType string            `json:"content_type"`
	URL         string            `json:"url,omitempty"`
	Thumb       string            `json:"thumb,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Content     any               `json:"content,omitempty"`
}

// NewPayload builds a payload whose thumbnail defaults to url.
func NewPayload(contentType, url string) Payload {
	return Payload{ContentType: contentType, URL: url, Thumb: url}
}

// Fetch downloads the payload URL once and caches the body in Content.
func (p *Payload) Fetch(ctx context.Context, client *http.Client) ([]byte, error) {
	if b, ok := p.Content.([]byte); ok {
		return b, nil
	}
	if p.URL == "" {
		return nil, fmt.Errorf("payload has no url")
	}
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build payload request: %w", err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch payload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch payload: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	p.Content = body
	return body, nil
}
