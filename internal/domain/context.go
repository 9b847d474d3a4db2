package domain

import (
	"runtime/debug"
	"time"
)

// Priority ranks intents and topics for interruption arbitration.
type Priority int

const (
	PriorityIgnore  Priority = 0
	PriorityLow     Priority = 25
	PriorityNormal  Priority = 50
	PriorityHigh    Priority = 75
	PriorityHighest Priority = 100
)

// Topic is the named multi-turn flow currently owned by one dialog.
// An empty Name means no active topic.
type Topic struct {
	Name     string   `json:"name"`
	Status   string   `json:"status"`
	IsNew    bool     `json:"is_new"`
	KeepOn   bool     `json:"keep_on"`
	Previous *Topic   `json:"previous,omitempty"`
	Priority Priority `json:"priority"`
}

// NewTopic returns an empty topic at normal priority.
func NewTopic() Topic {
	return Topic{Priority: PriorityNormal}
}

// Clone returns a structural copy, including the previous chain.
func (t *Topic) Clone() *Topic {
	if t == nil {
		return nil
	}
	c := *t
	c.Previous = t.Previous.Clone()
	return &c
}

// Context is the per-conversation state record. One exists per
// (channel, channel_user_id or group id). Data holds the slots of the active
// topic and is cleared whenever the topic ends, unless configured otherwise.
type Context struct {
	Channel       string         `json:"channel"`
	ChannelUserID string         `json:"channel_user_id"`
	Timestamp     time.Time      `json:"timestamp"`
	IsNew         bool           `json:"is_new"`
	Topic         Topic          `json:"topic"`
	Data          map[string]any `json:"data"`
	Error         map[string]any `json:"error"`
}

// NewContext returns a fresh context with no topic.
func NewContext(channel, channelUserID string) *Context {
	return &Context{
		Channel:       channel,
		ChannelUserID: channelUserID,
		Timestamp:     time.Now(),
		IsNew:         true,
		Topic:         NewTopic(),
		Data:          make(map[string]any),
		Error:         make(map[string]any),
	}
}

// Reset runs at the end of every turn. The topic is always snapshotted into
// Topic.Previous; unless the dialog asked to keep it on, the topic, its data
// (when keepData is false) and the error record are cleared.
func (c *Context) Reset(keepData bool) {
	c.Topic.Previous = nil
	c.Topic.Previous = c.Topic.Clone()
	if c.Topic.KeepOn {
		return
	}
	c.Topic.Name = ""
	c.Topic.Status = ""
	c.Topic.Priority = PriorityNormal
	if !keepData {
		c.Data = make(map[string]any)
	}
	c.Error = make(map[string]any)
}

// Clone returns a deep copy of the context.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Topic = *c.Topic.Clone()
	cp.Data = CloneMap(c.Data)
	cp.Error = CloneMap(c.Error)
	return &cp
}

type stackTracer interface {
	StackTrace() string
}

// SetError records err on the context as {exception, traceback, info}.
func (c *Context) SetError(err error, info map[string]any) {
	if err == nil {
		return
	}
	trace := ""
	if st, ok := err.(stackTracer); ok {
		trace = st.StackTrace()
	} else {
		trace = string(debug.Stack())
	}
	c.Error = map[string]any{
		"exception": err.Error(),
		"traceback": trace,
	}
	if info != nil {
		c.Error["info"] = info
	}
}

// CloneMap deep-copies nested maps and slices; other values are copied as is.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
