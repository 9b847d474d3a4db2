package domain

import "context"

// Connection is a scoped storage handle acquired once per turn. It is never
// shared between concurrent turns and is always closed by the caller.
type Connection interface {
	Close() error
}

// ConnectionProvider hands out per-turn connections.
type ConnectionProvider interface {
	GetConnection(ctx context.Context) (Connection, error)

	// Prepare makes sure the backing tables exist.
	Prepare(ctx context.Context) error
}

// ContextStore loads and persists conversation state.
type ContextStore interface {
	// Get returns a fresh context (IsNew=true) when no record exists or the
	// stored one is older than the store's timeout.
	Get(ctx context.Context, channel, channelUserID string, conn Connection) (*Context, error)

	// Save is a no-op when ChannelUserID is empty.
	Save(ctx context.Context, c *Context, conn Connection) error
}

// UserStore loads and persists users. Get creates the user on first contact.
type UserStore interface {
	Get(ctx context.Context, channel, channelUserID string, conn Connection) (*User, error)
	Save(ctx context.Context, u *User, conn Connection) error
}

// MessageLogStore is the write-only audit trail of turns.
type MessageLogStore interface {
	Save(ctx context.Context, req *Message, resp *Response, c *Context, conn Connection) error
}

// Tagger splits text into word nodes. It returns an empty slice for empty
// input and for input longer than maxLength (when maxLength > 0).
type Tagger interface {
	Parse(ctx context.Context, text string, maxLength int) ([]WordNode, error)
}
