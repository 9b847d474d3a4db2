package domain

import "context"

// Channel is a user-facing adapter (console, web, Telegram...). It converts
// channel-native events to Messages and Responses back to native replies.
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}
