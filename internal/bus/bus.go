// Package bus connects channel adapters to the dispatcher in-process.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"dialogbot/internal/domain"
)

const defaultPublishTimeout = 10 * time.Second

// InMemoryBus is a Go-channel based message bus. Inbound requests are
// queued for the dispatcher; outbound responses are handed to the handler
// registered by the originating channel.
type InMemoryBus struct {
	inbound        chan *domain.Message
	handlers       map[string]func(domain.OutboundMessage)
	mu             sync.RWMutex
	closed         bool
	publishTimeout time.Duration
	logger         *slog.Logger
}

// New creates a bus with the given inbound buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		inbound:        make(chan *domain.Message, bufferSize),
		handlers:       make(map[string]func(domain.OutboundMessage)),
		publishTimeout: defaultPublishTimeout,
		logger:         logger,
	}
}

// Publish queues a request. When the buffer is full it waits up to the
// publish timeout before dropping the message.
func (b *InMemoryBus) Publish(msg *domain.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "channel", msg.Channel)
		return
	}

	select {
	case b.inbound <- msg:
		return
	default:
	}

	b.logger.Warn("inbound bus full, waiting", "channel", msg.Channel, "user", msg.ChannelUserID)
	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()
	select {
	case b.inbound <- msg:
	case <-timer.C:
		b.logger.Error("message dropped: bus full",
			"channel", msg.Channel,
			"user", msg.ChannelUserID,
			"waited", b.publishTimeout,
		)
	}
}

func (b *InMemoryBus) Subscribe() <-chan *domain.Message {
	return b.inbound
}

// SendOutbound delivers a finished turn to its channel handler.
func (b *InMemoryBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.RLock()
	handler, ok := b.handlers[msg.Channel]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("no handler registered for channel", "channel", msg.Channel)
		return
	}
	handler(msg)
}

func (b *InMemoryBus) OnOutbound(channelName string, handler func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channelName] = handler
}

// Close stops accepting requests and closes the inbound channel.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}

var _ domain.MessageBus = (*InMemoryBus)(nil)
