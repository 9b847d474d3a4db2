package messagelog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dialogbot/internal/domain"
)

// PublishStore is a MessageLogStore that publishes each turn as an envelope
// instead of writing it to the database. The storage connection is ignored.
type PublishStore struct {
	pub        Publisher
	routingKey string
	producer   string
	timeout    time.Duration
	logger     *slog.Logger
}

type PublishStoreConfig struct {
	Publisher  Publisher
	RoutingKey string
	Producer   string
	Timeout    time.Duration // per publish, default 5s
	Logger     *slog.Logger
}

func NewPublishStore(cfg PublishStoreConfig) *PublishStore {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Producer == "" {
		cfg.Producer = "dialogbot"
	}
	return &PublishStore{
		pub:        cfg.Publisher,
		routingKey: cfg.RoutingKey,
		producer:   cfg.Producer,
		timeout:    cfg.Timeout,
		logger:     cfg.Logger,
	}
}

func (s *PublishStore) Save(ctx context.Context, req *domain.Message, resp *domain.Response, c *domain.Context, _ domain.Connection) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	env := NewTurnEnvelope(s.producer, req, resp, c)
	if err := s.pub.Publish(ctx, s.routingKey, env); err != nil {
		return fmt.Errorf("publish turn %s: %w", env.Meta.ID, err)
	}
	return nil
}

// Close closes the underlying publisher.
func (s *PublishStore) Close() error {
	return s.pub.Close()
}

// Multi fans a turn out to several stores. Every store is attempted; the
// errors are joined.
type Multi []domain.MessageLogStore

func (m Multi) Save(ctx context.Context, req *domain.Message, resp *domain.Response, c *domain.Context, conn domain.Connection) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, req, resp, c, conn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ domain.MessageLogStore = (*PublishStore)(nil)
	_ domain.MessageLogStore = Multi(nil)
)
