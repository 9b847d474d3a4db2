package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"dialogbot/internal/domain"
)

// ContextStoreConfig configures a ContextStore.
type ContextStoreConfig struct {
	// Timeout expires stored contexts older than this. Zero never expires.
	Timeout time.Duration
	Logger  *slog.Logger
}

// ContextStore keeps one conversation context per (channel, channel user id).
type ContextStore struct {
	timeout time.Duration
	logger  *slog.Logger
}

func NewContextStore(cfg ContextStoreConfig) *ContextStore {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ContextStore{timeout: cfg.Timeout, logger: cfg.Logger}
}

// Get loads the context, or returns a fresh one when none is stored or the
// stored one has expired.
func (s *ContextStore) Get(ctx context.Context, channel, channelUserID string, conn domain.Connection) (*domain.Context, error) {
	db, err := sqlConn(conn)
	if err != nil {
		return nil, err
	}

	var (
		ts                    int64
		name, status, prevRaw string
		priority              int
		dataRaw               string
	)
	err = db.QueryRowContext(ctx,
		`SELECT timestamp, topic_name, topic_status, topic_previous, topic_priority, data
		 FROM context WHERE channel = ? AND channel_user_id = ?`,
		channel, channelUserID,
	).Scan(&ts, &name, &status, &prevRaw, &priority, &dataRaw)
	if err == sql.ErrNoRows {
		return domain.NewContext(channel, channelUserID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get context: %w", err)
	}

	stored := time.UnixMilli(ts)
	if s.timeout > 0 && time.Since(stored) > s.timeout {
		s.logger.Debug("context expired", "channel", channel, "user", channelUserID, "age", time.Since(stored))
		return domain.NewContext(channel, channelUserID), nil
	}

	c := domain.NewContext(channel, channelUserID)
	c.IsNew = false
	c.Timestamp = stored
	c.Topic.Name = name
	c.Topic.Status = status
	c.Topic.Priority = domain.Priority(priority)
	if prevRaw != "" {
		var prev domain.Topic
		if err := json.Unmarshal([]byte(prevRaw), &prev); err != nil {
			return nil, fmt.Errorf("decode topic_previous: %w", err)
		}
		c.Topic.Previous = &prev
	}
	if dataRaw != "" {
		if err := json.Unmarshal([]byte(dataRaw), &c.Data); err != nil {
			return nil, fmt.Errorf("decode context data: %w", err)
		}
		if c.Data == nil {
			c.Data = make(map[string]any)
		}
	}
	return c, nil
}

// Save upserts the context. Contexts without a channel user id are skipped.
func (s *ContextStore) Save(ctx context.Context, c *domain.Context, conn domain.Connection) error {
	if c == nil || c.ChannelUserID == "" {
		return nil
	}
	db, err := sqlConn(conn)
	if err != nil {
		return err
	}

	prev := ""
	if c.Topic.Previous != nil {
		// One level is enough; the chain would grow on every turn.
		p := *c.Topic.Previous
		p.Previous = nil
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode topic_previous: %w", err)
		}
		prev = string(b)
	}
	data, err := json.Marshal(c.Data)
	if err != nil {
		return fmt.Errorf("encode context data: %w", err)
	}
	ts := c.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO context (channel, channel_user_id, timestamp, topic_name, topic_status, topic_previous, topic_priority, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel, channel_user_id) DO UPDATE SET
			timestamp = excluded.timestamp,
			topic_name = excluded.topic_name,
			topic_status = excluded.topic_status,
			topic_previous = excluded.topic_previous,
			topic_priority = excluded.topic_priority,
			data = excluded.data`,
		c.Channel, c.ChannelUserID, ts.UnixMilli(), c.Topic.Name, c.Topic.Status, prev, int(c.Topic.Priority), string(data),
	)
	if err != nil {
		return fmt.Errorf("save context: %w", err)
	}
	return nil
}

var _ domain.ContextStore = (*ContextStore)(nil)
