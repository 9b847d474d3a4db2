package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dialogbot/internal/domain"
)

// MessageLogStore appends one audit row per turn.
type MessageLogStore struct{}

func NewMessageLogStore() *MessageLogStore { return &MessageLogStore{} }

// Save writes the turn. c may be nil when the turn failed before the
// context was loaded.
func (s *MessageLogStore) Save(ctx context.Context, req *domain.Message, resp *domain.Response, c *domain.Context, conn domain.Connection) error {
	db, err := sqlConn(conn)
	if err != nil {
		return err
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	respJSON, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	ctxJSON := []byte("{}")
	topic, isError := "", 0
	if c != nil {
		if ctxJSON, err = json.Marshal(c); err != nil {
			return fmt.Errorf("encode context: %w", err)
		}
		topic = c.Topic.Name
		if len(c.Error) > 0 {
			isError = 1
		}
	}
	userID := ""
	if req.User != nil {
		userID = req.User.ID
	}
	var elapsed int64
	if resp != nil && resp.Performance != nil {
		elapsed = time.Since(resp.Performance.StartTime).Milliseconds()
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO message_log (id, timestamp, channel, channel_user_id, user_id, request_text, response_text,
			topic_name, intent, is_error, elapsed_ms, request, response, context)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), req.Timestamp.UnixMilli(), req.Channel, req.ChannelUserID, userID,
		req.Text, resp.Text(), topic, req.Intent, isError, elapsed,
		string(reqJSON), string(respJSON), string(ctxJSON),
	)
	if err != nil {
		return fmt.Errorf("save message log: %w", err)
	}
	return nil
}

// LogEntry is a row of the message log.
type LogEntry struct {
	ID            string
	Timestamp     time.Time
	Channel       string
	ChannelUserID string
	RequestText   string
	ResponseText  string
	Topic         string
	Intent        string
	IsError       bool
}

// Recent returns the latest entries for one user, newest first.
func (s *MessageLogStore) Recent(ctx context.Context, conn domain.Connection, channel, channelUserID string, limit int) ([]LogEntry, error) {
	db, err := sqlConn(conn)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, timestamp, channel, channel_user_id, request_text, response_text, topic_name, intent, is_error
		 FROM message_log WHERE channel = ? AND channel_user_id = ?
		 ORDER BY timestamp DESC, rowid DESC LIMIT ?`,
		channel, channelUserID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query message log: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var ts int64
		var isErr int
		if err := rows.Scan(&e.ID, &ts, &e.Channel, &e.ChannelUserID, &e.RequestText, &e.ResponseText, &e.Topic, &e.Intent, &isErr); err != nil {
			return nil, fmt.Errorf("scan message log: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		e.IsError = isErr != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ domain.MessageLogStore = (*MessageLogStore)(nil)
