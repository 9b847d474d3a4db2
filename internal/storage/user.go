package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"dialogbot/internal/domain"
)

// UserStore keeps one user per (channel, channel user id).
type UserStore struct{}

func NewUserStore() *UserStore { return &UserStore{} }

// Get loads the user, creating and storing it on first contact.
func (s *UserStore) Get(ctx context.Context, channel, channelUserID string, conn domain.Connection) (*domain.User, error) {
	db, err := sqlConn(conn)
	if err != nil {
		return nil, err
	}

	u := &domain.User{Channel: channel, ChannelUserID: channelUserID}
	var ts int64
	var dataRaw string
	err = db.QueryRowContext(ctx,
		`SELECT user_id, timestamp, name, nickname, profile_image_url, data
		 FROM users WHERE channel = ? AND channel_user_id = ?`,
		channel, channelUserID,
	).Scan(&u.ID, &ts, &u.Name, &u.Nickname, &u.ProfileImageURL, &dataRaw)
	if err == sql.ErrNoRows {
		if err := s.create(ctx, db, domain.NewUser(channel, channelUserID)); err != nil {
			return nil, err
		}
		// Another writer may have created the row first; its id wins.
		return s.Get(ctx, channel, channelUserID, conn)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	u.Timestamp = time.UnixMilli(ts)
	u.Data = make(map[string]any)
	if dataRaw != "" {
		if err := json.Unmarshal([]byte(dataRaw), &u.Data); err != nil {
			return nil, fmt.Errorf("decode user data: %w", err)
		}
		if u.Data == nil {
			u.Data = make(map[string]any)
		}
	}
	return u, nil
}

// create inserts a new user unless the row already exists.
func (s *UserStore) create(ctx context.Context, db *sql.Conn, u *domain.User) error {
	data, err := json.Marshal(u.Data)
	if err != nil {
		return fmt.Errorf("encode user data: %w", err)
	}
	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO users (channel, channel_user_id, user_id, timestamp, name, nickname, profile_image_url, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel, channel_user_id) DO NOTHING`,
		u.Channel, u.ChannelUserID, u.ID, ts.UnixMilli(), u.Name, u.Nickname, u.ProfileImageURL, string(data),
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// Save upserts the user.
func (s *UserStore) Save(ctx context.Context, u *domain.User, conn domain.Connection) error {
	db, err := sqlConn(conn)
	if err != nil {
		return err
	}
	data, err := json.Marshal(u.Data)
	if err != nil {
		return fmt.Errorf("encode user data: %w", err)
	}
	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO users (channel, channel_user_id, user_id, timestamp, name, nickname, profile_image_url, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel, channel_user_id) DO UPDATE SET
			timestamp = excluded.timestamp,
			name = excluded.name,
			nickname = excluded.nickname,
			profile_image_url = excluded.profile_image_url,
			data = excluded.data`,
		u.Channel, u.ChannelUserID, u.ID, ts.UnixMilli(), u.Name, u.Nickname, u.ProfileImageURL, string(data),
	)
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

var _ domain.UserStore = (*UserStore)(nil)
