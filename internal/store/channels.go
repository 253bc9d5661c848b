package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Field is one declared telemetry field of a channel.
type Field struct {
	Name string `json:"name"`
	Unit string `json:"unit,omitempty"`
}

// Channel is a device's telemetry and command scope.
type Channel struct {
	ID          string    `json:"channelId"`
	UserID      string    `json:"userId"`
	ProjectName string    `json:"projectName"`
	Description string    `json:"description,omitempty"`
	Fields      []Field   `json:"fields,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// FieldNames returns the declared field names in order. An empty
// result means the channel accepts any field.
func (c *Channel) FieldNames() []string {
	if len(c.Fields) == 0 {
		return nil
	}
	names := make([]string, 0, len(c.Fields))
	for _, f := range c.Fields {
		if f.Name != "" {
			names = append(names, f.Name)
		}
	}
	return names
}

// newChannelID returns an identifier of the form CH followed by ten
// upper-case hex digits.
func newChannelID() (string, error) {
	var b [5]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return "CH" + strings.ToUpper(hex.EncodeToString(b[:])), nil
}

// CreateChannel registers c. An empty c.ID is generated. The owning
// user must exist.
func (s *Store) CreateChannel(ctx context.Context, c *Channel) error {
	ok, err := s.userExists(ctx, c.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, c.UserID)
	}

	if c.ID == "" {
		id, err := newChannelID()
		if err != nil {
			return fmt.Errorf("generate channel ID: %w", err)
		}
		c.ID = id
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	fields, err := json.Marshal(c.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO channels (channel_id, user_id, project_name, description, fields_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.ProjectName, c.Description, string(fields),
		c.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

// Channel resolves a channel by id.
func (s *Store) Channel(ctx context.Context, id string) (*Channel, error) {
	var (
		c       Channel
		desc    sql.NullString
		fields  sql.NullString
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT channel_id, user_id, project_name, description, fields_json, created_at
		 FROM channels WHERE channel_id = ?`, id,
	).Scan(&c.ID, &c.UserID, &c.ProjectName, &desc, &fields, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query channel: %w", err)
	}

	c.Description = desc.String
	if fields.Valid && fields.String != "" {
		if err := json.Unmarshal([]byte(fields.String), &c.Fields); err != nil {
			return nil, fmt.Errorf("decode fields for %s: %w", id, err)
		}
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &c, nil
}

// DeleteChannel removes a channel and every telemetry entry recorded
// under it.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE channel_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChannelNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM telemetry WHERE channel_id = ?`, id); err != nil {
		return fmt.Errorf("delete telemetry: %w", err)
	}
	return tx.Commit()
}
