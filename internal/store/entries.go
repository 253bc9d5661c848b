package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// MaxHistoryLimit caps the number of entries a history query returns.
const MaxHistoryLimit = 1000

// Entry is one immutable telemetry reading.
type Entry struct {
	ID         string         `json:"id"`
	ChannelID  string         `json:"channelId"`
	Data       map[string]any `json:"data"`
	RecordedAt time.Time      `json:"createdAt"`
}

// HistoryQuery bounds a history read. Nil bounds are open. Start and
// End are inclusive.
type HistoryQuery struct {
	Start *time.Time
	End   *time.Time
	Limit int
}

// AppendEntry records data under channelID and returns the stored
// entry.
func (s *Store) AppendEntry(ctx context.Context, channelID string, data map[string]any) (*Entry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate entry ID: %w", err)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}

	e := &Entry{
		ID:         id.String(),
		ChannelID:  channelID,
		Data:       data,
		RecordedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO telemetry (id, channel_id, data_json, recorded_at) VALUES (?, ?, ?, ?)`,
		e.ID, e.ChannelID, string(raw), e.RecordedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}
	return e, nil
}

// LatestEntry returns the most recent entry for channelID, or nil
// when the channel has none.
func (s *Store) LatestEntry(ctx context.Context, channelID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, channel_id, data_json, recorded_at FROM telemetry
		 WHERE channel_id = ? ORDER BY recorded_at DESC, id DESC LIMIT 1`, channelID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// History returns entries for channelID newest first.
func (s *Store) History(ctx context.Context, channelID string, q HistoryQuery) ([]*Entry, error) {
	limit := q.Limit
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	query := `SELECT id, channel_id, data_json, recorded_at FROM telemetry WHERE channel_id = ?`
	args := []any{channelID}
	if q.Start != nil {
		query += ` AND recorded_at >= ?`
		args = append(args, q.Start.UnixNano())
	}
	if q.End != nil {
		query += ` AND recorded_at <= ?`
		args = append(args, q.End.UnixNano())
	}
	query += ` ORDER BY recorded_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e    Entry
		raw  string
		nano int64
	)
	if err := sc.Scan(&e.ID, &e.ChannelID, &raw, &nano); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &e.Data); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", e.ID, err)
	}
	e.RecordedAt = time.Unix(0, nano).UTC()
	return &e, nil
}
