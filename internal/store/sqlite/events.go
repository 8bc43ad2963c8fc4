package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/store"
)

// EventStore implements store.EventStore backed by SQLite.
type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

const eventSelectCols = `id, thread_id, turn_id, direction, role, method, payload, created_at`

func (s *EventStore) AppendEvent(ctx context.Context, rec *store.EventRecord) (int64, error) {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (thread_id, turn_id, direction, role, method, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ThreadID, rec.TurnID, rec.Direction, rec.Role, rec.Method, rec.Payload, rec.CreatedAt,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	rec.ID = id
	return id, nil
}

func (s *EventStore) ReplayEvents(ctx context.Context, threadID string, opts store.ReplayOptions) ([]store.EventRecord, error) {
	opts = opts.Normalize()

	q := `SELECT ` + eventSelectCols + ` FROM events WHERE thread_id = ?`
	if opts.Order == store.OrderDesc {
		q += ` ORDER BY id DESC`
	} else {
		q += ` ORDER BY id ASC`
	}
	args := []any{threadID}
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.EventRecord
	for rows.Next() {
		var r store.EventRecord
		if err := rows.Scan(&r.ID, &r.ThreadID, &r.TurnID, &r.Direction, &r.Role, &r.Method, &r.Payload, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *EventStore) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *EventStore) ListThreads(ctx context.Context, limit int) ([]store.ThreadSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, COUNT(*), MIN(created_at), MAX(created_at)
		 FROM events GROUP BY thread_id ORDER BY MAX(id) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ThreadSummary
	for rows.Next() {
		var t store.ThreadSummary
		if err := rows.Scan(&t.ThreadID, &t.EventCount, &t.FirstAt, &t.LastAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *EventStore) DeleteThreadEvents(ctx context.Context, threadID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE thread_id = ?`, threadID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
