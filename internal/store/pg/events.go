package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/store"
)

// PGEventStore implements store.EventStore backed by Postgres.
type PGEventStore struct {
	db *sql.DB
}

func NewPGEventStore(db *sql.DB) *PGEventStore {
	return &PGEventStore{db: db}
}

const eventSelectCols = `id, thread_id, turn_id, direction, role, method, payload, created_at`

func (s *PGEventStore) AppendEvent(ctx context.Context, rec *store.EventRecord) (int64, error) {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO events (thread_id, turn_id, direction, role, method, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		rec.ThreadID, rec.TurnID, rec.Direction, rec.Role, rec.Method, rec.Payload, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return 0, err
	}
	return rec.ID, nil
}

func (s *PGEventStore) ReplayEvents(ctx context.Context, threadID string, opts store.ReplayOptions) ([]store.EventRecord, error) {
	opts = opts.Normalize()

	q := `SELECT ` + eventSelectCols + ` FROM events WHERE thread_id = $1`
	if opts.Order == store.OrderDesc {
		q += ` ORDER BY id DESC`
	} else {
		q += ` ORDER BY id ASC`
	}
	args := []any{threadID}
	if opts.Limit > 0 {
		q += ` LIMIT $2`
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

func (s *PGEventStore) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PGEventStore) ListThreads(ctx context.Context, limit int) ([]store.ThreadSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, COUNT(*), MIN(created_at), MAX(created_at)
		 FROM events GROUP BY thread_id ORDER BY MAX(id) DESC LIMIT $1`, limit)
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

func (s *PGEventStore) DeleteThreadEvents(ctx context.Context, threadID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE thread_id = $1`, threadID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
