package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/store"
)

// UploadStore implements store.UploadStore backed by SQLite.
// Timestamps are stored as unix milliseconds.
type UploadStore struct {
	db *sql.DB
}

func NewUploadStore(db *sql.DB) *UploadStore {
	return &UploadStore{db: db}
}

func (s *UploadStore) PutUpload(ctx context.Context, tok *store.UploadToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_tokens (token, path, mime, bytes, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tok.Token, tok.Path, tok.Mime, tok.Bytes, tok.CreatedAt.UnixMilli(), tok.ExpiresAt.UnixMilli(),
	)
	return err
}

func (s *UploadStore) GetUpload(ctx context.Context, token string) (*store.UploadToken, error) {
	var (
		tok              store.UploadToken
		created, expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token, path, mime, bytes, created_at, expires_at FROM upload_tokens WHERE token = ?`, token,
	).Scan(&tok.Token, &tok.Path, &tok.Mime, &tok.Bytes, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tok.CreatedAt = time.UnixMilli(created)
	tok.ExpiresAt = time.UnixMilli(expires)
	return &tok, nil
}

func (s *UploadStore) DeleteUpload(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM upload_tokens WHERE token = ?`, token)
	return err
}

func (s *UploadStore) ListExpiredUploads(ctx context.Context, now time.Time) ([]store.UploadToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, path, mime, bytes, created_at, expires_at FROM upload_tokens WHERE expires_at <= ?`,
		now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.UploadToken
	for rows.Next() {
		var (
			tok              store.UploadToken
			created, expires int64
		)
		if err := rows.Scan(&tok.Token, &tok.Path, &tok.Mime, &tok.Bytes, &created, &expires); err != nil {
			return nil, err
		}
		tok.CreatedAt = time.UnixMilli(created)
		tok.ExpiresAt = time.UnixMilli(expires)
		out = append(out, tok)
	}
	return out, rows.Err()
}

func (s *UploadStore) DeleteUploads(ctx context.Context, tokens []string) (int64, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tokens)), ",")
	args := make([]any, len(tokens))
	for i, t := range tokens {
		args[i] = t
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM upload_tokens WHERE token IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
