package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/agentrelay/internal/store"
)

// PGUploadStore implements store.UploadStore backed by Postgres.
type PGUploadStore struct {
	db *sql.DB
}

func NewPGUploadStore(db *sql.DB) *PGUploadStore {
	return &PGUploadStore{db: db}
}

const uploadSelectCols = `token, path, mime, bytes, created_at, expires_at`

func (s *PGUploadStore) PutUpload(ctx context.Context, tok *store.UploadToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_tokens (token, path, mime, bytes, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		tok.Token, tok.Path, tok.Mime, tok.Bytes, tok.CreatedAt, tok.ExpiresAt,
	)
	return err
}

func (s *PGUploadStore) GetUpload(ctx context.Context, token string) (*store.UploadToken, error) {
	var tok store.UploadToken
	err := s.db.QueryRowContext(ctx,
		`SELECT `+uploadSelectCols+` FROM upload_tokens WHERE token = $1`, token,
	).Scan(&tok.Token, &tok.Path, &tok.Mime, &tok.Bytes, &tok.CreatedAt, &tok.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *PGUploadStore) DeleteUpload(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM upload_tokens WHERE token = $1`, token)
	return err
}

func (s *PGUploadStore) ListExpiredUploads(ctx context.Context, now time.Time) ([]store.UploadToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+uploadSelectCols+` FROM upload_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.UploadToken
	for rows.Next() {
		var tok store.UploadToken
		if err := rows.Scan(&tok.Token, &tok.Path, &tok.Mime, &tok.Bytes, &tok.CreatedAt, &tok.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

func (s *PGUploadStore) DeleteUploads(ctx context.Context, tokens []string) (int64, error) {
	if len(tokens) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM upload_tokens WHERE token = ANY($1)`, pq.Array(tokens))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
