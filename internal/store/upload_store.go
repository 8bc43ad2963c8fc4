package store

import (
	"context"
	"time"
)

// UploadToken is a capability handle for one stored blob.
type UploadToken struct {
	Token     string    `json:"token"`
	Path      string    `json:"path"`
	Mime      string    `json:"mime"`
	Bytes     int64     `json:"bytes"` // declared size
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the token is past its expiry at now.
func (t *UploadToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// UploadStore persists upload tokens.
type UploadStore interface {
	PutUpload(ctx context.Context, tok *UploadToken) error
	// GetUpload returns ErrNotFound when the token does not exist.
	GetUpload(ctx context.Context, token string) (*UploadToken, error)
	DeleteUpload(ctx context.Context, token string) error
	ListExpiredUploads(ctx context.Context, now time.Time) ([]UploadToken, error)
	DeleteUploads(ctx context.Context, tokens []string) (int64, error)
}
