package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentrelay/internal/store"
)

// DefaultUploadTTL is used when NewUploads is given a zero ttl.
const DefaultUploadTTL = 24 * time.Hour

var (
	// ErrNotFound covers unknown, expired and not-yet-written tokens alike.
	ErrNotFound     = errors.New("invalid or expired upload token")
	ErrTooLarge     = errors.New("upload exceeds size limit")
	ErrInvalidMime  = errors.New("invalid mime type")
	ErrInvalidSize  = errors.New("invalid declared size")
	ErrMimeMismatch = errors.New("content type does not match declared mime")
	ErrInvalidImage = errors.New("body is not a valid image")
)

// imageFormats maps MIME types whose bodies are decoded before being
// accepted to the format name image.DecodeConfig reports for them. Other
// types are stored as-is.
var imageFormats = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpeg",
	"image/gif":  "gif",
	"image/bmp":  "bmp",
	"image/tiff": "tiff",
}

// Uploads issues upload tokens and stores their blobs under dir.
type Uploads struct {
	store    store.UploadStore
	dir      string
	maxBytes int64
	ttl      time.Duration
	now      func() time.Time
}

// NewUploads creates an upload manager. dir is created on first write.
func NewUploads(us store.UploadStore, dir string, maxBytes int64, ttl time.Duration) *Uploads {
	if ttl <= 0 {
		ttl = DefaultUploadTTL
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return &Uploads{store: us, dir: dir, maxBytes: maxBytes, ttl: ttl, now: time.Now}
}

// MaxBytes returns the configured size ceiling.
func (u *Uploads) MaxBytes() int64 { return u.maxBytes }

// Create reserves an upload slot for a blob of the declared type and size.
func (u *Uploads) Create(ctx context.Context, mimeType string, declaredBytes int64) (*store.UploadToken, error) {
	mt := normalizeMime(mimeType)
	if mt == "" {
		return nil, ErrInvalidMime
	}
	if declaredBytes < 0 {
		return nil, ErrInvalidSize
	}
	if declaredBytes > u.maxBytes {
		return nil, ErrTooLarge
	}

	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	now := u.now()
	tok := &store.UploadToken{
		Token:     token,
		Path:      filepath.Join(u.dir, token+extensionFor(mt)),
		Mime:      mt,
		Bytes:     declaredBytes,
		CreatedAt: now,
		ExpiresAt: now.Add(u.ttl),
	}
	if err := u.store.PutUpload(ctx, tok); err != nil {
		return nil, fmt.Errorf("store upload token: %w", err)
	}
	return tok, nil
}

// Commit writes body for token. contentType must match the declared MIME
// and the body must fit under the size ceiling; nothing is written otherwise.
func (u *Uploads) Commit(ctx context.Context, token, contentType string, body io.Reader) (int64, error) {
	tok, err := u.lookup(ctx, token)
	if err != nil {
		return 0, err
	}
	if normalizeMime(contentType) != tok.Mime {
		return 0, ErrMimeMismatch
	}

	data, err := io.ReadAll(io.LimitReader(body, u.maxBytes+1))
	if err != nil {
		return 0, fmt.Errorf("read upload body: %w", err)
	}
	if int64(len(data)) > u.maxBytes {
		return 0, ErrTooLarge
	}
	if want, ok := imageFormats[tok.Mime]; ok {
		if err := checkImage(data, want); err != nil {
			return 0, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(tok.Path), 0700); err != nil {
		return 0, fmt.Errorf("create uploads dir: %w", err)
	}
	tmp := tok.Path + ".part"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return 0, fmt.Errorf("write upload: %w", err)
	}
	if err := os.Rename(tmp, tok.Path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("write upload: %w", err)
	}
	return int64(len(data)), nil
}

// Resolve returns the token record for a written, unexpired blob.
func (u *Uploads) Resolve(ctx context.Context, token string) (*store.UploadToken, error) {
	tok, err := u.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(tok.Path); err != nil {
		return nil, ErrNotFound
	}
	return tok, nil
}

// Prune deletes expired tokens and their blobs, returning how many tokens
// were removed.
func (u *Uploads) Prune(ctx context.Context) (int, error) {
	expired, err := u.store.ListExpiredUploads(ctx, u.now())
	if err != nil {
		return 0, fmt.Errorf("list expired uploads: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}
	tokens := make([]string, 0, len(expired))
	for _, tok := range expired {
		u.removeBlob(tok.Path)
		tokens = append(tokens, tok.Token)
	}
	n, err := u.store.DeleteUploads(ctx, tokens)
	if err != nil {
		return 0, fmt.Errorf("delete expired uploads: %w", err)
	}
	return int(n), nil
}

// lookup fetches a live token. An expired record is deleted on the spot,
// together with its blob, and reported exactly like a missing one.
func (u *Uploads) lookup(ctx context.Context, token string) (*store.UploadToken, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	tok, err := u.store.GetUpload(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load upload token: %w", err)
	}
	if tok.Expired(u.now()) {
		if err := u.store.DeleteUpload(ctx, token); err != nil {
			slog.Warn("uploads.lazy_delete_failed", "error", err)
		}
		u.removeBlob(tok.Path)
		return nil, ErrNotFound
	}
	return tok, nil
}

func (u *Uploads) removeBlob(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("uploads.remove_blob_failed", "path", path, "error", err)
	}
}

// checkImage requires data to be a complete image in format. A valid image
// of another format is a MIME mismatch.
func checkImage(data []byte, format string) error {
	_, got, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ErrInvalidImage
	}
	if got != format {
		return ErrMimeMismatch
	}
	if _, err := imaging.Decode(bytes.NewReader(data)); err != nil {
		return ErrInvalidImage
	}
	return nil
}

// normalizeMime lowercases a media type and strips parameters.
// Returns "" for anything that is not type/subtype.
func normalizeMime(v string) string {
	mt, _, err := mime.ParseMediaType(v)
	if err != nil || !strings.Contains(mt, "/") {
		return ""
	}
	return mt
}

func extensionFor(mt string) string {
	switch mt {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/heic":
		return ".heic"
	}
	if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
