package store

import (
	"errors"
	"io"
)

// ErrNotFound is returned for absent records. Expired capability records are
// reported with the same error.
var ErrNotFound = errors.New("not found")

// StoreConfig selects and configures a storage backend.
type StoreConfig struct {
	Driver      string // "sqlite" or "postgres"
	SQLitePath  string
	PostgresDSN string
}

// Stores is the top-level container for all storage backends.
// Both fields are usually backed by the same database handle.
type Stores struct {
	Events  EventStore
	Uploads UploadStore
	closer  io.Closer
}

// NewStores bundles stores that share one underlying handle.
func NewStores(events EventStore, uploads UploadStore, closer io.Closer) *Stores {
	return &Stores{Events: events, Uploads: uploads, closer: closer}
}

// Close releases the underlying database handle.
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
