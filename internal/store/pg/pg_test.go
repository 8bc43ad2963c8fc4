package pg

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/store"
)

// Runs only against a disposable database:
//
//	AGENTRELAY_TEST_POSTGRES_DSN=postgres://... go test ./internal/store/pg/
func newTestStores(t *testing.T) *store.Stores {
	t.Helper()
	dsn := os.Getenv("AGENTRELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AGENTRELAY_TEST_POSTGRES_DSN not set")
	}
	stores, err := NewPGStores(store.StoreConfig{Driver: "postgres", PostgresDSN: dsn})
	if err != nil {
		t.Fatalf("NewPGStores: %v", err)
	}
	t.Cleanup(func() { stores.Close() })
	return stores
}

func TestPGReplayDescIsReversedSuffix(t *testing.T) {
	es := newTestStores(t).Events
	ctx := context.Background()
	thread := "pg-test-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { es.DeleteThreadEvents(ctx, thread) })

	for i := 0; i < 5; i++ {
		if _, err := es.AppendEvent(ctx, &store.EventRecord{ThreadID: thread, Direction: "client->bridge", Role: "client", Payload: "{}"}); err != nil {
			t.Fatal(err)
		}
	}

	asc, err := es.ReplayEvents(ctx, thread, store.ReplayOptions{})
	if err != nil {
		t.Fatal(err)
	}
	desc, err := es.ReplayEvents(ctx, thread, store.ReplayOptions{Order: store.OrderDesc, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(asc) != 5 || len(desc) != 2 {
		t.Fatalf("asc=%d desc=%d", len(asc), len(desc))
	}
	if desc[0].ID != asc[4].ID || desc[1].ID != asc[3].ID {
		t.Errorf("desc %v is not the reversed suffix of asc", []int64{desc[0].ID, desc[1].ID})
	}
}

func TestPGUploadBulkDelete(t *testing.T) {
	us := newTestStores(t).Uploads
	ctx := context.Background()
	now := time.Now()

	tokens := []string{"pg-a-" + now.Format("150405.000000"), "pg-b-" + now.Format("150405.000000")}
	for _, tok := range tokens {
		if err := us.PutUpload(ctx, &store.UploadToken{Token: tok, Path: "/dev/null", Mime: "image/png", CreatedAt: now, ExpiresAt: now.Add(-time.Minute)}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := us.DeleteUploads(ctx, tokens)
	if err != nil || n != 2 {
		t.Fatalf("DeleteUploads = %d, %v", n, err)
	}
	if _, err := us.GetUpload(ctx, tokens[0]); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
