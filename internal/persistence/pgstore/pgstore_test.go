package pgstore

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"faxhistoria.ai/internal/persistence/store"
	"faxhistoria.ai/internal/persistence/store/storetest"
)

// Set FAX_PG_DSN to a disposable database to run these; tables are truncated.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("FAX_PG_DSN")
	if dsn == "" {
		t.Skip("FAX_PG_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.db.Exec(ctx, `TRUNCATE games, users, idempotency_keys, turn_events, turns, model_runs, snapshots`); err != nil {
		s.Close()
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func TestStore_Conformance(t *testing.T) {
	if os.Getenv("FAX_PG_DSN") == "" {
		t.Skip("FAX_PG_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) store.Store { return openTestStore(t) })
}

func TestIsSerializationError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&pgconn.PgError{Code: "40001"}, true},
		{&pgconn.PgError{Code: "40P01"}, true},
		{&pgconn.PgError{Code: "23505"}, false},
		{errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := isSerializationError(tc.err); got != tc.want {
			t.Fatalf("isSerializationError(%v)=%v want %v", tc.err, got, tc.want)
		}
	}
}

func TestSleepWithContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepWithContext(ctx, 1<<40); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
}

func TestOpen_EmptyDSN(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatalf("expected error")
	}
}
