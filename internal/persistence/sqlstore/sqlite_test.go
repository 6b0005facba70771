package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"faxhistoria.ai/internal/persistence/store"
	"faxhistoria.ai/internal/persistence/store/storetest"
)

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(filepath.Join(t.TempDir(), "nested", "fax.db"))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return s
	})
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fax.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	g := storetest.NewGame(t, "g1", "u1")
	if err := s.CreateGame(context.Background(), g); err != nil {
		t.Fatalf("CreateGame: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.GetGame(context.Background(), "g1")
	if err != nil {
		t.Fatalf("GetGame: %v", err)
	}
	if got.State.Digest() != g.State.Digest() {
		t.Fatalf("state digest changed across reopen")
	}
	if !got.CreatedAt.Equal(g.CreatedAt) {
		t.Fatalf("created_at=%v want %v", got.CreatedAt, g.CreatedAt)
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
