package snapshot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"faxhistoria.ai/internal/sim/worldtest"
)

func TestSnapshot_RoundTripKeepsDigest(t *testing.T) {
	s := worldtest.NewState(t)
	worldtest.AtWar(s, "war_1", "Aurelia", "Borduria")
	s.TurnNumber = 5
	s.CurrentYear = 2029

	path := Path(t.TempDir(), "g1", s.TurnNumber)
	if !strings.HasSuffix(path, filepath.Join("g1", "000005.snap.zst")) {
		t.Fatalf("unexpected path %s", path)
	}
	if err := WriteSnapshot(path, New("g1", s)); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if got.Header.GameID != "g1" || got.Header.TurnNumber != 5 || got.Header.Year != 2029 {
		t.Fatalf("header: %+v", got.Header)
	}
	if got.State.Digest() != s.Digest() {
		t.Fatalf("digest mismatch after round trip")
	}
	if len(got.State.ActiveWars) != 1 || got.State.ActiveWars[0].ID != "war_1" {
		t.Fatalf("wars: %+v", got.State.ActiveWars)
	}
}

func TestReadSnapshot_RejectsTamperedHeader(t *testing.T) {
	s := worldtest.NewState(t)
	snap := New("g1", s)
	snap.Header.Digest = "deadbeef"
	path := filepath.Join(t.TempDir(), "bad.snap.zst")
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	if _, err := ReadSnapshot(path); err == nil || !strings.Contains(err.Error(), "digest mismatch") {
		t.Fatalf("expected digest mismatch, got %v", err)
	}
}

func TestReadSnapshot_Missing(t *testing.T) {
	_, err := ReadSnapshot(filepath.Join(t.TempDir(), "nope.snap.zst"))
	if !os.IsNotExist(err) {
		t.Fatalf("err=%v", err)
	}
}
