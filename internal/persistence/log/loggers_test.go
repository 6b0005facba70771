package log

import (
	"path/filepath"
	"testing"
	"time"

	"faxhistoria.ai/internal/sim/events"
)

func TestTurnLogger_RotatesAndAppends(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2025, 3, 1, 10, 59, 0, 0, time.UTC)

	l := NewTurnLogger(dir)
	l.w.now = func() time.Time { return clock }
	var closed []string
	l.OnClosed(func(path string) { closed = append(closed, filepath.Base(path)) })
	write := func(n int) {
		t.Helper()
		err := l.WriteTurn(TurnEntry{
			GameID:     "g1",
			TurnNumber: n,
			Year:       2024 + n,
			Action:     "act",
			Events:     events.List{&events.Narrative{Base: events.Base{Description: "quiet", Date: "2025-01-01"}}},
			Digest:     "d",
		})
		if err != nil {
			t.Fatalf("WriteTurn(%d): %v", n, err)
		}
	}
	write(1)
	clock = clock.Add(2 * time.Minute)
	write(2)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(closed) != 2 || closed[0] != "turns-2025-03-01-10.jsonl.zst" || closed[1] != "turns-2025-03-01-11.jsonl.zst" {
		t.Fatalf("closed=%v", closed)
	}

	// A second writer appends a new frame to the same hourly file.
	l = NewTurnLogger(dir)
	l.w.now = func() time.Time { return clock }
	write(3)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := ListFiles(filepath.Join(dir, "turns"), "turns")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files=%v", files)
	}
	var got []int
	for _, f := range files {
		err := ReadTurns(f, func(e TurnEntry) error {
			if len(e.Events) != 1 || e.Events[0].Kind() != events.KindNarrative {
				t.Fatalf("events not decoded: %+v", e.Events)
			}
			got = append(got, e.TurnNumber)
			return nil
		})
		if err != nil {
			t.Fatalf("ReadTurns(%s): %v", f, err)
		}
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("turn order=%v", got)
	}
}
