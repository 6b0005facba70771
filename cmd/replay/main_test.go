package main

import (
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tlog "faxhistoria.ai/internal/persistence/log"
	"faxhistoria.ai/internal/persistence/snapshot"
	"faxhistoria.ai/internal/sim/events"
	"faxhistoria.ai/internal/sim/reducer"
	"faxhistoria.ai/internal/sim/world"
	"faxhistoria.ai/internal/sim/worldtest"
)

// writeGame snapshots a fresh game and logs n turns after it.
func writeGame(t *testing.T, dir string, n int, tamper func(e *tlog.TurnEntry)) string {
	t.Helper()
	st, err := world.NewState(worldtest.Catalog(t), "Aurelia", 2000)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	snapPath := snapshot.Path(filepath.Join(dir, "snapshots"), "g1", 0)
	if err := snapshot.WriteSnapshot(snapPath, snapshot.New("g1", st)); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	l := tlog.NewTurnLogger(dir)
	for i := 1; i <= n; i++ {
		evs := events.List{&events.TradeDeal{
			Base: events.Base{
				Description:       "grain accord",
				InvolvedCountries: []string{"Aurelia", "Dravonia"},
				Date:              "2001-02-01",
				EconomicEffects:   []events.EconomicEffect{{CountryName: "Aurelia", GDPChange: 1.5}},
			},
			DealDescription: "grain",
		}}
		st = reducer.Advance(st, evs, "calm")
		e := tlog.TurnEntry{
			GameID: "g1", TurnID: "t", TurnNumber: st.TurnNumber, Year: st.CurrentYear,
			Events: evs, WorldNarrative: "calm", Digest: st.Digest(), CommittedAt: time.Now(),
		}
		if tamper != nil && i == n {
			tamper(&e)
		}
		if err := l.WriteTurn(e); err != nil {
			t.Fatalf("WriteTurn: %v", err)
		}
		// Another game's turns share the log and must be skipped.
		if err := l.WriteTurn(tlog.TurnEntry{GameID: "g2", TurnNumber: i, Events: events.List{}, Digest: "x"}); err != nil {
			t.Fatalf("WriteTurn: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return snapPath
}

func TestVerify_ReplaysTurnLog(t *testing.T) {
	dir := t.TempDir()
	snapPath := writeGame(t, dir, 3, nil)

	checked, err := verify(io.Discard, snapPath, filepath.Join(dir, "turns"), 0)
	if err != nil || checked != 3 {
		t.Fatalf("checked=%d err=%v", checked, err)
	}
	checked, err = verify(io.Discard, snapPath, filepath.Join(dir, "turns"), 2)
	if err != nil || checked != 2 {
		t.Fatalf("to_turn: checked=%d err=%v", checked, err)
	}
}

func TestVerify_DetectsDivergence(t *testing.T) {
	dir := t.TempDir()
	snapPath := writeGame(t, dir, 2, func(e *tlog.TurnEntry) { e.WorldNarrative = "rewritten" })

	checked, err := verify(io.Discard, snapPath, filepath.Join(dir, "turns"), 0)
	if err == nil || !strings.Contains(err.Error(), "digest mismatch at turn 2") || checked != 1 {
		t.Fatalf("checked=%d err=%v", checked, err)
	}
}
