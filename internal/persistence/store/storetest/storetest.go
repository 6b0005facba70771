// Package storetest holds the behaviour every store.Store implementation
// must share. Implementations call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"faxhistoria.ai/internal/persistence/store"
	"faxhistoria.ai/internal/sim/events"
	"faxhistoria.ai/internal/sim/worldtest"
)

// Run exercises open() against the shared contract. open must return an
// empty store; Run closes it.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGetGame", testCreateAndGetGame},
		{"ListGamesByUser", testListGamesByUser},
		{"WithGameRollsBackOnError", testWithGameRollback},
		{"WithGameMissingGame", testWithGameMissing},
		{"IdempotencyLifecycle", testIdempotencyLifecycle},
		{"UserQuota", testUserQuota},
		{"TurnsNewestFirst", testTurnsNewestFirst},
		{"Snapshots", testSnapshots},
		{"ModelRuns", testModelRuns},
		{"WithGameSerializes", testWithGameSerializes},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			tc.fn(t, s)
		})
	}
}

// NewGame returns an ACTIVE turn-0 game owned by userID.
func NewGame(t *testing.T, id, userID string) *store.Game {
	t.Helper()
	st := worldtest.NewState(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &store.Game{
		ID:            id,
		UserID:        userID,
		Name:          "game " + id,
		PlayerCountry: st.PlayerCountry,
		Status:        store.GameActive,
		StartYear:     st.CurrentYear,
		CurrentYear:   st.CurrentYear,
		State:         st,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func mustCreate(t *testing.T, s store.Store, g *store.Game) {
	t.Helper()
	if err := s.CreateGame(context.Background(), g); err != nil {
		t.Fatalf("CreateGame(%s): %v", g.ID, err)
	}
}

func testCreateAndGetGame(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := NewGame(t, "g1", "u1")
	mustCreate(t, s, g)
	if err := s.CreateGame(ctx, g); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("second CreateGame err=%v want ErrDuplicate", err)
	}

	got, err := s.GetGame(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGame: %v", err)
	}
	if got.UserID != "u1" || got.Status != store.GameActive || got.TurnNumber != 0 || got.StartYear != 2024 {
		t.Fatalf("unexpected game: %+v", got)
	}
	if got.State == nil || got.State.Digest() != g.State.Digest() {
		t.Fatalf("state did not round trip")
	}
	if _, err := s.GetGame(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetGame(missing) err=%v", err)
	}

	snap, err := s.LatestSnapshot(ctx, "g1")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if snap.TurnNumber != 0 || snap.Year != 2024 {
		t.Fatalf("initial snapshot: turn=%d year=%d", snap.TurnNumber, snap.Year)
	}
}

func testListGamesByUser(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := NewGame(t, "a", "u1")
	b := NewGame(t, "b", "u1")
	b.UpdatedAt = a.UpdatedAt.Add(time.Hour)
	c := NewGame(t, "c", "u2")
	for _, g := range []*store.Game{a, b, c} {
		mustCreate(t, s, g)
	}
	list, err := s.ListGames(ctx, "u1")
	if err != nil {
		t.Fatalf("ListGames: %v", err)
	}
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "a" {
		t.Fatalf("ListGames order: %+v", ids(list))
	}
	if list[0].State != nil {
		t.Fatalf("ListGames should not load state")
	}
}

func ids(list []store.Game) []string {
	out := make([]string, 0, len(list))
	for _, g := range list {
		out = append(out, g.ID)
	}
	return out
}

func testWithGameRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewGame(t, "g1", "u1"))

	boom := errors.New("boom")
	err := s.WithGame(ctx, "g1", func(tx store.Tx, g *store.Game) error {
		g.TurnNumber = 7
		if err := tx.UpdateGame(ctx, g); err != nil {
			return err
		}
		if err := tx.InsertIdempotency(ctx, &store.Idempotency{GameID: g.ID, Key: "k", Status: store.KeyInProgress, LeaseExpiresAt: time.Now().Add(time.Minute)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithGame err=%v want boom", err)
	}
	g, err := s.GetGame(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGame: %v", err)
	}
	if g.TurnNumber != 0 {
		t.Fatalf("turn number leaked from aborted tx: %d", g.TurnNumber)
	}
	if _, err := s.GetIdempotency(ctx, "g1", "k"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("idempotency row leaked from aborted tx: %v", err)
	}
}

func testWithGameMissing(t *testing.T, s store.Store) {
	called := false
	err := s.WithGame(context.Background(), "nope", func(store.Tx, *store.Game) error {
		called = true
		return nil
	})
	if !errors.Is(err, store.ErrNotFound) || called {
		t.Fatalf("err=%v called=%v", err, called)
	}
}

func testIdempotencyLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewGame(t, "g1", "u1"))
	lease := time.Now().Add(5 * time.Minute).UTC().Truncate(time.Millisecond)

	err := s.WithGame(ctx, "g1", func(tx store.Tx, g *store.Game) error {
		if _, err := tx.GetIdempotency(ctx, "k1"); !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("fresh key: %v", err)
		}
		rec := &store.Idempotency{GameID: g.ID, Key: "k1", Status: store.KeyInProgress, LeaseExpiresAt: lease}
		if err := tx.InsertIdempotency(ctx, rec); err != nil {
			return err
		}
		if err := tx.InsertIdempotency(ctx, rec); !errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("duplicate insert err=%v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithGame: %v", err)
	}

	rec, err := s.GetIdempotency(ctx, "g1", "k1")
	if err != nil {
		t.Fatalf("GetIdempotency: %v", err)
	}
	if rec.Status != store.KeyInProgress || !rec.LeaseExpiresAt.Equal(lease) {
		t.Fatalf("record: status=%s lease=%v want %v", rec.Status, rec.LeaseExpiresAt, lease)
	}

	err = s.WithGame(ctx, "g1", func(tx store.Tx, g *store.Game) error {
		ok, err := tx.SetKeyStatus(ctx, "k1", store.KeyInProgress, store.KeyCompleted, "t1", []byte(`{"turnId":"t1"}`))
		if err != nil || !ok {
			return fmt.Errorf("first transition ok=%v err=%v", ok, err)
		}
		ok, err = tx.SetKeyStatus(ctx, "k1", store.KeyInProgress, store.KeyCompleted, "t2", []byte(`{}`))
		if err != nil || ok {
			return fmt.Errorf("guarded transition ok=%v err=%v", ok, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithGame: %v", err)
	}
	rec, err = s.GetIdempotency(ctx, "g1", "k1")
	if err != nil {
		t.Fatalf("GetIdempotency: %v", err)
	}
	if rec.Status != store.KeyCompleted || rec.TurnID != "t1" || string(rec.Result) != `{"turnId":"t1"}` {
		t.Fatalf("completed record: %+v", rec)
	}
	if ok, err := s.MarkFailed(ctx, "g1", "k1"); err != nil || ok {
		t.Fatalf("MarkFailed on completed key ok=%v err=%v", ok, err)
	}

	err = s.WithGame(ctx, "g1", func(tx store.Tx, g *store.Game) error {
		return tx.InsertIdempotency(ctx, &store.Idempotency{GameID: g.ID, Key: "k2", Status: store.KeyInProgress, LeaseExpiresAt: lease})
	})
	if err != nil {
		t.Fatalf("insert k2: %v", err)
	}
	if ok, err := s.MarkFailed(ctx, "g1", "k2"); err != nil || !ok {
		t.Fatalf("MarkFailed ok=%v err=%v", ok, err)
	}
	if ok, err := s.MarkFailed(ctx, "g1", "k2"); err != nil || ok {
		t.Fatalf("second MarkFailed ok=%v err=%v", ok, err)
	}
}

func testUserQuota(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewGame(t, "g1", "u1"))

	if _, err := s.GetUser(ctx, "u1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetUser before first call err=%v", err)
	}
	err := s.WithGame(ctx, "g1", func(tx store.Tx, g *store.Game) error {
		u, err := tx.LockUser(ctx, "u1")
		if err != nil {
			return err
		}
		if u.DailyCalls != 0 || u.LastCallDate != "" {
			return fmt.Errorf("new user: %+v", u)
		}
		u.DailyCalls = 2
		u.LastCallDate = "2025-03-01"
		return tx.SaveUser(ctx, u)
	})
	if err != nil {
		t.Fatalf("WithGame: %v", err)
	}
	u, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.DailyCalls != 2 || u.LastCallDate != "2025-03-01" {
		t.Fatalf("user: %+v", u)
	}
	for i := 0; i < 3; i++ {
		if err := s.RefundCall(ctx, "u1"); err != nil {
			t.Fatalf("RefundCall: %v", err)
		}
	}
	u, _ = s.GetUser(ctx, "u1")
	if u.DailyCalls != 0 {
		t.Fatalf("refund floor: calls=%d", u.DailyCalls)
	}
	if err := s.RefundCall(ctx, "ghost"); err != nil {
		t.Fatalf("RefundCall(ghost): %v", err)
	}
}

func testTurnsNewestFirst(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewGame(t, "g1", "u1"))

	for n := 1; n <= 3; n++ {
		n := n
		err := s.WithGame(ctx, "g1", func(tx store.Tx, g *store.Game) error {
			ev := &events.War{
				Base: events.Base{
					Description:       fmt.Sprintf("war %d", n),
					Date:              "2025-01-01",
					InvolvedCountries: []string{"Aurelia", "Borduria"},
					EconomicEffects:   []events.EconomicEffect{{CountryName: "Borduria", GDPChange: -5}},
				},
				AggressorCountries: []string{"Aurelia"},
				DefenderCountries:  []string{"Borduria"},
			}
			return tx.InsertTurn(ctx, &store.Turn{
				ID:             fmt.Sprintf("t%d", n),
				GameID:         g.ID,
				TurnNumber:     n,
				Year:           2024 + n,
				PlayerAction:   "act",
				WorldNarrative: "narrative",
				YearSummary:    "summary",
				Events:         events.List{ev, &events.Narrative{Base: events.Base{Description: "calm", Date: "2025-02-01"}}},
				CreatedAt:      time.Date(2025, 3, n, 0, 0, 0, 0, time.UTC),
			})
		})
		if err != nil {
			t.Fatalf("InsertTurn %d: %v", n, err)
		}
	}

	turns, err := s.ListTurns(ctx, "g1", 2)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 2 || turns[0].TurnNumber != 3 || turns[1].TurnNumber != 2 {
		t.Fatalf("ListTurns: %+v", turns)
	}
	evs := turns[0].Events
	if len(evs) != 2 || evs[0].Kind() != events.KindWar || evs[1].Kind() != events.KindNarrative {
		t.Fatalf("events order: %+v", evs)
	}
	w := evs[0].(*events.War)
	if w.Description != "war 3" || len(w.AggressorCountries) != 1 || w.EconomicEffects[0].GDPChange != -5 {
		t.Fatalf("war event: %+v", w)
	}
	none, err := s.ListTurns(ctx, "other", 10)
	if err != nil || len(none) != 0 {
		t.Fatalf("ListTurns(other) = %v, %v", none, err)
	}
}

func testSnapshots(t *testing.T, s store.Store) {
	ctx := context.Background()
	g := NewGame(t, "g1", "u1")
	mustCreate(t, s, g)

	next := g.State.Clone()
	next.TurnNumber = 5
	next.CurrentYear = 2029
	err := s.WithGame(ctx, "g1", func(tx store.Tx, _ *store.Game) error {
		return tx.InsertSnapshot(ctx, &store.Snapshot{GameID: "g1", TurnNumber: 5, Year: 2029, State: next, CreatedAt: time.Now()})
	})
	if err != nil {
		t.Fatalf("InsertSnapshot: %v", err)
	}
	snap, err := s.LatestSnapshot(ctx, "g1")
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if snap.TurnNumber != 5 || snap.State.Digest() != next.Digest() {
		t.Fatalf("latest snapshot turn=%d", snap.TurnNumber)
	}
	if _, err := s.LatestSnapshot(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("LatestSnapshot(missing) err=%v", err)
	}
}

func testModelRuns(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewGame(t, "g1", "u1"))
	run := &store.ModelRun{GameID: "g1", Model: "scripted", Attempts: 3, LatencyMs: 40, ErrorMessage: "boom", CreatedAt: time.Now()}
	if err := s.RecordModelRun(ctx, run); err != nil {
		t.Fatalf("RecordModelRun: %v", err)
	}
	err := s.WithGame(ctx, "g1", func(tx store.Tx, g *store.Game) error {
		return tx.InsertModelRun(ctx, &store.ModelRun{GameID: g.ID, TurnID: "t1", Model: "scripted", PromptTokens: 10, OutputTokens: 20, Attempts: 1, Success: true, CreatedAt: time.Now()})
	})
	if err != nil {
		t.Fatalf("InsertModelRun: %v", err)
	}
}

func testWithGameSerializes(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewGame(t, "g1", "u1"))

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.WithGame(ctx, "g1", func(tx store.Tx, g *store.Game) error {
				g.TotalTokensUsed++
				return tx.UpdateGame(ctx, g)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("WithGame: %v", err)
		}
	}
	g, err := s.GetGame(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGame: %v", err)
	}
	if g.TotalTokensUsed != workers {
		t.Fatalf("lost update: tokens=%d want %d", g.TotalTokensUsed, workers)
	}
}
