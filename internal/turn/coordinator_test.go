package turn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"faxhistoria.ai/internal/ai/model"
	"faxhistoria.ai/internal/ai/orchestrator"
	"faxhistoria.ai/internal/illustrate"
	tlog "faxhistoria.ai/internal/persistence/log"
	"faxhistoria.ai/internal/persistence/snapshot"
	"faxhistoria.ai/internal/persistence/sqlstore"
	"faxhistoria.ai/internal/persistence/store"
	"faxhistoria.ai/internal/persistence/store/storetest"
	"faxhistoria.ai/internal/progress"
	"faxhistoria.ai/internal/protocol"
	"faxhistoria.ai/internal/sim/events"
	"faxhistoria.ai/internal/sim/world"
)

const reply = `{
  "events": [
    {"type":"TRADE_DEAL","description":"Aurelia and Dravonia sign a grain accord.","involvedCountries":["Aurelia","Dravonia"],"date":"2025-02-10","dealDescription":"grain for fish","economicEffects":[{"countryName":"Dravonia","gdpChange":4,"populationChange":0,"stabilityChange":2}]},
    {"type":"ANNEXATION","description":"Dravonia seizes the northern provinces.","involvedCountries":["Dravonia","Aurelia"],"date":"2025-07-01","annexingCountry":"Dravonia","targetTerritories":["Aurelia_North"]}
  ],
  "worldNarrative": "Grain moves south while Dravonia overreaches.",
  "yearSummary": "A grain accord and a failed land grab."
}`

var replyUsage = model.Usage{PromptTokens: 900, OutputTokens: 300}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	c     *Coordinator
	store *sqlstore.Store
	model *model.Scripted
	clock *clock
}

func newHarness(t *testing.T, opts Options, steps ...model.Step) *harness {
	t.Helper()
	st, err := sqlstore.Open(filepath.Join(t.TempDir(), "fax.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.CreateGame(context.Background(), storetest.NewGame(t, "g1", "u1")); err != nil {
		t.Fatalf("create game: %v", err)
	}
	if len(steps) == 0 {
		steps = []model.Step{{Text: reply, Usage: replyUsage}}
	}
	m := model.NewScripted(steps...)
	m.ChunkSize = 64
	orch, err := orchestrator.NewDefault(m, nil)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	clk := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts.Now = clk.Now
	c, err := New(st, orch, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{c: c, store: st, model: m, clock: clk}
}

func (h *harness) submit(t *testing.T, key string, expected int) (protocol.TurnResult, *Error) {
	t.Helper()
	res, err := h.c.Submit(context.Background(), Request{
		GameID:             "g1",
		UserID:             "u1",
		Action:             "Offer Dravonia a grain deal.",
		ExpectedTurnNumber: expected,
		IdempotencyKey:     key,
	}, nil)
	if err == nil {
		return res, nil
	}
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("error is not *Error: %v", err)
	}
	return res, te
}

func (h *harness) key(t *testing.T, key string) *store.Idempotency {
	t.Helper()
	rec, err := h.store.GetIdempotency(context.Background(), "g1", key)
	if err != nil {
		t.Fatalf("GetIdempotency(%s): %v", key, err)
	}
	return rec
}

func (h *harness) game(t *testing.T) *store.Game {
	t.Helper()
	g, err := h.store.GetGame(context.Background(), "g1")
	if err != nil {
		t.Fatalf("GetGame: %v", err)
	}
	return g
}

func (h *harness) calls(t *testing.T) int {
	t.Helper()
	u, err := h.store.GetUser(context.Background(), "u1")
	if errors.Is(err, store.ErrNotFound) {
		return 0
	}
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	return u.DailyCalls
}

type sinkFunc func(path string)

func (f sinkFunc) Enqueue(path string) { f(path) }

func wantError(t *testing.T, te *Error, kind Kind, code string, status int) {
	t.Helper()
	if te == nil {
		t.Fatalf("expected %s error %s, got success", kind, code)
	}
	if te.Kind != kind || te.Code != code || te.Status != status {
		t.Fatalf("error=%+v want kind=%s code=%s status=%d", te, kind, code, status)
	}
}

func TestSubmit_CommitsAndReplays(t *testing.T) {
	h := newHarness(t, Options{})
	var frames []progress.Frame
	res, err := h.c.Submit(context.Background(), Request{
		GameID: "g1", UserID: "u1", Action: "Offer Dravonia a grain deal.", IdempotencyKey: "k1",
	}, progress.SinkFunc(func(f progress.Frame) { frames = append(frames, f) }))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if res.TurnNumber != 1 || res.Year != 2025 || res.StateVersion != 1 || res.TurnID == "" {
		t.Fatalf("result=%+v", res)
	}
	if len(res.Events) != 2 || res.Events[0].Type != "TRADE_DEAL" || res.Events[1].Type != "NARRATIVE_FALLBACK" {
		t.Fatalf("events=%+v", res.Events)
	}
	if res.WorldNarrative == "" || res.YearSummary == "" {
		t.Fatalf("narrative missing: %+v", res)
	}

	g := h.game(t)
	if g.TurnNumber != 1 || g.CurrentYear != 2025 || g.TotalTokensUsed != replyUsage.Total() {
		t.Fatalf("game=%+v", g)
	}
	if g.State.TurnNumber != 1 || g.State.CurrentYear != 2025 || g.State.WorldNarrative != res.WorldNarrative {
		t.Fatalf("state turn=%d year=%d", g.State.TurnNumber, g.State.CurrentYear)
	}
	if owner := g.State.Territories["Aurelia_North"].Owner; owner != "Aurelia" {
		t.Fatalf("degraded annexation changed owner to %s", owner)
	}
	rec := h.key(t, "k1")
	if rec.Status != store.KeyCompleted || rec.TurnID != res.TurnID {
		t.Fatalf("key=%+v", rec)
	}
	if h.calls(t) != 1 {
		t.Fatalf("daily calls=%d", h.calls(t))
	}
	turns, err := h.store.ListTurns(context.Background(), "g1", 10)
	if err != nil || len(turns) != 1 || len(turns[0].Events) != 2 {
		t.Fatalf("turns=%+v err=%v", turns, err)
	}
	if fb, ok := turns[0].Events[1].(*events.NarrativeFallback); !ok || fb.OriginalType != events.KindAnnexation {
		t.Fatalf("stored fallback=%#v", turns[0].Events[1])
	}

	last := frames[len(frames)-1]
	if last.Event != protocol.FrameComplete || last.Complete.Result.TurnID != res.TurnID {
		t.Fatalf("terminal frame=%+v", last)
	}
	sawLive := 0
	for _, f := range frames {
		if f.Progress != nil && f.Progress.LiveEvent != nil {
			sawLive++
		}
	}
	if sawLive != 2 {
		t.Fatalf("live events=%d", sawLive)
	}

	again, te := h.submit(t, "k1", 0)
	if te != nil {
		t.Fatalf("replay: %v", te)
	}
	first, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	replayed, err := json.Marshal(again)
	if err != nil {
		t.Fatalf("marshal replay: %v", err)
	}
	if !bytes.Equal(first, replayed) {
		t.Fatalf("replay differs:\n%s\n%s", first, replayed)
	}
	if h.model.Calls() != 1 || h.calls(t) != 1 {
		t.Fatalf("replay ran again: model calls=%d daily=%d", h.model.Calls(), h.calls(t))
	}
	m := h.c.Metrics()
	if m.Submitted != 2 || m.Committed != 1 || m.Replayed != 1 || m.Degraded != 1 || m.InFlight != 0 || m.TokensSpent != replyUsage.Total() {
		t.Fatalf("metrics=%+v", m)
	}
}

func TestSubmit_StaleTurnNumber(t *testing.T) {
	h := newHarness(t, Options{})
	_, te := h.submit(t, "k1", 3)
	wantError(t, te, KindConflict, protocol.ErrStale, 409)
	if te.CurrentTurnNumber == nil || *te.CurrentTurnNumber != 0 {
		t.Fatalf("current turn=%v", te.CurrentTurnNumber)
	}
	if h.model.Calls() != 0 || h.calls(t) != 0 {
		t.Fatalf("stale submission had side effects")
	}
	if _, err := h.store.GetIdempotency(context.Background(), "g1", "k1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("key recorded for rejected request: %v", err)
	}
	if n := h.c.Metrics().Rejected["conflict"]; n != 1 {
		t.Fatalf("rejected conflicts=%d", n)
	}
}

func TestSubmit_InProgressThenExpiredLease(t *testing.T) {
	h := newHarness(t, Options{})
	err := h.store.WithGame(context.Background(), "g1", func(tx store.Tx, g *store.Game) error {
		return tx.InsertIdempotency(context.Background(), &store.Idempotency{
			Key:            "k1",
			Status:         store.KeyInProgress,
			LeaseExpiresAt: h.clock.Now().Add(time.Minute),
			CreatedAt:      h.clock.Now(),
		})
	})
	if err != nil {
		t.Fatalf("seed key: %v", err)
	}

	_, te := h.submit(t, "k1", 0)
	wantError(t, te, KindConflict, protocol.ErrInProgress, 409)

	h.clock.Advance(10 * time.Minute)
	_, te = h.submit(t, "k1", 0)
	wantError(t, te, KindConflict, protocol.ErrKeyFailed, 409)
	if rec := h.key(t, "k1"); rec.Status != store.KeyFailed {
		t.Fatalf("expired key status=%s", rec.Status)
	}

	_, te = h.submit(t, "k1", 0)
	wantError(t, te, KindConflict, protocol.ErrKeyFailed, 400)
	if h.model.Calls() != 0 || h.game(t).TurnNumber != 0 {
		t.Fatalf("abandoned key was taken over")
	}
}

func TestSubmit_DailyLimitResetsNextDay(t *testing.T) {
	h := newHarness(t, Options{DailyLimit: 2})
	for i, key := range []string{"a", "b"} {
		if _, te := h.submit(t, key, i); te != nil {
			t.Fatalf("turn %d: %v", i, te)
		}
	}
	_, te := h.submit(t, "c", 2)
	wantError(t, te, KindQuota, protocol.ErrRateLimit, 429)
	if _, err := h.store.GetIdempotency(context.Background(), "g1", "c"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("quota rejection left a key: %v", err)
	}

	h.clock.Advance(24 * time.Hour)
	if _, te := h.submit(t, "c", 2); te != nil {
		t.Fatalf("next day: %v", te)
	}
	if h.calls(t) != 1 {
		t.Fatalf("daily calls after reset=%d", h.calls(t))
	}
}

func TestSubmit_TokenBudget(t *testing.T) {
	h := newHarness(t, Options{TokenBudget: 1000})
	if _, te := h.submit(t, "a", 0); te != nil {
		t.Fatalf("first turn: %v", te)
	}
	_, te := h.submit(t, "b", 1)
	wantError(t, te, KindQuota, protocol.ErrBudget, 429)
}

func TestSubmit_ModelFailureRefundsAndBurnsKey(t *testing.T) {
	h := newHarness(t, Options{}, model.Step{Text: "not json", Usage: model.Usage{PromptTokens: 10}})
	_, te := h.submit(t, "k1", 0)
	wantError(t, te, KindInternal, protocol.ErrInternal, 500)
	if !strings.HasPrefix(te.Message, "AI simulation failed: ") {
		t.Fatalf("message=%q", te.Message)
	}
	var ce *orchestrator.CallError
	if !errors.As(te, &ce) || ce.Attempts != 3 {
		t.Fatalf("cause=%v", te.Err)
	}
	if rec := h.key(t, "k1"); rec.Status != store.KeyFailed {
		t.Fatalf("key status=%s", rec.Status)
	}
	if h.calls(t) != 0 {
		t.Fatalf("daily call not refunded: %d", h.calls(t))
	}
	if g := h.game(t); g.TurnNumber != 0 || g.TotalTokensUsed != 0 {
		t.Fatalf("game changed: %+v", g)
	}

	_, te = h.submit(t, "k1", 0)
	wantError(t, te, KindConflict, protocol.ErrKeyFailed, 400)
}

// gated blocks its first Run until release is closed.
type gated struct {
	Simulator
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gated) Run(ctx context.Context, s *world.State, action string, h orchestrator.Hooks) (orchestrator.Result, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Simulator.Run(ctx, s, action, h)
}

func TestSubmit_RacingCommitterLoses(t *testing.T) {
	h := newHarness(t, Options{})
	sim := &gated{Simulator: h.c.sim, entered: make(chan struct{}), release: make(chan struct{})}
	h.c.sim = sim

	type outcome struct {
		res protocol.TurnResult
		te  *Error
	}
	slow := make(chan outcome, 1)
	go func() {
		res, te := h.submit(t, "slow", 0)
		slow <- outcome{res, te}
	}()
	<-sim.entered

	fast, te := h.submit(t, "fast", 0)
	if te != nil {
		t.Fatalf("fast: %v", te)
	}
	close(sim.release)
	got := <-slow

	wantError(t, got.te, KindConflict, protocol.ErrConflict, 409)
	if got.te.CurrentTurnNumber == nil || *got.te.CurrentTurnNumber != 1 {
		t.Fatalf("current turn=%v", got.te.CurrentTurnNumber)
	}
	if rec := h.key(t, "slow"); rec.Status != store.KeyFailed {
		t.Fatalf("loser key=%s", rec.Status)
	}
	if g := h.game(t); g.TurnNumber != 1 || g.State.TurnNumber != fast.TurnNumber {
		t.Fatalf("game turn=%d", g.TurnNumber)
	}
	turns, err := h.store.ListTurns(context.Background(), "g1", 10)
	if err != nil || len(turns) != 1 || turns[0].ID != fast.TurnID {
		t.Fatalf("turns=%+v err=%v", turns, err)
	}
}

func TestSubmit_RejectsBadRequests(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	base := Request{GameID: "g1", UserID: "u1", Action: "act", IdempotencyKey: "k"}

	cases := []struct {
		name string
		edit func(r *Request)
		kind Kind
	}{
		{"empty action", func(r *Request) { r.Action = "   " }, KindValidation},
		{"long action", func(r *Request) { r.Action = strings.Repeat("x", MaxActionLength+1) }, KindValidation},
		{"missing key", func(r *Request) { r.IdempotencyKey = "" }, KindValidation},
		{"negative turn", func(r *Request) { r.ExpectedTurnNumber = -1 }, KindValidation},
		{"other user", func(r *Request) { r.UserID = "u2" }, KindNotFound},
		{"unknown game", func(r *Request) { r.GameID = "nope" }, KindNotFound},
	}
	for _, tc := range cases {
		req := base
		tc.edit(&req)
		_, err := h.c.Submit(ctx, req, nil)
		if te := AsError(err); te == nil || te.Kind != tc.kind {
			t.Fatalf("%s: err=%v", tc.name, err)
		}
	}

	err := h.store.WithGame(ctx, "g1", func(tx store.Tx, g *store.Game) error {
		g.Status = store.GameArchived
		return tx.UpdateGame(ctx, g)
	})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	_, te := h.submit(t, "k", 0)
	wantError(t, te, KindValidation, protocol.ErrBadRequest, 400)
	if h.model.Calls() != 0 {
		t.Fatalf("model called for rejected requests")
	}
}

func TestSubmit_SnapshotsAndTurnLog(t *testing.T) {
	dir := t.TempDir()
	turnLog := tlog.NewTurnLogger(dir)
	var backedUp []string
	h := newHarness(t, Options{
		SnapshotEvery: 2,
		SnapshotDir:   filepath.Join(dir, "snapshots"),
		TurnLog:       turnLog,
		Backup:        sinkFunc(func(p string) { backedUp = append(backedUp, p) }),
	})
	var last protocol.TurnResult
	for i := 0; i < 2; i++ {
		res, te := h.submit(t, string(rune('a'+i)), i)
		if te != nil {
			t.Fatalf("turn %d: %v", i, te)
		}
		last = res
	}
	if err := turnLog.Close(); err != nil {
		t.Fatalf("close log: %v", err)
	}

	snap, err := h.store.LatestSnapshot(context.Background(), "g1")
	if err != nil || snap.TurnNumber != 2 || snap.Year != 2026 {
		t.Fatalf("snapshot=%+v err=%v", snap, err)
	}
	g := h.game(t)
	file, err := snapshot.ReadSnapshot(snapshot.Path(filepath.Join(dir, "snapshots"), "g1", 2))
	if err != nil {
		t.Fatalf("read snapshot file: %v", err)
	}
	if file.Header.Digest != g.State.Digest() {
		t.Fatalf("snapshot digest mismatch")
	}
	if _, err := os.Stat(snapshot.Path(filepath.Join(dir, "snapshots"), "g1", 1)); !os.IsNotExist(err) {
		t.Fatalf("unexpected snapshot for turn 1: %v", err)
	}
	if len(backedUp) != 1 || backedUp[0] != snapshot.Path(filepath.Join(dir, "snapshots"), "g1", 2) {
		t.Fatalf("backed up=%v", backedUp)
	}

	files, err := tlog.ListFiles(filepath.Join(dir, "turns"), "turns")
	if err != nil || len(files) == 0 {
		t.Fatalf("turn log files=%v err=%v", files, err)
	}
	var entries []tlog.TurnEntry
	for _, f := range files {
		if err := tlog.ReadTurns(f, func(e tlog.TurnEntry) error {
			entries = append(entries, e)
			return nil
		}); err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
	}
	if len(entries) != 2 || entries[1].TurnID != last.TurnID || entries[1].Digest != g.State.Digest() {
		t.Fatalf("entries=%d", len(entries))
	}
}

func TestSubmit_ConcurrentSameKeyRunsOnce(t *testing.T) {
	h := newHarness(t, Options{})
	sim := &gated{Simulator: h.c.sim, entered: make(chan struct{}), release: make(chan struct{})}
	var runs atomic.Int32
	h.c.sim = counting{Simulator: sim, runs: &runs}

	const n = 8
	type outcome struct {
		res protocol.TurnResult
		err error
	}
	start := make(chan struct{})
	results := make(chan outcome, n)
	for i := 0; i < n; i++ {
		go func() {
			<-start
			res, err := h.c.Submit(context.Background(), Request{
				GameID:         "g1",
				UserID:         "u1",
				Action:         "Offer Dravonia a grain deal.",
				IdempotencyKey: "same",
			}, nil)
			results <- outcome{res, err}
		}()
	}
	close(start)
	<-sim.entered

	// Everyone but the lease holder is turned away while the model runs.
	var got []outcome
	for i := 0; i < n-1; i++ {
		got = append(got, <-results)
	}
	close(sim.release)
	got = append(got, <-results)

	turnID := ""
	ok := 0
	for _, o := range got {
		if o.err == nil {
			ok++
			if turnID != "" && o.res.TurnID != turnID {
				t.Fatalf("turn ids differ: %s vs %s", o.res.TurnID, turnID)
			}
			turnID = o.res.TurnID
			continue
		}
		te := AsError(o.err)
		if te.Kind != KindConflict || (te.Code != protocol.ErrInProgress && te.Code != protocol.ErrConflict) {
			t.Fatalf("unexpected error: %+v", te)
		}
	}
	if ok != 1 {
		t.Fatalf("successes=%d", ok)
	}

	again, te := h.submit(t, "same", 0)
	if te != nil || again.TurnID != turnID {
		t.Fatalf("replay=%+v err=%v", again, te)
	}
	if runs.Load() != 1 || h.model.Calls() != 1 {
		t.Fatalf("simulator runs=%d model calls=%d", runs.Load(), h.model.Calls())
	}
	if h.calls(t) != 1 {
		t.Fatalf("daily calls=%d", h.calls(t))
	}
	turns, err := h.store.ListTurns(context.Background(), "g1", 10)
	if err != nil || len(turns) != 1 || turns[0].ID != turnID {
		t.Fatalf("turns=%+v err=%v", turns, err)
	}
}

type counting struct {
	Simulator
	runs *atomic.Int32
}

func (c counting) Run(ctx context.Context, s *world.State, action string, h orchestrator.Hooks) (orchestrator.Result, error) {
	c.runs.Add(1)
	return c.Simulator.Run(ctx, s, action, h)
}

func TestSubmit_IllustratesOnlyApprovedEvents(t *testing.T) {
	var prompts []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Prompt string `json:"prompt"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		prompts = append(prompts, body.Prompt)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"image_url":"https://cdn.example/grain.png"}`))
	}))
	defer srv.Close()

	h := newHarness(t, Options{
		Illustrator: illustrate.New(illustrate.Config{Endpoint: srv.URL, DeterministicSeed: true}, nil),
	})
	var frames []progress.Frame
	res, err := h.c.Submit(context.Background(), Request{
		GameID: "g1", UserID: "u1", Action: "Offer Dravonia a grain deal.", IdempotencyKey: "k1",
	}, progress.SinkFunc(func(f progress.Frame) { frames = append(frames, f) }))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	mu.Lock()
	n := len(prompts)
	mu.Unlock()
	if n != 1 || !strings.Contains(prompts[0], "grain accord") {
		t.Fatalf("image requests=%d prompts=%q", n, prompts)
	}
	if len(res.Events) != 2 {
		t.Fatalf("events=%+v", res.Events)
	}
	if res.Events[0].ImageURL != "https://cdn.example/grain.png" || res.Events[0].ImageSeed == nil {
		t.Fatalf("approved event=%+v", res.Events[0])
	}
	if res.Events[1].Type != "NARRATIVE_FALLBACK" || res.Events[1].ImageURL != "" {
		t.Fatalf("degraded event=%+v", res.Events[1])
	}

	illustrated := 0
	for _, f := range frames {
		if f.Progress != nil && f.Progress.Message == "Illustrated event 1 of 1" {
			illustrated++
			if f.Progress.Progress >= 85 || f.Progress.Stage != protocol.StageProcessingAI {
				t.Fatalf("illustration frame=%+v", f.Progress)
			}
		}
	}
	if illustrated != 1 {
		t.Fatalf("illustration frames=%d", illustrated)
	}
}
