// Package turn advances a game by exactly one turn per idempotency key.
//
// A submission runs through four phases. Admission and commit are short
// transactions holding the game row lock; simulation and illustration run
// unlocked and may take minutes. Each phase that can leave durable traces
// carries its own compensation, run when that phase fails.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"faxhistoria.ai/internal/ai/draft"
	"faxhistoria.ai/internal/ai/orchestrator"
	"faxhistoria.ai/internal/illustrate"
	tlog "faxhistoria.ai/internal/persistence/log"
	"faxhistoria.ai/internal/persistence/snapshot"
	"faxhistoria.ai/internal/persistence/store"
	"faxhistoria.ai/internal/progress"
	"faxhistoria.ai/internal/protocol"
	"faxhistoria.ai/internal/sim/arbiter"
	"faxhistoria.ai/internal/sim/events"
	"faxhistoria.ai/internal/sim/reducer"
	"faxhistoria.ai/internal/sim/world"
)

const (
	DefaultDailyLimit    = 50
	DefaultTokenBudget   = 500000
	DefaultLease         = 5 * time.Minute
	DefaultSnapshotEvery = 5

	MaxActionLength = 2000
	MaxKeyLength    = 128
)

// Simulator is the model side of a turn; *orchestrator.Orchestrator
// implements it.
type Simulator interface {
	Run(ctx context.Context, s *world.State, action string, h orchestrator.Hooks) (orchestrator.Result, error)
	ModelName() string
}

// FileSink takes files for off-box copies; *backup.Mirror implements it.
type FileSink interface {
	Enqueue(path string)
}

type Options struct {
	DailyLimit    int
	TokenBudget   int64
	Lease         time.Duration
	SnapshotEvery int

	HeartbeatInterval time.Duration

	// Illustrator is optional; nil skips illustration.
	Illustrator *illustrate.Client
	// TurnLog and SnapshotDir receive committed turns after the commit.
	// Both are optional and failures are only logged.
	TurnLog     *tlog.TurnLogger
	SnapshotDir string
	// Backup, when set, receives every snapshot file written.
	Backup      FileSink

	Logger *log.Logger
	Now    func() time.Time
	NewID  func() string
}

type Coordinator struct {
	store store.Store
	sim   Simulator
	opts  Options
	stats counters
}

type Request struct {
	GameID             string
	UserID             string
	Action             string
	ExpectedTurnNumber int
	IdempotencyKey     string
}

func New(st store.Store, sim Simulator, opts Options) (*Coordinator, error) {
	if st == nil || sim == nil {
		return nil, errors.New("turn: store and simulator are required")
	}
	if opts.DailyLimit <= 0 {
		opts.DailyLimit = DefaultDailyLimit
	}
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = DefaultTokenBudget
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.SnapshotEvery <= 0 {
		opts.SnapshotEvery = DefaultSnapshotEvery
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = progress.DefaultHeartbeatInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Coordinator{store: st, sim: sim, opts: opts}, nil
}

// Validate checks the caller-fixable parts of req without touching storage.
func (r Request) Validate() error {
	if strings.TrimSpace(r.GameID) == "" {
		return ValidationError("game id is required")
	}
	if strings.TrimSpace(r.UserID) == "" {
		return ValidationError("user id is required")
	}
	if strings.TrimSpace(r.Action) == "" {
		return ValidationError("action: must not be empty")
	}
	if utf8.RuneCountInString(r.Action) > MaxActionLength {
		return ValidationError(fmt.Sprintf("action: must be at most %d characters", MaxActionLength))
	}
	if r.ExpectedTurnNumber < 0 {
		return ValidationError("expectedTurnNumber: must be >= 0")
	}
	if r.IdempotencyKey == "" {
		return ValidationError("X-Idempotency-Key header is required")
	}
	if len(r.IdempotencyKey) > MaxKeyLength {
		return ValidationError(fmt.Sprintf("idempotency key: must be at most %d bytes", MaxKeyLength))
	}
	return nil
}

// Submit runs one turn and returns its result. A retry with a key that
// already completed returns the cached result without running anything.
// Frames go to sink (which may be nil); the terminal frame mirrors the
// return value. Errors are always *Error.
func (c *Coordinator) Submit(ctx context.Context, req Request, sink progress.Sink) (protocol.TurnResult, error) {
	c.stats.submitted.Add(1)
	c.stats.inFlight.Add(1)
	defer c.stats.inFlight.Add(-1)

	r := &submission{c: c, req: req, em: progress.NewEmitter(sink)}
	res, err := r.run(ctx)
	if err != nil {
		te := AsError(err)
		c.stats.reject(te.Kind)
		if te.Kind == KindInternal {
			c.opts.Logger.Printf("turn game=%s key=%s failed: %v", req.GameID, req.IdempotencyKey, err)
		}
		r.em.Fail(te.Message, te.Code, te.Status, te.CurrentTurnNumber)
		return protocol.TurnResult{}, te
	}
	r.em.Complete(res)
	return res, nil
}

// step is one phase of a submission. compensate, when set, undoes what an
// earlier phase left behind once this phase has failed.
type step struct {
	name       string
	run        func(ctx context.Context) error
	compensate func(ctx context.Context, cause error)
}

type submission struct {
	c   *Coordinator
	req Request
	em  *progress.Emitter

	// admission
	replay     *protocol.TurnResult
	state      *world.State
	turnNumber int

	// simulation
	sim orchestrator.Result

	// commit
	result    protocol.TurnResult
	committed *store.Turn
	next      *world.State
	degraded  int
}

func (r *submission) run(ctx context.Context) (protocol.TurnResult, error) {
	r.em.Validating()
	if err := r.req.Validate(); err != nil {
		return protocol.TurnResult{}, err
	}
	steps := []step{
		{name: "admit", run: r.admit},
		{name: "simulate", run: r.simulate, compensate: r.abandonSimulation},
		{name: "illustrate", run: r.illustrate, compensate: r.abandonKey},
		{name: "commit", run: r.commit, compensate: r.abandonKey},
	}
	for _, st := range steps {
		if err := st.run(ctx); err != nil {
			if st.compensate != nil {
				r.c.opts.Logger.Printf("game %s key %s: %s phase failed, compensating: %v", r.req.GameID, r.req.IdempotencyKey, st.name, err)
				st.compensate(context.WithoutCancel(ctx), err)
			}
			return protocol.TurnResult{}, err
		}
		if r.replay != nil {
			r.c.stats.replayed.Add(1)
			return *r.replay, nil
		}
	}
	r.c.stats.committed.Add(1)
	r.c.stats.tokens.Add(r.sim.Usage.Total())
	r.c.stats.degraded.Add(int64(r.degraded))
	r.afterCommit()
	return r.result, nil
}

// admit is the first locked phase: idempotency lookup, turn and budget
// checks, the daily quota and the IN_PROGRESS lease.
func (r *submission) admit(ctx context.Context) error {
	opts := r.c.opts
	var expired bool
	err := r.c.store.WithGame(ctx, r.req.GameID, func(tx store.Tx, g *store.Game) error {
		r.replay, r.state, expired = nil, nil, false
		if g.UserID != r.req.UserID {
			return NotFoundError("Game not found")
		}

		rec, err := tx.GetIdempotency(ctx, r.req.IdempotencyKey)
		switch {
		case err == nil:
			return r.admitExisting(ctx, tx, rec, &expired)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		if g.Status != store.GameActive {
			return ValidationError("Game is not active")
		}
		if r.req.ExpectedTurnNumber != g.TurnNumber {
			return conflictError(protocol.ErrStale, "Turn number mismatch", intPtr(g.TurnNumber))
		}
		if g.TotalTokensUsed >= opts.TokenBudget {
			return quotaError(protocol.ErrBudget, "Game token limit exceeded")
		}

		now := opts.Now()
		u, err := tx.LockUser(ctx, r.req.UserID)
		if err != nil {
			return err
		}
		today := now.UTC().Format("2006-01-02")
		calls := u.DailyCalls
		if u.LastCallDate < today {
			calls = 0
		}
		if calls >= opts.DailyLimit {
			return quotaError(protocol.ErrRateLimit, "Daily API limit exceeded")
		}
		u.DailyCalls, u.LastCallDate = calls+1, today
		if err := tx.SaveUser(ctx, u); err != nil {
			return err
		}

		err = tx.InsertIdempotency(ctx, &store.Idempotency{
			GameID:         r.req.GameID,
			Key:            r.req.IdempotencyKey,
			Status:         store.KeyInProgress,
			LeaseExpiresAt: now.Add(opts.Lease),
			CreatedAt:      now,
		})
		if errors.Is(err, store.ErrDuplicate) {
			return conflictError(protocol.ErrInProgress, "Request is already being processed", nil)
		}
		if err != nil {
			return err
		}
		r.state = g.State.Clone()
		r.turnNumber = g.TurnNumber
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return NotFoundError("Game not found")
	}
	if err != nil {
		return err
	}
	if expired {
		return conflictError(protocol.ErrKeyFailed, "The previous attempt with this idempotency key expired. Please use a new idempotency key.", nil)
	}
	if r.replay == nil {
		r.em.Validated()
	}
	return nil
}

func (r *submission) admitExisting(ctx context.Context, tx store.Tx, rec *store.Idempotency, expired *bool) error {
	switch rec.Status {
	case store.KeyCompleted:
		var res protocol.TurnResult
		if err := json.Unmarshal(rec.Result, &res); err != nil {
			return internalError("Cached turn result is unreadable", err)
		}
		r.replay = &res
		return nil
	case store.KeyInProgress:
		if rec.LeaseExpiresAt.After(r.c.opts.Now()) {
			return conflictError(protocol.ErrInProgress, "Request is already being processed", nil)
		}
		// An abandoned attempt is never taken over; its model call may
		// still land somewhere we cannot observe.
		if _, err := tx.SetKeyStatus(ctx, rec.Key, store.KeyInProgress, store.KeyFailed, "", nil); err != nil {
			return err
		}
		*expired = true
		return nil
	default:
		return &Error{
			Kind:    KindConflict,
			Code:    protocol.ErrKeyFailed,
			Status:  http.StatusBadRequest,
			Message: "This request previously failed. Please use a new idempotency key.",
		}
	}
}

// simulate is the unlocked model phase.
func (r *submission) simulate(ctx context.Context) error {
	hb := progress.StartHeartbeat(r.em, r.c.opts.HeartbeatInterval, progress.AICeiling)
	res, err := r.c.sim.Run(ctx, r.state, r.req.Action, orchestrator.Hooks{
		OnAttempt: r.em.Attempt,
		OnDraft:   func(attempt int, d draft.Draft) { r.em.Draft(attempt, d) },
	})
	hb.Stop()
	if err != nil {
		return internalError("AI simulation failed: "+err.Error(), err)
	}
	r.sim = res
	return nil
}

// abandonSimulation releases the key and the daily call taken by admit and
// records the failed model run. All of it is best effort.
func (r *submission) abandonSimulation(ctx context.Context, cause error) {
	r.abandonKey(ctx, cause)
	logger := r.c.opts.Logger
	if err := r.c.store.RefundCall(ctx, r.req.UserID); err != nil {
		logger.Printf("refund daily call for user %s: %v", r.req.UserID, err)
	}

	run := &store.ModelRun{
		GameID:       r.req.GameID,
		Model:        r.c.sim.ModelName(),
		Success:      false,
		ErrorMessage: cause.Error(),
		CreatedAt:    r.c.opts.Now(),
	}
	var ce *orchestrator.CallError
	if errors.As(cause, &ce) {
		run.PromptTokens = ce.Usage.PromptTokens
		run.OutputTokens = ce.Usage.OutputTokens
		run.LatencyMs = ce.LatencyMs
		run.Attempts = ce.Attempts
		run.ErrorMessage = ce.Err.Error()
	}
	if err := r.c.store.RecordModelRun(ctx, run); err != nil {
		logger.Printf("record failed model run for game %s: %v", r.req.GameID, err)
	}
}

// abandonKey moves the key to FAILED unless something else already
// resolved it.
func (r *submission) abandonKey(ctx context.Context, cause error) {
	ok, err := r.c.store.MarkFailed(ctx, r.req.GameID, r.req.IdempotencyKey)
	if err != nil {
		r.c.opts.Logger.Printf("mark key %s failed: %v", r.req.IdempotencyKey, err)
		return
	}
	if !ok {
		r.c.opts.Logger.Printf("key %s was no longer in progress after: %v", r.req.IdempotencyKey, cause)
	}
}

// illustrate attaches images to the proposed events that will pass
// arbitration. Commit arbitrates against the same turn's state, so events
// rejected here end up as fallbacks without an image. It never fails the
// turn on its own; it only reports a cancelled context.
func (r *submission) illustrate(ctx context.Context) error {
	if r.c.opts.Illustrator == nil || len(r.sim.Events) == 0 {
		return nil
	}
	var (
		at      []int
		pending []events.Event
	)
	for i, e := range r.sim.Events {
		if arbiter.Allowed(e, r.state) {
			at = append(at, i)
			pending = append(pending, e)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	out := r.c.opts.Illustrator.Enrich(ctx, pending, illustrate.Context{
		GameID:       r.req.GameID,
		TurnNumber:   r.turnNumber + 1,
		Year:         r.state.CurrentYear + 1,
		PlayerAction: r.req.Action,
	}, func(p illustrate.Progress) { r.em.Illustrated(p.Sequence, p.Total) })
	for j, i := range at {
		r.sim.Events[i] = out[j]
	}
	return ctx.Err()
}

// commit is the second locked phase. It re-checks the turn number, then
// arbitrates, reduces and persists everything in one transaction and
// finalizes the key.
func (r *submission) commit(ctx context.Context) error {
	opts := r.c.opts
	emitted := false
	err := r.c.store.WithGame(ctx, r.req.GameID, func(tx store.Tx, g *store.Game) error {
		if g.TurnNumber != r.turnNumber {
			return conflictError(protocol.ErrConflict, "Turn was advanced by another request", intPtr(g.TurnNumber))
		}

		verdict := arbiter.Arbitrate(r.sim.Events, g.State)
		all := verdict.All()
		for _, d := range verdict.Degraded {
			opts.Logger.Printf("game %s turn %d: %s degraded: %s", r.req.GameID, g.TurnNumber+1, d.Original.Kind(), d.Reason)
		}
		if !emitted {
			r.em.Applying(len(all))
			for i, e := range all {
				r.em.LiveEvent(i+1, len(all), e)
			}
		}
		next := reducer.Advance(g.State, all, r.sim.WorldNarrative)
		if !emitted {
			r.em.Applied()
			r.em.Persisting()
			emitted = true
		}

		now := opts.Now()
		t := &store.Turn{
			ID:             opts.NewID(),
			GameID:         r.req.GameID,
			TurnNumber:     next.TurnNumber,
			Year:           next.CurrentYear,
			PlayerAction:   r.req.Action,
			WorldNarrative: r.sim.WorldNarrative,
			YearSummary:    r.sim.YearSummary,
			Events:         all,
			CreatedAt:      now,
		}
		if err := tx.InsertTurn(ctx, t); err != nil {
			return err
		}
		if err := tx.InsertModelRun(ctx, &store.ModelRun{
			GameID:       r.req.GameID,
			TurnID:       t.ID,
			Model:        r.sim.Model,
			PromptTokens: r.sim.Usage.PromptTokens,
			OutputTokens: r.sim.Usage.OutputTokens,
			LatencyMs:    r.sim.LatencyMs,
			Attempts:     r.sim.Attempts,
			Success:      true,
			CreatedAt:    now,
		}); err != nil {
			return err
		}

		g.State = next
		g.TurnNumber = next.TurnNumber
		g.CurrentYear = next.CurrentYear
		g.TotalTokensUsed += r.sim.Usage.Total()
		g.UpdatedAt = now
		if err := tx.UpdateGame(ctx, g); err != nil {
			return err
		}
		if next.TurnNumber%opts.SnapshotEvery == 0 {
			if err := tx.InsertSnapshot(ctx, &store.Snapshot{
				GameID:     r.req.GameID,
				TurnNumber: next.TurnNumber,
				Year:       next.CurrentYear,
				State:      next,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}

		res := buildResult(t)
		payload, err := json.Marshal(res)
		if err != nil {
			return err
		}
		ok, err := tx.SetKeyStatus(ctx, r.req.IdempotencyKey, store.KeyInProgress, store.KeyCompleted, t.ID, payload)
		if err != nil {
			return err
		}
		if !ok {
			return conflictError(protocol.ErrConflict, "Idempotency key was resolved by another request", nil)
		}
		r.result, r.committed, r.next = res, t, next
		r.degraded = len(verdict.Degraded)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return internalError("Game not found during commit", err)
	}
	return err
}

// afterCommit appends the turn log and writes snapshot files. The turn is
// already durable, so failures are logged and ignored.
func (r *submission) afterCommit() {
	opts := r.c.opts
	t, next := r.committed, r.next
	if opts.TurnLog != nil {
		err := opts.TurnLog.WriteTurn(tlog.TurnEntry{
			GameID:         t.GameID,
			TurnID:         t.ID,
			TurnNumber:     t.TurnNumber,
			Year:           t.Year,
			Action:         t.PlayerAction,
			Events:         t.Events,
			WorldNarrative: t.WorldNarrative,
			YearSummary:    t.YearSummary,
			Digest:         next.Digest(),
			CommittedAt:    t.CreatedAt,
		})
		if err != nil {
			opts.Logger.Printf("turn log game=%s turn=%d: %v", t.GameID, t.TurnNumber, err)
		}
	}
	if opts.SnapshotDir != "" && next.TurnNumber%opts.SnapshotEvery == 0 {
		path := snapshot.Path(opts.SnapshotDir, t.GameID, next.TurnNumber)
		if err := snapshot.WriteSnapshot(path, snapshot.New(t.GameID, next)); err != nil {
			opts.Logger.Printf("snapshot game=%s turn=%d: %v", t.GameID, next.TurnNumber, err)
		} else if opts.Backup != nil {
			opts.Backup.Enqueue(path)
		}
	}
}
