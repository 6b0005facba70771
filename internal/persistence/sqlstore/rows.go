package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"faxhistoria.ai/internal/persistence/store"
	"faxhistoria.ai/internal/sim/events"
	"faxhistoria.ai/internal/sim/world"
)

// Timestamps are stored as unix milliseconds.

type gameRow struct {
	ID              string `db:"id"`
	UserID          string `db:"user_id"`
	Name            string `db:"name"`
	PlayerCountry   string `db:"player_country"`
	Status          string `db:"status"`
	StartYear       int    `db:"start_year"`
	CurrentYear     int    `db:"current_year"`
	TurnNumber      int    `db:"turn_number"`
	TotalTokensUsed int64  `db:"total_tokens_used"`
	StateJSON       string `db:"state_json"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

func toGameRow(g *store.Game) (gameRow, error) {
	state, err := encodeJSON(g.State)
	if err != nil {
		return gameRow{}, fmt.Errorf("encode state: %w", err)
	}
	return gameRow{
		ID:              g.ID,
		UserID:          g.UserID,
		Name:            g.Name,
		PlayerCountry:   g.PlayerCountry,
		Status:          string(g.Status),
		StartYear:       g.StartYear,
		CurrentYear:     g.CurrentYear,
		TurnNumber:      g.TurnNumber,
		TotalTokensUsed: g.TotalTokensUsed,
		StateJSON:       state,
		CreatedAt:       g.CreatedAt.UnixMilli(),
		UpdatedAt:       g.UpdatedAt.UnixMilli(),
	}, nil
}

func (r gameRow) toGame(withState bool) (*store.Game, error) {
	g := &store.Game{
		ID:              r.ID,
		UserID:          r.UserID,
		Name:            r.Name,
		PlayerCountry:   r.PlayerCountry,
		Status:          store.GameStatus(r.Status),
		StartYear:       r.StartYear,
		CurrentYear:     r.CurrentYear,
		TurnNumber:      r.TurnNumber,
		TotalTokensUsed: r.TotalTokensUsed,
		CreatedAt:       fromMillis(r.CreatedAt),
		UpdatedAt:       fromMillis(r.UpdatedAt),
	}
	if withState {
		var st world.State
		if err := json.Unmarshal([]byte(r.StateJSON), &st); err != nil {
			return nil, fmt.Errorf("game %s: decode state: %w", r.ID, err)
		}
		g.State = &st
	}
	return g, nil
}

type userRow struct {
	ID           string `db:"id"`
	DailyCalls   int    `db:"daily_calls"`
	LastCallDate string `db:"last_call_date"`
}

func (r userRow) toUser() *store.User {
	return &store.User{ID: r.ID, DailyCalls: r.DailyCalls, LastCallDate: r.LastCallDate}
}

type idempotencyRow struct {
	GameID         string `db:"game_id"`
	Key            string `db:"idem_key"`
	Status         string `db:"status"`
	LeaseExpiresAt int64  `db:"lease_expires_at"`
	TurnID         string `db:"turn_id"`
	Result         []byte `db:"result"`
	CreatedAt      int64  `db:"created_at"`
}

func (r idempotencyRow) toRecord() *store.Idempotency {
	return &store.Idempotency{
		GameID:         r.GameID,
		Key:            r.Key,
		Status:         store.KeyStatus(r.Status),
		LeaseExpiresAt: fromMillis(r.LeaseExpiresAt),
		TurnID:         r.TurnID,
		Result:         r.Result,
		CreatedAt:      fromMillis(r.CreatedAt),
	}
}

type turnRow struct {
	ID             string `db:"id"`
	GameID         string `db:"game_id"`
	TurnNumber     int    `db:"turn_number"`
	Year           int    `db:"year"`
	PlayerAction   string `db:"player_action"`
	WorldNarrative string `db:"world_narrative"`
	YearSummary    string `db:"year_summary"`
	CreatedAt      int64  `db:"created_at"`
}

type eventRow struct {
	TurnID    string `db:"turn_id"`
	Sequence  int    `db:"sequence"`
	EventType string `db:"event_type"`
	Payload   string `db:"payload"`
}

func (r turnRow) toTurn(evs []eventRow) (store.Turn, error) {
	t := store.Turn{
		ID:             r.ID,
		GameID:         r.GameID,
		TurnNumber:     r.TurnNumber,
		Year:           r.Year,
		PlayerAction:   r.PlayerAction,
		WorldNarrative: r.WorldNarrative,
		YearSummary:    r.YearSummary,
		Events:         make(events.List, 0, len(evs)),
		CreatedAt:      fromMillis(r.CreatedAt),
	}
	for _, ev := range evs {
		e, err := events.Decode([]byte(ev.Payload))
		if err != nil {
			return store.Turn{}, fmt.Errorf("turn %s event %d: %w", r.ID, ev.Sequence, err)
		}
		t.Events = append(t.Events, e)
	}
	return t, nil
}

type snapshotRow struct {
	GameID     string `db:"game_id"`
	TurnNumber int    `db:"turn_number"`
	Year       int    `db:"year"`
	StateJSON  string `db:"state_json"`
	CreatedAt  int64  `db:"created_at"`
}

func (r snapshotRow) toSnapshot() (*store.Snapshot, error) {
	var st world.State
	if err := json.Unmarshal([]byte(r.StateJSON), &st); err != nil {
		return nil, fmt.Errorf("snapshot %s@%d: %w", r.GameID, r.TurnNumber, err)
	}
	return &store.Snapshot{
		GameID:     r.GameID,
		TurnNumber: r.TurnNumber,
		Year:       r.Year,
		State:      &st,
		CreatedAt:  fromMillis(r.CreatedAt),
	}, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// sqlTx is the store.Tx handed to WithGame callbacks.
type sqlTx struct {
	tx     *sqlx.Tx
	gameID string
}

func (t *sqlTx) GetIdempotency(ctx context.Context, key string) (*store.Idempotency, error) {
	return getIdempotency(ctx, t.tx, t.gameID, key)
}

func (t *sqlTx) InsertIdempotency(ctx context.Context, rec *store.Idempotency) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var blob any
	if rec.Result != nil {
		blob = rec.Result
	}
	res, err := t.tx.ExecContext(ctx, `INSERT INTO idempotency_keys
		(game_id, idem_key, status, lease_expires_at, turn_id, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (game_id, idem_key) DO NOTHING`,
		t.gameID, rec.Key, string(rec.Status), rec.LeaseExpiresAt.UnixMilli(), rec.TurnID, blob, created.UnixMilli())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("idempotency key %q: %w", rec.Key, store.ErrDuplicate)
	}
	return nil
}

func (t *sqlTx) SetKeyStatus(ctx context.Context, key string, from, to store.KeyStatus, turnID string, result []byte) (bool, error) {
	var blob any
	if result != nil {
		blob = result
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE idempotency_keys
		SET status = ?,
			turn_id = CASE WHEN ? = '' THEN turn_id ELSE ? END,
			result = COALESCE(?, result)
		WHERE game_id = ? AND idem_key = ? AND status = ?`,
		string(to), turnID, turnID, blob, t.gameID, key, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (t *sqlTx) LockUser(ctx context.Context, userID string) (*store.User, error) {
	if _, err := t.tx.ExecContext(ctx, `INSERT INTO users (id, daily_calls, last_call_date)
		VALUES (?, 0, '') ON CONFLICT (id) DO NOTHING`, userID); err != nil {
		return nil, err
	}
	var row userRow
	if err := t.tx.GetContext(ctx, &row, `SELECT * FROM users WHERE id = ?`, userID); err != nil {
		return nil, err
	}
	return row.toUser(), nil
}

func (t *sqlTx) SaveUser(ctx context.Context, u *store.User) error {
	_, err := t.tx.NamedExecContext(ctx, `UPDATE users SET daily_calls = :daily_calls, last_call_date = :last_call_date
		WHERE id = :id`, userRow{ID: u.ID, DailyCalls: u.DailyCalls, LastCallDate: u.LastCallDate})
	return err
}

func (t *sqlTx) InsertTurn(ctx context.Context, turn *store.Turn) error {
	row := turnRow{
		ID:             turn.ID,
		GameID:         t.gameID,
		TurnNumber:     turn.TurnNumber,
		Year:           turn.Year,
		PlayerAction:   turn.PlayerAction,
		WorldNarrative: turn.WorldNarrative,
		YearSummary:    turn.YearSummary,
		CreatedAt:      turn.CreatedAt.UnixMilli(),
	}
	res, err := t.tx.NamedExecContext(ctx, `INSERT INTO turns
		(id, game_id, turn_number, year, player_action, world_narrative, year_summary, created_at)
		VALUES (:id, :game_id, :turn_number, :year, :player_action, :world_narrative, :year_summary, :created_at)
		ON CONFLICT DO NOTHING`, row)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("turn %d of %s: %w", turn.TurnNumber, t.gameID, store.ErrDuplicate)
	}
	for i, ev := range turn.Events {
		payload, err := encodeJSON(ev)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", i, err)
		}
		if _, err := t.tx.NamedExecContext(ctx, `INSERT INTO turn_events (turn_id, sequence, event_type, payload)
			VALUES (:turn_id, :sequence, :event_type, :payload)`, eventRow{
			TurnID:    turn.ID,
			Sequence:  i,
			EventType: string(ev.Kind()),
			Payload:   payload,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) InsertModelRun(ctx context.Context, run *store.ModelRun) error {
	return insertModelRun(ctx, t.tx, run)
}

func (t *sqlTx) InsertSnapshot(ctx context.Context, s *store.Snapshot) error {
	state, err := encodeJSON(s.State)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = t.tx.NamedExecContext(ctx, `INSERT INTO snapshots (game_id, turn_number, year, state_json, created_at)
		VALUES (:game_id, :turn_number, :year, :state_json, :created_at)
		ON CONFLICT (game_id, turn_number) DO UPDATE SET year = excluded.year, state_json = excluded.state_json`,
		snapshotRow{
			GameID:     t.gameID,
			TurnNumber: s.TurnNumber,
			Year:       s.Year,
			StateJSON:  state,
			CreatedAt:  s.CreatedAt.UnixMilli(),
		})
	return err
}

func (t *sqlTx) UpdateGame(ctx context.Context, g *store.Game) error {
	row, err := toGameRow(g)
	if err != nil {
		return err
	}
	_, err = t.tx.NamedExecContext(ctx, `UPDATE games SET
		status = :status, current_year = :current_year, turn_number = :turn_number,
		total_tokens_used = :total_tokens_used, state_json = :state_json, updated_at = :updated_at
		WHERE id = :id`, row)
	return err
}

type getter interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getIdempotency(ctx context.Context, q getter, gameID, key string) (*store.Idempotency, error) {
	var row idempotencyRow
	if err := q.GetContext(ctx, &row, `SELECT * FROM idempotency_keys WHERE game_id = ? AND idem_key = ?`, gameID, key); err != nil {
		return nil, notFound(err, fmt.Sprintf("idempotency key %q", key))
	}
	return row.toRecord(), nil
}

func insertModelRun(ctx context.Context, q execer, run *store.ModelRun) error {
	created := run.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := q.ExecContext(ctx, `INSERT INTO model_runs
		(game_id, turn_id, model, prompt_tokens, output_tokens, latency_ms, attempts, success, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.GameID, run.TurnID, run.Model, run.PromptTokens, run.OutputTokens,
		run.LatencyMs, run.Attempts, run.Success, run.ErrorMessage, created.UnixMilli())
	return err
}
