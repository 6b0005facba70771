package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"faxhistoria.ai/internal/persistence/store"
	"faxhistoria.ai/internal/sim/events"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	tx     pgx.Tx
	gameID string
}

func (t *pgTx) GetIdempotency(ctx context.Context, key string) (*store.Idempotency, error) {
	return getIdempotency(ctx, t.tx, t.gameID, key, true)
}

func (t *pgTx) InsertIdempotency(ctx context.Context, rec *store.Idempotency) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO idempotency_keys (game_id, idem_key, status, lease_expires_at, turn_id, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (game_id, idem_key) DO NOTHING
	`, t.gameID, rec.Key, string(rec.Status), rec.LeaseExpiresAt, rec.TurnID, rec.Result, created)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("idempotency key %q: %w", rec.Key, store.ErrDuplicate)
	}
	return nil
}

func (t *pgTx) SetKeyStatus(ctx context.Context, key string, from, to store.KeyStatus, turnID string, result []byte) (bool, error) {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE idempotency_keys
		SET status = $1,
			turn_id = CASE WHEN $2::text = '' THEN turn_id ELSE $2::text END,
			result = COALESCE($3::bytea, result)
		WHERE game_id = $4 AND idem_key = $5 AND status = $6
	`, string(to), turnID, result, t.gameID, key, string(from))
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (t *pgTx) LockUser(ctx context.Context, userID string) (*store.User, error) {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO users (id, daily_calls, last_call_date) VALUES ($1, 0, '')
		ON CONFLICT (id) DO NOTHING
	`, userID); err != nil {
		return nil, err
	}
	var u store.User
	err := t.tx.QueryRow(ctx, `
		SELECT id, daily_calls, last_call_date FROM users
		WHERE id = $1
		FOR UPDATE
	`, userID).Scan(&u.ID, &u.DailyCalls, &u.LastCallDate)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *pgTx) SaveUser(ctx context.Context, u *store.User) error {
	_, err := t.tx.Exec(ctx, `UPDATE users SET daily_calls = $1, last_call_date = $2 WHERE id = $3`,
		u.DailyCalls, u.LastCallDate, u.ID)
	return err
}

func (t *pgTx) InsertTurn(ctx context.Context, turn *store.Turn) error {
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO turns (id, game_id, turn_number, year, player_action, world_narrative, year_summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
	`, turn.ID, t.gameID, turn.TurnNumber, turn.Year, turn.PlayerAction, turn.WorldNarrative, turn.YearSummary, turn.CreatedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("turn %d of %s: %w", turn.TurnNumber, t.gameID, store.ErrDuplicate)
	}

	batch := &pgx.Batch{}
	for i, ev := range turn.Events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", i, err)
		}
		batch.Queue(`INSERT INTO turn_events (turn_id, sequence, event_type, payload) VALUES ($1, $2, $3, $4)`,
			turn.ID, i, string(ev.Kind()), string(payload))
	}
	if batch.Len() == 0 {
		return nil
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *pgTx) InsertModelRun(ctx context.Context, run *store.ModelRun) error {
	return insertModelRun(ctx, t.tx, run)
}

func (t *pgTx) InsertSnapshot(ctx context.Context, s *store.Snapshot) error {
	state, err := json.Marshal(s.State)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO snapshots (game_id, turn_number, year, state, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (game_id, turn_number) DO UPDATE SET year = EXCLUDED.year, state = EXCLUDED.state
	`, t.gameID, s.TurnNumber, s.Year, string(state), s.CreatedAt)
	return err
}

func (t *pgTx) UpdateGame(ctx context.Context, g *store.Game) error {
	state, err := json.Marshal(g.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		UPDATE games SET status = $1, current_year = $2, turn_number = $3,
			total_tokens_used = $4, state = $5, updated_at = $6
		WHERE id = $7
	`, string(g.Status), g.CurrentYear, g.TurnNumber, g.TotalTokensUsed, string(state), g.UpdatedAt, g.ID)
	return err
}

func getIdempotency(ctx context.Context, q querier, gameID, key string, lock bool) (*store.Idempotency, error) {
	query := `SELECT game_id, idem_key, status, lease_expires_at, turn_id, result, created_at
		FROM idempotency_keys WHERE game_id = $1 AND idem_key = $2`
	if lock {
		query += ` FOR UPDATE`
	}
	var (
		rec    store.Idempotency
		status string
	)
	err := q.QueryRow(ctx, query, gameID, key).Scan(&rec.GameID, &rec.Key, &status,
		&rec.LeaseExpiresAt, &rec.TurnID, &rec.Result, &rec.CreatedAt)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("idempotency key %q", key))
	}
	rec.Status = store.KeyStatus(status)
	rec.LeaseExpiresAt = rec.LeaseExpiresAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func loadEvents(ctx context.Context, q querier, turnID string) (events.List, error) {
	rows, err := q.Query(ctx, `SELECT sequence, payload FROM turn_events WHERE turn_id = $1 ORDER BY sequence`, turnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := events.List{}
	for rows.Next() {
		var (
			seq     int
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		e, err := events.Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("turn %s event %d: %w", turnID, seq, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func insertModelRun(ctx context.Context, q querier, run *store.ModelRun) error {
	created := run.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := q.Exec(ctx, `
		INSERT INTO model_runs (game_id, turn_id, model, prompt_tokens, output_tokens, latency_ms,
			attempts, success, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, run.GameID, run.TurnID, run.Model, run.PromptTokens, run.OutputTokens, run.LatencyMs,
		run.Attempts, run.Success, run.ErrorMessage, created)
	return err
}
