// Package pgstore implements store.Store on PostgreSQL. WithGame runs a
// serializable transaction that takes the game row with SELECT ... FOR UPDATE
// and retries on serialization failures.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"faxhistoria.ai/internal/persistence/store"
	"faxhistoria.ai/internal/sim/world"
)

var ErrTxConflict = errors.New("pgstore: transaction kept conflicting")

const (
	maxAttempts     = 8
	firstRetryDelay = 75 * time.Millisecond
	maxRetryDelay   = 1200 * time.Millisecond
)

type Store struct {
	db *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and creates missing tables.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty postgres dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &Store{db: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS games (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			player_country TEXT NOT NULL,
			status TEXT NOT NULL,
			start_year INT NOT NULL,
			current_year INT NOT NULL,
			turn_number INT NOT NULL,
			total_tokens_used BIGINT NOT NULL,
			state JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS games_user_idx ON games (user_id, updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			daily_calls INT NOT NULL,
			last_call_date TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			game_id TEXT NOT NULL,
			idem_key TEXT NOT NULL,
			status TEXT NOT NULL,
			lease_expires_at TIMESTAMPTZ NOT NULL,
			turn_id TEXT NOT NULL,
			result BYTEA,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (game_id, idem_key)
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			game_id TEXT NOT NULL,
			turn_number INT NOT NULL,
			year INT NOT NULL,
			player_action TEXT NOT NULL,
			world_narrative TEXT NOT NULL,
			year_summary TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (game_id, turn_number)
		)`,
		`CREATE TABLE IF NOT EXISTS turn_events (
			turn_id TEXT NOT NULL REFERENCES turns(id),
			sequence INT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (turn_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS model_runs (
			id BIGSERIAL PRIMARY KEY,
			game_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			model TEXT NOT NULL,
			prompt_tokens BIGINT NOT NULL,
			output_tokens BIGINT NOT NULL,
			latency_ms BIGINT NOT NULL,
			attempts INT NOT NULL,
			success BOOLEAN NOT NULL,
			error_message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			game_id TEXT NOT NULL,
			turn_number INT NOT NULL,
			year INT NOT NULL,
			state JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (game_id, turn_number)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const gameColumns = `id, user_id, name, player_country, status, start_year, current_year,
	turn_number, total_tokens_used, created_at, updated_at`

func scanGame(row pgx.Row, withState bool) (*store.Game, error) {
	var (
		g      store.Game
		status string
		state  []byte
	)
	dest := []any{&g.ID, &g.UserID, &g.Name, &g.PlayerCountry, &status, &g.StartYear, &g.CurrentYear,
		&g.TurnNumber, &g.TotalTokensUsed, &g.CreatedAt, &g.UpdatedAt}
	if withState {
		dest = append(dest, &state)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	g.Status = store.GameStatus(status)
	g.CreatedAt = g.CreatedAt.UTC()
	g.UpdatedAt = g.UpdatedAt.UTC()
	if withState {
		var st world.State
		if err := json.Unmarshal(state, &st); err != nil {
			return nil, fmt.Errorf("game %s: decode state: %w", g.ID, err)
		}
		g.State = &st
	}
	return &g, nil
}

func (s *Store) CreateGame(ctx context.Context, g *store.Game) error {
	state, err := json.Marshal(g.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
		INSERT INTO games (id, user_id, name, player_country, status, start_year, current_year,
			turn_number, total_tokens_used, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`, g.ID, g.UserID, g.Name, g.PlayerCountry, string(g.Status), g.StartYear, g.CurrentYear,
		g.TurnNumber, g.TotalTokensUsed, string(state), g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("game %s: %w", g.ID, store.ErrDuplicate)
	}
	w := &pgTx{tx: tx, gameID: g.ID}
	if err := w.InsertSnapshot(ctx, &store.Snapshot{
		GameID: g.ID, TurnNumber: g.TurnNumber, Year: g.CurrentYear, State: g.State, CreatedAt: g.CreatedAt,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) GetGame(ctx context.Context, id string) (*store.Game, error) {
	g, err := scanGame(s.db.QueryRow(ctx, `SELECT `+gameColumns+`, state FROM games WHERE id = $1`, id), true)
	if err != nil {
		return nil, notFound(err, "game "+id)
	}
	return g, nil
}

func (s *Store) ListGames(ctx context.Context, userID string) ([]store.Game, error) {
	rows, err := s.db.Query(ctx, `SELECT `+gameColumns+` FROM games
		WHERE user_id = $1 ORDER BY updated_at DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []store.Game{}
	for rows.Next() {
		g, err := scanGame(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func (s *Store) ListTurns(ctx context.Context, gameID string, limit int) ([]store.Turn, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, game_id, turn_number, year, player_action, world_narrative, year_summary, created_at
		FROM turns WHERE game_id = $1
		ORDER BY turn_number DESC LIMIT $2
	`, gameID, limit)
	if err != nil {
		return nil, err
	}
	out := []store.Turn{}
	for rows.Next() {
		var t store.Turn
		if err := rows.Scan(&t.ID, &t.GameID, &t.TurnNumber, &t.Year, &t.PlayerAction,
			&t.WorldNarrative, &t.YearSummary, &t.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		evs, err := loadEvents(ctx, s.db, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Events = evs
	}
	return out, nil
}

func (s *Store) LatestSnapshot(ctx context.Context, gameID string) (*store.Snapshot, error) {
	var (
		snap  store.Snapshot
		state []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT game_id, turn_number, year, state, created_at FROM snapshots
		WHERE game_id = $1 ORDER BY turn_number DESC LIMIT 1
	`, gameID).Scan(&snap.GameID, &snap.TurnNumber, &snap.Year, &state, &snap.CreatedAt)
	if err != nil {
		return nil, notFound(err, "snapshot for "+gameID)
	}
	var st world.State
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("snapshot %s@%d: %w", gameID, snap.TurnNumber, err)
	}
	snap.State = &st
	snap.CreatedAt = snap.CreatedAt.UTC()
	return &snap, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*store.User, error) {
	var u store.User
	err := s.db.QueryRow(ctx, `SELECT id, daily_calls, last_call_date FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.DailyCalls, &u.LastCallDate)
	if err != nil {
		return nil, notFound(err, "user "+id)
	}
	return &u, nil
}

func (s *Store) GetIdempotency(ctx context.Context, gameID, key string) (*store.Idempotency, error) {
	return getIdempotency(ctx, s.db, gameID, key, false)
}

func (s *Store) WithGame(ctx context.Context, gameID string, fn func(tx store.Tx, g *store.Game) error) error {
	retryDelay := firstRetryDelay
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		err = func() error {
			defer tx.Rollback(ctx)

			g, err := scanGame(tx.QueryRow(ctx, `SELECT `+gameColumns+`, state FROM games
				WHERE id = $1 FOR UPDATE`, gameID), true)
			if err != nil {
				return notFound(err, "game "+gameID)
			}
			if err := fn(&pgTx{tx: tx, gameID: gameID}, g); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err == nil {
			return nil
		}
		if !isSerializationError(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			return ErrTxConflict
		}
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < maxRetryDelay {
			retryDelay *= 2
		}
	}
	return ErrTxConflict
}

func (s *Store) MarkFailed(ctx context.Context, gameID, key string) (bool, error) {
	cmd, err := s.db.Exec(ctx, `
		UPDATE idempotency_keys SET status = $1
		WHERE game_id = $2 AND idem_key = $3 AND status = $4
	`, string(store.KeyFailed), gameID, key, string(store.KeyInProgress))
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (s *Store) RefundCall(ctx context.Context, userID string) error {
	_, err := s.db.Exec(ctx, `UPDATE users SET daily_calls = daily_calls - 1
		WHERE id = $1 AND daily_calls > 0`, userID)
	return err
}

func (s *Store) RecordModelRun(ctx context.Context, run *store.ModelRun) error {
	return insertModelRun(ctx, s.db, run)
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return err
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
