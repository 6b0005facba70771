// Package sqlstore is the embedded store.Store: one SQLite file, one
// connection. With a single connection every transaction runs alone, which
// gives WithGame the exclusive game lock the turn pipeline needs.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"faxhistoria.ai/internal/persistence/store"
)

type Store struct {
	db *sqlx.DB
}

var _ store.Store = (*Store)(nil)

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func initPragmas(db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS games (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			player_country TEXT NOT NULL,
			status TEXT NOT NULL,
			start_year INTEGER NOT NULL,
			current_year INTEGER NOT NULL,
			turn_number INTEGER NOT NULL,
			total_tokens_used INTEGER NOT NULL,
			state_json TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS games_user_idx ON games(user_id, updated_at);`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			daily_calls INTEGER NOT NULL,
			last_call_date TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			game_id TEXT NOT NULL,
			idem_key TEXT NOT NULL,
			status TEXT NOT NULL,
			lease_expires_at INTEGER NOT NULL,
			turn_id TEXT NOT NULL,
			result BLOB,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (game_id, idem_key)
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			game_id TEXT NOT NULL,
			turn_number INTEGER NOT NULL,
			year INTEGER NOT NULL,
			player_action TEXT NOT NULL,
			world_narrative TEXT NOT NULL,
			year_summary TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE (game_id, turn_number)
		);`,
		`CREATE TABLE IF NOT EXISTS turn_events (
			turn_id TEXT NOT NULL REFERENCES turns(id),
			sequence INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (turn_id, sequence)
		);`,
		`CREATE TABLE IF NOT EXISTS model_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			game_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			model TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			latency_ms INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			success INTEGER NOT NULL,
			error_message TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS model_runs_game_idx ON model_runs(game_id);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			game_id TEXT NOT NULL,
			turn_number INTEGER NOT NULL,
			year INTEGER NOT NULL,
			state_json TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (game_id, turn_number)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateGame(ctx context.Context, g *store.Game) error {
	row, err := toGameRow(g)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.NamedExecContext(ctx, `INSERT INTO games
		(id, user_id, name, player_country, status, start_year, current_year, turn_number, total_tokens_used, state_json, created_at, updated_at)
		VALUES (:id, :user_id, :name, :player_country, :status, :start_year, :current_year, :turn_number, :total_tokens_used, :state_json, :created_at, :updated_at)
		ON CONFLICT (id) DO NOTHING`, row)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("game %s: %w", g.ID, store.ErrDuplicate)
	}
	w := &sqlTx{tx: tx, gameID: g.ID}
	if err := w.InsertSnapshot(ctx, &store.Snapshot{
		GameID:     g.ID,
		TurnNumber: g.TurnNumber,
		Year:       g.CurrentYear,
		State:      g.State,
		CreatedAt:  g.CreatedAt,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetGame(ctx context.Context, id string) (*store.Game, error) {
	var row gameRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM games WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "game "+id)
	}
	return row.toGame(true)
}

func (s *Store) ListGames(ctx context.Context, userID string) ([]store.Game, error) {
	var rows []gameRow
	err := s.db.SelectContext(ctx, &rows, `SELECT id, user_id, name, player_country, status, start_year, current_year,
		turn_number, total_tokens_used, '' AS state_json, created_at, updated_at
		FROM games WHERE user_id = ? ORDER BY updated_at DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	out := make([]store.Game, 0, len(rows))
	for _, r := range rows {
		g, err := r.toGame(false)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, nil
}

func (s *Store) ListTurns(ctx context.Context, gameID string, limit int) ([]store.Turn, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []turnRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM turns WHERE game_id = ?
		ORDER BY turn_number DESC LIMIT ?`, gameID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]store.Turn, 0, len(rows))
	for _, r := range rows {
		var evs []eventRow
		if err := s.db.SelectContext(ctx, &evs, `SELECT * FROM turn_events WHERE turn_id = ? ORDER BY sequence`, r.ID); err != nil {
			return nil, err
		}
		t, err := r.toTurn(evs)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) LatestSnapshot(ctx context.Context, gameID string) (*store.Snapshot, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM snapshots WHERE game_id = ?
		ORDER BY turn_number DESC LIMIT 1`, gameID)
	if err != nil {
		return nil, notFound(err, "snapshot for "+gameID)
	}
	return row.toSnapshot()
}

func (s *Store) GetUser(ctx context.Context, id string) (*store.User, error) {
	var row userRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM users WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "user "+id)
	}
	return row.toUser(), nil
}

func (s *Store) GetIdempotency(ctx context.Context, gameID, key string) (*store.Idempotency, error) {
	return getIdempotency(ctx, s.db, gameID, key)
}

func (s *Store) WithGame(ctx context.Context, gameID string, fn func(tx store.Tx, g *store.Game) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var row gameRow
	if err := tx.GetContext(ctx, &row, `SELECT * FROM games WHERE id = ?`, gameID); err != nil {
		return notFound(err, "game "+gameID)
	}
	g, err := row.toGame(true)
	if err != nil {
		return err
	}
	if err := fn(&sqlTx{tx: tx, gameID: gameID}, g); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) MarkFailed(ctx context.Context, gameID, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE idempotency_keys SET status = ?
		WHERE game_id = ? AND idem_key = ? AND status = ?`,
		store.KeyFailed, gameID, key, store.KeyInProgress)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) RefundCall(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET daily_calls = daily_calls - 1
		WHERE id = ? AND daily_calls > 0`, userID)
	return err
}

func (s *Store) RecordModelRun(ctx context.Context, run *store.ModelRun) error {
	return insertModelRun(ctx, s.db, run)
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return err
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
