// Package store defines the durable records of a game and the locking
// contract the turn pipeline relies on. Implementations live in sqlstore
// (embedded) and pgstore (row locks on PostgreSQL).
package store

import (
	"context"
	"errors"
	"time"

	"faxhistoria.ai/internal/sim/events"
	"faxhistoria.ai/internal/sim/world"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate")
)

type GameStatus string

const (
	GameActive   GameStatus = "ACTIVE"
	GameArchived GameStatus = "ARCHIVED"
)

type KeyStatus string

const (
	KeyInProgress KeyStatus = "IN_PROGRESS"
	KeyCompleted  KeyStatus = "COMPLETED"
	KeyFailed     KeyStatus = "FAILED"
)

type Game struct {
	ID              string
	UserID          string
	Name            string
	PlayerCountry   string
	Status          GameStatus
	StartYear       int
	CurrentYear     int
	TurnNumber      int
	TotalTokensUsed int64
	State           *world.State
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type User struct {
	ID           string
	DailyCalls   int
	LastCallDate string // YYYY-MM-DD (UTC); empty if the user never called
}

// Idempotency is the lease record for one (game, key) submission.
// Result holds the encoded TurnResult once Status is COMPLETED.
type Idempotency struct {
	GameID         string
	Key            string
	Status         KeyStatus
	LeaseExpiresAt time.Time
	TurnID         string
	Result         []byte
	CreatedAt      time.Time
}

type Turn struct {
	ID             string
	GameID         string
	TurnNumber     int
	Year           int
	PlayerAction   string
	WorldNarrative string
	YearSummary    string
	Events         events.List
	CreatedAt      time.Time
}

type ModelRun struct {
	GameID       string
	TurnID       string // empty for failed runs
	Model        string
	PromptTokens int64
	OutputTokens int64
	LatencyMs    int64
	Attempts     int
	Success      bool
	ErrorMessage string
	CreatedAt    time.Time
}

type Snapshot struct {
	GameID     string
	TurnNumber int
	Year       int
	State      *world.State
	CreatedAt  time.Time
}

// Store is the durable home of games, turns and idempotency records.
//
// WithGame runs fn inside one short transaction that holds the game row
// lock. fn's error aborts the transaction; nothing fn wrote is kept.
// Implementations may call fn more than once when the database reports a
// serialization failure, so fn must derive its writes from tx reads only.
type Store interface {
	CreateGame(ctx context.Context, g *Game) error
	GetGame(ctx context.Context, id string) (*Game, error)
	ListGames(ctx context.Context, userID string) ([]Game, error)
	// ListTurns returns the most recent limit turns, newest first.
	ListTurns(ctx context.Context, gameID string, limit int) ([]Turn, error)
	LatestSnapshot(ctx context.Context, gameID string) (*Snapshot, error)
	GetUser(ctx context.Context, id string) (*User, error)
	GetIdempotency(ctx context.Context, gameID, key string) (*Idempotency, error)

	WithGame(ctx context.Context, gameID string, fn func(tx Tx, g *Game) error) error

	// MarkFailed moves an IN_PROGRESS record to FAILED. It reports whether
	// the record was still IN_PROGRESS.
	MarkFailed(ctx context.Context, gameID, key string) (bool, error)
	// RefundCall gives back one daily call, never going below zero.
	RefundCall(ctx context.Context, userID string) error
	RecordModelRun(ctx context.Context, run *ModelRun) error

	Close() error
}

// Tx is the view of the store inside a WithGame transaction.
type Tx interface {
	GetIdempotency(ctx context.Context, key string) (*Idempotency, error)
	InsertIdempotency(ctx context.Context, rec *Idempotency) error
	// SetKeyStatus performs a conditional from -> to transition and reports
	// whether a row matched. turnID and result are stored when non-empty.
	SetKeyStatus(ctx context.Context, key string, from, to KeyStatus, turnID string, result []byte) (bool, error)

	// LockUser returns the user row under lock, creating it when missing.
	LockUser(ctx context.Context, userID string) (*User, error)
	SaveUser(ctx context.Context, u *User) error

	InsertTurn(ctx context.Context, t *Turn) error
	InsertModelRun(ctx context.Context, run *ModelRun) error
	InsertSnapshot(ctx context.Context, s *Snapshot) error
	UpdateGame(ctx context.Context, g *Game) error
}
