// Package game creates games and serves their read side: listings, details
// and turn history.
package game

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"faxhistoria.ai/internal/persistence/snapshot"
	"faxhistoria.ai/internal/persistence/store"
	"faxhistoria.ai/internal/protocol"
	"faxhistoria.ai/internal/sim/catalogs"
	"faxhistoria.ai/internal/sim/world"
	"faxhistoria.ai/internal/turn"
)

const (
	MinStartYear     = 1900
	MaxStartYear     = 2024
	DefaultStartYear = 2024
	MaxNameLength    = 100
	HistoryLimit     = 10
)

type Options struct {
	// SnapshotDir receives the turn-0 snapshot file; empty disables it.
	SnapshotDir string
	Backup      turn.FileSink
	Logger      *log.Logger
	Now         func() time.Time
	NewID       func() string
}

type Service struct {
	store   store.Store
	catalog *catalogs.Catalog
	opts    Options
}

func NewService(st store.Store, cat *catalogs.Catalog, opts Options) *Service {
	if cat == nil {
		cat = catalogs.Default()
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
	return &Service{store: st, catalog: cat, opts: opts}
}

// Countries lists the playable countries.
func (s *Service) Countries() []string { return s.catalog.Names() }

func (s *Service) Create(ctx context.Context, userID string, req protocol.CreateGameRequest) (protocol.GameSummary, error) {
	name := strings.TrimSpace(req.Name)
	switch {
	case strings.TrimSpace(userID) == "":
		return protocol.GameSummary{}, turn.ValidationError("user id is required")
	case name == "":
		return protocol.GameSummary{}, turn.ValidationError("name: must not be empty")
	case utf8.RuneCountInString(name) > MaxNameLength:
		return protocol.GameSummary{}, turn.ValidationError(fmt.Sprintf("name: must be at most %d characters", MaxNameLength))
	}
	year := req.StartYear
	if year == 0 {
		year = DefaultStartYear
	}
	if year < MinStartYear || year > MaxStartYear {
		return protocol.GameSummary{}, turn.ValidationError(fmt.Sprintf("startYear: must be between %d and %d", MinStartYear, MaxStartYear))
	}
	if !s.catalog.Has(req.PlayerCountry) {
		return protocol.GameSummary{}, turn.ValidationError(fmt.Sprintf("playerCountry: unknown country %q", req.PlayerCountry))
	}

	st, err := world.NewState(s.catalog, req.PlayerCountry, year)
	if err != nil {
		return protocol.GameSummary{}, turn.ValidationError(err.Error())
	}
	now := s.opts.Now()
	g := &store.Game{
		ID:            s.opts.NewID(),
		UserID:        userID,
		Name:          name,
		PlayerCountry: req.PlayerCountry,
		Status:        store.GameActive,
		StartYear:     year,
		CurrentYear:   year,
		State:         st,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateGame(ctx, g); err != nil {
		return protocol.GameSummary{}, fmt.Errorf("create game: %w", err)
	}
	if s.opts.SnapshotDir != "" {
		path := snapshot.Path(s.opts.SnapshotDir, g.ID, 0)
		if err := snapshot.WriteSnapshot(path, snapshot.New(g.ID, st)); err != nil {
			s.opts.Logger.Printf("snapshot game=%s turn=0: %v", g.ID, err)
		} else if s.opts.Backup != nil {
			s.opts.Backup.Enqueue(path)
		}
	}
	s.opts.Logger.Printf("game %s created for %s (%s, %d)", g.ID, userID, g.PlayerCountry, year)
	return Summary(g), nil
}

func (s *Service) List(ctx context.Context, userID string) ([]protocol.GameSummary, error) {
	games, err := s.store.ListGames(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.GameSummary, 0, len(games))
	for i := range games {
		out = append(out, Summary(&games[i]))
	}
	return out, nil
}

// Get returns the game with its current state and the last HistoryLimit
// turns, newest first. Games of other users are reported as not found.
func (s *Service) Get(ctx context.Context, userID, gameID string) (protocol.GameDetail, error) {
	g, err := s.owned(ctx, userID, gameID)
	if err != nil {
		return protocol.GameDetail{}, err
	}
	turns, err := s.store.ListTurns(ctx, gameID, HistoryLimit)
	if err != nil {
		return protocol.GameDetail{}, err
	}
	out := protocol.GameDetail{
		GameSummary:     Summary(g),
		TotalTokensUsed: g.TotalTokensUsed,
		State:           g.State,
		Turns:           make([]protocol.TurnSummary, 0, len(turns)),
	}
	for _, t := range turns {
		out.Turns = append(out.Turns, protocol.TurnSummary{
			ID:             t.ID,
			TurnNumber:     t.TurnNumber,
			Year:           t.Year,
			PlayerAction:   t.PlayerAction,
			WorldNarrative: t.WorldNarrative,
			YearSummary:    t.YearSummary,
			Events:         turn.Summaries(t.Events),
			CreatedAt:      t.CreatedAt,
		})
	}
	return out, nil
}

func (s *Service) owned(ctx context.Context, userID, gameID string) (*store.Game, error) {
	g, err := s.store.GetGame(ctx, gameID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && g.UserID != userID) {
		return nil, turn.NotFoundError("Game not found")
	}
	return g, err
}

func Summary(g *store.Game) protocol.GameSummary {
	return protocol.GameSummary{
		ID:            g.ID,
		Name:          g.Name,
		PlayerCountry: g.PlayerCountry,
		StartYear:     g.StartYear,
		CurrentYear:   g.CurrentYear,
		TurnNumber:    g.TurnNumber,
		Status:        string(g.Status),
		CreatedAt:     g.CreatedAt,
		UpdatedAt:     g.UpdatedAt,
	}
}
