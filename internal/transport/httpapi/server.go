// Package httpapi serves the game and turn endpoints over plain HTTP, with
// an SSE variant of turn submission that streams progress frames.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"faxhistoria.ai/internal/progress"
	"faxhistoria.ai/internal/protocol"
	"faxhistoria.ai/internal/turn"
)

const (
	IdempotencyHeader = "X-Idempotency-Key"
	maxBodyBytes      = 64 << 10
)

// Games is the read and create side; *game.Service implements it.
type Games interface {
	Countries() []string
	Create(ctx context.Context, userID string, req protocol.CreateGameRequest) (protocol.GameSummary, error)
	List(ctx context.Context, userID string) ([]protocol.GameSummary, error)
	Get(ctx context.Context, userID, gameID string) (protocol.GameDetail, error)
}

// Turns submits turns; *turn.Coordinator implements it.
type Turns interface {
	Submit(ctx context.Context, req turn.Request, sink progress.Sink) (protocol.TurnResult, error)
}

type Options struct {
	Auth Authenticator
	// RequestTimeout bounds a submitted turn. The turn runs detached from
	// the request, so a client that goes away does not cancel it.
	RequestTimeout time.Duration
	StreamBuffer   int
	Logger         *log.Logger
}

type Server struct {
	games Games
	turns Turns
	opts  Options

	// Detached turns still running; Wait drains them on shutdown.
	running sync.WaitGroup
}

func NewServer(games Games, turns Turns, opts Options) *Server {
	if opts.Auth == nil {
		opts.Auth = HeaderAuth{}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return &Server{games: games, turns: turns, opts: opts}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/countries", s.handleCountries)
	mux.HandleFunc("POST /api/games", s.handleCreateGame)
	mux.HandleFunc("GET /api/games", s.handleListGames)
	mux.HandleFunc("GET /api/games/{id}", s.handleGetGame)
	mux.HandleFunc("POST /api/games/{id}/turn", s.handleSubmitTurn)
	mux.HandleFunc("POST /api/games/{id}/turn/stream", s.handleStreamTurn)
}

// Wait blocks until every detached turn has finished or ctx ends.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleCountries(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{"countries": s.games.Countries()})
}

func (s *Server) handleCreateGame(rw http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(rw, r)
	if !ok {
		return
	}
	var req protocol.CreateGameRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(rw, err)
		return
	}
	sum, err := s.games.Create(r.Context(), userID, req)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusCreated, sum)
}

func (s *Server) handleListGames(rw http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(rw, r)
	if !ok {
		return
	}
	games, err := s.games.List(r.Context(), userID)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, games)
}

func (s *Server) handleGetGame(rw http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(rw, r)
	if !ok {
		return
	}
	d, err := s.games.Get(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, d)
}

func (s *Server) handleSubmitTurn(rw http.ResponseWriter, r *http.Request) {
	req, ok := s.turnRequest(rw, r)
	if !ok {
		return
	}
	type outcome struct {
		res protocol.TurnResult
		err error
	}
	done := make(chan outcome, 1)
	s.detach(func(ctx context.Context) {
		res, err := s.turns.Submit(ctx, req, nil)
		done <- outcome{res, err}
	})
	select {
	case o := <-done:
		if o.err != nil {
			s.writeError(rw, o.err)
			return
		}
		writeJSON(rw, http.StatusOK, o.res)
	case <-r.Context().Done():
		s.opts.Logger.Printf("client left game=%s key=%s; turn continues", req.GameID, req.IdempotencyKey)
	}
}

func (s *Server) handleStreamTurn(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		writeError(rw, fmt.Errorf("streaming unsupported"))
		return
	}
	req, ok := s.turnRequest(rw, r)
	if !ok {
		return
	}

	stream := progress.NewStream(s.opts.StreamBuffer)
	s.detach(func(ctx context.Context) {
		_, _ = s.turns.Submit(ctx, req, stream)
	})

	h := rw.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		f, ok := stream.Next(r.Context())
		if !ok {
			s.opts.Logger.Printf("stream client left game=%s key=%s; turn continues", req.GameID, req.IdempotencyKey)
			return
		}
		if err := writeEvent(rw, f.Event, f.Payload()); err != nil {
			return
		}
		flusher.Flush()
		if f.Terminal() {
			if n := stream.Dropped(); n > 0 {
				s.opts.Logger.Printf("stream game=%s key=%s dropped %d progress frames", req.GameID, req.IdempotencyKey, n)
			}
			return
		}
	}
}

// turnRequest authenticates and decodes a submission. Checks the
// coordinator repeats (lengths, ranges) are left to it.
func (s *Server) turnRequest(rw http.ResponseWriter, r *http.Request) (turn.Request, bool) {
	userID, ok := s.user(rw, r)
	if !ok {
		return turn.Request{}, false
	}
	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if key == "" {
		writeError(rw, turn.ValidationError("X-Idempotency-Key header is required"))
		return turn.Request{}, false
	}
	var body protocol.SubmitTurnRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(rw, err)
		return turn.Request{}, false
	}
	if body.ExpectedTurnNumber == nil {
		writeError(rw, turn.ValidationError("expectedTurnNumber: required"))
		return turn.Request{}, false
	}
	return turn.Request{
		GameID:             r.PathValue("id"),
		UserID:             userID,
		Action:             body.Action,
		ExpectedTurnNumber: *body.ExpectedTurnNumber,
		IdempotencyKey:     key,
	}, true
}

// detach runs fn on its own goroutine with a context that outlives the
// request but not the configured timeout.
func (s *Server) detach(fn func(ctx context.Context)) {
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (s *Server) user(rw http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := s.opts.Auth.UserID(r)
	if err != nil {
		writeJSON(rw, http.StatusUnauthorized, protocol.ErrorResponse{
			Error:      protocol.ErrorLabel(http.StatusUnauthorized),
			Code:       protocol.ErrUnauthorized,
			Message:    err.Error(),
			StatusCode: http.StatusUnauthorized,
		})
		return "", false
	}
	return id, true
}

func (s *Server) writeError(rw http.ResponseWriter, err error) {
	te := turn.AsError(err)
	if te.Kind == turn.KindInternal {
		s.opts.Logger.Printf("request failed: %v", err)
	}
	writeError(rw, te)
}

func writeError(rw http.ResponseWriter, err error) {
	te := turn.AsError(err)
	writeJSON(rw, te.Status, te.Body())
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return turn.ValidationError("Request body is required")
		}
		return turn.ValidationError("Invalid JSON body")
	}
	return nil
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeEvent(w io.Writer, event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	return err
}
