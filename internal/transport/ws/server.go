package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"faxhistoria.ai/internal/progress"
	"faxhistoria.ai/internal/protocol"
	"faxhistoria.ai/internal/transport/httpapi"
	"faxhistoria.ai/internal/turn"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	outQueue   = 64
)

// Turns submits turns; *turn.Coordinator implements it.
type Turns interface {
	Submit(ctx context.Context, req turn.Request, sink progress.Sink) (protocol.TurnResult, error)
}

type Options struct {
	Auth           httpapi.Authenticator
	RequestTimeout time.Duration
	StreamBuffer   int
	Logger         *log.Logger
}

type Server struct {
	turns Turns
	opts  Options

	upgrader websocket.Upgrader
	running  sync.WaitGroup
}

func NewServer(turns Turns, opts Options) *Server {
	if opts.Auth == nil {
		opts.Auth = httpapi.HeaderAuth{}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		turns: turns,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Wait blocks until every turn started over a websocket has finished or
// ctx ends.
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

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		userID, err := s.opts.Auth.UserID(r)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusUnauthorized)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		out := make(chan []byte, outQueue)

		// Writer goroutine.
		go func() {
			ping := time.NewTicker(pingPeriod)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
						cancel()
						return
					}
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		// Reader loop.
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeSubmitTurn {
				continue
			}
			var sub protocol.SubmitTurnMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				s.reject(ctx, out, sub, turn.ValidationError("Invalid SUBMIT_TURN message"))
				continue
			}
			if sub.ProtocolVersion != protocol.Version {
				s.reject(ctx, out, sub, turn.ValidationError("bad protocol_version"))
				continue
			}
			if sub.ExpectedTurnNumber == nil {
				s.reject(ctx, out, sub, turn.ValidationError("expected_turn_number: required"))
				continue
			}
			s.start(ctx, out, turn.Request{
				GameID:             sub.GameID,
				UserID:             userID,
				Action:             sub.Action,
				ExpectedTurnNumber: *sub.ExpectedTurnNumber,
				IdempotencyKey:     strings.TrimSpace(sub.IdempotencyKey),
			})
		}
	}
}

// start runs the turn detached from the connection and forwards its frames
// until the terminal one or until the connection goes away.
func (s *Server) start(connCtx context.Context, out chan<- []byte, req turn.Request) {
	stream := progress.NewStream(s.opts.StreamBuffer)
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
		defer cancel()
		_, _ = s.turns.Submit(ctx, req, stream)
	}()
	go func() {
		for {
			f, ok := stream.Next(connCtx)
			if !ok {
				s.opts.Logger.Printf("ws client left game=%s key=%s; turn continues", req.GameID, req.IdempotencyKey)
				return
			}
			if !send(connCtx, out, message(req, f)) || f.Terminal() {
				return
			}
		}
	}()
}

func (s *Server) reject(ctx context.Context, out chan<- []byte, sub protocol.SubmitTurnMsg, te *turn.Error) {
	send(ctx, out, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		GameID:          sub.GameID,
		IdempotencyKey:  sub.IdempotencyKey,
		Frame: protocol.ErrorFrame{
			Stage:      protocol.StageFailed,
			Message:    te.Message,
			Code:       te.Code,
			StatusCode: te.Status,
		},
	})
}

func message(req turn.Request, f progress.Frame) any {
	switch {
	case f.Complete != nil:
		return protocol.CompleteMsg{Type: protocol.TypeComplete, ProtocolVersion: protocol.Version, GameID: req.GameID, IdempotencyKey: req.IdempotencyKey, Frame: *f.Complete}
	case f.Error != nil:
		return protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version, GameID: req.GameID, IdempotencyKey: req.IdempotencyKey, Frame: *f.Error}
	default:
		return protocol.ProgressMsg{Type: protocol.TypeProgress, ProtocolVersion: protocol.Version, GameID: req.GameID, IdempotencyKey: req.IdempotencyKey, Frame: *f.Progress}
	}
}

func send(ctx context.Context, out chan<- []byte, v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	select {
	case out <- b:
		return true
	case <-ctx.Done():
		return false
	}
}
