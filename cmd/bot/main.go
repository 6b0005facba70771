package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"faxhistoria.ai/internal/protocol"
)

var actions = []string{
	"Propose a regional trade pact to every neighbour.",
	"Invest in rail links and open the ports to foreign shipping.",
	"Hold early elections and promise a balanced budget.",
	"Offer mediation between the two largest rivals.",
	"Expand the navy and reassure allies with joint exercises.",
}

func main() {
	var (
		base    = flag.String("http", "http://localhost:8080", "server base url")
		wsURL   = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		user    = flag.String("user", "bot", "user id sent as X-User-ID")
		gameID  = flag.String("game", "", "game id (empty creates a new game)")
		country = flag.String("country", "Aurelia", "player country for a new game")
		turns   = flag.Int("turns", 3, "turns to play")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	expected := 0
	if *gameID == "" {
		sum, err := createGame(*base, *user, *country)
		if err != nil {
			logger.Fatalf("create game: %v", err)
		}
		*gameID = sum.ID
		logger.Printf("created game %s (%s, %d)", sum.ID, sum.PlayerCountry, sum.StartYear)
	} else {
		d, err := getGame(*base, *user, *gameID)
		if err != nil {
			logger.Fatalf("get game: %v", err)
		}
		expected = d.TurnNumber
	}

	h := http.Header{}
	h.Set("X-User-ID", *user)
	conn, _, err := websocket.DefaultDialer.Dial(*wsURL, h)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	for played := 0; played < *turns; {
		select {
		case <-stop:
			return
		default:
		}

		key := uuid.NewString()
		sub := protocol.SubmitTurnMsg{
			Type:               protocol.TypeSubmitTurn,
			ProtocolVersion:    protocol.Version,
			GameID:             *gameID,
			Action:             actions[expected%len(actions)],
			ExpectedTurnNumber: &expected,
			IdempotencyKey:     key,
		}
		if err := conn.WriteJSON(sub); err != nil {
			logger.Fatalf("send SUBMIT_TURN: %v", err)
		}
		next, ok := await(conn, logger, key)
		if !ok {
			return
		}
		if next < 0 {
			continue
		}
		expected = next
		played++
	}
}

// await reads messages for key until its terminal one. It returns the turn
// number to submit next, -1 to retry with a fresh key, and ok=false when the
// bot should stop.
func await(conn *websocket.Conn, logger *log.Logger, key string) (int, bool) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Printf("read: %v", err)
			return 0, false
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeProgress:
			var p protocol.ProgressMsg
			if json.Unmarshal(msg, &p) != nil || p.IdempotencyKey != key {
				continue
			}
			f := p.Frame
			switch {
			case f.LiveDraftEvent != nil:
				logger.Printf("%3d%% draft #%d %s: %s", f.Progress, f.LiveDraftEvent.Index, f.LiveDraftEvent.Type, f.LiveDraftEvent.Description)
			case f.LiveEvent != nil:
				logger.Printf("%3d%% event %d/%d %s: %s", f.Progress, f.LiveEvent.Sequence, f.LiveEvent.Total, f.LiveEvent.Type, f.LiveEvent.Description)
			default:
				logger.Printf("%3d%% %s %s", f.Progress, f.Stage, f.Message)
			}

		case protocol.TypeComplete:
			var c protocol.CompleteMsg
			if json.Unmarshal(msg, &c) != nil || c.IdempotencyKey != key {
				continue
			}
			r := c.Frame.Result
			logger.Printf("turn %d (%d): %s", r.TurnNumber, r.Year, r.YearSummary)
			return r.TurnNumber, true

		case protocol.TypeError:
			var e protocol.ErrorMsg
			if json.Unmarshal(msg, &e) != nil || (e.IdempotencyKey != "" && e.IdempotencyKey != key) {
				continue
			}
			f := e.Frame
			logger.Printf("error %s (%d): %s", f.Code, f.StatusCode, f.Message)
			if f.CurrentTurnNumber != nil {
				logger.Printf("resyncing to turn %d", *f.CurrentTurnNumber)
				return *f.CurrentTurnNumber, true
			}
			if f.Code == protocol.ErrInternal {
				return -1, true
			}
			return 0, false
		}
	}
}

func createGame(base, user, country string) (protocol.GameSummary, error) {
	var sum protocol.GameSummary
	body, _ := json.Marshal(protocol.CreateGameRequest{Name: "bot game", PlayerCountry: country})
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(base, "/")+"/api/games", bytes.NewReader(body))
	if err != nil {
		return sum, err
	}
	req.Header.Set("Content-Type", "application/json")
	err = do(req, user, &sum)
	return sum, err
}

func getGame(base, user, id string) (protocol.GameDetail, error) {
	var d protocol.GameDetail
	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(base, "/")+"/api/games/"+id, nil)
	if err != nil {
		return d, err
	}
	err = do(req, user, &d)
	return d, err
}

func do(req *http.Request, user string, v any) error {
	req.Header.Set("X-User-ID", user)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var e protocol.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s: %d %s", req.URL.Path, resp.StatusCode, e.Message)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
