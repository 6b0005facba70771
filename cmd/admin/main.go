package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"faxhistoria.ai/internal/config"
	"faxhistoria.ai/internal/persistence/pgstore"
	"faxhistoria.ai/internal/persistence/snapshot"
	"faxhistoria.ai/internal/persistence/sqlstore"
	"faxhistoria.ai/internal/persistence/store"
)

var errUsage = errors.New("usage")

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "games":
		err = withStore(os.Args[2:], gamesCmd)
	case "turns":
		err = withStore(os.Args[2:], turnsCmd)
	case "key":
		err = withStore(os.Args[2:], keyCmd)
	case "release":
		err = withStore(os.Args[2:], releaseCmd)
	case "snapshot":
		err = snapshotCmd(os.Stdout, os.Args[2:])
	case "metrics":
		err = metricsCmd(os.Stdout, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if errors.Is(err, errUsage) {
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "admin:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: admin games|turns|key|release|snapshot|metrics [flags]")
}

type storeCmd func(ctx context.Context, st store.Store, out io.Writer, args []string) error

// withStore strips -config from args, opens the configured store and runs
// fn against it.
func withStore(args []string, fn storeCmd) error {
	configPath := "./configs/server.yaml"
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-config" || a == "--config":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "missing value for -config")
				return errUsage
			}
			configPath = args[i+1]
			i++
		case strings.HasPrefix(a, "-config=") || strings.HasPrefix(a, "--config="):
			configPath = a[strings.Index(a, "=")+1:]
		default:
			rest = append(rest, a)
		}
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configPath = ""
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var st store.Store
	switch cfg.Store.Driver {
	case "postgres":
		st, err = pgstore.Open(ctx, cfg.Store.PostgresDSN)
	default:
		if _, statErr := os.Stat(cfg.Store.SQLitePath); statErr != nil {
			return fmt.Errorf("sqlite store %s: %w", cfg.Store.SQLitePath, statErr)
		}
		st, err = sqlstore.Open(cfg.Store.SQLitePath)
	}
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st, os.Stdout, rest)
}

type gameRow struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	PlayerCountry string           `json:"player_country"`
	Status        store.GameStatus `json:"status"`
	TurnNumber    int              `json:"turn_number"`
	CurrentYear   int              `json:"current_year"`
	TokensUsed    int64            `json:"total_tokens_used"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func gamesCmd(ctx context.Context, st store.Store, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("games", flag.ContinueOnError)
	userID := fs.String("user", "", "owner user id")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if strings.TrimSpace(*userID) == "" {
		fmt.Fprintln(os.Stderr, "missing -user")
		return errUsage
	}
	games, err := st.ListGames(ctx, *userID)
	if err != nil {
		return err
	}
	for _, g := range games {
		printJSON(out, gameRow{
			ID:            g.ID,
			Name:          g.Name,
			PlayerCountry: g.PlayerCountry,
			Status:        g.Status,
			TurnNumber:    g.TurnNumber,
			CurrentYear:   g.CurrentYear,
			TokensUsed:    g.TotalTokensUsed,
			UpdatedAt:     g.UpdatedAt,
		})
	}
	return nil
}

type turnRow struct {
	ID          string    `json:"id"`
	TurnNumber  int       `json:"turn_number"`
	Year        int       `json:"year"`
	Action      string    `json:"player_action"`
	YearSummary string    `json:"year_summary"`
	Events      int       `json:"events"`
	CreatedAt   time.Time `json:"created_at"`
}

func turnsCmd(ctx context.Context, st store.Store, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("turns", flag.ContinueOnError)
	gameID := fs.String("game", "", "game id")
	limit := fs.Int("limit", 20, "newest turns to show")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if strings.TrimSpace(*gameID) == "" {
		fmt.Fprintln(os.Stderr, "missing -game")
		return errUsage
	}
	turns, err := st.ListTurns(ctx, *gameID, *limit)
	if err != nil {
		return err
	}
	for _, t := range turns {
		printJSON(out, turnRow{
			ID:          t.ID,
			TurnNumber:  t.TurnNumber,
			Year:        t.Year,
			Action:      t.PlayerAction,
			YearSummary: t.YearSummary,
			Events:      len(t.Events),
			CreatedAt:   t.CreatedAt,
		})
	}
	return nil
}

type keyRow struct {
	GameID         string          `json:"game_id"`
	Key            string          `json:"key"`
	Status         store.KeyStatus `json:"status"`
	LeaseExpiresAt time.Time       `json:"lease_expires_at"`
	LeaseExpired   bool            `json:"lease_expired"`
	TurnID         string          `json:"turn_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func keyCmd(ctx context.Context, st store.Store, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("key", flag.ContinueOnError)
	gameID := fs.String("game", "", "game id")
	key := fs.String("key", "", "idempotency key")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	rec, err := getKey(ctx, st, *gameID, *key)
	if err != nil {
		return err
	}
	printJSON(out, keyRow{
		GameID:         rec.GameID,
		Key:            rec.Key,
		Status:         rec.Status,
		LeaseExpiresAt: rec.LeaseExpiresAt,
		LeaseExpired:   rec.Status == store.KeyInProgress && time.Now().After(rec.LeaseExpiresAt),
		TurnID:         rec.TurnID,
		CreatedAt:      rec.CreatedAt,
	})
	return nil
}

// releaseCmd fails an IN_PROGRESS key whose lease ran out, so the client can
// retry under a fresh key. A live lease is left alone unless -force is set.
func releaseCmd(ctx context.Context, st store.Store, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("release", flag.ContinueOnError)
	force := fs.Bool("force", false, "release even if the lease is still live")
	gameID := fs.String("game", "", "game id")
	key := fs.String("key", "", "idempotency key")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	rec, err := getKey(ctx, st, *gameID, *key)
	if err != nil {
		return err
	}
	if rec.Status != store.KeyInProgress {
		return fmt.Errorf("key %s is %s, not %s", rec.Key, rec.Status, store.KeyInProgress)
	}
	if !*force && time.Now().Before(rec.LeaseExpiresAt) {
		return fmt.Errorf("lease on %s is live until %s (use -force)", rec.Key, rec.LeaseExpiresAt.Format(time.RFC3339))
	}
	ok, err := st.MarkFailed(ctx, rec.GameID, rec.Key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("key %s changed state while releasing", rec.Key)
	}
	fmt.Fprintf(out, "released game=%s key=%s\n", rec.GameID, rec.Key)
	return nil
}

func getKey(ctx context.Context, st store.Store, gameID, key string) (*store.Idempotency, error) {
	if strings.TrimSpace(gameID) == "" || strings.TrimSpace(key) == "" {
		fmt.Fprintln(os.Stderr, "missing -game or -key")
		return nil, errUsage
	}
	rec, err := st.GetIdempotency(ctx, gameID, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no key %q on game %s", key, gameID)
	}
	return rec, err
}

type snapshotRow struct {
	Path        string `json:"path"`
	Version     int    `json:"version"`
	GameID      string `json:"game_id"`
	TurnNumber  int    `json:"turn_number"`
	Year        int    `json:"year"`
	Digest      string `json:"digest"`
	Countries   int    `json:"countries"`
	Territories int    `json:"territories"`
	ActiveWars  int    `json:"active_wars"`
}

// snapshotCmd prints the header of a snapshot file, or of the newest one in
// a game's snapshot directory when -game is given.
func snapshotCmd(out io.Writer, args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	path := fs.String("path", "", "snapshot file (.snap.zst)")
	dataDir := fs.String("data", "./data", "runtime data directory")
	gameID := fs.String("game", "", "game id; picks its newest snapshot under -data")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	p := *path
	if p == "" {
		if *gameID == "" {
			fmt.Fprintln(os.Stderr, "missing -path or -game")
			return errUsage
		}
		p = latestSnapshot(filepath.Join(*dataDir, "snapshots", *gameID))
		if p == "" {
			return fmt.Errorf("no snapshots for game %s", *gameID)
		}
	}
	snap, err := snapshot.ReadSnapshot(p)
	if err != nil {
		return err
	}
	h := snap.Header
	printJSON(out, snapshotRow{
		Path:        p,
		Version:     h.Version,
		GameID:      h.GameID,
		TurnNumber:  h.TurnNumber,
		Year:        h.Year,
		Digest:      h.Digest,
		Countries:   len(snap.State.Countries),
		Territories: len(snap.State.Territories),
		ActiveWars:  len(snap.State.ActiveWars),
	})
	return nil
}

// latestSnapshot picks the highest turn by name; snapshot file names are
// zero-padded turn numbers.
func latestSnapshot(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	best := ""
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap.zst") {
			continue
		}
		if e.Name() > best {
			best = e.Name()
		}
	}
	if best == "" {
		return ""
	}
	return filepath.Join(dir, best)
}

func metricsCmd(out io.Writer, args []string) error {
	fs := flag.NewFlagSet("metrics", flag.ContinueOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/metrics"
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s: %s", u, resp.Status)
	}
	return nil
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
