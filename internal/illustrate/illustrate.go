// Package illustrate asks an external image endpoint for one picture per
// event. Every failure degrades to "no image": a turn never waits on or fails
// because of illustrations beyond the per-request timeout.
package illustrate

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"faxhistoria.ai/internal/sim/events"
)

const (
	DefaultSize            = "384x384"
	DefaultTimeout         = 15 * time.Second
	DefaultMaxPromptLength = 700
	DefaultPathPrefix      = "/generated"
	DefaultSeedSalt        = "faxhistoria-event-image-v1"

	maxSeed = 2147483647
)

type Config struct {
	Endpoint          string
	APIKey            string
	Model             string
	Size              string
	Timeout           time.Duration
	PublicBaseURL     string
	PublicPathPrefix  string
	MaxPromptLength   int
	DeterministicSeed bool
	SeedSalt          string
}

// Context describes the turn the events belong to.
type Context struct {
	GameID       string
	TurnNumber   int
	Year         int
	PlayerAction string
}

// Progress is reported once per event, in order.
type Progress struct {
	Sequence int
	Total    int
	Seed     int64
	ImageURL string
}

type Client struct {
	cfg    Config
	origin string
	http   *http.Client
	logger *log.Logger
}

// New returns nil when cfg has no usable endpoint; a nil *Client enriches
// nothing.
func New(cfg Config, logger *log.Logger) *Client {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Endpoint == "" {
		return nil
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		if logger != nil {
			logger.Printf("invalid image endpoint %q, illustrations disabled", cfg.Endpoint)
		}
		return nil
	}
	if cfg.Size == "" {
		cfg.Size = DefaultSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxPromptLength <= 0 {
		cfg.MaxPromptLength = DefaultMaxPromptLength
	}
	if cfg.SeedSalt == "" {
		cfg.SeedSalt = DefaultSeedSalt
	}
	cfg.PublicBaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.PublicBaseURL), "/")
	cfg.PublicPathPrefix = strings.TrimSpace(cfg.PublicPathPrefix)
	if cfg.PublicPathPrefix == "" {
		cfg.PublicPathPrefix = DefaultPathPrefix
	} else if !strings.HasPrefix(cfg.PublicPathPrefix, "/") {
		cfg.PublicPathPrefix = "/" + cfg.PublicPathPrefix
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		cfg:    cfg,
		origin: u.Scheme + "://" + u.Host,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Enrich returns copies of evs carrying image prompt, seed and (when the
// endpoint answered) image URL. evs itself is not modified.
func (c *Client) Enrich(ctx context.Context, evs []events.Event, tc Context, onProgress func(Progress)) []events.Event {
	if c == nil || len(evs) == 0 {
		return evs
	}
	out := make([]events.Event, 0, len(evs))
	for i, e := range evs {
		seq := i + 1
		e = events.Clone(e)
		b := e.Common()
		b.ImagePrompt = Prompt(e, tc, c.cfg.MaxPromptLength)
		seed := c.seedFor(e, seq, tc)
		b.ImageSeed = &seed
		if u, err := c.generate(ctx, b.ImagePrompt, seed); err != nil {
			c.logger.Printf("image for %s event %d/%d: %v", e.Kind(), seq, len(evs), err)
		} else {
			b.ImageURL = u
		}
		out = append(out, e)
		if onProgress != nil {
			onProgress(Progress{Sequence: seq, Total: len(evs), Seed: seed, ImageURL: b.ImageURL})
		}
	}
	return out
}

func (c *Client) seedFor(e events.Event, seq int, tc Context) int64 {
	if !c.cfg.DeterministicSeed {
		return rand.Int64N(maxSeed)
	}
	return Seed(c.cfg.SeedSalt, e, seq, tc)
}

// Seed is a stable seed in [0, 2^31-1) derived from the event and its turn.
func Seed(salt string, e events.Event, seq int, tc Context) int64 {
	b := e.Common()
	gameID := tc.GameID
	if gameID == "" {
		gameID = "game"
	}
	basis := strings.Join([]string{
		salt,
		gameID,
		strconv.Itoa(tc.TurnNumber),
		strconv.Itoa(tc.Year),
		strconv.Itoa(seq),
		string(e.Kind()),
		b.Description,
		strings.Join(b.InvolvedCountries, "|"),
		tc.PlayerAction,
	}, "||")
	sum := sha256.Sum256([]byte(basis))
	return int64(binary.BigEndian.Uint32(sum[:4]) % maxSeed)
}

// Prompt renders the illustration prompt, truncated to maxLen bytes with a
// trailing "...".
func Prompt(e events.Event, tc Context, maxLen int) string {
	b := e.Common()
	countries := "No specific country focus."
	if len(b.InvolvedCountries) > 0 {
		countries = "Countries involved: " + strings.Join(b.InvolvedCountries, ", ") + "."
	}
	p := strings.Join([]string{
		fmt.Sprintf("Year %d.", tc.Year),
		"Geopolitical simulation event illustration.",
		fmt.Sprintf("Event type: %s.", e.Kind()),
		fmt.Sprintf("Event description: %s.", collapseSpace(b.Description)),
		countries,
		fmt.Sprintf("Player strategic action context: %s.", collapseSpace(tc.PlayerAction)),
		"Cinematic realism, documentary style, dramatic lighting, no text, no watermark, no logo.",
	}, " ")
	if maxLen <= 3 || len(p) <= maxLen {
		return p
	}
	return p[:maxLen-3] + "..."
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

type request struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size"`
	Seed   int64  `json:"seed"`
	Model  string `json:"model,omitempty"`
}

type response struct {
	ImageURL *string `json:"image_url"`
	Data     []struct {
		URL *string `json:"url"`
	} `json:"data"`
}

func (c *Client) generate(ctx context.Context, prompt string, seed int64) (string, error) {
	body, err := json.Marshal(request{Prompt: prompt, Size: c.cfg.Size, Seed: seed, Model: c.cfg.Model})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	var payload response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	raw := ""
	switch {
	case payload.ImageURL != nil:
		raw = *payload.ImageURL
	case len(payload.Data) > 0 && payload.Data[0].URL != nil:
		raw = *payload.Data[0].URL
	default:
		return "", fmt.Errorf("response has no image url")
	}
	u := c.normalize(raw)
	if u == "" {
		return "", fmt.Errorf("cannot normalize image url %q", raw)
	}
	return u, nil
}

// normalize makes raw absolute. Local file paths from a self-hosted
// generator are mapped onto the public prefix, which needs PublicBaseURL.
func (c *Client) normalize(raw string) string {
	v := strings.TrimSpace(raw)
	if v == "" {
		return ""
	}
	if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
		return v
	}
	if strings.HasPrefix(v, "/home/") || strings.HasPrefix(v, "/Users/") {
		if c.cfg.PublicBaseURL == "" {
			return ""
		}
		return resolve(c.cfg.PublicBaseURL, c.cfg.PublicPathPrefix+"/"+path.Base(v))
	}
	base := c.cfg.PublicBaseURL
	if base == "" {
		base = c.origin
	}
	return resolve(base, v)
}

func resolve(base, ref string) string {
	b, err := url.Parse(base + "/")
	if err != nil {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return b.ResolveReference(r).String()
}
