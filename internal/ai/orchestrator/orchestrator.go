// Package orchestrator runs the model for one turn: it renders the prompts,
// streams the reply through the draft extractor, and retries until the reply
// is well-formed JSON that passes schema and field validation.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"faxhistoria.ai/internal/ai/draft"
	"faxhistoria.ai/internal/ai/model"
	"faxhistoria.ai/internal/ai/prompts"
	"faxhistoria.ai/internal/sim/events"
	"faxhistoria.ai/internal/sim/world"
	"faxhistoria.ai/schemas"
)

const (
	DefaultMaxRetries = 2

	schemaName = "simulation.schema.json"
)

type Hooks struct {
	// OnAttempt fires before each model call; attempt is 1-based.
	OnAttempt func(attempt, total int)
	// OnDraft fires for every draft event surfaced while streaming.
	OnDraft func(attempt int, d draft.Draft)
}

type Result struct {
	Events         []events.Event
	WorldNarrative string
	YearSummary    string
	// Usage sums every attempt, failed ones included.
	Usage     model.Usage
	LatencyMs int64
	Attempts  int
	Model     string
}

// CallError is returned when every attempt failed.
type CallError struct {
	Attempts  int
	LatencyMs int64
	Usage     model.Usage
	Err       error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("AI call failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

type Options struct {
	MaxRetries int
	Logger     *log.Logger
}

type Orchestrator struct {
	model      model.Model
	schema     *jsonschema.Schema
	maxRetries int
	logger     *log.Logger
	now        func() time.Time
}

func New(m model.Model, opts Options) (*Orchestrator, error) {
	if m == nil {
		return nil, errors.New("orchestrator: nil model")
	}
	src, err := schemas.Read(schemaName)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	sch, err := jsonschema.CompileString(schemaName, src)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: compile %s: %w", schemaName, err)
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return &Orchestrator{
		model:      m,
		schema:     sch,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
		now:        time.Now,
	}, nil
}

// NewDefault uses DefaultMaxRetries.
func NewDefault(m model.Model, logger *log.Logger) (*Orchestrator, error) {
	return New(m, Options{MaxRetries: DefaultMaxRetries, Logger: logger})
}

func (o *Orchestrator) ModelName() string { return o.model.Name() }

// Run asks the model for the events of the year following s. Events are
// schema- and field-validated but not arbitrated.
func (o *Orchestrator) Run(ctx context.Context, s *world.State, action string, h Hooks) (Result, error) {
	system, err := prompts.System()
	if err != nil {
		return Result{}, &CallError{Err: err}
	}
	user, err := prompts.User(s, action, prompts.BudgetFor(s))
	if err != nil {
		return Result{}, &CallError{Err: err}
	}

	total := o.maxRetries + 1
	start := o.now()
	var usage model.Usage
	var lastErr error
	for attempt := 1; attempt <= total; attempt++ {
		if h.OnAttempt != nil {
			h.OnAttempt(attempt, total)
		}
		p := model.Prompt{System: system, User: user}
		if attempt > 1 {
			p.User = prompts.WithRetry(user, attempt-1, lastErr.Error())
		}

		text, u, err := o.stream(ctx, p, attempt, h)
		usage = usage.Add(u)
		if err == nil {
			var res Result
			res, err = o.parse(text)
			if err == nil {
				res.Usage = usage
				res.LatencyMs = o.now().Sub(start).Milliseconds()
				res.Attempts = attempt
				res.Model = o.model.Name()
				return res, nil
			}
		}
		lastErr = err
		o.logger.Printf("model attempt %d/%d failed: %v", attempt, total, err)
		if ctx.Err() != nil {
			return Result{}, &CallError{Attempts: attempt, LatencyMs: o.now().Sub(start).Milliseconds(), Usage: usage, Err: err}
		}
	}
	return Result{}, &CallError{Attempts: total, LatencyMs: o.now().Sub(start).Milliseconds(), Usage: usage, Err: lastErr}
}

func (o *Orchestrator) stream(ctx context.Context, p model.Prompt, attempt int, h Hooks) (string, model.Usage, error) {
	var buf strings.Builder
	x := draft.New()
	u, err := o.model.Stream(ctx, p, func(chunk string) {
		buf.WriteString(chunk)
		if h.OnDraft == nil {
			return
		}
		for _, d := range x.Feed(buf.String()) {
			h.OnDraft(attempt, d)
		}
	})
	text := buf.String()
	if u.PromptTokens <= 0 {
		u.PromptTokens = int64(max(1, prompts.EstimateTokens(p.System)) + max(1, prompts.EstimateTokens(p.User)))
	}
	if u.OutputTokens <= 0 {
		u.OutputTokens = int64(max(1, prompts.EstimateTokens(text)))
	}
	if err != nil {
		return text, u, err
	}
	if strings.TrimSpace(text) == "" {
		return text, u, errors.New("empty model response")
	}
	return text, u, nil
}

type reply struct {
	Events         events.List `json:"events"`
	WorldNarrative string      `json:"worldNarrative"`
	YearSummary    string      `json:"yearSummary"`
}

func (o *Orchestrator) parse(text string) (Result, error) {
	raw := []byte(stripFence(text))
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Result{}, fmt.Errorf("json parse failed: %v", err)
	}
	if err := o.schema.Validate(doc); err != nil {
		return Result{}, fmt.Errorf("schema validation failed: %s", flattenSchemaError(err))
	}
	var r reply
	if err := json.Unmarshal(raw, &r); err != nil {
		return Result{}, fmt.Errorf("validation failed: %v", err)
	}
	if err := events.ValidateAll(r.Events); err != nil {
		return Result{}, fmt.Errorf("validation failed: %v", err)
	}
	return Result{Events: r.Events, WorldNarrative: r.WorldNarrative, YearSummary: r.YearSummary}, nil
}

// stripFence drops a surrounding markdown code fence some models emit even
// in JSON mode.
func stripFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}

// flattenSchemaError renders the leaf causes on one line so the retry prompt
// stays short.
func flattenSchemaError(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var leaves []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			leaves = append(leaves, fmt.Sprintf("%s: %s", e.InstanceLocation, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(leaves, "; ")
}
