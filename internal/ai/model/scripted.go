package model

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// Step is one scripted reply. A non-nil Err fails the call after Text has
// been streamed.
type Step struct {
	Text  string
	Err   error
	Usage Usage
}

// Scripted replays canned replies, one per call, in fixed-size chunks. The
// last step repeats once the script runs out.
type Scripted struct {
	ChunkSize int
	Delay     time.Duration
	// Script, when set, produces the reply for the n-th call (0-based)
	// instead of Steps.
	Script func(p Prompt, n int) Step

	mu    sync.Mutex
	steps []Step
	calls int
}

func NewScripted(steps ...Step) *Scripted {
	return &Scripted{ChunkSize: 16, steps: steps}
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Scripted) Stream(ctx context.Context, p Prompt, onDelta func(string)) (Usage, error) {
	s.mu.Lock()
	n := s.calls
	s.calls++
	var step Step
	switch {
	case s.Script != nil:
		step = s.Script(p, n)
	case len(s.steps) == 0:
		s.mu.Unlock()
		return Usage{}, fmt.Errorf("scripted: no steps")
	case n < len(s.steps):
		step = s.steps[n]
	default:
		step = s.steps[len(s.steps)-1]
	}
	s.mu.Unlock()

	size := s.ChunkSize
	if size <= 0 {
		size = len(step.Text)
	}
	for i := 0; i < len(step.Text); i += size {
		if err := ctx.Err(); err != nil {
			return Usage{}, err
		}
		end := min(i+size, len(step.Text))
		onDelta(step.Text[i:end])
		if s.Delay > 0 {
			select {
			case <-ctx.Done():
				return Usage{}, ctx.Err()
			case <-time.After(s.Delay):
			}
		}
	}
	return step.Usage, step.Err
}

var nextYearRe = regexp.MustCompile(`Simulate the year (\d{4})`)

// Offline returns a script for running the server without a model backend:
// every turn yields one narrative event dated in the simulated year.
func Offline() *Scripted {
	s := NewScripted()
	s.Delay = 20 * time.Millisecond
	s.Script = func(p Prompt, n int) Step {
		year := 2025
		if m := nextYearRe.FindStringSubmatch(p.User); m != nil {
			year, _ = strconv.Atoi(m[1])
		}
		return Step{Text: fmt.Sprintf(`{"events":[{"type":"NARRATIVE","description":"Diplomats trade cautious statements as the year %d unfolds.","involvedCountries":[],"date":"%d-06-01","economicEffects":[]}],"worldNarrative":"An uneasy calm settles over the world in %d.","yearSummary":"A quiet year of cautious diplomacy."}`, year, year, year)}
	}
	return s
}
