// Package model wraps the generative model that proposes each turn's events.
package model

import "context"

type Prompt struct {
	System string
	User   string
}

// Usage is token accounting for one call. Zero counts mean the backend did
// not report them.
type Usage struct {
	PromptTokens int64
	OutputTokens int64
}

func (u Usage) Total() int64 { return u.PromptTokens + u.OutputTokens }

func (u Usage) Add(o Usage) Usage {
	return Usage{PromptTokens: u.PromptTokens + o.PromptTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

// Model streams a JSON-shaped response. onDelta receives text chunks in
// order; their concatenation is the full response.
type Model interface {
	Name() string
	Stream(ctx context.Context, p Prompt, onDelta func(chunk string)) (Usage, error)
}
