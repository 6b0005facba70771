package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	DefaultGeminiModel = "gemini-2.5-flash"

	defaultTemperature     = 0.7
	defaultMaxOutputTokens = 8192
)

type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	MaxOutputTokens int32
}

type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: missing api key")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = defaultMaxOutputTokens
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return &Gemini{client: client, cfg: cfg}, nil
}

func (g *Gemini) Close() error { return g.client.Close() }

func (g *Gemini) Name() string { return g.cfg.Model }

func (g *Gemini) Stream(ctx context.Context, p Prompt, onDelta func(string)) (Usage, error) {
	m := g.client.GenerativeModel(g.cfg.Model)
	m.SystemInstruction = genai.NewUserContent(genai.Text(p.System))
	m.ResponseMIMEType = "application/json"
	m.SetTemperature(g.cfg.Temperature)
	m.SetMaxOutputTokens(g.cfg.MaxOutputTokens)

	var usage Usage
	it := m.GenerateContentStream(ctx, genai.Text(p.User))
	for {
		resp, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return usage, fmt.Errorf("gemini %s: %w", g.cfg.Model, err)
		}
		if resp.UsageMetadata != nil {
			usage.PromptTokens = int64(resp.UsageMetadata.PromptTokenCount)
			usage.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(genai.Text); ok && len(t) > 0 {
				onDelta(string(t))
			}
		}
	}
	return usage, nil
}
