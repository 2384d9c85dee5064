package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voicesearch/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// Complete runs req to completion and returns the concatenated, trimmed output.
func Complete(ctx context.Context, g Generator, req Request) (string, error) {
	var b strings.Builder
	err := g.Generate(ctx, req, func(c Chunk) error {
		b.WriteString(c.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}

// New selects the backend named by cfg.Mode. A positive TimeoutMS bounds
// every generation.
func New(cfg config.LLMConfig) (Generator, error) {
	var g Generator
	switch cfg.Mode {
	case "", "mock":
		g = NewMockGenerator()
	case "ollama":
		g = NewOllamaGenerator(cfg.Endpoint, cfg.Model)
	case "exec":
		eg, err := NewExecGenerator(cfg.Command, cfg.Model)
		if err != nil {
			return nil, err
		}
		g = eg
	case "openai":
		g = NewOpenAIGenerator(cfg.APIKey, cfg.BaseURL, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
	if cfg.TimeoutMS > 0 {
		g = &deadlineGenerator{next: g, timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	}
	return g, nil
}

type deadlineGenerator struct {
	next    Generator
	timeout time.Duration
}

func (d *deadlineGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.next.Generate(ctx, req, consumer)
}
