// Package nlq holds the language collaborators of the search pipeline:
// spelling correction and text-to-query generation.
package nlq

import (
	"context"
	"strings"

	"github.com/loqalabs/loqa-voicesearch/internal/config"
	"github.com/loqalabs/loqa-voicesearch/internal/llm"
)

const correctionPrompt = "Fix the spelling and grammar of each word in the Vietnamese text the user provides. " +
	"Return only the corrected text. Do not add punctuation and do not remove words. " +
	"If a word does not fit the context and no replacement can be found, keep it as is. " +
	"Do not add any other information."

// Corrector asks a language model to fix transcription mistakes without
// changing the token count.
type Corrector struct {
	gen         llm.Generator
	maxTokens   int
	temperature float64
}

func NewCorrector(gen llm.Generator, llmCfg config.LLMConfig, queryCfg config.QueryConfig) *Corrector {
	return &Corrector{gen: gen, maxTokens: tokenBudget(queryCfg.CorrectionTokens, llmCfg), temperature: llmCfg.Temperature}
}

func (c *Corrector) Correct(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	return llm.Complete(ctx, c.gen, llm.Request{
		System:      correctionPrompt,
		Prompt:      text,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
}

// tokenBudget falls back to the model-wide limit when a stage sets none.
func tokenBudget(stage int, llmCfg config.LLMConfig) int {
	if stage > 0 {
		return stage
	}
	return llmCfg.MaxTokens
}

// PassThrough is the corrector used when correction is disabled.
type PassThrough struct{}

func (PassThrough) Correct(_ context.Context, text string) (string, error) { return text, nil }
