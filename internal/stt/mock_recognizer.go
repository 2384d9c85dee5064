package stt

import (
	"context"
	"strings"

	"github.com/loqalabs/loqa-voicesearch/internal/audio"
)

// MockRecognizer answers with fixed text. ByLocale overrides Text for
// specific locales; an empty answer is reported as ErrNoSpeech.
type MockRecognizer struct {
	Text     string
	ByLocale map[string]string
}

func NewMockRecognizer(text string) *MockRecognizer {
	return &MockRecognizer{Text: text}
}

func (m *MockRecognizer) Recognize(ctx context.Context, _ *audio.Artifact, locale string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text := m.Text
	if override, ok := m.ByLocale[locale]; ok {
		text = override
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}
