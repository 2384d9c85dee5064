package llm

import (
	"context"
	"time"
)

// MockGenerator answers every request through Reply. The zero value echoes
// the prompt back.
type MockGenerator struct {
	Reply func(Request) (string, error)
	Delay time.Duration
}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (m *MockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.Delay):
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	content := req.Prompt
	if m.Reply != nil {
		var err error
		content, err = m.Reply(req)
		if err != nil {
			return err
		}
	}
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   content,
		Partial:   false,
		Latency:   m.Delay,
	})
}
