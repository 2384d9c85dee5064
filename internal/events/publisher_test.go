package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-voicesearch/internal/config"
	"github.com/loqalabs/loqa-voicesearch/internal/protocol"
	"github.com/segmentio/kafka-go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestNewDisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.PublisherConfig
	}{
		{"disabled", config.PublisherConfig{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", config.PublisherConfig{Enabled: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg, "kiosk-1", newLogger())
			if p.Enabled() || p.writer != nil {
				t.Fatalf("expected log-only publisher")
			}
			if err := p.Publish(context.Background(), protocol.SearchCompleted{SessionID: "s1"}); err != nil {
				t.Fatalf("log-only publish failed: %v", err)
			}
			if err := p.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
		})
	}
}

func TestNewEnabledUsesTopic(t *testing.T) {
	p := New(config.PublisherConfig{Enabled: true, Brokers: []string{"localhost:9092"}}, "kiosk-1", newLogger())
	defer p.Close()
	w, ok := p.writer.(*kafka.Writer)
	if !ok || !p.Enabled() {
		t.Fatalf("expected kafka writer")
	}
	if w.Topic != defaultTopic {
		t.Fatalf("unexpected topic %s", w.Topic)
	}
}

func TestPublishWritesKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	p := New(config.PublisherConfig{Topic: "searches"}, "kiosk-1", newLogger())
	p.writer, p.enabled = w, true

	evt := protocol.SearchCompleted{SessionID: "s1", Original: "tìm sách python", Count: 2}
	if err := p.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "s1" {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	var got protocol.SearchCompleted
	if err := json.Unmarshal(msg.Value, &got); err != nil || got.Count != 2 || got.Original != evt.Original {
		t.Fatalf("unexpected payload %s (%v)", msg.Value, err)
	}
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["source"] != "kiosk-1" || headers["eventType"] != "search.completed" {
		t.Fatalf("unexpected headers %v", headers)
	}
	if err := p.Close(); err != nil || !w.closed {
		t.Fatalf("writer not closed")
	}
}

func TestPublishPropagatesWriteError(t *testing.T) {
	boom := errors.New("leader not available")
	p := New(config.PublisherConfig{}, "kiosk-1", newLogger())
	p.writer, p.enabled = &fakeWriter{err: boom}, true
	if err := p.Publish(context.Background(), protocol.SearchCompleted{SessionID: "s1"}); !errors.Is(err, boom) {
		t.Fatalf("expected write error, got %v", err)
	}
}
