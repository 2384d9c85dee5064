// Package events publishes completed searches to Kafka for downstream
// analytics. Without brokers it runs in log-only mode.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voicesearch/internal/config"
	"github.com/loqalabs/loqa-voicesearch/internal/protocol"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const defaultTopic = "voicesearch.search.completed"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer  messageWriter
	topic   string
	source  string
	enabled bool
	log     *slog.Logger

	published metric.Int64Counter
	latency   metric.Float64Histogram
}

// New builds a publisher. source identifies this runtime in message headers.
func New(cfg config.PublisherConfig, source string, log *slog.Logger) *Publisher {
	p := &Publisher{
		topic:  cfg.Topic,
		source: source,
		log:    log.With(slog.String("component", "events")),
	}
	if p.topic == "" {
		p.topic = defaultTopic
	}

	meter := otel.Meter("github.com/loqalabs/loqa-voicesearch/events")
	var err error
	if p.published, err = meter.Int64Counter("voicesearch.events.published",
		metric.WithDescription("Search events handed to Kafka by outcome")); err != nil {
		p.log.Warn("failed to create published counter", slogError(err))
	}
	if p.latency, err = meter.Float64Histogram("voicesearch.events.publish.duration",
		metric.WithDescription("Kafka write latency"), metric.WithUnit("s")); err != nil {
		p.log.Warn("failed to create latency histogram", slogError(err))
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		p.log.Info("kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{Timeout: 10 * time.Second, DualStack: true}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        p.topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	p.enabled = true
	p.log.Info("kafka publisher initialized", slog.Any("brokers", cfg.Brokers), slog.String("topic", p.topic))
	return p
}

// Publish writes evt keyed by session so one session's events share a
// partition.
func (p *Publisher) Publish(ctx context.Context, evt protocol.SearchCompleted) error {
	start := time.Now()
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal search event: %w", err)
	}
	p.log.Debug("publishing search event",
		slog.String("topic", p.topic),
		slog.String("session_id", evt.SessionID),
		slog.Int("count", evt.Count),
	)
	if !p.enabled {
		p.record(ctx, "skipped", start)
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(evt.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte("search.completed")},
			{Key: "source", Value: []byte(p.source)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("failed to write to kafka", slog.String("topic", p.topic), slog.String("session_id", evt.SessionID), slogError(err))
		p.record(ctx, "error", start)
		return err
	}
	p.record(ctx, "ok", start)
	return nil
}

func (p *Publisher) record(ctx context.Context, outcome string, start time.Time) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if p.published != nil {
		p.published.Add(ctx, 1, attrs)
	}
	if p.latency != nil {
		p.latency.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

func (p *Publisher) Enabled() bool { return p.enabled }

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
