// Package gateway exposes the controller over NATS: operator commands come in
// on search.cmd.*, stage changes and results go out as JSON notifications.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicesearch/internal/bus"
	"github.com/loqalabs/loqa-voicesearch/internal/controller"
	"github.com/loqalabs/loqa-voicesearch/internal/protocol"
	"github.com/loqalabs/loqa-voicesearch/internal/stt"
	"github.com/nats-io/nats.go"
)

// Commands is the operator surface of the controller.
type Commands interface {
	StartCapture() error
	StopCapture() error
	ConfirmText(text string) error
	Retry() error
	NewSearch() error
	CancelAll() error
}

type Gateway struct {
	client *bus.Client
	ctrl   Commands
	log    *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func New(client *bus.Client, ctrl Commands, log *slog.Logger) *Gateway {
	return &Gateway{
		client: client,
		ctrl:   ctrl,
		log:    log.With(slog.String("component", "gateway")),
	}
}

// Bind sets the controller commands are routed to. The gateway is built
// before the controller because its callbacks feed the controller's options.
func (g *Gateway) Bind(ctrl Commands) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ctrl = ctrl
}

// Start subscribes to every command subject.
func (g *Gateway) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctrl == nil {
		return errors.New("gateway has no controller bound")
	}
	routes := map[string]func(protocol.Command) error{
		protocol.SubjectCommandCaptureStart: func(protocol.Command) error { return g.ctrl.StartCapture() },
		protocol.SubjectCommandCaptureStop:  func(protocol.Command) error { return g.ctrl.StopCapture() },
		protocol.SubjectCommandConfirm:      func(cmd protocol.Command) error { return g.ctrl.ConfirmText(cmd.Text) },
		protocol.SubjectCommandRetry:        func(protocol.Command) error { return g.ctrl.Retry() },
		protocol.SubjectCommandNewSearch:    func(protocol.Command) error { return g.ctrl.NewSearch() },
		protocol.SubjectCommandCancel:       func(protocol.Command) error { return g.ctrl.CancelAll() },
	}
	for subject, route := range routes {
		sub, err := g.client.Subscribe(subject, g.handler(subject, route))
		if err != nil {
			g.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		g.subs = append(g.subs, sub)
	}
	g.log.Info("gateway subscribed", slog.Int("subjects", len(g.subs)))
	return nil
}

func (g *Gateway) handler(subject string, route func(protocol.Command) error) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var cmd protocol.Command
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &cmd); err != nil {
				g.log.Warn("failed to decode command", slog.String("subject", subject), slogError(err))
				g.ack(msg, err)
				return
			}
		}
		err := route(cmd)
		if err != nil {
			g.log.Warn("command not accepted", slog.String("subject", subject), slogError(err))
		}
		g.ack(msg, err)
	}
}

func (g *Gateway) ack(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	ack := protocol.CommandAck{Accepted: err == nil}
	if err != nil {
		ack.Error = err.Error()
	}
	data, _ := json.Marshal(ack)
	if rerr := msg.Respond(data); rerr != nil {
		g.log.Warn("failed to acknowledge command", slogError(rerr))
	}
}

func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unsubscribeLocked()
}

func (g *Gateway) unsubscribeLocked() {
	for _, sub := range g.subs {
		_ = sub.Unsubscribe()
	}
	g.subs = nil
}

// Callbacks publishes controller notifications. Completion is delivered
// through Publish, which carries the full search record.
func (g *Gateway) Callbacks() controller.Callbacks {
	return controller.Callbacks{
		OnStage: func(sessionID string, stage controller.Stage) {
			g.publish(protocol.SubjectStage, protocol.StageChanged{SessionID: sessionID, Stage: stage.String(), Timestamp: time.Now().UTC()})
		},
		OnElapsed: func(sessionID string, elapsed time.Duration) {
			g.publish(protocol.SubjectElapsed, protocol.Elapsed{SessionID: sessionID, Seconds: int(elapsed / time.Second)})
		},
		OnTranscript: func(sessionID string, result stt.Result) {
			g.publish(protocol.SubjectTranscript, protocol.Transcript{
				SessionID:  sessionID,
				Text:       result.Text,
				Recognized: result.Recognized,
				Locale:     result.Locale,
				Timestamp:  time.Now().UTC(),
			})
		},
		OnProgress: func(sessionID, label string, percent int) {
			g.publish(protocol.SubjectProgress, protocol.Progress{SessionID: sessionID, Label: label, Percent: percent})
		},
		OnError: func(sessionID string, c controller.Classified) {
			failed := protocol.SearchFailed{
				SessionID: sessionID,
				Kind:      c.Kind.String(),
				Category:  string(c.Category),
				Message:   c.Message,
				Timestamp: time.Now().UTC(),
			}
			if c.Err != nil {
				failed.Detail = c.Err.Error()
			}
			g.publish(protocol.SubjectError, failed)
		},
	}
}

// Publish forwards a completed search to the presentation surface.
func (g *Gateway) Publish(_ context.Context, evt protocol.SearchCompleted) error {
	return g.client.PublishJSON(protocol.SubjectComplete, evt)
}

func (g *Gateway) publish(subject string, v any) {
	if err := g.client.PublishJSON(subject, v); err != nil {
		g.log.Warn("failed to publish notification", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
