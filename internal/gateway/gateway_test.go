package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicesearch/internal/bus"
	"github.com/loqalabs/loqa-voicesearch/internal/config"
	"github.com/loqalabs/loqa-voicesearch/internal/controller"
	"github.com/loqalabs/loqa-voicesearch/internal/fault"
	"github.com/loqalabs/loqa-voicesearch/internal/natsserver"
	"github.com/loqalabs/loqa-voicesearch/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingCommands struct {
	mu      sync.Mutex
	calls   []string
	confirm string
	err     error
}

func (r *recordingCommands) record(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	return r.err
}

func (r *recordingCommands) StartCapture() error { return r.record("start") }
func (r *recordingCommands) StopCapture() error  { return r.record("stop") }
func (r *recordingCommands) Retry() error        { return r.record("retry") }
func (r *recordingCommands) NewSearch() error    { return r.record("new") }
func (r *recordingCommands) CancelAll() error    { return r.record("cancel") }

func (r *recordingCommands) ConfirmText(text string) error {
	r.mu.Lock()
	r.confirm = text
	r.mu.Unlock()
	return r.record("confirm")
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "gateway-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func request(t *testing.T, client *bus.Client, subject string, cmd protocol.Command) protocol.CommandAck {
	t.Helper()
	data, _ := json.Marshal(cmd)
	msg, err := client.Conn().Request(subject, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	var ack protocol.CommandAck
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return ack
}

func TestCommandsAreForwarded(t *testing.T) {
	client := startBus(t)
	cmds := &recordingCommands{}
	gw := New(client, cmds, newLogger())
	if err := gw.Start(); err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	defer gw.Close()

	steps := []struct {
		subject string
		cmd     protocol.Command
	}{
		{protocol.SubjectCommandCaptureStart, protocol.Command{}},
		{protocol.SubjectCommandCaptureStop, protocol.Command{}},
		{protocol.SubjectCommandConfirm, protocol.Command{Text: "tìm sách python"}},
		{protocol.SubjectCommandNewSearch, protocol.Command{}},
		{protocol.SubjectCommandRetry, protocol.Command{}},
		{protocol.SubjectCommandCancel, protocol.Command{}},
	}
	for _, step := range steps {
		if ack := request(t, client, step.subject, step.cmd); !ack.Accepted {
			t.Fatalf("%s not accepted: %s", step.subject, ack.Error)
		}
	}

	cmds.mu.Lock()
	defer cmds.mu.Unlock()
	want := []string{"start", "stop", "confirm", "new", "retry", "cancel"}
	if len(cmds.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", cmds.calls, want)
	}
	for i := range want {
		if cmds.calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", cmds.calls, want)
		}
	}
	if cmds.confirm != "tìm sách python" {
		t.Fatalf("unexpected confirm text %q", cmds.confirm)
	}
}

func TestRejectedCommandIsAcknowledged(t *testing.T) {
	client := startBus(t)
	gw := New(client, &recordingCommands{err: controller.ErrQueueFull}, newLogger())
	if err := gw.Start(); err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	defer gw.Close()

	ack := request(t, client, protocol.SubjectCommandCaptureStart, protocol.Command{})
	if ack.Accepted || ack.Error == "" {
		t.Fatalf("expected rejection, got %+v", ack)
	}
}

func TestNotificationsArePublished(t *testing.T) {
	client := startBus(t)
	gw := New(client, &recordingCommands{}, newLogger())

	got := make(chan *nats.Msg, 8)
	sub, err := client.Conn().ChanSubscribe("search.>", got)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	cb := gw.Callbacks()
	cb.OnProgress("s1", "Searching catalog", 80)
	cb.OnError("s1", controller.Classify(fault.StorageMessage("execute", "no such table")))
	if err := gw.Publish(context.Background(), protocol.SearchCompleted{SessionID: "s1", Count: 2}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	seen := map[string][]byte{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case msg := <-got:
			seen[msg.Subject] = msg.Data
		case <-deadline:
			t.Fatalf("only received %d notifications", len(seen))
		}
	}

	var progress protocol.Progress
	if err := json.Unmarshal(seen[protocol.SubjectProgress], &progress); err != nil || progress.Percent != 80 {
		t.Fatalf("unexpected progress %s (%v)", seen[protocol.SubjectProgress], err)
	}
	var failed protocol.SearchFailed
	if err := json.Unmarshal(seen[protocol.SubjectError], &failed); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if failed.Category != string(fault.CategoryStorage) || failed.Kind != "storage" {
		t.Fatalf("unexpected failure notification %+v", failed)
	}
	var done protocol.SearchCompleted
	if err := json.Unmarshal(seen[protocol.SubjectComplete], &done); err != nil || done.Count != 2 {
		t.Fatalf("unexpected completion %s (%v)", seen[protocol.SubjectComplete], err)
	}
}

func TestStartFailsWithoutConnection(t *testing.T) {
	client := startBus(t)
	client.Conn().Close()
	gw := New(client, &recordingCommands{}, newLogger())
	if err := gw.Start(); !errors.Is(err, nats.ErrConnectionClosed) {
		t.Fatalf("expected closed connection error, got %v", err)
	}
}
