package runtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicesearch/internal/config"
	"github.com/loqalabs/loqa-voicesearch/internal/natsserver"
	"github.com/loqalabs/loqa-voicesearch/internal/nlq"
	"github.com/loqalabs/loqa-voicesearch/internal/presence"
	"github.com/loqalabs/loqa-voicesearch/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func seedCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "books.db")
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("open seed db: %v", err)
	}
	defer db.Close()
	stmts := []string{
		`CREATE TABLE books (id INTEGER PRIMARY KEY, title TEXT, author TEXT, price INTEGER)`,
		`INSERT INTO books VALUES (1, 'Python Crash Course', 'Eric Matthes', 320000)`,
		`INSERT INTO books VALUES (2, 'Clean Code', 'Robert Martin', 150000)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return path
}

func TestHandleReady(t *testing.T) {
	r := New(config.Default(), "test", newLogger())

	rec := httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}

	r.ready.Store(true)
	r.checks = []check{{name: "catalog", fn: func(context.Context) error { return nil }}}
	rec = httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	r.checks = append(r.checks, check{name: "bus", fn: func(context.Context) error { return errors.New("down") }})
	rec = httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "bus") {
		t.Fatalf("expected bus failure, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestNewDeviceFactory(t *testing.T) {
	cfg := config.Default().Recorder
	for _, device := range []string{"tone", "exec"} {
		cfg.Device = device
		cfg.Command = "arecord -q -f S16_LE"
		factory, err := newDeviceFactory(cfg, nil)
		if err != nil || factory() == nil {
			t.Fatalf("device %s: %v", device, err)
		}
	}
	cfg.Device = "bus"
	if _, err := newDeviceFactory(cfg, nil); err == nil {
		t.Fatalf("bus device without a client must fail")
	}
	cfg.Device = "alsa"
	if _, err := newDeviceFactory(cfg, nil); err == nil {
		t.Fatalf("unknown device must fail")
	}
}

func TestNewSearchStagesMock(t *testing.T) {
	corrector, generator, err := newSearchStages(config.LLMConfig{Mode: "mock"}, config.QueryConfig{CorrectionEnabled: true})
	if err != nil {
		t.Fatalf("search stages: %v", err)
	}
	if _, ok := corrector.(nlq.PassThrough); !ok {
		t.Fatalf("mock mode must pass text through, got %T", corrector)
	}
	if _, ok := generator.(nlq.KeywordGenerator); !ok {
		t.Fatalf("mock mode must use keyword queries, got %T", generator)
	}

	corrector, _, err = newSearchStages(config.LLMConfig{Mode: "ollama", Endpoint: "http://localhost:11434"}, config.QueryConfig{CorrectionEnabled: true})
	if err != nil {
		t.Fatalf("ollama stages: %v", err)
	}
	if _, ok := corrector.(*nlq.Corrector); !ok {
		t.Fatalf("correction enabled must use the model corrector, got %T", corrector)
	}

	if _, _, err := newSearchStages(config.LLMConfig{Mode: "gpt"}, config.QueryConfig{}); err == nil {
		t.Fatalf("unknown llm mode must fail")
	}
}

func TestRecognizerAndSynthesizerModes(t *testing.T) {
	if _, closeFn, err := newRecognizer(context.Background(), config.STTConfig{Mode: "mock", MockText: "python"}); err != nil || closeFn() != nil {
		t.Fatalf("mock recognizer: %v", err)
	}
	if _, _, err := newRecognizer(context.Background(), config.STTConfig{Mode: "whisper"}); err == nil {
		t.Fatalf("unknown stt mode must fail")
	}
	if _, err := newSynthesizer(config.TTSConfig{Mode: "mock", SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("mock synth: %v", err)
	}
	if _, err := newSynthesizer(config.TTSConfig{Mode: "exec"}); err == nil {
		t.Fatalf("exec synth without a command must fail")
	}
}

// TestVoiceSearchOverBus drives one session through the gateway the way a
// presentation client would.
func TestVoiceSearchOverBus(t *testing.T) {
	broker, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer broker.Shutdown()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Bus = config.BusConfig{Enabled: true, Servers: []string{broker.ClientURL()}, ConnectTimeout: 2000}
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	cfg.Recorder.Directory = filepath.Join(dir, "capture")
	cfg.Recorder.SampleRate = 16000
	cfg.Recorder.ChunkFrames = 320
	cfg.Catalog.Path = seedCatalog(t)
	cfg.Supervisor.StopTimeoutMS = 500

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(cfg, "test", newLogger())
	defer func() {
		cancel()
		r.shutdown()
	}()
	if err := r.build(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}
	r.ctrl.Start(ctx)

	conn, err := nats.Connect(broker.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	notes := make(chan *nats.Msg, 64)
	sub, err := conn.ChanSubscribe("search.>", notes)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	send := func(subject string, cmd protocol.Command) {
		t.Helper()
		data, _ := json.Marshal(cmd)
		msg, err := conn.Request(subject, data, 2*time.Second)
		if err != nil {
			t.Fatalf("request %s: %v", subject, err)
		}
		var ack protocol.CommandAck
		if err := json.Unmarshal(msg.Data, &ack); err != nil || !ack.Accepted {
			t.Fatalf("%s rejected: %s (%v)", subject, ack.Error, err)
		}
	}
	await := func(subject string) []byte {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case msg := <-notes:
				if msg.Subject == protocol.SubjectError {
					t.Fatalf("unexpected failure: %s", msg.Data)
				}
				if msg.Subject == subject {
					return msg.Data
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %s", subject)
			}
		}
	}

	send(protocol.SubjectCommandCaptureStart, protocol.Command{})
	time.Sleep(100 * time.Millisecond)
	send(protocol.SubjectCommandCaptureStop, protocol.Command{})

	var transcript protocol.Transcript
	if err := json.Unmarshal(await(protocol.SubjectTranscript), &transcript); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if !transcript.Recognized || transcript.Text != cfg.STT.MockText {
		t.Fatalf("unexpected transcript %+v", transcript)
	}

	send(protocol.SubjectCommandConfirm, protocol.Command{Text: "python"})
	var done protocol.SearchCompleted
	if err := json.Unmarshal(await(protocol.SubjectComplete), &done); err != nil {
		t.Fatalf("decode completion: %v", err)
	}
	if done.SessionID != transcript.SessionID || done.Count != 1 || !strings.Contains(done.Formatted, "Python Crash Course") {
		t.Fatalf("unexpected completion %+v", done)
	}
}

func TestNodeCapabilities(t *testing.T) {
	cfg := config.Default()
	cfg.TTS.Enabled = true
	names := map[string]bool{}
	for _, c := range nodeCapabilities(cfg) {
		names[c.Name] = true
	}
	if !names[presence.CapabilitySearch] || !names[presence.CapabilityAudioSource] || !names[presence.CapabilitySpeech] {
		t.Fatalf("unexpected capabilities %v", names)
	}

	cfg.Recorder.Device = "bus"
	cfg.TTS.Enabled = false
	for _, c := range nodeCapabilities(cfg) {
		if c.Name != presence.CapabilitySearch {
			t.Fatalf("bus capture must not advertise %s", c.Name)
		}
	}
}
