// Package runtime assembles the voice search service from configuration and
// owns its lifecycle: telemetry, bus, stores, workers, controller and the
// health endpoints.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voicesearch/internal/audio"
	"github.com/loqalabs/loqa-voicesearch/internal/bus"
	"github.com/loqalabs/loqa-voicesearch/internal/catalog"
	"github.com/loqalabs/loqa-voicesearch/internal/config"
	"github.com/loqalabs/loqa-voicesearch/internal/controller"
	"github.com/loqalabs/loqa-voicesearch/internal/events"
	"github.com/loqalabs/loqa-voicesearch/internal/eventstore"
	"github.com/loqalabs/loqa-voicesearch/internal/gateway"
	"github.com/loqalabs/loqa-voicesearch/internal/natsserver"
	"github.com/loqalabs/loqa-voicesearch/internal/pipeline"
	"github.com/loqalabs/loqa-voicesearch/internal/presence"
	"github.com/loqalabs/loqa-voicesearch/internal/stt"
	"github.com/loqalabs/loqa-voicesearch/internal/supervisor"
	"github.com/loqalabs/loqa-voicesearch/internal/tts"
)

const (
	pruneInterval  = time.Hour
	readyTimeout   = 2 * time.Second
	shutdownBudget = 10 * time.Second
)

// check reports whether one dependency can serve requests.
type check struct {
	name string
	fn   func(context.Context) error
}

type Runtime struct {
	cfg     config.Config
	version string
	logger  *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error

	ready  atomic.Bool
	checks []check

	// closers run in reverse order of registration.
	closers []func() error
	ctrl    *controller.Controller

	wg sync.WaitGroup
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Start builds every component, serves until ctx is cancelled, then shuts
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.build(ctx); err != nil {
		cancel()
		r.shutdown()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = r.serve(addr, mux)

	if metricHandler != nil && r.cfg.Telemetry.PrometheusBind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricHandler)
		r.metricsServer = r.serve(r.cfg.Telemetry.PrometheusBind, metricsMux)
	}

	r.ctrl.Start(ctx)
	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("version", r.version))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) serve(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("addr", addr), slogError(err))
		}
	}()
	return srv
}

// build wires the search service. Every opened resource registers a closer
// as soon as it exists so a failure midway still releases what came before.
func (r *Runtime) build(ctx context.Context) error {
	cfg := r.cfg
	log := r.logger

	busCfg := cfg.Bus
	embedded, err := natsserver.Start(cfg.Bus, log)
	if err != nil {
		return fmt.Errorf("failed to start embedded nats: %w", err)
	}
	if embedded != nil {
		r.onClose(func() error { embedded.Shutdown(); return nil })
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	var client *bus.Client
	if cfg.Bus.Enabled {
		client, err = bus.Connect(ctx, busCfg, cfg.RuntimeName, log)
		if err != nil {
			return fmt.Errorf("failed to connect bus: %w", err)
		}
		r.onClose(func() error { client.Close(); return nil })
		r.checks = append(r.checks, check{name: "bus", fn: func(context.Context) error {
			if !client.Healthy() {
				return errors.New("bus disconnected")
			}
			return nil
		}})

		nodes, err := presence.New(ctx, cfg.Node, client, nodeCapabilities(cfg), log)
		if err != nil {
			return fmt.Errorf("failed to start presence: %w", err)
		}
		r.onClose(func() error { nodes.Close(); return nil })
		if cfg.Recorder.Device == "bus" {
			source := cfg.Recorder.BusSource
			r.checks = append(r.checks, check{name: "audio-source", fn: func(context.Context) error {
				if len(nodes.Query(presence.HealthyOnly, presence.WithCapability(presence.CapabilityAudioSource, "source", source))) == 0 {
					return fmt.Errorf("no audio source %q online", source)
				}
				return nil
			}})
		}
	}

	store, err := eventstore.Open(ctx, cfg.EventStore, log)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.onClose(store.Close)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		store.RunPruner(ctx, pruneInterval)
	}()

	cat, err := catalog.Open(ctx, cfg.Catalog, log)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	r.onClose(cat.Close)
	r.checks = append(r.checks, check{name: "catalog", fn: cat.Ping})
	schema, err := cat.Schema(ctx)
	if err != nil {
		return fmt.Errorf("failed to read catalog schema: %w", err)
	}

	corrector, generator, err := newSearchStages(cfg.LLM, cfg.Query)
	if err != nil {
		return fmt.Errorf("failed to configure query generation: %w", err)
	}
	searcher := pipeline.New(corrector, generator, cat, pipeline.Options{
		Schema:     schema,
		MaxResults: cfg.Query.MaxResults,
		Formatter:  pipeline.NewFormatter(cfg.Format.Locale, cfg.Format.Currency),
	}, log)

	recognizer, closeRecognizer, err := newRecognizer(ctx, cfg.STT)
	if err != nil {
		return fmt.Errorf("failed to configure speech recognition: %w", err)
	}
	r.onClose(closeRecognizer)
	transcriber := stt.NewTranscriber(recognizer, cfg.STT, log)

	factory, err := newDeviceFactory(cfg.Recorder, client)
	if err != nil {
		return err
	}
	var ctrl *controller.Controller
	recorder := audio.NewRecorder(recorderOptions(cfg.Recorder, func(d time.Duration) {
		ctrl.ReportElapsed(d)
	}), factory, log)

	synth, err := newSynthesizer(cfg.TTS)
	if err != nil {
		return fmt.Errorf("failed to configure speech synthesis: %w", err)
	}
	var speaker tts.Publisher
	if client != nil {
		speaker = client
	}
	announcer := tts.NewAnnouncer(ctx, cfg.TTS, speaker, synth, log)
	r.onClose(func() error { announcer.Close(); return nil })

	publisher := events.New(cfg.Publisher, cfg.RuntimeName, log)
	r.onClose(publisher.Close)

	// The greeting plays when the controller is idle in Capturing (startup and
	// after a reset), never once a capture has begun.
	callbacks := []controller.Callbacks{{
		OnStage: func(sessionID string, stage controller.Stage) {
			if stage == controller.StageCapturing && sessionID == "" {
				announcer.Greet(sessionID)
			}
		},
	}}
	sinks := []controller.Sink{publisher, announcer}

	var gw *gateway.Gateway
	if client != nil {
		gw = gateway.New(client, nil, log)
		callbacks = append([]controller.Callbacks{gw.Callbacks()}, callbacks...)
		sinks = append([]controller.Sink{gw}, sinks...)
	}

	sup := supervisor.New(ctx, cfg.Supervisor, log)
	ctrl = controller.New(recorder, transcriber, searcher, sup, controller.Options{
		Callbacks: controller.Merge(callbacks...),
		Auditor:   store,
		Sinks:     sinks,
	}, log)
	r.ctrl = ctrl
	// The controller stops before the supervisor so no worker is started
	// after StopAll.
	r.onClose(sup.Close)
	r.onClose(func() error { ctrl.Close(); return nil })

	if gw != nil {
		gw.Bind(ctrl)
		if err := gw.Start(); err != nil {
			return fmt.Errorf("failed to start gateway: %w", err)
		}
		r.onClose(func() error { gw.Close(); return nil })
	}
	return nil
}

func (r *Runtime) onClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}

	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn("close failed", slogError(err))
		}
	}
	r.closers = nil
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), readyTimeout)
	defer cancel()
	for _, c := range r.checks {
		if err := c.fn(ctx); err != nil {
			r.logger.Warn("readiness check failed", slog.String("check", c.name), slogError(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, "%s: not ready", c.name)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
