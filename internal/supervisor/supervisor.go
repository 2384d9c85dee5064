// Package supervisor keeps at most one background worker alive across the
// recorder, transcriber and pipeline roles.
//
// Starting a worker supersedes every running one: the old worker is
// cancelled and given a bounded interval to return. A worker that overruns
// the bound is force-closed through its registered closer and abandoned.
// That path is degraded and always reported as a fault.SupervisorTimeout.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicesearch/internal/config"
	"github.com/loqalabs/loqa-voicesearch/internal/fault"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var ErrClosed = errors.New("supervisor closed")

type Role string

const (
	RoleRecorder    Role = "recorder"
	RoleTranscriber Role = "transcriber"
	RolePipeline    Role = "pipeline"
)

// Task is the body of a worker. It must return promptly once ctx is done.
type Task func(ctx context.Context) error

type Worker struct {
	ID   uint64
	Role Role

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	closer func() error
}

func (w *Worker) Context() context.Context { return w.ctx }

func (w *Worker) Done() <-chan struct{} { return w.done }

// Err is the task's return value. Valid once Done is closed.
func (w *Worker) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

type Option func(*Worker)

// WithCloser registers the force-close for the resource a worker blocks on
// (audio device, query handle). It is only called on the degraded path.
func WithCloser(fn func() error) Option {
	return func(w *Worker) { w.closer = fn }
}

type Supervisor struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	log     *slog.Logger

	startMu sync.Mutex

	mu       sync.Mutex
	active   map[Role]*Worker
	nextID   uint64
	closed   bool
	onForced func(Role, error)

	forced metric.Int64Counter
}

func New(parent context.Context, cfg config.SupervisorConfig, log *slog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	timeout := time.Duration(cfg.StopTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Second
	}
	s := &Supervisor{
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		log:     log.With(slog.String("component", "supervisor")),
		active:  make(map[Role]*Worker),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-voicesearch/supervisor")
	counter, err := meter.Int64Counter("voicesearch.supervisor.forced",
		metric.WithDescription("Workers force-closed after the stop timeout"))
	if err != nil {
		s.log.Warn("failed to create forced counter", slogError(err))
	}
	s.forced = counter
	return s
}

// OnForced registers a hook called with every supervisor timeout. It runs on
// the goroutine that requested the stop and must not block.
func (s *Supervisor) OnForced(fn func(Role, error)) {
	s.mu.Lock()
	s.onForced = fn
	s.mu.Unlock()
}

// Start supersedes all running workers and launches task under role.
func (s *Supervisor) Start(role Role, task Task, opts ...Option) (*Worker, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	prev := s.takeAllLocked()
	s.mu.Unlock()

	for _, w := range prev {
		_ = s.stop(w)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.nextID++
	ctx, cancel := context.WithCancel(s.ctx)
	w := &Worker{
		ID:     s.nextID,
		Role:   role,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	s.active[role] = w
	s.mu.Unlock()

	go s.run(w, task)
	s.log.Debug("worker started", slog.String("role", string(role)), slog.Uint64("worker_id", w.ID))
	return w, nil
}

func (s *Supervisor) run(w *Worker, task Task) {
	defer func() {
		if r := recover(); r != nil {
			w.err = fmt.Errorf("worker %s panicked: %v", w.Role, r)
			s.log.Error("worker panicked", slog.String("role", string(w.Role)), slog.Any("panic", r))
		}
		w.cancel()
		s.mu.Lock()
		if s.active[w.Role] == w {
			delete(s.active, w.Role)
		}
		s.mu.Unlock()
		close(w.done)
	}()
	w.err = task(w.ctx)
}

// Stop cancels the worker running under role, if any.
func (s *Supervisor) Stop(role Role) error {
	s.mu.Lock()
	w := s.active[role]
	delete(s.active, role)
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	return s.stop(w)
}

// StopAll cancels every running worker. The result joins any timeouts.
func (s *Supervisor) StopAll() error {
	s.mu.Lock()
	workers := s.takeAllLocked()
	s.mu.Unlock()

	var errs []error
	for _, w := range workers {
		if err := s.stop(w); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) Active(role Role) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[role]
	return ok
}

// Running reports the number of live workers; never more than one.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	err := s.StopAll()
	s.cancel()
	return err
}

func (s *Supervisor) takeAllLocked() []*Worker {
	workers := make([]*Worker, 0, len(s.active))
	for role, w := range s.active {
		workers = append(workers, w)
		delete(s.active, role)
	}
	return workers
}

// stop cancels w and waits for it. On overrun the closer is invoked and the
// worker gets one more interval to confirm it exited.
func (s *Supervisor) stop(w *Worker) error {
	w.cancel()
	if waitDone(w.done, s.timeout) {
		return nil
	}

	log := s.log.With(slog.String("role", string(w.Role)), slog.Uint64("worker_id", w.ID))
	var closeErr error
	if w.closer != nil {
		closeErr = w.closer()
	}

	ferr := &fault.Error{
		Kind: fault.KindSupervisorTimeout,
		Op:   string(w.Role),
		Msg:  fmt.Sprintf("worker did not stop within %s, resource force-closed", s.timeout),
		Err:  closeErr,
	}
	if !waitDone(w.done, s.timeout) {
		ferr.Msg = fmt.Sprintf("worker did not stop within %s and was abandoned; resources may leak", s.timeout)
	}
	log.Error("supervisor timeout", slogError(ferr))

	if s.forced != nil {
		s.forced.Add(context.Background(), 1, metric.WithAttributes(attribute.String("role", string(w.Role))))
	}
	s.mu.Lock()
	hook := s.onForced
	s.mu.Unlock()
	if hook != nil {
		hook(w.Role, ferr)
	}
	return ferr
}

func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
