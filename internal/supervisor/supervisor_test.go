package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicesearch/internal/config"
	"github.com/loqalabs/loqa-voicesearch/internal/fault"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newSupervisor(t *testing.T, timeoutMS int) *Supervisor {
	t.Helper()
	s := New(context.Background(), config.SupervisorConfig{StopTimeoutMS: timeoutMS}, newLogger())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func blockUntilCancelled(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func waitWorker(t *testing.T, w *Worker) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("worker %d did not finish", w.ID)
	}
}

func TestStartSupersedesAcrossRoles(t *testing.T) {
	s := newSupervisor(t, 500)

	rec, err := s.Start(RoleRecorder, blockUntilCancelled)
	if err != nil {
		t.Fatalf("start recorder: %v", err)
	}
	tr, err := s.Start(RoleTranscriber, blockUntilCancelled)
	if err != nil {
		t.Fatalf("start transcriber: %v", err)
	}

	select {
	case <-rec.Done():
	default:
		t.Fatalf("recorder must be finished before the transcriber starts")
	}
	if !errors.Is(rec.Err(), context.Canceled) {
		t.Fatalf("expected recorder to observe cancellation, got %v", rec.Err())
	}
	if s.Active(RoleRecorder) || !s.Active(RoleTranscriber) {
		t.Fatalf("unexpected active roles")
	}
	if n := s.Running(); n != 1 {
		t.Fatalf("expected one running worker, got %d", n)
	}
	if tr.ID <= rec.ID {
		t.Fatalf("worker ids must increase: %d then %d", rec.ID, tr.ID)
	}
}

func TestNeverMoreThanOneRunning(t *testing.T) {
	s := newSupervisor(t, 500)

	var running, peak int32
	task := func(ctx context.Context) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-ctx.Done()
		atomic.AddInt32(&running, -1)
		return nil
	}

	var wg sync.WaitGroup
	roles := []Role{RoleRecorder, RoleTranscriber, RolePipeline}
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(role Role) {
			defer wg.Done()
			if _, err := s.Start(role, task); err != nil {
				t.Errorf("start: %v", err)
			}
		}(roles[i%len(roles)])
	}
	wg.Wait()

	if got := atomic.LoadInt32(&peak); got != 1 {
		t.Fatalf("expected at most one concurrent worker, saw %d", got)
	}
}

func TestForcedTerminationReportsSupervisorTimeout(t *testing.T) {
	s := newSupervisor(t, 20)

	var forced []error
	var mu sync.Mutex
	s.OnForced(func(role Role, err error) {
		mu.Lock()
		defer mu.Unlock()
		if role != RoleRecorder {
			t.Errorf("unexpected role %s", role)
		}
		forced = append(forced, err)
	})

	release := make(chan struct{})
	closed := make(chan struct{})
	stuck := func(context.Context) error {
		<-release
		return nil
	}
	_, err := s.Start(RoleRecorder, stuck, WithCloser(func() error {
		close(closed)
		close(release)
		return nil
	}))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	err = s.Stop(RoleRecorder)
	if fault.KindOf(err) != fault.KindSupervisorTimeout {
		t.Fatalf("expected supervisor timeout, got %v", err)
	}
	select {
	case <-closed:
	default:
		t.Fatalf("closer was not invoked")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(forced) != 1 || fault.KindOf(forced[0]) != fault.KindSupervisorTimeout {
		t.Fatalf("expected one forced report, got %v", forced)
	}
}

func TestAbandonedWorkerDoesNotBlockStart(t *testing.T) {
	s := newSupervisor(t, 10)

	release := make(chan struct{})
	defer close(release)
	stuck, err := s.Start(RolePipeline, func(context.Context) error {
		<-release
		return nil
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var reports int32
	s.OnForced(func(Role, error) { atomic.AddInt32(&reports, 1) })

	next, err := s.Start(RoleRecorder, blockUntilCancelled)
	if err != nil {
		t.Fatalf("start after forced: %v", err)
	}
	if atomic.LoadInt32(&reports) != 1 {
		t.Fatalf("expected one forced report")
	}
	if s.Active(RolePipeline) || !s.Active(RoleRecorder) {
		t.Fatalf("abandoned worker must not stay registered")
	}
	select {
	case <-stuck.Done():
		t.Fatalf("stuck worker should still be running")
	default:
	}
	if err := s.Stop(RoleRecorder); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitWorker(t, next)
}

func TestWorkerCompletesOnItsOwn(t *testing.T) {
	s := newSupervisor(t, 500)
	boom := errors.New("boom")

	w, err := s.Start(RoleTranscriber, func(context.Context) error { return boom })
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitWorker(t, w)
	if !errors.Is(w.Err(), boom) {
		t.Fatalf("expected task error, got %v", w.Err())
	}
	if s.Active(RoleTranscriber) {
		t.Fatalf("finished worker must deregister")
	}
	if err := s.Stop(RoleTranscriber); err != nil {
		t.Fatalf("stop of finished role: %v", err)
	}
}

func TestPanickingWorkerIsContained(t *testing.T) {
	s := newSupervisor(t, 500)
	w, err := s.Start(RolePipeline, func(context.Context) error { panic("bad row") })
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitWorker(t, w)
	if w.Err() == nil {
		t.Fatalf("expected panic to surface as error")
	}
}

func TestCloseRejectsStart(t *testing.T) {
	s := New(context.Background(), config.SupervisorConfig{}, newLogger())
	w, err := s.Start(RoleRecorder, blockUntilCancelled)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitWorker(t, w)
	if _, err := s.Start(RoleRecorder, blockUntilCancelled); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
