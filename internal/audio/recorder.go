package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voicesearch/internal/fault"
)

// ErrNotRecording is returned by Stop when no capture is active.
var ErrNotRecording = errors.New("recorder is not capturing")

// maxConsecutiveReadFailures bounds how many chunk reads in a row may fail
// before the device is considered lost.
const maxConsecutiveReadFailures = 50

type Options struct {
	Format       Format
	ChunkFrames  int
	Directory    string
	TickInterval time.Duration
	MaxDuration  time.Duration
	// OnElapsed is called from the capture goroutine while recording.
	OnElapsed func(time.Duration)
}

// Recorder captures one audio stream at a time into a WAV artifact.
//
// The capture loop is cooperative: each iteration reads one chunk, then
// checks the stop flag and the context. Stop therefore always observes a
// fully flushed file.
type Recorder struct {
	opts      Options
	newDevice DeviceFactory
	log       *slog.Logger

	mu  sync.Mutex
	cur *capture
}

type capture struct {
	id      string
	device  Device
	sink    *wavSink
	started time.Time

	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	artifact *Artifact
	err      error
}

func NewRecorder(opts Options, factory DeviceFactory, log *slog.Logger) *Recorder {
	if opts.Format.BitDepth == 0 {
		opts.Format.BitDepth = 16
	}
	if opts.ChunkFrames <= 0 {
		opts.ChunkFrames = 1024
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	return &Recorder{
		opts:      opts,
		newDevice: factory,
		log:       log.With(slog.String("component", "recorder")),
	}
}

// Start opens a device and begins capturing. A capture already in flight is
// cancelled first and its partial file discarded. The returned error is a
// fault.Device error when the device cannot be opened.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	prev := r.cur
	r.cur = nil
	r.mu.Unlock()
	if prev != nil {
		prev.cancel()
		<-prev.done
		r.log.Info("superseded in-flight capture", slog.String("capture_id", prev.id))
	}

	cctx, cancel := context.WithCancel(ctx)
	device := r.newDevice()
	if err := device.Open(cctx); err != nil {
		cancel()
		_ = device.Close()
		return fault.Device("open", err)
	}

	if err := os.MkdirAll(r.opts.Directory, 0o755); err != nil {
		cancel()
		_ = device.Close()
		return fault.Device("create capture directory", err)
	}
	file, err := os.CreateTemp(r.opts.Directory, "capture-*.wav")
	if err != nil {
		cancel()
		_ = device.Close()
		return fault.Device("create artifact", err)
	}

	c := &capture{
		id:      uuid.NewString(),
		device:  device,
		sink:    newWavSink(file, r.opts.Format),
		started: time.Now(),
		cancel:  cancel,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	r.cur = c
	r.mu.Unlock()

	r.log.Info("capture started", slog.String("capture_id", c.id), slog.String("path", file.Name()))
	go r.run(cctx, c)
	if r.opts.OnElapsed != nil {
		go r.tick(c)
	}
	return nil
}

// Stop halts the active capture and returns the finalized artifact. It returns
// only after every chunk is flushed and the device is closed.
func (r *Recorder) Stop(ctx context.Context) (*Artifact, error) {
	r.mu.Lock()
	c := r.cur
	r.mu.Unlock()
	if c == nil {
		return nil, ErrNotRecording
	}

	c.requestStop()
	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.mu.Lock()
	if r.cur == c {
		r.cur = nil
	}
	r.mu.Unlock()
	return c.artifact, c.err
}

// RequestStop asks the active capture to finalize and returns at once. The
// outcome is collected with Wait. It reports false when nothing is recording.
func (r *Recorder) RequestStop() bool {
	r.mu.Lock()
	c := r.cur
	r.mu.Unlock()
	if c == nil {
		return false
	}
	c.requestStop()
	return true
}

// Wait blocks until the active capture ends on its own (max duration, end of
// stream, device loss or cancellation) and returns its outcome.
func (r *Recorder) Wait(ctx context.Context) (*Artifact, error) {
	r.mu.Lock()
	c := r.cur
	r.mu.Unlock()
	if c == nil {
		return nil, ErrNotRecording
	}
	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	if r.cur == c {
		r.cur = nil
	}
	r.mu.Unlock()
	return c.artifact, c.err
}

func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return false
	}
	select {
	case <-r.cur.done:
		return false
	default:
		return true
	}
}

// ForceClose closes the active device without waiting for the capture loop.
// The partial file may be left behind; callers treat this as degraded.
func (r *Recorder) ForceClose() error {
	r.mu.Lock()
	c := r.cur
	r.cur = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	c.cancel()
	return c.device.Close()
}

func (c *capture) requestStop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (r *Recorder) run(ctx context.Context, c *capture) {
	defer close(c.done)
	defer c.cancel()

	log := r.log.With(slog.String("capture_id", c.id))
	chunk := make([]byte, r.opts.ChunkFrames*r.opts.Format.BytesPerFrame())
	failures := 0

	for {
		select {
		case <-ctx.Done():
			r.abort(c, ctx.Err())
			log.Info("capture cancelled")
			return
		case <-c.stop:
			r.finalize(c)
			return
		default:
		}

		if r.opts.MaxDuration > 0 && time.Since(c.started) >= r.opts.MaxDuration {
			log.Info("capture reached max duration", slog.Duration("max", r.opts.MaxDuration))
			r.finalize(c)
			return
		}

		n, err := c.device.Read(ctx, chunk)
		if n > 0 {
			if werr := c.sink.Write(chunk[:n]); werr != nil {
				r.abort(c, fault.Device("write chunk", werr))
				log.Error("capture write failed", slogError(werr))
				return
			}
		}
		switch {
		case err == nil:
			failures = 0
		case ctx.Err() != nil:
			// observed at the top of the loop
		case errors.Is(err, io.EOF):
			log.Info("capture stream ended")
			r.finalize(c)
			return
		case errors.Is(err, ErrDeviceClosed):
			r.abort(c, fault.Device("read", err))
			return
		default:
			failures++
			log.Warn("chunk read failed, skipping", slogError(err), slog.Int("consecutive", failures))
			if failures >= maxConsecutiveReadFailures {
				r.abort(c, fault.Device("read", fmt.Errorf("%d consecutive read failures: %w", failures, err)))
				return
			}
		}
	}
}

func (r *Recorder) finalize(c *capture) {
	if err := c.sink.Finalize(); err != nil {
		_ = c.device.Close()
		_ = os.Remove(c.sink.file.Name())
		c.err = fault.Device("finalize", err)
		return
	}
	if closeErr := c.device.Close(); closeErr != nil {
		r.log.Warn("device close failed", slogError(closeErr))
	}
	info, err := os.Stat(c.sink.file.Name())
	if err != nil {
		c.err = fault.Device("finalize", err)
		return
	}
	c.artifact = &Artifact{
		ID:        c.id,
		Path:      c.sink.file.Name(),
		Format:    r.opts.Format,
		Duration:  r.opts.Format.Duration(c.sink.written),
		Size:      info.Size(),
		CreatedAt: c.started,
	}
	r.log.Info("capture finalized",
		slog.String("capture_id", c.id),
		slog.Duration("duration", c.artifact.Duration),
		slog.Int64("bytes", c.artifact.Size),
	)
}

func (r *Recorder) abort(c *capture, err error) {
	_ = c.device.Close()
	c.sink.Discard()
	c.err = err
}

func (r *Recorder) tick(c *capture) {
	ticker := time.NewTicker(r.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			r.opts.OnElapsed(now.Sub(c.started))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
