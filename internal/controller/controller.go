// Package controller sequences capture, transcription and search for one
// operator. A single goroutine owns the stage machine; operator commands and
// worker results reach it through channels, so callers never block.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voicesearch/internal/audio"
	"github.com/loqalabs/loqa-voicesearch/internal/pipeline"
	"github.com/loqalabs/loqa-voicesearch/internal/protocol"
	"github.com/loqalabs/loqa-voicesearch/internal/stt"
	"github.com/loqalabs/loqa-voicesearch/internal/supervisor"
)

// Audit event kinds written through the Auditor.
const (
	AuditCaptureStarted  = "capture.started"
	AuditCaptureFinished = "capture.finished"
	AuditCaptureFailed   = "capture.failed"
	AuditTranscript      = "transcript"
	AuditSearchStarted   = "search.started"
	AuditSearchCompleted = "search.completed"
	AuditSearchFailed    = "search.failed"
	AuditSessionReset    = "session.reset"
	AuditSessionCanceled = "session.cancelled"
)

type Recorder interface {
	Start(ctx context.Context) error
	RequestStop() bool
	Wait(ctx context.Context) (*audio.Artifact, error)
	ForceClose() error
}

type Transcriber interface {
	Transcribe(ctx context.Context, artifact *audio.Artifact) (stt.Result, error)
}

type Searcher interface {
	Run(ctx context.Context, sessionID, text string, hooks pipeline.Hooks) *pipeline.Context
}

// Auditor records the session timeline.
type Auditor interface {
	Record(ctx context.Context, sessionID, kind string, payload any) error
}

// Sink receives every completed search.
type Sink interface {
	Publish(ctx context.Context, evt protocol.SearchCompleted) error
}

type Options struct {
	Callbacks Callbacks
	Auditor   Auditor
	Sinks     []Sink
	// SinkTimeout bounds each Sink.Publish call.
	SinkTimeout time.Duration
}

type Controller struct {
	rec  Recorder
	tr   Transcriber
	pipe Searcher
	sup  *supervisor.Supervisor
	cb   Callbacks
	aud  Auditor
	opts Options
	log  *slog.Logger

	cmds   chan command
	events chan any

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	once   sync.Once

	// Owned by the loop goroutine.
	stage        Stage
	session      string
	gen          uint64
	recording    bool
	captureLive  bool
	stopping     bool
	transcribing bool
	searching    bool
	artifact     *audio.Artifact
	transcript   string
}

type cmdKind int

const (
	cmdStartCapture cmdKind = iota
	cmdStopCapture
	cmdConfirm
	cmdRetry
	cmdNewSearch
	cmdCancelAll
)

func (k cmdKind) String() string {
	switch k {
	case cmdStartCapture:
		return "start_capture"
	case cmdStopCapture:
		return "stop_capture"
	case cmdConfirm:
		return "confirm"
	case cmdRetry:
		return "retry"
	case cmdNewSearch:
		return "new_search"
	case cmdCancelAll:
		return "cancel_all"
	default:
		return "unknown"
	}
}

type command struct {
	kind cmdKind
	text string
}

type captureStarted struct {
	gen uint64
}

type captureEnded struct {
	gen      uint64
	artifact *audio.Artifact
	err      error
}

type transcribed struct {
	gen    uint64
	result stt.Result
	err    error
}

type progressed struct {
	gen     uint64
	label   string
	percent int
}

type searched struct {
	gen uint64
	pc  *pipeline.Context
}

type elapsed struct {
	d time.Duration
}

type forced struct {
	role supervisor.Role
	err  error
}

func New(rec Recorder, tr Transcriber, pipe Searcher, sup *supervisor.Supervisor, opts Options, log *slog.Logger) *Controller {
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = 5 * time.Second
	}
	c := &Controller{
		rec:    rec,
		tr:     tr,
		pipe:   pipe,
		sup:    sup,
		cb:     opts.Callbacks,
		aud:    opts.Auditor,
		opts:   opts,
		log:    log.With(slog.String("component", "controller")),
		cmds:   make(chan command, 32),
		events: make(chan any, 64),
		done:   make(chan struct{}),
	}
	sup.OnForced(func(role supervisor.Role, err error) {
		select {
		case c.events <- forced{role: role, err: err}:
		default:
			c.log.Error("dropped supervisor timeout report", slog.String("role", string(role)), slogError(err))
		}
	})
	return c
}

// Start launches the event loop. The initial stage is Capturing.
func (c *Controller) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop()
}

// Close stops every worker, removes any pending capture and ends the loop.
func (c *Controller) Close() {
	c.once.Do(func() {
		if c.cancel == nil {
			return
		}
		c.cancel()
		c.wg.Wait()
	})
}

func (c *Controller) StartCapture() error { return c.enqueue(command{kind: cmdStartCapture}) }

func (c *Controller) StopCapture() error { return c.enqueue(command{kind: cmdStopCapture}) }

// ConfirmText starts the search. Blank text confirms the transcript as is.
func (c *Controller) ConfirmText(text string) error {
	return c.enqueue(command{kind: cmdConfirm, text: text})
}

func (c *Controller) Retry() error { return c.enqueue(command{kind: cmdRetry}) }

func (c *Controller) NewSearch() error { return c.enqueue(command{kind: cmdNewSearch}) }

// CancelAll is valid in every stage.
func (c *Controller) CancelAll() error { return c.enqueue(command{kind: cmdCancelAll}) }

// ReportElapsed forwards a recording duration tick. Ticks are dropped when
// the controller is saturated.
func (c *Controller) ReportElapsed(d time.Duration) {
	select {
	case c.events <- elapsed{d: d}:
	default:
	}
}

func (c *Controller) enqueue(cmd command) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.cmds <- cmd:
		return nil
	default:
		c.log.Warn("command queue full", slog.String("command", cmd.kind.String()))
		return ErrQueueFull
	}
}

// post delivers a worker result to the loop.
func (c *Controller) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) loop() {
	defer c.wg.Done()
	defer close(c.done)

	c.emitStage()
	for {
		select {
		case <-c.ctx.Done():
			c.shutdown()
			return
		case cmd := <-c.cmds:
			c.handleCommand(cmd)
		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

func (c *Controller) handleCommand(cmd command) {
	c.log.Debug("command", slog.String("command", cmd.kind.String()), slog.String("stage", c.stage.String()))
	switch cmd.kind {
	case cmdStartCapture:
		if c.stage != StageCapturing {
			c.reject(cmd)
			return
		}
		c.startCapture()
	case cmdStopCapture:
		if c.stage != StageCapturing || !c.recording {
			c.reject(cmd)
			return
		}
		// A stop that arrives before the device is open is applied on
		// captureStarted.
		if !c.stopping {
			c.stopping = true
			if c.captureLive {
				c.rec.RequestStop()
			}
		}
	case cmdConfirm:
		if c.stage != StageAwaitingConfirmation {
			c.reject(cmd)
			return
		}
		c.confirm(cmd.text)
	case cmdRetry:
		if c.stage == StageCapturing || (c.stage == StageProcessing && c.searching) {
			c.reject(cmd)
			return
		}
		c.reset(AuditSessionReset)
	case cmdNewSearch:
		if c.stage != StageProcessing || c.searching {
			c.reject(cmd)
			return
		}
		c.reset(AuditSessionReset)
	case cmdCancelAll:
		c.reset(AuditSessionCanceled)
	}
}

func (c *Controller) handleEvent(ev any) {
	switch ev := ev.(type) {
	case captureStarted:
		if ev.gen == c.gen && c.recording {
			c.captureLive = true
			if c.stopping {
				c.rec.RequestStop()
			}
		}
	case captureEnded:
		c.onCaptureEnded(ev)
	case transcribed:
		c.onTranscribed(ev)
	case progressed:
		if ev.gen == c.gen && c.searching && c.cb.OnProgress != nil {
			c.cb.OnProgress(c.session, ev.label, ev.percent)
		}
	case searched:
		c.onSearched(ev)
	case elapsed:
		if c.recording && c.cb.OnElapsed != nil {
			c.cb.OnElapsed(c.session, ev.d)
		}
	case forced:
		c.emitError(ev.err)
	}
}

func (c *Controller) startCapture() {
	// A transcriber may still be reading the held capture; it is deleted
	// only once Start has superseded that worker.
	held := c.artifact
	c.artifact = nil
	c.transcript = ""
	c.session = uuid.NewString()
	c.gen++
	gen := c.gen

	c.recording, c.captureLive, c.stopping, c.transcribing, c.searching = true, false, false, false, false
	c.audit(AuditCaptureStarted, nil)
	c.emitStage()

	_, err := c.sup.Start(supervisor.RoleRecorder, func(ctx context.Context) error {
		if err := c.rec.Start(ctx); err != nil {
			c.post(captureEnded{gen: gen, err: err})
			return err
		}
		c.post(captureStarted{gen: gen})
		// Cancellation reaches the capture through ctx; wait for it to settle
		// so the partial file is gone before the worker reports done.
		artifact, err := c.rec.Wait(context.WithoutCancel(ctx))
		c.post(captureEnded{gen: gen, artifact: artifact, err: err})
		return err
	}, supervisor.WithCloser(c.rec.ForceClose))
	c.removeArtifact(held)
	if err != nil {
		c.recording = false
		c.emitError(err)
	}
}

func (c *Controller) onCaptureEnded(ev captureEnded) {
	if ev.gen != c.gen {
		if ev.artifact != nil {
			_ = ev.artifact.Remove()
		}
		return
	}
	c.recording, c.captureLive, c.stopping = false, false, false
	if ev.err != nil {
		if errors.Is(ev.err, context.Canceled) {
			return
		}
		c.audit(AuditCaptureFailed, map[string]string{"error": ev.err.Error()})
		c.emitError(ev.err)
		return
	}

	c.artifact = ev.artifact
	c.audit(AuditCaptureFinished, map[string]any{
		"duration_ms": ev.artifact.Duration.Milliseconds(),
		"bytes":       ev.artifact.Size,
	})

	c.gen++
	gen := c.gen
	artifact := ev.artifact
	c.transcribing = true
	_, err := c.sup.Start(supervisor.RoleTranscriber, func(ctx context.Context) error {
		result, err := c.tr.Transcribe(ctx, artifact)
		c.post(transcribed{gen: gen, result: result, err: err})
		return err
	})
	if err != nil {
		c.transcribing = false
		c.emitError(err)
	}
}

func (c *Controller) onTranscribed(ev transcribed) {
	if ev.gen != c.gen {
		return
	}
	c.transcribing = false
	if ev.err != nil && errors.Is(ev.err, context.Canceled) {
		return
	}
	// Consumed whether or not anything was recognized.
	c.discardArtifact()

	if c.cb.OnTranscript != nil {
		c.cb.OnTranscript(c.session, ev.result)
	}
	c.audit(AuditTranscript, map[string]any{
		"text":       ev.result.Text,
		"recognized": ev.result.Recognized,
		"locale":     ev.result.Locale,
		"attempts":   len(ev.result.Attempts),
	})

	switch {
	case ev.err != nil:
		c.emitError(ev.err)
	case !ev.result.Recognized:
		c.emitError(ErrUnrecognized)
	default:
		c.transcript = ev.result.Text
		c.setStage(StageAwaitingConfirmation)
	}
}

func (c *Controller) confirm(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		text = c.transcript
	}
	if text == "" {
		c.emitError(ErrNothingToSearch)
		return
	}
	c.transcript = text
	c.gen++
	gen := c.gen
	session := c.session
	c.searching = true
	c.setStage(StageProcessing)
	c.audit(AuditSearchStarted, map[string]string{"text": text})

	_, err := c.sup.Start(supervisor.RolePipeline, func(ctx context.Context) error {
		pc := c.pipe.Run(ctx, session, text, pipeline.Hooks{
			OnProgress: func(label string, percent int) {
				c.post(progressed{gen: gen, label: label, percent: percent})
			},
		})
		c.post(searched{gen: gen, pc: pc})
		return pc.Err
	})
	if err != nil {
		c.searching = false
		c.emitError(err)
	}
}

func (c *Controller) onSearched(ev searched) {
	if ev.gen != c.gen {
		return
	}
	c.searching = false
	pc := ev.pc
	if pc.Err != nil {
		if errors.Is(pc.Err, context.Canceled) {
			return
		}
		c.audit(AuditSearchFailed, map[string]string{"query": pc.Query, "error": pc.Err.Error()})
		c.emitError(pc.Err)
		return
	}

	count := len(pc.Result.Rows())
	c.audit(AuditSearchCompleted, map[string]any{"query": pc.Query, "count": count, "corrected": pc.Corrected})
	if c.cb.OnComplete != nil {
		c.cb.OnComplete(c.session, pc.Original, pc.Corrected, pc.Formatted)
	}
	c.dispatch(protocol.SearchCompleted{
		SessionID: c.session,
		Original:  pc.Original,
		Corrected: pc.Corrected,
		Query:     pc.Query,
		Count:     count,
		Formatted: pc.Formatted,
		Timestamp: time.Now().UTC(),
	})
}

// reset stops all work, drops the capture and returns to Capturing.
func (c *Controller) reset(kind string) {
	c.gen++
	if err := c.sup.StopAll(); err != nil {
		c.log.Warn("workers did not stop cleanly", slogError(err))
	}
	c.discardArtifact()
	if c.session != "" {
		c.audit(kind, nil)
	}
	c.recording, c.captureLive, c.stopping, c.transcribing, c.searching = false, false, false, false, false
	c.transcript = ""
	c.session = ""
	c.setStage(StageCapturing)
}

func (c *Controller) shutdown() {
	c.gen++
	if err := c.sup.StopAll(); err != nil {
		c.log.Warn("workers did not stop cleanly", slogError(err))
	}
	c.discardArtifact()
}

func (c *Controller) dispatch(evt protocol.SearchCompleted) {
	for _, sink := range c.opts.Sinks {
		c.wg.Add(1)
		go func(sink Sink) {
			defer c.wg.Done()
			ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.opts.SinkTimeout)
			defer cancel()
			if err := sink.Publish(ctx, evt); err != nil {
				c.log.Warn("search sink failed", slog.String("session_id", evt.SessionID), slogError(err))
			}
		}(sink)
	}
}

func (c *Controller) setStage(s Stage) {
	if c.stage == s {
		return
	}
	c.stage = s
	c.emitStage()
}

func (c *Controller) emitStage() {
	c.log.Info("stage", slog.String("stage", c.stage.String()), slog.String("session_id", c.session))
	if c.cb.OnStage != nil {
		c.cb.OnStage(c.session, c.stage)
	}
}

func (c *Controller) reject(cmd command) {
	c.log.Warn("rejected command", slog.String("command", cmd.kind.String()), slog.String("stage", c.stage.String()))
	c.emitError(ErrInvalidTransition)
}

func (c *Controller) emitError(err error) {
	classified := Classify(err)
	c.log.Warn("operator error",
		slog.String("session_id", c.session),
		slog.String("kind", classified.Kind.String()),
		slog.String("category", string(classified.Category)),
		slogError(err),
	)
	if c.cb.OnError != nil {
		c.cb.OnError(c.session, classified)
	}
}

func (c *Controller) discardArtifact() {
	c.removeArtifact(c.artifact)
	c.artifact = nil
}

func (c *Controller) removeArtifact(a *audio.Artifact) {
	if a == nil {
		return
	}
	if err := a.Remove(); err != nil {
		c.log.Warn("failed to remove capture", slog.String("path", a.Path), slogError(err))
	}
}

func (c *Controller) audit(kind string, payload any) {
	if c.aud == nil || c.session == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), time.Second)
	defer cancel()
	if err := c.aud.Record(ctx, c.session, kind, payload); err != nil {
		c.log.Warn("audit write failed", slog.String("kind", kind), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
