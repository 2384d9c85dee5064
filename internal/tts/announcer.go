package tts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicesearch/internal/config"
	"github.com/loqalabs/loqa-voicesearch/internal/protocol"
)

const announceTimeout = 45 * time.Second

// Publisher is the bus side of the announcer.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Announcer speaks the capture greeting and, optionally, a short summary of
// each completed search. A new announcement cuts off the one in progress.
type Announcer struct {
	cfg   config.TTSConfig
	pub   Publisher
	synth Synthesizer
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	current context.CancelFunc
}

func NewAnnouncer(parent context.Context, cfg config.TTSConfig, pub Publisher, synth Synthesizer, log *slog.Logger) *Announcer {
	ctx, cancel := context.WithCancel(parent)
	return &Announcer{
		cfg:    cfg,
		pub:    pub,
		synth:  synth,
		log:    log.With(slog.String("component", "tts-announcer")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (a *Announcer) Enabled() bool { return a.cfg.Enabled && a.synth != nil && a.pub != nil }

// Greet plays the configured greeting.
func (a *Announcer) Greet(sessionID string) {
	a.Say(sessionID, a.cfg.Greeting)
}

// Publish announces a completed search when result announcements are on.
func (a *Announcer) Publish(_ context.Context, evt protocol.SearchCompleted) error {
	if a.cfg.AnnounceResults {
		a.Say(evt.SessionID, Summary(evt))
	}
	return nil
}

// Summary is the spoken form of a completed search.
func Summary(evt protocol.SearchCompleted) string {
	subject := strings.TrimSpace(evt.Corrected)
	if subject == "" {
		subject = strings.TrimSpace(evt.Original)
	}
	switch evt.Count {
	case 0:
		return fmt.Sprintf("No matching results found for %s.", subject)
	case 1:
		return fmt.Sprintf("Found 1 result for %s.", subject)
	default:
		return fmt.Sprintf("Found %d results for %s.", evt.Count, subject)
	}
}

// Say synthesizes text in the background and publishes the audio.
func (a *Announcer) Say(sessionID, text string) {
	if !a.Enabled() || strings.TrimSpace(text) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(a.ctx, announceTimeout)
	a.mu.Lock()
	if a.current != nil {
		a.current()
	}
	a.current = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		a.speak(ctx, sessionID, text)
	}()
}

func (a *Announcer) speak(ctx context.Context, sessionID, text string) {
	chunks, errs := a.synth.Synthesize(ctx, SynthRequest{SessionID: sessionID, Text: text, Voice: a.cfg.Voice})
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			a.publishChunk(chunk)
		case err, ok := <-errs:
			if ok && err != nil && ctx.Err() == nil {
				a.log.Warn("tts synthesis error", slog.String("session_id", sessionID), slogError(err))
			}
			errs = nil
		case <-ctx.Done():
			a.log.Debug("announcement interrupted", slog.String("session_id", sessionID))
			return
		}
	}
}

func (a *Announcer) publishChunk(chunk SynthChunk) {
	packet := protocol.AudioChunk{
		SessionID:  chunk.SessionID,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		Sequence:   chunk.Sequence,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	}
	if err := a.pub.PublishJSON(protocol.SubjectTTSAudio, packet); err != nil {
		a.log.Warn("failed to publish tts chunk", slogError(err))
	}
}

func (a *Announcer) Close() {
	a.cancel()
	a.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
