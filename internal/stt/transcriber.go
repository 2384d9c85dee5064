package stt

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-voicesearch/internal/audio"
	"github.com/loqalabs/loqa-voicesearch/internal/config"
	"github.com/loqalabs/loqa-voicesearch/internal/fault"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Unrecognized is the transcript text reported when no locale produced
// usable speech. It is never a valid search phrase.
const Unrecognized = "[unrecognized]"

type Outcome string

const (
	OutcomeRecognized Outcome = "recognized"
	OutcomeEmpty      Outcome = "empty"
	OutcomeTooShort   Outcome = "too_short"
	OutcomeFailed     Outcome = "failed"
)

type Attempt struct {
	Locale  string
	Outcome Outcome
	Err     error
}

// Result is the outcome of one transcription. When Recognized is false Text
// holds Unrecognized.
type Result struct {
	Artifact   *audio.Artifact
	Text       string
	Recognized bool
	Locale     string
	Attempts   []Attempt
}

// Transcriber asks the recognizer once per locale in order and keeps the
// first usable answer.
type Transcriber struct {
	recognizer Recognizer
	locales    []string
	minLength  int
	timeout    time.Duration
	log        *slog.Logger
	attempts   metric.Int64Counter
}

func NewTranscriber(recognizer Recognizer, cfg config.STTConfig, log *slog.Logger) *Transcriber {
	t := &Transcriber{
		recognizer: recognizer,
		locales:    append([]string(nil), cfg.Locales...),
		minLength:  cfg.MinTextLength,
		timeout:    time.Duration(cfg.TimeoutMS) * time.Millisecond,
		log:        log.With(slog.String("component", "transcriber")),
	}
	if len(t.locales) == 0 {
		t.locales = []string{""}
	}
	meter := otel.Meter("github.com/loqalabs/loqa-voicesearch/stt")
	counter, err := meter.Int64Counter("voicesearch.transcriber.attempts",
		metric.WithDescription("Recognition attempts by locale and outcome"))
	if err != nil {
		t.log.Warn("failed to create attempts counter", slogError(err))
	}
	t.attempts = counter
	return t
}

// Transcribe never fails because of what was said. Empty or short answers on
// every locale yield the Unrecognized result with a nil error. If every
// attempt failed in transport the same result comes back together with a
// fault.Recognition error, so callers can tell the service was unavailable.
// Cancellation of ctx is returned as is.
func (t *Transcriber) Transcribe(ctx context.Context, artifact *audio.Artifact) (Result, error) {
	result := Result{Artifact: artifact, Text: Unrecognized}
	if artifact == nil {
		return result, fault.Recognition("transcribe", errors.New("no capture artifact"))
	}

	var failures []error
	for _, locale := range t.locales {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		text, err := t.attempt(ctx, artifact, locale)
		text = strings.TrimSpace(text)

		attempt := Attempt{Locale: locale}
		switch {
		case err == nil && utf8.RuneCountInString(text) >= t.minLength && text != "":
			attempt.Outcome = OutcomeRecognized
		case err == nil:
			attempt.Outcome = OutcomeTooShort
		case errors.Is(err, ErrNoSpeech):
			attempt.Outcome = OutcomeEmpty
		case ctx.Err() != nil:
			return result, ctx.Err()
		default:
			attempt.Outcome = OutcomeFailed
			attempt.Err = err
			failures = append(failures, err)
			t.log.Warn("recognition attempt failed", slog.String("locale", locale), slogError(err))
		}
		result.Attempts = append(result.Attempts, attempt)
		t.record(ctx, attempt)

		if attempt.Outcome == OutcomeRecognized {
			result.Text = text
			result.Recognized = true
			result.Locale = locale
			t.log.Info("speech recognized", slog.String("locale", locale), slog.Int("length", len(text)))
			return result, nil
		}
	}

	if len(failures) == len(result.Attempts) {
		return result, fault.Recognition("transcribe", errors.Join(failures...))
	}
	t.log.Info("speech not recognized", slog.Int("attempts", len(result.Attempts)))
	return result, nil
}

func (t *Transcriber) attempt(ctx context.Context, artifact *audio.Artifact, locale string) (string, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	return t.recognizer.Recognize(ctx, artifact, locale)
}

func (t *Transcriber) record(ctx context.Context, attempt Attempt) {
	if t.attempts == nil {
		return
	}
	t.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("locale", attempt.Locale),
		attribute.String("outcome", string(attempt.Outcome)),
	))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
