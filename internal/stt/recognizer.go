package stt

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-voicesearch/internal/audio"
)

// ErrNoSpeech is returned by a recognizer that processed the audio but
// understood nothing. It is not a transport failure.
var ErrNoSpeech = errors.New("no speech recognized")

// Recognizer abstracts ASR backends. One call covers one locale.
type Recognizer interface {
	Recognize(ctx context.Context, artifact *audio.Artifact, locale string) (string, error)
}
