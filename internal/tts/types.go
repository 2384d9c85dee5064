// Package tts speaks operator prompts and search summaries. Synthesized PCM
// is published on the bus for whichever playback target listens.
package tts

import "context"

type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
}

// SynthChunk is one slice of synthesized 16-bit PCM.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer streams audio for one request. Both channels are closed when
// synthesis ends; errs carries at most one error.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}
