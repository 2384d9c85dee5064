package tts

import (
	"context"
	"unicode/utf8"
)

// mockSynth emits silence sized to the text, mockRuneMS per rune, in chunks
// of mockChunkMS.
type mockSynth struct {
	sampleRate int
	channels   int
}

const (
	mockRuneMS  = 60
	mockChunkMS = 200
)

func NewMockSynth(sampleRate, channels int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	if channels <= 0 {
		channels = 1
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		bytesPerMS := m.sampleRate * m.channels * 2 / 1000
		total := utf8.RuneCountInString(req.Text) * mockRuneMS * bytesPerMS
		step := mockChunkMS * bytesPerMS
		seq := 0
		for sent := 0; ; seq++ {
			n := min(step, total-sent)
			sent += n
			chunk := SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   seq,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        make([]byte, n),
				Final:      sent >= total,
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- chunk:
			}
			if chunk.Final {
				return
			}
		}
	}()
	return chunks, errs
}
