package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Format describes interleaved little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// BytesPerFrame is the size of one sample across all channels.
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitDepth / 8
}

// Duration of n bytes of PCM in this format.
func (f Format) Duration(n int64) time.Duration {
	bpf := f.BytesPerFrame()
	if bpf <= 0 || f.SampleRate <= 0 {
		return 0
	}
	frames := n / int64(bpf)
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Artifact is a finalized WAV capture on disk. It is only handed out after
// the recorder flushed every chunk and closed the device.
type Artifact struct {
	ID        string
	Path      string
	Format    Format
	Duration  time.Duration
	Size      int64
	CreatedAt time.Time
}

// PCM decodes the artifact back into 16-bit little-endian samples.
func (a *Artifact) PCM() ([]byte, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("artifact %s is not a valid wav file", a.Path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	out := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sample)))
	}
	return out, nil
}

// Remove deletes the artifact from disk. Removing twice is not an error.
func (a *Artifact) Remove() error {
	if a == nil || a.Path == "" {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// wavSink streams PCM chunks into a WAV file; the header is patched on Close.
type wavSink struct {
	file    *os.File
	enc     *wav.Encoder
	format  Format
	written int64
}

func newWavSink(file *os.File, format Format) *wavSink {
	return &wavSink{
		file:   file,
		enc:    wav.NewEncoder(file, format.SampleRate, format.BitDepth, format.Channels, 1),
		format: format,
	}
}

func (s *wavSink) Write(pcm []byte) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: s.format.Channels, SampleRate: s.format.SampleRate},
		Data:           samples,
		SourceBitDepth: s.format.BitDepth,
	}
	if err := s.enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	s.written += int64(len(pcm))
	return nil
}

// Finalize patches the WAV header and closes the file.
func (s *wavSink) Finalize() error {
	encErr := s.enc.Close()
	syncErr := s.file.Sync()
	closeErr := s.file.Close()
	if encErr != nil {
		return fmt.Errorf("close wav encoder: %w", encErr)
	}
	if syncErr != nil {
		return fmt.Errorf("sync artifact: %w", syncErr)
	}
	return closeErr
}

// Discard closes and deletes the partial file.
func (s *wavSink) Discard() {
	_ = s.file.Close()
	_ = os.Remove(s.file.Name())
}
