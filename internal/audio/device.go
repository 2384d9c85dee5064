package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// ErrDeviceClosed is returned by Read after Close.
var ErrDeviceClosed = errors.New("audio device closed")

// Device is a source of interleaved 16-bit PCM. Read may return fewer bytes
// than requested; io.EOF means the source will not produce more audio.
// Close must be safe to call concurrently with a blocked Read.
type Device interface {
	Open(ctx context.Context) error
	Read(ctx context.Context, p []byte) (int, error)
	Close() error
}

// DeviceFactory builds a fresh device for every capture.
type DeviceFactory func() Device

// ToneDevice produces a sine tone paced at real time. It backs the mock
// deployment and exercises the capture path without hardware.
type ToneDevice struct {
	Format    Format
	Frequency float64
	Amplitude float64

	mu     sync.Mutex
	closed bool
	phase  float64
}

func NewToneDevice(format Format) *ToneDevice {
	return &ToneDevice{Format: format, Frequency: 440, Amplitude: 0.2}
}

func (d *ToneDevice) Open(ctx context.Context) error {
	return ctx.Err()
}

func (d *ToneDevice) Read(ctx context.Context, p []byte) (int, error) {
	bpf := d.Format.BytesPerFrame()
	frames := len(p) / bpf
	if frames == 0 {
		return 0, nil
	}
	wait := time.Duration(frames) * time.Second / time.Duration(d.Format.SampleRate)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrDeviceClosed
	}
	step := 2 * math.Pi * d.Frequency / float64(d.Format.SampleRate)
	for i := 0; i < frames; i++ {
		sample := int16(d.Amplitude * math.MaxInt16 * math.Sin(d.phase))
		d.phase += step
		for ch := 0; ch < d.Format.Channels; ch++ {
			binary.LittleEndian.PutUint16(p[(i*d.Format.Channels+ch)*2:], uint16(sample))
		}
	}
	return frames * bpf, nil
}

func (d *ToneDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// ExecDevice reads raw PCM from the stdout of a capture command such as
// `arecord -q -t raw -f S16_LE -r 44100 -c 1`.
type ExecDevice struct {
	command string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
	closed bool
	once   sync.Once
}

func NewExecDevice(command string) *ExecDevice {
	return &ExecDevice{command: command}
}

func (d *ExecDevice) Open(ctx context.Context) error {
	args, err := shellwords.NewParser().Parse(d.command)
	if err != nil {
		return fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return fmt.Errorf("capture command is empty")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start capture command: %w", err)
	}
	d.mu.Lock()
	d.cmd = cmd
	d.stdout = stdout
	d.mu.Unlock()
	return nil
}

func (d *ExecDevice) Read(_ context.Context, p []byte) (int, error) {
	d.mu.Lock()
	stdout, closed := d.stdout, d.closed
	d.mu.Unlock()
	if closed {
		return 0, ErrDeviceClosed
	}
	if stdout == nil {
		return 0, fmt.Errorf("capture device not open")
	}
	n, err := io.ReadFull(stdout, p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return n, io.EOF
	}
	return n, err
}

func (d *ExecDevice) Close() error {
	var err error
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		cmd := d.cmd
		d.mu.Unlock()
		if cmd == nil || cmd.Process == nil {
			return
		}
		_ = cmd.Process.Kill()
		if waitErr := cmd.Wait(); waitErr != nil {
			var exitErr *exec.ExitError
			if !errors.As(waitErr, &exitErr) {
				err = waitErr
			}
		}
	})
	return err
}
