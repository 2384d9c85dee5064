package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voicesearch/internal/bus"
	"github.com/loqalabs/loqa-voicesearch/internal/protocol"
	"github.com/nats-io/nats.go"
)

const busFrameBacklog = 256

// BusDevice reads audio frames published by a remote capture client on
// audio.frame.<source>. A frame marked Final ends the stream.
type BusDevice struct {
	client *bus.Client
	source string
	log    *slog.Logger

	frames chan protocol.AudioFrame
	sub    *nats.Subscription

	mu      sync.Mutex
	pending []byte
	final   bool
	closed  chan struct{}
	once    sync.Once
}

func NewBusDevice(client *bus.Client, source string) *BusDevice {
	return &BusDevice{
		client: client,
		source: source,
		log:    client.Logger().With(slog.String("component", "bus-audio"), slog.String("source", source)),
		frames: make(chan protocol.AudioFrame, busFrameBacklog),
		closed: make(chan struct{}),
	}
}

func (d *BusDevice) subject() string {
	return protocol.SubjectAudioFramePrefix + "." + d.source
}

func (d *BusDevice) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sub, err := d.client.Subscribe(d.subject(), d.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", d.subject(), err)
	}
	d.sub = sub
	return nil
}

func (d *BusDevice) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		d.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
		return
	}
	select {
	case d.frames <- frame:
	case <-d.closed:
	default:
		d.log.Warn("audio frame dropped", slog.Int("sequence", frame.Sequence))
	}
}

func (d *BusDevice) Read(ctx context.Context, p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for len(d.pending) < len(p) && !d.final {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-d.closed:
			return 0, ErrDeviceClosed
		case frame := <-d.frames:
			d.pending = append(d.pending, frame.PCM...)
			if frame.Final {
				d.final = true
			}
		}
	}

	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	if d.final && len(d.pending) == 0 {
		return n, io.EOF
	}
	return n, nil
}

func (d *BusDevice) Close() error {
	var err error
	d.once.Do(func() {
		close(d.closed)
		if d.sub != nil {
			err = d.sub.Unsubscribe()
		}
	})
	return err
}
