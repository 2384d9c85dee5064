package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-voicesearch/internal/audio"
	"github.com/loqalabs/loqa-voicesearch/internal/bus"
	"github.com/loqalabs/loqa-voicesearch/internal/config"
	"github.com/loqalabs/loqa-voicesearch/internal/llm"
	"github.com/loqalabs/loqa-voicesearch/internal/nlq"
	"github.com/loqalabs/loqa-voicesearch/internal/pipeline"
	"github.com/loqalabs/loqa-voicesearch/internal/presence"
	"github.com/loqalabs/loqa-voicesearch/internal/stt"
	"github.com/loqalabs/loqa-voicesearch/internal/tts"
)

func noopClose() error { return nil }

// newRecognizer selects the speech backend. The returned closer releases
// any client the backend holds.
func newRecognizer(ctx context.Context, cfg config.STTConfig) (stt.Recognizer, func() error, error) {
	switch cfg.Mode {
	case "", "mock":
		return stt.NewMockRecognizer(cfg.MockText), noopClose, nil
	case "exec":
		rec, err := stt.NewExecRecognizer(cfg)
		if err != nil {
			return nil, nil, err
		}
		return rec, noopClose, nil
	case "google":
		rec, err := stt.NewGoogleRecognizer(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return rec, rec.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

func recorderFormat(cfg config.RecorderConfig) audio.Format {
	return audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels, BitDepth: 16}
}

// newDeviceFactory builds a fresh capture device per recording. The bus
// device needs a live client.
func newDeviceFactory(cfg config.RecorderConfig, client *bus.Client) (audio.DeviceFactory, error) {
	format := recorderFormat(cfg)
	switch cfg.Device {
	case "", "tone":
		return func() audio.Device { return audio.NewToneDevice(format) }, nil
	case "exec":
		command := cfg.Command
		return func() audio.Device { return audio.NewExecDevice(command) }, nil
	case "bus":
		if client == nil {
			return nil, errors.New("recorder device \"bus\" requires the bus to be enabled")
		}
		source := cfg.BusSource
		return func() audio.Device { return audio.NewBusDevice(client, source) }, nil
	default:
		return nil, fmt.Errorf("unknown recorder device %q", cfg.Device)
	}
}

func recorderOptions(cfg config.RecorderConfig, onElapsed func(time.Duration)) audio.Options {
	return audio.Options{
		Format:       recorderFormat(cfg),
		ChunkFrames:  cfg.ChunkFrames,
		Directory:    cfg.Directory,
		TickInterval: time.Duration(cfg.TickIntervalMS) * time.Millisecond,
		MaxDuration:  time.Duration(cfg.MaxDurationMS) * time.Millisecond,
		OnElapsed:    onElapsed,
	}
}

// newSearchStages picks the correction and query generation backends. The
// mock mode runs without a model: text passes through unchanged and queries
// are built from keywords.
func newSearchStages(llmCfg config.LLMConfig, queryCfg config.QueryConfig) (pipeline.Corrector, pipeline.QueryGenerator, error) {
	if llmCfg.Mode == "" || llmCfg.Mode == "mock" {
		return nlq.PassThrough{}, nlq.KeywordGenerator{}, nil
	}
	gen, err := llm.New(llmCfg)
	if err != nil {
		return nil, nil, err
	}
	var corrector pipeline.Corrector = nlq.PassThrough{}
	if queryCfg.CorrectionEnabled {
		corrector = nlq.NewCorrector(gen, llmCfg, queryCfg)
	}
	return corrector, nlq.NewQueryGenerator(gen, llmCfg, queryCfg), nil
}

func newSynthesizer(cfg config.TTSConfig) (tts.Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return tts.NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return tts.NewExecSynth(cfg.Command, cfg.Voice, cfg.SampleRate, cfg.Channels)
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

// nodeCapabilities advertises the configured backends to peers on the bus.
func nodeCapabilities(cfg config.Config) []presence.Capability {
	caps := []presence.Capability{{
		Name: presence.CapabilitySearch,
		Attributes: map[string]string{
			"stt":    cfg.STT.Mode,
			"llm":    cfg.LLM.Mode,
			"entity": cfg.Catalog.Entity,
			"locale": cfg.Format.Locale,
		},
	}}
	if cfg.Recorder.Device != "bus" {
		caps = append(caps, presence.Capability{
			Name:       presence.CapabilityAudioSource,
			Attributes: map[string]string{"source": cfg.Node.ID, "device": cfg.Recorder.Device},
		})
	}
	if cfg.TTS.Enabled {
		caps = append(caps, presence.Capability{
			Name:       presence.CapabilitySpeech,
			Attributes: map[string]string{"mode": cfg.TTS.Mode, "voice": cfg.TTS.Voice},
		})
	}
	return caps
}
