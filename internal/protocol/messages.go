package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// AudioChunk carries synthesized speech back to a playback target.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Target     string `json:"target,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sequence   int    `json:"sequence"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Command is an operator action received from a presentation surface.
type Command struct {
	Text string `json:"text,omitempty"`
}

// CommandAck answers a command sent as a request.
type CommandAck struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// StageChanged is published whenever the controller enters a stage.
type StageChanged struct {
	SessionID string    `json:"session_id"`
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
}

// Elapsed reports recording duration while a capture is active.
type Elapsed struct {
	SessionID string `json:"session_id"`
	Seconds   int    `json:"seconds"`
}

// Transcript is the recognized text awaiting operator confirmation.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Recognized bool      `json:"recognized"`
	Locale     string    `json:"locale,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Progress reports a pipeline checkpoint.
type Progress struct {
	SessionID string `json:"session_id"`
	Label     string `json:"label"`
	Percent   int    `json:"percent"`
}

// SearchCompleted is emitted once per successful pipeline run.
type SearchCompleted struct {
	SessionID string    `json:"session_id"`
	Original  string    `json:"original"`
	Corrected string    `json:"corrected"`
	Query     string    `json:"query"`
	Count     int       `json:"count"`
	Formatted string    `json:"formatted"`
	Timestamp time.Time `json:"timestamp"`
}

// SearchFailed is emitted once per failed run or capture.
type SearchFailed struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTTSAudio         = "tts.audio.out"

	SubjectCommandCaptureStart = "search.cmd.capture.start"
	SubjectCommandCaptureStop  = "search.cmd.capture.stop"
	SubjectCommandConfirm      = "search.cmd.confirm"
	SubjectCommandRetry        = "search.cmd.retry"
	SubjectCommandNewSearch    = "search.cmd.new"
	SubjectCommandCancel       = "search.cmd.cancel"

	SubjectStage      = "search.stage"
	SubjectElapsed    = "search.elapsed"
	SubjectTranscript = "search.transcript"
	SubjectProgress   = "search.progress"
	SubjectComplete   = "search.complete"
	SubjectError      = "search.error"
)
