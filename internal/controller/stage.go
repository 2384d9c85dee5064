package controller

import (
	"errors"
	"time"

	"github.com/loqalabs/loqa-voicesearch/internal/fault"
	"github.com/loqalabs/loqa-voicesearch/internal/stt"
)

var (
	ErrInvalidTransition = errors.New("command not valid in current stage")
	ErrUnrecognized      = errors.New("speech not recognized")
	ErrNothingToSearch   = errors.New("no text to search")
	ErrQueueFull         = errors.New("controller busy")
	ErrStopped           = errors.New("controller stopped")
)

// Stage is the operator-facing step of a search session.
type Stage int

const (
	StageCapturing Stage = iota
	StageAwaitingConfirmation
	StageProcessing
)

func (s Stage) String() string {
	switch s {
	case StageCapturing:
		return "capturing"
	case StageAwaitingConfirmation:
		return "awaiting_confirmation"
	case StageProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// Classified is an error ready for the operator: its kind, the remedy
// category and a message to show.
type Classified struct {
	Kind     fault.Kind
	Category fault.Category
	Message  string
	Err      error
}

func Classify(err error) Classified {
	kind := fault.KindOf(err)
	if errors.Is(err, ErrUnrecognized) {
		kind = fault.KindRecognition
	}
	category, msg := fault.Remedy(kind)
	return Classified{Kind: kind, Category: category, Message: msg, Err: err}
}

// Callbacks are invoked from the controller goroutine. They must not block.
type Callbacks struct {
	OnStage      func(sessionID string, stage Stage)
	OnElapsed    func(sessionID string, elapsed time.Duration)
	OnTranscript func(sessionID string, result stt.Result)
	OnProgress   func(sessionID, label string, percent int)
	OnComplete   func(sessionID, original, corrected, formatted string)
	OnError      func(sessionID string, err Classified)
}

// Merge returns callbacks that invoke every non-nil handler of each set in order.
func Merge(sets ...Callbacks) Callbacks {
	var out Callbacks
	for _, set := range sets {
		if set.OnStage != nil {
			prev := out.OnStage
			out.OnStage = func(id string, s Stage) {
				if prev != nil {
					prev(id, s)
				}
				set.OnStage(id, s)
			}
		}
		if set.OnElapsed != nil {
			prev := out.OnElapsed
			out.OnElapsed = func(id string, d time.Duration) {
				if prev != nil {
					prev(id, d)
				}
				set.OnElapsed(id, d)
			}
		}
		if set.OnTranscript != nil {
			prev := out.OnTranscript
			out.OnTranscript = func(id string, r stt.Result) {
				if prev != nil {
					prev(id, r)
				}
				set.OnTranscript(id, r)
			}
		}
		if set.OnProgress != nil {
			prev := out.OnProgress
			out.OnProgress = func(id, label string, percent int) {
				if prev != nil {
					prev(id, label, percent)
				}
				set.OnProgress(id, label, percent)
			}
		}
		if set.OnComplete != nil {
			prev := out.OnComplete
			out.OnComplete = func(id, original, corrected, formatted string) {
				if prev != nil {
					prev(id, original, corrected, formatted)
				}
				set.OnComplete(id, original, corrected, formatted)
			}
		}
		if set.OnError != nil {
			prev := out.OnError
			out.OnError = func(id string, c Classified) {
				if prev != nil {
					prev(id, c)
				}
				set.OnError(id, c)
			}
		}
	}
	return out
}
