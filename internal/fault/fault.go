// Package fault classifies failures raised while capturing, transcribing and
// searching. Every stage reports through *Error so callers can pick a remedy
// without matching on message text.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the failure class.
type Kind int

const (
	KindUnknown Kind = iota
	KindDevice
	KindRecognition
	KindCorrection
	KindQueryGeneration
	KindQueryValidation
	KindStorage
	KindFormat
	KindSupervisorTimeout
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindRecognition:
		return "recognition"
	case KindCorrection:
		return "correction"
	case KindQueryGeneration:
		return "query_generation"
	case KindQueryValidation:
		return "query_validation"
	case KindStorage:
		return "storage"
	case KindFormat:
		return "format"
	case KindSupervisorTimeout:
		return "supervisor_timeout"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Fatal reports whether a failure of this kind ends the current pipeline run.
// Device, recognition and correction failures degrade or are retried by the
// operator instead.
func (k Kind) Fatal() bool {
	switch k {
	case KindQueryGeneration, KindQueryValidation, KindStorage, KindFormat:
		return true
	default:
		return false
	}
}

// Error carries the failure kind, the operation that raised it and the cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Kind, e.Op, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by kind so errors.Is(err, fault.Storage("", nil))
// style checks work without comparing causes.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil && t.Msg == ""
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Device(op string, err error) *Error      { return newError(KindDevice, op, err) }
func Recognition(op string, err error) *Error { return newError(KindRecognition, op, err) }
func Correction(op string, err error) *Error  { return newError(KindCorrection, op, err) }
func QueryGeneration(op string, err error) *Error {
	return newError(KindQueryGeneration, op, err)
}
func QueryValidation(op, msg string) *Error {
	return &Error{Kind: KindQueryValidation, Op: op, Msg: msg}
}
func Storage(op string, err error) *Error { return newError(KindStorage, op, err) }
func StorageMessage(op, msg string) *Error {
	return &Error{Kind: KindStorage, Op: op, Msg: msg}
}
func Format(op string, err error) *Error { return newError(KindFormat, op, err) }
func SupervisorTimeout(op string, err error) *Error {
	return newError(KindSupervisorTimeout, op, err)
}

// Sentinels usable with errors.Is.
var (
	ErrDevice            = &Error{Kind: KindDevice}
	ErrRecognition       = &Error{Kind: KindRecognition}
	ErrCorrection        = &Error{Kind: KindCorrection}
	ErrQueryGeneration   = &Error{Kind: KindQueryGeneration}
	ErrQueryValidation   = &Error{Kind: KindQueryValidation}
	ErrStorage           = &Error{Kind: KindStorage}
	ErrFormat            = &Error{Kind: KindFormat}
	ErrSupervisorTimeout = &Error{Kind: KindSupervisorTimeout}
)

// KindOf returns the kind of the outermost *Error in err's chain. Context
// cancellation is reported as KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindUnknown
}
