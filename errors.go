package transcode

import (
	"context"
	"errors"
	"fmt"
)

// Common errors
var (
	ErrEndOfStream        = errors.New("end of stream")
	ErrNeedMoreInput      = errors.New("need more input")
	ErrNotSupported       = errors.New("operation not supported")
	ErrCorruptPacket      = errors.New("corrupt packet")
	ErrReconfiguration    = errors.New("stream parameters changed mid-stream")
	ErrCodecNotSupported  = errors.New("codec not supported")
	ErrProviderNotFound   = errors.New("provider not available")
	ErrFormatNotSupported = errors.New("container format not supported")
	ErrPipelineClosed     = errors.New("pipeline closed")
	ErrInvalidTransition  = errors.New("invalid job state transition")
)

// ErrorKind classifies a pipeline failure. An ErrorKind is itself an error so
// callers can match with errors.Is(err, transcode.DecodeError).
type ErrorKind int

const (
	UnknownError           ErrorKind = iota
	SourceError                      // Cannot open or parse the input
	ReadError                        // I/O failure while reading packets
	DecodeError                      // Codec rejected data
	TransformError                   // Unsupported sample or pixel conversion
	EncodeError                      // Codec rejected a frame or its config
	SinkError                        // Cannot open the output
	WriteError                       // I/O failure while writing
	UnsupportedStreamError           // No viable stream mapping
	TimestampOrderingError           // Mux reorder window exceeded
	CancelledError                   // Cancelled by the caller
)

func (k ErrorKind) String() string {
	switch k {
	case SourceError:
		return "source error"
	case ReadError:
		return "read error"
	case DecodeError:
		return "decode error"
	case TransformError:
		return "transform error"
	case EncodeError:
		return "encode error"
	case SinkError:
		return "sink error"
	case WriteError:
		return "write error"
	case UnsupportedStreamError:
		return "unsupported stream"
	case TimestampOrderingError:
		return "timestamp ordering error"
	case CancelledError:
		return "cancelled"
	default:
		return "unknown error"
	}
}

func (k ErrorKind) Error() string { return k.String() }

// PipelineError is the structured error attached to a failed or cancelled job.
type PipelineError struct {
	Kind        ErrorKind
	StreamIndex int // Input stream index, -1 when not stream specific
	Err         error
}

func (e *PipelineError) Error() string {
	msg := "transcode: " + e.Kind.String()
	if e.StreamIndex >= 0 {
		msg += fmt.Sprintf(" (stream %d)", e.StreamIndex)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Is matches an ErrorKind or another *PipelineError of the same kind.
func (e *PipelineError) Is(target error) bool {
	switch t := target.(type) {
	case ErrorKind:
		return e.Kind == t
	case *PipelineError:
		return e.Kind == t.Kind
	}
	return false
}

// newError wraps err as a *PipelineError unless it already is one, so the
// originating kind and stream survive propagation.
func newError(kind ErrorKind, stream int, err error) error {
	if err == nil {
		return nil
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		kind = CancelledError
	}
	return &PipelineError{Kind: kind, StreamIndex: stream, Err: err}
}

// KindOf returns the ErrorKind carried by err, or UnknownError.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var k ErrorKind
	if errors.As(err, &k) {
		return k
	}
	return UnknownError
}
