package audio

import (
	"errors"
	"os"

	"github.com/audiolibrelab/podcastcapture/internal/decode"
)

var (
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	ErrPermissionDenied  = errors.New("capture permission denied")
	ErrTimeout           = errors.New("timed out waiting for capture device")
	ErrInvalidState      = errors.New("invalid session state")

	// ErrDecode is returned when captured bytes cannot be turned into samples.
	ErrDecode = decode.ErrDecode
)

// State is the lifecycle position of a recording session
type State string

const (
	StateIdle           State = "IDLE"
	StateAwaitingDevice State = "AWAITING_DEVICE"
	StateCapturing      State = "CAPTURING"
	StateStopped        State = "STOPPED"
	StateDecoding       State = "DECODING"
	StateReady          State = "READY"
	StateFailed         State = "FAILED"
)

// Message is the status line shown to the user for this state.
func (s State) Message() string {
	switch s {
	case StateIdle:
		return "Ready to record"
	case StateAwaitingDevice:
		return "Waiting for microphone..."
	case StateCapturing:
		return "Recording..."
	case StateStopped:
		return "Recording stopped"
	case StateDecoding:
		return "Processing recording..."
	case StateReady:
		return "Recording ready to export"
	case StateFailed:
		return "Recording failed"
	default:
		return string(s)
	}
}

// Reason explains why a session is in StateFailed
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonDeviceUnavailable Reason = "DEVICE_UNAVAILABLE"
	ReasonPermissionDenied  Reason = "PERMISSION_DENIED"
	ReasonTimeout           Reason = "TIMEOUT"
	ReasonDecodeError       Reason = "DECODE_ERROR"
)

// Message is the human-readable status for a failure reason.
func (r Reason) Message() string {
	switch r {
	case ReasonDeviceUnavailable:
		return "No microphone available. Check that a capture device is connected."
	case ReasonPermissionDenied:
		return "Microphone access was denied."
	case ReasonTimeout:
		return "The microphone did not respond in time."
	case ReasonDecodeError:
		return "The recording could not be decoded. The raw capture can still be downloaded."
	default:
		return ""
	}
}

// Err returns the sentinel error matching the reason.
func (r Reason) Err() error {
	switch r {
	case ReasonDeviceUnavailable:
		return ErrDeviceUnavailable
	case ReasonPermissionDenied:
		return ErrPermissionDenied
	case ReasonTimeout:
		return ErrTimeout
	case ReasonDecodeError:
		return ErrDecode
	default:
		return nil
	}
}

// classifyAcquireError maps a capture start failure onto a failure reason.
func classifyAcquireError(err error, timedOut bool) Reason {
	switch {
	case timedOut || errors.Is(err, ErrTimeout):
		return ReasonTimeout
	case errors.Is(err, ErrPermissionDenied) || errors.Is(err, os.ErrPermission):
		return ReasonPermissionDenied
	default:
		return ReasonDeviceUnavailable
	}
}
