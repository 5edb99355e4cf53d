package ground

import (
	"errors"
	"fmt"
)

var (
	// ErrDegenerateInput is returned when no plane can be fitted: fewer than
	// three points, or every point lies on one line.
	ErrDegenerateInput = errors.New("degenerate input")

	// ErrInvalidPlaneModel is returned for a normal that is not finite or has
	// near-zero magnitude, or an offset that is not finite.
	ErrInvalidPlaneModel = errors.New("invalid plane model")

	// ErrEmptyFrame is returned for a frame without points when the aligner
	// requires non-empty input.
	ErrEmptyFrame = errors.New("empty frame")
)

// FrameError ties a processing failure to the frame that caused it
type FrameError struct {
	SensorID string
	FrameID  string
	Err      error
}

func (e *FrameError) Error() string {
	if e.SensorID == "" {
		return fmt.Sprintf("frame %s: %v", e.FrameID, e.Err)
	}
	return fmt.Sprintf("sensor %s frame %s: %v", e.SensorID, e.FrameID, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Kind names the failure class for logs and diagnostics
func (e *FrameError) Kind() string {
	return ErrorKind(e.Err)
}

// ErrorKind maps an error to the name of the sentinel it wraps
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDegenerateInput):
		return "DegenerateInput"
	case errors.Is(err, ErrInvalidPlaneModel):
		return "InvalidPlaneModel"
	case errors.Is(err, ErrEmptyFrame):
		return "EmptyFrame"
	default:
		return "Other"
	}
}
