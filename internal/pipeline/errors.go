package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel errors for precondition failures. Stage execution failures
// are reported as *StageError instead.
var (
	// ErrInvalidState rejects an operation whose input artifact is not
	// populated in the session's current state.
	ErrInvalidState = errors.New("operation not valid in current session state")

	// ErrNoTranscript rejects transcript access before transcription
	// has succeeded.
	ErrNoTranscript = errors.New("no transcript available")

	// ErrUnsupportedMedia rejects uploads with a container type outside
	// the accepted list.
	ErrUnsupportedMedia = errors.New("unsupported media type")

	// ErrUploadTooLarge rejects uploads over the configured cap.
	ErrUploadTooLarge = errors.New("upload exceeds size limit")

	// ErrTooManySessions rejects session creation over the configured cap.
	ErrTooManySessions = errors.New("active session limit reached")

	// ErrSessionNotFound reports an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
)

// StageError reports a failed stage run. The session keeps its prior
// state when a stage fails, so the operation can simply be retried.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
