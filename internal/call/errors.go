package call

import (
	"errors"
	"fmt"
)

// ErrInvalidState is returned when a turn event arrives for a session that
// has already reached a terminal state.
var ErrInvalidState = errors.New("call: session in terminal state")

// ErrSessionBusy is returned when a turn event arrives while another turn for
// the same session is still being processed. The signaling layer should
// re-prompt rather than retry immediately.
var ErrSessionBusy = errors.New("call: session busy")

// errDiscard aborts a session mutation without treating it as a failure.
// Used when an in-flight collaborator result returns after the session has
// already reached a terminal state: the result is dropped, the session is
// left untouched.
var errDiscard = errors.New("call: result discarded, session already terminal")

// CollaboratorError wraps a failed call to an external collaborator
// (speech-to-text, text-to-speech, or reply generation).
type CollaboratorError struct {
	// Stage names the collaborator that failed ("stt", "tts", "reply").
	Stage string

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("call: %s collaborator: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying failure.
func (e *CollaboratorError) Unwrap() error {
	return e.Err
}
