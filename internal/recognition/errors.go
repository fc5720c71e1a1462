package recognition

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// ErrNotRecognized is matched by every RecognitionError.
var ErrNotRecognized = errors.New("target not recognized")

// RecognitionError reports that no strategy produced a confident result.
// Errors holds one entry per strategy that failed outright or fell short.
type RecognitionError struct {
	Target Target
	Errors error
}

func (e *RecognitionError) Error() string {
	if e.Errors == nil {
		return fmt.Sprintf("%v: %q", ErrNotRecognized, e.Target.Description)
	}
	return fmt.Sprintf("%v: %q: %v", ErrNotRecognized, e.Target.Description, e.Errors)
}

// Unwrap exposes ErrNotRecognized and each strategy failure to errors.Is and errors.As.
func (e *RecognitionError) Unwrap() []error {
	return append([]error{ErrNotRecognized}, multierr.Errors(e.Errors)...)
}
