package interruption

import "fmt"

// PersistenceError reports a failed load or save of a store file. Stores log
// it and keep operating on their in-memory state.
type PersistenceError struct {
	Path  string
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }
