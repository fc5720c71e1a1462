package plugin

import (
	"errors"
	"fmt"
)

var (
	ErrPluginNotFound  = errors.New("plugin not found")
	ErrDuplicatePlugin = errors.New("plugin already registered")
	ErrDependency      = errors.New("dependency failed to initialize")
	ErrDependencyCycle = errors.New("dependency cycle")
	ErrNotReady        = errors.New("plugin not initialized")
	ErrUnknownAction   = errors.New("unknown action")
	ErrInvalidParam    = errors.New("invalid parameter")
	ErrWorkerStopped   = errors.New("plugin worker stopped")
	ErrInUse           = errors.New("plugin in use by a dependent")
)

// InitializationError reports that a plugin, or something it depends on, could not start.
type InitializationError struct {
	ID    string
	Cause error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("plugin %q failed to initialize: %v", e.ID, e.Cause)
}

func (e *InitializationError) Unwrap() error { return e.Cause }

// UnknownAction is returned by plugins for action names they do not implement.
func UnknownAction(pluginID, action string) error {
	return fmt.Errorf("%w %q for plugin %q", ErrUnknownAction, action, pluginID)
}
