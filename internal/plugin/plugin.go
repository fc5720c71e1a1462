// Package plugin implements the capability registry: explicit registration,
// dependency-ordered initialization, serialized per-instance execution and
// tolerant cleanup.
package plugin

import (
	"context"

	"go.uber.org/zap"
)

// Type is a plugin's capability class.
type Type string

const (
	Automation   Type = "automation"
	Recognition  Type = "recognition"
	Interruption Type = "interruption"
	WorkflowStep Type = "workflow_step"
	UI           Type = "ui"
)

// Info describes a plugin. It is fixed at registration time.
type Info struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Version      string   `json:"version"`
	Type         Type     `json:"type"`
	Priority     int      `json:"priority"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Plugin is a capability implementation. The registry guarantees that calls
// into a single instance never overlap.
type Plugin interface {
	Info() Info
	Initialize(ctx context.Context, cfg map[string]interface{}) error
	Cleanup(ctx context.Context) error
	ExecuteAction(ctx context.Context, action string, params map[string]interface{}) (map[string]interface{}, error)
}

// Host lets a plugin call actions on the plugins it declared as dependencies.
type Host interface {
	Execute(ctx context.Context, id, action string, params map[string]interface{}) (map[string]interface{}, error)
}

// Factory constructs an uninitialized plugin instance.
type Factory func(host Host, logger *zap.Logger) Plugin

// Descriptor pairs a plugin's Info with its constructor.
type Descriptor struct {
	Info Info
	New  Factory
}

// Table is a registration table: descriptors grouped by location name.
type Table map[string][]Descriptor

// Handle is a point-in-time view of a registered plugin.
type Handle struct {
	Info  Info  `json:"info"`
	Ready bool  `json:"ready"`
	Err   error `json:"-"`
}

// Criteria filters Find results. Zero-valued fields match everything.
type Criteria struct {
	ID          string
	Name        string
	MinPriority int
	ReadyOnly   bool
}
