// Package workflow runs multi-step browser automation recipes with
// checkpoints, rollback and declared recovery strategies.
package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/autoflow/internal/fsutil"
)

// Recovery strategy types.
const (
	StrategyRetry       = "retry"
	StrategyAlternative = "alternative"
	StrategyRollback    = "rollback"
)

// RecoveryStrategy is one fallback tried after a step fails.
type RecoveryStrategy struct {
	Type string `json:"type" yaml:"type"`
	// retry
	MaxRetries int     `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Delay      float64 `json:"delay,omitempty" yaml:"delay,omitempty"`
	// alternative
	Step *StepDefinition `json:"step,omitempty" yaml:"step,omitempty"`
	// rollback
	Checkpoint string `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
}

// StepDefinition declares one unit of work.
type StepDefinition struct {
	ID                 string                 `json:"id" yaml:"id"`
	Type               string                 `json:"type" yaml:"type"`
	Params             map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
	Dependencies       []string               `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Checkpoint         bool                   `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	RecoveryStrategies []RecoveryStrategy     `json:"recovery_strategies,omitempty" yaml:"recovery_strategies,omitempty"`
	Condition          string                 `json:"condition,omitempty" yaml:"condition,omitempty"`
	// Timeout is in seconds. Zero means no step deadline.
	Timeout float64 `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Definition is a complete workflow as authored in JSON or YAML.
type Definition struct {
	ID          string                 `json:"id" yaml:"id"`
	Name        string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Settings    map[string]interface{} `json:"settings,omitempty" yaml:"settings,omitempty"`
	Steps       []StepDefinition       `json:"steps" yaml:"steps"`
	StepOrder   []string               `json:"step_order,omitempty" yaml:"step_order,omitempty"`
}

// Order returns the execution order: StepOrder, or definition order when empty.
func (d *Definition) Order() []string {
	if len(d.StepOrder) > 0 {
		return append([]string(nil), d.StepOrder...)
	}
	order := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		order[i] = s.ID
	}
	return order
}

// Step looks up a step by id.
func (d *Definition) Step(id string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// Validate checks the definition's structure. known reports whether a step
// type has a handler; nil skips that check.
func (d *Definition) Validate(known func(stepType string) bool) error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("workflow id is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", d.ID)
	}

	ids := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("workflow %s: every step needs an id", d.ID)
		}
		if ids[s.ID] {
			return fmt.Errorf("workflow %s: duplicate step id %q", d.ID, s.ID)
		}
		ids[s.ID] = true
	}

	var errs []error
	for _, s := range d.Steps {
		if err := validateStep(s, known); err != nil {
			errs = append(errs, err)
		}
		for _, dep := range s.Dependencies {
			if !ids[dep] {
				errs = append(errs, fmt.Errorf("step %s depends on unknown step %q", s.ID, dep))
			}
		}
	}
	seen := make(map[string]bool, len(d.StepOrder))
	for _, id := range d.StepOrder {
		if !ids[id] {
			errs = append(errs, fmt.Errorf("step_order references unknown step %q", id))
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("step_order lists %q twice", id))
		}
		seen[id] = true
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("workflow %s is invalid: %w", d.ID, err)
	}
	return nil
}

func validateStep(s StepDefinition, known func(string) bool) error {
	if s.Type == "" {
		return fmt.Errorf("step %s has no type", s.ID)
	}
	if known != nil && !known(s.Type) {
		return fmt.Errorf("step %s: no handler for type %q", s.ID, s.Type)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("step %s: timeout must not be negative", s.ID)
	}
	for _, rs := range s.RecoveryStrategies {
		switch rs.Type {
		case StrategyRetry:
			if rs.MaxRetries < 1 {
				return fmt.Errorf("step %s: retry needs max_retries >= 1", s.ID)
			}
			if rs.Delay < 0 {
				return fmt.Errorf("step %s: retry delay must not be negative", s.ID)
			}
		case StrategyAlternative:
			if rs.Step == nil {
				return fmt.Errorf("step %s: alternative needs a step", s.ID)
			}
			alt := *rs.Step
			if alt.ID == "" {
				alt.ID = s.ID
			}
			alt.RecoveryStrategies = nil
			if err := validateStep(alt, known); err != nil {
				return fmt.Errorf("step %s alternative: %w", s.ID, err)
			}
		case StrategyRollback:
			if rs.Checkpoint == "" {
				return fmt.Errorf("step %s: rollback needs a checkpoint name", s.ID)
			}
		default:
			return fmt.Errorf("step %s: unknown recovery strategy %q", s.ID, rs.Type)
		}
	}
	return nil
}

// ParseDefinition decodes a definition. YAML is a superset of JSON, but JSON
// input goes through the JSON decoder so numbers keep their float64 form.
// A missing id is filled with a fresh UUID.
func ParseDefinition(data []byte, format string) (*Definition, error) {
	var def Definition
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to parse workflow YAML: %w", err)
		}
	case "json", "":
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("failed to parse workflow JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported workflow format %q", format)
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	return &def, nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// LoadDefinition reads a workflow file. The format follows the extension.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow %s: %w", path, err)
	}
	return ParseDefinition(data, formatOf(path))
}

// SaveDefinition writes def to path atomically, as YAML or JSON by extension.
func SaveDefinition(path string, def *Definition) error {
	if formatOf(path) == "yaml" {
		data, err := yaml.Marshal(def)
		if err != nil {
			return err
		}
		return fsutil.WriteFileAtomic(path, data, 0o644)
	}
	return fsutil.WriteJSON(path, def)
}
