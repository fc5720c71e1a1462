package workflow

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/fsutil"
)

// Snapshot is the on-disk form of a workflow context.
type Snapshot struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Status      Status                 `json:"status"`
	Definition  *Definition            `json:"definition"`
	State       map[string]interface{} `json:"state"`
	Results     map[string]StepResult  `json:"results"`
	Checkpoints map[string]*Checkpoint `json:"checkpoints"`
	Path        []string               `json:"path"`
	StartedAt   time.Time              `json:"started_at"`
	EndedAt     time.Time              `json:"ended_at"`
	Error       string                 `json:"error,omitempty"`
	SavedAt     time.Time              `json:"saved_at"`
}

// SnapshotPath is where the snapshot for id lives in dir.
func SnapshotPath(dir, id string) string {
	safe := strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(id)
	return filepath.Join(dir, safe+".json")
}

func (c *Context) snapshot(at time.Time) *Snapshot {
	s := &Snapshot{
		ID:          c.ID,
		Name:        c.Definition.Name,
		Status:      c.Status,
		Definition:  c.Definition,
		State:       copyMap(c.State),
		Results:     make(map[string]StepResult, len(c.Results)),
		Checkpoints: make(map[string]*Checkpoint, len(c.Checkpoints)),
		Path:        append([]string{}, c.Path...),
		StartedAt:   c.StartedAt,
		EndedAt:     c.EndedAt,
		SavedAt:     at,
	}
	for k, v := range c.Results {
		s.Results[k] = v.clone()
	}
	// Checkpoints are never modified after creation, so sharing them is safe.
	for k, v := range c.Checkpoints {
		s.Checkpoints[k] = v
	}
	if c.Err != nil {
		s.Error = c.Err.Error()
	}
	return s
}

// snapshot writes the run's context to the snapshot directory, if one is
// configured. Failures are logged.
func (e *Engine) snapshot(r *run) {
	if e.snapshotDir == "" {
		return
	}
	r.mu.Lock()
	snap := r.wctx.snapshot(e.now())
	r.mu.Unlock()

	path := SnapshotPath(e.snapshotDir, snap.ID)
	if err := fsutil.WriteJSON(path, snap); err != nil {
		e.logger.Warn("Failed to write workflow snapshot", zap.String("workflow_id", snap.ID), zap.String("path", path), zap.Error(err))
	}
}

// LoadSnapshot reads the snapshot of workflow id from dir.
func LoadSnapshot(dir, id string) (*Snapshot, error) {
	path := SnapshotPath(dir, id)
	var snap Snapshot
	exists, err := fsutil.ReadJSON(path, &snap)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: no snapshot for %s in %s", ErrNotFound, id, dir)
	}
	return &snap, nil
}
