package workflow

import (
	"sort"
	"time"
)

// Status is the lifecycle state of a workflow.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records a step's last execution.
type StepResult struct {
	StepID   string                 `json:"step_id"`
	Status   StepStatus             `json:"status"`
	Output   map[string]interface{} `json:"output,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Duration time.Duration          `json:"duration"`
	Attempts int                    `json:"attempts"`
}

func (r StepResult) clone() StepResult {
	r.Output = copyMap(r.Output)
	return r
}

// Checkpoint is a deep snapshot of a workflow taken before StepIndex ran.
type Checkpoint struct {
	Name      string                 `json:"name"`
	StepIndex int                    `json:"step_index"`
	Seq       int                    `json:"seq"`
	CreatedAt time.Time              `json:"created_at"`
	State     map[string]interface{} `json:"state"`
	Path      []string               `json:"path"`
	Results   map[string]StepResult  `json:"results"`
}

// Context is the mutable record of one workflow run. It is owned by the
// Engine; callers see copies through Status and snapshots.
type Context struct {
	ID          string
	Definition  *Definition
	State       map[string]interface{}
	Settings    map[string]interface{}
	Results     map[string]StepResult
	Checkpoints map[string]*Checkpoint
	Path        []string
	Status      Status
	StartedAt   time.Time
	EndedAt     time.Time
	Err         error

	checkpointSeq int
}

func newContext(def *Definition) *Context {
	return &Context{
		ID:          def.ID,
		Definition:  def,
		State:       make(map[string]interface{}),
		Settings:    copyMap(def.Settings),
		Results:     make(map[string]StepResult),
		Checkpoints: make(map[string]*Checkpoint),
		Status:      StatusPending,
	}
}

func (c *Context) checkpoint(name string, stepIndex int, at time.Time) *Checkpoint {
	c.checkpointSeq++
	results := make(map[string]StepResult, len(c.Results))
	for k, v := range c.Results {
		results[k] = v.clone()
	}
	cp := &Checkpoint{
		Name:      name,
		StepIndex: stepIndex,
		Seq:       c.checkpointSeq,
		CreatedAt: at,
		State:     copyMap(c.State),
		Path:      append([]string{}, c.Path...),
		Results:   results,
	}
	c.Checkpoints[name] = cp
	return cp
}

func (c *Context) restore(cp *Checkpoint) {
	c.State = copyMap(cp.State)
	c.Path = append([]string{}, cp.Path...)
	c.Results = make(map[string]StepResult, len(cp.Results))
	for k, v := range cp.Results {
		c.Results[k] = v.clone()
	}
}

// resetUnfinished drops every result that is neither completed nor skipped
// and returns the index in run order of the first step left without one.
func (c *Context) resetUnfinished() int {
	for id, res := range c.Results {
		if res.Status != StepCompleted && res.Status != StepSkipped {
			delete(c.Results, id)
		}
	}
	order := c.Definition.Order()
	for i, id := range order {
		if _, done := c.Results[id]; !done {
			return i
		}
	}
	return len(order)
}

// latestCheckpoint returns the most recently taken checkpoint at or before stepIndex.
func (c *Context) latestCheckpoint(stepIndex int) *Checkpoint {
	var best *Checkpoint
	for _, cp := range c.Checkpoints {
		if cp.StepIndex > stepIndex {
			continue
		}
		if best == nil || cp.Seq > best.Seq {
			best = cp
		}
	}
	return best
}

// merge folds a step's output into state: every key at the top level and the
// whole map under the step id.
func (c *Context) merge(stepID string, output map[string]interface{}) {
	if output == nil {
		return
	}
	for k, v := range output {
		c.State[k] = copyValue(v)
	}
	c.State[stepID] = copyMap(output)
}

// StatusReport is a read-only view of a workflow.
type StatusReport struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Status      Status                 `json:"status"`
	StartedAt   time.Time              `json:"started_at,omitempty"`
	EndedAt     time.Time              `json:"ended_at,omitempty"`
	Elapsed     time.Duration          `json:"elapsed"`
	Path        []string               `json:"path"`
	Completed   int                    `json:"completed"`
	Failed      int                    `json:"failed"`
	Skipped     int                    `json:"skipped"`
	Steps       map[string]StepResult  `json:"steps"`
	State       map[string]interface{} `json:"state"`
	Checkpoints []string               `json:"checkpoints"`
	Error       string                 `json:"error,omitempty"`
}

func (c *Context) report(now time.Time) StatusReport {
	r := StatusReport{
		ID:        c.ID,
		Name:      c.Definition.Name,
		Status:    c.Status,
		StartedAt: c.StartedAt,
		EndedAt:   c.EndedAt,
		Path:      append([]string{}, c.Path...),
		Steps:     make(map[string]StepResult, len(c.Results)),
		State:     copyMap(c.State),
	}
	if !c.StartedAt.IsZero() {
		end := c.EndedAt
		if end.IsZero() {
			end = now
		}
		r.Elapsed = end.Sub(c.StartedAt)
	}
	for id, res := range c.Results {
		r.Steps[id] = res.clone()
		switch res.Status {
		case StepCompleted:
			r.Completed++
		case StepFailed:
			r.Failed++
		case StepSkipped:
			r.Skipped++
		}
	}
	for name := range c.Checkpoints {
		r.Checkpoints = append(r.Checkpoints, name)
	}
	sort.Strings(r.Checkpoints)
	if c.Err != nil {
		r.Error = c.Err.Error()
	}
	return r
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	}
	return v
}
