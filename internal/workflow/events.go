package workflow

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventWorkflowStarted    EventType = "workflow_started"
	EventWorkflowPaused     EventType = "workflow_paused"
	EventWorkflowResumed    EventType = "workflow_resumed"
	EventWorkflowCancelled  EventType = "workflow_cancelled"
	EventWorkflowCompleted  EventType = "workflow_completed"
	EventWorkflowFailed     EventType = "workflow_failed"
	EventWorkflowRetried    EventType = "workflow_retried"
	EventWorkflowRecovered  EventType = "workflow_recovered"
	EventStepStarted        EventType = "step_started"
	EventStepCompleted      EventType = "step_completed"
	EventStepFailed         EventType = "step_failed"
	EventStepSkipped        EventType = "step_skipped"
	EventRecoveryAttempted  EventType = "recovery_attempted"
	EventCheckpointCreated  EventType = "checkpoint_created"
	EventCheckpointRestored EventType = "checkpoint_restored"
)

// Event is delivered to subscribers synchronously from the engine.
type Event struct {
	Type       EventType `json:"type"`
	WorkflowID string    `json:"workflow_id"`
	StepID     string    `json:"step_id,omitempty"`
	Checkpoint string    `json:"checkpoint,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// Listener receives events on the goroutine running the workflow.
type Listener func(Event)

type bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
	logger    *zap.Logger
}

func newBus(logger *zap.Logger) *bus {
	return &bus{listeners: make(map[int]Listener), logger: logger}
}

func (b *bus) subscribe(l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *bus) publish(ev Event) {
	b.mu.RLock()
	ls := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		ls = append(ls, l)
	}
	b.mu.RUnlock()

	for _, l := range ls {
		b.deliver(l, ev)
	}
}

func (b *bus) deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event listener panicked", zap.String("event", string(ev.Type)), zap.Any("panic", r))
		}
	}()
	l(ev)
}
