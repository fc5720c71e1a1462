// Package schedule runs workflow definition files on cron specs within the
// local process.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/config"
	"github.com/xkilldash9x/autoflow/internal/workflow"
)

// Runner is the engine surface the scheduler drives.
type Runner interface {
	CreateWorkflow(def *workflow.Definition) (string, error)
	StartWorkflow(ctx context.Context, id string) (workflow.StatusReport, error)
	DeleteWorkflow(id string) error
}

// Run records one scheduled execution.
type Run struct {
	Definition string          `json:"definition"`
	WorkflowID string          `json:"workflow_id"`
	Started    time.Time       `json:"started"`
	Duration   time.Duration   `json:"duration"`
	Status     workflow.Status `json:"status"`
	Error      string          `json:"error,omitempty"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithHistorySize keeps the last n runs. Zero keeps none.
func WithHistorySize(n int) Option {
	return func(s *Scheduler) { s.historySize = n }
}

// WithLocation evaluates specs in loc instead of the local time zone.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.loc = loc }
}

// Scheduler starts a fresh workflow from a definition file every time its spec fires.
type Scheduler struct {
	mu     sync.Mutex
	runner Runner
	logger *zap.Logger
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	entries []config.ScheduleEntry

	hmu         sync.Mutex
	history     []Run
	historySize int
}

// New creates a stopped scheduler.
func New(runner Runner, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		runner:      runner,
		logger:      logger.Named("scheduler"),
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:         time.Local,
		historySize: 50,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add validates an entry and schedules it. The definition file must parse
// now; it is re-read on every run so edits take effect without a restart.
func (s *Scheduler) Add(entry config.ScheduleEntry) error {
	if _, err := s.parser.Parse(entry.Spec); err != nil {
		return fmt.Errorf("invalid schedule spec %q: %w", entry.Spec, err)
	}
	if _, err := workflow.LoadDefinition(entry.Definition); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if s.c != nil {
		return s.addLocked(entry)
	}
	return nil
}

func (s *Scheduler) addLocked(entry config.ScheduleEntry) error {
	ctx := s.ctx
	_, err := s.c.AddFunc(entry.Spec, func() { s.RunOnce(ctx, entry.Definition) })
	return err
}

// Start begins firing entries. Runs use a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	logger := cronLogger{s.logger.Sugar()}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	for _, e := range s.entries {
		if err := s.addLocked(e); err != nil {
			s.cancel()
			s.c = nil
			return err
		}
	}
	s.c.Start()
	s.logger.Info("Scheduler started", zap.Int("entries", len(s.entries)), zap.String("tz", s.loc.String()))
	return nil
}

// Stop cancels running workflows and waits for their jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// RunOnce loads the definition at path and runs it under a unique id. The
// workflow is removed from the engine afterwards; its outcome stays in History.
func (s *Scheduler) RunOnce(ctx context.Context, path string) (run Run) {
	run = Run{Definition: path, Started: time.Now()}
	defer func() {
		run.Duration = time.Since(run.Started)
		s.record(run)
	}()

	def, err := workflow.LoadDefinition(path)
	if err != nil {
		run.Status, run.Error = workflow.StatusFailed, err.Error()
		s.logger.Warn("Scheduled definition unreadable", zap.String("definition", path), zap.Error(err))
		return run
	}
	def.ID = fmt.Sprintf("%s-%s", def.ID, uuid.NewString()[:8])
	run.WorkflowID = def.ID

	if _, err := s.runner.CreateWorkflow(def); err != nil {
		run.Status, run.Error = workflow.StatusFailed, err.Error()
		s.logger.Warn("Scheduled workflow rejected", zap.String("definition", path), zap.Error(err))
		return run
	}
	defer func() {
		if err := s.runner.DeleteWorkflow(def.ID); err != nil {
			s.logger.Debug("Could not remove finished workflow", zap.String("workflow_id", def.ID), zap.Error(err))
		}
	}()

	status, err := s.runner.StartWorkflow(ctx, def.ID)
	run.Status = status.Status
	if err != nil {
		run.Error = err.Error()
		s.logger.Warn("Scheduled workflow failed", zap.String("workflow_id", def.ID), zap.Error(err))
		return run
	}
	s.logger.Info("Scheduled workflow completed", zap.String("workflow_id", def.ID))
	return run
}

func (s *Scheduler) record(r Run) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if s.historySize <= 0 {
		return
	}
	s.history = append(s.history, r)
	if len(s.history) > s.historySize {
		s.history = s.history[len(s.history)-s.historySize:]
	}
}

// History returns the recorded runs, oldest first.
func (s *Scheduler) History() []Run {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]Run(nil), s.history...)
}

// cronLogger routes cron's logging into zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
