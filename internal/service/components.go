// Package service wires the registry, resolvers, stores and workflow engine
// into one set of components and shuts them down in order.
package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/config"
	"github.com/xkilldash9x/autoflow/internal/interruption"
	"github.com/xkilldash9x/autoflow/internal/mode"
	"github.com/xkilldash9x/autoflow/internal/plugin"
	"github.com/xkilldash9x/autoflow/internal/recognition"
	"github.com/xkilldash9x/autoflow/internal/workflow"
)

// shutdownTimeout bounds plugin cleanup, which may have to close browsers.
const shutdownTimeout = 30 * time.Second

// drainTimeout bounds how long shutdown lets in-flight workflows finish
// before cancelling them.
var drainTimeout = 10 * time.Second

// Components holds everything a command needs to run workflows.
type Components struct {
	Config        config.Interface
	Registry      *plugin.Registry
	Modes         *mode.Table
	Recognizer    *recognition.Resolver
	Patterns      *interruption.PatternStore
	Policies      *interruption.PolicyStore
	Interruptions *interruption.Resolver
	Engine        *workflow.Engine

	logger *zap.Logger

	// stopWatchers cancels the store file watchers; watchersWG tracks them.
	stopWatchers context.CancelFunc
	watchersWG   sync.WaitGroup
	shutdownOnce sync.Once
}

// Shutdown stops the watchers, lets in-flight workflows finish and retires
// every initialized plugin, dependents first. It is safe to call more than once.
func (c *Components) Shutdown() {
	c.shutdownOnce.Do(c.shutdown)
}

func (c *Components) shutdown() {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Stop reacting to file changes so no reload races the final state.
	if c.stopWatchers != nil {
		c.stopWatchers()
		if !timedWait(&c.watchersWG, 5*time.Second) {
			logger.Warn("Store watchers did not stop in time.")
		} else {
			logger.Debug("Store watchers stopped.")
		}
	}

	// 2. Drain the engine so no step is using a plugin when it is cleaned up.
	if c.Engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if err := c.Engine.Drain(ctx); err != nil {
			logger.Warn("Workflows cancelled at shutdown.", zap.Error(err))
			// Cancelled runs stop at their next step boundary.
			graceCtx, graceCancel := context.WithTimeout(context.Background(), drainTimeout)
			_ = c.Engine.Drain(graceCtx)
			graceCancel()
		} else {
			logger.Debug("Workflow engine drained.")
		}
		cancel()
	}

	// 3. Retire plugins. Use a fresh context so cleanup still runs when the
	// caller's context was cancelled.
	if c.Registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.Registry.CleanupAll(ctx); err != nil {
			logger.Warn("Error during plugin cleanup.", zap.Error(err))
		} else {
			logger.Debug("Plugins cleaned up.")
		}
	}

	logger.Info("All components shut down.")
}

// timedWait waits for wg, giving up after timeout. It reports whether wg finished.
func timedWait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
