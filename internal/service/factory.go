package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/config"
	"github.com/xkilldash9x/autoflow/internal/mode"
	"github.com/xkilldash9x/autoflow/internal/plugins"
	"github.com/xkilldash9x/autoflow/internal/recognition"
	"github.com/xkilldash9x/autoflow/internal/workflow"
)

// ComponentFactory creates the components for a command. Commands depend on
// the interface so tests can substitute their own wiring.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create wires the registry, resolvers, stores and engine. When
// interruption.watch is set the stores follow their files until Shutdown.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	components := &Components{Config: cfg, logger: logger}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Plugin registry
	registry, err := InitializeRegistry(cfg, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Registry = registry
	logger.Debug("Plugin registry initialized.")

	// 2. Modes and recognition
	components.Modes = InitializeModes(cfg)
	components.Recognizer = recognition.NewResolver(registry, cfg.Recognition(), logger)
	logger.Debug("Recognition resolver initialized.")

	// 3. Interruption stores and resolver
	components.Patterns, components.Policies, components.Interruptions =
		InitializeInterruptions(cfg, registry, components.Modes, logger)

	// 4. Workflow engine with the builtin step handlers
	ec := cfg.Engine()
	components.Engine = workflow.NewEngine(logger,
		workflow.WithMaxConcurrent(ec.MaxConcurrentWorkflows),
		workflow.WithMaxRollbacks(ec.MaxRollbacks),
		workflow.WithSnapshotDir(ec.SnapshotDir),
		workflow.WithHandlers(workflow.Builtins(workflow.Dependencies{
			Plugins:       registry,
			Recognizer:    components.Recognizer,
			Interruptions: components.Interruptions,
			AutomationID:  cfg.Browser().PluginID(),
			OCRID:         plugins.OCRID,
			DefaultMode:   mode.Mode(ec.DefaultMode),
		})),
	)
	logger.Debug("Workflow engine initialized.")

	// 5. Store watchers
	if cfg.Interruption().Watch {
		watchCtx, cancel := context.WithCancel(ctx)
		components.stopWatchers = cancel
		StartWatchers(watchCtx, &components.watchersWG, logger, components.Patterns, components.Policies)
		logger.Debug("Store watchers started.")
	}

	logger.Info("All components initialized successfully.")
	return components, nil
}
