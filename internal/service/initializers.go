package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/config"
	"github.com/xkilldash9x/autoflow/internal/interruption"
	"github.com/xkilldash9x/autoflow/internal/mode"
	"github.com/xkilldash9x/autoflow/internal/plugin"
	"github.com/xkilldash9x/autoflow/internal/plugins"
)

// InitializeRegistry creates the plugin registry and discovers the configured
// plugin locations. No plugin is started; that happens on first use.
func InitializeRegistry(cfg config.Interface, logger *zap.Logger) (*plugin.Registry, error) {
	pc := cfg.Plugins()
	registry := plugin.NewRegistry(logger,
		plugin.WithRateLimit(pc.RateLimit, pc.Burst),
		plugin.WithConfigs(pc.Config),
	)
	if n := registry.Discover(plugins.Table(cfg), pc.Locations...); n == 0 {
		return nil, fmt.Errorf("no plugins found in locations %v", pc.Locations)
	}
	return registry, nil
}

// InitializeModes builds the mode table from the interruption presets.
func InitializeModes(cfg config.Interface) *mode.Table {
	return mode.NewTable(cfg.Interruption().Modes, cfg.Engine().DefaultMode)
}

// InitializeInterruptions opens the pattern and policy stores and builds the
// resolver on top of them. Unreadable store files are logged and replaced by
// defaults in memory.
func InitializeInterruptions(cfg config.Interface, runner interruption.PluginRunner, modes *mode.Table, logger *zap.Logger) (*interruption.PatternStore, *interruption.PolicyStore, *interruption.Resolver) {
	ic := cfg.Interruption()
	patterns := interruption.NewPatternStore(ic.PatternsFile, logger)
	policies := interruption.NewPolicyStore(ic.PoliciesFile, logger)
	resolver := interruption.NewResolver(runner, patterns, policies, modes, ic, logger)
	logger.Debug("Interruption resolver initialized.",
		zap.Int("patterns", len(patterns.All())), zap.Int("policies", len(policies.All())))
	return patterns, policies, resolver
}

// watcher is a store that can follow its backing file.
type watcher interface {
	Watch(ctx context.Context) error
}

// StartWatchers runs each watcher on its own goroutine until ctx ends. The
// WaitGroup is incremented here and decremented as each watcher exits.
func StartWatchers(ctx context.Context, wg *sync.WaitGroup, logger *zap.Logger, watchers ...watcher) {
	for _, w := range watchers {
		wg.Add(1)
		go func(w watcher) {
			defer wg.Done()
			if err := w.Watch(ctx); err != nil {
				logger.Warn("Store watcher stopped with error.", zap.Error(err))
			}
		}(w)
	}
}
