package recognition

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoflow/internal/config"
)

// PluginRunner is the subset of the plugin registry the resolver needs.
type PluginRunner interface {
	Initialize(ctx context.Context, id string, cfg map[string]interface{}) error
	Execute(ctx context.Context, id, action string, params map[string]interface{}) (map[string]interface{}, error)
}

// Resolver walks recognition strategies until one is confident enough.
type Resolver struct {
	plugins    PluginRunner
	threshold  float64
	defaults   []string
	strategies map[string]string
	logger     *zap.Logger
}

// NewResolver creates a resolver using the strategy mapping in cfg.
func NewResolver(plugins PluginRunner, cfg config.RecognitionConfig, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	strategies := make(map[string]string, len(cfg.Strategies))
	for name, id := range cfg.Strategies {
		strategies[name] = id
	}
	return &Resolver{
		plugins:    plugins,
		threshold:  cfg.Threshold,
		defaults:   append([]string(nil), cfg.DefaultStrategies...),
		strategies: strategies,
		logger:     logger.Named("recognition"),
	}
}

// Threshold returns the minimum confidence a result needs.
func (r *Resolver) Threshold() float64 { return r.threshold }

// pluginFor maps a strategy name to a plugin id. Unmapped names are used as ids.
func (r *Resolver) pluginFor(strategy string) string {
	if id, ok := r.strategies[strategy]; ok && id != "" {
		return id
	}
	return strategy
}

// Recognize tries each strategy in order and returns the first result whose
// confidence reaches the threshold. An empty strategies list uses the
// configured default order. When nothing qualifies the error is a
// *RecognitionError carrying every strategy's failure.
func (r *Resolver) Recognize(ctx context.Context, target Target, strategies []string) (Result, error) {
	if len(strategies) == 0 {
		strategies = r.defaults
	}

	var errs error
	best := Result{}
	for _, name := range strategies {
		if err := ctx.Err(); err != nil {
			return best, err
		}
		res, err := r.try(ctx, name, target)
		if err != nil {
			r.logger.Debug("Recognition strategy failed", zap.String("strategy", name), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if res.Success && res.Confidence >= r.threshold {
			r.logger.Debug("Target recognized",
				zap.String("strategy", name),
				zap.String("description", target.Description),
				zap.Float64("confidence", res.Confidence))
			return res, nil
		}
		if res.Confidence > best.Confidence {
			best = res
		}
		reason := res.Error
		if reason == "" {
			reason = fmt.Sprintf("confidence %.2f below threshold %.2f", res.Confidence, r.threshold)
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %s", name, reason))
	}

	best.Success = false
	return best, &RecognitionError{Target: target, Errors: errs}
}

func (r *Resolver) try(ctx context.Context, strategy string, target Target) (Result, error) {
	id := r.pluginFor(strategy)
	if err := r.plugins.Initialize(ctx, id, nil); err != nil {
		return Result{}, err
	}
	out, err := r.plugins.Execute(ctx, id, ActionRecognize, target.Params())
	if err != nil {
		return Result{}, err
	}
	res := ResultFromMap(out)
	if res.Method == "" {
		res.Method = strategy
	}
	return res, nil
}
