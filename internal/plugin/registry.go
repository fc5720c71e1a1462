package plugin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type entryState int

const (
	stateRegistered entryState = iota
	stateReady
	stateFailed
)

type entry struct {
	desc     Descriptor
	state    entryState
	instance Plugin
	worker   *worker
	lastErr  error
}

// Registry owns every registered plugin and at most one live instance per id.
type Registry struct {
	logger *zap.Logger

	mu        sync.RWMutex
	entries   map[string]*entry
	order     []string // registration order
	initOrder []string // ids in the order they became ready

	// initMu serializes Initialize and CleanupAll so dependency walks see a stable graph.
	initMu sync.Mutex

	configs   map[string]map[string]interface{}
	rateLimit rate.Limit
	burst     int
}

var _ Host = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithRateLimit throttles calls into each plugin instance to perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(r *Registry) {
		if perSecond > 0 {
			r.rateLimit = rate.Limit(perSecond)
			if burst < 1 {
				burst = 1
			}
			r.burst = burst
		}
	}
}

// WithConfigs sets the per-plugin configuration used when a plugin is
// initialized as a dependency of another.
func WithConfigs(configs map[string]map[string]interface{}) Option {
	return func(r *Registry) {
		for id, cfg := range configs {
			r.configs[id] = cfg
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger:  logger.Named("plugin_registry"),
		entries: make(map[string]*entry),
		configs: make(map[string]map[string]interface{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Discover registers every descriptor listed under the given table locations.
// Nothing is instantiated. It returns how many plugins were newly registered.
func (r *Registry) Discover(table Table, locations ...string) int {
	registered := 0
	for _, loc := range locations {
		descs, ok := table[loc]
		if !ok {
			r.logger.Warn("Unknown plugin location, skipping", zap.String("location", loc))
			continue
		}
		for _, d := range descs {
			if err := r.Register(d); err == nil {
				registered++
			}
		}
		r.logger.Debug("Scanned plugin location", zap.String("location", loc), zap.Int("descriptors", len(descs)))
	}
	r.logger.Info("Plugin discovery complete", zap.Int("registered", registered))
	return registered
}

// Register adds a single descriptor. A duplicate id is logged and rejected; the first registration wins.
func (r *Registry) Register(d Descriptor) error {
	if d.Info.ID == "" {
		return fmt.Errorf("%w: descriptor has no id", ErrInvalidParam)
	}
	if d.New == nil {
		return fmt.Errorf("%w: descriptor %q has no constructor", ErrInvalidParam, d.Info.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[d.Info.ID]; exists {
		r.logger.Warn("Duplicate plugin registration ignored", zap.String("plugin_id", d.Info.ID))
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, d.Info.ID)
	}
	d.Info.Dependencies = append([]string(nil), d.Info.Dependencies...)
	r.entries[d.Info.ID] = &entry{desc: d}
	r.order = append(r.order, d.Info.ID)
	return nil
}

// Get returns a view of the plugin registered under id.
func (r *Registry) Get(id string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Handle{}, false
	}
	return e.handle(), true
}

// List returns every registered plugin in registration order.
func (r *Registry) List() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].handle())
	}
	return out
}

// GetByType returns plugins of type t, highest priority first.
func (r *Registry) GetByType(t Type) []Handle {
	return r.Find(t, Criteria{})
}

// Find returns plugins of type t (any type when empty) matching c, highest priority first.
// Name matches case-insensitively as a substring; MinPriority applies only when non-zero.
func (r *Registry) Find(t Type, c Criteria) []Handle {
	r.mu.RLock()
	var out []Handle
	for _, id := range r.order {
		e := r.entries[id]
		info := e.desc.Info
		if t != "" && info.Type != t {
			continue
		}
		if c.ID != "" && info.ID != c.ID {
			continue
		}
		if c.Name != "" && !strings.Contains(strings.ToLower(info.Name), strings.ToLower(c.Name)) {
			continue
		}
		if c.MinPriority != 0 && info.Priority < c.MinPriority {
			continue
		}
		if c.ReadyOnly && e.state != stateReady {
			continue
		}
		out = append(out, e.handle())
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Info.Priority != out[j].Info.Priority {
			return out[i].Info.Priority > out[j].Info.Priority
		}
		return out[i].Info.ID < out[j].Info.ID
	})
	return out
}

// Initialize brings the plugin id, and everything it depends on, to the ready state.
// It is a no-op for a plugin that is already ready. When cfg is nil the
// configuration supplied through WithConfigs is used.
func (r *Registry) Initialize(ctx context.Context, id string, cfg map[string]interface{}) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	return r.initialize(ctx, id, cfg, nil)
}

// InitializeAll initializes every registered plugin and returns the failures keyed by id.
func (r *Registry) InitializeAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	r.mu.RUnlock()

	failures := make(map[string]error)
	r.initMu.Lock()
	defer r.initMu.Unlock()
	for _, id := range ids {
		if err := r.initialize(ctx, id, nil, nil); err != nil {
			failures[id] = err
		}
	}
	return failures
}

func (r *Registry) initialize(ctx context.Context, id string, cfg map[string]interface{}, path []string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	var state entryState
	if ok {
		state = e.state
	}
	r.mu.RUnlock()

	if !ok {
		return &InitializationError{ID: id, Cause: ErrPluginNotFound}
	}
	if state == stateReady {
		return nil
	}
	for _, seen := range path {
		if seen == id {
			chain := strings.Join(append(path, id), " -> ")
			return &InitializationError{ID: id, Cause: fmt.Errorf("%w: %s", ErrDependencyCycle, chain)}
		}
	}
	path = append(path, id)

	for _, dep := range e.desc.Info.Dependencies {
		if err := r.initialize(ctx, dep, nil, path); err != nil {
			wrapped := &InitializationError{ID: id, Cause: fmt.Errorf("%w %q: %w", ErrDependency, dep, err)}
			r.markFailed(e, wrapped)
			r.logger.Error("Plugin dependency failed", zap.String("plugin_id", id), zap.String("dependency", dep), zap.Error(err))
			return wrapped
		}
	}

	if cfg == nil {
		cfg = r.configs[id]
	}
	logger := r.logger.Named(id)
	instance := e.desc.New(r, logger)
	if err := safeCall(id, "initialize", func() error { return instance.Initialize(ctx, cfg) }); err != nil {
		// Release anything the instance acquired before failing.
		_ = safeCall(id, "cleanup", func() error { return instance.Cleanup(context.Background()) })
		wrapped := &InitializationError{ID: id, Cause: err}
		r.markFailed(e, wrapped)
		r.logger.Error("Plugin failed to initialize", zap.String("plugin_id", id), zap.Error(err))
		return wrapped
	}

	var limiter *rate.Limiter
	if r.rateLimit > 0 {
		limiter = rate.NewLimiter(r.rateLimit, r.burst)
	}

	r.mu.Lock()
	e.instance = instance
	e.worker = newWorker(id, limiter, r.logger)
	e.state = stateReady
	e.lastErr = nil
	r.initOrder = append(r.initOrder, id)
	r.mu.Unlock()

	r.logger.Info("Plugin initialized", zap.String("plugin_id", id), zap.String("version", e.desc.Info.Version))
	return nil
}

func (r *Registry) markFailed(e *entry, err error) {
	r.mu.Lock()
	e.state = stateFailed
	e.lastErr = err
	r.mu.Unlock()
}

// Execute runs action on plugin id through that instance's worker and waits for the result.
func (r *Registry) Execute(ctx context.Context, id, action string, params map[string]interface{}) (map[string]interface{}, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	var (
		w        *worker
		instance Plugin
		ready    bool
	)
	if ok {
		w, instance, ready = e.worker, e.instance, e.state == stateReady
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	if !ready {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, id)
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	return w.do(ctx, func(ctx context.Context) (map[string]interface{}, error) {
		return instance.ExecuteAction(ctx, action, params)
	})
}

// CleanupAll retires every ready plugin, dependents before their dependencies.
// A failing plugin is logged and skipped so the rest still shut down; the
// combined error is returned.
func (r *Registry) CleanupAll(ctx context.Context) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	r.mu.Lock()
	order := r.initOrder
	r.initOrder = nil
	r.mu.Unlock()

	var errs error
	for i := len(order) - 1; i >= 0; i-- {
		if err := r.retire(ctx, order[i]); err != nil {
			r.logger.Warn("Plugin cleanup failed, continuing", zap.String("plugin_id", order[i]), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("cleanup %s: %w", order[i], err))
		}
	}
	r.logger.Info("Plugin cleanup complete", zap.Int("plugins", len(order)))
	return errs
}

// Cleanup retires the single plugin id so a later Initialize starts it
// afresh. A plugin that is not ready is left alone. It fails with ErrInUse
// while a ready plugin still depends on id.
func (r *Registry) Cleanup(ctx context.Context, id string) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	if e.state != stateReady {
		r.mu.Unlock()
		return nil
	}
	var dependents []string
	for _, other := range r.initOrder {
		for _, dep := range r.entries[other].desc.Info.Dependencies {
			if dep == id {
				dependents = append(dependents, other)
			}
		}
	}
	if len(dependents) > 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is required by %s", ErrInUse, id, strings.Join(dependents, ", "))
	}
	for i, ready := range r.initOrder {
		if ready == id {
			r.initOrder = append(r.initOrder[:i:i], r.initOrder[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	err := r.retire(ctx, id)
	if err != nil {
		err = fmt.Errorf("cleanup %s: %w", id, err)
	}
	r.logger.Info("Plugin cleaned up", zap.String("plugin_id", id), zap.Error(err))
	return err
}

// retire runs Cleanup on the instance through its worker, stops the worker and
// returns the entry to the registered state. The caller holds initMu and has
// already removed id from initOrder.
func (r *Registry) retire(ctx context.Context, id string) error {
	r.mu.RLock()
	e := r.entries[id]
	w, instance := e.worker, e.instance
	r.mu.RUnlock()

	_, err := w.do(ctx, func(ctx context.Context) (map[string]interface{}, error) {
		return nil, instance.Cleanup(ctx)
	})
	w.stop()

	r.mu.Lock()
	e.state = stateRegistered
	e.instance = nil
	e.worker = nil
	r.mu.Unlock()
	return err
}

func (e *entry) handle() Handle {
	info := e.desc.Info
	info.Dependencies = append([]string(nil), info.Dependencies...)
	return Handle{Info: info, Ready: e.state == stateReady, Err: e.lastErr}
}

// safeCall runs fn and converts a panic into an error.
func safeCall(id, op string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s.%s: %v\n%s", id, op, rec, debug.Stack())
		}
	}()
	return fn()
}

// IsInitializationError reports whether err carries an InitializationError.
func IsInitializationError(err error) bool {
	var ie *InitializationError
	return errors.As(err, &ie)
}
