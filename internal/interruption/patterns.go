package interruption

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPatterns are seeded into a store whose file is missing or unreadable.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			ID:     "default_cookie_accept",
			Type:   TypeCookie,
			Action: ActionAccept,
			Selectors: []string{
				"#accept-cookies",
				".accept-cookies",
				".cookie-consent button",
				".cookie-banner button",
			},
			OCRPatterns: []string{`accept (all )?cookies`, `accept all`},
			Priority:    6,
		},
		{
			ID:     "default_popup_close",
			Type:   TypePopup,
			Action: ActionClose,
			Selectors: []string{
				`button[aria-label="Close"]`,
				".modal-close",
				".popup-close",
				".close-button",
				".btn-close",
				`[data-dismiss="modal"]`,
			},
			Priority: 4,
		},
	}
}

// PatternStore holds interruption patterns keyed by id and persists them as a JSON list.
type PatternStore struct {
	mu       sync.RWMutex
	path     string
	patterns map[string]Pattern
	logger   *zap.Logger
}

// NewPatternStore loads path, seeding the defaults when it is missing or
// corrupt. An empty path keeps the store in memory only.
func NewPatternStore(path string, logger *zap.Logger) *PatternStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PatternStore{path: path, logger: logger.Named("patterns")}
	_ = s.Load()
	return s
}

// Load replaces the in-memory patterns with the file contents. A read or
// decode failure is logged and returned as a *PersistenceError.
func (s *PatternStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		s.seedLocked()
		return nil
	}
	var list []Pattern
	exists, err := readJSON(s.path, &list)
	if err != nil {
		perr := &PersistenceError{Path: s.path, Op: "load", Cause: err}
		s.logger.Error("Pattern file unreadable, using defaults", zap.Error(perr))
		s.seedLocked()
		return perr
	}
	if !exists {
		s.seedLocked()
		s.saveLocked()
		return nil
	}
	s.patterns = make(map[string]Pattern, len(list))
	for _, p := range list {
		if p.ID == "" {
			continue
		}
		s.patterns[p.ID] = p
	}
	s.logger.Debug("Patterns loaded", zap.Int("count", len(s.patterns)))
	return nil
}

func (s *PatternStore) seedLocked() {
	s.patterns = make(map[string]Pattern)
	for _, p := range DefaultPatterns() {
		s.patterns[p.ID] = p
	}
}

// saveLocked writes the store. Failures are logged; the in-memory state stays authoritative.
func (s *PatternStore) saveLocked() {
	if s.path == "" {
		return
	}
	if err := writeJSONAtomic(s.path, s.sortedLocked()); err != nil {
		s.logger.Error("Failed to persist patterns", zap.Error(&PersistenceError{Path: s.path, Op: "save", Cause: err}))
	}
}

func (s *PatternStore) sortedLocked() []Pattern {
	list := make([]Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		list = append(list, p.clone())
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// All returns copies of every pattern, highest priority first.
func (s *PatternStore) All() []Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

// Get returns a copy of the pattern with id.
func (s *PatternStore) Get(id string) (Pattern, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patterns[id]
	if !ok {
		return Pattern{}, false
	}
	return p.clone(), true
}

// Validate checks a pattern before it is stored.
func (p Pattern) Validate() error {
	if p.ID == "" {
		return errors.New("pattern id is required")
	}
	if _, ok := ParseType(string(p.Type)); !ok {
		return fmt.Errorf("pattern %s: unknown type %q", p.ID, p.Type)
	}
	if _, ok := ParseAction(string(p.Action)); !ok {
		return fmt.Errorf("pattern %s: unknown action %q", p.ID, p.Action)
	}
	if p.Action == ActionCustom && p.CustomAction == "" {
		return fmt.Errorf("pattern %s: custom action requires custom_action", p.ID)
	}
	if len(p.Selectors)+len(p.ImageTemplates)+len(p.OCRPatterns) == 0 {
		return fmt.Errorf("pattern %s: needs at least one selector, image template or OCR pattern", p.ID)
	}
	for _, expr := range append(append([]string(nil), p.DomainPatterns...), p.OCRPatterns...) {
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("pattern %s: invalid regular expression %q: %w", p.ID, expr, err)
		}
	}
	return nil
}

// Add inserts or replaces a pattern and persists the store.
func (s *PatternStore) Add(p Pattern) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns[p.ID] = p.clone()
	s.saveLocked()
	s.logger.Info("Pattern stored", zap.String("pattern_id", p.ID), zap.String("type", string(p.Type)))
	return nil
}

// Remove deletes a pattern. It reports whether the pattern existed.
func (s *PatternStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patterns[id]; !ok {
		return false
	}
	delete(s.patterns, id)
	s.saveLocked()
	return true
}

// RecordSuccess bumps a pattern's success counter and timestamp and persists.
func (s *PatternStore) RecordSuccess(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[id]
	if !ok {
		return
	}
	p.SuccessCount++
	p.LastSuccess = &at
	s.patterns[id] = p
	s.saveLocked()
}

// Watch reloads the store when its file changes on disk, until ctx ends.
func (s *PatternStore) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	return watchFile(ctx, s.path, s.logger, func() {
		if err := s.Load(); err == nil {
			s.logger.Info("Patterns reloaded from disk")
		}
	})
}
