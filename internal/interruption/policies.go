package interruption

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"go.uber.org/zap"
)

// PolicyStore holds site policies keyed by domain or domain glob ("*.example.com").
type PolicyStore struct {
	mu       sync.RWMutex
	path     string
	policies map[string]SitePolicy
	globs    map[string]glob.Glob
	logger   *zap.Logger
}

// NewPolicyStore loads path. A missing or corrupt file yields an empty store.
func NewPolicyStore(path string, logger *zap.Logger) *PolicyStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PolicyStore{path: path, logger: logger.Named("policies")}
	_ = s.Load()
	return s
}

func isGlob(key string) bool {
	return strings.ContainsAny(key, "*?[{")
}

// Load replaces the in-memory policies with the file contents.
func (s *PolicyStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.policies = make(map[string]SitePolicy)
	s.globs = make(map[string]glob.Glob)
	if s.path == "" {
		return nil
	}
	var raw map[string]SitePolicy
	if _, err := readJSON(s.path, &raw); err != nil {
		perr := &PersistenceError{Path: s.path, Op: "load", Cause: err}
		s.logger.Error("Policy file unreadable, starting empty", zap.Error(perr))
		return perr
	}
	for domain, p := range raw {
		domain = normalizeDomain(domain)
		p.Domain = domain
		if err := s.indexLocked(domain); err != nil {
			s.logger.Warn("Ignoring policy with invalid domain glob", zap.String("domain", domain), zap.Error(err))
			continue
		}
		s.policies[domain] = p
	}
	return nil
}

func normalizeDomain(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}

func (s *PolicyStore) indexLocked(domain string) error {
	if !isGlob(domain) {
		return nil
	}
	g, err := glob.Compile(domain, '.')
	if err != nil {
		return err
	}
	s.globs[domain] = g
	return nil
}

func (s *PolicyStore) saveLocked() {
	if s.path == "" {
		return
	}
	out := make(map[string]SitePolicy, len(s.policies))
	for k, v := range s.policies {
		out[k] = v.clone()
	}
	if err := writeJSONAtomic(s.path, out); err != nil {
		s.logger.Error("Failed to persist policies", zap.Error(&PersistenceError{Path: s.path, Op: "save", Cause: err}))
	}
}

// Policy returns the policy for domain. An exact key wins; otherwise the
// longest matching glob is used.
func (s *PolicyStore) Policy(domain string) (SitePolicy, bool) {
	domain = normalizeDomain(domain)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.policies[domain]; ok {
		return p.clone(), true
	}
	best := ""
	for key, g := range s.globs {
		if g.Match(domain) && len(key) > len(best) {
			best = key
		}
	}
	if best == "" {
		return SitePolicy{}, false
	}
	return s.policies[best].clone(), true
}

// All returns every policy sorted by domain.
func (s *PolicyStore) All() []SitePolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SitePolicy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

func (s *PolicyStore) update(domain string, fn func(*SitePolicy)) error {
	domain = normalizeDomain(domain)
	if domain == "" {
		return fmt.Errorf("domain is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.policies[domain]
	if !ok {
		if err := s.indexLocked(domain); err != nil {
			return fmt.Errorf("invalid domain glob %q: %w", domain, err)
		}
		p = SitePolicy{Domain: domain}
	}
	fn(&p)
	s.policies[domain] = p
	s.saveLocked()
	return nil
}

// AddToWhitelist stops t from being handled on domain, removing it from the blacklist.
func (s *PolicyStore) AddToWhitelist(domain string, t Type) error {
	if _, ok := ParseType(string(t)); !ok {
		return fmt.Errorf("unknown interruption type %q", t)
	}
	return s.update(domain, func(p *SitePolicy) {
		p.Blacklist = removeType(p.Blacklist, t)
		if !containsType(p.Whitelist, t) {
			p.Whitelist = append(p.Whitelist, t)
		}
	})
}

// AddToBlacklist forces t to be handled on domain, removing it from the whitelist.
func (s *PolicyStore) AddToBlacklist(domain string, t Type) error {
	if _, ok := ParseType(string(t)); !ok {
		return fmt.Errorf("unknown interruption type %q", t)
	}
	return s.update(domain, func(p *SitePolicy) {
		p.Whitelist = removeType(p.Whitelist, t)
		if !containsType(p.Blacklist, t) {
			p.Blacklist = append(p.Blacklist, t)
		}
	})
}

// AddCustomPattern makes pattern id apply on domain regardless of its domain patterns.
func (s *PolicyStore) AddCustomPattern(domain, id string) error {
	return s.update(domain, func(p *SitePolicy) {
		for _, existing := range p.CustomPatterns {
			if existing == id {
				return
			}
		}
		p.CustomPatterns = append(p.CustomPatterns, id)
	})
}

// Remove deletes the policy for domain.
func (s *PolicyStore) Remove(domain string) bool {
	domain = normalizeDomain(domain)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[domain]; !ok {
		return false
	}
	delete(s.policies, domain)
	delete(s.globs, domain)
	s.saveLocked()
	return true
}

// Watch reloads the store when its file changes on disk, until ctx ends.
func (s *PolicyStore) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	return watchFile(ctx, s.path, s.logger, func() {
		if err := s.Load(); err == nil {
			s.logger.Info("Policies reloaded from disk")
		}
	})
}
