package interruption

import "sync"

// PatternStats counts how a single pattern has fared.
type PatternStats struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// Stats is a point-in-time copy of the resolver counters.
type Stats struct {
	Detected map[Type]int            `json:"detected"`
	Handled  map[Type]int            `json:"handled"`
	Patterns map[string]PatternStats `json:"patterns"`
}

type statsRecorder struct {
	mu       sync.Mutex
	detected map[Type]int
	handled  map[Type]int
	patterns map[string]PatternStats
}

func newStatsRecorder() *statsRecorder {
	s := &statsRecorder{}
	s.reset()
	return s
}

func (s *statsRecorder) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detected = make(map[Type]int)
	s.handled = make(map[Type]int)
	s.patterns = make(map[string]PatternStats)
}

func (s *statsRecorder) attempt(p Pattern) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.patterns[p.ID]
	ps.Attempts++
	s.patterns[p.ID] = ps
}

func (s *statsRecorder) detect(p Pattern) {
	s.mu.Lock()
	s.detected[p.Type]++
	s.mu.Unlock()
}

func (s *statsRecorder) outcome(p Pattern, handled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.patterns[p.ID]
	if handled {
		ps.Successes++
		s.handled[p.Type]++
	} else {
		ps.Failures++
	}
	s.patterns[p.ID] = ps
}

func (s *statsRecorder) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Stats{
		Detected: make(map[Type]int, len(s.detected)),
		Handled:  make(map[Type]int, len(s.handled)),
		Patterns: make(map[string]PatternStats, len(s.patterns)),
	}
	for k, v := range s.detected {
		out.Detected[k] = v
	}
	for k, v := range s.handled {
		out.Handled[k] = v
	}
	for k, v := range s.patterns {
		out.Patterns[k] = v
	}
	return out
}
