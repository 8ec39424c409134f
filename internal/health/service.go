package health

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"crisiswatch/internal/resilience"
)

const defaultCheckTimeout = 3 * time.Second

// CheckFunc performs a lightweight liveness check against a dependency
type CheckFunc func(ctx context.Context) error

// ModeFunc reports which backend currently serves a dependency
type ModeFunc func() string

// Dependency describes one registered check
type Dependency struct {
	Name     string
	Check    CheckFunc
	Mode     ModeFunc
	Breaker  *resilience.CircuitBreaker
	Optional bool // optional dependencies degrade rather than fail the report
}

// Service tracks health for every external dependency the engine relies on
type Service struct {
	mu           sync.RWMutex
	dependencies map[string]Dependency
	healthCache  map[string]*DependencyHealth
	checkTimeout time.Duration
}

// NewService creates a new health service
func NewService(checkTimeout time.Duration) *Service {
	if checkTimeout <= 0 {
		checkTimeout = defaultCheckTimeout
	}
	return &Service{
		dependencies: make(map[string]Dependency),
		healthCache:  make(map[string]*DependencyHealth),
		checkTimeout: checkTimeout,
	}
}

// Register adds a dependency to the health cache
func (s *Service) Register(dep Dependency) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dependencies[dep.Name] = dep
	if _, exists := s.healthCache[dep.Name]; !exists {
		s.healthCache[dep.Name] = &DependencyHealth{
			Name:     dep.Name,
			Status:   StatusUnknown,
			Optional: dep.Optional,
		}
		log.Printf("[HEALTH] Registered dependency %s (optional=%v)", dep.Name, dep.Optional)
	}
}

// CheckAll runs every registered check and returns the aggregated report
func (s *Service) CheckAll(ctx context.Context) Report {
	s.mu.RLock()
	deps := make([]Dependency, 0, len(s.dependencies))
	for _, d := range s.dependencies {
		deps = append(deps, d)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, dep := range deps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.check(ctx, dep)
		}()
	}
	wg.Wait()

	return s.Snapshot()
}

func (s *Service) check(ctx context.Context, dep Dependency) {
	var (
		err     error
		latency time.Duration
	)
	if dep.Check != nil {
		checkCtx, cancel := context.WithTimeout(ctx, s.checkTimeout)
		start := time.Now()
		err = dep.Check(checkCtx)
		latency = time.Since(start)
		cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.healthCache[dep.Name]
	if h == nil {
		return
	}
	now := time.Now()
	h.LastChecked = now
	h.LatencyMs = latency.Milliseconds()
	if dep.Mode != nil {
		h.Mode = dep.Mode()
	}
	if dep.Breaker != nil {
		h.Breaker = dep.Breaker.State().String()
	}

	wasFailing := h.Status == StatusUnhealthy || h.Status == StatusDegraded
	switch {
	case err != nil:
		h.FailureCount++
		h.LastError = truncateStr(err.Error(), 200)
		h.Status = StatusUnhealthy
		if dep.Optional {
			h.Status = StatusDegraded
		}
		log.Printf("[HEALTH] %s check failed (%d): %s", dep.Name, h.FailureCount, h.LastError)
	case dep.Breaker != nil && dep.Breaker.State() != resilience.CircuitClosed:
		h.Status = StatusDegraded
	default:
		h.Status = StatusHealthy
		h.FailureCount = 0
		h.LastError = ""
		h.LastSuccessAt = now
		if wasFailing {
			log.Printf("[HEALTH] %s recovered - now healthy", dep.Name)
		}
	}
}

// Snapshot returns the last known health without running checks
func (s *Service) Snapshot() Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := Report{Status: StatusHealthy, CheckedAt: time.Now()}
	for _, h := range s.healthCache {
		report.Dependencies = append(report.Dependencies, *h)
		switch h.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	sort.Slice(report.Dependencies, func(i, j int) bool {
		return report.Dependencies[i].Name < report.Dependencies[j].Name
	})
	return report
}

// Get returns the last known health for a dependency
func (s *Service) Get(name string) (DependencyHealth, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.healthCache[name]
	if !ok {
		return DependencyHealth{}, false
	}
	return *h, true
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
