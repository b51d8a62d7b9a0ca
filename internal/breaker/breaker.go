// Package breaker implements a per-tool circuit breaker guarding calls
// to the diagnostic-tool provider. Each distinct tool name gets its own
// failure tracker; a tool that keeps failing is short-circuited until a
// cooldown elapses.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrOpen is returned by Call when the breaker rejects the request.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the state of a single tool's circuit breaker
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Too many failures, block requests (fail fast)
	StateHalfOpen              // Cooldown elapsed, allow limited trial requests
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds circuit breaker settings shared by all tools
type Config struct {
	// FailureThreshold is the number of consecutive failures that
	// opens the breaker. Default: 3.
	FailureThreshold int
	// Cooldown is how long an open breaker blocks calls before
	// allowing a half-open trial. Default: 60s.
	Cooldown time.Duration
	// HalfOpenBudget is the number of trial calls allowed while
	// half-open. Default: 1.
	HalfOpenBudget int
}

// DefaultConfig returns the default breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         60 * time.Second,
		HalfOpenBudget:   1,
	}
}

// toolBreaker tracks failure state for one tool name
type toolBreaker struct {
	state        State
	failureCount int
	lastFailure  time.Time
	halfOpenUsed int
}

// Registry holds one breaker per tool name. Safe for concurrent use by
// multiple analysis workers.
type Registry struct {
	mu    sync.Mutex
	tools map[string]*toolBreaker
	cfg   Config
	log   *logrus.Logger

	// now is swappable for tests
	now func() time.Time
}

// NewRegistry creates a breaker registry with the given configuration.
// Zero-valued config fields fall back to defaults.
func NewRegistry(cfg Config, log *logrus.Logger) *Registry {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenBudget <= 0 {
		cfg.HalfOpenBudget = def.HalfOpenBudget
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		tools: make(map[string]*toolBreaker),
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
}

// Allow reports whether a call to the named tool may proceed.
// In CLOSED it is always true. In OPEN it is true only once the
// cooldown has elapsed since the last failure, which moves the breaker
// to HALF_OPEN and consumes one trial slot. In HALF_OPEN it is true
// while the trial budget is not exhausted.
func (r *Registry) Allow(tool string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tb := r.get(tool)
	switch tb.state {
	case StateClosed:
		return true

	case StateOpen:
		if r.now().Sub(tb.lastFailure) >= r.cfg.Cooldown {
			r.transition(tool, tb, StateHalfOpen)
			tb.halfOpenUsed = 1
			return true
		}
		return false

	case StateHalfOpen:
		if tb.halfOpenUsed < r.cfg.HalfOpenBudget {
			tb.halfOpenUsed++
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess resets the named tool's breaker to CLOSED.
func (r *Registry) RecordSuccess(tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tb := r.get(tool)
	if tb.state != StateClosed || tb.failureCount > 0 {
		r.transition(tool, tb, StateClosed)
	}
	tb.failureCount = 0
	tb.halfOpenUsed = 0
}

// RecordFailure registers a failed call for the named tool. Once the
// failure count reaches the threshold (immediately, when half-open) the
// breaker opens and the failure time starts the cooldown window.
func (r *Registry) RecordFailure(tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tb := r.get(tool)
	tb.failureCount++
	tb.lastFailure = r.now()

	switch tb.state {
	case StateClosed:
		if tb.failureCount >= r.cfg.FailureThreshold {
			r.transition(tool, tb, StateOpen)
		}
	case StateHalfOpen:
		// A failed trial re-opens immediately
		r.transition(tool, tb, StateOpen)
	}
}

// GetState returns the current state for the named tool.
func (r *Registry) GetState(tool string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(tool).state
}

// Failures returns the current failure count for the named tool.
func (r *Registry) Failures(tool string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(tool).failureCount
}

// Reset clears all breaker state for the named tool.
func (r *Registry) Reset(tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, tool)
}

// get returns the breaker for a tool, creating it closed if needed.
// Caller must hold r.mu.
func (r *Registry) get(tool string) *toolBreaker {
	tb, ok := r.tools[tool]
	if !ok {
		tb = &toolBreaker{state: StateClosed}
		r.tools[tool] = tb
	}
	return tb
}

// transition logs and applies a state change. Caller must hold r.mu.
func (r *Registry) transition(tool string, tb *toolBreaker, to State) {
	from := tb.state
	tb.state = to
	if to == StateClosed {
		tb.halfOpenUsed = 0
	}
	r.log.WithFields(logrus.Fields{
		"tool":     tool,
		"from":     from.String(),
		"to":       to.String(),
		"failures": tb.failureCount,
	}).Info("circuit breaker state transition")
}
