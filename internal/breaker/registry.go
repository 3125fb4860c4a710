// Package breaker keeps one circuit breaker per upstream host.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
)

// ErrOpen is returned when the breaker for a host rejects a request.
var ErrOpen = errors.New("circuit breaker open")

// FailureFunc reports whether err counts against the host's breaker.
type FailureFunc func(err error) bool

type entry struct {
	cb       *gobreaker.CircuitBreaker
	lastUsed time.Time
}

// Registry lazily creates breakers keyed by host. It is safe for concurrent use.
// A nil *Registry executes every call directly.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*entry

	threshold uint32
	openFor   time.Duration
	maxHosts  int
	isFailure FailureFunc

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithFailureFunc overrides which errors trip the breaker. By default every
// non-nil error does.
func WithFailureFunc(fn FailureFunc) Option {
	return func(r *Registry) {
		r.isFailure = fn
	}
}

// New creates a Registry from config. It returns nil when the breaker is disabled.
// The metrics parameter is optional.
func New(cfg config.CircuitBreakerConfig, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Registry {
	if !cfg.Enabled {
		return nil
	}

	r := &Registry{
		breakers:  make(map[string]*entry),
		threshold: toUint32(cfg.FailureThreshold),
		openFor:   time.Duration(cfg.OpenSeconds) * time.Second,
		maxHosts:  cfg.MaxHosts,
		isFailure: func(err error) bool { return err != nil },
		logger:    logger.With("component", "circuit_breaker"),
		metrics:   m,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs fn under the breaker for host. When the breaker is open the
// returned error wraps ErrOpen and fn is not called.
func (r *Registry) Execute(host string, fn func() (any, error)) (any, error) {
	if r == nil {
		return fn()
	}

	res, err := r.get(host).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrOpen, host)
	}
	return res, err
}

// State returns the breaker state for host. Hosts never seen are closed.
func (r *Registry) State(host string) gobreaker.State {
	if r == nil {
		return gobreaker.StateClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.breakers[host]; ok {
		return e.cb.State()
	}
	return gobreaker.StateClosed
}

// Len returns the number of tracked hosts.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.breakers)
}

func (r *Registry) get(host string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.breakers[host]; ok {
		e.lastUsed = now
		return e.cb
	}

	if r.maxHosts > 0 && len(r.breakers) >= r.maxHosts {
		r.evictLocked()
	}

	e := &entry{cb: r.newBreaker(host), lastUsed: now}
	r.breakers[host] = e
	return e.cb
}

// evictLocked drops the least recently used closed breaker, or the least
// recently used one when every breaker is tripped.
func (r *Registry) evictLocked() {
	var (
		victim, fallback     string
		victimAt, fallbackAt time.Time
	)
	for host, e := range r.breakers {
		if fallback == "" || e.lastUsed.Before(fallbackAt) {
			fallback, fallbackAt = host, e.lastUsed
		}
		if e.cb.State() != gobreaker.StateClosed {
			continue
		}
		if victim == "" || e.lastUsed.Before(victimAt) {
			victim, victimAt = host, e.lastUsed
		}
	}
	if victim == "" {
		victim = fallback
	}
	delete(r.breakers, victim)
}

func (r *Registry) newBreaker(host string) *gobreaker.CircuitBreaker {
	threshold := r.threshold
	isFailure := r.isFailure

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     r.openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return !isFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				"host", name,
				"from", from.String(),
				"to", to.String(),
			)
			if r.metrics != nil {
				r.metrics.BreakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
			}
		},
	})
}

func toUint32(n int) uint32 {
	if n <= 0 {
		return 1
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}
