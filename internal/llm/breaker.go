package llm

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// Default breaker thresholds
const (
	defaultBreakerFailures = 5
	defaultBreakerCooldown = 60 * time.Second
)

// BreakerSettings configures circuit breakers created by the registry
type BreakerSettings struct {
	// ConsecutiveFailures before the circuit opens
	ConsecutiveFailures uint32
	// OpenTimeout is how long the circuit rejects before probing
	OpenTimeout time.Duration
}

// breakerMetrics holds the Prometheus collectors shared by all breakers
type breakerMetrics struct {
	state    *prometheus.GaugeVec
	requests *prometheus.CounterVec
}

var (
	globalBreakerMetrics *breakerMetrics
	breakerMetricsOnce   sync.Once
)

func initBreakerMetrics() {
	breakerMetricsOnce.Do(func() {
		globalBreakerMetrics = &breakerMetrics{
			state: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "agentsim_circuit_breaker_state",
					Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
				},
				[]string{"service"},
			),
			requests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentsim_circuit_breaker_requests_total",
					Help: "Total number of requests through circuit breakers",
				},
				[]string{"service", "result"},
			),
		}
	})
}

// BreakerRegistry hands out one circuit breaker per remote service name.
// Every client in the process shares the registry so a tripped gateway
// stays tripped across sessions.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	settings BreakerSettings
}

var globalBreakers = NewBreakerRegistry(BreakerSettings{})

// NewBreakerRegistry creates a registry with the given settings
func NewBreakerRegistry(settings BreakerSettings) *BreakerRegistry {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = defaultBreakerFailures
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = defaultBreakerCooldown
	}
	initBreakerMetrics()
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: settings,
	}
}

// ConfigureGlobalBreakers replaces the process-wide registry settings.
// Existing breakers keep their settings; call this before clients are built.
func ConfigureGlobalBreakers(settings BreakerSettings) {
	globalBreakers = NewBreakerRegistry(settings)
}

// Get returns the breaker for a service, creating it on first use
func (r *BreakerRegistry) Get(service string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[service]; ok {
		return cb
	}

	failures := r.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: service,
		// one probe in half-open
		MaxRequests: 1,
		Timeout:     r.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			updateBreakerState(name, to)
		},
	})

	r.breakers[service] = cb
	updateBreakerState(service, cb.State())
	return cb
}

// RecordResult counts a request outcome for a service
func (r *BreakerRegistry) RecordResult(service string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	globalBreakerMetrics.requests.WithLabelValues(service, result).Inc()
}

// updateBreakerState maps gobreaker states onto the gauge
func updateBreakerState(service string, state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateClosed:
		v = 0
	case gobreaker.StateOpen:
		v = 1
	case gobreaker.StateHalfOpen:
		v = 2
	}
	globalBreakerMetrics.state.WithLabelValues(service).Set(v)
}
