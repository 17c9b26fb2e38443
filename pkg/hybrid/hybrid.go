// Package hybrid implements the Hybrid Manager: the single entry point
// the Conversation Engine uses to pick a model and record the outcome of
// calling it, composing the Token Estimator, Circuit Breaker, Model
// Router and Fallback Trigger into one interface.
package hybrid

import (
	"strings"
	"sync"
	"time"

	"github.com/scoopai/convcore/pkg/breaker"
	"github.com/scoopai/convcore/pkg/estimator"
	"github.com/scoopai/convcore/pkg/fallback"
	"github.com/scoopai/convcore/pkg/logger"
	"github.com/scoopai/convcore/pkg/router"
	"github.com/scoopai/convcore/pkg/types/chat"
)

// Config configures a Manager's component defaults.
type Config struct {
	PrimaryModel  string
	FallbackModel string
	ExtendedModel string

	CircuitFailureThreshold int
	CircuitRecoverySeconds  float64

	ExtendedContextThreshold int
	SafetyMultiplier         float64

	MaxRetries int
}

// DefaultConfig returns the hybrid architecture's documented defaults.
func DefaultConfig() Config {
	return Config{
		PrimaryModel:             "gemini-3-flash-preview",
		FallbackModel:            "gemini-2.5-flash",
		ExtendedModel:            "gemini-2.5-pro",
		CircuitFailureThreshold:  5,
		CircuitRecoverySeconds:   60.0,
		ExtendedContextThreshold: 150_000,
		SafetyMultiplier:         1.1,
		MaxRetries:               2,
	}
}

// Metrics is the manager-level counters snapshot.
type Metrics struct {
	TotalRequests    int
	PrimarySuccesses int
	FallbackUses     int
	ExtendedUses     int
	CircuitTrips     int
	Retries          int
	SafetyBlocks     int
	RecitationBlocks int
}

// Manager orchestrates estimator + breaker + router + fallback behind a
// single routing/recording interface.
type Manager struct {
	mu sync.Mutex

	cfg Config

	estimator *estimator.Estimator
	breaker   *breaker.Breaker
	router    *router.Router
	trigger   *fallback.Trigger

	metrics      Metrics
	lastRouting  *router.Decision
}

// New constructs a Manager from cfg, wiring its own estimator, breaker,
// router and fallback trigger instances together.
func New(cfg Config) *Manager {
	b := breaker.New(
		breaker.WithName("gemini_primary"),
		breaker.WithFailureThreshold(cfg.CircuitFailureThreshold),
		breaker.WithRecoveryTimeout(time.Duration(cfg.CircuitRecoverySeconds*float64(time.Second))),
	)

	m := &Manager{
		cfg: cfg,
		estimator: estimator.New(
			estimator.WithExtendedThreshold(cfg.ExtendedContextThreshold),
			estimator.WithSafetyMultiplier(cfg.SafetyMultiplier),
		),
		breaker: b,
		router: router.New(
			router.WithModels(cfg.PrimaryModel, cfg.ExtendedModel, cfg.FallbackModel),
			router.WithExtendedThreshold(cfg.ExtendedContextThreshold),
			router.WithBreaker(b),
		),
		trigger: fallback.New(),
	}

	logger.L.Infof("hybrid manager initialized: primary=%s threshold=%d", cfg.PrimaryModel, cfg.ExtendedContextThreshold)
	return m
}

// RouteRequest estimates the token cost of message+history and routes the
// request to a model, recording which category (primary/extended/
// fallback) the decision fell into.
func (m *Manager) RouteRequest(message string, history []chat.Message, forceFallback bool) router.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics.TotalRequests++

	messageTokens := m.estimator.EstimateTokens(message, false)
	historyTokens := m.estimator.CountHistoryTokens(history)
	tokenCount := messageTokens + historyTokens

	decision := m.router.Route(tokenCount, forceFallback)

	switch decision.Model {
	case m.cfg.ExtendedModel:
		m.metrics.ExtendedUses++
	case m.cfg.FallbackModel:
		m.metrics.FallbackUses++
	}

	m.lastRouting = &decision
	logger.L.Infof("routed to %s: reason=%s tokens=%d", decision.Model, decision.Reason, decision.TokenCount)
	return decision
}

// RecordSuccess records a successful call. If model is empty, the model
// from the last RouteRequest call is used.
func (m *Manager) RecordSuccess(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if model == "" && m.lastRouting != nil {
		model = m.lastRouting.Model
	}
	if model == m.cfg.PrimaryModel {
		m.metrics.PrimarySuccesses++
		m.breaker.RecordSuccess()
	}
}

// FailureOutcome is the result of RecordFailure: whether the caller
// should retry the same model, and if not, which model to fall back to.
type FailureOutcome struct {
	ShouldRetry     bool
	FallbackRouting *router.Decision
	Decision        fallback.Decision
}

// RecordFailure classifies a failed call (by exception-like strings or by
// a candidate response) and decides whether the engine should retry the
// same model or fall back, bounded by MaxRetries.
func (m *Manager) RecordFailure(errType, errMsg string, resp *fallback.CandidateResponse) FailureOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	var decision fallback.Decision
	switch {
	case errType != "" || errMsg != "":
		decision = m.trigger.AnalyzeError(errType, errMsg)
	case resp != nil:
		decision = m.trigger.AnalyzeResponse(*resp, true)
	default:
		decision = fallback.Decision{
			ShouldFallback: true,
			Reason:         fallback.ReasonUnknownError,
			Details:        "no exception or response provided",
			Retryable:      true,
			Severity:       1,
		}
	}

	m.breaker.RecordFailure(string(decision.Reason))

	switch decision.Reason {
	case fallback.ReasonSafetyBlock:
		m.metrics.SafetyBlocks++
	case fallback.ReasonRecitationBlock:
		m.metrics.RecitationBlocks++
	}

	if m.breaker.State() == breaker.Open {
		m.metrics.CircuitTrips++
	}

	if decision.Retryable && m.metrics.Retries < m.cfg.MaxRetries {
		m.metrics.Retries++
		logger.L.Infof("retry %d/%d", m.metrics.Retries, m.cfg.MaxRetries)
		return FailureOutcome{ShouldRetry: true, Decision: decision}
	}

	if decision.ShouldFallback {
		fb := m.router.Route(0, true)
		m.metrics.FallbackUses++
		logger.L.Warnf("falling back to %s: reason=%s", fb.Model, decision.Reason)
		return FailureOutcome{ShouldRetry: false, FallbackRouting: &fb, Decision: decision}
	}

	return FailureOutcome{Decision: decision}
}

// GetFallbackModel returns the next model in the stability-ordered
// escalation ladder for currentModel: primary -> extended (most stable
// for SAFETY issues) -> fallback (last resort) -> none.
func (m *Manager) GetFallbackModel(currentModel string) string {
	if currentModel == "" {
		currentModel = m.cfg.PrimaryModel
	}
	current := strings.ToLower(currentModel)

	if strings.Contains(current, "3-flash") || current == strings.ToLower(m.cfg.PrimaryModel) {
		logger.L.Infof("fallback for %q -> %q (stable)", currentModel, m.cfg.ExtendedModel)
		return m.cfg.ExtendedModel
	}
	if strings.Contains(current, "2.5-pro") || current == strings.ToLower(m.cfg.ExtendedModel) {
		logger.L.Infof("fallback for %q -> %q (last resort)", currentModel, m.cfg.FallbackModel)
		return m.cfg.FallbackModel
	}
	logger.L.Warnf("no fallback available for %q", currentModel)
	return ""
}

// Status is the comprehensive status snapshot returned by Status().
type Status struct {
	CircuitState    breaker.State
	CircuitFailures int
	CircuitClosed   bool

	ExtendedThreshold int

	PrimaryModel  string
	FallbackModel string
	ExtendedModel string

	FallbackMetrics fallback.Metrics
	ManagerMetrics  Metrics
}

// Status reports the current state of every composed component.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Status{
		CircuitState:      m.breaker.State(),
		CircuitFailures:   m.breaker.FailureCount(),
		CircuitClosed:     m.breaker.IsClosed(),
		ExtendedThreshold: m.estimator.ExtendedThreshold(),
		PrimaryModel:      m.cfg.PrimaryModel,
		FallbackModel:     m.cfg.FallbackModel,
		ExtendedModel:     m.cfg.ExtendedModel,
		FallbackMetrics:   m.trigger.Metrics(),
		ManagerMetrics:    m.metrics,
	}
}

// Metrics returns the manager-level counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// ResetMetrics zeroes manager and fallback-trigger metrics.
func (m *Manager) ResetMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = Metrics{}
	m.trigger.ResetMetrics()
}

// CircuitState returns the current circuit breaker state.
func (m *Manager) CircuitState() breaker.State { return m.breaker.State() }

// IsHealthy reports whether the primary model is currently usable (the
// circuit is not OPEN).
func (m *Manager) IsHealthy() bool { return m.breaker.State() != breaker.Open }
