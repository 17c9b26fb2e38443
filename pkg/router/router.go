// Package router implements the Model Router: given a token count and a
// force-fallback flag, picks which of three configured models (primary,
// extended, fallback) should serve a request, with the shared Circuit
// Breaker taking priority over the token-count threshold.
package router

import (
	"strings"
	"sync"

	"github.com/scoopai/convcore/pkg/breaker"
	"github.com/scoopai/convcore/pkg/logger"
)

// ThinkingParam names which thinking knob a model exposes. Gemini 3.x
// models use a qualitative level; Gemini 2.5 models use a numeric budget.
type ThinkingParam string

const (
	ThinkingLevel  ThinkingParam = "thinking_level"
	ThinkingBudget ThinkingParam = "thinking_budget"
)

// ModelConfig describes one model's capabilities and context limits.
type ModelConfig struct {
	Name             string
	SupportsThinking bool
	ThinkingParam    ThinkingParam
	ThinkingValue    any
	MaxContext       int
	MaxOutput        int
}

// DefaultModelConfigs are the model configurations known out of the box,
// keyed by model name. Unknown models fall back to safe defaults.
var DefaultModelConfigs = map[string]ModelConfig{
	"gemini-3-flash-preview": {
		Name: "gemini-3-flash-preview", SupportsThinking: true,
		ThinkingParam: ThinkingLevel, ThinkingValue: "HIGH",
		MaxContext: 200_000, MaxOutput: 8192,
	},
	"gemini-3-flash": {
		Name: "gemini-3-flash", SupportsThinking: true,
		ThinkingParam: ThinkingLevel, ThinkingValue: "HIGH",
		MaxContext: 200_000, MaxOutput: 8192,
	},
	"gemini-2.5-pro": {
		Name: "gemini-2.5-pro", SupportsThinking: true,
		ThinkingParam: ThinkingBudget, ThinkingValue: 16384,
		MaxContext: 1_000_000, MaxOutput: 8192,
	},
	"gemini-2.5-flash": {
		Name: "gemini-2.5-flash", SupportsThinking: true,
		ThinkingParam: ThinkingBudget, ThinkingValue: 8192,
		MaxContext: 1_000_000, MaxOutput: 8192,
	},
}

// Reason explains why a RoutingDecision picked its model.
type Reason string

const (
	ReasonForcedFallback  Reason = "forced_fallback"
	ReasonCircuitOpen     Reason = "circuit_open"
	ReasonExtendedContext Reason = "extended_context"
	ReasonPrimaryHealthy  Reason = "primary_healthy"
)

// Decision is the result of a routing call.
type Decision struct {
	Model      string
	Reason     Reason
	Config     ModelConfig
	TokenCount int
}

// IsPrimary reports whether the decision routed to the primary model.
func (d Decision) IsPrimary() bool { return d.Reason == ReasonPrimaryHealthy }

// Router picks a model per request, prioritizing circuit-breaker state
// over token count over the default primary model.
type Router struct {
	mu sync.Mutex

	primaryModel      string
	fallbackModel     string
	extendedModel     string
	extendedThreshold int
	configs           map[string]ModelConfig

	breaker *breaker.Breaker

	totalRoutes    int
	primaryRoutes  int
	fallbackRoutes int
	extendedRoutes int
}

// Option configures a Router.
type Option func(*Router)

// WithModels overrides the three routable model ids.
func WithModels(primary, extended, fallbackModel string) Option {
	return func(r *Router) {
		r.primaryModel = primary
		r.extendedModel = extended
		r.fallbackModel = fallbackModel
	}
}

// WithExtendedThreshold overrides the token-count threshold that triggers
// extended-context routing.
func WithExtendedThreshold(n int) Option { return func(r *Router) { r.extendedThreshold = n } }

// WithBreaker supplies a shared Circuit Breaker instance rather than
// constructing a private one.
func WithBreaker(b *breaker.Breaker) Option { return func(r *Router) { r.breaker = b } }

// WithModelConfigs overrides/extends the known model configuration table.
func WithModelConfigs(configs map[string]ModelConfig) Option {
	return func(r *Router) { r.configs = configs }
}

// New constructs a Router with the hybrid architecture's default models
// and thresholds, as overridden by opts.
func New(opts ...Option) *Router {
	r := &Router{
		primaryModel:      "gemini-3-flash-preview",
		fallbackModel:     "gemini-2.5-flash",
		extendedModel:     "gemini-2.5-pro",
		extendedThreshold: 150_000,
		configs:           DefaultModelConfigs,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breaker == nil {
		r.breaker = breaker.New(breaker.WithName("gemini_primary"), breaker.WithFailureThreshold(5))
	}
	return r
}

// Breaker returns the router's shared circuit breaker.
func (r *Router) Breaker() *breaker.Breaker { return r.breaker }

// Route picks a model given the estimated token count and an optional
// forced-fallback override, in priority order: forced fallback > circuit
// open > extended context > primary.
func (r *Router) Route(tokenCount int, forceFallback bool) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totalRoutes++

	if forceFallback {
		r.fallbackRoutes++
		return Decision{Model: r.fallbackModel, Reason: ReasonForcedFallback, Config: r.configLocked(r.fallbackModel), TokenCount: tokenCount}
	}

	if r.breaker.IsOpen() {
		r.fallbackRoutes++
		logger.L.Warnf("circuit open, routing to fallback: %s", r.fallbackModel)
		return Decision{Model: r.fallbackModel, Reason: ReasonCircuitOpen, Config: r.configLocked(r.fallbackModel), TokenCount: tokenCount}
	}

	if tokenCount >= r.extendedThreshold {
		r.extendedRoutes++
		logger.L.Infof("token count %d >= %d, routing to extended: %s", tokenCount, r.extendedThreshold, r.extendedModel)
		return Decision{Model: r.extendedModel, Reason: ReasonExtendedContext, Config: r.configLocked(r.extendedModel), TokenCount: tokenCount}
	}

	r.primaryRoutes++
	return Decision{Model: r.primaryModel, Reason: ReasonPrimaryHealthy, Config: r.configLocked(r.primaryModel), TokenCount: tokenCount}
}

// GetModelConfig returns the configuration for a model name, falling
// back to a prefix match and finally to safe defaults for unknown names.
func (r *Router) GetModelConfig(modelName string) ModelConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configLocked(modelName)
}

func (r *Router) configLocked(modelName string) ModelConfig {
	if c, ok := r.configs[modelName]; ok {
		return c
	}
	for key, c := range r.configs {
		if strings.HasPrefix(modelName, key) || strings.HasPrefix(key, modelName) {
			return c
		}
	}
	logger.L.Warnf("unknown model %s, using safe defaults", modelName)
	return ModelConfig{Name: modelName, MaxContext: 200_000, MaxOutput: 8192}
}

// IsHealthy reports whether the router's circuit breaker is not OPEN.
func (r *Router) IsHealthy() bool { return !r.breaker.IsOpen() }

// Metrics is the routing counters snapshot.
type Metrics struct {
	TotalRoutes     int
	PrimaryRoutes   int
	FallbackRoutes  int
	ExtendedRoutes  int
	CircuitState    breaker.State
	CircuitFailures int
}

// Metrics returns a snapshot of routing counters and circuit state.
func (r *Router) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Metrics{
		TotalRoutes:     r.totalRoutes,
		PrimaryRoutes:   r.primaryRoutes,
		FallbackRoutes:  r.fallbackRoutes,
		ExtendedRoutes:  r.extendedRoutes,
		CircuitState:    r.breaker.State(),
		CircuitFailures: r.breaker.FailureCount(),
	}
}

// Summary is the comprehensive routing summary returned by Summary().
type Summary struct {
	PrimaryModel      string
	FallbackModel     string
	ExtendedModel     string
	ExtendedThreshold int
	CircuitState      breaker.State
	Metrics           Metrics
}

// Summary returns a comprehensive snapshot of the router's configuration
// and metrics, for diagnostics.
func (r *Router) Summary() Summary {
	m := r.Metrics()
	r.mu.Lock()
	defer r.mu.Unlock()
	return Summary{
		PrimaryModel:      r.primaryModel,
		FallbackModel:     r.fallbackModel,
		ExtendedModel:     r.extendedModel,
		ExtendedThreshold: r.extendedThreshold,
		CircuitState:      m.CircuitState,
		Metrics:           m,
	}
}
