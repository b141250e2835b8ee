// Package pipeline orchestrates a request through validation, safety,
// admission, cache, routing, execution, and finalization. Every stage
// can short-circuit with a typed error; admission side effects are
// unwound in reverse order on failure.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/modelgate/internal/auth"
	"github.com/blueberrycongee/modelgate/internal/budget"
	"github.com/blueberrycongee/modelgate/internal/cache"
	"github.com/blueberrycongee/modelgate/internal/circuit"
	"github.com/blueberrycongee/modelgate/internal/events"
	"github.com/blueberrycongee/modelgate/internal/hook"
	"github.com/blueberrycongee/modelgate/internal/provider"
	"github.com/blueberrycongee/modelgate/internal/ratelimit"
	"github.com/blueberrycongee/modelgate/internal/registry"
	"github.com/blueberrycongee/modelgate/internal/router"
	"github.com/blueberrycongee/modelgate/internal/safety"
	"github.com/blueberrycongee/modelgate/internal/secret"
	"github.com/blueberrycongee/modelgate/internal/tokenizer"
	"github.com/blueberrycongee/modelgate/pkg/gwerr"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

// Stream safety modes.
const (
	StreamSafetyEndOfStream = "end_of_stream"
	StreamSafetyPassthrough = "passthrough"
)

// Config holds pipeline settings.
type Config struct {
	MaxRetries     int           `yaml:"max_retries"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
	JitterFraction float64       `yaml:"jitter_fraction"`
	HardTimeout    time.Duration `yaml:"hard_timeout"`

	// Per-stage soft budgets.
	RateLimitBudget  time.Duration `yaml:"rate_limit_budget"`
	CacheBudget      time.Duration `yaml:"cache_budget"`
	CredentialBudget time.Duration `yaml:"credential_budget"`

	CacheEnabled     bool   `yaml:"cache_enabled"`
	StreamSafetyMode string `yaml:"stream_safety_mode"`
}

// DefaultConfig returns the standard budgets: two retries across
// candidates, 250ms..4s backoff with 20% jitter, 30s hard ceiling.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       2,
		BackoffBase:      250 * time.Millisecond,
		BackoffCap:       4 * time.Second,
		JitterFraction:   0.2,
		HardTimeout:      30 * time.Second,
		RateLimitBudget:  20 * time.Millisecond,
		CacheBudget:      50 * time.Millisecond,
		CredentialBudget: 100 * time.Millisecond,
		CacheEnabled:     true,
		StreamSafetyMode: StreamSafetyEndOfStream,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = d.BackoffCap
	}
	if c.JitterFraction <= 0 || c.JitterFraction >= 1 {
		c.JitterFraction = d.JitterFraction
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = d.HardTimeout
	}
	if c.RateLimitBudget <= 0 {
		c.RateLimitBudget = d.RateLimitBudget
	}
	if c.CacheBudget <= 0 {
		c.CacheBudget = d.CacheBudget
	}
	if c.CredentialBudget <= 0 {
		c.CredentialBudget = d.CredentialBudget
	}
	if c.StreamSafetyMode == "" {
		c.StreamSafetyMode = d.StreamSafetyMode
	}
	return c
}

// Pipeline wires the gateway components into the request path.
type Pipeline struct {
	registry   *registry.Registry
	router     *router.Router
	cache      *cache.Dual
	limiter    *ratelimit.Limiter
	budget     *budget.Enforcer
	circuits   *circuit.Registry
	adapters   *provider.Registry
	creds      secret.Resolver
	prompt     *safety.Filter
	response   *safety.Filter
	hooks      *hook.Hooks
	emitter    events.Emitter
	metrics    *events.Metrics
	authorizer auth.Authorizer
	cfg        Config
	tracer     trace.Tracer
	logger     *slog.Logger
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Registry   *registry.Registry
	Router     *router.Router
	Cache      *cache.Dual
	Limiter    *ratelimit.Limiter
	Budget     *budget.Enforcer
	Circuits   *circuit.Registry
	Adapters   *provider.Registry
	Creds      secret.Resolver
	Prompt     *safety.Filter
	Response   *safety.Filter
	Hooks      *hook.Hooks
	Emitter    events.Emitter
	Metrics    *events.Metrics
	Authorizer auth.Authorizer
	Logger     *slog.Logger
}

// New creates a pipeline.
func New(deps Deps, cfg Config) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hooks := deps.Hooks
	if hooks == nil {
		hooks = hook.New(0, logger)
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = events.NewLogEmitter(logger)
	}
	return &Pipeline{
		registry:   deps.Registry,
		router:     deps.Router,
		cache:      deps.Cache,
		limiter:    deps.Limiter,
		budget:     deps.Budget,
		circuits:   deps.Circuits,
		adapters:   deps.Adapters,
		creds:      deps.Creds,
		prompt:     deps.Prompt,
		response:   deps.Response,
		hooks:      hooks,
		emitter:    emitter,
		metrics:    deps.Metrics,
		authorizer: deps.Authorizer,
		cfg:        cfg.withDefaults(),
		tracer:     otel.Tracer("modelgate/pipeline"),
		logger:     logger,
	}
}

// Infer runs the synchronous request path.
func (p *Pipeline) Infer(ctx context.Context, req *types.InferenceRequest) (*types.InferenceResponse, error) {
	ctx, span := p.tracer.Start(ctx, "gateway.infer",
		trace.WithAttributes(attribute.String("request_id", req.RequestID)))
	defer span.End()
	start := time.Now()

	remaining := req.RemainingDeadline(p.cfg.HardTimeout)
	if remaining <= 0 {
		return nil, gwerr.DeadlineExceeded().WithRequestID(req.RequestID)
	}
	ctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	adm, err := p.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	req = adm.req

	// Cache lookup; a hit serves without touching a provider.
	if adm.cacheUsable {
		if resp, ok := p.cacheLookup(ctx, adm); ok {
			adm.reservation.Release(ctx)
			return p.complete(ctx, adm, resp, start, 0)
		}
		p.emit(events.TypeCacheMiss, req.RequestID, nil)
		if p.metrics != nil {
			p.metrics.CacheMissesTotal.Inc()
		}
	}

	resp, shared, err := p.executeSingleFlight(ctx, adm)
	if err != nil {
		adm.reservation.Release(ctx)
		p.observeOutcome(req, err)
		return nil, gwerr.AsError(err).WithRequestID(req.RequestID)
	}
	if shared {
		// The leader carried the cost; followers only release their
		// reservation.
		adm.reservation.Release(ctx)
		resp = resp.Clone()
		resp.RequestID = req.RequestID
		return p.complete(ctx, adm, resp, start, 0)
	}

	adm.reservation.Commit(ctx, resp.CostCents)
	return p.complete(ctx, adm, resp, start, resp.CostCents)
}

// admission carries the per-request state threaded between stages.
type admission struct {
	req         *types.InferenceRequest
	reservation *budget.Reservation
	cacheKey    string
	cacheUsable bool
	estTokens   int
	safetyFlags []string
}

// admit runs validation, prompt safety, rate limiting, and budget
// reservation. On success the caller owns the reservation.
func (p *Pipeline) admit(ctx context.Context, req *types.InferenceRequest) (*admission, error) {
	if err := req.Validate(); err != nil {
		return nil, gwerr.InvalidRequest("%s", err.Error()).WithRequestID(req.RequestID)
	}
	req = p.hooks.OnRequestReceived.Run(ctx, req)
	p.emit(events.TypeRequestSubmitted, req.RequestID, map[string]any{
		"principal":     req.Principal,
		"latency_class": string(req.Latency),
	})

	adm := &admission{req: req}

	// Prompt safety.
	if p.prompt != nil {
		verdict := p.prompt.ScanPrompt(ctx, &req.Prompt)
		switch verdict.Action {
		case safety.ActionBlock:
			p.emit(events.TypeSecurityPrompt, req.RequestID, map[string]any{
				"action": "block", "categories": verdict.MatchedCategories,
			})
			return nil, gwerr.SafetyBlocked("prompt", verdict.MatchedCategories).WithRequestID(req.RequestID)
		case safety.ActionFlag:
			adm.safetyFlags = appendUnique(adm.safetyFlags, verdict.MatchedCategories...)
			p.emit(events.TypeSecurityPrompt, req.RequestID, map[string]any{
				"action": "flag", "categories": verdict.MatchedCategories,
			})
		}
	}

	// Token estimate drives rate limiting, routing, and cost reservation.
	adm.estTokens = tokenizer.EstimatePrompt(req.Hints.PreferredProvider, &req.Prompt)

	// Rate limit against the pre-routing model approximation.
	if p.limiter != nil {
		tier := req.Metadata["tier"]
		if pr := auth.PrincipalFrom(ctx); pr != nil && pr.Tier != "" {
			tier = pr.Tier
		}
		rlCtx, cancel := context.WithTimeout(ctx, p.cfg.RateLimitBudget)
		result, err := p.limiter.Acquire(rlCtx, req.Principal, p.modelFamilyHint(req), tier, "", "", adm.estTokens)
		cancel()
		if err == nil && !result.Allowed {
			p.emit(events.TypeRateLimited, req.RequestID, map[string]any{
				"principal": req.Principal, "retry_after_ms": result.RetryAfter.Milliseconds(),
			})
			if p.metrics != nil {
				p.metrics.RateLimitRejections.WithLabelValues(orDefault(tier, "standard")).Inc()
			}
			return nil, gwerr.RateLimited("", result.RetryAfter).WithRequestID(req.RequestID)
		}
	}

	// Hierarchical budget reservation.
	if p.budget != nil {
		reservation, err := p.budget.CheckAndReserve(ctx, req.Organization, req.Project, req.Principal,
			p.estimateCostCents(req, adm.estTokens))
		if err != nil {
			ge := gwerr.AsError(err)
			p.emit(events.TypeBudgetExhausted, req.RequestID, map[string]any{
				"budget_type": "daily_cost", "level": ge.Level,
			})
			if p.metrics != nil && ge.Level != "" {
				p.metrics.BudgetRejections.WithLabelValues(ge.Level).Inc()
			}
			return nil, ge.WithRequestID(req.RequestID)
		}
		adm.reservation = reservation
	} else {
		adm.reservation = &budget.Reservation{}
	}

	adm.cacheKey = cache.ExactKey(&req.Prompt)
	adm.cacheUsable = p.cfg.CacheEnabled && p.cache != nil && req.Hints.CachingEnabled()
	return adm, nil
}

func (p *Pipeline) cacheLookup(ctx context.Context, adm *admission) (*types.InferenceResponse, bool) {
	lookupCtx, cancel := context.WithTimeout(ctx, p.cfg.CacheBudget)
	defer cancel()

	resp, ok := p.cache.Lookup(lookupCtx, adm.cacheKey, adm.req)
	if !ok {
		return nil, false
	}
	payload := map[string]any{"cache_type": resp.CacheLayer}
	if resp.CacheLayer == cache.LayerSemantic {
		payload["similarity_score"] = resp.Similarity
	}
	p.emit(events.TypeCacheHit, adm.req.RequestID, payload)
	if p.metrics != nil {
		p.metrics.CacheHitsTotal.WithLabelValues(resp.CacheLayer).Inc()
	}
	return resp, true
}

// executeSingleFlight collapses concurrent misses on the same exact key
// onto one provider call. Requests with caching disabled dispatch
// directly. Response safety and the cache write run inside the flight,
// so followers observe a fully finalized response.
func (p *Pipeline) executeSingleFlight(ctx context.Context, adm *admission) (*types.InferenceResponse, bool, error) {
	fn := func() (*types.InferenceResponse, error) {
		resp, err := p.routeAndExecute(ctx, adm.req, adm.estTokens, adm.safetyFlags)
		if err != nil {
			return nil, err
		}
		if resp, err = p.scanResponse(ctx, adm, resp); err != nil {
			return nil, err
		}
		if adm.cacheUsable && len(resp.SafetyFlags) == 0 {
			p.cache.Write(ctx, adm.cacheKey, adm.req, resp)
		}
		return resp, nil
	}
	if !adm.cacheUsable {
		resp, err := fn()
		return resp, false, err
	}
	return p.cache.Do(ctx, adm.cacheKey, fn)
}

// scanResponse applies the outbound safety filter. A block still debits
// the budget; the tokens were spent at the provider.
func (p *Pipeline) scanResponse(ctx context.Context, adm *admission, resp *types.InferenceResponse) (*types.InferenceResponse, error) {
	if p.response == nil {
		return resp, nil
	}
	verdict := p.response.ScanResponse(ctx, resp)
	switch verdict.Action {
	case safety.ActionBlock:
		adm.reservation.Commit(ctx, resp.CostCents)
		p.emit(events.TypeSecurityResponse, adm.req.RequestID, map[string]any{
			"action": "block", "categories": verdict.MatchedCategories,
		})
		return nil, gwerr.SafetyBlocked("response", verdict.MatchedCategories)
	case safety.ActionFilter, safety.ActionFlag:
		resp.SafetyFlags = appendUnique(resp.SafetyFlags, verdict.MatchedCategories...)
		p.emit(events.TypeSecurityResponse, adm.req.RequestID, map[string]any{
			"action": string(verdict.Action), "categories": verdict.MatchedCategories,
		})
	}
	return resp, nil
}

// complete emits terminal events and runs completion hooks.
func (p *Pipeline) complete(ctx context.Context, adm *admission, resp *types.InferenceResponse, start time.Time, costCents float64) (*types.InferenceResponse, error) {
	resp.SafetyFlags = appendUnique(resp.SafetyFlags, adm.safetyFlags...)

	p.emit(events.TypeResponseReceived, adm.req.RequestID, map[string]any{
		"status":    "ok",
		"cache_hit": resp.CacheHit,
		"provider":  resp.Provider,
		"model":     resp.Model,
	})
	p.emit(events.TypeCostIncurred, adm.req.RequestID, map[string]any{
		"cost_cents": costCents,
		"provider":   resp.Provider,
		"model":      resp.Model,
	})
	if p.metrics != nil {
		p.metrics.RequestsTotal.WithLabelValues(resp.Provider, resp.Model, "ok").Inc()
		p.metrics.RequestDuration.WithLabelValues(resp.Provider, resp.Model).Observe(time.Since(start).Seconds())
		if costCents > 0 {
			p.metrics.CostCentsTotal.WithLabelValues(resp.Provider, resp.Model).Add(costCents)
		}
	}

	resp = p.hooks.OnRequestCompleted.Run(ctx, resp)
	return resp, nil
}

// observeOutcome records a failed request in metrics and events.
func (p *Pipeline) observeOutcome(req *types.InferenceRequest, err error) {
	kind := string(gwerr.KindOf(err))
	if kind == string(gwerr.KindCancelled) {
		p.emit(events.TypeRequestCancelled, req.RequestID, nil)
	}
	p.emit(events.TypeResponseReceived, req.RequestID, map[string]any{
		"status": kind, "cache_hit": false,
	})
	if p.metrics != nil {
		ge := gwerr.AsError(err)
		p.metrics.RequestsTotal.WithLabelValues(ge.Provider, "", kind).Inc()
	}
}

// modelFamilyHint approximates the rate-limit key before routing.
func (p *Pipeline) modelFamilyHint(req *types.InferenceRequest) string {
	if req.Hints.PreferredProvider != "" {
		return req.Hints.PreferredProvider
	}
	return "any"
}

// estimateCostCents reserves against the costliest model that could
// serve the request, so the reservation never understates.
func (p *Pipeline) estimateCostCents(req *types.InferenceRequest, estTokens int) float64 {
	var worst float64
	if p.registry != nil {
		for _, def := range p.registry.Find(registry.FindFilter{Capabilities: req.Capabilities}) {
			if c := def.EstimateCostCents(estTokens, req.Budget.MaxOutput); c > worst {
				worst = c
			}
		}
	}
	if req.Budget.MaxCostCents > 0 && worst > req.Budget.MaxCostCents {
		worst = req.Budget.MaxCostCents
	}
	return worst
}

func (p *Pipeline) emit(eventType, requestID string, payload map[string]any) {
	p.emitter.Emit(events.New(eventType, requestID, payload))
}

func appendUnique(dst []string, add ...string) []string {
	for _, v := range add {
		seen := false
		for _, existing := range dst {
			if existing == v {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, v)
		}
	}
	return dst
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
