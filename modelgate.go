// Package modelgate is a multi-provider LLM inference gateway. It
// routes normalized requests across provider adapters with dual-layer
// response caching, token-bucket rate limiting, hierarchical cost
// budgets, and per-(provider, region) circuit breakers.
package modelgate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/modelgate/internal/auth"
	"github.com/blueberrycongee/modelgate/internal/budget"
	"github.com/blueberrycongee/modelgate/internal/cache"
	"github.com/blueberrycongee/modelgate/internal/cache/semantic"
	"github.com/blueberrycongee/modelgate/internal/circuit"
	"github.com/blueberrycongee/modelgate/internal/config"
	"github.com/blueberrycongee/modelgate/internal/events"
	"github.com/blueberrycongee/modelgate/internal/hook"
	"github.com/blueberrycongee/modelgate/internal/pipeline"
	"github.com/blueberrycongee/modelgate/internal/provider"
	"github.com/blueberrycongee/modelgate/internal/provider/anthropic"
	"github.com/blueberrycongee/modelgate/internal/provider/azure"
	"github.com/blueberrycongee/modelgate/internal/provider/openai"
	"github.com/blueberrycongee/modelgate/internal/provider/selfhosted"
	"github.com/blueberrycongee/modelgate/internal/provider/vertex"
	"github.com/blueberrycongee/modelgate/internal/queue"
	"github.com/blueberrycongee/modelgate/internal/ratelimit"
	"github.com/blueberrycongee/modelgate/internal/registry"
	"github.com/blueberrycongee/modelgate/internal/router"
	"github.com/blueberrycongee/modelgate/internal/safety"
	"github.com/blueberrycongee/modelgate/internal/secret"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

// Gateway is the assembled inference gateway. Construct with New or
// Load, call Start for the background loops, and Close on shutdown.
type Gateway struct {
	cfg     *config.File
	manager *config.Manager
	logger  *slog.Logger

	registry *registry.Registry
	router   *router.Router
	circuits *circuit.Registry
	prober   *circuit.Prober
	adaptive *ratelimit.Adaptive
	limiter  *ratelimit.Limiter
	authFail *ratelimit.AuthFailLimiter
	budget   *budget.Enforcer
	cache    *cache.Dual
	warmer   *cache.Warmer
	queue    *queue.Queue
	adapters *provider.Registry
	creds    secret.Resolver
	ownCreds *secret.Manager
	hooks    *hook.Hooks
	emitter  events.Emitter
	metrics  *events.Metrics
	pipeline *pipeline.Pipeline

	authn auth.Authenticator

	batches sync.Map // batch ID -> *batchJob
	pending sync.Map // queue ID -> *batchBinding
	workers int

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Load builds a gateway from a configuration file and keeps watching it
// for changes: a valid rewrite swaps the model catalog in place.
func Load(path string, opts ...Option) (*Gateway, error) {
	var g *Gateway
	manager, err := config.NewManager(path, func(cfg *config.File) {
		if g != nil {
			g.registry.ReplaceAll(cfg.ModelPointers())
		}
	}, nil)
	if err != nil {
		return nil, err
	}
	g, err = New(manager.Current(), opts...)
	if err != nil {
		return nil, err
	}
	g.manager = manager
	return g, nil
}

// New builds a gateway from a validated configuration snapshot.
func New(cfg *config.File, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{workers: 4}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := o.emitter
	if emitter == nil {
		emitter = events.NewLogEmitter(logger)
	}
	metrics := events.NewMetrics(o.registerer)

	g := &Gateway{
		cfg:     cfg,
		logger:  logger,
		emitter: emitter,
		metrics: metrics,
		workers: o.workers,
		hooks:   hook.New(0, logger),
	}

	var redisClient redis.UniversalClient
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	g.registry = registry.New(cfg.ModelPointers(), logger)

	g.circuits = circuit.NewRegistry(cfg.Circuit.Config, g.onCircuitTransition, logger)
	for providerID, override := range cfg.Circuit.PerProvider {
		g.circuits.SetProviderConfig(providerID, override)
	}

	g.router = router.New(g.registry, g.circuits, cfg.Routing, logger)

	g.creds = o.resolver
	if g.creds == nil {
		manager := secret.NewManager()
		manager.Register("env", secret.NewEnvProvider())
		for scheme, store := range o.secretStores {
			manager.Register(scheme, store)
		}
		for _, ref := range cfg.Credentials {
			manager.Bind(ref.Provider, secret.Ref{KeyRef: ref.KeyRef, Extra: ref.Extra})
		}
		g.creds = manager
		g.ownCreds = manager
	}

	g.adapters = provider.NewRegistry()
	g.adapters.Register(anthropic.New(provider.Config{}))
	g.adapters.Register(openai.New(provider.Config{}))
	g.adapters.Register(azure.New(provider.Config{}))
	g.adapters.Register(vertex.New(provider.Config{}))
	g.adapters.Register(selfhosted.New(provider.Config{}))
	for _, adapter := range o.adapters {
		g.adapters.Register(adapter)
	}

	g.prober = circuit.NewProber(g.circuits, g.registry, g.adapters, g.creds, cfg.Circuit.Prober, logger)

	g.adaptive = ratelimit.NewAdaptive(cfg.RateLimit.Adaptive, logger)
	var rlStore ratelimit.Store
	if redisClient != nil {
		rlStore = ratelimit.NewRedisStore(redisClient)
	} else {
		rlStore = ratelimit.NewMemoryStore()
	}
	g.limiter = ratelimit.NewLimiter(rlStore, g.adaptive, ratelimit.Config{Tiers: cfg.RateLimit.Tiers}, logger)
	g.authFail = ratelimit.NewAuthFailLimiter(cfg.RateLimit.AuthFail, logger)

	var budgetStore budget.Store
	if redisClient != nil {
		budgetStore = budget.NewRedisStore(redisClient)
	} else {
		budgetStore = budget.NewMemoryStore()
	}
	g.budget = budget.NewEnforcer(budgetStore, cfg.Budget, g.onBudgetThreshold, logger)

	g.cache = g.buildCache(cfg, redisClient, o.embedder, logger)
	g.warmer = cache.NewWarmer(g.Infer, logger)

	g.queue = queue.New(cfg.Queue, g.onQueueDrop, logger)

	promptFilter, err := safety.NewFilter(cfg.Safety.Prompt, o.moderator, logger)
	if err != nil {
		return nil, fmt.Errorf("prompt safety filter: %w", err)
	}
	responseFilter, err := safety.NewFilter(cfg.Safety.Response, o.moderator, logger)
	if err != nil {
		return nil, fmt.Errorf("response safety filter: %w", err)
	}

	authorizer := o.authorizer
	if authorizer == nil {
		authorizer = auth.ModelAuthorizer{}
	}
	if cfg.Server.JWTSecret != "" {
		g.authn, err = auth.NewJWTAuthenticator([]byte(cfg.Server.JWTSecret), cfg.Server.JWTIssuer)
		if err != nil {
			return nil, err
		}
	}

	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.CacheEnabled = cfg.Cache.Enabled
	pipeCfg.StreamSafetyMode = cfg.Safety.StreamMode
	g.pipeline = pipeline.New(pipeline.Deps{
		Registry:   g.registry,
		Router:     g.router,
		Cache:      g.cache,
		Limiter:    g.limiter,
		Budget:     g.budget,
		Circuits:   g.circuits,
		Adapters:   g.adapters,
		Creds:      g.creds,
		Prompt:     promptFilter,
		Response:   responseFilter,
		Hooks:      g.hooks,
		Emitter:    emitter,
		Metrics:    metrics,
		Authorizer: authorizer,
		Logger:     logger,
	}, pipeCfg)
	return g, nil
}

// buildCache assembles the dual cache from configuration. The semantic
// layer activates only when enabled and an embedder is available.
func (g *Gateway) buildCache(cfg *config.File, redisClient redis.UniversalClient, embedder semantic.Embedder, logger *slog.Logger) *cache.Dual {
	var exact cache.Store
	if redisClient != nil {
		exact = cache.NewRedisStoreWithClient(redisClient, "")
	} else {
		exact = cache.NewMemoryStore(cache.MemoryConfig{MaxEntries: cfg.Cache.MaxEntries})
	}

	var sem *semantic.Layer
	if cfg.Cache.Semantic.Enabled {
		if embedder == nil && cfg.Cache.Semantic.EmbeddingModel != "" {
			embedder = semantic.NewOpenAIEmbedder(semantic.OpenAIEmbedderConfig{
				Model:  cfg.Cache.Semantic.EmbeddingModel,
				APIKey: g.embeddingKey(),
			})
		}
		if embedder != nil {
			var vectors semantic.VectorStore
			if redisClient != nil {
				vectors = semantic.NewRedisVectorStore(redisClient, "")
			} else {
				vectors = semantic.NewMemoryVectorStore(cfg.Cache.Semantic.MaxEntries)
			}
			sem = semantic.NewLayer(embedder, vectors, semantic.Config{
				DefaultThreshold:   cfg.Cache.Semantic.DefaultThreshold,
				CategoryThresholds: cfg.Cache.Semantic.CategoryThresholds,
				TTL:                cfg.Cache.Semantic.TTL,
				MinResponseBytes:   cfg.Cache.Semantic.MinResponseBytes,
			}, logger)
		} else {
			logger.Warn("semantic cache enabled but no embedder available, running exact-only")
		}
	}

	return cache.NewDual(exact, sem, cache.DualConfig{
		DefaultTTL:   cfg.Cache.TTL,
		CategoryTTLs: cfg.Cache.CategoryTTLs,
	}, logger)
}

// embeddingKey resolves the embedding credential at startup.
func (g *Gateway) embeddingKey() string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cred, err := g.creds.Resolve(ctx, "openai")
	if err != nil {
		g.logger.Warn("embedding credential unavailable", "error", err)
		return ""
	}
	return cred.APIKey
}

// Start launches the background loops: circuit probing, adaptive
// rate-limit recovery, config watching, and the batch queue workers.
// It returns immediately; loops stop when Close is called.
func (g *Gateway) Start(ctx context.Context) {
	g.startOnce.Do(func() {
		ctx, g.cancel = context.WithCancel(ctx)
		g.spawn(func() { g.prober.Run(ctx) })
		g.spawn(func() { g.adaptive.Run(ctx) })
		if g.manager != nil {
			g.spawn(func() {
				if err := g.manager.Watch(ctx); err != nil {
					g.logger.Warn("config watcher stopped", "error", err)
				}
			})
		}
		for i := 0; i < g.workers; i++ {
			g.spawn(func() { g.batchWorker(ctx) })
		}
	})
}

func (g *Gateway) spawn(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// Close stops the background loops and releases backend connections.
func (g *Gateway) Close() error {
	if g.cancel != nil {
		g.cancel()
	}
	g.queue.Close()
	g.wg.Wait()
	err := g.limiter.Close()
	if g.ownCreds != nil {
		if cerr := g.ownCreds.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := g.emitter.Close(); err == nil {
		err = cerr
	}
	return err
}

// Infer runs one request through the full pipeline.
func (g *Gateway) Infer(ctx context.Context, req *types.InferenceRequest) (*types.InferenceResponse, error) {
	return g.pipeline.Infer(ctx, req)
}

// InferStream runs one request through the streaming pipeline.
func (g *Gateway) InferStream(ctx context.Context, req *types.InferenceRequest) (<-chan types.StreamFrame, error) {
	return g.pipeline.InferStream(ctx, req)
}

// Hooks exposes the extension points. Register hooks before Start.
func (g *Gateway) Hooks() *hook.Hooks { return g.hooks }

// Authenticator returns the configured token authenticator, or nil when
// the server runs without JWT auth.
func (g *Gateway) Authenticator() auth.Authenticator { return g.authn }

// AuthFailures returns the auth-failure limiter for the transport layer.
func (g *Gateway) AuthFailures() *ratelimit.AuthFailLimiter { return g.authFail }

// Emitter returns the event sink so the transport layer can publish
// security events alongside the pipeline's.
func (g *Gateway) Emitter() events.Emitter { return g.emitter }

// Config returns the configuration snapshot the gateway was built from.
func (g *Gateway) Config() *config.File { return g.cfg }

// ListModels returns the current catalog.
func (g *Gateway) ListModels() []*types.ModelDefinition { return g.registry.All() }

// GetModel returns one model definition.
func (g *Gateway) GetModel(modelID string) (*types.ModelDefinition, error) {
	return g.registry.Get(modelID)
}

// QueryByCapability returns active models supporting every capability.
func (g *Gateway) QueryByCapability(caps ...types.Capability) []*types.ModelDefinition {
	return g.registry.QueryByCapability(caps)
}

// RegisterModel adds or replaces a model definition at runtime.
func (g *Gateway) RegisterModel(def *types.ModelDefinition) error {
	return g.registry.Register(def)
}

// UpdateModelStatus changes a model's lifecycle status. Disabling a
// model removes it from routing for new requests; in-flight requests
// finish on the snapshot they started with.
func (g *Gateway) UpdateModelStatus(modelID string, status types.ModelStatus) error {
	return g.registry.SetStatus(modelID, status)
}

// UpdateModelPricing refreshes a model's per-token prices.
func (g *Gateway) UpdateModelPricing(modelID string, inputPerM, outputPerM float64) error {
	return g.registry.UpdatePricing(modelID, inputPerM, outputPerM, time.Now())
}

// InvalidateCache removes one cached entry from both layers.
func (g *Gateway) InvalidateCache(ctx context.Context, key string) error {
	return g.cache.InvalidateKey(ctx, key)
}

// InvalidateCachePrefix removes every cached entry under a key prefix.
func (g *Gateway) InvalidateCachePrefix(ctx context.Context, prefix string) (int, error) {
	return g.cache.InvalidatePrefix(ctx, prefix)
}

// InvalidateCacheScope removes every cached entry under a scope tag
// such as "model:gpt-4o" or "principal:agent-7".
func (g *Gateway) InvalidateCacheScope(ctx context.Context, scope string) (int, error) {
	return g.cache.InvalidateScope(ctx, scope)
}

// WarmCache executes prompts through the normal pipeline so their
// responses populate the cache.
func (g *Gateway) WarmCache(ctx context.Context, prompts []types.LogicalPrompt, category string, maxOutput int) cache.WarmResult {
	return g.warmer.Warm(ctx, prompts, category, maxOutput)
}

// OverrideBudget grants a temporary, audited budget increase.
func (g *Gateway) OverrideBudget(level budget.Level, entity string, amountCents float64, duration time.Duration, reason, approver string) error {
	return g.budget.Override(level, entity, amountCents, duration, reason, approver)
}

// ProviderHealth reports every tracked (provider, region) circuit state.
func (g *Gateway) ProviderHealth() map[string]circuit.State {
	return g.circuits.Snapshot()
}

// QueueDepths reports per-priority queue depth.
func (g *Gateway) QueueDepths() [3]int { return g.queue.Depths() }

func (g *Gateway) onCircuitTransition(tr circuit.Transition) {
	eventType := events.TypeCircuitClosed
	if tr.To == circuit.StateOpen {
		eventType = events.TypeCircuitOpened
	}
	g.emitter.Emit(events.New(eventType, "", map[string]any{
		"provider": tr.Provider,
		"region":   tr.Region,
		"from":     string(tr.From),
		"to":       string(tr.To),
	}))
	g.metrics.ObserveCircuit(tr.Provider, tr.Region, string(tr.To))
}

func (g *Gateway) onBudgetThreshold(ev budget.ThresholdEvent) {
	g.emitter.Emit(events.New(events.TypeBudgetThreshold, "", map[string]any{
		"level":       string(ev.Level),
		"entity":      ev.Entity,
		"percent":     ev.Percent,
		"spent_cents": ev.SpentCents,
		"limit_cents": ev.LimitCents,
	}))
}
