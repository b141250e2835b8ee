package modelgate

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blueberrycongee/modelgate/internal/auth"
	"github.com/blueberrycongee/modelgate/internal/cache/semantic"
	"github.com/blueberrycongee/modelgate/internal/events"
	"github.com/blueberrycongee/modelgate/internal/provider"
	"github.com/blueberrycongee/modelgate/internal/safety"
	"github.com/blueberrycongee/modelgate/internal/secret"
)

// Option customizes gateway construction.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	emitter      events.Emitter
	registerer   prometheus.Registerer
	adapters     []provider.Adapter
	resolver     secret.Resolver
	secretStores map[string]secret.Provider
	embedder     semantic.Embedder
	moderator    safety.Moderator
	authorizer   auth.Authorizer
	workers      int
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEmitter sets the event sink. Defaults to a log emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(o *options) { o.emitter = emitter }
}

// WithMetricsRegisterer sets the Prometheus registerer the gateway's
// collectors attach to. Defaults to the global registerer.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithAdapter registers an additional provider adapter, or overrides a
// built-in one with the same name.
func WithAdapter(adapter provider.Adapter) Option {
	return func(o *options) { o.adapters = append(o.adapters, adapter) }
}

// WithCredentialResolver replaces the built-in credential manager.
func WithCredentialResolver(resolver secret.Resolver) Option {
	return func(o *options) { o.resolver = resolver }
}

// WithSecretProvider registers a secret backend for a reference scheme
// ("vault", ...). The env backend is always registered.
func WithSecretProvider(scheme string, store secret.Provider) Option {
	return func(o *options) {
		if o.secretStores == nil {
			o.secretStores = make(map[string]secret.Provider)
		}
		o.secretStores[scheme] = store
	}
}

// WithEmbedder sets the semantic cache embedder, overriding the one
// built from configuration.
func WithEmbedder(embedder semantic.Embedder) Option {
	return func(o *options) { o.embedder = embedder }
}

// WithModerator wires an external moderation backend into both safety
// filters.
func WithModerator(moderator safety.Moderator) Option {
	return func(o *options) { o.moderator = moderator }
}

// WithAuthorizer sets the per-model authorization policy. Defaults to
// allow-list enforcement from principal claims.
func WithAuthorizer(az auth.Authorizer) Option {
	return func(o *options) { o.authorizer = az }
}

// WithBatchWorkers sets the number of queue workers draining batch
// requests. Defaults to 4.
func WithBatchWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}
