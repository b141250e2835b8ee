package pipeline

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/blueberrycongee/modelgate/internal/auth"
	"github.com/blueberrycongee/modelgate/internal/events"
	"github.com/blueberrycongee/modelgate/internal/provider"
	"github.com/blueberrycongee/modelgate/internal/secret"
	"github.com/blueberrycongee/modelgate/internal/tokenizer"
	"github.com/blueberrycongee/modelgate/pkg/gwerr"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

// dispatch is a fully resolved candidate ready for an adapter call.
type dispatch struct {
	candidate types.Candidate
	model     *types.ModelDefinition
	adapter   provider.Adapter
	cred      secret.Credential
	fallback  bool
}

// routeAndExecute runs the routing and execution stages: select a
// candidate chain, then walk it with a shared retry budget. Transient
// failures retry on the same candidate with jittered backoff before
// advancing; permanent failures surface immediately.
func (p *Pipeline) routeAndExecute(ctx context.Context, req *types.InferenceRequest, estTokens int, safetyFlags []string) (*types.InferenceResponse, error) {
	decision, err := p.route(ctx, req, estTokens)
	if err != nil {
		return nil, err
	}

	retriesLeft := p.cfg.MaxRetries
	var lastErr error
	for i, cand := range decision.Chain() {
		if i > 0 && !req.Hints.FallbackAllowed() {
			break
		}
		d, err := p.resolve(ctx, cand)
		if err != nil {
			lastErr = err
			continue
		}
		if d.fallback = i > 0; d.fallback {
			p.emitFallbackRouted(req, cand)
		}

		resp, err := p.invoke(ctx, req, d, &retriesLeft)
		if err == nil {
			return p.postProcess(ctx, req, resp, d, decision, safetyFlags), nil
		}
		if !advanceable(err) {
			return nil, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = gwerr.NoCandidate("no dispatchable candidate")
	}
	return nil, lastErr
}

// route selects the candidate chain and announces the decision.
func (p *Pipeline) route(ctx context.Context, req *types.InferenceRequest, estTokens int) (*types.RoutingDecision, error) {
	decision, err := p.router.Select(req, estTokens)
	if err != nil {
		return nil, err
	}
	decision = p.hooks.OnRoutingDecision.Run(ctx, decision)
	p.emit(events.TypeRequestRouted, req.RequestID, map[string]any{
		"selected_provider":    decision.Selected.ProviderID,
		"selected_model":       decision.Selected.ModelID,
		"region":               decision.Selected.Region,
		"routing_reason":       string(decision.Reason),
		"fallbacks":            len(decision.Fallbacks),
		"candidates_evaluated": decision.CandidatesEvaluated,
	})
	return decision, nil
}

// emitFallbackRouted announces that execution advanced past the primary
// selection onto a fallback candidate.
func (p *Pipeline) emitFallbackRouted(req *types.InferenceRequest, cand types.Candidate) {
	p.emit(events.TypeRequestRouted, req.RequestID, map[string]any{
		"selected_provider": cand.ProviderID,
		"selected_model":    cand.ModelID,
		"region":            cand.Region,
		"routing_reason":    string(types.ReasonFallback),
	})
}

// resolve gathers everything a candidate needs before the circuit gate:
// authorization, model definition, adapter, and credentials. Credential
// resolution happens here so its failures never count against the
// provider's circuit.
func (p *Pipeline) resolve(ctx context.Context, cand types.Candidate) (*dispatch, error) {
	if p.authorizer != nil {
		if pr := auth.PrincipalFrom(ctx); pr != nil {
			if err := p.authorizer.Authorize(pr, cand.ModelID); err != nil {
				return nil, err
			}
		}
	}
	model, err := p.registry.Get(cand.ModelID)
	if err != nil {
		return nil, gwerr.Internal(err)
	}
	adapter, ok := p.adapters.Get(cand.ProviderID)
	if !ok {
		return nil, gwerr.New(gwerr.KindInternal, "no adapter registered for provider %q", cand.ProviderID)
	}

	credCtx, cancel := context.WithTimeout(ctx, p.cfg.CredentialBudget)
	defer cancel()
	cred, err := p.creds.Resolve(credCtx, cand.ProviderID)
	if err != nil {
		return nil, gwerr.New(gwerr.KindInternal, "credential resolution failed for provider %q", cand.ProviderID).WithCause(err)
	}
	return &dispatch{candidate: cand, model: model, adapter: adapter, cred: cred}, nil
}

// invoke calls one candidate, retrying transient failures in place
// while the shared retry budget lasts. Every outcome feeds the
// candidate's circuit breaker.
func (p *Pipeline) invoke(ctx context.Context, req *types.InferenceRequest, d *dispatch, retriesLeft *int) (*types.InferenceResponse, error) {
	cand := d.candidate
	for attempt := 0; ; attempt++ {
		if err := p.circuits.Allow(cand.ProviderID, cand.Region); err != nil {
			return nil, err
		}
		resp, err := d.adapter.Invoke(ctx, req, d.model, cand.Region, d.cred)
		p.circuits.Record(cand.ProviderID, cand.Region, err)
		if err == nil {
			resp.RequestID = req.RequestID
			resp.Region = cand.Region
			return resp, nil
		}

		kind := gwerr.KindOf(err)
		p.emit(events.TypeProviderFailed, req.RequestID, map[string]any{
			"provider": cand.ProviderID, "region": cand.Region, "error_type": string(kind),
		})
		if p.metrics != nil {
			p.metrics.ProviderFailures.WithLabelValues(cand.ProviderID, cand.Region, string(kind)).Inc()
		}

		switch kind {
		case gwerr.KindRateLimited:
			// A 429 tightens the adaptive factor and moves on; retrying
			// the same provider would only deepen the pressure.
			if p.limiter != nil {
				p.limiter.RecordProviderRateLimited(cand.ProviderID, cand.Region)
			}
			return nil, err
		case gwerr.KindProviderTransient, gwerr.KindTimeout:
			if *retriesLeft > 0 {
				*retriesLeft--
				if werr := p.backoff(ctx, attempt); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, err
		default:
			// Auth, content-filter, validation, permanent: no retry here.
			// advanceable decides whether the next candidate gets a shot.
			return nil, err
		}
	}
}

// advanceable reports whether the chain may continue past this error.
// Content filtering and request validation reflect the request itself,
// so every candidate would refuse identically.
func advanceable(err error) bool {
	switch gwerr.KindOf(err) {
	case gwerr.KindContentFiltered, gwerr.KindInvalidRequest, gwerr.KindSafetyBlocked,
		gwerr.KindDeadlineExceeded, gwerr.KindCancelled:
		return false
	default:
		return true
	}
}

// backoff sleeps for base*2^attempt capped, with symmetric jitter.
func (p *Pipeline) backoff(ctx context.Context, attempt int) error {
	delay := p.cfg.BackoffBase << attempt
	if delay > p.cfg.BackoffCap || delay <= 0 {
		delay = p.cfg.BackoffCap
	}
	jitter := 1 + p.cfg.JitterFraction*(2*rand.Float64()-1)
	delay = time.Duration(float64(delay) * jitter)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return gwerr.AsError(ctx.Err())
	case <-timer.C:
		return nil
	}
}

// postProcess normalizes usage and cost on a fresh provider response,
// then hands it to the on-provider-response hooks. Providers
// occasionally omit usage; token counts are reconstructed so cost
// attribution never reports zero for billable traffic.
func (p *Pipeline) postProcess(ctx context.Context, req *types.InferenceRequest, resp *types.InferenceResponse, d *dispatch, decision *types.RoutingDecision, safetyFlags []string) *types.InferenceResponse {
	if resp.Usage.PromptTokens == 0 {
		resp.Usage.PromptTokens = tokenizer.EstimatePrompt(resp.Model, &req.Prompt)
	}
	if resp.Usage.CompletionTokens == 0 && resp.Content != "" {
		resp.Usage.CompletionTokens = tokenizer.Count(resp.Model, resp.Content)
	}
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	resp.CostCents = d.model.CostCents(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	resp.SafetyFlags = appendUnique(resp.SafetyFlags, safetyFlags...)
	if d.fallback {
		resp.RoutingReason = string(types.ReasonFallback)
	} else {
		resp.RoutingReason = string(decision.Reason)
	}
	return p.hooks.OnProviderResponse.Run(ctx, resp)
}
