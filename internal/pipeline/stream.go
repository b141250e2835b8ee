package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/blueberrycongee/modelgate/internal/events"
	"github.com/blueberrycongee/modelgate/internal/safety"
	"github.com/blueberrycongee/modelgate/internal/tokenizer"
	"github.com/blueberrycongee/modelgate/pkg/gwerr"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

// InferStream runs the streaming request path. Admission failures
// surface synchronously; everything after stream establishment arrives
// as frames, terminated by exactly one Final or Err frame.
//
// In end_of_stream safety mode frames are buffered and scanned before
// anything reaches the caller. In passthrough mode frames forward
// immediately and the completed stream is scanned for audit only.
func (p *Pipeline) InferStream(ctx context.Context, req *types.InferenceRequest) (<-chan types.StreamFrame, error) {
	remaining := req.RemainingDeadline(p.cfg.HardTimeout)
	if remaining <= 0 {
		return nil, gwerr.DeadlineExceeded().WithRequestID(req.RequestID)
	}
	ctx, cancel := context.WithTimeout(ctx, remaining)

	adm, err := p.admit(ctx, req)
	if err != nil {
		cancel()
		return nil, err
	}
	req = adm.req

	// An exact or semantic hit replays as a short synthetic stream.
	if adm.cacheUsable {
		if resp, ok := p.cacheLookup(ctx, adm); ok {
			adm.reservation.Release(ctx)
			out := make(chan types.StreamFrame, 2)
			out <- types.StreamFrame{Delta: resp.Content, Provider: resp.Provider, Model: resp.Model}
			usage := resp.Usage
			out <- types.StreamFrame{Final: true, Usage: &usage, FinishReason: resp.FinishReason, Provider: resp.Provider, Model: resp.Model}
			close(out)
			p.emit(events.TypeResponseReceived, req.RequestID, map[string]any{
				"status": "ok", "cache_hit": true, "provider": resp.Provider, "model": resp.Model,
			})
			cancel()
			return out, nil
		}
		p.emit(events.TypeCacheMiss, req.RequestID, nil)
		if p.metrics != nil {
			p.metrics.CacheMissesTotal.Inc()
		}
	}

	decision, err := p.route(ctx, req, adm.estTokens)
	if err != nil {
		adm.reservation.Release(ctx)
		cancel()
		return nil, gwerr.AsError(err).WithRequestID(req.RequestID)
	}

	out := make(chan types.StreamFrame, types.StreamFrameBuffer)
	go func() {
		defer cancel()
		defer close(out)
		p.runStream(ctx, adm, decision, out)
	}()
	return out, nil
}

// streamState accumulates the stream for finalization.
type streamState struct {
	content  strings.Builder
	usage    types.Usage
	finish   string
	started  time.Time
	dispatch *dispatch
	frames   int
}

// runStream establishes a provider stream with the same fallback
// discipline as the synchronous path, then forwards frames until the
// terminal one.
func (p *Pipeline) runStream(ctx context.Context, adm *admission, decision *types.RoutingDecision, out chan<- types.StreamFrame) {
	req := adm.req
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

	attempts:
		for attempt := 0; ; attempt++ {
			if err := p.circuits.Allow(cand.ProviderID, cand.Region); err != nil {
				lastErr = err
				break attempts
			}
			frames, err := d.adapter.InvokeStream(ctx, req, d.model, cand.Region, d.cred)
			if err == nil {
				delivered, terminalErr := p.forward(ctx, adm, d, decision, frames, out)
				if terminalErr == nil {
					return
				}
				lastErr = terminalErr
				if delivered {
					// Frames already reached the caller; the stream
					// cannot be restarted transparently.
					p.failStream(ctx, adm, terminalErr, out)
					return
				}
			} else {
				p.circuits.Record(cand.ProviderID, cand.Region, err)
				lastErr = err
			}

			kind := gwerr.KindOf(lastErr)
			if kind == gwerr.KindSafetyBlocked {
				// Finalization refused the assembled output; the
				// provider itself did fine.
				p.failStream(ctx, adm, lastErr, out)
				return
			}
			p.emit(events.TypeProviderFailed, req.RequestID, map[string]any{
				"provider": cand.ProviderID, "region": cand.Region, "error_type": string(kind),
			})
			if p.metrics != nil {
				p.metrics.ProviderFailures.WithLabelValues(cand.ProviderID, cand.Region, string(kind)).Inc()
			}
			switch kind {
			case gwerr.KindRateLimited:
				if p.limiter != nil {
					p.limiter.RecordProviderRateLimited(cand.ProviderID, cand.Region)
				}
				break attempts
			case gwerr.KindProviderTransient, gwerr.KindTimeout:
				if retriesLeft > 0 {
					retriesLeft--
					if werr := p.backoff(ctx, attempt); werr != nil {
						p.failStream(ctx, adm, werr, out)
						return
					}
					continue
				}
				break attempts
			default:
				if !advanceable(lastErr) {
					p.failStream(ctx, adm, lastErr, out)
					return
				}
				break attempts
			}
		}
	}
	if lastErr == nil {
		lastErr = gwerr.NoCandidate("no dispatchable candidate")
	}
	p.failStream(ctx, adm, lastErr, out)
}

// forward consumes provider frames until the terminal one. delivered
// reports whether any frame reached the caller before a failure.
func (p *Pipeline) forward(ctx context.Context, adm *admission, d *dispatch, decision *types.RoutingDecision, frames <-chan types.StreamFrame, out chan<- types.StreamFrame) (delivered bool, err error) {
	buffered := p.cfg.StreamSafetyMode == StreamSafetyEndOfStream && p.response != nil
	st := &streamState{started: time.Now(), dispatch: d}
	cand := d.candidate

	for {
		select {
		case <-ctx.Done():
			p.circuits.Record(cand.ProviderID, cand.Region, gwerr.Timeout("stream"))
			return delivered || buffered, gwerr.AsError(ctx.Err())
		case frame, ok := <-frames:
			if !ok {
				// Channel closed without a terminal frame; treat as a
				// transient provider failure.
				p.circuits.Record(cand.ProviderID, cand.Region,
					gwerr.ProviderTransient(cand.ProviderID, "stream closed without terminal frame"))
				return delivered || buffered, gwerr.ProviderTransient(cand.ProviderID, "stream truncated")
			}
			if frame.Err != nil {
				p.circuits.Record(cand.ProviderID, cand.Region, frame.Err)
				return delivered, gwerr.AsError(frame.Err)
			}

			st.accumulate(frame)
			if frame.Final {
				p.circuits.Record(cand.ProviderID, cand.Region, nil)
				return p.finishStream(ctx, adm, st, decision, buffered, delivered, out)
			}
			if !buffered {
				if !send(ctx, out, frame) {
					return true, gwerr.AsError(ctx.Err())
				}
				delivered = true
				if p.metrics != nil {
					p.metrics.StreamFramesTotal.WithLabelValues(cand.ProviderID).Inc()
				}
			}
		}
	}
}

func (st *streamState) accumulate(frame types.StreamFrame) {
	st.content.WriteString(frame.Delta)
	st.frames++
	if frame.Usage != nil {
		st.usage.Add(*frame.Usage)
	}
	if frame.FinishReason != "" {
		st.finish = frame.FinishReason
	}
}

// finishStream runs post-processing, response safety, and finalization
// once the terminal frame arrives, then emits the buffered content (in
// end_of_stream mode) and the Final frame.
func (p *Pipeline) finishStream(ctx context.Context, adm *admission, st *streamState, decision *types.RoutingDecision, buffered, delivered bool, out chan<- types.StreamFrame) (bool, error) {
	req := adm.req
	d := st.dispatch
	resp := &types.InferenceResponse{
		RequestID:    req.RequestID,
		Provider:     d.candidate.ProviderID,
		Model:        d.candidate.ModelID,
		Region:       d.candidate.Region,
		Content:      st.content.String(),
		FinishReason: st.finish,
		Usage:        st.usage,
		SafetyFlags:  adm.safetyFlags,
	}
	resp = p.postProcess(ctx, req, resp, d, decision, nil)

	if p.response != nil {
		verdict := p.response.ScanResponse(ctx, resp)
		switch verdict.Action {
		case safety.ActionBlock:
			p.emit(events.TypeSecurityResponse, req.RequestID, map[string]any{
				"action": "block", "categories": verdict.MatchedCategories, "mode": p.cfg.StreamSafetyMode,
			})
			if buffered {
				// Nothing reached the caller; the block is clean.
				adm.reservation.Commit(ctx, resp.CostCents)
				return delivered, gwerr.SafetyBlocked("response", verdict.MatchedCategories)
			}
			// Passthrough already delivered the content; record only.
		case safety.ActionFilter, safety.ActionFlag:
			resp.SafetyFlags = appendUnique(resp.SafetyFlags, verdict.MatchedCategories...)
			p.emit(events.TypeSecurityResponse, req.RequestID, map[string]any{
				"action": string(verdict.Action), "categories": verdict.MatchedCategories, "mode": p.cfg.StreamSafetyMode,
			})
		}
	}

	if buffered && resp.Content != "" {
		if !send(ctx, out, types.StreamFrame{Delta: resp.Content, Provider: resp.Provider, Model: resp.Model}) {
			adm.reservation.Commit(ctx, resp.CostCents)
			return true, gwerr.AsError(ctx.Err())
		}
		if p.metrics != nil {
			p.metrics.StreamFramesTotal.WithLabelValues(resp.Provider).Inc()
		}
	}

	usage := resp.Usage
	if !send(ctx, out, types.StreamFrame{
		Final: true, Usage: &usage, FinishReason: resp.FinishReason,
		Provider: resp.Provider, Model: resp.Model,
	}) {
		adm.reservation.Commit(ctx, resp.CostCents)
		return true, gwerr.AsError(ctx.Err())
	}

	if adm.cacheUsable && len(resp.SafetyFlags) == 0 && streamComplete(resp) {
		p.cache.Write(ctx, adm.cacheKey, req, resp)
	}
	adm.reservation.Commit(ctx, resp.CostCents)
	p.emit(events.TypeResponseReceived, req.RequestID, map[string]any{
		"status": "ok", "cache_hit": false, "provider": resp.Provider, "model": resp.Model, "streamed": true,
	})
	p.emit(events.TypeCostIncurred, req.RequestID, map[string]any{
		"cost_cents": resp.CostCents, "provider": resp.Provider, "model": resp.Model,
	})
	if p.metrics != nil {
		p.metrics.RequestsTotal.WithLabelValues(resp.Provider, resp.Model, "ok").Inc()
		p.metrics.RequestDuration.WithLabelValues(resp.Provider, resp.Model).Observe(time.Since(st.started).Seconds())
		if resp.CostCents > 0 {
			p.metrics.CostCentsTotal.WithLabelValues(resp.Provider, resp.Model).Add(resp.CostCents)
		}
	}
	p.hooks.OnRequestCompleted.Run(ctx, resp)
	return true, nil
}

// failStream unwinds admission state and emits the terminal Err frame.
// The rate-limit debit is intentionally not refunded; admission work
// was performed.
func (p *Pipeline) failStream(ctx context.Context, adm *admission, err error, out chan<- types.StreamFrame) {
	ge := gwerr.AsError(err).WithRequestID(adm.req.RequestID)
	adm.reservation.Release(context.WithoutCancel(ctx))
	p.observeOutcome(adm.req, ge)
	select {
	case out <- types.StreamFrame{Err: ge, Final: false}:
	default:
	}
}

// send forwards a frame unless the context ends first.
func send(ctx context.Context, out chan<- types.StreamFrame, frame types.StreamFrame) bool {
	select {
	case out <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}

// streamComplete gates cache writes to fully assembled streams.
// Truncated or aborted streams must never poison the cache.
func streamComplete(resp *types.InferenceResponse) bool {
	switch resp.FinishReason {
	case "cancelled", "error":
		return false
	}
	return resp.Content != ""
}

// EstimateStreamTokens reports the running completion token count for a
// partially assembled stream, used for per-chunk accounting.
func EstimateStreamTokens(model, content string) int {
	return tokenizer.Count(model, content)
}
