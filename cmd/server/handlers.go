package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/modelgate/internal/auth"
	"github.com/blueberrycongee/modelgate/internal/budget"
	"github.com/blueberrycongee/modelgate/pkg/gwerr"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

// bindIdentity stamps the authenticated principal onto the request so
// callers cannot bill another org or project.
func bindIdentity(r *http.Request, req *types.InferenceRequest) {
	if req.RequestID == "" {
		req.RequestID = r.Header.Get(requestIDHeader)
	}
	if p := auth.PrincipalFrom(r.Context()); p != nil {
		req.Principal = p.ID
		req.Organization = p.Organization
		req.Project = p.Project
	}
}

func (s *server) handleInfer(w http.ResponseWriter, r *http.Request) {
	var req types.InferenceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	bindIdentity(r, &req)

	resp, err := s.gateway.Infer(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// sseFrame is the wire shape of one server-sent event.
type sseFrame struct {
	Delta        string                  `json:"delta,omitempty"`
	ToolFragment *types.ToolCallFragment `json:"tool_fragment,omitempty"`
	FinishReason string                  `json:"finish_reason,omitempty"`
	Final        bool                    `json:"final,omitempty"`
	Usage        *types.Usage            `json:"usage,omitempty"`
	Error        *gwerr.Error            `json:"error,omitempty"`
}

func (s *server) handleInferStream(w http.ResponseWriter, r *http.Request) {
	var req types.InferenceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	bindIdentity(r, &req)

	frames, err := s.gateway.InferStream(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, gwerr.Internal(fmt.Errorf("response writer does not support streaming")))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for frame := range frames {
		out := sseFrame{
			Delta:        frame.Delta,
			ToolFragment: frame.ToolFragment,
			FinishReason: frame.FinishReason,
			Final:        frame.Final,
			Usage:        frame.Usage,
		}
		if frame.Err != nil {
			out.Error = gwerr.AsError(frame.Err)
		}
		payload, err := json.Marshal(out)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *server) handleBatchSubmit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requests []*types.InferenceRequest `json:"requests"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	for _, req := range body.Requests {
		bindIdentity(r, req)
		// Each item needs a distinct ID, the header covers only one.
		if req.RequestID == r.Header.Get(requestIDHeader) && len(body.Requests) > 1 {
			req.RequestID = ""
		}
	}

	batchID, err := s.gateway.BatchInfer(r.Context(), body.Requests)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": batchID})
}

func (s *server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.gateway.BatchStatus(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.gateway.ListModels()})
}

func (s *server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	def, err := s.gateway.GetModel(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *server) handleRegisterModel(w http.ResponseWriter, r *http.Request) {
	var def types.ModelDefinition
	if err := decode(r, &def); err != nil {
		writeError(w, err)
		return
	}
	if err := s.gateway.RegisterModel(&def); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &def)
}

func (s *server) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status types.ModelStatus `json:"status"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.gateway.UpdateModelStatus(r.PathValue("id"), body.Status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(body.Status)})
}

func (s *server) handleModelPricing(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InputPricePerM  float64 `json:"input_price_per_m"`
		OutputPricePerM float64 `json:"output_price_per_m"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.gateway.UpdateModelPricing(r.PathValue("id"), body.InputPricePerM, body.OutputPricePerM); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key    string `json:"key"`
		Prefix string `json:"prefix"`
		Scope  string `json:"scope"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	switch {
	case body.Scope != "":
		n, err := s.gateway.InvalidateCacheScope(r.Context(), body.Scope)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"invalidated": n})
	case body.Prefix != "":
		n, err := s.gateway.InvalidateCachePrefix(r.Context(), body.Prefix)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"invalidated": n})
	case body.Key != "":
		if err := s.gateway.InvalidateCache(r.Context(), body.Key); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"invalidated": 1})
	default:
		writeError(w, gwerr.InvalidRequest("key, prefix, or scope is required"))
	}
}

func (s *server) handleCacheWarm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompts   []types.LogicalPrompt `json:"prompts"`
		Category  string                `json:"category"`
		MaxOutput int                   `json:"max_output"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body.Prompts) == 0 {
		writeError(w, gwerr.InvalidRequest("prompts are required"))
		return
	}
	result := s.gateway.WarmCache(r.Context(), body.Prompts, body.Category, body.MaxOutput)
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleBudgetOverride(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level       string  `json:"level"`
		Entity      string  `json:"entity"`
		AmountCents float64 `json:"amount_cents"`
		Duration    string  `json:"duration"`
		Reason      string  `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	duration, err := time.ParseDuration(body.Duration)
	if err != nil {
		writeError(w, gwerr.InvalidRequest("bad duration %q: %v", body.Duration, err))
		return
	}
	approver := "open-mode"
	if p := auth.PrincipalFrom(r.Context()); p != nil {
		approver = p.ID
	}
	if err := s.gateway.OverrideBudget(budget.Level(body.Level), body.Entity, body.AmountCents, duration, body.Reason, approver); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if len(s.gateway.ListModels()) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no models configured"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"circuits": s.gateway.ProviderHealth()})
}

func (s *server) handleQueueDepths(w http.ResponseWriter, r *http.Request) {
	depths := s.gateway.QueueDepths()
	writeJSON(w, http.StatusOK, map[string]any{
		"realtime":    depths[0],
		"interactive": depths[1],
		"batch":       depths[2],
		"total":       depths[0] + depths[1] + depths[2],
	})
}
