// Package events emits the gateway's lifecycle, cost, and security
// events. Delivery is at-least-once and best-effort: an emitter failure
// is logged, never surfaced to the request path.
package events

import (
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the envelope version stamped on every event.
const SchemaVersion = "1.0"

// Event types.
const (
	TypeRequestSubmitted = "model.request.submitted"
	TypeRequestRouted    = "model.request.routed"
	TypeResponseReceived = "model.response.received"
	TypeCacheHit         = "model.cache.hit"
	TypeCacheMiss        = "model.cache.miss"
	TypeRateLimited      = "model.rate.limited"
	TypeBudgetExhausted  = "model.budget.exhausted"
	TypeBudgetThreshold  = "model.budget.threshold"
	TypeProviderFailed   = "model.provider.failed"
	TypeCircuitOpened    = "model.circuit.opened"
	TypeCircuitClosed    = "model.circuit.closed"
	TypeCostIncurred     = "model.cost.incurred"
	TypeRequestCancelled = "request.cancelled"
	TypeSecurityPrompt   = "security.prompt.flagged"
	TypeSecurityResponse = "security.response.flagged"
	TypeSecurityAuth     = "security.auth.throttled"
)

// Event is the envelope every emission carries. CorrelationID is the
// request ID; consumers dedupe on EventID.
type Event struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	Timestamp     time.Time      `json:"timestamp"`
	Version       string         `json:"version"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// New builds an envelope for a request.
func New(eventType, correlationID string, payload map[string]any) Event {
	return Event{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		Version:       SchemaVersion,
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// Emitter appends events to a sink.
type Emitter interface {
	Emit(event Event)
	Close() error
}
