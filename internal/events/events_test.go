package events

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewEnvelope(t *testing.T) {
	ev := New(TypeCacheHit, "req-1", map[string]any{"cache_type": "exact"})
	if ev.EventID == "" {
		t.Error("missing event_id")
	}
	if ev.EventType != TypeCacheHit {
		t.Errorf("event_type = %s", ev.EventType)
	}
	if ev.CorrelationID != "req-1" {
		t.Errorf("correlation_id = %s", ev.CorrelationID)
	}
	if ev.Version != SchemaVersion {
		t.Errorf("version = %s", ev.Version)
	}
	if ev.Timestamp.IsZero() {
		t.Error("missing timestamp")
	}

	other := New(TypeCacheHit, "req-1", nil)
	if other.EventID == ev.EventID {
		t.Error("event IDs must be unique")
	}
}

func TestChannelEmitterDelivers(t *testing.T) {
	e := NewChannelEmitter(4, nil)
	e.Emit(New(TypeRequestSubmitted, "req-1", nil))

	select {
	case ev := <-e.Events():
		if ev.EventType != TypeRequestSubmitted {
			t.Errorf("event_type = %s", ev.EventType)
		}
	default:
		t.Fatal("no event delivered")
	}
}

func TestChannelEmitterDropsWhenFull(t *testing.T) {
	e := NewChannelEmitter(1, nil)
	e.Emit(New(TypeRequestSubmitted, "req-1", nil))
	e.Emit(New(TypeRequestSubmitted, "req-2", nil)) // dropped, must not block

	ev := <-e.Events()
	if ev.CorrelationID != "req-1" {
		t.Errorf("correlation_id = %s", ev.CorrelationID)
	}
	select {
	case extra := <-e.Events():
		t.Errorf("unexpected second event %+v", extra)
	default:
	}
}

func TestMultiEmitterFansOut(t *testing.T) {
	a := NewChannelEmitter(1, nil)
	b := NewChannelEmitter(1, nil)
	multi := NewMultiEmitter(a, nil, b)

	multi.Emit(New(TypeCostIncurred, "req-1", nil))
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Error("event not fanned out to every sink")
	}
}

func TestMetricsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("anthropic", "claude-sonnet-4", "ok").Inc()
	m.CacheHitsTotal.WithLabelValues("exact").Inc()
	m.ObserveCircuit("openai", "us-east-1", "open")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("no metric families registered")
	}
}
