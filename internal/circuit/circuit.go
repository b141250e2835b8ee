// Package circuit isolates failing (provider, region) pairs. Each pair
// gets its own breaker so a us-east-1 outage never blocks eu-west-1
// traffic for the same provider.
package circuit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blueberrycongee/modelgate/pkg/gwerr"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes breaker transitions.
type Config struct {
	FailureThreshold    int           `yaml:"failure_threshold"`
	FailureWindow       time.Duration `yaml:"failure_window"`
	Cooldown            time.Duration `yaml:"cooldown"`
	SuccessThreshold    int           `yaml:"success_threshold"`
	HalfOpenMaxInFlight int           `yaml:"half_open_max_in_flight"`
}

// DefaultConfig returns the standard transition parameters.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		FailureWindow:       60 * time.Second,
		Cooldown:            60 * time.Second,
		SuccessThreshold:    3,
		HalfOpenMaxInFlight: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.HalfOpenMaxInFlight <= 0 {
		c.HalfOpenMaxInFlight = d.HalfOpenMaxInFlight
	}
	return c
}

// Transition reports a breaker state change.
type Transition struct {
	Provider string
	Region   string
	From     State
	To       State
}

// Breaker is one (provider, region) state machine.
type Breaker struct {
	provider string
	region   string
	cfg      Config

	mu            sync.Mutex
	state         State
	failures      int
	windowStart   time.Time
	successes     int
	inFlight      int
	nextRetryTime time.Time
}

func newBreaker(provider, region string, cfg Config) *Breaker {
	return &Breaker{provider: provider, region: region, cfg: cfg, state: StateClosed}
}

// State returns the current position, applying the open-to-half-open
// timer transition.
func (b *Breaker) State(now time.Time) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(now)
}

func (b *Breaker) stateLocked(now time.Time) State {
	if b.state == StateOpen && !now.Before(b.nextRetryTime) {
		b.state = StateHalfOpen
		b.successes = 0
		b.inFlight = 0
	}
	return b.state
}

// allow admits or rejects one call. Half-open admits only up to the
// test-request cap. The returned transition is non-nil when the timer
// moved the breaker to half-open.
func (b *Breaker) allow(now time.Time) (error, *Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	before := b.state
	switch b.stateLocked(now) {
	case StateClosed:
		return nil, nil
	case StateOpen:
		return gwerr.CircuitOpen(b.provider, b.region), nil
	default: // half-open
		var tr *Transition
		if before == StateOpen {
			tr = &Transition{Provider: b.provider, Region: b.region, From: StateOpen, To: StateHalfOpen}
		}
		if b.inFlight >= b.cfg.HalfOpenMaxInFlight {
			return gwerr.CircuitOpen(b.provider, b.region), tr
		}
		b.inFlight++
		return nil, tr
	}
}

// record feeds one call outcome into the machine.
func (b *Breaker) record(success bool, now time.Time) *Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked(now) {
	case StateClosed:
		if success {
			b.failures = 0
			return nil
		}
		if b.failures == 0 || now.Sub(b.windowStart) >= b.cfg.FailureWindow {
			b.failures = 0
			b.windowStart = now
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openLocked(now)
			return &Transition{Provider: b.provider, Region: b.region, From: StateClosed, To: StateOpen}
		}
		return nil

	case StateHalfOpen:
		b.inFlight = max(0, b.inFlight-1)
		if !success {
			b.openLocked(now)
			return &Transition{Provider: b.provider, Region: b.region, From: StateHalfOpen, To: StateOpen}
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			return &Transition{Provider: b.provider, Region: b.region, From: StateHalfOpen, To: StateClosed}
		}
		return nil

	default:
		// Outcomes landing while open (late in-flight calls) are dropped.
		return nil
	}
}

func (b *Breaker) openLocked(now time.Time) {
	b.state = StateOpen
	b.failures = 0
	b.successes = 0
	b.inFlight = 0
	b.nextRetryTime = now.Add(b.cfg.Cooldown)
}

// Registry holds one breaker per (provider, region).
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	cfg       Config
	overrides map[string]Config // per-provider config overrides
	logger    *slog.Logger

	// onTransition observes every state change.
	onTransition func(Transition)
}

// NewRegistry creates a breaker registry.
func NewRegistry(cfg Config, onTransition func(Transition), logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		breakers:     make(map[string]*Breaker),
		cfg:          cfg.withDefaults(),
		overrides:    make(map[string]Config),
		logger:       logger,
		onTransition: onTransition,
	}
}

// SetProviderConfig overrides breaker parameters for one provider.
func (r *Registry) SetProviderConfig(provider string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[provider] = cfg.withDefaults()
}

func key(provider, region string) string {
	return provider + "/" + region
}

func (r *Registry) breaker(provider, region string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(provider, region)
	b, ok := r.breakers[k]
	if !ok {
		cfg := r.cfg
		if o, has := r.overrides[provider]; has {
			cfg = o
		}
		b = newBreaker(provider, region, cfg)
		r.breakers[k] = b
	}
	return b
}

// Allow admits or rejects a call to (provider, region).
func (r *Registry) Allow(provider, region string) error {
	err, tr := r.breaker(provider, region).allow(time.Now())
	r.notify(tr)
	return err
}

// Record feeds a call outcome. Only monitored error kinds count as
// failures; permanent and validation errors say nothing about provider
// health.
func (r *Registry) Record(provider, region string, callErr error) {
	var success bool
	if callErr == nil {
		success = true
	} else if !gwerr.Monitored(gwerr.KindOf(callErr)) {
		success = true
	}
	tr := r.breaker(provider, region).record(success, time.Now())
	r.notify(tr)
}

func (r *Registry) notify(tr *Transition) {
	if tr == nil {
		return
	}
	r.logger.Warn("circuit transition",
		"provider", tr.Provider, "region", tr.Region,
		"from", string(tr.From), "to", string(tr.To))
	if r.onTransition != nil {
		r.onTransition(*tr)
	}
}

// State returns the breaker position for (provider, region).
func (r *Registry) State(provider, region string) State {
	return r.breaker(provider, region).State(time.Now())
}

// IsOpen reports whether (provider, region) currently rejects all
// traffic. Half-open is not open: test traffic may flow.
func (r *Registry) IsOpen(provider, region string) bool {
	return r.State(provider, region) == StateOpen
}

// Snapshot lists every breaker's position, keyed "provider/region".
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	now := time.Now()
	out := make(map[string]State, len(breakers))
	for _, b := range breakers {
		out[fmt.Sprintf("%s/%s", b.provider, b.region)] = b.State(now)
	}
	return out
}
