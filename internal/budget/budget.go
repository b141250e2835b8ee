// Package budget enforces hierarchical cost ceilings at the
// organization, project, and principal levels. Admission reserves the
// estimated cost at every level atomically; completion commits the
// actual cost and failure paths release the reservation.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blueberrycongee/modelgate/pkg/gwerr"
)

// Level names a budget tier.
type Level string

const (
	LevelOrg       Level = "org"
	LevelProject   Level = "project"
	LevelPrincipal Level = "principal"
)

// levelOrder is the reservation order; denial reports the first level
// that cannot cover the estimate.
var levelOrder = []Level{LevelOrg, LevelProject, LevelPrincipal}

// State is one bucket's live accounting.
type State struct {
	SpentCents    float64   `json:"spent_cents"`
	ReservedCents float64   `json:"reserved_cents"`
	WindowStart   time.Time `json:"window_start"`
}

// Store is a bucket backend. Reserve atomically checks
// spent+reserved+amount ≤ limit within the current window and reserves
// on success; Commit moves a reservation to spend at the actual cost;
// Release drops a reservation.
type Store interface {
	Reserve(ctx context.Context, key string, amount, limit float64, window time.Duration, now time.Time) (bool, State, error)
	Commit(ctx context.Context, key string, reserved, actual float64, window time.Duration, now time.Time) (State, error)
	Release(ctx context.Context, key string, reserved float64, window time.Duration, now time.Time) error
	Close() error
}

// Key builds the bucket key for a level and entity.
func Key(level Level, entity string) string {
	return fmt.Sprintf("budget:%s:%s", level, entity)
}

// Limits supplies the per-window ceiling in cents for an entity at a
// level; ok=false means the level is unconstrained for that entity.
type Limits interface {
	LimitCents(level Level, entity string) (float64, bool)
}

// StaticLimits is a fixed limit table.
type StaticLimits struct {
	Orgs       map[string]float64 `yaml:"orgs"`
	Projects   map[string]float64 `yaml:"projects"`
	Principals map[string]float64 `yaml:"principals"`
	Default    float64            `yaml:"default"` // 0 disables the default ceiling
}

// LimitCents implements Limits.
func (s StaticLimits) LimitCents(level Level, entity string) (float64, bool) {
	var table map[string]float64
	switch level {
	case LevelOrg:
		table = s.Orgs
	case LevelProject:
		table = s.Projects
	case LevelPrincipal:
		table = s.Principals
	}
	if limit, ok := table[entity]; ok {
		return limit, true
	}
	if s.Default > 0 {
		return s.Default, true
	}
	return 0, false
}

// ThresholdEvent reports a budget utilization crossing.
type ThresholdEvent struct {
	Level      Level
	Entity     string
	Percent    int // 80, 90, or 100
	SpentCents float64
	LimitCents float64
}

// Config holds enforcer settings.
type Config struct {
	Window time.Duration `yaml:"window"`
	Limits StaticLimits  `yaml:"limits"`
}

// DefaultConfig uses a daily window.
func DefaultConfig() Config {
	return Config{Window: 24 * time.Hour}
}

// Reservation tracks the levels holding a reservation for one request.
type Reservation struct {
	enforcer *Enforcer
	amount   float64
	held     []heldLevel
	done     bool
	mu       sync.Mutex
}

type heldLevel struct {
	level  Level
	entity string
	limit  float64
}

// override is a time-boxed administrative limit extension.
type override struct {
	amount    float64
	expiresAt time.Time
	reason    string
	approver  string
}

// Enforcer coordinates hierarchical reservations over a store.
type Enforcer struct {
	store  Store
	limits Limits
	window time.Duration
	logger *slog.Logger

	// onThreshold receives 80/90/100% crossings, fired once per window.
	onThreshold func(ThresholdEvent)

	mu        sync.Mutex
	fired     map[string]struct{} // key:windowStart:pct
	overrides map[string][]override
}

// NewEnforcer creates a budget enforcer.
func NewEnforcer(store Store, cfg Config, onThreshold func(ThresholdEvent), logger *slog.Logger) *Enforcer {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		store:       store,
		limits:      cfg.Limits,
		window:      cfg.Window,
		logger:      logger,
		onThreshold: onThreshold,
		fired:       make(map[string]struct{}),
		overrides:   make(map[string][]override),
	}
}

// effectiveLimit is the configured limit plus any live overrides.
func (e *Enforcer) effectiveLimit(level Level, entity string, now time.Time) (float64, bool) {
	limit, ok := e.limits.LimitCents(level, entity)
	if !ok {
		return 0, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	key := Key(level, entity)
	live := e.overrides[key][:0]
	for _, o := range e.overrides[key] {
		if now.Before(o.expiresAt) {
			limit += o.amount
			live = append(live, o)
		}
	}
	e.overrides[key] = live
	return limit, true
}

// CheckAndReserve reserves estimate cents at every constrained level.
// Denial names the first level that cannot cover the estimate and
// releases any reservations already taken.
func (e *Enforcer) CheckAndReserve(ctx context.Context, org, project, principal string, estimateCents float64) (*Reservation, error) {
	now := time.Now()
	entities := map[Level]string{
		LevelOrg:       org,
		LevelProject:   project,
		LevelPrincipal: principal,
	}

	res := &Reservation{enforcer: e, amount: estimateCents}
	for _, level := range levelOrder {
		entity := entities[level]
		if entity == "" {
			continue
		}
		limit, constrained := e.effectiveLimit(level, entity, now)
		if !constrained {
			continue
		}

		ok, _, err := e.store.Reserve(ctx, Key(level, entity), estimateCents, limit, e.window, now)
		if err != nil {
			res.release(ctx)
			return nil, gwerr.Internal(err)
		}
		if !ok {
			res.release(ctx)
			return nil, gwerr.BudgetExhausted(string(level))
		}
		res.held = append(res.held, heldLevel{level: level, entity: entity, limit: limit})
	}
	return res, nil
}

// Commit debits the actual cost at every held level. Costs above the
// reservation debit in full; the reservation was an estimate, not a
// cap.
func (r *Reservation) Commit(ctx context.Context, actualCents float64) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.mu.Unlock()

	now := time.Now()
	for _, held := range r.held {
		state, err := r.enforcer.store.Commit(ctx, Key(held.level, held.entity), r.amount, actualCents, r.enforcer.window, now)
		if err != nil {
			r.enforcer.logger.Warn("budget commit failed",
				"level", string(held.level), "entity", held.entity, "error", err)
			continue
		}
		r.enforcer.checkThresholds(held.level, held.entity, held.limit, state)
	}
}

// Release drops the reservation, used on failure and cancellation.
func (r *Reservation) Release(ctx context.Context) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.mu.Unlock()
	r.release(ctx)
}

func (r *Reservation) release(ctx context.Context) {
	now := time.Now()
	for _, held := range r.held {
		if err := r.enforcer.store.Release(ctx, Key(held.level, held.entity), r.amount, r.enforcer.window, now); err != nil {
			r.enforcer.logger.Warn("budget release failed",
				"level", string(held.level), "entity", held.entity, "error", err)
		}
	}
	r.held = nil
}

// checkThresholds fires 80/90/100% events once per window.
func (e *Enforcer) checkThresholds(level Level, entity string, limit float64, state State) {
	if e.onThreshold == nil || limit <= 0 {
		return
	}
	utilization := state.SpentCents / limit * 100

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, pct := range []int{80, 90, 100} {
		if utilization < float64(pct) {
			break
		}
		key := fmt.Sprintf("%s:%s:%d:%d", level, entity, state.WindowStart.Unix(), pct)
		if _, already := e.fired[key]; already {
			continue
		}
		e.fired[key] = struct{}{}
		e.onThreshold(ThresholdEvent{
			Level:      level,
			Entity:     entity,
			Percent:    pct,
			SpentCents: state.SpentCents,
			LimitCents: limit,
		})
	}
}

// Override extends an entity's limit for a bounded time and writes an
// audit log entry.
func (e *Enforcer) Override(level Level, entity string, amountCents float64, duration time.Duration, reason, approver string) error {
	if amountCents <= 0 || duration <= 0 {
		return gwerr.InvalidRequest("override requires positive amount and duration")
	}
	if reason == "" || approver == "" {
		return gwerr.InvalidRequest("override requires reason and approver")
	}

	key := Key(level, entity)
	e.mu.Lock()
	e.overrides[key] = append(e.overrides[key], override{
		amount:    amountCents,
		expiresAt: time.Now().Add(duration),
		reason:    reason,
		approver:  approver,
	})
	e.mu.Unlock()

	e.logger.Info("budget override granted",
		"level", string(level), "entity", entity,
		"amount_cents", amountCents, "duration", duration,
		"reason", reason, "approver", approver)
	return nil
}

// Close releases the store.
func (e *Enforcer) Close() error {
	return e.store.Close()
}
