// Package queue defers work under load. Three priority levels map from
// the request latency class; within a level the earliest deadline runs
// first, and lower-numbered levels always drain before higher ones.
package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/blueberrycongee/modelgate/pkg/gwerr"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

// Item is one queued request.
type Item struct {
	QueueID    string
	Priority   int // 1 (realtime) .. 3 (batch)
	EnqueuedAt time.Time
	Deadline   time.Time
	Attempts   int
	Request    *types.InferenceRequest

	index int
}

// Config holds depth thresholds. Soft rejects priority 3 arrivals, hard
// also rejects priority 2, and freeze stops all admission.
type Config struct {
	SoftThreshold   int `yaml:"soft_threshold"`
	HardThreshold   int `yaml:"hard_threshold"`
	FreezeThreshold int `yaml:"freeze_threshold"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		SoftThreshold:   1000,
		HardThreshold:   5000,
		FreezeThreshold: 20000,
	}
}

// deadlineHeap orders items by deadline ascending. Items without a
// deadline sort last.
type deadlineHeap []*Item

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Deadline.IsZero() {
		return false
	}
	if b.Deadline.IsZero() {
		return true
	}
	return a.Deadline.Before(b.Deadline)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is the deadline-priority request queue.
type Queue struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	levels [3]deadlineHeap
	depth  int
	closed bool

	// notify wakes one blocked Dequeue per enqueue.
	notify chan struct{}

	// onDrop observes requests expiring on dequeue.
	onDrop func(*Item)
}

// New creates a queue. onDrop may be nil.
func New(cfg Config, onDrop func(*Item), logger *slog.Logger) *Queue {
	defaults := DefaultConfig()
	if cfg.SoftThreshold <= 0 {
		cfg.SoftThreshold = defaults.SoftThreshold
	}
	if cfg.HardThreshold <= 0 {
		cfg.HardThreshold = defaults.HardThreshold
	}
	if cfg.FreezeThreshold <= 0 {
		cfg.FreezeThreshold = defaults.FreezeThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:    cfg,
		logger: logger,
		notify: make(chan struct{}, 1),
		onDrop: onDrop,
	}
}

// Enqueue admits a request or rejects it under backpressure.
func (q *Queue) Enqueue(item *Item) error {
	if item.Priority < 1 || item.Priority > 3 {
		return gwerr.InvalidRequest("queue priority %d out of range", item.Priority)
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return gwerr.New(gwerr.KindInternal, "queue closed")
	}
	if reject := q.rejectLocked(item.Priority); reject {
		q.mu.Unlock()
		return gwerr.Overloaded()
	}
	heap.Push(&q.levels[item.Priority-1], item)
	q.depth++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) rejectLocked(priority int) bool {
	switch {
	case q.depth >= q.cfg.FreezeThreshold:
		return true
	case q.depth >= q.cfg.HardThreshold:
		return priority >= 2
	case q.depth >= q.cfg.SoftThreshold:
		return priority >= 3
	default:
		return false
	}
}

// Dequeue blocks until an unexpired item is available or ctx is done.
// Expired items are dropped through the onDrop callback, never
// returned.
func (q *Queue) Dequeue(ctx context.Context) (*Item, error) {
	for {
		if item := q.pop(time.Now()); item != nil {
			return item, nil
		}
		select {
		case <-ctx.Done():
			return nil, gwerr.AsError(ctx.Err())
		case <-q.notify:
		}
	}
}

// TryDequeue returns the next unexpired item without blocking.
func (q *Queue) TryDequeue() *Item {
	return q.pop(time.Now())
}

func (q *Queue) pop(now time.Time) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	for level := range q.levels {
		for q.levels[level].Len() > 0 {
			item := heap.Pop(&q.levels[level]).(*Item)
			q.depth--
			if !item.Deadline.IsZero() && now.After(item.Deadline) {
				q.dropLocked(item)
				continue
			}
			return item
		}
	}
	return nil
}

func (q *Queue) dropLocked(item *Item) {
	q.logger.Info("queued request expired",
		"queue_id", item.QueueID, "priority", item.Priority,
		"request_id", item.Request.RequestID)
	if q.onDrop != nil {
		// Callback runs outside the lock.
		q.mu.Unlock()
		q.onDrop(item)
		q.mu.Lock()
	}
}

// Depth returns the total number of queued items.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// Depths returns the per-priority depths, indexed 0..2 for priority
// 1..3.
func (q *Queue) Depths() [3]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out [3]int
	for i := range q.levels {
		out[i] = q.levels[i].Len()
	}
	return out
}

// Close rejects further enqueues. Queued items remain dequeuable.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
