package queue

import (
	"context"
	"testing"
	"time"

	"github.com/blueberrycongee/modelgate/pkg/gwerr"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

func item(id string, priority int, deadline time.Time) *Item {
	return &Item{
		QueueID:  id,
		Priority: priority,
		Deadline: deadline,
		Request:  &types.InferenceRequest{RequestID: id},
	}
}

func TestPriorityDrainOrder(t *testing.T) {
	q := New(Config{}, nil, nil)
	later := time.Now().Add(time.Minute)

	q.Enqueue(item("batch", 3, later))
	q.Enqueue(item("realtime", 1, later))
	q.Enqueue(item("interactive", 2, later))

	want := []string{"realtime", "interactive", "batch"}
	for _, id := range want {
		got := q.TryDequeue()
		if got == nil || got.QueueID != id {
			t.Fatalf("dequeued %+v, want %s", got, id)
		}
	}
	if q.TryDequeue() != nil {
		t.Fatal("queue should be empty")
	}
}

func TestDeadlineOrderWithinPriority(t *testing.T) {
	q := New(Config{}, nil, nil)
	now := time.Now()

	q.Enqueue(item("late", 2, now.Add(time.Hour)))
	q.Enqueue(item("soon", 2, now.Add(time.Minute)))
	q.Enqueue(item("middle", 2, now.Add(10*time.Minute)))

	want := []string{"soon", "middle", "late"}
	for _, id := range want {
		if got := q.TryDequeue(); got.QueueID != id {
			t.Fatalf("dequeued %s, want %s", got.QueueID, id)
		}
	}
}

func TestExpiredItemsDroppedOnDequeue(t *testing.T) {
	var dropped []*Item
	q := New(Config{}, func(it *Item) { dropped = append(dropped, it) }, nil)
	now := time.Now()

	q.Enqueue(item("expired", 1, now.Add(-time.Second)))
	q.Enqueue(item("live", 1, now.Add(time.Minute)))

	got := q.TryDequeue()
	if got == nil || got.QueueID != "live" {
		t.Fatalf("dequeued %+v, want live", got)
	}
	if len(dropped) != 1 || dropped[0].QueueID != "expired" {
		t.Errorf("dropped = %+v, want the expired item", dropped)
	}
	if q.Depth() != 0 {
		t.Errorf("depth = %d, want 0", q.Depth())
	}
}

func TestBackpressureThresholds(t *testing.T) {
	q := New(Config{SoftThreshold: 2, HardThreshold: 4, FreezeThreshold: 6}, nil, nil)
	later := time.Now().Add(time.Hour)

	// Below soft: everything admitted.
	q.Enqueue(item("a", 3, later))
	q.Enqueue(item("b", 3, later))

	// At soft: priority 3 rejected, 1 and 2 admitted.
	if err := q.Enqueue(item("c", 3, later)); gwerr.KindOf(err) != gwerr.KindOverloaded {
		t.Fatalf("p3 at soft threshold: %v, want overloaded", err)
	}
	if err := q.Enqueue(item("d", 2, later)); err != nil {
		t.Fatalf("p2 below hard threshold rejected: %v", err)
	}
	q.Enqueue(item("e", 1, later))

	// At hard: priority 2 rejected, 1 still admitted.
	if err := q.Enqueue(item("f", 2, later)); gwerr.KindOf(err) != gwerr.KindOverloaded {
		t.Fatalf("p2 at hard threshold: %v, want overloaded", err)
	}
	if err := q.Enqueue(item("g", 1, later)); err != nil {
		t.Fatalf("p1 below freeze rejected: %v", err)
	}
	q.Enqueue(item("h", 1, later))

	// At freeze: everything rejected.
	if err := q.Enqueue(item("i", 1, later)); gwerr.KindOf(err) != gwerr.KindOverloaded {
		t.Fatalf("p1 at freeze threshold: %v, want overloaded", err)
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(Config{}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan *Item, 1)
	go func() {
		it, err := q.Dequeue(ctx)
		if err != nil {
			t.Errorf("Dequeue: %v", err)
		}
		done <- it
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(item("x", 1, time.Now().Add(time.Minute)))

	select {
	case it := <-done:
		if it.QueueID != "x" {
			t.Errorf("dequeued %s", it.QueueID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not wake")
	}
}

func TestDequeueHonorsContext(t *testing.T) {
	q := New(Config{}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	if gwerr.KindOf(err) != gwerr.KindDeadlineExceeded {
		t.Errorf("err = %v, want deadline_exceeded", err)
	}
}

func TestCloseRejectsEnqueue(t *testing.T) {
	q := New(Config{}, nil, nil)
	q.Enqueue(item("x", 1, time.Now().Add(time.Minute)))
	q.Close()

	if err := q.Enqueue(item("y", 1, time.Now().Add(time.Minute))); err == nil {
		t.Fatal("enqueue after close should fail")
	}
	// Queued work still drains.
	if got := q.TryDequeue(); got == nil || got.QueueID != "x" {
		t.Errorf("dequeued %+v", got)
	}
}
