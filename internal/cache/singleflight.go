package cache

import (
	"context"
	"sync"

	"github.com/blueberrycongee/modelgate/pkg/gwerr"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

// flight is one in-progress computation and its subscribers' rendezvous.
type flight struct {
	done chan struct{}
	resp *types.InferenceResponse
	err  error
}

// Flight coordinates concurrent misses on the same exact key: the
// first caller becomes the leader and runs the computation, later
// callers subscribe to its result. Subscription is bounded by the
// subscriber's own context, so a follower with an earlier deadline
// gives up without cancelling the leader.
type Flight struct {
	mu       sync.Mutex
	inflight map[string]*flight
}

// NewFlight creates an empty single-flight map.
func NewFlight() *Flight {
	return &Flight{inflight: make(map[string]*flight)}
}

// Do executes fn for the key, collapsing concurrent calls. shared is
// true when the result came from another caller's computation.
// Followers receive a clone so post-hoc mutation stays private.
func (f *Flight) Do(ctx context.Context, key string, fn func() (*types.InferenceResponse, error)) (resp *types.InferenceResponse, shared bool, err error) {
	f.mu.Lock()
	if existing, ok := f.inflight[key]; ok {
		f.mu.Unlock()
		select {
		case <-existing.done:
			if existing.err != nil {
				return nil, true, existing.err
			}
			return existing.resp.Clone(), true, nil
		case <-ctx.Done():
			return nil, true, gwerr.AsError(ctx.Err())
		}
	}

	fl := &flight{done: make(chan struct{})}
	f.inflight[key] = fl
	f.mu.Unlock()

	fl.resp, fl.err = fn()

	f.mu.Lock()
	delete(f.inflight, key)
	f.mu.Unlock()
	close(fl.done)

	return fl.resp, false, fl.err
}

// InFlight reports whether a computation is running for the key.
func (f *Flight) InFlight(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.inflight[key]
	return ok
}
