package modelgate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/modelgate/internal/events"
	"github.com/blueberrycongee/modelgate/internal/queue"
	"github.com/blueberrycongee/modelgate/pkg/gwerr"
	"github.com/blueberrycongee/modelgate/pkg/types"
)

// BatchItemResult is the outcome of one request in a batch.
type BatchItemResult struct {
	Index     int                      `json:"index"`
	RequestID string                   `json:"request_id"`
	Response  *types.InferenceResponse `json:"response,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

// BatchStatus is a point-in-time snapshot of a batch job.
type BatchStatus struct {
	BatchID   string            `json:"batch_id"`
	Submitted time.Time         `json:"submitted_at"`
	Total     int               `json:"total"`
	Completed int               `json:"completed"`
	Failed    int               `json:"failed"`
	Done      bool              `json:"done"`
	Results   []BatchItemResult `json:"results"`
}

type batchJob struct {
	id        string
	submitted time.Time

	mu        sync.Mutex
	total     int
	completed int
	failed    int
	results   []BatchItemResult
}

// batchBinding routes a dequeued item back to its job slot.
type batchBinding struct {
	job   *batchJob
	index int
}

func (j *batchJob) record(index int, resp *types.InferenceResponse, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := &j.results[index]
	if err != nil {
		r.Error = err.Error()
		j.failed++
		return
	}
	r.Response = resp
	j.completed++
}

func (j *batchJob) snapshot() BatchStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	results := make([]BatchItemResult, len(j.results))
	copy(results, j.results)
	return BatchStatus{
		BatchID:   j.id,
		Submitted: j.submitted,
		Total:     j.total,
		Completed: j.completed,
		Failed:    j.failed,
		Done:      j.completed+j.failed == j.total,
		Results:   results,
	}
}

// BatchInfer enqueues a group of requests for asynchronous execution
// and returns the batch ID. Items run under queue backpressure rules;
// an item rejected at enqueue time fails immediately inside the batch
// rather than failing the whole submission.
func (g *Gateway) BatchInfer(ctx context.Context, reqs []*types.InferenceRequest) (string, error) {
	if len(reqs) == 0 {
		return "", gwerr.InvalidRequest("batch has no requests")
	}
	job := &batchJob{
		id:        uuid.NewString(),
		submitted: time.Now(),
		total:     len(reqs),
		results:   make([]BatchItemResult, len(reqs)),
	}
	g.batches.Store(job.id, job)

	for i, req := range reqs {
		if req.RequestID == "" {
			req.RequestID = uuid.NewString()
		}
		job.results[i] = BatchItemResult{Index: i, RequestID: req.RequestID}

		queueID := uuid.NewString()
		g.pending.Store(queueID, &batchBinding{job: job, index: i})
		err := g.queue.Enqueue(&queue.Item{
			QueueID:  queueID,
			Priority: req.Latency.QueuePriority(),
			Deadline: req.Deadline,
			Request:  req,
		})
		if err != nil {
			g.pending.Delete(queueID)
			job.record(i, nil, err)
		}
	}
	return job.id, nil
}

// BatchStatus reports progress for a previously submitted batch.
func (g *Gateway) BatchStatus(batchID string) (BatchStatus, error) {
	v, ok := g.batches.Load(batchID)
	if !ok {
		return BatchStatus{}, gwerr.InvalidRequest("unknown batch %q", batchID)
	}
	return v.(*batchJob).snapshot(), nil
}

// batchWorker drains the queue until the gateway shuts down.
func (g *Gateway) batchWorker(ctx context.Context) {
	for {
		item, err := g.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		resp, err := g.pipeline.Infer(ctx, item.Request)
		g.settle(item, resp, err)
	}
}

func (g *Gateway) settle(item *queue.Item, resp *types.InferenceResponse, err error) {
	v, ok := g.pending.LoadAndDelete(item.QueueID)
	if !ok {
		return
	}
	b := v.(*batchBinding)
	b.job.record(b.index, resp, err)
}

// onQueueDrop handles items that expired before a worker reached them.
func (g *Gateway) onQueueDrop(item *queue.Item) {
	g.emitter.Emit(events.New(events.TypeRequestCancelled, item.Request.RequestID, map[string]any{
		"reason":   "queue_deadline_expired",
		"queue_id": item.QueueID,
	}))
	g.settle(item, nil, gwerr.DeadlineExceeded().WithRequestID(item.Request.RequestID))
}
