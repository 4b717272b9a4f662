package jobs

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"blueprint/api/internal/util"
)

// Store persists job records across their lifecycle.
type Store interface {
	Save(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
}

// Work produces the result payload for one job.
type Work func(ctx context.Context) (json.RawMessage, error)

type task struct {
	job  Job
	work Work
}

// Runner executes enqueued work on a fixed pool of workers and records each
// job's lifecycle in the store. Results are retrieved by polling, never pushed.
type Runner struct {
	store   Store
	queue   chan task
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
	closed  sync.Once
}

func NewRunner(store Store, workers, queueSize int) *Runner {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		store:   store,
		queue:   make(chan task, queueSize),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Enqueue records a queued job and schedules its work. The returned job is in
// the queued state regardless of how quickly a worker picks it up.
func (r *Runner) Enqueue(ctx context.Context, sessionID, operation string, work Work) (Job, error) {
	job := Job{
		ID:        util.NewID("job"),
		SessionID: sessionID,
		Operation: operation,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.Save(ctx, job); err != nil {
		return Job{}, err
	}

	select {
	case r.queue <- task{job: job, work: work}:
		return job, nil
	case <-r.baseCtx.Done():
		return Job{}, r.baseCtx.Err()
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// RunSync drives a job through its full lifecycle on the caller's goroutine.
// The record still lands in the store so the job remains pollable afterwards.
func (r *Runner) RunSync(ctx context.Context, sessionID, operation string, work Work) (Job, error) {
	job := Job{
		ID:        util.NewID("job"),
		SessionID: sessionID,
		Operation: operation,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.Save(ctx, job); err != nil {
		return Job{}, err
	}
	job = r.execute(ctx, job, work)
	return job, nil
}

func (r *Runner) Poll(ctx context.Context, id string) (Job, error) {
	return r.store.Get(ctx, id)
}

func (r *Runner) Close() {
	r.closed.Do(func() {
		close(r.queue)
		r.wg.Wait()
		r.cancel()
	})
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for t := range r.queue {
		r.execute(r.baseCtx, t.job, t.work)
	}
}

func (r *Runner) execute(ctx context.Context, job Job, work Work) Job {
	now := time.Now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &now
	if err := r.store.Save(ctx, job); err != nil {
		log.Printf("jobs: mark running %s: %v", job.ID, err)
	}

	result, err := work(ctx)

	finished := time.Now().UTC()
	job.FinishedAt = &finished
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
		job.Result = nil
	} else {
		job.Status = StatusSucceeded
		job.Result = result
	}
	if err := r.store.Save(ctx, job); err != nil {
		log.Printf("jobs: record %s %s: %v", job.Status, job.ID, err)
	}
	return job
}
