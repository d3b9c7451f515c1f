package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nmasdoufi/cmdbscan/pkg/config"
	"github.com/nmasdoufi/cmdbscan/pkg/logging"
	"github.com/nmasdoufi/cmdbscan/pkg/scan"
)

var (
	// ErrQueueFull is returned when the pending job buffer is exhausted.
	ErrQueueFull = errors.New("scan queue full")
	// ErrQueueClosed is returned after Stop.
	ErrQueueClosed = errors.New("scan queue closed")
)

// DefaultDepth is the number of jobs that may wait behind the running one.
const DefaultDepth = 4

// ConfigLoader returns a fresh scan configuration snapshot.
type ConfigLoader interface {
	Load() (config.ScanConfig, error)
}

// Runner executes one scan.
type Runner interface {
	Run(ctx context.Context, cfg config.ScanConfig) scan.Summary
}

// Job is one accepted scan request.
type Job struct {
	ID       string
	Config   config.ScanConfig
	Enqueued time.Time
}

// Ack is the immediate answer to a trigger.
type Ack struct {
	Result  bool   `json:"result"`
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
}

// Queue runs scan jobs one at a time in the background.
type Queue struct {
	loader ConfigLoader
	runner Runner
	log    *logging.Logger
	jobs   chan Job

	mu      sync.Mutex
	closed  bool
	started bool
	wg      sync.WaitGroup
	done    func(Job, scan.Summary)
}

// NewQueue creates a queue holding up to depth pending jobs.
func NewQueue(loader ConfigLoader, runner Runner, depth int, log *logging.Logger) *Queue {
	if depth <= 0 {
		depth = DefaultDepth
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Queue{loader: loader, runner: runner, log: log, jobs: make(chan Job, depth)}
}

// OnDone registers a callback invoked after each job. Must be called before Start.
func (q *Queue) OnDone(fn func(Job, scan.Summary)) { q.done = fn }

// Trigger validates the current scan configuration and enqueues a job
// without waiting for it. Invalid configurations are refused.
func (q *Queue) Trigger() (Ack, error) {
	cfg, err := q.loader.Load()
	if err == nil {
		cfg.Normalize()
		err = cfg.Validate()
	}
	if err != nil {
		q.log.Warn("scan trigger refused", "kind", "config_invalid", "error", err)
		return Ack{Result: false, Message: err.Error()}, err
	}

	job := Job{ID: uuid.NewString(), Config: cfg, Enqueued: time.Now()}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Ack{Result: false, Message: ErrQueueClosed.Error()}, ErrQueueClosed
	}
	select {
	case q.jobs <- job:
	default:
		return Ack{Result: false, Message: ErrQueueFull.Error()}, ErrQueueFull
	}
	q.log.Info("scan job accepted", "job_id", job.ID, "mode", cfg.Mode, "networks", len(cfg.Networks))
	return Ack{Result: true, Message: "scan job accepted", JobID: job.ID}, nil
}

// Start launches the worker. Jobs run with ctx.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	q.wg.Add(1)
	go q.work(ctx)
}

// Stop refuses new jobs and waits for queued ones to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) work(ctx context.Context) {
	defer q.wg.Done()
	for job := range q.jobs {
		q.run(ctx, job)
	}
}

func (q *Queue) run(ctx context.Context, job Job) {
	log := q.log.With("job_id", job.ID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("scan job panicked", "error", fmt.Sprint(r))
		}
	}()
	log.Debugf("scan job started after %v in queue", time.Since(job.Enqueued).Round(time.Millisecond))
	sum := q.runner.Run(ctx, job.Config)
	log.Info("scan job finished", "hosts", sum.Hosts, "elapsed", sum.Elapsed)
	if q.done != nil {
		q.done(job, sum)
	}
}
