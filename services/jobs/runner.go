// Package jobs runs submitted backtests asynchronously on a bounded worker
// pool and keeps their results in memory.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signalsim/services/config"
	"signalsim/services/engine"
)

// RunFunc executes one backtest request.
type RunFunc func(ctx context.Context, req engine.BacktestRunRequest) (any, error)

// Job is the tracked state of a submitted request.
type Job struct {
	ID         string                    `json:"job_id"`
	Status     string                    `json:"status"`
	Request    engine.BacktestRunRequest `json:"-"`
	Result     any                       `json:"results,omitempty"`
	Error      *engine.APIError          `json:"error,omitempty"`
	CreatedAt  time.Time                 `json:"created_at"`
	StartedAt  time.Time                 `json:"started_at,omitempty"`
	FinishedAt time.Time                 `json:"finished_at,omitempty"`
}

// Runner owns the queue and the workers.
type Runner struct {
	cfg    config.ServerConfig
	run    RunFunc
	logger *zap.Logger
	now    func() time.Time

	bp    *Backpressure
	queue chan string
	wg    sync.WaitGroup

	mu     sync.RWMutex
	jobs   map[string]*Job
	closed bool
}

// NewRunner creates a runner; call Start before Submit.
func NewRunner(cfg config.ServerConfig, run RunFunc, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.MaxWorkers
	}
	return &Runner{
		cfg:    cfg,
		run:    run,
		logger: logger,
		now:    time.Now,
		bp:     &Backpressure{MaxQueueSize: cfg.QueueSize},
		queue:  make(chan string, cfg.QueueSize),
		jobs:   make(map[string]*Job),
	}
}

// Start launches the workers. They exit when ctx is cancelled or Stop is
// called.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("Starting job workers", zap.Int("workers", r.cfg.MaxWorkers), zap.Int("queue_size", r.cfg.QueueSize))
	for i := 0; i < r.cfg.MaxWorkers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}
}

// Stop stops accepting jobs, drains the queue and waits for the workers.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}

// Submit queues req and returns its job id.
func (r *Runner) Submit(req engine.BacktestRunRequest) (string, error) {
	if !r.bp.TryAccept() {
		return "", engine.ErrQueueFull.WithDetails(fmt.Sprintf("%d jobs pending", r.cfg.QueueSize))
	}
	job := &Job{ID: uuid.NewString(), Status: engine.StatusQueued, Request: req, CreatedAt: r.now()}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.bp.Release()
		return "", engine.ErrExecutionFailed.WithDetails("runner stopped")
	}
	r.jobs[job.ID] = job
	r.queue <- job.ID // capacity is held by the backpressure slot
	r.logger.Info("Job queued", zap.String("job_id", job.ID), zap.String("ticker", req.Ticker))
	return job.ID, nil
}

// Get returns a copy of the job.
func (r *Runner) Get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Pending is the number of queued or running jobs.
func (r *Runner) Pending() int { return r.bp.Len() }

// Prune drops finished jobs older than the configured TTL.
func (r *Runner) Prune() int {
	if r.cfg.JobTTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.cfg.JobTTL)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, job := range r.jobs {
		if !job.FinishedAt.IsZero() && job.FinishedAt.Before(cutoff) {
			delete(r.jobs, id)
			n++
		}
	}
	return n
}

func (r *Runner) worker(ctx context.Context, workerID int) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-r.queue:
			if !ok {
				return
			}
			r.logger.Debug("Worker processing job", zap.Int("worker_id", workerID), zap.String("job_id", id))
			r.execute(ctx, id)
			r.bp.Release()
		}
	}
}

func (r *Runner) execute(ctx context.Context, id string) {
	r.mu.Lock()
	job := r.jobs[id]
	job.Status = engine.StatusRunning
	job.StartedAt = r.now()
	req := job.Request
	r.mu.Unlock()

	if r.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.JobTimeout)
		defer cancel()
	}
	result, err := r.run(ctx, req)

	r.mu.Lock()
	defer r.mu.Unlock()
	job.FinishedAt = r.now()
	if err != nil {
		job.Status = engine.StatusFailed
		job.Error = classify(err)
		r.logger.Error("Backtest job failed", zap.String("job_id", id), zap.Error(err))
		return
	}
	job.Status = engine.StatusCompleted
	job.Result = result
	r.logger.Info("Backtest job completed",
		zap.String("job_id", id),
		zap.Duration("execution_time", job.FinishedAt.Sub(job.StartedAt)),
	)
}

func classify(err error) *engine.APIError {
	var apiErr *engine.APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, context.DeadlineExceeded):
		return engine.ErrTimeout.WithDetails(err.Error())
	default:
		return engine.ErrExecutionFailed.WithDetails(err.Error())
	}
}
