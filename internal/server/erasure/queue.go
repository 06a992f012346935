package erasure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophdrop/internal/common"
	"github.com/dmitrijs2005/gophdrop/internal/logging"
	"github.com/dmitrijs2005/gophdrop/internal/server/models"
	"github.com/dmitrijs2005/gophdrop/internal/server/repositories/jobs"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrQueueStopped is returned by Enqueue after Stop.
	ErrQueueStopped = errors.New("erase queue stopped")
	// ErrNotRetryable is returned by Retry for jobs that have not failed.
	ErrNotRetryable = errors.New("only failed jobs can be retried")
)

// Observer receives the outcome of every finished erase attempt.
type Observer interface {
	EraseFinished(status models.JobStatus, elapsed time.Duration)
}

type Options struct {
	Workers      int
	QueueSize    int
	PollInterval time.Duration
	Observer     Observer
}

// Queue persists erase jobs through a jobs.Repository and runs them on a
// fixed worker pool. Delivery is at-least-once; a job row only moves
// queued -> running once, so duplicates are dropped by the worker.
type Queue struct {
	repo   jobs.Repository
	eraser Eraser
	log    logging.Logger
	opts   Options

	ch chan string

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	runCtx  context.Context
}

func NewQueue(repo jobs.Repository, eraser Eraser, log logging.Logger, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 25 * time.Millisecond
	}
	return &Queue{
		repo:   repo,
		eraser: eraser,
		log:    log.With("module", "erasure"),
		opts:   opts,
		ch:     make(chan string, opts.QueueSize),
	}
}

// Start launches the worker pool. It returns immediately; call Stop to shut
// the workers down.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ctx, q.cancel = context.WithCancel(ctx)
	q.group, q.runCtx = errgroup.WithContext(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		q.group.Go(func() error {
			q.work(q.runCtx)
			return nil
		})
	}
	q.log.Info(ctx, "erase workers started", "workers", q.opts.Workers)
}

// Stop cancels in-flight work and waits for the workers. Jobs interrupted
// mid-erase stay running and are picked up by Recover on the next start.
func (q *Queue) Stop() error {
	q.mu.Lock()
	if q.stopped || q.group == nil {
		q.stopped = true
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	q.cancel()
	group := q.group
	q.mu.Unlock()

	return group.Wait()
}

// Enqueue records a new job for target and hands it to the pool. It never
// blocks on the workers.
func (q *Queue) Enqueue(ctx context.Context, target string) (*models.EraseJob, error) {
	job := &models.EraseJob{TargetPath: target, Status: models.JobQueued}
	if err := q.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create erase job: %w", err)
	}
	if err := q.deliver(job.ID); err != nil {
		return job, err
	}
	q.log.Info(ctx, "erase job queued", "job_id", job.ID)
	return job, nil
}

func (q *Queue) deliver(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || q.group == nil {
		return ErrQueueStopped
	}

	select {
	case q.ch <- id:
	default:
		// Buffer full: hand off from a tracked goroutine so Stop still
		// waits for it.
		ctx := q.runCtx
		q.group.Go(func() error {
			select {
			case q.ch <- id:
			case <-ctx.Done():
			}
			return nil
		})
	}
	return nil
}

// Status returns the current job row.
func (q *Queue) Status(ctx context.Context, id string) (*models.EraseJob, error) {
	return q.repo.Get(ctx, id)
}

// Await polls the job until it reaches a terminal status or timeout
// elapses. On timeout the last observed job is returned with
// context.DeadlineExceeded.
func (q *Queue) Await(ctx context.Context, id string, timeout time.Duration) (*models.EraseJob, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		job, err := q.repo.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Retry moves a failed job back to queued and delivers it again.
func (q *Queue) Retry(ctx context.Context, id string) (*models.EraseJob, error) {
	job, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobFailed {
		return job, fmt.Errorf("job %s is %s: %w", id, job.Status, ErrNotRetryable)
	}
	if err := q.repo.Requeue(ctx, id, models.JobFailed); err != nil {
		return nil, err
	}
	if err := q.deliver(id); err != nil {
		return nil, err
	}
	job.Status = models.JobQueued
	q.log.Info(ctx, "erase job retried", "job_id", id)
	return job, nil
}

// Recover re-delivers jobs left queued or running by a previous process.
// It returns the number of jobs handed to the pool.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	pending, err := q.repo.ListByStatus(ctx, models.JobQueued, models.JobRunning)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range pending {
		if job.Status == models.JobRunning {
			if err := q.repo.Requeue(ctx, job.ID, models.JobRunning); err != nil {
				if errors.Is(err, common.ErrorNotFound) {
					continue
				}
				return n, err
			}
		}
		if err := q.deliver(job.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		q.log.Info(ctx, "recovered erase jobs", "count", n)
	}
	return n, nil
}

func (q *Queue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.ch:
			q.run(ctx, id)
		}
	}
}

func (q *Queue) run(ctx context.Context, id string) {
	log := q.log.With("job_id", id)

	job, err := q.repo.Get(ctx, id)
	if err != nil {
		log.Error(ctx, "load erase job", "error", err)
		return
	}
	if job.Status != models.JobQueued {
		log.Debug(ctx, "skipping erase job", "status", job.Status)
		return
	}
	if err := q.repo.MarkRunning(ctx, id); err != nil {
		if !errors.Is(err, common.ErrorNotFound) {
			log.Error(ctx, "mark erase job running", "error", err)
		}
		return
	}

	start := time.Now()
	eraseErr := q.eraser.Erase(ctx, job.TargetPath)
	if ctx.Err() != nil {
		log.Warn(ctx, "erase interrupted by shutdown")
		return
	}

	status, errText := models.JobSucceeded, ""
	if eraseErr != nil {
		status, errText = models.JobFailed, eraseErr.Error()
		log.Error(ctx, "erase failed", "error", eraseErr)
	} else {
		log.Info(ctx, "erase finished", "elapsed", time.Since(start))
	}

	if err := q.repo.Finish(ctx, id, status, errText); err != nil {
		log.Error(ctx, "finish erase job", "error", err)
	}
	if q.opts.Observer != nil {
		q.opts.Observer.EraseFinished(status, time.Since(start))
	}
}
