// Package jobs runs session packaging outside the request that asked
// for it.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"accession/internal/server/database"
	"accession/internal/server/service"
	"accession/internal/server/session"

	"github.com/google/uuid"
)

var (
	ErrQueueFull = errors.New("packaging queue is full")
	ErrStopped   = errors.New("job runner is not running")
)

// State is the lifecycle position of a job.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Job is the visible status of one packaging request.
type Job struct {
	ID        string    `json:"id"`
	Token     string    `json:"-"`
	State     State     `json:"state"`
	Attempts  int       `json:"attempts"`
	PackageID string    `json:"package_id,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Consumer packages a session.
type Consumer interface {
	Consume(ctx context.Context, token string, in service.SubmissionInput) (*database.Package, error)
}

type task struct {
	job   *Job
	input service.SubmissionInput
}

// Runner drains a bounded queue with a fixed number of workers.
// Retryable failures are attempted once more before the job fails.
type Runner struct {
	consumer   Consumer
	store      Store
	queue      chan task
	workers    int
	retryDelay time.Duration

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewRunner creates a runner with the given worker count and queue size.
func NewRunner(consumer Consumer, store Store, workers, queueSize int) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		consumer:   consumer,
		store:      store,
		queue:      make(chan task, queueSize),
		workers:    workers,
		retryDelay: time.Second,
		done:       make(chan struct{}),
	}
}

// Start launches the workers. They stop when ctx is cancelled; queued
// jobs that never ran stay queued.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	slog.Info("packaging workers started", "workers", r.workers)

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case t := <-r.queue:
					r.run(ctx, t)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		r.wg.Wait()
		slog.Info("packaging workers stopped")
		close(r.done)
	}()
}

// Wait blocks until every worker has exited.
func (r *Runner) Wait() {
	<-r.done
}

// Submit records a queued job and hands it to the workers.
func (r *Runner) Submit(ctx context.Context, token string, in service.SubmissionInput) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil, ErrStopped
	}

	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		Token:     token,
		State:     StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	select {
	case r.queue <- task{job: job, input: in}:
	default:
		return nil, ErrQueueFull
	}
	// stored while holding mu so a worker's update cannot be overwritten
	if err := r.store.Put(ctx, job); err != nil {
		slog.Error("failed to record queued job", "job_id", job.ID, "error", err)
	}

	slog.Info("packaging job queued", "job_id", job.ID, "token", session.ShortToken(token))
	return job, nil
}

// Get returns the current status of a job.
func (r *Runner) Get(ctx context.Context, id string) (*Job, error) {
	return r.store.Get(ctx, id)
}

func (r *Runner) run(ctx context.Context, t task) {
	// wait for Submit to finish recording the queued state
	r.mu.Lock()
	job := *t.job
	r.mu.Unlock()

	r.update(ctx, &job, func(j *Job) { j.State = StateRunning })

	var (
		pkg *database.Package
		err error
	)
attempts:
	for attempt := 1; attempt <= 2; attempt++ {
		job.Attempts = attempt
		pkg, err = r.consumer.Consume(ctx, job.Token, t.input)
		if err == nil || !service.Retryable(err) || attempt == 2 {
			break
		}
		slog.Warn("packaging failed, retrying",
			"job_id", job.ID,
			"token", session.ShortToken(job.Token),
			"error", err,
		)
		select {
		case <-time.After(r.retryDelay):
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
			break attempts
		}
	}

	if err != nil {
		slog.Error("packaging job failed",
			"job_id", job.ID,
			"token", session.ShortToken(job.Token),
			"attempts", job.Attempts,
			"error", err,
		)
		r.update(ctx, &job, func(j *Job) {
			j.State = StateFailed
			j.ErrorKind = ErrorKind(err)
			j.Error = publicMessage(err)
		})
		return
	}

	slog.Info("packaging job succeeded", "job_id", job.ID, "package_id", pkg.ID)
	r.update(ctx, &job, func(j *Job) {
		j.State = StateSucceeded
		j.PackageID = pkg.ID.String()
	})
}

func (r *Runner) update(ctx context.Context, job *Job, fn func(*Job)) {
	fn(job)
	job.UpdatedAt = time.Now().UTC()
	if err := r.store.Put(context.WithoutCancel(ctx), job); err != nil {
		slog.Error("failed to record job state", "job_id", job.ID, "state", job.State, "error", err)
	}
}

// ErrorKind maps a packaging error to its machine-readable kind.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return "not_found"
	case errors.Is(err, service.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, service.ErrEmptySession):
		return "empty_session"
	case errors.Is(err, service.ErrStorageFailure):
		return "storage_failure"
	case errors.Is(err, service.ErrPackagingFailure):
		return "packaging_failure"
	default:
		return "internal"
	}
}

func publicMessage(err error) string {
	switch ErrorKind(err) {
	case "not_found":
		return "upload session not found"
	case "invalid_state":
		return "this upload has already been submitted or has expired"
	case "empty_session":
		return err.Error()
	case "internal":
		return "internal error"
	default:
		return "packaging failed, please try again"
	}
}
