package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tipline/config"
	"tipline/core/store"
	"tipline/core/utils"
)

// Followup asks the runner to put the job back on the queue after a handler
// returned without finishing its work.
type Followup struct {
	RunAfter time.Time
}

// Handler processes one claimed job. Returning a Followup re-queues the job
// with its attempt counter reset; returning an error re-queues it with the
// counter bumped and the configured backoff.
type Handler func(ctx context.Context, job *store.Job) (*Followup, error)

// Runner polls the job table and dispatches due jobs to registered handlers,
// one at a time. It also runs the api-log retention sweep on a cron
// schedule.
type Runner struct {
	jobs   store.JobsStore
	apiLog store.ApiLogStore
	cfg    config.JobsConfig
	logger *utils.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	cron *cron.Cron
	stop chan struct{}
	done chan struct{}
}

func NewRunner(jobs store.JobsStore, apiLog store.ApiLogStore, cfg config.JobsConfig, logger *utils.Logger) *Runner {
	return &Runner{
		jobs:     jobs,
		apiLog:   apiLog,
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]Handler),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (r *Runner) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *Runner) Start() error {
	if !r.cfg.Enabled {
		r.logger.Printf("job runner disabled")
		close(r.done)
		return nil
	}

	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.cfg.RetentionCron, r.sweepApiLog); err != nil {
		return fmt.Errorf("retention schedule %q: %w", r.cfg.RetentionCron, err)
	}
	r.cron.Start()

	go r.loop()
	r.logger.Printf("job runner started, polling every %s", r.cfg.PollInterval)
	return nil
}

func (r *Runner) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.runDue()
		}
	}
}

// StopWithContext halts polling and waits for an in-flight job to finish or
// the context to give up.
func (r *Runner) StopWithContext(ctx context.Context) error {
	close(r.stop)
	if r.cron != nil {
		r.cron.Stop()
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) runDue() {
	ctx := context.Background()
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		job, err := r.jobs.ClaimDue(ctx, time.Now())
		if err != nil {
			r.logger.Errorf("claim job: %v", err)
			return
		}
		if job == nil {
			return
		}
		r.dispatch(ctx, job)
	}
}

func (r *Runner) dispatch(ctx context.Context, job *store.Job) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Errorf("job %d: no handler for %q, dropping", job.ID, job.Name)
		return
	}

	followup, err := handler(ctx, job)
	if err != nil {
		retryAt := time.Now().Add(r.cfg.RetryBackoff)
		r.logger.Errorf("job %d (%s) attempt %d failed: %v, retrying at %s", job.ID, job.Name, job.Attempts, err, retryAt.Format(time.RFC3339))
		if qErr := r.jobs.Requeue(ctx, job, retryAt, job.Attempts+1, err.Error()); qErr != nil {
			r.logger.Errorf("requeue job %s: %v", job.Name, qErr)
		}
		return
	}
	if followup != nil {
		if qErr := r.jobs.Requeue(ctx, job, followup.RunAfter, 0, ""); qErr != nil {
			r.logger.Errorf("requeue followup for %s: %v", job.Name, qErr)
		}
	}
}

func (r *Runner) sweepApiLog() {
	if r.cfg.APILogRetentionDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -r.cfg.APILogRetentionDays)
	deleted, err := r.apiLog.DeleteOlderThan(context.Background(), cutoff)
	if err != nil {
		r.logger.Errorf("api log retention sweep: %v", err)
		return
	}
	if deleted > 0 {
		r.logger.Infof("api log retention: removed %d entries older than %s", deleted, cutoff.Format("2006-01-02"))
	}
}
