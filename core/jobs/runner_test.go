package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tipline/config"
	"tipline/core/store"
	"tipline/core/utils"
)

type runnerEnv struct {
	ctx    context.Context
	jobs   store.JobsStore
	apiLog store.ApiLogStore
	runner *Runner
}

func setupRunner(t *testing.T) *runnerEnv {
	t.Helper()
	cfg := config.AppConfig{DBPath: filepath.Join(t.TempDir(), "test.db")}
	logger := utils.NewLogger()
	db, err := store.NewDB(&cfg, logger)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := &runnerEnv{
		ctx:    context.Background(),
		jobs:   store.NewJobsStore(db),
		apiLog: store.NewApiLogStore(db),
	}
	jobsCfg := config.JobsConfig{
		Enabled:      true,
		PollInterval: time.Second,
		RetryBackoff: 30 * time.Second,
	}
	e.runner = NewRunner(e.jobs, e.apiLog, jobsCfg, logger)
	return e
}

func TestDispatchRequeuesFailureWithBackoff(t *testing.T) {
	e := setupRunner(t)
	e.runner.Register("boom", func(ctx context.Context, job *store.Job) (*Followup, error) {
		return nil, errors.New("handler blew up")
	})
	if _, err := e.jobs.Enqueue(e.ctx, "boom", "", "{}", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	before := time.Now()
	e.runner.runDue()

	job, err := e.jobs.ClaimDue(e.ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil {
		t.Fatal("failed job should be back on the queue")
	}
	if job.Attempts != 1 {
		t.Fatalf("want attempts bumped to 1, got %d", job.Attempts)
	}
	if job.LastError != "handler blew up" {
		t.Fatalf("want the handler error recorded, got %q", job.LastError)
	}
	if job.RunAfter.Before(before.Add(29 * time.Second)) {
		t.Fatalf("retry should honor the backoff, got run_after %s", job.RunAfter)
	}
}

func TestDispatchFollowupResetsAttempts(t *testing.T) {
	e := setupRunner(t)
	e.runner.Register("resume", func(ctx context.Context, job *store.Job) (*Followup, error) {
		return &Followup{RunAfter: time.Now()}, nil
	})
	if _, err := e.jobs.Enqueue(e.ctx, "resume", "", "{}", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// an earlier failed run left attempts at 2
	job, _ := e.jobs.ClaimDue(e.ctx, time.Now())
	if err := e.jobs.Requeue(e.ctx, job, time.Now().Add(-time.Minute), 2, "old error"); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	e.runner.runDue()

	requeued, err := e.jobs.ClaimDue(e.ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if requeued == nil {
		t.Fatal("followup should put the job back on the queue")
	}
	if requeued.Attempts != 0 {
		t.Fatalf("a clean suspension resets the attempt counter, got %d", requeued.Attempts)
	}
	if requeued.LastError != "" {
		t.Fatalf("last error should be cleared, got %q", requeued.LastError)
	}
}

func TestDispatchDropsUnknownJob(t *testing.T) {
	e := setupRunner(t)
	if _, err := e.jobs.Enqueue(e.ctx, "orphan", "", "{}", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	e.runner.runDue()

	job, err := e.jobs.ClaimDue(e.ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job != nil {
		t.Fatalf("job without a handler should be dropped, got %+v", job)
	}
}

func TestCompletedJobLeavesQueueEmpty(t *testing.T) {
	e := setupRunner(t)
	ran := 0
	e.runner.Register("oneshot", func(ctx context.Context, job *store.Job) (*Followup, error) {
		ran++
		return nil, nil
	})
	if _, err := e.jobs.Enqueue(e.ctx, "oneshot", "", "{}", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	e.runner.runDue()

	if ran != 1 {
		t.Fatalf("handler should run exactly once, got %d", ran)
	}
	if job, _ := e.jobs.ClaimDue(e.ctx, time.Now().Add(time.Hour)); job != nil {
		t.Fatalf("completed job must not be requeued, got %+v", job)
	}
}
