package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type Job struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	UniqueKey string    `json:"unique_key,omitempty"`
	Payload   string    `json:"payload"`
	RunAfter  time.Time `json:"run_after"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type JobsStore interface {
	// Enqueue inserts a job. A non-empty uniqueKey makes the insert
	// single-flight: while a job with that key is queued, re-enqueues are
	// dropped and the bool comes back false.
	Enqueue(ctx context.Context, name, uniqueKey, payload string, runAfter time.Time) (bool, error)
	// ClaimDue pops the oldest due job. Claiming deletes the row; the runner
	// re-enqueues on failure or follow-up.
	ClaimDue(ctx context.Context, now time.Time) (*Job, error)
	Requeue(ctx context.Context, job *Job, runAfter time.Time, attempts int, lastError string) error
	CountQueued(ctx context.Context) (int64, error)
}

type jobsStore struct {
	db *sql.DB
}

func NewJobsStore(db *sql.DB) JobsStore {
	return &jobsStore{db: db}
}

func (s *jobsStore) Enqueue(ctx context.Context, name, uniqueKey, payload string, runAfter time.Time) (bool, error) {
	if payload == "" {
		payload = "{}"
	}
	var key any
	if uniqueKey != "" {
		key = uniqueKey
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs(name, unique_key, payload_json, run_after, attempts, created_at)
		VALUES(?,?,?,?,0,?)
		ON CONFLICT (unique_key) DO NOTHING`,
		name, key, payload, runAfter.UTC(), time.Now().UTC())
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *jobsStore) ClaimDue(ctx context.Context, now time.Time) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRowContext(ctx, `
		SELECT id, name, unique_key, payload_json, run_after, attempts, last_error, created_at
		FROM jobs WHERE run_after <= ? ORDER BY run_after ASC, id ASC LIMIT 1`, now.UTC())
	var j Job
	var key sql.NullString
	if err := row.Scan(&j.ID, &j.Name, &key, &j.Payload, &j.RunAfter, &j.Attempts, &j.LastError, &j.CreatedAt); err != nil {
		tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	j.UniqueKey = key.String
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, j.ID); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *jobsStore) Requeue(ctx context.Context, job *Job, runAfter time.Time, attempts int, lastError string) error {
	var key any
	if job.UniqueKey != "" {
		key = job.UniqueKey
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs(name, unique_key, payload_json, run_after, attempts, last_error, created_at)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT (unique_key) DO UPDATE SET
			run_after=excluded.run_after,
			attempts=excluded.attempts,
			last_error=excluded.last_error`,
		job.Name, key, job.Payload, runAfter.UTC(), attempts, lastError, time.Now().UTC())
	return err
}

func (s *jobsStore) CountQueued(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n)
	return n, err
}
