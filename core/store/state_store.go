package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// FinalizeCheckpoint is the persisted cursor of a case finalization run:
// which users the case covers, which one is being processed, and which phase
// that user is in. It is written after every phase transition so a crashed
// run resumes exactly where it stopped.
type FinalizeCheckpoint struct {
	CaseID       int64     `json:"case_id"`
	UserIDs      []int64   `json:"user_ids"`
	CurrentIndex int       `json:"current_index"`
	Phase        string    `json:"phase"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type FinalizeStateStore interface {
	Get(ctx context.Context, caseID int64) (*FinalizeCheckpoint, error)
	Save(ctx context.Context, cp *FinalizeCheckpoint) error
	Delete(ctx context.Context, caseID int64) error
}

type finalizeStateStore struct {
	db *sql.DB
}

func NewFinalizeStateStore(db *sql.DB) FinalizeStateStore {
	return &finalizeStateStore{db: db}
}

func (s *finalizeStateStore) Get(ctx context.Context, caseID int64) (*FinalizeCheckpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT case_id, user_ids_json, current_index, phase, updated_at
		FROM finalize_state WHERE case_id=?`, caseID)
	var cp FinalizeCheckpoint
	var userIDs string
	if err := row.Scan(&cp.CaseID, &userIDs, &cp.CurrentIndex, &cp.Phase, &cp.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(userIDs), &cp.UserIDs); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *finalizeStateStore) Save(ctx context.Context, cp *FinalizeCheckpoint) error {
	ids := cp.UserIDs
	if ids == nil {
		ids = []int64{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO finalize_state(case_id, user_ids_json, current_index, phase, updated_at)
		VALUES(?,?,?,?,?)
		ON CONFLICT (case_id) DO UPDATE SET
			user_ids_json=excluded.user_ids_json,
			current_index=excluded.current_index,
			phase=excluded.phase,
			updated_at=excluded.updated_at`,
		cp.CaseID, string(raw), cp.CurrentIndex, cp.Phase, now)
	if err == nil {
		cp.UpdatedAt = now
	}
	return err
}

func (s *finalizeStateStore) Delete(ctx context.Context, caseID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM finalize_state WHERE case_id=?`, caseID)
	return err
}
