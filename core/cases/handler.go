package cases

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tipline/config"
	"tipline/core/jobs"
	"tipline/core/store"
)

type finalizePayload struct {
	CaseID int64 `json:"case_id"`
}

// FinalizeHandler adapts the pipeline to the job runner. A tick that ran out
// of budget comes back as an immediate follow-up; a retryable failure comes
// back as an error so the runner applies its backoff and attempt counting.
func FinalizeHandler(f *Finalizer, cfg config.JobsConfig) jobs.Handler {
	return func(ctx context.Context, job *store.Job) (*jobs.Followup, error) {
		var p finalizePayload
		if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
			return nil, fmt.Errorf("bad finalize payload: %w", err)
		}
		if p.CaseID == 0 {
			return nil, fmt.Errorf("finalize payload has no case id")
		}

		outcome, err := f.Tick(ctx, p.CaseID, job.Attempts, cfg.TickBudget)
		if err != nil {
			return nil, err
		}
		if outcome == OutcomeCompleted {
			return nil, nil
		}
		return &jobs.Followup{RunAfter: time.Now()}, nil
	}
}
