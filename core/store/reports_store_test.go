package store

import (
	"context"
	"testing"
	"time"
)

func seedCase(t *testing.T, s CasesStore) *CaseFile {
	t.Helper()
	c := &CaseFile{Title: "case", CreatorUserID: 1, CreatorUsername: "mod", IncidentType: "Child Pornography"}
	if _, err := s.Create(context.Background(), c); err != nil {
		t.Fatalf("create case: %v", err)
	}
	return c
}

func TestReportGetOrCreateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	reports := NewReportsStore(db)
	c := seedCase(t, NewCasesStore(db))
	ctx := context.Background()

	first, created, err := reports.GetOrCreate(ctx, c.ID, 7)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if !created {
		t.Fatal("first call must create")
	}
	second, created, err := reports.GetOrCreate(ctx, c.ID, 7)
	if err != nil {
		t.Fatalf("get or create again: %v", err)
	}
	if created {
		t.Fatal("second call must not create")
	}
	if second.ID != first.ID {
		t.Fatalf("want the same row, got %d and %d", first.ID, second.ID)
	}
}

func TestRemoteIDIsWrittenOnce(t *testing.T) {
	db := newTestDB(t)
	reports := NewReportsStore(db)
	c := seedCase(t, NewCasesStore(db))
	ctx := context.Background()

	rep, _, err := reports.GetOrCreate(ctx, c.ID, 7)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if err := reports.SetRemoteID(ctx, rep.ID, 9001); err != nil {
		t.Fatalf("set remote id: %v", err)
	}
	if err := reports.SetRemoteID(ctx, rep.ID, 9002); err == nil {
		t.Fatal("overwriting the remote id must fail")
	}
	got, _ := reports.Get(ctx, rep.ID)
	if got.NcmecReportID != 9001 {
		t.Fatalf("remote id changed to %d", got.NcmecReportID)
	}
}

func TestAddFileDeduplicatesByOriginalName(t *testing.T) {
	db := newTestDB(t)
	reports := NewReportsStore(db)
	c := seedCase(t, NewCasesStore(db))
	ctx := context.Background()

	rep, _, err := reports.GetOrCreate(ctx, c.ID, 7)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	f := &ReportFile{ReportID: rep.ID, DataID: 3, OriginalFilename: "evidence.jpg", IP: "10.0.0.9"}
	first, created, err := reports.AddFile(ctx, f)
	if err != nil {
		t.Fatalf("add file: %v", err)
	}
	if !created {
		t.Fatal("first AddFile must insert")
	}
	if err := reports.SetFileRemoteID(ctx, first.ID, "f-1"); err != nil {
		t.Fatalf("set file remote id: %v", err)
	}

	again, created, err := reports.AddFile(ctx, &ReportFile{ReportID: rep.ID, DataID: 3, OriginalFilename: "evidence.jpg"})
	if err != nil {
		t.Fatalf("re-add file: %v", err)
	}
	if created {
		t.Fatal("re-adding the same name must not insert")
	}
	if again.NcmecFileID != "f-1" {
		t.Fatalf("existing row must keep its remote id, got %q", again.NcmecFileID)
	}
}

func TestFinalizeCheckpointRoundTrip(t *testing.T) {
	db := newTestDB(t)
	state := NewFinalizeStateStore(db)
	c := seedCase(t, NewCasesStore(db))
	ctx := context.Background()

	cp := &FinalizeCheckpoint{CaseID: c.ID, UserIDs: []int64{10, 20}, CurrentIndex: 1, Phase: "files"}
	if err := state.Save(ctx, cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	cp.Phase = "content"
	if err := state.Save(ctx, cp); err != nil {
		t.Fatalf("save again: %v", err)
	}

	got, err := state.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Phase != "content" || got.CurrentIndex != 1 || len(got.UserIDs) != 2 {
		t.Fatalf("unexpected checkpoint: %+v", got)
	}

	if err := state.Delete(ctx, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = state.Get(ctx, c.ID)
	if got != nil {
		t.Fatal("checkpoint should be gone")
	}
}

func TestJobsQueueSingleFlight(t *testing.T) {
	db := newTestDB(t)
	jobs := NewJobsStore(db)
	ctx := context.Background()
	now := time.Now()

	queued, err := jobs.Enqueue(ctx, "case.finalize", "case.finalize:1", `{"case_id":1}`, now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !queued {
		t.Fatal("first enqueue must insert")
	}
	queued, err = jobs.Enqueue(ctx, "case.finalize", "case.finalize:1", `{"case_id":1}`, now)
	if err != nil {
		t.Fatalf("enqueue again: %v", err)
	}
	if queued {
		t.Fatal("duplicate unique key must be dropped")
	}

	job, err := jobs.ClaimDue(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil || job.Name != "case.finalize" {
		t.Fatalf("unexpected claim: %+v", job)
	}
	if next, _ := jobs.ClaimDue(ctx, now.Add(time.Second)); next != nil {
		t.Fatalf("queue should be empty, claimed %+v", next)
	}

	// claimed job can be re-queued under the same key
	if err := jobs.Requeue(ctx, job, now, 1, "boom"); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	job, _ = jobs.ClaimDue(ctx, now.Add(time.Second))
	if job == nil || job.Attempts != 1 || job.LastError != "boom" {
		t.Fatalf("requeued job lost its state: %+v", job)
	}
}
