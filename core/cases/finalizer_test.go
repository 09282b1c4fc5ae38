package cases

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tipline/config"
	"tipline/core/content"
	"tipline/core/incidents"
	"tipline/core/ncmec"
	"tipline/core/store"
	"tipline/core/utils"
)

// fakeIntake stands in for the reporting service. It hands out sequential
// report ids and records every call so tests can assert on the wire
// conversation.
type fakeIntake struct {
	mu           sync.Mutex
	nextReportID int64
	submits      int
	uploads      []string
	fileInfos    int
	finished     []int64
	retracted    []int64

	submitErrs []error
	uploadErrs []error
}

func (f *fakeIntake) Status(ctx context.Context) error { return nil }

func (f *fakeIntake) Schema(ctx context.Context) ([]byte, error) {
	return nil, fmt.Errorf("%w: no schema in tests", ncmec.ErrUnavailable)
}

func (f *fakeIntake) Submit(ctx context.Context, reportXML []byte) (*ncmec.ReportResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.submits++
	f.nextReportID++
	return &ncmec.ReportResponse{ReportID: 9000 + f.nextReportID}, nil
}

func (f *fakeIntake) Upload(ctx context.Context, reportID int64, filename string, file io.Reader) (*ncmec.UploadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.uploadErrs) > 0 {
		err := f.uploadErrs[0]
		f.uploadErrs = f.uploadErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if _, err := io.Copy(io.Discard, file); err != nil {
		return nil, err
	}
	f.uploads = append(f.uploads, filename)
	return &ncmec.UploadResponse{ReportID: reportID, FileID: fmt.Sprintf("f-%d", len(f.uploads))}, nil
}

func (f *fakeIntake) FileInfo(ctx context.Context, detailsXML []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fileInfos++
	return nil
}

func (f *fakeIntake) Finish(ctx context.Context, reportID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, reportID)
	return nil
}

func (f *fakeIntake) Retract(ctx context.Context, reportID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retracted = append(f.retracted, reportID)
	return nil
}

type pipelineEnv struct {
	ctx       context.Context
	cfg       config.AppConfig
	intake    *fakeIntake
	users     store.UsersStore
	forum     store.ForumStore
	incStore  store.IncidentsStore
	cases     store.CasesStore
	reports   store.ReportsStore
	state     store.FinalizeStateStore
	jobs      store.JobsStore
	incSvc    *incidents.Service
	caseSvc   *Service
	finalizer *Finalizer
}

func setupPipeline(t *testing.T) *pipelineEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.AppConfig{
		DBPath: filepath.Join(dir, "test.db"),
		Incidents: config.IncidentsConfig{
			PlatformName:  "Testboard",
			DeleteReason:  "evidence purge",
			AttachmentDir: filepath.Join(dir, "evidence"),
		},
		Ncmec: config.NcmecConfig{
			ContactEmail: "abuse@testboard.example",
			XSDCacheDir:  filepath.Join(dir, "cache"),
			XSDCacheTTL:  time.Hour,
		},
		Jobs: config.JobsConfig{TickBudget: time.Minute},
	}
	logger := utils.NewLogger()
	db, err := store.NewDB(&cfg, logger)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	e := &pipelineEnv{
		ctx:      context.Background(),
		cfg:      cfg,
		intake:   &fakeIntake{},
		users:    store.NewUsersStore(db),
		forum:    store.NewForumStore(db),
		incStore: store.NewIncidentsStore(db),
		cases:    store.NewCasesStore(db),
		reports:  store.NewReportsStore(db),
		state:    store.NewFinalizeStateStore(db),
		jobs:     store.NewJobsStore(db),
	}
	registry := content.NewForumRegistry(e.forum, cfg.Incidents.ForumBaseURL)
	validator := ncmec.NewValidator(e.intake, cfg.Ncmec, logger)
	e.incSvc = incidents.NewService(e.incStore, e.users, e.forum, registry, cfg.Incidents, logger)
	e.caseSvc = NewService(e.cases, e.incStore, e.reports, e.state, e.jobs, e.intake, cfg, logger)
	e.finalizer = NewFinalizer(e.cases, e.incStore, e.reports, e.state, e.users, e.forum, registry, validator, e.intake, cfg, logger)
	return e
}

// seedSubject creates a user with one post and one on-disk attachment blob.
func (e *pipelineEnv) seedSubject(t *testing.T, id int64, name string) *store.Post {
	t.Helper()
	if err := e.users.Upsert(e.ctx, &store.User{ID: id, Username: name, Email: name + "@x.example"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if err := e.users.AddIPEvent(e.ctx, &store.UserIPEvent{UserID: id, IP: "10.0.0.1", Action: "login"}); err != nil {
		t.Fatalf("seed ip: %v", err)
	}
	post := &store.Post{ThreadID: 1, UserID: id, Username: name, Body: "offending content", IP: "10.0.0.1", CreatedAt: time.Now().UTC()}
	if _, err := e.forum.AddPost(e.ctx, post); err != nil {
		t.Fatalf("seed post: %v", err)
	}
	blobPath := filepath.Join(t.TempDir(), name+".jpg")
	if err := os.WriteFile(blobPath, []byte("binary"), 0o644); err != nil {
		t.Fatalf("write blob: %v", err)
	}
	blob := &store.AttachmentData{Filename: name + ".jpg", FilePath: blobPath, IP: "10.0.0.1", UserID: id, ContentKind: "post", ContentID: post.ID, UploadedAt: time.Now().UTC()}
	if _, err := e.forum.AddAttachmentData(e.ctx, blob); err != nil {
		t.Fatalf("seed blob: %v", err)
	}
	return post
}

// buildCase associates the given users into one incident and a fresh case
// ready to finalize.
func (e *pipelineEnv) buildCase(t *testing.T, userIDs []int64) *store.CaseFile {
	t.Helper()
	inc, err := e.incSvc.Create(e.ctx, "incident", 1, "mod")
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}
	if _, err := e.incSvc.AssociateUsers(e.ctx, inc.ID, userIDs); err != nil {
		t.Fatalf("associate users: %v", err)
	}
	if _, err := e.incSvc.Collect(e.ctx, inc.ID); err != nil {
		t.Fatalf("collect: %v", err)
	}
	c, err := e.caseSvc.Create(e.ctx, &store.CaseFile{Title: "case", CreatorUserID: 1, CreatorUsername: "mod"})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	if err := e.caseSvc.AttachIncidents(e.ctx, c.ID, []int64{inc.ID}); err != nil {
		t.Fatalf("attach incident: %v", err)
	}
	return c
}

func TestFinalizeEndToEnd(t *testing.T) {
	e := setupPipeline(t)
	postA := e.seedSubject(t, 7, "alice")
	e.seedSubject(t, 8, "bob")
	c := e.buildCase(t, []int64{7, 8})

	if err := e.caseSvc.BeginFinalize(e.ctx, c.ID); err != nil {
		t.Fatalf("begin finalize: %v", err)
	}
	outcome, err := e.finalizer.Tick(e.ctx, c.ID, 0, time.Minute)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatal("pipeline should complete within one generous tick")
	}

	for _, id := range []int64{7, 8} {
		u, _ := e.users.Get(e.ctx, id)
		if !u.IsBanned || !u.BanPermanent {
			t.Fatalf("user %d should be permanently banned", id)
		}
		if u.InCsamIncident {
			t.Fatalf("user %d has no open incident left, the marker should clear", id)
		}
	}

	incs, _ := e.incStore.ListByCase(e.ctx, c.ID)
	for _, inc := range incs {
		if joins, _ := e.incStore.ListAttachments(e.ctx, inc.ID); len(joins) != 0 {
			t.Fatalf("uploaded blobs should shed their join rows, got %+v", joins)
		}
		if joins, _ := e.incStore.ListContents(e.ctx, inc.ID); len(joins) != 0 {
			t.Fatalf("purged content should shed its join rows, got %+v", joins)
		}
	}

	reports, _ := e.reports.ListByCase(e.ctx, c.ID)
	if len(reports) != 2 {
		t.Fatalf("want one report per user, got %d", len(reports))
	}
	for _, r := range reports {
		if r.NcmecReportID == 0 || r.FinishedOn == nil {
			t.Fatalf("report %d not fully filed: %+v", r.ID, r)
		}
	}
	if e.intake.submits != 2 || len(e.intake.uploads) != 2 || len(e.intake.finished) != 2 {
		t.Fatalf("wire conversation off: submits=%d uploads=%d finished=%d", e.intake.submits, len(e.intake.uploads), len(e.intake.finished))
	}

	got, _ := e.forum.GetPost(e.ctx, postA.ID)
	if got.DeletedAt == nil || got.DeleteReason != "evidence purge" {
		t.Fatalf("content should be tombstoned with the configured reason: %+v", got)
	}

	caseFile, _ := e.cases.Get(e.ctx, c.ID)
	if !caseFile.IsFinished {
		t.Fatal("case should be marked finished")
	}
	if cp, _ := e.state.Get(e.ctx, c.ID); cp != nil {
		t.Fatal("checkpoint should be cleared after completion")
	}
}

func TestReportIsSubmittedOnceAcrossResume(t *testing.T) {
	e := setupPipeline(t)
	e.seedSubject(t, 7, "alice")
	c := e.buildCase(t, []int64{7})

	if err := e.caseSvc.BeginFinalize(e.ctx, c.ID); err != nil {
		t.Fatalf("begin finalize: %v", err)
	}
	// first upload dies on the wire; the run suspends for retry
	e.intake.uploadErrs = []error{fmt.Errorf("%w: connection reset", ncmec.ErrUnavailable)}

	outcome, err := e.finalizer.Tick(e.ctx, c.ID, 0, time.Minute)
	if err == nil || outcome != OutcomeSuspended {
		t.Fatalf("transport failure at attempt 0 should suspend, got outcome=%v err=%v", outcome, err)
	}

	outcome, err = e.finalizer.Tick(e.ctx, c.ID, 0, time.Minute)
	if err != nil {
		t.Fatalf("resume tick: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatal("resume should run to completion")
	}
	if e.intake.submits != 1 {
		t.Fatalf("the open report must not be re-submitted on resume, got %d submits", e.intake.submits)
	}
	if len(e.intake.uploads) != 1 {
		t.Fatalf("want exactly one successful upload, got %d", len(e.intake.uploads))
	}
}

func TestPersistentFailureSkipsUserNotCase(t *testing.T) {
	e := setupPipeline(t)
	e.seedSubject(t, 7, "alice")
	e.seedSubject(t, 8, "bob")
	c := e.buildCase(t, []int64{7, 8})

	if err := e.caseSvc.BeginFinalize(e.ctx, c.ID); err != nil {
		t.Fatalf("begin finalize: %v", err)
	}
	// alice's submission is refused outright; refusals are not retried
	e.intake.submitErrs = []error{&ncmec.RemoteError{Code: 4100, Description: "bad document"}}

	outcome, err := e.finalizer.Tick(e.ctx, c.ID, 0, time.Minute)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatal("the case should complete despite one refused user")
	}

	aliceReport, _ := e.reports.GetByCaseUser(e.ctx, c.ID, 7)
	if aliceReport.NcmecReportID != 0 {
		t.Fatal("refused report must stay unfiled")
	}
	bobReport, _ := e.reports.GetByCaseUser(e.ctx, c.ID, 8)
	if bobReport.NcmecReportID == 0 || bobReport.FinishedOn == nil {
		t.Fatalf("bob's report should be filed normally: %+v", bobReport)
	}
}

func TestCollapsedCaseSharesOneReport(t *testing.T) {
	e := setupPipeline(t)
	e.seedSubject(t, 7, "alice")
	e.seedSubject(t, 8, "alice_alt")
	c := e.buildCase(t, []int64{7, 8})

	identity, err := e.caseSvc.CreatePerson(e.ctx, &store.Person{FirstName: "John", LastName: "Doe"})
	if err != nil {
		t.Fatalf("create person: %v", err)
	}
	c.ReportedPersonID = identity.ID
	if err := e.caseSvc.Update(e.ctx, c); err != nil {
		t.Fatalf("update case: %v", err)
	}

	if err := e.caseSvc.BeginFinalize(e.ctx, c.ID); err != nil {
		t.Fatalf("begin finalize: %v", err)
	}
	outcome, err := e.finalizer.Tick(e.ctx, c.ID, 0, time.Minute)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatal("pipeline should complete")
	}

	if e.intake.submits != 1 {
		t.Fatalf("collapsed case submits one document, got %d", e.intake.submits)
	}
	if len(e.intake.finished) != 1 {
		t.Fatalf("shared report finishes once, after the last user, got %d", len(e.intake.finished))
	}
	if len(e.intake.uploads) != 2 {
		t.Fatalf("both accounts' files go to the shared report, got %d uploads", len(e.intake.uploads))
	}
	reports, _ := e.reports.ListByCase(e.ctx, c.ID)
	if len(reports) != 1 || reports[0].UserID != 0 {
		t.Fatalf("want a single shared report row, got %+v", reports)
	}
}

func TestRetractReopensCase(t *testing.T) {
	e := setupPipeline(t)
	e.seedSubject(t, 7, "alice")
	c := e.buildCase(t, []int64{7})

	if err := e.caseSvc.BeginFinalize(e.ctx, c.ID); err != nil {
		t.Fatalf("begin finalize: %v", err)
	}
	if _, err := e.finalizer.Tick(e.ctx, c.ID, 0, time.Minute); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if err := e.caseSvc.Retract(e.ctx, c.ID); err != nil {
		t.Fatalf("retract: %v", err)
	}
	if len(e.intake.retracted) != 1 {
		t.Fatalf("remote report should be retracted, got %v", e.intake.retracted)
	}
	caseFile, _ := e.cases.Get(e.ctx, c.ID)
	if caseFile.IsFinalized || caseFile.IsFinished {
		t.Fatal("retracted case must reopen")
	}
	if reports, _ := e.reports.ListByCase(e.ctx, c.ID); len(reports) != 0 {
		t.Fatalf("report rows should be cleared, got %d", len(reports))
	}
}
