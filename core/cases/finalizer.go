package cases

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"tipline/config"
	"tipline/core/content"
	"tipline/core/ncmec"
	"tipline/core/store"
	"tipline/core/utils"
)

// Phase is one stop in the per-user finalization pipeline. Each user walks
// init, ban, report, files, content, finish in order; the checkpoint records
// where the walk stands.
type Phase string

const (
	PhaseInit    Phase = "init"
	PhaseBan     Phase = "ban"
	PhaseReport  Phase = "report"
	PhaseFiles   Phase = "files"
	PhaseContent Phase = "content"
	PhaseFinish  Phase = "finish"
)

type Outcome int

const (
	// OutcomeSuspended means the run stopped with work left: budget spent or
	// a retryable failure. The job re-queues and the checkpoint resumes it.
	OutcomeSuspended Outcome = iota
	// OutcomeCompleted means every user was processed and the case is
	// finished.
	OutcomeCompleted
)

// Finalizer drives a frozen case through banning, reporting, evidence upload
// and content purge, one persisted step at a time. Every transition writes
// the checkpoint first, so a crash at any point resumes without repeating
// completed remote calls.
type Finalizer struct {
	cases     store.CasesStore
	incidents store.IncidentsStore
	reports   store.ReportsStore
	state     store.FinalizeStateStore
	users     store.UsersStore
	forum     store.ForumStore
	registry  *content.Registry
	builder   *ncmec.Builder
	validator *ncmec.Validator
	transport ncmec.Transport
	cfg       config.AppConfig
	logger    *utils.Logger
}

func NewFinalizer(
	cases store.CasesStore,
	incidents store.IncidentsStore,
	reports store.ReportsStore,
	state store.FinalizeStateStore,
	users store.UsersStore,
	forum store.ForumStore,
	registry *content.Registry,
	validator *ncmec.Validator,
	transport ncmec.Transport,
	cfg config.AppConfig,
	logger *utils.Logger,
) *Finalizer {
	return &Finalizer{
		cases:     cases,
		incidents: incidents,
		reports:   reports,
		state:     state,
		users:     users,
		forum:     forum,
		registry:  registry,
		builder:   &ncmec.Builder{PlatformName: cfg.Incidents.PlatformName, ContactEmail: cfg.Ncmec.ContactEmail},
		validator: validator,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
	}
}

// Tick advances the pipeline until the budget runs out or the case is done.
// attempts is how often this run has already been retried; a transport-class
// failure suspends the run once, after which the offending user is skipped
// so one dead upload cannot wedge the whole case.
func (f *Finalizer) Tick(ctx context.Context, caseID int64, attempts int, budget time.Duration) (Outcome, error) {
	cp, err := f.state.Get(ctx, caseID)
	if err != nil {
		return OutcomeSuspended, err
	}
	if cp == nil {
		return OutcomeSuspended, fmt.Errorf("case %d has no finalization checkpoint", caseID)
	}
	c, err := f.cases.Get(ctx, caseID)
	if err != nil {
		return OutcomeSuspended, err
	}
	if c == nil {
		return OutcomeSuspended, fmt.Errorf("case %d not found", caseID)
	}

	deadline := time.Now().Add(budget)
	for {
		if cp.CurrentIndex >= len(cp.UserIDs) {
			return OutcomeCompleted, f.completeCase(ctx, cp)
		}
		if budget > 0 && time.Now().After(deadline) {
			return OutcomeSuspended, nil
		}
		if err := ctx.Err(); err != nil {
			return OutcomeSuspended, err
		}

		userID := cp.UserIDs[cp.CurrentIndex]
		if err := f.step(ctx, c, cp); err != nil {
			f.logger.Errorf("case %d user %d phase %s: %v", caseID, userID, cp.Phase, err)
			if ncmec.Retryable(err) && attempts == 0 {
				return OutcomeSuspended, err
			}
			// skip this user, move on
			f.logger.Warnf("case %d: skipping user %d after failure in phase %s", caseID, userID, cp.Phase)
			cp.CurrentIndex++
			cp.Phase = string(PhaseInit)
		}
		if err := f.state.Save(ctx, cp); err != nil {
			return OutcomeSuspended, err
		}
	}
}

// step executes the current phase for the current user and advances the
// checkpoint in memory. The caller persists it.
func (f *Finalizer) step(ctx context.Context, c *store.CaseFile, cp *store.FinalizeCheckpoint) error {
	userID := cp.UserIDs[cp.CurrentIndex]
	switch Phase(cp.Phase) {
	case PhaseInit, "":
		if _, _, err := f.reports.GetOrCreate(ctx, c.ID, f.reportUserKey(c, userID)); err != nil {
			return err
		}
		cp.Phase = string(PhaseBan)
	case PhaseBan:
		if err := f.banUser(ctx, userID); err != nil {
			return err
		}
		cp.Phase = string(PhaseReport)
	case PhaseReport:
		if err := f.submitReport(ctx, c, cp, userID); err != nil {
			return err
		}
		cp.Phase = string(PhaseFiles)
	case PhaseFiles:
		more, err := f.uploadNextFile(ctx, c, userID)
		if err != nil {
			return err
		}
		if !more {
			cp.Phase = string(PhaseContent)
		}
	case PhaseContent:
		if err := f.purgeContent(ctx, c, userID); err != nil {
			return err
		}
		cp.Phase = string(PhaseFinish)
	case PhaseFinish:
		if err := f.finishReport(ctx, c, cp, userID); err != nil {
			return err
		}
		cp.CurrentIndex++
		cp.Phase = string(PhaseInit)
	default:
		return fmt.Errorf("unknown phase %q", cp.Phase)
	}
	return nil
}

// reportUserKey picks which report row a user writes to. A case with a known
// reported person collapses every account into one shared submission.
func (f *Finalizer) reportUserKey(c *store.CaseFile, userID int64) int64 {
	if c.ReportedPersonID != 0 {
		return 0
	}
	return userID
}

func (f *Finalizer) banUser(ctx context.Context, userID int64) error {
	u, err := f.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("user %d not found", userID)
	}
	if u.IsBanned {
		return nil
	}
	if err := f.users.Ban(ctx, userID, true); err != nil {
		return err
	}
	f.logger.Infof("user %d banned", userID)
	return nil
}

// submitReport opens the remote report if this row does not have one yet,
// then stages the user's evidence files. Both halves are idempotent, so a
// resumed run lands here safely: an already-open report is never re-sent.
func (f *Finalizer) submitReport(ctx context.Context, c *store.CaseFile, cp *store.FinalizeCheckpoint, userID int64) error {
	rep, _, err := f.reports.GetOrCreate(ctx, c.ID, f.reportUserKey(c, userID))
	if err != nil {
		return err
	}
	if rep.NcmecReportID == 0 {
		doc, err := f.buildDocument(ctx, c, cp, userID)
		if err != nil {
			return err
		}
		raw, err := ncmec.Marshal(doc)
		if err != nil {
			return err
		}
		if err := f.validator.Validate(ctx, raw); err != nil {
			return fmt.Errorf("document rejected locally: %w", err)
		}
		resp, err := f.transport.Submit(ctx, raw)
		if err != nil {
			return err
		}
		if err := f.reports.SetRemoteID(ctx, rep.ID, resp.ReportID); err != nil {
			return err
		}
		rep.NcmecReportID = resp.ReportID
		f.logger.Infof("case %d: report %d opened remotely as %d", c.ID, rep.ID, resp.ReportID)
	}
	return f.stageFiles(ctx, c, rep, userID)
}

// buildDocument assembles the submission. On a collapsed case the first
// user's submission carries every account; later users reuse the open
// report and never get here.
func (f *Finalizer) buildDocument(ctx context.Context, c *store.CaseFile, cp *store.FinalizeCheckpoint, userID int64) (*ncmec.Report, error) {
	in := ncmec.CaseInput{Case: c}
	var err error
	if in.Reporter, err = f.cases.GetPerson(ctx, c.ReporterPersonID); err != nil {
		return nil, err
	}
	if in.Contact, err = f.cases.GetPerson(ctx, f.cfg.Ncmec.ContactPersonID); err != nil {
		return nil, err
	}
	if c.ReportedPersonID != 0 {
		if in.Reported, err = f.cases.GetPerson(ctx, c.ReportedPersonID); err != nil {
			return nil, err
		}
	}

	subjectIDs := []int64{userID}
	if c.ReportedPersonID != 0 {
		subjectIDs = cp.UserIDs
	}
	var subjects []ncmec.Subject
	for _, id := range subjectIDs {
		sub, err := f.buildSubject(ctx, c, id)
		if err != nil {
			return nil, err
		}
		subjects = append(subjects, *sub)
	}
	return f.builder.BuildReport(in, subjects), nil
}

func (f *Finalizer) buildSubject(ctx context.Context, c *store.CaseFile, userID int64) (*ncmec.Subject, error) {
	u, err := f.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	sub := &ncmec.Subject{User: u}
	if sub.IPEvents, err = f.users.ListIPEvents(ctx, userID); err != nil {
		return nil, err
	}
	if sub.Accounts, err = f.users.ListConnectedAccounts(ctx, userID); err != nil {
		return nil, err
	}
	refs, err := f.incidents.ListUserContentInCase(ctx, c.ID, userID)
	if err != nil {
		return nil, err
	}
	sub.Items = itemsForSubject(ctx, f.registry, refs, f.logger)
	return sub, nil
}

// stageFiles makes sure every case attachment of the user has a report_files
// row and an evidence copy on disk. AddFile is keyed on the original name,
// so restaging after a crash is a no-op.
func (f *Finalizer) stageFiles(ctx context.Context, c *store.CaseFile, rep *store.Report, userID int64) error {
	attachments, err := f.incidents.ListUserAttachmentsInCase(ctx, c.ID, userID)
	if err != nil {
		return err
	}
	for _, att := range attachments {
		blob, err := f.forum.GetAttachmentData(ctx, att.DataID)
		if err != nil {
			return err
		}
		if blob == nil {
			f.logger.Warnf("case %d: attachment %d has no stored blob, skipping", c.ID, att.DataID)
			continue
		}
		rf := &store.ReportFile{
			ReportID:         rep.ID,
			DataID:           blob.ID,
			OriginalFilename: blob.Filename,
			IP:               blob.IP,
			StoragePath:      f.copyEvidence(c.ID, blob),
		}
		if _, _, err := f.reports.AddFile(ctx, rf); err != nil {
			return err
		}
	}
	return nil
}

// copyEvidence duplicates the blob into the case's evidence directory so the
// upload survives the later content purge. Falls back to the original path
// when the copy fails.
func (f *Finalizer) copyEvidence(caseID int64, blob *store.AttachmentData) string {
	dir := filepath.Join(f.cfg.Incidents.AttachmentDir, fmt.Sprintf("case_%d", caseID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		f.logger.Warnf("case %d: evidence dir: %v", caseID, err)
		return blob.FilePath
	}
	dst := filepath.Join(dir, fmt.Sprintf("%d_%s", blob.ID, blob.Filename))
	if _, err := os.Stat(dst); err == nil {
		return dst
	}
	src, err := os.Open(blob.FilePath)
	if err != nil {
		f.logger.Warnf("case %d: open blob %d: %v", caseID, blob.ID, err)
		return blob.FilePath
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		f.logger.Warnf("case %d: create evidence copy: %v", caseID, err)
		return blob.FilePath
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		f.logger.Warnf("case %d: copy blob %d: %v", caseID, blob.ID, err)
		return blob.FilePath
	}
	return dst
}

// uploadNextFile sends exactly one pending file and reports whether more
// remain. One file per step keeps each persisted transition small, so an
// interrupted run re-does at most a single upload.
func (f *Finalizer) uploadNextFile(ctx context.Context, c *store.CaseFile, userID int64) (bool, error) {
	rep, err := f.reports.GetByCaseUser(ctx, c.ID, f.reportUserKey(c, userID))
	if err != nil {
		return false, err
	}
	if rep == nil || rep.NcmecReportID == 0 {
		return false, fmt.Errorf("report for case %d user %d is not open", c.ID, userID)
	}
	files, err := f.reports.ListFiles(ctx, rep.ID)
	if err != nil {
		return false, err
	}

	var pending *store.ReportFile
	remaining := 0
	for i := range files {
		if files[i].NcmecFileID == "" {
			remaining++
			if pending == nil {
				pending = &files[i]
			}
		}
	}
	if pending == nil {
		return false, nil
	}

	src, err := os.Open(pending.StoragePath)
	if err != nil {
		// evidence is gone; mark the row so the run does not spin on it
		f.logger.Errorf("case %d: evidence for file %d unreadable: %v", c.ID, pending.ID, err)
		if err := f.reports.SetFileRemoteID(ctx, pending.ID, "unavailable"); err != nil {
			return false, err
		}
		f.dropAttachmentJoins(ctx, c.ID, pending.DataID)
		return remaining > 1, nil
	}
	defer src.Close()

	resp, err := f.transport.Upload(ctx, rep.NcmecReportID, pending.OriginalFilename, src)
	if err != nil {
		return true, err
	}
	if err := f.reports.SetFileRemoteID(ctx, pending.ID, resp.FileID); err != nil {
		return true, err
	}

	blob, err := f.forum.GetAttachmentData(ctx, pending.DataID)
	if err != nil {
		return true, err
	}
	details, err := ncmec.Marshal(f.builder.BuildFileDetails(rep.NcmecReportID, resp.FileID, pending, blob))
	if err != nil {
		return true, err
	}
	if err := f.transport.FileInfo(ctx, details); err != nil {
		return true, err
	}
	f.dropAttachmentJoins(ctx, c.ID, pending.DataID)
	f.logger.Infof("case %d: uploaded %s as %s", c.ID, pending.OriginalFilename, resp.FileID)
	return remaining > 1, nil
}

// dropAttachmentJoins removes the blob's join rows across the case's
// incidents once its upload is settled; the report file row is the record
// from here on. Counts recompute as the rows go.
func (f *Finalizer) dropAttachmentJoins(ctx context.Context, caseID, dataID int64) {
	incs, err := f.incidents.ListByCase(ctx, caseID)
	if err != nil {
		f.logger.Errorf("case %d: list incidents: %v", caseID, err)
		return
	}
	for _, inc := range incs {
		if err := f.incidents.RemoveAttachment(ctx, inc.ID, dataID); err != nil {
			f.logger.Errorf("case %d: drop attachment %d join on incident %d: %v", caseID, dataID, inc.ID, err)
		}
	}
}

// purgeContent tombstones the user's reported content and removes their
// evidence blobs from live storage. The report keeps its own copies. Purge
// failures are logged but never stall the pipeline: the report is already
// filed at this point.
func (f *Finalizer) purgeContent(ctx context.Context, c *store.CaseFile, userID int64) error {
	reason := f.cfg.Incidents.DeleteReason
	refs, err := f.incidents.ListUserContentInCase(ctx, c.ID, userID)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		// the join row goes first so nothing keeps pointing at a tombstone
		key := store.ContentKey{Kind: ref.ContentKind, ID: ref.ContentID}
		if err := f.incidents.RemoveContentBatch(ctx, ref.IncidentID, []store.ContentKey{key}); err != nil {
			f.logger.Errorf("case %d: drop content join %s: %v", c.ID, key, err)
		}
		resolver, ok := f.registry.Resolve(content.Kind(ref.ContentKind))
		if !ok {
			continue
		}
		if err := resolver.SoftDelete(ctx, ref.ContentID, reason); err != nil {
			f.logger.Errorf("case %d: tombstone %s %d: %v", c.ID, ref.ContentKind, ref.ContentID, err)
		}
	}

	// the upload phase already dropped this case's attachment joins; what
	// the report staged for this user is the remaining record of its blobs
	rep, err := f.reports.GetByCaseUser(ctx, c.ID, f.reportUserKey(c, userID))
	if err != nil {
		return err
	}
	if rep == nil {
		return nil
	}
	files, err := f.reports.ListFiles(ctx, rep.ID)
	if err != nil {
		return err
	}
	for i := range files {
		blob, err := f.forum.GetAttachmentData(ctx, files[i].DataID)
		if err != nil || blob == nil || blob.UserID != userID {
			continue
		}
		// blobs still held by incidents outside this case stay put
		if blob.IncidentCount > 0 {
			continue
		}
		if blob.FilePath != "" {
			if err := os.Remove(blob.FilePath); err != nil && !os.IsNotExist(err) {
				f.logger.Warnf("case %d: remove blob file %s: %v", c.ID, blob.FilePath, err)
			}
		}
		if err := f.forum.DeleteAttachmentData(ctx, blob.ID); err != nil {
			f.logger.Errorf("case %d: delete blob row %d: %v", c.ID, blob.ID, err)
		}
	}
	return nil
}

// finishReport closes the remote submission. On a collapsed case the shared
// report stays open until the last user's files are in.
func (f *Finalizer) finishReport(ctx context.Context, c *store.CaseFile, cp *store.FinalizeCheckpoint, userID int64) error {
	if c.ReportedPersonID != 0 && cp.CurrentIndex < len(cp.UserIDs)-1 {
		return nil
	}
	rep, err := f.reports.GetByCaseUser(ctx, c.ID, f.reportUserKey(c, userID))
	if err != nil {
		return err
	}
	if rep == nil || rep.NcmecReportID == 0 {
		return nil
	}
	if rep.FinishedOn != nil {
		return nil
	}
	if err := f.transport.Finish(ctx, rep.NcmecReportID); err != nil {
		return err
	}
	if err := f.reports.MarkFinished(ctx, rep.ID); err != nil {
		return err
	}
	f.logger.Infof("case %d: remote report %d finished", c.ID, rep.NcmecReportID)
	return nil
}

func (f *Finalizer) completeCase(ctx context.Context, cp *store.FinalizeCheckpoint) error {
	if err := f.cases.SetFinished(ctx, cp.CaseID); err != nil {
		return err
	}
	// the case's incidents are all finalized now, so the open-incident
	// marker comes off unless another open incident still holds the user
	for _, userID := range cp.UserIDs {
		if _, err := f.incidents.RecomputeUserFlag(ctx, userID); err != nil {
			f.logger.Errorf("case %d: recompute flag for user %d: %v", cp.CaseID, userID, err)
		}
	}
	if err := f.state.Delete(ctx, cp.CaseID); err != nil {
		return err
	}
	f.logger.Infof("case %d finalization complete", cp.CaseID)
	return nil
}
