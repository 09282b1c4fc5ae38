package cases

import (
	"context"
	"fmt"
	"strings"

	"tipline/config"
	"tipline/core/content"
	"tipline/core/ncmec"
	"tipline/core/store"
	"tipline/core/utils"
)

// FinalizeJobName is the queue entry that drives a case through the
// finalization pipeline.
const FinalizeJobName = "case.finalize"

// Service manages case files: assembly, annotation, and the handoff into
// finalization. The pipeline itself lives in Finalizer; Service only sets it
// in motion and answers reads.
type Service struct {
	cases     store.CasesStore
	incidents store.IncidentsStore
	reports   store.ReportsStore
	state     store.FinalizeStateStore
	jobs      store.JobsStore
	transport ncmec.Transport
	cfg       config.AppConfig
	logger    *utils.Logger
}

func NewService(
	cases store.CasesStore,
	incidents store.IncidentsStore,
	reports store.ReportsStore,
	state store.FinalizeStateStore,
	jobs store.JobsStore,
	transport ncmec.Transport,
	cfg config.AppConfig,
	logger *utils.Logger,
) *Service {
	return &Service{
		cases:     cases,
		incidents: incidents,
		reports:   reports,
		state:     state,
		jobs:      jobs,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
	}
}

func (s *Service) Create(ctx context.Context, c *store.CaseFile) (*store.CaseFile, error) {
	if strings.TrimSpace(c.Title) == "" {
		return nil, fmt.Errorf("case title is required")
	}
	if c.IncidentType == "" {
		c.IncidentType = "Child Pornography (possession, manufacture, and distribution)"
	}
	if _, err := s.cases.Create(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Infof("case %d created by %s", c.ID, c.CreatorUsername)
	return c, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*store.CaseFile, error) {
	return s.cases.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]store.CaseFile, error) {
	return s.cases.List(ctx, limit, offset)
}

func (s *Service) Update(ctx context.Context, c *store.CaseFile) error {
	return s.cases.Update(ctx, c)
}

func (s *Service) AddAnnotation(ctx context.Context, caseID int64, a store.Annotation) error {
	return s.cases.AddAnnotation(ctx, caseID, a)
}

func (s *Service) CreatePerson(ctx context.Context, p *store.Person) (*store.Person, error) {
	if _, err := s.cases.CreatePerson(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) GetPerson(ctx context.Context, id int64) (*store.Person, error) {
	return s.cases.GetPerson(ctx, id)
}

// AttachIncidents binds incidents to the case. An incident already bound to
// another case or already finalized is refused.
func (s *Service) AttachIncidents(ctx context.Context, caseID int64, incidentIDs []int64) error {
	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("case %d not found", caseID)
	}
	if c.IsFinalized {
		return store.ErrFinalized
	}
	for _, incidentID := range incidentIDs {
		inc, err := s.incidents.Get(ctx, incidentID)
		if err != nil {
			return err
		}
		if inc == nil {
			return fmt.Errorf("incident %d not found", incidentID)
		}
		if inc.CaseID != 0 && inc.CaseID != caseID {
			return fmt.Errorf("incident %d already belongs to case %d", incidentID, inc.CaseID)
		}
		if err := s.incidents.SetCase(ctx, incidentID, caseID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Incidents(ctx context.Context, caseID int64) ([]store.Incident, error) {
	return s.incidents.ListByCase(ctx, caseID)
}

func (s *Service) Reports(ctx context.Context, caseID int64) ([]store.Report, error) {
	return s.reports.ListByCase(ctx, caseID)
}

func (s *Service) Checkpoint(ctx context.Context, caseID int64) (*store.FinalizeCheckpoint, error) {
	return s.state.Get(ctx, caseID)
}

// BeginFinalize freezes the case and its incidents, seeds the pipeline
// checkpoint with the ordered distinct user list, and queues the job that
// drives it. Calling it again while a run is queued or underway is a no-op.
func (s *Service) BeginFinalize(ctx context.Context, caseID int64) error {
	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("case %d not found", caseID)
	}
	userIDs, err := s.incidents.UserIDsForCase(ctx, caseID)
	if err != nil {
		return err
	}
	if len(userIDs) == 0 {
		return fmt.Errorf("case %d has no associated users", caseID)
	}

	if !c.IsFinalized {
		if err := s.cases.SetFinalized(ctx, caseID); err != nil {
			return err
		}
		if err := s.incidents.MarkCaseIncidentsFinalized(ctx, caseID); err != nil {
			return err
		}
	}

	cp, err := s.state.Get(ctx, caseID)
	if err != nil {
		return err
	}
	if cp == nil {
		cp = &store.FinalizeCheckpoint{
			CaseID:  caseID,
			UserIDs: userIDs,
			Phase:   string(PhaseInit),
		}
		if err := s.state.Save(ctx, cp); err != nil {
			return err
		}
	}

	queued, err := s.jobs.Enqueue(ctx, FinalizeJobName, finalizeJobKey(caseID), finalizeJobPayload(caseID), utils.NowUTC())
	if err != nil {
		return err
	}
	if queued {
		s.logger.Infof("case %d: finalization queued for %d users", caseID, len(cp.UserIDs))
	}
	return nil
}

// Retract withdraws every submitted report of a finished or stuck case and
// reopens it for amendment. The remote side is told first; local rows are
// cleared only for reports the service accepted the retraction of.
func (s *Service) Retract(ctx context.Context, caseID int64) error {
	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("case %d not found", caseID)
	}
	if !c.IsFinalized {
		return fmt.Errorf("case %d was never finalized", caseID)
	}

	reports, err := s.reports.ListByCase(ctx, caseID)
	if err != nil {
		return err
	}
	for _, r := range reports {
		if r.NcmecReportID == 0 {
			continue
		}
		if err := s.transport.Retract(ctx, r.NcmecReportID); err != nil {
			return fmt.Errorf("retract report %d: %w", r.NcmecReportID, err)
		}
		s.logger.Infof("case %d: retracted remote report %d", caseID, r.NcmecReportID)
	}

	if err := s.reports.ClearForRetract(ctx, caseID); err != nil {
		return err
	}
	if err := s.state.Delete(ctx, caseID); err != nil {
		return err
	}
	if err := s.incidents.ClearCaseIncidentsFinalized(ctx, caseID); err != nil {
		return err
	}
	// reopened incidents count as open again, so the markers come back
	userIDs, err := s.incidents.UserIDsForCase(ctx, caseID)
	if err != nil {
		return err
	}
	for _, userID := range userIDs {
		if _, err := s.incidents.RecomputeUserFlag(ctx, userID); err != nil {
			s.logger.Errorf("retract case %d: recompute flag for user %d: %v", caseID, userID, err)
		}
	}
	return s.cases.ClearFinalized(ctx, caseID)
}

func finalizeJobKey(caseID int64) string {
	return fmt.Sprintf("%s:%d", FinalizeJobName, caseID)
}

func finalizeJobPayload(caseID int64) string {
	return fmt.Sprintf(`{"case_id":%d}`, caseID)
}

// itemsForSubject resolves the stored content references of one user in the
// case into citable items. Unresolvable references are logged and skipped so
// a purged item never blocks the report.
func itemsForSubject(ctx context.Context, registry *content.Registry, refs []store.IncidentContent, logger *utils.Logger) []content.Item {
	var items []content.Item
	for _, ref := range refs {
		resolver, ok := registry.Resolve(content.Kind(ref.ContentKind))
		if !ok {
			logger.Warnf("unknown content kind %q on incident %d", ref.ContentKind, ref.IncidentID)
			continue
		}
		item, err := resolver.Get(ctx, ref.ContentID)
		if err != nil {
			logger.Errorf("resolve %s %d: %v", ref.ContentKind, ref.ContentID, err)
			continue
		}
		if item == nil {
			continue
		}
		items = append(items, *item)
	}
	return items
}
