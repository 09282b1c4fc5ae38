package incidents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tipline/config"
	"tipline/core/content"
	"tipline/core/store"
	"tipline/core/utils"
)

// Service is the association engine: it keeps the incident membership
// tables consistent with the denormalized flags and counters that hang off
// them. Batch operations are best-effort per item; an item that cannot be
// resolved is logged and skipped, not a reason to abort the batch.
type Service struct {
	incidents store.IncidentsStore
	users     store.UsersStore
	forum     store.ForumStore
	registry  *content.Registry
	cfg       config.IncidentsConfig
	logger    *utils.Logger
}

func NewService(incidents store.IncidentsStore, users store.UsersStore, forum store.ForumStore, registry *content.Registry, cfg config.IncidentsConfig, logger *utils.Logger) *Service {
	return &Service{
		incidents: incidents,
		users:     users,
		forum:     forum,
		registry:  registry,
		cfg:       cfg,
		logger:    logger,
	}
}

func (s *Service) Create(ctx context.Context, title string, creatorID int64, creatorName string) (*store.Incident, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("incident title is required")
	}
	inc := &store.Incident{
		Title:           title,
		CreatorUserID:   creatorID,
		CreatorUsername: creatorName,
	}
	if _, err := s.incidents.Create(ctx, inc); err != nil {
		return nil, err
	}
	s.logger.Infof("incident %d created by %s", inc.ID, creatorName)
	return inc, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*store.Incident, error) {
	return s.incidents.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter store.IncidentFilter) ([]store.Incident, error) {
	return s.incidents.List(ctx, filter)
}

// AssociateUsers adds the listed users to the incident and refreshes each
// one's incident marker. Returns the user ids that were actually new to the
// incident.
func (s *Service) AssociateUsers(ctx context.Context, incidentID int64, userIDs []int64) ([]int64, error) {
	var added []int64
	for _, userID := range userIDs {
		u, err := s.users.Get(ctx, userID)
		if err != nil {
			s.logger.Errorf("incident %d: lookup user %d: %v", incidentID, userID, err)
			continue
		}
		username := ""
		if u != nil {
			username = u.Username
		}
		inserted, err := s.incidents.AddUser(ctx, incidentID, userID, username)
		if err != nil {
			if errors.Is(err, store.ErrFinalized) {
				return added, err
			}
			s.logger.Errorf("incident %d: add user %d: %v", incidentID, userID, err)
			continue
		}
		if inserted {
			added = append(added, userID)
		}
		if _, err := s.incidents.RecomputeUserFlag(ctx, userID); err != nil {
			s.logger.Errorf("incident %d: recompute flag for user %d: %v", incidentID, userID, err)
		}
	}
	return added, nil
}

// AssociateContent attaches the listed content items. Each item's author is
// pulled into the incident as well, along with the item's stored attachment
// blobs. Unknown kinds and missing items are skipped.
func (s *Service) AssociateContent(ctx context.Context, incidentID int64, keys []store.ContentKey) error {
	for _, key := range keys {
		resolver, ok := s.registry.Resolve(content.Kind(key.Kind))
		if !ok {
			s.logger.Warnf("incident %d: unknown content kind %q, skipping %s", incidentID, key.Kind, key)
			continue
		}
		item, err := resolver.Get(ctx, key.ID)
		if err != nil {
			s.logger.Errorf("incident %d: resolve %s: %v", incidentID, key, err)
			continue
		}
		if item == nil {
			s.logger.Warnf("incident %d: content %s not found, skipping", incidentID, key)
			continue
		}
		if err := s.attachItem(ctx, incidentID, resolver, item); err != nil {
			if errors.Is(err, store.ErrFinalized) {
				return err
			}
			s.logger.Errorf("incident %d: attach %s: %v", incidentID, key, err)
		}
	}
	return nil
}

func (s *Service) attachItem(ctx context.Context, incidentID int64, resolver content.Resolver, item *content.Item) error {
	if item.UserID > 0 {
		if _, err := s.incidents.AddUser(ctx, incidentID, item.UserID, item.Username); err != nil {
			return err
		}
		if _, err := s.incidents.RecomputeUserFlag(ctx, item.UserID); err != nil {
			s.logger.Errorf("incident %d: recompute flag for user %d: %v", incidentID, item.UserID, err)
		}
	}
	key := store.ContentKey{Kind: string(item.Kind), ID: item.ID}
	if _, err := s.incidents.AddContent(ctx, incidentID, key, item.UserID, item.Username); err != nil {
		return err
	}
	blobs, err := resolver.Attachments(ctx, item.ID)
	if err != nil {
		s.logger.Errorf("incident %d: list attachments of %s: %v", incidentID, key, err)
		return nil
	}
	for _, blob := range blobs {
		if _, err := s.incidents.AddAttachment(ctx, incidentID, blob.ID, item.UserID, item.Username); err != nil {
			s.logger.Errorf("incident %d: add attachment %d: %v", incidentID, blob.ID, err)
		}
	}
	return nil
}

// AssociateAttachments attaches standalone upload blobs by id.
func (s *Service) AssociateAttachments(ctx context.Context, incidentID int64, dataIDs []int64) error {
	for _, dataID := range dataIDs {
		blob, err := s.forum.GetAttachmentData(ctx, dataID)
		if err != nil {
			s.logger.Errorf("incident %d: lookup attachment %d: %v", incidentID, dataID, err)
			continue
		}
		if blob == nil {
			s.logger.Warnf("incident %d: attachment %d not found, skipping", incidentID, dataID)
			continue
		}
		username := ""
		if u, err := s.users.Get(ctx, blob.UserID); err == nil && u != nil {
			username = u.Username
		}
		if _, err := s.incidents.AddAttachment(ctx, incidentID, dataID, blob.UserID, username); err != nil {
			if errors.Is(err, store.ErrFinalized) {
				return err
			}
			s.logger.Errorf("incident %d: add attachment %d: %v", incidentID, dataID, err)
		}
	}
	return nil
}

// DisassociateUsers removes users from the incident together with their
// content and attachment rows in that incident, then re-derives the touched
// flags and counters. Other incidents holding the same users or blobs are
// untouched.
func (s *Service) DisassociateUsers(ctx context.Context, incidentID int64, userIDs []int64) error {
	if _, err := s.incidents.RemoveUsers(ctx, incidentID, userIDs); err != nil {
		return err
	}
	for _, userID := range userIDs {
		if _, err := s.incidents.RecomputeUserFlag(ctx, userID); err != nil {
			s.logger.Errorf("incident %d: recompute flag for user %d: %v", incidentID, userID, err)
		}
	}
	return nil
}

// DisassociateContent removes content from the incident and drops the
// attachment blobs that only the removed items were carrying. Blobs still
// reachable through the incident's remaining content stay attached.
func (s *Service) DisassociateContent(ctx context.Context, incidentID int64, keys []store.ContentKey) error {
	candidates := make(map[int64]bool)
	for _, key := range keys {
		for _, blob := range s.contentBlobs(ctx, key.Kind, key.ID) {
			candidates[blob] = true
		}
	}

	if err := s.incidents.RemoveContentBatch(ctx, incidentID, keys); err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	remaining, err := s.incidents.ListContents(ctx, incidentID)
	if err != nil {
		return err
	}
	for _, ref := range remaining {
		for _, blob := range s.contentBlobs(ctx, ref.ContentKind, ref.ContentID) {
			delete(candidates, blob)
		}
	}
	for dataID := range candidates {
		if err := s.incidents.RemoveAttachment(ctx, incidentID, dataID); err != nil {
			s.logger.Errorf("incident %d: remove orphaned attachment %d: %v", incidentID, dataID, err)
		}
	}
	return nil
}

// contentBlobs lists the blob ids one content item carries. Lookup failures
// are logged and treated as "no blobs" so a missing item cannot block the
// removal itself.
func (s *Service) contentBlobs(ctx context.Context, kind string, contentID int64) []int64 {
	resolver, ok := s.registry.Resolve(content.Kind(kind))
	if !ok {
		return nil
	}
	blobs, err := resolver.Attachments(ctx, contentID)
	if err != nil {
		s.logger.Errorf("list attachments of %s %d: %v", kind, contentID, err)
		return nil
	}
	ids := make([]int64, 0, len(blobs))
	for i := range blobs {
		ids = append(ids, blobs[i].ID)
	}
	return ids
}

func (s *Service) DisassociateAttachment(ctx context.Context, incidentID, dataID int64) error {
	return s.incidents.RemoveAttachment(ctx, incidentID, dataID)
}

// Delete removes the incident and repairs every flag and counter its join
// rows were contributing to.
func (s *Service) Delete(ctx context.Context, incidentID int64) error {
	users, err := s.incidents.ListUsers(ctx, incidentID)
	if err != nil {
		return err
	}
	attachments, err := s.incidents.ListAttachments(ctx, incidentID)
	if err != nil {
		return err
	}
	if err := s.incidents.Delete(ctx, incidentID); err != nil {
		return err
	}
	for _, u := range users {
		if _, err := s.incidents.RecomputeUserFlag(ctx, u.UserID); err != nil {
			s.logger.Errorf("delete incident %d: recompute flag for user %d: %v", incidentID, u.UserID, err)
		}
	}
	for _, a := range attachments {
		if _, err := s.incidents.RecomputeAttachmentCount(ctx, a.DataID); err != nil {
			s.logger.Errorf("delete incident %d: recompute count for attachment %d: %v", incidentID, a.DataID, err)
		}
	}
	s.logger.Infof("incident %d deleted", incidentID)
	return nil
}

func (s *Service) SetCase(ctx context.Context, incidentID, caseID int64) error {
	return s.incidents.SetCase(ctx, incidentID, caseID)
}

func (s *Service) Users(ctx context.Context, incidentID int64) ([]store.IncidentUser, error) {
	return s.incidents.ListUsers(ctx, incidentID)
}

func (s *Service) Contents(ctx context.Context, incidentID int64) ([]store.IncidentContent, error) {
	return s.incidents.ListContents(ctx, incidentID)
}

func (s *Service) Attachments(ctx context.Context, incidentID int64) ([]store.IncidentAttachment, error) {
	return s.incidents.ListAttachments(ctx, incidentID)
}
