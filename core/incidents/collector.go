package incidents

import (
	"context"
	"errors"
	"time"

	"tipline/core/content"
	"tipline/core/store"
)

// CollectResult summarizes one bulk collection pass.
type CollectResult struct {
	Users       int `json:"users"`
	Items       int `json:"items"`
	Attachments int `json:"attachments"`
}

// Collect sweeps the recent activity of the incident's users into the
// incident: every content kind whose resolver supports per-user listing is
// queried inside the configured window, and each hit is attached along with
// its upload blobs. Kinds that error are skipped so one broken source does
// not starve the rest. A zero window collects the full history.
func (s *Service) Collect(ctx context.Context, incidentID int64) (*CollectResult, error) {
	inc, err := s.incidents.Get(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, nil
	}
	if inc.IsFinalized {
		return nil, store.ErrFinalized
	}

	var since time.Time
	if window := s.cfg.CollectWindow(); window > 0 {
		since = time.Now().UTC().Add(-window)
	}

	users, err := s.incidents.ListUsers(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	before, err := s.incidents.ListAttachments(ctx, incidentID)
	if err != nil {
		return nil, err
	}

	res := &CollectResult{Users: len(users)}
	for _, user := range users {
		for _, kind := range s.registry.Kinds() {
			resolver, _ := s.registry.Resolve(kind)
			lister, ok := resolver.(content.UserContentLister)
			if !ok {
				continue
			}
			items, err := lister.ListByUserSince(ctx, user.UserID, since)
			if err != nil {
				s.logger.Errorf("collect incident %d: list %s for user %d: %v", incidentID, kind, user.UserID, err)
				continue
			}
			for i := range items {
				item := &items[i]
				if err := s.attachItem(ctx, incidentID, resolver, item); err != nil {
					if errors.Is(err, store.ErrFinalized) {
						return res, err
					}
					s.logger.Errorf("collect incident %d: attach %s-%d: %v", incidentID, item.Kind, item.ID, err)
					continue
				}
				res.Items++
			}
		}
		// standalone upload blobs in the window, whatever they hang off
		blobs, err := s.forum.ListAttachmentDataByUserSince(ctx, user.UserID, since)
		if err != nil {
			s.logger.Errorf("collect incident %d: list uploads for user %d: %v", incidentID, user.UserID, err)
			continue
		}
		for i := range blobs {
			blob := &blobs[i]
			if _, err := s.incidents.AddAttachment(ctx, incidentID, blob.ID, blob.UserID, user.Username); err != nil {
				if errors.Is(err, store.ErrFinalized) {
					return res, err
				}
				s.logger.Errorf("collect incident %d: attach upload %d: %v", incidentID, blob.ID, err)
			}
		}
	}
	if after, err := s.incidents.ListAttachments(ctx, incidentID); err == nil {
		res.Attachments = len(after) - len(before)
	}
	s.logger.Infof("collect incident %d: %d users, %d items, %d attachments", incidentID, res.Users, res.Items, res.Attachments)
	return res, nil
}
