package content

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tipline/core/store"
)

// pageURL renders the public address of one content page. An empty base
// means the forum address is not configured and the item carries no URL.
func pageURL(base, format string, id int64) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + fmt.Sprintf(format, id)
}

type postResolver struct {
	forum store.ForumStore
	base  string
}

func (r *postResolver) Kind() Kind { return KindPost }

func (r *postResolver) Get(ctx context.Context, id int64) (*Item, error) {
	p, err := r.forum.GetPost(ctx, id)
	if err != nil || p == nil {
		return nil, err
	}
	return r.item(p), nil
}

func (r *postResolver) SoftDelete(ctx context.Context, id int64, reason string) error {
	return r.forum.SoftDeletePost(ctx, id, reason)
}

func (r *postResolver) Attachments(ctx context.Context, id int64) ([]store.AttachmentData, error) {
	return r.forum.ListAttachmentDataByContent(ctx, string(KindPost), id)
}

func (r *postResolver) ListByUserSince(ctx context.Context, userID int64, since time.Time) ([]Item, error) {
	posts, err := r.forum.ListPostsByUserSince(ctx, userID, since)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(posts))
	for i := range posts {
		items = append(items, *r.item(&posts[i]))
	}
	return items, nil
}

func (r *postResolver) item(p *store.Post) *Item {
	return &Item{
		Kind:      KindPost,
		ID:        p.ID,
		UserID:    p.UserID,
		Username:  p.Username,
		Body:      p.Body,
		IP:        p.IP,
		URL:       pageURL(r.base, "/posts/%d", p.ID),
		CreatedAt: p.CreatedAt,
	}
}

// threadResolver reports a thread through its first post: the thread row
// itself carries no body, so the opening post is what actually gets cited.
type threadResolver struct {
	forum store.ForumStore
	base  string
}

func (r *threadResolver) Kind() Kind { return KindThread }

func (r *threadResolver) Get(ctx context.Context, id int64) (*Item, error) {
	t, err := r.forum.GetThread(ctx, id)
	if err != nil || t == nil {
		return nil, err
	}
	item := &Item{
		Kind:      KindThread,
		ID:        t.ID,
		UserID:    t.UserID,
		Username:  t.Username,
		Title:     t.Title,
		URL:       pageURL(r.base, "/threads/%d", t.ID),
		CreatedAt: t.CreatedAt,
	}
	if t.FirstPostID > 0 {
		first, err := r.forum.GetPost(ctx, t.FirstPostID)
		if err != nil {
			return nil, err
		}
		if first != nil {
			item.Body = first.Body
			item.IP = first.IP
		}
	}
	return item, nil
}

func (r *threadResolver) SoftDelete(ctx context.Context, id int64, reason string) error {
	return r.forum.SoftDeleteThread(ctx, id, reason)
}

func (r *threadResolver) Attachments(ctx context.Context, id int64) ([]store.AttachmentData, error) {
	t, err := r.forum.GetThread(ctx, id)
	if err != nil || t == nil {
		return nil, err
	}
	if t.FirstPostID == 0 {
		return nil, nil
	}
	return r.forum.ListAttachmentDataByContent(ctx, string(KindPost), t.FirstPostID)
}

func (r *threadResolver) ListByUserSince(ctx context.Context, userID int64, since time.Time) ([]Item, error) {
	threads, err := r.forum.ListThreadsByUserSince(ctx, userID, since)
	if err != nil {
		return nil, err
	}
	var items []Item
	for i := range threads {
		item, err := r.Get(ctx, threads[i].ID)
		if err != nil {
			return nil, err
		}
		if item != nil {
			items = append(items, *item)
		}
	}
	return items, nil
}

type profilePostResolver struct {
	forum store.ForumStore
	base  string
}

func (r *profilePostResolver) Kind() Kind { return KindProfilePost }

func (r *profilePostResolver) Get(ctx context.Context, id int64) (*Item, error) {
	p, err := r.forum.GetProfilePost(ctx, id)
	if err != nil || p == nil {
		return nil, err
	}
	return &Item{
		Kind:      KindProfilePost,
		ID:        p.ID,
		UserID:    p.UserID,
		Username:  p.Username,
		Body:      p.Body,
		IP:        p.IP,
		URL:       pageURL(r.base, "/profile-posts/%d", p.ID),
		CreatedAt: p.CreatedAt,
	}, nil
}

func (r *profilePostResolver) SoftDelete(ctx context.Context, id int64, reason string) error {
	return r.forum.SoftDeleteProfilePost(ctx, id, reason)
}

func (r *profilePostResolver) Attachments(ctx context.Context, id int64) ([]store.AttachmentData, error) {
	return r.forum.ListAttachmentDataByContent(ctx, string(KindProfilePost), id)
}

func (r *profilePostResolver) ListByUserSince(ctx context.Context, userID int64, since time.Time) ([]Item, error) {
	posts, err := r.forum.ListProfilePostsByUserSince(ctx, userID, since)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(posts))
	for i := range posts {
		p := &posts[i]
		items = append(items, Item{
			Kind:      KindProfilePost,
			ID:        p.ID,
			UserID:    p.UserID,
			Username:  p.Username,
			Body:      p.Body,
			IP:        p.IP,
			URL:       pageURL(r.base, "/profile-posts/%d", p.ID),
			CreatedAt: p.CreatedAt,
		})
	}
	return items, nil
}

type profilePostCommentResolver struct {
	forum store.ForumStore
	base  string
}

func (r *profilePostCommentResolver) Kind() Kind { return KindProfilePostComment }

func (r *profilePostCommentResolver) Get(ctx context.Context, id int64) (*Item, error) {
	c, err := r.forum.GetProfilePostComment(ctx, id)
	if err != nil || c == nil {
		return nil, err
	}
	return &Item{
		Kind:      KindProfilePostComment,
		ID:        c.ID,
		UserID:    c.UserID,
		Username:  c.Username,
		Body:      c.Body,
		IP:        c.IP,
		URL:       pageURL(r.base, "/profile-posts/comments/%d", c.ID),
		CreatedAt: c.CreatedAt,
	}, nil
}

func (r *profilePostCommentResolver) SoftDelete(ctx context.Context, id int64, reason string) error {
	return r.forum.SoftDeleteProfilePostComment(ctx, id, reason)
}

func (r *profilePostCommentResolver) Attachments(ctx context.Context, id int64) ([]store.AttachmentData, error) {
	return r.forum.ListAttachmentDataByContent(ctx, string(KindProfilePostComment), id)
}

func (r *profilePostCommentResolver) ListByUserSince(ctx context.Context, userID int64, since time.Time) ([]Item, error) {
	comments, err := r.forum.ListProfilePostCommentsByUserSince(ctx, userID, since)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(comments))
	for i := range comments {
		c := &comments[i]
		items = append(items, Item{
			Kind:      KindProfilePostComment,
			ID:        c.ID,
			UserID:    c.UserID,
			Username:  c.Username,
			Body:      c.Body,
			IP:        c.IP,
			URL:       pageURL(r.base, "/profile-posts/comments/%d", c.ID),
			CreatedAt: c.CreatedAt,
		})
	}
	return items, nil
}

// conversationMessageResolver has no page URL: conversations are private and
// their messages are not web-reachable.
type conversationMessageResolver struct {
	forum store.ForumStore
}

func (r *conversationMessageResolver) Kind() Kind { return KindConversationMessage }

func (r *conversationMessageResolver) Get(ctx context.Context, id int64) (*Item, error) {
	m, err := r.forum.GetConversationMessage(ctx, id)
	if err != nil || m == nil {
		return nil, err
	}
	return &Item{
		Kind:      KindConversationMessage,
		ID:        m.ID,
		UserID:    m.UserID,
		Username:  m.Username,
		Body:      m.Body,
		IP:        m.IP,
		CreatedAt: m.CreatedAt,
	}, nil
}

func (r *conversationMessageResolver) SoftDelete(ctx context.Context, id int64, reason string) error {
	return r.forum.SoftDeleteConversationMessage(ctx, id, reason)
}

func (r *conversationMessageResolver) Attachments(ctx context.Context, id int64) ([]store.AttachmentData, error) {
	return r.forum.ListAttachmentDataByContent(ctx, string(KindConversationMessage), id)
}

func (r *conversationMessageResolver) ListByUserSince(ctx context.Context, userID int64, since time.Time) ([]Item, error) {
	messages, err := r.forum.ListConversationMessagesByUserSince(ctx, userID, since)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(messages))
	for i := range messages {
		m := &messages[i]
		items = append(items, Item{
			Kind:      KindConversationMessage,
			ID:        m.ID,
			UserID:    m.UserID,
			Username:  m.Username,
			Body:      m.Body,
			IP:        m.IP,
			CreatedAt: m.CreatedAt,
		})
	}
	return items, nil
}
