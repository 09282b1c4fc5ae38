package content

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tipline/core/store"
)

// Kind names one reportable content family. The string value is what lands
// in incident_contents.content_kind, so it must stay stable across releases.
type Kind string

const (
	KindPost                Kind = "post"
	KindThread              Kind = "thread"
	KindProfilePost         Kind = "profile_post"
	KindProfilePostComment  Kind = "profile_post_comment"
	KindConversationMessage Kind = "conversation_message"
)

// Item is the kind-independent view of one piece of content. Resolvers
// flatten whatever shape they store into this.
type Item struct {
	Kind      Kind      `json:"kind"`
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body"`
	IP        string    `json:"ip,omitempty"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Resolver adapts one content kind to the engine. Get returns (nil, nil)
// when the item does not exist.
type Resolver interface {
	Kind() Kind
	Get(ctx context.Context, id int64) (*Item, error)
	SoftDelete(ctx context.Context, id int64, reason string) error
	Attachments(ctx context.Context, id int64) ([]store.AttachmentData, error)
}

// UserContentLister is an optional resolver capability. Kinds that implement
// it take part in bulk collection; kinds that don't are simply skipped.
type UserContentLister interface {
	ListByUserSince(ctx context.Context, userID int64, since time.Time) ([]Item, error)
}

type Registry struct {
	mu        sync.RWMutex
	resolvers map[Kind]Resolver
}

func NewRegistry() *Registry {
	return &Registry{resolvers: make(map[Kind]Resolver)}
}

func (r *Registry) Register(res Resolver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kind := res.Kind()
	if _, ok := r.resolvers[kind]; ok {
		return fmt.Errorf("content kind %q already registered", kind)
	}
	r.resolvers[kind] = res
	return nil
}

func (r *Registry) Resolve(kind Kind) (Resolver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resolvers[kind]
	return res, ok
}

func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.resolvers))
	for k := range r.resolvers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// NewForumRegistry builds a registry with the built-in forum kinds wired to
// the given store. baseURL is the public forum address used to render each
// item's page URL; when empty the items carry no URL.
func NewForumRegistry(forum store.ForumStore, baseURL string) *Registry {
	r := NewRegistry()
	for _, res := range []Resolver{
		&postResolver{forum: forum, base: baseURL},
		&threadResolver{forum: forum, base: baseURL},
		&profilePostResolver{forum: forum, base: baseURL},
		&profilePostCommentResolver{forum: forum, base: baseURL},
		&conversationMessageResolver{forum: forum},
	} {
		// built-ins are distinct kinds, Register cannot fail here
		_ = r.Register(res)
	}
	return r
}
