package incidents

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tipline/config"
	"tipline/core/content"
	"tipline/core/store"
	"tipline/core/utils"
)

type env struct {
	ctx       context.Context
	svc       *Service
	incidents store.IncidentsStore
	users     store.UsersStore
	forum     store.ForumStore
}

func setup(t *testing.T, incCfg config.IncidentsConfig) *env {
	t.Helper()
	cfg := &config.AppConfig{DBPath: filepath.Join(t.TempDir(), "test.db")}
	logger := utils.NewLogger()
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	users := store.NewUsersStore(db)
	forum := store.NewForumStore(db)
	incidents := store.NewIncidentsStore(db)
	registry := content.NewForumRegistry(forum, incCfg.ForumBaseURL)

	return &env{
		ctx:       context.Background(),
		svc:       NewService(incidents, users, forum, registry, incCfg, logger),
		incidents: incidents,
		users:     users,
		forum:     forum,
	}
}

func (e *env) seedUser(t *testing.T, id int64, name string) {
	t.Helper()
	if err := e.users.Upsert(e.ctx, &store.User{ID: id, Username: name}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func (e *env) seedPost(t *testing.T, userID int64, name, body string, at time.Time) *store.Post {
	t.Helper()
	p := &store.Post{ThreadID: 1, UserID: userID, Username: name, Body: body, IP: "10.1.1.1", CreatedAt: at}
	if _, err := e.forum.AddPost(e.ctx, p); err != nil {
		t.Fatalf("seed post: %v", err)
	}
	return p
}

func TestAssociateContentPullsAuthorAndAttachments(t *testing.T) {
	e := setup(t, config.IncidentsConfig{})
	e.seedUser(t, 7, "alice")
	post := e.seedPost(t, 7, "alice", "offending", time.Now().UTC())
	blob := &store.AttachmentData{Filename: "pic.jpg", UserID: 7, ContentKind: "post", ContentID: post.ID, UploadedAt: time.Now().UTC()}
	if _, err := e.forum.AddAttachmentData(e.ctx, blob); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	inc, err := e.svc.Create(e.ctx, "report of alice", 1, "mod")
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}
	if err := e.svc.AssociateContent(e.ctx, inc.ID, []store.ContentKey{{Kind: "post", ID: post.ID}}); err != nil {
		t.Fatalf("associate content: %v", err)
	}

	users, _ := e.incidents.ListUsers(e.ctx, inc.ID)
	if len(users) != 1 || users[0].UserID != 7 {
		t.Fatalf("author should join the incident, got %+v", users)
	}
	attachments, _ := e.incidents.ListAttachments(e.ctx, inc.ID)
	if len(attachments) != 1 || attachments[0].DataID != blob.ID {
		t.Fatalf("post attachments should follow, got %+v", attachments)
	}
	u, _ := e.users.Get(e.ctx, 7)
	if !u.InCsamIncident {
		t.Fatal("incident flag should be set on the author")
	}
}

func TestAssociateContentSkipsUnknownAndMissing(t *testing.T) {
	e := setup(t, config.IncidentsConfig{})
	e.seedUser(t, 7, "alice")
	post := e.seedPost(t, 7, "alice", "real", time.Now().UTC())

	inc, err := e.svc.Create(e.ctx, "mixed batch", 1, "mod")
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}
	keys := []store.ContentKey{
		{Kind: "hologram", ID: 1},
		{Kind: "post", ID: 99999},
		{Kind: "post", ID: post.ID},
	}
	if err := e.svc.AssociateContent(e.ctx, inc.ID, keys); err != nil {
		t.Fatalf("associate content: %v", err)
	}
	contents, _ := e.incidents.ListContents(e.ctx, inc.ID)
	if len(contents) != 1 || contents[0].ContentID != post.ID {
		t.Fatalf("only the real post should land, got %+v", contents)
	}
}

func TestCollectHonorsWindow(t *testing.T) {
	e := setup(t, config.IncidentsConfig{CollectWindowHours: 24})
	e.seedUser(t, 7, "alice")
	recent := e.seedPost(t, 7, "alice", "recent", time.Now().UTC().Add(-time.Hour))
	e.seedPost(t, 7, "alice", "ancient", time.Now().UTC().Add(-72*time.Hour))

	inc, err := e.svc.Create(e.ctx, "sweep", 1, "mod")
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}
	if _, err := e.svc.AssociateUsers(e.ctx, inc.ID, []int64{7}); err != nil {
		t.Fatalf("associate user: %v", err)
	}
	res, err := e.svc.Collect(e.ctx, inc.ID)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if res.Items != 1 {
		t.Fatalf("want 1 item inside the window, got %d", res.Items)
	}
	contents, _ := e.incidents.ListContents(e.ctx, inc.ID)
	if len(contents) != 1 || contents[0].ContentID != recent.ID {
		t.Fatalf("only the recent post should be collected, got %+v", contents)
	}
}

func TestCollectUnboundedWhenWindowZero(t *testing.T) {
	e := setup(t, config.IncidentsConfig{CollectWindowHours: 0})
	e.seedUser(t, 7, "alice")
	e.seedPost(t, 7, "alice", "old", time.Now().UTC().Add(-2000*time.Hour))
	e.seedPost(t, 7, "alice", "new", time.Now().UTC())

	inc, _ := e.svc.Create(e.ctx, "full sweep", 1, "mod")
	if _, err := e.svc.AssociateUsers(e.ctx, inc.ID, []int64{7}); err != nil {
		t.Fatalf("associate user: %v", err)
	}
	res, err := e.svc.Collect(e.ctx, inc.ID)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if res.Items != 2 {
		t.Fatalf("zero window collects everything, got %d items", res.Items)
	}
}

func TestDisassociateContentDropsOrphanedAttachments(t *testing.T) {
	e := setup(t, config.IncidentsConfig{})
	e.seedUser(t, 7, "alice")
	post := e.seedPost(t, 7, "alice", "offending", time.Now().UTC())
	blob := &store.AttachmentData{Filename: "pic.jpg", UserID: 7, ContentKind: "post", ContentID: post.ID, UploadedAt: time.Now().UTC()}
	if _, err := e.forum.AddAttachmentData(e.ctx, blob); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	inc, _ := e.svc.Create(e.ctx, "short list", 1, "mod")
	if err := e.svc.AssociateContent(e.ctx, inc.ID, []store.ContentKey{{Kind: "post", ID: post.ID}}); err != nil {
		t.Fatalf("associate content: %v", err)
	}
	if attachments, _ := e.incidents.ListAttachments(e.ctx, inc.ID); len(attachments) != 1 {
		t.Fatalf("blob should ride along with the post, got %d rows", len(attachments))
	}

	if err := e.svc.DisassociateContent(e.ctx, inc.ID, []store.ContentKey{{Kind: "post", ID: post.ID}}); err != nil {
		t.Fatalf("disassociate content: %v", err)
	}
	attachments, _ := e.incidents.ListAttachments(e.ctx, inc.ID)
	if len(attachments) != 0 {
		t.Fatalf("attachment only reachable via the removed post should go with it, got %d rows", len(attachments))
	}
	got, _ := e.forum.GetAttachmentData(e.ctx, blob.ID)
	if got.IncidentCount != 0 {
		t.Fatalf("blob count should recompute to 0, got %d", got.IncidentCount)
	}
}

func TestDisassociateContentKeepsSharedAttachments(t *testing.T) {
	e := setup(t, config.IncidentsConfig{})
	e.seedUser(t, 7, "alice")
	post := e.seedPost(t, 7, "alice", "opening post", time.Now().UTC())
	thread := &store.Thread{UserID: 7, Username: "alice", Title: "bad thread", FirstPostID: post.ID, CreatedAt: time.Now().UTC()}
	if _, err := e.forum.AddThread(e.ctx, thread); err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	blob := &store.AttachmentData{Filename: "pic.jpg", UserID: 7, ContentKind: "post", ContentID: post.ID, UploadedAt: time.Now().UTC()}
	if _, err := e.forum.AddAttachmentData(e.ctx, blob); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	inc, _ := e.svc.Create(e.ctx, "shared blob", 1, "mod")
	keys := []store.ContentKey{{Kind: "post", ID: post.ID}, {Kind: "thread", ID: thread.ID}}
	if err := e.svc.AssociateContent(e.ctx, inc.ID, keys); err != nil {
		t.Fatalf("associate content: %v", err)
	}

	// the thread cites its first post's blob, so removing the post alone
	// must not take the blob away
	if err := e.svc.DisassociateContent(e.ctx, inc.ID, []store.ContentKey{{Kind: "post", ID: post.ID}}); err != nil {
		t.Fatalf("disassociate post: %v", err)
	}
	attachments, _ := e.incidents.ListAttachments(e.ctx, inc.ID)
	if len(attachments) != 1 || attachments[0].DataID != blob.ID {
		t.Fatalf("blob still reachable through the thread should stay, got %+v", attachments)
	}
}

func TestCollectSweepsStandaloneUploads(t *testing.T) {
	e := setup(t, config.IncidentsConfig{CollectWindowHours: 24})
	e.seedUser(t, 7, "alice")
	recent := &store.AttachmentData{Filename: "new.jpg", UserID: 7, UploadedAt: time.Now().UTC().Add(-time.Hour)}
	if _, err := e.forum.AddAttachmentData(e.ctx, recent); err != nil {
		t.Fatalf("seed blob: %v", err)
	}
	old := &store.AttachmentData{Filename: "old.jpg", UserID: 7, UploadedAt: time.Now().UTC().Add(-72 * time.Hour)}
	if _, err := e.forum.AddAttachmentData(e.ctx, old); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	inc, _ := e.svc.Create(e.ctx, "upload sweep", 1, "mod")
	if _, err := e.svc.AssociateUsers(e.ctx, inc.ID, []int64{7}); err != nil {
		t.Fatalf("associate user: %v", err)
	}
	res, err := e.svc.Collect(e.ctx, inc.ID)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if res.Attachments != 1 {
		t.Fatalf("want the recent standalone upload collected, got %d attachments", res.Attachments)
	}
	attachments, _ := e.incidents.ListAttachments(e.ctx, inc.ID)
	if len(attachments) != 1 || attachments[0].DataID != recent.ID {
		t.Fatalf("only the in-window upload should land, got %+v", attachments)
	}
}

func TestDeleteIncidentRepairsFlags(t *testing.T) {
	e := setup(t, config.IncidentsConfig{})
	e.seedUser(t, 7, "alice")

	inc, _ := e.svc.Create(e.ctx, "short lived", 1, "mod")
	if _, err := e.svc.AssociateUsers(e.ctx, inc.ID, []int64{7}); err != nil {
		t.Fatalf("associate user: %v", err)
	}
	u, _ := e.users.Get(e.ctx, 7)
	if !u.InCsamIncident {
		t.Fatal("flag should be set while the incident lives")
	}

	if err := e.svc.Delete(e.ctx, inc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	u, _ = e.users.Get(e.ctx, 7)
	if u.InCsamIncident {
		t.Fatal("flag must drop once the only incident is gone")
	}
}
