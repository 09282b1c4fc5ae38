package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedIncident(t *testing.T, s IncidentsStore, title string) *Incident {
	t.Helper()
	inc := &Incident{Title: title, CreatorUserID: 1, CreatorUsername: "mod"}
	if _, err := s.Create(context.Background(), inc); err != nil {
		t.Fatalf("create incident: %v", err)
	}
	return inc
}

func seedBlob(t *testing.T, forum ForumStore, userID int64, name string) *AttachmentData {
	t.Helper()
	blob := &AttachmentData{Filename: name, FilePath: "/tmp/" + name, IP: "10.0.0.9", UserID: userID, UploadedAt: time.Now().UTC()}
	if _, err := forum.AddAttachmentData(context.Background(), blob); err != nil {
		t.Fatalf("add blob: %v", err)
	}
	return blob
}

func TestIncidentAssociationsAreIdempotent(t *testing.T) {
	db := newTestDB(t)
	s := NewIncidentsStore(db)
	ctx := context.Background()
	inc := seedIncident(t, s, "repeat adds")

	inserted, err := s.AddUser(ctx, inc.ID, 7, "alice")
	if err != nil {
		t.Fatalf("add user: %v", err)
	}
	if !inserted {
		t.Fatal("first AddUser should insert")
	}
	inserted, err = s.AddUser(ctx, inc.ID, 7, "alice")
	if err != nil {
		t.Fatalf("add user again: %v", err)
	}
	if inserted {
		t.Fatal("second AddUser must be a no-op")
	}

	key := ContentKey{Kind: "post", ID: 42}
	if _, err := s.AddContent(ctx, inc.ID, key, 7, "alice"); err != nil {
		t.Fatalf("add content: %v", err)
	}
	inserted, err = s.AddContent(ctx, inc.ID, key, 7, "alice")
	if err != nil {
		t.Fatalf("add content again: %v", err)
	}
	if inserted {
		t.Fatal("second AddContent must be a no-op")
	}

	users, err := s.ListUsers(ctx, inc.ID)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("want 1 user row, got %d", len(users))
	}
}

func TestAttachmentCountTracksJoinRows(t *testing.T) {
	db := newTestDB(t)
	s := NewIncidentsStore(db)
	forum := NewForumStore(db)
	ctx := context.Background()

	blob := seedBlob(t, forum, 7, "evidence.jpg")
	a := seedIncident(t, s, "first")
	b := seedIncident(t, s, "second")

	for _, inc := range []*Incident{a, b} {
		if _, err := s.AddAttachment(ctx, inc.ID, blob.ID, 7, "alice"); err != nil {
			t.Fatalf("add attachment: %v", err)
		}
	}
	got, err := forum.GetAttachmentData(ctx, blob.ID)
	if err != nil {
		t.Fatalf("get blob: %v", err)
	}
	if got.IncidentCount != 2 {
		t.Fatalf("want count 2, got %d", got.IncidentCount)
	}

	if err := s.RemoveAttachment(ctx, a.ID, blob.ID); err != nil {
		t.Fatalf("remove attachment: %v", err)
	}
	got, _ = forum.GetAttachmentData(ctx, blob.ID)
	if got.IncidentCount != 1 {
		t.Fatalf("after removal want count 1, got %d", got.IncidentCount)
	}
}

func TestRemoveUsersCascadesWithinIncidentOnly(t *testing.T) {
	db := newTestDB(t)
	s := NewIncidentsStore(db)
	forum := NewForumStore(db)
	users := NewUsersStore(db)
	ctx := context.Background()

	if err := users.Upsert(ctx, &User{ID: 7, Username: "alice"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	blob := seedBlob(t, forum, 7, "shot.png")
	a := seedIncident(t, s, "keeps")
	b := seedIncident(t, s, "loses")

	for _, inc := range []*Incident{a, b} {
		if _, err := s.AddUser(ctx, inc.ID, 7, "alice"); err != nil {
			t.Fatalf("add user: %v", err)
		}
		if _, err := s.AddContent(ctx, inc.ID, ContentKey{Kind: "post", ID: 1}, 7, "alice"); err != nil {
			t.Fatalf("add content: %v", err)
		}
		if _, err := s.AddAttachment(ctx, inc.ID, blob.ID, 7, "alice"); err != nil {
			t.Fatalf("add attachment: %v", err)
		}
	}

	if _, err := s.RemoveUsers(ctx, b.ID, []int64{7}); err != nil {
		t.Fatalf("remove users: %v", err)
	}

	contents, _ := s.ListContents(ctx, b.ID)
	if len(contents) != 0 {
		t.Fatalf("incident b should lose the user's content, has %d rows", len(contents))
	}
	contents, _ = s.ListContents(ctx, a.ID)
	if len(contents) != 1 {
		t.Fatalf("incident a must keep its content, has %d rows", len(contents))
	}
	got, _ := forum.GetAttachmentData(ctx, blob.ID)
	if got.IncidentCount != 1 {
		t.Fatalf("blob should still count incident a, got %d", got.IncidentCount)
	}

	// user is still in incident a, flag stays up
	in, err := s.RecomputeUserFlag(ctx, 7)
	if err != nil {
		t.Fatalf("recompute flag: %v", err)
	}
	if !in {
		t.Fatal("user remains in incident a, flag must stay set")
	}
}

func TestFinalizedIncidentRejectsAssociations(t *testing.T) {
	db := newTestDB(t)
	s := NewIncidentsStore(db)
	ctx := context.Background()
	inc := seedIncident(t, s, "frozen")

	if err := s.SetCase(ctx, inc.ID, 5); err != nil {
		t.Fatalf("set case: %v", err)
	}
	if err := s.MarkCaseIncidentsFinalized(ctx, 5); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if _, err := s.AddUser(ctx, inc.ID, 7, "alice"); !errors.Is(err, ErrFinalized) {
		t.Fatalf("want ErrFinalized, got %v", err)
	}
	if _, err := s.AddContent(ctx, inc.ID, ContentKey{Kind: "post", ID: 1}, 7, "alice"); !errors.Is(err, ErrFinalized) {
		t.Fatalf("want ErrFinalized, got %v", err)
	}
}

func TestUserIDsForCaseAreDistinctAndOrdered(t *testing.T) {
	db := newTestDB(t)
	s := NewIncidentsStore(db)
	ctx := context.Background()

	a := seedIncident(t, s, "one")
	b := seedIncident(t, s, "two")
	for _, inc := range []*Incident{a, b} {
		if err := s.SetCase(ctx, inc.ID, 9); err != nil {
			t.Fatalf("set case: %v", err)
		}
	}
	for _, pair := range []struct {
		inc  *Incident
		user int64
	}{{a, 30}, {a, 10}, {b, 10}, {b, 20}} {
		if _, err := s.AddUser(ctx, pair.inc.ID, pair.user, "u"); err != nil {
			t.Fatalf("add user: %v", err)
		}
	}

	ids, err := s.UserIDsForCase(ctx, 9)
	if err != nil {
		t.Fatalf("user ids: %v", err)
	}
	want := []int64{10, 20, 30}
	if len(ids) != len(want) {
		t.Fatalf("want %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("want %v, got %v", want, ids)
		}
	}
}

func TestUserFlagIgnoresFinalizedIncidents(t *testing.T) {
	db := newTestDB(t)
	s := NewIncidentsStore(db)
	users := NewUsersStore(db)
	ctx := context.Background()

	if err := users.Upsert(ctx, &User{ID: 7, Username: "alice"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	inc := seedIncident(t, s, "only incident")
	if err := s.SetCase(ctx, inc.ID, 5); err != nil {
		t.Fatalf("set case: %v", err)
	}
	if _, err := s.AddUser(ctx, inc.ID, 7, "alice"); err != nil {
		t.Fatalf("add user: %v", err)
	}
	if flagged, _ := s.RecomputeUserFlag(ctx, 7); !flagged {
		t.Fatal("open incident should flag the user")
	}

	if err := s.MarkCaseIncidentsFinalized(ctx, 5); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	flagged, err := s.RecomputeUserFlag(ctx, 7)
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if flagged {
		t.Fatal("user's only incident is finalized, the flag should clear")
	}
	u, _ := users.Get(ctx, 7)
	if u.InCsamIncident {
		t.Fatal("stored flag should clear too")
	}

	if err := s.ClearCaseIncidentsFinalized(ctx, 5); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if flagged, _ := s.RecomputeUserFlag(ctx, 7); !flagged {
		t.Fatal("reopened incident should flag the user again")
	}
}
