package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xiaot623/gogo/comments/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

// steppedClock returns strictly increasing timestamps one second apart.
func steppedClock() func() time.Time {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func mustUser(t *testing.T, s *SQLiteStore, name string) *domain.User {
	t.Helper()
	u := &domain.User{Username: name, Email: name + "@example.com"}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return u
}

func mustComment(t *testing.T, s *SQLiteStore, userID int64, text string, parent *int64) *domain.Comment {
	t.Helper()
	c, err := s.CreateComment(context.Background(), domain.NewComment{UserID: userID, Text: text, ReplyID: parent})
	if err != nil {
		t.Fatalf("CreateComment failed: %v", err)
	}
	return c
}

func TestSQLiteStoreUsers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	u := mustUser(t, store, "alice")
	if u.ID == 0 {
		t.Fatalf("expected user id to be set")
	}

	got, err := store.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got == nil || got.Username != "alice" || got.Email != "alice@example.com" {
		t.Fatalf("unexpected user: %+v", got)
	}

	missing, err := store.GetUser(ctx, 999)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil user, got %+v", missing)
	}

	err = store.CreateUser(ctx, &domain.User{Username: "alice", Email: "other@example.com"})
	if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
}

func TestSQLiteStoreCreateAndGetComment(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	u := mustUser(t, store, "alice")
	home := "https://example.com"
	image := "chat/images/image_1.png"
	c, err := store.CreateComment(ctx, domain.NewComment{UserID: u.ID, Text: "hello", HomePage: &home, Image: &image})
	if err != nil {
		t.Fatalf("CreateComment failed: %v", err)
	}
	if c.ID == 0 || c.Username != "alice" || c.Email != "alice@example.com" {
		t.Fatalf("unexpected comment: %+v", c)
	}
	if c.HomePage == nil || *c.HomePage != home || c.Image == nil || *c.Image != image {
		t.Fatalf("optional fields not stored: %+v", c)
	}
	if c.IsReply() {
		t.Fatalf("top-level comment reported as reply")
	}

	got, err := store.GetComment(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetComment failed: %v", err)
	}
	if got == nil || got.Text != "hello" || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected comment: %+v", got)
	}

	missing, err := store.GetComment(ctx, 999)
	if err != nil {
		t.Fatalf("GetComment failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil comment, got %+v", missing)
	}
}

func TestSQLiteStoreCreateReplyMissingParent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	u := mustUser(t, store, "alice")
	parent := int64(999)
	_, err := store.CreateComment(ctx, domain.NewComment{UserID: u.ID, Text: "orphan", ReplyID: &parent})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	n, err := store.CountTopLevel(ctx)
	if err != nil {
		t.Fatalf("CountTopLevel failed: %v", err)
	}
	all, err := store.ListAllReplies(ctx)
	if err != nil {
		t.Fatalf("ListAllReplies failed: %v", err)
	}
	if n != 0 || len(all) != 0 {
		t.Fatalf("expected no rows after failed create, got %d top-level and %d replies", n, len(all))
	}
}

func TestSQLiteStoreListTopLevelSorting(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	store.now = steppedClock()
	defer store.Close()

	bob := mustUser(t, store, "bob")
	alice := mustUser(t, store, "alice")
	first := mustComment(t, store, bob.ID, "first", nil)
	second := mustComment(t, store, alice.ID, "second", nil)
	mustComment(t, store, bob.ID, "reply", &first.ID)

	n, err := store.CountTopLevel(ctx)
	if err != nil {
		t.Fatalf("CountTopLevel failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 top-level comments, got %d", n)
	}

	cases := []struct {
		name  string
		by    domain.SortBy
		order domain.SortOrder
		want  []int64
	}{
		{"date desc", domain.SortByDate, domain.SortDesc, []int64{second.ID, first.ID}},
		{"date asc", domain.SortByDate, domain.SortAsc, []int64{first.ID, second.ID}},
		{"username asc", domain.SortByUsername, domain.SortAsc, []int64{second.ID, first.ID}},
		{"username desc", domain.SortByUsername, domain.SortDesc, []int64{first.ID, second.ID}},
		{"email asc", domain.SortByEmail, domain.SortAsc, []int64{second.ID, first.ID}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := store.ListTopLevel(ctx, ListFilter{SortBy: tc.by, SortOrder: tc.order, Limit: 10})
			if err != nil {
				t.Fatalf("ListTopLevel failed: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %d comments, got %d", len(tc.want), len(got))
			}
			for i, id := range tc.want {
				if got[i].ID != id {
					t.Fatalf("position %d: expected id %d, got %d", i, id, got[i].ID)
				}
			}
		})
	}

	page, err := store.ListTopLevel(ctx, ListFilter{SortBy: domain.SortByDate, SortOrder: domain.SortDesc, Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListTopLevel failed: %v", err)
	}
	if len(page) != 1 || page[0].ID != first.ID {
		t.Fatalf("unexpected second page: %+v", page)
	}
}

func TestSQLiteStoreReplies(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	store.now = steppedClock()
	defer store.Close()

	u := mustUser(t, store, "alice")
	root := mustComment(t, store, u.ID, "root", nil)
	r1 := mustComment(t, store, u.ID, "r1", &root.ID)
	r2 := mustComment(t, store, u.ID, "r2", &root.ID)
	nested := mustComment(t, store, u.ID, "nested", &r1.ID)

	direct, err := store.ListReplies(ctx, []int64{root.ID})
	if err != nil {
		t.Fatalf("ListReplies failed: %v", err)
	}
	if len(direct) != 2 || direct[0].ID != r1.ID || direct[1].ID != r2.ID {
		t.Fatalf("unexpected direct replies: %+v", direct)
	}

	none, err := store.ListReplies(ctx, nil)
	if err != nil || none != nil {
		t.Fatalf("expected nil replies for empty parent set, got %v, %v", none, err)
	}

	all, err := store.ListAllReplies(ctx)
	if err != nil {
		t.Fatalf("ListAllReplies failed: %v", err)
	}
	if len(all) != 3 || all[2].ID != nested.ID {
		t.Fatalf("unexpected replies: %+v", all)
	}
	if all[2].ReplyID == nil || *all[2].ReplyID != r1.ID {
		t.Fatalf("nested reply has wrong parent: %+v", all[2])
	}
}

func TestSQLiteStoreDeleteCascades(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	u := mustUser(t, store, "alice")
	image := "chat/images/nested.png"
	root := mustComment(t, store, u.ID, "root", nil)
	reply := mustComment(t, store, u.ID, "reply", &root.ID)
	if _, err := store.CreateComment(ctx, domain.NewComment{UserID: u.ID, Text: "nested", ReplyID: &reply.ID, Image: &image}); err != nil {
		t.Fatalf("CreateComment failed: %v", err)
	}
	other := mustComment(t, store, u.ID, "other", nil)

	images, err := store.DeleteComment(ctx, root.ID)
	if err != nil {
		t.Fatalf("DeleteComment failed: %v", err)
	}
	if len(images) != 1 || images[0] != image {
		t.Fatalf("expected owned image to be reported, got %v", images)
	}

	all, err := store.ListAllReplies(ctx)
	if err != nil {
		t.Fatalf("ListAllReplies failed: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected replies to be cascaded, got %d", len(all))
	}
	if got, _ := store.GetComment(ctx, other.ID); got == nil {
		t.Fatalf("unrelated comment was deleted")
	}

	if _, err := store.DeleteComment(ctx, root.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestRebind(t *testing.T) {
	got := rebind(`SELECT 1 WHERE a = ? AND b IN (?, ?)`)
	want := `SELECT 1 WHERE a = $1 AND b IN ($2, $3)`
	if got != want {
		t.Fatalf("rebind: got %q, want %q", got, want)
	}
}
