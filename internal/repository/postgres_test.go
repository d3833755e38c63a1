package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xiaot623/gogo/comments/internal/domain"
)

// fakeRow hands fixed column values to Scan the way pgx does for nullable columns.
type fakeRow struct {
	values []interface{}
	err    error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(r.values))
	}
	for i, d := range dest {
		v := r.values[i]
		switch p := d.(type) {
		case *int64:
			*p = v.(int64)
		case *string:
			*p = v.(string)
		case **string:
			if v == nil {
				*p = nil
			} else {
				s := v.(string)
				*p = &s
			}
		case **int64:
			if v == nil {
				*p = nil
			} else {
				n := v.(int64)
				*p = &n
			}
		case *time.Time:
			*p = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

var _ pgx.Row = fakeRow{}

func TestScanPgComment(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	reply, err := scanPgComment(fakeRow{values: []interface{}{
		int64(7), int64(1), "alice", "alice@example.com", "hi", "https://example.com", nil, int64(3), created,
	}})
	if err != nil {
		t.Fatalf("scanPgComment failed: %v", err)
	}
	if reply.ID != 7 || reply.UserID != 1 || reply.Username != "alice" || reply.Text != "hi" {
		t.Fatalf("unexpected comment: %+v", reply)
	}
	if reply.HomePage == nil || *reply.HomePage != "https://example.com" {
		t.Fatalf("unexpected home page: %v", reply.HomePage)
	}
	if reply.Image != nil {
		t.Fatalf("expected nil image, got %q", *reply.Image)
	}
	if !reply.IsReply() || *reply.ReplyID != 3 {
		t.Fatalf("expected reply to 3, got %v", reply.ReplyID)
	}
	if !reply.CreatedAt.Equal(created) {
		t.Fatalf("unexpected created_at: %v", reply.CreatedAt)
	}

	top, err := scanPgComment(fakeRow{values: []interface{}{
		int64(8), int64(1), "alice", "alice@example.com", "top", nil, "chat/images/a.png", nil, created,
	}})
	if err != nil {
		t.Fatalf("scanPgComment failed: %v", err)
	}
	if top.IsReply() || top.HomePage != nil || top.Image == nil {
		t.Fatalf("unexpected top-level comment: %+v", top)
	}

	if _, err := scanPgComment(fakeRow{err: pgx.ErrNoRows}); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestPostgresQueries(t *testing.T) {
	list := rebind(listTopLevelQuery(ListFilter{SortBy: domain.SortByEmail, SortOrder: domain.SortAsc, Limit: 25}))
	if !strings.Contains(list, "ORDER BY u.email ASC, c.id ASC LIMIT $1 OFFSET $2") {
		t.Fatalf("unexpected top-level query: %s", list)
	}
	if strings.Contains(list, "?") {
		t.Fatalf("placeholder left in %s", list)
	}

	replies := rebind(listRepliesQuery(3))
	if !strings.Contains(replies, "c.reply_id IN ($1, $2, $3)") {
		t.Fatalf("unexpected replies query: %s", replies)
	}

	if got := rebind(getCommentQuery); !strings.HasSuffix(got, "WHERE c.id = $1") {
		t.Fatalf("unexpected get query: %s", got)
	}
	if got := rebind(subtreeImagesQuery); !strings.Contains(got, "WHERE id = $1") || strings.Contains(got, "?") {
		t.Fatalf("unexpected subtree query: %s", got)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"nil":               {nil, false},
		"postgres unique":   {fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), true},
		"postgres fk":       {&pgconn.PgError{Code: "23503"}, false},
		"sqlite unique":     {errors.New("UNIQUE constraint failed: users.email"), true},
		"unrelated failure": {errors.New("connection reset"), false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := IsUniqueViolation(tc.err); got != tc.want {
				t.Fatalf("IsUniqueViolation(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

// TestPostgresStore runs against a live database when COMMENTS_TEST_POSTGRES_URL is set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("COMMENTS_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("COMMENTS_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()

	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore failed: %v", err)
	}
	defer s.Close()

	suffix := fmt.Sprint(time.Now().UnixNano())
	u := &domain.User{Username: "pg" + suffix[len(suffix)-8:], Email: "pg" + suffix + "@example.com"}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if err := s.CreateUser(ctx, &domain.User{Username: u.Username, Email: "other" + u.Email}); !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}

	root, err := s.CreateComment(ctx, domain.NewComment{UserID: u.ID, Text: "root"})
	if err != nil {
		t.Fatalf("CreateComment failed: %v", err)
	}
	image := "chat/images/image_pg.png"
	reply, err := s.CreateComment(ctx, domain.NewComment{UserID: u.ID, Text: "reply", ReplyID: &root.ID, Image: &image})
	if err != nil {
		t.Fatalf("CreateComment reply failed: %v", err)
	}
	missing := int64(-1)
	if _, err := s.CreateComment(ctx, domain.NewComment{UserID: u.ID, Text: "x", ReplyID: &missing}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	children, err := s.ListReplies(ctx, []int64{root.ID})
	if err != nil {
		t.Fatalf("ListReplies failed: %v", err)
	}
	if len(children) != 1 || children[0].ID != reply.ID {
		t.Fatalf("unexpected replies: %+v", children)
	}

	images, err := s.DeleteComment(ctx, root.ID)
	if err != nil {
		t.Fatalf("DeleteComment failed: %v", err)
	}
	if len(images) != 1 || images[0] != image {
		t.Fatalf("unexpected images: %v", images)
	}
	if got, err := s.GetComment(ctx, reply.ID); err != nil || got != nil {
		t.Fatalf("reply survived cascade: %+v, %v", got, err)
	}
}
