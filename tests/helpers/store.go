package helpers

import (
	"context"
	"testing"

	"github.com/xiaot623/gogo/comments/internal/domain"
	store "github.com/xiaot623/gogo/comments/internal/repository"
)

func NewTestSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// CreateUser inserts a user with a derived email address.
func CreateUser(t *testing.T, s store.Store, username string) domain.User {
	t.Helper()

	u := domain.User{Username: username, Email: username + "@example.com"}
	if err := s.CreateUser(context.Background(), &u); err != nil {
		t.Fatalf("CreateUser(%s) failed: %v", username, err)
	}
	return u
}

// CreateComment inserts a comment written by userID, optionally replying to parentID.
func CreateComment(t *testing.T, s store.Store, userID int64, text string, parentID *int64) *domain.Comment {
	t.Helper()

	c, err := s.CreateComment(context.Background(), domain.NewComment{
		UserID:  userID,
		Text:    text,
		ReplyID: parentID,
	})
	if err != nil {
		t.Fatalf("CreateComment(%q) failed: %v", text, err)
	}
	return c
}
