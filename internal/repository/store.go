// Package store defines the comment storage interface and its implementations.
package store

import (
	"context"

	"github.com/xiaot623/gogo/comments/internal/domain"
)

// Store defines the interface for comment and user persistence.
type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, userID int64) (*domain.User, error)

	// Comment reads. GetComment returns nil, nil when the comment does not exist.
	GetComment(ctx context.Context, commentID int64) (*domain.Comment, error)
	CountTopLevel(ctx context.Context) (int, error)
	ListTopLevel(ctx context.Context, filter ListFilter) ([]domain.Comment, error)
	ListReplies(ctx context.Context, parentIDs []int64) ([]domain.Comment, error)
	ListAllReplies(ctx context.Context) ([]domain.Comment, error)

	// CreateComment writes the comment and its reply link in one transaction.
	// It returns domain.ErrNotFound when the reply target does not exist.
	CreateComment(ctx context.Context, comment domain.NewComment) (*domain.Comment, error)

	// DeleteComment removes a comment and its whole reply subtree, returning the
	// image references owned by the removed rows.
	DeleteComment(ctx context.Context, commentID int64) ([]string, error)

	// Lifecycle
	Close() error
}

// ListFilter selects one page of top-level comments.
type ListFilter struct {
	SortBy    domain.SortBy
	SortOrder domain.SortOrder
	Limit     int
	Offset    int
}
