// Package domain defines the core domain models for the comment room.
package domain

import "time"

// MaxTextLength is the upper bound on comment text, in code points.
const MaxTextLength = 2084

// User is a registered author.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Principal is the identity attached to a connection when it is accepted.
// It is resolved once and never re-fetched while the connection lives.
type Principal struct {
	User          User
	Authenticated bool
}

// Anonymous is the principal of a connection that presented no valid credentials.
var Anonymous = Principal{}

// NewPrincipal returns an authenticated principal for the given user.
func NewPrincipal(u User) Principal {
	return Principal{User: u, Authenticated: true}
}

// Comment is a stored comment. A comment with a nil ReplyID is top-level,
// otherwise it is a reply to the referenced comment.
type Comment struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Text      string    `json:"text"`
	HomePage  *string   `json:"home_page"`
	Image     *string   `json:"image"`
	ReplyID   *int64    `json:"reply_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsReply reports whether the comment belongs to another comment's thread.
func (c *Comment) IsReply() bool {
	return c.ReplyID != nil
}

// CommentNode is a comment together with its resolved reply subtree.
// Replies is never nil so that it serializes as an empty list.
type CommentNode struct {
	ID        int64          `json:"id"`
	Username  string         `json:"username"`
	Email     string         `json:"email"`
	HomePage  *string        `json:"home_page"`
	CreatedAt time.Time      `json:"created_at"`
	Text      string         `json:"text"`
	Image     *string        `json:"image"`
	Replies   []*CommentNode `json:"replies"`
}

// NewCommentNode builds a node with no replies attached yet.
func NewCommentNode(c Comment) *CommentNode {
	return &CommentNode{
		ID:        c.ID,
		Username:  c.Username,
		Email:     c.Email,
		HomePage:  c.HomePage,
		CreatedAt: c.CreatedAt,
		Text:      c.Text,
		Image:     c.Image,
		Replies:   []*CommentNode{},
	}
}

// Page is one page of top-level comments.
type Page struct {
	Comments    []*CommentNode `json:"comments"`
	CountPages  int            `json:"count_pages"`
	CurrentPage int            `json:"current_page"`
}

// NewComment carries the fields needed to persist a comment.
type NewComment struct {
	UserID   int64
	Text     string
	HomePage *string
	Image    *string
	ReplyID  *int64
}
