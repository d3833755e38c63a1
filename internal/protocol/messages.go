// Package protocol defines the WebSocket message protocol between clients and the comment room.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/xiaot623/gogo/comments/internal/domain"
)

// Actions from client to server
const (
	ActionListComments  = "list_comments"
	ActionCreateComment = "create_comment"
	ActionListReplies   = "list_replies"
)

// Actions from server to client
const (
	ActionError = "error"
)

// User-visible error texts
const (
	ErrTextEmptyComment = "Comment text cannot be empty"
	ErrTextNotFound     = "Comment not found"
	ErrTextInternal     = "An error occurred while creating comment."
	ErrTextListFailed   = "An error occurred while loading comments."
)

// BaseMessage contains the field shared by all messages.
type BaseMessage struct {
	Action string `json:"action"`
}

// ListCommentsRequest asks for one page of top-level comments.
type ListCommentsRequest struct {
	BaseMessage
	Page      FlexInt `json:"page"`
	PageSize  FlexInt `json:"page_size"`
	SortBy    string  `json:"sort_by"`
	SortOrder string  `json:"sort_order"`
}

// Query converts the request into a domain query; missing fields take the defaults.
func (r ListCommentsRequest) Query() domain.ListQuery {
	q := domain.ListQuery{
		Page:      int(r.Page),
		PageSize:  int(r.PageSize),
		SortBy:    domain.SortBy(r.SortBy),
		SortOrder: domain.SortOrder(r.SortOrder),
	}
	if r.SortBy == "" {
		q.SortBy = domain.SortByDate
	}
	if r.SortOrder == "" {
		q.SortOrder = domain.SortDesc
	}
	return q
}

// CreateCommentRequest posts a comment or, with ReplyID, a reply.
type CreateCommentRequest struct {
	BaseMessage
	Text     string   `json:"text"`
	HomePage *string  `json:"home_page,omitempty"`
	ReplyID  *FlexInt `json:"reply_id,omitempty"`
	Image    *string  `json:"image,omitempty"` // base64 data URI
}

// ReplyTarget returns the parent comment id, or nil for a top-level comment.
func (r CreateCommentRequest) ReplyTarget() *int64 {
	if r.ReplyID == nil || *r.ReplyID == 0 {
		return nil
	}
	id := int64(*r.ReplyID)
	return &id
}

// ListCommentsMessage is one page of comments pushed to a client.
type ListCommentsMessage struct {
	Action string `json:"action"`
	*domain.Page
}

// NewListCommentsMessage wraps a page for the wire.
func NewListCommentsMessage(page *domain.Page) ListCommentsMessage {
	return ListCommentsMessage{Action: ActionListComments, Page: page}
}

// ListRepliesMessage is the flat replies view.
type ListRepliesMessage struct {
	Action  string                `json:"action"`
	Replies []*domain.CommentNode `json:"replies"`
}

// ErrorMessage is sent when a request cannot be served.
type ErrorMessage struct {
	Action string `json:"action"`
	Error  string `json:"error"`
}

// NewErrorMessage builds an error frame.
func NewErrorMessage(text string) ErrorMessage {
	return ErrorMessage{Action: ActionError, Error: text}
}

// FlexInt decodes from a JSON number, a numeric string, or null/"" (zero).
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		data = []byte(s)
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q", data)
	}
	*f = FlexInt(n)
	return nil
}
