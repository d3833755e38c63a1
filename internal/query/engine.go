// Package query renders comment listings: paginated top-level pages with their
// nested reply trees, and the flat replies view.
package query

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xiaot623/gogo/comments/internal/cache"
	"github.com/xiaot623/gogo/comments/internal/domain"
	"github.com/xiaot623/gogo/comments/internal/pkg/log"
	"github.com/xiaot623/gogo/comments/internal/protocol"
	store "github.com/xiaot623/gogo/comments/internal/repository"
)

// DefaultMaxDepth bounds how many reply levels are resolved under a top-level comment.
const DefaultMaxDepth = 64

// ReplyBatchSize caps the parent ids sent to the store in one reply lookup,
// keeping each query well below SQLite and PostgreSQL bind parameter limits.
const ReplyBatchSize = 500

// Engine answers listing queries from the store through the cache layer.
type Engine struct {
	store       store.Store
	cache       *cache.Layer
	maxPageSize int
	maxDepth    int
	replyBatch  int
}

// NewEngine creates a query engine. maxPageSize 0 leaves page sizes unbounded;
// maxDepth 0 selects DefaultMaxDepth.
func NewEngine(s store.Store, c *cache.Layer, maxPageSize, maxDepth int) *Engine {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Engine{store: s, cache: c, maxPageSize: maxPageSize, maxDepth: maxDepth, replyBatch: ReplyBatchSize}
}

// ListTopLevel returns one page of top-level comments with their reply subtrees.
// A page past the end is clamped to the last page.
func (e *Engine) ListTopLevel(ctx context.Context, q domain.ListQuery) (*domain.Page, error) {
	const op = "query.ListTopLevel"

	q = q.Normalize(e.maxPageSize)

	total, err := e.store.CountTopLevel(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: count: %w", op, err)
	}

	pages := (total + q.PageSize - 1) / q.PageSize
	if pages < 1 {
		pages = 1
	}
	current := q.Page
	if current > pages {
		current = pages
	}

	rows, err := e.store.ListTopLevel(ctx, store.ListFilter{
		SortBy:    q.SortBy,
		SortOrder: q.SortOrder,
		Limit:     q.PageSize,
		Offset:    (current - 1) * q.PageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: list: %w", op, err)
	}

	nodes := make([]*domain.CommentNode, 0, len(rows))
	for _, c := range rows {
		nodes = append(nodes, domain.NewCommentNode(c))
	}
	if err := e.attachReplies(ctx, nodes); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &domain.Page{Comments: nodes, CountPages: pages, CurrentPage: current}, nil
}

// attachReplies walks the reply forest level by level, one store query per level.
func (e *Engine) attachReplies(ctx context.Context, roots []*domain.CommentNode) error {
	visited := make(map[int64]bool, len(roots))
	for _, n := range roots {
		visited[n.ID] = true
	}

	frontier := roots
	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= e.maxDepth {
			log.From(ctx).Warn("reply tree truncated", "max_depth", e.maxDepth, "pending", len(frontier))
			return nil
		}

		byID := make(map[int64]*domain.CommentNode, len(frontier))
		ids := make([]int64, 0, len(frontier))
		for _, n := range frontier {
			byID[n.ID] = n
			ids = append(ids, n.ID)
		}

		children, err := e.listReplies(ctx, ids)
		if err != nil {
			return fmt.Errorf("replies at depth %d: %w", depth, err)
		}

		next := make([]*domain.CommentNode, 0, len(children))
		for _, c := range children {
			if c.ReplyID == nil || visited[c.ID] {
				continue
			}
			parent, ok := byID[*c.ReplyID]
			if !ok {
				continue
			}
			visited[c.ID] = true
			node := domain.NewCommentNode(c)
			parent.Replies = append(parent.Replies, node)
			next = append(next, node)
		}
		frontier = next
	}
	return nil
}

// listReplies fetches the direct replies of ids in batches of at most replyBatch.
// Every parent lives in exactly one batch, so siblings keep creation order.
func (e *Engine) listReplies(ctx context.Context, ids []int64) ([]domain.Comment, error) {
	var out []domain.Comment
	for start := 0; start < len(ids); start += e.replyBatch {
		end := min(start+e.replyBatch, len(ids))
		children, err := e.store.ListReplies(ctx, ids[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, children...)
	}
	return out, nil
}

// ListReplies returns every reply as a flat list in creation order.
func (e *Engine) ListReplies(ctx context.Context) ([]*domain.CommentNode, error) {
	rows, err := e.store.ListAllReplies(ctx)
	if err != nil {
		return nil, fmt.Errorf("query.ListReplies: %w", err)
	}
	nodes := make([]*domain.CommentNode, 0, len(rows))
	for _, c := range rows {
		nodes = append(nodes, domain.NewCommentNode(c))
	}
	return nodes, nil
}

// RenderPage returns the encoded list_comments frame for q, served from cache when possible.
func (e *Engine) RenderPage(ctx context.Context, q domain.ListQuery) ([]byte, error) {
	q = q.Normalize(e.maxPageSize)
	return e.cache.GetOrCompute(ctx, cache.PageKey(q), func(ctx context.Context) ([]byte, error) {
		page, err := e.ListTopLevel(ctx, q)
		if err != nil {
			return nil, err
		}
		return json.Marshal(protocol.NewListCommentsMessage(page))
	})
}

// RenderReplies returns the encoded list_replies frame.
func (e *Engine) RenderReplies(ctx context.Context) ([]byte, error) {
	return e.cache.GetOrCompute(ctx, cache.KeyReplies, func(ctx context.Context) ([]byte, error) {
		replies, err := e.ListReplies(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(protocol.ListRepliesMessage{Action: protocol.ActionListReplies, Replies: replies})
	})
}
