// Package mutation validates and persists new comments, then invalidates the
// listing cache and signals the room.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/comments/internal/cache"
	"github.com/xiaot623/gogo/comments/internal/domain"
	"github.com/xiaot623/gogo/comments/internal/hub"
	"github.com/xiaot623/gogo/comments/internal/media"
	"github.com/xiaot623/gogo/comments/internal/metrics"
	"github.com/xiaot623/gogo/comments/internal/pkg/log"
	"github.com/xiaot623/gogo/comments/internal/policy"
	"github.com/xiaot623/gogo/comments/internal/protocol"
	store "github.com/xiaot623/gogo/comments/internal/repository"
)

// Publisher delivers refresh events to a room.
type Publisher interface {
	Publish(ctx context.Context, ev hub.Event) error
}

// PolicyEvaluator decides whether a comment may be posted.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, input policy.Input) (decision, reason string, err error)
}

// Request is a create_comment call from a session.
type Request struct {
	Text     string
	HomePage *string
	ReplyID  *int64
	Image    *string // base64 data URI

	// SessionID and Query describe the writer and travel with the refresh event.
	SessionID string
	Query     domain.ListQuery
}

// Pipeline runs comment creation and moderation deletes.
type Pipeline struct {
	store     store.Store
	cache     *cache.Layer
	publisher Publisher
	policy    PolicyEvaluator
	processor *media.Processor
	images    media.ImageStore
	room      string
}

// New creates a Pipeline. A nil policy selects policy.Builtin; a nil image
// store rejects comments carrying images.
func New(s store.Store, c *cache.Layer, pub Publisher, pol PolicyEvaluator, proc *media.Processor, images media.ImageStore, room string) *Pipeline {
	if room == "" {
		room = hub.DefaultRoom
	}
	if proc == nil {
		proc = media.NewProcessor(0, 0, 0)
	}
	if pol == nil {
		pol = policy.Builtin{}
	}
	return &Pipeline{
		store:     s,
		cache:     c,
		publisher: pub,
		policy:    pol,
		processor: proc,
		images:    images,
		room:      room,
	}
}

// CreateComment validates and stores a comment for principal.
//
// Checks run in order: non-empty text, moderation policy, reply target, image.
// User-facing rejections are *domain.ValidationError or domain.ErrNotFound;
// anything else wraps domain.ErrInternal. The write itself is not tied to ctx
// cancellation, so a client that disconnects mid-request cannot leave it half done.
func (p *Pipeline) CreateComment(ctx context.Context, principal domain.Principal, req Request) (*domain.Comment, error) {
	const op = "mutation.CreateComment"

	if !principal.Authenticated {
		return nil, fmt.Errorf("%s: %w", op, domain.ErrUnauthenticated)
	}

	if strings.TrimSpace(req.Text) == "" {
		return nil, domain.NewValidationError(protocol.ErrTextEmptyComment)
	}

	homePage := req.HomePage
	if homePage != nil && strings.TrimSpace(*homePage) == "" {
		homePage = nil
	}

	ctx = context.WithoutCancel(ctx)
	lg := log.From(ctx)

	if err := p.checkPolicy(ctx, principal, req, homePage); err != nil {
		return nil, err
	}

	if req.ReplyID != nil {
		parent, err := p.store.GetComment(ctx, *req.ReplyID)
		if err != nil {
			return nil, fmt.Errorf("%s: reply lookup: %w: %w", op, domain.ErrInternal, err)
		}
		if parent == nil {
			return nil, fmt.Errorf("%s: reply %d: %w", op, *req.ReplyID, domain.ErrNotFound)
		}
	}

	var imageRef *string
	if req.Image != nil && *req.Image != "" {
		file, err := p.processor.Process(*req.Image)
		if err != nil {
			return nil, err
		}
		if p.images == nil {
			return nil, domain.NewValidationError(media.ErrTextInvalidFile)
		}
		ref, err := p.images.Save(ctx, file)
		if err != nil {
			return nil, fmt.Errorf("%s: save image: %w: %w", op, domain.ErrInternal, err)
		}
		imageRef = &ref
	}

	created, err := p.store.CreateComment(ctx, domain.NewComment{
		UserID:   principal.User.ID,
		Text:     req.Text,
		HomePage: homePage,
		Image:    imageRef,
		ReplyID:  req.ReplyID,
	})
	if err != nil {
		if imageRef != nil {
			if derr := p.images.Delete(ctx, *imageRef); derr != nil {
				lg.Warn("orphaned image", "ref", *imageRef, "err", derr)
			}
		}
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w: %w", op, domain.ErrInternal, err)
	}

	metrics.CommentsCreated.Inc()
	lg.Info("comment created", "comment_id", created.ID, "reply_to", req.ReplyID)

	p.refresh(ctx, req.SessionID, req.Query)
	return created, nil
}

func (p *Pipeline) checkPolicy(ctx context.Context, principal domain.Principal, req Request, homePage *string) error {
	in := policy.Input{
		Username:  principal.User.Username,
		Text:      req.Text,
		IsReply:   req.ReplyID != nil,
		HasImage:  req.Image != nil && *req.Image != "",
		MaxLength: domain.MaxTextLength,
	}
	if homePage != nil {
		in.HomePage = *homePage
	}

	decision, reason, err := p.policy.Evaluate(ctx, in)
	if err != nil {
		return fmt.Errorf("mutation.checkPolicy: %w: %w", domain.ErrInternal, err)
	}
	if decision == policy.Block {
		if reason == "" {
			reason = "Comment rejected."
		}
		return domain.NewValidationError(reason)
	}
	return nil
}

// DeleteComment removes a comment with its whole reply subtree and the images
// they referenced, then refreshes the room.
func (p *Pipeline) DeleteComment(ctx context.Context, commentID int64) error {
	const op = "mutation.DeleteComment"

	ctx = context.WithoutCancel(ctx)
	images, err := p.store.DeleteComment(ctx, commentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
		return fmt.Errorf("%s: %w: %w", op, domain.ErrInternal, err)
	}

	lg := log.From(ctx)
	if p.images != nil {
		for _, ref := range images {
			if err := p.images.Delete(ctx, ref); err != nil {
				lg.Warn("image delete failed", "ref", ref, "err", err)
			}
		}
	}
	lg.Info("comment deleted", "comment_id", commentID, "images", len(images))

	p.refresh(ctx, "", domain.DefaultListQuery())
	return nil
}

// Refresh invalidates the listings and signals the room without a write of
// its own, for changes made outside this process.
func (p *Pipeline) Refresh(ctx context.Context) error {
	if err := p.cache.InvalidateAll(ctx); err != nil {
		return fmt.Errorf("mutation.Refresh: %w", err)
	}
	return p.publisher.Publish(ctx, hub.Event{Room: p.room, Query: domain.DefaultListQuery()})
}

// refresh runs after a committed write; failures are logged because the write
// already succeeded.
func (p *Pipeline) refresh(ctx context.Context, origin string, q domain.ListQuery) {
	lg := log.From(ctx)
	if err := p.cache.InvalidateAll(ctx); err != nil {
		lg.Error("cache invalidation failed", "err", err)
	}
	if err := p.publisher.Publish(ctx, hub.Event{Room: p.room, Origin: origin, Query: q}); err != nil {
		lg.Warn("room refresh not published", "err", err)
	}
}
