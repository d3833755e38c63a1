// Package session implements one client's conversation with the comment room.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.uber.org/ratelimit"

	"github.com/xiaot623/gogo/comments/internal/domain"
	"github.com/xiaot623/gogo/comments/internal/hub"
	"github.com/xiaot623/gogo/comments/internal/metrics"
	"github.com/xiaot623/gogo/comments/internal/mutation"
	"github.com/xiaot623/gogo/comments/internal/pkg/log"
	"github.com/xiaot623/gogo/comments/internal/protocol"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Transport delivers encoded frames to the client.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
}

// Membership is the hub surface a session uses.
type Membership interface {
	NewMember(room string) *hub.Member
	Register(m *hub.Member) bool
	Unregister(m *hub.Member)
}

// Renderer produces listing frames.
type Renderer interface {
	RenderPage(ctx context.Context, q domain.ListQuery) ([]byte, error)
	RenderReplies(ctx context.Context) ([]byte, error)
}

// Creator persists comments.
type Creator interface {
	CreateComment(ctx context.Context, principal domain.Principal, req mutation.Request) (*domain.Comment, error)
}

// Deps are the shared services a session talks to.
type Deps struct {
	Hub       Membership
	Query     Renderer
	Mutations Creator
	Room      string
	// CreateRate is the number of create_comment requests handled per second; 0 is unlimited.
	CreateRate  int
	MaxPageSize int
}

// Session is the server side of one connection.
type Session struct {
	ID        string
	principal domain.Principal
	transport Transport
	deps      Deps
	limiter   ratelimit.Limiter
	logger    *slog.Logger

	state  atomic.Int32
	member *hub.Member

	mu   sync.Mutex
	pref domain.ListQuery

	closeOnce sync.Once
}

// New creates a session in the Connecting state.
func New(principal domain.Principal, transport Transport, deps Deps) *Session {
	if deps.Room == "" {
		deps.Room = hub.DefaultRoom
	}
	limiter := ratelimit.NewUnlimited()
	if deps.CreateRate > 0 {
		limiter = ratelimit.New(deps.CreateRate)
	}

	s := &Session{
		principal: principal,
		transport: transport,
		deps:      deps,
		limiter:   limiter,
		pref:      domain.DefaultListQuery(),
	}
	s.member = deps.Hub.NewMember(deps.Room)
	s.ID = s.member.ID
	s.logger = slog.Default().With("session_id", s.ID, "user", principal.User.Username)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Preference returns the view used for refreshes.
func (s *Session) Preference() domain.ListQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pref
}

// Context returns ctx carrying the session logger.
func (s *Session) Context(ctx context.Context) context.Context {
	return log.Into(ctx, s.logger)
}

// OnConnect admits the session into the room and sends the first page. An
// unauthenticated principal closes the session without sending anything.
func (s *Session) OnConnect(ctx context.Context) error {
	const op = "session.OnConnect"

	if !s.principal.Authenticated {
		s.state.Store(int32(StateClosed))
		return fmt.Errorf("%s: %w", op, domain.ErrUnauthenticated)
	}
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		return fmt.Errorf("%s: session is %s", op, s.State())
	}
	if !s.deps.Hub.Register(s.member) {
		s.state.Store(int32(StateClosed))
		return fmt.Errorf("%s: %w", op, hub.ErrStopped)
	}

	ctx = s.Context(ctx)
	log.From(ctx).Info("session connected", "room", s.member.Room)
	return s.sendPage(ctx)
}

// OnDisconnect leaves the room. It is safe to call more than once.
func (s *Session) OnDisconnect() {
	s.closeOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateClosed)))
		if prev == StateActive {
			s.deps.Hub.Unregister(s.member)
			s.logger.Info("session disconnected")
		}
	})
}

// OnMessage handles one inbound frame. Unknown or malformed frames are ignored;
// the returned error means the transport is unusable.
func (s *Session) OnMessage(ctx context.Context, payload []byte) error {
	if s.State() != StateActive {
		return nil
	}
	ctx = s.Context(ctx)
	lg := log.From(ctx)

	var base protocol.BaseMessage
	if err := json.Unmarshal(payload, &base); err != nil {
		lg.Debug("dropping malformed frame", "err", err)
		return nil
	}

	switch base.Action {
	case protocol.ActionListComments:
		var req protocol.ListCommentsRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			lg.Debug("dropping malformed list_comments", "err", err)
			return nil
		}
		s.mu.Lock()
		s.pref = req.Query().Normalize(s.deps.MaxPageSize)
		s.mu.Unlock()
		return s.sendPage(ctx)

	case protocol.ActionCreateComment:
		var req protocol.CreateCommentRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			lg.Debug("dropping malformed create_comment", "err", err)
			return nil
		}
		return s.createComment(ctx, req)

	case protocol.ActionListReplies:
		frame, err := s.deps.Query.RenderReplies(ctx)
		if err != nil {
			lg.Error("render replies failed", "err", err)
			return s.sendErrorText(ctx, "internal", protocol.ErrTextListFailed)
		}
		return s.transport.Send(ctx, frame)

	default:
		lg.Debug("ignoring unknown action", "action", base.Action)
		return nil
	}
}

// OnRefresh re-renders the session's own view after a room event.
func (s *Session) OnRefresh(ctx context.Context, ev hub.Event) error {
	if s.State() != StateActive {
		return nil
	}
	ctx = s.Context(ctx)
	log.From(ctx).Debug("refresh", "origin", ev.Origin)
	return s.sendPage(ctx)
}

// Run serves inbound frames and room events on the calling goroutine until
// ctx is done, inbound is closed or the transport fails. It always leaves
// the room before returning.
func (s *Session) Run(ctx context.Context, inbound <-chan []byte) error {
	defer s.OnDisconnect()

	for {
		select {
		case <-ctx.Done():
			return nil

		case payload, ok := <-inbound:
			if !ok {
				return nil
			}
			if err := s.OnMessage(ctx, payload); err != nil {
				return err
			}

		case ev, ok := <-s.member.Events:
			if !ok {
				return nil
			}
			if err := s.OnRefresh(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (s *Session) createComment(ctx context.Context, req protocol.CreateCommentRequest) error {
	s.limiter.Take()

	_, err := s.deps.Mutations.CreateComment(ctx, s.principal, mutation.Request{
		Text:      req.Text,
		HomePage:  req.HomePage,
		ReplyID:   req.ReplyTarget(),
		Image:     req.Image,
		SessionID: s.ID,
		Query:     s.Preference(),
	})
	if err == nil {
		return nil
	}

	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return s.sendErrorText(ctx, "validation", verr.Message)
	case errors.Is(err, domain.ErrNotFound):
		return s.sendErrorText(ctx, "not_found", protocol.ErrTextNotFound)
	default:
		log.From(ctx).Error("create comment failed", "err", err)
		return s.sendErrorText(ctx, "internal", protocol.ErrTextInternal)
	}
}

func (s *Session) sendPage(ctx context.Context) error {
	frame, err := s.deps.Query.RenderPage(ctx, s.Preference())
	if err != nil {
		log.From(ctx).Error("render page failed", "err", err)
		return s.sendErrorText(ctx, "internal", protocol.ErrTextListFailed)
	}
	return s.transport.Send(ctx, frame)
}

func (s *Session) sendErrorText(ctx context.Context, kind, text string) error {
	metrics.ErrorFrames.WithLabelValues(kind).Inc()
	frame, err := json.Marshal(protocol.NewErrorMessage(text))
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, frame)
}
