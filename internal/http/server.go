// Package http provides the internal HTTP server: health, metrics and moderation.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaot623/gogo/comments/internal/domain"
	store "github.com/xiaot623/gogo/comments/internal/repository"
)

// MaxUsernameLength bounds registered usernames.
const MaxUsernameLength = 24

// Stats reports room membership.
type Stats interface {
	GetConnectionCount() int
	GetRoomCount() int
}

// Moderator performs out-of-band changes to the comment listing.
type Moderator interface {
	Refresh(ctx context.Context) error
	DeleteComment(ctx context.Context, commentID int64) error
}

// Users creates accounts.
type Users interface {
	CreateUser(ctx context.Context, user *domain.User) error
}

// TokenIssuer mints connection tokens.
type TokenIssuer interface {
	IssueToken(u domain.User) (string, error)
}

// Server is the internal HTTP server.
type Server struct {
	echo   *echo.Echo
	stats  Stats
	mod    Moderator
	users  Users
	tokens TokenIssuer
}

// NewServer creates a new internal HTTP server.
func NewServer(stats Stats, mod Moderator, users Users, tokens TokenIssuer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		stats:  stats,
		mod:    mod,
		users:  users,
		tokens: tokens,
	}

	// Register routes
	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/internal/refresh", s.handleRefresh)
	e.DELETE("/internal/comments/:id", s.handleDeleteComment)
	e.POST("/internal/users", s.handleCreateUser)

	return s
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": s.stats.GetConnectionCount(),
		"rooms":       s.stats.GetRoomCount(),
	})
}

// handleRefresh invalidates cached listings and pushes fresh pages to the room.
func (s *Server) handleRefresh(c echo.Context) error {
	if err := s.mod.Refresh(c.Request().Context()); err != nil {
		slog.Error("refresh failed", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "refresh failed"})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// handleDeleteComment removes a comment and its replies.
func (s *Server) handleDeleteComment(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid comment id"})
	}

	if err := s.mod.DeleteComment(c.Request().Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "Comment not found"})
		}
		slog.Error("delete comment failed", "comment_id", id, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "delete failed"})
	}

	return c.NoContent(http.StatusNoContent)
}

// CreateUserRequest represents the request body for POST /internal/users.
type CreateUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// CreateUserResponse carries the new user and a token to connect with.
type CreateUserResponse struct {
	domain.User
	Token string `json:"token"`
}

// handleCreateUser registers a user and returns a connection token.
func (s *Server) handleCreateUser(c echo.Context) error {
	var req CreateUserRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || utf8.RuneCountInString(req.Username) > MaxUsernameLength {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "username must be 1-24 characters"})
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid email"})
	}

	u := domain.User{Username: req.Username, Email: addr.Address}
	if err := s.users.CreateUser(c.Request().Context(), &u); err != nil {
		if store.IsUniqueViolation(err) {
			return c.JSON(http.StatusConflict, map[string]string{"error": "username or email already taken"})
		}
		slog.Error("create user failed", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to create user"})
	}

	token, err := s.tokens.IssueToken(u)
	if err != nil {
		slog.Error("issue token failed", "user_id", u.ID, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to issue token"})
	}

	return c.JSON(http.StatusCreated, CreateUserResponse{User: u, Token: token})
}
