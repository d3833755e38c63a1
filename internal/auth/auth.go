// Package auth resolves the principal of an incoming connection from a signed token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xiaot623/gogo/comments/internal/domain"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrUnknownUser  = errors.New("unknown user")
)

// UserLookup is the part of the store the authenticator needs.
type UserLookup interface {
	GetUser(ctx context.Context, userID int64) (*domain.User, error)
}

type claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 tokens whose subject is a user id.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	users  UserLookup
	now    func() time.Time
}

// New creates an Authenticator. An empty issuer disables the issuer check.
func New(secret, issuer string, ttl time.Duration, users UserLookup) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		users:  users,
		now:    time.Now,
	}
}

// IssueToken signs a token for the user.
func (a *Authenticator) IssueToken(u domain.User) (string, error) {
	const op = "auth.IssueToken"

	now := a.now()
	rc := jwt.RegisteredClaims{
		Subject:  strconv.FormatInt(u.ID, 10),
		Issuer:   a.issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if a.ttl > 0 {
		rc.ExpiresAt = jwt.NewNumericDate(now.Add(a.ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{Username: u.Username, RegisteredClaims: rc}).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return signed, nil
}

// ParseToken validates the token and returns the user id it was issued for.
func (a *Authenticator) ParseToken(tokenStr string) (int64, error) {
	const op = "auth.ParseToken"

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(5 * time.Second),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, fmt.Errorf("%s: %w", op, ErrTokenExpired)
		}
		return 0, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return 0, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}
	return id, nil
}

// Authenticate resolves the principal of a request. On any failure it returns
// domain.Anonymous and an error wrapping domain.ErrUnauthenticated.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (domain.Principal, error) {
	const op = "auth.Authenticate"

	tokenStr := TokenFromRequest(r)
	if tokenStr == "" {
		return domain.Anonymous, fmt.Errorf("%s: %w: %w", op, domain.ErrUnauthenticated, ErrMissingToken)
	}

	userID, err := a.ParseToken(tokenStr)
	if err != nil {
		return domain.Anonymous, fmt.Errorf("%s: %w: %w", op, domain.ErrUnauthenticated, err)
	}

	u, err := a.users.GetUser(ctx, userID)
	if err != nil {
		return domain.Anonymous, fmt.Errorf("%s: %w", op, err)
	}
	if u == nil {
		return domain.Anonymous, fmt.Errorf("%s: %w: %w", op, domain.ErrUnauthenticated, ErrUnknownUser)
	}

	return domain.NewPrincipal(*u), nil
}

// TokenFromRequest reads the token from the "token" query parameter or a bearer
// Authorization header.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
