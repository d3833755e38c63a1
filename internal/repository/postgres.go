package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xiaot623/gogo/comments/internal/domain"
)

// PostgresStore implements Store on top of a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects to PostgreSQL, verifies the connection and migrates the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{pool: pool, now: time.Now}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username VARCHAR(24) NOT NULL UNIQUE,
			email TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS comments (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			reply_id BIGINT REFERENCES comments(id) ON DELETE CASCADE,
			text VARCHAR(2084) NOT NULL,
			home_page TEXT,
			image TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_comments_reply ON comments(reply_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_comments_created ON comments(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateUser creates a new user and sets its ID.
func (s *PostgresStore) CreateUser(ctx context.Context, user *domain.User) error {
	return s.pool.QueryRow(ctx,
		`INSERT INTO users (username, email) VALUES ($1, $2) RETURNING id`,
		user.Username, user.Email).Scan(&user.ID)
}

// GetUser retrieves a user by ID.
func (s *PostgresStore) GetUser(ctx context.Context, userID int64) (*domain.User, error) {
	var user domain.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, email FROM users WHERE id = $1`,
		userID).Scan(&user.ID, &user.Username, &user.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetComment retrieves a comment by ID.
func (s *PostgresStore) GetComment(ctx context.Context, commentID int64) (*domain.Comment, error) {
	comment, err := scanPgComment(s.pool.QueryRow(ctx, rebind(getCommentQuery), commentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return comment, nil
}

// CountTopLevel returns the number of comments without a parent.
func (s *PostgresStore) CountTopLevel(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM comments WHERE reply_id IS NULL`).Scan(&n)
	return n, err
}

// ListTopLevel retrieves one page of top-level comments.
func (s *PostgresStore) ListTopLevel(ctx context.Context, filter ListFilter) ([]domain.Comment, error) {
	return s.queryComments(ctx, s.pool, rebind(listTopLevelQuery(filter)), filter.Limit, filter.Offset)
}

// ListReplies retrieves the direct replies of the given comments in creation order.
func (s *PostgresStore) ListReplies(ctx context.Context, parentIDs []int64) ([]domain.Comment, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	return s.queryComments(ctx, s.pool, rebind(listRepliesQuery(len(parentIDs))), int64Args(parentIDs)...)
}

// ListAllReplies retrieves every reply in creation order.
func (s *PostgresStore) ListAllReplies(ctx context.Context) ([]domain.Comment, error) {
	return s.queryComments(ctx, s.pool, listAllRepliesQuery)
}

// CreateComment inserts a comment. The parent lookup takes a share lock so a
// concurrent delete cannot remove it before the insert commits.
func (s *PostgresStore) CreateComment(ctx context.Context, c domain.NewComment) (*domain.Comment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if c.ReplyID != nil {
		var exists int
		err := tx.QueryRow(ctx, `SELECT 1 FROM comments WHERE id = $1 FOR SHARE`, *c.ReplyID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("reply target %d: %w", *c.ReplyID, domain.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO comments (user_id, reply_id, text, home_page, image, created_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		c.UserID, c.ReplyID, c.Text, c.HomePage, c.Image, s.now().UTC()).Scan(&id)
	if err != nil {
		return nil, err
	}

	comment, err := scanPgComment(tx.QueryRow(ctx, rebind(getCommentQuery), id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return comment, nil
}

// DeleteComment removes a comment; the foreign keys cascade to its replies.
func (s *PostgresStore) DeleteComment(ctx context.Context, commentID int64) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, rebind(subtreeImagesQuery), commentID)
	if err != nil {
		return nil, err
	}
	images, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM comments WHERE id = $1`, commentID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("comment %d: %w", commentID, domain.ErrNotFound)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return images, nil
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) queryComments(ctx context.Context, q pgQuerier, query string, args ...interface{}) ([]domain.Comment, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []domain.Comment
	for rows.Next() {
		c, err := scanPgComment(rows)
		if err != nil {
			return nil, err
		}
		comments = append(comments, *c)
	}
	return comments, rows.Err()
}

func scanPgComment(row pgx.Row) (*domain.Comment, error) {
	var c domain.Comment
	if err := row.Scan(&c.ID, &c.UserID, &c.Username, &c.Email, &c.Text, &c.HomePage, &c.Image, &c.ReplyID, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// IsUniqueViolation reports whether err came from a UNIQUE constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Store = (*PostgresStore)(nil)
