package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaot623/gogo/comments/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withForeignKeys(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if strings.HasPrefix(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// withForeignKeys makes every pooled connection enforce cascades, not just the first one.
func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "_fk") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_foreign_keys=on"
	}
	return dsn + "?_foreign_keys=on"
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS comments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			reply_id INTEGER,
			text TEXT NOT NULL,
			home_page TEXT,
			image TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY (reply_id) REFERENCES comments(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_comments_reply ON comments(reply_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_comments_created ON comments(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateUser creates a new user and sets its ID.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *domain.User) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, email) VALUES (?, ?)`,
		user.Username, user.Email)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	user.ID = id
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID int64) (*domain.User, error) {
	var user domain.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email FROM users WHERE id = ?`,
		userID).Scan(&user.ID, &user.Username, &user.Email)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetComment retrieves a comment by ID.
func (s *SQLiteStore) GetComment(ctx context.Context, commentID int64) (*domain.Comment, error) {
	comment, err := scanComment(s.db.QueryRowContext(ctx, getCommentQuery, commentID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return comment, nil
}

// CountTopLevel returns the number of comments without a parent.
func (s *SQLiteStore) CountTopLevel(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM comments WHERE reply_id IS NULL`).Scan(&n)
	return n, err
}

// ListTopLevel retrieves one page of top-level comments.
func (s *SQLiteStore) ListTopLevel(ctx context.Context, filter ListFilter) ([]domain.Comment, error) {
	return s.queryComments(ctx, listTopLevelQuery(filter), filter.Limit, filter.Offset)
}

// ListReplies retrieves the direct replies of the given comments in creation order.
func (s *SQLiteStore) ListReplies(ctx context.Context, parentIDs []int64) ([]domain.Comment, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	return s.queryComments(ctx, listRepliesQuery(len(parentIDs)), int64Args(parentIDs)...)
}

// ListAllReplies retrieves every reply in creation order.
func (s *SQLiteStore) ListAllReplies(ctx context.Context) ([]domain.Comment, error) {
	return s.queryComments(ctx, listAllRepliesQuery)
}

// CreateComment inserts a comment. The parent check and the insert share one transaction.
func (s *SQLiteStore) CreateComment(ctx context.Context, c domain.NewComment) (*domain.Comment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if c.ReplyID != nil {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM comments WHERE id = ?`, *c.ReplyID).Scan(&exists)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("reply target %d: %w", *c.ReplyID, domain.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO comments (user_id, reply_id, text, home_page, image, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.UserID, nullInt64(c.ReplyID), c.Text, nullString(c.HomePage), nullString(c.Image), s.now().UTC())
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	comment, err := scanComment(tx.QueryRowContext(ctx, getCommentQuery, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return comment, nil
}

// DeleteComment removes a comment; the foreign keys cascade to its replies.
func (s *SQLiteStore) DeleteComment(ctx context.Context, commentID int64) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, subtreeImagesQuery, commentID)
	if err != nil {
		return nil, err
	}
	var images []string
	for rows.Next() {
		var image string
		if err := rows.Scan(&image); err != nil {
			rows.Close()
			return nil, err
		}
		images = append(images, image)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE id = ?`, commentID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("comment %d: %w", commentID, domain.ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return images, nil
}

func (s *SQLiteStore) queryComments(ctx context.Context, query string, args ...interface{}) ([]domain.Comment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []domain.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		comments = append(comments, *c)
	}
	return comments, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanComment(row rowScanner) (*domain.Comment, error) {
	var c domain.Comment
	var homePage, image sql.NullString
	var replyID sql.NullInt64
	if err := row.Scan(&c.ID, &c.UserID, &c.Username, &c.Email, &c.Text, &homePage, &image, &replyID, &c.CreatedAt); err != nil {
		return nil, err
	}
	if homePage.Valid {
		c.HomePage = &homePage.String
	}
	if image.Valid {
		c.Image = &image.String
	}
	if replyID.Valid {
		c.ReplyID = &replyID.Int64
	}
	return &c, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

var _ Store = (*SQLiteStore)(nil)
