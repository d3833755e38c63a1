package store

import (
	"strconv"
	"strings"

	"github.com/xiaot623/gogo/comments/internal/domain"
)

const commentColumns = `c.id, c.user_id, u.username, u.email, c.text, c.home_page, c.image, c.reply_id, c.created_at`

const commentFrom = ` FROM comments c JOIN users u ON u.id = c.user_id`

// orderClause renders the ORDER BY list for top-level listing. Only whitelisted
// columns are emitted; ties are broken by id in the same direction.
func orderClause(sortBy domain.SortBy, order domain.SortOrder) string {
	column := "c.created_at"
	switch sortBy {
	case domain.SortByUsername:
		column = "u.username"
	case domain.SortByEmail:
		column = "u.email"
	}
	dir := "DESC"
	if order == domain.SortAsc {
		dir = "ASC"
	}
	return column + " " + dir + ", c.id " + dir
}

func listTopLevelQuery(f ListFilter) string {
	return `SELECT ` + commentColumns + commentFrom +
		` WHERE c.reply_id IS NULL ORDER BY ` + orderClause(f.SortBy, f.SortOrder) +
		` LIMIT ? OFFSET ?`
}

func listRepliesQuery(n int) string {
	return `SELECT ` + commentColumns + commentFrom +
		` WHERE c.reply_id IN (` + placeholders(n) + `) ORDER BY c.created_at ASC, c.id ASC`
}

const listAllRepliesQuery = `SELECT ` + commentColumns + commentFrom +
	` WHERE c.reply_id IS NOT NULL ORDER BY c.created_at ASC, c.id ASC`

const getCommentQuery = `SELECT ` + commentColumns + commentFrom + ` WHERE c.id = ?`

// subtreeImagesQuery collects the images of a comment and all of its descendants.
const subtreeImagesQuery = `WITH RECURSIVE tree(id) AS (
	SELECT id FROM comments WHERE id = ?
	UNION ALL
	SELECT c.id FROM comments c JOIN tree t ON c.reply_id = t.id
)
SELECT image FROM comments WHERE id IN (SELECT id FROM tree) AND image IS NOT NULL`

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// rebind converts ? placeholders into PostgreSQL's positional $n form.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func int64Args(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
