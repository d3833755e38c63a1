package domain

import "strings"

// SortBy selects the ordering key for top-level comments.
type SortBy string

const (
	SortByUsername SortBy = "username"
	SortByEmail    SortBy = "email"
	SortByDate     SortBy = "date"
)

// SortOrder selects the ordering direction.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Pagination defaults applied to new sessions and to incomplete requests.
const (
	DefaultPage     = 1
	DefaultPageSize = 25
)

// ParseSortBy maps a client value to a sort key. Unknown values fall back to date.
func ParseSortBy(s string) SortBy {
	switch SortBy(strings.ToLower(strings.TrimSpace(s))) {
	case SortByUsername:
		return SortByUsername
	case SortByEmail:
		return SortByEmail
	default:
		return SortByDate
	}
}

// ParseSortOrder maps a client value to a direction. Anything but "asc" is descending.
func ParseSortOrder(s string) SortOrder {
	if SortOrder(strings.ToLower(strings.TrimSpace(s))) == SortAsc {
		return SortAsc
	}
	return SortDesc
}

// ListQuery is a request for one page of top-level comments.
type ListQuery struct {
	Page      int
	PageSize  int
	SortBy    SortBy
	SortOrder SortOrder
}

// DefaultListQuery is the view every session starts with.
func DefaultListQuery() ListQuery {
	return ListQuery{
		Page:      DefaultPage,
		PageSize:  DefaultPageSize,
		SortBy:    SortByDate,
		SortOrder: SortDesc,
	}
}

// Normalize fills defaults and bounds the page size by maxPageSize (0 means unbounded).
func (q ListQuery) Normalize(maxPageSize int) ListQuery {
	if q.Page < 1 {
		q.Page = DefaultPage
	}
	if q.PageSize < 1 {
		q.PageSize = DefaultPageSize
	}
	if maxPageSize > 0 && q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}
	q.SortBy = ParseSortBy(string(q.SortBy))
	q.SortOrder = ParseSortOrder(string(q.SortOrder))
	return q
}
