// Package pagination pages through lists ordered newest first by
// (created_at, id) using opaque cursors.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor is the position just after the last item of a page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Before reports whether (createdAt, id) sorts strictly before the cursor,
// that is, whether it belongs on a later page.
func (c Cursor) Before(createdAt time.Time, id string) bool {
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// Encode returns the opaque form of a position.
func Encode(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor. Empty input yields nil.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// ParseLimit reads a page size from a query value, clamped to [1, MaxLimit].
func ParseLimit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// Page is one slice of a listing.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// Paginate pages through items already sorted descending by key, newest
// first. It returns up to limit items positioned after cursor.
func Paginate[T any](items []T, cursor *Cursor, limit int, key func(T) (time.Time, string)) Page[T] {
	if limit <= 0 {
		limit = DefaultLimit
	}

	start := 0
	if cursor != nil {
		start = len(items)
		for i, it := range items {
			if cursor.Before(key(it)) {
				start = i
				break
			}
		}
	}

	rest := items[start:]
	if len(rest) <= limit {
		return Page[T]{Items: rest}
	}
	page := rest[:limit]
	createdAt, id := key(page[len(page)-1])
	return Page[T]{Items: page, NextCursor: Encode(createdAt, id), HasMore: true}
}
