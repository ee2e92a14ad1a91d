// internal/cursor/cursor.go

// Package cursor encodes keyset pagination positions over (timestamp, key)
// ordered feeds.
package cursor

import (
	"strings"
	"time"

	custom_errors "repo-pulse/internal/errors"
)

const separator = "|"

// Layouts accepted when the timestamp carries no UTC offset.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Position is a decoded cursor.
type Position struct {
	Time time.Time
	Key  string
}

// Encode renders t and key as "<RFC3339 timestamp>|<key>".
func Encode(t time.Time, key string) string {
	return t.Format(time.RFC3339Nano) + separator + key
}

// Decode splits a cursor on its first separator. A timestamp without an
// offset is read as UTC.
func Decode(s string) (Position, error) {
	ts, key, ok := strings.Cut(s, separator)
	if !ok {
		return Position{}, &custom_errors.ErrInvalidCursor{Cursor: s, Reason: "missing separator"}
	}
	t, err := parseTimestamp(ts)
	if err != nil {
		return Position{}, &custom_errors.ErrInvalidCursor{Cursor: s, Reason: "malformed timestamp"}
	}
	return Position{Time: t, Key: key}, nil
}

func parseTimestamp(ts string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t, nil
	}
	var lastErr error
	for _, layout := range naiveLayouts {
		t, err := time.ParseInLocation(layout, ts, time.UTC)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// Trim applies the limit+1 rule to rows fetched with LIMIT limit+1 in
// (timestamp desc, key desc) order. When an extra row exists it is dropped
// from the page and its position becomes the next cursor; the following
// query must be inclusive of that position.
func Trim[T any](rows []T, limit int, position func(T) Position) ([]T, string) {
	if limit < 0 {
		limit = 0
	}
	if len(rows) <= limit {
		return rows, ""
	}
	p := position(rows[limit])
	return rows[:limit], Encode(p.Time, p.Key)
}
