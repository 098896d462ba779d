// Package pagetoken encodes keyset pagination cursors for lists ordered by
// a timestamp and then an id, both descending.
package pagetoken

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalid is returned by Decode for a malformed token.
var ErrInvalid = errors.New("invalid page token")

const sep = "|"

// Encode returns the cursor of the last row of a page.
func Encode(t time.Time, id string) string {
	return t.Format(time.RFC3339Nano) + sep + id
}

// Decode splits a cursor built by Encode.
func Decode(token string) (time.Time, string, error) {
	ts, id, ok := strings.Cut(token, sep)
	if !ok || id == "" {
		return time.Time{}, "", fmt.Errorf("%w: %q", ErrInvalid, token)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return t, id, nil
}

// Where is the condition selecting the rows after the cursor, for a list
// ordered by timeColumn DESC, idColumn DESC. Bind it with Args.
func Where(timeColumn, idColumn string) string {
	return fmt.Sprintf("(%[1]s < ? OR (%[1]s = ? AND %[2]s < ?))", timeColumn, idColumn)
}

// Args returns the bind arguments of Where.
func Args(t time.Time, id string) []any {
	return []any{t, t, id}
}
