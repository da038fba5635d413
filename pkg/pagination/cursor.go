// Package pagination implements opaque keyset cursors for list endpoints.
// A cursor pins a position as (sort key, id), which stays stable while
// rows are appended, unlike offset pagination.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Cursor is a decoded pagination position. Both backends encode the
// position as a raw integer sort key ("sk:" cursors): unix microseconds
// on Postgres, the stored millisecond column on sqlite. Millisecond
// "ts:" cursors issued by older builds still decode.
type Cursor struct {
	Timestamp time.Time
	ID        string

	// SortKey holds the raw value of an sk: cursor. Kept as int64 so
	// values outside the time.UnixMilli range survive a round trip.
	SortKey   int64
	IsSortKey bool
}

// GetSortKey returns the position's sort value as an int64, whichever
// form the cursor was encoded in.
func (c *Cursor) GetSortKey() int64 {
	if c.IsSortKey {
		return c.SortKey
	}
	return c.Timestamp.UnixMilli()
}

// Encode serializes the cursor into the opaque string handed to clients.
func (c Cursor) Encode() string {
	raw := fmt.Sprintf("ts:%d:id:%s", c.Timestamp.UnixMilli(), c.ID)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// EncodeCursor builds an encoded timestamp cursor.
func EncodeCursor(timestamp time.Time, id string) string {
	return Cursor{Timestamp: timestamp, ID: id}.Encode()
}

// EncodeCursorWithSortKey builds an encoded cursor from a raw integer
// sort key.
func EncodeCursorWithSortKey(sortKey int64, id string) string {
	raw := fmt.Sprintf("sk:%d:id:%s", sortKey, id)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a client-supplied cursor. An empty string decodes
// to a nil cursor (first page); anything else malformed is an error the
// handler should surface as a 400.
func DecodeCursor(encoded string) (*Cursor, error) {
	if encoded == "" {
		return nil, nil
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}
	raw := string(data)

	var prefix string
	isSortKey := false
	switch {
	case strings.HasPrefix(raw, "ts:"):
		prefix = "ts:"
	case strings.HasPrefix(raw, "sk:"):
		prefix = "sk:"
		isSortKey = true
	default:
		return nil, fmt.Errorf("invalid cursor format: missing ts/sk prefix")
	}

	parts := strings.SplitN(raw[len(prefix):], ":id:", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid cursor format: missing id segment")
	}
	keyValue, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor key: %w", err)
	}

	cursor := &Cursor{ID: parts[1], IsSortKey: isSortKey}
	if isSortKey {
		cursor.SortKey = keyValue
	} else {
		cursor.Timestamp = time.UnixMilli(keyValue)
	}
	return cursor, nil
}

// ClampLimit bounds a requested page size to [1, MaxLimit], substituting
// DefaultLimit for zero or negative values.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Params are the parsed pagination inputs of one list request.
type Params struct {
	Limit  int
	Cursor *Cursor
}

// ParseQuery parses the limit and cursor query values. Out-of-range
// limits clamp; malformed values error.
func ParseQuery(limitStr, cursorStr string) (*Params, error) {
	params := &Params{Limit: DefaultLimit}

	if limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, fmt.Errorf("invalid limit: %w", err)
		}
		params.Limit = ClampLimit(limit)
	}

	if cursorStr != "" {
		cursor, err := DecodeCursor(cursorStr)
		if err != nil {
			return nil, err
		}
		params.Cursor = cursor
	}

	return params, nil
}

// KeysetBuilder renders the SQL fragments for newest-first keyset
// pagination over (timestamp, id). Placeholders use Postgres $N style.
type KeysetBuilder struct {
	TimestampColumn string
	IDColumn        string
}

// Condition returns the WHERE fragment that selects rows strictly older
// than the cursor position, with its bind arguments starting at
// startArgIdx. Sort-key cursors bind as microsecond-exact timestamps;
// a millisecond-truncated bind would exclude rows that share the
// boundary row's millisecond. No cursor means no condition.
func (b *KeysetBuilder) Condition(params *Params, startArgIdx int) (string, []interface{}) {
	if params.Cursor == nil {
		return "", nil
	}
	ts := params.Cursor.Timestamp
	if params.Cursor.IsSortKey {
		ts = time.UnixMicro(params.Cursor.SortKey).UTC()
	}
	return fmt.Sprintf("(%s, %s) < ($%d, $%d)",
			b.TimestampColumn, b.IDColumn, startArgIdx, startArgIdx+1),
		[]interface{}{ts, params.Cursor.ID}
}

// OrderBy returns the matching ORDER BY clause.
func (b *KeysetBuilder) OrderBy() string {
	return fmt.Sprintf("ORDER BY %s DESC, %s DESC", b.TimestampColumn, b.IDColumn)
}

// Page is the pagination envelope returned alongside a result list.
type Page struct {
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// BuildPage derives the envelope from a limit+1 query: resultsLen is the
// raw row count before trimming, endCursor the cursor of the last row
// after trimming.
func BuildPage(resultsLen, limit int, endCursor string) Page {
	page := Page{HasMore: resultsLen > limit}
	if page.HasMore {
		page.NextCursor = endCursor
	}
	return page
}
