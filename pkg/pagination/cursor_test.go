package pagination

import (
	"testing"
	"time"
)

func TestTimestampCursorRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		timestamp time.Time
		id        string
	}{
		{"typeid transaction", time.Date(2024, 12, 7, 0, 55, 0, 0, time.UTC), "txn_01h93k8qjngtfs8mvt46dtz9gp"},
		{"millisecond precision", time.Now().Truncate(time.Millisecond), "txn-1"},
		{"zero time", time.Time{}, "txn-2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cursor, err := DecodeCursor(EncodeCursor(tt.timestamp, tt.id))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !cursor.Timestamp.Equal(tt.timestamp) {
				t.Fatalf("timestamp mismatch: got %v, want %v", cursor.Timestamp, tt.timestamp)
			}
			if cursor.ID != tt.id {
				t.Fatalf("id mismatch: got %q, want %q", cursor.ID, tt.id)
			}
			if cursor.IsSortKey {
				t.Fatal("ts: cursor should not decode as a sort-key cursor")
			}
		})
	}
}

func TestSortKeyCursorRoundTrip(t *testing.T) {
	// Larger than any valid UnixMilli timestamp; must survive as-is.
	sortKey := int64(1) << 62
	cursor, err := DecodeCursor(EncodeCursorWithSortKey(sortKey, "txn-1"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := cursor.GetSortKey(); got != sortKey {
		t.Fatalf("sort key mismatch: got %d, want %d", got, sortKey)
	}
	if cursor.ID != "txn-1" || !cursor.IsSortKey {
		t.Fatalf("unexpected cursor: %+v", cursor)
	}
}

func TestDecodeCursorRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{"invalid base64", "not-valid-base64!!!"},
		{"no prefix", "aWQ6YWJjMTIz"},             // base64("id:abc123")
		{"no id segment", "dHM6MTcwNDI3MzgwMDAwMA=="}, // base64("ts:1704273800000")
		{"non-numeric key", "dHM6bm90YW51bWJlcjppZDphYmM="}, // base64("ts:notanumber:id:abc")
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeCursor(tt.encoded); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}

	cursor, err := DecodeCursor("")
	if err != nil || cursor != nil {
		t.Fatalf("empty cursor should decode to nil, got %v %v", cursor, err)
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{0, DefaultLimit},
		{-1, DefaultLimit},
		{1, 1},
		{MaxLimit, MaxLimit},
		{MaxLimit + 1, MaxLimit},
	}
	for _, tt := range tests {
		if got := ClampLimit(tt.input); got != tt.expected {
			t.Fatalf("ClampLimit(%d) = %d, want %d", tt.input, got, tt.expected)
		}
	}
}

func TestParseQuery(t *testing.T) {
	validCursor := EncodeCursor(time.Now(), "txn-1")

	params, err := ParseQuery("", "")
	if err != nil || params.Limit != DefaultLimit || params.Cursor != nil {
		t.Fatalf("empty query should yield defaults, got %+v %v", params, err)
	}

	params, err = ParseQuery("25", validCursor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.Limit != 25 || params.Cursor == nil {
		t.Fatalf("expected limit 25 with cursor, got %+v", params)
	}

	if _, err := ParseQuery("abc", ""); err == nil {
		t.Fatal("expected error for non-numeric limit")
	}
	if _, err := ParseQuery("10", "invalid-cursor"); err == nil {
		t.Fatal("expected error for malformed cursor")
	}

	params, err = ParseQuery("1000", "")
	if err != nil || params.Limit != MaxLimit {
		t.Fatalf("expected oversized limit to clamp, got %+v %v", params, err)
	}
}

func TestKeysetBuilder(t *testing.T) {
	builder := &KeysetBuilder{TimestampColumn: "created_at", IDColumn: "id"}

	params := &Params{Cursor: &Cursor{
		Timestamp: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		ID:        "txn-1",
	}}
	condition, args := builder.Condition(params, 3)
	if condition != "(created_at, id) < ($3, $4)" {
		t.Fatalf("condition = %q", condition)
	}
	if len(args) != 2 {
		t.Fatalf("expected 2 bind args, got %d", len(args))
	}

	condition, args = builder.Condition(&Params{}, 1)
	if condition != "" || args != nil {
		t.Fatalf("expected empty condition without cursor, got %q %v", condition, args)
	}

	if got := builder.OrderBy(); got != "ORDER BY created_at DESC, id DESC" {
		t.Fatalf("orderBy = %q", got)
	}
}

func TestKeysetConditionKeepsMicrosecondBoundaries(t *testing.T) {
	builder := &KeysetBuilder{TimestampColumn: "created_at", IDColumn: "id"}

	// Boundary row at .123456; a sibling 56µs older shares its millisecond.
	boundary := time.Date(2026, 8, 24, 10, 30, 5, 123456000, time.UTC)
	sibling := boundary.Add(-56 * time.Microsecond)

	cursor, err := DecodeCursor(EncodeCursorWithSortKey(boundary.UnixMicro(), "txn-9"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	_, args := builder.Condition(&Params{Cursor: cursor}, 2)
	bound, ok := args[0].(time.Time)
	if !ok {
		t.Fatalf("expected time.Time bind, got %T", args[0])
	}
	if !bound.Equal(boundary) {
		t.Fatalf("cursor bound %v, want the exact boundary %v", bound, boundary)
	}

	// The sibling sorts strictly before the bind, so created_at < cursor
	// keeps it on the next page. A millisecond-truncated bind would not.
	if !sibling.Before(bound) {
		t.Fatalf("sibling %v must sort before the cursor bind %v", sibling, bound)
	}
	if sibling.Before(bound.Truncate(time.Millisecond)) {
		t.Fatalf("sibling %v should only be visible under a microsecond bind", sibling)
	}
}

func TestBuildPage(t *testing.T) {
	page := BuildPage(11, 10, "cursor-of-last")
	if !page.HasMore || page.NextCursor != "cursor-of-last" {
		t.Fatalf("expected full page with next cursor, got %+v", page)
	}

	page = BuildPage(10, 10, "cursor-of-last")
	if page.HasMore || page.NextCursor != "" {
		t.Fatalf("expected exact page to end pagination, got %+v", page)
	}

	page = BuildPage(3, 10, "cursor-of-last")
	if page.HasMore {
		t.Fatalf("expected short page to end pagination, got %+v", page)
	}
}
