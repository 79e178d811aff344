package server

import (
	"encoding/base64"
	"encoding/json"
	"strconv"

	"github.com/dedalus-labs/openmcp-go/protocol"
)

// DefaultPageSize is the page size applied to every list operation unless
// overridden with WithPageSize.
const DefaultPageSize = 50

// decodeOffsetCursor parses a plain offset cursor as produced by
// nextOffsetCursor. An empty cursor means the start of the list.
func decodeOffsetCursor(cursor string) (int, *protocol.Error) {
	if cursor == "" {
		return 0, nil
	}
	offset, err := strconv.Atoi(cursor)
	if err != nil || offset < 0 {
		return 0, protocol.NewInvalidParams("malformed cursor").WithData(map[string]any{
			"cursor": cursor,
		})
	}
	return offset, nil
}

// nextOffsetCursor renders the continuation cursor for the next page, or ""
// when the list is exhausted.
func nextOffsetCursor(offset, total int) string {
	if offset >= total {
		return ""
	}
	return strconv.Itoa(offset)
}

// Paginate slices one page out of items. Offsets beyond the end yield an
// empty page with no continuation, so clients holding a cursor across a
// shrink terminate cleanly.
func Paginate[T any](items []T, cursor string, size int) ([]T, string, *protocol.Error) {
	offset, perr := decodeOffsetCursor(cursor)
	if perr != nil {
		return nil, "", perr
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if offset >= len(items) {
		return []T{}, "", nil
	}
	end := offset + size
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end], nextOffsetCursor(end, len(items)), nil
}

// versionedCursor is the payload of a roots cursor: it pins the snapshot
// version so a refresh invalidates outstanding cursors.
type versionedCursor struct {
	Version int `json:"v"`
	Offset  int `json:"o"`
}

// encodeVersionedCursor renders an opaque base64(JSON) cursor.
func encodeVersionedCursor(version, offset int) string {
	data, _ := json.Marshal(versionedCursor{Version: version, Offset: offset})
	return base64.RawURLEncoding.EncodeToString(data)
}

// decodeVersionedCursor parses a cursor produced by encodeVersionedCursor.
func decodeVersionedCursor(cursor string) (versionedCursor, *protocol.Error) {
	malformed := protocol.NewInvalidParams("malformed cursor").WithData(map[string]any{
		"cursor": cursor,
	})
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return versionedCursor{}, malformed
	}
	var vc versionedCursor
	if err := json.Unmarshal(data, &vc); err != nil || vc.Offset < 0 {
		return versionedCursor{}, malformed
	}
	return vc, nil
}
