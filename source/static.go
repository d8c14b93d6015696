package source

import (
	"context"
	"encoding/json"
	"os"
	"strconv"

	"github.com/teranos/inkest/errors"
)

// Static serves a fixed slice of items in pages. It backs tests and the
// --from-file replay mode, where a previously exported JSON dump is
// re-processed without touching the network.
type Static struct {
	items    []Item
	pageSize int
}

// NewStatic returns a Static source over items. pageSize <= 0 defaults
// to 50.
func NewStatic(items []Item, pageSize int) *Static {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Static{items: items, pageSize: pageSize}
}

// NewStaticFromFile loads an exported JSON dump (an array of items) and
// returns a Static source over it.
func NewStaticFromFile(path string, pageSize int) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read export file %s", path)
	}

	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, errors.Wrapf(err, "failed to parse export file %s", path)
	}

	for i := range items {
		if items[i].ItemID == "" {
			return nil, errors.Newf("export file %s: item %d missing item_id", path, i)
		}
	}

	return NewStatic(items, pageSize), nil
}

// ListItems pages through the fixed slice. The cursor is the offset of
// the next unreturned item.
func (s *Static) ListItems(ctx context.Context, cursor Cursor) ([]Item, Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	offset := 0
	if cursor != "" {
		parsed, err := strconv.Atoi(string(cursor))
		if err != nil || parsed < 0 {
			return nil, "", errors.Newf("invalid cursor %q", cursor)
		}
		offset = parsed
	}

	if offset >= len(s.items) {
		return nil, "", nil
	}

	end := offset + s.pageSize
	if end > len(s.items) {
		end = len(s.items)
	}

	page := make([]Item, end-offset)
	copy(page, s.items[offset:end])

	next := Cursor("")
	if end < len(s.items) {
		next = Cursor(strconv.Itoa(end))
	}

	return page, next, nil
}
