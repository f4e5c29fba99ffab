package services

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"lancanvas/internal/types/canvas"
)

const maxTagLen = 30

var (
	ErrItemNotFound = errors.New("item not found")
	ErrItemPinned   = errors.New("cannot delete a pinned item")
	ErrInvalidItem  = errors.New("invalid item data")
	ErrForbidden    = errors.New("operation not permitted")
)

// AuthorizePolicy decides whether actorUserID may perform op ("move", "tag",
// "pin", "delete") on item. The default policy allows everything, matching
// the open-edit model of the canvas; it exists so ownership rules can be
// tightened later without touching the store contract.
type AuthorizePolicy func(actorUserID string, item canvas.Item, op string) bool

// NewItem carries the caller-supplied fields of an add-item intent. Position
// presence is validated at the protocol boundary; the store validates type.
type NewItem struct {
	Type         canvas.ItemType
	Content      string
	X            float64
	Y            float64
	Width        *float64
	Height       *float64
	OriginalName string
	Mimetype     string
}

// ItemDiff is the changed-fields result of a position/size update, shaped for
// selective broadcast: only fields that actually changed are set.
type ItemDiff struct {
	ID          string   `json:"id"`
	X           *float64 `json:"x,omitempty"`
	Y           *float64 `json:"y,omitempty"`
	Width       *float64 `json:"width,omitempty"`
	Height      *float64 `json:"height,omitempty"`
	OwnerUserID string   `json:"ownerUserID"`
	Changed     bool     `json:"-"`
}

// ItemFilters are the structured half of a filter-items request; all set
// fields are ANDed together and with the text query.
type ItemFilters struct {
	Type         canvas.ItemType `json:"type,omitempty"`
	OwnerUserID  string          `json:"ownerUserID,omitempty"`
	IsPinned     *bool           `json:"isPinned,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	CreatedAfter *int64          `json:"createdAfter,omitempty"`
	CreatedBefore *int64          `json:"createdBefore,omitempty"`
}

// ItemStore is the canonical in-memory collection of canvas items, kept in
// insertion order for snapshots.
type ItemStore struct {
	mu        sync.RWMutex
	order     []string
	items     map[string]*canvas.Item
	authorize AuthorizePolicy
	now       func() time.Time
}

func NewItemStore() *ItemStore {
	return &ItemStore{
		items:     make(map[string]*canvas.Item),
		authorize: func(string, canvas.Item, string) bool { return true },
		now:       time.Now,
	}
}

// SetAuthorizePolicy replaces the default allow-all policy.
func (s *ItemStore) SetAuthorizePolicy(p AuthorizePolicy) {
	if p != nil {
		s.authorize = p
	}
}

func validItemType(t canvas.ItemType) bool {
	switch t {
	case canvas.ItemTypeText, canvas.ItemTypeImage, canvas.ItemTypeFile:
		return true
	}
	return false
}

// Create assigns id, creation date, empty tags and unpinned state to a new
// item and appends it to the canvas.
func (s *ItemStore) Create(ownerUserID string, in NewItem) (canvas.Item, error) {
	if !validItemType(in.Type) || ownerUserID == "" {
		return canvas.Item{}, ErrInvalidItem
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item := &canvas.Item{
		ID:           uuid.New().String(),
		Type:         in.Type,
		Content:      in.Content,
		X:            in.X,
		Y:            in.Y,
		Width:        in.Width,
		Height:       in.Height,
		OriginalName: in.OriginalName,
		Mimetype:     in.Mimetype,
		OwnerUserID:  ownerUserID,
		Tags:         []string{},
		CreationDate: s.now().UnixMilli(),
		IsPinned:     false,
	}
	s.items[item.ID] = item
	s.order = append(s.order, item.ID)
	return *item, nil
}

// UpdatePosition applies the provided position/size fields that differ from
// the stored values and returns the resulting diff. Diff.Changed is false
// when nothing differed, in which case callers should skip the broadcast.
func (s *ItemStore) UpdatePosition(actorUserID, id string, x, y, width, height *float64) (ItemDiff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return ItemDiff{}, ErrItemNotFound
	}
	if !s.authorize(actorUserID, *item, "move") {
		return ItemDiff{}, ErrForbidden
	}

	diff := ItemDiff{ID: id, OwnerUserID: item.OwnerUserID}
	if x != nil && item.X != *x {
		item.X = *x
		diff.X = x
		diff.Changed = true
	}
	if y != nil && item.Y != *y {
		item.Y = *y
		diff.Y = y
		diff.Changed = true
	}
	if width != nil && (item.Width == nil || *item.Width != *width) {
		item.Width = width
		diff.Width = width
		diff.Changed = true
	}
	if height != nil && (item.Height == nil || *item.Height != *height) {
		item.Height = height
		diff.Height = height
		diff.Changed = true
	}
	return diff, nil
}

// SanitizeTags trims, caps at 30 chars, drops empties and deduplicates while
// preserving first-seen order.
func SanitizeTags(tags []string) []string {
	out := []string{}
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if len(tag) > maxTagLen {
			tag = tag[:maxTagLen]
		}
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// UpdateTags replaces the item's full tag set with the sanitized input and
// returns the stored tags plus the item's owner for broadcast context.
func (s *ItemStore) UpdateTags(actorUserID, id string, tags []string) ([]string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, "", ErrItemNotFound
	}
	if !s.authorize(actorUserID, *item, "tag") {
		return nil, "", ErrForbidden
	}

	item.Tags = SanitizeTags(tags)
	return item.Tags, item.OwnerUserID, nil
}

// TogglePin flips the pin flag and returns the new state.
func (s *ItemStore) TogglePin(actorUserID, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return false, ErrItemNotFound
	}
	if !s.authorize(actorUserID, *item, "pin") {
		return false, ErrForbidden
	}

	item.IsPinned = !item.IsPinned
	return item.IsPinned, nil
}

// Delete removes an unpinned item and returns a copy of it so the caller can
// release any backing upload. Pinned items refuse deletion.
func (s *ItemStore) Delete(actorUserID, id string) (canvas.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return canvas.Item{}, ErrItemNotFound
	}
	if item.IsPinned {
		return canvas.Item{}, ErrItemPinned
	}
	if !s.authorize(actorUserID, *item, "delete") {
		return canvas.Item{}, ErrForbidden
	}

	removed := *item
	delete(s.items, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return removed, nil
}

// ClearUnpinned removes every unpinned item and returns both the removed
// items (for upload cleanup) and the surviving pinned ones (for the
// items-state broadcast).
func (s *ItemStore) ClearUnpinned() (removed, remaining []canvas.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0:0]
	for _, id := range s.order {
		item := s.items[id]
		if item.IsPinned {
			kept = append(kept, id)
			remaining = append(remaining, *item)
		} else {
			removed = append(removed, *item)
			delete(s.items, id)
		}
	}
	s.order = kept
	if remaining == nil {
		remaining = []canvas.Item{}
	}
	return removed, remaining
}

// Filter returns the IDs of items matching the query and structured filters.
// The query is a case-insensitive substring match over the original filename,
// any tag, and (for text items) the content itself.
func (s *ItemStore) Filter(query string, filters *ItemFilters) []string {
	query = strings.ToLower(strings.TrimSpace(query))

	s.mu.RLock()
	defer s.mu.RUnlock()

	matching := []string{}
	for _, id := range s.order {
		item := s.items[id]
		if query != "" && !matchesQuery(item, query) {
			continue
		}
		if filters != nil && !matchesFilters(item, filters) {
			continue
		}
		matching = append(matching, id)
	}
	return matching
}

func matchesQuery(item *canvas.Item, query string) bool {
	if strings.Contains(strings.ToLower(item.OriginalName), query) {
		return true
	}
	for _, tag := range item.Tags {
		if strings.Contains(strings.ToLower(tag), query) {
			return true
		}
	}
	if item.Type == canvas.ItemTypeText && strings.Contains(strings.ToLower(item.Content), query) {
		return true
	}
	return false
}

func matchesFilters(item *canvas.Item, f *ItemFilters) bool {
	if f.Type != "" && item.Type != f.Type {
		return false
	}
	if f.OwnerUserID != "" && item.OwnerUserID != f.OwnerUserID {
		return false
	}
	if f.IsPinned != nil && item.IsPinned != *f.IsPinned {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range item.Tags {
			if strings.EqualFold(tag, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CreatedAfter != nil && item.CreationDate < *f.CreatedAfter {
		return false
	}
	if f.CreatedBefore != nil && item.CreationDate > *f.CreatedBefore {
		return false
	}
	return true
}

// Snapshot returns copies of all items in insertion order.
func (s *ItemStore) Snapshot() []canvas.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]canvas.Item, 0, len(s.order))
	for _, id := range s.order {
		items = append(items, *s.items[id])
	}
	return items
}

// ReplaceAll swaps in a restored item set; used once at startup.
func (s *ItemStore) ReplaceAll(items []canvas.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = s.order[:0]
	s.items = make(map[string]*canvas.Item, len(items))
	for i := range items {
		item := items[i]
		if item.ID == "" {
			continue
		}
		s.items[item.ID] = &item
		s.order = append(s.order, item.ID)
	}
}

// Count returns the number of items on the canvas.
func (s *ItemStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
