package services

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"lancanvas/internal/types/canvas"
)

const (
	maxBookmarkNameLen  = 50
	maxBookmarksPerUser = 50
	minZoom             = 0.01
	maxZoom             = 10
)

var (
	ErrInvalidBookmarkName = errors.New("invalid bookmark name (must be 1-50 chars)")
	ErrBookmarkLimit       = errors.New("bookmark limit reached")
	ErrBookmarkNotFound    = errors.New("bookmark not found")
)

// BookmarkStore keeps per-user named viewports in memory, insertion ordered.
// Bookmarks are never persisted and never mutated, only saved and deleted.
type BookmarkStore struct {
	mu        sync.RWMutex
	bookmarks []canvas.Bookmark
}

func NewBookmarkStore() *BookmarkStore {
	return &BookmarkStore{}
}

// Save validates the name, clamps the zoom and appends a bookmark for the
// owner, up to the per-user cap.
func (b *BookmarkStore) Save(ownerUserID, name string, view canvas.View) (canvas.Bookmark, error) {
	name = strings.TrimSpace(name)
	if len(name) > maxBookmarkNameLen {
		name = name[:maxBookmarkNameLen]
	}
	if name == "" {
		return canvas.Bookmark{}, ErrInvalidBookmarkName
	}

	if view.Zoom == 0 {
		view.Zoom = 1
	}
	if view.Zoom < minZoom {
		view.Zoom = minZoom
	} else if view.Zoom > maxZoom {
		view.Zoom = maxZoom
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for _, bm := range b.bookmarks {
		if bm.OwnerUserID == ownerUserID {
			count++
		}
	}
	if count >= maxBookmarksPerUser {
		return canvas.Bookmark{}, ErrBookmarkLimit
	}

	bookmark := canvas.Bookmark{
		BookmarkID:  uuid.New().String(),
		OwnerUserID: ownerUserID,
		Name:        name,
		View:        view,
	}
	b.bookmarks = append(b.bookmarks, bookmark)
	return bookmark, nil
}

// ListFor returns the owner's bookmarks in insertion order. Always non-nil so
// it serializes as [] rather than null.
func (b *BookmarkStore) ListFor(ownerUserID string) []canvas.Bookmark {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := []canvas.Bookmark{}
	for _, bm := range b.bookmarks {
		if bm.OwnerUserID == ownerUserID {
			out = append(out, bm)
		}
	}
	return out
}

// Delete removes a bookmark if it exists and belongs to the requester. A
// wrong owner gets the same not-found error as a missing ID.
func (b *BookmarkStore) Delete(bookmarkID, requestingUserID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, bm := range b.bookmarks {
		if bm.BookmarkID == bookmarkID && bm.OwnerUserID == requestingUserID {
			b.bookmarks = append(b.bookmarks[:i], b.bookmarks[i+1:]...)
			return nil
		}
	}
	return ErrBookmarkNotFound
}
