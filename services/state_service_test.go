package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lancanvas/internal/types/canvas"
)

func TestStateFile_RoundTripKeepsOnlyPinned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "canvas_state.json")
	sf := NewStateFile(path)

	store := NewItemStore()
	p1 := mustCreate(t, store, "u", NewItem{Type: canvas.ItemTypeText, Content: "p1", X: 1, Y: 2})
	p2 := mustCreate(t, store, "u", NewItem{Type: canvas.ItemTypeFile, Content: "/uploads/a.pdf", OriginalName: "a.pdf", X: 3, Y: 4})
	u1 := mustCreate(t, store, "u", NewItem{Type: canvas.ItemTypeText, Content: "u1", X: 5, Y: 6})
	_, err := store.TogglePin("u", p1.ID)
	require.NoError(t, err)
	_, err = store.TogglePin("u", p2.ID)
	require.NoError(t, err)

	require.NoError(t, sf.Save(store.Snapshot()))

	fresh := NewItemStore()
	fresh.ReplaceAll(sf.Load())

	snap := fresh.Snapshot()
	require.Len(t, snap, 2)
	ids := []string{snap[0].ID, snap[1].ID}
	assert.ElementsMatch(t, []string{p1.ID, p2.ID}, ids)
	assert.NotContains(t, ids, u1.ID)

	for _, item := range snap {
		assert.True(t, item.IsPinned)
	}
	assert.Equal(t, "a.pdf", snap[1].OriginalName)
}

func TestStateFile_LoadMissingFile(t *testing.T) {
	sf := NewStateFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Empty(t, sf.Load())
}

func TestStateFile_LoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	sf := NewStateFile(path)
	assert.Empty(t, sf.Load(), "malformed state degrades to empty, never fails startup")
}

func TestStateFile_LoadCoercesLooseTypes(t *testing.T) {
	// Hand-edited or older state files may carry stringly-typed numbers, a
	// missing tags array or no creationDate.
	raw := `[
		{"id": "i1", "type": "text", "content": "hi", "x": "12.5", "y": 3, "isPinned": true, "width": "100"},
		{"id": "i2", "type": "file", "content": "/uploads/f.bin", "x": 1, "y": 2, "isPinned": true,
		 "tags": ["work", 7], "creationDate": 1700000000000},
		{"type": "text", "content": "no id, dropped"}
	]`
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	items := NewStateFile(path).Load()
	require.Len(t, items, 2)

	assert.Equal(t, 12.5, items[0].X)
	assert.Equal(t, 3.0, items[0].Y)
	require.NotNil(t, items[0].Width)
	assert.Equal(t, 100.0, *items[0].Width)
	assert.NotNil(t, items[0].Tags)
	assert.Greater(t, items[0].CreationDate, int64(0), "absent creationDate defaults to now")

	assert.Equal(t, []string{"work"}, items[1].Tags, "non-string tags dropped")
	assert.Equal(t, int64(1700000000000), items[1].CreationDate)
}

func TestStateFile_SaveCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "state.json")
	sf := NewStateFile(path)

	require.NoError(t, sf.Save([]canvas.Item{}))

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestStateFile_SaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	sf := NewStateFile(filepath.Join(dir, "state.json"))

	store := NewItemStore()
	item := mustCreate(t, store, "u", NewItem{Type: canvas.ItemTypeText, Content: "p", X: 0, Y: 0})
	_, err := store.TogglePin("u", item.ID)
	require.NoError(t, err)

	require.NoError(t, sf.Save(store.Snapshot()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}
