package services

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"lancanvas/internal/types/canvas"
)

// StateFile persists pinned canvas items as a single JSON document. Loading
// is deliberately forgiving: older or hand-edited files with stringly-typed
// numbers, missing tags or absent timestamps still restore, and a malformed
// file degrades to an empty canvas instead of failing startup.
type StateFile struct {
	path string
	now  func() time.Time
}

func NewStateFile(path string) *StateFile {
	return &StateFile{path: path, now: time.Now}
}

// Load reads the state file and returns the restored items. A missing file
// is not an error; a malformed one is logged and yields an empty slice.
func (sf *StateFile) Load() []canvas.Item {
	data, err := os.ReadFile(sf.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[State] No state file at %s, starting with empty canvas", sf.path)
		} else {
			log.Printf("[State] Error reading %s: %v. Starting with empty canvas", sf.path, err)
		}
		return []canvas.Item{}
	}

	var raw []map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Printf("[State] Invalid state file %s: %v. Starting with empty canvas", sf.path, err)
		return []canvas.Item{}
	}

	items := make([]canvas.Item, 0, len(raw))
	for _, rec := range raw {
		item := sf.coerceItem(rec)
		if item.ID == "" || !validItemType(item.Type) {
			log.Printf("[State] Skipping malformed record in %s", sf.path)
			continue
		}
		items = append(items, item)
	}
	log.Printf("[State] Loaded %d pinned items from %s", len(items), sf.path)
	return items
}

func (sf *StateFile) coerceItem(rec map[string]interface{}) canvas.Item {
	item := canvas.Item{
		ID:           asString(rec["id"]),
		Type:         canvas.ItemType(asString(rec["type"])),
		Content:      asString(rec["content"]),
		X:            asFloat(rec["x"]),
		Y:            asFloat(rec["y"]),
		OriginalName: asString(rec["originalName"]),
		Mimetype:     asString(rec["mimetype"]),
		OwnerUserID:  asString(rec["ownerUserID"]),
		Tags:         asStrings(rec["tags"]),
		IsPinned:     asBool(rec["isPinned"]),
	}
	if w, ok := rec["width"]; ok && w != nil {
		v := asFloat(w)
		item.Width = &v
	}
	if h, ok := rec["height"]; ok && h != nil {
		v := asFloat(h)
		item.Height = &v
	}
	item.CreationDate = asMillis(rec["creationDate"], sf.now)
	return item
}

// Save writes the pinned subset of items to disk. The write goes through a
// temp file plus rename so a crash mid-write cannot leave a truncated state
// file. Errors are logged and returned but must not block shutdown.
func (sf *StateFile) Save(items []canvas.Item) error {
	pinned := []canvas.Item{}
	for _, item := range items {
		if item.IsPinned {
			pinned = append(pinned, item)
		}
	}

	if err := os.MkdirAll(filepath.Dir(sf.path), 0o755); err != nil {
		log.Printf("[State] Failed to create state directory: %v", err)
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.MarshalIndent(pinned, "", "  ")
	if err != nil {
		log.Printf("[State] Failed to encode state: %v", err)
		return fmt.Errorf("encode state: %w", err)
	}

	tmp := sf.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Printf("[State] Failed to write %s: %v", tmp, err)
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, sf.path); err != nil {
		log.Printf("[State] Failed to move state file into place: %v", err)
		return fmt.Errorf("rename state file: %w", err)
	}

	log.Printf("[State] Saved %d pinned items to %s", len(pinned), sf.path)
	return nil
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		var f float64
		fmt.Sscanf(n, "%g", &f)
		return f
	}
	return 0
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func asStrings(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return []string{}
	}
	out := []string{}
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// asMillis accepts Unix milliseconds or an RFC3339 string, defaulting absent
// or unreadable timestamps to now.
func asMillis(v interface{}, now func() time.Time) int64 {
	switch t := v.(type) {
	case float64:
		if t > 0 {
			return int64(t)
		}
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed.UnixMilli()
		}
	}
	return now().UnixMilli()
}
