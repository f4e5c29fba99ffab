package services

import (
	"encoding/json"
	"sync"
	"time"
)

// PresenceStaleAfter is how long a presence record stays meaningful without
// an update. Stale records are filtered at read time, not evicted; they only
// disappear when the user fully disconnects.
const PresenceStaleAfter = 30 * time.Second

type presenceRecord struct {
	data      json.RawMessage
	timestamp time.Time
}

// PresenceTracker holds ephemeral per-user viewport data. The payload is kept
// opaque: clients send whatever shape they render ({view: {...}} today), and
// the server only relays it.
type PresenceTracker struct {
	mu      sync.RWMutex
	records map[string]presenceRecord
	now     func() time.Time
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		records: make(map[string]presenceRecord),
		now:     time.Now,
	}
}

// Update overwrites the user's presence record and refreshes its timestamp.
func (p *PresenceTracker) Update(userID string, data json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[userID] = presenceRecord{data: data, timestamp: p.now()}
}

// SnapshotAll returns the data (without timestamps) of every non-stale
// record, for the init snapshot.
func (p *PresenceTracker) SnapshotAll() map[string]json.RawMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := p.now()
	out := make(map[string]json.RawMessage, len(p.records))
	for userID, rec := range p.records {
		if now.Sub(rec.timestamp) > PresenceStaleAfter {
			continue
		}
		out[userID] = rec.data
	}
	return out
}

// Remove drops the user's presence on full disconnect.
func (p *PresenceTracker) Remove(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, userID)
}
