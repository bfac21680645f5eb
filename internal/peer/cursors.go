package peer

import (
	"github.com/amaydixit11/meshd/internal/store"
)

const cursorsDoc = "sync_meta"

// cursorEntry is one peer's persisted sync position
type cursorEntry struct {
	LastSyncTime float64 `json:"last_sync_time"`
}

// Cursors persists the last successful sync time per peer. A cursor of
// zero means never synced: the next exchange sends full state. Cursors
// advance only after a complete successful exchange, to the wall-clock
// taken before the request was built, so items written during the
// exchange are re-sent next round instead of being lost.
type Cursors struct {
	st *store.Store
}

// NewCursors creates the cursor view over the store
func NewCursors(st *store.Store) *Cursors {
	return &Cursors{st: st}
}

// Get returns the cursor for a peer, zero when never synced
func (c *Cursors) Get(peerID string) (float64, error) {
	var doc map[string]cursorEntry
	if _, err := c.st.Read(cursorsDoc, &doc); err != nil {
		return 0, err
	}
	return doc[peerID].LastSyncTime, nil
}

// Set advances the cursor for a peer. Cursors are monotonic: a value
// older than the stored one is ignored, so a slow exchange finishing
// after a faster one cannot move the cursor backwards.
func (c *Cursors) Set(peerID string, ts float64) error {
	var doc map[string]cursorEntry
	return c.st.Update(cursorsDoc, &doc, func() error {
		if doc == nil {
			doc = map[string]cursorEntry{}
		}
		if ts <= doc[peerID].LastSyncTime {
			return nil
		}
		doc[peerID] = cursorEntry{LastSyncTime: ts}
		return nil
	})
}

// Forget drops the cursor for a peer, forcing a full exchange on the
// next sync. Used when a peer is deleted and later rejoins.
func (c *Cursors) Forget(peerID string) error {
	var doc map[string]cursorEntry
	return c.st.Update(cursorsDoc, &doc, func() error {
		delete(doc, peerID)
		return nil
	})
}
