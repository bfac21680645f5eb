package mesh

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amaydixit11/meshd/internal/core"
	"github.com/amaydixit11/meshd/internal/peer"
	"github.com/amaydixit11/meshd/internal/registry"
	"github.com/amaydixit11/meshd/internal/store"
)

func newTestDocs(t *testing.T, selfID string) *Documents {
	t.Helper()
	dir, err := os.MkdirTemp("", "meshd-docs-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	st, err := store.Open(dir)
	require.NoError(t, err)

	reg := registry.New(st, selfID)
	require.NoError(t, reg.EnsureSelf(core.NodeRecord{
		NodeID:      selfID,
		Name:        selfID,
		Mode:        core.ModeFull,
		Connectable: true,
		PublicKey:   "02aa",
	}))
	return NewDocuments(st, reg, 500)
}

func TestPublishAndReadSelfState(t *testing.T) {
	d := newTestDocs(t, "hub-0001")

	require.NoError(t, d.PublishSelfState(core.StatusOnline, 7, map[string]interface{}{"cpu": 0.5}))

	states, err := d.States()
	require.NoError(t, err)
	s := states["hub-0001"]
	assert.Equal(t, core.StatusOnline, s.Status)
	assert.Equal(t, int64(7), s.Version)
	assert.Greater(t, s.LastSeen, 0.0)
}

func TestMarkPeerOfflineKeepsLastSeen(t *testing.T) {
	d := newTestDocs(t, "hub-0001")

	_, _, err := d.Merge(peer.Delta{States: map[string]core.NodeState{
		"n1-aaaa": {NodeID: "n1-aaaa", Status: core.StatusOnline, LastSeen: 100},
	}})
	require.NoError(t, err)

	require.NoError(t, d.MarkPeerOffline("n1-aaaa"))

	states, err := d.States()
	require.NoError(t, err)
	assert.Equal(t, core.StatusOffline, states["n1-aaaa"].Status)
	assert.Equal(t, 100.0, states["n1-aaaa"].LastSeen)

	// marking an unknown peer is a no-op, not an insert
	require.NoError(t, d.MarkPeerOffline("ghost-0000"))
	states, err = d.States()
	require.NoError(t, err)
	_, ok := states["ghost-0000"]
	assert.False(t, ok)
}

func TestAppendChatDedupes(t *testing.T) {
	d := newTestDocs(t, "hub-0001")
	msg := core.NewChatMessage("hub-0001", "hub", "hello")

	added, err := d.AppendChat(msg)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = d.AppendChat(msg)
	require.NoError(t, err)
	assert.False(t, added)

	chat, err := d.Chat()
	require.NoError(t, err)
	assert.Len(t, chat, 1)
}

func TestMergeReportsNewChat(t *testing.T) {
	d := newTestDocs(t, "hub-0001")
	local := core.NewChatMessage("hub-0001", "hub", "local")
	_, err := d.AppendChat(local)
	require.NoError(t, err)

	remote := core.ChatMessage{ID: "m-remote", NodeID: "n1-aaaa", Content: "hi", Timestamp: core.Now()}
	changed, newChat, err := d.Merge(peer.Delta{Chat: []core.ChatMessage{local, remote}})
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, newChat, 1)
	assert.Equal(t, "m-remote", newChat[0].ID)

	// idempotent: merging the same delta again changes nothing
	changed, newChat, err = d.Merge(peer.Delta{Chat: []core.ChatMessage{local, remote}})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, newChat)
}

func TestDeltaSinceFilters(t *testing.T) {
	d := newTestDocs(t, "hub-0001")

	_, _, err := d.Merge(peer.Delta{
		Nodes: map[string]core.NodeRecord{
			"old-0001": {NodeID: "old-0001", TrustStatus: core.TrustTrusted, RegisteredAt: 10},
			"new-0002": {NodeID: "new-0002", TrustStatus: core.TrustTrusted, RegisteredAt: 99},
		},
		States: map[string]core.NodeState{
			"old-0001": {NodeID: "old-0001", LastSeen: 10},
			"new-0002": {NodeID: "new-0002", LastSeen: 99},
		},
		Chat: []core.ChatMessage{
			{ID: "m1", Timestamp: 10},
			{ID: "m2", Timestamp: 99},
		},
		Snippets: []core.Snippet{
			{ID: "s1", UpdatedAt: 10},
			{ID: "s2", UpdatedAt: 99},
		},
	})
	require.NoError(t, err)

	delta, err := d.DeltaSince(50)
	require.NoError(t, err)

	assert.Contains(t, delta.Nodes, "new-0002")
	assert.NotContains(t, delta.Nodes, "old-0001")
	assert.Contains(t, delta.States, "new-0002")
	assert.NotContains(t, delta.States, "old-0001")
	require.Len(t, delta.Chat, 1)
	assert.Equal(t, "m2", delta.Chat[0].ID)
	require.Len(t, delta.Snippets, 1)
	assert.Equal(t, "s2", delta.Snippets[0].ID)

	// zero cursor returns full state, self record included
	full, err := d.DeltaSince(0)
	require.NoError(t, err)
	assert.Contains(t, full.Nodes, "hub-0001")
	assert.Len(t, full.Chat, 2)
}

func TestSnippetTombstoneSurvivesMerge(t *testing.T) {
	d := newTestDocs(t, "hub-0001")

	s := core.NewSnippet(core.CategoryNote, "wiki", nil)
	require.NoError(t, d.WriteSnippet(s))

	dead := s.Clone()
	dead.Tombstone()
	require.NoError(t, d.WriteSnippet(dead))

	// a partitioned peer pushes back the pre-delete copy
	changed, _, err := d.Merge(peer.Delta{Snippets: []core.Snippet{s}})
	require.NoError(t, err)
	assert.False(t, changed)

	snippets, err := d.Snippets()
	require.NoError(t, err)
	require.Len(t, snippets, 1)
	assert.True(t, snippets[0].Deleted)
}
