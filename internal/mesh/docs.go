// Package mesh is the synchronization engine: the replicated document
// plane, the role-dependent background loops, failover between roles
// and the join coordinator.
package mesh

import (
	"github.com/amaydixit11/meshd/internal/core"
	"github.com/amaydixit11/meshd/internal/crdt"
	"github.com/amaydixit11/meshd/internal/peer"
	"github.com/amaydixit11/meshd/internal/registry"
	"github.com/amaydixit11/meshd/internal/store"
)

// Store document names for the replicated plane
const (
	statesDoc   = "states"
	chatDoc     = "chat"
	snippetsDoc = "snippets"
)

// Documents owns the replicated document plane. All mutations funnel
// through the store's per-document locks; merge results are written
// back whole, the way they are exchanged.
type Documents struct {
	st      *store.Store
	reg     *registry.Registry
	chatMax int
}

// NewDocuments builds the document plane. chatMax caps the chat list
// after any merge.
func NewDocuments(st *store.Store, reg *registry.Registry, chatMax int) *Documents {
	return &Documents{st: st, reg: reg, chatMax: chatMax}
}

// Registry exposes the trust registry the plane is bound to
func (d *Documents) Registry() *registry.Registry {
	return d.reg
}

// States returns a snapshot of the states document
func (d *Documents) States() (map[string]core.NodeState, error) {
	var states map[string]core.NodeState
	if _, err := d.st.Read(statesDoc, &states); err != nil {
		return nil, err
	}
	if states == nil {
		states = map[string]core.NodeState{}
	}
	return states, nil
}

// Chat returns a snapshot of the chat document, oldest first
func (d *Documents) Chat() ([]core.ChatMessage, error) {
	var chat []core.ChatMessage
	if _, err := d.st.Read(chatDoc, &chat); err != nil {
		return nil, err
	}
	return chat, nil
}

// Snippets returns a snapshot of the snippets document, tombstones
// included; read APIs filter them
func (d *Documents) Snippets() ([]core.Snippet, error) {
	var snippets []core.Snippet
	if _, err := d.st.Read(snippetsDoc, &snippets); err != nil {
		return nil, err
	}
	return snippets, nil
}

// PublishSelfState writes a fresh liveness entry for the local node
func (d *Documents) PublishSelfState(status core.NodeStatus, version int64, systemInfo map[string]interface{}) error {
	var states map[string]core.NodeState
	return d.st.Update(statesDoc, &states, func() error {
		if states == nil {
			states = map[string]core.NodeState{}
		}
		states[d.reg.SelfID()] = core.NodeState{
			NodeID:     d.reg.SelfID(),
			Status:     status,
			LastSeen:   core.Now(),
			Version:    version,
			SystemInfo: systemInfo,
		}
		return nil
	})
}

// MarkPeerOffline advisorily flips a peer's state after a failed
// exchange. last_seen is left alone so a fresher remote entry wins the
// next merge.
func (d *Documents) MarkPeerOffline(peerID string) error {
	var states map[string]core.NodeState
	return d.st.Update(statesDoc, &states, func() error {
		s, ok := states[peerID]
		if !ok {
			return nil
		}
		s.Status = core.StatusOffline
		states[peerID] = s
		return nil
	})
}

// TouchPeerState refreshes a peer's liveness after a verified inbound
// request, overlaying any system snapshot it sent
func (d *Documents) TouchPeerState(peerID string, systemInfo map[string]interface{}) error {
	var states map[string]core.NodeState
	return d.st.Update(statesDoc, &states, func() error {
		if states == nil {
			states = map[string]core.NodeState{}
		}
		s := states[peerID]
		s.NodeID = peerID
		s.Status = core.StatusOnline
		s.LastSeen = core.Now()
		if systemInfo != nil {
			s.SystemInfo = systemInfo
		}
		states[peerID] = s
		return nil
	})
}

// AppendChat adds a message originating locally or from a chat push.
// Returns false when the id is already present.
func (d *Documents) AppendChat(msg core.ChatMessage) (bool, error) {
	added := false
	var chat []core.ChatMessage
	err := d.st.Update(chatDoc, &chat, func() error {
		merged, newOnes := crdt.MergeChat(chat, []core.ChatMessage{msg}, d.chatMax)
		chat = merged
		added = len(newOnes) > 0
		return nil
	})
	return added, err
}

// WriteSnippet inserts or replaces one snippet by id
func (d *Documents) WriteSnippet(s core.Snippet) error {
	var snippets []core.Snippet
	return d.st.Update(snippetsDoc, &snippets, func() error {
		snippets, _ = crdt.MergeSnippets(snippets, []core.Snippet{s})
		return nil
	})
}

// Merge applies a remote delta to every document and reports what
// changed. The returned chat messages are the ones the merge
// introduced; the caller hands them to the chat hub for local
// broadcast.
func (d *Documents) Merge(remote peer.Delta) (changed bool, newChat []core.ChatMessage, err error) {
	if len(remote.Nodes) > 0 {
		ch, err := d.reg.ApplyRemote(remote.Nodes)
		if err != nil {
			return false, nil, err
		}
		changed = changed || ch
	}

	if len(remote.States) > 0 {
		var states map[string]core.NodeState
		err := d.st.Update(statesDoc, &states, func() error {
			merged, ch := crdt.MergeStates(states, remote.States)
			states = merged
			changed = changed || ch
			return nil
		})
		if err != nil {
			return false, nil, err
		}
	}

	if len(remote.Chat) > 0 {
		var chat []core.ChatMessage
		err := d.st.Update(chatDoc, &chat, func() error {
			merged, added := crdt.MergeChat(chat, remote.Chat, d.chatMax)
			chat = merged
			newChat = added
			changed = changed || len(added) > 0
			return nil
		})
		if err != nil {
			return false, nil, err
		}
	}

	if len(remote.Snippets) > 0 {
		var snippets []core.Snippet
		err := d.st.Update(snippetsDoc, &snippets, func() error {
			merged, ch := crdt.MergeSnippets(snippets, remote.Snippets)
			snippets = merged
			changed = changed || ch
			return nil
		})
		if err != nil {
			return false, nil, err
		}
	}

	return changed, newChat, nil
}

// DeltaSince filters every document by a peer's cursor. since zero
// returns full state. Reads are per-document snapshots; small skew
// between them is tolerated by the merge rules on the other side.
func (d *Documents) DeltaSince(since float64) (peer.Delta, error) {
	nodes, err := d.reg.All()
	if err != nil {
		return peer.Delta{}, err
	}
	states, err := d.States()
	if err != nil {
		return peer.Delta{}, err
	}
	chat, err := d.Chat()
	if err != nil {
		return peer.Delta{}, err
	}
	snippets, err := d.Snippets()
	if err != nil {
		return peer.Delta{}, err
	}

	out := peer.Delta{
		Nodes:  map[string]core.NodeRecord{},
		States: map[string]core.NodeState{},
	}
	for id, rec := range nodes {
		if rec.RegisteredAt > since {
			out.Nodes[id] = rec
		}
	}
	for id, s := range states {
		if s.LastSeen > since {
			out.States[id] = s
		}
	}
	for _, m := range chat {
		if m.Timestamp > since {
			out.Chat = append(out.Chat, m)
		}
	}
	for _, s := range snippets {
		if s.UpdatedAt > since {
			out.Snippets = append(out.Snippets, s)
		}
	}
	return out, nil
}
