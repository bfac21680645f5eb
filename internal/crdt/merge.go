// Package crdt implements the merge rules that keep the replicated
// documents convergent across the mesh.
//
// Four state-based merges:
// - Nodes: trust lifecycle merge (kicked absorbs, approvals propagate)
// - States: last-writer-wins on last_seen
// - Chat: union by message id, capped to the newest entries
// - Snippets: last-writer-wins on updated_at with durable tombstones
//
// Merges never mutate their inputs; they return fresh values built
// from clones so callers can hold the results across store writes.
package crdt

import (
	"sort"

	"github.com/amaydixit11/meshd/internal/core"
)

// MergeNodes merges a remote nodes delta into the local map and
// reports whether anything changed. selfID's record is never a merge
// target: the local node is the only writer of its own record.
//
// Per key the first matching rule applies:
//  1. remote kicked: the greater kicked_at wins and the record stays
//     kicked forever
//  2. local kicked: keep local
//  3. remote trusted over a local pending/waiting_approval: adopt
//     (approval propagation)
//  4. otherwise last-writer-wins on registered_at, except a trusted
//     local status is never downgraded by a stale non-trusted remote
//
// A remote record describing its own sender arrives as self and is
// normalized to trusted before the rules run.
func MergeNodes(local, remote map[string]core.NodeRecord, selfID string) (map[string]core.NodeRecord, bool) {
	merged := make(map[string]core.NodeRecord, len(local))
	for k, v := range local {
		merged[k] = v.Clone()
	}

	changed := false
	for k, r := range remote {
		if k == selfID {
			continue
		}
		rr := r.Clone()
		if rr.TrustStatus == core.TrustSelf {
			rr.TrustStatus = core.TrustTrusted
		}

		l, ok := merged[k]
		if !ok {
			merged[k] = rr
			changed = true
			continue
		}
		if l.TrustStatus == core.TrustSelf {
			continue
		}

		switch {
		case rr.TrustStatus == core.TrustKicked:
			if l.TrustStatus != core.TrustKicked || rr.KickedAt > l.KickedAt {
				merged[k] = rr
				changed = true
			}

		case l.TrustStatus == core.TrustKicked:
			// absorbing, nothing un-kicks a record

		case rr.TrustStatus == core.TrustTrusted &&
			(l.TrustStatus == core.TrustPending || l.TrustStatus == core.TrustWaitingApproval):
			merged[k] = rr
			changed = true

		case rr.RegisteredAt > l.RegisteredAt:
			if l.TrustStatus == core.TrustTrusted && rr.TrustStatus != core.TrustTrusted {
				rr.TrustStatus = core.TrustTrusted
			}
			merged[k] = rr
			changed = true
		}
	}
	return merged, changed
}

// MergeStates merges a remote states delta: per node the entry with
// the greater last_seen wins.
func MergeStates(local, remote map[string]core.NodeState) (map[string]core.NodeState, bool) {
	merged := make(map[string]core.NodeState, len(local))
	for k, v := range local {
		merged[k] = v.Clone()
	}

	changed := false
	for k, r := range remote {
		l, ok := merged[k]
		if !ok || r.LastSeen > l.LastSeen {
			merged[k] = r.Clone()
			changed = true
		}
	}
	return merged, changed
}

// MergeChat unions messages by id and caps the result to the newest
// max entries. The second return value holds the messages the merge
// introduced that survived the cap, in timestamp order; the caller
// hands them to the chat hub for local broadcast.
func MergeChat(local, remote []core.ChatMessage, max int) ([]core.ChatMessage, []core.ChatMessage) {
	byID := make(map[string]core.ChatMessage, len(local)+len(remote))
	for _, m := range local {
		byID[m.ID] = m.Clone()
	}

	var incoming []string
	for _, m := range remote {
		if _, ok := byID[m.ID]; ok {
			continue
		}
		byID[m.ID] = m.Clone()
		incoming = append(incoming, m.ID)
	}

	merged := make([]core.ChatMessage, 0, len(byID))
	for _, m := range byID {
		merged = append(merged, m)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].ID < merged[j].ID
	})
	if max > 0 && len(merged) > max {
		merged = merged[len(merged)-max:]
	}

	survived := make(map[string]bool, len(merged))
	for _, m := range merged {
		survived[m.ID] = true
	}
	var added []core.ChatMessage
	for _, id := range incoming {
		if survived[id] {
			added = append(added, byID[id])
		}
	}
	sort.Slice(added, func(i, j int) bool {
		if added[i].Timestamp != added[j].Timestamp {
			return added[i].Timestamp < added[j].Timestamp
		}
		return added[i].ID < added[j].ID
	})
	return merged, added
}

// MergeSnippets unions snippets by id with updated_at deciding
// conflicts. Tombstones participate like any other version and win
// timestamp ties, so a deletion cannot be resurrected by a replica
// holding an older copy.
func MergeSnippets(local, remote []core.Snippet) ([]core.Snippet, bool) {
	byID := make(map[string]core.Snippet, len(local)+len(remote))
	for _, s := range local {
		byID[s.ID] = s.Clone()
	}

	changed := false
	for _, r := range remote {
		l, ok := byID[r.ID]
		if !ok || r.UpdatedAt > l.UpdatedAt ||
			(r.UpdatedAt == l.UpdatedAt && r.Deleted && !l.Deleted) {
			byID[r.ID] = r.Clone()
			changed = true
		}
	}

	merged := make([]core.Snippet, 0, len(byID))
	for _, s := range byID {
		merged = append(merged, s)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].CreatedAt != merged[j].CreatedAt {
			return merged[i].CreatedAt < merged[j].CreatedAt
		}
		return merged[i].ID < merged[j].ID
	})
	return merged, changed
}
