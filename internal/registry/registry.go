// Package registry is the logical view over the nodes document: the
// set of known NodeRecords and the trust lifecycle operations on them.
// Approvals and kicks made here propagate to the rest of the mesh
// through the merge rules in internal/crdt.
package registry

import (
	"errors"
	"fmt"

	"github.com/amaydixit11/meshd/internal/core"
	"github.com/amaydixit11/meshd/internal/crdt"
	"github.com/amaydixit11/meshd/internal/store"
)

const docName = "nodes"

var (
	ErrNotFound   = errors.New("node not found")
	ErrNotPending = errors.New("node is not pending approval")
	ErrNotTrusted = errors.New("node is not trusted")
	ErrSelfTarget = errors.New("operation not valid on the local node")
)

// Registry mediates access to the nodes document. All mutations go
// through the store's per-document lock, so concurrent operators and
// sync merges are serialized.
type Registry struct {
	st     *store.Store
	selfID string
}

// New creates a registry bound to the local node id
func New(st *store.Store, selfID string) *Registry {
	return &Registry{st: st, selfID: selfID}
}

// SelfID returns the local node id
func (r *Registry) SelfID() string {
	return r.selfID
}

func (r *Registry) update(fn func(nodes map[string]core.NodeRecord) error) error {
	var nodes map[string]core.NodeRecord
	return r.st.Update(docName, &nodes, func() error {
		if nodes == nil {
			nodes = map[string]core.NodeRecord{}
		}
		return fn(nodes)
	})
}

// All returns a snapshot of every known record
func (r *Registry) All() (map[string]core.NodeRecord, error) {
	var nodes map[string]core.NodeRecord
	if _, err := r.st.Read(docName, &nodes); err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = map[string]core.NodeRecord{}
	}
	return nodes, nil
}

// Get returns one record by node id
func (r *Registry) Get(nodeID string) (core.NodeRecord, bool, error) {
	nodes, err := r.All()
	if err != nil {
		return core.NodeRecord{}, false, err
	}
	rec, ok := nodes[nodeID]
	return rec, ok, nil
}

// Self returns the local node's own record
func (r *Registry) Self() (core.NodeRecord, bool, error) {
	return r.Get(r.selfID)
}

// EnsureSelf inserts or refreshes the local record on startup. The
// registered_at bump only happens when something actually changed, so
// a restart with identical configuration does not force propagation.
func (r *Registry) EnsureSelf(rec core.NodeRecord) error {
	if rec.NodeID != r.selfID {
		return fmt.Errorf("ensure self: record id %q does not match identity %q", rec.NodeID, r.selfID)
	}
	rec.TrustStatus = core.TrustSelf
	return r.update(func(nodes map[string]core.NodeRecord) error {
		prev, ok := nodes[r.selfID]
		if ok &&
			prev.Name == rec.Name &&
			prev.Mode == rec.Mode &&
			prev.Connectable == rec.Connectable &&
			prev.Host == rec.Host &&
			prev.Port == rec.Port &&
			prev.PublicURL == rec.PublicURL &&
			prev.PublicKey == rec.PublicKey &&
			prev.TrustStatus == core.TrustSelf {
			return nil
		}
		rec.RegisteredAt = core.After(prev.RegisteredAt)
		nodes[r.selfID] = rec
		return nil
	})
}

// UpdateSelf mutates the local record and bumps registered_at so the
// change propagates on the next sync
func (r *Registry) UpdateSelf(fn func(rec *core.NodeRecord)) error {
	return r.update(func(nodes map[string]core.NodeRecord) error {
		rec, ok := nodes[r.selfID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, r.selfID)
		}
		fn(&rec)
		rec.NodeID = r.selfID
		rec.TrustStatus = core.TrustSelf
		rec.Touch()
		nodes[r.selfID] = rec
		return nil
	})
}

// Approve flips a pending record to trusted. Only valid on pending:
// approving anything else is an operator error, not a merge.
func (r *Registry) Approve(nodeID string) error {
	if nodeID == r.selfID {
		return ErrSelfTarget
	}
	return r.update(func(nodes map[string]core.NodeRecord) error {
		rec, ok := nodes[nodeID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, nodeID)
		}
		if rec.TrustStatus != core.TrustPending {
			return fmt.Errorf("%w: %s is %s", ErrNotPending, nodeID, rec.TrustStatus)
		}
		rec.TrustStatus = core.TrustTrusted
		rec.Touch()
		nodes[nodeID] = rec
		return nil
	})
}

// Reject removes a pending record. The node may ask to join again.
func (r *Registry) Reject(nodeID string) error {
	if nodeID == r.selfID {
		return ErrSelfTarget
	}
	return r.update(func(nodes map[string]core.NodeRecord) error {
		rec, ok := nodes[nodeID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, nodeID)
		}
		if rec.TrustStatus != core.TrustPending {
			return fmt.Errorf("%w: %s is %s", ErrNotPending, nodeID, rec.TrustStatus)
		}
		delete(nodes, nodeID)
		return nil
	})
}

// Kick expels a trusted node. Kicked is absorbing: the record stays in
// the document so the expulsion propagates and outlives stale copies.
func (r *Registry) Kick(nodeID string) error {
	if nodeID == r.selfID {
		return ErrSelfTarget
	}
	return r.update(func(nodes map[string]core.NodeRecord) error {
		rec, ok := nodes[nodeID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, nodeID)
		}
		if rec.TrustStatus != core.TrustTrusted {
			return fmt.Errorf("%w: %s is %s", ErrNotTrusted, nodeID, rec.TrustStatus)
		}
		rec.TrustStatus = core.TrustKicked
		rec.KickedAt = core.Now()
		rec.Touch()
		nodes[nodeID] = rec
		return nil
	})
}

// Delete removes any non-self record locally. Unlike kick this does
// not propagate; a still-live node will reappear through gossip.
func (r *Registry) Delete(nodeID string) error {
	if nodeID == r.selfID {
		return ErrSelfTarget
	}
	return r.update(func(nodes map[string]core.NodeRecord) error {
		if _, ok := nodes[nodeID]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, nodeID)
		}
		delete(nodes, nodeID)
		return nil
	})
}

// JoinOutcome is the fast answer to an inbound join-request
type JoinOutcome string

const (
	JoinPending JoinOutcome = "pending"
	JoinTrusted JoinOutcome = "trusted"
	JoinKicked  JoinOutcome = "kicked"
)

// SavePending records an inbound join-request. A sender the registry
// already trusts gets the trusted fast-path; a kicked sender stays
// kicked and is told so.
func (r *Registry) SavePending(rec core.NodeRecord) (JoinOutcome, error) {
	if rec.NodeID == r.selfID {
		return "", ErrSelfTarget
	}
	outcome := JoinPending
	err := r.update(func(nodes map[string]core.NodeRecord) error {
		prev, ok := nodes[rec.NodeID]
		if ok {
			switch prev.TrustStatus {
			case core.TrustKicked:
				outcome = JoinKicked
				return nil
			case core.TrustTrusted:
				outcome = JoinTrusted
				// refresh address hints from the new request
				prev.Name = rec.Name
				prev.Mode = rec.Mode
				prev.Connectable = rec.Connectable
				prev.Host = rec.Host
				prev.Port = rec.Port
				prev.PublicURL = rec.PublicURL
				prev.Touch()
				nodes[rec.NodeID] = prev
				return nil
			case core.TrustSelf:
				return ErrSelfTarget
			}
		}
		rec.TrustStatus = core.TrustPending
		rec.Touch()
		nodes[rec.NodeID] = rec
		return nil
	})
	return outcome, err
}

// SaveJoinTarget records the hub an outbound join was sent to
func (r *Registry) SaveJoinTarget(rec core.NodeRecord, status core.TrustStatus) error {
	if rec.NodeID == r.selfID {
		return ErrSelfTarget
	}
	return r.update(func(nodes map[string]core.NodeRecord) error {
		rec.TrustStatus = status
		rec.Touch()
		nodes[rec.NodeID] = rec
		return nil
	})
}

// AdoptSnapshot merges a trusted-nodes snapshot received on join
// approval. The merge rules already do the right thing here: snapshot
// entries arrive trusted (self normalizes to trusted) and upgrade any
// local waiting_approval record for the same node.
func (r *Registry) AdoptSnapshot(snapshot map[string]core.NodeRecord) error {
	_, err := r.ApplyRemote(snapshot)
	return err
}

// ApplyRemote merges a remote nodes delta and reports whether the
// local document changed
func (r *Registry) ApplyRemote(remote map[string]core.NodeRecord) (bool, error) {
	if len(remote) == 0 {
		return false, nil
	}
	changed := false
	err := r.update(func(nodes map[string]core.NodeRecord) error {
		merged, ch := crdt.MergeNodes(nodes, remote, r.selfID)
		changed = ch
		for k := range nodes {
			delete(nodes, k)
		}
		for k, v := range merged {
			nodes[k] = v
		}
		return nil
	})
	return changed, err
}

// RefreshPeer records the mode a verified peer reported in a
// heartbeat. Only an actual change bumps registered_at; a steady
// heartbeat stream must not flood gossip with no-op record updates.
func (r *Registry) RefreshPeer(nodeID string, mode core.NodeMode) error {
	if nodeID == r.selfID {
		return ErrSelfTarget
	}
	if !mode.IsValid() {
		return nil
	}
	return r.update(func(nodes map[string]core.NodeRecord) error {
		rec, ok := nodes[nodeID]
		if !ok || rec.TrustStatus != core.TrustTrusted || rec.Mode == mode {
			return nil
		}
		rec.Mode = mode
		rec.Touch()
		nodes[nodeID] = rec
		return nil
	})
}

// TrustedConnectable returns the peers eligible as sync targets:
// trusted, connectable, full or temp_full, and not the local node.
func (r *Registry) TrustedConnectable() ([]core.NodeRecord, error) {
	nodes, err := r.All()
	if err != nil {
		return nil, err
	}
	var peers []core.NodeRecord
	for _, rec := range nodes {
		if rec.NodeID == r.selfID {
			continue
		}
		if rec.TrustStatus != core.TrustTrusted || !rec.Connectable {
			continue
		}
		if rec.Mode != core.ModeFull && rec.Mode != core.ModeTempFull {
			continue
		}
		peers = append(peers, rec)
	}
	return peers, nil
}

// WaitingApproval returns records of outbound joins still being
// polled, used to resume the join coordinator after a restart
func (r *Registry) WaitingApproval() ([]core.NodeRecord, error) {
	nodes, err := r.All()
	if err != nil {
		return nil, err
	}
	var out []core.NodeRecord
	for _, rec := range nodes {
		if rec.TrustStatus == core.TrustWaitingApproval {
			out = append(out, rec)
		}
	}
	return out, nil
}

// VerifySender resolves the trust decision for an inbound signed
// request: the sender must be known and trusted (or, degenerately, the
// local node itself).
func (r *Registry) VerifySender(nodeID string) (publicKey string, err error) {
	rec, ok, err := r.Get(nodeID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, nodeID)
	}
	switch rec.TrustStatus {
	case core.TrustTrusted, core.TrustSelf:
		return rec.PublicKey, nil
	case core.TrustKicked:
		return "", fmt.Errorf("%w: %s is kicked", ErrNotTrusted, nodeID)
	default:
		return "", fmt.Errorf("%w: %s is %s", ErrNotTrusted, nodeID, rec.TrustStatus)
	}
}
