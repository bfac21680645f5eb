package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amaydixit11/meshd/internal/core"
	"github.com/amaydixit11/meshd/internal/logging"
	"github.com/amaydixit11/meshd/internal/peer"
)

func newJoiner(n *syncNode) *Joiner {
	client := peer.NewClient(n.id, time.Second, "/api/v1")
	return NewJoiner(n.cfg, n.reg, client, n.id, nil, logging.Nop())
}

func TestJoinPendingThenApproved(t *testing.T) {
	hub := newSyncNode(t, "hub", nil)
	other := newSyncNode(t, "other", nil)
	trustPeer(t, hub, other)

	joiner := newSyncNode(t, "joiner", nil)
	j := newJoiner(joiner)
	defer j.Stop()

	state, err := j.Join(context.Background(), hub.srv.URL)
	require.NoError(t, err)
	assert.Equal(t, PhasePolling, state.Phase)
	assert.Equal(t, hub.id.NodeID, state.TargetID)

	// the hub queued us, we persisted the target as waiting
	rec, ok, err := hub.reg.Get(joiner.id.NodeID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.TrustPending, rec.TrustStatus)

	target, ok, err := joiner.reg.Get(hub.id.NodeID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.TrustWaitingApproval, target.TrustStatus)

	require.NoError(t, hub.reg.Approve(joiner.id.NodeID))

	require.Eventually(t, func() bool {
		return j.State().Phase == PhaseTrusted
	}, 10*time.Second, 100*time.Millisecond)

	// the snapshot brought the whole trusted set over
	target, _, err = joiner.reg.Get(hub.id.NodeID)
	require.NoError(t, err)
	assert.Equal(t, core.TrustTrusted, target.TrustStatus)

	adopted, ok, err := joiner.reg.Get(other.id.NodeID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.TrustTrusted, adopted.TrustStatus)
}

func TestJoinAlreadyTrustedIsImmediate(t *testing.T) {
	hub := newSyncNode(t, "hub", nil)
	joiner := newSyncNode(t, "joiner", nil)
	trustPeer(t, hub, joiner)

	j := newJoiner(joiner)
	defer j.Stop()

	state, err := j.Join(context.Background(), hub.srv.URL)
	require.NoError(t, err)
	assert.Equal(t, PhaseTrusted, state.Phase)

	target, ok, err := joiner.reg.Get(hub.id.NodeID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.TrustTrusted, target.TrustStatus)
}

func TestJoinKickedNodeIsRefused(t *testing.T) {
	hub := newSyncNode(t, "hub", nil)
	joiner := newSyncNode(t, "joiner", nil)

	j := newJoiner(joiner)
	defer j.Stop()

	state, err := j.Join(context.Background(), hub.srv.URL)
	require.NoError(t, err)
	require.Equal(t, PhasePolling, state.Phase)
	j.Stop()

	require.NoError(t, hub.reg.Approve(joiner.id.NodeID))
	require.NoError(t, hub.reg.Kick(joiner.id.NodeID))

	state, err = j.Join(context.Background(), hub.srv.URL)
	require.Error(t, err)
	assert.Equal(t, PhaseKicked, state.Phase)
}

func TestJoinSelfRefused(t *testing.T) {
	n := newSyncNode(t, "solo", nil)
	j := newJoiner(n)
	defer j.Stop()

	_, err := j.Join(context.Background(), n.srv.URL)
	assert.ErrorIs(t, err, ErrJoinSelf)
}

func TestJoinInvitePinsIssuerKey(t *testing.T) {
	hub := newSyncNode(t, "hub", nil)
	joiner := newSyncNode(t, "joiner", nil)
	imposter := newSyncNode(t, "imposter", nil)

	j := newJoiner(joiner)
	defer j.Stop()

	// invite signed by a key the target does not answer with
	forged := peer.NewInvite(imposter.id, hub.srv.URL, "hub", time.Hour)
	_, err := j.JoinInvite(context.Background(), forged)
	assert.ErrorIs(t, err, ErrInviteKeyMismatch)

	genuine := peer.NewInvite(hub.id, hub.srv.URL, "hub", time.Hour)
	state, err := j.JoinInvite(context.Background(), genuine)
	require.NoError(t, err)
	assert.Equal(t, PhasePolling, state.Phase)
}

func TestResumeRestartsPolling(t *testing.T) {
	hub := newSyncNode(t, "hub", nil)
	joiner := newSyncNode(t, "joiner", nil)

	// a waiting record persisted by a previous run
	hubRec := core.NodeRecord{
		NodeID:      hub.id.NodeID,
		Name:        "hub",
		Mode:        core.ModeFull,
		Connectable: true,
		PublicURL:   hub.srv.URL,
		PublicKey:   hub.id.PublicKey(),
	}
	require.NoError(t, joiner.reg.SaveJoinTarget(hubRec, core.TrustWaitingApproval))

	j := newJoiner(joiner)
	defer j.Stop()
	require.NoError(t, j.Resume())
	assert.Equal(t, PhasePolling, j.State().Phase)

	// the hub never heard of us; the poll loop re-sends the join
	// request and keeps polling until the operator approves
	require.Eventually(t, func() bool {
		_, ok, err := hub.reg.Get(joiner.id.NodeID)
		return err == nil && ok
	}, 10*time.Second, 100*time.Millisecond)

	require.NoError(t, hub.reg.Approve(joiner.id.NodeID))
	require.Eventually(t, func() bool {
		return j.State().Phase == PhaseTrusted
	}, 10*time.Second, 100*time.Millisecond)
}
