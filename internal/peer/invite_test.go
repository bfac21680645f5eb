package peer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amaydixit11/meshd/internal/peer"
)

func TestInviteRoundTrip(t *testing.T) {
	n := newTestNode(t, "issuer")

	inv := peer.NewInvite(n.id, "http://10.0.0.5:8300/", "issuer", time.Hour)
	assert.Equal(t, "http://10.0.0.5:8300", inv.URL)
	assert.Equal(t, n.id.NodeID, inv.NodeID)
	assert.Equal(t, n.id.PublicKey(), inv.PublicKey)
	assert.False(t, inv.Expired())

	code := inv.Encode()
	require.True(t, peer.IsInviteCode(code))
	assert.False(t, peer.IsInviteCode("http://10.0.0.5:8300"))

	parsed, err := peer.ParseInvite(code)
	require.NoError(t, err)
	assert.Equal(t, inv.URL, parsed.URL)
	assert.Equal(t, inv.NodeID, parsed.NodeID)
	assert.Equal(t, inv.Fingerprint(), parsed.Fingerprint())
}

func TestInviteTamperDetected(t *testing.T) {
	n := newTestNode(t, "issuer")
	inv := peer.NewInvite(n.id, "http://10.0.0.5:8300", "issuer", time.Hour)

	// redirect the URL without re-signing
	inv.URL = "http://evil.example:8300"
	_, err := peer.ParseInvite(inv.Encode())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature")
}

func TestInviteExpiry(t *testing.T) {
	n := newTestNode(t, "issuer")

	expired := peer.NewInvite(n.id, "http://10.0.0.5:8300", "issuer", time.Nanosecond)
	time.Sleep(10 * time.Millisecond)
	_, err := peer.ParseInvite(expired.Encode())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestParseInviteRejectsGarbage(t *testing.T) {
	_, err := peer.ParseInvite("http://not-an-invite")
	assert.Error(t, err)
	_, err = peer.ParseInvite("meshd://!!!not-base64!!!")
	assert.Error(t, err)
	_, err = peer.ParseInvite("meshd://" + "eyJ4IjoxfQ") // {"x":1}
	assert.Error(t, err)
}
