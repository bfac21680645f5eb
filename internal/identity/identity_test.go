package identity

import (
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amaydixit11/meshd/internal/config"
	"github.com/amaydixit11/meshd/internal/core"
	"github.com/amaydixit11/meshd/internal/logging"
	"github.com/amaydixit11/meshd/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "meshd-identity-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	st, err := store.Open(dir)
	require.NoError(t, err)
	return st
}

func newTestIdentity(t *testing.T) *Identity {
	t.Helper()
	cfg := config.Default()
	cfg.Node.Mode = "full"
	id, err := LoadOrCreate(newTestStore(t), cfg, nil, logging.Nop())
	require.NoError(t, err)
	return id
}

func TestLoadOrCreatePersistsIdentity(t *testing.T) {
	st := newTestStore(t)
	cfg := config.Default()

	first, err := LoadOrCreate(st, cfg, nil, logging.Nop())
	require.NoError(t, err)
	assert.NotEmpty(t, first.NodeID)
	assert.NotEmpty(t, first.PublicKey())

	second, err := LoadOrCreate(st, cfg, nil, logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, first.NodeID, second.NodeID)
	assert.Equal(t, first.PublicKey(), second.PublicKey())
}

func TestLoadOrCreateEncrypted(t *testing.T) {
	st := newTestStore(t)
	cfg := config.Default()
	cfg.Identity.Encrypted = true
	pass := func() (string, error) { return "correct horse", nil }

	first, err := LoadOrCreate(st, cfg, pass, logging.Nop())
	require.NoError(t, err)

	// private key must not appear in plaintext on disk
	var doc Doc
	found, err := st.Read("identity", &doc)
	require.NoError(t, err)
	require.True(t, found)
	assert.Empty(t, doc.PrivateKey)
	require.NotNil(t, doc.EncryptedKey)
	assert.Equal(t, "argon2id", doc.EncryptedKey.KDF)

	second, err := LoadOrCreate(st, cfg, pass, logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey(), second.PublicKey())

	wrong := func() (string, error) { return "incorrect horse", nil }
	_, err = LoadOrCreate(st, cfg, wrong, logging.Nop())
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestSignAndVerify(t *testing.T) {
	id := newTestIdentity(t)
	body := []byte(`{"node_id":"` + id.NodeID + `","since":0}`)

	headers := id.SignHeaders(body)
	require.Equal(t, id.NodeID, headers[HeaderNodeID])

	err := Verify(headers[HeaderNodeID], headers[HeaderTimestamp],
		headers[HeaderBodyHash], headers[HeaderSignature], body, id.PublicKey())
	assert.NoError(t, err)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	id := newTestIdentity(t)
	body := []byte(`{"node_id":"a"}`)
	headers := id.SignHeaders(body)

	err := Verify(headers[HeaderNodeID], headers[HeaderTimestamp],
		headers[HeaderBodyHash], headers[HeaderSignature],
		[]byte(`{"node_id":"b"}`), id.PublicKey())
	assert.ErrorIs(t, err, ErrBodyHashMismatch)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	id := newTestIdentity(t)
	other := newTestIdentity(t)
	body := []byte(`{}`)
	headers := id.SignHeaders(body)

	err := Verify(headers[HeaderNodeID], headers[HeaderTimestamp],
		headers[HeaderBodyHash], headers[HeaderSignature], body, other.PublicKey())
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsReplay(t *testing.T) {
	id := newTestIdentity(t)
	body := []byte(`{}`)
	headers := id.SignHeaders(body)

	// re-sign the canonical message with a timestamp 70s in the past,
	// simulating a recorded request replayed after the window
	stale := strconv.FormatFloat(core.Now()-70, 'f', -1, 64)
	digestMsg := canonicalMessage(id.NodeID, stale, headers[HeaderBodyHash])
	sig := id.SignMessage(digestMsg)

	err := Verify(id.NodeID, stale, headers[HeaderBodyHash], sig, body, id.PublicKey())
	assert.ErrorIs(t, err, ErrTimestampSkew)
}

func TestVerifyRejectsMissingHeaders(t *testing.T) {
	err := Verify("", "", "", "", nil, "")
	assert.ErrorIs(t, err, ErrMissingHeaders)
}

func TestSignMessageDetached(t *testing.T) {
	id := newTestIdentity(t)
	msg := []byte("invite payload")

	sig := id.SignMessage(msg)
	assert.NoError(t, VerifyMessage(msg, sig, id.PublicKey()))
	assert.ErrorIs(t, VerifyMessage([]byte("other payload"), sig, id.PublicKey()), ErrBadSignature)
}

func TestPromoteDemoteTempFull(t *testing.T) {
	st := newTestStore(t)
	cfg := config.Default()
	cfg.Node.Mode = "relay"
	cfg.Node.PrimaryServer = "http://hub:8300"

	id, err := LoadOrCreate(st, cfg, nil, logging.Nop())
	require.NoError(t, err)
	require.Equal(t, core.ModeRelay, id.Mode())

	assert.True(t, id.PromoteTempFull())
	assert.Equal(t, core.ModeTempFull, id.Mode())

	// promoting twice is a no-op
	assert.False(t, id.PromoteTempFull())

	mode, ok := id.DemoteTempFull()
	assert.True(t, ok)
	assert.Equal(t, core.ModeRelay, mode)
	assert.Equal(t, core.ModeRelay, id.Mode())

	// demoting when not promoted is a no-op
	_, ok = id.DemoteTempFull()
	assert.False(t, ok)
}

func TestPromoteFullIsNoop(t *testing.T) {
	id := newTestIdentity(t)
	require.Equal(t, core.ModeFull, id.Mode())
	assert.False(t, id.PromoteTempFull())
	assert.Equal(t, core.ModeFull, id.Mode())
}

func TestDeriveMode(t *testing.T) {
	tests := []struct {
		name        string
		mode        string
		primary     string
		connectable bool
		want        core.NodeMode
	}{
		{"explicit full", "full", "", false, core.ModeFull},
		{"relay with primary", "relay", "http://hub:8300", false, core.ModeRelay},
		{"relay without primary falls back", "relay", "", false, core.ModeFull},
		{"auto with primary", "auto", "http://hub:8300", false, core.ModeRelay},
		{"auto connectable", "auto", "", true, core.ModeFull},
		{"auto isolated", "auto", "", false, core.ModeFull},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Node.Mode = tt.mode
			cfg.Node.PrimaryServer = tt.primary
			cfg.Node.Connectable = tt.connectable
			assert.Equal(t, tt.want, DeriveMode(cfg, logging.Nop()))
		})
	}
}
