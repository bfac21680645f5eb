// Package identity owns the node's keypair and id, produces the signed
// request headers peers verify, and tracks the node's runtime role.
// The keypair is generated once on first boot and never rotated.
package identity

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"go.uber.org/zap"

	"github.com/amaydixit11/meshd/internal/config"
	"github.com/amaydixit11/meshd/internal/core"
	"github.com/amaydixit11/meshd/internal/store"
)

// Signature headers carried by every authenticated peer request
const (
	HeaderNodeID    = "X-Node-Id"
	HeaderTimestamp = "X-Node-Ts"
	HeaderBodyHash  = "X-Body-Hash"
	HeaderSignature = "X-Node-Sig"
)

// ReplayWindow bounds how far a request timestamp may drift from the
// receiver's clock
const ReplayWindow = 60 * time.Second

const docName = "identity"

var (
	ErrMissingHeaders   = errors.New("missing signature headers")
	ErrBodyHashMismatch = errors.New("body hash mismatch")
	ErrTimestampSkew    = errors.New("timestamp outside replay window")
	ErrBadPublicKey     = errors.New("invalid public key")
	ErrBadSignature     = errors.New("signature verification failed")
)

// Doc is the persisted identity document. Exactly one of PrivateKey
// and EncryptedKey is set.
type Doc struct {
	NodeID       string        `json:"node_id"`
	PublicKey    string        `json:"public_key"`
	PrivateKey   string        `json:"private_key,omitempty"`
	EncryptedKey *EncryptedKey `json:"encrypted_key,omitempty"`
	CreatedAt    float64       `json:"created_at"`
}

// Identity is the runtime identity: immutable id and keypair plus the
// mutable sync role.
type Identity struct {
	NodeID    string
	CreatedAt float64

	priv   *secp256k1.PrivateKey
	pubHex string

	mu           sync.Mutex
	mode         core.NodeMode
	originalMode core.NodeMode
	promoted     bool
}

// PassphraseFunc supplies the keystore passphrase when the identity
// document is encrypted. Called at most once per load.
type PassphraseFunc func() (string, error)

// LoadOrCreate reads the identity document, generating a fresh keypair
// and node id on first boot. An unreadable or undecryptable document is
// fatal: the caller must abort startup rather than mint a new identity
// over an existing one.
func LoadOrCreate(st *store.Store, cfg *config.Config, passphrase PassphraseFunc, logger *zap.Logger) (*Identity, error) {
	var doc Doc
	found, err := st.Read(docName, &doc)
	if err != nil {
		return nil, fmt.Errorf("identity document unreadable: %w", err)
	}

	if !found {
		doc, err = newDoc(cfg, passphrase)
		if err != nil {
			return nil, err
		}
		if err := st.Write(docName, doc); err != nil {
			return nil, fmt.Errorf("persist identity: %w", err)
		}
		logger.Info("generated node identity",
			zap.String("node_id", doc.NodeID),
			zap.String("fingerprint", core.KeyFingerprint(doc.PublicKey)))
	}

	priv, err := decodePrivateKey(doc, passphrase)
	if err != nil {
		return nil, err
	}
	pubHex := hex.EncodeToString(priv.PubKey().SerializeCompressed())
	if pubHex != doc.PublicKey {
		return nil, fmt.Errorf("identity document corrupt: public key does not match private key")
	}
	if cfg.Node.ID != "" && cfg.Node.ID != doc.NodeID {
		logger.Warn("node.id in config ignored, identity is fixed after first boot",
			zap.String("configured", cfg.Node.ID),
			zap.String("node_id", doc.NodeID))
	}

	return &Identity{
		NodeID:    doc.NodeID,
		CreatedAt: doc.CreatedAt,
		priv:      priv,
		pubHex:    pubHex,
		mode:      DeriveMode(cfg, logger),
	}, nil
}

func newDoc(cfg *config.Config, passphrase PassphraseFunc) (Doc, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return Doc{}, fmt.Errorf("generate keypair: %w", err)
	}
	nodeID := cfg.Node.ID
	if nodeID == "" {
		nodeID = core.GenerateNodeID()
	}
	doc := Doc{
		NodeID:    nodeID,
		PublicKey: hex.EncodeToString(priv.PubKey().SerializeCompressed()),
		CreatedAt: core.Now(),
	}

	if cfg.Identity.Encrypted {
		if passphrase == nil {
			return Doc{}, fmt.Errorf("identity.encrypted set but no passphrase available")
		}
		pass, err := passphrase()
		if err != nil {
			return Doc{}, fmt.Errorf("read passphrase: %w", err)
		}
		enc, err := sealPrivateKey(priv.Serialize(), nodeID, pass)
		if err != nil {
			return Doc{}, err
		}
		doc.EncryptedKey = enc
	} else {
		doc.PrivateKey = hex.EncodeToString(priv.Serialize())
	}
	return doc, nil
}

func decodePrivateKey(doc Doc, passphrase PassphraseFunc) (*secp256k1.PrivateKey, error) {
	switch {
	case doc.EncryptedKey != nil:
		if passphrase == nil {
			return nil, fmt.Errorf("identity key is encrypted but no passphrase available")
		}
		pass, err := passphrase()
		if err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		raw, err := openPrivateKey(doc.EncryptedKey, doc.NodeID, pass)
		if err != nil {
			return nil, err
		}
		return secp256k1.PrivKeyFromBytes(raw), nil
	case doc.PrivateKey != "":
		raw, err := hex.DecodeString(doc.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("identity document corrupt: %w", err)
		}
		return secp256k1.PrivKeyFromBytes(raw), nil
	default:
		return nil, fmt.Errorf("identity document has no private key")
	}
}

// PublicKey returns the hex-encoded compressed public key
func (id *Identity) PublicKey() string {
	return id.pubHex
}

// Fingerprint returns the short digest of the public key
func (id *Identity) Fingerprint() string {
	return core.KeyFingerprint(id.pubHex)
}

// Mode returns the current sync role
func (id *Identity) Mode() core.NodeMode {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.mode
}

// SetMode replaces the role after a runtime config change and clears
// any pending temp-full promotion
func (id *Identity) SetMode(mode core.NodeMode) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.mode = mode
	id.promoted = false
}

// PromoteTempFull records the current role and switches to temp_full.
// Promoting a full node is a no-op: it already syncs on its own.
func (id *Identity) PromoteTempFull() bool {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.mode == core.ModeFull || id.mode == core.ModeTempFull {
		return false
	}
	id.originalMode = id.mode
	id.promoted = true
	id.mode = core.ModeTempFull
	return true
}

// DemoteTempFull restores the role recorded at promotion time
func (id *Identity) DemoteTempFull() (core.NodeMode, bool) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.mode != core.ModeTempFull || !id.promoted {
		return id.mode, false
	}
	id.mode = id.originalMode
	id.promoted = false
	return id.mode, true
}

// DeriveMode resolves the configured mode to the role the node starts
// in. A relay without a primary server cannot heartbeat anywhere, so it
// falls back to full.
func DeriveMode(cfg *config.Config, logger *zap.Logger) core.NodeMode {
	switch cfg.Node.Mode {
	case "full":
		return core.ModeFull
	case "relay":
		if cfg.Node.PrimaryServer != "" {
			return core.ModeRelay
		}
		logger.Warn("node.mode is relay but node.primary_server is empty, falling back to full")
		return core.ModeFull
	default: // auto
		if cfg.Node.PrimaryServer != "" {
			return core.ModeRelay
		}
		if cfg.Node.Connectable {
			return core.ModeFull
		}
		logger.Warn("auto mode with no primary server and not connectable, running as isolated full node")
		return core.ModeFull
	}
}

// canonicalPayload is the signed message. Field order is the sorted
// key order, which json.Marshal preserves for structs.
type canonicalPayload struct {
	BodyHash  string `json:"body_hash"`
	NodeID    string `json:"node_id"`
	Timestamp string `json:"timestamp"`
}

func canonicalMessage(nodeID, timestamp, bodyHash string) []byte {
	msg, _ := json.Marshal(canonicalPayload{
		BodyHash:  bodyHash,
		NodeID:    nodeID,
		Timestamp: timestamp,
	})
	return msg
}

// BodyHash returns the hex sha256 of a request body, the value
// carried in X-Body-Hash
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// SignHeaders produces the signature headers for a request body
func (id *Identity) SignHeaders(body []byte) map[string]string {
	ts := strconv.FormatFloat(core.Now(), 'f', -1, 64)
	bodyHash := BodyHash(body)

	digest := sha256.Sum256(canonicalMessage(id.NodeID, ts, bodyHash))
	sig := ecdsa.Sign(id.priv, digest[:])

	return map[string]string{
		HeaderNodeID:    id.NodeID,
		HeaderTimestamp: ts,
		HeaderBodyHash:  bodyHash,
		HeaderSignature: base64.StdEncoding.EncodeToString(sig.Serialize()),
	}
}

// Verify checks a peer request against the sender's known public key:
// the body hash must match the body, the timestamp must be inside the
// replay window, and the signature must verify over the canonical
// message. Trust of the sender is the caller's concern.
func Verify(nodeID, timestamp, bodyHash, signature string, body []byte, publicKeyHex string) error {
	if nodeID == "" || timestamp == "" || bodyHash == "" || signature == "" {
		return ErrMissingHeaders
	}

	if BodyHash(body) != bodyHash {
		return ErrBodyHashMismatch
	}

	ts, err := strconv.ParseFloat(timestamp, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrTimestampSkew, timestamp)
	}
	if math.Abs(core.Now()-ts) > ReplayWindow.Seconds() {
		return ErrTimestampSkew
	}

	pubBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return ErrBadPublicKey
	}
	pub, err := secp256k1.ParsePubKey(pubBytes)
	if err != nil {
		return ErrBadPublicKey
	}

	der, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	sig, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		return ErrBadSignature
	}

	digest := sha256.Sum256(canonicalMessage(nodeID, timestamp, bodyHash))
	if !sig.Verify(digest[:], pub) {
		return ErrBadSignature
	}
	return nil
}

// SignMessage signs an arbitrary payload, used by join invites
func (id *Identity) SignMessage(msg []byte) string {
	digest := sha256.Sum256(msg)
	sig := ecdsa.Sign(id.priv, digest[:])
	return base64.StdEncoding.EncodeToString(sig.Serialize())
}

// VerifyMessage checks a detached signature over an arbitrary payload
func VerifyMessage(msg []byte, signature, publicKeyHex string) error {
	pubBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return ErrBadPublicKey
	}
	pub, err := secp256k1.ParsePubKey(pubBytes)
	if err != nil {
		return ErrBadPublicKey
	}
	der, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	sig, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		return ErrBadSignature
	}
	digest := sha256.Sum256(msg)
	if !sig.Verify(digest[:], pub) {
		return ErrBadSignature
	}
	return nil
}
