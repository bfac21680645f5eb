package core

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// NodeMode represents the sync role a node plays in the mesh
type NodeMode string

const (
	ModeFull     NodeMode = "full"      // publicly reachable or NAT'd full participant
	ModeRelay    NodeMode = "relay"     // constrained node, heartbeats to a hub
	ModeTempFull NodeMode = "temp_full" // transient promotion while no hub is reachable
)

// ValidNodeModes contains all valid modes for validation
var ValidNodeModes = map[NodeMode]bool{
	ModeFull:     true,
	ModeRelay:    true,
	ModeTempFull: true,
}

// IsValid checks if the mode is valid
func (m NodeMode) IsValid() bool {
	return ValidNodeModes[m]
}

// TrustStatus represents where a node sits in the trust lifecycle
type TrustStatus string

const (
	TrustSelf            TrustStatus = "self"             // the local node's own record
	TrustPending         TrustStatus = "pending"          // inbound join awaiting operator approval
	TrustTrusted         TrustStatus = "trusted"          // admitted to the mesh
	TrustWaitingApproval TrustStatus = "waiting_approval" // outbound join awaiting remote approval
	TrustKicked          TrustStatus = "kicked"           // expelled; absorbing state
)

// ValidTrustStatuses contains all valid statuses for validation
var ValidTrustStatuses = map[TrustStatus]bool{
	TrustSelf:            true,
	TrustPending:         true,
	TrustTrusted:         true,
	TrustWaitingApproval: true,
	TrustKicked:          true,
}

// IsValid checks if the trust status is valid
func (s TrustStatus) IsValid() bool {
	return ValidTrustStatuses[s]
}

// NodeRecord is the membership unit replicated through the nodes
// document. Key in the document map is NodeID.
type NodeRecord struct {
	NodeID       string      `json:"node_id"`
	Name         string      `json:"name"`
	Mode         NodeMode    `json:"mode"`
	Connectable  bool        `json:"connectable"`
	Host         string      `json:"host"`
	Port         int         `json:"port"`
	PublicURL    string      `json:"public_url"`
	RegisteredAt float64     `json:"registered_at"`
	PublicKey    string      `json:"public_key"` // hex, compressed secp256k1
	TrustStatus  TrustStatus `json:"trust_status"`
	KickedAt     float64     `json:"kicked_at,omitempty"`

	Extra ExtraFields `json:"-"`
}

// MarshalJSON preserves unrecognized fields captured at decode time
func (r NodeRecord) MarshalJSON() ([]byte, error) {
	type plain NodeRecord
	return marshalWithExtra(plain(r), r.Extra)
}

// UnmarshalJSON captures unrecognized fields for later re-encoding
func (r *NodeRecord) UnmarshalJSON(data []byte) error {
	type plain NodeRecord
	var p plain
	extra, err := unmarshalWithExtra(data, &p)
	if err != nil {
		return err
	}
	*r = NodeRecord(p)
	r.Extra = extra
	return nil
}

// Clone creates a deep copy of the record
func (r NodeRecord) Clone() NodeRecord {
	out := r
	out.Extra = r.Extra.Clone()
	return out
}

// Touch bumps RegisteredAt so the change propagates on the next sync.
// Bumps are monotonic per record.
func (r *NodeRecord) Touch() {
	r.RegisteredAt = After(r.RegisteredAt)
}

// URL returns the address peers should dial, preferring the public URL
func (r NodeRecord) URL() string {
	if r.PublicURL != "" {
		return strings.TrimRight(r.PublicURL, "/")
	}
	return fmt.Sprintf("http://%s:%d", r.Host, r.Port)
}

// Fingerprint returns a short human-checkable digest of the public key
func (r NodeRecord) Fingerprint() string {
	return KeyFingerprint(r.PublicKey)
}

// KeyFingerprint digests a hex public key to 16 hex chars
func KeyFingerprint(publicKeyHex string) string {
	sum := sha256.Sum256([]byte(publicKeyHex))
	return hex.EncodeToString(sum[:])[:16]
}

// GenerateNodeID builds a node id from the hostname plus a random
// suffix, e.g. "build-01-9f3a". Generated once on first boot and never
// changed afterwards.
func GenerateNodeID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "node"
	}
	hostname = strings.ToLower(hostname)
	if len(hostname) > 16 {
		hostname = hostname[:16]
	}
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return hostname + "-" + hex.EncodeToString(buf[:])
}
