package peer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/amaydixit11/meshd/internal/core"
	"github.com/amaydixit11/meshd/internal/identity"
)

// InvitePrefix is the URL scheme for join invites
const InvitePrefix = "meshd://"

// DefaultInviteTTL is how long an invite stays valid
const DefaultInviteTTL = 24 * time.Hour

// Invite is a signed join offer. The embedded public key lets the
// holder pin the issuer's identity during the join handshake; an
// issuer answering with a different key is an impostor.
type Invite struct {
	URL       string  `json:"url"`
	NodeID    string  `json:"node_id"`
	Name      string  `json:"name,omitempty"`
	PublicKey string  `json:"public_key"`
	CreatedAt float64 `json:"created_at"`
	ExpiresAt float64 `json:"expires_at"`
	Signature string  `json:"signature"`
}

// signable is the pipe-joined payload the signature covers
func (i Invite) signable() []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%.3f|%.3f",
		i.URL, i.NodeID, i.Name, i.PublicKey, i.CreatedAt, i.ExpiresAt))
}

// NewInvite issues a signed invite for this node
func NewInvite(id *identity.Identity, url, name string, ttl time.Duration) Invite {
	if ttl <= 0 {
		ttl = DefaultInviteTTL
	}
	now := core.Now()
	inv := Invite{
		URL:       strings.TrimRight(url, "/"),
		NodeID:    id.NodeID,
		Name:      name,
		PublicKey: id.PublicKey(),
		CreatedAt: now,
		ExpiresAt: now + ttl.Seconds(),
	}
	inv.Signature = id.SignMessage(inv.signable())
	return inv
}

// Encode serializes the invite to its meshd:// code
func (i Invite) Encode() string {
	data, _ := json.Marshal(i)
	return InvitePrefix + base64.RawURLEncoding.EncodeToString(data)
}

// QRString renders the code as a terminal QR
func (i Invite) QRString() (string, error) {
	qr, err := qrcode.New(i.Encode(), qrcode.Low)
	if err != nil {
		return "", err
	}
	return qr.ToSmallString(false), nil
}

// QRPNG renders the code as a PNG
func (i Invite) QRPNG(size int) ([]byte, error) {
	return qrcode.Encode(i.Encode(), qrcode.Low, size)
}

// Expired reports whether the invite's lifetime has passed
func (i Invite) Expired() bool {
	return core.Now() > i.ExpiresAt
}

// Fingerprint returns the short digest of the issuer's key
func (i Invite) Fingerprint() string {
	return core.KeyFingerprint(i.PublicKey)
}

// IsInviteCode reports whether a join target looks like an invite
// rather than a bare URL
func IsInviteCode(s string) bool {
	return strings.HasPrefix(s, InvitePrefix)
}

// ParseInvite decodes a code and verifies its signature and expiry
func ParseInvite(code string) (Invite, error) {
	if !IsInviteCode(code) {
		return Invite{}, fmt.Errorf("not an invite code")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(code, InvitePrefix))
	if err != nil {
		return Invite{}, fmt.Errorf("malformed invite encoding: %w", err)
	}
	var inv Invite
	if err := json.Unmarshal(raw, &inv); err != nil {
		return Invite{}, fmt.Errorf("malformed invite: %w", err)
	}
	if inv.URL == "" || inv.NodeID == "" || inv.PublicKey == "" {
		return Invite{}, fmt.Errorf("invite missing required fields")
	}
	if err := identity.VerifyMessage(inv.signable(), inv.Signature, inv.PublicKey); err != nil {
		return Invite{}, fmt.Errorf("invite signature invalid: %w", err)
	}
	if inv.Expired() {
		return Invite{}, fmt.Errorf("invite expired")
	}
	return inv, nil
}
