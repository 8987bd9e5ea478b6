package federation

import (
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// invitePrefix starts every invite code.
const invitePrefix = "roastr1"

// ErrInvalidInvite is returned for malformed invite codes.
var ErrInvalidInvite = errors.New("invalid invite code")

var inviteEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// Invite points a client at one guardian of a federation.
// Layout before encoding: [32B federation id][2B peer id][url].
type Invite struct {
	FederationID [32]byte // FederationID is the blake3 hash of the federation config
	PeerID       uint16   // PeerID is the guardian serving URL
	URL          string   // URL is the guardian's config endpoint base
}

// String encodes the invite as a roastr1 code.
func (i Invite) String() string {
	raw := make([]byte, 0, 34+len(i.URL))
	raw = append(raw, i.FederationID[:]...)
	raw = binary.BigEndian.AppendUint16(raw, i.PeerID)
	raw = append(raw, i.URL...)

	return invitePrefix + inviteEncoding.EncodeToString(raw)
}

// ParseInvite decodes a roastr1 invite code.
func ParseInvite(code string) (Invite, error) {
	code = strings.ToLower(strings.TrimSpace(code))

	if !strings.HasPrefix(code, invitePrefix) {
		return Invite{}, fmt.Errorf("missing %q prefix:\n%w", invitePrefix, ErrInvalidInvite)
	}

	raw, err := inviteEncoding.DecodeString(code[len(invitePrefix):])
	if err != nil {
		return Invite{}, fmt.Errorf("decode: %v:\n%w", err, ErrInvalidInvite)
	}

	if len(raw) <= 34 {
		return Invite{}, fmt.Errorf("payload too short: %d bytes:\n%w", len(raw), ErrInvalidInvite)
	}

	var inv Invite
	copy(inv.FederationID[:], raw[:32])
	inv.PeerID = binary.BigEndian.Uint16(raw[32:34])
	inv.URL = string(raw[34:])

	u, err := url.Parse(inv.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Invite{}, fmt.Errorf("bad url %q:\n%w", inv.URL, ErrInvalidInvite)
	}

	return inv, nil
}
