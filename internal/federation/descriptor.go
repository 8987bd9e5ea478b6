package federation

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"

	"Roastr/internal/threshold"
)

// ErrInvalidConfig is returned when a federation descriptor fails validation.
var ErrInvalidConfig = errors.New("invalid federation config")

// HexBytes is a byte slice encoded as a hex string in JSON.
type HexBytes []byte

func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

func (h *HexBytes) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	*h = b
	return nil
}

// Guardian is one member of the federation.
type Guardian struct {
	PeerID      uint16   `json:"peer_id"`      // PeerID is the guardian's index
	Endpoint    string   `json:"endpoint"`     // Endpoint is the QUIC host:port
	IdentityKey HexBytes `json:"identity_key"` // IdentityKey is the ed25519 key pinned on dial
	PublicShare HexBytes `json:"public_share"` // PublicShare verifies the guardian's signature shares
}

// Descriptor is the federation config served by every guardian at GET /config.
type Descriptor struct {
	FederationID   HexBytes   `json:"federation_id"`
	Threshold      int        `json:"threshold"`
	Guardians      []Guardian `json:"guardians"`
	GroupPublicKey HexBytes   `json:"group_public_key"`
}

// descriptorBody is the part of the descriptor the federation id commits to.
type descriptorBody struct {
	Threshold      int        `json:"threshold"`
	Guardians      []Guardian `json:"guardians"`
	GroupPublicKey HexBytes   `json:"group_public_key"`
}

// NewDescriptor builds a descriptor with guardians sorted by peer id and its id filled in.
func NewDescriptor(threshold int, guardians []Guardian, groupKey []byte) (*Descriptor, error) {
	d := &Descriptor{
		Threshold:      threshold,
		Guardians:      sortedGuardians(guardians),
		GroupPublicKey: groupKey,
	}

	id, err := d.ComputeID()
	if err != nil {
		return nil, err
	}
	d.FederationID = id[:]

	return d, nil
}

// ComputeID returns blake3 over the canonical JSON of the descriptor body.
func (d *Descriptor) ComputeID() ([32]byte, error) {
	body, err := json.Marshal(descriptorBody{
		Threshold:      d.Threshold,
		Guardians:      sortedGuardians(d.Guardians),
		GroupPublicKey: d.GroupPublicKey,
	})
	if err != nil {
		return [32]byte{}, fmt.Errorf("marshal descriptor body:\n%w", err)
	}

	return blake3.Sum256(body), nil
}

// ID returns the federation id as an array.
func (d *Descriptor) ID() [32]byte {
	var id [32]byte
	copy(id[:], d.FederationID)
	return id
}

// Validate checks the descriptor is internally consistent.
func (d *Descriptor) Validate() error {
	n := len(d.Guardians)
	if n == 0 {
		return fmt.Errorf("no guardians:\n%w", ErrInvalidConfig)
	}

	if d.Threshold < 1 || d.Threshold > n {
		return fmt.Errorf("threshold %d out of range [1, %d]:\n%w", d.Threshold, n, ErrInvalidConfig)
	}

	seen := make(map[uint16]struct{}, n)

	for _, g := range d.Guardians {
		if _, dup := seen[g.PeerID]; dup {
			return fmt.Errorf("duplicate peer %d:\n%w", g.PeerID, ErrInvalidConfig)
		}
		seen[g.PeerID] = struct{}{}

		if g.Endpoint == "" {
			return fmt.Errorf("peer %d has no endpoint:\n%w", g.PeerID, ErrInvalidConfig)
		}

		if len(g.IdentityKey) != ed25519.PublicKeySize {
			return fmt.Errorf("peer %d identity key is %d bytes:\n%w", g.PeerID, len(g.IdentityKey), ErrInvalidConfig)
		}

		if err := threshold.ValidatePublicKey(g.PublicShare); err != nil {
			return fmt.Errorf("peer %d public share: %v:\n%w", g.PeerID, err, ErrInvalidConfig)
		}
	}

	if err := threshold.ValidatePublicKey(d.GroupPublicKey); err != nil {
		return fmt.Errorf("group key: %v:\n%w", err, ErrInvalidConfig)
	}

	if len(d.FederationID) != 32 {
		return fmt.Errorf("federation id is %d bytes:\n%w", len(d.FederationID), ErrInvalidConfig)
	}

	id, err := d.ComputeID()
	if err != nil {
		return err
	}

	if !bytes.Equal(id[:], d.FederationID) {
		return fmt.Errorf("federation id does not match config:\n%w", ErrInvalidConfig)
	}

	return nil
}

// sortedGuardians returns a copy of gs in ascending peer id order.
func sortedGuardians(gs []Guardian) []Guardian {
	out := make([]Guardian, len(gs))
	copy(out, gs)
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}
