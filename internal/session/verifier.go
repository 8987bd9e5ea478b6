package session

import (
	"fmt"

	"Roastr/internal/threshold"
)

// Verifier checks a share against the signing guardian's public share.
type Verifier interface {
	VerifyShare(peerID uint16, content, signature []byte) error
}

// ShareVerifier verifies shares with the guardians' BLS public shares.
type ShareVerifier struct {
	publicShares map[uint16][]byte
}

// NewShareVerifier creates a verifier for the given public shares, keyed by peer id.
func NewShareVerifier(publicShares map[uint16][]byte) *ShareVerifier {
	return &ShareVerifier{publicShares: publicShares}
}

// VerifyShare returns ErrInvalidShare unless signature is peerID's valid share over content.
func (v *ShareVerifier) VerifyShare(peerID uint16, content, signature []byte) error {
	pub, ok := v.publicShares[peerID]
	if !ok {
		return fmt.Errorf("unknown peer %d:\n%w", peerID, ErrInvalidShare)
	}

	if !threshold.Verify(signature, content, pub) {
		return fmt.Errorf("share from peer %d does not verify:\n%w", peerID, ErrInvalidShare)
	}

	return nil
}
