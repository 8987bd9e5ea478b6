package threshold

import (
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
)

const (
	// PublicKeySize is the size of a compressed BLS public key (G1) in bytes.
	PublicKeySize = 48

	// SignatureSize is the size of a compressed BLS signature (G2) in bytes.
	SignatureSize = 96

	// SecretKeySize is the size of a serialized secret scalar in bytes.
	SecretKeySize = 32
)

// blsDST is the domain separation tag for BLS signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

var (
	// ErrInvalidPublicKey is returned for public keys that do not decode to a valid G1 point.
	ErrInvalidPublicKey = errors.New("invalid BLS public key")

	// ErrInvalidSecretKey is returned for secret shares that are not a valid non-zero scalar.
	ErrInvalidSecretKey = errors.New("invalid BLS secret key")
)

// KeyShare is one guardian's share of the group signing key.
type KeyShare struct {
	PeerID uint16          // PeerID is the guardian this share belongs to
	secret *blst.SecretKey // secret is the private share
	public *blst.P1Affine  // public is the verification key for the share
}

// NewKeyShare loads a secret share from its 32-byte big-endian encoding.
func NewKeyShare(peerID uint16, secret []byte) (*KeyShare, error) {
	if len(secret) != SecretKeySize {
		return nil, fmt.Errorf("secret share for peer %d: %d bytes:\n%w", peerID, len(secret), ErrInvalidSecretKey)
	}

	sk := new(blst.SecretKey).Deserialize(secret)
	if sk == nil {
		return nil, fmt.Errorf("secret share for peer %d:\n%w", peerID, ErrInvalidSecretKey)
	}

	return &KeyShare{
		PeerID: peerID,
		secret: sk,
		public: new(blst.P1Affine).From(sk),
	}, nil
}

// Sign creates this share's partial signature over the message.
func (k *KeyShare) Sign(message []byte) []byte {
	sig := new(blst.P2Affine).Sign(k.secret, message, blsDST)
	return sig.Compress()
}

// PublicKeyBytes returns the compressed public share.
func (k *KeyShare) PublicKeyBytes() []byte {
	return k.public.Compress()
}

// SecretBytes returns the big-endian secret share.
func (k *KeyShare) SecretBytes() []byte {
	return k.secret.Serialize()
}

// Verify checks a BLS signature against a message and public key.
// Used both for individual shares (against a public share) and for
// aggregated signatures (against the group key).
func Verify(signature, message, publicKey []byte) bool {
	if len(signature) != SignatureSize || len(publicKey) != PublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, message, blsDST)
}

// ValidatePublicKey checks that publicKey is a compressed, non-identity G1 point in the prime subgroup.
func ValidatePublicKey(publicKey []byte) error {
	if len(publicKey) != PublicKeySize {
		return fmt.Errorf("%d bytes, want %d:\n%w", len(publicKey), PublicKeySize, ErrInvalidPublicKey)
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil || !pk.KeyValidate() {
		return ErrInvalidPublicKey
	}

	return nil
}

// publicKeyFromSecret derives the compressed G1 public key for a big-endian scalar.
func publicKeyFromSecret(secret []byte) ([]byte, error) {
	sk := new(blst.SecretKey).Deserialize(secret)
	if sk == nil {
		return nil, ErrInvalidSecretKey
	}

	return new(blst.P1Affine).From(sk).Compress(), nil
}
