package threshold

import (
	"errors"
	"fmt"
	"math/big"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

var (
	// ErrNoShares is returned when Combine is called without shares.
	ErrNoShares = errors.New("no signature shares to combine")

	// ErrDuplicateSigner is returned when two shares carry the same peer id.
	ErrDuplicateSigner = errors.New("duplicate signer")
)

// PartialSignature is one guardian's signature share.
type PartialSignature struct {
	PeerID    uint16 // PeerID is the signing guardian
	Signature []byte // Signature is the compressed G2 share
}

// EvaluationPoint returns the polynomial x-coordinate of a guardian: peer id + 1.
func EvaluationPoint(peerID uint16) fr.Element {
	var x fr.Element
	x.SetUint64(uint64(peerID) + 1)
	return x
}

// Combine interpolates the shares at zero: sigma = sum(lambda_i * sigma_i).
// The result is the group signature only if the shares are valid and at
// least threshold many; callers verify it against the group key.
func Combine(parts []PartialSignature) ([]byte, error) {
	if len(parts) == 0 {
		return nil, ErrNoShares
	}

	xs := make([]fr.Element, len(parts))
	seen := make(map[uint16]struct{}, len(parts))

	for i, p := range parts {
		if _, dup := seen[p.PeerID]; dup {
			return nil, fmt.Errorf("peer %d:\n%w", p.PeerID, ErrDuplicateSigner)
		}

		seen[p.PeerID] = struct{}{}
		xs[i] = EvaluationPoint(p.PeerID)
	}

	var acc bls12381.G2Jac

	for i, p := range parts {
		var sig bls12381.G2Affine
		if _, err := sig.SetBytes(p.Signature); err != nil {
			return nil, fmt.Errorf("decode share from peer %d:\n%w", p.PeerID, err)
		}

		lambda := lagrangeAtZero(xs, i)

		var k big.Int
		lambda.BigInt(&k)

		var term bls12381.G2Jac
		term.FromAffine(&sig)
		term.ScalarMultiplication(&term, &k)

		if i == 0 {
			acc.Set(&term)
		} else {
			acc.AddAssign(&term)
		}
	}

	var out bls12381.G2Affine
	out.FromJacobian(&acc)

	encoded := out.Bytes()

	return encoded[:], nil
}

// lagrangeAtZero computes lambda_i = prod_{j != i} x_j / (x_j - x_i).
func lagrangeAtZero(xs []fr.Element, i int) fr.Element {
	var num, den fr.Element
	num.SetOne()
	den.SetOne()

	for j := range xs {
		if j == i {
			continue
		}

		num.Mul(&num, &xs[j])

		var diff fr.Element
		diff.Sub(&xs[j], &xs[i])
		den.Mul(&den, &diff)
	}

	den.Inverse(&den)
	num.Mul(&num, &den)

	return num
}
