package threshold

import (
	"fmt"
	"math"

	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

// Dealing is the output of a trusted-dealer key split.
// It stands in for a completed DKG on devnets and in tests.
type Dealing struct {
	Threshold int         // Threshold is the number of shares needed to sign
	GroupKey  []byte      // GroupKey is the compressed group public key
	Shares    []*KeyShare // Shares is indexed by peer id
}

// PublicShares returns the compressed public share of every guardian, indexed by peer id.
func (d *Dealing) PublicShares() [][]byte {
	out := make([][]byte, len(d.Shares))
	for i, s := range d.Shares {
		out[i] = s.PublicKeyBytes()
	}
	return out
}

// Deal splits a fresh random group key into total shares with the given threshold.
func Deal(threshold, total int) (*Dealing, error) {
	if threshold < 1 || threshold > total {
		return nil, fmt.Errorf("threshold %d out of range [1, %d]", threshold, total)
	}

	if total > math.MaxUint16 {
		return nil, fmt.Errorf("too many guardians: %d", total)
	}

	coeffs := make([]fr.Element, threshold)
	for i := range coeffs {
		if _, err := coeffs[i].SetRandom(); err != nil {
			return nil, fmt.Errorf("sample coefficient:\n%w", err)
		}
	}

	secret := coeffs[0].Bytes()

	groupKey, err := publicKeyFromSecret(secret[:])
	if err != nil {
		return nil, fmt.Errorf("derive group key:\n%w", err)
	}

	d := &Dealing{
		Threshold: threshold,
		GroupKey:  groupKey,
		Shares:    make([]*KeyShare, total),
	}

	for p := 0; p < total; p++ {
		peerID := uint16(p)
		y := evalPolynomial(coeffs, EvaluationPoint(peerID))
		b := y.Bytes()

		share, err := NewKeyShare(peerID, b[:])
		if err != nil {
			return nil, fmt.Errorf("share for peer %d:\n%w", peerID, err)
		}

		d.Shares[p] = share
	}

	return d, nil
}

// evalPolynomial evaluates coeffs at x with Horner's rule.
func evalPolynomial(coeffs []fr.Element, x fr.Element) fr.Element {
	result := coeffs[len(coeffs)-1]

	for i := len(coeffs) - 2; i >= 0; i-- {
		result.Mul(&result, &x)
		result.Add(&result, &coeffs[i])
	}

	return result
}
