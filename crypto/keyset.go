package crypto

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
)

var (
	ErrInvalidThreshold     = errors.New("invalid threshold")
	ErrInconsistentShares   = errors.New("public verification shares do not lie on a single polynomial")
	ErrPrivateShareMismatch = errors.New("private share does not match its public verification share")
)

// DefaultThreshold tolerates floor((n-1)/3) faulty guardians.
func DefaultThreshold(n int) int {
	return n - (n-1)/3
}

// TierKeys is the key material one guardian holds for a single tier.
type TierKeys struct {
	Threshold    int
	PeerIndex    int
	PrivateShare kyber.Scalar
	// indexed by guardian
	PublicShares []kyber.Point
	AggregateKey kyber.Point
}

func (tk *TierKeys) Peers() int {
	return len(tk.PublicShares)
}

// Sign produces this guardian's signature share over a blinded message.
func (tk *TierKeys) Sign(B kyber.Point) kyber.Point {
	return SignBlindedMessage(B, tk.PrivateShare)
}

// DealerOutput is what a trusted dealer hands out for one tier.
type DealerOutput struct {
	Threshold    int
	AggregateKey kyber.Point
	PublicShares []kyber.Point
	SecretShares []kyber.Scalar
}

// KeysFor returns the key material guardian idx would receive from the dealer.
func (d *DealerOutput) KeysFor(idx int) *TierKeys {
	pubShares := make([]kyber.Point, len(d.PublicShares))
	copy(pubShares, d.PublicShares)
	return &TierKeys{
		Threshold:    d.Threshold,
		PeerIndex:    idx,
		PrivateShare: d.SecretShares[idx].Clone(),
		PublicShares: pubShares,
		AggregateKey: d.AggregateKey.Clone(),
	}
}

// DealerKeygen splits a fresh tier secret into n shares of which threshold
// are needed to sign.
func DealerKeygen(threshold, n int, rand cipher.Stream) (*DealerOutput, error) {
	if threshold <= 0 || threshold > n {
		return nil, ErrInvalidThreshold
	}

	secret := suite.G2().Scalar().Pick(rand)
	priPoly := share.NewPriPoly(suite.G2(), threshold, secret, rand)
	pubPoly := priPoly.Commit(suite.G2().Point().Base())

	priShares := priPoly.Shares(n)
	pubShares := pubPoly.Shares(n)

	out := &DealerOutput{
		Threshold:    threshold,
		AggregateKey: pubPoly.Commit(),
		PublicShares: make([]kyber.Point, n),
		SecretShares: make([]kyber.Scalar, n),
	}
	for i := 0; i < n; i++ {
		out.PublicShares[pubShares[i].I] = pubShares[i].V
		out.SecretShares[priShares[i].I] = priShares[i].V
	}
	return out, nil
}

// RecomputeAggregateKey interpolates the public polynomial from the public
// verification shares, checks that every share lies on it and returns its
// constant term.
func RecomputeAggregateKey(publicShares []kyber.Point, threshold int) (kyber.Point, error) {
	n := len(publicShares)
	if threshold <= 0 || threshold > n {
		return nil, ErrInvalidThreshold
	}

	pubShares := make([]*share.PubShare, n)
	for i, pk := range publicShares {
		pubShares[i] = &share.PubShare{I: i, V: pk}
	}

	pubPoly, err := share.RecoverPubPoly(suite.G2(), pubShares, threshold, n)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInconsistentShares, err)
	}

	for i, pk := range publicShares {
		if !pubPoly.Eval(i).V.Equal(pk) {
			return nil, ErrInconsistentShares
		}
	}
	return pubPoly.Commit(), nil
}

// CheckPrivateShare verifies that sk*g2 equals the published verification share.
func CheckPrivateShare(sk kyber.Scalar, pk kyber.Point) error {
	if !suite.G2().Point().Mul(sk, suite.G2().Point().Base()).Equal(pk) {
		return ErrPrivateShareMismatch
	}
	return nil
}

// DeriveKeysId fingerprints the public part of a tier's key material.
func DeriveKeysId(aggregate kyber.Point, publicShares []kyber.Point, threshold int) string {
	hash := sha256.New()
	hash.Write([]byte{byte(threshold >> 8), byte(threshold)})
	hash.Write(MarshalPoint(aggregate))
	for _, pk := range publicShares {
		hash.Write(MarshalPoint(pk))
	}
	return "00" + hex.EncodeToString(hash.Sum(nil))[:14]
}
