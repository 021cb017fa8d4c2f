package crypto

import (
	"errors"
	"fmt"
	"sort"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
)

// Threshold blind signatures over the bn256 pairing.
//
//	M  = H(nonce)            message point in G1
//	B  = r*M                 blinded by the client
//	Si = ki*B                signature share of guardian i
//	S  = sum(li*Si)          combined through Lagrange interpolation
//	C  = r^-1*S = k*M        unblinded signature
//
// A signature is valid iff e(C, g2) == e(M, K) where K = k*g2.

var suite = bn256.NewSuite()

var (
	ErrInvalidPoint       = errors.New("invalid curve point")
	ErrInvalidScalar      = errors.New("invalid scalar")
	ErrNotEnoughShares    = errors.New("not enough signature shares to combine")
	ErrDuplicateShareIdx  = errors.New("duplicate signature share index")
	ErrCombinedSigInvalid = errors.New("combined signature does not verify under aggregate key")
)

type hashablePoint interface {
	Hash([]byte) kyber.Point
}

// Suite returns the pairing suite used for all tier keys.
func Suite() *bn256.Suite {
	return suite
}

func G1PointLen() int { return suite.G1().PointLen() }
func G2PointLen() int { return suite.G2().PointLen() }
func ScalarLen() int  { return suite.G1().ScalarLen() }

func HashToCurve(message []byte) kyber.Point {
	return suite.G1().Point().(hashablePoint).Hash(message)
}

// B = rM
func BlindMessage(message []byte, r kyber.Scalar) kyber.Point {
	M := HashToCurve(message)
	return suite.G1().Point().Mul(r, M)
}

// Si = kiB
func SignBlindedMessage(B kyber.Point, k kyber.Scalar) kyber.Point {
	return suite.G1().Point().Mul(k, B)
}

// VerifyBlindShare checks e(Si, g2) == e(B, Ki).
func VerifyBlindShare(B, Si, Ki kyber.Point) bool {
	left := suite.Pair(Si, suite.G2().Point().Base())
	right := suite.Pair(B, Ki)
	return left.Equal(right)
}

// BlindShare is a verified signature share from the guardian at Index.
type BlindShare struct {
	Index int
	Share kyber.Point
}

// CombineBlindShares interpolates exactly threshold shares into the blinded
// signature. Shares are sorted by guardian index before interpolation so every
// replica combines the same set in the same order. The result is checked
// against the aggregate key K before it is returned.
func CombineBlindShares(B kyber.Point, K kyber.Point, shares []BlindShare, threshold, n int) (kyber.Point, error) {
	if threshold <= 0 || len(shares) < threshold {
		return nil, ErrNotEnoughShares
	}

	sorted := make([]BlindShare, len(shares))
	copy(sorted, shares)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Index < sorted[j].Index
	})

	pubShares := make([]*share.PubShare, 0, threshold)
	for i, s := range sorted {
		if i > 0 && sorted[i-1].Index == s.Index {
			return nil, ErrDuplicateShareIdx
		}
		if s.Index < 0 || s.Index >= n {
			return nil, fmt.Errorf("share index %v out of range", s.Index)
		}
		pubShares = append(pubShares, &share.PubShare{I: s.Index, V: s.Share})
		if len(pubShares) == threshold {
			break
		}
	}

	S, err := share.RecoverCommit(suite.G1(), pubShares, threshold, n)
	if err != nil {
		return nil, err
	}

	if !VerifyBlindShare(B, S, K) {
		return nil, ErrCombinedSigInvalid
	}
	return S, nil
}

// C = r^-1 S
func UnblindSignature(S kyber.Point, r kyber.Scalar) kyber.Point {
	rInv := suite.G1().Scalar().Inv(r)
	return suite.G1().Point().Mul(rInv, S)
}

// e(C, g2) == e(H(message), K)
func Verify(message []byte, C kyber.Point, K kyber.Point) bool {
	M := HashToCurve(message)
	left := suite.Pair(C, suite.G2().Point().Base())
	right := suite.Pair(M, K)
	return left.Equal(right)
}

func ParseG1(b []byte) (kyber.Point, error) {
	if len(b) != G1PointLen() {
		return nil, ErrInvalidPoint
	}
	p := suite.G1().Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	return p, nil
}

func ParseG2(b []byte) (kyber.Point, error) {
	if len(b) != G2PointLen() {
		return nil, ErrInvalidPoint
	}
	p := suite.G2().Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	return p, nil
}

func ParseScalar(b []byte) (kyber.Scalar, error) {
	if len(b) != ScalarLen() {
		return nil, ErrInvalidScalar
	}
	s := suite.G1().Scalar()
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScalar, err)
	}
	return s, nil
}

// ScalarFromSeed deterministically derives a non-zero scalar from seed.
func ScalarFromSeed(seed []byte) kyber.Scalar {
	xof := suite.XOF(seed)
	zero := suite.G1().Scalar().Zero()
	for {
		s := suite.G1().Scalar().Pick(xof)
		if !s.Equal(zero) {
			return s
		}
	}
}

func MarshalPoint(p kyber.Point) []byte {
	b, err := p.MarshalBinary()
	if err != nil {
		// bn256 points always marshal
		panic(err)
	}
	return b
}

func MarshalScalar(s kyber.Scalar) []byte {
	b, err := s.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}
