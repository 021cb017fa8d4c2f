package mint

import (
	"github.com/elnosh/fedmint/crypto"
	"github.com/elnosh/fedmint/ecash"
)

// PartialSigner produces this guardian's signature share for mint outputs.
// It holds no state of its own; identical input and key state give
// byte-identical shares.
type PartialSigner struct {
	peer  ecash.PeerId
	tiers *TierKeyStore
}

func NewPartialSigner(peer ecash.PeerId, tiers *TierKeyStore) *PartialSigner {
	return &PartialSigner{peer: peer, tiers: tiers}
}

func (s *PartialSigner) Sign(output ecash.MintOutput) (ecash.MintOutputSignatureShare, error) {
	tier, err := s.tiers.SigningTier(output.Tier)
	if err != nil {
		return ecash.MintOutputSignatureShare{}, err
	}

	B, err := crypto.ParseG1(output.BlindNonce)
	if err != nil {
		return ecash.MintOutputSignatureShare{}, ecash.MalformedInput("invalid blind nonce: %v", err)
	}

	return ecash.MintOutputSignatureShare{
		Peer:   s.peer,
		Output: output.Id(),
		Share:  crypto.MarshalPoint(tier.Keys.Sign(B)),
	}, nil
}
