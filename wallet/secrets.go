package wallet

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/elnosh/fedmint/crypto"
	"github.com/elnosh/fedmint/ecash"
	"go.dedis.ch/kyber/v3"
)

const purpose = 129372

// m/129372'/1'
const notesBranch = 1

// m/129372'/2'
const backupBranch = 2

func deriveHardened(key *hdkeychain.ExtendedKey, path ...uint32) (*hdkeychain.ExtendedKey, error) {
	var err error
	for _, idx := range path {
		key, err = key.Derive(hdkeychain.HardenedKeyStart + idx)
		if err != nil {
			return nil, err
		}
	}
	return key, nil
}

// DeriveTierPath returns the key at m/129372'/1'/amount_int'/epoch'
func DeriveTierPath(master *hdkeychain.ExtendedKey, tier ecash.TierId) (*hdkeychain.ExtendedKey, error) {
	amountInt := uint32(tier.Amount % (1<<31 - 1))
	return deriveHardened(master, purpose, notesBranch, amountInt, tier.Epoch%(1<<31))
}

// DeriveNonce returns the nonce at m/129372'/1'/amount_int'/epoch'/counter'/0
func DeriveNonce(tierPath *hdkeychain.ExtendedKey, counter uint32) (ecash.Nonce, error) {
	counterPath, err := deriveHardened(tierPath, counter)
	if err != nil {
		return ecash.Nonce{}, err
	}
	noncePath, err := counterPath.Derive(0)
	if err != nil {
		return ecash.Nonce{}, err
	}
	key, err := noncePath.ECPrivKey()
	if err != nil {
		return ecash.Nonce{}, err
	}

	var nonce ecash.Nonce
	copy(nonce[:], key.Serialize())
	return nonce, nil
}

// DeriveBlindingFactor returns the blinding factor seeded from
// m/129372'/1'/amount_int'/epoch'/counter'/1
func DeriveBlindingFactor(tierPath *hdkeychain.ExtendedKey, counter uint32) (kyber.Scalar, error) {
	counterPath, err := deriveHardened(tierPath, counter)
	if err != nil {
		return nil, err
	}
	rPath, err := counterPath.Derive(1)
	if err != nil {
		return nil, err
	}
	key, err := rPath.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return crypto.ScalarFromSeed(key.Serialize()), nil
}

// DeriveOwnerKey returns the key that signs the wallet's backups,
// at m/129372'/2'/0'
func DeriveOwnerKey(master *hdkeychain.ExtendedKey) (*btcec.PrivateKey, error) {
	ownerPath, err := deriveHardened(master, purpose, backupBranch, 0)
	if err != nil {
		return nil, err
	}
	return ownerPath.ECPrivKey()
}

// PreparedOutput is a mint output together with the secrets needed
// to turn its blind signature into a note.
type PreparedOutput struct {
	Counter        uint32
	Nonce          ecash.Nonce
	BlindingFactor kyber.Scalar
	Output         ecash.MintOutput
}

func (p PreparedOutput) Id() ecash.OutputId {
	return p.Output.Id()
}

// PrepareOutput derives the secrets for counter and blinds the nonce.
func PrepareOutput(tierPath *hdkeychain.ExtendedKey, tier ecash.TierId, counter uint32) (PreparedOutput, error) {
	nonce, err := DeriveNonce(tierPath, counter)
	if err != nil {
		return PreparedOutput{}, err
	}
	r, err := DeriveBlindingFactor(tierPath, counter)
	if err != nil {
		return PreparedOutput{}, err
	}

	B := crypto.BlindMessage(nonce[:], r)
	return PreparedOutput{
		Counter:        counter,
		Nonce:          nonce,
		BlindingFactor: r,
		Output:         ecash.MintOutput{Tier: tier, BlindNonce: crypto.MarshalPoint(B)},
	}, nil
}

// Unblind turns the combined blind signature for p into a note and
// checks it against the tier's aggregate key.
func (p PreparedOutput) Unblind(signature ecash.HexBytes, aggregateKey kyber.Point) (ecash.Note, error) {
	S, err := crypto.ParseG1(signature)
	if err != nil {
		return ecash.Note{}, err
	}

	C := crypto.UnblindSignature(S, p.BlindingFactor)
	if !crypto.Verify(p.Nonce[:], C, aggregateKey) {
		return ecash.Note{}, ecash.InvalidSignatureErr
	}

	return ecash.Note{
		Nonce:     p.Nonce,
		Tier:      p.Output.Tier,
		Signature: crypto.MarshalPoint(C),
	}, nil
}
