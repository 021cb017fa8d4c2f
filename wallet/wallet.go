package wallet

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/elnosh/fedmint/crypto"
	"github.com/elnosh/fedmint/ecash"
	"github.com/elnosh/fedmint/ecash/api"
	"github.com/tyler-smith/go-bip39"
	"go.dedis.ch/kyber/v3"
)

var (
	ErrOutputPending   = errors.New("mint output has not been signed yet")
	ErrNoSigningTier   = errors.New("federation has no signing tier for amount")
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
)

// Wallet talks to one guardian of a federation. Its notes are derived
// from a bip39 mnemonic so they can be rebuilt from the federation.
type Wallet struct {
	guardianURL string
	mnemonic    string
	master      *hdkeychain.ExtendedKey
	ownerKey    *btcec.PrivateKey

	mu       sync.Mutex
	tiers    map[ecash.TierId]tierKeys
	counters map[ecash.TierId]uint32
	notes    ecash.Notes
}

type tierKeys struct {
	info         api.TierInfo
	aggregateKey kyber.Point
}

// New creates a wallet from mnemonic, or from a new one if it is empty.
func New(guardianURL, mnemonic string) (*Wallet, error) {
	if len(mnemonic) == 0 {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			return nil, fmt.Errorf("error generating entropy: %v", err)
		}
		mnemonic, err = bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, fmt.Errorf("error generating mnemonic: %v", err)
		}
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	seed := bip39.NewSeed(mnemonic, "")
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	ownerKey, err := DeriveOwnerKey(master)
	if err != nil {
		return nil, err
	}

	return &Wallet{
		guardianURL: guardianURL,
		mnemonic:    mnemonic,
		master:      master,
		ownerKey:    ownerKey,
		tiers:       make(map[ecash.TierId]tierKeys),
		counters:    make(map[ecash.TierId]uint32),
		notes:       ecash.Notes{},
	}, nil
}

func (w *Wallet) Mnemonic() string {
	return w.mnemonic
}

func (w *Wallet) OwnerKey() []byte {
	return ecash.SerializeOwnerKey(w.ownerKey.PubKey())
}

// RefreshTiers fetches the federation's tiers from the guardian.
func (w *Wallet) RefreshTiers() error {
	tiersRes, err := GetTiers(w.guardianURL)
	if err != nil {
		return err
	}

	tiers := make(map[ecash.TierId]tierKeys, len(tiersRes.Tiers))
	for _, info := range tiersRes.Tiers {
		aggregateKey, err := crypto.ParseG2(info.AggregateKey)
		if err != nil {
			return fmt.Errorf("invalid aggregate key for tier %v: %v", info.Tier, err)
		}
		tiers[info.Tier] = tierKeys{info: info, aggregateKey: aggregateKey}
	}

	w.mu.Lock()
	w.tiers = tiers
	w.mu.Unlock()
	return nil
}

func (w *Wallet) signingTier(amount uint64) (ecash.TierId, bool) {
	for id, tier := range w.tiers {
		if id.Amount == amount && tier.info.Signing {
			return id, true
		}
	}
	return ecash.TierId{}, false
}

// PrepareOutputs splits amount into tiers and derives an output for each.
// The tier counters advance so the secrets are never reused.
func (w *Wallet) PrepareOutputs(amount uint64) ([]PreparedOutput, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	split := ecash.AmountSplit(amount)
	outputs := make([]PreparedOutput, len(split))
	for i, amt := range split {
		tier, ok := w.signingTier(amt)
		if !ok {
			return nil, fmt.Errorf("%w %v", ErrNoSigningTier, amt)
		}

		tierPath, err := DeriveTierPath(w.master, tier)
		if err != nil {
			return nil, err
		}
		outputs[i], err = PrepareOutput(tierPath, tier, w.counters[tier])
		if err != nil {
			return nil, err
		}
		w.counters[tier]++
	}

	return outputs, nil
}

// Mint proposes outputs for amount to the federation. The notes can be
// collected with Finalize once the outputs' rounds are applied.
func (w *Wallet) Mint(amount uint64) ([]PreparedOutput, error) {
	outputs, err := w.PrepareOutputs(amount)
	if err != nil {
		return nil, err
	}

	mintRequest := api.PostMintRequest{Outputs: make([]ecash.MintOutput, len(outputs))}
	for i, output := range outputs {
		mintRequest.Outputs[i] = output.Output
	}
	if _, err := PostMint(w.guardianURL, mintRequest); err != nil {
		return nil, err
	}
	return outputs, nil
}

// Finalize unblinds the combined signatures of outputs and adds the
// notes to the wallet. It returns ErrOutputPending if any output is
// still collecting shares.
func (w *Wallet) Finalize(outputs []PreparedOutput) (ecash.Notes, error) {
	notes := make(ecash.Notes, 0, len(outputs))
	for _, output := range outputs {
		note, err := w.finalizeOutput(output)
		if err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}

	w.mu.Lock()
	w.notes = append(w.notes, notes...)
	w.mu.Unlock()
	return notes, nil
}

func (w *Wallet) finalizeOutput(output PreparedOutput) (ecash.Note, error) {
	outcome, err := GetMintOutcome(w.guardianURL, output.Id())
	if err != nil {
		return ecash.Note{}, err
	}

	switch outcome.Status {
	case ecash.Collecting:
		return ecash.Note{}, ErrOutputPending
	case ecash.Combined:
	case ecash.Failed:
		return ecash.Note{}, fmt.Errorf("output %v failed: %v", outcome.Output, outcome.CombineError)
	default:
		return ecash.Note{}, fmt.Errorf("output %v was rejected: %v", outcome.Output, outcome.Error)
	}

	w.mu.Lock()
	tier, ok := w.tiers[output.Output.Tier]
	w.mu.Unlock()
	if !ok {
		return ecash.Note{}, ecash.UnknownTierErr
	}
	return output.Unblind(outcome.Signature.Signature, tier.aggregateKey)
}

// Notes returns the notes held by the wallet.
func (w *Wallet) Notes() ecash.Notes {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.notes)
}

func (w *Wallet) Balance() uint64 {
	return w.Notes().Amount()
}

// Redeem proposes notes for redemption and removes them from the wallet.
func (w *Wallet) Redeem(notes ecash.Notes) error {
	redeemRequest := api.PostRedeemRequest{Inputs: make([]ecash.MintInput, len(notes))}
	for i, note := range notes {
		redeemRequest.Inputs[i] = ecash.MintInput{Note: note}
	}
	if _, err := PostRedeem(w.guardianURL, redeemRequest); err != nil {
		return err
	}

	redeemed := make(map[ecash.Nonce]bool, len(notes))
	for _, note := range notes {
		redeemed[note.Nonce] = true
	}

	w.mu.Lock()
	w.notes = slices.DeleteFunc(w.notes, func(note ecash.Note) bool {
		return redeemed[note.Nonce]
	})
	w.mu.Unlock()
	return nil
}
