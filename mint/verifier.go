package mint

import (
	"github.com/elnosh/fedmint/crypto"
	"github.com/elnosh/fedmint/ecash"
	"github.com/elnosh/fedmint/mint/storage"
)

// NoteVerifier checks notes against their tier's aggregate public key
// and finalizes spends through the SpendLedger.
type NoteVerifier struct {
	tiers  *TierKeyStore
	ledger *SpendLedger
}

func NewNoteVerifier(tiers *TierKeyStore, ledger *SpendLedger) *NoteVerifier {
	return &NoteVerifier{tiers: tiers, ledger: ledger}
}

// Verify returns UnknownTier or InvalidSignature if the note is not valid.
func (v *NoteVerifier) Verify(note ecash.Note) error {
	tier, err := v.tiers.Tier(note.Tier)
	if err != nil {
		return err
	}
	return verifySignature(tier, note)
}

func verifySignature(tier *Tier, note ecash.Note) error {
	C, err := crypto.ParseG1(note.Signature)
	if err != nil {
		return ecash.InvalidSignatureErr
	}
	if !crypto.Verify(note.Nonce[:], C, tier.Keys.AggregateKey) {
		return ecash.InvalidSignatureErr
	}
	return nil
}

// VerifyOnly checks the signature without looking at the SpendLedger.
func (v *NoteVerifier) VerifyOnly(note ecash.Note) bool {
	return v.Verify(note) == nil
}

// Redeem verifies the input and marks its nonce spent.
func (v *NoteVerifier) Redeem(tx storage.Tx, input ecash.MintInput, round uint64) error {
	note := input.Note

	tier, err := v.tiers.Tier(note.Tier)
	if err != nil {
		return err
	}

	spent, err := v.ledger.IsSpent(tx, note.Nonce)
	if err != nil {
		return err
	}
	if spent {
		return ecash.AlreadySpentErr
	}

	if err := verifySignature(tier, note); err != nil {
		return err
	}

	return v.ledger.MarkSpent(tx, note.Nonce, round)
}
