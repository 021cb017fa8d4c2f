package wallet

import (
	"errors"
	"fmt"
	"slices"

	"github.com/elnosh/fedmint/ecash"
	"github.com/elnosh/fedmint/ecash/api"
)

type tierCounter struct {
	Tier    ecash.TierId `cbor:"1,keyasint"`
	Counter uint32       `cbor:"2,keyasint"`
}

// walletBackup is the payload the wallet stores with the federation.
type walletBackup struct {
	Counters []tierCounter `cbor:"1,keyasint"`
}

// Backup stores the wallet's derivation counters with the guardian,
// signed by the wallet's owner key. Later timestamps replace earlier ones.
func (w *Wallet) Backup(timestamp uint64) error {
	w.mu.Lock()
	backup := walletBackup{Counters: make([]tierCounter, 0, len(w.counters))}
	for tier, counter := range w.counters {
		backup.Counters = append(backup.Counters, tierCounter{Tier: tier, Counter: counter})
	}
	w.mu.Unlock()

	slices.SortFunc(backup.Counters, func(a, b tierCounter) int {
		if a.Tier.Less(b.Tier) {
			return -1
		}
		if b.Tier.Less(a.Tier) {
			return 1
		}
		return 0
	})

	payload, err := ecash.Encode(backup)
	if err != nil {
		return err
	}

	signed, err := ecash.SignBackupRequest(w.ownerKey, ecash.BackupRequest{
		OwnerKey:  w.OwnerKey(),
		Timestamp: timestamp,
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	return PostBackup(w.guardianURL, *signed)
}

// Restore rebuilds a wallet from its mnemonic. It fetches the wallet's
// backup, re-derives every output up to the backed up counters, and keeps
// the notes the federation still considers valid and unspent.
func Restore(guardianURL, mnemonic string) (*Wallet, error) {
	w, err := New(guardianURL, mnemonic)
	if err != nil {
		return nil, err
	}
	if err := w.RefreshTiers(); err != nil {
		return nil, fmt.Errorf("error getting tiers from guardian: %v", err)
	}

	backup, err := w.fetchBackup()
	if err != nil {
		return nil, err
	}

	candidates := ecash.Notes{}
	for _, tc := range backup.Counters {
		w.counters[tc.Tier] = tc.Counter

		notes, err := w.rebuildNotes(tc.Tier, tc.Counter)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, notes...)
	}
	if len(candidates) == 0 {
		return w, nil
	}

	verified, err := PostRestore(guardianURL, api.PostRestoreRequest{Notes: candidates})
	if err != nil {
		return nil, err
	}
	if len(verified.Valid) == 0 {
		return w, nil
	}

	stateRequest := api.PostCheckStateRequest{Nonces: make([]ecash.Nonce, len(verified.Valid))}
	for i, note := range verified.Valid {
		stateRequest.Nonces[i] = note.Nonce
	}
	stateResponse, err := PostCheckState(guardianURL, stateRequest)
	if err != nil {
		return nil, err
	}

	for i, state := range stateResponse.States {
		if state.State == ecash.Unspent {
			w.notes = append(w.notes, verified.Valid[i])
		}
	}
	return w, nil
}

func (w *Wallet) fetchBackup() (*walletBackup, error) {
	signed, err := GetBackup(w.guardianURL, w.OwnerKey())
	if err != nil {
		if errors.Is(err, ecash.BackupNotFoundErr) {
			return &walletBackup{}, nil
		}
		return nil, fmt.Errorf("error getting backup: %v", err)
	}
	if !ecash.VerifyBackupSignature(*signed, w.ownerKey.PubKey()) {
		return nil, errors.New("backup returned by guardian has an invalid signature")
	}

	var backup walletBackup
	if err := ecash.Decode(signed.Request.Payload, &backup); err != nil {
		return nil, fmt.Errorf("invalid backup payload: %v", err)
	}
	return &backup, nil
}

// rebuildNotes re-derives the outputs for counters below counter and
// unblinds those the federation signed.
func (w *Wallet) rebuildNotes(tier ecash.TierId, counter uint32) (ecash.Notes, error) {
	keys, ok := w.tiers[tier]
	if !ok {
		return ecash.Notes{}, nil
	}

	tierPath, err := DeriveTierPath(w.master, tier)
	if err != nil {
		return nil, err
	}

	notes := ecash.Notes{}
	for i := uint32(0); i < counter; i++ {
		output, err := PrepareOutput(tierPath, tier, i)
		if err != nil {
			return nil, err
		}

		outcome, err := GetMintOutcome(w.guardianURL, output.Id())
		if err != nil {
			if errors.Is(err, ecash.OutputNotFoundErr) {
				continue
			}
			return nil, err
		}
		if outcome.Status != ecash.Combined || outcome.Signature == nil {
			continue
		}

		note, err := output.Unblind(outcome.Signature.Signature, keys.aggregateKey)
		if err != nil {
			continue
		}
		notes = append(notes, note)
	}
	return notes, nil
}
