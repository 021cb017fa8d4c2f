package mint

import (
	"github.com/elnosh/fedmint/ecash"
	"github.com/elnosh/fedmint/mint/storage"
)

func spentKey(nonce ecash.Nonce) []byte {
	return storage.Key([]byte("spent"), nonce[:])
}

type spentEntry struct {
	Round uint64 `cbor:"1,keyasint"`
}

// SpendLedger records redeemed nonces. Entries are never removed.
type SpendLedger struct{}

func NewSpendLedger() *SpendLedger {
	return &SpendLedger{}
}

func (l *SpendLedger) IsSpent(tx storage.Tx, nonce ecash.Nonce) (bool, error) {
	value, err := tx.Get(spentKey(nonce))
	if err != nil {
		return false, err
	}
	return value != nil, nil
}

// MarkSpent checks and marks nonce in one step of the round's transaction.
func (l *SpendLedger) MarkSpent(tx storage.Tx, nonce ecash.Nonce, round uint64) error {
	spent, err := l.IsSpent(tx, nonce)
	if err != nil {
		return err
	}
	if spent {
		return ecash.AlreadySpentErr
	}

	entry, err := ecash.Encode(spentEntry{Round: round})
	if err != nil {
		return err
	}
	return tx.Put(spentKey(nonce), entry)
}

func (l *SpendLedger) States(tx storage.Tx, nonces []ecash.Nonce) ([]ecash.NonceState, error) {
	states := make([]ecash.NonceState, len(nonces))
	for i, nonce := range nonces {
		spent, err := l.IsSpent(tx, nonce)
		if err != nil {
			return nil, err
		}
		if spent {
			states[i] = ecash.Spent
		} else {
			states[i] = ecash.Unspent
		}
	}
	return states, nil
}
