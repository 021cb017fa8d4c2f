package mint

import (
	"bytes"
	"fmt"

	"github.com/elnosh/fedmint/crypto"
	"github.com/elnosh/fedmint/ecash"
	"github.com/elnosh/fedmint/mint/storage"
)

// KeyGenView is the public output of a key generation as seen by one guardian.
type KeyGenView struct {
	Tier         ecash.TierId     `cbor:"1,keyasint" json:"tier"`
	Threshold    int              `cbor:"2,keyasint" json:"threshold"`
	PublicShares []ecash.HexBytes `cbor:"3,keyasint" json:"public_shares"`
	AggregateKey ecash.HexBytes   `cbor:"4,keyasint" json:"aggregate_key"`
}

func NewKeyGenView(id ecash.TierId, keys *crypto.TierKeys) KeyGenView {
	stored := toStoredTierKeys(id, keys)
	return KeyGenView{
		Tier:         id,
		Threshold:    stored.Threshold,
		PublicShares: stored.PublicShares,
		AggregateKey: stored.AggregateKey,
	}
}

func keygenPrefix(id ecash.TierId) []byte {
	return storage.Key([]byte("keygen"), storage.Uint64Key(id.Amount), storage.Uint32Key(id.Epoch), nil)
}

func keygenLocalKey(id ecash.TierId) []byte {
	return append(keygenPrefix(id), []byte("local")...)
}

func keygenViewPrefix(id ecash.TierId) []byte {
	return append(keygenPrefix(id), []byte("view/")...)
}

func keygenViewKey(id ecash.TierId, peer ecash.PeerId) []byte {
	return append(keygenViewPrefix(id), storage.Uint32Key(uint32(peer))...)
}

// KeyGenCoordinator activates a tier once every guardian has put the
// same public key generation output on the log.
type KeyGenCoordinator struct {
	tiers *TierKeyStore
}

func NewKeyGenCoordinator(tiers *TierKeyStore) *KeyGenCoordinator {
	return &KeyGenCoordinator{tiers: tiers}
}

// Prepare holds this guardian's key material for tier id until the
// federation agrees on the public output, and returns the view to
// propose on the log.
func (c *KeyGenCoordinator) Prepare(tx storage.Tx, id ecash.TierId, keys *crypto.TierKeys) (*KeyGenView, error) {
	if _, err := c.tiers.Tier(id); err == nil {
		return nil, ecash.MalformedInput("tier %v is already active", id)
	}
	if keys == nil || keys.PrivateShare == nil || keys.AggregateKey == nil {
		return nil, ecash.MalformedInput("missing key material for tier %v", id)
	}
	if keys.PeerIndex != int(c.tiers.peer) || keys.PeerIndex >= len(keys.PublicShares) {
		return nil, ecash.MalformedInput("key material is not for guardian %v", c.tiers.peer)
	}
	if err := crypto.CheckPrivateShare(keys.PrivateShare, keys.PublicShares[keys.PeerIndex]); err != nil {
		return nil, ecash.Error{Detail: err.Error(), Code: ecash.KeyGenMismatchErrCode}
	}

	encoded, err := ecash.Encode(toStoredTierKeys(id, keys))
	if err != nil {
		return nil, err
	}
	if err := tx.Put(keygenLocalKey(id), encoded); err != nil {
		return nil, err
	}

	view := NewKeyGenView(id, keys)
	return &view, nil
}

// Submit records the view proposed by peer. When all guardians have
// submitted identical views the tier is activated and Submit returns true.
func (c *KeyGenCoordinator) Submit(tx storage.Tx, peer ecash.PeerId, view KeyGenView) (bool, error) {
	if _, err := c.tiers.Tier(view.Tier); err == nil {
		return false, nil
	}

	n := len(view.PublicShares)
	if n == 0 || int(peer) >= n {
		return false, ecash.MalformedInput("keygen view from guardian %v for %v guardians", peer, n)
	}

	encoded, err := ecash.Encode(view)
	if err != nil {
		return false, err
	}

	existing, err := tx.Get(keygenViewKey(view.Tier, peer))
	if err != nil {
		return false, err
	}
	if existing != nil {
		if bytes.Equal(existing, encoded) {
			return false, nil
		}
		return false, ecash.Error{
			Detail: fmt.Sprintf("guardian %v proposed conflicting keygen views for tier %v", peer, view.Tier),
			Code:   ecash.KeyGenMismatchErrCode,
		}
	}
	if err := tx.Put(keygenViewKey(view.Tier, peer), encoded); err != nil {
		return false, err
	}

	views := [][]byte{}
	err = tx.ForEachPrefix(keygenViewPrefix(view.Tier), func(key, value []byte) error {
		views = append(views, value)
		return nil
	})
	if err != nil {
		return false, err
	}

	for _, other := range views {
		if !bytes.Equal(other, encoded) {
			if err := c.abort(tx, view.Tier); err != nil {
				return false, err
			}
			return false, ecash.KeyGenMismatchErr
		}
	}
	if len(views) < n {
		return false, nil
	}

	local, err := tx.Get(keygenLocalKey(view.Tier))
	if err != nil {
		return false, err
	}
	if local == nil {
		return false, ecash.Error{
			Detail: fmt.Sprintf("no local key share for tier %v", view.Tier),
			Code:   ecash.KeyGenMismatchErrCode,
		}
	}

	var stored storedTierKeys
	if err := ecash.Decode(local, &stored); err != nil {
		return false, fmt.Errorf("invalid local key share for tier %v: %v", view.Tier, err)
	}
	localView, err := ecash.Encode(KeyGenView{
		Tier:         stored.Tier,
		Threshold:    stored.Threshold,
		PublicShares: stored.PublicShares,
		AggregateKey: stored.AggregateKey,
	})
	if err != nil {
		return false, err
	}
	if !bytes.Equal(localView, encoded) {
		if err := c.abort(tx, view.Tier); err != nil {
			return false, err
		}
		return false, ecash.KeyGenMismatchErr
	}

	keys, err := stored.tierKeys()
	if err != nil {
		return false, fmt.Errorf("invalid local key share for tier %v: %v", view.Tier, err)
	}
	if err := c.tiers.Activate(tx, view.Tier, keys); err != nil {
		if abortErr := c.abort(tx, view.Tier); abortErr != nil {
			return false, abortErr
		}
		return false, err
	}

	return true, c.abort(tx, view.Tier)
}

// abort discards every pending view and the local share for tier id.
func (c *KeyGenCoordinator) abort(tx storage.Tx, id ecash.TierId) error {
	keys := [][]byte{}
	err := tx.ForEachPrefix(keygenPrefix(id), func(key, value []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := tx.Remove(key); err != nil {
			return err
		}
	}
	return nil
}
