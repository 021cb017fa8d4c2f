package mint

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/elnosh/fedmint/crypto"
	"github.com/elnosh/fedmint/ecash"
	"github.com/elnosh/fedmint/mint/storage"
	"go.dedis.ch/kyber/v3"
)

var tierPrefix = []byte("tier/")

func tierKey(id ecash.TierId) []byte {
	return storage.Key([]byte("tier"), storage.Uint64Key(id.Amount), storage.Uint32Key(id.Epoch))
}

// Tier is the key material for one activated tier.
type Tier struct {
	Id     ecash.TierId
	KeysId string
	Keys   *crypto.TierKeys
}

type storedTierKeys struct {
	Tier         ecash.TierId     `cbor:"1,keyasint"`
	Threshold    int              `cbor:"2,keyasint"`
	PeerIndex    int              `cbor:"3,keyasint"`
	PrivateShare ecash.HexBytes   `cbor:"4,keyasint"`
	PublicShares []ecash.HexBytes `cbor:"5,keyasint"`
	AggregateKey ecash.HexBytes   `cbor:"6,keyasint"`
}

func toStoredTierKeys(id ecash.TierId, keys *crypto.TierKeys) storedTierKeys {
	publicShares := make([]ecash.HexBytes, len(keys.PublicShares))
	for i, pk := range keys.PublicShares {
		publicShares[i] = crypto.MarshalPoint(pk)
	}
	return storedTierKeys{
		Tier:         id,
		Threshold:    keys.Threshold,
		PeerIndex:    keys.PeerIndex,
		PrivateShare: crypto.MarshalScalar(keys.PrivateShare),
		PublicShares: publicShares,
		AggregateKey: crypto.MarshalPoint(keys.AggregateKey),
	}
}

func (s storedTierKeys) tierKeys() (*crypto.TierKeys, error) {
	privateShare, err := crypto.ParseScalar(s.PrivateShare)
	if err != nil {
		return nil, err
	}
	aggregateKey, err := crypto.ParseG2(s.AggregateKey)
	if err != nil {
		return nil, err
	}
	publicShares := make([]kyber.Point, len(s.PublicShares))
	for i, pk := range s.PublicShares {
		publicShares[i], err = crypto.ParseG2(pk)
		if err != nil {
			return nil, err
		}
	}

	return &crypto.TierKeys{
		Threshold:    s.Threshold,
		PeerIndex:    s.PeerIndex,
		PrivateShare: privateShare,
		PublicShares: publicShares,
		AggregateKey: aggregateKey,
	}, nil
}

// TierKeyStore holds the key material of every activated tier.
// Only the latest epoch of an amount signs; every epoch keeps verifying.
type TierKeyStore struct {
	peer ecash.PeerId

	mu     sync.RWMutex
	tiers  map[ecash.TierId]*Tier
	latest map[uint64]uint32
}

func NewTierKeyStore(peer ecash.PeerId) *TierKeyStore {
	return &TierKeyStore{
		peer:   peer,
		tiers:  make(map[ecash.TierId]*Tier),
		latest: make(map[uint64]uint32),
	}
}

// Load replaces the in-memory tiers with the ones persisted in the store.
func (s *TierKeyStore) Load(tx storage.Tx) error {
	tiers := make(map[ecash.TierId]*Tier)
	latest := make(map[uint64]uint32)

	err := tx.ForEachPrefix(tierPrefix, func(key, value []byte) error {
		var stored storedTierKeys
		if err := ecash.Decode(value, &stored); err != nil {
			return fmt.Errorf("invalid tier at key '%x': %v", key, err)
		}
		keys, err := stored.tierKeys()
		if err != nil {
			return fmt.Errorf("invalid key material for tier %v: %v", stored.Tier, err)
		}

		tiers[stored.Tier] = &Tier{
			Id:     stored.Tier,
			KeysId: crypto.DeriveKeysId(keys.AggregateKey, keys.PublicShares, keys.Threshold),
			Keys:   keys,
		}
		if epoch, ok := latest[stored.Tier.Amount]; !ok || stored.Tier.Epoch > epoch {
			latest[stored.Tier.Amount] = stored.Tier.Epoch
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.tiers = tiers
	s.latest = latest
	s.mu.Unlock()
	return nil
}

// Activate validates the output of a key generation for tier id and, if it
// is consistent, makes the tier available for signing and verification.
func (s *TierKeyStore) Activate(tx storage.Tx, id ecash.TierId, keys *crypto.TierKeys) error {
	if keys == nil || keys.PrivateShare == nil || keys.AggregateKey == nil {
		return ecash.MalformedInput("missing key material for tier %v", id)
	}
	if keys.PeerIndex != int(s.peer) {
		return ecash.Error{
			Detail: fmt.Sprintf("key material is for guardian %v, not %v", keys.PeerIndex, s.peer),
			Code:   ecash.KeyGenMismatchErrCode,
		}
	}
	if keys.PeerIndex >= len(keys.PublicShares) {
		return ecash.MalformedInput("guardian %v has no public verification share", keys.PeerIndex)
	}

	aggregate, err := crypto.RecomputeAggregateKey(keys.PublicShares, keys.Threshold)
	if err != nil {
		if errors.Is(err, crypto.ErrInvalidThreshold) {
			return ecash.MalformedInput("threshold %v for %v guardians", keys.Threshold, len(keys.PublicShares))
		}
		return ecash.KeyGenMismatchErr
	}
	if !aggregate.Equal(keys.AggregateKey) {
		return ecash.KeyGenMismatchErr
	}
	if err := crypto.CheckPrivateShare(keys.PrivateShare, keys.PublicShares[keys.PeerIndex]); err != nil {
		return ecash.Error{Detail: err.Error(), Code: ecash.KeyGenMismatchErrCode}
	}

	keysId := crypto.DeriveKeysId(keys.AggregateKey, keys.PublicShares, keys.Threshold)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tiers[id]; ok {
		if existing.KeysId == keysId {
			return nil
		}
		return ecash.Error{
			Detail: fmt.Sprintf("tier %v is already active with different keys", id),
			Code:   ecash.KeyGenMismatchErrCode,
		}
	}

	encoded, err := ecash.Encode(toStoredTierKeys(id, keys))
	if err != nil {
		return err
	}
	if err := tx.Put(tierKey(id), encoded); err != nil {
		return err
	}

	s.tiers[id] = &Tier{Id: id, KeysId: keysId, Keys: keys}
	if epoch, ok := s.latest[id.Amount]; !ok || id.Epoch > epoch {
		s.latest[id.Amount] = id.Epoch
	}
	return nil
}

// Tier returns an activated tier of any epoch.
func (s *TierKeyStore) Tier(id ecash.TierId) (*Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tier, ok := s.tiers[id]
	if !ok {
		return nil, ecash.UnknownTierErr
	}
	return tier, nil
}

// SigningTier returns tier id only if it is the latest epoch for its amount.
func (s *TierKeyStore) SigningTier(id ecash.TierId) (*Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tier, ok := s.tiers[id]
	if !ok || s.latest[id.Amount] != id.Epoch {
		return nil, ecash.UnknownTierErr
	}
	return tier, nil
}

func (s *TierKeyStore) IsSigning(id ecash.TierId) bool {
	_, err := s.SigningTier(id)
	return err == nil
}

// Tiers returns all activated tiers ordered by amount and epoch.
func (s *TierKeyStore) Tiers() []*Tier {
	s.mu.RLock()
	tiers := make([]*Tier, 0, len(s.tiers))
	for _, tier := range s.tiers {
		tiers = append(tiers, tier)
	}
	s.mu.RUnlock()

	slices.SortFunc(tiers, func(a, b *Tier) int {
		if a.Id.Less(b.Id) {
			return -1
		}
		if b.Id.Less(a.Id) {
			return 1
		}
		return 0
	})
	return tiers
}
