// Package config reads and writes the key files a trusted dealer hands
// to each guardian.
package config

import (
	"crypto/cipher"
	"encoding/json"
	"fmt"
	"os"

	"github.com/elnosh/fedmint/crypto"
	"github.com/elnosh/fedmint/ecash"
	"go.dedis.ch/kyber/v3"
)

type TierKeyFile struct {
	Tier         ecash.TierId     `json:"tier"`
	Threshold    int              `json:"threshold"`
	PeerIndex    int              `json:"peer_index"`
	PrivateShare ecash.HexBytes   `json:"private_share"`
	PublicShares []ecash.HexBytes `json:"public_shares"`
	AggregateKey ecash.HexBytes   `json:"aggregate_key"`
}

// KeyFile holds one guardian's key material for every tier of the federation.
type KeyFile struct {
	Peer  ecash.PeerId  `json:"peer"`
	Tiers []TierKeyFile `json:"tiers"`
}

func NewTierKeyFile(id ecash.TierId, keys *crypto.TierKeys) TierKeyFile {
	publicShares := make([]ecash.HexBytes, len(keys.PublicShares))
	for i, pk := range keys.PublicShares {
		publicShares[i] = crypto.MarshalPoint(pk)
	}
	return TierKeyFile{
		Tier:         id,
		Threshold:    keys.Threshold,
		PeerIndex:    keys.PeerIndex,
		PrivateShare: crypto.MarshalScalar(keys.PrivateShare),
		PublicShares: publicShares,
		AggregateKey: crypto.MarshalPoint(keys.AggregateKey),
	}
}

func (f TierKeyFile) TierKeys() (*crypto.TierKeys, error) {
	privateShare, err := crypto.ParseScalar(f.PrivateShare)
	if err != nil {
		return nil, fmt.Errorf("invalid private share: %v", err)
	}
	aggregateKey, err := crypto.ParseG2(f.AggregateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid aggregate key: %v", err)
	}
	publicShares := make([]kyber.Point, len(f.PublicShares))
	for i, pk := range f.PublicShares {
		publicShares[i], err = crypto.ParseG2(pk)
		if err != nil {
			return nil, fmt.Errorf("invalid public share %v: %v", i, err)
		}
	}

	return &crypto.TierKeys{
		Threshold:    f.Threshold,
		PeerIndex:    f.PeerIndex,
		PrivateShare: privateShare,
		PublicShares: publicShares,
		AggregateKey: aggregateKey,
	}, nil
}

func ReadKeyFile(filename string) (*KeyFile, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading key file: %v", err)
	}
	defer f.Close()

	var keyFile KeyFile
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&keyFile); err != nil {
		return nil, fmt.Errorf("error decoding key file: %v", err)
	}
	return &keyFile, nil
}

func WriteKeyFile(filename string, keyFile KeyFile) error {
	encoded, err := json.MarshalIndent(keyFile, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, encoded, 0600)
}

// DealKeyFiles splits fresh keys for every tier into one key file per guardian.
func DealKeyFiles(tiers []ecash.TierId, n int, rand cipher.Stream) ([]KeyFile, error) {
	keyFiles := make([]KeyFile, n)
	for i := range keyFiles {
		keyFiles[i] = KeyFile{Peer: ecash.PeerId(i), Tiers: []TierKeyFile{}}
	}

	for _, tier := range tiers {
		dealer, err := crypto.DealerKeygen(crypto.DefaultThreshold(n), n, rand)
		if err != nil {
			return nil, err
		}
		for i := range keyFiles {
			keyFiles[i].Tiers = append(keyFiles[i].Tiers, NewTierKeyFile(tier, dealer.KeysFor(i)))
		}
	}
	return keyFiles, nil
}
