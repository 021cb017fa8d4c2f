package config

import (
	"path/filepath"
	"testing"

	"github.com/elnosh/fedmint/crypto"
	"github.com/elnosh/fedmint/ecash"
)

func TestKeyFiles(t *testing.T) {
	tiers := []ecash.TierId{{Amount: 1}, {Amount: 2}}
	keyFiles, err := DealKeyFiles(tiers, 4, crypto.Suite().XOF([]byte("key files")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keyFiles) != 4 {
		t.Fatalf("expected 4 key files but got %v", len(keyFiles))
	}

	path := filepath.Join(t.TempDir(), "guardian-2.json")
	if err := WriteKeyFile(path, keyFiles[2]); err != nil {
		t.Fatalf("error writing key file: %v", err)
	}
	keyFile, err := ReadKeyFile(path)
	if err != nil {
		t.Fatalf("error reading key file: %v", err)
	}
	if keyFile.Peer != 2 || len(keyFile.Tiers) != 2 {
		t.Fatalf("unexpected key file %+v", keyFile)
	}

	for i, tierFile := range keyFile.Tiers {
		if tierFile.Tier != tiers[i] {
			t.Fatalf("expected tier %v but got %v", tiers[i], tierFile.Tier)
		}
		keys, err := tierFile.TierKeys()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if keys.PeerIndex != 2 || keys.Threshold != 3 {
			t.Fatalf("unexpected keys for guardian %v with threshold %v", keys.PeerIndex, keys.Threshold)
		}
		if err := crypto.CheckPrivateShare(keys.PrivateShare, keys.PublicShares[2]); err != nil {
			t.Fatalf("private share does not match: %v", err)
		}
		aggregate, err := crypto.RecomputeAggregateKey(keys.PublicShares, keys.Threshold)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !aggregate.Equal(keys.AggregateKey) {
			t.Fatal("aggregate key does not match public shares")
		}
	}

	if _, err := ReadKeyFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error reading missing key file")
	}
}
