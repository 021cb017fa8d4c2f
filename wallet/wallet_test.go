package wallet

import (
	"bytes"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/elnosh/fedmint/crypto"
	"github.com/elnosh/fedmint/ecash"
	"github.com/tyler-smith/go-bip39"
)

const testMnemonic = "half depart obvious quality work element tank gorilla view sugar picture humble"

func testMaster(t *testing.T) *hdkeychain.ExtendedKey {
	seed := bip39.NewSeed(testMnemonic, "")
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("error creating master key: %v", err)
	}
	return master
}

func TestDeriveSecrets(t *testing.T) {
	master := testMaster(t)
	tier := ecash.TierId{Amount: 8, Epoch: 0}

	tierPath, err := DeriveTierPath(master, tier)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := PrepareOutput(tierPath, tier, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	again, err := PrepareOutput(tierPath, tier, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Nonce != again.Nonce || first.Id() != again.Id() {
		t.Fatal("derivation is not deterministic")
	}
	if !first.BlindingFactor.Equal(again.BlindingFactor) {
		t.Fatal("blinding factor derivation is not deterministic")
	}

	next, err := PrepareOutput(tierPath, tier, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Nonce == first.Nonce {
		t.Fatal("different counters derived the same nonce")
	}

	otherEpoch := ecash.TierId{Amount: 8, Epoch: 1}
	otherPath, err := DeriveTierPath(master, otherEpoch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	other, err := PrepareOutput(otherPath, otherEpoch, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if other.Nonce == first.Nonce {
		t.Fatal("different epochs derived the same nonce")
	}

	if first.Output.Tier != tier {
		t.Fatalf("expected output for tier %v but got %v", tier, first.Output.Tier)
	}
	B, err := crypto.ParseG1(first.Output.BlindNonce)
	if err != nil {
		t.Fatalf("invalid blind nonce: %v", err)
	}
	if !B.Equal(crypto.BlindMessage(first.Nonce[:], first.BlindingFactor)) {
		t.Fatal("blind nonce does not match the derived secrets")
	}
}

func TestUnblind(t *testing.T) {
	dealer, err := crypto.DealerKeygen(3, 4, crypto.Suite().XOF([]byte("unblind")))
	if err != nil {
		t.Fatalf("error generating keys: %v", err)
	}

	tier := ecash.TierId{Amount: 2}
	tierPath, _ := DeriveTierPath(testMaster(t), tier)
	output, err := PrepareOutput(tierPath, tier, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	B, _ := crypto.ParseG1(output.Output.BlindNonce)
	shares := make([]crypto.BlindShare, 3)
	for i := range shares {
		shares[i] = crypto.BlindShare{Index: i + 1, Share: crypto.SignBlindedMessage(B, dealer.SecretShares[i+1])}
	}
	S, err := crypto.CombineBlindShares(B, dealer.AggregateKey, shares, 3, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	note, err := output.Unblind(crypto.MarshalPoint(S), dealer.AggregateKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if note.Nonce != output.Nonce || note.Tier != tier {
		t.Fatalf("unexpected note %+v", note)
	}

	C, _ := crypto.ParseG1(note.Signature)
	if !crypto.Verify(note.Nonce[:], C, dealer.AggregateKey) {
		t.Fatal("note signature did not verify")
	}

	// a share alone is not a valid signature
	_, err = output.Unblind(crypto.MarshalPoint(shares[0].Share), dealer.AggregateKey)
	if !errors.Is(err, ecash.InvalidSignatureErr) {
		t.Fatalf("expected error '%v' but got '%v'", ecash.InvalidSignatureErr, err)
	}
}

func TestNewWallet(t *testing.T) {
	w, err := New("http://127.0.0.1:3338", testMnemonic)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	again, err := New("http://127.0.0.1:3338", testMnemonic)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(w.OwnerKey(), again.OwnerKey()) {
		t.Fatal("owner key derivation is not deterministic")
	}
	if _, err := ecash.ParseOwnerKey(w.OwnerKey()); err != nil {
		t.Fatalf("invalid owner key: %v", err)
	}

	generated, err := New("http://127.0.0.1:3338", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bip39.IsMnemonicValid(generated.Mnemonic()) {
		t.Fatal("generated mnemonic is not valid")
	}

	_, err = New("http://127.0.0.1:3338", "not a mnemonic")
	if !errors.Is(err, ErrInvalidMnemonic) {
		t.Fatalf("expected error '%v' but got '%v'", ErrInvalidMnemonic, err)
	}

	// no tiers have been fetched yet
	_, err = w.PrepareOutputs(3)
	if !errors.Is(err, ErrNoSigningTier) {
		t.Fatalf("expected error '%v' but got '%v'", ErrNoSigningTier, err)
	}
}
