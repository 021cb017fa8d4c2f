package mint

import (
	"context"
	"testing"

	"github.com/elnosh/fedmint/consensus"
	"github.com/elnosh/fedmint/ecash"
)

func TestKeyGenActivation(t *testing.T) {
	log := consensus.NewLocalLog()
	guardians := make([]*Mint, 3)
	for i := range guardians {
		guardians[i] = testGuardian(t, ecash.PeerId(i), log, 0)
	}

	tier := ecash.TierId{Amount: 4, Epoch: 0}
	dealer := testDealer(t, 3, "keygen")
	ctx := context.Background()

	for i, guardian := range guardians {
		if _, err := guardian.BeginKeyGen(ctx, tier, dealer.KeysFor(i)); err != nil {
			t.Fatalf("guardian %v could not begin keygen: %v", i, err)
		}
		if guardian.IsSigning(tier) {
			t.Fatalf("tier should not be active before the views are applied")
		}
	}

	round, ok := log.Seal()
	if !ok {
		t.Fatal("expected keygen views to be proposed")
	}
	if len(round.Items) != 3 {
		t.Fatalf("expected 3 keygen views but got %v", len(round.Items))
	}

	for i, guardian := range guardians {
		outcome, err := guardian.ProcessRound(ctx, round)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(outcome.Activated) != 1 || outcome.Activated[0] != tier {
			t.Fatalf("expected tier %v activated on guardian %v but got %v", tier, i, outcome.Activated)
		}
		if !guardian.IsSigning(tier) {
			t.Fatalf("expected tier to be signing on guardian %v", i)
		}
	}

	// a view arriving after activation is ignored
	lateView := testItem(t, 0, consensus.KeyGenViewItem, NewKeyGenView(tier, dealer.KeysFor(0)))
	outcome, err := guardians[0].ProcessRound(ctx, consensus.Round{Number: 1, Items: []consensus.Item{lateView}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcome.Activated) != 0 || len(outcome.Rejected) != 0 {
		t.Fatalf("expected late view to be ignored but got %+v", outcome)
	}

	// tiers activated by keygen survive a restart
	reloaded := NewTierKeyStore(0)
	if err := guardians[0].db.View(reloaded.Load); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reloaded.IsSigning(tier) {
		t.Fatal("expected tier to be loaded from store")
	}
}

func TestKeyGenMismatch(t *testing.T) {
	log := consensus.NewLocalLog()
	guardians := make([]*Mint, 3)
	for i := range guardians {
		guardians[i] = testGuardian(t, ecash.PeerId(i), log, 0)
	}

	tier := ecash.TierId{Amount: 4, Epoch: 0}
	dealer := testDealer(t, 3, "keygen")
	other := testDealer(t, 3, "other keygen")
	ctx := context.Background()

	for i, guardian := range guardians {
		keys := dealer.KeysFor(i)
		if i == 2 {
			keys = other.KeysFor(i)
		}
		if _, err := guardian.BeginKeyGen(ctx, tier, keys); err != nil {
			t.Fatalf("guardian %v could not begin keygen: %v", i, err)
		}
	}

	round, _ := log.Seal()
	for i, guardian := range guardians {
		outcome, err := guardian.ProcessRound(ctx, round)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(outcome.Activated) != 0 {
			t.Fatalf("tier should not activate on guardian %v", i)
		}
		if len(outcome.Rejected) != 1 || outcome.Rejected[0].Index != 2 {
			t.Fatalf("expected third view to be rejected but got %v", outcome.Rejected)
		}
		expectMintError(t, outcome.Rejected[0].Error, ecash.KeyGenMismatchErrCode)
		if guardian.IsSigning(tier) {
			t.Fatalf("tier should not be active on guardian %v", i)
		}
	}
}

func TestKeyGenPrepare(t *testing.T) {
	guardian := testGuardian(t, 1, discardBroadcaster{}, 0)
	tier := ecash.TierId{Amount: 4, Epoch: 0}
	dealer := testDealer(t, 3, "prepare")
	ctx := context.Background()

	// key material for another guardian
	_, err := guardian.BeginKeyGen(ctx, tier, dealer.KeysFor(0))
	expectMintError(t, err, ecash.MalformedInputErrCode)

	keys := dealer.KeysFor(1)
	keys.PrivateShare = dealer.SecretShares[2].Clone()
	_, err = guardian.BeginKeyGen(ctx, tier, keys)
	expectMintError(t, err, ecash.KeyGenMismatchErrCode)

	view, err := guardian.BeginKeyGen(ctx, tier, dealer.KeysFor(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.Threshold != 3 || len(view.PublicShares) != 3 {
		t.Fatalf("unexpected view %+v", view)
	}

	if err := guardian.ActivateTier(tier, dealer.KeysFor(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = guardian.BeginKeyGen(ctx, tier, dealer.KeysFor(1))
	expectMintError(t, err, ecash.MalformedInputErrCode)
}
