package mint_test

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/elnosh/fedmint/crypto"
	"github.com/elnosh/fedmint/ecash"
	"github.com/elnosh/fedmint/ecash/api"
	"github.com/elnosh/fedmint/mint"
	"github.com/elnosh/fedmint/testutils"
	"github.com/elnosh/fedmint/wallet"
	"github.com/gorilla/websocket"
)

var (
	ctx         context.Context
	federation  *testutils.Federation
	guardianURL string
	tierAmounts = []uint64{1, 2, 4, 8, 16, 32, 64}
)

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx = context.Background()

	federationPath, err := os.MkdirTemp("", "testfederation")
	if err != nil {
		log.Println(err)
		return 1
	}
	defer os.RemoveAll(federationPath)

	federation, err = testutils.CreateTestFederation(federationPath, 4, tierAmounts, mint.Bolt)
	if err != nil {
		log.Println(err)
		return 1
	}
	defer federation.Shutdown()

	server, url, err := testutils.CreateTestGuardianServer(federation.Guardians[0])
	if err != nil {
		log.Println(err)
		return 1
	}
	defer server.Shutdown()
	guardianURL = url

	return m.Run()
}

func TestWalletMintAndRedeem(t *testing.T) {
	w, err := testutils.CreateTestWallet(guardianURL)
	if err != nil {
		t.Fatalf("error creating wallet: %v", err)
	}

	outputs, err := w.Mint(21)
	if err != nil {
		t.Fatalf("error minting: %v", err)
	}

	// nothing is signed until the rounds are applied
	_, err = w.Finalize(outputs)
	if !errors.Is(err, ecash.OutputNotFoundErr) && !errors.Is(err, wallet.ErrOutputPending) {
		t.Fatalf("expected output to be pending but got '%v'", err)
	}

	if err := federation.RunUntilIdle(ctx); err != nil {
		t.Fatalf("error running rounds: %v", err)
	}
	notes, err := w.Finalize(outputs)
	if err != nil {
		t.Fatalf("error finalizing outputs: %v", err)
	}
	if notes.Amount() != 21 || w.Balance() != 21 {
		t.Fatalf("expected balance of 21 but got %v", w.Balance())
	}

	// every guardian reached the same outcome for every output
	for _, output := range outputs {
		var signature ecash.HexBytes
		for i, guardian := range federation.Guardians {
			outcome, err := guardian.MintOutcome(output.Id())
			if err != nil {
				t.Fatalf("unexpected error from guardian %v: %v", i, err)
			}
			if outcome.Status != ecash.Combined {
				t.Fatalf("expected output combined on guardian %v but got %v", i, outcome.Status)
			}
			if signature == nil {
				signature = outcome.Signature.Signature
			} else if string(signature) != string(outcome.Signature.Signature) {
				t.Fatalf("guardian %v combined a different signature", i)
			}
		}
	}

	if err := w.Redeem(notes[:1]); err != nil {
		t.Fatalf("error redeeming: %v", err)
	}
	if err := federation.RunUntilIdle(ctx); err != nil {
		t.Fatalf("error running rounds: %v", err)
	}

	stateRes, err := wallet.PostCheckState(guardianURL, api.PostCheckStateRequest{
		Nonces: []ecash.Nonce{notes[0].Nonce, notes[1].Nonce},
	})
	if err != nil {
		t.Fatalf("error checking state: %v", err)
	}
	if stateRes.States[0].State != ecash.Spent || stateRes.States[1].State != ecash.Unspent {
		t.Fatalf("unexpected states %v", stateRes.States)
	}
	if w.Balance() != 21-notes[0].Tier.Amount {
		t.Fatalf("expected balance of %v but got %v", 21-notes[0].Tier.Amount, w.Balance())
	}

	_, err = wallet.PostRedeem(guardianURL, api.PostRedeemRequest{Inputs: []ecash.MintInput{{Note: notes[0]}}})
	if !errors.Is(err, ecash.AlreadySpentErr) {
		t.Fatalf("expected error '%v' but got '%v'", ecash.AlreadySpentErr, err)
	}
}

func TestWalletBackupAndRestore(t *testing.T) {
	w, err := testutils.CreateTestWallet(guardianURL)
	if err != nil {
		t.Fatalf("error creating wallet: %v", err)
	}

	if _, err := testutils.FundWallet(ctx, w, federation, 13); err != nil {
		t.Fatalf("error funding wallet: %v", err)
	}
	if err := w.Backup(1); err != nil {
		t.Fatalf("error backing up wallet: %v", err)
	}

	notes, err := testutils.FundWallet(ctx, w, federation, 7)
	if err != nil {
		t.Fatalf("error funding wallet: %v", err)
	}
	if err := w.Backup(2); err != nil {
		t.Fatalf("error backing up wallet: %v", err)
	}

	err = w.Backup(1)
	if !errors.Is(err, ecash.BackupOutdatedErr) {
		t.Fatalf("expected error '%v' but got '%v'", ecash.BackupOutdatedErr, err)
	}

	if err := w.Redeem(notes[:1]); err != nil {
		t.Fatalf("error redeeming: %v", err)
	}
	if err := federation.RunUntilIdle(ctx); err != nil {
		t.Fatalf("error running rounds: %v", err)
	}

	restored, err := wallet.Restore(guardianURL, w.Mnemonic())
	if err != nil {
		t.Fatalf("error restoring wallet: %v", err)
	}
	if restored.Balance() != w.Balance() {
		t.Fatalf("expected restored balance of %v but got %v", w.Balance(), restored.Balance())
	}
	if string(restored.OwnerKey()) != string(w.OwnerKey()) {
		t.Fatal("restored wallet has a different owner key")
	}

	// outputs prepared after a restore do not reuse secrets
	outputs, err := restored.PrepareOutputs(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := federation.Guardians[0].MintOutcome(outputs[0].Id()); !errors.Is(err, ecash.OutputNotFoundErr) {
		t.Fatalf("expected fresh output but got '%v'", err)
	}
}

func TestRestoreWithoutBackup(t *testing.T) {
	w, err := testutils.CreateTestWallet(guardianURL)
	if err != nil {
		t.Fatalf("error creating wallet: %v", err)
	}

	restored, err := wallet.Restore(guardianURL, w.Mnemonic())
	if err != nil {
		t.Fatalf("error restoring wallet: %v", err)
	}
	if restored.Balance() != 0 {
		t.Fatalf("expected empty wallet but got balance %v", restored.Balance())
	}
}

func TestGuardianRestart(t *testing.T) {
	dir := t.TempDir()
	fed, err := testutils.CreateTestFederation(dir, 3, []uint64{1}, mint.SQLite)
	if err != nil {
		t.Fatalf("error creating federation: %v", err)
	}
	defer fed.Shutdown()

	output := ecash.MintOutput{Tier: ecash.TierId{Amount: 1}, BlindNonce: mintBlindNonce(t)}
	if _, err := fed.Guardians[1].SubmitMintOutputs(ctx, []ecash.MintOutput{output}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := fed.RunUntilIdle(ctx); err != nil {
		t.Fatalf("error running rounds: %v", err)
	}

	guardian := fed.Guardians[2]
	next, _ := guardian.NextRound()
	if err := guardian.Shutdown(); err != nil {
		t.Fatalf("error shutting down guardian: %v", err)
	}

	reloaded, err := mint.LoadMint(testutils.GuardianConfig(dir, 2, mint.SQLite, fed.Log))
	if err != nil {
		t.Fatalf("error reloading guardian: %v", err)
	}
	fed.Guardians[2] = reloaded

	if !reloaded.IsSigning(ecash.TierId{Amount: 1}) {
		t.Fatal("expected tier to be loaded after restart")
	}
	reloadedNext, err := reloaded.NextRound()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reloadedNext != next {
		t.Fatalf("expected next round %v but got %v", next, reloadedNext)
	}
	outcome, err := reloaded.MintOutcome(output.Id())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != ecash.Combined {
		t.Fatalf("expected status %v but got %v", ecash.Combined, outcome.Status)
	}

	// replaying the log from the start is harmless
	for n := uint64(0); n < next; n++ {
		round, err := fed.Log.Round(n)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := reloaded.ProcessRound(ctx, round); err != nil {
			t.Fatalf("error replaying round %v: %v", n, err)
		}
	}
}

func mintBlindNonce(t *testing.T) []byte {
	nonce := testutils.RandomNonce()
	r := crypto.ScalarFromSeed(nonce[:])
	return crypto.MarshalPoint(crypto.BlindMessage(nonce[:], r))
}

func TestWebsocketSubscriptions(t *testing.T) {
	w, err := testutils.CreateTestWallet(guardianURL)
	if err != nil {
		t.Fatalf("error creating wallet: %v", err)
	}
	outputs, err := w.Mint(4)
	if err != nil {
		t.Fatalf("error minting: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(guardianURL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("could not dial websocket: %v", err)
	}
	defer conn.Close()

	request := api.WsRequest{
		JsonRPC: api.JSONRPC_2,
		Method:  api.SUBSCRIBE,
		Params: api.RequestParams{
			Kind:    api.MintOutputKind.String(),
			SubId:   "outputs",
			Filters: []string{outputs[0].Id().String()},
		},
		Id: 1,
	}
	if err := conn.WriteJSON(request); err != nil {
		t.Fatalf("could not write subscription: %v", err)
	}

	var response api.WsResponse
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&response); err != nil {
		t.Fatalf("could not read subscription response: %v", err)
	}
	if response.Result.Status != api.OK || response.Result.SubId != "outputs" {
		t.Fatalf("unexpected subscription response %+v", response)
	}

	if err := federation.RunUntilIdle(ctx); err != nil {
		t.Fatalf("error running rounds: %v", err)
	}

	var notification api.WsNotification
	if err := conn.ReadJSON(&notification); err != nil {
		t.Fatalf("could not read notification: %v", err)
	}
	var outcome api.GetMintResponse
	if err := json.Unmarshal(notification.Params.Payload, &outcome); err != nil {
		t.Fatalf("invalid notification payload: %v", err)
	}
	if outcome.Output != outputs[0].Id() || outcome.Status != ecash.Combined {
		t.Fatalf("unexpected notification %+v", outcome)
	}

	request.Params = api.RequestParams{Kind: "invoices", SubId: "bad"}
	request.Id = 2
	if err := conn.WriteJSON(request); err != nil {
		t.Fatalf("could not write subscription: %v", err)
	}
	var wsErr api.WsError
	if err := conn.ReadJSON(&wsErr); err != nil {
		t.Fatalf("could not read error response: %v", err)
	}
	if wsErr.Id != 2 {
		t.Fatalf("unexpected error response %+v", wsErr)
	}
}

func TestTierRotation(t *testing.T) {
	fed, err := testutils.CreateTestFederation(t.TempDir(), 4, []uint64{1, 2}, mint.Bolt)
	if err != nil {
		t.Fatalf("error creating federation: %v", err)
	}
	defer fed.Shutdown()

	server, url, err := testutils.CreateTestGuardianServer(fed.Guardians[3])
	if err != nil {
		t.Fatalf("error starting guardian server: %v", err)
	}
	defer server.Shutdown()

	w, err := testutils.CreateTestWallet(url)
	if err != nil {
		t.Fatalf("error creating wallet: %v", err)
	}
	oldNotes, err := testutils.FundWallet(ctx, w, fed, 3)
	if err != nil {
		t.Fatalf("error funding wallet: %v", err)
	}

	rotated := ecash.TierId{Amount: 2, Epoch: 1}
	if err := fed.ActivateDealerTier(rotated); err != nil {
		t.Fatalf("error rotating tier: %v", err)
	}
	for i, guardian := range fed.Guardians {
		if guardian.IsSigning(ecash.TierId{Amount: 2}) || !guardian.IsSigning(rotated) {
			t.Fatalf("guardian %v still signs with the old epoch", i)
		}
	}

	if err := w.RefreshTiers(); err != nil {
		t.Fatalf("error refreshing tiers: %v", err)
	}
	newNotes, err := testutils.FundWallet(ctx, w, fed, 2)
	if err != nil {
		t.Fatalf("error funding wallet: %v", err)
	}
	if newNotes[0].Tier != rotated {
		t.Fatalf("expected note for tier %v but got %v", rotated, newNotes[0].Tier)
	}
	C, err := crypto.ParseG1(newNotes[0].Signature)
	if err != nil {
		t.Fatalf("invalid note signature: %v", err)
	}
	if !crypto.Verify(newNotes[0].Nonce[:], C, fed.Dealers[rotated].AggregateKey) {
		t.Fatal("note does not verify under the rotated aggregate key")
	}

	// notes of the old epoch stay redeemable
	if err := w.Redeem(oldNotes); err != nil {
		t.Fatalf("error redeeming old notes: %v", err)
	}
	if err := fed.RunUntilIdle(ctx); err != nil {
		t.Fatalf("error running rounds: %v", err)
	}
	states, err := fed.Guardians[0].NonceStates([]ecash.Nonce{oldNotes[0].Nonce, oldNotes[1].Nonce})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, state := range states {
		if state != ecash.Spent {
			t.Fatalf("expected note %v to be spent but got %v", i, state)
		}
	}

	// outputs for the old epoch are refused
	output := ecash.MintOutput{Tier: ecash.TierId{Amount: 2}, BlindNonce: mintBlindNonce(t)}
	_, err = fed.Guardians[0].SubmitMintOutputs(ctx, []ecash.MintOutput{output})
	if !errors.Is(err, ecash.UnknownTierErr) {
		t.Fatalf("expected error '%v' but got '%v'", ecash.UnknownTierErr, err)
	}
}
