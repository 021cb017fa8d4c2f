package mint

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/elnosh/fedmint/consensus"
	"github.com/elnosh/fedmint/crypto"
	"github.com/elnosh/fedmint/ecash"
	"github.com/elnosh/fedmint/ecash/api"
	"go.dedis.ch/kyber/v3"
)

func testServer(t *testing.T) (*MintServer, *consensus.LocalLog, *testFederation) {
	federation := newTestFederation(t, 4, "server")
	log := consensus.NewLocalLog()
	federation.guardians[0].broadcaster = log
	return SetupMintServer(federation.guardians[0], ""), log, federation
}

func serve(ms *MintServer, method, path string, body any) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != nil {
		encoded, _ := json.Marshal(body)
		reqBody = bytes.NewReader(encoded)
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reqBody)
	w := httptest.NewRecorder()
	ms.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func decodeErrResponse(t *testing.T, w *httptest.ResponseRecorder, status int, code ecash.ErrCode) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected status code %d but got %d: %s", status, w.Code, w.Body.String())
	}
	var errRes ecash.Error
	if err := json.Unmarshal(w.Body.Bytes(), &errRes); err != nil {
		t.Fatalf("error decoding error response: %v", err)
	}
	if errRes.Code != code {
		t.Fatalf("expected error code %v but got %v (%v)", code, errRes.Code, errRes.Detail)
	}
}

func TestGetTiersHandler(t *testing.T) {
	ms, _, federation := testServer(t)

	w := serve(ms, http.MethodGet, "/v1/tiers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status code %d but got %d", http.StatusOK, w.Code)
	}
	if origin := w.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Fatalf("expected CORS header but got '%v'", origin)
	}

	var tiersRes api.GetTiersResponse
	if err := json.Unmarshal(w.Body.Bytes(), &tiersRes); err != nil {
		t.Fatalf("error decoding response: %v", err)
	}
	if tiersRes.Peer != 0 || len(tiersRes.Tiers) != 1 {
		t.Fatalf("unexpected response %+v", tiersRes)
	}

	info := tiersRes.Tiers[0]
	if info.Tier != testTier || !info.Signing || info.Threshold != 3 || len(info.PublicShares) != 4 {
		t.Fatalf("unexpected tier info %+v", info)
	}
	aggregateKey, err := crypto.ParseG2(info.AggregateKey)
	if err != nil {
		t.Fatalf("invalid aggregate key: %v", err)
	}
	if !aggregateKey.Equal(federation.dealer.AggregateKey) {
		t.Fatal("aggregate key does not match")
	}
}

func TestPostMintHandler(t *testing.T) {
	ms, log, _ := testServer(t)
	output := newTestOutput(testTier, "note").output

	w := serve(ms, http.MethodPost, "/v1/mint", nil)
	decodeErrResponse(t, w, http.StatusBadRequest, ecash.MalformedInputErrCode)

	req := httptest.NewRequest(http.MethodPost, "/v1/mint", strings.NewReader(`{"outputs": [], "extra": 1}`))
	w = httptest.NewRecorder()
	ms.httpServer.Handler.ServeHTTP(w, req)
	decodeErrResponse(t, w, http.StatusBadRequest, ecash.MalformedInputErrCode)

	unknownTier := api.PostMintRequest{Outputs: []ecash.MintOutput{{Tier: ecash.TierId{Amount: 5}, BlindNonce: output.BlindNonce}}}
	w = serve(ms, http.MethodPost, "/v1/mint", unknownTier)
	decodeErrResponse(t, w, http.StatusBadRequest, ecash.UnknownTierErrCode)

	w = serve(ms, http.MethodPost, "/v1/mint", api.PostMintRequest{Outputs: []ecash.MintOutput{output}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status code %d but got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var mintRes api.PostMintResponse
	if err := json.Unmarshal(w.Body.Bytes(), &mintRes); err != nil {
		t.Fatalf("error decoding response: %v", err)
	}
	if len(mintRes.Outputs) != 1 || mintRes.Outputs[0] != output.Id() {
		t.Fatalf("expected output id %v but got %v", output.Id(), mintRes.Outputs)
	}
	if log.Pending() != 1 {
		t.Fatalf("expected 1 proposed item but got %v", log.Pending())
	}
}

func TestGetMintOutcomeHandler(t *testing.T) {
	ms, _, federation := testServer(t)
	output := newTestOutput(testTier, "note")

	w := serve(ms, http.MethodGet, "/v1/mint/"+output.output.Id().String(), nil)
	decodeErrResponse(t, w, http.StatusNotFound, ecash.OutputNotFoundErrCode)

	w = serve(ms, http.MethodGet, "/v1/mint/notanid", nil)
	decodeErrResponse(t, w, http.StatusBadRequest, ecash.MalformedInputErrCode)

	federation.apply(t, federation.outputItem(t, output.output))
	federation.apply(t,
		federation.invalidShareItem(t, 1, output.output),
		federation.shareItem(t, 0, output.output),
		federation.shareItem(t, 2, output.output),
		federation.shareItem(t, 3, output.output),
	)

	w = serve(ms, http.MethodGet, "/v1/mint/"+output.output.Id().String(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status code %d but got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var mintRes api.GetMintResponse
	if err := json.Unmarshal(w.Body.Bytes(), &mintRes); err != nil {
		t.Fatalf("error decoding response: %v", err)
	}
	if mintRes.Status != ecash.Combined || mintRes.Signature == nil {
		t.Fatalf("expected combined output but got %+v", mintRes)
	}
	if len(mintRes.ShareErrors) != 1 || mintRes.ShareErrors[0].Peer != 1 || mintRes.ShareErrors[0].Type != ecash.InvalidShare {
		t.Fatalf("expected invalid share from guardian 1 but got %v", mintRes.ShareErrors)
	}

	note := output.unblind(t, mintRes.Signature.Signature)
	if !crypto.Verify(note.Nonce[:], mustParseG1(t, note.Signature), federation.dealer.AggregateKey) {
		t.Fatal("note from response did not verify")
	}

	w = serve(ms, http.MethodGet, "/v1/rounds/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status code %d but got %d", http.StatusOK, w.Code)
	}
	var roundRes RoundOutcome
	if err := json.Unmarshal(w.Body.Bytes(), &roundRes); err != nil {
		t.Fatalf("error decoding response: %v", err)
	}
	if roundRes.Round != 1 || len(roundRes.Combined) != 1 || len(roundRes.Faults) != 1 {
		t.Fatalf("unexpected round outcome %+v", roundRes)
	}

	w = serve(ms, http.MethodGet, "/v1/rounds/2", nil)
	decodeErrResponse(t, w, http.StatusNotFound, ecash.RoundNotFoundErrCode)
}

func mustParseG1(t *testing.T, b []byte) kyber.Point {
	p, err := crypto.ParseG1(b)
	if err != nil {
		t.Fatalf("invalid point: %v", err)
	}
	return p
}

func TestCheckStateAndRestoreHandlers(t *testing.T) {
	ms, _, federation := testServer(t)
	note := federation.mintNote(t, "note")
	federation.apply(t, testItem(t, 1, consensus.MintInputItem, ecash.MintInput{Note: note}))

	unspent := ecash.Nonce{7}
	w := serve(ms, http.MethodPost, "/v1/checkstate", api.PostCheckStateRequest{Nonces: []ecash.Nonce{note.Nonce, unspent}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status code %d but got %d", http.StatusOK, w.Code)
	}
	var stateRes api.PostCheckStateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &stateRes); err != nil {
		t.Fatalf("error decoding response: %v", err)
	}
	expected := []api.NonceState{{Nonce: note.Nonce, State: ecash.Spent}, {Nonce: unspent, State: ecash.Unspent}}
	if len(stateRes.States) != 2 || stateRes.States[0] != expected[0] || stateRes.States[1] != expected[1] {
		t.Fatalf("expected states %v but got %v", expected, stateRes.States)
	}

	forged := ecash.Note{Nonce: unspent, Tier: testTier, Signature: note.Signature}
	w = serve(ms, http.MethodPost, "/v1/restore", api.PostRestoreRequest{Notes: ecash.Notes{note, forged}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status code %d but got %d", http.StatusOK, w.Code)
	}
	var restoreRes api.PostRestoreResponse
	if err := json.Unmarshal(w.Body.Bytes(), &restoreRes); err != nil {
		t.Fatalf("error decoding response: %v", err)
	}
	if len(restoreRes.Valid) != 1 || len(restoreRes.Rejected) != 1 {
		t.Fatalf("expected 1 valid and 1 rejected note but got %+v", restoreRes)
	}
	if restoreRes.Rejected[0].Reason.Code != ecash.InvalidSignatureErrCode {
		t.Fatalf("expected invalid signature but got %v", restoreRes.Rejected[0].Reason)
	}

	// redeeming a spent note is refused before it reaches the log
	w = serve(ms, http.MethodPost, "/v1/redeem", api.PostRedeemRequest{Inputs: []ecash.MintInput{{Note: note}}})
	decodeErrResponse(t, w, http.StatusBadRequest, ecash.AlreadySpentErrCode)
}

func TestBackupHandlers(t *testing.T) {
	ms, _, _ := testServer(t)
	key, _ := btcec.NewPrivateKey()
	ownerHex := ecash.HexBytes(ecash.SerializeOwnerKey(key.PubKey())).String()

	w := serve(ms, http.MethodGet, "/v1/backup/"+ownerHex, nil)
	decodeErrResponse(t, w, http.StatusNotFound, ecash.BackupErrCode)

	backup := signedBackup(t, key, 100, "counters")
	w = serve(ms, http.MethodPost, "/v1/backup", backup)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status code %d but got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	w = serve(ms, http.MethodPost, "/v1/backup", signedBackup(t, key, 99, "older"))
	decodeErrResponse(t, w, http.StatusBadRequest, ecash.BackupErrCode)

	w = serve(ms, http.MethodGet, "/v1/backup/"+ownerHex, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status code %d but got %d", http.StatusOK, w.Code)
	}
	var stored ecash.SignedBackupRequest
	if err := json.Unmarshal(w.Body.Bytes(), &stored); err != nil {
		t.Fatalf("error decoding response: %v", err)
	}
	if stored.Request.Timestamp != 100 || string(stored.Request.Payload) != "counters" {
		t.Fatalf("unexpected backup %+v", stored.Request)
	}
	if !ecash.VerifyBackupSignature(stored, key.PubKey()) {
		t.Fatal("returned backup has an invalid signature")
	}

	w = serve(ms, http.MethodGet, "/v1/backup/zz", nil)
	decodeErrResponse(t, w, http.StatusBadRequest, ecash.MalformedInputErrCode)
}
