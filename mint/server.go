package mint

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/elnosh/fedmint/consensus"
	"github.com/elnosh/fedmint/ecash"
	"github.com/elnosh/fedmint/ecash/api"
	"github.com/gorilla/mux"
)

type MintServer struct {
	httpServer       *http.Server
	mint             *Mint
	websocketManager *WebsocketManager
}

func (ms *MintServer) Start() error {
	ms.mint.logInfof("guardian %v server listening on: %v", ms.mint.peer, ms.httpServer.Addr)
	err := ms.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (ms *MintServer) Shutdown() error {
	ms.mint.logInfof("shutting down guardian server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ms.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	return ms.mint.Shutdown()
}

func SetupMintServer(m *Mint, port string) *MintServer {
	mintServer := &MintServer{
		mint:             m,
		websocketManager: NewWebSocketManager(m),
	}
	mintServer.setupHttpServer(port)
	return mintServer
}

func (ms *MintServer) setupHttpServer(port string) {
	r := mux.NewRouter()

	r.HandleFunc("/v1/tiers", ms.getTiers).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/mint", ms.postMint).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/mint/{id}", ms.getMintOutcome).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/redeem", ms.postRedeem).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/checkstate", ms.postCheckState).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/backup", ms.postBackup).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/backup/{owner}", ms.getBackup).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/restore", ms.postRestore).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/rounds/{round}", ms.getRoundOutcome).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/ws", ms.websocketManager.serveWS)

	r.Use(setupHeaders)

	if len(port) == 0 {
		port = "3338"
	}
	ms.httpServer = &http.Server{
		Addr:    "127.0.0.1:" + port,
		Handler: r,
	}
}

func setupHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Access-Control-Allow-Origin", "*")
		rw.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		rw.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if req.Method == http.MethodOptions {
			return
		}
		next.ServeHTTP(rw, req)
	})
}

func (ms *MintServer) writeResponse(rw http.ResponseWriter, req *http.Request, response []byte, logmsg string) {
	ms.mint.logDebugf("%v: %v", req.URL.Path, logmsg)
	rw.Header().Set("Content-Type", "application/json")
	rw.Write(response)
}

func (ms *MintServer) writeJson(rw http.ResponseWriter, req *http.Request, v any, logmsg string) {
	jsonRes, err := json.Marshal(v)
	if err != nil {
		ms.writeErr(rw, req, ecash.StandardErr)
		return
	}
	ms.writeResponse(rw, req, jsonRes, logmsg)
}

// writeErr writes mint errors as they are and hides every other error
// behind a standard error.
func (ms *MintServer) writeErr(rw http.ResponseWriter, req *http.Request, errResponse error, errLogMsg ...string) {
	code := http.StatusBadRequest

	mintErr, ok := ecash.AsError(errResponse)
	if !ok {
		ms.mint.logErrorf("%v: %v", req.URL.Path, errResponse)
		mintErr = ecash.StandardErr
		code = http.StatusInternalServerError
	} else {
		if mintErr.Code == ecash.OutputNotFoundErrCode || mintErr.Code == ecash.RoundNotFoundErrCode ||
			mintErr == ecash.BackupNotFoundErr {
			code = http.StatusNotFound
		}
		errmsg := mintErr.Error()
		if len(errLogMsg) > 0 {
			errmsg = errLogMsg[0]
		}
		ms.mint.logDebugf("%v: %v", req.URL.Path, errmsg)
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	errRes, _ := json.Marshal(mintErr)
	rw.Write(errRes)
}

func decodeJsonReqBody(req *http.Request, dst any) error {
	if req.Body == nil || req.ContentLength == 0 {
		return ecash.EmptyBodyErr
	}

	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &syntaxErr):
			return ecash.MalformedInput("bad json at %d", syntaxErr.Offset)
		case errors.As(err, &typeErr):
			return ecash.MalformedInput("invalid %v for field %q", typeErr.Value, typeErr.Field)
		default:
			return ecash.MalformedInput("%v", err)
		}
	}
	return nil
}

func tierInfo(tier *Tier, signing bool) api.TierInfo {
	stored := toStoredTierKeys(tier.Id, tier.Keys)
	return api.TierInfo{
		Tier:         tier.Id,
		KeysId:       tier.KeysId,
		Threshold:    tier.Keys.Threshold,
		Signing:      signing,
		AggregateKey: stored.AggregateKey,
		PublicShares: stored.PublicShares,
	}
}

func (ms *MintServer) getTiers(rw http.ResponseWriter, req *http.Request) {
	tiers := ms.mint.Tiers()
	response := api.GetTiersResponse{Peer: ms.mint.peer, Tiers: make([]api.TierInfo, len(tiers))}
	for i, tier := range tiers {
		response.Tiers[i] = tierInfo(tier, ms.mint.IsSigning(tier.Id))
	}
	ms.writeJson(rw, req, response, "returning tiers")
}

func (ms *MintServer) postMint(rw http.ResponseWriter, req *http.Request) {
	var mintReq api.PostMintRequest
	if err := decodeJsonReqBody(req, &mintReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ids, err := ms.mint.SubmitMintOutputs(req.Context(), mintReq.Outputs)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	logmsg := fmt.Sprintf("proposed %v mint outputs", len(ids))
	ms.writeJson(rw, req, api.PostMintResponse{Outputs: ids}, logmsg)
}

func outputOutcomeResponse(outcome *OutputOutcome) api.GetMintResponse {
	return api.GetMintResponse{
		Output:       outcome.Id,
		Tier:         outcome.Output.Tier,
		Status:       outcome.Status,
		Round:        outcome.Round,
		Shares:       outcome.Shares,
		Signature:    outcome.Signature,
		CombineError: outcome.CombineError,
		Error:        outcome.Error,
		ShareErrors:  outcome.ShareErrors.Errors,
	}
}

func (ms *MintServer) getMintOutcome(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	id, err := ecash.OutputIdFromHex(vars["id"])
	if err != nil {
		ms.writeErr(rw, req, ecash.MalformedInput("invalid output id: %v", err))
		return
	}

	outcome, err := ms.mint.MintOutcome(id)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	logmsg := fmt.Sprintf("output %v is %v", id, outcome.Status)
	ms.writeJson(rw, req, outputOutcomeResponse(outcome), logmsg)
}

func (ms *MintServer) postRedeem(rw http.ResponseWriter, req *http.Request) {
	var redeemReq api.PostRedeemRequest
	if err := decodeJsonReqBody(req, &redeemReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	nonces, err := ms.mint.SubmitMintInputs(req.Context(), redeemReq.Inputs)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	logmsg := fmt.Sprintf("proposed %v mint inputs", len(nonces))
	ms.writeJson(rw, req, api.PostRedeemResponse{Nonces: nonces}, logmsg)
}

func (ms *MintServer) postCheckState(rw http.ResponseWriter, req *http.Request) {
	var stateReq api.PostCheckStateRequest
	if err := decodeJsonReqBody(req, &stateReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	states, err := ms.mint.NonceStates(stateReq.Nonces)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	response := api.PostCheckStateResponse{States: make([]api.NonceState, len(states))}
	for i, state := range states {
		response.States[i] = api.NonceState{Nonce: stateReq.Nonces[i], State: state}
	}
	ms.writeJson(rw, req, response, "returning nonce states")
}

func (ms *MintServer) postBackup(rw http.ResponseWriter, req *http.Request) {
	var backupReq ecash.SignedBackupRequest
	if err := decodeJsonReqBody(req, &backupReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	if err := ms.mint.SubmitBackup(backupReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	ms.mint.logDebugf("%v: stored backup", req.URL.Path)
}

func (ms *MintServer) getBackup(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	ownerKey, err := hex.DecodeString(vars["owner"])
	if err != nil {
		ms.writeErr(rw, req, ecash.MalformedInput("invalid owner key: %v", err))
		return
	}

	backup, err := ms.mint.FetchBackup(ownerKey)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeJson(rw, req, backup, "returning backup")
}

func (ms *MintServer) postRestore(rw http.ResponseWriter, req *http.Request) {
	var restoreReq api.PostRestoreRequest
	if err := decodeJsonReqBody(req, &restoreReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	verified := ms.mint.Restore(restoreReq.Notes)
	logmsg := fmt.Sprintf("restore: %v valid and %v rejected notes", len(verified.Valid), len(verified.Rejected))
	ms.writeJson(rw, req, verified, logmsg)
}

func (ms *MintServer) getRoundOutcome(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	var round uint64
	if _, err := fmt.Sscan(vars["round"], &round); err != nil {
		ms.writeErr(rw, req, ecash.MalformedInput("invalid round '%v'", vars["round"]))
		return
	}

	outcome, err := ms.mint.RoundOutcome(round)
	if errors.Is(err, consensus.ErrRoundNotFound) {
		ms.writeErr(rw, req, ecash.RoundNotFoundErr)
		return
	}
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeJson(rw, req, outcome, fmt.Sprintf("returning outcome of round %v", round))
}
