// Package api contains the request and response bodies of the
// guardian's HTTP API.
package api

import "github.com/elnosh/fedmint/ecash"

type TierInfo struct {
	Tier      ecash.TierId `json:"tier"`
	KeysId    string       `json:"keys_id"`
	Threshold int          `json:"threshold"`
	// whether the guardian signs new outputs for this tier
	Signing      bool             `json:"signing"`
	AggregateKey ecash.HexBytes   `json:"aggregate_key"`
	PublicShares []ecash.HexBytes `json:"public_shares"`
}

type GetTiersResponse struct {
	Peer  ecash.PeerId `json:"peer"`
	Tiers []TierInfo   `json:"tiers"`
}

type PostMintRequest struct {
	Outputs []ecash.MintOutput `json:"outputs"`
}

// PostMintResponse has the ids under which the outputs' outcomes
// can be looked up once their round is applied.
type PostMintResponse struct {
	Outputs []ecash.OutputId `json:"outputs"`
}

type GetMintResponse struct {
	Output       ecash.OutputId                   `json:"output"`
	Tier         ecash.TierId                     `json:"tier"`
	Status       ecash.OutputStatus               `json:"status"`
	Round        uint64                           `json:"round"`
	Shares       int                              `json:"shares"`
	Signature    *ecash.MintOutputBlindSignatures `json:"signature,omitempty"`
	CombineError *ecash.CombineError              `json:"combine_error,omitempty"`
	Error        *ecash.Error                     `json:"error,omitempty"`
	ShareErrors  []ecash.PeerError                `json:"share_errors"`
}

type PostRedeemRequest struct {
	Inputs []ecash.MintInput `json:"inputs"`
}

// PostRedeemResponse lists the nonces proposed for redemption.
// They are spent once their round is applied.
type PostRedeemResponse struct {
	Nonces []ecash.Nonce `json:"nonces"`
}

type PostCheckStateRequest struct {
	Nonces []ecash.Nonce `json:"nonces"`
}

type NonceState struct {
	Nonce ecash.Nonce      `json:"nonce"`
	State ecash.NonceState `json:"state"`
}

type PostCheckStateResponse struct {
	States []NonceState `json:"states"`
}

type PostRestoreRequest struct {
	Notes ecash.Notes `json:"notes"`
}

type PostRestoreResponse = ecash.VerifiedNotes
