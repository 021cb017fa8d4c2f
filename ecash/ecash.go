// Package ecash contains the core structs of the federated mint:
// tiers, mint requests, signature shares, notes and their canonical encoding.
package ecash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const NonceLen = 32

// PeerId is the index of a guardian in the federation, starting at 0.
type PeerId uint16

// HexBytes is a byte string that is hex encoded in JSON
// and a plain byte string in the canonical encoding.
type HexBytes []byte

func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

func (h *HexBytes) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	*h = b
	return nil
}

func (h HexBytes) String() string {
	return hex.EncodeToString(h)
}

// Nonce is the unique value underlying one note.
type Nonce [NonceLen]byte

func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}

func (n Nonce) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *Nonce) UnmarshalText(text []byte) error {
	return decodeFixedHex(n[:], string(text))
}

func NonceFromHex(s string) (Nonce, error) {
	var n Nonce
	err := decodeFixedHex(n[:], s)
	return n, err
}

// OutputId identifies a MintOutput by the hash of its canonical encoding.
type OutputId [sha256.Size]byte

func (id OutputId) String() string {
	return hex.EncodeToString(id[:])
}

func (id OutputId) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *OutputId) UnmarshalText(text []byte) error {
	return decodeFixedHex(id[:], string(text))
}

func OutputIdFromHex(s string) (OutputId, error) {
	var id OutputId
	err := decodeFixedHex(id[:], s)
	return id, err
}

func decodeFixedHex(dst []byte, s string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("expected %v bytes but got %v", len(dst), len(b))
	}
	copy(dst, b)
	return nil
}

// TierId names a note denomination under one key generation epoch.
type TierId struct {
	Amount uint64 `cbor:"1,keyasint" json:"amount"`
	Epoch  uint32 `cbor:"2,keyasint" json:"epoch"`
}

func (t TierId) String() string {
	return fmt.Sprintf("%d@%d", t.Amount, t.Epoch)
}

// Less orders tiers by amount, then epoch.
func (t TierId) Less(other TierId) bool {
	if t.Amount != other.Amount {
		return t.Amount < other.Amount
	}
	return t.Epoch < other.Epoch
}

// MintOutput is a request to sign BlindNonce under Tier.
type MintOutput struct {
	Tier       TierId   `cbor:"1,keyasint" json:"tier"`
	BlindNonce HexBytes `cbor:"2,keyasint" json:"blind_nonce"`
}

func (o MintOutput) Id() OutputId {
	encoded, err := Encode(o)
	if err != nil {
		// plain structs of fixed-shape fields always encode
		panic(err)
	}
	return sha256.Sum256(encoded)
}

// MintOutputSignatureShare is one guardian's partial signature over a MintOutput.
type MintOutputSignatureShare struct {
	Peer   PeerId   `cbor:"1,keyasint" json:"peer"`
	Output OutputId `cbor:"2,keyasint" json:"output"`
	Share  HexBytes `cbor:"3,keyasint" json:"share"`
}

// MintOutputBlindSignatures is the combined blind signature for a MintOutput.
type MintOutputBlindSignatures struct {
	Output    OutputId `cbor:"1,keyasint" json:"output"`
	Tier      TierId   `cbor:"2,keyasint" json:"tier"`
	Signature HexBytes `cbor:"3,keyasint" json:"signature"`
}

// Note is a spendable token: an unblinded signature over Nonce.
type Note struct {
	Nonce     Nonce    `cbor:"1,keyasint" json:"nonce"`
	Tier      TierId   `cbor:"2,keyasint" json:"tier"`
	Signature HexBytes `cbor:"3,keyasint" json:"signature"`
}

// MintInput presents a Note for redemption.
type MintInput struct {
	Note Note `cbor:"1,keyasint" json:"note"`
}

type Notes []Note

// Amount returns the total amount of the notes.
func (notes Notes) Amount() uint64 {
	var total uint64
	for _, note := range notes {
		total += note.Tier.Amount
	}
	return total
}

type NonceState int

const (
	Unspent NonceState = iota
	Spent
	Unknown
)

func (state NonceState) String() string {
	switch state {
	case Unspent:
		return "UNSPENT"
	case Spent:
		return "SPENT"
	default:
		return "unknown"
	}
}

func StringToState(state string) NonceState {
	switch state {
	case "UNSPENT":
		return Unspent
	case "SPENT":
		return Spent
	}
	return Unknown
}

func (state NonceState) MarshalText() ([]byte, error) {
	return []byte(state.String()), nil
}

func (state *NonceState) UnmarshalText(text []byte) error {
	s := StringToState(string(text))
	if s == Unknown {
		return fmt.Errorf("invalid state '%s'", text)
	}
	*state = s
	return nil
}

type OutputStatus int

const (
	Collecting OutputStatus = iota
	Combined
	Failed
	// the output was never signed: unknown tier or malformed blind nonce
	Rejected
)

func (status OutputStatus) String() string {
	switch status {
	case Collecting:
		return "COLLECTING"
	case Combined:
		return "COMBINED"
	case Failed:
		return "FAILED"
	case Rejected:
		return "REJECTED"
	default:
		return "unknown"
	}
}

func (status OutputStatus) MarshalText() ([]byte, error) {
	return []byte(status.String()), nil
}

func (status *OutputStatus) UnmarshalText(text []byte) error {
	for _, s := range []OutputStatus{Collecting, Combined, Failed, Rejected} {
		if s.String() == string(text) {
			*status = s
			return nil
		}
	}
	return fmt.Errorf("invalid output status '%s'", text)
}

// VerifiedNotes is the result of re-validating notes recovered from a backup.
type VerifiedNotes struct {
	Valid    Notes          `json:"valid"`
	Rejected []RejectedNote `json:"rejected"`
}

type RejectedNote struct {
	Note   Note  `json:"note"`
	Reason Error `json:"reason"`
}

// AmountSplit returns the power of 2 amounts that add up to amount,
// e.g 13 -> [1, 4, 8]
func AmountSplit(amount uint64) []uint64 {
	rv := make([]uint64, 0)
	for pos := 0; amount > 0; pos++ {
		if amount&1 == 1 {
			rv = append(rv, 1<<pos)
		}
		amount >>= 1
	}
	return rv
}
