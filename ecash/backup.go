package ecash

import (
	"bytes"
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// BackupRequest is a wallet snapshot. The payload is opaque to the federation.
type BackupRequest struct {
	// x-only public key of the owner
	OwnerKey  HexBytes `cbor:"1,keyasint" json:"owner_key"`
	Timestamp uint64   `cbor:"2,keyasint" json:"timestamp"`
	Payload   HexBytes `cbor:"3,keyasint" json:"payload"`
}

// Hash is the message signed by the owner.
func (r BackupRequest) Hash() ([]byte, error) {
	encoded, err := Encode(r)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(encoded)
	return hash[:], nil
}

type SignedBackupRequest struct {
	Request   BackupRequest `cbor:"1,keyasint" json:"request"`
	Signature HexBytes      `cbor:"2,keyasint" json:"signature"`
}

func SignBackupRequest(privateKey *secp256k1.PrivateKey, request BackupRequest) (*SignedBackupRequest, error) {
	hash, err := request.Hash()
	if err != nil {
		return nil, err
	}

	sig, err := schnorr.Sign(privateKey, hash)
	if err != nil {
		return nil, err
	}

	return &SignedBackupRequest{Request: request, Signature: sig.Serialize()}, nil
}

// VerifyBackupSignature checks that the request was signed by ownerKey
// and that it names ownerKey as its owner.
func VerifyBackupSignature(signed SignedBackupRequest, ownerKey *btcec.PublicKey) bool {
	if !bytes.Equal(signed.Request.OwnerKey, SerializeOwnerKey(ownerKey)) {
		return false
	}

	signature, err := schnorr.ParseSignature(signed.Signature)
	if err != nil {
		return false
	}

	hash, err := signed.Request.Hash()
	if err != nil {
		return false
	}

	return signature.Verify(hash, ownerKey)
}

func ParseOwnerKey(key []byte) (*btcec.PublicKey, error) {
	return schnorr.ParsePubKey(key)
}

func SerializeOwnerKey(key *btcec.PublicKey) []byte {
	return schnorr.SerializePubKey(key)
}
