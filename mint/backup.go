package mint

import (
	"bytes"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/elnosh/fedmint/ecash"
	"github.com/elnosh/fedmint/mint/storage"
)

const DefaultMaxBackupSize = 128 * 1024

func backupKey(ownerKey []byte) []byte {
	return storage.Key([]byte("backup"), ownerKey)
}

// BackupService stores signed wallet snapshots and re-validates notes
// recovered from them. It never reads or writes the SpendLedger.
type BackupService struct {
	verifier *NoteVerifier
	maxSize  int
}

func NewBackupService(verifier *NoteVerifier, maxSize int) *BackupService {
	if maxSize <= 0 {
		maxSize = DefaultMaxBackupSize
	}
	return &BackupService{verifier: verifier, maxSize: maxSize}
}

// Submit stores the backup if it is signed by ownerKey and newer than
// the one already held for that owner.
func (b *BackupService) Submit(tx storage.Tx, request ecash.SignedBackupRequest, ownerKey *btcec.PublicKey) error {
	if !ecash.VerifyBackupSignature(request, ownerKey) {
		return ecash.InvalidSignatureErr
	}
	if len(request.Request.Payload) > b.maxSize {
		return ecash.BackupTooLargeErr
	}

	encoded, err := ecash.Encode(request)
	if err != nil {
		return err
	}

	key := backupKey(ecash.SerializeOwnerKey(ownerKey))
	existing, err := tx.Get(key)
	if err != nil {
		return err
	}
	if existing != nil {
		if bytes.Equal(existing, encoded) {
			return nil
		}
		var current ecash.SignedBackupRequest
		if err := ecash.Decode(existing, &current); err != nil {
			return err
		}
		if current.Request.Timestamp >= request.Request.Timestamp {
			return ecash.BackupOutdatedErr
		}
	}

	return tx.Put(key, encoded)
}

func (b *BackupService) Fetch(tx storage.Tx, ownerKey *btcec.PublicKey) (*ecash.SignedBackupRequest, error) {
	value, err := tx.Get(backupKey(ecash.SerializeOwnerKey(ownerKey)))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, ecash.BackupNotFoundErr
	}

	var backup ecash.SignedBackupRequest
	if err := ecash.Decode(value, &backup); err != nil {
		return nil, err
	}
	return &backup, nil
}

// Restore splits candidate notes into those with a valid signature and
// those rejected with the reason. A valid note may still be spent.
func (b *BackupService) Restore(notes ecash.Notes) ecash.VerifiedNotes {
	verified := ecash.VerifiedNotes{
		Valid:    ecash.Notes{},
		Rejected: []ecash.RejectedNote{},
	}

	for _, note := range notes {
		err := b.verifier.Verify(note)
		if err == nil {
			verified.Valid = append(verified.Valid, note)
			continue
		}

		reason, ok := ecash.AsError(err)
		if !ok {
			reason = ecash.StandardErr
		}
		verified.Rejected = append(verified.Rejected, ecash.RejectedNote{Note: note, Reason: reason})
	}

	return verified
}
