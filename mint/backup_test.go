package mint

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/elnosh/fedmint/ecash"
)

func signedBackup(t *testing.T, key *btcec.PrivateKey, timestamp uint64, payload string) ecash.SignedBackupRequest {
	signed, err := ecash.SignBackupRequest(key, ecash.BackupRequest{
		OwnerKey:  ecash.SerializeOwnerKey(key.PubKey()),
		Timestamp: timestamp,
		Payload:   []byte(payload),
	})
	if err != nil {
		t.Fatalf("error signing backup: %v", err)
	}
	return *signed
}

func TestBackups(t *testing.T) {
	guardian := testGuardian(t, 0, discardBroadcaster{}, 64)
	key, _ := btcec.NewPrivateKey()
	ownerKey := ecash.SerializeOwnerKey(key.PubKey())

	_, err := guardian.FetchBackup(ownerKey)
	if !errors.Is(err, ecash.BackupNotFoundErr) {
		t.Fatalf("expected error '%v' but got '%v'", ecash.BackupNotFoundErr, err)
	}

	tests := []struct {
		name      string
		backup    ecash.SignedBackupRequest
		expected  error
		timestamp uint64
	}{
		{
			name:      "first backup",
			backup:    signedBackup(t, key, 10, "first"),
			timestamp: 10,
		},
		{
			name:      "same backup again",
			backup:    signedBackup(t, key, 10, "first"),
			timestamp: 10,
		},
		{
			name:      "older backup",
			backup:    signedBackup(t, key, 5, "older"),
			expected:  ecash.BackupOutdatedErr,
			timestamp: 10,
		},
		{
			name:      "same timestamp different payload",
			backup:    signedBackup(t, key, 10, "changed"),
			expected:  ecash.BackupOutdatedErr,
			timestamp: 10,
		},
		{
			name:      "too large",
			backup:    signedBackup(t, key, 20, string(make([]byte, 65))),
			expected:  ecash.BackupTooLargeErr,
			timestamp: 10,
		},
		{
			name:      "newer backup",
			backup:    signedBackup(t, key, 11, "newer"),
			timestamp: 11,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := guardian.SubmitBackup(test.backup)
			if test.expected == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if test.expected != nil && !errors.Is(err, test.expected) {
				t.Fatalf("expected error '%v' but got '%v'", test.expected, err)
			}

			stored, err := guardian.FetchBackup(ownerKey)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if stored.Request.Timestamp != test.timestamp {
				t.Fatalf("expected stored timestamp %v but got %v", test.timestamp, stored.Request.Timestamp)
			}
			if !ecash.VerifyBackupSignature(*stored, key.PubKey()) {
				t.Fatal("stored backup has an invalid signature")
			}
		})
	}
}

func TestBackupSignature(t *testing.T) {
	guardian := testGuardian(t, 0, discardBroadcaster{}, 0)
	owner, _ := btcec.NewPrivateKey()
	other, _ := btcec.NewPrivateKey()

	forged := signedBackup(t, other, 1, "forged")
	forged.Request.OwnerKey = ecash.SerializeOwnerKey(owner.PubKey())
	err := guardian.SubmitBackup(forged)
	if !errors.Is(err, ecash.InvalidSignatureErr) {
		t.Fatalf("expected error '%v' but got '%v'", ecash.InvalidSignatureErr, err)
	}

	tampered := signedBackup(t, owner, 1, "payload")
	tampered.Request.Payload = []byte("tampered")
	err = guardian.SubmitBackup(tampered)
	if !errors.Is(err, ecash.InvalidSignatureErr) {
		t.Fatalf("expected error '%v' but got '%v'", ecash.InvalidSignatureErr, err)
	}

	invalidKey := signedBackup(t, owner, 1, "payload")
	invalidKey.Request.OwnerKey = []byte{1, 2, 3}
	err = guardian.SubmitBackup(invalidKey)
	expectMintError(t, err, ecash.MalformedInputErrCode)

	_, err = guardian.FetchBackup(ecash.SerializeOwnerKey(owner.PubKey()))
	if !errors.Is(err, ecash.BackupNotFoundErr) {
		t.Fatalf("expected error '%v' but got '%v'", ecash.BackupNotFoundErr, err)
	}
}
