package mint

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/elnosh/fedmint/crypto"
	"github.com/elnosh/fedmint/ecash"
	"github.com/elnosh/fedmint/mint/storage"
)

func terminal(status ecash.OutputStatus) bool {
	return status != ecash.Collecting
}

func outputKey(id ecash.OutputId) []byte {
	return storage.Key([]byte("out"), id[:])
}

func evidencePrefix(id ecash.OutputId) []byte {
	return storage.Key([]byte("evd"), id[:], nil)
}

type acceptedShare struct {
	Peer  ecash.PeerId   `cbor:"1,keyasint"`
	Share ecash.HexBytes `cbor:"2,keyasint"`
}

type outputRecord struct {
	Output       ecash.MintOutput    `cbor:"1,keyasint"`
	Status       ecash.OutputStatus  `cbor:"2,keyasint"`
	Round        uint64              `cbor:"3,keyasint"`
	Shares       []acceptedShare     `cbor:"4,keyasint"`
	Flagged      []ecash.PeerId      `cbor:"5,keyasint"`
	Signature    ecash.HexBytes      `cbor:"6,keyasint,omitempty"`
	CombineError *ecash.CombineError `cbor:"7,keyasint,omitempty"`
	Error        *ecash.Error        `cbor:"8,keyasint,omitempty"`
}

func (r *outputRecord) accepted(peer ecash.PeerId) *acceptedShare {
	for i := range r.Shares {
		if r.Shares[i].Peer == peer {
			return &r.Shares[i]
		}
	}
	return nil
}

// accept inserts the share keeping Shares ordered by peer index.
func (r *outputRecord) accept(share acceptedShare) {
	idx, _ := slices.BinarySearchFunc(r.Shares, share.Peer, func(s acceptedShare, peer ecash.PeerId) int {
		return int(s.Peer) - int(peer)
	})
	r.Shares = slices.Insert(r.Shares, idx, share)
}

func (r *outputRecord) flag(peer ecash.PeerId) {
	idx, found := slices.BinarySearch(r.Flagged, peer)
	if !found {
		r.Flagged = slices.Insert(r.Flagged, idx, peer)
	}
}

// OutputOutcome is everything known about a submitted mint output.
type OutputOutcome struct {
	Id           ecash.OutputId
	Output       ecash.MintOutput
	Status       ecash.OutputStatus
	Round        uint64
	Shares       int
	Signature    *ecash.MintOutputBlindSignatures
	CombineError *ecash.CombineError
	Error        *ecash.Error
	ShareErrors  ecash.MintShareErrors
}

// shareResult reports what a single share did to its output.
type shareResult struct {
	Fault    *ecash.PeerError
	Combined *ecash.MintOutputBlindSignatures
	Failed   *ecash.CombineError
}

// ShareCombiner collects signature shares for mint outputs, in log order,
// and combines them once a tier's threshold of valid shares is reached.
type ShareCombiner struct {
	tiers *TierKeyStore
}

func NewShareCombiner(tiers *TierKeyStore) *ShareCombiner {
	return &ShareCombiner{tiers: tiers}
}

func (c *ShareCombiner) record(tx storage.Tx, id ecash.OutputId) (*outputRecord, error) {
	value, err := tx.Get(outputKey(id))
	if err != nil || value == nil {
		return nil, err
	}

	var record outputRecord
	if err := ecash.Decode(value, &record); err != nil {
		return nil, fmt.Errorf("invalid record for output %v: %v", id, err)
	}
	return &record, nil
}

func (c *ShareCombiner) saveRecord(tx storage.Tx, id ecash.OutputId, record *outputRecord) error {
	encoded, err := ecash.Encode(record)
	if err != nil {
		return err
	}
	return tx.Put(outputKey(id), encoded)
}

// Register starts collecting shares for output. It returns false if the
// output was already registered. Outputs that cannot be signed are stored
// as rejected and the reason is returned.
func (c *ShareCombiner) Register(tx storage.Tx, output ecash.MintOutput, round uint64) (bool, error) {
	id := output.Id()
	existing, err := c.record(tx, id)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	record := &outputRecord{Output: output, Status: ecash.Collecting, Round: round}

	var reason error
	if _, err := c.tiers.SigningTier(output.Tier); err != nil {
		reason = err
	} else if _, err := crypto.ParseG1(output.BlindNonce); err != nil {
		reason = ecash.MalformedInput("invalid blind nonce: %v", err)
	}
	if reason != nil {
		mintErr, ok := ecash.AsError(reason)
		if !ok {
			return false, reason
		}
		record.Status = ecash.Rejected
		record.Error = &mintErr
		if err := c.saveRecord(tx, id, record); err != nil {
			return false, err
		}
		return false, mintErr
	}

	return true, c.saveRecord(tx, id, record)
}

// AddShare applies one share taken from the log. Faults are appended to the
// output's evidence log and never undo an accepted share.
func (c *ShareCombiner) AddShare(tx storage.Tx, share ecash.MintOutputSignatureShare) (*shareResult, error) {
	record, err := c.record(tx, share.Output)
	if err != nil {
		return nil, err
	}
	if record == nil {
		fault := ecash.PeerError{Peer: share.Peer, Type: ecash.UnknownOutput}
		if err := c.appendEvidence(tx, share.Output, fault); err != nil {
			return nil, err
		}
		return &shareResult{Fault: &fault}, nil
	}

	if terminal(record.Status) {
		return &shareResult{}, nil
	}

	tier, err := c.tiers.Tier(record.Output.Tier)
	if err != nil {
		return nil, fmt.Errorf("no keys for registered output %v: %v", share.Output, err)
	}
	keys := tier.Keys

	result := &shareResult{}
	if int(share.Peer) >= keys.Peers() {
		result.Fault = &ecash.PeerError{Peer: share.Peer, Type: ecash.MalformedEnvelope}
	} else if prior := record.accepted(share.Peer); prior != nil {
		if bytes.Equal(prior.Share, share.Share) {
			return result, nil
		}
		result.Fault = &ecash.PeerError{Peer: share.Peer, Type: ecash.ConflictingShare}
	} else if !validShare(record.Output, share, keys) {
		result.Fault = &ecash.PeerError{Peer: share.Peer, Type: ecash.InvalidShare}
	} else {
		record.accept(acceptedShare{Peer: share.Peer, Share: share.Share})
		if len(record.Shares) >= keys.Threshold {
			c.combine(record, keys)
		}
	}

	if result.Fault != nil {
		if err := c.appendEvidence(tx, share.Output, *result.Fault); err != nil {
			return nil, err
		}
		if int(share.Peer) < keys.Peers() {
			record.flag(share.Peer)
		}
		if eligible := keys.Peers() - len(record.Flagged); eligible < keys.Threshold {
			record.Status = ecash.Failed
			record.CombineError = &ecash.CombineError{
				Kind: ecash.QuorumUnreachable,
				Detail: fmt.Sprintf("%v guardians flagged, %v eligible for a threshold of %v",
					len(record.Flagged), eligible, keys.Threshold),
			}
		}
	}

	switch record.Status {
	case ecash.Combined:
		result.Combined = &ecash.MintOutputBlindSignatures{
			Output:    share.Output,
			Tier:      record.Output.Tier,
			Signature: record.Signature,
		}
	case ecash.Failed:
		result.Failed = record.CombineError
	}

	return result, c.saveRecord(tx, share.Output, record)
}

func validShare(output ecash.MintOutput, share ecash.MintOutputSignatureShare, keys *crypto.TierKeys) bool {
	B, err := crypto.ParseG1(output.BlindNonce)
	if err != nil {
		return false
	}
	Si, err := crypto.ParseG1(share.Share)
	if err != nil {
		return false
	}
	return crypto.VerifyBlindShare(B, Si, keys.PublicShares[share.Peer])
}

// combine interpolates the accepted shares, in peer order, into the
// blind signature and moves the record to a terminal state.
func (c *ShareCombiner) combine(record *outputRecord, keys *crypto.TierKeys) {
	B, err := crypto.ParseG1(record.Output.BlindNonce)
	if err != nil {
		record.Status = ecash.Failed
		record.CombineError = &ecash.CombineError{Kind: ecash.CombinationFailed, Detail: err.Error()}
		return
	}

	shares := make([]crypto.BlindShare, len(record.Shares))
	for i, accepted := range record.Shares {
		Si, err := crypto.ParseG1(accepted.Share)
		if err != nil {
			record.Status = ecash.Failed
			record.CombineError = &ecash.CombineError{Kind: ecash.CombinationFailed, Detail: err.Error()}
			return
		}
		shares[i] = crypto.BlindShare{Index: int(accepted.Peer), Share: Si}
	}

	S, err := crypto.CombineBlindShares(B, keys.AggregateKey, shares, keys.Threshold, keys.Peers())
	if err != nil {
		record.Status = ecash.Failed
		record.CombineError = &ecash.CombineError{Kind: ecash.CombinationFailed, Detail: err.Error()}
		return
	}

	record.Status = ecash.Combined
	record.Signature = crypto.MarshalPoint(S)
}

func (c *ShareCombiner) appendEvidence(tx storage.Tx, id ecash.OutputId, fault ecash.PeerError) error {
	seq := uint32(0)
	err := tx.ForEachPrefix(evidencePrefix(id), func(key, value []byte) error {
		seq++
		return nil
	})
	if err != nil {
		return err
	}

	encoded, err := ecash.Encode(fault)
	if err != nil {
		return err
	}
	return tx.Put(append(evidencePrefix(id), storage.Uint32Key(seq)...), encoded)
}

// ShareErrors returns the faults recorded for output id in log order.
func (c *ShareCombiner) ShareErrors(tx storage.Tx, id ecash.OutputId) (ecash.MintShareErrors, error) {
	shareErrors := ecash.MintShareErrors{Output: id, Errors: []ecash.PeerError{}}
	err := tx.ForEachPrefix(evidencePrefix(id), func(key, value []byte) error {
		var fault ecash.PeerError
		if err := ecash.Decode(value, &fault); err != nil {
			return err
		}
		shareErrors.Errors = append(shareErrors.Errors, fault)
		return nil
	})
	return shareErrors, err
}

func (c *ShareCombiner) Outcome(tx storage.Tx, id ecash.OutputId) (*OutputOutcome, error) {
	record, err := c.record(tx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ecash.OutputNotFoundErr
	}

	shareErrors, err := c.ShareErrors(tx, id)
	if err != nil {
		return nil, err
	}

	outcome := &OutputOutcome{
		Id:           id,
		Output:       record.Output,
		Status:       record.Status,
		Round:        record.Round,
		Shares:       len(record.Shares),
		CombineError: record.CombineError,
		Error:        record.Error,
		ShareErrors:  shareErrors,
	}
	if record.Status == ecash.Combined {
		outcome.Signature = &ecash.MintOutputBlindSignatures{
			Output:    id,
			Tier:      record.Output.Tier,
			Signature: record.Signature,
		}
	}
	return outcome, nil
}
