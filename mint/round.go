package mint

import (
	"context"
	"errors"
	"fmt"

	"github.com/elnosh/fedmint/consensus"
	"github.com/elnosh/fedmint/ecash"
	"github.com/elnosh/fedmint/mint/storage"
	"github.com/hashicorp/go-multierror"
)

var ErrRoundOutOfOrder = errors.New("round out of order")

var (
	nextRoundKey = []byte("meta/next_round")
	roundPrefix  = []byte("round/")
)

func roundKey(round uint64) []byte {
	return append(roundPrefix[:len(roundPrefix):len(roundPrefix)], storage.Uint64Key(round)...)
}

type FailedOutput struct {
	Output ecash.OutputId     `cbor:"1,keyasint" json:"output"`
	Error  ecash.CombineError `cbor:"2,keyasint" json:"error"`
}

// RejectedItem is a log item that failed with a mint error.
// It does not affect the other items of the round.
type RejectedItem struct {
	Index int                `cbor:"1,keyasint" json:"index"`
	Peer  ecash.PeerId       `cbor:"2,keyasint" json:"peer"`
	Kind  consensus.ItemKind `cbor:"3,keyasint" json:"kind"`
	Error ecash.Error        `cbor:"4,keyasint" json:"error"`
}

type PeerFault struct {
	Index int                 `cbor:"1,keyasint" json:"index"`
	Peer  ecash.PeerId        `cbor:"2,keyasint" json:"peer"`
	Type  ecash.PeerErrorType `cbor:"3,keyasint" json:"type"`
	// zero when the envelope could not be decoded
	Output ecash.OutputId `cbor:"4,keyasint" json:"output"`
}

// RoundOutcome is what applying one round of the log produced.
// Everything except Proposals is identical on every honest guardian.
type RoundOutcome struct {
	Round uint64 `cbor:"1,keyasint" json:"round"`
	// this guardian's signature shares, to be proposed for a later round
	Proposals []consensus.Item                  `cbor:"2,keyasint" json:"proposals"`
	Combined  []ecash.MintOutputBlindSignatures `cbor:"3,keyasint" json:"combined"`
	Failed    []FailedOutput                    `cbor:"4,keyasint" json:"failed"`
	Redeemed  []ecash.Nonce                     `cbor:"5,keyasint" json:"redeemed"`
	Rejected  []RejectedItem                    `cbor:"6,keyasint" json:"rejected"`
	Faults    []PeerFault                       `cbor:"7,keyasint" json:"faults"`
	Activated []ecash.TierId                    `cbor:"8,keyasint" json:"activated"`
}

func newRoundOutcome(round uint64) *RoundOutcome {
	return &RoundOutcome{
		Round:     round,
		Proposals: []consensus.Item{},
		Combined:  []ecash.MintOutputBlindSignatures{},
		Failed:    []FailedOutput{},
		Redeemed:  []ecash.Nonce{},
		Rejected:  []RejectedItem{},
		Faults:    []PeerFault{},
		Activated: []ecash.TierId{},
	}
}

func (o *RoundOutcome) reject(index int, item consensus.Item, err ecash.Error) {
	o.Rejected = append(o.Rejected, RejectedItem{Index: index, Peer: item.Peer, Kind: item.Kind, Error: err})
}

func (o *RoundOutcome) fault(index int, peer ecash.PeerId, faultType ecash.PeerErrorType, output ecash.OutputId) {
	o.Faults = append(o.Faults, PeerFault{Index: index, Peer: peer, Type: faultType, Output: output})
}

// ItemErrors joins the errors of every rejected item, nil if there were none.
func (o *RoundOutcome) ItemErrors() error {
	var result *multierror.Error
	for _, rejected := range o.Rejected {
		result = multierror.Append(result, fmt.Errorf("item %v (%v from guardian %v): %w",
			rejected.Index, rejected.Kind, rejected.Peer, rejected.Error))
	}
	return result.ErrorOrNil()
}

// ProcessRound applies the items of a round in log order inside a single
// store transaction. Rounds must be applied in sequence starting at 0.
// Applying a round again returns the outcome persisted the first time.
func (m *Mint) ProcessRound(ctx context.Context, round consensus.Round) (*RoundOutcome, error) {
	m.roundMu.Lock()
	defer m.roundMu.Unlock()

	var outcome *RoundOutcome
	replayed := false

	err := m.db.Update(func(tx storage.Tx) error {
		next, err := nextRound(tx)
		if err != nil {
			return err
		}
		if round.Number < next {
			replayed = true
			outcome, err = loadRoundOutcome(tx, round.Number)
			return err
		}
		if round.Number > next {
			return fmt.Errorf("%w: expected round %v but got %v", ErrRoundOutOfOrder, next, round.Number)
		}

		outcome, err = m.applyRound(tx, round)
		if err != nil {
			return err
		}

		encoded, err := ecash.Encode(outcome)
		if err != nil {
			return err
		}
		if err := tx.Put(roundKey(round.Number), encoded); err != nil {
			return err
		}
		return tx.Put(nextRoundKey, storage.Uint64Key(round.Number+1))
	})
	if err != nil {
		// tiers activated by the discarded transaction must not stay in memory
		if loadErr := m.loadTiers(); loadErr != nil {
			m.logErrorf("could not reload tiers after failed round %v: %v", round.Number, loadErr)
		}
		return nil, err
	}

	if replayed {
		m.logDebugf("round %v was already applied", round.Number)
		return outcome, nil
	}

	m.logRoundOutcome(outcome)
	m.publishRoundOutcome(outcome)
	for _, rejected := range outcome.Rejected {
		if rejected.Kind == consensus.MintOutputItem {
			m.publishRejectedOutput(round.Items[rejected.Index])
		}
	}

	for _, item := range outcome.Proposals {
		if err := m.broadcaster.Propose(ctx, item); err != nil {
			m.logErrorf("could not propose %v item from round %v: %v", item.Kind, round.Number, err)
		}
	}

	return outcome, nil
}

func nextRound(tx storage.Tx) (uint64, error) {
	value, err := tx.Get(nextRoundKey)
	if err != nil || value == nil {
		return 0, err
	}
	if len(value) != 8 {
		return 0, fmt.Errorf("invalid next round value '%x'", value)
	}
	return uint64FromKey(value), nil
}

func uint64FromKey(key []byte) uint64 {
	var n uint64
	for _, b := range key {
		n = n<<8 | uint64(b)
	}
	return n
}

func loadRoundOutcome(tx storage.Tx, round uint64) (*RoundOutcome, error) {
	value, err := tx.Get(roundKey(round))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, fmt.Errorf("no outcome stored for round %v", round)
	}

	var outcome RoundOutcome
	if err := ecash.Decode(value, &outcome); err != nil {
		return nil, fmt.Errorf("invalid outcome for round %v: %v", round, err)
	}
	return &outcome, nil
}

// applyRound returns an error only if the store fails. Errors caused by
// an item are recorded in the outcome.
func (m *Mint) applyRound(tx storage.Tx, round consensus.Round) (*RoundOutcome, error) {
	outcome := newRoundOutcome(round.Number)

	for i, item := range round.Items {
		var err error
		switch item.Kind {
		case consensus.MintOutputItem:
			err = m.applyMintOutput(tx, round.Number, outcome, i, item)
		case consensus.SignatureShareItem:
			err = m.applySignatureShare(tx, outcome, i, item)
		case consensus.MintInputItem:
			err = m.applyMintInput(tx, round.Number, outcome, i, item)
		case consensus.KeyGenViewItem:
			err = m.applyKeyGenView(tx, outcome, i, item)
		default:
			outcome.fault(i, item.Peer, ecash.MalformedEnvelope, ecash.OutputId{})
			outcome.reject(i, item, ecash.MalformedInput("unknown item kind %v", item.Kind))
		}
		if err != nil {
			return nil, err
		}
	}

	return outcome, nil
}

// rejectOrFail records err against the item if it is a mint error and
// returns it otherwise.
func rejectOrFail(outcome *RoundOutcome, index int, item consensus.Item, err error) error {
	if err == nil {
		return nil
	}
	if mintErr, ok := ecash.AsError(err); ok {
		outcome.reject(index, item, mintErr)
		return nil
	}
	return err
}

func (m *Mint) applyMintOutput(tx storage.Tx, round uint64, outcome *RoundOutcome, index int, item consensus.Item) error {
	var output ecash.MintOutput
	if err := item.Decode(&output); err != nil {
		outcome.fault(index, item.Peer, ecash.MalformedEnvelope, ecash.OutputId{})
		outcome.reject(index, item, ecash.MalformedInput("mint output: %v", err))
		return nil
	}

	registered, err := m.combiner.Register(tx, output, round)
	if err != nil || !registered {
		return rejectOrFail(outcome, index, item, err)
	}

	share, err := m.signer.Sign(output)
	if err != nil {
		return rejectOrFail(outcome, index, item, err)
	}
	proposal, err := consensus.NewItem(m.peer, consensus.SignatureShareItem, share)
	if err != nil {
		return err
	}
	outcome.Proposals = append(outcome.Proposals, proposal)
	return nil
}

func (m *Mint) applySignatureShare(tx storage.Tx, outcome *RoundOutcome, index int, item consensus.Item) error {
	var share ecash.MintOutputSignatureShare
	if err := item.Decode(&share); err != nil {
		outcome.fault(index, item.Peer, ecash.MalformedEnvelope, ecash.OutputId{})
		return nil
	}
	// a guardian can only contribute its own share
	if share.Peer != item.Peer {
		outcome.fault(index, item.Peer, ecash.MalformedEnvelope, share.Output)
		return nil
	}

	result, err := m.combiner.AddShare(tx, share)
	if err != nil {
		return err
	}

	if result.Fault != nil {
		outcome.fault(index, result.Fault.Peer, result.Fault.Type, share.Output)
	}
	if result.Combined != nil {
		outcome.Combined = append(outcome.Combined, *result.Combined)
	}
	if result.Failed != nil {
		outcome.Failed = append(outcome.Failed, FailedOutput{Output: share.Output, Error: *result.Failed})
	}
	return nil
}

func (m *Mint) applyMintInput(tx storage.Tx, round uint64, outcome *RoundOutcome, index int, item consensus.Item) error {
	var input ecash.MintInput
	if err := item.Decode(&input); err != nil {
		outcome.fault(index, item.Peer, ecash.MalformedEnvelope, ecash.OutputId{})
		outcome.reject(index, item, ecash.MalformedInput("mint input: %v", err))
		return nil
	}

	if err := m.verifier.Redeem(tx, input, round); err != nil {
		return rejectOrFail(outcome, index, item, err)
	}
	outcome.Redeemed = append(outcome.Redeemed, input.Note.Nonce)
	return nil
}

func (m *Mint) applyKeyGenView(tx storage.Tx, outcome *RoundOutcome, index int, item consensus.Item) error {
	var view KeyGenView
	if err := item.Decode(&view); err != nil {
		outcome.fault(index, item.Peer, ecash.MalformedEnvelope, ecash.OutputId{})
		outcome.reject(index, item, ecash.MalformedInput("keygen view: %v", err))
		return nil
	}

	activated, err := m.keygen.Submit(tx, item.Peer, view)
	if err != nil {
		return rejectOrFail(outcome, index, item, err)
	}
	if activated {
		outcome.Activated = append(outcome.Activated, view.Tier)
	}
	return nil
}

func (m *Mint) logRoundOutcome(outcome *RoundOutcome) {
	m.logInfof("applied round %v: %v combined, %v failed, %v redeemed, %v rejected",
		outcome.Round, len(outcome.Combined), len(outcome.Failed), len(outcome.Redeemed), len(outcome.Rejected))

	for _, failed := range outcome.Failed {
		m.logInfof("mint output %v failed: %v", failed.Output, failed.Error)
	}
	for _, fault := range outcome.Faults {
		m.logInfof("guardian %v: %v on output %v", fault.Peer, fault.Type, fault.Output)
	}
	for _, tier := range outcome.Activated {
		m.logInfof("activated tier %v", tier)
	}
	if err := outcome.ItemErrors(); err != nil {
		m.logDebugf("rejected items in round %v: %v", outcome.Round, err)
	}
}
