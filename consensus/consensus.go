// Package consensus defines the items guardians exchange through the
// federation's agreement log and the boundary to the layer that orders them.
package consensus

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/elnosh/fedmint/ecash"
)

type ItemKind uint8

const (
	MintOutputItem ItemKind = iota + 1
	SignatureShareItem
	MintInputItem
	KeyGenViewItem
)

func (kind ItemKind) String() string {
	switch kind {
	case MintOutputItem:
		return "mint_output"
	case SignatureShareItem:
		return "signature_share"
	case MintInputItem:
		return "mint_input"
	case KeyGenViewItem:
		return "keygen_view"
	default:
		return "unknown"
	}
}

// Item is the envelope for a guardian's contribution to the log.
// The agreement layer authenticates Peer; Payload is the canonical
// encoding of the struct named by Kind.
type Item struct {
	Peer    ecash.PeerId   `cbor:"1,keyasint" json:"peer"`
	Kind    ItemKind       `cbor:"2,keyasint" json:"kind"`
	Payload ecash.HexBytes `cbor:"3,keyasint" json:"payload"`
}

func NewItem(peer ecash.PeerId, kind ItemKind, payload any) (Item, error) {
	encoded, err := ecash.Encode(payload)
	if err != nil {
		return Item{}, fmt.Errorf("error encoding %v payload: %v", kind, err)
	}
	return Item{Peer: peer, Kind: kind, Payload: encoded}, nil
}

// Decode decodes the payload into v.
func (item Item) Decode(v any) error {
	return ecash.Decode(item.Payload, v)
}

func (item Item) Hash() [32]byte {
	encoded, err := ecash.Encode(item)
	if err != nil {
		panic(err)
	}
	return sha256.Sum256(encoded)
}

// Round is a batch of items the agreement layer delivered in a fixed order.
type Round struct {
	Number uint64 `json:"number"`
	Items  []Item `json:"items"`
}

// Broadcaster hands items to the agreement layer for ordering.
// It gives no guarantee of inclusion.
type Broadcaster interface {
	Propose(ctx context.Context, item Item) error
}

var ErrRoundNotFound = errors.New("round not found")

// LocalLog is an in-process agreement log. Every guardian of a
// federation running in the same process shares one LocalLog and
// replays the same rounds from it.
type LocalLog struct {
	mu      sync.Mutex
	pending []Item
	rounds  []Round
}

func NewLocalLog() *LocalLog {
	return &LocalLog{}
}

func (l *LocalLog) Propose(ctx context.Context, item Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	l.pending = append(l.pending, item)
	l.mu.Unlock()
	return nil
}

// Seal closes the items proposed so far into the next round.
// It returns false if nothing was pending.
func (l *LocalLog) Seal() (Round, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.pending) == 0 {
		return Round{}, false
	}

	round := Round{Number: uint64(len(l.rounds)), Items: l.pending}
	l.rounds = append(l.rounds, round)
	l.pending = nil
	return round, true
}

func (l *LocalLog) Round(number uint64) (Round, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if number >= uint64(len(l.rounds)) {
		return Round{}, ErrRoundNotFound
	}
	return l.rounds[number], nil
}

// Rounds returns the number of sealed rounds.
func (l *LocalLog) Rounds() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.rounds))
}

// Pending returns how many proposed items are waiting for the next round.
func (l *LocalLog) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Drive seals the pending items into a round every interval and hands
// each sealed round to apply, until ctx is done or apply fails.
func (l *LocalLog) Drive(ctx context.Context, interval time.Duration, apply func(context.Context, Round) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			round, ok := l.Seal()
			if !ok {
				continue
			}
			if err := apply(ctx, round); err != nil {
				return fmt.Errorf("error applying round %v: %w", round.Number, err)
			}
		}
	}
}
