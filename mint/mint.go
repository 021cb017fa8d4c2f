package mint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/elnosh/fedmint/consensus"
	"github.com/elnosh/fedmint/crypto"
	"github.com/elnosh/fedmint/ecash"
	"github.com/elnosh/fedmint/mint/pubsub"
	"github.com/elnosh/fedmint/mint/storage"
	"github.com/elnosh/fedmint/mint/storage/bolt"
	"github.com/elnosh/fedmint/mint/storage/sqlite"
)

// Mint is one guardian of the federation.
type Mint struct {
	db             storage.KVStore
	peer           ecash.PeerId
	federationName string

	tiers    *TierKeyStore
	keygen   *KeyGenCoordinator
	signer   *PartialSigner
	combiner *ShareCombiner
	ledger   *SpendLedger
	verifier *NoteVerifier
	backups  *BackupService

	broadcaster consensus.Broadcaster
	publisher   *pubsub.PubSub

	// one round is applied at a time
	roundMu sync.Mutex
	logger  *slog.Logger
}

func LoadMint(config Config) (*Mint, error) {
	path := config.MintPath
	if len(path) == 0 {
		var err error
		path, err = guardianPath(config.PeerId)
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}

	logger, err := setupLogger(path, config.LogLevel)
	if err != nil {
		return nil, err
	}

	var db storage.KVStore
	switch config.StoreBackend {
	case Bolt:
		db, err = bolt.InitBolt(path)
	case SQLite:
		db, err = sqlite.InitSQLite(path)
	default:
		err = fmt.Errorf("unknown store backend %v", config.StoreBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("error setting up store: %v", err)
	}

	broadcaster := config.Broadcaster
	if broadcaster == nil {
		broadcaster = consensus.NewLocalLog()
	}

	mint := newMint(db, config.PeerId, broadcaster, config.MaxBackupSize, logger)
	mint.federationName = config.FederationName
	if err := mint.loadTiers(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error loading tiers: %v", err)
	}

	mint.logInfof("guardian %v loaded %v tiers from %v store at %v",
		config.PeerId, len(mint.tiers.Tiers()), config.StoreBackend, path)

	return mint, nil
}

func newMint(
	db storage.KVStore,
	peer ecash.PeerId,
	broadcaster consensus.Broadcaster,
	maxBackupSize int,
	logger *slog.Logger,
) *Mint {
	tiers := NewTierKeyStore(peer)
	ledger := NewSpendLedger()
	verifier := NewNoteVerifier(tiers, ledger)

	return &Mint{
		db:          db,
		peer:        peer,
		tiers:       tiers,
		keygen:      NewKeyGenCoordinator(tiers),
		signer:      NewPartialSigner(peer, tiers),
		combiner:    NewShareCombiner(tiers),
		ledger:      ledger,
		verifier:    verifier,
		backups:     NewBackupService(verifier, maxBackupSize),
		broadcaster: broadcaster,
		publisher:   pubsub.NewPubSub(),
		logger:      logger,
	}
}

// guardianPath returns the default path at $HOME/.fedmint/guardian-<peer>
func guardianPath(peer ecash.PeerId) (string, error) {
	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homedir, ".fedmint", fmt.Sprintf("guardian-%d", peer)), nil
}

func setupLogger(path string, logLevel LogLevel) (*slog.Logger, error) {
	if logLevel == Disable {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), nil
	}

	level := slog.LevelInfo
	if logLevel == Debug {
		level = slog.LevelDebug
	}

	logFile, err := os.OpenFile(filepath.Join(path, "mint.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %v", err)
	}

	replacer := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
			source.Function = filepath.Base(source.Function)
		}
		return a
	}

	handler := slog.NewJSONHandler(io.MultiWriter(os.Stdout, logFile), &slog.HandlerOptions{
		AddSource:   true,
		Level:       level,
		ReplaceAttr: replacer,
	})
	return slog.New(handler), nil
}

func (m *Mint) loadTiers() error {
	return m.db.View(func(tx storage.Tx) error {
		return m.tiers.Load(tx)
	})
}

func (m *Mint) Peer() ecash.PeerId {
	return m.peer
}

func (m *Mint) FederationName() string {
	return m.federationName
}

// Tiers returns every activated tier, including older epochs that only verify.
func (m *Mint) Tiers() []*Tier {
	return m.tiers.Tiers()
}

func (m *Mint) IsSigning(id ecash.TierId) bool {
	return m.tiers.IsSigning(id)
}

// ActivateTier activates tier id with key material every guardian
// already agreed on, e.g from a trusted dealer.
func (m *Mint) ActivateTier(id ecash.TierId, keys *crypto.TierKeys) error {
	m.roundMu.Lock()
	defer m.roundMu.Unlock()

	err := m.db.Update(func(tx storage.Tx) error {
		return m.tiers.Activate(tx, id, keys)
	})
	if err != nil {
		if loadErr := m.loadTiers(); loadErr != nil {
			m.logErrorf("could not reload tiers: %v", loadErr)
		}
		return err
	}

	m.logInfof("activated tier %v", id)
	return nil
}

// BeginKeyGen stores this guardian's key material for tier id and proposes
// its public view. The tier activates in the round where the last guardian's
// matching view is applied.
func (m *Mint) BeginKeyGen(ctx context.Context, id ecash.TierId, keys *crypto.TierKeys) (*KeyGenView, error) {
	var view *KeyGenView
	err := m.db.Update(func(tx storage.Tx) error {
		var err error
		view, err = m.keygen.Prepare(tx, id, keys)
		return err
	})
	if err != nil {
		return nil, err
	}

	item, err := consensus.NewItem(m.peer, consensus.KeyGenViewItem, view)
	if err != nil {
		return nil, err
	}
	if err := m.broadcaster.Propose(ctx, item); err != nil {
		return nil, fmt.Errorf("could not propose keygen view: %w", err)
	}

	m.logInfof("proposed keygen view for tier %v", id)
	return view, nil
}

// SubmitMintOutputs checks the outputs and proposes them to the federation.
// It returns the ids under which their outcomes can be queried.
func (m *Mint) SubmitMintOutputs(ctx context.Context, outputs []ecash.MintOutput) ([]ecash.OutputId, error) {
	if len(outputs) == 0 {
		return nil, ecash.EmptyBodyErr
	}

	ids := make([]ecash.OutputId, len(outputs))
	seen := make(map[ecash.OutputId]bool, len(outputs))
	for i, output := range outputs {
		if !m.tiers.IsSigning(output.Tier) {
			return nil, ecash.UnknownTierErr
		}
		if _, err := crypto.ParseG1(output.BlindNonce); err != nil {
			return nil, ecash.MalformedInput("invalid blind nonce: %v", err)
		}

		id := output.Id()
		if seen[id] {
			return nil, ecash.MalformedInput("duplicate output %v", id)
		}
		seen[id] = true
		ids[i] = id
	}

	for _, output := range outputs {
		item, err := consensus.NewItem(m.peer, consensus.MintOutputItem, output)
		if err != nil {
			return nil, err
		}
		if err := m.broadcaster.Propose(ctx, item); err != nil {
			return nil, fmt.Errorf("could not propose mint output: %w", err)
		}
	}

	m.logDebugf("proposed %v mint outputs", len(outputs))
	return ids, nil
}

// MintOutcome returns the status of an output and the evidence
// recorded against guardians while collecting its shares.
func (m *Mint) MintOutcome(id ecash.OutputId) (*OutputOutcome, error) {
	var outcome *OutputOutcome
	err := m.db.View(func(tx storage.Tx) error {
		var err error
		outcome, err = m.combiner.Outcome(tx, id)
		return err
	})
	return outcome, err
}

// SubmitMintInputs checks the inputs against the current state and proposes
// them to the federation. The notes are only spent once their round is
// applied, where the checks are repeated.
func (m *Mint) SubmitMintInputs(ctx context.Context, inputs []ecash.MintInput) ([]ecash.Nonce, error) {
	if len(inputs) == 0 {
		return nil, ecash.EmptyBodyErr
	}

	notes := make(ecash.Notes, len(inputs))
	for i, input := range inputs {
		notes[i] = input.Note
	}
	if ecash.CheckDuplicateNonces(notes) {
		return nil, ecash.MalformedInput("duplicate nonces in request")
	}

	nonces := make([]ecash.Nonce, len(inputs))
	err := m.db.View(func(tx storage.Tx) error {
		for i, note := range notes {
			if err := m.verifier.Verify(note); err != nil {
				return err
			}
			spent, err := m.ledger.IsSpent(tx, note.Nonce)
			if err != nil {
				return err
			}
			if spent {
				return ecash.AlreadySpentErr
			}
			nonces[i] = note.Nonce
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, input := range inputs {
		item, err := consensus.NewItem(m.peer, consensus.MintInputItem, input)
		if err != nil {
			return nil, err
		}
		if err := m.broadcaster.Propose(ctx, item); err != nil {
			return nil, fmt.Errorf("could not propose mint input: %w", err)
		}
	}

	m.logDebugf("proposed %v mint inputs", len(inputs))
	return nonces, nil
}

func (m *Mint) NonceStates(nonces []ecash.Nonce) ([]ecash.NonceState, error) {
	var states []ecash.NonceState
	err := m.db.View(func(tx storage.Tx) error {
		var err error
		states, err = m.ledger.States(tx, nonces)
		return err
	})
	return states, err
}

func (m *Mint) SubmitBackup(request ecash.SignedBackupRequest) error {
	ownerKey, err := ecash.ParseOwnerKey(request.Request.OwnerKey)
	if err != nil {
		return ecash.MalformedInput("invalid owner key: %v", err)
	}

	err = m.db.Update(func(tx storage.Tx) error {
		return m.backups.Submit(tx, request, ownerKey)
	})
	if err != nil {
		return err
	}

	m.logDebugf("stored backup for owner %x", request.Request.OwnerKey)
	return nil
}

func (m *Mint) FetchBackup(ownerKey []byte) (*ecash.SignedBackupRequest, error) {
	key, err := ecash.ParseOwnerKey(ownerKey)
	if err != nil {
		return nil, ecash.MalformedInput("invalid owner key: %v", err)
	}

	var backup *ecash.SignedBackupRequest
	err = m.db.View(func(tx storage.Tx) error {
		backup, err = m.backups.Fetch(tx, key)
		return err
	})
	return backup, err
}

// Restore re-validates notes recovered from a backup. It does not report
// whether they are spent.
func (m *Mint) Restore(notes ecash.Notes) ecash.VerifiedNotes {
	return m.backups.Restore(notes)
}

func (m *Mint) RoundOutcome(round uint64) (*RoundOutcome, error) {
	var outcome *RoundOutcome
	err := m.db.View(func(tx storage.Tx) error {
		next, err := nextRound(tx)
		if err != nil {
			return err
		}
		if round >= next {
			return consensus.ErrRoundNotFound
		}
		outcome, err = loadRoundOutcome(tx, round)
		return err
	})
	return outcome, err
}

// NextRound returns the number of the next round the guardian will apply.
func (m *Mint) NextRound() (uint64, error) {
	var next uint64
	err := m.db.View(func(tx storage.Tx) error {
		var err error
		next, err = nextRound(tx)
		return err
	})
	return next, err
}

func (m *Mint) Shutdown() error {
	m.roundMu.Lock()
	defer m.roundMu.Unlock()

	if err := m.db.Close(); err != nil && !errors.Is(err, storage.ErrClosed) {
		return err
	}
	return nil
}

func (m *Mint) logf(level slog.Level, format string, args ...any) {
	ctx := context.Background()
	if !m.logger.Enabled(ctx, level) {
		return
	}

	// skip Callers, logf and the level helper
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	record := slog.NewRecord(time.Now(), level, fmt.Sprintf(format, args...), pcs[0])
	_ = m.logger.Handler().Handle(ctx, record)
}

func (m *Mint) logInfof(format string, args ...any) {
	m.logf(slog.LevelInfo, format, args...)
}

func (m *Mint) logErrorf(format string, args ...any) {
	m.logf(slog.LevelError, format, args...)
}

func (m *Mint) logDebugf(format string, args ...any) {
	m.logf(slog.LevelDebug, format, args...)
}
