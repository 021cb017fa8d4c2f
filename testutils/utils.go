package testutils

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/elnosh/fedmint/consensus"
	"github.com/elnosh/fedmint/crypto"
	"github.com/elnosh/fedmint/ecash"
	"github.com/elnosh/fedmint/mint"
	"github.com/elnosh/fedmint/wallet"
	"go.dedis.ch/kyber/v3/util/random"
)

// Federation is a set of guardians sharing an in-process agreement log.
type Federation struct {
	Log       *consensus.LocalLog
	Guardians []*mint.Mint
	Tiers     []ecash.TierId
	Dealers   map[ecash.TierId]*crypto.DealerOutput
}

func GuardianConfig(dir string, peer ecash.PeerId, backend mint.StoreBackend, log consensus.Broadcaster) mint.Config {
	return mint.Config{
		PeerId:         peer,
		MintPath:       filepath.Join(dir, fmt.Sprintf("guardian-%d", peer)),
		FederationName: "testfed",
		StoreBackend:   backend,
		LogLevel:       mint.Disable,
		Broadcaster:    log,
	}
}

// CreateTestFederation starts n guardians under dir and activates an
// epoch 0 tier for each amount with keys from a trusted dealer.
func CreateTestFederation(dir string, n int, amounts []uint64, backend mint.StoreBackend) (*Federation, error) {
	federation := &Federation{
		Log:     consensus.NewLocalLog(),
		Dealers: make(map[ecash.TierId]*crypto.DealerOutput),
	}

	for i := 0; i < n; i++ {
		guardian, err := mint.LoadMint(GuardianConfig(dir, ecash.PeerId(i), backend, federation.Log))
		if err != nil {
			federation.Shutdown()
			return nil, fmt.Errorf("error loading guardian %v: %v", i, err)
		}
		federation.Guardians = append(federation.Guardians, guardian)
	}

	for _, amount := range amounts {
		id := ecash.TierId{Amount: amount, Epoch: 0}
		if err := federation.ActivateDealerTier(id); err != nil {
			federation.Shutdown()
			return nil, err
		}
	}

	return federation, nil
}

// ActivateDealerTier deals fresh keys for tier id and activates them on every guardian.
func (f *Federation) ActivateDealerTier(id ecash.TierId) error {
	n := len(f.Guardians)
	dealer, err := crypto.DealerKeygen(crypto.DefaultThreshold(n), n, random.New())
	if err != nil {
		return err
	}

	for i, guardian := range f.Guardians {
		if err := guardian.ActivateTier(id, dealer.KeysFor(i)); err != nil {
			return fmt.Errorf("error activating tier %v on guardian %v: %v", id, i, err)
		}
	}
	f.Tiers = append(f.Tiers, id)
	f.Dealers[id] = dealer
	return nil
}

// RunRound seals the pending items and applies the round on every guardian.
// It returns nil outcomes if nothing was pending.
func (f *Federation) RunRound(ctx context.Context) ([]*mint.RoundOutcome, error) {
	round, ok := f.Log.Seal()
	if !ok {
		return nil, nil
	}
	return f.ApplyRound(ctx, round)
}

func (f *Federation) ApplyRound(ctx context.Context, round consensus.Round) ([]*mint.RoundOutcome, error) {
	outcomes := make([]*mint.RoundOutcome, len(f.Guardians))
	for i, guardian := range f.Guardians {
		outcome, err := guardian.ProcessRound(ctx, round)
		if err != nil {
			return nil, fmt.Errorf("guardian %v could not apply round %v: %v", i, round.Number, err)
		}
		outcomes[i] = outcome
	}
	return outcomes, nil
}

// RunUntilIdle applies rounds until no guardian has anything left to propose.
func (f *Federation) RunUntilIdle(ctx context.Context) error {
	for i := 0; i < 100; i++ {
		outcomes, err := f.RunRound(ctx)
		if err != nil {
			return err
		}
		if outcomes == nil {
			return nil
		}
	}
	return errors.New("federation did not become idle")
}

func (f *Federation) Shutdown() {
	for _, guardian := range f.Guardians {
		guardian.Shutdown()
	}
}

// CreateTestGuardianServer serves guardian on a free local port and
// returns its url once it accepts requests.
func CreateTestGuardianServer(guardian *mint.Mint) (*mint.MintServer, string, error) {
	port, err := GetAvailablePort()
	if err != nil {
		return nil, "", err
	}

	server := mint.SetupMintServer(guardian, strconv.Itoa(port))
	go server.Start()

	url := "http://127.0.0.1:" + strconv.Itoa(port)
	for i := 0; i < 50; i++ {
		resp, err := http.Get(url + "/v1/tiers")
		if err == nil {
			resp.Body.Close()
			return server, url, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, "", fmt.Errorf("guardian server at %v did not start", url)
}

func CreateTestWallet(guardianURL string) (*wallet.Wallet, error) {
	w, err := wallet.New(guardianURL, "")
	if err != nil {
		return nil, err
	}
	if err := w.RefreshTiers(); err != nil {
		return nil, err
	}
	return w, nil
}

// FundWallet mints amount into w, applying rounds on the federation
// until the outputs are signed.
func FundWallet(ctx context.Context, w *wallet.Wallet, federation *Federation, amount uint64) (ecash.Notes, error) {
	outputs, err := w.Mint(amount)
	if err != nil {
		return nil, err
	}
	if err := federation.RunUntilIdle(ctx); err != nil {
		return nil, err
	}
	return w.Finalize(outputs)
}

func GetAvailablePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func RandomNonce() ecash.Nonce {
	var nonce ecash.Nonce
	rand.Read(nonce[:])
	return nonce
}
