package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/elnosh/fedmint/consensus"
	"github.com/elnosh/fedmint/ecash"
	"github.com/elnosh/fedmint/mint"
	"github.com/elnosh/fedmint/mint/config"
	"github.com/joho/godotenv"
	"go.dedis.ch/kyber/v3/util/random"
)

const defaultRoundInterval = 500 * time.Millisecond

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, reading config from environment")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	devnet, _ := strconv.Atoi(os.Getenv("GUARDIAN_DEVNET"))
	var err error
	if devnet > 0 {
		err = runDevnet(ctx, devnet)
	} else {
		err = runGuardian(ctx)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func guardianConfig(broadcaster consensus.Broadcaster) (mint.Config, error) {
	peer, err := strconv.ParseUint(os.Getenv("GUARDIAN_PEER_ID"), 10, 16)
	if err != nil && len(os.Getenv("GUARDIAN_PEER_ID")) > 0 {
		return mint.Config{}, fmt.Errorf("invalid GUARDIAN_PEER_ID: %v", err)
	}

	backend, ok := mint.StringToStoreBackend(strings.ToLower(os.Getenv("GUARDIAN_STORE")))
	if !ok {
		return mint.Config{}, fmt.Errorf("invalid GUARDIAN_STORE '%v'", os.Getenv("GUARDIAN_STORE"))
	}

	logLevel := mint.Info
	switch strings.ToLower(os.Getenv("LOG")) {
	case "debug":
		logLevel = mint.Debug
	case "disable":
		logLevel = mint.Disable
	}

	maxBackupSize, _ := strconv.Atoi(os.Getenv("GUARDIAN_MAX_BACKUP_SIZE"))

	return mint.Config{
		PeerId:         ecash.PeerId(peer),
		Port:           os.Getenv("GUARDIAN_PORT"),
		MintPath:       os.Getenv("GUARDIAN_PATH"),
		FederationName: os.Getenv("FEDERATION_NAME"),
		StoreBackend:   backend,
		MaxBackupSize:  maxBackupSize,
		LogLevel:       logLevel,
		Broadcaster:    broadcaster,
	}, nil
}

func roundInterval() time.Duration {
	interval, err := time.ParseDuration(os.Getenv("GUARDIAN_ROUND_INTERVAL"))
	if err != nil || interval <= 0 {
		return defaultRoundInterval
	}
	return interval
}

func activateFromKeyFile(guardian *mint.Mint, filename string) error {
	keyFile, err := config.ReadKeyFile(filename)
	if err != nil {
		return err
	}
	if keyFile.Peer != guardian.Peer() {
		return fmt.Errorf("key file is for guardian %v, not %v", keyFile.Peer, guardian.Peer())
	}

	for _, tierFile := range keyFile.Tiers {
		keys, err := tierFile.TierKeys()
		if err != nil {
			return fmt.Errorf("tier %v: %v", tierFile.Tier, err)
		}
		if err := guardian.ActivateTier(tierFile.Tier, keys); err != nil {
			return fmt.Errorf("could not activate tier %v: %v", tierFile.Tier, err)
		}
	}
	return nil
}

// runGuardian runs a single guardian ordering its own items. Its tiers
// only sign on their own when the key file was dealt for one guardian.
func runGuardian(ctx context.Context) error {
	localLog := consensus.NewLocalLog()
	cfg, err := guardianConfig(localLog)
	if err != nil {
		return err
	}

	guardian, err := mint.LoadMint(cfg)
	if err != nil {
		return fmt.Errorf("error loading guardian: %v", err)
	}

	if keysFile := os.Getenv("GUARDIAN_KEYS_FILE"); len(keysFile) > 0 {
		if err := activateFromKeyFile(guardian, keysFile); err != nil {
			guardian.Shutdown()
			return err
		}
	}

	return serve(ctx, localLog, []*mint.Mint{guardian}, cfg.Port)
}

// runDevnet runs n guardians in one process sharing a log, with a
// freshly dealt tier for every power of 2 up to 2^15.
func runDevnet(ctx context.Context, n int) error {
	localLog := consensus.NewLocalLog()
	baseConfig, err := guardianConfig(localLog)
	if err != nil {
		return err
	}
	basePath := baseConfig.MintPath
	if len(basePath) == 0 {
		homedir, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		basePath = filepath.Join(homedir, ".fedmint", "devnet")
	}

	tiers := make([]ecash.TierId, 16)
	for i := range tiers {
		tiers[i] = ecash.TierId{Amount: 1 << i}
	}
	keyFiles, err := config.DealKeyFiles(tiers, n, random.New())
	if err != nil {
		return err
	}

	guardians := make([]*mint.Mint, 0, n)
	defer func() {
		for _, guardian := range guardians {
			guardian.Shutdown()
		}
	}()
	for i := 0; i < n; i++ {
		cfg := baseConfig
		cfg.PeerId = ecash.PeerId(i)
		cfg.MintPath = filepath.Join(basePath, fmt.Sprintf("guardian-%d", i))

		guardian, err := mint.LoadMint(cfg)
		if err != nil {
			return fmt.Errorf("error loading guardian %v: %v", i, err)
		}
		guardians = append(guardians, guardian)

		// a restarted devnet keeps the tiers it already has
		if len(guardian.Tiers()) > 0 {
			continue
		}
		for _, tierFile := range keyFiles[i].Tiers {
			keys, err := tierFile.TierKeys()
			if err != nil {
				return err
			}
			if err := guardian.ActivateTier(tierFile.Tier, keys); err != nil {
				return fmt.Errorf("could not activate tier %v on guardian %v: %v", tierFile.Tier, i, err)
			}
		}
	}

	return serve(ctx, localLog, guardians, baseConfig.Port)
}

// serve starts an HTTP server per guardian, on consecutive ports, and
// applies every round of the log to all of them until ctx is done.
func serve(ctx context.Context, localLog *consensus.LocalLog, guardians []*mint.Mint, port string) error {
	basePort := 3338
	if len(port) > 0 {
		var err error
		basePort, err = strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid GUARDIAN_PORT: %v", err)
		}
	}

	// rounds persisted before a restart are not in the new log
	next, err := guardians[0].NextRound()
	if err != nil {
		return err
	}

	servers := make([]*mint.MintServer, len(guardians))
	errChan := make(chan error, len(guardians)+1)
	for i, guardian := range guardians {
		servers[i] = mint.SetupMintServer(guardian, strconv.Itoa(basePort+i))
		go func(server *mint.MintServer) {
			errChan <- server.Start()
		}(servers[i])
	}

	go func() {
		errChan <- localLog.Drive(ctx, roundInterval(), func(ctx context.Context, round consensus.Round) error {
			round.Number += next
			for _, guardian := range guardians {
				if _, err := guardian.ProcessRound(ctx, round); err != nil {
					return fmt.Errorf("guardian %v: %w", guardian.Peer(), err)
				}
			}
			return nil
		})
	}()

	select {
	case <-ctx.Done():
	case err = <-errChan:
	}

	for _, server := range servers {
		server.Shutdown()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
