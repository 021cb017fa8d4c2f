package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/elnosh/fedmint/ecash"
	"github.com/elnosh/fedmint/ecash/api"
	"github.com/elnosh/fedmint/mint/config"
	"github.com/elnosh/fedmint/wallet"
	"github.com/urfave/cli/v2"
	"go.dedis.ch/kyber/v3/util/random"
)

const (
	GUARDIAN_FLAG  = "guardian"
	GUARDIANS_FLAG = "guardians"
	AMOUNTS_FLAG   = "amounts"
	EPOCH_FLAG     = "epoch"
	OUT_FLAG       = "out"
)

func main() {
	guardianFlag := &cli.StringFlag{
		Name:    GUARDIAN_FLAG,
		Usage:   "URL of the guardian to query",
		Value:   "http://127.0.0.1:3338",
		EnvVars: []string{"GUARDIAN_URL"},
	}

	app := &cli.App{
		Name:  "guardian-cli",
		Usage: "cli to set up and inspect fedmint guardians",
		Commands: []*cli.Command{
			{
				Name:  "dealer",
				Usage: "Deal tier keys for a test federation, one key file per guardian",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  GUARDIANS_FLAG,
						Usage: "Number of guardians in the federation",
						Value: 4,
					},
					&cli.StringFlag{
						Name:  AMOUNTS_FLAG,
						Usage: "Comma separated tier amounts. Defaults to powers of 2 up to 2^15",
					},
					&cli.UintFlag{
						Name:  EPOCH_FLAG,
						Usage: "Key epoch of the dealt tiers",
					},
					&cli.StringFlag{
						Name:  OUT_FLAG,
						Usage: "Directory to write the key files to",
						Value: ".",
					},
				},
				Action: dealKeys,
			},
			{
				Name:   "tiers",
				Usage:  "List tiers of a guardian",
				Flags:  []cli.Flag{guardianFlag},
				Action: listTiers,
			},
			{
				Name:      "outcome",
				Usage:     "Get the outcome of a mint output",
				ArgsUsage: "[OUTPUT ID]",
				Flags:     []cli.Flag{guardianFlag},
				Action:    mintOutcome,
			},
			{
				Name:      "state",
				Usage:     "Check whether notes are spent",
				ArgsUsage: "[NONCE or TOKEN...]",
				Flags:     []cli.Flag{guardianFlag},
				Action:    nonceStates,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func parseAmounts(amounts string) ([]uint64, error) {
	if len(amounts) == 0 {
		parsed := make([]uint64, 16)
		for i := range parsed {
			parsed[i] = 1 << i
		}
		return parsed, nil
	}

	var parsed []uint64
	for _, s := range strings.Split(amounts, ",") {
		amount, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
		if err != nil || amount == 0 {
			return nil, fmt.Errorf("invalid tier amount '%v'", s)
		}
		parsed = append(parsed, amount)
	}
	return parsed, nil
}

func dealKeys(ctx *cli.Context) error {
	n := ctx.Int(GUARDIANS_FLAG)
	if n < 1 || n > 0xffff {
		return errors.New("number of guardians has to be between 1 and 65535")
	}

	amounts, err := parseAmounts(ctx.String(AMOUNTS_FLAG))
	if err != nil {
		return err
	}
	epoch := uint32(ctx.Uint(EPOCH_FLAG))
	tiers := make([]ecash.TierId, len(amounts))
	for i, amount := range amounts {
		tiers[i] = ecash.TierId{Amount: amount, Epoch: epoch}
	}

	keyFiles, err := config.DealKeyFiles(tiers, n, random.New())
	if err != nil {
		return err
	}

	outDir := ctx.String(OUT_FLAG)
	if err := os.MkdirAll(outDir, 0700); err != nil {
		return err
	}
	for _, keyFile := range keyFiles {
		filename := filepath.Join(outDir, fmt.Sprintf("guardian-%d.json", keyFile.Peer))
		if err := config.WriteKeyFile(filename, keyFile); err != nil {
			return fmt.Errorf("could not write key file: %v", err)
		}
		fmt.Println(filename)
	}
	fmt.Printf("\ndealt %v tiers to %v guardians, threshold %v\n",
		len(tiers), n, keyFiles[0].Tiers[0].Threshold)
	return nil
}

func listTiers(ctx *cli.Context) error {
	tiersResponse, err := wallet.GetTiers(ctx.String(GUARDIAN_FLAG))
	if err != nil {
		return err
	}

	fmt.Printf("guardian %v\n\n", tiersResponse.Peer)
	for _, tier := range tiersResponse.Tiers {
		signing := ""
		if tier.Signing {
			signing = " (signing)"
		}
		fmt.Printf("%v\tkeys: %v\tthreshold: %v/%v%v\n",
			tier.Tier, tier.KeysId, tier.Threshold, len(tier.PublicShares), signing)
	}
	return nil
}

func mintOutcome(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		return errors.New("specify an output id")
	}
	id, err := ecash.OutputIdFromHex(args.First())
	if err != nil {
		return fmt.Errorf("invalid output id: %v", err)
	}

	outcome, err := wallet.GetMintOutcome(ctx.String(GUARDIAN_FLAG), id)
	if err != nil {
		return err
	}
	return printJson(outcome)
}

func nonceStates(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		return errors.New("specify at least one nonce")
	}

	var request api.PostCheckStateRequest
	for _, s := range args.Slice() {
		// a token checks every note it carries
		if token, err := ecash.DecodeToken(s); err == nil {
			for _, note := range token.Notes {
				request.Nonces = append(request.Nonces, note.Nonce)
			}
			continue
		}

		nonce, err := ecash.NonceFromHex(s)
		if err != nil {
			return fmt.Errorf("invalid nonce '%v': %v", s, err)
		}
		request.Nonces = append(request.Nonces, nonce)
	}

	stateResponse, err := wallet.PostCheckState(ctx.String(GUARDIAN_FLAG), request)
	if err != nil {
		return err
	}
	for _, state := range stateResponse.States {
		fmt.Printf("%v: %v\n", state.Nonce, state.State)
	}
	return nil
}

func printJson(v any) error {
	jsonOutput, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(jsonOutput))
	return nil
}
