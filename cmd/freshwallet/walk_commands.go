package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/brojonat/freshwallet/service/detector"
	"github.com/brojonat/freshwallet/service/scanner"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

func walkCommand() *cli.Command {
	return &cli.Command{
		Name:      "walk",
		Usage:     "Judge whether one account is fresh",
		ArgsUsage: "<address>",
		Description: `Runs the chain walker on a single account, as a scan would for a matched
destination. Source accounts given with --account or --source are treated
as known sources: relays back into them end the walk.

Examples:
  freshwallet walk 4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU
  freshwallet walk --mode relay -s binance 4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "mode",
				Aliases: []string{"m"},
				Usage:   "Detection mode (strict, relay)",
				Value:   "strict",
			},
			&cli.StringSliceFlag{
				Name:    "account",
				Aliases: []string{"a"},
				Usage:   "Known source account as name:address (repeatable)",
			},
			&cli.StringSliceFlag{
				Name:    "source",
				Aliases: []string{"s"},
				Usage:   "Configured source group name (repeatable)",
			},
			&cli.StringFlag{
				Name:    "rpc-url",
				Usage:   "Solana RPC URL (overrides SOLANA_RPC_URL)",
				EnvVars: []string{"SOLANA_RPC_URL"},
			},
			&cli.IntFlag{
				Name:  "max-hops",
				Usage: "Relay hops to follow in relay mode (overrides MAX_HOPS)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: account address")
			}
			address := c.Args().First()
			if _, err := solanago.PublicKeyFromBase58(address); err != nil {
				return fmt.Errorf("invalid address %q: %w", address, err)
			}

			mode, err := detector.ParseMode(c.String("mode"))
			if err != nil {
				return err
			}
			sources, err := sourcesFromFlags(c)
			if err != nil {
				return err
			}

			engine, err := newLocalEngine(c)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			set := scanner.Request{Sources: sources}.SourceSet()
			res, err := engine.walker.Walk(ctx, address, mode, set, detector.Origin{})
			if err != nil {
				return fmt.Errorf("walk failed: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(res)
			}

			verdict := "NOT FRESH"
			if res.IsFresh {
				verdict = "FRESH"
			}
			fmt.Printf("Account:  %s\n", res.Account)
			fmt.Printf("Verdict:  %s\n", verdict)
			fmt.Printf("Mode:     %s\n", res.Mode)
			fmt.Printf("State:    %s\n", res.State)
			fmt.Printf("Final:    %s\n", res.FinalAccount)
			if res.Hops > 0 {
				fmt.Printf("Hops:     %d\n", res.Hops)
				for i, a := range res.Path {
					fmt.Printf("  %d. %s\n", i, a)
				}
			}
			fmt.Printf("Reason:   %s\n", res.Reason)
			return nil
		},
	}
}
