package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/brojonat/freshwallet/client"
	"github.com/brojonat/freshwallet/service/db"
	"github.com/brojonat/freshwallet/service/detector"
	natspkg "github.com/brojonat/freshwallet/service/nats"
	"github.com/brojonat/freshwallet/service/scanner"
	"github.com/brojonat/freshwallet/service/solana"
	"github.com/google/uuid"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

func scanCommands() *cli.Command {
	return &cli.Command{
		Name:  "scan",
		Usage: "Run and inspect fresh-account scans",
		Subcommands: []*cli.Command{
			scanRunCommand(),
			scanStartCommand(),
			scanStatusCommand(),
			scanListCommand(),
			scanGetCommand(),
			scanWatchCommand(),
		},
	}
}

// scanRequestFlags are the flags describing a scan, shared by local and
// remote scans.
func scanRequestFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "account",
			Aliases: []string{"a"},
			Usage:   "Source account as name:address (repeatable)",
		},
		&cli.StringSliceFlag{
			Name:    "source",
			Aliases: []string{"s"},
			Usage:   "Configured source group name (repeatable)",
		},
		&cli.StringFlag{
			Name:  "min-sol",
			Usage: "Minimum transfer amount in SOL (range filter)",
		},
		&cli.StringFlag{
			Name:  "max-sol",
			Usage: "Maximum transfer amount in SOL (range filter)",
		},
		&cli.StringFlag{
			Name:  "target-sol",
			Usage: "Target transfer amount in SOL (target filter)",
		},
		&cli.Float64Flag{
			Name:  "tolerance-pct",
			Usage: "Allowed deviation from --target-sol in percent",
			Value: 1,
		},
		&cli.IntFlag{
			Name:    "window-hours",
			Aliases: []string{"w"},
			Usage:   "Only consider transfers from the last N hours",
			Value:   24,
		},
		&cli.StringFlag{
			Name:    "mode",
			Aliases: []string{"m"},
			Usage:   "Detection mode (strict, relay)",
			Value:   "strict",
		},
		&cli.IntFlag{
			Name:  "max-transfers",
			Usage: "Cap on transfers fetched per source account (0 = no cap)",
		},
	}
}

// remoteScanRequest builds an API scan request from flags. Validation is left
// to the server.
func remoteScanRequest(c *cli.Context) (client.ScanRequest, error) {
	accounts, err := parseAccountFlags(c.StringSlice("account"))
	if err != nil {
		return client.ScanRequest{}, err
	}
	req := client.ScanRequest{
		SourceNames:           c.StringSlice("source"),
		MinSOL:                c.String("min-sol"),
		MaxSOL:                c.String("max-sol"),
		TargetSOL:             c.String("target-sol"),
		WindowHours:           c.Int("window-hours"),
		Mode:                  c.String("mode"),
		MaxTransfersPerSource: c.Int("max-transfers"),
	}
	if len(accounts) > 0 {
		req.Sources = accounts
	}
	if req.TargetSOL != "" {
		req.TolerancePct = c.Float64("tolerance-pct")
	}
	return req, nil
}

// sourcesFromFlags resolves --source names against the sources file and
// appends inline --account groups after them.
func sourcesFromFlags(c *cli.Context) ([]scanner.Source, error) {
	var sources []scanner.Source
	if names := c.StringSlice("source"); len(names) > 0 {
		path := c.String("sources-file")
		if path == "" {
			return nil, fmt.Errorf("--source requires a sources file (set SOURCES_FILE env var or use --sources-file)")
		}
		configured, err := scanner.LoadSources(path)
		if err != nil {
			return nil, err
		}
		named, err := scanner.SelectSources(configured, names)
		if err != nil {
			return nil, err
		}
		sources = append(sources, named...)
	}

	accounts, err := parseAccountFlags(c.StringSlice("account"))
	if err != nil {
		return nil, err
	}
	return append(sources, scanner.SourcesFromMap(accounts)...), nil
}

// localScanRequest builds and validates a scan request from flags.
func localScanRequest(c *cli.Context) (scanner.Request, error) {
	sources, err := sourcesFromFlags(c)
	if err != nil {
		return scanner.Request{}, err
	}

	filter, err := scanner.ParseFilter(c.String("min-sol"), c.String("max-sol"), c.String("target-sol"), c.Float64("tolerance-pct"))
	if err != nil {
		return scanner.Request{}, err
	}
	mode, err := detector.ParseMode(c.String("mode"))
	if err != nil {
		return scanner.Request{}, err
	}

	req := scanner.Request{
		Sources:               sources,
		Filter:                filter,
		WindowHours:           c.Int("window-hours"),
		Mode:                  mode,
		MaxTransfersPerSource: c.Int("max-transfers"),
	}
	if err := req.Validate(); err != nil {
		return scanner.Request{}, err
	}
	return req, nil
}

func scanRunCommand() *cli.Command {
	flags := append(scanRequestFlags(),
		&cli.StringFlag{
			Name:    "rpc-url",
			Usage:   "Solana RPC URL (overrides SOLANA_RPC_URL)",
			EnvVars: []string{"SOLANA_RPC_URL"},
		},
		&cli.IntFlag{
			Name:  "max-hops",
			Usage: "Relay hops to follow in relay mode (overrides MAX_HOPS)",
		},
		&cli.BoolFlag{
			Name:  "persist",
			Usage: "Record the scan in the database",
		},
		&cli.StringFlag{
			Name:  "jq",
			Usage: "jq expression applied to the scan result (implies JSON output)",
		},
		&cli.StringSliceFlag{
			Name:  "where",
			Usage: "jq predicate a detection must satisfy to be shown (repeatable)",
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run a scan locally against the Solana RPC endpoint",
		Description: `Runs a scan in this process without the service. Progress is logged to
stderr; detections are printed when the scan finishes or is interrupted.

Examples:
  freshwallet scan run -a binance:5tzFkiKscXHK5ZXCGbXZxdw7gTjjD1mBwuoFbhUvuAi9 --min-sol 1 --max-sol 5
  freshwallet scan run -s binance --target-sol 2.5 --tolerance-pct 2 --mode relay
  freshwallet scan run -s binance --min-sol 1 --max-sol 5 --where '.hops > 0' --jq '[.detections[].final_account]'`,
		Flags: flags,
		Action: func(c *cli.Context) error {
			req, err := localScanRequest(c)
			if err != nil {
				return err
			}
			jqCode, err := compileJQ(c.String("jq"))
			if err != nil {
				return err
			}
			where, err := compileWhere(c.StringSlice("where"))
			if err != nil {
				return err
			}

			engine, err := newLocalEngine(c)
			if err != nil {
				return err
			}

			var store *db.Store
			if c.Bool("persist") {
				s, closer, err := getStore(c)
				if err != nil {
					return err
				}
				defer closer()
				store = s
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			scanID := uuid.New()
			progress := scanner.LogProgress{Logger: engine.logger, ScanID: scanID.String()}
			sc := scanner.New(engine.ledger, engine.walker, nil, engine.logger)

			result, err := sc.Run(ctx, req, progress)
			if err != nil {
				return fmt.Errorf("scan failed: %w", err)
			}

			if store != nil {
				record, err := db.NewScanRecord(scanID, "", req, result, time.Now())
				if err != nil {
					return err
				}
				if _, err := store.SaveScan(context.Background(), record); err != nil {
					return fmt.Errorf("failed to record scan: %w", err)
				}
				fmt.Fprintf(os.Stderr, "Recorded scan %s\n", scanID)
			}

			result.Detections, err = filterDetections(where, result.Detections)
			if err != nil {
				return err
			}

			if jqCode != nil || c.Bool("json") {
				return outputJQ(jqCode, result)
			}

			printDetections(result.Detections)
			printStats(result)
			return nil
		},
	}
}

func scanStartCommand() *cli.Command {
	flags := append(scanRequestFlags(),
		&cli.BoolFlag{
			Name:  "wait",
			Usage: "Wait for the scan workflow to finish",
		},
		&cli.DurationFlag{
			Name:  "poll-interval",
			Usage: "Status poll interval with --wait",
			Value: 2 * time.Second,
		},
	)

	return &cli.Command{
		Name:  "start",
		Usage: "Start a scan on the service",
		Flags: flags,
		Action: func(c *cli.Context) error {
			req, err := remoteScanRequest(c)
			if err != nil {
				return err
			}
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			started, err := cl.StartScan(c.Context, req)
			if err != nil {
				return fmt.Errorf("failed to start scan: %w", err)
			}

			if !c.Bool("wait") {
				if c.Bool("json") {
					return outputJSON(started)
				}
				fmt.Printf("✓ Scan started\n")
				fmt.Printf("  Scan ID:     %s\n", started.ScanID)
				fmt.Printf("  Workflow ID: %s\n", started.WorkflowID)
				fmt.Printf("  Stream:      %s\n", started.StreamURL)
				return nil
			}

			fmt.Fprintf(os.Stderr, "Waiting for scan %s...\n", started.ScanID)
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			status, err := cl.WaitForScan(ctx, started.WorkflowID, c.Duration("poll-interval"))
			if err != nil {
				return fmt.Errorf("failed waiting for scan: %w", err)
			}
			return printStatus(c, status)
		},
	}
}

func scanStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the workflow status of a scan",
		ArgsUsage: "<workflow-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: workflow ID")
			}
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}
			status, err := cl.GetScanStatus(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get scan status: %w", err)
			}
			return printStatus(c, status)
		},
	}
}

func scanListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List recorded scans through the API",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of scans",
				Value:   20,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of scans to skip",
			},
		},
		Action: func(c *cli.Context) error {
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}
			scans, err := cl.ListScans(c.Context, c.Int("limit"), c.Int("offset"))
			if err != nil {
				return fmt.Errorf("failed to list scans: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(scans)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tMODE\tWINDOW\tDETECTIONS\tSKIPPED\tAPI CALLS\tSTARTED")
			for _, s := range scans {
				fmt.Fprintf(w, "%s\t%s\t%s\t%dh\t%d\t%d\t%d\t%s\n",
					s.ID,
					s.Status,
					s.Mode,
					s.WindowHours,
					s.ResultCount,
					s.SkippedCount,
					s.APICalls,
					s.StartedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d scans\n", len(scans))
			return nil
		},
	}
}

func scanGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show a recorded scan with its detections through the API",
		ArgsUsage: "<scan-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq expression applied to the scan (implies JSON output)",
			},
			&cli.StringSliceFlag{
				Name:  "where",
				Usage: "jq predicate a detection must satisfy to be shown (repeatable)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: scan ID")
			}
			jqCode, err := compileJQ(c.String("jq"))
			if err != nil {
				return err
			}
			where, err := compileWhere(c.StringSlice("where"))
			if err != nil {
				return err
			}

			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}
			scan, err := cl.GetScan(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get scan: %w", err)
			}

			scan.Detections, err = filterDetections(where, scan.Detections)
			if err != nil {
				return err
			}

			if jqCode != nil || c.Bool("json") {
				return outputJQ(jqCode, scan)
			}

			fmt.Printf("ID:          %s\n", scan.ID)
			if scan.WorkflowID != "" {
				fmt.Printf("Workflow:    %s\n", scan.WorkflowID)
			}
			fmt.Printf("Status:      %s\n", scan.Status)
			fmt.Printf("Mode:        %s\n", scan.Mode)
			fmt.Printf("Window:      %dh\n", scan.WindowHours)
			if scan.Filter != nil {
				fmt.Printf("Filter:      %s\n", formatFilter(*scan.Filter))
			}
			for _, src := range scan.Sources {
				fmt.Printf("Source:      %s (%d accounts)\n", src.Name, len(src.Accounts))
			}
			fmt.Printf("API calls:   %d\n", scan.APICalls)
			fmt.Printf("Started:     %s\n", scan.StartedAt.Format(time.RFC3339))
			if scan.FinishedAt != nil {
				fmt.Printf("Finished:    %s\n", scan.FinishedAt.Format(time.RFC3339))
			}
			fmt.Println()
			printDetections(scan.Detections)
			for _, sk := range scan.Skipped {
				fmt.Fprintf(os.Stderr, "skipped %s (%s): %s\n", sk.Account, sk.Stage, sk.Error)
			}
			return nil
		},
	}
}

func scanWatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Follow the live progress and detections of a scan",
		ArgsUsage: "<scan-id>",
		Description: `Streams server-sent events for a scan until interrupted (Ctrl+C).
Events already published for the scan are replayed first.`,
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: scan ID")
			}
			scanID := c.Args().First()
			cl, err := newAPIClient(c)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(os.Stderr, "Watching scan %s (Ctrl+C to stop)\n", scanID)
			jsonOutput := c.Bool("json")
			return cl.StreamScan(ctx, scanID, func(ev client.Event) error {
				return printEvent(ev, jsonOutput)
			})
		},
	}
}

// printEvent renders one stream event.
func printEvent(ev client.Event, jsonOutput bool) error {
	if jsonOutput {
		return outputJSON(map[string]interface{}{"event": ev.Type, "data": ev.Data})
	}

	switch ev.Type {
	case "connected":
		fmt.Fprintf(os.Stderr, "Connected\n")
	case "detection":
		var de natspkg.DetectionEvent
		if err := json.Unmarshal(ev.Data, &de); err != nil {
			return fmt.Errorf("failed to parse detection: %w", err)
		}
		if de.Detection != nil {
			printDetection(de.Detection)
		}
	default:
		var pe natspkg.ProgressEvent
		if err := json.Unmarshal(ev.Data, &pe); err != nil {
			return fmt.Errorf("failed to parse %s event: %w", ev.Type, err)
		}
		switch pe.Type {
		case natspkg.EventPhase:
			fmt.Printf("[%s] phase: %s\n", pe.PublishedAt.Format(time.Kitchen), pe.Phase)
		case natspkg.EventCounters:
			if pe.Counters != nil {
				fmt.Printf("[%s] sources %d/%d, destinations %d, analyzed %d, fresh %d, api calls %d\n",
					pe.PublishedAt.Format(time.Kitchen),
					pe.Counters.SourcesScanned, pe.Counters.SourcesTotal,
					pe.Counters.Destinations, pe.Counters.AccountsScanned,
					pe.Counters.Detections, pe.Counters.APICalls,
				)
			}
		default:
			fmt.Printf("[%s] %s\n", pe.PublishedAt.Format(time.Kitchen), pe.Message)
		}
	}
	return nil
}

func printStatus(c *cli.Context, status *client.ScanStatus) error {
	if c.Bool("json") {
		return outputJSON(status)
	}

	fmt.Printf("Workflow:  %s\n", status.WorkflowID)
	fmt.Printf("Status:    %s\n", status.Status)
	if status.StartTime != nil {
		fmt.Printf("Started:   %s\n", status.StartTime.Format(time.RFC3339))
	}
	if status.CloseTime != nil {
		fmt.Printf("Closed:    %s\n", status.CloseTime.Format(time.RFC3339))
	}
	if status.Error != "" {
		fmt.Printf("Error:     %s\n", status.Error)
	}
	if status.Result != nil && status.Result.Result != nil {
		fmt.Println()
		printDetections(status.Result.Result.Detections)
		printStats(status.Result.Result)
	}
	return nil
}

// compileWhere compiles detection predicates.
func compileWhere(exprs []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, 0, len(exprs))
	for _, expr := range exprs {
		code, err := compileJQ(expr)
		if err != nil {
			return nil, err
		}
		if code != nil {
			codes = append(codes, code)
		}
	}
	return codes, nil
}

// filterDetections keeps the detections for which every predicate's first
// output is truthy.
func filterDetections(where []*gojq.Code, ds []*detector.Result) ([]*detector.Result, error) {
	if len(where) == 0 {
		return ds, nil
	}
	kept := make([]*detector.Result, 0, len(ds))
	for _, d := range ds {
		match := true
		for _, code := range where {
			out, err := runJQ(code, d)
			if err != nil {
				return nil, err
			}
			if len(out) == 0 || !isTruthy(out[0]) {
				match = false
				break
			}
		}
		if match {
			kept = append(kept, d)
		}
	}
	return kept, nil
}

func printDetections(ds []*detector.Result) {
	if len(ds) == 0 {
		fmt.Println("No fresh accounts found")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tSOURCE\tAMOUNT (SOL)\tHOPS\tFINAL ACCOUNT\tFUNDED\tREASON")
	for _, d := range ds {
		funded := "unknown"
		if d.Timestamp != nil {
			funded = d.Timestamp.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			d.Account,
			d.Source,
			solana.FormatSOL(d.Amount),
			d.Hops,
			d.FinalAccount,
			funded,
			d.Reason,
		)
	}
	w.Flush()
}

func printDetection(d *detector.Result) {
	fmt.Printf("✓ Fresh account %s\n", d.FinalAccount)
	fmt.Printf("  Source:   %s (%s)\n", d.Source, shortAddress(d.SourceAccount))
	fmt.Printf("  Amount:   %s SOL\n", solana.FormatSOL(d.Amount))
	if d.Hops > 0 {
		fmt.Printf("  Path:     %v (%d hops)\n", d.Path, d.Hops)
	}
	fmt.Printf("  Reason:   %s\n", d.Reason)
	fmt.Printf("  Signature: %s\n", d.Signature)
}

func printStats(res *scanner.Result) {
	st := res.Stats
	fmt.Fprintf(os.Stderr, "\nFresh: %d  Analyzed: %d  Cache hits: %d  Skipped: %d  API calls: %d  Duration: %s\n",
		st.Detections,
		st.AccountsScanned,
		st.CacheHits,
		st.Skipped,
		st.APICalls,
		time.Duration(st.DurationMS)*time.Millisecond,
	)
	if res.Canceled {
		fmt.Fprintf(os.Stderr, "Scan was canceled; results are partial\n")
	}
}

func formatFilter(f scanner.Filter) string {
	switch f.Kind {
	case scanner.FilterRange:
		return fmt.Sprintf("%s to %s SOL", solana.FormatSOL(f.Min), solana.FormatSOL(f.Max))
	case scanner.FilterTarget:
		return fmt.Sprintf("%s SOL ±%g%%", solana.FormatSOL(f.Target), f.TolerancePct)
	default:
		return f.String()
	}
}
