package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/freshwallet/service/db"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

func listScansCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-scans",
		Usage:   "List recorded scans, newest first",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of scans to show",
				Value:   50,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of scans to skip",
			},
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status (completed, canceled, failed)",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			scans, err := store.ListScans(context.Background(), db.ListScansParams{
				Limit:  int32(c.Int("limit")),
				Offset: int32(c.Int("offset")),
			})
			if err != nil {
				return fmt.Errorf("failed to list scans: %w", err)
			}

			// Filter by status if specified
			if status := c.String("status"); status != "" {
				filtered := make([]*db.Scan, 0)
				for _, s := range scans {
					if s.Status == status {
						filtered = append(filtered, s)
					}
				}
				scans = filtered
			}

			if c.Bool("json") {
				return outputJSON(scans)
			}

			// Pretty table output
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tMODE\tWINDOW\tDETECTIONS\tSKIPPED\tAPI CALLS\tSTARTED\tFINISHED")
			for _, s := range scans {
				finished := "never"
				if s.FinishedAt != nil {
					finished = s.FinishedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%dh\t%d\t%d\t%d\t%s\t%s\n",
					s.ID,
					s.Status,
					s.Mode,
					s.WindowHours,
					s.ResultCount,
					s.SkippedCount,
					s.APICalls,
					s.StartedAt.Format(time.RFC3339),
					finished,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d scans\n", len(scans))
			return nil
		},
	}
}

func getScanCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-scan",
		Usage:     "Get a recorded scan with its detections",
		Aliases:   []string{"get"},
		ArgsUsage: "<scan-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq expression applied to the scan detections (implies JSON output)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: scan ID")
			}
			id, err := uuid.Parse(c.Args().First())
			if err != nil {
				return fmt.Errorf("invalid scan ID: %w", err)
			}
			jqCode, err := compileJQ(c.String("jq"))
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			scan, err := store.GetScan(context.Background(), id)
			if err != nil {
				return fmt.Errorf("failed to get scan: %w", err)
			}
			detections, err := scan.DecodeDetections()
			if err != nil {
				return err
			}
			skipped, err := scan.DecodeSkipped()
			if err != nil {
				return err
			}

			if jqCode != nil {
				return outputJQ(jqCode, detections)
			}
			if c.Bool("json") {
				return outputJSON(map[string]interface{}{
					"scan":       scan,
					"detections": detections,
					"skipped":    skipped,
				})
			}

			// Pretty output
			fmt.Printf("ID:          %s\n", scan.ID)
			if scan.WorkflowID != "" {
				fmt.Printf("Workflow:    %s\n", scan.WorkflowID)
			}
			fmt.Printf("Status:      %s\n", scan.Status)
			fmt.Printf("Mode:        %s\n", scan.Mode)
			fmt.Printf("Window:      %dh\n", scan.WindowHours)
			fmt.Printf("API calls:   %d\n", scan.APICalls)
			fmt.Printf("Cache hits:  %d\n", scan.CacheHits)
			fmt.Printf("Started:     %s\n", scan.StartedAt.Format(time.RFC3339))
			if scan.FinishedAt != nil {
				fmt.Printf("Finished:    %s\n", scan.FinishedAt.Format(time.RFC3339))
			}
			fmt.Println()
			printDetections(detections)
			for _, sk := range skipped {
				fmt.Fprintf(os.Stderr, "skipped %s (%s): %s\n", sk.Account, sk.Stage, sk.Error)
			}
			return nil
		},
	}
}

func pruneScansCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune-scans",
		Usage: "Delete scans started before a cutoff",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:     "older-than",
				Usage:    "Delete scans older than this (e.g. 720h)",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			age := c.Duration("older-than")
			if age <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			cutoff := time.Now().Add(-age)
			n, err := store.DeleteScansOlderThan(context.Background(), cutoff)
			if err != nil {
				return fmt.Errorf("failed to prune scans: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]interface{}{"deleted": n, "cutoff": cutoff})
			}
			fmt.Printf("✓ Deleted %d scans started before %s\n", n, cutoff.Format(time.RFC3339))
			return nil
		},
	}
}
