package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/freshwallet/service/temporal"
	"github.com/urfave/cli/v2"
)

func createScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "create",
		Usage:     "Create a Temporal schedule that repeats a scan",
		ArgsUsage: "<name> <interval>",
		Description: `Every run of the schedule starts a scan workflow with its own scan ID.

Example:
  freshwallet schedule create binance-hourly 1h -s binance --min-sol 1 --max-sol 5 --window-hours 1`,
		Flags: scanRequestFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: name interval")
			}

			name := c.Args().Get(0)
			interval, err := time.ParseDuration(c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("invalid interval: %w", err)
			}
			if interval < time.Minute {
				return fmt.Errorf("interval must be at least 1m, got %v", interval)
			}

			req, err := localScanRequest(c)
			if err != nil {
				return err
			}

			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			input := temporal.ScanWorkflowInput{Request: req}
			if err := temporalClient.CreateScanSchedule(context.Background(), name, input, interval); err != nil {
				return fmt.Errorf("failed to create schedule: %w", err)
			}

			fmt.Printf("✓ Schedule created: %s\n", name)
			fmt.Printf("  Interval:   %v\n", interval)
			fmt.Printf("  Filter:     %s\n", formatFilter(req.Filter))
			fmt.Printf("  Mode:       %s\n", req.Mode)
			fmt.Printf("  Task Queue: %s\n", temporalClient.TaskQueue())
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a scan schedule",
		ArgsUsage: "<name>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Skip confirmation prompt",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: schedule name")
			}

			name := c.Args().First()

			// Confirm deletion unless --force
			if !c.Bool("force") {
				fmt.Printf("Are you sure you want to delete schedule %s? (yes/no): ", name)
				var response string
				fmt.Scanln(&response)
				if response != "yes" {
					fmt.Println("Cancelled")
					return nil
				}
			}

			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			if err := temporalClient.DeleteScanSchedule(context.Background(), name); err != nil {
				return err
			}

			fmt.Printf("✓ Schedule deleted: %s\n", name)
			return nil
		},
	}
}

func listSchedulesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List scan schedules",
		Aliases: []string{"ls"},
		Action: func(c *cli.Context) error {
			temporalClient, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer temporalClient.Close()

			names, err := temporalClient.ListScanSchedules(context.Background())
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(names)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME")
			for _, n := range names {
				fmt.Fprintf(w, "%s\n", n)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d schedules\n", len(names))
			return nil
		},
	}
}
