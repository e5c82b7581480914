package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "freshwallet",
		Usage: "Fresh-account detection service CLI",
		Description: `A command-line tool for running and inspecting fresh-account scans.

Scans can run locally against a Solana RPC endpoint (scan run, walk) or on the
service through its HTTP API (scan start/status/list/get/watch). The db and
schedule commands talk to Postgres and Temporal directly.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			scanCommands(),
			walkCommand(),
			// Database inspection commands
			{
				Name:  "db",
				Usage: "Scan history inspection commands",
				Subcommands: []*cli.Command{
					listScansCommand(),
					getScanCommand(),
					pruneScansCommand(),
				},
			},
			// Temporal schedule management commands
			{
				Name:  "schedule",
				Usage: "Recurring scan schedule commands",
				Subcommands: []*cli.Command{
					createScheduleCommand(),
					deleteScheduleCommand(),
					listSchedulesCommand(),
				},
			},
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: globalFlags(),
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Database connection URL",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "temporal-host",
			Usage:   "Temporal server address",
			EnvVars: []string{"TEMPORAL_HOST"},
			Value:   "localhost:7233",
		},
		&cli.StringFlag{
			Name:    "temporal-namespace",
			Usage:   "Temporal namespace",
			EnvVars: []string{"TEMPORAL_NAMESPACE"},
			Value:   "default",
		},
		&cli.StringFlag{
			Name:    "temporal-task-queue",
			Usage:   "Temporal task queue scans run on",
			EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
			Value:   "freshwallet-scans",
		},
		&cli.StringFlag{
			Name:    "server-url",
			Usage:   "Server URL for API commands",
			EnvVars: []string{"SERVER_URL"},
			Value:   "http://localhost:8080",
		},
		&cli.StringFlag{
			Name:    "sources-file",
			Usage:   "JSON file mapping source names to accounts",
			EnvVars: []string{"SOURCES_FILE"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level for local scans (debug, info, warn, error)",
			EnvVars: []string{"LOG_LEVEL"},
			Value:   "warn",
		},
		&cli.BoolFlag{
			Name:    "json",
			Aliases: []string{"j"},
			Usage:   "Output in JSON format",
		},
	}
}
