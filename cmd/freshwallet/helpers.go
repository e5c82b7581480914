package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/brojonat/freshwallet/client"
	"github.com/brojonat/freshwallet/service/config"
	"github.com/brojonat/freshwallet/service/db"
	"github.com/brojonat/freshwallet/service/detector"
	"github.com/brojonat/freshwallet/service/solana"
	"github.com/brojonat/freshwallet/service/temporal"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/itchyny/gojq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

// Helper function to output JSON
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newAPIClient(c *cli.Context) (*client.Client, error) {
	serverURL := c.String("server-url")
	if serverURL == "" {
		return nil, fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
	}
	return client.NewClient(serverURL, nil, setupLogger(c.String("log-level"))), nil
}

func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool, nil)
	if err := store.EnsureSchema(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	closer := func() { pool.Close() }

	return store, closer, nil
}

func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	tc, err := temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		setupLogger(c.String("log-level")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal: %w", err)
	}
	return tc, nil
}

// localEngine is a ledger client and walker built from the environment, for
// commands that scan without the service.
type localEngine struct {
	cfg    *config.Config
	ledger *solana.Client
	walker *detector.Walker
	logger *slog.Logger
}

func newLocalEngine(c *cli.Context) (*localEngine, error) {
	if url := c.String("rpc-url"); url != "" {
		os.Setenv("SOLANA_RPC_URL", url)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if c.IsSet("max-hops") {
		cfg.MaxHops = c.Int("max-hops")
	}

	logger := setupLogger(c.String("log-level"))
	rpcURL, err := solana.SelectRandomEndpoint(cfg.SolanaRPCURLs)
	if err != nil {
		return nil, err
	}

	ledger := solana.NewClient(solana.NewRPCClient(rpcURL), cfg.SolanaOptions(rpcURL), nil, logger)
	return &localEngine{
		cfg:    cfg,
		ledger: ledger,
		walker: detector.NewWalker(ledger, cfg.DetectorParams(), nil, logger),
		logger: logger,
	}, nil
}

// parseAccountFlags turns repeated name:address values into a source map.
func parseAccountFlags(values []string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, v := range values {
		name, addr, ok := strings.Cut(v, ":")
		name, addr = strings.TrimSpace(name), strings.TrimSpace(addr)
		if !ok || name == "" || addr == "" {
			return nil, fmt.Errorf("invalid account %q: expected name:address", v)
		}
		if _, err := solanago.PublicKeyFromBase58(addr); err != nil {
			return nil, fmt.Errorf("invalid account %q: %w", v, err)
		}
		out[name] = append(out[name], addr)
	}
	return out, nil
}

// compileJQ parses and compiles a jq expression. An empty expression yields nil.
func compileJQ(expr string) (*gojq.Code, error) {
	if expr == "" {
		return nil, nil
	}
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
	}
	return code, nil
}

// runJQ evaluates code against the JSON form of v and returns every output.
func runJQ(code *gojq.Code, v interface{}) ([]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode input: %w", err)
	}
	var input interface{}
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("failed to decode input: %w", err)
	}

	var out []interface{}
	iter := code.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq filter failed: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// outputJQ prints every jq output as JSON, or v itself when code is nil.
func outputJQ(code *gojq.Code, v interface{}) error {
	if code == nil {
		return outputJSON(v)
	}
	results, err := runJQ(code, v)
	if err != nil {
		return err
	}
	for _, r := range results {
		if err := outputJSON(r); err != nil {
			return err
		}
	}
	return nil
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func shortAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:4] + ".." + addr[len(addr)-4:]
}
