// Package scanner runs a detection scan: it collects outgoing transfers from
// source accounts, keeps those matching an amount filter, and walks every
// distinct destination once.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/brojonat/freshwallet/service/detector"
	"github.com/brojonat/freshwallet/service/metrics"
	"github.com/brojonat/freshwallet/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

var (
	// ErrNoSources is returned when a request names no source accounts.
	ErrNoSources = errors.New("no source accounts")
	// ErrInvalidSource is returned for a malformed source address.
	ErrInvalidSource = errors.New("invalid source account")
	// ErrInvalidWindow is returned for a non-positive time window.
	ErrInvalidWindow = errors.New("invalid time window")
)

// TransferSource lists outgoing native transfers of an account.
type TransferSource interface {
	ListOutgoingTransfers(ctx context.Context, account string, maxAge time.Duration, limit int) ([]solana.Transfer, error)
}

// Walker judges one destination.
type Walker interface {
	Walk(ctx context.Context, start string, mode detector.Mode, sources detector.SourceSet, origin detector.Origin) (*detector.Result, error)
}

// Source is a named group of funding accounts, e.g. one exchange's hot wallets.
type Source struct {
	Name     string   `json:"name"`
	Accounts []string `json:"accounts"`
}

// Request describes one scan.
type Request struct {
	Sources               []Source      `json:"sources"`
	Filter                Filter        `json:"filter"`
	WindowHours           int           `json:"window_hours"`
	Mode                  detector.Mode `json:"mode"`
	MaxTransfersPerSource int           `json:"max_transfers_per_source,omitempty"` // 0 means no limit
}

// Validate checks the request before any ledger call is made.
func (r Request) Validate() error {
	accounts := 0
	for _, src := range r.Sources {
		for _, a := range src.Accounts {
			if _, err := solanago.PublicKeyFromBase58(a); err != nil {
				return fmt.Errorf("%w: %s (%s): %v", ErrInvalidSource, a, src.Name, err)
			}
			accounts++
		}
	}
	if accounts == 0 {
		return ErrNoSources
	}
	if r.WindowHours <= 0 {
		return fmt.Errorf("%w: %d hours", ErrInvalidWindow, r.WindowHours)
	}
	if r.MaxTransfersPerSource < 0 {
		return fmt.Errorf("max transfers per source must be >= 0, got %d", r.MaxTransfersPerSource)
	}
	return r.Filter.Validate()
}

// SourceSet indexes every source account by address.
func (r Request) SourceSet() detector.SourceSet {
	set := detector.SourceSet{}
	for _, src := range r.Sources {
		for _, a := range src.Accounts {
			if _, exists := set[a]; !exists {
				set[a] = src.Name
			}
		}
	}
	return set
}

// Skipped records an account whose processing failed.
type Skipped struct {
	Account string `json:"account"`
	Stage   string `json:"stage"` // "collect" or "analyze"
	Error   string `json:"error"`
}

// Stats summarises a scan.
type Stats struct {
	StartedAt        time.Time `json:"started_at"`
	DurationMS       int64     `json:"duration_ms"`
	APICalls         int64     `json:"api_calls"`
	SourcesScanned   int       `json:"sources_scanned"`
	TransfersSeen    int       `json:"transfers_seen"`
	TransfersMatched int       `json:"transfers_matched"`
	Destinations     int       `json:"destinations"`
	Duplicates       int       `json:"duplicates"` // matched transfers dropped because their destination was already retained
	AccountsScanned  int       `json:"accounts_scanned"`
	CacheHits        int       `json:"cache_hits"`
	Detections       int       `json:"detections"`
	Skipped          int       `json:"skipped"`
}

// Result is the output of a scan. When Canceled is set, the result holds
// whatever was finished before cancellation.
type Result struct {
	Detections []*detector.Result `json:"detections"`
	Skipped    []Skipped          `json:"skipped"`
	Stats      Stats              `json:"stats"`
	Canceled   bool               `json:"canceled"`
}

// Scanner runs scans. It is safe for concurrent use; each scan gets its own cache.
type Scanner struct {
	transfers TransferSource
	walker    Walker
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New creates a scanner. If metrics is nil, no metrics are recorded.
func New(transfers TransferSource, walker Walker, m *metrics.Metrics, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		transfers: transfers,
		walker:    walker,
		now:       time.Now,
		logger:    logger,
		metrics:   m,
	}
}

// candidate is a matched transfer tagged with the name of its source.
type candidate struct {
	source   string
	transfer solana.Transfer
}

// Run executes req with a fresh cache.
func (s *Scanner) Run(ctx context.Context, req Request, progress ProgressSink) (*Result, error) {
	return s.RunWithCache(ctx, req, NewCache(), progress)
}

// RunWithCache executes req using cache for walk results. Destinations already
// in the cache are not walked again.
func (s *Scanner) RunWithCache(ctx context.Context, req Request, cache *Cache, progress ProgressSink) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if progress == nil {
		progress = NopProgress{}
	}
	if cache == nil {
		cache = NewCache()
	}

	start := s.now()
	ctx, calls := solana.WithCallCounter(ctx)
	res := &Result{
		Detections: []*detector.Result{},
		Skipped:    []Skipped{},
		Stats:      Stats{StartedAt: start},
	}
	counters := Counters{}
	for _, src := range req.Sources {
		counters.SourcesTotal += len(src.Accounts)
	}
	hitsBefore := cache.Hits()

	s.logger.InfoContext(ctx, "scan started",
		"sources", counters.SourcesTotal,
		"filter", req.Filter.String(),
		"window_hours", req.WindowHours,
		"mode", req.Mode.String(),
	)

	progress.Phase(ctx, PhaseCollecting)
	candidates := s.collect(ctx, req, res, &counters, calls, progress)

	if ctx.Err() == nil {
		unique := dedupe(candidates)
		res.Stats.Destinations = len(unique)
		res.Stats.Duplicates = len(candidates) - len(unique)
		counters.Destinations = len(unique)

		progress.Phase(ctx, PhaseAnalyzing)
		s.analyze(ctx, req, unique, cache, res, &counters, calls, progress)
	}

	SortDetections(res.Detections)

	elapsed := s.now().Sub(start)
	res.Canceled = ctx.Err() != nil
	res.Stats.DurationMS = elapsed.Milliseconds()
	res.Stats.APICalls = calls.Load()
	res.Stats.CacheHits = cache.Hits() - hitsBefore
	res.Stats.Detections = len(res.Detections)
	res.Stats.Skipped = len(res.Skipped)

	status := "completed"
	if res.Canceled {
		status = "canceled"
	}
	if s.metrics != nil {
		s.metrics.RecordScan(req.Mode.String(), status, elapsed.Seconds())
	}

	// Progress after cancellation still reaches sinks that publish remotely.
	final := context.WithoutCancel(ctx)
	counters.APICalls = res.Stats.APICalls
	progress.Counters(final, counters)
	progress.Phase(final, PhaseDone)

	s.logger.InfoContext(final, "scan finished",
		"status", status,
		"detections", res.Stats.Detections,
		"accounts_scanned", res.Stats.AccountsScanned,
		"skipped", res.Stats.Skipped,
		"api_calls", res.Stats.APICalls,
		"duration", elapsed.String(),
	)
	return res, nil
}

func (s *Scanner) collect(ctx context.Context, req Request, res *Result, counters *Counters, calls *solana.CallCounter, progress ProgressSink) []candidate {
	window := time.Duration(req.WindowHours) * time.Hour
	var out []candidate

	for _, src := range req.Sources {
		for _, account := range src.Accounts {
			if ctx.Err() != nil {
				return out
			}

			pageCtx := solana.WithPageObserver(ctx, func(ctx context.Context, p solana.Page) {
				counters.APICalls = calls.Load()
				progress.Counters(ctx, *counters)
				progress.Log(ctx, fmt.Sprintf("%s %s: page %d, %d transfers so far", src.Name, account, p.Number, p.Transfers))
			})
			transfers, err := s.transfers.ListOutgoingTransfers(pageCtx, account, window, req.MaxTransfersPerSource)
			if err != nil {
				if ctx.Err() != nil {
					return out
				}
				s.logger.WarnContext(ctx, "failed to collect transfers, continuing with partial results",
					"source", src.Name,
					"account", account,
					"collected", len(transfers),
					"error", err,
				)
				res.Skipped = append(res.Skipped, Skipped{Account: account, Stage: "collect", Error: err.Error()})
			}

			matched := 0
			for _, t := range transfers {
				res.Stats.TransfersSeen++
				if req.Filter.Matches(t.Amount) {
					out = append(out, candidate{source: src.Name, transfer: t})
					matched++
				}
			}
			res.Stats.TransfersMatched += matched
			res.Stats.SourcesScanned++

			counters.SourcesScanned++
			counters.APICalls = calls.Load()
			progress.Counters(ctx, *counters)
			progress.Log(ctx, fmt.Sprintf("%s %s: %d transfers, %d matched", src.Name, account, len(transfers), matched))
		}
	}
	return out
}

// dedupe keeps the first transfer seen for each destination.
func dedupe(candidates []candidate) []candidate {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := seen[c.transfer.To]; ok {
			continue
		}
		seen[c.transfer.To] = struct{}{}
		out = append(out, c)
	}
	return out
}

func (s *Scanner) analyze(ctx context.Context, req Request, unique []candidate, cache *Cache, res *Result, counters *Counters, calls *solana.CallCounter, progress ProgressSink) {
	sources := req.SourceSet()

	for _, c := range unique {
		if ctx.Err() != nil {
			return
		}
		dest := c.transfer.To

		r, cached := cache.Get(dest)
		if cached {
			if s.metrics != nil {
				s.metrics.RecordCacheHit()
			}
		} else {
			origin := detector.Origin{
				Source:        c.source,
				SourceAccount: c.transfer.From,
				Amount:        c.transfer.Amount,
				Signature:     c.transfer.Signature,
				Timestamp:     c.transfer.BlockTime,
			}
			var err error
			r, err = s.walker.Walk(ctx, dest, req.Mode, sources, origin)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.WarnContext(ctx, "failed to analyze destination, skipping",
					"destination", dest,
					"source", c.source,
					"error", err,
				)
				res.Skipped = append(res.Skipped, Skipped{Account: dest, Stage: "analyze", Error: err.Error()})
				continue
			}
			cache.Put(dest, r)
		}

		res.Stats.AccountsScanned++
		counters.AccountsScanned++
		if r.IsFresh {
			res.Detections = append(res.Detections, r)
			counters.Detections++
			if s.metrics != nil {
				s.metrics.RecordDetection(r.Source)
			}
			progress.Log(ctx, fmt.Sprintf("fresh account %s funded by %s with %s SOL (%d hops)",
				r.FinalAccount, r.Source, solana.FormatSOL(r.Amount), r.Hops))
		}
		counters.APICalls = calls.Load()
		progress.Counters(ctx, *counters)
	}
}

// SortDetections orders detections newest funding first, then by destination.
// Detections without a timestamp sort last.
func SortDetections(ds []*detector.Result) {
	sort.SliceStable(ds, func(i, j int) bool {
		ti, tj := ds[i].Timestamp, ds[j].Timestamp
		switch {
		case ti != nil && tj != nil && !ti.Equal(*tj):
			return ti.After(*tj)
		case ti != nil && tj == nil:
			return true
		case ti == nil && tj != nil:
			return false
		}
		return ds[i].Account < ds[j].Account
	})
}
