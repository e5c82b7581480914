package scanner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/freshwallet/service/detector"
	"github.com/brojonat/freshwallet/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sol = solana.LamportsPerSOL

var scanNow = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAddress() string {
	return solanago.NewWallet().PublicKey().String()
}

type fakeTransfers struct {
	mu       sync.Mutex
	bySource map[string][]solana.Transfer
	errs     map[string]error
	calls    []string
	onCall   func(ctx context.Context, account string)
}

func (f *fakeTransfers) ListOutgoingTransfers(ctx context.Context, account string, maxAge time.Duration, limit int) ([]solana.Transfer, error) {
	f.mu.Lock()
	f.calls = append(f.calls, account)
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook(ctx, account)
	}
	if err := f.errs[account]; err != nil {
		return nil, err
	}
	return f.bySource[account], nil
}

type fakeWalker struct {
	mu      sync.Mutex
	fresh   map[string]bool
	errs    map[string]error
	calls   []string
	origins map[string]detector.Origin
	onWalk  func(start string)
}

func (f *fakeWalker) Walk(ctx context.Context, start string, mode detector.Mode, sources detector.SourceSet, origin detector.Origin) (*detector.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, start)
	if f.origins == nil {
		f.origins = map[string]detector.Origin{}
	}
	f.origins[start] = origin
	hook := f.onWalk
	f.mu.Unlock()
	if hook != nil {
		hook(start)
	}
	if err := f.errs[start]; err != nil {
		return nil, err
	}
	return &detector.Result{
		Origin:       origin,
		Account:      start,
		IsFresh:      f.fresh[start],
		FinalAccount: start,
		Path:         []string{start},
		Mode:         mode,
	}, nil
}

// recordingProgress captures everything a scan reports.
type recordingProgress struct {
	mu       sync.Mutex
	phases   []Phase
	counters []Counters
	logs     []string
}

func (p *recordingProgress) Phase(_ context.Context, phase Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phases = append(p.phases, phase)
}

func (p *recordingProgress) Counters(_ context.Context, c Counters) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counters = append(p.counters, c)
}

func (p *recordingProgress) Log(_ context.Context, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logs = append(p.logs, msg)
}

func at(hoursAgo int) *time.Time {
	t := scanNow.Add(-time.Duration(hoursAgo) * time.Hour)
	return &t
}

func newTestScanner(ts TransferSource, w Walker) *Scanner {
	s := New(ts, w, nil, testLogger())
	s.now = func() time.Time { return scanNow }
	return s
}

func TestRequestValidate(t *testing.T) {
	src := newAddress()
	valid := Request{
		Sources:     []Source{{Name: "binance", Accounts: []string{src}}},
		Filter:      RangeFilter(sol, 10*sol),
		WindowHours: 24,
	}
	require.NoError(t, valid.Validate())

	noSources := valid
	noSources.Sources = []Source{{Name: "empty"}}
	assert.ErrorIs(t, noSources.Validate(), ErrNoSources)

	badAddr := valid
	badAddr.Sources = []Source{{Name: "x", Accounts: []string{"0OIl"}}}
	assert.ErrorIs(t, badAddr.Validate(), ErrInvalidSource)

	badWindow := valid
	badWindow.WindowHours = 0
	assert.ErrorIs(t, badWindow.Validate(), ErrInvalidWindow)

	badFilter := valid
	badFilter.Filter = RangeFilter(10, 1)
	assert.ErrorIs(t, badFilter.Validate(), ErrInvalidFilter)
}

func TestRun_InvalidRequestMakesNoCalls(t *testing.T) {
	ts := &fakeTransfers{}
	_, err := newTestScanner(ts, &fakeWalker{}).Run(context.Background(), Request{}, nil)
	assert.ErrorIs(t, err, ErrNoSources)
	assert.Empty(t, ts.calls)
}

func TestRun_FiltersDedupesAndAttributes(t *testing.T) {
	binance := newAddress()
	coinbase := newAddress()

	ts := &fakeTransfers{bySource: map[string][]solana.Transfer{
		binance: {
			{Signature: "b1", From: binance, To: "D", Amount: 2 * sol, BlockTime: at(1)},
			{Signature: "b2", From: binance, To: "E", Amount: 50 * sol, BlockTime: at(2)}, // filtered out
			{Signature: "b3", From: binance, To: "F", Amount: 3 * sol, BlockTime: at(5)},
		},
		coinbase: {
			{Signature: "c1", From: coinbase, To: "D", Amount: 4 * sol, BlockTime: at(3)}, // duplicate destination
			{Signature: "c2", From: coinbase, To: "G", Amount: 1 * sol, BlockTime: at(4)},
		},
	}}
	w := &fakeWalker{fresh: map[string]bool{"D": true, "G": true}}
	progress := &recordingProgress{}

	req := Request{
		Sources: []Source{
			{Name: "binance", Accounts: []string{binance}},
			{Name: "coinbase", Accounts: []string{coinbase}},
		},
		Filter:      RangeFilter(sol, 10*sol),
		WindowHours: 24,
		Mode:        detector.ModeRelay,
	}

	res, err := newTestScanner(ts, w).Run(context.Background(), req, progress)
	require.NoError(t, err)

	assert.Equal(t, []string{"D", "F", "G"}, w.calls, "each destination walked once, first seen first")
	assert.Equal(t, "binance", w.origins["D"].Source, "first-seen transfer wins")
	assert.Equal(t, "b1", w.origins["D"].Signature)
	assert.Equal(t, uint64(2*sol), w.origins["D"].Amount)

	require.Len(t, res.Detections, 2)
	assert.Equal(t, "D", res.Detections[0].Account, "newest first")
	assert.Equal(t, "G", res.Detections[1].Account)
	for _, d := range res.Detections {
		assert.True(t, d.IsFresh)
		assert.True(t, req.Filter.Matches(d.Amount))
	}

	assert.False(t, res.Canceled)
	assert.Equal(t, 5, res.Stats.TransfersSeen)
	assert.Equal(t, 4, res.Stats.TransfersMatched)
	assert.Equal(t, 3, res.Stats.Destinations)
	assert.Equal(t, 1, res.Stats.Duplicates)
	assert.Equal(t, 3, res.Stats.AccountsScanned)
	assert.Equal(t, 2, res.Stats.Detections)
	assert.Equal(t, 2, res.Stats.SourcesScanned)
	assert.Equal(t, 0, res.Stats.Skipped)

	assert.Equal(t, []Phase{PhaseCollecting, PhaseAnalyzing, PhaseDone}, progress.phases)
	require.NotEmpty(t, progress.counters)
	last := progress.counters[len(progress.counters)-1]
	assert.Equal(t, 2, last.Detections)
	assert.Equal(t, 3, last.AccountsScanned)
}

func TestRun_TargetFilter(t *testing.T) {
	src := newAddress()
	ts := &fakeTransfers{bySource: map[string][]solana.Transfer{
		src: {
			{Signature: "1", From: src, To: "in-low", Amount: 95 * sol / 10},
			{Signature: "2", From: src, To: "in-high", Amount: 105 * sol / 10},
			{Signature: "3", From: src, To: "out", Amount: 106 * sol / 10},
		},
	}}
	w := &fakeWalker{fresh: map[string]bool{"in-low": true, "in-high": true, "out": true}}

	res, err := newTestScanner(ts, w).Run(context.Background(), Request{
		Sources:     []Source{{Name: "okx", Accounts: []string{src}}},
		Filter:      TargetFilter(10*sol, 5),
		WindowHours: 1,
	}, nil)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"in-low", "in-high"}, w.calls)
	assert.Len(t, res.Detections, 2)
}

func TestRun_SkipsFailedAccountsAndContinues(t *testing.T) {
	good := newAddress()
	bad := newAddress()
	ts := &fakeTransfers{
		bySource: map[string][]solana.Transfer{
			good: {
				{Signature: "1", From: good, To: "X", Amount: 2 * sol},
				{Signature: "2", From: good, To: "Y", Amount: 2 * sol},
			},
		},
		errs: map[string]error{bad: errors.New("429 after retries")},
	}
	w := &fakeWalker{
		fresh: map[string]bool{"Y": true},
		errs:  map[string]error{"X": errors.New("retries exhausted")},
	}

	res, err := newTestScanner(ts, w).Run(context.Background(), Request{
		Sources:     []Source{{Name: "a", Accounts: []string{bad, good}}},
		Filter:      RangeFilter(sol, 3*sol),
		WindowHours: 24,
	}, nil)
	require.NoError(t, err)

	require.Len(t, res.Skipped, 2)
	assert.Equal(t, Skipped{Account: bad, Stage: "collect", Error: "429 after retries"}, res.Skipped[0])
	assert.Equal(t, "X", res.Skipped[1].Account)
	assert.Equal(t, "analyze", res.Skipped[1].Stage)

	require.Len(t, res.Detections, 1)
	assert.Equal(t, "Y", res.Detections[0].Account)
	assert.Equal(t, 2, res.Stats.Skipped)
	assert.Equal(t, 1, res.Stats.AccountsScanned)
}

func TestRun_UsesProvidedCache(t *testing.T) {
	src := newAddress()
	ts := &fakeTransfers{bySource: map[string][]solana.Transfer{
		src: {{Signature: "1", From: src, To: "D", Amount: 2 * sol}},
	}}
	w := &fakeWalker{}

	cached := &detector.Result{Account: "D", IsFresh: true, FinalAccount: "D", Path: []string{"D"}, Reason: "from earlier"}
	cache := NewCache()
	cache.Put("D", cached)

	res, err := newTestScanner(ts, w).RunWithCache(context.Background(), Request{
		Sources:     []Source{{Name: "a", Accounts: []string{src}}},
		Filter:      RangeFilter(0, 10*sol),
		WindowHours: 24,
	}, cache, nil)
	require.NoError(t, err)

	assert.Empty(t, w.calls)
	require.Len(t, res.Detections, 1)
	assert.Same(t, cached, res.Detections[0], "cache hits are returned verbatim")
	assert.Equal(t, 1, res.Stats.CacheHits)
}

func TestRun_CancellationDuringCollection(t *testing.T) {
	first := newAddress()
	second := newAddress()
	ctx, cancel := context.WithCancel(context.Background())

	ts := &fakeTransfers{
		bySource: map[string][]solana.Transfer{
			first:  {{Signature: "1", From: first, To: "D", Amount: 2 * sol}},
			second: {{Signature: "2", From: second, To: "E", Amount: 2 * sol}},
		},
		onCall: func(_ context.Context, account string) {
			if account == first {
				cancel()
			}
		},
	}
	w := &fakeWalker{}
	progress := &recordingProgress{}

	res, err := newTestScanner(ts, w).Run(ctx, Request{
		Sources:     []Source{{Name: "a", Accounts: []string{first, second}}},
		Filter:      RangeFilter(0, 10*sol),
		WindowHours: 24,
	}, progress)
	require.NoError(t, err)

	assert.True(t, res.Canceled)
	assert.Equal(t, []string{first}, ts.calls)
	assert.Empty(t, w.calls)
	assert.Equal(t, PhaseDone, progress.phases[len(progress.phases)-1])
}

func TestRun_ReportsProgressPerPage(t *testing.T) {
	src := newAddress()
	var progress *recordingProgress
	logsAtPage := []int{}

	ts := &fakeTransfers{
		bySource: map[string][]solana.Transfer{
			src: {{Signature: "1", From: src, To: "D", Amount: 2 * sol}},
		},
		onCall: func(ctx context.Context, account string) {
			for page := 1; page <= 3; page++ {
				solana.ReportPage(ctx, solana.Page{Account: account, Number: page, Signatures: 100, Transfers: page})
				progress.mu.Lock()
				logsAtPage = append(logsAtPage, len(progress.logs))
				progress.mu.Unlock()
			}
		},
	}
	progress = &recordingProgress{}

	_, err := newTestScanner(ts, &fakeWalker{}).Run(context.Background(), Request{
		Sources:     []Source{{Name: "binance", Accounts: []string{src}}},
		Filter:      RangeFilter(0, 10*sol),
		WindowHours: 24,
	}, progress)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, logsAtPage, "progress is reported while the listing is still paging")
	require.GreaterOrEqual(t, len(progress.logs), 3)
	assert.Contains(t, progress.logs[0], "page 1")
	assert.Contains(t, progress.logs[2], "page 3, 3 transfers so far")
}

func TestNew_NilLoggerUsesDefault(t *testing.T) {
	src := newAddress()
	ts := &fakeTransfers{bySource: map[string][]solana.Transfer{
		src: {{Signature: "1", From: src, To: "D", Amount: 2 * sol}},
	}}
	w := &fakeWalker{fresh: map[string]bool{"D": true}}

	s := New(ts, w, nil, nil)
	var res *Result
	require.NotPanics(t, func() {
		var err error
		res, err = s.Run(context.Background(), Request{
			Sources:     []Source{{Name: "binance", Accounts: []string{src}}},
			Filter:      RangeFilter(0, 10*sol),
			WindowHours: 24,
		}, LogProgress{})
		require.NoError(t, err)
	})
	require.Len(t, res.Detections, 1)
}

func TestRun_CancellationDuringAnalysisKeepsPartialResults(t *testing.T) {
	src := newAddress()
	ctx, cancel := context.WithCancel(context.Background())

	ts := &fakeTransfers{bySource: map[string][]solana.Transfer{
		src: {
			{Signature: "1", From: src, To: "A", Amount: 2 * sol, BlockTime: at(1)},
			{Signature: "2", From: src, To: "B", Amount: 2 * sol, BlockTime: at(2)},
			{Signature: "3", From: src, To: "C", Amount: 2 * sol, BlockTime: at(3)},
		},
	}}
	w := &fakeWalker{
		fresh: map[string]bool{"A": true, "B": true, "C": true},
		onWalk: func(start string) {
			if start == "B" {
				cancel()
			}
		},
	}

	res, err := newTestScanner(ts, w).Run(ctx, Request{
		Sources:     []Source{{Name: "a", Accounts: []string{src}}},
		Filter:      RangeFilter(0, 10*sol),
		WindowHours: 24,
	}, nil)
	require.NoError(t, err)

	assert.True(t, res.Canceled)
	assert.Equal(t, []string{"A", "B"}, w.calls)
	require.Len(t, res.Detections, 2, "walks finished before cancellation are kept")
	assert.Equal(t, 2, res.Stats.Detections)
}

func TestSortDetections(t *testing.T) {
	ds := []*detector.Result{
		{Account: "b", Origin: detector.Origin{Timestamp: at(5)}},
		{Account: "z", Origin: detector.Origin{}},
		{Account: "c", Origin: detector.Origin{Timestamp: at(1)}},
		{Account: "a", Origin: detector.Origin{Timestamp: at(5)}},
		{Account: "y", Origin: detector.Origin{}},
	}
	SortDetections(ds)

	var got []string
	for _, d := range ds {
		got = append(got, d.Account)
	}
	assert.Equal(t, []string{"c", "a", "b", "y", "z"}, got)
}
