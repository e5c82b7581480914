package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/brojonat/freshwallet/service/metrics"
	"github.com/brojonat/freshwallet/service/solana"
)

// ErrInvalidMode is returned by ParseMode for unknown mode names.
var ErrInvalidMode = errors.New("invalid detection mode")

// Mode selects how a destination is judged.
type Mode int

const (
	// ModeStrict declares an account fresh only if its entire history is one credit.
	ModeStrict Mode = iota
	// ModeRelay follows single-purpose forwarding hops before judging.
	ModeRelay
)

func (m Mode) String() string {
	if m == ModeRelay {
		return "relay-following"
	}
	return "strict"
}

// MarshalText renders the mode name in JSON output.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText accepts any name ParseMode accepts.
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode accepts "strict"/"simple" and "relay"/"relay-following"/"hopping".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict", "simple", "":
		return ModeStrict, nil
	case "relay", "relay-following", "hopping":
		return ModeRelay, nil
	default:
		return ModeStrict, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Params are the tunable thresholds of a walk.
type Params struct {
	DustThreshold int64   `json:"dust_threshold"` // lamports
	ForwardRatio  float64 `json:"forward_ratio"`
	MaxHops       int     `json:"max_hops"`
	MaxWindow     int     `json:"max_window"`
}

// DefaultParams returns dust 1000 lamports, ratio 0.8, 3 hops and a window of 10.
func DefaultParams() Params {
	return Params{
		DustThreshold: DefaultDustThreshold,
		ForwardRatio:  DefaultForwardRatio,
		MaxHops:       3,
		MaxWindow:     10,
	}
}

// Validate checks the parameters are usable.
func (p Params) Validate() error {
	var errs []error
	if p.DustThreshold < 0 {
		errs = append(errs, fmt.Errorf("dust threshold must be >= 0, got %d", p.DustThreshold))
	}
	if p.ForwardRatio <= 0 || p.ForwardRatio > 1 {
		errs = append(errs, fmt.Errorf("forward ratio must be in (0, 1], got %v", p.ForwardRatio))
	}
	if p.MaxHops < 0 {
		errs = append(errs, fmt.Errorf("max hops must be >= 0, got %d", p.MaxHops))
	}
	if p.MaxWindow < 1 {
		errs = append(errs, fmt.Errorf("max window must be >= 1, got %d", p.MaxWindow))
	}
	return errors.Join(errs...)
}

// SourceSet maps every known source address to the name of its source.
type SourceSet map[string]string

// Name returns the source name of address, if it is a source.
func (s SourceSet) Name(address string) (string, bool) {
	name, ok := s[address]
	return name, ok
}

// Origin is the transfer that brought a destination into a scan.
type Origin struct {
	Source        string     `json:"source"`         // source name, e.g. "binance"
	SourceAccount string     `json:"source_account"` // address that sent the funds
	Amount        uint64     `json:"amount"`         // lamports
	Signature     string     `json:"signature"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
}

// State is a chain walker state.
type State string

const (
	StateStart     State = "START"
	StateAnalyzing State = "ANALYZING"
	StateFollowing State = "FOLLOWING"
	StateVerifying State = "VERIFYING"
	StateFresh     State = "TERMINAL_FRESH"
	StateNotFresh  State = "TERMINAL_NOT_FRESH"
)

// Result is the verdict for one destination. Path starts at the destination and
// ends at FinalAccount; Hops is len(Path)-1.
type Result struct {
	Origin
	Account      string   `json:"account"`
	IsFresh      bool     `json:"is_fresh"`
	FinalAccount string   `json:"final_account"`
	Path         []string `json:"path"`
	Hops         int      `json:"hops"`
	Mode         Mode     `json:"mode"`
	State        State    `json:"state"`
	Reason       string   `json:"reason"`
}

// Walker runs the detection state machine for one destination at a time.
// It holds no per-walk state and is safe for concurrent use.
type Walker struct {
	ledger     Ledger
	classifier *Classifier
	analyzer   *Analyzer
	params     Params
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewWalker creates a walker. If metrics is nil, no metrics are recorded.
func NewWalker(ledger Ledger, params Params, m *metrics.Metrics, logger *slog.Logger) *Walker {
	if logger == nil {
		logger = slog.Default()
	}
	classifier := NewClassifier(params.DustThreshold)
	return &Walker{
		ledger:     ledger,
		classifier: classifier,
		analyzer:   NewAnalyzer(ledger, classifier, params.ForwardRatio, logger),
		params:     params,
		logger:     logger,
		metrics:    m,
	}
}

// Walk judges start. sources are never considered fresh and are never followed
// into. An error means the walk could not finish, typically because ledger
// calls failed after retries; no verdict is implied.
func (w *Walker) Walk(ctx context.Context, start string, mode Mode, sources SourceSet, origin Origin) (*Result, error) {
	res := &Result{
		Origin:  origin,
		Account: start,
		Path:    []string{start},
		Mode:    mode,
		State:   StateStart,
	}

	var err error
	if name, ok := sources.Name(start); ok {
		res.finish(false, fmt.Sprintf("destination is source account (%s)", name))
	} else if mode == ModeStrict {
		err = w.verify(ctx, res, start, false, "")
	} else {
		err = w.follow(ctx, res, sources)
	}
	if err != nil {
		return nil, err
	}

	res.FinalAccount = res.Path[len(res.Path)-1]
	res.Hops = len(res.Path) - 1

	if w.metrics != nil {
		w.metrics.RecordWalk(mode.String(), res.IsFresh, res.Hops)
	}
	w.logger.DebugContext(ctx, "walk finished",
		"account", start,
		"mode", mode.String(),
		"fresh", res.IsFresh,
		"hops", res.Hops,
		"reason", res.Reason,
	)
	return res, nil
}

func (w *Walker) follow(ctx context.Context, res *Result, sources SourceSet) error {
	for {
		current := res.Path[len(res.Path)-1]
		hops := len(res.Path) - 1

		if hops >= w.params.MaxHops {
			return w.verify(ctx, res, current, false, fmt.Sprintf("hop budget of %d reached", w.params.MaxHops))
		}

		res.State = StateAnalyzing
		pr, err := w.analyzer.AnalyzeAdaptive(ctx, current, w.params.MaxWindow)
		if err != nil {
			return err
		}

		switch {
		case pr.Pattern == Virgin:
			return w.verify(ctx, res, current, true, "virgin")

		case pr.Pattern == CreditOnly && pr.Final:
			return w.verify(ctx, res, current, false, "credit-only")

		case pr.Pattern == Relay && pr.NextAccount != "":
			next := pr.NextAccount
			if name, ok := sources.Name(next); ok {
				res.finish(false, fmt.Sprintf("source re-entry: %s forwards to source account %s (%s)", current, next, name))
				return nil
			}
			if slices.Contains(res.Path, next) {
				res.finish(false, fmt.Sprintf("cycle: %s forwards to %s already on the path", current, next))
				return nil
			}
			res.State = StateFollowing
			res.Path = append(res.Path, next)

		case pr.Pattern == Relay:
			res.finish(false, "relay: "+pr.Reason)
			return nil

		case pr.Pattern == CreditOnly:
			res.finish(false, "credit-only, not final: "+pr.Reason)
			return nil

		default:
			res.finish(false, "mixed: "+pr.Reason)
			return nil
		}
	}
}

// verify applies the strict rule to account: the total transaction count must
// be exactly one and that transaction a credit. allowEmpty also accepts an
// account with no transactions at all. prefix names the rule that led here.
func (w *Walker) verify(ctx context.Context, res *Result, account string, allowEmpty bool, prefix string) error {
	res.State = StateVerifying
	label := func(msg string) string {
		if prefix == "" {
			return msg
		}
		return prefix + ": " + msg
	}

	count, err := w.ledger.TotalTransactionCount(ctx, account)
	if err != nil {
		return fmt.Errorf("count transactions of %s: %w", account, err)
	}

	switch {
	case count == 0 && allowEmpty:
		res.finish(true, label("no transactions"))
		return nil
	case count == 0:
		res.finish(false, label("no transactions found"))
		return nil
	case count > 1:
		res.finish(false, label(fmt.Sprintf("total transaction count is %d, not 1", count)))
		return nil
	}

	txs, err := w.ledger.FirstTransactions(ctx, account, 1)
	if err != nil {
		return fmt.Errorf("first transaction of %s: %w", account, err)
	}
	if len(txs) == 0 {
		res.finish(false, label("only transaction could not be fetched"))
		return nil
	}

	if c := w.classifier.Classify(account, txs[0]); c != Credit {
		res.finish(false, label(fmt.Sprintf("only transaction is %s, not a credit", c)))
		return nil
	}

	delta, _ := txs[0].BalanceDelta(account)
	res.finish(true, label(fmt.Sprintf("single transaction, a credit of %s SOL", solana.FormatSOL(uint64(delta)))))
	return nil
}

func (r *Result) finish(fresh bool, reason string) {
	r.IsFresh = fresh
	r.Reason = reason
	if fresh {
		r.State = StateFresh
	} else {
		r.State = StateNotFresh
	}
}
