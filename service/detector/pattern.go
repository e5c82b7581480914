package detector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/freshwallet/service/solana"
)

// DefaultForwardRatio is the fraction of received funds a single debit must
// move on for the account to count as a relay.
const DefaultForwardRatio = 0.8

// Pattern is the shape of an account's earliest activity.
type Pattern int

const (
	Virgin Pattern = iota
	CreditOnly
	Relay
	Mixed
)

func (p Pattern) String() string {
	switch p {
	case Virgin:
		return "VIRGIN"
	case CreditOnly:
		return "CREDIT_ONLY"
	case Relay:
		return "RELAY"
	default:
		return "MIXED"
	}
}

// MarshalText renders the pattern name in JSON output.
func (p Pattern) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// PatternResult describes what the earliest transactions of an account show.
type PatternResult struct {
	Pattern       Pattern `json:"pattern"`
	Window        int     `json:"window"`   // transactions requested
	Observed      int     `json:"observed"` // transactions actually returned
	Credits       int     `json:"credits"`
	Debits        int     `json:"debits"`
	TotalCredited int64   `json:"total_credited"`
	TotalDebited  int64   `json:"total_debited"`
	NextAccount   string  `json:"next_account,omitempty"` // set for RELAY when resolvable
	Final         bool    `json:"final"`                  // CREDIT_ONLY with exactly one credit
	Reason        string  `json:"reason"`
}

// Definitive reports whether widening the window cannot change the verdict.
func (r PatternResult) Definitive() bool {
	return r.Pattern == Virgin || r.Pattern == Relay || (r.Pattern == CreditOnly && r.Final)
}

// Analyzer classifies the earliest activity of an account.
type Analyzer struct {
	ledger       Ledger
	classifier   *Classifier
	forwardRatio float64
	logger       *slog.Logger
}

// NewAnalyzer creates an analyzer. A non-positive ratio uses the default.
func NewAnalyzer(ledger Ledger, classifier *Classifier, forwardRatio float64, logger *slog.Logger) *Analyzer {
	if forwardRatio <= 0 {
		forwardRatio = DefaultForwardRatio
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		ledger:       ledger,
		classifier:   classifier,
		forwardRatio: forwardRatio,
		logger:       logger,
	}
}

// AnalyzeWindow fetches the account's first n transactions and classifies
// them into a pattern.
func (a *Analyzer) AnalyzeWindow(ctx context.Context, account string, n int) (PatternResult, error) {
	txs, err := a.ledger.FirstTransactions(ctx, account, n)
	if err != nil {
		return PatternResult{}, fmt.Errorf("first %d transactions of %s: %w", n, account, err)
	}

	r := PatternResult{Window: n, Observed: len(txs)}
	if len(txs) == 0 {
		r.Pattern = Virgin
		r.Reason = "no transactions"
		return r, nil
	}

	var credits, debits []*solana.RawTransaction
	for _, tx := range txs {
		switch a.classifier.Classify(account, tx) {
		case Credit:
			credits = append(credits, tx)
		case Debit:
			debits = append(debits, tx)
		}
	}
	r.Credits, r.Debits = len(credits), len(debits)
	r.TotalCredited, r.TotalDebited = a.classifier.SumAmounts(account, credits, debits)

	switch {
	case r.Credits >= 1 && r.Debits == 0:
		r.Pattern = CreditOnly
		r.Final = r.Credits == 1
		if r.Final {
			r.Reason = fmt.Sprintf("single credit of %s SOL, no debits", solana.FormatSOL(uint64(r.TotalCredited)))
		} else {
			r.Reason = fmt.Sprintf("%d credits, no debits", r.Credits)
		}

	case r.Credits >= 1 && r.Debits == 1:
		ratio := float64(r.TotalDebited) / float64(r.TotalCredited)
		if ratio < a.forwardRatio {
			r.Pattern = Mixed
			r.Reason = fmt.Sprintf("partial withdrawal: forwarded %.0f%% of received funds, not a relay", ratio*100)
			break
		}
		r.Pattern = Relay
		if next, ok := a.classifier.ResolveDebitDestination(account, debits[0]); ok {
			r.NextAccount = next
			r.Reason = fmt.Sprintf("forwarded %.0f%% of received funds to %s", ratio*100, next)
		} else {
			r.Reason = fmt.Sprintf("forwarded %.0f%% of received funds to an unresolved destination", ratio*100)
		}

	default:
		r.Pattern = Mixed
		r.Reason = fmt.Sprintf("%d credits and %d debits in first %d transactions", r.Credits, r.Debits, r.Observed)
	}

	return r, nil
}

// AnalyzeAdaptive widens the window along WindowLadder(maxN) and stops at the
// first definitive pattern. A window that comes back short is not taken as the
// end of history, since transactions whose details failed to load are omitted.
// If no window is definitive, the result at maxN is returned.
func (a *Analyzer) AnalyzeAdaptive(ctx context.Context, account string, maxN int) (PatternResult, error) {
	var last PatternResult
	for _, n := range WindowLadder(maxN) {
		r, err := a.AnalyzeWindow(ctx, account, n)
		if err != nil {
			return PatternResult{}, err
		}
		a.logger.DebugContext(ctx, "analyzed window",
			"account", account,
			"window", n,
			"observed", r.Observed,
			"pattern", r.Pattern.String(),
		)
		if r.Definitive() {
			return r, nil
		}
		last = r
	}
	return last, nil
}

// WindowLadder returns the window sizes tried by AnalyzeAdaptive: 2, 3, 5, then
// doubling, capped at maxN. maxN itself is always the last step.
func WindowLadder(maxN int) []int {
	if maxN < 1 {
		maxN = 1
	}
	var ladder []int
	for _, n := range []int{2, 3, 5} {
		if n < maxN {
			ladder = append(ladder, n)
		}
	}
	for n := 10; n < maxN; n *= 2 {
		ladder = append(ladder, n)
	}
	return append(ladder, maxN)
}
