package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/brojonat/freshwallet/service/metrics"
	"github.com/brojonat/freshwallet/service/retry"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrThrottled marks an RPC failure caused by provider rate limiting.
var ErrThrottled = errors.New("rpc throttled")

// maxSignaturesPerCall is the hard limit of getSignaturesForAddress.
const maxSignaturesPerCall = 1000

// IsThrottled reports whether err is a rate-limit response from the RPC provider.
func IsThrottled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrThrottled) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "Too Many Requests") ||
		strings.Contains(strings.ToLower(msg), "rate limit")
}

// Options tunes the ledger client.
type Options struct {
	// Limiter is shared by every call made through the client. If nil, one is
	// built from MinInterval.
	Limiter     *rate.Limiter
	MinInterval time.Duration

	Retry retry.Policy

	DetailBatchSize int // concurrent getTransaction calls per batch
	PageSize        int // signatures per page when listing outgoing transfers
	SignatureCap    int // history pulled when looking for an account's first transactions
	CountCap        int // saturation point of TotalTransactionCount

	Endpoint string // metric label
}

// DefaultOptions mirrors the public mainnet endpoint's tolerance.
func DefaultOptions() Options {
	return Options{
		MinInterval:     250 * time.Millisecond,
		Retry:           retry.DefaultPolicy(),
		DetailBatchSize: 3,
		PageSize:        100,
		SignatureCap:    1000,
		CountCap:        100,
		Endpoint:        "unknown",
	}
}

// NewLimiter returns a limiter admitting one call per interval.
func NewLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Client answers ledger questions about accounts. Every RPC call passes through
// a shared rate gate and the retry policy.
type Client struct {
	rpc     RPCClient
	limiter *rate.Limiter
	opts    Options
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewClient creates a ledger client. If metrics is nil, no metrics are recorded.
func NewClient(rpcClient RPCClient, opts Options, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultOptions()
	if opts.DetailBatchSize <= 0 {
		opts.DetailBatchSize = defaults.DetailBatchSize
	}
	if opts.PageSize <= 0 || opts.PageSize > maxSignaturesPerCall {
		opts.PageSize = defaults.PageSize
	}
	if opts.SignatureCap <= 0 {
		opts.SignatureCap = defaults.SignatureCap
	}
	if opts.CountCap <= 0 || opts.CountCap > maxSignaturesPerCall {
		opts.CountCap = defaults.CountCap
	}
	if opts.Endpoint == "" {
		opts.Endpoint = defaults.Endpoint
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewLimiter(opts.MinInterval)
	}
	if opts.Retry.Retryable == nil {
		opts.Retry.Retryable = IsThrottled
	}

	return &Client{
		rpc:     rpcClient,
		limiter: limiter,
		opts:    opts,
		now:     time.Now,
		logger:  logger,
		metrics: m,
	}
}

// CallCounter counts RPC attempts made on behalf of one scan.
type CallCounter struct {
	n atomic.Int64
}

// Load returns the number of calls recorded so far.
func (c *CallCounter) Load() int64 {
	if c == nil {
		return 0
	}
	return c.n.Load()
}

type callCounterKey struct{}

// WithCallCounter attaches a fresh counter to ctx. Every RPC attempt made with
// the returned context, retries included, increments it.
func WithCallCounter(ctx context.Context) (context.Context, *CallCounter) {
	c := &CallCounter{}
	return context.WithValue(ctx, callCounterKey{}, c), c
}

func countCall(ctx context.Context) {
	if c, ok := ctx.Value(callCounterKey{}).(*CallCounter); ok {
		c.n.Add(1)
	}
}

// Page describes one page of signatures processed by ListOutgoingTransfers.
type Page struct {
	Account    string
	Number     int // 1-based
	Signatures int
	Transfers  int // outgoing transfers collected so far
}

type pageObserverKey struct{}

// WithPageObserver attaches fn to ctx. ListOutgoingTransfers calls it after
// every page, so long listings can report progress while still paging.
func WithPageObserver(ctx context.Context, fn func(ctx context.Context, p Page)) context.Context {
	return context.WithValue(ctx, pageObserverKey{}, fn)
}

// ReportPage passes p to the observer attached to ctx, if any.
func ReportPage(ctx context.Context, p Page) {
	if fn, ok := ctx.Value(pageObserverKey{}).(func(context.Context, Page)); ok {
		fn(ctx, p)
	}
}

// call runs one RPC through the rate gate and retry policy.
func (c *Client) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	policy := c.opts.Retry
	policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		c.logger.WarnContext(ctx, "rate limited, backing off before retry",
			"method", method,
			"attempt", attempt,
			"backoff_seconds", wait.Seconds(),
			"error", err,
		)
		if c.metrics != nil {
			c.metrics.RecordRPCRetry(method, "rate_limit")
		}
	}

	return policy.Do(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		countCall(ctx)

		start := time.Now()
		err := fn(ctx)
		duration := time.Since(start).Seconds()

		status := "success"
		if err != nil {
			status = "error"
		}
		if c.metrics != nil {
			c.metrics.RecordRPCCall(method, status, c.opts.Endpoint, duration)
		}

		if IsThrottled(err) {
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit(c.opts.Endpoint)
			}
			return fmt.Errorf("%s: %w: %w", method, ErrThrottled, err)
		}
		return err
	})
}

func (c *Client) getSignatures(ctx context.Context, account solana.PublicKey, before solana.Signature, limit int) ([]*rpc.TransactionSignature, error) {
	opts := &rpc.GetSignaturesForAddressOpts{
		Limit: &limit,
	}
	if before != (solana.Signature{}) {
		opts.Before = before
	}

	var out []*rpc.TransactionSignature
	err := c.call(ctx, "GetSignaturesForAddress", func(ctx context.Context) error {
		sigs, err := c.rpc.GetSignaturesForAddress(ctx, account, opts)
		if err != nil {
			return err
		}
		out = sigs
		return nil
	})
	if err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.RecordRPCSignaturesPerCall(c.opts.Endpoint, float64(len(out)))
	}
	return out, nil
}

func (c *Client) getTransaction(ctx context.Context, sig *rpc.TransactionSignature) (*RawTransaction, error) {
	var result *rpc.GetTransactionResult
	err := c.call(ctx, "GetTransaction", func(ctx context.Context) error {
		res, err := c.rpc.GetTransaction(ctx, sig.Signature, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			MaxSupportedTransactionVersion: &[]uint64{0}[0],
		})
		if err != nil && strings.Contains(err.Error(), "expects '\"' or 'n', but found '{'") {
			// Some providers return legacy transactions in a shape the versioned
			// decoder rejects; ask again without version support.
			if c.metrics != nil {
				c.metrics.RecordRPCRetry("GetTransaction", "parse_error")
			}
			if werr := c.limiter.Wait(ctx); werr != nil {
				return werr
			}
			countCall(ctx)
			res, err = c.rpc.GetTransaction(ctx, sig.Signature, &rpc.GetTransactionOpts{
				Encoding: solana.EncodingBase64,
			})
		}
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return parseRawTransaction(sig, result)
}

// fetchDetails fetches full transactions in fixed-size concurrent batches,
// preserving input order. Individual failures are logged and dropped; only
// cancellation is returned as an error, together with what was fetched so far.
func (c *Client) fetchDetails(ctx context.Context, sigs []*rpc.TransactionSignature) ([]*RawTransaction, error) {
	out := make([]*RawTransaction, 0, len(sigs))
	batch := c.opts.DetailBatchSize

	for start := 0; start < len(sigs); start += batch {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		end := min(start+batch, len(sigs))
		results := make([]*RawTransaction, end-start)

		var g errgroup.Group
		for i, sig := range sigs[start:end] {
			g.Go(func() error {
				tx, err := c.getTransaction(ctx, sig)
				if err != nil {
					if ctx.Err() == nil {
						c.logger.WarnContext(ctx, "skipping transaction after failed fetch",
							"signature", sig.Signature.String(),
							"error", err,
						)
						if c.metrics != nil {
							c.metrics.RecordTransactionsSkipped("fetch_failed", 1)
						}
					}
					return nil
				}
				results[i] = tx
				return nil
			})
		}
		_ = g.Wait()

		for _, tx := range results {
			if tx != nil {
				out = append(out, tx)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// ListOutgoingTransfers returns native transfers whose source is account, newest
// first. Only transfers within maxAge of now are considered; maxAge <= 0 means
// no age limit. limit > 0 stops once that many transfers were collected.
//
// Signatures are paged newest-to-oldest; paging stops at the first page that
// reaches past the age cutoff or comes back short. Failed transactions are
// skipped. On error the transfers gathered so far are returned alongside it.
func (c *Client) ListOutgoingTransfers(ctx context.Context, account string, maxAge time.Duration, limit int) ([]Transfer, error) {
	pk, err := solana.PublicKeyFromBase58(account)
	if err != nil {
		return nil, fmt.Errorf("invalid account %q: %w", account, err)
	}

	var cutoff time.Time
	if maxAge > 0 {
		cutoff = c.now().Add(-maxAge)
	}

	var (
		out    []Transfer
		before solana.Signature
		pages  int
	)
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		sigs, err := c.getSignatures(ctx, pk, before, c.opts.PageSize)
		if err != nil {
			return out, fmt.Errorf("list signatures for %s: %w", account, err)
		}
		pages++
		if len(sigs) == 0 {
			break
		}

		candidates := make([]*rpc.TransactionSignature, 0, len(sigs))
		for _, sig := range sigs {
			if sig.Err != nil {
				continue
			}
			if !cutoff.IsZero() {
				bt, ok := signatureTime(sig)
				if !ok || bt.Before(cutoff) {
					continue
				}
			}
			candidates = append(candidates, sig)
		}

		txs, fetchErr := c.fetchDetails(ctx, candidates)
		for _, tx := range txs {
			for _, t := range tx.Transfers {
				if t.From != account {
					continue
				}
				out = append(out, t)
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
		if fetchErr != nil {
			return out, fetchErr
		}
		ReportPage(ctx, Page{Account: account, Number: pages, Signatures: len(sigs), Transfers: len(out)})

		oldest := sigs[len(sigs)-1]
		if !cutoff.IsZero() {
			if bt, ok := signatureTime(oldest); !ok || bt.Before(cutoff) {
				break
			}
		}
		if len(sigs) < c.opts.PageSize {
			break
		}
		before = oldest.Signature
	}

	c.logger.DebugContext(ctx, "listed outgoing transfers",
		"account", account,
		"transfers", len(out),
		"pages", pages,
	)
	return out, nil
}

// FirstTransactions returns up to n of the account's earliest transactions in
// ascending time order. History is pulled up to the signature cap, so for very
// busy accounts "earliest" is relative to that cap. Transactions whose details
// cannot be fetched are omitted.
func (c *Client) FirstTransactions(ctx context.Context, account string, n int) ([]*RawTransaction, error) {
	if n <= 0 {
		return nil, nil
	}
	pk, err := solana.PublicKeyFromBase58(account)
	if err != nil {
		return nil, fmt.Errorf("invalid account %q: %w", account, err)
	}

	var (
		all    []*rpc.TransactionSignature
		before solana.Signature
	)
	for len(all) < c.opts.SignatureCap {
		want := min(maxSignaturesPerCall, c.opts.SignatureCap-len(all))
		sigs, err := c.getSignatures(ctx, pk, before, want)
		if err != nil {
			return nil, fmt.Errorf("list signatures for %s: %w", account, err)
		}
		all = append(all, sigs...)
		if len(sigs) < want {
			break
		}
		before = sigs[len(sigs)-1].Signature
	}
	if len(all) == 0 {
		return nil, nil
	}

	sortChronological(all)
	if len(all) > n {
		all = all[:n]
	}

	return c.fetchDetails(ctx, all)
}

// TotalTransactionCount returns how many transactions involve account, saturating
// at the configured count cap. A single signature query is issued.
func (c *Client) TotalTransactionCount(ctx context.Context, account string) (int, error) {
	pk, err := solana.PublicKeyFromBase58(account)
	if err != nil {
		return 0, fmt.Errorf("invalid account %q: %w", account, err)
	}
	sigs, err := c.getSignatures(ctx, pk, solana.Signature{}, c.opts.CountCap)
	if err != nil {
		return 0, fmt.Errorf("count transactions for %s: %w", account, err)
	}
	return min(len(sigs), c.opts.CountCap), nil
}

// sortChronological orders signatures oldest first by block time, falling back
// to slot when either side has no block time.
func sortChronological(sigs []*rpc.TransactionSignature) {
	sort.SliceStable(sigs, func(i, j int) bool {
		ti, okI := signatureTime(sigs[i])
		tj, okJ := signatureTime(sigs[j])
		if okI && okJ && !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return sigs[i].Slot < sigs[j].Slot
	})
}
