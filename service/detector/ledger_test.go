package detector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/brojonat/freshwallet/service/solana"
)

const sol = solana.LamportsPerSOL

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLedger serves chronological histories from memory and records requests.
type fakeLedger struct {
	mu         sync.Mutex
	history    map[string][]*solana.RawTransaction
	counts     map[string]int // overrides len(history) when set
	errs       map[string]error
	firstCalls map[string][]int
	countCalls map[string]int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		history:    map[string][]*solana.RawTransaction{},
		counts:     map[string]int{},
		errs:       map[string]error{},
		firstCalls: map[string][]int{},
		countCalls: map[string]int{},
	}
}

func (f *fakeLedger) FirstTransactions(ctx context.Context, account string, n int) ([]*solana.RawTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.firstCalls[account] = append(f.firstCalls[account], n)
	if err := f.errs[account]; err != nil {
		return nil, err
	}
	txs := f.history[account]
	if n < len(txs) {
		txs = txs[:n]
	}
	return txs, nil
}

func (f *fakeLedger) TotalTransactionCount(ctx context.Context, account string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countCalls[account]++
	if err := f.errs[account]; err != nil {
		return 0, err
	}
	if c, ok := f.counts[account]; ok {
		return c, nil
	}
	return len(f.history[account]), nil
}

// record appends tx to the history of every non-protocol account it touches.
func (f *fakeLedger) record(txs ...*solana.RawTransaction) {
	for _, tx := range txs {
		for _, k := range tx.AccountKeys {
			if solana.IsProtocolAddress(k) {
				continue
			}
			f.history[k] = append(f.history[k], tx)
		}
	}
}

var txSeq int

// transfer builds a from->to movement of lamports; the sender also pays a fee.
func transfer(from, to string, lamports uint64) *solana.RawTransaction {
	txSeq++
	const fee = 5000
	const float = 50 * sol
	return &solana.RawTransaction{
		Signature:    fmt.Sprintf("sig-%d", txSeq),
		Slot:         uint64(txSeq),
		AccountKeys:  []string{from, to, solana.SystemProgramID.String()},
		PreBalances:  []uint64{float + lamports, float, 1},
		PostBalances: []uint64{float - fee, float + lamports, 1},
	}
}
