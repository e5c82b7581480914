// Package detector decides whether an account that received funds is a fresh
// single-purpose account, optionally following relay hops forward.
package detector

import (
	"context"

	"github.com/brojonat/freshwallet/service/solana"
)

// DefaultDustThreshold is the balance change, in lamports, below which a
// transaction is treated as noise.
const DefaultDustThreshold int64 = 1000

// Ledger is the read side of the ledger the detector needs.
type Ledger interface {
	FirstTransactions(ctx context.Context, account string, n int) ([]*solana.RawTransaction, error)
	TotalTransactionCount(ctx context.Context, account string) (int, error)
}

// Classification is the direction of a transaction relative to one account.
type Classification int

const (
	Indeterminate Classification = iota
	Credit
	Debit
)

func (c Classification) String() string {
	switch c {
	case Credit:
		return "CREDIT"
	case Debit:
		return "DEBIT"
	default:
		return "INDETERMINATE"
	}
}

// Classifier labels transactions by the account's native balance change.
type Classifier struct {
	dust int64
}

// NewClassifier creates a classifier. A threshold of 0 counts every balance
// change; a negative threshold uses the default.
func NewClassifier(dustThreshold int64) *Classifier {
	if dustThreshold < 0 {
		dustThreshold = DefaultDustThreshold
	}
	return &Classifier{dust: dustThreshold}
}

// Classify returns CREDIT when the account gained more than the dust threshold,
// DEBIT when it lost more than the threshold, and INDETERMINATE otherwise,
// including when the account does not appear in the transaction.
func (c *Classifier) Classify(account string, tx *solana.RawTransaction) Classification {
	delta, ok := tx.BalanceDelta(account)
	if !ok {
		return Indeterminate
	}
	switch {
	case delta > c.dust:
		return Credit
	case delta < -c.dust:
		return Debit
	default:
		return Indeterminate
	}
}

// ResolveDebitDestination finds where a debit's funds went: the first
// non-protocol account, other than account itself, whose balance rose by more
// than the dust threshold. ok is false when no such account exists.
func (c *Classifier) ResolveDebitDestination(account string, tx *solana.RawTransaction) (string, bool) {
	for i, key := range tx.AccountKeys {
		if key == account || solana.IsProtocolAddress(key) {
			continue
		}
		if i >= len(tx.PreBalances) || i >= len(tx.PostBalances) {
			continue
		}
		gain := int64(tx.PostBalances[i]) - int64(tx.PreBalances[i])
		if gain > c.dust {
			return key, true
		}
	}
	return "", false
}

// SumAmounts totals the account's inflow across credits and outflow across
// debits. Both results are non-negative.
func (c *Classifier) SumAmounts(account string, credits, debits []*solana.RawTransaction) (credited, debited int64) {
	for _, tx := range credits {
		if d, ok := tx.BalanceDelta(account); ok {
			credited += d
		}
	}
	for _, tx := range debits {
		if d, ok := tx.BalanceDelta(account); ok {
			debited -= d
		}
	}
	return credited, debited
}
