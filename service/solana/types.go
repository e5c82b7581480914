package solana

import (
	"time"
)

// Transfer is a native SOL movement between two accounts, parsed from a
// System Program instruction. Amount is in lamports.
type Transfer struct {
	Signature string     `json:"signature"`
	Slot      uint64     `json:"slot"`
	BlockTime *time.Time `json:"block_time,omitempty"` // nil when the ledger has no timestamp
	From      string     `json:"from"`
	To        string     `json:"to"`
	Amount    uint64     `json:"amount"`
}

// RawTransaction is a fetched transaction reduced to what balance analysis needs.
// AccountKeys, PreBalances and PostBalances are index-aligned; AccountKeys covers
// the static keys followed by any addresses loaded from lookup tables.
type RawTransaction struct {
	Signature    string
	Slot         uint64
	BlockTime    *time.Time
	AccountKeys  []string
	PreBalances  []uint64
	PostBalances []uint64
	Failed       bool
	Transfers    []Transfer // native transfers from top-level instructions
}

// IndexOf returns the position of account in AccountKeys, or -1.
func (t *RawTransaction) IndexOf(account string) int {
	for i, k := range t.AccountKeys {
		if k == account {
			return i
		}
	}
	return -1
}

// BalanceDelta returns post minus pre balance for account. ok is false when the
// account is not involved or balances are missing for its index.
func (t *RawTransaction) BalanceDelta(account string) (delta int64, ok bool) {
	i := t.IndexOf(account)
	if i < 0 || i >= len(t.PreBalances) || i >= len(t.PostBalances) {
		return 0, false
	}
	return int64(t.PostBalances[i]) - int64(t.PreBalances[i]), true
}
