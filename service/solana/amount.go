package solana

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

const solDecimals = 9

// ParseSOL converts a decimal SOL string such as "1.5" into lamports.
// Precision beyond one lamport is rejected rather than rounded.
func ParseSOL(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid SOL amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("invalid SOL amount %q: negative", s)
	}
	lamports := d.Shift(solDecimals)
	if !lamports.Equal(lamports.Truncate(0)) {
		return 0, fmt.Errorf("invalid SOL amount %q: more than %d decimal places", s, solDecimals)
	}
	if lamports.GreaterThan(fromUint64(^uint64(0))) {
		return 0, fmt.Errorf("invalid SOL amount %q: out of range", s)
	}
	return lamports.BigInt().Uint64(), nil
}

// FormatSOL renders lamports as SOL with trailing zeros trimmed, e.g. "2.5".
func FormatSOL(lamports uint64) string {
	return fromUint64(lamports).Shift(-solDecimals).String()
}

func fromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
