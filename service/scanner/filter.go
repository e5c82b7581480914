package scanner

import (
	"errors"
	"fmt"
	"math"

	"github.com/brojonat/freshwallet/service/solana"
)

// ErrInvalidFilter is returned when an amount filter cannot be applied.
var ErrInvalidFilter = errors.New("invalid amount filter")

// FilterKind selects how transfer amounts are matched.
type FilterKind string

const (
	FilterRange  FilterKind = "range"
	FilterTarget FilterKind = "target"
)

// Filter keeps transfers whose amount lies in [Min, Max] (range) or within
// TolerancePct percent of Target (target). Amounts are lamports.
type Filter struct {
	Kind         FilterKind `json:"kind"`
	Min          uint64     `json:"min,omitempty"`
	Max          uint64     `json:"max,omitempty"`
	Target       uint64     `json:"target,omitempty"`
	TolerancePct float64    `json:"tolerance_pct,omitempty"`
}

// RangeFilter matches amounts in [min, max].
func RangeFilter(min, max uint64) Filter {
	return Filter{Kind: FilterRange, Min: min, Max: max}
}

// TargetFilter matches amounts within tolerancePct percent of target.
func TargetFilter(target uint64, tolerancePct float64) Filter {
	return Filter{Kind: FilterTarget, Target: target, TolerancePct: tolerancePct}
}

// ParseFilter builds a filter from SOL amounts as typed by a user. A non-empty
// target selects a target filter; otherwise both min and max are required.
func ParseFilter(minSOL, maxSOL, targetSOL string, tolerancePct float64) (Filter, error) {
	if targetSOL != "" {
		if minSOL != "" || maxSOL != "" {
			return Filter{}, fmt.Errorf("%w: target cannot be combined with min or max", ErrInvalidFilter)
		}
		target, err := solana.ParseSOL(targetSOL)
		if err != nil {
			return Filter{}, fmt.Errorf("%w: target: %v", ErrInvalidFilter, err)
		}
		f := TargetFilter(target, tolerancePct)
		return f, f.Validate()
	}
	if minSOL == "" || maxSOL == "" {
		return Filter{}, fmt.Errorf("%w: either target or both min and max are required", ErrInvalidFilter)
	}
	lo, err := solana.ParseSOL(minSOL)
	if err != nil {
		return Filter{}, fmt.Errorf("%w: min: %v", ErrInvalidFilter, err)
	}
	hi, err := solana.ParseSOL(maxSOL)
	if err != nil {
		return Filter{}, fmt.Errorf("%w: max: %v", ErrInvalidFilter, err)
	}
	f := RangeFilter(lo, hi)
	return f, f.Validate()
}

// Validate reports whether the filter is well formed.
func (f Filter) Validate() error {
	switch f.Kind {
	case FilterRange:
		if f.Min > f.Max {
			return fmt.Errorf("%w: min %d exceeds max %d", ErrInvalidFilter, f.Min, f.Max)
		}
	case FilterTarget:
		if f.TolerancePct < 0 || math.IsNaN(f.TolerancePct) || math.IsInf(f.TolerancePct, 0) {
			return fmt.Errorf("%w: tolerance must be a non-negative percentage, got %v", ErrInvalidFilter, f.TolerancePct)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidFilter, f.Kind)
	}
	return nil
}

// Matches reports whether amount passes the filter.
func (f Filter) Matches(amount uint64) bool {
	switch f.Kind {
	case FilterRange:
		return amount >= f.Min && amount <= f.Max
	case FilterTarget:
		var diff uint64
		if amount > f.Target {
			diff = amount - f.Target
		} else {
			diff = f.Target - amount
		}
		return float64(diff) <= float64(f.Target)*f.TolerancePct/100
	default:
		return false
	}
}

func (f Filter) String() string {
	switch f.Kind {
	case FilterRange:
		return fmt.Sprintf("range[%d, %d]", f.Min, f.Max)
	case FilterTarget:
		return fmt.Sprintf("target %d ±%g%%", f.Target, f.TolerancePct)
	default:
		return "invalid"
	}
}
