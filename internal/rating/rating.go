// Package rating folds individual ratings into a product's running mean
package rating

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	Min = 1
	Max = 5

	// Scale is the number of decimal places kept on the stored average
	Scale = 4
)

// Aggregate is a product's running mean rating and sample count
type Aggregate struct {
	Average decimal.Decimal
	Count   int
}

// Fold adds one rating to the aggregate without recomputing from history:
// newAverage = (average*count + r) / (count+1)
func Fold(agg Aggregate, r int) (Aggregate, error) {
	if r < Min || r > Max {
		return agg, fmt.Errorf("rating %d outside [%d,%d]", r, Min, Max)
	}
	if agg.Count < 0 {
		return agg, fmt.Errorf("negative rating count %d", agg.Count)
	}

	newCount := agg.Count + 1
	total := agg.Average.Mul(decimal.NewFromInt(int64(agg.Count))).Add(decimal.NewFromInt(int64(r)))

	return Aggregate{
		Average: total.DivRound(decimal.NewFromInt(int64(newCount)), Scale),
		Count:   newCount,
	}, nil
}
