package repair

import (
	"context"
	"time"

	"github.com/danshapiro/cee/internal/plot"
)

// Budget bounds how much time and money LLM-assisted repair may consume.
// Zero values mean unlimited.
type Budget struct {
	Deadline   time.Time
	MaxCostUSD float64
	Now        func() time.Time
}

// NewBudget starts a budget of d from now.
func NewBudget(d time.Duration, maxCostUSD float64) Budget {
	b := Budget{MaxCostUSD: maxCostUSD}
	if d > 0 {
		b.Deadline = time.Now().Add(d)
	}
	return b
}

func (b Budget) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Exceeded reports whether another LLM repair call should be skipped.
func (b Budget) Exceeded(ctx context.Context, spent plot.Usage) bool {
	if ctx != nil && ctx.Err() != nil {
		return true
	}
	if !b.Deadline.IsZero() && !b.now().Before(b.Deadline) {
		return true
	}
	return b.MaxCostUSD > 0 && spent.CostUSD >= b.MaxCostUSD
}

// Remaining is the time left before the deadline, or zero when unbounded.
func (b Budget) Remaining() time.Duration {
	if b.Deadline.IsZero() {
		return 0
	}
	if d := b.Deadline.Sub(b.now()); d > 0 {
		return d
	}
	return 0
}
