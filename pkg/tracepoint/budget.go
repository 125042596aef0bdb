package tracepoint

import (
	"go.uber.org/atomic"

	"github.com/kubescape/pidtrap/pkg/metrics"
)

// Budget bounds the number of tracepoints all probes may reference.
type Budget struct {
	max   uint32
	total atomic.Uint32
}

func NewBudget(max uint32) *Budget {
	return &Budget{max: max}
}

// Reserve accounts for n more tracepoints, or fails if that exceeds the
// budget.
func (b *Budget) Reserve(n uint32) bool {
	if b.total.Add(n) > b.max {
		b.total.Sub(n)
		return false
	}
	metrics.TracepointBudgetUsed.Set(float64(b.total.Load()))
	return true
}

func (b *Budget) Release(n uint32) {
	assertf(b.total.Load() >= n, "budget release of %d with %d reserved", n, b.total.Load())
	metrics.TracepointBudgetUsed.Set(float64(b.total.Sub(n)))
}

func (b *Budget) Total() uint32 {
	return b.total.Load()
}

func (b *Budget) Max() uint32 {
	return b.max
}

// OverHalf reports whether more than half of the budget is in use.
func (b *Budget) OverHalf() bool {
	return b.total.Load() > b.max/2
}
