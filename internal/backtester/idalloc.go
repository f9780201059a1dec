package backtester

import "sync/atomic"

// idAllocator hands out monotonically increasing integer indices for
// orders, trades, positions, and strategies within one Engine run. It
// is reset to zero on engine reset so that restored runs produce the
// same id sequence as the original run (spec §8 round-trip property).
type idAllocator struct {
	next atomic.Uint64
}

func newIDAllocator() *idAllocator {
	return &idAllocator{}
}

// Next returns the next unused id, starting at zero.
func (a *idAllocator) Next() uint64 {
	return a.next.Add(1) - 1
}

func (a *idAllocator) reset() {
	a.next.Store(0)
}
