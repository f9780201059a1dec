package backtester

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ExchangeMap merges every registered Exchange's clock into one global
// timeline, assigns globally-unique asset indices, and owns the
// cross-asset covariance matrix (spec §4.3).
type ExchangeMap struct {
	logger *zap.Logger

	exchanges   []*Exchange
	byID        map[string]*Exchange
	assetsByIdx map[int]*Asset

	timeline     []int64
	currentIndex int
	nextIndex    int

	covariance *CovarianceMatrix

	expiredMu      sync.Mutex
	expiredIndices []int

	built bool
}

// NewExchangeMap creates an empty exchange map.
func NewExchangeMap(logger *zap.Logger) *ExchangeMap {
	return &ExchangeMap{
		logger:      logger,
		byID:        make(map[string]*Exchange),
		assetsByIdx: make(map[int]*Asset),
	}
}

// RegisterExchange adds an exchange. Must be called before Build.
func (em *ExchangeMap) RegisterExchange(e *Exchange) error {
	if em.built {
		return newKernelError(InvalidState, "ExchangeMap.RegisterExchange", "already built")
	}
	if _, exists := em.byID[e.ID]; exists {
		return newKernelError(InvalidId, "ExchangeMap.RegisterExchange", "duplicate exchange id "+e.ID)
	}
	em.exchanges = append(em.exchanges, e)
	em.byID[e.ID] = e
	return nil
}

// ExchangeByID resolves a registered exchange.
func (em *ExchangeMap) ExchangeByID(id string) (*Exchange, bool) {
	e, ok := em.byID[id]
	return e, ok
}

// Build merges every exchange's timeline (union-sort), assigns global
// asset indices in registration order, and materializes the covariance
// matrix sized to the total asset count (spec §4.3).
func (em *ExchangeMap) Build(betaLookback, covarianceWindow, covarianceStepSize int) error {
	if len(em.exchanges) == 0 {
		return newKernelError(InvalidArgument, "ExchangeMap.Build", "no exchanges registered")
	}

	for _, e := range em.exchanges {
		if err := e.Build(betaLookback); err != nil {
			return wrapKernelError(InvalidArgument, "ExchangeMap.Build", "exchange "+e.ID+" failed to build", err)
		}
	}

	seen := make(map[int64]struct{})
	for _, e := range em.exchanges {
		for _, t := range e.timeline {
			seen[t] = struct{}{}
		}
	}
	merged := make([]int64, 0, len(seen))
	for t := range seen {
		merged = append(merged, t)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
	em.timeline = merged

	for _, e := range em.exchanges {
		for _, a := range e.assets {
			idx := em.nextIndex
			em.nextIndex++
			if err := e.AssignIndex(a.ID, idx); err != nil {
				return err
			}
			em.assetsByIdx[idx] = a
		}
	}

	if covarianceWindow > 0 {
		em.covariance = NewCovarianceMatrix(em.nextIndex, covarianceWindow, covarianceStepSize)
	}

	em.built = true
	return nil
}

// NumAssets returns the total number of assets across all exchanges.
func (em *ExchangeMap) NumAssets() int { return em.nextIndex }

// AssetByIndex resolves a global asset index.
func (em *ExchangeMap) AssetByIndex(idx int) (*Asset, bool) {
	a, ok := em.assetsByIdx[idx]
	return a, ok
}

// Covariance returns the covariance matrix, or nil if none was configured.
func (em *ExchangeMap) Covariance() *CovarianceMatrix { return em.covariance }

// Len returns the number of ticks in the merged global timeline.
func (em *ExchangeMap) Len() int { return len(em.timeline) }

// CurrentIndex returns the current position in the global timeline.
func (em *ExchangeMap) CurrentIndex() int { return em.currentIndex }

// Done reports whether the global cursor has exhausted the timeline.
func (em *ExchangeMap) Done() bool { return em.currentIndex >= len(em.timeline) }

// Step advances the global clock by one tick, delegating to every
// exchange and collecting expired asset indices for portfolio cleanup.
// It also pushes one return observation per asset into the covariance
// matrix, when configured.
func (em *ExchangeMap) Step() error {
	if !em.built {
		return newKernelError(InvalidState, "ExchangeMap.Step", "Build must run before Step")
	}
	if em.Done() {
		return newKernelError(InvalidMemoryOp, "ExchangeMap.Step", "cursor beyond global timeline")
	}

	t := em.timeline[em.currentIndex]
	em.currentIndex++

	var expired []int
	for _, e := range em.exchanges {
		expired = append(expired, e.Step(t)...)
	}
	if len(expired) > 0 {
		em.pushExpired(expired)
	}

	if em.covariance != nil {
		returns := make([]float64, em.nextIndex)
		for idx, a := range em.assetsByIdx {
			closeIdx, ok := a.columns["close"]
			if !ok || a.cursor < 2 || !a.IsStreaming() {
				continue
			}
			prev := a.rows[a.cursor-2][closeIdx]
			cur := a.rows[a.cursor-1][closeIdx]
			if prev != 0 {
				returns[idx] = (cur - prev) / prev
			}
		}
		em.covariance.Push(returns)
	}

	return nil
}

func (em *ExchangeMap) pushExpired(indices []int) {
	em.expiredMu.Lock()
	defer em.expiredMu.Unlock()
	em.expiredIndices = append(em.expiredIndices, indices...)
}

// DrainExpired returns and clears the asset indices that expired since
// the last drain (spec §5 shared-resource policy: drained at end of tick).
func (em *ExchangeMap) DrainExpired() []int {
	em.expiredMu.Lock()
	defer em.expiredMu.Unlock()
	out := em.expiredIndices
	em.expiredIndices = nil
	return out
}

// Reset rewinds the global cursor and every exchange.
func (em *ExchangeMap) Reset() error {
	em.currentIndex = 0
	em.expiredIndices = nil
	for _, e := range em.exchanges {
		if err := e.Reset(); err != nil {
			return err
		}
	}
	return nil
}
