package backtester

import (
	"sort"
	"time"

	"github.com/kestrel-quant/backtester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RankMode selects how ExchangeView narrows its result set (spec §4.2).
type RankMode int

const (
	RankDefault RankMode = iota
	RankNLargest
	RankNSmallest
	RankNExtreme // k/2 largest + k/2 smallest
)

// AssetValue pairs an asset's global index with a query result.
type AssetValue struct {
	AssetIndex int
	Value      float64
}

// Exchange groups a set of aligned assets under one merged timeline and
// runs the order-matching state machine (spec §4.2).
type Exchange struct {
	ID             string
	AssetType      types.AssetType
	Frequency      types.Frequency
	DatetimeFormat string
	SourceDir      string

	logger *zap.Logger

	assets   []*Asset
	byID     map[string]*Asset
	byIndex  map[int]*Asset
	marketID string
	market   *Asset

	timeline     []int64
	currentIndex int
	exchangeTime time.Time

	pendingOrders []*Order
	filledOrders  []*Order

	built bool
}

// NewExchange creates an exchange shell; Build aligns its assets once
// all have been registered.
func NewExchange(id string, assetType types.AssetType, freq types.Frequency, datetimeFormat, sourceDir string, logger *zap.Logger) *Exchange {
	return &Exchange{
		ID:             id,
		AssetType:      assetType,
		Frequency:      freq,
		DatetimeFormat: datetimeFormat,
		SourceDir:      sourceDir,
		logger:         logger,
		byID:           make(map[string]*Asset),
		byIndex:        make(map[int]*Asset),
	}
}

// RegisterAsset adds an asset to the exchange prior to Build.
func (e *Exchange) RegisterAsset(a *Asset) error {
	if e.built {
		return newKernelError(InvalidState, "Exchange.RegisterAsset", "exchange already built")
	}
	if _, exists := e.byID[a.ID]; exists {
		return newKernelError(InvalidId, "Exchange.RegisterAsset", "duplicate asset id "+a.ID)
	}
	e.assets = append(e.assets, a)
	e.byID[a.ID] = a
	return nil
}

// SetMarketAsset designates the benchmark asset used for beta and
// baseline-return computations. Must be called before Build.
func (e *Exchange) SetMarketAsset(id string) {
	e.marketID = id
}

// Build resolves the exchange's merged timeline by union-sort of the
// member assets' datetime vectors, validates the market asset
// encloses every other asset, and requests beta-column builds (spec §4.2).
func (e *Exchange) Build(betaLookback int) error {
	if len(e.assets) == 0 {
		return newKernelError(InvalidArgument, "Exchange.Build", "no assets registered on exchange "+e.ID)
	}

	seen := make(map[int64]struct{})
	for _, a := range e.assets {
		for _, t := range a.times {
			seen[t] = struct{}{}
		}
	}
	merged := make([]int64, 0, len(seen))
	for t := range seen {
		merged = append(merged, t)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
	e.timeline = merged

	if e.marketID != "" {
		m, ok := e.byID[e.marketID]
		if !ok {
			return newKernelError(InvalidId, "Exchange.Build", "unknown market asset "+e.marketID)
		}
		for _, a := range e.assets {
			if a == m {
				continue
			}
			if a.times[0] < m.times[0] || a.times[len(a.times)-1] > m.times[len(m.times)-1] {
				return newKernelError(InvalidArgument, "Exchange.Build", "market asset "+e.marketID+" does not enclose asset "+a.ID)
			}
		}
		e.market = m

		closeIdx := m.columns["close"]
		marketCloses := make([]float64, len(e.timeline))
		mi := 0
		for i, gt := range e.timeline {
			for mi < len(m.times) && m.times[mi] < gt {
				mi++
			}
			if mi < len(m.times) && m.times[mi] == gt {
				marketCloses[i] = m.rows[mi][closeIdx]
			} else if i > 0 {
				marketCloses[i] = marketCloses[i-1]
			}
		}
		for _, a := range e.assets {
			aligned := make([]float64, len(a.times))
			ci := 0
			for i, gt := range e.timeline {
				if ci < len(a.times) && a.times[ci] == gt {
					aligned[ci] = marketCloses[i]
					ci++
				}
			}
			if err := a.BuildBetaVolatility(aligned, betaLookback); err != nil {
				e.logger.Warn("beta/volatility build skipped", zap.String("asset", a.ID), zap.Error(err))
			}
		}
	}

	e.built = true
	return nil
}

// AssignIndex is called by ExchangeMap once for every asset, assigning
// it a globally unique index.
func (e *Exchange) AssignIndex(assetID string, globalIndex int) error {
	a, ok := e.byID[assetID]
	if !ok {
		return newKernelError(InvalidId, "Exchange.AssignIndex", "unknown asset "+assetID)
	}
	a.index = globalIndex
	e.byIndex[globalIndex] = a
	return nil
}

// AssetByIndex resolves a global asset index to its Asset, within this exchange.
func (e *Exchange) AssetByIndex(idx int) (*Asset, bool) {
	a, ok := e.byIndex[idx]
	return a, ok
}

// Assets returns the exchange's member assets in registration order.
func (e *Exchange) Assets() []*Asset { return e.assets }

// Step advances the exchange's cursor by one tick on the global clock
// at globalTime, stepping every member asset whose next local row
// matches. Returns the global indices of assets that expired this tick.
func (e *Exchange) Step(globalTime int64) (expired []int) {
	e.currentIndex++
	e.exchangeTime = time.Unix(0, globalTime)

	for _, a := range e.assets {
		if a.cursor < len(a.times) && a.times[a.cursor] == globalTime {
			if didExpire := a.Step(); didExpire {
				expired = append(expired, a.index)
			}
		} else {
			a.markNotStreaming()
		}
	}
	return expired
}

// EnqueueOrder validates and appends an order to the pending queue
// (spec §4.5: Router delivers PENDING orders here).
func (e *Exchange) EnqueueOrder(o *Order) error {
	if err := o.Validate(); err != nil {
		o.reject(err.Error())
		return err
	}
	a, ok := e.byIndex[o.AssetIndex]
	if !ok {
		o.reject("asset not on this exchange")
		return newKernelError(InvalidId, "Exchange.EnqueueOrder", "asset index not on exchange "+e.ID)
	}
	if !a.IsStreaming() && o.Type == OrderTypeMarket {
		o.reject("asset not streaming")
		return newKernelError(InvalidState, "Exchange.EnqueueOrder", "asset not streaming")
	}
	o.State = OrderOpen
	e.pendingOrders = append(e.pendingOrders, o)
	return nil
}

// Process runs the matching state machine once over the pending queue,
// FIFO within the leg, and returns the orders that filled this pass.
// Unmatched limit/stop orders remain queued for the next leg.
func (e *Exchange) Process(onClose bool, tradeSide func(assetIdx, strategyIdx int) float64, commission decimal.Decimal, slippage SlippageModel) []*Order {
	var filled []*Order
	remaining := e.pendingOrders[:0]

	for _, o := range e.pendingOrders {
		a, ok := e.byIndex[o.AssetIndex]
		if !ok || !a.IsStreaming() {
			remaining = append(remaining, o)
			continue
		}

		published, err := a.CurrentPrice(onClose)
		if err != nil {
			remaining = append(remaining, o)
			continue
		}
		price := decimal.NewFromFloat(published)

		fillPrice, ok := e.tryMatch(o, price, tradeSide)
		if !ok {
			remaining = append(remaining, o)
			continue
		}

		var slippageRate decimal.Decimal
		if slippage != nil {
			slippageRate = slippage.Calculate(o, a)
		}
		o.fill(fillPrice, e.exchangeTime, commission, slippageRate)
		e.filledOrders = append(e.filledOrders, o)
		filled = append(filled, o)
	}

	e.pendingOrders = remaining
	return filled
}

// tryMatch applies the per-type matching rule from spec §4.2.
// tradeSide, when non-nil, resolves the parent trade's sign for
// STOP_LOSS/TAKE_PROFIT orders (they trigger relative to the parent's
// side rather than the order's own sign).
func (e *Exchange) tryMatch(o *Order, published decimal.Decimal, tradeSide func(assetIdx, strategyIdx int) float64) (decimal.Decimal, bool) {
	switch o.Type {
	case OrderTypeMarket:
		return published, true

	case OrderTypeLimit:
		if o.Units > 0 {
			if published.LessThanOrEqual(o.Limit) {
				return decimal.Min(o.Limit, published), true
			}
			return decimal.Zero, false
		}
		if published.GreaterThanOrEqual(o.Limit) {
			return decimal.Max(o.Limit, published), true
		}
		return decimal.Zero, false

	case OrderTypeStopLoss, OrderTypeTakeProfit:
		side := o.Units
		if tradeSide != nil {
			if s := tradeSide(o.AssetIndex, o.StrategyIndex); s != 0 {
				side = s
			}
		}
		triggered := false
		if o.Type == OrderTypeStopLoss {
			if side > 0 {
				triggered = published.LessThanOrEqual(o.Limit)
			} else {
				triggered = published.GreaterThanOrEqual(o.Limit)
			}
		} else {
			if side > 0 {
				triggered = published.GreaterThanOrEqual(o.Limit)
			} else {
				triggered = published.LessThanOrEqual(o.Limit)
			}
		}
		if triggered {
			return published, true
		}
		return decimal.Zero, false

	default:
		return decimal.Zero, false
	}
}

// CancelExpired cancels any still-pending order whose asset has expired
// this tick, per the Lifecycles section of spec §3.
func (e *Exchange) CancelExpired(expiredIndices map[int]struct{}) {
	remaining := e.pendingOrders[:0]
	for _, o := range e.pendingOrders {
		if _, expired := expiredIndices[o.AssetIndex]; expired {
			o.cancel(e.exchangeTime)
			e.filledOrders = append(e.filledOrders, o)
			continue
		}
		remaining = append(remaining, o)
	}
	e.pendingOrders = remaining
}

// View builds an ExchangeView: per-asset values from a column+offset
// lookup, ranked per mode, skipping assets still in warmup and assets
// whose lookup fails (spec §4.2).
func (e *Exchange) View(column string, offset int, mode RankMode, k int) []AssetValue {
	var out []AssetValue
	for _, a := range e.assets {
		if !a.isInExchangeView && a.cursor <= a.Warmup {
			continue
		}
		v, err := a.GetFeature(column, offset)
		if err != nil {
			continue
		}
		out = append(out, AssetValue{AssetIndex: a.index, Value: v})
	}
	return rankView(out, mode, k)
}

// ViewFunc is like View but applies an arbitrary per-asset function
// instead of a fixed column lookup.
func (e *Exchange) ViewFunc(fn func(a *Asset) (float64, error), mode RankMode, k int) []AssetValue {
	var out []AssetValue
	for _, a := range e.assets {
		if !a.isInExchangeView && a.cursor <= a.Warmup {
			continue
		}
		v, err := fn(a)
		if err != nil {
			continue
		}
		out = append(out, AssetValue{AssetIndex: a.index, Value: v})
	}
	return rankView(out, mode, k)
}

func rankView(values []AssetValue, mode RankMode, k int) []AssetValue {
	switch mode {
	case RankDefault:
		return values
	case RankNLargest:
		sort.Slice(values, func(i, j int) bool { return values[i].Value > values[j].Value })
		if k < len(values) {
			values = values[:k]
		}
		return values
	case RankNSmallest:
		sort.Slice(values, func(i, j int) bool { return values[i].Value < values[j].Value })
		if k < len(values) {
			values = values[:k]
		}
		return values
	case RankNExtreme:
		sort.Slice(values, func(i, j int) bool { return values[i].Value < values[j].Value })
		half := k / 2
		var out []AssetValue
		if half < len(values) {
			out = append(out, values[:half]...)
		} else {
			out = append(out, values...)
		}
		if half <= len(values) {
			out = append(out, values[len(values)-half:]...)
		}
		return out
	default:
		return values
	}
}

// PublishedPrice returns the current open/close price of an asset on
// this exchange by global index.
func (e *Exchange) PublishedPrice(assetIndex int, onClose bool) (decimal.Decimal, error) {
	a, ok := e.byIndex[assetIndex]
	if !ok {
		return decimal.Zero, newKernelError(InvalidId, "Exchange.PublishedPrice", "unknown asset index")
	}
	p, err := a.CurrentPrice(onClose)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(p), nil
}

// Reset rewinds the exchange's cursor and every member asset.
func (e *Exchange) Reset() error {
	e.currentIndex = 0
	e.pendingOrders = nil
	e.filledOrders = nil
	for _, a := range e.assets {
		if err := a.Reset(time.Time{}); err != nil {
			return err
		}
	}
	return nil
}
