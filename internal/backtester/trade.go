package backtester

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradePartition records that a share of this trade's units is
// earmarked against a dependent child trade — e.g. a beta-hedge leg
// (grounded on AgisCore's Trade.h TradePartition struct). Partitions are
// bookkeeping only: closing the parent does not touch the child trade.
type TradePartition struct {
	ParentTradeID   uint64
	ChildTradeID    uint64
	ChildTradeUnits float64
}

// Trade is the open signed-unit exposure of one (strategy, asset) pair.
// Average-price accounting per spec §4.4: opening sets (units, avg
// price); same-sign fills increase and volume-weight the average;
// opposite-sign fills reduce, close, or cross zero into a new trade.
type Trade struct {
	TradeID        uint64
	AssetIndex     int
	StrategyIndex  int
	PortfolioIndex int

	Units        float64
	AveragePrice decimal.Decimal
	OpenPrice    decimal.Decimal // price at which the trade was first opened
	ClosePrice   decimal.Decimal
	LastPrice    decimal.Decimal

	UnrealizedPL decimal.Decimal
	RealizedPL   decimal.Decimal
	NLV          decimal.Decimal

	OpenTime      time.Time
	CloseTime     time.Time
	BarsHeld      int
	UnitMultiplier float64

	Exit TradeExit

	// AllocTouch marks the tick at which strategy_allocate last considered
	// this trade's asset, whether or not it emitted an order for it.
	AllocTouch time.Time

	ChildPartitions []TradePartition

	closed bool
}

// newTrade opens a trade from a filled order. unitMultiplier defaults
// to 1 when zero.
func newTrade(id uint64, assetIndex, strategyIndex, portfolioIndex int, units float64, price decimal.Decimal, t time.Time, unitMultiplier float64, exit TradeExit) *Trade {
	if unitMultiplier == 0 {
		unitMultiplier = 1
	}
	return &Trade{
		TradeID:        id,
		AssetIndex:     assetIndex,
		StrategyIndex:  strategyIndex,
		PortfolioIndex: portfolioIndex,
		Units:          units,
		AveragePrice:   price,
		OpenPrice:      price,
		LastPrice:      price,
		OpenTime:       t,
		UnitMultiplier: unitMultiplier,
		Exit:           exit,
	}
}

// IsOpen reports whether the trade still carries non-zero units.
func (t *Trade) IsOpen() bool { return !t.closed && t.Units != 0 }

// ApplyFill applies a fill of qty units at price p against this trade,
// implementing the four cases of spec §4.4: increase (same sign),
// reduce (opposite sign, |qty| < |units|), close (opposite sign, exact
// offset), and adjust/cross-zero (opposite sign, overshoot). Returns a
// non-nil remainder trade when the fill crosses zero, which the caller
// (Portfolio) must register as a newly opened trade.
func (t *Trade) ApplyFill(qty float64, price decimal.Decimal, tm time.Time) (remainder *Trade) {
	sameSign := (qty > 0) == (t.Units > 0)

	if sameSign {
		newUnits := t.Units + qty
		num := t.AveragePrice.Mul(decimal.NewFromFloat(t.Units)).Add(price.Mul(decimal.NewFromFloat(qty)))
		t.AveragePrice = num.Div(decimal.NewFromFloat(newUnits))
		t.Units = newUnits
		return nil
	}

	closedQty := qty
	if absF(qty) > absF(t.Units) {
		closedQty = -t.Units // exactly enough to flatten; remainder opens separately
	}

	pnl := price.Sub(t.AveragePrice).Mul(decimal.NewFromFloat(-closedQty)).Mul(decimal.NewFromFloat(t.UnitMultiplier))
	t.RealizedPL = t.RealizedPL.Add(pnl)
	t.Units += closedQty

	if t.Units == 0 {
		t.closed = true
		t.ClosePrice = price
		t.CloseTime = tm
	}

	overshoot := qty - closedQty
	if overshoot != 0 {
		remainder = newTrade(0, t.AssetIndex, t.StrategyIndex, t.PortfolioIndex, overshoot, price, tm, t.UnitMultiplier, t.Exit)
	}
	return remainder
}

// Evaluate marks the trade to market (spec §4.4): last_price from the
// exchange's published price, unrealized P&L, NLV (same
// units*price convention for longs and shorts, per the §9 open
// question resolved in SPEC_FULL.md's Design Notes), and bars_held
// incremented at end-of-bar.
func (t *Trade) Evaluate(lastPrice decimal.Decimal, onClose bool) {
	t.LastPrice = lastPrice
	t.UnrealizedPL = lastPrice.Sub(t.AveragePrice).Mul(decimal.NewFromFloat(t.Units)).Mul(decimal.NewFromFloat(t.UnitMultiplier))
	t.NLV = lastPrice.Mul(decimal.NewFromFloat(t.Units)).Mul(decimal.NewFromFloat(t.UnitMultiplier))
	if onClose {
		t.BarsHeld++
	}
}

// CheckExit evaluates the trade's exit policy, if any, after Evaluate
// has run (spec §4.6). Returns true when the exit fired.
func (t *Trade) CheckExit() bool {
	if t.Exit == nil {
		return false
	}
	return t.Exit.ShouldExit(t)
}

func absF(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
