package backtester

import (
	"time"

	"github.com/kestrel-quant/backtester/pkg/types"
	"github.com/shopspring/decimal"
)

// AllocEntry is one line of a strategy_allocate view: a target for one
// asset, interpreted per AllocType (spec §4.6).
type AllocEntry struct {
	AssetIndex int
	Target     float64
}

// AllocType selects how strategy_allocate interprets AllocEntry.Target.
type AllocType int

const (
	AllocUnits AllocType = iota
	AllocNotional
	AllocFractionOfNLV
)

// Strategy is the decision unit contract the Engine drives (spec
// §4.6). Concrete strategies live in internal/strategy and are bound
// to one Exchange, one Portfolio, and an optional trading window.
type Strategy interface {
	ID() string
	Index() int
	SetIndex(i int)
	PortfolioIndex() int
	ExchangeID() string
	StepFrequency() int
	TradingWindow() *types.TradingWindow
	IsDisabled() bool
	Disable()
	ApplyBetaHedge() bool
	Tracers() TracerSet

	// Next is called once per eligible tick. ctx exposes the exchange
	// view, existing trades, and order placement.
	Next(ctx *StrategyContext)
}

// StrategyContext is the per-tick handle a Strategy uses to read market
// state and emit orders. It is constructed fresh by the Engine for
// every eligible Next() call.
type StrategyContext struct {
	Now        time.Time
	Exchange   *Exchange
	Portfolio  *Portfolio
	Router     *Router
	IDs        *idAllocator
	Risk       *RiskManager
	Covariance *CovarianceMatrix

	strategyIndex  int
	portfolioIndex int
	marketIndex    int
	marketValid    bool
	betaHedge      bool
}

// PlaceOrder submits an order through the Router, filling in the
// strategy/portfolio indices and, when the strategy has beta-hedging
// enabled, attaching a hedge child against the market asset. An order
// that would push the strategy's gross leverage past its RiskLimits is
// rejected before it ever reaches the exchange.
func (c *StrategyContext) PlaceOrder(o *Order) {
	o.OrderID = c.IDs.Next()
	o.StrategyIndex = c.strategyIndex
	o.PortfolioIndex = c.portfolioIndex
	o.CreateTime = c.Now
	o.State = OrderPending

	if c.Risk != nil {
		if asset, ok := c.Exchange.AssetByIndex(o.AssetIndex); ok {
			if price, err := asset.CurrentPrice(false); err == nil {
				notional := decimal.NewFromFloat(price * o.Units)
				if !c.Risk.AllowOrder(c.strategyIndex, notional, c.Portfolio.NLV()) {
					o.reject("leverage limit exceeded")
					return
				}
			}
		}
	}

	if c.betaHedge && c.marketValid && o.AssetIndex != c.marketIndex {
		if hedge := c.buildBetaHedge(o); hedge != nil {
			o.BetaHedgeChild = hedge
		}
	}

	c.Router.PlaceOrder(o)
}

func (c *StrategyContext) buildBetaHedge(parent *Order) *Order {
	asset, ok := c.Exchange.AssetByIndex(parent.AssetIndex)
	if !ok {
		return nil
	}
	beta := asset.Beta()
	if beta != beta { // NaN check without importing math here
		return nil
	}
	market, ok := c.Exchange.AssetByIndex(c.marketIndex)
	if !ok {
		return nil
	}
	assetPrice, err1 := asset.CurrentPrice(true)
	marketPrice, err2 := market.CurrentPrice(true)
	if err1 != nil || err2 != nil || marketPrice == 0 {
		return nil
	}
	hedgeUnits := -beta * parent.Units * (assetPrice / marketPrice)
	if hedgeUnits == 0 {
		return nil
	}
	return &Order{
		AssetIndex:     c.marketIndex,
		StrategyIndex:  c.strategyIndex,
		PortfolioIndex: c.portfolioIndex,
		Type:           OrderTypeMarket,
		Units:          hedgeUnits,
	}
}

// Allocate implements strategy_allocate (spec §4.6): computes a target
// unit count per entry, compares it to current open units, and emits a
// MARKET order when the relative delta exceeds epsilon. When
// clearMissing is set, any existing (strategy, asset) trade absent
// from view is closed with an inverse order.
func (c *StrategyContext) Allocate(view []AllocEntry, epsilon float64, clearMissing bool, exit TradeExit, allocType AllocType, strategyNLV float64) {
	seen := make(map[int]struct{}, len(view))

	for _, entry := range view {
		seen[entry.AssetIndex] = struct{}{}
		c.Portfolio.TouchTrade(c.strategyIndex, entry.AssetIndex, c.Now)

		asset, ok := c.Exchange.AssetByIndex(entry.AssetIndex)
		if !ok {
			continue
		}
		price, err := asset.CurrentPrice(false)
		if err != nil || price == 0 {
			continue
		}

		var targetUnits float64
		switch allocType {
		case AllocUnits:
			targetUnits = entry.Target
		case AllocNotional:
			targetUnits = entry.Target / price
		case AllocFractionOfNLV:
			targetUnits = (entry.Target * strategyNLV) / price
		}

		current := c.Portfolio.OpenTradeUnits(c.strategyIndex, entry.AssetIndex)
		delta := targetUnits - current

		if targetUnits == 0 {
			if current != 0 {
				c.PlaceOrder(NewMarketOrder(0, entry.AssetIndex, c.strategyIndex, c.portfolioIndex, -current, exit))
			}
			continue
		}

		if absF(delta)/absF(targetUnits) > epsilon {
			c.PlaceOrder(NewMarketOrder(0, entry.AssetIndex, c.strategyIndex, c.portfolioIndex, delta, exit))
		}
	}

	if !clearMissing {
		return
	}
	for assetIdx := 0; assetIdx < c.Exchange.nextAssetBound(); assetIdx++ {
		if _, inView := seen[assetIdx]; inView {
			continue
		}
		units := c.Portfolio.OpenTradeUnits(c.strategyIndex, assetIdx)
		if units != 0 {
			c.PlaceOrder(NewMarketOrder(0, assetIdx, c.strategyIndex, c.portfolioIndex, -units, exit))
		}
	}
}

// nextAssetBound is a small helper so Allocate's clear-missing sweep
// only touches assets this exchange actually owns.
func (e *Exchange) nextAssetBound() int {
	max := 0
	for idx := range e.byIndex {
		if idx+1 > max {
			max = idx + 1
		}
	}
	return max
}
