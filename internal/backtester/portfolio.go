// Package backtester provides portfolio simulation for backtesting.
package backtester

import (
	"sync"
	"time"

	"github.com/kestrel-quant/backtester/pkg/types"
	"github.com/shopspring/decimal"
)

// Portfolio aggregates Positions, holds cash, and tracks NLV (spec
// §3). Each Portfolio is an isolated island under one mutex during
// fill processing (spec §5 shared-resource policy).
type Portfolio struct {
	mu sync.Mutex

	ID    string
	index int

	cash         decimal.Decimal
	nlv          decimal.Decimal
	unrealizedPL decimal.Decimal
	frequency    types.Frequency

	positions map[int]*Position // keyed by asset index

	benchmarkStrategyIndex int
	hasBenchmark           bool

	tradeHistory    []*Trade
	positionHistory []*Position

	ids *idAllocator

	equityCurve []types.EquityCurvePoint
}

// NewPortfolio creates a portfolio with starting cash, bound to a
// shared id allocator so trade ids are unique across the whole Engine run.
func NewPortfolio(id string, index int, startingCash decimal.Decimal, freq types.Frequency, ids *idAllocator) *Portfolio {
	return &Portfolio{
		ID:        id,
		index:     index,
		cash:      startingCash,
		nlv:       startingCash,
		frequency: freq,
		positions: make(map[int]*Position),
		ids:       ids,
	}
}

// PortfolioIndex implements FillHandler.
func (p *Portfolio) PortfolioIndex() int { return p.index }

// Cash returns the current cash balance.
func (p *Portfolio) Cash() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash
}

// NLV returns the current net liquidation value.
func (p *Portfolio) NLV() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nlv
}

// Position returns the live position for an asset, if any.
func (p *Portfolio) Position(assetIndex int) (*Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[assetIndex]
	return pos, ok
}

// OpenTradeUnits returns the current signed units of a (strategy,
// asset) trade, or 0 if none is open — used by strategy_allocate to
// compute delta units against a target.
func (p *Portfolio) OpenTradeUnits(strategyIndex, assetIndex int) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[assetIndex]
	if !ok {
		return 0
	}
	for _, t := range pos.trades {
		if t.StrategyIndex == strategyIndex {
			return t.Units
		}
	}
	return 0
}

// HandleFill implements FillHandler: applies cash and position/trade
// mutation for a filled order, unless the order is phantom (spec §9
// open question: phantom orders reach order_history but never mutate
// portfolio state). It returns the id of the trade the fill left open,
// if any, so the Router can link a beta-hedge child's resulting trade
// back to its parent via LinkPartition.
func (p *Portfolio) HandleFill(o *Order, _ *Trade) (resultTradeID uint64, hasOpenTrade bool) {
	if o.State != OrderFilled && o.State != OrderCheat {
		return 0, false
	}
	if o.Phantom {
		return 0, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.cash = p.cash.Add(o.CashImpact)

	pos, exists := p.positions[o.AssetIndex]
	if !exists {
		pos = newPosition(o.AssetIndex)
		p.positions[o.AssetIndex] = pos
	}

	var existing *Trade
	for _, t := range pos.trades {
		if t.StrategyIndex == o.StrategyIndex {
			existing = t
			break
		}
	}

	if existing == nil {
		t := newTrade(p.ids.Next(), o.AssetIndex, o.StrategyIndex, p.index, o.Units, o.AveragePrice, o.FillTime, 1, o.Exit)
		pos.addTrade(t)
		return t.TradeID, true
	}

	remainder := existing.ApplyFill(o.Units, o.AveragePrice, o.FillTime)
	if existing.closed {
		p.tradeHistory = append(p.tradeHistory, existing)
		pos.removeTrade(existing.TradeID)
		resultTradeID, hasOpenTrade = 0, false
	} else {
		pos.recompute()
		resultTradeID, hasOpenTrade = existing.TradeID, true
	}
	if remainder != nil {
		remainder.TradeID = p.ids.Next()
		pos.addTrade(remainder)
		resultTradeID, hasOpenTrade = remainder.TradeID, true
	}

	if pos.IsEmpty() {
		p.positionHistory = append(p.positionHistory, pos)
		delete(p.positions, o.AssetIndex)
	}
	return resultTradeID, hasOpenTrade
}

// LinkPartition records that childTradeID (carrying childUnits of
// exposure) is a dependent partition of parentTradeID — e.g. a
// beta-hedge leg opened against the market asset — so the parent trade
// can be walked to find it later (spec §9 supplemented TradePartition
// bookkeeping, grounded on AgisCore's Trade.h).
func (p *Portfolio) LinkPartition(parentTradeID, childTradeID uint64, childUnits float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pos := range p.positions {
		if t, ok := pos.trades[parentTradeID]; ok {
			t.ChildPartitions = append(t.ChildPartitions, TradePartition{
				ParentTradeID:   parentTradeID,
				ChildTradeID:    childTradeID,
				ChildTradeUnits: childUnits,
			})
			return
		}
	}
}

// TouchTrade stamps the open trade for (strategyIndex, assetIndex), if
// any, with the tick at which strategy_allocate last considered it —
// bookkeeping that lets a caller tell which trades the latest
// Allocate call did and didn't examine (spec §9 supplemented
// strategy_alloc_touch, grounded on AgisCore's Trade.h).
func (p *Portfolio) TouchTrade(strategyIndex, assetIndex int, t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[assetIndex]
	if !ok {
		return
	}
	for _, tr := range pos.trades {
		if tr.StrategyIndex == strategyIndex {
			tr.AllocTouch = t
			return
		}
	}
}

// Evaluate marks every open trade and position to market, then
// recomputes NLV = cash + sum(Position.NLV) (spec §8 invariant 1).
// publishedPrice resolves an asset's current open/close price.
func (p *Portfolio) Evaluate(onClose bool, publishedPrice func(assetIndex int) (decimal.Decimal, error), t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := decimal.Zero
	var unrealized decimal.Decimal

	for assetIdx, pos := range p.positions {
		price, err := publishedPrice(assetIdx)
		if err != nil {
			continue
		}
		for _, tr := range pos.trades {
			tr.Evaluate(price, onClose)
			unrealized = unrealized.Add(tr.UnrealizedPL)
			if fired := tr.CheckExit(); fired {
				// Exit firing is surfaced via CheckExit's boolean; the
				// caller (Engine) owns emitting the closing order through
				// the Router, since Portfolio has no Router reference.
				pos.pendingExits = append(pos.pendingExits, tr.TradeID)
			}
		}
		pos.Evaluate(price)
		total = total.Add(pos.NLV)
	}

	p.unrealizedPL = unrealized
	p.nlv = p.cash.Add(total)
}

// PendingExits drains the trade ids whose exit policy fired on the
// most recent Evaluate call, across all positions.
func (p *Portfolio) PendingExits() map[int][]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int][]uint64)
	for assetIdx, pos := range p.positions {
		if len(pos.pendingExits) == 0 {
			continue
		}
		out[assetIdx] = pos.pendingExits
		pos.pendingExits = nil
	}
	return out
}

// RecordEquityPoint appends one sample to the portfolio's equity curve.
func (p *Portfolio) RecordEquityPoint(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.equityCurve = append(p.equityCurve, types.EquityCurvePoint{
		Timestamp: t,
		NLV:       p.nlv,
		Cash:      p.cash,
		Drawdown:  p.currentDrawdown(),
	})
}

func (p *Portfolio) currentDrawdown() decimal.Decimal {
	if len(p.equityCurve) == 0 {
		return decimal.Zero
	}
	peak := p.equityCurve[0].NLV
	for _, pt := range p.equityCurve {
		if pt.NLV.GreaterThan(peak) {
			peak = pt.NLV
		}
	}
	if peak.IsZero() || p.nlv.GreaterThanOrEqual(peak) {
		return decimal.Zero
	}
	return peak.Sub(p.nlv).Div(peak)
}

// EquityCurve returns the recorded equity curve.
func (p *Portfolio) EquityCurve() []types.EquityCurvePoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.EquityCurvePoint, len(p.equityCurve))
	copy(out, p.equityCurve)
	return out
}

// TradeHistory returns the archived (closed) trades.
func (p *Portfolio) TradeHistory() []*Trade {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Trade, len(p.tradeHistory))
	copy(out, p.tradeHistory)
	return out
}

// Reset restores the portfolio to its starting state.
func (p *Portfolio) Reset(startingCash decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = startingCash
	p.nlv = startingCash
	p.unrealizedPL = decimal.Zero
	p.positions = make(map[int]*Position)
	p.tradeHistory = nil
	p.positionHistory = nil
	p.equityCurve = nil
}
