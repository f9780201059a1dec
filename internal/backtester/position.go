package backtester

import "github.com/shopspring/decimal"

// Position is the per-asset aggregate of all strategies' Trades in
// that asset under one Portfolio (spec §3, §4.4). A Position exists
// iff its trade map is non-empty; its average price is recomputed,
// weighted only over same-sign components, whenever a child trade
// changes (spec §9 open question, resolved this way per the spec's own
// recommendation).
type Position struct {
	AssetIndex int

	Units        float64
	AveragePrice decimal.Decimal
	LastPrice    decimal.Decimal
	NLV          decimal.Decimal
	BarsHeld     int

	trades map[uint64]*Trade // keyed by TradeID, one per strategy

	pendingExits []uint64 // trade ids whose exit policy fired this tick
}

func newPosition(assetIndex int) *Position {
	return &Position{AssetIndex: assetIndex, trades: make(map[uint64]*Trade)}
}

// IsEmpty reports whether the position has no open trades and should
// be removed from the Portfolio's position map.
func (p *Position) IsEmpty() bool { return len(p.trades) == 0 }

// addTrade registers a newly opened trade and recomputes aggregates.
func (p *Position) addTrade(t *Trade) {
	p.trades[t.TradeID] = t
	p.recompute()
}

// removeTrade drops a closed trade and recomputes aggregates.
func (p *Position) removeTrade(tradeID uint64) {
	delete(p.trades, tradeID)
	p.recompute()
}

// recompute derives Units and AveragePrice from the live trade set.
// AveragePrice is the volume-weighted average over same-sign trades
// only, so a position straddling both a long strategy and a short
// strategy on the same asset does not produce a nonsensical blended
// price.
func (p *Position) recompute() {
	var units float64
	var longNotional, longUnits, shortNotional, shortUnits decimal.Decimal

	for _, t := range p.trades {
		units += t.Units
		if t.Units > 0 {
			longNotional = longNotional.Add(t.AveragePrice.Mul(decimal.NewFromFloat(t.Units)))
			longUnits = longUnits.Add(decimal.NewFromFloat(t.Units))
		} else if t.Units < 0 {
			shortNotional = shortNotional.Add(t.AveragePrice.Mul(decimal.NewFromFloat(t.Units)))
			shortUnits = shortUnits.Add(decimal.NewFromFloat(t.Units))
		}
	}

	p.Units = units

	switch {
	case !longUnits.IsZero() && shortUnits.IsZero():
		p.AveragePrice = longNotional.Div(longUnits)
	case longUnits.IsZero() && !shortUnits.IsZero():
		p.AveragePrice = shortNotional.Div(shortUnits)
	case !longUnits.IsZero() && !shortUnits.IsZero():
		// Both sides present: weight by whichever side carries more units.
		if longUnits.Abs().GreaterThanOrEqual(shortUnits.Abs()) {
			p.AveragePrice = longNotional.Div(longUnits)
		} else {
			p.AveragePrice = shortNotional.Div(shortUnits)
		}
	default:
		p.AveragePrice = decimal.Zero
	}
}

// Evaluate marks the position to market from its live trade set. Each
// trade must already have been evaluated by the caller (Portfolio).
func (p *Position) Evaluate(lastPrice decimal.Decimal) {
	p.LastPrice = lastPrice
	nlv := decimal.Zero
	maxBars := 0
	for _, t := range p.trades {
		nlv = nlv.Add(t.NLV)
		if t.BarsHeld > maxBars {
			maxBars = t.BarsHeld
		}
	}
	p.NLV = nlv
	p.BarsHeld = maxBars
}

// Trades returns the live trades backing this position, for callers
// that need to iterate (e.g. tracers, strategy views).
func (p *Position) Trades() []*Trade {
	out := make([]*Trade, 0, len(p.trades))
	for _, t := range p.trades {
		out = append(out, t)
	}
	return out
}
