package backtester

import "github.com/shopspring/decimal"

// TradeExit is the tagged-variant family for trade exit policies (spec
// §4.6, Design Notes: Bars(n), Threshold(sl,tp), Band(lb,ub),
// Composite(children, and|or)). Each variant decides, given a trade
// that has just evaluated, whether it should be closed this tick.
type TradeExit interface {
	// ShouldExit is called once per tick, immediately after Trade.Evaluate.
	// It may mutate internal state (ExitThreshold resolves its absolute
	// levels on the first call).
	ShouldExit(t *Trade) bool
	Name() string
}

// ExitBars fires once a trade has been held for exactly n bars.
type ExitBars struct {
	N int
}

func (e *ExitBars) Name() string { return "ExitBars" }

func (e *ExitBars) ShouldExit(t *Trade) bool {
	return t.BarsHeld == e.N
}

// ExitThreshold fires when the trade's last price crosses a stop-loss
// or take-profit percentage resolved against the trade's open price at
// the exit's first evaluation (spec §9 SUPPLEMENTED FEATURES, grounded
// on Trade.h's build()-time resolution, not open-time).
type ExitThreshold struct {
	StopLossPct   decimal.Decimal // e.g. 0.02 for -2%
	TakeProfitPct decimal.Decimal

	built    bool
	stopLoss decimal.Decimal
	takeProf decimal.Decimal
}

func (e *ExitThreshold) Name() string { return "ExitThreshold" }

func (e *ExitThreshold) ShouldExit(t *Trade) bool {
	if !e.built {
		base := t.OpenPrice
		if t.Units > 0 {
			e.stopLoss = base.Mul(decimal.NewFromInt(1).Sub(e.StopLossPct))
			e.takeProf = base.Mul(decimal.NewFromInt(1).Add(e.TakeProfitPct))
		} else {
			e.stopLoss = base.Mul(decimal.NewFromInt(1).Add(e.StopLossPct))
			e.takeProf = base.Mul(decimal.NewFromInt(1).Sub(e.TakeProfitPct))
		}
		e.built = true
	}
	if t.Units > 0 {
		return t.LastPrice.LessThanOrEqual(e.stopLoss) || t.LastPrice.GreaterThanOrEqual(e.takeProf)
	}
	return t.LastPrice.GreaterThanOrEqual(e.stopLoss) || t.LastPrice.LessThanOrEqual(e.takeProf)
}

// ExitBand fires on simple absolute lower/upper bounds, independent of
// the trade's side.
type ExitBand struct {
	LowerBound decimal.Decimal
	UpperBound decimal.Decimal
}

func (e *ExitBand) Name() string { return "ExitBand" }

func (e *ExitBand) ShouldExit(t *Trade) bool {
	return t.LastPrice.LessThanOrEqual(e.LowerBound) || t.LastPrice.GreaterThanOrEqual(e.UpperBound)
}

// CompositeOp selects how ExitComposite combines its children.
type CompositeOp int

const (
	CompositeAnd CompositeOp = iota
	CompositeOr
)

// ExitComposite combines several child exits with AND/OR semantics
// (spec §9 Design Notes).
type ExitComposite struct {
	Children []TradeExit
	Op       CompositeOp
}

func (e *ExitComposite) Name() string { return "ExitComposite" }

func (e *ExitComposite) ShouldExit(t *Trade) bool {
	if len(e.Children) == 0 {
		return false
	}
	switch e.Op {
	case CompositeAnd:
		for _, c := range e.Children {
			if !c.ShouldExit(t) {
				return false
			}
		}
		return true
	default: // CompositeOr
		fired := false
		for _, c := range e.Children {
			// Evaluate every child even after one fires, so stateful
			// exits like ExitThreshold resolve their levels consistently.
			if c.ShouldExit(t) {
				fired = true
			}
		}
		return fired
	}
}
