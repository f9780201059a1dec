package backtester

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestExitBarsFiresAtExactHoldCount(t *testing.T) {
	exit := &ExitBars{N: 2}
	trade := newTrade(1, 0, 0, 0, 10, decimal.NewFromInt(100), time.Now(), 1, exit)

	trade.Evaluate(decimal.NewFromInt(100), true)
	if trade.CheckExit() {
		t.Error("should not fire before the target hold count")
	}
	trade.Evaluate(decimal.NewFromInt(100), true)
	if !trade.CheckExit() {
		t.Error("should fire at exactly the target hold count")
	}
}

func TestExitThresholdResolvesLevelsOnFirstEvaluateForLong(t *testing.T) {
	exit := &ExitThreshold{StopLossPct: decimal.NewFromFloat(0.05), TakeProfitPct: decimal.NewFromFloat(0.1)}
	trade := newTrade(1, 0, 0, 0, 10, decimal.NewFromInt(100), time.Now(), 1, exit)

	trade.Evaluate(decimal.NewFromInt(100), true)
	if trade.CheckExit() {
		t.Error("should not fire at the resolution price itself")
	}

	trade.Evaluate(decimal.NewFromInt(94), true)
	if !trade.CheckExit() {
		t.Error("expected stop-loss to fire below the resolved level")
	}
}

func TestExitThresholdFiresOnTakeProfitForShort(t *testing.T) {
	exit := &ExitThreshold{StopLossPct: decimal.NewFromFloat(0.05), TakeProfitPct: decimal.NewFromFloat(0.1)}
	trade := newTrade(1, 0, 0, 0, -10, decimal.NewFromInt(100), time.Now(), 1, exit)

	trade.Evaluate(decimal.NewFromInt(100), true)
	if trade.CheckExit() {
		t.Error("should not fire at the resolution price itself")
	}

	trade.Evaluate(decimal.NewFromInt(89), true)
	if !trade.CheckExit() {
		t.Error("expected a short's take-profit to fire once price drops 10% below entry")
	}
}

func TestExitBandFiresOutsideBounds(t *testing.T) {
	exit := &ExitBand{LowerBound: decimal.NewFromInt(90), UpperBound: decimal.NewFromInt(110)}
	trade := newTrade(1, 0, 0, 0, 10, decimal.NewFromInt(100), time.Now(), 1, exit)

	trade.Evaluate(decimal.NewFromInt(100), true)
	if trade.CheckExit() {
		t.Error("should not fire inside the band")
	}
	trade.Evaluate(decimal.NewFromInt(111), true)
	if !trade.CheckExit() {
		t.Error("expected the band exit to fire above the upper bound")
	}
}

func TestExitCompositeAndRequiresAllChildren(t *testing.T) {
	bars := &ExitBars{N: 2}
	band := &ExitBand{LowerBound: decimal.NewFromInt(90), UpperBound: decimal.NewFromInt(110)}
	composite := &ExitComposite{Children: []TradeExit{bars, band}, Op: CompositeAnd}
	trade := newTrade(1, 0, 0, 0, 10, decimal.NewFromInt(100), time.Now(), 1, composite)

	trade.Evaluate(decimal.NewFromInt(111), true)
	if trade.CheckExit() {
		t.Error("AND composite should not fire when only the band child matches")
	}

	trade.Evaluate(decimal.NewFromInt(111), true)
	if !trade.CheckExit() {
		t.Error("AND composite should fire once every child matches")
	}
}

func TestExitCompositeOrFiresOnAnyChild(t *testing.T) {
	bars := &ExitBars{N: 99}
	band := &ExitBand{LowerBound: decimal.NewFromInt(90), UpperBound: decimal.NewFromInt(110)}
	composite := &ExitComposite{Children: []TradeExit{bars, band}, Op: CompositeOr}
	trade := newTrade(1, 0, 0, 0, 10, decimal.NewFromInt(100), time.Now(), 1, composite)

	trade.Evaluate(decimal.NewFromInt(111), true)
	if !trade.CheckExit() {
		t.Error("OR composite should fire when any child matches")
	}
}

func TestExitCompositeWithNoChildrenNeverFires(t *testing.T) {
	composite := &ExitComposite{}
	trade := newTrade(1, 0, 0, 0, 10, decimal.NewFromInt(100), time.Now(), 1, composite)
	trade.Evaluate(decimal.NewFromInt(0), true)
	if trade.CheckExit() {
		t.Error("an empty composite should never fire")
	}
}
