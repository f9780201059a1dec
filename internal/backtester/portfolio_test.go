package backtester

import (
	"testing"
	"time"

	"github.com/kestrel-quant/backtester/pkg/types"
	"github.com/shopspring/decimal"
)

func filledOrder(assetIndex, strategyIndex, portfolioIndex int, units float64, price decimal.Decimal, t time.Time) *Order {
	o := NewMarketOrder(0, assetIndex, strategyIndex, portfolioIndex, units, nil)
	o.fill(price, t, decimal.Zero, decimal.Zero)
	return o
}

func TestPortfolioHandleFillOpensPosition(t *testing.T) {
	ids := newIDAllocator()
	p := NewPortfolio("p1", 0, decimal.NewFromInt(10000), types.Frequency1h, ids)

	now := time.Now()
	o := filledOrder(0, 0, 0, 10, decimal.NewFromInt(100), now)
	p.HandleFill(o, nil)

	pos, ok := p.Position(0)
	if !ok {
		t.Fatal("expected a position to be opened")
	}
	if pos.Units != 10 {
		t.Errorf("expected 10 units, got %v", pos.Units)
	}
	if !p.Cash().Equal(decimal.NewFromInt(9000)) {
		t.Errorf("expected cash 9000 after buying 10 units at 100, got %s", p.Cash())
	}
}

func TestPortfolioHandleFillIgnoresPhantomOrders(t *testing.T) {
	ids := newIDAllocator()
	p := NewPortfolio("p1", 0, decimal.NewFromInt(10000), types.Frequency1h, ids)

	o := filledOrder(0, 0, 0, 10, decimal.NewFromInt(100), time.Now())
	o.Phantom = true
	p.HandleFill(o, nil)

	if _, ok := p.Position(0); ok {
		t.Error("a phantom order should never open a position")
	}
	if !p.Cash().Equal(decimal.NewFromInt(10000)) {
		t.Errorf("expected cash unchanged at 10000, got %s", p.Cash())
	}
}

func TestPortfolioHandleFillClosesPositionAndArchivesTrade(t *testing.T) {
	ids := newIDAllocator()
	p := NewPortfolio("p1", 0, decimal.NewFromInt(10000), types.Frequency1h, ids)

	now := time.Now()
	p.HandleFill(filledOrder(0, 0, 0, 10, decimal.NewFromInt(100), now), nil)
	p.HandleFill(filledOrder(0, 0, 0, -10, decimal.NewFromInt(110), now.Add(time.Hour)), nil)

	if _, ok := p.Position(0); ok {
		t.Error("position should be removed once fully closed")
	}
	history := p.TradeHistory()
	if len(history) != 1 {
		t.Fatalf("expected 1 archived trade, got %d", len(history))
	}
	if !history[0].RealizedPL.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected realized PL 100, got %s", history[0].RealizedPL)
	}
}

func TestPortfolioHandleFillReturnsResultTradeID(t *testing.T) {
	ids := newIDAllocator()
	p := NewPortfolio("p1", 0, decimal.NewFromInt(10000), types.Frequency1h, ids)

	now := time.Now()
	id, hasOpenTrade := p.HandleFill(filledOrder(0, 0, 0, 10, decimal.NewFromInt(100), now), nil)
	if !hasOpenTrade {
		t.Fatal("expected an open trade after the first fill")
	}

	closeID, hasOpenTrade := p.HandleFill(filledOrder(0, 0, 0, -10, decimal.NewFromInt(110), now.Add(time.Hour)), nil)
	if hasOpenTrade {
		t.Errorf("expected the position to be fully closed, got open trade %d", closeID)
	}
	_ = id
}

func TestPortfolioLinkPartitionAttachesChildToParentTrade(t *testing.T) {
	ids := newIDAllocator()
	p := NewPortfolio("p1", 0, decimal.NewFromInt(10000), types.Frequency1h, ids)

	parentID, _ := p.HandleFill(filledOrder(0, 0, 0, 10, decimal.NewFromInt(100), time.Now()), nil)
	p.LinkPartition(parentID, 99, -2.5)

	pos, ok := p.Position(0)
	if !ok {
		t.Fatal("expected the parent position to exist")
	}
	trade := pos.Trades()[0]
	if len(trade.ChildPartitions) != 1 {
		t.Fatalf("expected 1 child partition, got %d", len(trade.ChildPartitions))
	}
	part := trade.ChildPartitions[0]
	if part.ParentTradeID != parentID || part.ChildTradeID != 99 || part.ChildTradeUnits != -2.5 {
		t.Errorf("unexpected partition %+v", part)
	}
}

func TestPortfolioTouchTradeStampsMatchingStrategy(t *testing.T) {
	ids := newIDAllocator()
	p := NewPortfolio("p1", 0, decimal.NewFromInt(10000), types.Frequency1h, ids)
	p.HandleFill(filledOrder(0, 2, 0, 5, decimal.NewFromInt(100), time.Now()), nil)

	touchTime := time.Now().Add(time.Hour)
	p.TouchTrade(2, 0, touchTime)

	pos, _ := p.Position(0)
	if !pos.Trades()[0].AllocTouch.Equal(touchTime) {
		t.Errorf("expected AllocTouch to be stamped with %v, got %v", touchTime, pos.Trades()[0].AllocTouch)
	}

	// An unrelated strategy index leaves the trade untouched.
	p.TouchTrade(3, 0, time.Now().Add(2*time.Hour))
	if !pos.Trades()[0].AllocTouch.Equal(touchTime) {
		t.Error("expected AllocTouch to remain unchanged for a non-matching strategy")
	}
}

func TestPortfolioOpenTradeUnitsTracksPerStrategy(t *testing.T) {
	ids := newIDAllocator()
	p := NewPortfolio("p1", 0, decimal.NewFromInt(10000), types.Frequency1h, ids)

	if units := p.OpenTradeUnits(0, 0); units != 0 {
		t.Errorf("expected 0 units with no open trade, got %v", units)
	}

	p.HandleFill(filledOrder(0, 2, 0, 5, decimal.NewFromInt(100), time.Now()), nil)
	if units := p.OpenTradeUnits(2, 0); units != 5 {
		t.Errorf("expected 5 units for strategy 2, got %v", units)
	}
	if units := p.OpenTradeUnits(3, 0); units != 0 {
		t.Errorf("expected 0 units for an unrelated strategy, got %v", units)
	}
}

func TestPortfolioEvaluateMarksPositionsAndDrainsPendingExits(t *testing.T) {
	ids := newIDAllocator()
	p := NewPortfolio("p1", 0, decimal.NewFromInt(10000), types.Frequency1h, ids)
	p.HandleFill(filledOrder(0, 0, 0, 10, decimal.NewFromInt(100), time.Now()), nil)

	prices := map[int]decimal.Decimal{0: decimal.NewFromInt(110)}
	p.Evaluate(true, func(assetIndex int) (decimal.Decimal, error) {
		return prices[assetIndex], nil
	}, time.Now())

	if !p.NLV().Equal(decimal.NewFromInt(10100)) {
		t.Errorf("expected NLV 10100 (9000 cash + 1100 position value), got %s", p.NLV())
	}
	if exits := p.PendingExits(); len(exits) != 0 {
		t.Errorf("expected no pending exits without an exit policy, got %v", exits)
	}
}

func TestPortfolioEquityCurveAndDrawdown(t *testing.T) {
	ids := newIDAllocator()
	p := NewPortfolio("p1", 0, decimal.NewFromInt(1000), types.Frequency1h, ids)

	p.RecordEquityPoint(time.Now())
	p.nlv = decimal.NewFromInt(1200)
	p.RecordEquityPoint(time.Now().Add(time.Hour))
	p.nlv = decimal.NewFromInt(900)
	p.RecordEquityPoint(time.Now().Add(2 * time.Hour))

	curve := p.EquityCurve()
	if len(curve) != 3 {
		t.Fatalf("expected 3 equity points, got %d", len(curve))
	}
	lastDD := curve[2].Drawdown
	expected := decimal.NewFromInt(1200).Sub(decimal.NewFromInt(900)).Div(decimal.NewFromInt(1200))
	if !lastDD.Equal(expected) {
		t.Errorf("expected drawdown %s, got %s", expected, lastDD)
	}
}

func TestPortfolioResetRestoresStartingState(t *testing.T) {
	ids := newIDAllocator()
	start := decimal.NewFromInt(5000)
	p := NewPortfolio("p1", 0, start, types.Frequency1h, ids)
	p.HandleFill(filledOrder(0, 0, 0, 5, decimal.NewFromInt(100), time.Now()), nil)
	p.RecordEquityPoint(time.Now())

	p.Reset(start)

	if !p.Cash().Equal(start) || !p.NLV().Equal(start) {
		t.Errorf("expected cash and NLV reset to %s, got cash=%s nlv=%s", start, p.Cash(), p.NLV())
	}
	if _, ok := p.Position(0); ok {
		t.Error("expected positions cleared after Reset")
	}
	if len(p.TradeHistory()) != 0 {
		t.Error("expected trade history cleared after Reset")
	}
	if len(p.EquityCurve()) != 0 {
		t.Error("expected equity curve cleared after Reset")
	}
}
