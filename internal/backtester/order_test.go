package backtester

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestOrderValidateRejectsZeroUnits(t *testing.T) {
	o := NewMarketOrder(1, 0, 0, 0, 0, nil)
	if err := o.Validate(); err == nil {
		t.Error("expected a zero-unit order to fail validation")
	}
}

func TestOrderValidateAcceptsNonZeroUnits(t *testing.T) {
	o := NewMarketOrder(1, 0, 0, 0, 5, nil)
	if err := o.Validate(); err != nil {
		t.Errorf("expected a non-zero-unit order to validate, got %v", err)
	}
}

func TestOrderFillComputesNegativeCashImpactForBuys(t *testing.T) {
	o := NewMarketOrder(1, 0, 0, 0, 10, nil)
	now := time.Now()
	o.fill(decimal.NewFromInt(100), now, decimal.NewFromFloat(1), decimal.Zero)

	if o.State != OrderFilled {
		t.Fatalf("expected the order to be filled, got %s", o.State)
	}
	// notional 1000, minus $1 commission -> -1001
	expected := decimal.NewFromInt(-1001)
	if !o.CashImpact.Equal(expected) {
		t.Errorf("expected cash impact %s for a buy fill, got %s", expected, o.CashImpact)
	}
}

func TestOrderFillComputesPositiveCashImpactForSells(t *testing.T) {
	o := NewMarketOrder(1, 0, 0, 0, -10, nil)
	now := time.Now()
	o.fill(decimal.NewFromInt(100), now, decimal.NewFromFloat(1), decimal.Zero)

	// notional 1000, minus $1 commission -> 999
	expected := decimal.NewFromInt(999)
	if !o.CashImpact.Equal(expected) {
		t.Errorf("expected cash impact %s for a sell fill, got %s", expected, o.CashImpact)
	}
}

func TestOrderFillSubtractsSlippageFromNotional(t *testing.T) {
	o := NewMarketOrder(1, 0, 0, 0, 10, nil)
	now := time.Now()
	// 1% slippage on $1000 notional = $10, plus $0 commission.
	o.fill(decimal.NewFromInt(100), now, decimal.Zero, decimal.NewFromFloat(0.01))

	expected := decimal.NewFromInt(-1010)
	if !o.CashImpact.Equal(expected) {
		t.Errorf("expected slippage-adjusted cash impact %s, got %s", expected, o.CashImpact)
	}
}

func TestOrderRejectSetsReasonAndTerminalState(t *testing.T) {
	o := NewMarketOrder(1, 0, 0, 0, 10, nil)
	o.reject("leverage limit exceeded")

	if o.State != OrderRejected {
		t.Fatalf("expected state REJECTED, got %s", o.State)
	}
	if o.RejectReason != "leverage limit exceeded" {
		t.Errorf("expected the reject reason to be recorded, got %q", o.RejectReason)
	}
	if !o.State.IsTerminal() {
		t.Error("expected REJECTED to be a terminal state")
	}
}

func TestOrderCancelRecordsTime(t *testing.T) {
	o := NewMarketOrder(1, 0, 0, 0, 10, nil)
	now := time.Now()
	o.cancel(now)

	if o.State != OrderCanceled {
		t.Fatalf("expected state CANCELED, got %s", o.State)
	}
	if !o.CancelTime.Equal(now) {
		t.Errorf("expected cancel time %v, got %v", now, o.CancelTime)
	}
	if !o.State.IsTerminal() {
		t.Error("expected CANCELED to be a terminal state")
	}
}

func TestOrderStateIsTerminalExcludesPendingAndOpen(t *testing.T) {
	if OrderPending.IsTerminal() || OrderOpen.IsTerminal() {
		t.Error("PENDING and OPEN should not be reported as terminal states")
	}
	if !OrderFilled.IsTerminal() {
		t.Error("FILLED should be reported as terminal")
	}
}
