package backtester_test

import (
	"testing"
	"time"

	"github.com/kestrel-quant/backtester/internal/backtester"
	"github.com/kestrel-quant/backtester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestRiskManagerEvaluateWithoutLimitsNeverTrips(t *testing.T) {
	rm := backtester.NewRiskManager(zap.NewNop())
	if reason := rm.Evaluate(0, decimal.NewFromInt(100), time.Now()); reason != "" {
		t.Errorf("expected no breach without bound limits, got %q", reason)
	}
}

func TestRiskManagerTripsOnMaxDrawdown(t *testing.T) {
	rm := backtester.NewRiskManager(zap.NewNop())
	rm.SetLimits(0, types.RiskLimits{MaxDrawdown: decimal.NewFromFloat(0.1)})

	now := time.Now()
	if reason := rm.Evaluate(0, decimal.NewFromInt(1000), now); reason != "" {
		t.Fatalf("expected no breach at the peak, got %q", reason)
	}
	reason := rm.Evaluate(0, decimal.NewFromInt(880), now.Add(time.Hour))
	if reason == "" {
		t.Fatal("expected a breach once drawdown exceeds 10%")
	}

	// Once tripped, the same reason is returned on every later call,
	// even if NLV recovers.
	again := rm.Evaluate(0, decimal.NewFromInt(1000), now.Add(2*time.Hour))
	if again != reason {
		t.Errorf("expected a sticky trip reason %q, got %q", reason, again)
	}
}

func TestRiskManagerTripsOnMaxDailyLoss(t *testing.T) {
	rm := backtester.NewRiskManager(zap.NewNop())
	rm.SetLimits(0, types.RiskLimits{MaxDailyLoss: decimal.NewFromFloat(0.05)})

	day := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	if reason := rm.Evaluate(0, decimal.NewFromInt(1000), day); reason != "" {
		t.Fatalf("expected no breach at day open, got %q", reason)
	}
	reason := rm.Evaluate(0, decimal.NewFromInt(940), day.Add(time.Hour))
	if reason == "" {
		t.Fatal("expected a breach once the daily loss exceeds 5%")
	}
}

func TestRiskManagerResetsDailyLossAcrossDayBoundary(t *testing.T) {
	rm := backtester.NewRiskManager(zap.NewNop())
	rm.SetLimits(0, types.RiskLimits{MaxDailyLoss: decimal.NewFromFloat(0.05)})

	day1 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	rm.Evaluate(0, decimal.NewFromInt(1000), day1)

	day2 := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	if reason := rm.Evaluate(0, decimal.NewFromInt(960), day2); reason != "" {
		t.Errorf("expected the daily-loss watermark to reset on a new day, got %q", reason)
	}
}

func TestRiskManagerAllowOrderRespectsMaxLeverage(t *testing.T) {
	rm := backtester.NewRiskManager(zap.NewNop())
	rm.SetLimits(0, types.RiskLimits{MaxLeverage: decimal.NewFromFloat(2.0)})

	nlv := decimal.NewFromInt(1000)
	if !rm.AllowOrder(0, decimal.NewFromInt(1500), nlv) {
		t.Error("expected an order within 2x leverage to be allowed")
	}
	if rm.AllowOrder(0, decimal.NewFromInt(2500), nlv) {
		t.Error("expected an order exceeding 2x leverage to be rejected")
	}
}

func TestRiskManagerAllowOrderWithoutLeverageLimitAlwaysAllows(t *testing.T) {
	rm := backtester.NewRiskManager(zap.NewNop())
	if !rm.AllowOrder(0, decimal.NewFromInt(1e9), decimal.NewFromInt(1)) {
		t.Error("expected no leverage cap to allow any notional")
	}
}

func TestRiskManagerResetClearsTrippedState(t *testing.T) {
	rm := backtester.NewRiskManager(zap.NewNop())
	rm.SetLimits(0, types.RiskLimits{MaxDrawdown: decimal.NewFromFloat(0.1)})

	now := time.Now()
	rm.Evaluate(0, decimal.NewFromInt(1000), now)
	rm.Evaluate(0, decimal.NewFromInt(800), now.Add(time.Hour))

	rm.Reset()
	if reason := rm.Evaluate(0, decimal.NewFromInt(800), now.Add(2*time.Hour)); reason != "" {
		t.Errorf("expected reset to clear tripped/watermark state, got %q", reason)
	}
}
