package backtester_test

import (
	"testing"
	"time"

	"github.com/kestrel-quant/backtester/internal/backtester"
	"github.com/kestrel-quant/backtester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestWalkForwardAnalyzerReturnsNilWhenDisabled(t *testing.T) {
	wf := backtester.NewWalkForwardAnalyzer(zap.NewNop(), nil)
	result, err := wf.Run(types.WalkForwardConfig{Enabled: false}, nil, nil, decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Error("expected a nil result when walk-forward is disabled")
	}
}

func TestWalkForwardAnalyzerErrorsWithTooFewBars(t *testing.T) {
	wf := backtester.NewWalkForwardAnalyzer(zap.NewNop(), nil)
	curve := walkForwardCurve(10)
	_, err := wf.Run(types.WalkForwardConfig{Enabled: true, WindowSize: 60, StepSize: 20}, nil, curve, decimal.NewFromInt(1000))
	if err == nil {
		t.Fatal("expected an error when the equity curve is shorter than the window size")
	}
}

func TestWalkForwardAnalyzerProducesWindows(t *testing.T) {
	wf := backtester.NewWalkForwardAnalyzer(zap.NewNop(), nil)
	curve := walkForwardCurve(120)

	result, err := wf.Run(types.WalkForwardConfig{Enabled: true, WindowSize: 60, StepSize: 30}, nil, curve, decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Windows) == 0 {
		t.Fatal("expected at least one walk-forward window")
	}
	if result.OverallMetrics == nil {
		t.Error("expected overall out-of-sample metrics to be populated")
	}
	for _, w := range result.Windows {
		if !w.InSampleEnd.Before(w.OutSampleStart) && !w.InSampleEnd.Equal(w.OutSampleStart) {
			t.Errorf("expected in-sample window to precede out-of-sample window, got %v / %v", w.InSampleEnd, w.OutSampleStart)
		}
	}
}

func walkForwardCurve(n int) []types.EquityCurvePoint {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	curve := make([]types.EquityCurvePoint, n)
	nlv := 1000.0
	for i := 0; i < n; i++ {
		nlv += float64(i%5) - 2
		curve[i] = types.EquityCurvePoint{Timestamp: base.Add(time.Duration(i) * time.Hour), NLV: decimal.NewFromFloat(nlv)}
	}
	return curve
}
