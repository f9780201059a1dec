package backtester_test

import (
	"testing"
	"time"

	"github.com/kestrel-quant/backtester/internal/backtester"
	"github.com/kestrel-quant/backtester/pkg/types"
	"github.com/shopspring/decimal"
)

func TestFixedSlippageIsConstant(t *testing.T) {
	model := backtester.NewFixedSlippage(decimal.NewFromInt(25))
	asset := newTestAsset(t, "A", []float64{10, 11})
	order := backtester.NewMarketOrder(1, 0, 0, 0, 10, nil)

	rate := model.Calculate(order, asset)
	expected := decimal.NewFromInt(25).Div(decimal.NewFromInt(10000))
	if !rate.Equal(expected) {
		t.Errorf("expected fixed rate %s, got %s", expected, rate)
	}
}

func newVolumeAsset(t *testing.T, volumes []float64) *backtester.Asset {
	t.Helper()
	columns := map[string]int{"open": 0, "close": 1, "volume": 2}
	rows := make([][]float64, len(volumes))
	times := make([]int64, len(volumes))
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	for i, v := range volumes {
		rows[i] = []float64{10, 10, v}
		times[i] = base + int64(i)*int64(time.Hour)
	}
	asset, err := backtester.NewAsset("VOL", types.AssetTypeEquity, types.Frequency1h, time.UTC, 1, 0, columns, rows, times)
	if err != nil {
		t.Fatalf("NewAsset failed: %v", err)
	}
	asset.Step()
	return asset
}

func TestVolumeWeightedSlippageScalesWithParticipation(t *testing.T) {
	model := backtester.NewVolumeWeightedSlippage(decimal.NewFromInt(5), decimal.NewFromFloat(1.0))
	asset := newVolumeAsset(t, []float64{1000})

	small := backtester.NewMarketOrder(1, 0, 0, 0, 10, nil)
	large := backtester.NewMarketOrder(2, 0, 0, 0, 500, nil)

	smallRate := model.Calculate(small, asset)
	largeRate := model.Calculate(large, asset)

	if !largeRate.GreaterThan(smallRate) {
		t.Errorf("expected a larger order to incur more slippage: small=%s large=%s", smallRate, largeRate)
	}
}

func TestVolumeWeightedSlippageFallsBackToBaseWithoutVolumeColumn(t *testing.T) {
	model := backtester.NewVolumeWeightedSlippage(decimal.NewFromInt(5), decimal.NewFromFloat(1.0))
	asset := newTestAsset(t, "A", []float64{10, 11})
	order := backtester.NewMarketOrder(1, 0, 0, 0, 10, nil)

	rate := model.Calculate(order, asset)
	expected := decimal.NewFromInt(5).Div(decimal.NewFromInt(10000))
	if !rate.Equal(expected) {
		t.Errorf("expected base rate %s without a volume column, got %s", expected, rate)
	}
}

func TestCreateSlippageModelDispatchesByName(t *testing.T) {
	if m := backtester.CreateSlippageModel(types.SlippageConfig{Model: "none"}); m != nil {
		t.Error("expected nil model for \"none\"")
	}
	if m := backtester.CreateSlippageModel(types.SlippageConfig{Model: "fixed", FixedBps: decimal.NewFromInt(10)}); m == nil {
		t.Error("expected a fixed slippage model")
	}
	if m := backtester.CreateSlippageModel(types.SlippageConfig{Model: "volume_weighted", FixedBps: decimal.NewFromInt(5), ImpactFactor: decimal.NewFromFloat(1)}); m == nil {
		t.Error("expected a volume-weighted slippage model")
	}
}
