package backtester_test

import (
	"math"
	"testing"
	"time"

	"github.com/kestrel-quant/backtester/internal/backtester"
	"github.com/kestrel-quant/backtester/pkg/types"
)

func newTestAsset(t *testing.T, id string, closes []float64) *backtester.Asset {
	t.Helper()
	columns := map[string]int{"open": 0, "close": 1}
	rows := make([][]float64, len(closes))
	times := make([]int64, len(closes))
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	for i, c := range closes {
		rows[i] = []float64{c, c}
		times[i] = base + int64(i)*int64(time.Hour)
	}
	asset, err := backtester.NewAsset(id, types.AssetTypeEquity, types.Frequency1h, time.UTC, 1, 0, columns, rows, times)
	if err != nil {
		t.Fatalf("NewAsset failed: %v", err)
	}
	return asset
}

func TestAssetStepAdvancesCursorAndPrice(t *testing.T) {
	asset := newTestAsset(t, "SOL/USDT", []float64{10, 11, 12})

	if asset.IsStreaming() {
		t.Error("asset should not be streaming before the first Step")
	}

	if expired := asset.Step(); expired {
		t.Fatal("first step should not report expired")
	}
	price, err := asset.CurrentPrice(true)
	if err != nil {
		t.Fatalf("CurrentPrice failed: %v", err)
	}
	if price != 10 {
		t.Errorf("expected close price 10, got %v", price)
	}

	asset.Step()
	asset.Step()
	if !asset.IsExpired() {
		t.Error("asset should be expired after consuming all rows")
	}
}

func TestAssetGetFeatureRejectsBeforeWarmup(t *testing.T) {
	columns := map[string]int{"open": 0, "close": 1}
	rows := [][]float64{{10, 10}, {11, 11}, {12, 12}}
	times := []int64{0, int64(time.Hour), int64(2 * time.Hour)}
	asset, err := backtester.NewAsset("WARMUP", types.AssetTypeEquity, types.Frequency1h, time.UTC, 1, 2, columns, rows, times)
	if err != nil {
		t.Fatalf("NewAsset failed: %v", err)
	}

	asset.Step()
	if _, err := asset.GetFeature("close", 0); err == nil {
		t.Error("expected warmup error before lookback satisfied")
	}

	asset.Step()
	asset.Step()
	val, err := asset.GetFeature("close", 0)
	if err != nil {
		t.Fatalf("GetFeature failed once warmup satisfied: %v", err)
	}
	if val != 12 {
		t.Errorf("expected 12, got %v", val)
	}
}

func TestAssetRejectsNonIncreasingTimestamps(t *testing.T) {
	columns := map[string]int{"open": 0, "close": 1}
	rows := [][]float64{{10, 10}, {11, 11}}
	times := []int64{int64(time.Hour), 0}
	if _, err := backtester.NewAsset("BAD", types.AssetTypeEquity, types.Frequency1h, time.UTC, 1, 0, columns, rows, times); err == nil {
		t.Error("expected error for non-increasing timestamps")
	}
}

func TestAssetBuildBetaVolatility(t *testing.T) {
	closes := []float64{100, 101, 99, 102, 103, 104, 101, 105, 107, 110}
	asset := newTestAsset(t, "BETA", closes)
	market := []float64{100, 100.5, 99.5, 101, 102, 103, 101.5, 104, 105, 108}

	if err := asset.BuildBetaVolatility(market, 3); err != nil {
		t.Fatalf("BuildBetaVolatility failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		asset.Step()
	}
	if !math.IsNaN(asset.Beta()) {
		t.Error("beta should still be NaN before lookback is satisfied")
	}

	for asset.Step() == false {
	}
	if math.IsNaN(asset.Beta()) {
		t.Error("beta should be defined once lookback is satisfied")
	}
	if math.IsNaN(asset.Volatility()) {
		t.Error("volatility should be defined once lookback is satisfied")
	}
}
