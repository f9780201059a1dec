package backtester_test

import (
	"testing"
	"time"

	"github.com/kestrel-quant/backtester/internal/backtester"
	"github.com/kestrel-quant/backtester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func buildTestExchange(t *testing.T, ids []string, closes map[string][]float64) *backtester.Exchange {
	t.Helper()
	ex := backtester.NewExchange("crypto", types.AssetTypeEquity, types.Frequency1h, "", "", zap.NewNop())
	for i, id := range ids {
		asset := newTestAsset(t, id, closes[id])
		if err := ex.RegisterAsset(asset); err != nil {
			t.Fatalf("RegisterAsset failed: %v", err)
		}
		if err := ex.AssignIndex(id, i); err != nil {
			t.Fatalf("AssignIndex failed: %v", err)
		}
	}
	if err := ex.Build(0); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return ex
}

func TestExchangeStepStreamsAllAssets(t *testing.T) {
	closes := map[string][]float64{
		"A": {10, 11, 12},
		"B": {20, 21, 22},
	}
	ex := buildTestExchange(t, []string{"A", "B"}, closes)

	if _, ok := ex.AssetByIndex(0); !ok {
		t.Fatal("expected asset at index 0")
	}

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	expired := ex.Step(base)
	if len(expired) != 0 {
		t.Errorf("no asset should expire on the first tick, got %v", expired)
	}

	price, err := ex.PublishedPrice(0, true)
	if err != nil {
		t.Fatalf("PublishedPrice failed: %v", err)
	}
	if !price.Equal(decimal.NewFromFloat(10)) {
		t.Errorf("expected close price 10 on the first tick, got %s", price)
	}
}

func TestExchangeViewRanksAssets(t *testing.T) {
	closes := map[string][]float64{
		"A": {10, 30, 12},
		"B": {20, 10, 22},
		"C": {5, 50, 8},
	}
	ex := buildTestExchange(t, []string{"A", "B", "C"}, closes)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	hour := int64(time.Hour)
	ex.Step(base)
	ex.Step(base + hour)

	top := ex.View("close", 0, backtester.RankNLargest, 1)
	if len(top) != 1 {
		t.Fatalf("expected 1 ranked asset, got %d", len(top))
	}
	if top[0].AssetIndex != 2 {
		t.Errorf("expected asset C (index 2, value 50) to rank first, got index %d value %v", top[0].AssetIndex, top[0].Value)
	}
}

func TestExchangeResetRewindsAssets(t *testing.T) {
	closes := map[string][]float64{"A": {10, 11, 12}}
	ex := buildTestExchange(t, []string{"A"}, closes)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	ex.Step(base)
	ex.Step(base + int64(time.Hour))

	if err := ex.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	asset, _ := ex.AssetByIndex(0)
	if asset.IsStreaming() {
		t.Error("asset should not be streaming immediately after Reset")
	}
}
