package data_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrel-quant/backtester/internal/data"
	"github.com/kestrel-quant/backtester/pkg/types"
	"go.uber.org/zap"
)

func TestLoadExchangeAssetsSynthetic(t *testing.T) {
	store := data.NewStore(zap.NewNop())

	cfg := types.ExchangeConfig{
		ID:        "crypto",
		AssetType: types.AssetTypeEquity,
		Frequency: types.Frequency1h,
		AssetIDs:  []string{"BTC/USDT", "ETH/USDT"},
	}

	assets, err := store.LoadExchangeAssets(context.Background(), cfg)
	if err != nil {
		t.Fatalf("LoadExchangeAssets: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(assets))
	}
	for _, a := range assets {
		if a.NumRows() == 0 {
			t.Errorf("asset %s has no rows", a.ID)
		}
	}
}

func TestLoadExchangeAssetsIsDeterministic(t *testing.T) {
	cfg := types.ExchangeConfig{
		ID:        "crypto",
		AssetType: types.AssetTypeEquity,
		Frequency: types.Frequency1h,
		AssetIDs:  []string{"SOL/USDT"},
	}

	store1 := data.NewStore(zap.NewNop())
	assets1, err := store1.LoadExchangeAssets(context.Background(), cfg)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}

	store2 := data.NewStore(zap.NewNop())
	assets2, err := store2.LoadExchangeAssets(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}

	a1, a2 := assets1[0], assets2[0]
	if a1.NumRows() != a2.NumRows() {
		t.Fatalf("row count differs between runs: %d vs %d", a1.NumRows(), a2.NumRows())
	}
	for i := 0; i < a1.NumRows(); i++ {
		if err := a1.Reset(time.Time{}); err != nil {
			t.Fatalf("reset a1: %v", err)
		}
		if err := a2.Reset(time.Time{}); err != nil {
			t.Fatalf("reset a2: %v", err)
		}
	}
	// Stepping both cursors forward and comparing current price is
	// sufficient to catch the historical non-seeded RNG bug this test
	// guards against.
	a1.Step()
	a2.Step()
	p1, err1 := a1.CurrentPrice(false)
	p2, err2 := a2.CurrentPrice(false)
	if err1 != nil || err2 != nil {
		t.Fatalf("current price: %v %v", err1, err2)
	}
	if p1 != p2 {
		t.Errorf("synthetic bars are not deterministic: %f vs %f", p1, p2)
	}
}

func TestLoadExchangeAssetsFromFile(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []map[string]any{
		{"timestamp": now, "open": 100.0, "high": 105.0, "low": 99.0, "close": 102.0, "volume": 1000.0},
		{"timestamp": now.Add(time.Hour), "open": 102.0, "high": 108.0, "low": 101.0, "close": 106.0, "volume": 1200.0},
	}
	data, err := json.Marshal(bars)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "TEST_USDT.json"), data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	store := NewTestStore(t)
	cfg := types.ExchangeConfig{
		ID:        "crypto",
		AssetType: types.AssetTypeEquity,
		Frequency: types.Frequency1h,
		SourceDir: dir,
		AssetIDs:  []string{"TEST/USDT"},
	}

	assets, err := store.LoadExchangeAssets(context.Background(), cfg)
	if err != nil {
		t.Fatalf("LoadExchangeAssets: %v", err)
	}
	if len(assets) != 1 {
		t.Fatalf("expected 1 asset, got %d", len(assets))
	}
	if assets[0].NumRows() != 2 {
		t.Errorf("expected 2 rows from file, got %d", assets[0].NumRows())
	}
}

func NewTestStore(t *testing.T) *data.Store {
	t.Helper()
	return data.NewStore(zap.NewNop())
}
