// Package data provides historical market data loading for the
// backtester kernel's DataProvider contract.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kestrel-quant/backtester/internal/backtester"
	"github.com/kestrel-quant/backtester/pkg/types"
	"go.uber.org/zap"
)

// Store loads per-asset OHLCV bars from JSON files under a source
// directory, falling back to deterministic synthetic bars when a file
// is missing so a backtest config is always runnable without a data
// vendor wired up.
type Store struct {
	logger *zap.Logger
}

// NewStore creates a loader. dataDir is read from per-exchange
// ExchangeConfig.SourceDir, not stored here, since one Store serves
// every exchange in a run.
func NewStore(logger *zap.Logger) *Store {
	return &Store{logger: logger}
}

// rawBar mirrors the JSON shape a data file is expected to carry: an
// OHLCV row plus whatever additional numeric columns the file defines.
type rawBar struct {
	Timestamp time.Time          `json:"timestamp"`
	Open      float64            `json:"open"`
	High      float64            `json:"high"`
	Low       float64            `json:"low"`
	Close     float64            `json:"close"`
	Volume    float64            `json:"volume"`
	Extra     map[string]float64 `json:"extra,omitempty"`
}

// LoadExchangeAssets implements backtester.DataProvider. It loads one
// Asset per cfg.AssetIDs entry from "<SourceDir>/<id>.json" and falls
// back to generateSyntheticBars when the file does not exist.
func (s *Store) LoadExchangeAssets(ctx context.Context, cfg types.ExchangeConfig) ([]*backtester.Asset, error) {
	loc := time.UTC
	warmup := cfg.VolatilityWindow
	if cfg.BetaLookback > warmup {
		warmup = cfg.BetaLookback
	}

	assets := make([]*backtester.Asset, 0, len(cfg.AssetIDs))
	for _, id := range cfg.AssetIDs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		bars, err := s.loadBars(cfg.SourceDir, id)
		if err != nil {
			return nil, fmt.Errorf("load bars for %s: %w", id, err)
		}
		if len(bars) == 0 {
			s.logger.Info("no data file found, generating synthetic bars",
				zap.String("asset", id), zap.String("exchange", cfg.ID))
			bars = generateSyntheticBars(id, cfg.Frequency, 2000)
		}

		columns, rows, times, err := materialize(bars)
		if err != nil {
			return nil, fmt.Errorf("materialize bars for %s: %w", id, err)
		}

		multiplier := 1.0
		if cfg.AssetType == types.AssetTypeFuture {
			multiplier = 1.0
		}

		asset, err := backtester.NewAsset(id, cfg.AssetType, cfg.Frequency, loc, multiplier, warmup, columns, rows, times)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

// loadBars reads "<dir>/<id>.json" and returns its bars sorted by
// time, or (nil, nil) if the file does not exist.
func (s *Store) loadBars(dir, id string) ([]rawBar, error) {
	if dir == "" {
		return nil, nil
	}
	path := filepath.Join(dir, sanitizeFilename(id)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var bars []rawBar
	if err := json.Unmarshal(data, &bars); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// materialize builds the column/row/time matrix NewAsset requires.
func materialize(bars []rawBar) (map[string]int, [][]float64, []int64, error) {
	extraCols := make(map[string]struct{})
	for _, b := range bars {
		for k := range b.Extra {
			extraCols[k] = struct{}{}
		}
	}
	extraNames := make([]string, 0, len(extraCols))
	for k := range extraCols {
		extraNames = append(extraNames, k)
	}
	sort.Strings(extraNames)

	columns := map[string]int{"open": 0, "high": 1, "low": 2, "close": 3, "volume": 4}
	for i, name := range extraNames {
		columns[name] = 5 + i
	}

	rows := make([][]float64, len(bars))
	times := make([]int64, len(bars))
	for i, b := range bars {
		row := make([]float64, 5+len(extraNames))
		row[0], row[1], row[2], row[3], row[4] = b.Open, b.High, b.Low, b.Close, b.Volume
		for j, name := range extraNames {
			row[5+j] = b.Extra[name]
		}
		rows[i] = row
		times[i] = b.Timestamp.UnixNano()
	}
	return columns, rows, times, nil
}

// generateSyntheticBars produces n deterministic bars for id, seeded
// from the asset id so repeated runs against the same config reproduce
// byte-identical data (spec §6: reproducibility is a kernel guarantee,
// the data layer must not undermine it with wall-clock randomness).
func generateSyntheticBars(id string, freq types.Frequency, n int) []rawBar {
	rng := rand.New(rand.NewSource(seedFor(id)))
	interval := frequencyInterval(freq)

	price := basePriceFor(id)
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	bars := make([]rawBar, n)
	for i := 0; i < n; i++ {
		change := (rng.Float64() - 0.5) * 0.02 * price
		open := price
		price = math.Max(price+change, 0.01)
		closePx := price

		high := math.Max(open, closePx) * (1 + rng.Float64()*0.005)
		low := math.Min(open, closePx) * (1 - rng.Float64()*0.005)
		volume := rng.Float64() * 1_000_000

		bars[i] = rawBar{
			Timestamp: start.Add(time.Duration(i) * interval),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePx,
			Volume:    volume,
		}
	}
	return bars
}

func seedFor(id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return int64(h.Sum64())
}

func basePriceFor(id string) float64 {
	switch id {
	case "BTC/USDT", "BTCUSD":
		return 40000.0
	case "ETH/USDT", "ETHUSD":
		return 2000.0
	default:
		// Derive a stable, plausible starting price from the id so
		// distinct synthetic assets don't all start at the same level.
		return 50 + float64(seedFor(id)%200)
	}
}

func frequencyInterval(freq types.Frequency) time.Duration {
	switch freq {
	case types.Frequency1m:
		return time.Minute
	case types.Frequency5m:
		return 5 * time.Minute
	case types.Frequency15m:
		return 15 * time.Minute
	case types.Frequency30m:
		return 30 * time.Minute
	case types.Frequency1h:
		return time.Hour
	case types.Frequency4h:
		return 4 * time.Hour
	case types.Frequency1d:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

func sanitizeFilename(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		if r == '/' || r == '\\' || r == ' ' {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
