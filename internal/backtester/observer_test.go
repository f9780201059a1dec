package backtester_test

import (
	"testing"
	"time"

	"github.com/kestrel-quant/backtester/internal/backtester"
	"github.com/kestrel-quant/backtester/pkg/types"
)

func newObserverTestAsset(t *testing.T, closes []float64) *backtester.Asset {
	t.Helper()
	columns := map[string]int{"open": 0, "close": 1}
	rows := make([][]float64, len(closes))
	times := make([]int64, len(closes))
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano()
	for i, c := range closes {
		rows[i] = []float64{c, c}
		times[i] = base + int64(i)*int64(time.Hour)
	}
	asset, err := backtester.NewAsset("A", types.AssetTypeEquity, types.Frequency1h, time.UTC, 1, 0, columns, rows, times)
	if err != nil {
		t.Fatalf("NewAsset failed: %v", err)
	}
	return asset
}

func TestMeanObserverTracksRollingMeanOverWindow(t *testing.T) {
	asset := newObserverTestAsset(t, []float64{10, 20, 30, 40, 50})
	obs := backtester.NewMeanObserver("close3", "close", 3)
	asset.AddObserver(obs)

	if obs.Name() != "close3" {
		t.Errorf("expected name close3, got %s", obs.Name())
	}
	if mean := obs.Mean(); mean != 0 {
		t.Errorf("expected mean 0 before any step, got %v", mean)
	}

	for i := 0; i < 5; i++ {
		asset.Step()
	}

	// Window of 3 over the last 3 closes seen: 30, 40, 50.
	if mean := obs.Mean(); mean != 40 {
		t.Errorf("expected rolling mean 40 over the last 3 closes, got %v", mean)
	}
}

func TestMeanObserverMeanBeforeWindowFillsUsesAvailableSamples(t *testing.T) {
	asset := newObserverTestAsset(t, []float64{10, 20})
	obs := backtester.NewMeanObserver("close5", "close", 5)
	asset.AddObserver(obs)

	asset.Step()
	if mean := obs.Mean(); mean != 10 {
		t.Errorf("expected mean 10 after a single sample, got %v", mean)
	}

	asset.Step()
	if mean := obs.Mean(); mean != 15 {
		t.Errorf("expected mean 15 over (10, 20), got %v", mean)
	}
}

func TestIncrementalCovarianceIsZeroBeforeWindowFills(t *testing.T) {
	cov := backtester.NewIncrementalCovariance(3)
	cov.Push(1, 1)
	if c := cov.Covariance(); c != 0 {
		t.Errorf("expected covariance 0 before the window fills, got %v", c)
	}
}

func TestIncrementalCovarianceMatchesBatchFormulaOverAFullWindow(t *testing.T) {
	cov := backtester.NewIncrementalCovariance(4)
	a := []float64{2, 4, 6, 8}
	b := []float64{1, 3, 5, 7}
	for i := range a {
		cov.Push(a[i], b[i])
	}

	// Batch sample covariance over the same 4 points.
	var meanA, meanB float64
	for i := range a {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(len(a))
	meanB /= float64(len(b))
	var sum float64
	for i := range a {
		sum += (a[i] - meanA) * (b[i] - meanB)
	}
	expected := sum / float64(len(a)-1)

	if got := cov.Covariance(); abs(got-expected) > 1e-9 {
		t.Errorf("expected covariance %v, got %v", expected, got)
	}
}

func TestIncrementalCovarianceEvictsOldestSampleOnceWindowIsFull(t *testing.T) {
	cov := backtester.NewIncrementalCovariance(2)
	cov.Push(100, 100) // should be evicted once the window rolls past it
	cov.Push(1, 2)
	cov.Push(3, 4)

	varA := cov.VarianceA()
	if varA <= 0 {
		t.Errorf("expected a positive variance over the remaining window, got %v", varA)
	}
	// With only (1,2) and (3,4) left in the window, variance of A is
	// ((1-2)^2+(3-2)^2)/(2-1) = 2.
	if abs(varA-2) > 1e-9 {
		t.Errorf("expected VarianceA 2 after evicting the stale sample, got %v", varA)
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
