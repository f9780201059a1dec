package backtester

import (
	"math"
	"time"

	"github.com/kestrel-quant/backtester/pkg/types"
)

// AssetObserver is notified after an Asset's cursor advances, once per
// tick in which the asset is streaming. Insertion order is notification
// order (spec §4.1, Design Notes' tagged-variant model for the
// AssetObserver family).
type AssetObserver interface {
	Name() string
	OnStep(a *Asset)
}

// Asset is a column-typed OHLC-like series with a cursor, a warmup
// period, and a set of observers. Rows are immutable once loaded; the
// cursor, streaming flags, and derived beta/volatility columns are the
// only mutable state.
type Asset struct {
	ID         string
	Type       types.AssetType
	Frequency  types.Frequency
	Location   *time.Location
	Multiplier float64
	Warmup     int

	columns map[string]int // column name -> index
	rows    [][]float64    // rows[i][col]
	times   []int64        // nanosecond epoch, strictly increasing

	index           int // global index assigned by ExchangeMap
	exchangeOffset  int // rows-offset between exchange timeline start and this asset's start
	cursor          int
	isStreaming     bool
	isExpired       bool
	isInExchangeView bool

	beta []float64 // lazily built; NaN before lookback satisfied
	vol  []float64

	observers []AssetObserver
}

// NewAsset constructs an Asset from an already-materialized price
// matrix. times must be strictly increasing and the same length as
// rows; columns must contain at least "open" and "close".
func NewAsset(id string, assetType types.AssetType, freq types.Frequency, loc *time.Location, multiplier float64, warmup int, columns map[string]int, rows [][]float64, times []int64) (*Asset, error) {
	if _, ok := columns["open"]; !ok {
		return nil, newKernelError(InvalidArgument, "NewAsset", "missing required column \"open\" for asset "+id)
	}
	if _, ok := columns["close"]; !ok {
		return nil, newKernelError(InvalidArgument, "NewAsset", "missing required column \"close\" for asset "+id)
	}
	if len(times) != len(rows) {
		return nil, newKernelError(InvalidArgument, "NewAsset", "row/time length mismatch for asset "+id)
	}
	for i := 1; i < len(times); i++ {
		if times[i] <= times[i-1] {
			return nil, newKernelError(InvalidArgument, "NewAsset", "timestamps not strictly increasing for asset "+id)
		}
	}
	if multiplier == 0 {
		multiplier = 1
	}
	return &Asset{
		ID:         id,
		Type:       assetType,
		Frequency:  freq,
		Location:   loc,
		Multiplier: multiplier,
		Warmup:     warmup,
		columns:    columns,
		rows:       rows,
		times:      times,
		cursor:     0,
	}, nil
}

// NumRows returns the number of rows in the asset's price matrix.
func (a *Asset) NumRows() int { return len(a.rows) }

// Index returns the global index assigned by ExchangeMap at registration.
func (a *Asset) Index() int { return a.index }

// IsStreaming reports whether the asset's local timestamp matched the
// exchange clock on the most recent step.
func (a *Asset) IsStreaming() bool { return a.isStreaming }

// IsExpired reports whether the cursor has passed the asset's last row.
func (a *Asset) IsExpired() bool { return a.isExpired }

// CurrentTime returns the timestamp at the current cursor, or zero if
// the asset has not started streaming.
func (a *Asset) CurrentTime() time.Time {
	if a.cursor == 0 || a.cursor > len(a.times) {
		return time.Time{}
	}
	return time.Unix(0, a.times[a.cursor-1]).In(a.Location)
}

// ColumnIndex resolves a column name. ok is false for an unknown column.
func (a *Asset) ColumnIndex(col string) (int, bool) {
	idx, ok := a.columns[col]
	return idx, ok
}

// GetFeature looks up a column at offset rows before the current
// cursor (offset <= 0; 0 is the current, just-stepped row). It fails
// with OutOfRange once the request reaches before row zero or before
// warmup is satisfied (spec §4.1).
func (a *Asset) GetFeature(col string, offset int) (float64, error) {
	colIdx, ok := a.columns[col]
	if !ok {
		return 0, newKernelError(InvalidColumns, "Asset.GetFeature", "unknown column "+col)
	}
	if a.cursor-1 < -offset {
		return 0, newKernelError(OutOfRange, "Asset.GetFeature", "offset precedes row zero")
	}
	if a.cursor-1 < a.Warmup {
		return 0, newKernelError(OutOfRange, "Asset.GetFeature", "warmup not satisfied")
	}
	row := a.cursor - 1 + offset
	if row < 0 || row >= len(a.rows) {
		return 0, newKernelError(OutOfRange, "Asset.GetFeature", "row index out of bounds")
	}
	return a.rows[row][colIdx], nil
}

// CurrentPrice returns the "open" or "close" column at the current row,
// per Exchange matching rules (market orders fill at open on the open
// leg, at close on the close leg).
func (a *Asset) CurrentPrice(onClose bool) (float64, error) {
	if onClose {
		return a.GetFeature("close", 0)
	}
	return a.GetFeature("open", 0)
}

// AddObserver registers an observer; notification order equals
// insertion order (spec §5 ordering guarantee).
func (a *Asset) AddObserver(o AssetObserver) {
	a.observers = append(a.observers, o)
}

// Step advances the cursor by one row and notifies observers in
// insertion order. Returns true if this step exhausted the asset's
// rows (terminal row reached).
func (a *Asset) Step() (expired bool) {
	if a.cursor >= len(a.rows) {
		a.isStreaming = false
		a.isExpired = true
		return true
	}
	a.cursor++
	a.isStreaming = true
	for _, obs := range a.observers {
		obs.OnStep(a)
	}
	if a.cursor >= len(a.rows) {
		a.isExpired = true
		return true
	}
	return false
}

// markNotStreaming is called by Exchange when this tick's exchange
// clock does not match the asset's own next timestamp.
func (a *Asset) markNotStreaming() {
	a.isStreaming = false
}

// Reset rewinds the cursor to row zero (or, if t0 is non-zero, to the
// first row at or after t0) and clears streaming/expiry flags.
func (a *Asset) Reset(t0 time.Time) error {
	a.cursor = 0
	a.isStreaming = false
	a.isExpired = false
	if t0.IsZero() {
		return nil
	}
	target := t0.UnixNano()
	for i, t := range a.times {
		if t >= target {
			a.cursor = i
			return nil
		}
	}
	return newKernelError(InvalidMemoryOp, "Asset.Reset", "t0 after last row")
}

// BuildBetaVolatility computes rolling beta against marketCloses and
// rolling annualized volatility over window N, following spec §4.1:
// bars before N produce NaN; volatility is annualized by sqrt(bars per
// year for the asset's frequency).
func (a *Asset) BuildBetaVolatility(marketCloses []float64, lookback int) error {
	if lookback <= 1 {
		return newKernelError(InvalidArgument, "Asset.BuildBetaVolatility", "lookback must be > 1")
	}
	closeIdx, ok := a.columns["close"]
	if !ok {
		return newKernelError(InvalidColumns, "Asset.BuildBetaVolatility", "missing close column")
	}
	n := len(a.rows)
	if len(marketCloses) != n {
		return newKernelError(InvalidArgument, "Asset.BuildBetaVolatility", "market close series length mismatch")
	}

	assetReturns := make([]float64, n)
	marketReturns := make([]float64, n)
	assetReturns[0] = math.NaN()
	marketReturns[0] = math.NaN()
	for i := 1; i < n; i++ {
		prevA := a.rows[i-1][closeIdx]
		curA := a.rows[i][closeIdx]
		if prevA == 0 {
			assetReturns[i] = math.NaN()
		} else {
			assetReturns[i] = (curA - prevA) / prevA
		}
		prevM := marketCloses[i-1]
		curM := marketCloses[i]
		if prevM == 0 {
			marketReturns[i] = math.NaN()
		} else {
			marketReturns[i] = (curM - prevM) / prevM
		}
	}

	a.beta = make([]float64, n)
	a.vol = make([]float64, n)
	annualize := math.Sqrt(a.Frequency.BarsPerYear())

	for i := 0; i < n; i++ {
		if i < lookback {
			a.beta[i] = math.NaN()
			a.vol[i] = math.NaN()
			continue
		}
		a.beta[i] = windowBeta(assetReturns[i-lookback+1:i+1], marketReturns[i-lookback+1:i+1])
		a.vol[i] = windowStdDev(assetReturns[i-lookback+1:i+1]) * annualize
	}
	return nil
}

// Beta returns the rolling-beta value at the current cursor row, or
// NaN if the beta vector has not been built or lookback is not yet
// satisfied.
func (a *Asset) Beta() float64 {
	if a.beta == nil || a.cursor == 0 || a.cursor > len(a.beta) {
		return math.NaN()
	}
	return a.beta[a.cursor-1]
}

// Volatility returns the rolling annualized volatility at the current
// cursor row, or NaN if unavailable.
func (a *Asset) Volatility() float64 {
	if a.vol == nil || a.cursor == 0 || a.cursor > len(a.vol) {
		return math.NaN()
	}
	return a.vol[a.cursor-1]
}

func windowBeta(assetRet, marketRet []float64) float64 {
	n := len(assetRet)
	var sumA, sumM, sumAM, sumMM float64
	count := 0
	for i := 0; i < n; i++ {
		if math.IsNaN(assetRet[i]) || math.IsNaN(marketRet[i]) {
			continue
		}
		sumA += assetRet[i]
		sumM += marketRet[i]
		sumAM += assetRet[i] * marketRet[i]
		sumMM += marketRet[i] * marketRet[i]
		count++
	}
	if count < 2 {
		return math.NaN()
	}
	fc := float64(count)
	covAM := sumAM/fc - (sumA/fc)*(sumM/fc)
	varM := sumMM/fc - (sumM/fc)*(sumM/fc)
	if varM == 0 {
		return math.NaN()
	}
	return covAM / varM
}

func windowStdDev(returns []float64) float64 {
	var sum float64
	count := 0
	for _, r := range returns {
		if math.IsNaN(r) {
			continue
		}
		sum += r
		count++
	}
	if count < 2 {
		return math.NaN()
	}
	mean := sum / float64(count)
	var sumSq float64
	for _, r := range returns {
		if math.IsNaN(r) {
			continue
		}
		d := r - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(count-1))
}
