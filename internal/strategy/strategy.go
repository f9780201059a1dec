// Package strategy provides concrete backtester.Strategy
// implementations and a registry that builds one from a
// StrategyConfig's Kind.
package strategy

import (
	"errors"
	"math"

	"github.com/kestrel-quant/backtester/internal/backtester"
	"github.com/kestrel-quant/backtester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var errInsufficientHistory = errors.New("insufficient history")

// Base implements every method of backtester.Strategy except Next,
// shared by every concrete strategy below. It also carries the
// vol-targeting parameters strategy_allocate's "vol" AllocType needs
// (spec §4.6/§4.7): scaleAllocations applies backtester.VolTarget to
// every candidate strategy's allocation view when cfg.AllocType == "vol".
type Base struct {
	id             string
	index          int
	portfolioIndex int
	exchangeID     string
	stepFrequency  int
	tradingWindow  *types.TradingWindow
	disabled       bool
	applyBetaHedge bool
	tracers        backtester.TracerSet

	allocType   string
	volTau      float64
	maxLeverage float64

	logger *zap.Logger
}

func newBase(logger *zap.Logger, cfg types.StrategyConfig, portfolioIndex int) Base {
	freq := cfg.StepFrequency
	if freq <= 0 {
		freq = 1
	}
	tau, _ := cfg.RiskLimits.VolTarget.Float64()
	maxLev, _ := cfg.RiskLimits.MaxLeverage.Float64()
	return Base{
		id:             cfg.ID,
		portfolioIndex: portfolioIndex,
		exchangeID:     cfg.ExchangeID,
		stepFrequency:  freq,
		tradingWindow:  cfg.TradingWindow,
		applyBetaHedge: cfg.ApplyBetaHedge,
		tracers:        tracerSetFromNames(cfg.Tracers),
		allocType:      cfg.AllocType,
		volTau:         tau,
		maxLeverage:    maxLev,
		logger:         logger,
	}
}

func (b *Base) ID() string                          { return b.id }
func (b *Base) Index() int                          { return b.index }
func (b *Base) SetIndex(i int)                      { b.index = i }
func (b *Base) PortfolioIndex() int                 { return b.portfolioIndex }
func (b *Base) ExchangeID() string                  { return b.exchangeID }
func (b *Base) StepFrequency() int                  { return b.stepFrequency }
func (b *Base) TradingWindow() *types.TradingWindow { return b.tradingWindow }
func (b *Base) IsDisabled() bool                    { return b.disabled }
func (b *Base) Disable()                            { b.disabled = true }
func (b *Base) ApplyBetaHedge() bool                { return b.applyBetaHedge }
func (b *Base) Tracers() backtester.TracerSet       { return b.tracers }

// scaleAllocations rescales a candidate allocation view toward volTau
// realized portfolio volatility when the strategy is configured for
// vol-targeted sizing; for any other AllocType it returns view unchanged.
func (b *Base) scaleAllocations(ctx *backtester.StrategyContext, view []backtester.AllocEntry) []backtester.AllocEntry {
	if b.allocType != "vol" || ctx.Covariance == nil || b.volTau <= 0 {
		return view
	}
	existing := make([]float64, len(ctx.Exchange.Assets()))
	scaled := make([]backtester.AllocEntry, len(view))
	for i, entry := range view {
		scaled[i] = backtester.AllocEntry{
			AssetIndex: entry.AssetIndex,
			Target:     backtester.VolTarget(b.volTau, existing, entry.Target, ctx.Covariance, b.maxLeverage),
		}
	}
	return scaled
}

func tracerSetFromNames(names []string) backtester.TracerSet {
	var set backtester.TracerSet
	for _, n := range names {
		switch n {
		case "nlv":
			set |= backtester.TracerSet(backtester.TracerNLV)
		case "cash":
			set |= backtester.TracerSet(backtester.TracerCash)
		case "leverage":
			set |= backtester.TracerSet(backtester.TracerLeverage)
		case "beta":
			set |= backtester.TracerSet(backtester.TracerBeta)
		case "volatility":
			set |= backtester.TracerSet(backtester.TracerVolatility)
		}
	}
	return set
}

func floatParam(params map[string]any, key string, def float64) float64 {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return def
	}
}

func intParam(params map[string]any, key string, def int) int {
	return int(floatParam(params, key, float64(def)))
}

// Registry builds a concrete backtester.Strategy from a
// StrategyConfig's Kind, the way internal/strategy's old
// StrategyRegistry built trading logic by name, generalized to the
// kernel's asset-index/Allocate interface.
type Registry struct {
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger}
}

// Create builds one Strategy for cfg, bound to portfolioIndex (the
// slot Engine.NewPortfolio returned for cfg.PortfolioID — the caller
// is responsible for that lookup, since portfolio indices are private
// to the Engine).
func (r *Registry) Create(cfg types.StrategyConfig, portfolioIndex int) (backtester.Strategy, error) {
	base := newBase(r.logger, cfg, portfolioIndex)
	switch cfg.Kind {
	case "momentum":
		return &Momentum{
			Base:      base,
			lookback:  intParam(cfg.Parameters, "lookback", 20),
			topN:      intParam(cfg.Parameters, "topN", 3),
			threshold: floatParam(cfg.Parameters, "threshold", 0.0),
			allocFrac: floatParam(cfg.Parameters, "allocFraction", 1.0),
		}, nil
	case "mean_reversion":
		return &MeanReversion{
			Base:      base,
			lookback:  intParam(cfg.Parameters, "lookback", 20),
			entryZ:    floatParam(cfg.Parameters, "entryZ", 2.0),
			exitZ:     floatParam(cfg.Parameters, "exitZ", 0.5),
			allocFrac: floatParam(cfg.Parameters, "allocFraction", 1.0),
		}, nil
	case "breakout":
		return &Breakout{
			Base:       base,
			lookback:   intParam(cfg.Parameters, "lookback", 20),
			volMult:    floatParam(cfg.Parameters, "volumeMultiple", 1.5),
			allocFrac:  floatParam(cfg.Parameters, "allocFraction", 1.0),
			stopLossPct: floatParam(cfg.Parameters, "stopLossPct", 0.05),
		}, nil
	case "trend_following":
		return &TrendFollowing{
			Base:       base,
			fastPeriod: intParam(cfg.Parameters, "fastPeriod", 12),
			slowPeriod: intParam(cfg.Parameters, "slowPeriod", 26),
			allocFrac:  floatParam(cfg.Parameters, "allocFraction", 1.0),
			fastEMA:    make(map[int]float64),
			slowEMA:    make(map[int]float64),
		}, nil
	default:
		return nil, errors.New("strategy: unknown kind " + cfg.Kind)
	}
}

// Momentum goes long the topN assets on an exchange ranked by trailing
// return over lookback bars, allocating allocFrac of portfolio NLV
// equally across the selected set (spec §4.6 strategy_allocate).
type Momentum struct {
	Base
	lookback  int
	topN      int
	threshold float64
	allocFrac float64
}

func (m *Momentum) Next(ctx *backtester.StrategyContext) {
	ranked := ctx.Exchange.ViewFunc(func(a *backtester.Asset) (float64, error) {
		cur, err := a.GetFeature("close", 0)
		if err != nil {
			return 0, err
		}
		past, err := a.GetFeature("close", -m.lookback)
		if err != nil || past == 0 {
			return 0, errInsufficientHistory
		}
		return (cur - past) / past, nil
	}, backtester.RankNLargest, m.topN)

	nlv := nlvOf(ctx)
	selected := 0
	for _, v := range ranked {
		if v.Value > m.threshold {
			selected++
		}
	}
	view := make([]backtester.AllocEntry, 0, len(ranked))
	for _, v := range ranked {
		if v.Value <= m.threshold {
			continue
		}
		view = append(view, backtester.AllocEntry{
			AssetIndex: v.AssetIndex,
			Target:     m.allocFrac / float64(max(1, selected)),
		})
	}
	view = m.scaleAllocations(ctx, view)
	ctx.Allocate(view, 0.1, true, &backtester.ExitThreshold{}, backtester.AllocFractionOfNLV, nlv)
}

// MeanReversion goes long assets whose close has deviated entryZ
// standard deviations below their lookback-window mean, and flattens
// once the deviation recovers inside exitZ.
type MeanReversion struct {
	Base
	lookback  int
	entryZ    float64
	exitZ     float64
	allocFrac float64
}

func (mr *MeanReversion) Next(ctx *backtester.StrategyContext) {
	type candidate struct {
		idx      int
		zscore   float64
	}
	var longs []candidate

	for _, a := range ctx.Exchange.Assets() {
		mean, std, cur, ok := rollingMeanStd(a, mr.lookback)
		if !ok || std == 0 {
			continue
		}
		z := (cur - mean) / std
		if z <= -mr.entryZ {
			longs = append(longs, candidate{idx: a.Index(), zscore: z})
		} else if math.Abs(z) <= mr.exitZ {
			// Close to fair value: exit any open position.
			if units := ctx.Portfolio.OpenTradeUnits(mr.Index(), a.Index()); units != 0 {
				ctx.PlaceOrder(backtester.NewMarketOrder(0, a.Index(), mr.Index(), mr.PortfolioIndex(), -units, &backtester.ExitThreshold{}))
			}
		}
	}

	nlv := nlvOf(ctx)
	view := make([]backtester.AllocEntry, 0, len(longs))
	for _, c := range longs {
		view = append(view, backtester.AllocEntry{
			AssetIndex: c.idx,
			Target:     mr.allocFrac / float64(max(1, len(longs))),
		})
	}
	view = mr.scaleAllocations(ctx, view)
	ctx.Allocate(view, 0.1, false, &backtester.ExitThreshold{}, backtester.AllocFractionOfNLV, nlv)
}

// Breakout enters an asset long when its close clears the highest
// high of the trailing lookback window on above-average volume.
type Breakout struct {
	Base
	lookback    int
	volMult     float64
	allocFrac   float64
	stopLossPct float64
}

func (bo *Breakout) Next(ctx *backtester.StrategyContext) {
	var breakouts []int
	for _, a := range ctx.Exchange.Assets() {
		highest, avgVol, ok := breakoutLevels(a, bo.lookback)
		if !ok {
			continue
		}
		cur, err := a.GetFeature("close", 0)
		if err != nil {
			continue
		}
		vol, err := a.GetFeature("volume", 0)
		if err != nil || avgVol == 0 {
			continue
		}
		if cur > highest && vol > avgVol*bo.volMult {
			breakouts = append(breakouts, a.Index())
		}
	}

	nlv := nlvOf(ctx)
	view := make([]backtester.AllocEntry, 0, len(breakouts))
	for _, idx := range breakouts {
		view = append(view, backtester.AllocEntry{
			AssetIndex: idx,
			Target:     bo.allocFrac / float64(max(1, len(breakouts))),
		})
	}
	exit := &backtester.ExitThreshold{
		StopLossPct:   decimal.NewFromFloat(bo.stopLossPct),
		TakeProfitPct: decimal.NewFromFloat(bo.stopLossPct * 2),
	}
	view = bo.scaleAllocations(ctx, view)
	ctx.Allocate(view, 0.1, false, exit, backtester.AllocFractionOfNLV, nlv)
}

// TrendFollowing holds a long position in an asset while its fast EMA
// is above its slow EMA, and flattens on a bearish crossover.
type TrendFollowing struct {
	Base
	fastPeriod int
	slowPeriod int
	allocFrac  float64

	fastEMA map[int]float64
	slowEMA map[int]float64
}

func (tf *TrendFollowing) Next(ctx *backtester.StrategyContext) {
	var bullish []int
	for _, a := range ctx.Exchange.Assets() {
		cur, err := a.GetFeature("close", 0)
		if err != nil {
			continue
		}
		idx := a.Index()
		fast, seen := tf.fastEMA[idx]
		if !seen {
			tf.fastEMA[idx] = cur
			tf.slowEMA[idx] = cur
			continue
		}
		slow := tf.slowEMA[idx]
		fastK := 2.0 / float64(tf.fastPeriod+1)
		slowK := 2.0 / float64(tf.slowPeriod+1)
		tf.fastEMA[idx] = cur*fastK + fast*(1-fastK)
		tf.slowEMA[idx] = cur*slowK + slow*(1-slowK)

		if tf.fastEMA[idx] > tf.slowEMA[idx] {
			bullish = append(bullish, idx)
		}
	}

	nlv := nlvOf(ctx)
	view := make([]backtester.AllocEntry, 0, len(bullish))
	for _, idx := range bullish {
		view = append(view, backtester.AllocEntry{
			AssetIndex: idx,
			Target:     tf.allocFrac / float64(max(1, len(bullish))),
		})
	}
	view = tf.scaleAllocations(ctx, view)
	ctx.Allocate(view, 0.1, true, &backtester.ExitThreshold{}, backtester.AllocFractionOfNLV, nlv)
}

func rollingMeanStd(a *backtester.Asset, lookback int) (mean, std, cur float64, ok bool) {
	var sum float64
	vals := make([]float64, 0, lookback)
	for i := 0; i < lookback; i++ {
		v, err := a.GetFeature("close", -i)
		if err != nil {
			return 0, 0, 0, false
		}
		vals = append(vals, v)
		sum += v
	}
	mean = sum / float64(lookback)
	var sq float64
	for _, v := range vals {
		d := v - mean
		sq += d * d
	}
	std = math.Sqrt(sq / float64(lookback))
	cur = vals[0]
	return mean, std, cur, true
}

func breakoutLevels(a *backtester.Asset, lookback int) (highest, avgVolume float64, ok bool) {
	highest = 0
	var volSum float64
	for i := 1; i <= lookback; i++ {
		h, err := a.GetFeature("high", -i)
		if err != nil {
			return 0, 0, false
		}
		if h > highest {
			highest = h
		}
		v, err := a.GetFeature("volume", -i)
		if err != nil {
			return 0, 0, false
		}
		volSum += v
	}
	return highest, volSum / float64(lookback), true
}

func nlvOf(ctx *backtester.StrategyContext) float64 {
	nlv, _ := ctx.Portfolio.NLV().Float64()
	return nlv
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
