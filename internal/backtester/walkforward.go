// Package backtester provides walk-forward analysis for strategy validation.
package backtester

import (
	"fmt"
	"sync"
	"time"

	"github.com/kestrel-quant/backtester/internal/workers"
	"github.com/kestrel-quant/backtester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// WalkForwardAnalyzer partitions a completed run's equity curve and
// trade history into rolling in-sample/out-of-sample windows and
// reports how out-of-sample performance compares to in-sample
// performance (spec §9 SUPPLEMENTED FEATURES: windowed re-evaluation,
// kept from the teacher's validation tooling since it does not
// contradict the kernel's single-pass, deterministic step loop). Each
// window's metrics are independent of every other window, so — unlike
// the per-tick evaluate region — fanning them out across a pool
// introduces no ordering hazard.
type WalkForwardAnalyzer struct {
	logger *zap.Logger
	pool   *workers.Pool
}

// NewWalkForwardAnalyzer creates a new walk-forward analyzer. pool may
// be nil, in which case a dedicated HighThroughputPoolConfig pool (four
// workers per CPU) is created and owned by the analyzer.
func NewWalkForwardAnalyzer(logger *zap.Logger, pool *workers.Pool) *WalkForwardAnalyzer {
	if pool == nil {
		pool = workers.NewPool(logger, workers.HighThroughputPoolConfig("walkforward"))
		pool.Start()
	}
	return &WalkForwardAnalyzer{logger: logger, pool: pool}
}

// Run partitions trades and an equity curve into windows of
// windowSize bars stepping stepSize bars at a time, using an 80/20
// in-sample/out-of-sample split within each window.
func (wf *WalkForwardAnalyzer) Run(cfg types.WalkForwardConfig, trades []*Trade, equityCurve []types.EquityCurvePoint, startingCapital decimal.Decimal) (*types.WalkForwardResult, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	windowSize := cfg.WindowSize
	stepSize := cfg.StepSize
	if windowSize <= 0 {
		windowSize = 60
	}
	if stepSize <= 0 {
		stepSize = 20
	}
	if len(equityCurve) < windowSize {
		return nil, fmt.Errorf("not enough bars (%d) for window size %d", len(equityCurve), windowSize)
	}

	inSampleBars := int(float64(windowSize) * 0.8)

	var starts []int
	for start := 0; start+windowSize <= len(equityCurve); start += stepSize {
		starts = append(starts, start)
	}
	if len(starts) == 0 {
		return nil, fmt.Errorf("no windows generated for walk-forward analysis")
	}

	windows := make([]types.WalkForwardWindow, len(starts))
	outTradesByWindow := make([][]*Trade, len(starts))
	outCurveByWindow := make([][]types.EquityCurvePoint, len(starts))

	var wg sync.WaitGroup
	wg.Add(len(starts))
	for i, start := range starts {
		i, start := i, start
		task := func() error {
			defer wg.Done()
			metricsCalc := NewMetricsCalculator()
			inEnd := start + inSampleBars
			outEnd := start + windowSize

			inCurve := equityCurve[start:inEnd]
			outCurve := equityCurve[inEnd:outEnd]

			inTrades := tradesWithin(trades, inCurve[0].Timestamp, inCurve[len(inCurve)-1].Timestamp)
			outTrades := tradesWithin(trades, outCurve[0].Timestamp, outCurve[len(outCurve)-1].Timestamp)

			windows[i] = types.WalkForwardWindow{
				InSampleStart:    inCurve[0].Timestamp,
				InSampleEnd:      inCurve[len(inCurve)-1].Timestamp,
				OutSampleStart:   outCurve[0].Timestamp,
				OutSampleEnd:     outCurve[len(outCurve)-1].Timestamp,
				InSampleMetrics:  metricsCalc.Calculate(inTrades, inCurve, startingCapital),
				OutSampleMetrics: metricsCalc.Calculate(outTrades, outCurve, startingCapital),
			}
			outTradesByWindow[i] = outTrades
			outCurveByWindow[i] = outCurve
			return nil
		}
		if err := wf.pool.SubmitFunc(task); err != nil {
			wf.logger.Warn("walk-forward window dropped, running inline", zap.Error(err))
			task()
		}
	}
	wg.Wait()

	var allOutTrades []*Trade
	var allOutCurve []types.EquityCurvePoint
	for i := range starts {
		allOutTrades = append(allOutTrades, outTradesByWindow[i]...)
		allOutCurve = append(allOutCurve, outCurveByWindow[i]...)
	}

	metricsCalc := NewMetricsCalculator()

	overall := metricsCalc.Calculate(allOutTrades, allOutCurve, startingCapital)
	robustness := wf.calculateRobustness(windows)

	wf.logger.Info("Walk-forward analysis complete",
		zap.Int("windows", len(windows)),
		zap.String("robustness", robustness.String()),
	)

	return &types.WalkForwardResult{
		Windows:        windows,
		OverallMetrics: overall,
		Robustness:     robustness,
	}, nil
}

// tradesWithin returns trades closed within [start, end], used to
// attribute a window's realized P&L for its in-sample/out-of-sample split.
func tradesWithin(trades []*Trade, start, end time.Time) []*Trade {
	var out []*Trade
	for _, t := range trades {
		if (t.CloseTime.Equal(start) || t.CloseTime.After(start)) && (t.CloseTime.Equal(end) || t.CloseTime.Before(end)) {
			out = append(out, t)
		}
	}
	return out
}

func (wf *WalkForwardAnalyzer) calculateRobustness(windows []types.WalkForwardWindow) decimal.Decimal {
	var inSampleReturns, outSampleReturns decimal.Decimal
	validWindows := 0

	for _, w := range windows {
		if w.InSampleMetrics != nil && w.OutSampleMetrics != nil {
			inSampleReturns = inSampleReturns.Add(w.InSampleMetrics.TotalReturn)
			outSampleReturns = outSampleReturns.Add(w.OutSampleMetrics.TotalReturn)
			validWindows++
		}
	}

	if validWindows == 0 || inSampleReturns.IsZero() {
		return decimal.Zero
	}

	robustness := outSampleReturns.Div(inSampleReturns)
	if robustness.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if robustness.GreaterThan(decimal.NewFromFloat(2)) {
		return decimal.NewFromFloat(2)
	}
	return robustness
}
