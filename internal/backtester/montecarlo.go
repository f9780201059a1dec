// Package backtester provides Monte Carlo simulation for strategy validation.
package backtester

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-quant/backtester/internal/workers"
	"github.com/kestrel-quant/backtester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MonteCarloSimulator performs Monte Carlo analysis on trade results. Each
// iteration is independent, so iterations fan out across pool's workers
// rather than running on the caller's goroutine.
type MonteCarloSimulator struct {
	logger *zap.Logger
	config types.MonteCarloConfig
	rng    *rand.Rand
	pool   *workers.Pool
}

// NewMonteCarloSimulator creates a new Monte Carlo simulator. pool may be
// nil, in which case a dedicated HighThroughputPoolConfig pool (four
// workers per CPU) is created and owned by the simulator.
func NewMonteCarloSimulator(logger *zap.Logger, config types.MonteCarloConfig, pool *workers.Pool) *MonteCarloSimulator {
	if pool == nil {
		pool = workers.NewPool(logger, workers.HighThroughputPoolConfig("montecarlo"))
		pool.Start()
	}
	return &MonteCarloSimulator{
		logger: logger,
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		pool:   pool,
	}
}

// Run performs Monte Carlo simulation on trade results
func (mc *MonteCarloSimulator) Run(trades []*Trade) *types.MonteCarloResult {
	if len(trades) == 0 {
		return &types.MonteCarloResult{Iterations: 0}
	}

	// Extract trade returns
	returns := make([]float64, len(trades))
	for i, trade := range trades {
		ret, _ := trade.RealizedPL.Float64()
		returns[i] = ret
	}

	// Run simulations
	iterations := mc.config.Iterations
	if iterations <= 0 {
		iterations = 1000
	}

	simulatedReturns := make([]float64, iterations)
	maxDrawdowns := make([]float64, iterations)
	var ruinCount int64

	// Each task gets its own RNG, seeded sequentially off mc.rng so the
	// overall run stays reproducible for a fixed mc.rng seed regardless
	// of worker scheduling order.
	tasks := make([]workers.Task, iterations)
	for i := 0; i < iterations; i++ {
		i := i
		pathRng := rand.New(rand.NewSource(mc.rng.Int63()))
		tasks[i] = workers.TaskFunc(func() error {
			shuffled := shuffleReturns(pathRng, returns)
			totalReturn, maxDD, isRuin := mc.simulatePath(shuffled)
			simulatedReturns[i] = totalReturn
			maxDrawdowns[i] = maxDD
			if isRuin {
				atomic.AddInt64(&ruinCount, 1)
			}
			return nil
		})
	}
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for _, task := range tasks {
		task := task
		if err := mc.pool.SubmitFunc(func() error {
			defer wg.Done()
			return task.Execute()
		}); err != nil {
			mc.logger.Warn("monte carlo iteration dropped", zap.Error(err))
			wg.Done()
		}
	}
	wg.Wait()

	// Sort for percentile calculations
	sort.Float64s(simulatedReturns)
	sort.Float64s(maxDrawdowns)
	
	// Calculate statistics
	result := &types.MonteCarloResult{
		Iterations:      iterations,
		MedianReturn:    decimal.NewFromFloat(mc.percentile(simulatedReturns, 50)),
		P5Return:        decimal.NewFromFloat(mc.percentile(simulatedReturns, 5)),
		P95Return:       decimal.NewFromFloat(mc.percentile(simulatedReturns, 95)),
		ProbabilityRuin: decimal.NewFromFloat(float64(ruinCount) / float64(iterations)),
		MaxDrawdownP95:  decimal.NewFromFloat(mc.percentile(maxDrawdowns, 95)),
	}
	
	// Store distribution
	result.Distribution = make([]decimal.Decimal, len(simulatedReturns))
	for i, r := range simulatedReturns {
		result.Distribution[i] = decimal.NewFromFloat(r)
	}
	
	mc.logger.Info("Monte Carlo simulation complete",
		zap.Int("iterations", iterations),
		zap.String("medianReturn", result.MedianReturn.String()),
		zap.String("p5Return", result.P5Return.String()),
		zap.String("p95Return", result.P95Return.String()),
		zap.String("probabilityRuin", result.ProbabilityRuin.String()),
	)
	
	return result
}

// shuffleReturns creates a shuffled copy of returns using rng, so
// concurrent callers can each hold an independent generator.
func shuffleReturns(rng *rand.Rand, returns []float64) []float64 {
	shuffled := make([]float64, len(returns))
	copy(shuffled, returns)

	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	return shuffled
}

// simulatePath simulates a single path and returns total return, max drawdown, and ruin status
func (mc *MonteCarloSimulator) simulatePath(returns []float64) (totalReturn float64, maxDrawdown float64, isRuin bool) {
	equity := 1.0 // Start at 1.0 (100%)
	peak := equity
	maxDD := 0.0
	ruinThreshold := 0.5 // Consider 50% loss as ruin
	
	for _, ret := range returns {
		equity += ret / 100 // Assuming returns are in percentage terms
		
		// Update peak
		if equity > peak {
			peak = equity
		}
		
		// Calculate drawdown
		if peak > 0 {
			dd := (peak - equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
		
		// Check for ruin
		if equity <= ruinThreshold {
			return equity - 1.0, maxDD, true
		}
	}
	
	return equity - 1.0, maxDD, false
}

// percentile calculates the nth percentile of sorted values
func (mc *MonteCarloSimulator) percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	
	index := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	
	if lower == upper {
		return sorted[lower]
	}
	
	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// BootstrapConfidenceInterval calculates confidence interval using bootstrap
func (mc *MonteCarloSimulator) BootstrapConfidenceInterval(
	metric func([]*Trade) float64,
	trades []*Trade,
	confidence float64,
) (lower, upper float64) {
	iterations := mc.config.Iterations
	if iterations <= 0 {
		iterations = 1000
	}
	
	bootstrapValues := make([]float64, iterations)
	n := len(trades)
	
	for i := 0; i < iterations; i++ {
		// Bootstrap sample (sampling with replacement)
		sample := make([]*Trade, n)
		for j := 0; j < n; j++ {
			sample[j] = trades[mc.rng.Intn(n)]
		}
		
		bootstrapValues[i] = metric(sample)
	}
	
	sort.Float64s(bootstrapValues)
	
	alpha := 1 - confidence
	lowerIdx := int(alpha / 2 * float64(iterations))
	upperIdx := int((1 - alpha/2) * float64(iterations))
	
	return bootstrapValues[lowerIdx], bootstrapValues[upperIdx]
}
