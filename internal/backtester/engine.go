// Package backtester provides the core event-driven backtesting engine.
package backtester

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-quant/backtester/internal/workers"
	"github.com/kestrel-quant/backtester/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DataProvider supplies the materialized price matrix for one exchange
// configuration (spec §6: the kernel consumes an already-materialized
// price matrix plus a datetime column; concrete readers are an
// external collaborator).
type DataProvider interface {
	LoadExchangeAssets(ctx context.Context, cfg types.ExchangeConfig) ([]*Asset, error)
}

// Engine drives the step loop and owns the run's lifecycle (spec §2,
// "Engine" row; the component is named Engine, not after the teacher
// repo's original moniker for the equivalent driver).
type Engine struct {
	mu     sync.RWMutex
	logger *zap.Logger

	exchangeMap *ExchangeMap
	router      *Router
	ids         *idAllocator
	risk        *RiskManager

	portfolios      map[int]*Portfolio
	portfolioByID   map[string]int
	strategies      []Strategy
	strategyByIndex map[int]Strategy
	tracers         map[int]*StrategyTracers

	stepCounters map[int]int // strategy index -> ticks since last eligible run

	marketIndex      map[string]int // exchange id -> global market asset index
	marketIndexValid map[string]bool

	config *types.EngineConfig

	commission    decimal.Decimal
	slippageModel SlippageModel

	built   bool
	running atomic.Bool
	tick    uint64

	metricsCalc *MetricsCalculator
	workerPool  *workers.Pool

	progressChan chan *types.BacktestProgress
}

// NewEngine constructs an empty Engine. Exchanges, portfolios, and
// strategies are registered before Build.
func NewEngine(logger *zap.Logger) *Engine {
	em := NewExchangeMap(logger)
	pool := workers.NewPool(logger, workers.HighThroughputPoolConfig("validation"))
	pool.Start()
	return &Engine{
		logger:           logger,
		exchangeMap:      em,
		router:           NewRouter(logger, em),
		ids:              newIDAllocator(),
		risk:             NewRiskManager(logger),
		portfolios:       make(map[int]*Portfolio),
		portfolioByID:    make(map[string]int),
		strategyByIndex:  make(map[int]Strategy),
		tracers:          make(map[int]*StrategyTracers),
		stepCounters:     make(map[int]int),
		marketIndex:      make(map[string]int),
		marketIndexValid: make(map[string]bool),
		metricsCalc:      NewMetricsCalculator(),
		workerPool:       pool,
		progressChan:     make(chan *types.BacktestProgress, 100),
	}
}

// Close releases the Engine's worker pool. Callers that build an Engine
// for a single Run should defer Close once the result has been read.
func (e *Engine) Close() error {
	return e.workerPool.Stop()
}

// NewExchange registers a new exchange shell, per the Engine API
// surface's new_exchange(...) (spec §6).
func (e *Engine) NewExchange(cfg types.ExchangeConfig) (*Exchange, error) {
	if e.built {
		return nil, newKernelError(InvalidState, "Engine.NewExchange", "cannot register exchanges after build")
	}
	ex := NewExchange(cfg.ID, cfg.AssetType, cfg.Frequency, cfg.DatetimeFormat, cfg.SourceDir, e.logger)
	if cfg.MarketAssetID != "" {
		ex.SetMarketAsset(cfg.MarketAssetID)
	}
	if err := e.exchangeMap.RegisterExchange(ex); err != nil {
		return nil, err
	}
	return ex, nil
}

// NewPortfolio registers a new portfolio, per new_portfolio(...) (spec §6).
func (e *Engine) NewPortfolio(cfg types.PortfolioConfig) (*Portfolio, error) {
	if e.built {
		return nil, newKernelError(InvalidState, "Engine.NewPortfolio", "cannot register portfolios after build")
	}
	if _, exists := e.portfolioByID[cfg.ID]; exists {
		return nil, newKernelError(InvalidId, "Engine.NewPortfolio", "duplicate portfolio id "+cfg.ID)
	}
	idx := len(e.portfolios)
	p := NewPortfolio(cfg.ID, idx, cfg.StartingCash, cfg.Frequency, e.ids)
	e.portfolios[idx] = p
	e.portfolioByID[cfg.ID] = idx
	e.router.RegisterPortfolio(p)
	return p, nil
}

// RegisterStrategy binds a strategy to a portfolio, per
// register_strategy(...) (spec §6).
func (e *Engine) RegisterStrategy(s Strategy, portfolioID string) error {
	if e.built {
		return newKernelError(InvalidState, "Engine.RegisterStrategy", "cannot register strategies after build")
	}
	pIdx, ok := e.portfolioByID[portfolioID]
	if !ok {
		return newKernelError(InvalidId, "Engine.RegisterStrategy", "unknown portfolio "+portfolioID)
	}
	idx := len(e.strategies)
	s.SetIndex(idx)
	if s.PortfolioIndex() != pIdx {
		// Strategies carry their own portfolio index for lookups; the
		// caller is responsible for constructing them against pIdx, but
		// we don't fail hard here since some strategies resolve it lazily.
		e.logger.Debug("strategy portfolio index mismatch at registration",
			zap.String("strategy", s.ID()), zap.Int("expected", pIdx), zap.Int("got", s.PortfolioIndex()))
	}
	e.strategies = append(e.strategies, s)
	e.strategyByIndex[idx] = s
	return nil
}

// Build resolves the global timeline, aligns assets, assigns indices,
// pre-reserves tracer histories, and validates each strategy (spec
// §6). Any irrecoverable validation failure aborts with a descriptive error.
func (e *Engine) Build(cfg *types.EngineConfig) error {
	if e.built {
		return newKernelError(InvalidState, "Engine.Build", "already built")
	}
	e.config = cfg
	e.commission = cfg.Commission
	e.slippageModel = CreateSlippageModel(cfg.Slippage)

	betaLookback := 60
	covWindow := 0
	covStep := 1
	for _, ecfg := range cfg.Exchanges {
		if ecfg.BetaLookback > betaLookback {
			betaLookback = ecfg.BetaLookback
		}
		if ecfg.VolatilityWindow > covWindow {
			covWindow = ecfg.VolatilityWindow
		}
	}

	if err := e.exchangeMap.Build(betaLookback, covWindow, covStep); err != nil {
		return wrapKernelError(InvalidState, "Engine.Build", "exchange map build failed", err)
	}

	for _, ecfg := range cfg.Exchanges {
		if ecfg.MarketAssetID == "" {
			continue
		}
		ex, ok := e.exchangeMap.ExchangeByID(ecfg.ID)
		if !ok {
			continue
		}
		if ex.market != nil {
			e.marketIndex[ecfg.ID] = ex.market.index
			e.marketIndexValid[ecfg.ID] = true
		}
	}

	strategyCfgByID := make(map[string]types.StrategyConfig, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		strategyCfgByID[sc.ID] = sc
	}

	capacity := e.exchangeMap.Len()
	for idx, s := range e.strategyByIndex {
		if _, ok := e.exchangeMap.ExchangeByID(s.ExchangeID()); !ok {
			return newKernelError(InvalidId, "Engine.Build", "strategy "+s.ID()+" subscribes to unknown exchange "+s.ExchangeID())
		}
		e.tracers[idx] = NewStrategyTracers(s.Tracers(), capacity)
		e.stepCounters[idx] = 0
		if sc, ok := strategyCfgByID[s.ID()]; ok {
			e.risk.SetLimits(idx, sc.RiskLimits)
		}
	}

	e.built = true
	return nil
}

// Step advances the global clock by exactly one tick, running the
// fixed sequence from spec §5:
//
//	exchange.step() -> exchange.process(open leg) -> strategies.run() ->
//	router.process() -> exchange.process(close leg) -> router.process() ->
//	portfolios.evaluate(on_close=true) -> tracers.evaluate()
func (e *Engine) Step() error {
	if !e.built {
		return newKernelError(InvalidState, "Engine.Step", "Build must run before Step")
	}
	if e.exchangeMap.Done() {
		return newKernelError(InvalidMemoryOp, "Engine.Step", "global timeline exhausted")
	}

	if err := e.exchangeMap.Step(); err != nil {
		return err
	}
	e.tick++
	now := e.currentTime()

	expired := e.exchangeMap.DrainExpired()
	expiredSet := make(map[int]struct{}, len(expired))
	for _, idx := range expired {
		expiredSet[idx] = struct{}{}
	}
	for _, ex := range e.exchangeMap.exchanges {
		ex.CancelExpired(expiredSet)
	}

	// Open leg: match orders queued from the prior tick. Fills are queued
	// onto the router but not dispatched to portfolios until the first
	// post-strategies router.Process call below, per spec §4.6 ordering.
	for _, ex := range e.exchangeMap.exchanges {
		filled := ex.Process(false, e.tradeSideLookup, e.commission, e.slippageModel)
		e.router.DeliverFills(filled)
	}

	// Strategies run in registration order, per spec §4.6.
	for idx, s := range e.strategies {
		if !e.eligible(idx, s, now) {
			continue
		}
		ex, _ := e.exchangeMap.ExchangeByID(s.ExchangeID())
		p := e.portfolios[s.PortfolioIndex()]
		ctx := &StrategyContext{
			Now:            now,
			Exchange:       ex,
			Portfolio:      p,
			Router:         e.router,
			IDs:            e.ids,
			Risk:           e.risk,
			Covariance:     e.exchangeMap.Covariance(),
			strategyIndex:  idx,
			portfolioIndex: s.PortfolioIndex(),
			betaHedge:      s.ApplyBetaHedge(),
		}
		if mIdx, ok := e.marketIndex[s.ExchangeID()]; ok {
			ctx.marketIndex = mIdx
			ctx.marketValid = true
		}
		e.runStrategy(s, ctx)
	}

	// Open-leg fills queued above and orders emitted by strategies are
	// both dispatched here: fills reach their portfolios and new orders
	// reach their exchanges' pending queues.
	e.router.Process(e.fillResolver)

	// Close leg: match orders against the close price.
	for _, ex := range e.exchangeMap.exchanges {
		filled := ex.Process(true, e.tradeSideLookup, e.commission, e.slippageModel)
		e.router.DeliverFills(filled)
	}
	e.router.Process(e.fillResolver)

	for _, p := range e.portfolios {
		p.Evaluate(true, e.publishedPrice, now)
		e.enqueueExitOrders(p)
		p.RecordEquityPoint(now)
	}

	e.evaluateTracers(now)

	return nil
}

// runStrategy invokes Next and recovers from a panic by disabling the
// strategy for the remainder of the run; Next returns no error, so a
// panic is the only failure it catches (spec
// §7 propagation policy: per-tick strategy errors are caught, logged,
// and disable that strategy; the engine continues).
func (e *Engine) runStrategy(s Strategy, ctx *StrategyContext) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("strategy panicked, disabling", zap.String("strategy", s.ID()), zap.Any("recover", r))
			s.Disable()
		}
	}()
	s.Next(ctx)
}

func (e *Engine) eligible(idx int, s Strategy, now time.Time) bool {
	if s.IsDisabled() {
		return false
	}
	ex, ok := e.exchangeMap.ExchangeByID(s.ExchangeID())
	if !ok {
		return false
	}
	stepped := false
	for _, a := range ex.assets {
		if a.IsStreaming() {
			stepped = true
			break
		}
	}
	if !stepped {
		return false
	}

	e.stepCounters[idx]++
	freq := s.StepFrequency()
	if freq <= 0 {
		freq = 1
	}
	if e.stepCounters[idx] < freq {
		return false
	}
	e.stepCounters[idx] = 0

	if w := s.TradingWindow(); w != nil {
		if !withinTradingWindow(now, w) {
			return false
		}
	}
	return true
}

func withinTradingWindow(t time.Time, w *types.TradingWindow) bool {
	start, err1 := time.Parse("15:04", w.Start)
	end, err2 := time.Parse("15:04", w.End)
	if err1 != nil || err2 != nil {
		return true
	}
	tod := t.Hour()*60 + t.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()
	return tod >= startMin && tod < endMin
}

func (e *Engine) currentTime() time.Time {
	idx := e.exchangeMap.currentIndex
	if idx == 0 || idx > len(e.exchangeMap.timeline) {
		return time.Time{}
	}
	return time.Unix(0, e.exchangeMap.timeline[idx-1])
}

func (e *Engine) publishedPrice(assetIndex int) (decimal.Decimal, error) {
	for _, ex := range e.exchangeMap.exchanges {
		if _, ok := ex.byIndex[assetIndex]; ok {
			return ex.PublishedPrice(assetIndex, true)
		}
	}
	return decimal.Zero, newKernelError(InvalidId, "Engine.publishedPrice", "unknown asset index")
}

func (e *Engine) tradeSideLookup(assetIdx, strategyIdx int) float64 {
	for _, p := range e.portfolios {
		if pos, ok := p.Position(assetIdx); ok {
			for _, t := range pos.Trades() {
				if t.StrategyIndex == strategyIdx {
					return t.Units
				}
			}
		}
	}
	return 0
}

// fillResolver looks up (or, for an order with no pre-existing trade,
// leaves nil) the trade a filled order will mutate. Portfolio.HandleFill
// performs the actual mutation; this is only used by the Router to pass
// context through for logging/hooks.
func (e *Engine) fillResolver(o *Order) *Trade {
	p, ok := e.portfolios[o.PortfolioIndex]
	if !ok {
		return nil
	}
	pos, ok := p.Position(o.AssetIndex)
	if !ok {
		return nil
	}
	for _, t := range pos.Trades() {
		if t.StrategyIndex == o.StrategyIndex {
			return t
		}
	}
	return nil
}

// enqueueExitOrders submits an inverse-units MARKET order for every
// trade whose exit policy fired this tick (spec §4.6).
func (e *Engine) enqueueExitOrders(p *Portfolio) {
	for assetIdx, tradeIDs := range p.PendingExits() {
		pos, ok := p.Position(assetIdx)
		if !ok {
			continue
		}
		for _, tid := range tradeIDs {
			for _, t := range pos.Trades() {
				if t.TradeID == tid {
					o := NewMarketOrder(e.ids.Next(), assetIdx, t.StrategyIndex, p.index, -t.Units, nil)
					o.CreateTime = e.currentTime()
					e.router.PlaceOrder(o)
				}
			}
		}
	}
}

func (e *Engine) evaluateTracers(now time.Time) {
	cov := e.exchangeMap.Covariance()
	numAssets := e.exchangeMap.NumAssets()

	for idx, s := range e.strategyByIndex {
		p, ok := e.portfolios[s.PortfolioIndex()]
		if !ok {
			continue
		}
		var trades []*Trade
		for _, pos := range p.positions {
			for _, t := range pos.trades {
				if t.StrategyIndex == idx {
					trades = append(trades, t)
				}
			}
		}
		assetBeta := func(assetIndex int) float64 {
			a, ok := e.exchangeMap.AssetByIndex(assetIndex)
			if !ok {
				return 0
			}
			return a.Beta()
		}
		point := e.tracers[idx].Evaluate(trades, p.Cash(), assetBeta, cov, numAssets)

		if !s.IsDisabled() {
			if reason := e.risk.Evaluate(idx, point.NLV, now); reason != "" {
				e.logger.Warn("disabling strategy on risk breach", zap.String("strategy", s.ID()), zap.String("reason", reason))
				s.Disable()
			}
		}
	}
}

// Run drives Step() until the global timeline is exhausted or ctx is
// cancelled, then assembles the terminal BacktestResult.
func (e *Engine) Run(ctx context.Context) (*types.BacktestResult, error) {
	if e.running.Load() {
		return nil, newKernelError(InvalidState, "Engine.Run", "already running")
	}
	e.running.Store(true)
	defer e.running.Store(false)

	started := time.Now()

	for !e.exchangeMap.Done() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := e.Step(); err != nil {
			return nil, wrapKernelError(InvalidState, "Engine.Run", "step failed", err)
		}
		if e.tick%1000 == 0 {
			e.sendProgress()
		}
	}

	return e.buildResult(started), nil
}

// RunTo steps the engine through every remaining tick whose time is at or
// before t, stopping before the first tick later than t.
func (e *Engine) RunTo(ctx context.Context, t time.Time) error {
	target := t.UnixNano()
	for !e.exchangeMap.Done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if e.exchangeMap.timeline[e.exchangeMap.currentIndex] > target {
			return nil
		}
		if err := e.Step(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) buildResult(started time.Time) *types.BacktestResult {
	metrics := make(map[string]*types.PerformanceMetrics)
	riskMetrics := make(map[string]*types.RiskMetrics)
	equityCurves := make(map[string][]types.EquityCurvePoint)
	tradesByID := make(map[string][]*Trade)
	startingCashByID := make(map[string]decimal.Decimal)

	for pIdx, p := range e.portfolios {
		id := e.portfolioIDFor(pIdx)
		curve := p.EquityCurve()
		trades := p.TradeHistory()
		var startingCash decimal.Decimal
		for _, pc := range e.config.Portfolios {
			if pc.ID == id {
				startingCash = pc.StartingCash
			}
		}
		metrics[id] = e.metricsCalc.Calculate(trades, curve, startingCash)
		riskMetrics[id] = e.metricsCalc.CalculateRiskMetrics(curve)
		equityCurves[id] = curve
		tradesByID[id] = trades
		startingCashByID[id] = startingCash
	}

	result := &types.BacktestResult{
		ID:             e.config.ID,
		Config:         e.config,
		Metrics:        metrics,
		RiskMetrics:    riskMetrics,
		EquityCurves:   equityCurves,
		StartedAt:      started,
		CompletedAt:    time.Now(),
		Duration:       time.Since(started),
		TicksProcessed: e.tick,
	}

	e.runValidation(result, tradesByID, startingCashByID)
	return result
}

// runValidation attaches the Engine's configured post-run validation
// passes (spec §9 SUPPLEMENTED FEATURES). Monte Carlo and walk-forward
// are scoped to the portfolio in the first Portfolios entry -- the
// kernel doesn't model a notion of a "primary" portfolio
// beyond config order, and ValidationConfig is a single block rather
// than per-portfolio.
func (e *Engine) runValidation(result *types.BacktestResult, tradesByID map[string][]*Trade, startingCashByID map[string]decimal.Decimal) {
	if len(e.config.Portfolios) == 0 {
		return
	}
	primaryID := e.config.Portfolios[0].ID
	trades := tradesByID[primaryID]
	curve := result.EquityCurves[primaryID]
	startingCash := startingCashByID[primaryID]

	var wfResult *types.WalkForwardResult
	if e.config.Validation.WalkForward.Enabled {
		wf := NewWalkForwardAnalyzer(e.logger, e.workerPool)
		r, err := wf.Run(e.config.Validation.WalkForward, trades, curve, startingCash)
		if err != nil {
			e.logger.Warn("walk-forward analysis skipped", zap.Error(err))
		} else {
			wfResult = r
			result.WalkForwardResult = r
		}
	}

	if e.config.Validation.MonteCarlo.Enabled {
		mc := NewMonteCarloSimulator(e.logger, e.config.Validation.MonteCarlo, e.workerPool)
		result.MonteCarloResult = mc.Run(trades)
	}

	if e.config.Validation.Viability {
		checker := NewViabilityChecker(nil)
		viability := make(map[string]*types.ViabilityReport, len(result.Metrics))
		for id, m := range result.Metrics {
			viability[id] = checker.Check(m, result.RiskMetrics[id], wfResult).ToTypes()
		}
		result.Viability = viability
	}
}

// PortfolioByID returns a registered portfolio by its config id, for
// callers (internal/api) that need post-run access to trade history
// beyond what BacktestResult's aggregated metrics carry.
func (e *Engine) PortfolioByID(id string) (*Portfolio, bool) {
	idx, ok := e.portfolioByID[id]
	if !ok {
		return nil, false
	}
	return e.portfolios[idx], true
}

func (e *Engine) portfolioIDFor(idx int) string {
	for id, i := range e.portfolioByID {
		if i == idx {
			return id
		}
	}
	return ""
}

// Reset rewinds the global cursor to zero and restores initial cash,
// trades, and tracer histories (spec §6, §8 invariant 6).
func (e *Engine) Reset() error {
	if !e.built {
		return newKernelError(InvalidState, "Engine.Reset", "cannot reset before build")
	}
	if err := e.exchangeMap.Reset(); err != nil {
		return err
	}
	e.ids.reset()
	e.tick = 0
	e.risk.Reset()
	for idx := range e.stepCounters {
		e.stepCounters[idx] = 0
	}

	for pIdx, p := range e.portfolios {
		var startingCash decimal.Decimal
		id := e.portfolioIDFor(pIdx)
		for _, pc := range e.config.Portfolios {
			if pc.ID == id {
				startingCash = pc.StartingCash
			}
		}
		p.Reset(startingCash)
	}

	capacity := e.exchangeMap.Len()
	for idx, s := range e.strategyByIndex {
		e.tracers[idx] = NewStrategyTracers(s.Tracers(), capacity)
	}

	return nil
}

// ToJSON serializes the engine's persisted-state document (spec §6).
func (e *Engine) ToJSON() ([]byte, error) {
	if e.config == nil {
		return nil, newKernelError(InvalidState, "Engine.ToJSON", "engine not built")
	}
	return json.Marshal(e.config)
}

// Restore rebuilds an Engine's configuration skeleton from a persisted
// document. The caller must still RegisterStrategy the concrete
// strategy implementations (strategies are not serializable data) and
// supply asset data via DataProvider before calling Build.
func Restore(data []byte) (*types.EngineConfig, error) {
	var cfg types.EngineConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, wrapKernelError(InvalidArgument, "Restore", "malformed persisted state", err)
	}
	return &cfg, nil
}

// LoadFromProvider registers every exchange in cfg using assets
// fetched from provider, convenience glue for cmd/backtester.
func (e *Engine) LoadFromProvider(ctx context.Context, cfg *types.EngineConfig, provider DataProvider) error {
	for _, ecfg := range cfg.Exchanges {
		ex, err := e.NewExchange(ecfg)
		if err != nil {
			return err
		}
		assets, err := provider.LoadExchangeAssets(ctx, ecfg)
		if err != nil {
			return wrapKernelError(InvalidIO, "Engine.LoadFromProvider", "exchange "+ecfg.ID, err)
		}
		for _, a := range assets {
			if err := ex.RegisterAsset(a); err != nil {
				return err
			}
		}
	}
	for _, pcfg := range cfg.Portfolios {
		if _, err := e.NewPortfolio(pcfg); err != nil {
			return err
		}
	}
	return nil
}

// ProgressChan returns the progress channel consumed by internal/api.
func (e *Engine) ProgressChan() <-chan *types.BacktestProgress { return e.progressChan }

func (e *Engine) sendProgress() {
	total := uint64(e.exchangeMap.Len())
	pct := float64(0)
	if total > 0 {
		pct = float64(e.tick) / float64(total) * 100
	}
	update := &types.BacktestProgress{
		ID:             e.config.ID,
		Status:         "running",
		Progress:       pct,
		TicksProcessed: e.tick,
		TotalTicks:     total,
		CurrentTime:    e.currentTime(),
	}
	select {
	case e.progressChan <- update:
	default:
	}
}

// RouterHandle exposes the engine's router to strategies needing direct
// access outside Step (e.g. a CHEAT benchmark fill path).
func (e *Engine) RouterHandle() *Router { return e.router }

// TracerHistory returns the recorded tracer points for one strategy by index.
func (e *Engine) TracerHistory(strategyIndex int) []TracerPoint {
	t, ok := e.tracers[strategyIndex]
	if !ok {
		return nil
	}
	return t.History
}

