// Package types also carries the configuration and result documents that
// flow across the Engine's external interfaces.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeConfig describes one new_exchange(...) call.
type ExchangeConfig struct {
	ID               string    `json:"id" mapstructure:"id"`
	AssetType        AssetType `json:"assetType" mapstructure:"assetType"`
	Frequency        Frequency `json:"frequency" mapstructure:"frequency"`
	DatetimeFormat   string    `json:"datetimeFormat" mapstructure:"datetimeFormat"`
	SourceDir        string    `json:"sourceDir" mapstructure:"sourceDir"`
	AssetIDs         []string  `json:"assetIds,omitempty" mapstructure:"assetIds"`
	MarketAssetID    string    `json:"marketAssetId,omitempty" mapstructure:"marketAssetId"`
	BetaLookback     int       `json:"betaLookback,omitempty" mapstructure:"betaLookback"`
	VolatilityWindow int       `json:"volatilityWindow,omitempty" mapstructure:"volatilityWindow"`
}

// PortfolioConfig describes one new_portfolio(...) call.
type PortfolioConfig struct {
	ID           string          `json:"id" mapstructure:"id"`
	StartingCash decimal.Decimal `json:"startingCash" mapstructure:"startingCash"`
	Frequency    Frequency       `json:"frequency" mapstructure:"frequency"`
	BenchmarkID  string          `json:"benchmarkStrategyId,omitempty" mapstructure:"benchmarkStrategyId"`
}

// StrategyConfig describes one register_strategy(...) call's static parameters.
type StrategyConfig struct {
	ID             string         `json:"id" mapstructure:"id"`
	PortfolioID    string         `json:"portfolioId" mapstructure:"portfolioId"`
	ExchangeID     string         `json:"exchangeId" mapstructure:"exchangeId"`
	Kind           string         `json:"kind" mapstructure:"kind"`
	AllocTarget    decimal.Decimal `json:"allocTarget" mapstructure:"allocTarget"`
	AllocType      string         `json:"allocType" mapstructure:"allocType"` // "leverage" | "vol"
	StepFrequency  int            `json:"stepFrequency" mapstructure:"stepFrequency"`
	TradingWindow  *TradingWindow `json:"tradingWindow,omitempty" mapstructure:"tradingWindow"`
	Tracers        []string       `json:"tracers,omitempty" mapstructure:"tracers"`
	RiskLimits     RiskLimits     `json:"riskLimits" mapstructure:"riskLimits"`
	ApplyBetaHedge bool           `json:"applyBetaHedge" mapstructure:"applyBetaHedge"`
	Parameters     map[string]any `json:"parameters,omitempty" mapstructure:"parameters"`
}

// TradingWindow restricts intra-day eligibility to [Start, End) local time-of-day.
type TradingWindow struct {
	Start string `json:"start" mapstructure:"start"` // "HH:MM"
	End   string `json:"end" mapstructure:"end"`
}

// RiskLimits bounds a strategy's exposure.
type RiskLimits struct {
	MaxLeverage  decimal.Decimal `json:"maxLeverage" mapstructure:"maxLeverage"`
	MaxDrawdown  decimal.Decimal `json:"maxDrawdown" mapstructure:"maxDrawdown"`
	MaxDailyLoss decimal.Decimal `json:"maxDailyLoss" mapstructure:"maxDailyLoss"`
	VolTarget    decimal.Decimal `json:"volTarget,omitempty" mapstructure:"volTarget"`
}

// SlippageConfig configures an optional, off-by-default fill-price adjustment.
type SlippageConfig struct {
	Model          string          `json:"model" mapstructure:"model"` // "none", "fixed", "volume_weighted"
	FixedBps       decimal.Decimal `json:"fixedBps,omitempty" mapstructure:"fixedBps"`
	ImpactFactor   decimal.Decimal `json:"impactFactor,omitempty" mapstructure:"impactFactor"`
	VolumeFraction decimal.Decimal `json:"volumeFraction,omitempty" mapstructure:"volumeFraction"`
}

// ValidationConfig bundles the optional post-run validation passes.
type ValidationConfig struct {
	WalkForward WalkForwardConfig `json:"walkForward,omitempty" mapstructure:"walkForward"`
	MonteCarlo  MonteCarloConfig  `json:"monteCarlo,omitempty" mapstructure:"monteCarlo"`
	Viability   bool              `json:"viability,omitempty" mapstructure:"viability"`
}

// WalkForwardConfig configures windowed in-sample/out-of-sample re-runs.
type WalkForwardConfig struct {
	Enabled    bool `json:"enabled" mapstructure:"enabled"`
	WindowSize int  `json:"windowSize" mapstructure:"windowSize"` // bars
	StepSize   int  `json:"stepSize" mapstructure:"stepSize"`     // bars
	MinSamples int  `json:"minSamples" mapstructure:"minSamples"`
}

// MonteCarloConfig configures bootstrap-resampled trade-return analysis.
type MonteCarloConfig struct {
	Enabled         bool            `json:"enabled" mapstructure:"enabled"`
	Iterations      int             `json:"iterations" mapstructure:"iterations"`
	ConfidenceLevel decimal.Decimal `json:"confidenceLevel" mapstructure:"confidenceLevel"`
}

// EngineConfig is the persisted-state document round-tripped by
// Engine.ToJSON/Restore (spec §6).
type EngineConfig struct {
	ID         string            `json:"id" mapstructure:"id"`
	Exchanges  []ExchangeConfig  `json:"exchanges" mapstructure:"exchanges"`
	Portfolios []PortfolioConfig `json:"portfolios" mapstructure:"portfolios"`
	Strategies []StrategyConfig  `json:"strategies" mapstructure:"strategies"`
	Slippage   SlippageConfig    `json:"slippage,omitempty" mapstructure:"slippage"`
	Validation ValidationConfig  `json:"validation,omitempty" mapstructure:"validation"`
	Commission decimal.Decimal   `json:"commission,omitempty" mapstructure:"commission"`
}

// BacktestResult is the terminal report of one Engine.Run.
type BacktestResult struct {
	ID                string                          `json:"id"`
	Config            *EngineConfig                   `json:"config"`
	Metrics           map[string]*PerformanceMetrics  `json:"metrics"`
	RiskMetrics       map[string]*RiskMetrics         `json:"riskMetrics"`
	EquityCurves      map[string][]EquityCurvePoint   `json:"equityCurves"`
	MonteCarloResult  *MonteCarloResult               `json:"monteCarloResult,omitempty"`
	WalkForwardResult *WalkForwardResult              `json:"walkForwardResult,omitempty"`
	Viability         map[string]*ViabilityReport     `json:"viability,omitempty"`
	StartedAt         time.Time                       `json:"startedAt"`
	CompletedAt       time.Time                       `json:"completedAt"`
	Duration          time.Duration                   `json:"duration"`
	TicksProcessed    uint64                           `json:"ticksProcessed"`
}

// BacktestProgress reports an in-flight run, polled or streamed via internal/api.
type BacktestProgress struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"` // "running", "completed", "failed", "cancelled"
	Progress       float64   `json:"progress"` // 0-100
	TicksProcessed uint64    `json:"ticksProcessed"`
	TotalTicks     uint64    `json:"totalTicks"`
	CurrentTime    time.Time `json:"currentTime"`
	Error          string    `json:"error,omitempty"`
}

// ServerConfig configures the internal/api observability surface.
type ServerConfig struct {
	Host          string        `json:"host" mapstructure:"host"`
	Port          int           `json:"port" mapstructure:"port"`
	WebSocketPath string        `json:"websocketPath" mapstructure:"websocketPath"`
	ReadTimeout   time.Duration `json:"readTimeout" mapstructure:"readTimeout"`
	WriteTimeout  time.Duration `json:"writeTimeout" mapstructure:"writeTimeout"`
	EnableMetrics bool          `json:"enableMetrics" mapstructure:"enableMetrics"`
}

// DataConfig configures the internal/data loader.
type DataConfig struct {
	DataDir string `json:"dataDir" mapstructure:"dataDir"`
}
