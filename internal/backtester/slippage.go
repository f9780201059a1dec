package backtester

import (
	"math"

	"github.com/kestrel-quant/backtester/pkg/types"
	"github.com/shopspring/decimal"
)

// SlippageModel estimates the fractional price impact of filling an
// order against an asset's current bar (spec §4.2: slippage is an
// exchange-level, per-fill adjustment folded into Order.CashImpact,
// not a market-microstructure simulation).
type SlippageModel interface {
	Calculate(o *Order, a *Asset) decimal.Decimal
}

// FixedSlippage applies a constant basis-point rate to every fill.
type FixedSlippage struct {
	BasisPoints decimal.Decimal
}

// NewFixedSlippage creates a fixed slippage model.
func NewFixedSlippage(bps decimal.Decimal) *FixedSlippage {
	return &FixedSlippage{BasisPoints: bps}
}

// Calculate returns the fixed rate regardless of order or asset.
func (f *FixedSlippage) Calculate(o *Order, a *Asset) decimal.Decimal {
	return f.BasisPoints.Div(decimal.NewFromInt(10000))
}

// VolumeWeightedSlippage scales slippage by how large the order is
// relative to the asset's published bar volume, using a square-root
// impact model: impact = impactFactor * sqrt(participation).
type VolumeWeightedSlippage struct {
	BaseBps      decimal.Decimal
	ImpactFactor decimal.Decimal
}

// NewVolumeWeightedSlippage creates a volume-weighted slippage model.
func NewVolumeWeightedSlippage(baseBps, impactFactor decimal.Decimal) *VolumeWeightedSlippage {
	return &VolumeWeightedSlippage{BaseBps: baseBps, ImpactFactor: impactFactor}
}

// Calculate returns base slippage plus a participation-scaled impact
// term, falling back to base slippage when the asset has no volume column.
func (v *VolumeWeightedSlippage) Calculate(o *Order, a *Asset) decimal.Decimal {
	base := v.BaseBps.Div(decimal.NewFromInt(10000))

	volume, err := a.GetFeature("volume", 0)
	if err != nil || volume <= 0 {
		return base
	}

	participation := math.Abs(o.Units) / volume
	impact := v.ImpactFactor.Mul(decimal.NewFromFloat(math.Sqrt(participation)))
	return base.Add(impact)
}

// CreateSlippageModel builds a SlippageModel from configuration. An
// unrecognized or "none" model returns nil, meaning Exchange.Process
// applies no slippage rate.
func CreateSlippageModel(cfg types.SlippageConfig) SlippageModel {
	switch cfg.Model {
	case "fixed":
		return NewFixedSlippage(cfg.FixedBps)
	case "volume_weighted":
		return NewVolumeWeightedSlippage(cfg.FixedBps, cfg.ImpactFactor)
	default:
		return nil
	}
}
