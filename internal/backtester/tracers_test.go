package backtester

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func evaluatedTrade(assetIndex int, units float64, price decimal.Decimal, lastPrice decimal.Decimal) *Trade {
	tr := newTrade(1, assetIndex, 0, 0, units, price, time.Now(), 1, nil)
	tr.Evaluate(lastPrice, true)
	return tr
}

func TestStrategyTracersEvaluateNLVAndLeverage(t *testing.T) {
	st := NewStrategyTracers(TracerNLV|TracerLeverage, 10)
	trade := evaluatedTrade(0, 10, decimal.NewFromInt(100), decimal.NewFromInt(110))

	point := st.Evaluate([]*Trade{trade}, decimal.NewFromInt(900), nil, nil, 0)

	if !point.NLV.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("expected NLV 2000 (900 cash + 1100 trade NLV), got %s", point.NLV)
	}
	expectedLeverage := decimal.NewFromInt(1100).Div(decimal.NewFromInt(2000))
	if !point.Leverage.Equal(expectedLeverage) {
		t.Errorf("expected leverage %s, got %s", expectedLeverage, point.Leverage)
	}
	if len(st.History) != 1 {
		t.Errorf("expected 1 history point recorded, got %d", len(st.History))
	}
}

func TestStrategyTracersEvaluateBeta(t *testing.T) {
	st := NewStrategyTracers(TracerBeta, 10)
	trade := evaluatedTrade(0, 10, decimal.NewFromInt(100), decimal.NewFromInt(100))

	assetBeta := func(assetIndex int) float64 { return 1.5 }
	point := st.Evaluate([]*Trade{trade}, decimal.NewFromInt(900), assetBeta, nil, 0)

	if point.Beta.IsZero() {
		t.Error("expected a non-zero beta when assetBeta resolves a value")
	}
}

func TestStrategyTracersEvaluateZeroNLVShortCircuits(t *testing.T) {
	st := NewStrategyTracers(TracerLeverage, 10)
	trade := evaluatedTrade(0, 10, decimal.NewFromInt(100), decimal.NewFromInt(100))

	point := st.Evaluate([]*Trade{trade}, decimal.NewFromInt(-1000), nil, nil, 0)
	if !point.NLV.IsZero() {
		t.Errorf("expected zero NLV, got %s", point.NLV)
	}
	if !point.Leverage.IsZero() {
		t.Error("expected leverage left unset when NLV is zero")
	}
}

func TestVolTargetPassesThroughWhenSigmaIsZero(t *testing.T) {
	cm := NewCovarianceMatrix(1, 2, 1)
	cm.Push([]float64{0})
	cm.Push([]float64{0})

	scaled := VolTarget(0.1, []float64{1}, 2.0, cm, 0)
	if scaled != 2.0 {
		t.Errorf("expected pass-through when realized volatility is zero, got %v", scaled)
	}
}
