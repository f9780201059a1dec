package backtester

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// CovarianceMatrix maintains a lower-triangular set of
// IncrementalCovariance estimators (one per unordered asset pair) plus
// a dense materialized matrix mirrored from them, updated only every
// stepSize ticks (spec §4.3).
type CovarianceMatrix struct {
	n        int
	window   int
	stepSize int
	ticks    int

	estimators map[[2]int]*IncrementalCovariance
	dense      *mat.SymDense
}

// NewCovarianceMatrix allocates a covariance tracker for n assets, a
// rolling window of `window` samples, refreshed every stepSize ticks.
func NewCovarianceMatrix(n, window, stepSize int) *CovarianceMatrix {
	if stepSize <= 0 {
		stepSize = 1
	}
	cm := &CovarianceMatrix{
		n:          n,
		window:     window,
		stepSize:   stepSize,
		estimators: make(map[[2]int]*IncrementalCovariance),
		dense:      mat.NewSymDense(n, nil),
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cm.estimators[[2]int{i, j}] = NewIncrementalCovariance(window)
		}
	}
	return cm
}

// Push feeds one return observation per asset for this tick and, every
// stepSize ticks, mirrors the incremental estimators into the dense
// matrix.
func (cm *CovarianceMatrix) Push(returns []float64) {
	if len(returns) != cm.n {
		return
	}
	for i := 0; i < cm.n; i++ {
		for j := i; j < cm.n; j++ {
			cm.estimators[[2]int{i, j}].Push(returns[i], returns[j])
		}
	}
	cm.ticks++
	if cm.ticks%cm.stepSize == 0 {
		cm.materialize()
	}
}

func (cm *CovarianceMatrix) materialize() {
	for i := 0; i < cm.n; i++ {
		for j := i; j < cm.n; j++ {
			cm.dense.SetSym(i, j, cm.estimators[[2]int{i, j}].Covariance())
		}
	}
}

// Dense returns the materialized covariance matrix for use in
// quadratic-form computations (portfolio volatility, mean-variance weights).
func (cm *CovarianceMatrix) Dense() *mat.SymDense { return cm.dense }

// Get returns the covariance estimate between assets i and j as of the
// last materialization.
func (cm *CovarianceMatrix) Get(i, j int) float64 {
	if i > j {
		i, j = j, i
	}
	return cm.dense.At(i, j)
}

// PortfolioVolatility computes sqrt(w^T * Sigma * w) for per-asset NLV
// weights w (spec §4.7).
func PortfolioVolatility(sigma *mat.SymDense, weights []float64) float64 {
	n := len(weights)
	if n == 0 || sigma.Symmetric() != n {
		return 0
	}
	w := mat.NewVecDense(n, weights)
	var sw mat.VecDense
	sw.MulVec(sigma, w)
	quad := mat.Dot(w, &sw)
	if quad < 0 {
		quad = 0
	}
	return math.Sqrt(quad)
}
