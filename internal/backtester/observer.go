package backtester

// IncrementalCovariance maintains a rolling covariance estimate between
// two return series over a window of N samples without rescanning the
// window on every step (spec §4.3). It is fed externally by whichever
// component owns the paired series — ExchangeMap's covariance matrix,
// in this kernel — via Push, rather than wired as an AssetObserver
// itself, since it needs values from two assets at once.
type IncrementalCovariance struct {
	window int
	i      int // samples seen, capped conceptually by the ring below

	sumA, sumB, sumAB, sumAA, sumBB float64
	ring                            []pairSample
	ringPos                         int
	filled                          bool
}

type pairSample struct {
	a, b float64
}

// NewIncrementalCovariance creates an estimator over a window of n samples.
func NewIncrementalCovariance(n int) *IncrementalCovariance {
	return &IncrementalCovariance{
		window: n,
		ring:   make([]pairSample, n),
	}
}

// Push adds one new (a, b) sample pair, evicting the oldest sample once
// the window is full.
func (c *IncrementalCovariance) Push(a, b float64) {
	if c.i > c.window-1 {
		leaving := c.ring[c.ringPos]
		c.sumA -= leaving.a
		c.sumB -= leaving.b
		c.sumAB -= leaving.a * leaving.b
		c.sumAA -= leaving.a * leaving.a
		c.sumBB -= leaving.b * leaving.b
	}

	c.sumA += a
	c.sumB += b
	c.sumAB += a * b
	c.sumAA += a * a
	c.sumBB += b * b

	c.ring[c.ringPos] = pairSample{a: a, b: b}
	c.ringPos = (c.ringPos + 1) % c.window
	c.i++
	if c.i >= c.window {
		c.filled = true
	}
}

// Covariance returns the current sample covariance estimate. It is
// defined as 0 until the window holds all N samples (spec §4.3
// invariant).
func (c *IncrementalCovariance) Covariance() float64 {
	if c.i < c.window {
		return 0
	}
	n := float64(c.window)
	return (c.sumAB - c.sumA*c.sumB/n) / (n - 1)
}

// VarianceA returns the current sample variance of series A, using the
// same windowing as Covariance.
func (c *IncrementalCovariance) VarianceA() float64 {
	if c.i < c.window {
		return 0
	}
	n := float64(c.window)
	return (c.sumAA - c.sumA*c.sumA/n) / (n - 1)
}

// MeanObserver is an AssetObserver that maintains a simple rolling mean
// of a named column, used by strategies that need a moving average
// without the full EMA/SMA helpers in pkg/utils.
type MeanObserver struct {
	ObsName string
	Column  string
	Window  int

	values []float64
	sum    float64
}

// NewMeanObserver creates a mean observer over the given column and window.
func NewMeanObserver(name, column string, window int) *MeanObserver {
	return &MeanObserver{ObsName: name, Column: column, Window: window, values: make([]float64, 0, window)}
}

func (m *MeanObserver) Name() string { return m.ObsName }

// OnStep is called once per tick, after the asset's cursor has advanced.
func (m *MeanObserver) OnStep(a *Asset) {
	v, err := a.GetFeature(m.Column, 0)
	if err != nil {
		return
	}
	m.values = append(m.values, v)
	m.sum += v
	if len(m.values) > m.Window {
		m.sum -= m.values[0]
		m.values = m.values[1:]
	}
}

// Mean returns the current rolling mean, or 0 if no samples.
func (m *MeanObserver) Mean() float64 {
	if len(m.values) == 0 {
		return 0
	}
	return m.sum / float64(len(m.values))
}
