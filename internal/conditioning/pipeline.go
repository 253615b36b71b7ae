// Package conditioning turns a noisy stream of raw load-cell counts into a
// published weight that rejects spikes, ignores sub-threshold jitter and
// reports when the load has settled.
package conditioning

import (
	"math"
	"sort"
	"time"

	"bascula-ng/internal/calibration"
)

const (
	DefaultFilterWindow      = 10
	DefaultMedianWindow      = 5
	DefaultVarianceWindow    = 10
	DefaultEMAAlpha          = 0.2
	DefaultHysteresisGrams   = 2.0
	DefaultVarianceThreshold = 1.0
	DefaultDebounce          = 100 * time.Millisecond
	DefaultRefractory        = 300 * time.Millisecond

	emaEpsilon = 1e-6
)

type Config struct {
	// FilterWindow is the number of raw samples averaged into Average.
	FilterWindow int `yaml:"filter_window" json:"filter_window"`
	// MedianWindow is the spike-rejection window.
	MedianWindow int `yaml:"median_window" json:"median_window"`
	// VarianceWindow is how many raw samples stability is judged over.
	VarianceWindow int `yaml:"variance_window" json:"variance_window"`

	EMAAlpha          float64 `yaml:"ema_alpha" json:"ema_alpha"`
	HysteresisGrams   float64 `yaml:"hysteresis_grams" json:"hysteresis_grams"`
	VarianceThreshold float64 `yaml:"variance_threshold" json:"variance_threshold"`

	// Debounce is how long a change beyond the hysteresis band must persist.
	// Zero disables it.
	Debounce time.Duration `yaml:"debounce" json:"debounce"`
	// Refractory is the minimum spacing between publications. Zero disables it.
	Refractory time.Duration `yaml:"refractory" json:"refractory"`
}

func DefaultConfig() Config {
	return Config{
		FilterWindow:      DefaultFilterWindow,
		MedianWindow:      DefaultMedianWindow,
		VarianceWindow:    DefaultVarianceWindow,
		EMAAlpha:          DefaultEMAAlpha,
		HysteresisGrams:   DefaultHysteresisGrams,
		VarianceThreshold: DefaultVarianceThreshold,
		Debounce:          DefaultDebounce,
		Refractory:        DefaultRefractory,
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Normalize clamps every field into its usable range.
func (c Config) Normalize() Config {
	c.FilterWindow = clampInt(c.FilterWindow, 1, 200)
	c.MedianWindow = clampInt(c.MedianWindow, 1, 251)
	c.VarianceWindow = clampInt(c.VarianceWindow, 1, 500)
	if math.IsNaN(c.EMAAlpha) || c.EMAAlpha <= emaEpsilon || c.EMAAlpha > 1 {
		c.EMAAlpha = DefaultEMAAlpha
	}
	if math.IsNaN(c.HysteresisGrams) || c.HysteresisGrams < 0 {
		c.HysteresisGrams = 0
	}
	if math.IsNaN(c.VarianceThreshold) || c.VarianceThreshold < 0 {
		c.VarianceThreshold = 0
	}
	if c.Debounce < 0 {
		c.Debounce = 0
	}
	if c.Refractory < 0 {
		c.Refractory = 0
	}
	return c
}

// State is the result of one update. Gram-valued fields are meaningful only
// when Calibrated is true.
type State struct {
	Raw     float64
	Average float64
	Median  float64
	Samples int

	Calibrated bool
	Instant    float64
	Candidate  float64
	Variance   float64
	// VarianceReady is false until the variance window has filled.
	VarianceReady bool
	Stable        bool

	Published    float64
	HasPublished bool
	At           time.Time
}

// Pipeline is not safe for concurrent use; the owner serializes access.
type Pipeline struct {
	cfg Config

	window *ring // FilterWindow, Average
	median *ring // MedianWindow
	varWin *ring // VarianceWindow
	sorted []float64

	ema        float64
	haveEMA    bool
	published  float64
	havePub    bool
	lastPub    time.Time
	pendingAt  time.Time
	hasPending bool

	last State
}

func New(cfg Config) *Pipeline {
	cfg = cfg.Normalize()
	return &Pipeline{
		cfg:    cfg,
		window: newRing(cfg.FilterWindow),
		median: newRing(cfg.MedianWindow),
		varWin: newRing(cfg.VarianceWindow),
		sorted: make([]float64, 0, cfg.MedianWindow),
	}
}

func (p *Pipeline) Config() Config { return p.cfg }

// Reconfigure applies new tuning, keeping the newest samples that fit.
func (p *Pipeline) Reconfigure(cfg Config) {
	cfg = cfg.Normalize()
	p.cfg = cfg
	p.window = p.window.resize(cfg.FilterWindow)
	p.median = p.median.resize(cfg.MedianWindow)
	p.varWin = p.varWin.resize(cfg.VarianceWindow)
	if cap(p.sorted) < cfg.MedianWindow {
		p.sorted = make([]float64, 0, cfg.MedianWindow)
	}
	p.hasPending = false
}

// Reset drops every sample and the published value.
func (p *Pipeline) Reset() {
	p.window.reset()
	p.median.reset()
	p.varWin.reset()
	p.haveEMA = false
	p.havePub = false
	p.hasPending = false
	p.lastPub = time.Time{}
	p.last = State{}
}

// Last returns the state produced by the most recent Update.
func (p *Pipeline) Last() State { return p.last }

// Average is the mean raw value over the filter window.
func (p *Pipeline) Average() (float64, bool) {
	if p.window.len() == 0 {
		return 0, false
	}
	return p.window.mean(), true
}

func (p *Pipeline) medianValue() float64 {
	p.sorted = p.sorted[:0]
	for i := 0; i < p.median.len(); i++ {
		p.sorted = append(p.sorted, p.median.at(i))
	}
	sort.Float64s(p.sorted)
	n := len(p.sorted)
	if n%2 == 1 {
		return p.sorted[n/2]
	}
	return (p.sorted[n/2-1] + p.sorted[n/2]) / 2
}

// Update feeds one raw sample taken at at. With an unusable calibration the
// sample is still recorded and calibration.ErrScaleZero is returned along
// with the raw part of the state.
func (p *Pipeline) Update(raw float64, at time.Time, cal calibration.State) (State, error) {
	p.window.push(raw)
	p.median.push(raw)
	p.varWin.push(raw)

	st := State{
		Raw:     raw,
		Average: p.window.mean(),
		Median:  p.medianValue(),
		Samples: p.window.len(),
		At:      at,
	}
	if !cal.Valid() {
		p.haveEMA = false
		p.hasPending = false
		st.Published, st.HasPublished = p.published, p.havePub
		p.last = st
		return st, calibration.ErrScaleZero
	}

	st.Calibrated = true
	st.Instant, _ = cal.Grams(raw)
	medGrams, _ := cal.Grams(st.Median)

	// Counts to grams² for the variance.
	st.Variance = p.varWin.variance() * cal.Scale * cal.Scale
	st.VarianceReady = p.varWin.full()
	st.Stable = st.VarianceReady && st.Variance < p.cfg.VarianceThreshold

	// Smooth within the hysteresis band, follow steps beyond it immediately.
	switch {
	case !p.haveEMA:
		p.ema = medGrams
		p.haveEMA = true
	case math.Abs(medGrams-p.ema) > p.cfg.HysteresisGrams:
		p.ema = medGrams
	default:
		p.ema = p.cfg.EMAAlpha*medGrams + (1-p.cfg.EMAAlpha)*p.ema
	}
	st.Candidate = p.ema

	p.gate(st.Candidate, at)
	st.Published, st.HasPublished = p.published, p.havePub
	p.last = st
	return st, nil
}

func (p *Pipeline) gate(candidate float64, at time.Time) {
	if !p.havePub {
		p.publish(candidate, at)
		return
	}
	if math.Abs(candidate-p.published) <= p.cfg.HysteresisGrams {
		p.hasPending = false
		return
	}
	if !p.hasPending {
		p.pendingAt = at
		p.hasPending = true
	}
	if at.Sub(p.pendingAt) < p.cfg.Debounce {
		return
	}
	if at.Sub(p.lastPub) < p.cfg.Refractory {
		return
	}
	p.publish(candidate, at)
}

func (p *Pipeline) publish(v float64, at time.Time) {
	p.published = v
	p.havePub = true
	p.lastPub = at
	p.hasPending = false
}
