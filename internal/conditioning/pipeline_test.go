package conditioning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bascula-ng/internal/calibration"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// feeder drives a pipeline at 20 Hz.
type feeder struct {
	p   *Pipeline
	cal calibration.State
	n   int
}

func (f *feeder) feed(t *testing.T, raws ...float64) State {
	t.Helper()
	var st State
	for _, r := range raws {
		var err error
		st, err = f.p.Update(r, t0.Add(time.Duration(f.n)*50*time.Millisecond), f.cal)
		require.NoError(t, err)
		f.n++
	}
	return st
}

func testConfig(hysteresis, threshold float64) Config {
	c := DefaultConfig()
	c.HysteresisGrams = hysteresis
	c.VarianceWindow = 5
	c.VarianceThreshold = threshold
	c.Debounce = 0
	c.Refractory = 0
	return c
}

func TestSpikeIsRejected(t *testing.T) {
	f := &feeder{p: New(testConfig(0.5, 5)), cal: calibration.Default()}
	const base = 500.0
	st := f.feed(t,
		base, base+1.2, base-0.8, base+0.6, base-1.1,
		base+80,
		base-0.5, base+0.3, base-0.2, base, base+0.1,
	)

	require.True(t, st.HasPublished)
	assert.InDelta(t, base, st.Published, 2.0)
	assert.True(t, st.Stable)
	assert.Less(t, st.Variance, 5.0)
}

func TestSpikeNeverPublished(t *testing.T) {
	f := &feeder{p: New(testConfig(0.5, 5)), cal: calibration.Default()}
	for _, r := range []float64{500, 501.2, 499.2, 500.6, 498.9, 580, 499.5, 500.3} {
		st := f.feed(t, r)
		assert.InDelta(t, 500.0, st.Published, 2.0, "after raw %v", r)
	}
}

func TestHysteresisHoldsThenTracks(t *testing.T) {
	f := &feeder{p: New(testConfig(2.0, 2.5)), cal: calibration.Default()}

	st := f.feed(t, 100, 100, 100, 100, 100)
	assert.True(t, st.Stable)
	assert.InDelta(t, 100.0, st.Published, 0.5)

	for i := 0; i < 6; i++ {
		st = f.feed(t, 101)
		assert.InDelta(t, 100.0, st.Published, 0.5)
		st = f.feed(t, 99.5)
		assert.InDelta(t, 100.0, st.Published, 0.5)
	}

	st = f.feed(t, 112, 112, 112, 112, 112, 112)
	assert.True(t, st.Stable)
	assert.InDelta(t, 112.0, st.Published, 1.0)
}

func TestPublishedMovesOnlyBeyondBand(t *testing.T) {
	cfg := testConfig(1.0, 10)
	f := &feeder{p: New(cfg), cal: calibration.Default()}
	prev := f.feed(t, 200).Published
	for _, r := range []float64{200.4, 199.7, 203, 203.2, 202.8, 198, 198.1, 197.9, 210, 210.3} {
		st := f.feed(t, r)
		if st.Published != prev {
			assert.Greater(t, abs(st.Published-prev), cfg.HysteresisGrams)
			prev = st.Published
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestCalibratedReadback(t *testing.T) {
	fit, err := calibration.FitLinear([]calibration.Point{{Raw: 1200, Grams: 120}, {Raw: 2400, Grams: 240}, {Raw: 3600, Grams: 360}})
	require.NoError(t, err)
	cal := calibration.Default().ApplyFit(fit)

	f := &feeder{p: New(testConfig(0.05, 0.05)), cal: cal}
	raw := 300 / cal.Scale
	st := f.feed(t, raw, raw, raw, raw, raw)

	assert.True(t, st.Stable)
	assert.InDelta(t, 300.0, st.Published, 0.5)
	assert.InDelta(t, 300.0, st.Instant, 1e-6)
}

func TestPartialWindowAverage(t *testing.T) {
	f := &feeder{p: New(DefaultConfig()), cal: calibration.Default()}
	st := f.feed(t, 10, 20)
	assert.Equal(t, 2, st.Samples)
	assert.InDelta(t, 15.0, st.Average, 1e-12)
	assert.False(t, st.VarianceReady)
	assert.False(t, st.Stable)
}

func TestFilterWindowEvictsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FilterWindow = 3
	f := &feeder{p: New(cfg), cal: calibration.Default()}
	st := f.feed(t, 1, 2, 3, 4, 5)
	assert.Equal(t, 3, st.Samples)
	assert.InDelta(t, 4.0, st.Average, 1e-12)
}

func TestVarianceScaledToGrams(t *testing.T) {
	cfg := testConfig(0, 1000)
	cfg.VarianceWindow = 2
	f := &feeder{p: New(cfg), cal: calibration.State{Scale: 0.5}}
	st := f.feed(t, 100, 104)
	// raw population variance is 4 counts², times 0.5².
	assert.InDelta(t, 1.0, st.Variance, 1e-12)
}

func TestScaleZeroIsReported(t *testing.T) {
	p := New(DefaultConfig())
	st, err := p.Update(1234, t0, calibration.State{Scale: 0})
	assert.ErrorIs(t, err, calibration.ErrScaleZero)
	assert.False(t, st.Calibrated)
	assert.Equal(t, 1234.0, st.Raw)

	avg, ok := p.Average()
	assert.True(t, ok)
	assert.Equal(t, 1234.0, avg)
}

func TestDebounceDelaysPublication(t *testing.T) {
	cfg := testConfig(1.0, 10)
	cfg.Debounce = 100 * time.Millisecond
	f := &feeder{p: New(cfg), cal: calibration.Default()}

	f.feed(t, 50, 50, 50, 50, 50)
	// median needs three samples at the new level before the candidate moves
	st := f.feed(t, 60, 60, 60)
	assert.InDelta(t, 50.0, st.Published, 1e-9, "change published before debounce elapsed")
	st = f.feed(t, 60)
	assert.InDelta(t, 50.0, st.Published, 1e-9)
	st = f.feed(t, 60)
	assert.InDelta(t, 60.0, st.Published, 1e-9)
}

func TestMomentaryBumpIsDebounced(t *testing.T) {
	cfg := testConfig(1.0, 10)
	cfg.MedianWindow = 1
	cfg.Debounce = 200 * time.Millisecond
	f := &feeder{p: New(cfg), cal: calibration.Default()}

	f.feed(t, 50, 50, 50)
	st := f.feed(t, 70, 70, 50, 50)
	assert.InDelta(t, 50.0, st.Published, 1e-9)
}

func TestRefractoryLimitsRate(t *testing.T) {
	cfg := testConfig(1.0, 10)
	cfg.MedianWindow = 1
	cfg.Refractory = 300 * time.Millisecond
	f := &feeder{p: New(cfg), cal: calibration.Default()}

	f.feed(t, 0)
	st := f.feed(t, 10)
	assert.InDelta(t, 0.0, st.Published, 1e-9)
	st = f.feed(t, 10, 10, 10, 10)
	assert.InDelta(t, 0.0, st.Published, 1e-9)
	st = f.feed(t, 10)
	assert.InDelta(t, 10.0, st.Published, 1e-9)
}

func TestResetClearsPublished(t *testing.T) {
	f := &feeder{p: New(DefaultConfig()), cal: calibration.Default()}
	f.feed(t, 10, 10)
	f.p.Reset()
	_, ok := f.p.Average()
	assert.False(t, ok)
	assert.False(t, f.p.Last().HasPublished)

	st := f.feed(t, 40)
	assert.InDelta(t, 40.0, st.Published, 1e-9)
}

func TestReconfigureKeepsNewestSamples(t *testing.T) {
	f := &feeder{p: New(DefaultConfig()), cal: calibration.Default()}
	f.feed(t, 1, 2, 3, 4, 5, 6)

	cfg := f.p.Config()
	cfg.FilterWindow = 2
	f.p.Reconfigure(cfg)
	avg, ok := f.p.Average()
	require.True(t, ok)
	assert.InDelta(t, 5.5, avg, 1e-12)
}

func TestNormalizeClamps(t *testing.T) {
	c := Config{FilterWindow: 0, MedianWindow: 1000, VarianceWindow: -3, EMAAlpha: 2, HysteresisGrams: -1, Debounce: -time.Second}.Normalize()
	assert.Equal(t, 1, c.FilterWindow)
	assert.Equal(t, 251, c.MedianWindow)
	assert.Equal(t, 1, c.VarianceWindow)
	assert.Equal(t, DefaultEMAAlpha, c.EMAAlpha)
	assert.Equal(t, 0.0, c.HysteresisGrams)
	assert.Equal(t, time.Duration(0), c.Debounce)

	c = Config{FilterWindow: 500}.Normalize()
	assert.Equal(t, 200, c.FilterWindow)
}

func TestRingRunningSumStaysConsistent(t *testing.T) {
	r := newRing(4)
	for i := 1; i <= 11; i++ {
		r.push(float64(i))
	}
	// 8, 9, 10, 11
	assert.Equal(t, 4, r.len())
	assert.InDelta(t, 38.0, r.sum, 1e-12)
	assert.Equal(t, 8.0, r.at(0))
	assert.InDelta(t, 1.25, r.variance(), 1e-12)
}
