package scale

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"bascula-ng/internal/calibration"
	"bascula-ng/internal/conditioning"
	"bascula-ng/internal/gpio"
	"bascula-ng/internal/hx711"
)

const (
	DefaultSampleRateHz        = 20.0
	DefaultWatchdogTimeout     = 5 * time.Second
	DefaultReconnectMaxBackoff = 30 * time.Second

	minSampleRateHz = 10.0
	maxSampleRateHz = 80.0
)

var (
	initialBackoff  = 250 * time.Millisecond
	stopJoinTimeout = 2 * time.Second
	// selectRetryMax bounds the pause between failed selection passes.
	selectRetryMax = 500 * time.Millisecond
	// minReconnectMaxBackoff is the lowest accepted backoff cap.
	minReconnectMaxBackoff = time.Second
)

type Config struct {
	Pins    gpio.Pins
	Drivers []gpio.Driver
	Gain    hx711.Gain

	SampleRateHz float64
	ReadTimeout  time.Duration
	// WatchdogTimeout forces a reconnect after this long without a sample.
	// Zero disables the watchdog.
	WatchdogTimeout     time.Duration
	ReconnectMaxBackoff time.Duration

	Conditioning conditioning.Config

	// Calibration, when set, overrides the persisted scale and offset. The
	// tare always comes from the persisted state.
	Calibration *calibration.State
	StatePath   string

	// Realtime pins the sampling goroutine to an OS thread with raised
	// priority.
	Realtime bool

	// OnReading is called from the sampling goroutine, without locks held,
	// after every published update.
	OnReading func(Reading)
}

func (c Config) normalized() Config {
	if c.SampleRateHz == 0 || math.IsNaN(c.SampleRateHz) {
		c.SampleRateHz = DefaultSampleRateHz
	}
	c.SampleRateHz = math.Max(minSampleRateHz, math.Min(c.SampleRateHz, maxSampleRateHz))
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = hx711.DefaultTimeout
	}
	if c.WatchdogTimeout < 0 {
		c.WatchdogTimeout = 0
	}
	if c.ReconnectMaxBackoff < minReconnectMaxBackoff {
		c.ReconnectMaxBackoff = minReconnectMaxBackoff
	}
	if c.Drivers == nil {
		c.Drivers = gpio.Drivers(nil)
	}
	c.Conditioning = c.Conditioning.Normalize()
	return c
}

var (
	_ Controller = (*Service)(nil)
	_ Tuner      = (*Service)(nil)
)

// Service is the GPIO acquisition service.
type Service struct {
	cfg   Config
	sel   *gpio.Selector
	store *calibration.Store

	// lifeMu serializes Start and Stop.
	lifeMu  sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	drvMu   sync.Mutex
	backend gpio.Backend

	mu           sync.Mutex
	state        State
	ok           bool
	reason       string
	driverErr    string
	cal          calibration.State
	pipe         *conditioning.Pipeline
	haveSample   bool
	lastSampleAt time.Time
	reconnects   int
	persistErr   string

	logLimit logLimiter
}

func New(cfg Config) *Service {
	cfg = cfg.normalized()
	s := &Service{
		cfg:    cfg,
		sel:    gpio.NewSelector(cfg.Pins, cfg.Drivers),
		pipe:   conditioning.New(cfg.Conditioning),
		cal:    calibration.Default(),
		reason: ReasonNotReady,
	}
	if cfg.StatePath != "" {
		s.store = &calibration.Store{Path: cfg.StatePath}
	}
	s.cal = s.loadCalibration()
	return s
}

func (s *Service) loadCalibration() calibration.State {
	cal := calibration.Default()
	if s.store != nil {
		persisted, found, err := s.store.Load()
		switch {
		case err != nil:
			log.Printf("scale: load calibration state %s: %v", s.store.Path, err)
		case found:
			cal = persisted
		}
	}
	if seed := s.cfg.Calibration; seed != nil && seed.Valid() {
		tare := cal.TareOffset
		cal = seed.Clone()
		cal.TareOffset = tare
	}
	if !cal.Valid() {
		log.Printf("scale: calibration scale %v unusable, readings disabled until recalibrated", cal.Scale)
	}
	return cal
}

// Start launches the sampling goroutine. Calling Start on a running service
// is a no-op.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("scale: service is nil")
	}
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	s.mu.Lock()
	s.ok = false
	s.reason = reasonInitializing
	s.state = StateSelectingBackend
	s.mu.Unlock()

	log.Printf("scale: starting data=%d clock=%d rate=%.1fHz median=%d ema=%.2f variance_window=%d",
		s.cfg.Pins.Data, s.cfg.Pins.Clock, s.cfg.SampleRateHz,
		s.cfg.Conditioning.MedianWindow, s.cfg.Conditioning.EMAAlpha, s.cfg.Conditioning.VarianceWindow)

	go func(done chan struct{}) {
		defer close(done)
		s.run(runCtx)
	}(s.done)
	return nil
}

// Stop ends sampling and releases the backend. It waits a bounded time for
// the sampling goroutine and then closes the backend regardless. Safe to
// call more than once.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancel()

	select {
	case <-s.done:
	case <-time.After(stopJoinTimeout):
		log.Printf("scale: sampling goroutine did not exit within %s, releasing backend", stopJoinTimeout)
	}
	s.drvMu.Lock()
	b := s.backend
	s.drvMu.Unlock()
	s.releaseBackend(b)

	s.mu.Lock()
	s.state = StateStopped
	s.ok = false
	s.reason = ReasonStopped
	s.mu.Unlock()
	log.Printf("scale: stopped")
}

// attachBackend records b as the backend in use. A run whose ctx has ended
// closes b instead, so it cannot replace the backend of a later run.
func (s *Service) attachBackend(ctx context.Context, b gpio.Backend) bool {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()
	if ctx.Err() != nil {
		_ = b.Close()
		return false
	}
	s.backend = b
	return true
}

// releaseBackend closes b. The service slot and the selector are only
// cleared while b is still the backend in use.
func (s *Service) releaseBackend(b gpio.Backend) {
	if b == nil {
		return
	}
	s.drvMu.Lock()
	owned := s.backend == b
	if owned {
		s.backend = nil
	}
	s.drvMu.Unlock()

	if err := b.Close(); err != nil {
		log.Printf("scale: close %s backend: %v", b.Kind(), err)
	}
	if owned {
		s.sel.Release()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Service) interval() time.Duration {
	return time.Duration(float64(time.Second) / s.cfg.SampleRateHz)
}

// setState applies update unless ctx has ended. Stop writes the stopped
// state under the same lock after cancelling, so a late sampling goroutine
// cannot overwrite it or the state of the next run.
func (s *Service) setState(ctx context.Context, update func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	update()
}

func (s *Service) run(ctx context.Context) {
	if s.cfg.Realtime {
		if err := hx711.LockRealtime(); err != nil {
			log.Printf("scale: realtime priority not available: %v", err)
		}
		defer hx711.UnlockRealtime()
	}

	backoff := initialBackoff
	for ctx.Err() == nil {
		s.setState(ctx, func() { s.state = StateSelectingBackend })
		b, err := s.sel.Select()
		if err != nil {
			msg := err.Error()
			s.setState(ctx, func() {
				s.ok = false
				s.reason = msg
				s.driverErr = msg
			})
			s.logLimit.printf("scale: no backend available: %s", msg)
			if !sleepCtx(ctx, min(s.interval(), selectRetryMax)) {
				return
			}
			continue
		}

		if !s.attachBackend(ctx, b) {
			return
		}
		sampled := s.sample(ctx, b)
		s.releaseBackend(b)
		if ctx.Err() != nil {
			return
		}

		if sampled {
			backoff = initialBackoff
		}
		s.setState(ctx, func() {
			s.state = StateRecovering
			s.reconnects++
		})
		log.Printf("scale: reconnecting in %s", backoff)
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff *= 2
		if backoff > s.cfg.ReconnectMaxBackoff {
			backoff = s.cfg.ReconnectMaxBackoff
		}
	}
}

// sample runs the Sampling/Degraded loop on one backend until it must be
// replaced or ctx ends. It reports whether any sample succeeded.
func (s *Service) sample(ctx context.Context, b gpio.Backend) bool {
	sampler, err := hx711.NewSampler(b, s.cfg.Gain, s.cfg.ReadTimeout)
	if err != nil {
		s.setState(ctx, func() { s.ok, s.reason = false, driverErrorPrefix+err.Error() })
		return false
	}

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	sampled := false
	lastGood := time.Now()
	for {
		if ctx.Err() != nil {
			return sampled
		}
		if wd := s.cfg.WatchdogTimeout; wd > 0 && time.Since(lastGood) > wd {
			log.Printf("scale: watchdog triggered after %s without samples, resetting %s backend",
				time.Since(lastGood).Round(time.Millisecond), b.Kind())
			s.setState(ctx, func() {
				s.ok = false
				s.reason = ReasonWatchdog
			})
			return sampled
		}

		smp, err := sampler.Read()
		if ctx.Err() != nil {
			return sampled
		}
		switch {
		case err == nil:
			sampled = true
			lastGood = time.Now()
			s.record(ctx, smp)
		case errors.Is(err, hx711.ErrReadTimeout):
			s.setState(ctx, func() {
				s.state = StateDegraded
				s.ok = false
				s.reason = ReasonTimeout
				s.driverErr = ReasonTimeout
			})
		default:
			log.Printf("scale: %s backend failed: %v", b.Kind(), err)
			msg := err.Error()
			s.setState(ctx, func() {
				s.ok = false
				s.reason = driverErrorPrefix + msg
				s.driverErr = msg
			})
			return sampled
		}

		select {
		case <-ctx.Done():
			return sampled
		case <-ticker.C:
		}
	}
}

// record feeds one sample through the pipeline and publishes the result.
// Samples from a run whose ctx has ended are dropped.
func (s *Service) record(ctx context.Context, smp hx711.Sample) {
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	_, err := s.pipe.Update(float64(smp.Raw), smp.At, s.cal)
	s.haveSample = true
	s.lastSampleAt = smp.At
	s.state = StateSampling
	s.ok = true
	s.reason = ""
	s.driverErr = ""
	r := s.readingLocked()
	cb := s.cfg.OnReading
	s.mu.Unlock()

	if err == nil && cb != nil {
		cb(r)
	}
}

func varPtr(st conditioning.State) *float64 {
	if !st.Calibrated || !st.VarianceReady {
		return nil
	}
	v := st.Variance
	return &v
}

func (s *Service) readingLocked() Reading {
	if !s.ok {
		reason := s.reason
		if reason == "" {
			reason = ReasonNotReady
		}
		return Reading{Reason: reason}
	}
	if !s.haveSample {
		return Reading{Reason: ReasonNoData}
	}
	if !s.cal.Valid() {
		return Reading{Reason: ReasonScaleZero}
	}
	st := s.pipe.Last()
	grams := st.Candidate
	if st.HasPublished {
		grams = st.Published
	}
	return Reading{
		OK:           true,
		Grams:        grams,
		Raw:          st.Raw,
		Average:      st.Average,
		FilteredRaw:  st.Median,
		Candidate:    st.Candidate,
		Variance:     varPtr(st),
		Stable:       st.Stable,
		InstantGrams: st.Instant,
		Timestamp:    st.At.UTC(),
	}
}

func (s *Service) Reading() Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readingLocked()
}

func (s *Service) RawValue() RawResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveSample {
		return RawResult{Reason: ReasonNoData}
	}
	st := s.pipe.Last()
	return RawResult{
		OK:          true,
		Raw:         st.Raw,
		Average:     st.Average,
		FilteredRaw: st.Median,
		Timestamp:   st.At.UTC(),
	}
}

func (s *Service) Status() Status {
	health := s.sel.Health()
	active, haveActive := s.sel.Active()

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.pipe.Config()
	st := s.pipe.Last()
	out := Status{
		OK:                s.ok,
		State:             s.state,
		Backend:           "gpio",
		DriverError:       s.driverErr,
		Drivers:           health,
		Pins:              &PinsStatus{DT: s.cfg.Pins.Data, SCK: s.cfg.Pins.Clock},
		SamplingHz:        s.cfg.SampleRateHz,
		CalibrationFactor: s.cal.Factor(),
		CalibrationScale:  s.cal.Scale,
		CalibrationOffset: s.cal.Offset,
		CalibrationPoints: append([]calibration.Point{}, s.cal.Points...),
		TareOffset:        s.cal.TareOffset,
		VarianceWindow:    c.VarianceWindow,
		VarianceThreshold: c.VarianceThreshold,
		Stable:            s.haveSample && st.Stable,
		HysteresisGrams:   c.HysteresisGrams,
		DebounceMs:        c.Debounce.Milliseconds(),
		RefractorySec:     c.Refractory.Seconds(),
		LastSampleAt:      s.lastSampleAt.UTC(),
		Reconnects:        s.reconnects,
		PersistError:      s.persistErr,
	}
	if s.haveSample {
		out.Variance = varPtr(st)
	}
	if haveActive {
		out.Driver = active.String()
	}
	if !s.ok {
		out.Reason = s.reason
		if out.Reason == "" {
			out.Reason = ReasonNotReady
		}
	}
	return out
}

// commitLocked installs a new calibration, clears derived state and
// persists. The new state is kept even if persisting fails.
func (s *Service) commitLocked(next calibration.State) (warning string) {
	s.cal = next
	s.pipe.Reset()
	s.haveSample = false
	if s.store == nil {
		return ""
	}
	if err := s.store.Save(next); err != nil {
		log.Printf("scale: persist calibration state: %v", err)
		s.persistErr = err.Error()
		return WarningPersistFailed
	}
	s.persistErr = ""
	return ""
}

func (s *Service) Tare() TareResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	avg, ok := s.pipe.Average()
	if !ok {
		return TareResult{Reason: ReasonNoData}
	}
	next := s.cal.Tare(avg)
	warn := s.commitLocked(next)
	log.Printf("scale: tare set (raw offset %.3f)", next.TareOffset)
	return TareResult{OK: true, TareOffset: next.TareOffset, Warning: warn}
}

func (s *Service) calibrationResultLocked(warn string) CalibrationResult {
	return CalibrationResult{
		OK:         true,
		Scale:      s.cal.Scale,
		Offset:     s.cal.Offset,
		Factor:     s.cal.Factor(),
		TareOffset: s.cal.TareOffset,
		Points:     append([]calibration.Point(nil), s.cal.Points...),
		Warning:    warn,
	}
}

// Calibrate derives the scale from a known load on the platform, measured
// against the current tare.
func (s *Service) Calibrate(knownGrams float64) CalibrationResult {
	if math.IsNaN(knownGrams) || knownGrams <= 0 {
		return CalibrationResult{Reason: calibration.Reason(calibration.ErrKnownGramsInvalid)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.pipe.Average()
	if !ok {
		return CalibrationResult{Reason: ReasonNoData}
	}
	next, err := s.cal.SinglePoint(ref, knownGrams)
	if err != nil {
		return CalibrationResult{Reason: calibration.Reason(err)}
	}
	warn := s.commitLocked(next)
	log.Printf("scale: calibration updated (single point) known=%.3fg scale=%.6f", knownGrams, next.Scale)
	return s.calibrationResultLocked(warn)
}

// CalibrateFromPoints installs a least squares fit over (raw, grams) pairs.
func (s *Service) CalibrateFromPoints(points []calibration.Point) CalibrationResult {
	fit, err := calibration.FitLinear(points)
	if err != nil {
		return CalibrationResult{Reason: calibration.Reason(err)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	warn := s.commitLocked(s.cal.ApplyFit(fit))
	log.Printf("scale: calibration updated from %d points scale=%.6f offset=%.6f rmse=%.6f",
		len(fit.Points), fit.Scale, fit.Offset, fit.RMSE)
	res := s.calibrationResultLocked(warn)
	rmse := fit.RMSE
	res.RMSE = &rmse
	return res
}

// CalibrateTwoPoint is CalibrateFromPoints over two references plus any extras.
func (s *Service) CalibrateTwoPoint(raw1, grams1, raw2, grams2 float64, extra ...calibration.Point) CalibrationResult {
	pts := append([]calibration.Point{{Raw: raw1, Grams: grams1}, {Raw: raw2, Grams: grams2}}, extra...)
	return s.CalibrateFromPoints(pts)
}

func (s *Service) Conditioning() conditioning.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipe.Config()
}

// UpdateConditioning retunes the pipeline in place and returns the
// normalized config in effect.
func (s *Service) UpdateConditioning(cfg conditioning.Config) conditioning.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipe.Reconfigure(cfg)
	return s.pipe.Config()
}

// logLimiter drops a repeated message logged again within 5s.
type logLimiter struct {
	mu   sync.Mutex
	last string
	at   time.Time
}

func (l *logLimiter) printf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	now := time.Now()
	l.mu.Lock()
	if msg == l.last && now.Sub(l.at) < 5*time.Second {
		l.mu.Unlock()
		return
	}
	l.last, l.at = msg, now
	l.mu.Unlock()
	log.Print(msg)
}
