// Package calibration maps raw ADC counts to grams and derives that mapping
// from tare, single-point and multi-point procedures.
package calibration

import (
	"errors"
	"math"
)

// Epsilon is the smallest net signal or scale treated as non-zero.
const Epsilon = 1e-6

// relativeSpread is the smallest spread of reference raws, relative to their
// magnitude, that a fit accepts.
const relativeSpread = 1e-9

var (
	ErrKnownGramsInvalid = errors.New("calibration: known grams must be > 0")
	ErrNoData            = errors.New("calibration: no data")
	ErrNetZero           = errors.New("calibration: net signal is zero")
	ErrNotEnoughPoints   = errors.New("calibration: need at least two points")
	ErrDegenerate        = errors.New("calibration: points are degenerate")
	ErrScaleZero         = errors.New("calibration: scale is zero")
)

// Reason returns the API reason string for a calibration error.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrKnownGramsInvalid):
		return "known_grams_invalid"
	case errors.Is(err, ErrNoData):
		return "no_data"
	case errors.Is(err, ErrNetZero):
		return "net_zero"
	case errors.Is(err, ErrNotEnoughPoints):
		return "not_enough_points"
	case errors.Is(err, ErrDegenerate):
		return "points_collinear"
	case errors.Is(err, ErrScaleZero):
		return "calibration_scale_zero"
	}
	return "calibration_error"
}

// Point is one reference measurement.
type Point struct {
	Raw   float64 `yaml:"raw" json:"raw"`
	Grams float64 `yaml:"grams" json:"grams"`
}

// State is the calibration in force.
//
//	grams = (raw - TareOffset) * Scale + Offset
type State struct {
	TareOffset float64
	Scale      float64
	Offset     float64
	Points     []Point
}

// Default is the identity mapping.
func Default() State { return State{Scale: 1} }

// Valid reports whether Scale can be used.
func (s State) Valid() bool {
	return !math.IsNaN(s.Scale) && !math.IsInf(s.Scale, 0) && math.Abs(s.Scale) >= Epsilon
}

// Grams converts a raw value. It never divides and fails only on a zero scale.
func (s State) Grams(raw float64) (float64, error) {
	if !s.Valid() {
		return 0, ErrScaleZero
	}
	return (raw-s.TareOffset)*s.Scale + s.Offset, nil
}

// Factor is raw counts per gram, the inverse of Scale. Zero if Scale is unusable.
func (s State) Factor() float64 {
	if !s.Valid() {
		return 0
	}
	return 1 / s.Scale
}

// Clone returns s with its own copy of Points.
func (s State) Clone() State {
	if s.Points != nil {
		s.Points = append([]Point(nil), s.Points...)
	}
	return s
}

// Tare makes avgRaw read as zero.
func (s State) Tare(avgRaw float64) State {
	s = s.Clone()
	s.TareOffset = avgRaw
	s.Offset = 0
	return s
}

// SinglePoint derives Scale from one known load measured at referenceRaw
// against the current tare.
func (s State) SinglePoint(referenceRaw, knownGrams float64) (State, error) {
	if math.IsNaN(knownGrams) || math.IsInf(knownGrams, 0) || knownGrams <= 0 {
		return s, ErrKnownGramsInvalid
	}
	net := referenceRaw - s.TareOffset
	if math.Abs(net) < Epsilon {
		return s, ErrNetZero
	}
	s = s.Clone()
	s.Scale = knownGrams / net
	s.Offset = 0
	s.Points = []Point{{Raw: s.TareOffset, Grams: 0}, {Raw: referenceRaw, Grams: knownGrams}}
	return s, nil
}

// Fit is an ordinary least squares line grams = Scale*raw + Offset.
type Fit struct {
	Scale  float64
	Offset float64
	RMSE   float64
	Points []Point
}

// FitLinear fits points, skipping any with non-finite coordinates.
func FitLinear(points []Point) (Fit, error) {
	clean := make([]Point, 0, len(points))
	for _, p := range points {
		if finite(p.Raw) && finite(p.Grams) {
			clean = append(clean, p)
		}
	}
	if len(clean) < 2 {
		return Fit{}, ErrNotEnoughPoints
	}

	n := float64(len(clean))
	var mx, my, maxAbs float64
	for _, p := range clean {
		mx += p.Raw
		my += p.Grams
		maxAbs = math.Max(maxAbs, math.Abs(p.Raw))
	}
	mx /= n
	my /= n

	// Centered sums; raw moments cancel badly at full-scale counts.
	var sxx, sxy float64
	for _, p := range clean {
		dx := p.Raw - mx
		sxx += dx * dx
		sxy += dx * (p.Grams - my)
	}
	if math.Sqrt(sxx/n) < math.Max(Epsilon, relativeSpread*maxAbs) {
		return Fit{}, ErrDegenerate
	}
	slope := sxy / sxx
	if math.Abs(slope) < Epsilon {
		return Fit{}, ErrScaleZero
	}
	intercept := my - slope*mx

	var sse float64
	for _, p := range clean {
		r := p.Grams - (slope*p.Raw + intercept)
		sse += r * r
	}
	return Fit{
		Scale:  slope,
		Offset: intercept,
		RMSE:   math.Sqrt(sse / n),
		Points: clean,
	}, nil
}

// ApplyFit installs a fit. The fitted intercept carries the zero point, so
// the tare is cleared.
func (s State) ApplyFit(f Fit) State {
	return State{
		Scale:  f.Scale,
		Offset: f.Offset,
		Points: append([]Point(nil), f.Points...),
	}
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
