package calibration

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"bascula-ng/internal/atomicfile"
)

// record is the on-disk layout. calibration_factor is written for readers
// that expect counts per gram and is used on load only when the scale is
// missing.
type record struct {
	Factor     *float64 `yaml:"calibration_factor,omitempty"`
	Offset     *float64 `yaml:"calibration_offset,omitempty"`
	Scale      *float64 `yaml:"calibration_scale,omitempty"`
	Points     []Point  `yaml:"calibration_points"`
	TareOffset *float64 `yaml:"tare_offset,omitempty"`
}

// Store persists State as YAML. JSON documents load too.
type Store struct {
	Path string
}

// Load returns the stored state. found is false when the file does not exist.
func (s Store) Load() (st State, found bool, err error) {
	st = Default()
	if strings.TrimSpace(s.Path) == "" {
		return st, false, nil
	}
	b, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, false, nil
		}
		return st, false, err
	}
	var rec record
	if err := yaml.Unmarshal(b, &rec); err != nil {
		return st, false, fmt.Errorf("calibration: parse %s: %w", s.Path, err)
	}

	if rec.TareOffset != nil && finite(*rec.TareOffset) {
		st.TareOffset = *rec.TareOffset
	}
	if rec.Offset != nil && finite(*rec.Offset) {
		st.Offset = *rec.Offset
	}
	switch {
	case rec.Scale != nil && finite(*rec.Scale) && math.Abs(*rec.Scale) >= Epsilon:
		st.Scale = *rec.Scale
	case rec.Factor != nil && finite(*rec.Factor) && math.Abs(*rec.Factor) >= Epsilon:
		st.Scale = 1 / *rec.Factor
	}
	for _, p := range rec.Points {
		if finite(p.Raw) && finite(p.Grams) {
			st.Points = append(st.Points, p)
		}
	}
	return st, true, nil
}

func (s Store) Save(st State) error {
	if strings.TrimSpace(s.Path) == "" {
		return errors.New("calibration: no state path configured")
	}
	factor := st.Factor()
	rec := record{
		Offset:     &st.Offset,
		Scale:      &st.Scale,
		Points:     st.Points,
		TareOffset: &st.TareOffset,
	}
	if factor != 0 {
		rec.Factor = &factor
	}
	if rec.Points == nil {
		rec.Points = []Point{}
	}
	b, err := yaml.Marshal(&rec)
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(s.Path, b, 0o644)
}
