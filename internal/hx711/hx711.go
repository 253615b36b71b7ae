// Package hx711 reads conversions from an HX711 24-bit load-cell ADC over a
// two-wire gpio.Backend.
package hx711

import (
	"errors"
	"fmt"
	"time"

	"bascula-ng/internal/gpio"
)

const (
	dataBits       = 24
	DefaultTimeout = 500 * time.Millisecond

	MinRaw = -(1 << 23)
	MaxRaw = 1<<23 - 1
)

var (
	// ErrReadTimeout means the chip did not signal data ready in time. The
	// backend is still usable.
	ErrReadTimeout = errors.New("hx711: data ready timeout")
	// ErrProtocol wraps a backend I/O failure in the middle of a
	// transaction. The backend should be discarded.
	ErrProtocol = errors.New("hx711: protocol error")
)

// Gain selects channel and gain for the conversion after the current one.
type Gain int

const (
	Gain128 Gain = 128 // channel A
	Gain64  Gain = 64  // channel A
	Gain32  Gain = 32  // channel B
)

func (g Gain) pulses() (int, error) {
	switch g {
	case 0, Gain128:
		return 1, nil
	case Gain32:
		return 2, nil
	case Gain64:
		return 3, nil
	}
	return 0, fmt.Errorf("hx711: unsupported gain %d", int(g))
}

// ParseGain validates a configured gain; 0 selects 128.
func ParseGain(v int) (Gain, error) {
	g := Gain(v)
	if _, err := g.pulses(); err != nil {
		return 0, err
	}
	if g == 0 {
		g = Gain128
	}
	return g, nil
}

// Sample is one conversion.
type Sample struct {
	Raw int32
	At  time.Time
}

// Sampler performs conversions on one backend. It is not safe for
// concurrent use.
type Sampler struct {
	b       gpio.Backend
	sh      gpio.Shifter
	timeout time.Duration
	extra   int

	now func() time.Time
}

func NewSampler(b gpio.Backend, gain Gain, timeout time.Duration) (*Sampler, error) {
	extra, err := gain.pulses()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Sampler{b: b, timeout: timeout, extra: extra, now: time.Now}
	if sh, ok := b.(gpio.Shifter); ok {
		s.sh = sh
	}
	return s, nil
}

func (s *Sampler) Backend() gpio.Backend { return s.b }

// Read waits for data ready, clocks out 24 bits MSB first, then the gain
// pulses, and sign-extends the result.
func (s *Sampler) Read() (Sample, error) {
	if err := s.b.WaitReady(s.timeout); err != nil {
		if errors.Is(err, gpio.ErrTimeout) {
			return Sample{}, ErrReadTimeout
		}
		return Sample{}, fmt.Errorf("%w: wait ready: %v", ErrProtocol, err)
	}

	var (
		word uint32
		err  error
	)
	if s.sh != nil {
		word, err = s.sh.ShiftIn(dataBits, s.extra)
	} else {
		word, err = s.shift()
	}
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return Sample{Raw: Decode24(word), At: s.now()}, nil
}

func (s *Sampler) shift() (uint32, error) {
	var word uint32
	for i := 0; i < dataBits; i++ {
		if err := s.b.PulseClock(); err != nil {
			return 0, err
		}
		bit, err := s.b.ReadBit()
		if err != nil {
			return 0, err
		}
		word = word<<1 | uint32(bit&1)
	}
	for i := 0; i < s.extra; i++ {
		if err := s.b.PulseClock(); err != nil {
			return 0, err
		}
	}
	return word, nil
}

// Decode24 sign-extends a 24-bit two's-complement word.
func Decode24(word uint32) int32 {
	word &= 0xFFFFFF
	if word&0x800000 != 0 {
		return int32(word) - 1<<24
	}
	return int32(word)
}
