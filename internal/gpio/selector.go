package gpio

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
)

const (
	// MissingCooldown gates re-attempts of a backend whose driver is absent.
	MissingCooldown = 60 * time.Second
	// InitCooldown gates re-attempts after a transient open/claim failure.
	InitCooldown = 15 * time.Second
)

// Driver pairs a kind with its opener.
type Driver struct {
	Kind Kind
	Open Opener
}

var (
	openCdevFn      = openCdev
	openPigpiodFn   = openPigpiod
	openRegistersFn = openRegisters
)

// Drivers maps kinds to the built-in openers, preserving order.
// Duplicate kinds are dropped.
func Drivers(order []Kind) []Driver {
	if len(order) == 0 {
		order = DefaultOrder
	}
	seen := make(map[Kind]bool, len(order))
	out := make([]Driver, 0, len(order))
	for _, k := range order {
		if seen[k] {
			continue
		}
		seen[k] = true
		switch k {
		case KindCdev:
			out = append(out, Driver{Kind: k, Open: func(p Pins) (Backend, error) { return openCdevFn(p) }})
		case KindPigpiod:
			out = append(out, Driver{Kind: k, Open: func(p Pins) (Backend, error) { return openPigpiodFn(p) }})
		case KindRegisters:
			out = append(out, Driver{Kind: k, Open: func(p Pins) (Backend, error) { return openRegistersFn(p) }})
		}
	}
	return out
}

// Health is the per-kind failure record kept for the life of the selector.
type Health struct {
	Kind      string    `json:"kind"`
	Active    bool      `json:"active"`
	LastError string    `json:"last_error,omitempty"`
	RetryAt   time.Time `json:"retry_at,omitempty"`
	Failures  int       `json:"failures"`

	err error
}

// UnavailableError is returned when no backend could be opened. It wraps
// one error per kind that was attempted or is still cooling down.
type UnavailableError struct {
	err error
}

// Reasons lists the per-kind failures in priority order.
func (e *UnavailableError) Reasons() []string {
	errs := multierr.Errors(e.err)
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		out = append(out, err.Error())
	}
	return out
}

func (e *UnavailableError) Error() string {
	reasons := e.Reasons()
	if len(reasons) == 0 {
		return "gpio: no backend available"
	}
	return strings.Join(reasons, "; ")
}

func (e *UnavailableError) Unwrap() error { return e.err }

// Selector opens the first usable backend in priority order.
//
// Health bookkeeping is guarded by an internal mutex; opening a backend
// happens outside it, so Health may be read while a selection is running.
type Selector struct {
	pins    Pins
	drivers []Driver
	now     func() time.Time

	mu     sync.Mutex
	health map[Kind]*Health
	active Kind
	have   bool
}

func NewSelector(pins Pins, drivers []Driver) *Selector {
	s := &Selector{
		pins:    pins,
		drivers: drivers,
		now:     time.Now,
		health:  make(map[Kind]*Health, len(drivers)),
	}
	for _, d := range drivers {
		s.health[d.Kind] = &Health{Kind: d.Kind.String()}
	}
	return s
}

// Select runs one selection pass. A cooldown only skips re-attempts of the
// same kind; the next kind in the list is tried in the same pass.
func (s *Selector) Select() (Backend, error) {
	if err := s.pins.validate(); err != nil {
		return nil, &UnavailableError{err: err}
	}

	var errs error
	for _, d := range s.drivers {
		now := s.now()

		s.mu.Lock()
		h := s.health[d.Kind]
		if now.Before(h.RetryAt) {
			errs = multierr.Append(errs, h.err)
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		b, err := d.Open(s.pins)
		if err == nil && b == nil {
			err = fmt.Errorf("%s: opener returned no backend", d.Kind)
		}
		if err != nil {
			cooldown, what := InitCooldown, "init failed"
			if errors.Is(err, ErrDriverMissing) {
				cooldown, what = MissingCooldown, "unavailable"
			}
			err = fmt.Errorf("%s %s: %w", d.Kind, what, err)
			s.mu.Lock()
			h.err = err
			h.LastError = err.Error()
			h.RetryAt = now.Add(cooldown)
			h.Failures++
			h.Active = false
			s.mu.Unlock()

			log.Printf("gpio: %v (retry in %s)", err, cooldown)
			errs = multierr.Append(errs, err)
			continue
		}

		s.mu.Lock()
		for _, other := range s.health {
			other.Active = false
		}
		h.err = nil
		h.LastError = ""
		h.RetryAt = time.Time{}
		h.Active = true
		s.active = d.Kind
		s.have = true
		s.mu.Unlock()

		log.Printf("gpio: using %s backend (data=%d clock=%d)", d.Kind, s.pins.Data, s.pins.Clock)
		return b, nil
	}

	return nil, &UnavailableError{err: errs}
}

// Release marks the active backend as no longer in use.
func (s *Selector) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.health[s.active]; ok && s.have {
		h.Active = false
	}
	s.have = false
}

// Active reports the kind currently in use.
func (s *Selector) Active() (Kind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.have
}

// Health returns a copy of every record in priority order.
func (s *Selector) Health() []Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Health, 0, len(s.drivers))
	for _, d := range s.drivers {
		out = append(out, *s.health[d.Kind])
	}
	return out
}
