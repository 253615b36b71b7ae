// Package gpiotest provides a scripted gpio.Backend that behaves like an
// HX711 on the wire: each conversion is a queued 24-bit code shifted out MSB
// first on the clock's rising edge.
package gpiotest

import (
	"sync"
	"time"

	"bascula-ng/internal/gpio"
)

// Backend is safe for concurrent use so tests may inspect it while a
// sampling goroutine drives it.
type Backend struct {
	mu sync.Mutex

	kind   gpio.Kind
	codes  []uint32
	repeat *uint32

	cur     uint32
	inFrame bool
	bit     int

	ioErr    error
	ioAfter  int
	pulses   int
	closes   int
	maxDelay time.Duration
}

// New returns a backend that will deliver raws in order.
func New(kind gpio.Kind, raws ...int32) *Backend {
	b := &Backend{kind: kind, maxDelay: 5 * time.Millisecond}
	b.Push(raws...)
	return b
}

func encode(raw int32) uint32 { return uint32(raw) & 0xFFFFFF }

// Push queues more conversions.
func (b *Backend) Push(raws ...int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range raws {
		b.codes = append(b.codes, encode(r))
	}
}

// Repeat makes the backend deliver raw forever once the queue drains.
func (b *Backend) Repeat(raw int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := encode(raw)
	b.repeat = &c
}

// StopRepeating makes an empty queue time out again.
func (b *Backend) StopRepeating() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.repeat = nil
}

// FailIO makes every bit operation fail with err after n more succeed.
// A nil err clears the fault.
func (b *Backend) FailIO(err error, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ioErr = err
	b.ioAfter = n
}

// Pulses counts clock pulses over the backend's lifetime.
func (b *Backend) Pulses() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pulses
}

// Closes counts Close calls.
func (b *Backend) Closes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

func (b *Backend) Closed() bool { return b.Closes() > 0 }

func (b *Backend) Kind() gpio.Kind { return b.kind }

func (b *Backend) WaitReady(timeout time.Duration) error {
	b.mu.Lock()
	if b.closes > 0 {
		b.mu.Unlock()
		return gpio.ErrClosed
	}
	// 24 data bits plus at least one gain pulse consume a conversion.
	if b.inFrame && b.bit > 24 {
		b.inFrame = false
	}
	if !b.inFrame {
		switch {
		case len(b.codes) > 0:
			b.cur = b.codes[0]
			b.codes = b.codes[1:]
			b.inFrame = true
			b.bit = 0
		case b.repeat != nil:
			b.cur = *b.repeat
			b.inFrame = true
			b.bit = 0
		}
	}
	ready := b.inFrame
	delay := b.maxDelay
	b.mu.Unlock()

	if ready {
		return nil
	}
	if timeout < delay {
		delay = timeout
	}
	time.Sleep(delay)
	return gpio.ErrTimeout
}

func (b *Backend) fault() error {
	if b.closes > 0 {
		return gpio.ErrClosed
	}
	if b.ioErr == nil {
		return nil
	}
	if b.ioAfter > 0 {
		b.ioAfter--
		return nil
	}
	b.inFrame = false
	return b.ioErr
}

func (b *Backend) ReadBit() (uint8, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fault(); err != nil {
		return 0, err
	}
	if !b.inFrame {
		return 1, nil
	}
	if b.bit < 1 || b.bit > 24 {
		return 0, nil
	}
	return uint8(b.cur>>(24-b.bit)) & 1, nil
}

func (b *Backend) PulseClock() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fault(); err != nil {
		return err
	}
	b.pulses++
	if b.inFrame {
		b.bit++
	}
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return nil
}

// Opener returns an opener handing out b.
func Opener(b *Backend) gpio.Opener {
	return func(gpio.Pins) (gpio.Backend, error) { return b, nil }
}

// Failing returns an opener that always fails with err.
func Failing(err error) gpio.Opener {
	return func(gpio.Pins) (gpio.Backend, error) { return nil, err }
}
