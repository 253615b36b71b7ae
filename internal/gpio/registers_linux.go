//go:build linux

package gpio

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/stianeikeland/go-rpio/v4"
)

// go-rpio maps one process-wide register block.
var rpioMu sync.Mutex

var (
	rpioOpen     = rpio.Open
	rpioClose    = rpio.Close
	boardModelFn = BoardModel
)

func openRegisters(p Pins) (Backend, error) {
	if model := boardModelFn(); registersUnsupported(model) {
		return nil, missing(KindRegisters, "no BCM register block on %s", model)
	}

	rpioMu.Lock()
	defer rpioMu.Unlock()

	if err := rpioOpen(); err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return nil, missing(KindRegisters, "%v", err)
		}
		return nil, fmt.Errorf("registers: map gpio memory: %w", err)
	}

	data := rpio.Pin(p.Data)
	clock := rpio.Pin(p.Clock)
	clock.Output()
	clock.Low()
	data.Input()
	data.PullUp()
	return &registersBackend{data: data, clock: clock, open: true}, nil
}

type registersBackend struct {
	mu    sync.Mutex
	data  rpio.Pin
	clock rpio.Pin
	open  bool
}

func (b *registersBackend) Kind() Kind { return KindRegisters }

func (b *registersBackend) WaitReady(timeout time.Duration) error {
	if !b.open {
		return ErrClosed
	}
	deadline := time.Now().Add(timeout)
	for b.data.Read() != rpio.Low {
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(pollInterval)
	}
	return nil
}

func (b *registersBackend) ReadBit() (uint8, error) {
	if !b.open {
		return 0, ErrClosed
	}
	if b.data.Read() == rpio.High {
		return 1, nil
	}
	return 0, nil
}

func (b *registersBackend) PulseClock() error {
	if !b.open {
		return ErrClosed
	}
	b.clock.High()
	b.clock.Low()
	return nil
}

func (b *registersBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return nil
	}
	b.open = false
	b.clock.Low()

	rpioMu.Lock()
	defer rpioMu.Unlock()
	return rpioClose()
}
