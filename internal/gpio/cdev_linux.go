//go:build linux

package gpio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "bascula-ng"

func chipCandidates(forced string) []string {
	if forced != "" {
		return []string{forced}
	}
	// Pi 5 kernels can expose the header on gpiochip4 as well as gpiochip0.
	out := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	seen := map[string]bool{out[0]: true, out[1]: true}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "gpiochip") {
			continue
		}
		p := filepath.Join("/dev", name)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func openCdev(p Pins) (Backend, error) {
	candidates := chipCandidates(p.Chip)
	var lastErr error
	found := false
	for _, chipPath := range candidates {
		chip, err := gpiocdev.NewChip(chipPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				found = true
				lastErr = err
			}
			continue
		}
		found = true

		dataOff, err := chip.FindLine(fmt.Sprintf("GPIO%d", p.Data))
		if err != nil {
			_ = chip.Close()
			lastErr = err
			continue
		}
		clockOff, err := chip.FindLine(fmt.Sprintf("GPIO%d", p.Clock))
		if err != nil {
			_ = chip.Close()
			lastErr = err
			continue
		}

		clock, err := chip.RequestLine(clockOff, gpiocdev.AsOutput(0), gpiocdev.WithConsumer(consumer))
		if err != nil {
			_ = chip.Close()
			lastErr = fmt.Errorf("claim clock GPIO%d: %w", p.Clock, err)
			continue
		}
		data, err := chip.RequestLine(dataOff, gpiocdev.AsInput, gpiocdev.WithPullUp, gpiocdev.WithConsumer(consumer))
		if err != nil {
			_ = clock.Close()
			_ = chip.Close()
			lastErr = fmt.Errorf("claim data GPIO%d: %w", p.Data, err)
			continue
		}
		return &cdevBackend{chip: chip, data: data, clock: clock}, nil
	}

	if !found {
		return nil, missing(KindCdev, "no gpiochip device")
	}
	if lastErr == nil {
		lastErr = errors.New("lines not found")
	}
	return nil, fmt.Errorf("cdev: GPIO%d/GPIO%d: %w", p.Data, p.Clock, lastErr)
}

type cdevBackend struct {
	mu    sync.Mutex
	chip  *gpiocdev.Chip
	data  *gpiocdev.Line
	clock *gpiocdev.Line
}

func (b *cdevBackend) Kind() Kind { return KindCdev }

func (b *cdevBackend) WaitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		v, err := b.ReadBit()
		if err != nil {
			return err
		}
		if v == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(pollInterval)
	}
}

func (b *cdevBackend) ReadBit() (uint8, error) {
	if b.data == nil {
		return 0, ErrClosed
	}
	v, err := b.data.Value()
	if err != nil {
		return 0, err
	}
	if v != 0 {
		return 1, nil
	}
	return 0, nil
}

func (b *cdevBackend) PulseClock() error {
	if b.clock == nil {
		return ErrClosed
	}
	if err := b.clock.SetValue(1); err != nil {
		return err
	}
	return b.clock.SetValue(0)
}

func (b *cdevBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clock == nil && b.data == nil {
		return nil
	}
	var err error
	if b.clock != nil {
		_ = b.clock.SetValue(0)
		err = b.clock.Close()
		b.clock = nil
	}
	if b.data != nil {
		if cerr := b.data.Close(); err == nil {
			err = cerr
		}
		b.data = nil
	}
	if b.chip != nil {
		_ = b.chip.Close()
		b.chip = nil
	}
	return err
}
