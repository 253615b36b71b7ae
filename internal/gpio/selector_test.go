package gpio

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type stubBackend struct {
	kind   Kind
	closed atomic.Int32
}

func (b *stubBackend) Kind() Kind                    { return b.kind }
func (b *stubBackend) WaitReady(time.Duration) error { return nil }
func (b *stubBackend) ReadBit() (uint8, error)       { return 0, nil }
func (b *stubBackend) PulseClock() error             { return nil }
func (b *stubBackend) Close() error                  { b.closed.Add(1); return nil }

type countingOpener struct {
	calls atomic.Int32
	err   error
	kind  Kind
}

func (c *countingOpener) open(Pins) (Backend, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &stubBackend{kind: c.kind}, nil
}

func newTestSelector(now *time.Time, drivers ...Driver) *Selector {
	s := NewSelector(Pins{Data: 5, Clock: 6}, drivers)
	s.now = func() time.Time { return *now }
	return s
}

func TestSelectorFallsBackInPriorityOrder(t *testing.T) {
	now := time.Unix(1000, 0)
	cdev := &countingOpener{err: missing(KindCdev, "no gpiochip device")}
	pig := &countingOpener{err: errors.New("mode failed")}
	reg := &countingOpener{kind: KindRegisters}

	s := newTestSelector(&now,
		Driver{Kind: KindCdev, Open: cdev.open},
		Driver{Kind: KindPigpiod, Open: pig.open},
		Driver{Kind: KindRegisters, Open: reg.open},
	)

	b, err := s.Select()
	if err != nil {
		t.Fatalf("Select err=%v", err)
	}
	if b.Kind() != KindRegisters {
		t.Fatalf("kind=%v want registers", b.Kind())
	}
	if k, ok := s.Active(); !ok || k != KindRegisters {
		t.Fatalf("active=%v,%v want registers,true", k, ok)
	}

	h := s.Health()
	if len(h) != 3 {
		t.Fatalf("health len=%d want 3", len(h))
	}
	if !h[0].RetryAt.Equal(now.Add(MissingCooldown)) {
		t.Fatalf("cdev retryAt=%v want +%v", h[0].RetryAt, MissingCooldown)
	}
	if !h[1].RetryAt.Equal(now.Add(InitCooldown)) {
		t.Fatalf("pigpiod retryAt=%v want +%v", h[1].RetryAt, InitCooldown)
	}
	if h[2].LastError != "" || !h[2].Active {
		t.Fatalf("registers health=%+v want active without error", h[2])
	}
}

func TestSelectorCooldownSkipsOnlySameKind(t *testing.T) {
	now := time.Unix(1000, 0)
	cdev := &countingOpener{err: errors.New("busy")}
	pig := &countingOpener{err: errors.New("refused")}

	s := newTestSelector(&now,
		Driver{Kind: KindCdev, Open: cdev.open},
		Driver{Kind: KindPigpiod, Open: pig.open},
	)

	if _, err := s.Select(); err == nil {
		t.Fatalf("expected error")
	}

	// Within the cooldown nothing is re-attempted.
	now = now.Add(5 * time.Second)
	_, err := s.Select()
	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("err=%T %v want *UnavailableError", err, err)
	}
	if len(ue.Reasons()) != 2 {
		t.Fatalf("reasons=%v want 2", ue.Reasons())
	}
	if cdev.calls.Load() != 1 || pig.calls.Load() != 1 {
		t.Fatalf("calls cdev=%d pig=%d want 1,1", cdev.calls.Load(), pig.calls.Load())
	}

	// Once the cooldown expires the higher priority kind is tried first again.
	now = now.Add(InitCooldown)
	cdev.err = nil
	pig.err = nil
	b, err := s.Select()
	if err != nil {
		t.Fatalf("Select err=%v", err)
	}
	if b.Kind() != KindCdev {
		t.Fatalf("kind=%v want cdev", b.Kind())
	}
	if pig.calls.Load() != 1 {
		t.Fatalf("pigpiod calls=%d want 1", pig.calls.Load())
	}
	if h := s.Health()[0]; h.LastError != "" || !h.RetryAt.IsZero() {
		t.Fatalf("cdev health=%+v want cleared", h)
	}
}

func TestSelectorMissingDriverUsesLongCooldown(t *testing.T) {
	now := time.Unix(0, 0)
	cdev := &countingOpener{err: missing(KindCdev, "no gpiochip device")}
	pig := &countingOpener{kind: KindPigpiod}

	s := newTestSelector(&now,
		Driver{Kind: KindCdev, Open: cdev.open},
		Driver{Kind: KindPigpiod, Open: pig.open},
	)
	if _, err := s.Select(); err != nil {
		t.Fatalf("Select err=%v", err)
	}

	now = now.Add(InitCooldown + time.Second)
	b, err := s.Select()
	if err != nil {
		t.Fatalf("Select err=%v", err)
	}
	if b.Kind() != KindPigpiod {
		t.Fatalf("kind=%v want pigpiod", b.Kind())
	}
	if cdev.calls.Load() != 1 {
		t.Fatalf("cdev calls=%d want 1 (still in 60s cooldown)", cdev.calls.Load())
	}
}

func TestSelectorCooldownKeepsErrorChain(t *testing.T) {
	now := time.Unix(0, 0)
	errMode := errors.New("mode failed")
	s := newTestSelector(&now,
		Driver{Kind: KindCdev, Open: (&countingOpener{err: missing(KindCdev, "no gpiochip device")}).open},
		Driver{Kind: KindPigpiod, Open: (&countingOpener{err: errMode}).open},
	)
	if _, err := s.Select(); err == nil {
		t.Fatalf("expected error")
	}

	// Both kinds are cooling down; the pass reports the stored errors.
	now = now.Add(time.Second)
	_, err := s.Select()
	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("err=%v want *UnavailableError", err)
	}
	if !errors.Is(err, ErrDriverMissing) || !errors.Is(err, errMode) {
		t.Fatalf("cooldown pass lost the wrapped errors: %v", err)
	}
	reasons := ue.Reasons()
	if len(reasons) != 2 || reasons[0] != s.Health()[0].LastError || !strings.HasPrefix(reasons[1], "pigpiod init failed") {
		t.Fatalf("reasons=%q", reasons)
	}
	if got, want := err.Error(), strings.Join(reasons, "; "); got != want {
		t.Fatalf("Error()=%q want %q", got, want)
	}
}

func TestSelectorAllFailedListsEveryReason(t *testing.T) {
	now := time.Unix(0, 0)
	s := newTestSelector(&now,
		Driver{Kind: KindCdev, Open: (&countingOpener{err: missing(KindCdev, "no gpiochip device")}).open},
		Driver{Kind: KindPigpiod, Open: (&countingOpener{err: missing(KindPigpiod, "dial refused")}).open},
		Driver{Kind: KindRegisters, Open: (&countingOpener{err: errors.New("mmap failed")}).open},
	)

	_, err := s.Select()
	var ue *UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("err=%v want *UnavailableError", err)
	}
	if len(ue.Reasons()) != 3 {
		t.Fatalf("reasons=%v want 3", ue.Reasons())
	}
	msg := err.Error()
	for _, want := range []string{"cdev", "pigpiod", "registers", "mmap failed"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q missing %q", msg, want)
		}
	}
	if !errors.Is(err, ErrDriverMissing) {
		t.Fatalf("errors.Is(ErrDriverMissing)=false for %v", err)
	}
	for _, h := range s.Health() {
		if h.Failures != 1 {
			t.Fatalf("%s failures=%d want 1", h.Kind, h.Failures)
		}
	}
}

func TestSelectorRejectsSharedPin(t *testing.T) {
	op := &countingOpener{}
	s := NewSelector(Pins{Data: 5, Clock: 5}, []Driver{{Kind: KindCdev, Open: op.open}})
	if _, err := s.Select(); err == nil {
		t.Fatalf("expected error for shared pin")
	}
	if op.calls.Load() != 0 {
		t.Fatalf("opener called %d times", op.calls.Load())
	}
}

func TestDriversDedupesAndKeepsOrder(t *testing.T) {
	got := Drivers([]Kind{KindRegisters, KindCdev, KindRegisters})
	if len(got) != 2 || got[0].Kind != KindRegisters || got[1].Kind != KindCdev {
		t.Fatalf("drivers=%+v", got)
	}
	if len(Drivers(nil)) != len(DefaultOrder) {
		t.Fatalf("default drivers len=%d", len(Drivers(nil)))
	}
}

func TestParseKindAliases(t *testing.T) {
	cases := map[string]Kind{
		"cdev":     KindCdev,
		"lgpio":    KindCdev,
		" Pigpio ": KindPigpiod,
		"RPi.GPIO": KindRegisters,
		"rpio":     KindRegisters,
	}
	for in, want := range cases {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q)=%v,%v want %v", in, got, err, want)
		}
	}
	if _, err := ParseKind("spi"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
