package gpio

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
)

// fakePigpiod emulates the daemon socket for one connection. The data line
// replays bits from code (MSB of a 24-bit word first) on each clock rise.
type fakePigpiod struct {
	ln   net.Listener
	mu   sync.Mutex
	code uint32
	bit  int
	clk  uint32
	cmds []uint32
	fail map[uint32]int32
}

func startFakePigpiod(t *testing.T, clock uint32) *fakePigpiod {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakePigpiod{ln: ln, clk: clock, fail: map[uint32]int32{}}
	t.Cleanup(func() { _ = ln.Close() })
	go f.serve()
	return f
}

func (f *fakePigpiod) serve() {
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	var frame [16]byte
	for {
		if _, err := io.ReadFull(conn, frame[:]); err != nil {
			return
		}
		cmd := binary.LittleEndian.Uint32(frame[0:])
		p1 := binary.LittleEndian.Uint32(frame[4:])
		p2 := binary.LittleEndian.Uint32(frame[8:])

		f.mu.Lock()
		f.cmds = append(f.cmds, cmd)
		res := int32(0)
		if code, ok := f.fail[cmd]; ok {
			res = code
		} else {
			switch cmd {
			case pigWrite:
				if p1 == f.clk && p2 == 1 {
					f.bit++
				}
			case pigRead:
				if f.bit >= 1 && f.bit <= 24 {
					res = int32(f.code>>(24-f.bit)) & 1
				}
			}
		}
		f.mu.Unlock()

		binary.LittleEndian.PutUint32(frame[12:], uint32(res))
		if _, err := conn.Write(frame[:]); err != nil {
			return
		}
	}
}

func TestPigpiodShiftInBatchesTransaction(t *testing.T) {
	f := startFakePigpiod(t, 6)
	f.mu.Lock()
	f.code = 0x800001
	f.mu.Unlock()

	b, err := openPigpiod(Pins{Data: 5, Clock: 6, PigpiodAddr: f.ln.Addr().String()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	sh, ok := b.(Shifter)
	if !ok {
		t.Fatalf("pigpiod backend does not implement Shifter")
	}
	if err := b.WaitReady(0); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	v, err := sh.ShiftIn(24, 1)
	if err != nil {
		t.Fatalf("ShiftIn: %v", err)
	}
	if v != 0x800001 {
		t.Fatalf("v=%#x want 0x800001", v)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bit != 25 {
		t.Fatalf("clock rises=%d want 25", f.bit)
	}
}

func TestPigpiodSetupFailureIsClaimError(t *testing.T) {
	f := startFakePigpiod(t, 6)
	f.mu.Lock()
	f.fail[pigPUD] = -2
	f.mu.Unlock()

	_, err := openPigpiod(Pins{Data: 5, Clock: 6, PigpiodAddr: f.ln.Addr().String()})
	if err == nil {
		t.Fatalf("expected error")
	}
	if errors.Is(err, ErrDriverMissing) {
		t.Fatalf("setup failure must not be reported as missing driver: %v", err)
	}
	var pe *PigpiodError
	if !errors.As(err, &pe) || pe.Code != -2 {
		t.Fatalf("err=%v want PigpiodError code -2", err)
	}
}

func TestPigpiodDialFailureIsMissing(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	_, err = openPigpiod(Pins{Data: 5, Clock: 6, PigpiodAddr: addr})
	if !errors.Is(err, ErrDriverMissing) {
		t.Fatalf("err=%v want ErrDriverMissing", err)
	}
}

func TestPigpiodCloseIsIdempotent(t *testing.T) {
	f := startFakePigpiod(t, 6)
	b, err := openPigpiod(Pins{Data: 5, Clock: 6, PigpiodAddr: f.ln.Addr().String()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := b.ReadBit(); !errors.Is(err, ErrClosed) {
		t.Fatalf("ReadBit after close err=%v want ErrClosed", err)
	}
}

func TestPigpiodAddrFromEnv(t *testing.T) {
	t.Setenv("PIGPIO_ADDR", "pi.local")
	t.Setenv("PIGPIO_PORT", "9999")
	if got := pigpiodAddr(Pins{}); got != "pi.local:9999" {
		t.Fatalf("addr=%q", got)
	}
	if got := pigpiodAddr(Pins{PigpiodAddr: "10.0.0.2:8888"}); got != "10.0.0.2:8888" {
		t.Fatalf("addr=%q", got)
	}
}
