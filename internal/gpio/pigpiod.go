package gpio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// pigpiod socket commands.
const (
	pigModes = 0
	pigPUD   = 2
	pigRead  = 3
	pigWrite = 4

	pigModeInput  = 0
	pigModeOutput = 1
	pigPullUp     = 2
)

const (
	pigDialTimeout = 2 * time.Second
	pigIOTimeout   = time.Second
	// The daemon answers each command over the socket; polling any faster
	// only adds load.
	pigPollInterval = time.Millisecond
)

var dialFn = net.DialTimeout

func pigpiodAddr(p Pins) string {
	if p.PigpiodAddr != "" {
		return p.PigpiodAddr
	}
	host := os.Getenv("PIGPIO_ADDR")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("PIGPIO_PORT")
	if port == "" {
		port = "8888"
	}
	return net.JoinHostPort(host, port)
}

func openPigpiod(p Pins) (Backend, error) {
	addr := pigpiodAddr(p)
	conn, err := dialFn("tcp", addr, pigDialTimeout)
	if err != nil {
		return nil, missing(KindPigpiod, "dial %s: %v", addr, err)
	}
	b := &pigpiodBackend{conn: conn, data: uint32(p.Data), clock: uint32(p.Clock)}

	setup := [][3]uint32{
		{pigModes, b.clock, pigModeOutput},
		{pigWrite, b.clock, 0},
		{pigModes, b.data, pigModeInput},
		{pigPUD, b.data, pigPullUp},
	}
	for _, c := range setup {
		if _, err := b.cmd(c[0], c[1], c[2]); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("pigpiod: setup pins data=%d clock=%d: %w", p.Data, p.Clock, err)
		}
	}
	return b, nil
}

type pigpiodBackend struct {
	mu    sync.Mutex
	conn  net.Conn
	data  uint32
	clock uint32

	// reused request/response buffers for ShiftIn
	req  []byte
	resp []byte
}

// PigpiodError is a negative status returned by the daemon.
type PigpiodError struct {
	Cmd  uint32
	Code int32
}

func (e *PigpiodError) Error() string {
	return fmt.Sprintf("pigpiod: command %d failed with status %d", e.Cmd, e.Code)
}

func (b *pigpiodBackend) Kind() Kind { return KindPigpiod }

func putCmd(buf []byte, cmd, p1, p2 uint32) {
	binary.LittleEndian.PutUint32(buf[0:], cmd)
	binary.LittleEndian.PutUint32(buf[4:], p1)
	binary.LittleEndian.PutUint32(buf[8:], p2)
	binary.LittleEndian.PutUint32(buf[12:], 0)
}

func result(buf []byte) (int32, error) {
	res := int32(binary.LittleEndian.Uint32(buf[12:]))
	if res < 0 {
		return res, &PigpiodError{Cmd: binary.LittleEndian.Uint32(buf[0:]), Code: res}
	}
	return res, nil
}

func (b *pigpiodBackend) cmd(cmd, p1, p2 uint32) (int32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return 0, ErrClosed
	}
	var frame [16]byte
	putCmd(frame[:], cmd, p1, p2)
	_ = b.conn.SetDeadline(time.Now().Add(pigIOTimeout))
	if _, err := b.conn.Write(frame[:]); err != nil {
		return 0, err
	}
	if _, err := io.ReadFull(b.conn, frame[:]); err != nil {
		return 0, err
	}
	return result(frame[:])
}

func (b *pigpiodBackend) WaitReady(timeout time.Duration) error {
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
		time.Sleep(pigPollInterval)
	}
}

func (b *pigpiodBackend) ReadBit() (uint8, error) {
	v, err := b.cmd(pigRead, b.data, 0)
	if err != nil {
		return 0, err
	}
	if v != 0 {
		return 1, nil
	}
	return 0, nil
}

func (b *pigpiodBackend) PulseClock() error {
	if _, err := b.cmd(pigWrite, b.clock, 1); err != nil {
		return err
	}
	_, err := b.cmd(pigWrite, b.clock, 0)
	return err
}

// ShiftIn pipelines the whole transaction: three commands per data bit
// (clock high, read, clock low) and two per extra pulse go out in one write,
// then every response is read back.
func (b *pigpiodBackend) ShiftIn(bits, extraPulses int) (uint32, error) {
	if bits <= 0 || bits > 32 || extraPulses < 0 {
		return 0, fmt.Errorf("pigpiod: invalid shift bits=%d extra=%d", bits, extraPulses)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return 0, ErrClosed
	}

	n := bits*3 + extraPulses*2
	if cap(b.req) < n*16 {
		b.req = make([]byte, n*16)
		b.resp = make([]byte, n*16)
	}
	req := b.req[:n*16]
	resp := b.resp[:n*16]

	off := 0
	for i := 0; i < bits; i++ {
		putCmd(req[off:], pigWrite, b.clock, 1)
		putCmd(req[off+16:], pigRead, b.data, 0)
		putCmd(req[off+32:], pigWrite, b.clock, 0)
		off += 48
	}
	for i := 0; i < extraPulses; i++ {
		putCmd(req[off:], pigWrite, b.clock, 1)
		putCmd(req[off+16:], pigWrite, b.clock, 0)
		off += 32
	}

	_ = b.conn.SetDeadline(time.Now().Add(pigIOTimeout))
	if _, err := b.conn.Write(req); err != nil {
		return 0, err
	}
	if _, err := io.ReadFull(b.conn, resp); err != nil {
		return 0, err
	}

	var v uint32
	for i := 0; i < n; i++ {
		res, err := result(resp[i*16:])
		if err != nil {
			return 0, err
		}
		if i < bits*3 && i%3 == 1 {
			v <<= 1
			if res != 0 {
				v |= 1
			}
		}
	}
	return v, nil
}

func (b *pigpiodBackend) Close() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn == nil {
		return nil
	}
	var frame [16]byte
	putCmd(frame[:], pigWrite, b.clock, 0)
	_ = conn.SetDeadline(time.Now().Add(pigIOTimeout))
	if _, err := conn.Write(frame[:]); err == nil {
		_, _ = io.ReadFull(conn, frame[:])
	}
	err := conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
