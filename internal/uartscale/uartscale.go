// Package uartscale talks to a load cell bridged by a microcontroller that
// streams weights over a UART.
//
// Device lines:
//
//	G:<grams>,S:<0|1>   reading, S is the device's own stability flag
//	ACK:T               tare done
//	ACK:C:<factor>      calibration done
//	ERR:<code>          command rejected
//	HELLO:<id>          banner
package uartscale

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"bascula-ng/internal/calibration"
	"bascula-ng/internal/scale"
)

const (
	DefaultDevice = "/dev/serial0"
	DefaultBaud   = 115200

	readTimeout = 100 * time.Millisecond
	maxLine     = 256
)

// Port is the part of serial.Port the service uses.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

func openPort(device string, baud int) (Port, error) {
	p, err := serial.Open(device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

var openPortFn = openPort

var _ scale.Controller = (*Service)(nil)

type Config struct {
	Device         string
	Baud           int
	ReconnectDelay time.Duration

	AckTimeout time.Duration
	AckRetries int
	// AckSettle is the pause between flushing the port and sending a command.
	AckSettle time.Duration

	OnReading func(scale.Reading)
}

var (
	errDisconnected = errors.New(scale.ReasonDisconnected)
	errAckTimeout   = errors.New(scale.ReasonAckTimeout)
)

// deviceError is an ERR:<code> reply.
type deviceError struct{ code string }

func (e *deviceError) Error() string { return "device rejected command: " + e.code }

func reasonFor(err error) string {
	var de *deviceError
	switch {
	case errors.Is(err, errDisconnected):
		return scale.ReasonDisconnected
	case errors.Is(err, errAckTimeout):
		return scale.ReasonAckTimeout
	case errors.As(err, &de):
		switch strings.ToUpper(de.code) {
		case "ERR:CAL:WEIGHT":
			return calibration.Reason(calibration.ErrKnownGramsInvalid)
		case "ERR:CAL:ZERO":
			return calibration.Reason(calibration.ErrNetZero)
		}
		return "device_error: " + de.code
	}
	return err.Error()
}

type Service struct {
	cfg Config

	lifeMu  sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	portMu sync.Mutex
	port   Port

	// cmdMu serializes command round trips.
	cmdMu sync.Mutex
	acks  chan string

	mu        sync.Mutex
	connected bool
	reason    string
	grams     float64
	stable    bool
	hasStable bool
	at        time.Time
	factor    float64

	lastErrLog time.Time
}

func New(cfg Config) *Service {
	if strings.TrimSpace(cfg.Device) == "" {
		cfg.Device = DefaultDevice
	}
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.ReconnectDelay < 200*time.Millisecond {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = time.Second
	}
	if cfg.AckRetries < 0 {
		cfg.AckRetries = 0
	}
	return &Service{cfg: cfg, acks: make(chan string, 8), reason: scale.ReasonNotReady}
}

func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("uartscale: service is nil")
	}
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	log.Printf("uartscale: starting device=%s baud=%d", s.cfg.Device, s.cfg.Baud)
	go func(done chan struct{}) {
		defer close(done)
		s.run(runCtx)
	}(s.done)
	return nil
}

func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancel()
	// Closing the port unblocks a pending Read.
	s.closePort()

	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		log.Printf("uartscale: reader did not exit in time")
	}
	s.drainAcks()
	s.setDisconnected(scale.ReasonStopped)
	log.Printf("uartscale: stopped")
}

func (s *Service) closePort() {
	s.portMu.Lock()
	p := s.port
	s.port = nil
	s.portMu.Unlock()
	if p != nil {
		_ = p.Close()
	}
}

func (s *Service) setDisconnected(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		log.Printf("uartscale: disconnected: %s", reason)
	}
	if !s.at.IsZero() {
		log.Printf("uartscale: cleared last reading after disconnect")
	}
	s.connected = false
	s.reason = reason
	s.grams, s.stable, s.hasStable, s.at = 0, false, false, time.Time{}
}

func (s *Service) warnf(format string, args ...any) {
	s.mu.Lock()
	now := time.Now()
	if now.Sub(s.lastErrLog) < 5*time.Second {
		s.mu.Unlock()
		return
	}
	s.lastErrLog = now
	s.mu.Unlock()
	log.Printf(format, args...)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Service) run(ctx context.Context) {
	for ctx.Err() == nil {
		p, err := openPortFn(s.cfg.Device, s.cfg.Baud)
		if err != nil {
			s.setDisconnected(err.Error())
			s.warnf("uartscale: open %s failed: %v", s.cfg.Device, err)
			if !sleepCtx(ctx, s.cfg.ReconnectDelay) {
				return
			}
			continue
		}
		_ = p.ResetInputBuffer()
		_ = p.ResetOutputBuffer()

		s.portMu.Lock()
		s.port = p
		s.portMu.Unlock()
		s.mu.Lock()
		s.connected = true
		s.reason = ""
		s.mu.Unlock()
		log.Printf("uartscale: connected on %s @ %d baud", s.cfg.Device, s.cfg.Baud)

		err = s.readLoop(ctx, p)
		s.closePort()
		if ctx.Err() != nil {
			return
		}
		s.setDisconnected(err.Error())
		s.warnf("uartscale: communication error: %v", err)
		if !sleepCtx(ctx, 500*time.Millisecond) {
			return
		}
	}
}

func (s *Service) readLoop(ctx context.Context, p Port) error {
	buf := make([]byte, 128)
	var pending []byte
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := p.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		pending = append(pending, buf[:n]...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			s.processLine(string(bytes.TrimSpace(pending[:i])))
			pending = pending[i+1:]
		}
		if len(pending) > maxLine {
			log.Printf("uartscale: dropping %d bytes without newline", len(pending))
			pending = pending[:0]
		}
	}
}

func (s *Service) processLine(line string) {
	if line == "" {
		return
	}
	upper := strings.ToUpper(line)
	switch {
	case strings.HasPrefix(upper, "ACK:"), strings.HasSuffix(upper, "CK:T"), strings.HasPrefix(upper, "ERR:"):
		select {
		case s.acks <- line:
		default:
			log.Printf("uartscale: dropping unsolicited reply %q", line)
		}
		return
	case strings.HasPrefix(upper, "HELLO:"):
		log.Printf("uartscale: device %s", strings.TrimSpace(line[len("HELLO:"):]))
		return
	case !strings.HasPrefix(line, "G:"):
		log.Printf("uartscale: unexpected line %q", line)
		return
	}

	grams, stable, hasStable, ok := parseReading(line)
	if !ok {
		log.Printf("uartscale: cannot parse grams from %q", line)
		return
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.grams, s.stable, s.hasStable, s.at = grams, stable, hasStable, now
	r := s.readingLocked()
	cb := s.cfg.OnReading
	s.mu.Unlock()
	if cb != nil && r.OK {
		cb(r)
	}
}

func parseReading(line string) (grams float64, stable, hasStable, ok bool) {
	for _, part := range strings.Split(line, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "G:"):
			v, err := strconv.ParseFloat(strings.TrimSpace(part[2:]), 64)
			if err != nil {
				return 0, false, false, false
			}
			grams, ok = v, true
		case strings.HasPrefix(part, "S:"):
			v := strings.TrimSpace(part[2:])
			stable = v == "1" || strings.EqualFold(v, "true")
			hasStable = true
		}
	}
	return grams, stable, hasStable, ok
}

func (s *Service) drainAcks() {
	for {
		select {
		case <-s.acks:
		default:
			return
		}
	}
}

// roundTrip flushes the port, sends payload and waits for a reply carrying
// one of tokens. An ERR: reply fails the command immediately.
func (s *Service) roundTrip(payload string, tokens []string, retries int) (string, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	for attempt := 0; attempt <= retries; attempt++ {
		s.portMu.Lock()
		p := s.port
		if p == nil {
			s.portMu.Unlock()
			return "", errDisconnected
		}
		s.drainAcks()
		_ = p.ResetInputBuffer()
		_ = p.ResetOutputBuffer()
		if s.cfg.AckSettle > 0 {
			time.Sleep(s.cfg.AckSettle)
		}
		_, err := p.Write([]byte(payload))
		s.portMu.Unlock()
		if err != nil {
			return "", fmt.Errorf("uartscale: write: %w", err)
		}

		timer := time.NewTimer(s.cfg.AckTimeout)
	wait:
		for {
			select {
			case line := <-s.acks:
				upper := strings.ToUpper(line)
				if strings.HasPrefix(upper, "ERR:") {
					timer.Stop()
					return "", &deviceError{code: line}
				}
				for _, tok := range tokens {
					if strings.Contains(upper, tok) {
						timer.Stop()
						return line, nil
					}
				}
			case <-timer.C:
				break wait
			}
		}
		log.Printf("uartscale: no ack for %q (attempt %d/%d)", strings.TrimSpace(payload), attempt+1, retries+1)
	}
	return "", errAckTimeout
}

func (s *Service) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Tare zeroes the device.
func (s *Service) Tare() scale.TareResult {
	if !s.isConnected() {
		return scale.TareResult{Reason: scale.ReasonDisconnected}
	}
	if _, err := s.roundTrip("T\r\n", []string{"ACK:T", "CK:T"}, s.cfg.AckRetries); err != nil {
		return scale.TareResult{Reason: reasonFor(err)}
	}
	log.Printf("uartscale: tare acknowledged")
	return scale.TareResult{OK: true}
}

// Calibrate asks the device to calibrate against knownGrams on the platform.
func (s *Service) Calibrate(knownGrams float64) scale.CalibrationResult {
	if !(knownGrams > 0) {
		return scale.CalibrationResult{Reason: calibration.Reason(calibration.ErrKnownGramsInvalid)}
	}
	if !s.isConnected() {
		return scale.CalibrationResult{Reason: scale.ReasonDisconnected}
	}
	cmd := "C:" + strconv.FormatFloat(knownGrams, 'f', -1, 64) + "\n"
	ack, err := s.roundTrip(cmd, []string{"ACK:C"}, 0)
	if err != nil {
		return scale.CalibrationResult{Reason: reasonFor(err)}
	}
	res := scale.CalibrationResult{OK: true}
	if parts := strings.SplitN(ack, ":", 3); len(parts) == 3 {
		if f, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64); err == nil {
			res.Factor = f
			if f != 0 {
				res.Scale = 1 / f
			}
			s.mu.Lock()
			s.factor = f
			s.mu.Unlock()
		}
	}
	log.Printf("uartscale: calibration acknowledged known=%.3fg factor=%v", knownGrams, res.Factor)
	return res
}

// CalibrateFromPoints is not available: the device owns its calibration.
func (s *Service) CalibrateFromPoints([]calibration.Point) scale.CalibrationResult {
	return scale.CalibrationResult{Reason: scale.ReasonNotSupported}
}

func (s *Service) RawValue() scale.RawResult {
	return scale.RawResult{Reason: scale.ReasonNotSupported}
}

func (s *Service) readingLocked() scale.Reading {
	if !s.connected {
		return scale.Reading{Reason: scale.ReasonDisconnected}
	}
	if s.at.IsZero() {
		return scale.Reading{Reason: scale.ReasonNoData}
	}
	return scale.Reading{
		OK:           true,
		Grams:        s.grams,
		Stable:       s.stable,
		InstantGrams: s.grams,
		Timestamp:    s.at,
	}
}

func (s *Service) Reading() scale.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readingLocked()
}

func (s *Service) Status() scale.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := scale.Status{
		OK:                s.connected,
		Backend:           "uart",
		Device:            s.cfg.Device,
		Baud:              s.cfg.Baud,
		CalibrationFactor: s.factor,
		CalibrationPoints: []calibration.Point{},
		Stable:            s.stable,
		LastSampleAt:      s.at,
	}
	if s.factor != 0 {
		st.CalibrationScale = 1 / s.factor
	}
	switch {
	case s.connected:
		st.State = scale.StateSampling
	case s.reason == scale.ReasonNotReady:
		st.State = scale.StateUninitialized
	case s.reason == scale.ReasonStopped:
		st.State = scale.StateStopped
	default:
		st.State = scale.StateRecovering
	}
	if !s.connected {
		st.Reason = s.reason
		if st.Reason == "" {
			st.Reason = scale.ReasonDisconnected
		}
	}
	return st
}
