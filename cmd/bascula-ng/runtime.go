package main

import (
	"fmt"

	"bascula-ng/internal/calibration"
	"bascula-ng/internal/config"
	"bascula-ng/internal/gpio"
	"bascula-ng/internal/hx711"
	"bascula-ng/internal/scale"
	"bascula-ng/internal/uartscale"
)

// newController builds the scale selected by scale.backend. It does not
// touch hardware; that happens in Start.
func newController(cfg config.Config, onReading func(scale.Reading)) (scale.Controller, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}
	sc := c.Scale

	switch sc.Backend {
	case config.BackendUART:
		return uartscale.New(uartscale.Config{
			Device:     sc.UART.Device,
			Baud:       sc.UART.Baud,
			AckTimeout: sc.UART.AckTimeout,
			AckRetries: *sc.UART.AckRetries,
			AckSettle:  sc.UART.AckSettle,
			OnReading:  onReading,
		}), nil

	case config.BackendGPIO:
		kinds, err := sc.GPIO.Kinds()
		if err != nil {
			return nil, err
		}
		gain, err := hx711.ParseGain(sc.GPIO.Gain)
		if err != nil {
			return nil, err
		}
		var seed *calibration.State
		if sc.Calibration.Scale != nil {
			st := calibration.Default()
			st.Scale = *sc.Calibration.Scale
			if sc.Calibration.Offset != nil {
				st.Offset = *sc.Calibration.Offset
			}
			seed = &st
		}
		return scale.New(scale.Config{
			Pins: gpio.Pins{
				Data:        sc.GPIO.Data,
				Clock:       sc.GPIO.Clock,
				Chip:        sc.GPIO.Chip,
				PigpiodAddr: sc.GPIO.PigpiodAddr,
			},
			Drivers:             gpio.Drivers(kinds),
			Gain:                gain,
			SampleRateHz:        sc.Timing.SampleRateHz,
			ReadTimeout:         sc.Timing.ReadTimeout,
			WatchdogTimeout:     sc.Timing.WatchdogTimeout,
			ReconnectMaxBackoff: sc.Timing.ReconnectMaxBackoff,
			Conditioning:        sc.Conditioning,
			Calibration:         seed,
			StatePath:           sc.StatePath,
			Realtime:            sc.GPIO.Realtime,
			OnReading:           onReading,
		}), nil
	}
	return nil, fmt.Errorf("unknown scale backend %q", sc.Backend)
}
