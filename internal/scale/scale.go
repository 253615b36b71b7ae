// Package scale runs weight acquisition: it owns the sampling goroutine,
// recovers from hardware faults and serves snapshots and calibration
// requests to concurrent callers.
package scale

import (
	"context"
	"time"

	"bascula-ng/internal/calibration"
	"bascula-ng/internal/conditioning"
	"bascula-ng/internal/gpio"
)

// Controller is what the HTTP layer needs from a scale. Both the GPIO
// acquisition service and the UART bridge implement it.
type Controller interface {
	Start(ctx context.Context) error
	Stop()

	Status() Status
	Reading() Reading
	RawValue() RawResult

	Tare() TareResult
	Calibrate(knownGrams float64) CalibrationResult
	CalibrateFromPoints(points []calibration.Point) CalibrationResult
}

// Tuner is implemented by controllers whose conditioning can be changed at
// runtime.
type Tuner interface {
	Conditioning() conditioning.Config
	UpdateConditioning(cfg conditioning.Config) conditioning.Config
}

// State is the acquisition state machine position.
type State int

const (
	StateUninitialized State = iota
	StateSelectingBackend
	StateSampling
	StateDegraded
	StateRecovering
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSelectingBackend:
		return "selecting_backend"
	case StateSampling:
		return "sampling"
	case StateDegraded:
		return "degraded"
	case StateRecovering:
		return "recovering"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// API reason strings.
const (
	ReasonNotReady     = "not_ready"
	ReasonNoData       = "no_data"
	ReasonScaleZero    = "calibration_scale_zero"
	ReasonTimeout      = "hx711_timeout"
	ReasonWatchdog     = "watchdog_reset"
	ReasonStopped      = "stopped"
	ReasonNotSupported = "not_supported"
	ReasonDisconnected = "serial_disconnected"
	ReasonAckTimeout   = "ack_timeout"

	WarningPersistFailed = "persist_failed"

	reasonInitializing = "initializing"
	driverErrorPrefix  = "driver_error: "
)

type PinsStatus struct {
	DT  int `json:"dt"`
	SCK int `json:"sck"`
}

// Status is a diagnostic snapshot.
type Status struct {
	OK      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`
	State   State  `json:"state"`
	Backend string `json:"backend"`

	Driver      string        `json:"driver,omitempty"`
	DriverError string        `json:"driver_error,omitempty"`
	Drivers     []gpio.Health `json:"drivers,omitempty"`
	Pins        *PinsStatus   `json:"pins,omitempty"`
	Device      string        `json:"device,omitempty"`
	Baud        int           `json:"baud,omitempty"`

	SamplingHz float64 `json:"sampling_hz,omitempty"`

	CalibrationFactor float64             `json:"calibration_factor"`
	CalibrationScale  float64             `json:"calibration_scale"`
	CalibrationOffset float64             `json:"calibration_offset"`
	CalibrationPoints []calibration.Point `json:"calibration_points"`
	TareOffset        float64             `json:"tare_offset"`

	VarianceWindow    int      `json:"variance_window,omitempty"`
	VarianceThreshold float64  `json:"variance_threshold,omitempty"`
	Variance          *float64 `json:"variance"`
	Stable            bool     `json:"stable"`
	HysteresisGrams   float64  `json:"hysteresis_grams,omitempty"`
	DebounceMs        int64    `json:"debounce_ms,omitempty"`
	RefractorySec     float64  `json:"refractory_sec,omitempty"`

	LastSampleAt time.Time `json:"last_sample_utc,omitempty"`
	Reconnects   int       `json:"reconnects"`
	PersistError string    `json:"persist_error,omitempty"`
}

// Reading is the latest published weight. When OK is false only Reason is
// meaningful.
type Reading struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`

	Grams        float64   `json:"grams"`
	Raw          float64   `json:"raw"`
	Average      float64   `json:"average"`
	FilteredRaw  float64   `json:"filtered_raw"`
	Candidate    float64   `json:"candidate"`
	Variance     *float64  `json:"variance"`
	Stable       bool      `json:"stable"`
	InstantGrams float64   `json:"instant_grams"`
	Timestamp    time.Time `json:"timestamp"`
}

type RawResult struct {
	OK          bool      `json:"ok"`
	Reason      string    `json:"reason,omitempty"`
	Raw         float64   `json:"raw"`
	Average     float64   `json:"average"`
	FilteredRaw float64   `json:"filtered_raw"`
	Timestamp   time.Time `json:"timestamp"`
}

type TareResult struct {
	OK         bool    `json:"ok"`
	Reason     string  `json:"reason,omitempty"`
	TareOffset float64 `json:"tare_offset"`
	Warning    string  `json:"warning,omitempty"`
}

type CalibrationResult struct {
	OK         bool                `json:"ok"`
	Reason     string              `json:"reason,omitempty"`
	Scale      float64             `json:"scale"`
	Offset     float64             `json:"offset"`
	Factor     float64             `json:"calibration_factor"`
	TareOffset float64             `json:"tare_offset"`
	RMSE       *float64            `json:"rmse,omitempty"`
	Points     []calibration.Point `json:"points,omitempty"`
	Warning    string              `json:"warning,omitempty"`
}
