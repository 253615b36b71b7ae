package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bascula-ng/internal/conditioning"
	"bascula-ng/internal/gpio"
	"bascula-ng/internal/hx711"
)

const (
	BackendGPIO = "gpio"
	BackendUART = "uart"

	DefaultListen      = ":8080"
	DefaultBufferLines = 2000
	DefaultStatePath   = "/var/lib/bascula-ng/scale.yaml"
)

type Config struct {
	Web   WebConfig   `yaml:"web"`
	Log   LogConfig   `yaml:"log"`
	Scale ScaleConfig `yaml:"scale"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	BufferLines int `yaml:"buffer_lines"`
}

type ScaleConfig struct {
	Backend      string              `yaml:"backend"`
	GPIO         GPIOConfig          `yaml:"gpio"`
	Conditioning conditioning.Config `yaml:"conditioning"`
	Timing       TimingConfig        `yaml:"timing"`
	Calibration  CalibrationConfig   `yaml:"calibration"`
	StatePath    string              `yaml:"state_path"`
	UART         UARTConfig          `yaml:"uart"`
}

type GPIOConfig struct {
	Data  int `yaml:"data"`
	Clock int `yaml:"clock"`
	// Drivers is the backend priority list. Empty uses cdev, pigpiod,
	// registers.
	Drivers     []string `yaml:"drivers"`
	Chip        string   `yaml:"chip"`
	PigpiodAddr string   `yaml:"pigpiod_addr"`
	Gain        int      `yaml:"gain"`
	Realtime    bool     `yaml:"realtime"`
}

type TimingConfig struct {
	SampleRateHz float64       `yaml:"sample_rate_hz"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	// WatchdogTimeout of 0 keeps the default; a negative value disables it.
	WatchdogTimeout     time.Duration `yaml:"watchdog_timeout"`
	ReconnectMaxBackoff time.Duration `yaml:"reconnect_max_backoff"`
}

// CalibrationConfig seeds the calibration. When Scale is set it replaces the
// persisted scale and offset (Offset defaults to 0); the tare always comes
// from the state file.
type CalibrationConfig struct {
	Scale  *float64 `yaml:"scale,omitempty"`
	Offset *float64 `yaml:"offset,omitempty"`
}

type UARTConfig struct {
	Device     string        `yaml:"device"`
	Baud       int           `yaml:"baud"`
	AckTimeout time.Duration `yaml:"ack_timeout"`
	AckRetries *int          `yaml:"ack_retries,omitempty"`
	AckSettle  time.Duration `yaml:"ack_settle"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Conditioning fields left out of the file keep their defaults.
	cfg := Config{Scale: ScaleConfig{Conditioning: conditioning.DefaultConfig()}}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a config with every default applied.
func Default() Config {
	var cfg Config
	_ = DefaultAndValidate(&cfg)
	return cfg
}

// DefaultAndValidate fills unset fields and clamps tunables into range.
// It is safe to call more than once.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if strings.TrimSpace(cfg.Web.Listen) == "" {
		cfg.Web.Listen = DefaultListen
	}
	if cfg.Log.BufferLines <= 0 {
		cfg.Log.BufferLines = DefaultBufferLines
	}

	sc := &cfg.Scale
	sc.Backend = strings.ToLower(strings.TrimSpace(sc.Backend))
	switch sc.Backend {
	case "":
		sc.Backend = BackendGPIO
	case BackendGPIO, BackendUART:
	default:
		return fmt.Errorf("scale.backend must be %q or %q, got %q", BackendGPIO, BackendUART, sc.Backend)
	}
	if strings.TrimSpace(sc.StatePath) == "" {
		sc.StatePath = DefaultStatePath
	}

	if sc.Backend == BackendGPIO {
		if err := validateGPIO(&sc.GPIO); err != nil {
			return err
		}
	}

	if isZeroConditioning(sc.Conditioning) {
		sc.Conditioning = conditioning.DefaultConfig()
	}
	sc.Conditioning = sc.Conditioning.Normalize()

	t := &sc.Timing
	if t.SampleRateHz == 0 || math.IsNaN(t.SampleRateHz) {
		t.SampleRateHz = 20
	}
	t.SampleRateHz = math.Max(10, math.Min(t.SampleRateHz, 80))
	if t.ReadTimeout <= 0 {
		t.ReadTimeout = hx711.DefaultTimeout
	}
	if t.WatchdogTimeout == 0 {
		t.WatchdogTimeout = 5 * time.Second
	}
	if t.ReconnectMaxBackoff == 0 {
		t.ReconnectMaxBackoff = 30 * time.Second
	}
	if t.ReconnectMaxBackoff < time.Second {
		t.ReconnectMaxBackoff = time.Second
	}

	if s := sc.Calibration.Scale; s != nil && (math.IsNaN(*s) || math.IsInf(*s, 0) || math.Abs(*s) < 1e-6) {
		return fmt.Errorf("scale.calibration.scale must be a finite non-zero number")
	}
	if o := sc.Calibration.Offset; o != nil && (math.IsNaN(*o) || math.IsInf(*o, 0)) {
		return fmt.Errorf("scale.calibration.offset must be finite")
	}

	u := &sc.UART
	if strings.TrimSpace(u.Device) == "" {
		u.Device = "/dev/serial0"
	}
	if u.Baud <= 0 {
		u.Baud = 115200
	}
	if u.AckTimeout <= 0 {
		u.AckTimeout = time.Second
	}
	if u.AckRetries == nil {
		one := 1
		u.AckRetries = &one
	}
	if *u.AckRetries < 0 {
		return fmt.Errorf("scale.uart.ack_retries must be >= 0")
	}
	if u.AckSettle <= 0 {
		u.AckSettle = 50 * time.Millisecond
	}
	return nil
}

func validateGPIO(g *GPIOConfig) error {
	if g.Data == 0 && g.Clock == 0 {
		// BCM 5 (DT) and 6 (SCK), the usual HAT wiring.
		g.Data, g.Clock = 5, 6
	}
	if g.Data < 0 || g.Clock < 0 {
		return fmt.Errorf("scale.gpio pins must be >= 0")
	}
	if g.Data == g.Clock {
		return fmt.Errorf("scale.gpio.data and scale.gpio.clock must differ")
	}
	if _, err := g.Kinds(); err != nil {
		return err
	}
	if _, err := hx711.ParseGain(g.Gain); err != nil {
		return fmt.Errorf("scale.gpio.gain: %w", err)
	}
	if g.Gain == 0 {
		g.Gain = int(hx711.Gain128)
	}
	return nil
}

// Kinds parses the driver priority list.
func (g GPIOConfig) Kinds() ([]gpio.Kind, error) {
	if len(g.Drivers) == 0 {
		return nil, nil
	}
	out := make([]gpio.Kind, 0, len(g.Drivers))
	for _, name := range g.Drivers {
		k, err := gpio.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("scale.gpio.drivers: %w", err)
		}
		out = append(out, k)
	}
	return out, nil
}

func isZeroConditioning(c conditioning.Config) bool {
	return c == conditioning.Config{}
}
