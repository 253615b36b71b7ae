package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bascula-ng/internal/atomicfile"
	"bascula-ng/internal/conditioning"
	"bascula-ng/internal/config"
	"bascula-ng/internal/scale"
)

// SettingsPayload is the conditioning tuning exposed at /api/settings.
type SettingsPayload struct {
	FilterWindow      int     `json:"filter_window"`
	MedianWindow      int     `json:"median_window"`
	VarianceWindow    int     `json:"variance_window"`
	EMAAlpha          float64 `json:"ema_alpha"`
	HysteresisGrams   float64 `json:"hysteresis_grams"`
	VarianceThreshold float64 `json:"variance_threshold"`
	Debounce          string  `json:"debounce"`
	Refractory        string  `json:"refractory"`
}

// SettingsPayloadIn is the strict POST schema. Every key is required so a
// client cannot silently fall back to a default.
type SettingsPayloadIn struct {
	FilterWindow      *int     `json:"filter_window"`
	MedianWindow      *int     `json:"median_window"`
	VarianceWindow    *int     `json:"variance_window"`
	EMAAlpha          *float64 `json:"ema_alpha"`
	HysteresisGrams   *float64 `json:"hysteresis_grams"`
	VarianceThreshold *float64 `json:"variance_threshold"`
	Debounce          *string  `json:"debounce"`
	Refractory        *string  `json:"refractory"`
}

var settingsPostKeys = []string{
	"filter_window",
	"median_window",
	"variance_window",
	"ema_alpha",
	"hysteresis_grams",
	"variance_threshold",
	"debounce",
	"refractory",
}

// checkKeys walks the top-level object and rejects unknown, duplicate, null
// and missing keys. encoding/json alone lets the last duplicate win.
func checkKeys(body []byte, keys []string) error {
	allowed := make(map[string]bool, len(keys))
	for _, k := range keys {
		allowed[k] = true
	}
	seen := make(map[string]bool, len(keys))

	dec := json.NewDecoder(bytes.NewReader(body))
	if tok, err := dec.Token(); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	} else if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("invalid json: expected object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("invalid json: %w", err)
		}
		key, _ := tok.(string)
		switch {
		case !allowed[key]:
			return fmt.Errorf("invalid json: unknown key %q", key)
		case seen[key]:
			return fmt.Errorf("invalid json: duplicate key %q", key)
		}
		seen[key] = true

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("invalid json: %w", err)
		}
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return fmt.Errorf("invalid json: %q cannot be null", key)
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("invalid json: trailing data")
	}
	for _, k := range keys {
		if !seen[k] {
			return fmt.Errorf("invalid json: missing required key %q", k)
		}
	}
	return nil
}

func decodeSettingsPayloadInStrict(body []byte) (SettingsPayloadIn, error) {
	if err := checkKeys(body, settingsPostKeys); err != nil {
		return SettingsPayloadIn{}, err
	}
	var out SettingsPayloadIn
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	return out, nil
}

func settingsPayloadFrom(c conditioning.Config) SettingsPayload {
	return SettingsPayload{
		FilterWindow:      c.FilterWindow,
		MedianWindow:      c.MedianWindow,
		VarianceWindow:    c.VarianceWindow,
		EMAAlpha:          c.EMAAlpha,
		HysteresisGrams:   c.HysteresisGrams,
		VarianceThreshold: c.VarianceThreshold,
		Debounce:          c.Debounce.String(),
		Refractory:        c.Refractory.String(),
	}
}

func parseNonNegativeDuration(name, s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return d, nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// applySettingsPayload validates p and writes it into c. Values outside the
// accepted ranges are rejected rather than clamped.
func applySettingsPayload(c *conditioning.Config, p SettingsPayloadIn) error {
	switch {
	case *p.FilterWindow < 1 || *p.FilterWindow > 200:
		return errors.New("filter_window must be in [1,200]")
	case *p.MedianWindow < 1 || *p.MedianWindow > 251:
		return errors.New("median_window must be in [1,251]")
	case *p.VarianceWindow < 1 || *p.VarianceWindow > 500:
		return errors.New("variance_window must be in [1,500]")
	case !finite(*p.EMAAlpha) || *p.EMAAlpha <= 0 || *p.EMAAlpha > 1:
		return errors.New("ema_alpha must be in (0,1]")
	case !finite(*p.HysteresisGrams) || *p.HysteresisGrams < 0:
		return errors.New("hysteresis_grams must be >= 0")
	case !finite(*p.VarianceThreshold) || *p.VarianceThreshold < 0:
		return errors.New("variance_threshold must be >= 0")
	}
	debounce, err := parseNonNegativeDuration("debounce", *p.Debounce)
	if err != nil {
		return err
	}
	refractory, err := parseNonNegativeDuration("refractory", *p.Refractory)
	if err != nil {
		return err
	}

	c.FilterWindow = *p.FilterWindow
	c.MedianWindow = *p.MedianWindow
	c.VarianceWindow = *p.VarianceWindow
	c.EMAAlpha = *p.EMAAlpha
	c.HysteresisGrams = *p.HysteresisGrams
	c.VarianceThreshold = *p.VarianceThreshold
	c.Debounce = debounce
	c.Refractory = refractory
	return nil
}

type SettingsStore struct {
	ConfigPath string
	// Tuner, when set, receives new conditioning before it is saved and is
	// the source of the values reported by GET.
	Tuner scale.Tuner
}

func (s SettingsStore) load() (config.Config, error) {
	return config.Load(s.ConfigPath)
}

func (s SettingsStore) save(cfg config.Config) error {
	if err := config.DefaultAndValidate(&cfg); err != nil {
		return err
	}
	b, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(s.ConfigPath, b, 0o644)
}

func (s SettingsStore) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		hasPath := strings.TrimSpace(s.ConfigPath) != ""

		switch r.Method {
		case http.MethodGet:
			switch {
			case s.Tuner != nil:
				writeJSON(w, settingsPayloadFrom(s.Tuner.Conditioning()))
			case hasPath:
				cfg, err := s.load()
				if err != nil {
					http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
					return
				}
				writeJSON(w, settingsPayloadFrom(cfg.Scale.Conditioning))
			default:
				http.Error(w, "settings not available (no config path)", http.StatusNotImplemented)
			}
			return

		case http.MethodPost:
			if !hasPath {
				http.Error(w, "settings not available (no config path)", http.StatusNotImplemented)
				return
			}
			if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != "application/json" {
				http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MiB
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, fmt.Sprintf("read failed: %v", err), http.StatusBadRequest)
				return
			}
			p, err := decodeSettingsPayloadInStrict(body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}

			cfg, err := s.load()
			if err != nil {
				http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
				return
			}
			if err := applySettingsPayload(&cfg.Scale.Conditioning, p); err != nil {
				http.Error(w, fmt.Sprintf("invalid settings: %v", err), http.StatusBadRequest)
				return
			}
			if err := config.DefaultAndValidate(&cfg); err != nil {
				http.Error(w, fmt.Sprintf("invalid config: %v", err), http.StatusBadRequest)
				return
			}

			var previous conditioning.Config
			if s.Tuner != nil {
				previous = s.Tuner.Conditioning()
				cfg.Scale.Conditioning = s.Tuner.UpdateConditioning(cfg.Scale.Conditioning)
			}

			if err := s.save(cfg); err != nil {
				// Keep the running service consistent with disk.
				if s.Tuner != nil {
					s.Tuner.UpdateConditioning(previous)
				}
				http.Error(w, fmt.Sprintf("save failed: %v", err), http.StatusInternalServerError)
				return
			}
			log.Printf("web: conditioning settings saved to %s", s.ConfigPath)

			writeJSON(w, settingsPayloadFrom(cfg.Scale.Conditioning))
			return

		default:
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
	})

	return mux
}
