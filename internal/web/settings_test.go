package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bascula-ng/internal/conditioning"
	"bascula-ng/internal/config"
)

func writeTempConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return p
}

func validSettingsBody(t *testing.T) []byte {
	t.Helper()
	filter, median, variance := 20, 7, 15
	alpha, hyst, thresh := 0.3, 1.5, 0.8
	debounce, refractory := "150ms", "1s"
	b, err := json.Marshal(SettingsPayloadIn{
		FilterWindow:      &filter,
		MedianWindow:      &median,
		VarianceWindow:    &variance,
		EMAAlpha:          &alpha,
		HysteresisGrams:   &hyst,
		VarianceThreshold: &thresh,
		Debounce:          &debounce,
		Refractory:        &refractory,
	})
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	return b
}

func TestSettingsPOST_AppliesAndSaves(t *testing.T) {
	cfgPath := writeTempConfigFile(t, "web:\n  listen: ':9090'\nscale:\n  gpio:\n    data: 17\n    clock: 27\n")

	tuner := &fakeController{cond: conditioning.DefaultConfig()}
	store := SettingsStore{ConfigPath: cfgPath, Tuner: tuner}

	ts := httptest.NewServer(store.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/settings", "application/json", bytes.NewReader(validSettingsBody(t)))
	if err != nil {
		t.Fatalf("POST /api/settings error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status=%d body=%s", resp.StatusCode, string(body))
	}
	var got SettingsPayload
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.FilterWindow != 20 || got.Debounce != "150ms" || got.Refractory != "1s" {
		t.Fatalf("response=%+v", got)
	}

	applied := tuner.Conditioning()
	if applied.MedianWindow != 7 || applied.EMAAlpha != 0.3 || applied.Debounce != 150*time.Millisecond {
		t.Fatalf("applied=%+v", applied)
	}

	onDisk, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if onDisk.Scale.Conditioning != applied {
		t.Fatalf("saved=%+v want %+v", onDisk.Scale.Conditioning, applied)
	}
	// Unrelated settings survive the rewrite.
	if onDisk.Web.Listen != ":9090" || onDisk.Scale.GPIO.Data != 17 {
		t.Fatalf("saved config lost fields: %+v", onDisk)
	}
}

func TestSettingsGET_ReportsLiveTuning(t *testing.T) {
	cond := conditioning.DefaultConfig()
	cond.HysteresisGrams = 4
	store := SettingsStore{Tuner: &fakeController{cond: cond}}

	ts := httptest.NewServer(store.Handler())
	defer ts.Close()

	var got SettingsPayload
	getJSON(t, ts.URL+"/api/settings", &got)
	if got.HysteresisGrams != 4 || got.Debounce != "100ms" {
		t.Fatalf("payload=%+v", got)
	}
}

func TestSettingsPOST_SaveFailureRollsBack(t *testing.T) {
	cfgPath := writeTempConfigFile(t, "{}\n")
	tuner := &fakeController{cond: conditioning.DefaultConfig()}
	store := SettingsStore{ConfigPath: cfgPath, Tuner: tuner}

	ts := httptest.NewServer(store.Handler())
	defer ts.Close()

	// Loading still works, but the temp file cannot be created.
	dir := filepath.Dir(cfgPath)
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatalf("Chmod() error: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })
	if f, err := os.CreateTemp(dir, "probe"); err == nil {
		// Running as root; permissions do not apply.
		f.Close()
		os.Remove(f.Name())
		t.Skip("directory permissions not enforced")
	}

	resp, err := http.Post(ts.URL+"/api/settings", "application/json", bytes.NewReader(validSettingsBody(t)))
	if err != nil {
		t.Fatalf("POST /api/settings error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d want 500", resp.StatusCode)
	}
	if got := tuner.Conditioning(); got != conditioning.DefaultConfig() {
		t.Fatalf("tuning not rolled back: %+v", got)
	}
}

func TestSettingsPOST_Rejected(t *testing.T) {
	cfgPath := writeTempConfigFile(t, "{}\n")
	original, _ := os.ReadFile(cfgPath)

	tuner := &fakeController{cond: conditioning.DefaultConfig()}
	ts := httptest.NewServer(SettingsStore{ConfigPath: cfgPath, Tuner: tuner}.Handler())
	defer ts.Close()

	full := string(validSettingsBody(t))
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing key", `{"filter_window": 5}`, "missing required key"},
		{"duplicate key", strings.Replace(full, `"median_window":7`, `"median_window":7,"median_window":9`, 1), "duplicate key"},
		{"unknown key", strings.Replace(full, `{`, `{"gain":64,`, 1), "unknown key"},
		{"null", strings.Replace(full, `"ema_alpha":0.3`, `"ema_alpha":null`, 1), "cannot be null"},
		{"window range", strings.Replace(full, `"filter_window":20`, `"filter_window":0`, 1), "filter_window"},
		{"alpha range", strings.Replace(full, `"ema_alpha":0.3`, `"ema_alpha":1.5`, 1), "ema_alpha"},
		{"bad duration", strings.Replace(full, `"150ms"`, `"soon"`, 1), "invalid debounce"},
		{"negative duration", strings.Replace(full, `"1s"`, `"-1s"`, 1), "refractory must be"},
		{"trailing", full + `{}`, "trailing data"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/settings", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("POST error: %v", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", resp.StatusCode, body)
			}
			if !strings.Contains(string(body), tc.want) {
				t.Fatalf("body=%q want %q", body, tc.want)
			}
		})
	}

	after, _ := os.ReadFile(cfgPath)
	if !bytes.Equal(after, original) {
		t.Fatalf("config was modified by rejected requests")
	}
	if tuner.Conditioning() != conditioning.DefaultConfig() {
		t.Fatalf("tuning changed by rejected requests")
	}
}

func TestSettings_ContentTypeAndMethod(t *testing.T) {
	cfgPath := writeTempConfigFile(t, "{}\n")
	ts := httptest.NewServer(SettingsStore{ConfigPath: cfgPath}.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/settings", "text/plain", bytes.NewReader(validSettingsBody(t)))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status=%d want 415", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/settings", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed || resp.Header.Get("Allow") != "GET, POST" {
		t.Fatalf("status=%d allow=%q", resp.StatusCode, resp.Header.Get("Allow"))
	}

	// Without a tuner, GET reads the file.
	var got SettingsPayload
	getJSON(t, ts.URL+"/api/settings", &got)
	if got.FilterWindow != conditioning.DefaultFilterWindow {
		t.Fatalf("payload=%+v", got)
	}
}
