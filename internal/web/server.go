package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bascula-ng/internal/calibration"
	"bascula-ng/internal/scale"
)

const reasonNotInitialized = "service_not_initialized"

// failure is the body written for ok:false readings and results.
type failure struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
}

type calibrateRequest struct {
	KnownGrams *float64 `json:"known_grams"`
}

type calibrateApplyRequest struct {
	ReferenceGrams *float64 `json:"reference_grams"`
}

type calibratePointsRequest struct {
	Points []calibration.Point `json:"points"`
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

// decodeBody reads a small strict JSON body. An empty body leaves dst as is.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return errors.New("content-type must be application/json")
	}
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid json: %w", err)
	}
	if dec.More() {
		return errors.New("invalid json: trailing data")
	}
	return nil
}

func readingPayload(rd scale.Reading) any {
	if !rd.OK {
		return failure{OK: false, Reason: rd.Reason}
	}
	return rd
}

func methodHandler(method string, fn func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	}
}

// Handler serves the scale API. ctl may be nil while the scale is not
// configured; every scale route then reports service_not_initialized.
func Handler(ctl scale.Controller, settings SettingsStore, logs *LogBuffer, bc *ReadingBroadcaster) http.Handler {
	mux := http.NewServeMux()

	notInitialized := failure{OK: false, Reason: reasonNotInitialized}

	mux.HandleFunc("/api/scale/status", methodHandler(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		if ctl == nil {
			writeJSON(w, notInitialized)
			return
		}
		writeJSON(w, ctl.Status())
	}))

	mux.HandleFunc("/api/scale/read", methodHandler(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		if ctl == nil {
			writeJSON(w, notInitialized)
			return
		}
		writeJSON(w, readingPayload(ctl.Reading()))
	}))

	mux.HandleFunc("/api/scale/raw", methodHandler(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		if ctl == nil {
			writeJSON(w, notInitialized)
			return
		}
		raw := ctl.RawValue()
		if !raw.OK {
			writeJSON(w, failure{OK: false, Reason: raw.Reason})
			return
		}
		writeJSON(w, raw)
	}))

	tare := methodHandler(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		if ctl == nil {
			writeJSON(w, notInitialized)
			return
		}
		writeJSON(w, ctl.Tare())
	})
	mux.HandleFunc("/api/scale/tare", tare)
	// Older clients call zero; it is the same operation.
	mux.HandleFunc("/api/scale/zero", tare)

	mux.HandleFunc("/api/scale/calibrate", methodHandler(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		var req calibrateRequest
		if err := decodeBody(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if ctl == nil {
			writeJSON(w, notInitialized)
			return
		}
		known := 0.0
		if req.KnownGrams != nil {
			known = *req.KnownGrams
		}
		writeJSON(w, ctl.Calibrate(known))
	}))

	mux.HandleFunc("/api/scale/calibrate/apply", methodHandler(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		var req calibrateApplyRequest
		if err := decodeBody(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if ctl == nil {
			writeJSON(w, notInitialized)
			return
		}
		known := 0.0
		if req.ReferenceGrams != nil {
			known = *req.ReferenceGrams
		}
		writeJSON(w, ctl.Calibrate(known))
	}))

	mux.HandleFunc("/api/scale/calibrate/points", methodHandler(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		var req calibratePointsRequest
		if err := decodeBody(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if ctl == nil {
			writeJSON(w, notInitialized)
			return
		}
		writeJSON(w, ctl.CalibrateFromPoints(req.Points))
	}))

	mux.Handle("/ws/scale", scaleSocket(ctl, bc))

	mux.Handle("/api/settings", settings.Handler())

	if logs != nil {
		mux.Handle("/api/logs", logs.Handler())
	}

	mux.Handle("/api/about", AboutHandler(ctl))

	return mux
}

func Serve(ctx context.Context, listenAddr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
