package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"bascula-ng/internal/config"
	"bascula-ng/internal/scale"
	"bascula-ng/internal/web"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./dev.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logs := web.NewLogBuffer(cfg.Log.BufferLines)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bc := web.NewReadingBroadcaster()
	ctl, err := newController(cfg, bc.Publish)
	if err != nil {
		log.Fatalf("scale init failed: %v", err)
	}

	log.Printf("bascula-ng starting")
	log.Printf("scale backend=%s state=%s", cfg.Scale.Backend, cfg.Scale.StatePath)

	if err := ctl.Start(ctx); err != nil {
		log.Fatalf("scale start failed: %v", err)
	}
	defer ctl.Stop()

	settings := web.SettingsStore{ConfigPath: configPath}
	if tuner, ok := ctl.(scale.Tuner); ok {
		settings.Tuner = tuner
	}

	log.Printf("web listen=%s", cfg.Web.Listen)
	err = web.Serve(ctx, cfg.Web.Listen, web.Handler(ctl, settings, logs, bc))
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("web server stopped: %v", err)
	}
	log.Printf("bascula-ng stopping")
}
