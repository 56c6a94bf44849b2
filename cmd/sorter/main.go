// Recycle sorter edge controller.
//
// Watches the camera and the serial-connected microcontroller, waits
// for the object trigger, classifies the frame with two independent
// vision services and commands the sorting hardware.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/recyclesort/go-sorter/internal/config"
	"github.com/recyclesort/go-sorter/internal/log"
	"github.com/recyclesort/go-sorter/pkg/backend"
	"github.com/recyclesort/go-sorter/pkg/camera"
	"github.com/recyclesort/go-sorter/pkg/serialdev"
	"github.com/recyclesort/go-sorter/pkg/sorter"
	"github.com/recyclesort/go-sorter/pkg/validate"
	"github.com/recyclesort/go-sorter/pkg/vision"
)

func main() {
	serialPort := flag.String("serial", "", "Serial port path (default: auto-detect)")
	cameraIdx := flag.Int("camera", -1, "Camera device index (default: CAMERA_INDEX or 0)")
	cycles := flag.Int("cycles", 0, "Stop after N sorting cycles (0 = run forever)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	noRetry := flag.Bool("no-retry", false, "Disable the classification retry attempt")
	flag.Parse()

	log.Init(*logLevel)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *serialPort != "" {
		cfg.SerialPort = *serialPort
	}
	if *cameraIdx >= 0 {
		cfg.CameraIndex = *cameraIdx
	}

	// Graceful shutdown on Ctrl+C
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown requested")
		cancel()
	}()

	// Serial channel
	serialCfg := serialdev.DefaultConfig()
	serialCfg.PortPath = cfg.SerialPort
	serialCfg.BaudRate = cfg.SerialBaud
	serialCfg.Logger = log.L()
	channel := serialdev.New(serialCfg)
	if err := channel.Start(); err != nil {
		if errors.Is(err, serialdev.ErrNoPortFound) {
			log.Error("no serial ports found, is the controller connected?")
		}
		log.Error("serial start failed", "error", err)
		os.Exit(1)
	}
	defer channel.Stop()

	// Frame source
	camCfg := camera.DefaultConfig()
	camCfg.Logger = log.L()
	frames := camera.New(cfg.CameraIndex, camCfg)
	if err := frames.Start(); err != nil {
		log.Error("camera start failed", "error", err)
		os.Exit(1)
	}
	defer frames.Stop()

	// Classifiers
	detect, err := vision.NewDetect(
		vision.WithBaseURL(cfg.DetectURL),
		vision.WithAPIKey(cfg.DetectAPIKey),
		vision.WithLogger(log.L()),
	)
	if err != nil {
		log.Error("detect classifier init failed", "error", err)
		os.Exit(1)
	}
	gemini, err := vision.NewGemini(
		vision.WithAPIKey(cfg.GeminiAPIKey),
		vision.WithModel(cfg.GeminiModel),
		vision.WithLogger(log.L()),
	)
	if err != nil {
		log.Error("gemini classifier init failed", "error", err)
		os.Exit(1)
	}

	validator := validate.New(detect, gemini,
		validate.WithRetry(!*noRetry),
		validate.WithLogger(log.L()),
	)

	// Backend publisher, optional
	var pub sorter.Publisher
	if cfg.BackendEnabled() {
		pub = backend.New(backend.Config{
			BaseURL:     cfg.BackendURL,
			Key:         cfg.BackendKey,
			DeviceLabel: cfg.DeviceLabel,
			Logger:      log.L(),
		})
	} else {
		log.Warn("backend credentials missing, publishing disabled")
	}

	ctrl := sorter.New(channel, frames, validator, pub, channel, sorter.Config{
		PollInterval: 50 * time.Millisecond,
		MaxCycles:    *cycles,
		Logger:       log.L(),
	})

	log.Info("sorter running",
		"device_label", cfg.DeviceLabel,
		"max_cycles", *cycles,
	)
	if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("controller exited", "error", err)
		os.Exit(1)
	}
	log.Info("sorter stopped")
}
