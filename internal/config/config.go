// Package config provides environment-driven configuration for go-sorter.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Defaults for optional settings.
const (
	DefaultGeminiModel = "gemini-2.0-flash"
	DefaultDeviceLabel = "sorter-1"
	DefaultSerialBaud  = 115200
	DefaultCameraIndex = 0
)

// Config holds all process configuration, loaded once at startup and
// passed into constructors. Nothing reads the environment after Load.
type Config struct {
	// Classifier B (Gemini structured output).
	GeminiAPIKey string
	GeminiModel  string

	// Classifier A (detection service).
	DetectURL    string
	DetectAPIKey string

	// Backend session/event store. Optional: publishing is disabled
	// when the URL or key is missing.
	BackendURL  string
	BackendKey  string
	DeviceLabel string

	// Hardware.
	SerialPort  string // explicit device path, empty = auto-detect
	SerialBaud  int
	CameraIndex int
}

// Load reads configuration from the environment. Missing required
// variables are aggregated into a single error so the operator sees
// everything that needs fixing at once.
func Load() (*Config, error) {
	cfg := &Config{
		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		GeminiModel:  getenvDefault("GEMINI_MODEL", DefaultGeminiModel),
		DetectURL:    os.Getenv("DETECT_URL"),
		DetectAPIKey: os.Getenv("DETECT_API_KEY"),
		BackendURL:   os.Getenv("BACKEND_URL"),
		BackendKey:   os.Getenv("BACKEND_SERVICE_KEY"),
		DeviceLabel:  getenvDefault("DEVICE_LABEL", DefaultDeviceLabel),
		SerialPort:   os.Getenv("SERIAL_PORT"),
		SerialBaud:   DefaultSerialBaud,
		CameraIndex:  DefaultCameraIndex,
	}

	var missing []string
	if cfg.GeminiAPIKey == "" {
		missing = append(missing, "GEMINI_API_KEY")
	}
	if cfg.DetectURL == "" {
		missing = append(missing, "DETECT_URL")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("config: missing required environment variables: %s",
			strings.Join(missing, ", "))
	}

	if v := os.Getenv("SERIAL_BAUD"); v != "" {
		baud, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid SERIAL_BAUD %q: %w", v, err)
		}
		cfg.SerialBaud = baud
	}
	if v := os.Getenv("CAMERA_INDEX"); v != "" {
		idx, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid CAMERA_INDEX %q: %w", v, err)
		}
		cfg.CameraIndex = idx
	}

	return cfg, nil
}

// BackendEnabled reports whether publishing credentials are present.
func (c *Config) BackendEnabled() bool {
	return c.BackendURL != "" && c.BackendKey != ""
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
