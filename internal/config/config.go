// Package config loads the uploader configuration: service addresses, the
// session defaults, and the driver manifest mapping each driver family to
// its connection parameters.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DriverEntry is one manifest row: how to reach a device family.
type DriverEntry struct {
	VendorID  uint16 `yaml:"vendorId"`
	ProductID uint16 `yaml:"productId"`
	Mode      string `yaml:"mode"` // serial | hid | tcp | block
	Bitrate   int    `yaml:"bitrate"`
	TimeoutMs int    `yaml:"timeoutMs"`
}

type Config struct {
	Timezone    string `yaml:"timezone"`
	MetricsPort string `yaml:"metricsPort"`
	CaptureDir  string `yaml:"captureDir"`

	Redis struct {
		Addr string `yaml:"addr"`
		DB   int    `yaml:"db"`
	} `yaml:"redis"`

	Sink struct {
		GRPCAddr  string `yaml:"grpcAddr"`
		ProxyAddr string `yaml:"proxyAddr"`
	} `yaml:"sink"`

	Archive struct {
		DSN string `yaml:"dsn"`
	} `yaml:"archive"`

	Drivers map[string]DriverEntry `yaml:"drivers"`
}

// Load reads the YAML file (optional), applies defaults, then env-var
// overrides, and validates. An empty path yields the default configuration.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// defaultManifest covers the supported device families out of the box,
// keyed by the ids the driver registry uses. A YAML manifest entry with the
// same id replaces the default wholesale.
func defaultManifest() map[string]DriverEntry {
	return map[string]DriverEntry{
		"onetouchverio": {VendorID: 0x2766, ProductID: 0x1004, Mode: "block", TimeoutMs: 2000},
		"bayercontour":  {VendorID: 0x1A79, ProductID: 0x6002, Mode: "serial", Bitrate: 19200, TimeoutMs: 5000},
		"dexcom":        {VendorID: 0x22A3, ProductID: 0x0047, Mode: "serial", Bitrate: 115200, TimeoutMs: 1000},
		"animas":        {VendorID: 0x067B, ProductID: 0x2303, Mode: "serial", Bitrate: 9600, TimeoutMs: 2000},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "9000"
	}
	if cfg.Drivers == nil {
		cfg.Drivers = map[string]DriverEntry{}
	}
	for id, entry := range defaultManifest() {
		if _, ok := cfg.Drivers[id]; !ok {
			cfg.Drivers[id] = entry
		}
	}
}

func applyEnv(cfg *Config) {
	cfg.Timezone = getEnv("UPLINK_TIMEZONE", cfg.Timezone)
	cfg.MetricsPort = getEnv("METRICS_PORT", cfg.MetricsPort)
	cfg.CaptureDir = getEnv("CAPTURE_DIR", cfg.CaptureDir)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Sink.GRPCAddr = getEnv("GRPC_SERVER", cfg.Sink.GRPCAddr)
	cfg.Sink.ProxyAddr = getEnv("PROXY_ADDR", cfg.Sink.ProxyAddr)
	cfg.Archive.DSN = getEnv("ARCHIVE_DSN", cfg.Archive.DSN)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

var validModes = map[string]bool{"serial": true, "hid": true, "tcp": true, "block": true}

func validate(cfg Config) error {
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("config: invalid timezone %q: %w", cfg.Timezone, err)
	}
	for id, entry := range cfg.Drivers {
		if !validModes[entry.Mode] {
			return fmt.Errorf("config: driver %s: invalid mode %q", id, entry.Mode)
		}
		if entry.TimeoutMs < 0 {
			return fmt.Errorf("config: driver %s: negative timeout", id)
		}
	}
	return nil
}

// Timeout returns the manifest timeout for the driver, or the fallback.
func (c Config) Timeout(driverID string, fallback time.Duration) time.Duration {
	entry, ok := c.Drivers[driverID]
	if !ok || entry.TimeoutMs == 0 {
		return fallback
	}
	return time.Duration(entry.TimeoutMs) * time.Millisecond
}
