package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"diab-uplink/internal/device"

	_ "diab-uplink/internal/drivers/animas"
	_ "diab-uplink/internal/drivers/contour"
	_ "diab-uplink/internal/drivers/dexcom"
	_ "diab-uplink/internal/drivers/verio"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Timezone != "UTC" || cfg.MetricsPort != "9000" {
		t.Fatalf("defaults %+v", cfg)
	}
	for _, id := range []string{"onetouchverio", "bayercontour", "dexcom", "animas"} {
		if _, ok := cfg.Drivers[id]; !ok {
			t.Fatalf("default manifest missing %s", id)
		}
	}
	if cfg.Drivers["animas"].Bitrate != 9600 {
		t.Fatalf("animas manifest %+v", cfg.Drivers["animas"])
	}
}

// The manifest must speak the same ids as the driver registry, or a
// registered family would run with a zero vendor/product/mode entry.
func TestManifestCoversRegisteredDrivers(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range device.IDs() {
		entry, ok := cfg.Drivers[id]
		if !ok {
			t.Fatalf("registered driver %s has no manifest entry", id)
		}
		if entry.VendorID == 0 || entry.ProductID == 0 || entry.Mode == "" {
			t.Fatalf("manifest entry for %s is incomplete: %+v", id, entry)
		}
	}
	for id := range cfg.Drivers {
		if _, err := device.New(id); err != nil {
			t.Fatalf("manifest id %s is not a registered driver: %v", id, err)
		}
	}
}

func TestLoadFileOverridesManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uplink.yaml")
	body := `
timezone: America/Los_Angeles
redis:
  addr: localhost:6379
sink:
  grpcAddr: ingest:50051
drivers:
  animas:
    vendorId: 1659
    productId: 8963
    mode: tcp
    timeoutMs: 4000
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Timezone != "America/Los_Angeles" {
		t.Fatalf("timezone %q", cfg.Timezone)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Sink.GRPCAddr != "ingest:50051" {
		t.Fatalf("addresses %+v", cfg)
	}
	animas := cfg.Drivers["animas"]
	if animas.Mode != "tcp" || animas.TimeoutMs != 4000 {
		t.Fatalf("manifest override %+v", animas)
	}
	// untouched families keep the defaults
	if cfg.Drivers["dexcom"].Bitrate != 115200 {
		t.Fatalf("dexcom manifest %+v", cfg.Drivers["dexcom"])
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("UPLINK_TIMEZONE", "Europe/Berlin")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.Addr != "redis:6380" || cfg.Timezone != "Europe/Berlin" {
		t.Fatalf("env overrides %+v", cfg)
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uplink.yaml")
	body := `
drivers:
  animas:
    mode: carrier-pigeon
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidateRejectsBadTimezone(t *testing.T) {
	t.Setenv("UPLINK_TIMEZONE", "Not/AZone")
	if _, err := Load(""); err == nil {
		t.Fatal("expected timezone validation error")
	}
}

func TestTimeoutLookup(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if d := cfg.Timeout("dexcom", time.Second); d != time.Second {
		t.Fatalf("dexcom timeout %v", d)
	}
	if d := cfg.Timeout("bayercontour", time.Second); d != 5*time.Second {
		t.Fatalf("bayercontour timeout %v", d)
	}
	if d := cfg.Timeout("unknown", 2*time.Second); d != 2*time.Second {
		t.Fatalf("fallback timeout %v", d)
	}
}
