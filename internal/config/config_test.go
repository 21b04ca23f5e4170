package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const baseConfig = `
observatory_name: VINJE
observatory_latitude: 46.1075
observatory_longitude: 14.66805556
observatory_altitude: 290
observatory_horizon: -10
device_type: SQM_LE
device_addr: 192.168.4.18
measures_to_promediate: 5
delay_between_measures: 60
cache_measures: 5
plot_each: 30
_local_timezone: 2
_offset_calibration: -0.11
monthly_data_directory: %s
limits_nsb: [18, 22.0]
limits_time: [19, 0]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndDerivedValues(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "sqm")
	path := writeConfig(t, fmt.Sprintf(baseConfig, dataDir))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DeviceType != DeviceSQMLE {
		t.Fatalf("expected legacy device type to be normalised, got %q", cfg.DeviceType)
	}
	if cfg.DeviceID != "SQM-LE-VINJE" {
		t.Fatalf("unexpected derived device id %q", cfg.DeviceID)
	}
	if cfg.DailyDataDirectory != filepath.Join(dataDir, "daily_data") {
		t.Fatalf("unexpected daily directory %q", cfg.DailyDataDirectory)
	}
	if cfg.DevicePort != 10001 || cfg.DaytimeInterval != 300 {
		t.Fatalf("defaults not applied: port=%d daytime=%d", cfg.DevicePort, cfg.DaytimeInterval)
	}
	if cfg.OffsetCalibration != -0.11 {
		t.Fatalf("expected calibration -0.11, got %v", cfg.OffsetCalibration)
	}
	if cfg.SamplePause() != 6*time.Second {
		t.Fatalf("expected sample pause 6s, got %s", cfg.SamplePause())
	}
	if _, off := time.Now().In(cfg.LocalZone()).Zone(); off != 7200 {
		t.Fatalf("expected local zone offset 7200, got %d", off)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	var cfgErr *Error
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
}

func TestLoadMissingRequiredKey(t *testing.T) {
	path := writeConfig(t, `
observatory_name: X
observatory_latitude: 10
observatory_longitude: 10
device_type: SQM-LU
device_addr: /dev/ttyUSB0
monthly_data_directory: /tmp/x
`)
	_, err := Load(path)
	var cfgErr *Error
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if cfgErr.Key != "observatory_horizon" || !errors.Is(err, ErrMissing) {
		t.Fatalf("expected missing observatory_horizon, got %v", err)
	}
}

func TestLoadRejectsNonNumericHorizon(t *testing.T) {
	path := writeConfig(t, `
observatory_name: X
observatory_latitude: 10
observatory_longitude: 10
observatory_horizon: dusk
device_type: SQM-LE
device_addr: 10.0.0.2
monthly_data_directory: /tmp/x
`)
	_, err := Load(path)
	var cfgErr *Error
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *Error for non-numeric horizon, got %v", err)
	}
}

func TestLoadRejectsUnknownDevice(t *testing.T) {
	path := writeConfig(t, `
observatory_name: X
observatory_latitude: 10
observatory_longitude: 10
observatory_horizon: -12
device_type: SQM-XX
device_addr: 10.0.0.2
monthly_data_directory: /tmp/x
`)
	_, err := Load(path)
	var cfgErr *Error
	if !errors.As(err, &cfgErr) || cfgErr.Key != "device_type" {
		t.Fatalf("expected device_type error, got %v", err)
	}
}

func TestEnsureDirectories(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{MonthlyDataDirectory: filepath.Join(root, "m")}
	cfg.fillDerived()

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range cfg.Directories() {
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			t.Fatalf("expected directory %s to exist", dir)
		}
	}
}

func TestEnsureDirectoriesStorageError(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := &Config{MonthlyDataDirectory: filepath.Join(blocker, "sub")}
	cfg.fillDerived()

	err := cfg.EnsureDirectories()
	var stErr *StorageError
	if !errors.As(err, &stErr) {
		t.Fatalf("expected *StorageError, got %v", err)
	}
}

func TestLoadDatacenterSkipsStationKeys(t *testing.T) {
	path := writeConfig(t, `
datacenter_data_port: 1818
datacenter_admin_pass: s3cret
datacenter_jwt_secret: jwt-s3cret
_datacenter_token: station-s3cret
`)
	cfg, err := LoadDatacenter(path)
	if err != nil {
		t.Fatalf("LoadDatacenter: %v", err)
	}
	if cfg.DataPort != 1818 || cfg.ControlPort != 7717 || cfg.AdminPass != "s3cret" {
		t.Fatalf("unexpected datacenter config: %+v", cfg)
	}
}

func TestLoadDatacenterRequiresSecrets(t *testing.T) {
	tests := []struct {
		name, body, key string
	}{
		{"no secrets at all", "datacenter_data_port: 1818\n", "datacenter_jwt_secret"},
		{"no station token", "datacenter_jwt_secret: a\ndatacenter_admin_pass: b\n", "_datacenter_token"},
		{"no admin password", "datacenter_jwt_secret: a\n_datacenter_token: c\n", "datacenter_admin_pass"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadDatacenter(writeConfig(t, tc.body))
			var cfgErr *Error
			if !errors.As(err, &cfgErr) || cfgErr.Key != tc.key || !errors.Is(err, ErrMissing) {
				t.Fatalf("expected missing %s, got %v", tc.key, err)
			}
		})
	}
}

func TestLoadRequiresTokenWhenUploading(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(baseConfig, dir)+"_send_to_datacenter: true\n")
	_, err := Load(path)
	var cfgErr *Error
	if !errors.As(err, &cfgErr) || cfgErr.Key != "_datacenter_token" {
		t.Fatalf("expected missing _datacenter_token, got %v", err)
	}
}
