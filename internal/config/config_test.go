package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
url: http://pool.example:8080
plot_dirs:
  - /mnt/disk1/plots
  - /mnt/disk2/plots
account_id_to_secret_phrase:
  12345: "secret words"
account_id_to_target_deadline:
  12345: 86400
hdd_use_direct_io: false
hdd_wakeup_after: 240
cpu_worker_thread_count: 4
cpu_nonces_per_cache: 8192
cpu_thread_pinning: true
get_mining_info_interval: 500
additional_headers:
  X-Pool-Key: abc
benchmark_only: IO
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.URL != "http://pool.example:8080" {
		t.Errorf("url = %q", cfg.URL)
	}
	if len(cfg.PlotDirs) != 2 {
		t.Errorf("plot dirs = %v", cfg.PlotDirs)
	}
	if cfg.AccountIDToSecretPhrase[12345] != "secret words" {
		t.Errorf("secret phrase map = %v", cfg.AccountIDToSecretPhrase)
	}
	if cfg.AccountIDToTargetDeadline[12345] != 86400 {
		t.Errorf("target deadline map = %v", cfg.AccountIDToTargetDeadline)
	}
	if cfg.HDDUseDirectIO {
		t.Error("direct io should be disabled")
	}
	if cfg.CPUWorkerThreadCount != 4 || cfg.CPUNoncesPerCache != 8192 {
		t.Errorf("cpu settings = %d/%d", cfg.CPUWorkerThreadCount, cfg.CPUNoncesPerCache)
	}
	if !cfg.CPUThreadPinning {
		t.Error("cpu thread pinning should be enabled")
	}
	// unset keys keep their defaults
	if cfg.TargetDeadline != math.MaxUint64 || cfg.Timeout != 5000 {
		t.Errorf("defaults lost: target=%d timeout=%d", cfg.TargetDeadline, cfg.Timeout)
	}
	if cfg.PollInterval() != MinMiningInfoInterval {
		t.Errorf("poll interval should be clamped, got %d", cfg.PollInterval())
	}
	if cfg.Benchmark() != BenchmarkIO {
		t.Errorf("benchmark = %q", cfg.Benchmark())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("POC_URL", "http://env.example")
	t.Setenv("POC_PLOT_DIRS", "/a, /b,,/c")
	t.Setenv("POC_CPU_WORKERS", "2")
	t.Setenv("POC_DIRECT_IO", "false")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.URL != "http://env.example" {
		t.Errorf("url = %q", cfg.URL)
	}
	if len(cfg.PlotDirs) != 3 || cfg.PlotDirs[1] != "/b" {
		t.Errorf("plot dirs = %v", cfg.PlotDirs)
	}
	if cfg.CPUWorkerThreadCount != 2 || cfg.HDDUseDirectIO {
		t.Errorf("env overrides not applied: %+v", cfg)
	}

	t.Setenv("POC_CPU_WORKERS", "many")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for malformed POC_CPU_WORKERS")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("POC_URL", "")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config without POC_URL")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"no workers", func(c *Config) { c.CPUWorkerThreadCount = 0; c.AccelWorkerThreadCount = 0 }, true},
		{"accelerator only", func(c *Config) { c.CPUWorkerThreadCount = 0; c.AccelWorkerThreadCount = 1 }, false},
		{"direct io misaligned cache", func(c *Config) { c.CPUNoncesPerCache = 1001 }, true},
		{"buffered io misaligned cache", func(c *Config) { c.CPUNoncesPerCache = 1001; c.HDDUseDirectIO = false }, false},
		{"async with two accelerators", func(c *Config) { c.AccelWorkerThreadCount = 2; c.AccelAsync = true }, true},
		{"empty url", func(c *Config) { c.URL = "" }, true},
		{"bad benchmark", func(c *Config) { c.BenchmarkOnly = "gpu" }, true},
		{"bad history format", func(c *Config) { c.HistoryFormat = "csv" }, true},
		{"bad log level", func(c *Config) { c.ConsoleLogLevel = "chatty" }, true},
	}

	for _, tt := range tests {
		cfg := Default()
		cfg.CPUWorkerThreadCount = 1
		tt.mutate(&cfg)
		err := cfg.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}

	cfg := Default()
	cfg.CPUWorkerThreadCount = 0
	if err := cfg.Validate(); !errors.Is(err, ErrNoWorkers) {
		t.Errorf("expected ErrNoWorkers, got %v", err)
	}
}
