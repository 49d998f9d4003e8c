// Package config loads the miner configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-poc-miner/internal/logging"
)

// ErrNoWorkers is returned when neither CPU nor accelerator workers are configured.
var ErrNoWorkers = errors.New("no CPU or accelerator workers configured")

// Benchmark modes.
const (
	BenchmarkDisabled = "disabled"
	BenchmarkIO       = "io"  // read plots, skip hashing
	BenchmarkXPU      = "xpu" // hash buffers, skip disk reads
)

// MinMiningInfoInterval is the floor for the mining info poll interval in ms.
const MinMiningInfoInterval = 1000

// Config is the complete miner configuration.
type Config struct {
	URL      string   `yaml:"url"`
	PlotDirs []string `yaml:"plot_dirs"`

	// Intervals and timeouts are in milliseconds, hdd_wakeup_after in seconds.
	AccountIDToSecretPhrase     map[uint64]string `yaml:"account_id_to_secret_phrase"`
	AccountIDToTargetDeadline   map[uint64]uint64 `yaml:"account_id_to_target_deadline"`
	TargetDeadline              uint64            `yaml:"target_deadline"`
	GetMiningInfoInterval       uint64            `yaml:"get_mining_info_interval"`
	Timeout                     uint64            `yaml:"timeout"`
	SendProxyDetails            bool              `yaml:"send_proxy_details"`
	AdditionalHeaders           map[string]string `yaml:"additional_headers"`
	SubmissionRetryDelay        uint64            `yaml:"submission_retry_delay"`
	SubmissionMaxRetries        int               `yaml:"submission_max_retries"`
	SubmissionRequestsPerSecond float64           `yaml:"submission_requests_per_second"`

	HDDUseDirectIO       bool  `yaml:"hdd_use_direct_io"`
	HDDReaderThreadCount int   `yaml:"hdd_reader_thread_count"`
	HDDWakeupAfter       int64 `yaml:"hdd_wakeup_after"`

	CPUWorkerThreadCount int    `yaml:"cpu_worker_thread_count"`
	CPUNoncesPerCache    int    `yaml:"cpu_nonces_per_cache"`
	CPUHasher            string `yaml:"cpu_hasher"`
	CPUThreadPinning     bool   `yaml:"cpu_thread_pinning"`

	AccelWorkerThreadCount int    `yaml:"accel_worker_thread_count"`
	AccelNoncesPerCache    int    `yaml:"accel_nonces_per_cache"`
	AccelBackend           string `yaml:"accel_backend"`
	AccelAsync             bool   `yaml:"accel_async"`

	BenchmarkOnly  string `yaml:"benchmark_only"`
	ShowProgress   bool   `yaml:"show_progress"`
	ShowDriveStats bool   `yaml:"show_drive_stats"`

	ConsoleLogLevel   string `yaml:"console_log_level"`
	LogFormat         string `yaml:"log_format"`
	LogfileLogLevel   string `yaml:"logfile_log_level"`
	LogfilePath       string `yaml:"logfile_path"`
	LogfileMaxSizeMB  int    `yaml:"logfile_max_size_mb"`
	LogfileMaxBackups int    `yaml:"logfile_max_backups"`

	MetricsAddress string `yaml:"metrics_address"`
	CheckpointDir  string `yaml:"checkpoint_dir"`

	HistoryURL         string `yaml:"history_url"`
	HistoryFormat      string `yaml:"history_format"`
	HistoryBatch       int    `yaml:"history_batch"`
	HistoryJournalPath string `yaml:"history_journal_path"`
	HistoryPostgresDSN string `yaml:"history_postgres_dsn"`
}

// Default returns the configuration used for keys absent from the file.
func Default() Config {
	return Config{
		URL:                         "http://localhost:8125",
		TargetDeadline:              math.MaxUint64,
		GetMiningInfoInterval:       3000,
		Timeout:                     5000,
		SubmissionRetryDelay:        3000,
		SubmissionMaxRetries:        3,
		SubmissionRequestsPerSecond: 5,
		HDDUseDirectIO:              true,
		CPUWorkerThreadCount:        runtime.NumCPU(),
		CPUNoncesPerCache:           65536,
		CPUHasher:                   "auto",
		AccelNoncesPerCache:         262144,
		AccelBackend:                "host",
		BenchmarkOnly:               BenchmarkDisabled,
		ConsoleLogLevel:             "info",
		LogFormat:                   "text",
		LogfileLogLevel:             "warn",
		LogfileMaxSizeMB:            20,
		LogfileMaxBackups:           5,
		HistoryFormat:               "parquet",
		HistoryBatch:                16,
	}
}

// Load reads the YAML file at path on top of Default and applies
// environment overrides. A missing file is tolerated when POC_URL is set.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && os.Getenv("POC_URL") != "":
		slog.Info("config file not found, using environment", "component", "config", "path", path)
	default:
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides selected settings from POC_* environment variables.
func applyEnv(cfg *Config) error {
	cfg.URL = getenvDefault("POC_URL", cfg.URL)
	if v := os.Getenv("POC_PLOT_DIRS"); v != "" {
		cfg.PlotDirs = splitList(v)
	}
	cfg.ConsoleLogLevel = getenvDefault("POC_LOG_LEVEL", cfg.ConsoleLogLevel)
	cfg.LogFormat = getenvDefault("POC_LOG_FORMAT", cfg.LogFormat)
	cfg.MetricsAddress = getenvDefault("POC_METRICS_ADDRESS", cfg.MetricsAddress)
	cfg.CheckpointDir = getenvDefault("POC_CHECKPOINT_DIR", cfg.CheckpointDir)
	cfg.HistoryURL = getenvDefault("POC_HISTORY_URL", cfg.HistoryURL)
	cfg.HistoryPostgresDSN = getenvDefault("POC_HISTORY_DSN", cfg.HistoryPostgresDSN)
	cfg.BenchmarkOnly = getenvDefault("POC_BENCHMARK", cfg.BenchmarkOnly)

	var err error
	if cfg.CPUWorkerThreadCount, err = getenvInt("POC_CPU_WORKERS", cfg.CPUWorkerThreadCount); err != nil {
		return err
	}
	if cfg.AccelWorkerThreadCount, err = getenvInt("POC_ACCEL_WORKERS", cfg.AccelWorkerThreadCount); err != nil {
		return err
	}
	if v := os.Getenv("POC_DIRECT_IO"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse POC_DIRECT_IO: %w", err)
		}
		cfg.HDDUseDirectIO = b
	}
	return nil
}

// Validate checks the configuration for settings the miner cannot run with.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("url must be set")
	}
	if c.CPUWorkerThreadCount < 0 || c.AccelWorkerThreadCount < 0 {
		return errors.New("worker thread counts must not be negative")
	}
	if c.CPUWorkerThreadCount == 0 && c.AccelWorkerThreadCount == 0 {
		return ErrNoWorkers
	}
	if c.CPUWorkerThreadCount > 0 && c.CPUNoncesPerCache <= 0 {
		return errors.New("cpu_nonces_per_cache must be positive")
	}
	if c.AccelWorkerThreadCount > 0 && c.AccelNoncesPerCache <= 0 {
		return errors.New("accel_nonces_per_cache must be positive")
	}
	if c.HDDUseDirectIO {
		if c.CPUNoncesPerCache%8 != 0 || c.AccelNoncesPerCache%8 != 0 {
			return errors.New("nonces_per_cache must be divisible by 8 when using direct io")
		}
	}
	if c.AccelAsync && c.AccelWorkerThreadCount > 1 {
		return errors.New("accel_async supports a single accelerator worker")
	}
	switch c.Benchmark() {
	case BenchmarkDisabled, BenchmarkIO, BenchmarkXPU:
	default:
		return fmt.Errorf("unknown benchmark_only mode %q", c.BenchmarkOnly)
	}
	switch c.HistoryFormat {
	case "", "parquet", "jsonl.zst":
	default:
		return fmt.Errorf("unknown history_format %q", c.HistoryFormat)
	}
	if !logging.ValidLevel(c.ConsoleLogLevel) || !logging.ValidLevel(c.LogfileLogLevel) {
		return errors.New("unknown log level")
	}
	if c.HDDReaderThreadCount < 0 {
		return errors.New("hdd_reader_thread_count must not be negative")
	}
	return nil
}

// PollInterval returns the mining info interval clamped to the minimum.
func (c Config) PollInterval() uint64 {
	if c.GetMiningInfoInterval < MinMiningInfoInterval {
		return MinMiningInfoInterval
	}
	return c.GetMiningInfoInterval
}

// Benchmark returns the normalized benchmark mode.
func (c Config) Benchmark() string {
	if c.BenchmarkOnly == "" {
		return BenchmarkDisabled
	}
	return strings.ToLower(c.BenchmarkOnly)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
