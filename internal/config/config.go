// Package `config` collects every uploader knob into an explicit `Config`
// with documented defaults.  Only the command launcher reads the
// environment; the rest of the program receives a `Config`.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults.  The environment variable names are the historical ones and are
// kept for compatibility with existing cron setups.
const (
	DefaultChunkSizeMB             = 100
	DefaultDelayBetweenIncrements  = 600 * time.Second
	DefaultRunCompletionTimeoutDay = 16
	DefaultRetryMaxAttempts        = 12
	DefaultRetryDelay              = 600 * time.Second
	DefaultTerraTable              = "flowcell"
	DefaultRecentWindow            = 180 * time.Second
)

// `DefaultStaticExclusions` are directory names that are never worth
// archiving.  `TAR_EXCLUSIONS` overrides the list.
var DefaultStaticExclusions = []string{
	"Thumbnail_Images",
	"Images",
	"FocusModelGeneration",
	"Autocenter",
	"InstrumentAnalyticsLogs",
	"Logs",
}

type Config struct {
	// `ChunkSize` is the growth in source bytes that triggers a new
	// snapshot.
	ChunkSize int64

	// `DelayBetweenIncrements` is the poll interval.
	DelayBetweenIncrements time.Duration

	// `RunCompletionTimeout` bounds both the age of `RunInfo.xml` at
	// startup and the total controller wall time.
	RunCompletionTimeout time.Duration

	// `StagingRoot` is the local directory that holds per-run staging
	// subdirectories.  Empty means: let the platform probe choose.
	StagingRoot string

	// Upload retry: attempt `n` sleeps `n * RetryDelay` before retrying.
	RetryMaxAttempts int
	RetryDelay       time.Duration

	// `TerraTable` is the table name in the tabular-import TSV header.
	TerraTable string

	// `StaticExclusions` are tree names excluded from every snapshot.
	StaticExclusions []string

	// `RecentWindow` is the dynamic-exclusion mtime window for non-final
	// snapshots.
	RecentWindow time.Duration

	// Capability flags.  `CheckDevice` is false on NFS sources, where
	// device numbers may change across remounts.  `Appliance` is set by
	// the platform probe.  `CronInvoked` is recorded in chunk labels and
	// the provenance sidecar.
	CheckDevice bool
	Appliance   bool
	CronInvoked bool

	// `LimitBytesPerSec` throttles the uncompressed tar stream; zero
	// means unlimited.  Set from the command line, not the environment.
	LimitBytesPerSec uint64
}

// `Default()` returns the built-in defaults.
func Default() Config {
	return Config{
		ChunkSize:              DefaultChunkSizeMB * 1024 * 1024,
		DelayBetweenIncrements: DefaultDelayBetweenIncrements,
		RunCompletionTimeout:   DefaultRunCompletionTimeoutDay * 24 * time.Hour,
		RetryMaxAttempts:       DefaultRetryMaxAttempts,
		RetryDelay:             DefaultRetryDelay,
		TerraTable:             DefaultTerraTable,
		StaticExclusions:       append([]string(nil), DefaultStaticExclusions...),
		RecentWindow:           DefaultRecentWindow,
		CheckDevice:            false, // SOURCE_PATH_IS_ON_NFS defaults to true.
	}
}

// `FromEnv()` returns the defaults with environment overrides applied.  If
// `SEQUPLOAD_CONFIG` names a config file, the file is loaded first, so that
// the environment always wins.
func FromEnv() (Config, error) {
	cfg := Default()

	if file := os.Getenv("SEQUPLOAD_CONFIG"); file != "" {
		if err := loadFile(file, &cfg); err != nil {
			return cfg, fmt.Errorf(
				"failed to load config file `%s`: %w", file, err,
			)
		}
	}

	if v, ok, err := envInt64("CHUNK_SIZE_MB"); err != nil {
		return cfg, err
	} else if ok {
		cfg.ChunkSize = v * 1024 * 1024
	}
	if v, ok, err := envSeconds("DELAY_BETWEEN_INCREMENTS_SEC"); err != nil {
		return cfg, err
	} else if ok {
		cfg.DelayBetweenIncrements = v
	}
	if v, ok, err := envInt64("RUN_COMPLETION_TIMEOUT_DAYS"); err != nil {
		return cfg, err
	} else if ok {
		cfg.RunCompletionTimeout = time.Duration(v) * 24 * time.Hour
	}
	if v := os.Getenv("STAGING_AREA_PATH"); v != "" {
		cfg.StagingRoot = v
	}
	if v, ok, err := envInt64("RSYNC_RETRY_MAX_ATTEMPTS"); err != nil {
		return cfg, err
	} else if ok {
		cfg.RetryMaxAttempts = int(v)
	}
	if v, ok, err := envSeconds("RSYNC_RETRY_DELAY_SEC"); err != nil {
		return cfg, err
	} else if ok {
		cfg.RetryDelay = v
	}
	if v := os.Getenv("TERRA_RUN_TABLE_NAME"); v != "" {
		cfg.TerraTable = v
	}
	if v := os.Getenv("TAR_EXCLUSIONS"); v != "" {
		cfg.StaticExclusions = strings.Fields(v)
	}
	if v := os.Getenv("SOURCE_PATH_IS_ON_NFS"); v != "" {
		cfg.CheckDevice = !isTruthy(v)
	}
	cfg.CronInvoked = isTruthy(os.Getenv("CRON_INVOKED"))

	return cfg, nil
}

func envInt64(key string) (int64, bool, error) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s: %v", key, err)
	}
	if v < 0 {
		return 0, false, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return v, true, nil
}

func envSeconds(key string) (time.Duration, bool, error) {
	v, ok, err := envInt64(key)
	return time.Duration(v) * time.Second, ok, err
}

func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "y", "yes":
		return true
	default:
		return false
	}
}
