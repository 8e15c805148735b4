package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl"
	yaml "gopkg.in/yaml.v2"
)

// `fileConfig` is the on-disk schema.  All fields are optional; zero values
// leave the corresponding `Config` field untouched.
type fileConfig struct {
	ChunkSizeMB              int64  `yaml:"chunkSizeMB" hcl:"chunkSizeMB"`
	DelayBetweenIncrementsS  int64  `yaml:"delayBetweenIncrementsSec" hcl:"delayBetweenIncrementsSec"`
	RunCompletionTimeoutDays int64  `yaml:"runCompletionTimeoutDays" hcl:"runCompletionTimeoutDays"`
	StagingRoot              string `yaml:"stagingRoot" hcl:"stagingRoot"`
	RetryMaxAttempts         int    `yaml:"retryMaxAttempts" hcl:"retryMaxAttempts"`
	RetryDelaySec            int64  `yaml:"retryDelaySec" hcl:"retryDelaySec"`
	TerraTable               string `yaml:"terraTable" hcl:"terraTable"`
	Exclusions               string `yaml:"exclusions" hcl:"exclusions"`
	SourceOnNFS              *bool  `yaml:"sourceOnNFS" hcl:"sourceOnNFS"`
}

// `loadFile()` applies a `.yml` or, deprecated, a `.hcl` config file to
// `cfg`.
func loadFile(file string, cfg *Config) error {
	dat, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	var fc fileConfig
	switch {
	case strings.HasSuffix(file, ".yml"), strings.HasSuffix(file, ".yaml"):
		if err := yaml.Unmarshal(dat, &fc); err != nil {
			return err
		}
	case strings.HasSuffix(file, ".hcl"):
		// DEPRECATED.  The launcher warns; see cmd/sequpload.
		if err := hcl.Unmarshal(dat, &fc); err != nil {
			return err
		}
	default:
		return errors.New("unknown config file extension")
	}

	if fc.ChunkSizeMB < 0 || fc.DelayBetweenIncrementsS < 0 ||
		fc.RunCompletionTimeoutDays < 0 || fc.RetryMaxAttempts < 0 ||
		fc.RetryDelaySec < 0 {
		return fmt.Errorf("negative value in config file")
	}

	if fc.ChunkSizeMB > 0 {
		cfg.ChunkSize = fc.ChunkSizeMB * 1024 * 1024
	}
	if fc.DelayBetweenIncrementsS > 0 {
		cfg.DelayBetweenIncrements = time.Duration(fc.DelayBetweenIncrementsS) * time.Second
	}
	if fc.RunCompletionTimeoutDays > 0 {
		cfg.RunCompletionTimeout = time.Duration(fc.RunCompletionTimeoutDays) * 24 * time.Hour
	}
	if fc.StagingRoot != "" {
		cfg.StagingRoot = fc.StagingRoot
	}
	if fc.RetryMaxAttempts > 0 {
		cfg.RetryMaxAttempts = fc.RetryMaxAttempts
	}
	if fc.RetryDelaySec > 0 {
		cfg.RetryDelay = time.Duration(fc.RetryDelaySec) * time.Second
	}
	if fc.TerraTable != "" {
		cfg.TerraTable = fc.TerraTable
	}
	if fc.Exclusions != "" {
		cfg.StaticExclusions = strings.Fields(fc.Exclusions)
	}
	if fc.SourceOnNFS != nil {
		cfg.CheckDevice = !*fc.SourceOnNFS
	}

	return nil
}
