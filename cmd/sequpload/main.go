// vim: sw=8

// `sequpload` incrementally uploads a growing Illumina run directory to a
// Google Cloud Storage prefix as a single concatenated gzipped tar.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/broadinstitute/sequence-upload-to-gs/internal/config"
	"github.com/broadinstitute/sequence-upload-to-gs/internal/platform"
	"github.com/broadinstitute/sequence-upload-to-gs/internal/store"
	"github.com/broadinstitute/sequence-upload-to-gs/internal/uploader"
	"github.com/broadinstitute/sequence-upload-to-gs/pkg/mulog"
	"github.com/broadinstitute/sequence-upload-to-gs/pkg/ratelimit"
	"github.com/broadinstitute/sequence-upload-to-gs/pkg/zap"
)

// `xVersion` and `xBuild` are injected by the `Makefile`.
var (
	xVersion string
	xBuild   string
	version  = fmt.Sprintf("sequpload-%s+%s", xVersion, xBuild)
)

// `qqBackticks()` translates double single quote to backtick.
func qqBackticks(s string) string {
	return strings.Replace(s, "''", "`", -1)
}

var usage = qqBackticks(strings.TrimSpace(`
Usage:
  sequpload [options] <src> <dstprefix>

Options:
  --log=<logger>  [default: mu]
        Specify logger: prod, dev, or mu.
  --staging=<dir>
        Override the staging root.  The default is
        ''/usr/local/illumina/seq-run-uploads'' on sequencer appliances and
        ''/tmp/seq-run-uploads'' elsewhere.  ''STAGING_AREA_PATH'' also
        overrides the default.
  --limit=<bandwidth>
        Bandwidth limit in bytes per second on the uncompressed tar stream.
        ''k'', ''m'', ... can be used, which are interpreted as binary SI.

''sequpload'' watches the run directory ''<src>'' and uploads it to
''<dstprefix>/<run_id>/'' while the instrument is still writing.  Every poll
interval it measures the tree; when the tree has grown by the configured
chunk size, it emits an incremental gzipped tar chunk and ships it to the
''parts/'' prefix.  When ''RTAComplete.txt'' or ''RTAComplete.xml'' appears,
it emits the final chunk and composes all chunks server-side into
''<run_id>.tar.gz'', followed by the README, provenance JSON, and table
import TSV sidecars.

The chunks are byte-level concatenable: each is a valid 512-byte-blocked tar
stream, and only the final chunk carries the end-of-archive trailer, so the
composed object extracts with any tar that accepts multi-member gzip input.

If the final archive already exists, ''sequpload'' exits 0 without touching
remote state, so it is safe to run from cron on every candidate directory.

Configuration environment variables, with defaults: ''CHUNK_SIZE_MB'' (100),
''DELAY_BETWEEN_INCREMENTS_SEC'' (600), ''RUN_COMPLETION_TIMEOUT_DAYS''
(16), ''STAGING_AREA_PATH'', ''RSYNC_RETRY_MAX_ATTEMPTS'' (12),
''RSYNC_RETRY_DELAY_SEC'' (600), ''TERRA_RUN_TABLE_NAME'' (flowcell),
''TAR_EXCLUSIONS'' (space-separated), ''SOURCE_PATH_IS_ON_NFS'' (true),
''CRON_INVOKED'', and ''SEQUPLOAD_CONFIG'' (optional YAML config file; a
''.hcl'' file is accepted but deprecated).
`))

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
	Fatalw(msg string, kv ...interface{})
}

var lg Logger = mulog.Logger{}

func main() {
	args := argparse()

	switch args["--log"].(string) {
	case "prod":
		l, err := zap.NewProduction()
		if err != nil {
			lg.Fatalw("Failed to create logger.", "err", err)
		}
		lg = l
	case "dev":
		l, err := zap.NewDevelopment()
		if err != nil {
			lg.Fatalw("Failed to create logger.", "err", err)
		}
		lg = l
	case "mu":
		lg = mulog.Logger{}
	default:
		lg.Fatalw("Invalid --log.")
	}

	cfg, err := config.FromEnv()
	if err != nil {
		lg.Fatalw("Invalid configuration.", "err", err)
	}
	if file := os.Getenv("SEQUPLOAD_CONFIG"); strings.HasSuffix(file, ".hcl") {
		lg.Warnw(
			"DEPRECATED `.hcl` config.  " +
				"You should migrate to a `.yml` config.",
		)
	}
	if d, ok := args["--staging"].(string); ok {
		cfg.StagingRoot = d
	}
	if v, ok := args["--limit"].(uint64); ok {
		cfg.LimitBytesPerSec = v
	}

	probe, err := platform.Detect(cfg.StagingRoot)
	if err != nil {
		lg.Fatalw("Platform probe failed.", "err", err)
	}
	cfg.Appliance = probe.Appliance
	if err := probe.VerifyCapabilities(); err != nil {
		lg.Fatalw("Missing required capability.", "err", err)
	}
	if probe.IPTool == nil {
		lg.Warnw("No `ip` tool; falling back to interface scan.")
	}

	run, err := uploader.NewRun(
		args["<src>"].(string), args["<dstprefix>"].(string),
	)
	if err != nil {
		lg.Fatalw("Invalid arguments.", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := store.NewGcs(ctx)
	if err != nil {
		lg.Fatalw("Failed to connect to object store.", "err", err)
	}

	var limit *ratelimit.Bucket
	if cfg.LimitBytesPerSec > 0 {
		limit = ratelimit.NewBucket(float64(cfg.LimitBytesPerSec))
	}

	ctl := &uploader.Controller{
		Run:     run,
		Cfg:     cfg,
		Store:   client,
		Lg:      lg,
		Probe:   probe,
		Version: version,
		Limit:   limit,
	}

	// First signal: cancel; the controller cleans staging and unwinds at
	// the next cooperative boundary.  A repeat signal terminates
	// immediately, without cleanup.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		lg.Warnw("Received signal; cleaning up.", "signal", s)
		cancel()
		s = <-sigs
		lg.Errorw("Received repeat signal; terminating.", "signal", s)
		os.Exit(1)
	}()

	lg.Infow(
		"Starting run upload.",
		"run", run.ID,
		"src", run.SourcePath,
		"dest", run.DestPrefix,
		"staging", probe.StagingRoot,
		"appliance", cfg.Appliance,
		"version", version,
	)
	if err := ctl.Execute(ctx); err != nil {
		if errors.Is(err, uploader.ErrAlreadyStaged) {
			// Another instance owns the staging directory and will
			// finish the run; this invocation has nothing to do.
			lg.Warnw(
				"Another uploader owns this run; exiting.",
				"run", run.ID,
			)
			return
		}
		lg.Fatalw("Run upload failed.", "run", run.ID, "err", err)
	}
}

func argparse() map[string]interface{} {
	const autoHelp = true
	const noOptionFirst = false
	args, err := docopt.Parse(
		usage, nil, autoHelp, version, noOptionFirst,
	)
	if err != nil {
		lg.Fatalw("docopt failed.", "err", err)
	}

	for _, k := range []string{
		"--limit",
	} {
		if arg, ok := args[k].(string); ok {
			v, err := parseUint64Si(arg)
			if err != nil {
				msg := fmt.Sprintf("Invalid %s.", k)
				lg.Fatalw(msg, "err", err)
			}
			args[k] = v
		}
	}

	return args
}

var siMap = map[string]uint64{
	"k": 1 << 10,
	"m": 1 << 20,
	"g": 1 << 30,
	"t": 1 << 40,
}

func parseUint64Si(s string) (uint64, error) {
	s = strings.ToLower(s)

	m := uint64(1)
	for suf, mult := range siMap {
		if strings.HasSuffix(s, suf) {
			m = mult
			s = s[0 : len(s)-len(suf)]
			break
		}
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		err := fmt.Errorf("must be positive, got %d", v)
		return 0, err
	}

	return uint64(v) * m, nil
}
