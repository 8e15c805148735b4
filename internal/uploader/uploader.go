// Package `uploader` drives the lifecycle of one run: pre-flight checks,
// the poll/measure loop, snapshot and upload triggers, completion, the
// compose step, and the metadata sidecars.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/broadinstitute/sequence-upload-to-gs/internal/compose"
	"github.com/broadinstitute/sequence-upload-to-gs/internal/config"
	"github.com/broadinstitute/sequence-upload-to-gs/internal/exclude"
	"github.com/broadinstitute/sequence-upload-to-gs/internal/platform"
	"github.com/broadinstitute/sequence-upload-to-gs/internal/sidecar"
	"github.com/broadinstitute/sequence-upload-to-gs/internal/snapshot"
	"github.com/broadinstitute/sequence-upload-to-gs/internal/store"
	"github.com/broadinstitute/sequence-upload-to-gs/internal/upload"
	"github.com/broadinstitute/sequence-upload-to-gs/pkg/flock"
	"github.com/broadinstitute/sequence-upload-to-gs/pkg/ratelimit"
)

var (
	ErrStaleRun       = errors.New("stale run")
	ErrTimeout        = errors.New("run did not complete in time")
	ErrInterrupted    = errors.New("interrupted")
	ErrAlreadyStaged  = errors.New("another uploader owns the staging directory")
	ErrBadArguments   = errors.New("bad arguments")
	ErrSnapshotFailed = errors.New("snapshot failed")
)

// Sentinel files whose appearance marks the end of instrument writes.
var completionSentinels = []string{"RTAComplete.txt", "RTAComplete.xml"}

// `finalQuiesce` lets late writes settle after the completion sentinel
// appears and the filesystem sync hint is issued.
const finalQuiesce = 10 * time.Second

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

// `Run` is the immutable identity of one uploader invocation.
type Run struct {
	ID         string
	SourcePath string
	DestPrefix string
}

// `NewRun()` validates the arguments.  The run id is the terminal path
// segment of the source.
func NewRun(sourcePath, destPrefix string) (Run, error) {
	abs, err := filepath.Abs(sourcePath)
	if err != nil {
		return Run{}, fmt.Errorf("%w: %v", ErrBadArguments, err)
	}
	inf, err := os.Stat(abs)
	if err != nil {
		return Run{}, fmt.Errorf("%w: %v", ErrBadArguments, err)
	}
	if !inf.IsDir() {
		return Run{}, fmt.Errorf(
			"%w: `%s` is not a directory", ErrBadArguments, sourcePath,
		)
	}
	if _, _, err := store.SplitURI(destPrefix); err != nil {
		return Run{}, fmt.Errorf("%w: %v", ErrBadArguments, err)
	}
	id := filepath.Base(abs)
	return Run{ID: id, SourcePath: abs, DestPrefix: destPrefix}, nil
}

// Remote layout under `<prefix>/<run_id>/`.
func (r Run) destDir() string { return store.JoinURI(r.DestPrefix, r.ID) }

func (r Run) finalURI() string { return store.JoinURI(r.destDir(), r.ID+".tar.gz") }

func (r Run) partsPrefix() string { return store.JoinURI(r.destDir(), "parts") }

type Controller struct {
	Run   Run
	Cfg   config.Config
	Store store.Client
	Lg    Logger
	Probe *platform.Probe

	// `Version` is recorded in the provenance sidecar.
	Version string

	// `Limit` throttles the tar stream; nil is unlimited.
	Limit *ratelimit.Bucket

	// Injectable for tests.  Defaults: `time.Now`, interruptible
	// `time.Sleep`, `unix.Sync`, 10s quiesce values.
	Now            func() time.Time
	Sleep          func(ctx context.Context, d time.Duration) error
	SyncFS         func()
	FinalQuiesce   time.Duration
	ComposeQuiesce time.Duration

	stagingDir  string
	lock        *flock.Flock
	cleanupOnce sync.Once

	startedAt  time.Time
	increments int
	lastGen    string
	lastSize   int64
}

func (c *Controller) init() {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Sleep == nil {
		c.Sleep = sleepCtx
	}
	if c.SyncFS == nil {
		c.SyncFS = sysSync
	}
	if c.FinalQuiesce == 0 {
		c.FinalQuiesce = finalQuiesce
	}
	c.stagingDir = filepath.Join(c.Probe.StagingRoot, c.Run.ID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// `Execute()` runs the full state machine.  It returns nil on success,
// `ErrInterrupted` if the context was cancelled, and the fatal error
// otherwise.  Staging is removed on success and on interruption; it is
// preserved on other failures so that a later invocation can resume from
// the persisted index.
func (c *Controller) Execute(ctx context.Context) error {
	c.init()
	c.startedAt = c.Now()

	done, err := c.precheck(ctx)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	if err := c.initStaging(ctx); err != nil {
		return err
	}
	defer c.unlockStaging()

	if err := c.uploadSideloads(ctx); err != nil {
		return c.wrapInterrupt(err)
	}

	if err := c.pollLoop(ctx); err != nil {
		return c.wrapInterrupt(err)
	}

	if err := c.finalize(ctx); err != nil {
		return c.wrapInterrupt(err)
	}

	c.Cleanup()
	c.Lg.Infow(
		"Run uploaded.",
		"run", c.Run.ID,
		"dest", c.Run.finalURI(),
		"increments", c.increments,
	)
	return nil
}

// `wrapInterrupt()` maps context cancellation to `ErrInterrupted` and
// applies the interrupt cleanup policy.
func (c *Controller) wrapInterrupt(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		c.Cleanup()
		return fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	return err
}

// `Cleanup()` removes the staging directory.  It is idempotent and safe to
// call from a signal handler path while `Execute()` is unwinding.
func (c *Controller) Cleanup() {
	c.cleanupOnce.Do(func() {
		if c.stagingDir == "" {
			return
		}
		if err := os.RemoveAll(c.stagingDir); err != nil {
			c.Lg.Warnw(
				"Failed to remove staging directory.",
				"dir", c.stagingDir,
				"err", err,
			)
			return
		}
		c.Lg.Infow("Removed staging directory.", "dir", c.stagingDir)
	})
}

// `precheck()` implements the idempotent short-circuit and the stale-run
// guard.
func (c *Controller) precheck(ctx context.Context) (done bool, err error) {
	ok, err := c.Store.Exists(ctx, c.Run.finalURI())
	if err != nil {
		return false, err
	}
	if ok {
		c.Lg.Infow(
			"Final archive already exists; nothing to do.",
			"dest", c.Run.finalURI(),
		)
		return true, nil
	}

	mtime, err := c.runInfoMtime()
	if err != nil {
		return false, err
	}
	if age := c.Now().Sub(mtime); age > c.Cfg.RunCompletionTimeout {
		return false, fmt.Errorf(
			"%w: `RunInfo.xml` is %s old, limit %s",
			ErrStaleRun, age.Round(time.Hour),
			c.Cfg.RunCompletionTimeout,
		)
	}
	return false, nil
}

func (c *Controller) runInfoMtime() (time.Time, error) {
	inf, err := os.Stat(filepath.Join(c.Run.SourcePath, "RunInfo.xml"))
	if err == nil {
		return inf.ModTime(), nil
	}
	if !os.IsNotExist(err) {
		return time.Time{}, err
	}
	// Young runs may not have written `RunInfo.xml` yet; fall back to
	// the run directory itself.
	inf, err = os.Stat(c.Run.SourcePath)
	if err != nil {
		return time.Time{}, err
	}
	return inf.ModTime(), nil
}

// `initStaging()` creates the per-run staging directory and takes its lock.
// Losing the lock race means another uploader owns the run; that instance
// will finish the work, so this one exits successfully.
func (c *Controller) initStaging(ctx context.Context) error {
	if err := os.MkdirAll(c.stagingDir, 0777); err != nil {
		return err
	}
	lk, err := flock.Open(c.stagingDir)
	if err != nil {
		return err
	}
	lockCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := lk.TryLock(lockCtx, 200*time.Millisecond); err != nil {
		lk.Close()
		return fmt.Errorf("%w: %v", ErrAlreadyStaged, err)
	}
	c.lock = lk
	c.Lg.Infow("Staging initialized.", "dir", c.stagingDir)
	return nil
}

func (c *Controller) unlockStaging() {
	if c.lock != nil {
		_ = c.lock.Unlock()
		c.lock.Close()
		c.lock = nil
	}
}

// `uploadSideloads()` copies `SampleSheet.csv` and `RunInfo.xml` as their
// own objects, skipping files that are absent locally or already present
// remotely.
func (c *Controller) uploadSideloads(ctx context.Context) error {
	for _, name := range []string{"SampleSheet.csv", "RunInfo.xml"} {
		local := filepath.Join(c.Run.SourcePath, name)
		if _, err := os.Stat(local); os.IsNotExist(err) {
			continue
		} else if err != nil {
			return err
		}
		uri := store.JoinURI(c.Run.destDir(), c.Run.ID+"_"+name)
		ok, err := c.Store.Exists(ctx, uri)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := c.Store.Upload(ctx, local, uri); err != nil {
			return err
		}
		c.Lg.Infow("Uploaded run metadata file.", "uri", uri)
	}
	return nil
}

// `pollLoop()` is POLL/MEASURE/SNAPSHOT: sleep the configured interval,
// then either finish on the completion sentinel, snapshot on sufficient
// growth, or abort on timeout.
func (c *Controller) pollLoop(ctx context.Context) error {
	for {
		c.SyncFS()
		if err := c.Sleep(ctx, c.Cfg.DelayBetweenIncrements); err != nil {
			return err
		}

		if c.sentinelPresent() {
			c.Lg.Infow("Completion sentinel found.", "run", c.Run.ID)
			return nil
		}

		size, err := c.measure()
		if err != nil {
			return err
		}
		if size-c.lastSize >= c.Cfg.ChunkSize {
			if err := c.snapshotAndShip(ctx, false); err != nil {
				return err
			}
			c.lastSize = size
		}

		if c.Now().Sub(c.startedAt) >= c.Cfg.RunCompletionTimeout {
			return fmt.Errorf(
				"%w: exceeded %s",
				ErrTimeout, c.Cfg.RunCompletionTimeout,
			)
		}
	}
}

func (c *Controller) sentinelPresent() bool {
	for _, s := range completionSentinels {
		if _, err := os.Stat(
			filepath.Join(c.Run.SourcePath, s),
		); err == nil {
			return true
		}
	}
	return false
}

// `snapshotAndShip()` emits one chunk and makes it durable.  The snapshot
// index advances only after the upload pipeline reports durability.
func (c *Controller) snapshotAndShip(ctx context.Context, final bool) error {
	planner := &exclude.Planner{
		Static:       c.Cfg.StaticExclusions,
		RecentWindow: c.Cfg.RecentWindow,
	}
	plan := planner.Plan(c.Run.SourcePath, final, c.Now())

	id := c.Probe.WhoAmI()
	res, err := snapshot.Snapshot(snapshot.Options{
		SourceRoot:  c.Run.SourcePath,
		RunID:       c.Run.ID,
		IndexPath:   c.indexPath(),
		StagingDir:  c.stagingDir,
		Exclude:     plan.Match,
		IsFinal:     final,
		CheckDevice: c.Cfg.CheckDevice,
		Label: snapshot.LabelInfo{
			RunIDShort: shortRunID(c.Run.ID),
			Host:       platform.ShortHost(id.Host),
			User:       id.User,
			IP:         id.IP,
			Cron:       c.Cfg.CronInvoked,
		},
		Limit: c.Limit,
		Now:   c.Now,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}
	c.Lg.Infow(
		"Snapshot emitted.",
		"chunk", filepath.Base(res.ChunkPath),
		"increment", res.Number,
		"members", res.Members,
		"final", final,
	)

	pipe := &upload.Pipeline{
		Store:       c.Store,
		Lg:          c.Lg,
		MaxAttempts: c.Cfg.RetryMaxAttempts,
		Delay:       upload.LinearDelay(c.Cfg.RetryDelay),
		Sleep:       func(d time.Duration) { _ = c.Sleep(ctx, d) },
	}
	err = pipe.Ship(ctx, res.ChunkPath, c.Run.partsPrefix(), c.indexPath())
	if err != nil {
		return err
	}

	c.increments = res.Number
	c.lastGen = res.Gen
	return nil
}

// `finalize()` is FINAL_SNAPSHOT through CLEANUP: quiesce, emit the last
// chunk with the trailer and no dynamic exclusions, compose, and publish
// the sidecars.
func (c *Controller) finalize(ctx context.Context) error {
	c.SyncFS()
	if err := c.Sleep(ctx, c.FinalQuiesce); err != nil {
		return err
	}

	if err := c.snapshotAndShip(ctx, true); err != nil {
		return err
	}

	comp := &compose.Composer{
		Store:   c.Store,
		Lg:      c.Lg,
		Quiesce: c.ComposeQuiesce,
		Sleep:   func(d time.Duration) { _ = c.Sleep(ctx, d) },
	}
	err := comp.Run(ctx, c.Run.finalURI(), c.Run.partsPrefix())
	if err != nil {
		return err
	}

	return c.emitSidecars(ctx)
}

func (c *Controller) emitSidecars(ctx context.Context) error {
	dest := c.Run.destDir()

	err := sidecar.UploadReadme(
		ctx, c.Store,
		store.JoinURI(dest, c.Run.ID+".tar.gz.README.txt"),
	)
	if err != nil {
		return err
	}

	size, err := c.measure()
	if err != nil {
		return err
	}

	id := c.Probe.WhoAmI()
	m := &sidecar.Metadata{
		RunBasename:     c.Run.ID,
		RunPath:         c.Run.SourcePath,
		Destination:     c.Run.finalURI(),
		InvocationID:    uuid.NewString(),
		UploaderVersion: c.Version,
		Increments:      c.increments,
		LastGen:         c.lastGen,
		SourceBytes:     size,
		CronInvoked:     c.Cfg.CronInvoked,
		Host:            id.Host,
		User:            id.User,
		IP:              id.IP,
		OS:              id.OS,
		Arch:            id.Arch,
		ChunkSizeBytes:  c.Cfg.ChunkSize,
		DelaySec:        int64(c.Cfg.DelayBetweenIncrements / time.Second),
		RetryMax:        c.Cfg.RetryMaxAttempts,
		RetryDelaySec:   int64(c.Cfg.RetryDelay / time.Second),
		Exclusions:      c.Cfg.StaticExclusions,
	}
	m.Times(c.startedAt, c.Now())
	err = sidecar.UploadMetadata(
		ctx, c.Store,
		store.JoinURI(dest, c.Run.ID+".upload_metadata.json"),
		m,
	)
	if err != nil {
		return err
	}

	return sidecar.UploadTerraTSV(
		ctx, c.Store,
		store.JoinURI(dest, c.Run.ID+".terra.tsv"),
		c.Cfg.TerraTable, c.Run.ID, c.Run.finalURI(),
	)
}

func (c *Controller) indexPath() string {
	return filepath.Join(c.stagingDir, "index.json")
}

// `shortRunID()` bounds the run id contribution to the volume label.
func shortRunID(id string) string {
	const max = 24
	if len(id) <= max {
		return id
	}
	return id[:max]
}
