package uploader

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/broadinstitute/sequence-upload-to-gs/internal/config"
	"github.com/broadinstitute/sequence-upload-to-gs/internal/platform"
	"github.com/broadinstitute/sequence-upload-to-gs/internal/store"
	"github.com/broadinstitute/sequence-upload-to-gs/pkg/mulog"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ChunkSize = 100 // bytes, so tests trigger snapshots easily
	cfg.DelayBetweenIncrements = 600 * time.Second
	cfg.RetryMaxAttempts = 3
	cfg.RetryDelay = time.Second
	cfg.RecentWindow = 0 // tests write files "now"
	return cfg
}

type testRig struct {
	ctl   *Controller
	fake  *store.Fake
	src   string
	clock *int64

	// `onPoll` runs before each poll-interval sleep returns; it is how
	// tests script directory growth.
	onPoll func(iteration int)
	polls  int
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		fake: store.NewFake(),
		src:  filepath.Join(t.TempDir(), "220101_M0001_0001_A000"),
	}
	require.NoError(t, os.MkdirAll(rig.src, 0777))

	clock := int64(1700000000)
	rig.clock = &clock

	run, err := NewRun(rig.src, "gs://bucket/runs")
	require.NoError(t, err)

	cfg := testConfig()
	rig.ctl = &Controller{
		Run:     run,
		Cfg:     cfg,
		Store:   rig.fake,
		Lg:      mulog.Printer{},
		Probe:   &platform.Probe{StagingRoot: t.TempDir()},
		Version: "sequpload-test",
		Now: func() time.Time {
			*rig.clock += 60
			return time.Unix(*rig.clock, 0)
		},
		Sleep: func(ctx context.Context, d time.Duration) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if d == cfg.DelayBetweenIncrements {
				rig.polls++
				if rig.onPoll != nil {
					rig.onPoll(rig.polls)
				}
			}
			return nil
		},
		SyncFS:         func() {},
		FinalQuiesce:   time.Nanosecond,
		ComposeQuiesce: time.Nanosecond,
	}
	return rig
}

func (r *testRig) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(r.src, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0777))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// tarTypeGNUVolumeHeader is not exposed by the stdlib archive/tar package.
const tarTypeGNUVolumeHeader = 'V'

// `archiveMembers()` decodes the final composed object.
func archiveMembers(t *testing.T, b []byte) map[string][]byte {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(b))
	require.NoError(t, err)
	tr := tar.NewReader(zr)
	members := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag == tarTypeGNUVolumeHeader {
			continue
		}
		var buf bytes.Buffer
		_, err = io.Copy(&buf, tr)
		require.NoError(t, err)
		members[hdr.Name] = buf.Bytes()
	}
	return members
}

func TestCompletionBeforeThreshold(t *testing.T) {
	rig := newRig(t)
	rig.write(t, "RunInfo.xml", "<RunInfo/>")
	rig.write(t, "SampleSheet.csv", "Sample_ID\ns1\n")
	rig.write(t, "RTAComplete.txt", "done")

	require.NoError(t, rig.ctl.Execute(context.Background()))

	runID := "220101_M0001_0001_A000"
	dest := "gs://bucket/runs/" + runID

	// One final chunk, one compose.
	assert.Equal(t, 1, rig.ctl.increments)
	require.Len(t, rig.fake.ComposeCalls, 1)
	assert.Equal(t, dest+"/"+runID+".tar.gz", rig.fake.ComposeCalls[0][0])

	final, ok := rig.fake.Object(dest + "/" + runID + ".tar.gz")
	require.True(t, ok)
	members := archiveMembers(t, final)
	assert.Equal(t, []byte("<RunInfo/>"), members[runID+"/RunInfo.xml"])
	assert.Equal(t, []byte("done"), members[runID+"/RTAComplete.txt"])

	// Sideloads and sidecars.
	for _, uri := range []string{
		dest + "/" + runID + "_RunInfo.xml",
		dest + "/" + runID + "_SampleSheet.csv",
		dest + "/" + runID + ".tar.gz.README.txt",
		dest + "/" + runID + ".upload_metadata.json",
		dest + "/" + runID + ".terra.tsv",
	} {
		_, ok := rig.fake.Object(uri)
		assert.True(t, ok, "missing sidecar %s", uri)
	}

	// Parts are gone, staging is gone.
	parts, err := rig.fake.List(
		context.Background(), dest+"/parts", "*.tar.gz",
	)
	require.NoError(t, err)
	assert.Empty(t, parts)
	assert.NoDirExists(t, rig.ctl.stagingDir)
}

func TestGrowthPastThreshold(t *testing.T) {
	rig := newRig(t)
	rig.write(t, "RunInfo.xml", "<RunInfo/>")
	rig.write(t, "Data/c1.bcl", strings.Repeat("a", 200))

	rig.onPoll = func(iteration int) {
		switch iteration {
		case 2:
			rig.write(t, "Data/c2.bcl", strings.Repeat("b", 200))
		case 3:
			rig.write(t, "RTAComplete.txt", "")
		}
	}

	require.NoError(t, rig.ctl.Execute(context.Background()))

	// Two growth snapshots plus the final one.
	assert.Equal(t, 3, rig.ctl.increments)

	runID := "220101_M0001_0001_A000"
	final, ok := rig.fake.Object(
		"gs://bucket/runs/" + runID + "/" + runID + ".tar.gz",
	)
	require.True(t, ok)
	members := archiveMembers(t, final)
	assert.Equal(t,
		[]byte(strings.Repeat("a", 200)), members[runID+"/Data/c1.bcl"])
	assert.Equal(t,
		[]byte(strings.Repeat("b", 200)), members[runID+"/Data/c2.bcl"])
	assert.Contains(t, members, runID+"/RTAComplete.txt")
}

func TestIdempotentReentry(t *testing.T) {
	rig := newRig(t)
	runID := "220101_M0001_0001_A000"
	finalURI := "gs://bucket/runs/" + runID + "/" + runID + ".tar.gz"
	rig.fake.Put(finalURI, []byte("existing"))
	before := rig.fake.URIs()

	require.NoError(t, rig.ctl.Execute(context.Background()))

	assert.Equal(t, before, rig.fake.URIs(), "remote state unmodified")
	assert.NoDirExists(t, rig.ctl.stagingDir,
		"staging is never created on short-circuit")
}

func TestStaleRun(t *testing.T) {
	rig := newRig(t)
	rig.write(t, "RunInfo.xml", "<RunInfo/>")
	old := time.Unix(*rig.clock-17*24*3600, 0)
	require.NoError(t, os.Chtimes(
		filepath.Join(rig.src, "RunInfo.xml"), old, old,
	))

	err := rig.ctl.Execute(context.Background())
	assert.ErrorIs(t, err, ErrStaleRun)
}

func TestTimeout(t *testing.T) {
	rig := newRig(t)
	rig.write(t, "RunInfo.xml", "<RunInfo/>")
	rig.ctl.Cfg.RunCompletionTimeout = 30 * time.Minute
	// No sentinel ever appears; the fake clock advances one minute per
	// reading, so the loop trips the timeout quickly.
	err := rig.ctl.Execute(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)

	assert.DirExists(t, rig.ctl.stagingDir,
		"staging preserved on timeout for later resume")
}

func TestInterruptedCleansStaging(t *testing.T) {
	rig := newRig(t)
	rig.write(t, "RunInfo.xml", "<RunInfo/>")

	ctx, cancel := context.WithCancel(context.Background())
	rig.onPoll = func(iteration int) {
		cancel()
	}

	err := rig.ctl.Execute(ctx)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.NoDirExists(t, rig.ctl.stagingDir)
}

func TestNewRunValidation(t *testing.T) {
	dir := t.TempDir()

	_, err := NewRun(filepath.Join(dir, "missing"), "gs://b/p")
	assert.ErrorIs(t, err, ErrBadArguments)

	_, err = NewRun(dir, "not-a-uri")
	assert.ErrorIs(t, err, ErrBadArguments)

	run, err := NewRun(dir, "gs://b/p")
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), run.ID)
}

func TestSecondControllerLosesStagingLock(t *testing.T) {
	rig := newRig(t)
	rig.write(t, "RunInfo.xml", "<RunInfo/>")

	first := rig.ctl
	first.init()
	require.NoError(t, first.initStaging(context.Background()))
	defer first.unlockStaging()

	second := &Controller{
		Run:   first.Run,
		Cfg:   first.Cfg,
		Store: first.Store,
		Lg:    first.Lg,
		Probe: first.Probe,
	}
	second.init()
	err := second.initStaging(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStaged)
}
