package snapshot

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tarTypeGNUVolumeHeader is not exposed by the stdlib archive/tar package.
const tarTypeGNUVolumeHeader = 'V'

// `readMembers()` decompresses the byte concatenation of chunks and returns
// the tar members by name.  Volume labels are returned under their label
// text prefixed with `V:`.
func readMembers(t *testing.T, chunks ...[]byte) map[string][]byte {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(bytes.Join(chunks, nil)))
	require.NoError(t, err, "concatenation must be valid multistream gzip")
	tr := tar.NewReader(zr)
	members := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag == tarTypeGNUVolumeHeader {
			members["V:"+hdr.Name] = nil
			continue
		}
		var buf bytes.Buffer
		_, err = io.Copy(&buf, tr)
		require.NoError(t, err)
		members[hdr.Name] = buf.Bytes()
	}
	return members
}

func fakeClock(start int64) func() time.Time {
	t := start
	return func() time.Time {
		t += 60
		return time.Unix(t, 0)
	}
}

func writeFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0777))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestSnapshotIncrementalConcatenation(t *testing.T) {
	src := t.TempDir()
	staging := t.TempDir()
	indexPath := filepath.Join(staging, "index.json")

	writeFile(t, src, "RunInfo.xml", "<RunInfo/>")
	writeFile(t, src, "Data/a.bin", "aaaa")

	opts := Options{
		SourceRoot: src,
		RunID:      "run1",
		IndexPath:  indexPath,
		StagingDir: staging,
		Label:      LabelInfo{RunIDShort: "run1", Host: "h"},
		Now:        fakeClock(1700000000),
	}

	res1, err := Snapshot(opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res1.Number)
	assert.NotEmpty(t, res1.Gen)
	require.NoError(t, PromotePending(indexPath))

	chunk1, err := os.ReadFile(res1.ChunkPath)
	require.NoError(t, err)

	// Modify one file, add another; the directory mtime changes too.
	time.Sleep(10 * time.Millisecond)
	writeFile(t, src, "Data/a.bin", "aaaa-v2")
	writeFile(t, src, "Data/b.bin", "bbbb")

	final := opts
	final.IsFinal = true
	res2, err := Snapshot(final)
	require.NoError(t, err)
	assert.Equal(t, 2, res2.Number)
	assert.NotEqual(t, res1.Gen, res2.Gen)
	assert.NotEqual(t, res1.ChunkPath, res2.ChunkPath)
	require.NoError(t, PromotePending(indexPath))

	chunk2, err := os.ReadFile(res2.ChunkPath)
	require.NoError(t, err)

	// Chunk 1 alone must already be a readable tar stream.
	m1 := readMembers(t, chunk1)
	assert.Contains(t, m1, "run1/")
	assert.Equal(t, []byte("<RunInfo/>"), m1["run1/RunInfo.xml"])
	assert.Equal(t, []byte("aaaa"), m1["run1/Data/a.bin"])

	// The concatenation holds the union, with the updated content last.
	all := readMembers(t, chunk1, chunk2)
	assert.Equal(t, []byte("aaaa-v2"), all["run1/Data/a.bin"])
	assert.Equal(t, []byte("bbbb"), all["run1/Data/b.bin"])
	assert.Equal(t, []byte("<RunInfo/>"), all["run1/RunInfo.xml"])

	// Unchanged files are not re-emitted in chunk 2.
	m2 := readMembers(t, func() []byte {
		// Chunk 2 alone is final, so it is a complete tar by itself.
		return chunk2
	}())
	assert.NotContains(t, m2, "run1/RunInfo.xml")
	assert.Contains(t, m2, "run1/Data/b.bin")
}

func TestSnapshotNoChanges(t *testing.T) {
	src := t.TempDir()
	staging := t.TempDir()
	indexPath := filepath.Join(staging, "index.json")
	writeFile(t, src, "a.txt", "a")

	opts := Options{
		SourceRoot: src,
		RunID:      "r",
		IndexPath:  indexPath,
		StagingDir: staging,
		Now:        fakeClock(1700000000),
	}
	res1, err := Snapshot(opts)
	require.NoError(t, err)
	require.NoError(t, PromotePending(indexPath))
	assert.Greater(t, res1.Members, 1)

	res2, err := Snapshot(opts)
	require.NoError(t, err)
	// Only the volume label; nothing changed.
	assert.Equal(t, 1, res2.Members)
}

func TestSnapshotDeviceCheck(t *testing.T) {
	src := t.TempDir()
	staging := t.TempDir()
	indexPath := filepath.Join(staging, "index.json")
	writeFile(t, src, "a.txt", "a")
	writeFile(t, src, "b.txt", "b")

	opts := Options{
		SourceRoot: src,
		RunID:      "r",
		IndexPath:  indexPath,
		StagingDir: staging,
		Now:        fakeClock(1700000000),
	}
	_, err := Snapshot(opts)
	require.NoError(t, err)
	require.NoError(t, PromotePending(indexPath))

	// Simulate an NFS remount: every device number changes.
	idx, err := LoadIndex(indexPath)
	require.NoError(t, err)
	for rel, e := range idx.Entries {
		e.Dev++
		idx.Entries[rel] = e
	}
	require.NoError(t, idx.WritePending(indexPath))
	require.NoError(t, PromotePending(indexPath))

	res, err := Snapshot(opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Members,
		"device-only changes must not re-emit files")
	require.NoError(t, DiscardPending(indexPath))

	withDev := opts
	withDev.CheckDevice = true
	res, err = Snapshot(withDev)
	require.NoError(t, err)
	assert.Greater(t, res.Members, 1,
		"device changes count when device checking is on")
}

func TestSnapshotExclusions(t *testing.T) {
	src := t.TempDir()
	staging := t.TempDir()
	indexPath := filepath.Join(staging, "index.json")
	writeFile(t, src, "keep.txt", "k")
	writeFile(t, src, "Logs/log.txt", "l")

	opts := Options{
		SourceRoot: src,
		RunID:      "r",
		IndexPath:  indexPath,
		StagingDir: staging,
		Exclude: func(rel string, fi fs.FileInfo) bool {
			return rel == "Logs"
		},
		IsFinal: true,
		Now:     fakeClock(1700000000),
	}
	res, err := Snapshot(opts)
	require.NoError(t, err)

	chunk, err := os.ReadFile(res.ChunkPath)
	require.NoError(t, err)
	members := readMembers(t, chunk)
	assert.Contains(t, members, "r/keep.txt")
	assert.NotContains(t, members, "r/Logs/")
	assert.NotContains(t, members, "r/Logs/log.txt")
}

func TestSnapshotSymlink(t *testing.T) {
	src := t.TempDir()
	staging := t.TempDir()
	indexPath := filepath.Join(staging, "index.json")
	writeFile(t, src, "target.txt", "t")
	require.NoError(t, os.Symlink("target.txt", filepath.Join(src, "link")))

	opts := Options{
		SourceRoot: src,
		RunID:      "r",
		IndexPath:  indexPath,
		StagingDir: staging,
		IsFinal:    true,
		Now:        fakeClock(1700000000),
	}
	res, err := Snapshot(opts)
	require.NoError(t, err)

	chunk, err := os.ReadFile(res.ChunkPath)
	require.NoError(t, err)

	zr, err := gzip.NewReader(bytes.NewReader(chunk))
	require.NoError(t, err)
	tr := tar.NewReader(zr)
	found := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Name == "r/link" {
			found = true
			assert.Equal(t, byte(tar.TypeSymlink), hdr.Typeflag)
			assert.Equal(t, "target.txt", hdr.Linkname)
		}
	}
	assert.True(t, found)
}

func TestSnapshotFailureLeavesNoPendingIndex(t *testing.T) {
	staging := t.TempDir()
	indexPath := filepath.Join(staging, "index.json")
	opts := Options{
		SourceRoot: filepath.Join(staging, "does-not-exist"),
		RunID:      "r",
		IndexPath:  indexPath,
		StagingDir: staging,
		Now:        fakeClock(1700000000),
	}
	_, err := Snapshot(opts)
	require.Error(t, err)
	assert.NoFileExists(t, PendingPath(indexPath))

	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed snapshot must clean its partial chunk")
}

func TestChunkNamesMonotonicWithinOneSecond(t *testing.T) {
	src := t.TempDir()
	staging := t.TempDir()
	indexPath := filepath.Join(staging, "index.json")
	writeFile(t, src, "a.txt", "a")

	frozen := func() time.Time { return time.Unix(1700000000, 0) }
	opts := Options{
		SourceRoot: src,
		RunID:      "r",
		IndexPath:  indexPath,
		StagingDir: staging,
		Now:        frozen,
	}

	res1, err := Snapshot(opts)
	require.NoError(t, err)
	require.NoError(t, PromotePending(indexPath))
	res2, err := Snapshot(opts)
	require.NoError(t, err)

	assert.Equal(t, "1700000000_part-1.tar.gz",
		filepath.Base(res1.ChunkPath))
	assert.Equal(t, "1700000001_part-1.tar.gz",
		filepath.Base(res2.ChunkPath))
}

func TestIsChunkName(t *testing.T) {
	assert.True(t, IsChunkName("1700000000_part-1.tar.gz"))
	assert.False(t, IsChunkName("_part-1.tar.gz"))
	assert.False(t, IsChunkName("index.json"))
	assert.False(t, IsChunkName("x1700_part-1.tar.gz"))
}
