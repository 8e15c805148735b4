package snapshot

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSparseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sparse.bin")

	const realSize = 10050
	content := make([]byte, realSize)
	for i := 0; i < 100; i++ {
		content[i] = 'A'
	}
	for i := 10000; i < realSize; i++ {
		content[i] = 'B'
	}
	require.NoError(t, os.WriteFile(path, content, 0644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	fi, err := f.Stat()
	require.NoError(t, err)
	hdr, err := tar.FileInfoHeader(fi, "")
	require.NoError(t, err)
	hdr.Name = "r/sparse.bin"
	hdr.Format = tar.FormatPAX

	segs := []segment{
		{offset: 0, length: 100},
		{offset: 10000, length: 50},
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, writeSparse(tw, hdr, f, segs, realSize))
	require.NoError(t, tw.Close())

	tr := tar.NewReader(&buf)
	got, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "r/sparse.bin", got.Name)
	assert.Equal(t, int64(realSize), got.Size,
		"reader reports the logical size")

	var data bytes.Buffer
	_, err = io.Copy(&data, tr)
	require.NoError(t, err)
	assert.Equal(t, content, data.Bytes(),
		"holes read back as zeros, data extents intact")
}

func TestDetectSegmentsDenseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dense.bin")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{1}, 8192), 0644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	segs, err := detectSegments(f, 8192)
	require.NoError(t, err)
	assert.Nil(t, segs, "dense files are stored as plain members")
}

func TestDetectSegmentsHoles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "holey.bin")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("data"), 0)
	require.NoError(t, err)
	// A large trailing hole; most local filesystems store this sparsely.
	require.NoError(t, f.Truncate(1<<22))

	segs, err := detectSegments(f, 1<<22)
	require.NoError(t, err)
	if segs == nil {
		t.Skip("filesystem does not report holes")
	}
	require.NotEmpty(t, segs)
	assert.Equal(t, int64(0), segs[0].offset)
	var covered int64
	for _, s := range segs {
		covered += s.length
	}
	assert.Less(t, covered, int64(1<<22),
		"the hole must not be part of any data extent")
}
