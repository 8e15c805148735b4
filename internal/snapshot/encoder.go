// Package `snapshot` implements the incremental tar encoder.  Each call to
// `Snapshot()` emits one gzipped tar chunk containing the files that are new
// or changed relative to the persisted index, using an in-process streaming
// chain: tar writer, trailer trimmer, gzip writer.
//
// Chunks are byte-level concatenable: all chunks use the 512-byte blocking
// factor without record padding, and every chunk except the final one has
// the two 512-byte zero end-of-archive blocks trimmed, so that the
// decompressed concatenation of chunks 1..k is a single valid tar stream.
package snapshot

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/broadinstitute/sequence-upload-to-gs/pkg/ratelimit"
	"github.com/broadinstitute/sequence-upload-to-gs/pkg/ulid"
)

// `ExcludeFunc` reports whether the file at slash-separated `rel` should be
// skipped.  Returning true for a directory skips its whole subtree.
type ExcludeFunc func(rel string, fi fs.FileInfo) bool

type Options struct {
	// `SourceRoot` is the run directory to snapshot.
	SourceRoot string

	// `RunID` prefixes all member names, so that the archive extracts
	// into a single `<run_id>/` tree.
	RunID string

	// `IndexPath` is the live snapshot index.  `Snapshot()` never writes
	// it; the updated state goes to `PendingPath(IndexPath)` and is
	// promoted by the upload pipeline after the chunk is durable.
	IndexPath string

	// `StagingDir` receives the chunk.
	StagingDir string

	// `Exclude` may be nil.
	Exclude ExcludeFunc

	// `IsFinal` keeps the end-of-archive trailer in the chunk.
	IsFinal bool

	// `CheckDevice` includes the device number in change detection.
	// Keep it off for NFS sources, where a remount changes the device
	// number of every file.
	CheckDevice bool

	// `Label` provides the volume-label provenance.  `Increment` is
	// filled in from the index.
	Label LabelInfo

	// `Limit` throttles the uncompressed tar stream; nil is unlimited.
	Limit *ratelimit.Bucket

	// `Now` defaults to `time.Now`.
	Now func() time.Time
}

type Result struct {
	// `ChunkPath` is the emitted chunk in the staging directory.
	ChunkPath string

	// `Number` is the snapshot ordinal, starting at 1.
	Number int

	// `Gen` is the generation tag recorded in the pending index.
	Gen string

	// `Members` counts tar members written, the run root included.
	Members int

	// `Bytes` counts uncompressed member payload bytes.
	Bytes int64
}

// `Snapshot()` emits one chunk and writes the pending index.  On error, the
// partial chunk and the pending index are removed; the live index is never
// touched.
func Snapshot(opts Options) (*Result, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	idx, err := LoadIndex(opts.IndexPath)
	if err != nil {
		return nil, err
	}

	gen, err := ulid.NewString()
	if err != nil {
		return nil, err
	}
	next := NewIndex()
	next.Number = idx.Number + 1
	next.Gen = gen

	ts := now().UTC()
	epoch := ts.Unix()
	if epoch <= idx.LastEpoch {
		epoch = idx.LastEpoch + 1
	}
	next.LastEpoch = epoch
	chunkName := fmt.Sprintf("%d_part-1.tar.gz", epoch)
	chunkPath := filepath.Join(opts.StagingDir, chunkName)
	tmpPath := chunkPath + ".inprogress"

	res := &Result{
		ChunkPath: chunkPath,
		Number:    next.Number,
		Gen:       gen,
	}

	label := opts.Label
	label.Time = ts
	label.Increment = next.Number
	labelText, err := BuildLabel(label)
	if err != nil {
		return nil, err
	}

	fp, err := os.Create(tmpPath)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = fp.Close()
			_ = os.Remove(tmpPath)
			_ = DiscardPending(opts.IndexPath)
		}
	}()

	zw := gzip.NewWriter(fp)
	trim := newTrailerTrimmer(zw)
	w := ratelimit.MaybeWriter(trim, opts.Limit)

	if _, err := w.Write(encodeLabelBlock(labelText, ts)); err != nil {
		return nil, err
	}
	res.Members++

	tw := tar.NewWriter(w)
	if err := emitTree(tw, idx, next, opts, res); err != nil {
		return nil, fmt.Errorf("snapshot failed: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := trim.Finish(opts.IsFinal); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	if err := fp.Sync(); err != nil {
		return nil, err
	}
	if err := fp.Close(); err != nil {
		return nil, err
	}

	if err := next.WritePending(opts.IndexPath); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpPath, chunkPath); err != nil {
		return nil, err
	}

	ok = true
	return res, nil
}

// `emitTree()` walks the source in lexical order, updates `next`, and writes
// a tar member for every path whose identity differs from `idx`.
func emitTree(
	tw *tar.Writer,
	idx, next *Index,
	opts Options,
	res *Result,
) error {
	root := filepath.Clean(opts.SourceRoot)
	return filepath.WalkDir(root, func(
		path string, d fs.DirEntry, err error,
	) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		fi, err := d.Info()
		if err != nil {
			return err
		}

		if rel != "." && opts.Exclude != nil && opts.Exclude(rel, fi) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		entry, link, err := statEntry(path, fi)
		if err != nil {
			return err
		}
		if entry.Type == "s" {
			// Sockets cannot be archived or restored.
			return nil
		}
		next.Entries[rel] = entry

		if !changed(idx, rel, entry, opts.CheckDevice) {
			return nil
		}

		hdr, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return err
		}
		hdr.Format = tar.FormatPAX
		if rel == "." {
			hdr.Name = opts.RunID + "/"
		} else {
			hdr.Name = opts.RunID + "/" + rel
			if fi.IsDir() {
				hdr.Name += "/"
			}
		}

		if fi.Mode().IsRegular() && fi.Size() > 0 {
			if err := emitFile(tw, hdr, path, fi.Size()); err != nil {
				return err
			}
			res.Bytes += fi.Size()
		} else {
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
		}
		res.Members++
		return nil
	})
}

// `emitFile()` writes a regular file, sparsely if it has holes.  Exactly
// `size` bytes are stored even if the file grows while being read; a file
// that shrinks mid-read fails the snapshot.
func emitFile(tw *tar.Writer, hdr *tar.Header, path string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	segs, err := detectSegments(f, size)
	if err != nil {
		return err
	}
	if segs != nil {
		return writeSparse(tw, hdr, f, segs, size)
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := io.CopyN(tw, f, size); err != nil {
		return fmt.Errorf("failed to copy `%s`: %w", path, err)
	}
	return nil
}

// `statEntry()` extracts the identity tuple.  The symlink target counts as
// identity, so a retargeted link with an unchanged mtime is still re-emitted.
func statEntry(path string, fi fs.FileInfo) (Entry, string, error) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return Entry{}, "", fmt.Errorf("no stat for `%s`", path)
	}
	e := Entry{
		Dev:     uint64(st.Dev),
		Ino:     uint64(st.Ino),
		Size:    fi.Size(),
		MtimeNs: fi.ModTime().UnixNano(),
	}
	var link string
	switch {
	case fi.Mode().IsRegular():
		e.Type = "f"
	case fi.IsDir():
		e.Type = "d"
	case fi.Mode()&fs.ModeSymlink != 0:
		e.Type = "l"
		t, err := os.Readlink(path)
		if err != nil {
			return Entry{}, "", err
		}
		e.Link = t
		link = t
	case fi.Mode()&fs.ModeCharDevice != 0:
		e.Type = "c"
	case fi.Mode()&fs.ModeDevice != 0:
		e.Type = "b"
	case fi.Mode()&fs.ModeNamedPipe != 0:
		e.Type = "p"
	default:
		// Sockets and irregular files are skipped by the caller.
		e.Type = "s"
	}
	return e, link, nil
}

func changed(idx *Index, rel string, e Entry, checkDevice bool) bool {
	old, ok := idx.Entries[rel]
	if !ok {
		return true
	}
	if old.Type != e.Type || old.Link != e.Link {
		return true
	}
	if old.Size != e.Size || old.MtimeNs != e.MtimeNs {
		return true
	}
	if old.Ino != e.Ino {
		return true
	}
	if checkDevice && old.Dev != e.Dev {
		return true
	}
	return false
}

// `ChunkGlob` matches chunk basenames.
const ChunkGlob = "*_part-1.tar.gz"

// `IsChunkName` reports whether `name` looks like an emitted chunk.
func IsChunkName(name string) bool {
	if !strings.HasSuffix(name, "_part-1.tar.gz") {
		return false
	}
	epoch := strings.TrimSuffix(name, "_part-1.tar.gz")
	if epoch == "" {
		return false
	}
	for _, c := range epoch {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
