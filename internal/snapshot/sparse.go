package snapshot

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	slashpath "path"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// `segment` is a data extent of a sparse file.
type segment struct {
	offset int64
	length int64
}

// `detectSegments()` walks the file's data extents with SEEK_DATA/SEEK_HOLE.
// A nil result with nil error means the file is dense and should be stored
// as a plain regular member.
func detectSegments(f *os.File, size int64) ([]segment, error) {
	if size == 0 {
		return nil, nil
	}
	fd := int(f.Fd())

	// Files without holes have a single data extent covering everything;
	// detect that early and store them densely.
	firstHole, err := unix.Seek(fd, 0, unix.SEEK_HOLE)
	if err != nil {
		// Filesystem without SEEK_HOLE support.
		return nil, nil
	}
	if firstHole >= size {
		// SEEK_HOLE moved the offset; rewind for the dense copy.
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return nil, nil
	}

	segs := []segment{}
	var off int64
	for off < size {
		data, err := unix.Seek(fd, off, unix.SEEK_DATA)
		if err != nil {
			// ENXIO: no more data, the file ends in a hole.
			break
		}
		if data >= size {
			break
		}
		hole, err := unix.Seek(fd, data, unix.SEEK_HOLE)
		if err != nil {
			return nil, err
		}
		if hole > size {
			hole = size
		}
		segs = append(segs, segment{offset: data, length: hole - data})
		off = hole
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return segs, nil
}

// `writeSparse()` emits the file as a PAX GNU.sparse 1.0 member: the member
// data starts with a block-padded decimal segment map, followed by the data
// extents back to back.  GNU tar and the Go tar reader both reconstruct the
// holes from the map and `GNU.sparse.realsize`.
func writeSparse(
	tw *tar.Writer,
	hdr *tar.Header,
	f *os.File,
	segs []segment,
	realSize int64,
) error {
	var m strings.Builder
	m.WriteString(strconv.Itoa(len(segs)))
	m.WriteByte('\n')
	var dataLen int64
	for _, s := range segs {
		m.WriteString(strconv.FormatInt(s.offset, 10))
		m.WriteByte('\n')
		m.WriteString(strconv.FormatInt(s.length, 10))
		m.WriteByte('\n')
		dataLen += s.length
	}
	mapBytes := []byte(m.String())
	if pad := len(mapBytes) % 512; pad != 0 {
		mapBytes = append(mapBytes, make([]byte, 512-pad)...)
	}

	name := hdr.Name
	sparseHdr := *hdr
	sparseHdr.Format = tar.FormatPAX
	sparseHdr.Name = slashpath.Join(
		slashpath.Dir(name), "GNUSparseFile.0", slashpath.Base(name),
	)
	sparseHdr.Size = int64(len(mapBytes)) + dataLen
	sparseHdr.PAXRecords = map[string]string{
		"GNU.sparse.major":    "1",
		"GNU.sparse.minor":    "0",
		"GNU.sparse.name":     name,
		"GNU.sparse.realsize": strconv.FormatInt(realSize, 10),
	}

	if err := tw.WriteHeader(&sparseHdr); err != nil {
		return err
	}
	if _, err := tw.Write(mapBytes); err != nil {
		return err
	}
	for _, s := range segs {
		if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
			return err
		}
		if _, err := io.CopyN(tw, f, s.length); err != nil {
			return fmt.Errorf(
				"failed to copy sparse extent of `%s`: %w",
				name, err,
			)
		}
	}
	return nil
}
