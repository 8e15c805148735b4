package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// `indexFormatVersion` is bumped on incompatible changes to the on-disk
// index schema.
const indexFormatVersion = 1

var ErrIndexCorrupt = errors.New("snapshot index corrupt")

// `Index` records the file set that previous snapshots have emitted.  It is
// the single source of truth for what has already been archived.
type Index struct {
	// `Version` is the on-disk format version.
	Version int `json:"version"`

	// `Number` counts snapshots; 0 means nothing has been emitted.
	Number int `json:"number"`

	// `Gen` is a ULID minted per snapshot.  A chunk that was re-emitted
	// for the same `Number` after a lost upload carries a different
	// generation tag.
	Gen string `json:"gen"`

	// `LastEpoch` is the epoch embedded in the last chunk name.  Chunk
	// names must be strictly monotonic; a snapshot in the same second as
	// its predecessor takes `LastEpoch+1`.
	LastEpoch int64 `json:"lastEpoch"`

	// `Entries` maps slash-separated paths relative to the source root
	// to their captured metadata.
	Entries map[string]Entry `json:"entries"`
}

type Entry struct {
	Dev     uint64 `json:"dev"`
	Ino     uint64 `json:"ino"`
	Size    int64  `json:"size"`
	MtimeNs int64  `json:"mtimeNs"`

	// `Type` is one of `f` regular, `d` dir, `l` symlink, `c` char,
	// `b` block, `p` fifo.
	Type string `json:"type"`

	// `Link` is the symlink target for type `l`.
	Link string `json:"link,omitempty"`
}

// `NewIndex()` returns an empty index, used before the first snapshot.
func NewIndex() *Index {
	return &Index{
		Version: indexFormatVersion,
		Entries: make(map[string]Entry),
	}
}

// `LoadIndex()` reads the index at `path`.  A missing file is the empty
// index.  An unreadable or mismatched file is `ErrIndexCorrupt`: advancing
// past a corrupt index would silently drop deltas.
func LoadIndex(path string) (*Index, error) {
	dat, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewIndex(), nil
	}
	if err != nil {
		return nil, err
	}
	idx := &Index{}
	if err := json.Unmarshal(dat, idx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
	}
	if idx.Version != indexFormatVersion {
		return nil, fmt.Errorf(
			"%w: format version %d, want %d",
			ErrIndexCorrupt, idx.Version, indexFormatVersion,
		)
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string]Entry)
	}
	return idx, nil
}

// `PendingPath()` is where a freshly written index waits until its chunk is
// durably uploaded.
func PendingPath(indexPath string) string {
	return indexPath + ".next"
}

// `WritePending()` writes `idx` next to `indexPath` without advancing the
// live index.  The write itself is atomic: tempfile then rename.
func (idx *Index) WritePending(indexPath string) error {
	dat, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	dir := filepath.Dir(indexPath)
	tmp, err := os.CreateTemp(dir, ".index-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(dat); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, PendingPath(indexPath)); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// `PromotePending()` advances the live index to the pending state.  It must
// be called only after the corresponding chunk is durable in the remote
// store; see the upload pipeline.
func PromotePending(indexPath string) error {
	return os.Rename(PendingPath(indexPath), indexPath)
}

// `DiscardPending()` drops a pending index whose chunk was abandoned.
func DiscardPending(indexPath string) error {
	err := os.Remove(PendingPath(indexPath))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
