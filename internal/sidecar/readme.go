// Package `sidecar` publishes the non-archive objects that accompany the
// final tar: the README, the provenance JSON, and the table-import TSV.
package sidecar

import (
	"context"
	"strings"

	"github.com/broadinstitute/sequence-upload-to-gs/internal/store"
)

// `qqBackticks()` translates double single quote to backtick.
func qqBackticks(s string) string {
	return strings.Replace(s, "''", "`", -1)
}

var readmeTxt = qqBackticks(strings.TrimSpace(`
README sequencer run archive
============================

This archive was uploaded incrementally while the sequencer was writing the
run directory.  It is a concatenation of gzipped tar segments: every segment
is a valid tar stream with 512-byte blocking, and only the last segment
carries the end-of-archive trailer, so the whole object extracts as one
archive.

To list the members:

    gsutil cat <run_id>.tar.gz | tar -tzvf-

To extract:

    gsutil cat <run_id>.tar.gz | tar -xzf-

Any tar that accepts multi-member gzip input works; GNU tar and bsdtar both
do.  If extraction ever reports an early end of archive, add
''--ignore-zeros''.

Each segment starts with a GNU volume label recording the increment number
and the uploading host; ''tar -tv'' shows the labels inline.
`)) + "\n"

// `UploadReadme()` publishes the README next to the final archive, skipping
// the upload if it already exists.
func UploadReadme(ctx context.Context, s store.Client, uri string) error {
	ok, err := s.Exists(ctx, uri)
	if err != nil || ok {
		return err
	}
	return s.UploadStream(ctx, strings.NewReader(readmeTxt), uri)
}
