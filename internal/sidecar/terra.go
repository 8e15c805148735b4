package sidecar

import (
	"context"
	"fmt"
	"strings"

	"github.com/broadinstitute/sequence-upload-to-gs/internal/store"
)

// `TerraTSV()` renders the two-line table-import file.  The line ending is
// LF only; Terra rejects CRLF.
func TerraTSV(table, runID, tarURI string) string {
	header := fmt.Sprintf(
		"entity:%s_id\tbiosample_attributes\tflowcell_tar\t"+
			"samplesheets\tsample_rename_map_tsv",
		table,
	)
	row := fmt.Sprintf("%s\t\t%s\t\t", runID, tarURI)
	return header + "\n" + row + "\n"
}

// `UploadTerraTSV()` publishes `<run_id>.terra.tsv`.
func UploadTerraTSV(
	ctx context.Context, s store.Client,
	uri, table, runID, tarURI string,
) error {
	body := TerraTSV(table, runID, tarURI)
	return s.UploadStream(ctx, strings.NewReader(body), uri)
}
