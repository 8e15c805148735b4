package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/broadinstitute/sequence-upload-to-gs/internal/store"
)

// `Metadata` is the provenance record uploaded as
// `<run_id>.upload_metadata.json` after the archive is composed.
type Metadata struct {
	RunBasename     string   `json:"run_basename"`
	RunPath         string   `json:"run_path"`
	Destination     string   `json:"destination"`
	InvocationID    string   `json:"invocation_id"`
	UploaderVersion string   `json:"uploader_version"`
	StartedAt       string   `json:"started_at"`
	FinishedAt      string   `json:"finished_at"`
	DurationSec     int64    `json:"duration_sec"`
	Increments      int      `json:"increments"`
	LastGen         string   `json:"last_gen"`
	SourceBytes     int64    `json:"source_bytes"`
	CronInvoked     bool     `json:"cron_invoked"`
	Host            string   `json:"host"`
	User            string   `json:"user"`
	IP              string   `json:"ip"`
	OS              string   `json:"os"`
	Arch            string   `json:"arch"`
	ChunkSizeBytes  int64    `json:"chunk_size_bytes"`
	DelaySec        int64    `json:"delay_between_increments_sec"`
	RetryMax        int      `json:"retry_max_attempts"`
	RetryDelaySec   int64    `json:"retry_delay_sec"`
	Exclusions      []string `json:"exclusions"`
}

// `Times()` fills the timestamp fields from the controller's clock.
func (m *Metadata) Times(start, end time.Time) {
	m.StartedAt = start.UTC().Format(time.RFC3339)
	m.FinishedAt = end.UTC().Format(time.RFC3339)
	m.DurationSec = int64(end.Sub(start) / time.Second)
}

// `UploadMetadata()` publishes the provenance JSON, overwriting any earlier
// attempt: the last completed run wins.
func UploadMetadata(
	ctx context.Context, s store.Client, uri string, m *Metadata,
) error {
	dat, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	dat = append(dat, '\n')
	return s.UploadStream(ctx, bytes.NewReader(dat), uri)
}
