// Package `upload` ships chunks to the parts prefix: check, transfer with
// bounded retry, verify durability, drop the local copy, and only then
// advance the snapshot index.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/broadinstitute/sequence-upload-to-gs/internal/snapshot"
	"github.com/broadinstitute/sequence-upload-to-gs/internal/store"
	"github.com/broadinstitute/sequence-upload-to-gs/pkg/ratecounter"
)

var ErrUploadFailed = errors.New("upload failed")

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

type Pipeline struct {
	Store store.Client
	Lg    Logger

	// `MaxAttempts` bounds transfer attempts per chunk.
	MaxAttempts int

	// `Delay` maps a failed attempt number to the backoff before the
	// next attempt; see `LinearDelay()`.
	Delay func(attempt int) time.Duration

	// `Sleep` is `time.Sleep` in production.
	Sleep func(d time.Duration)

	rate *ratecounter.RateCounter
}

// `Ship()` makes the chunk durable under `partsPrefix` and advances the
// index at `indexPath`.  A chunk whose name already exists remotely is
// skipped, which makes re-entry after a crash cheap.  Retry exhaustion is
// fatal to the run; local staging stays intact so a later invocation can
// resume from the persisted index.
func (p *Pipeline) Ship(
	ctx context.Context, chunkPath, partsPrefix, indexPath string,
) error {
	base := filepath.Base(chunkPath)
	uri := store.JoinURI(partsPrefix, base)

	existing, err := p.Store.List(ctx, partsPrefix, base)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		p.Lg.Infow("Chunk already uploaded; skipping.", "uri", uri)
		return p.finish(chunkPath, indexPath)
	}

	fi, err := os.Stat(chunkPath)
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		start := time.Now()
		err = p.Store.Upload(ctx, chunkPath, uri)
		if err == nil {
			p.observe(fi.Size(), time.Since(start), uri)
			break
		}
		if attempt >= p.MaxAttempts {
			return fmt.Errorf(
				"%w: `%s` after %d attempts: %v",
				ErrUploadFailed, uri, attempt, err,
			)
		}
		d := p.Delay(attempt)
		p.Lg.Warnw(
			"Upload failed; will retry.",
			"uri", uri,
			"attempt", attempt,
			"delay", d,
			"err", err,
		)
		p.Sleep(d)
	}

	return p.finish(chunkPath, indexPath)
}

// `finish()` removes the local chunk and promotes the pending index.  The
// order matters: the index must never claim state that is not durable
// remotely, and by now it is.
func (p *Pipeline) finish(chunkPath, indexPath string) error {
	if err := os.Remove(chunkPath); err != nil {
		return err
	}
	return snapshot.PromotePending(indexPath)
}

func (p *Pipeline) observe(size int64, took time.Duration, uri string) {
	if p.rate == nil {
		p.rate = ratecounter.NewRateCounter(time.Minute)
	}
	p.rate.Incr(size)
	p.Lg.Infow(
		"Uploaded chunk.",
		"uri", uri,
		"bytes", size,
		"took", took.Round(time.Millisecond),
		"ratePerMin", p.rate.Rate(),
	)
}
