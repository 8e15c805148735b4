// Package `compose` folds the staged remote chunks into the final archive
// object.  The store bounds compose fan-in, so the composer works in
// batches, always keeping the running target as the first source to
// preserve emission order.
package compose

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/broadinstitute/sequence-upload-to-gs/internal/store"
)

// `batchSize` leaves one fan-in slot for the running target.
const batchSize = store.ComposeFanInMax - 1

// `defaultQuiesce` tolerates listing lag between a compose and the delete
// of its sources.
const defaultQuiesce = 10 * time.Second

type Logger interface {
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

type Composer struct {
	Store store.Client
	Lg    Logger

	// `Quiesce` defaults to 10s; tests shorten it.
	Quiesce time.Duration

	// `Sleep` is `time.Sleep` in production.
	Sleep func(d time.Duration)
}

// `Run()` collapses every chunk under `partsPrefix` into `target`.
// Termination is driven by `List()` returning no entries, so chunks that
// arrive while composing are folded in too.  A compose error aborts and
// leaves the partial target in place for a re-run.
func (c *Composer) Run(ctx context.Context, target, partsPrefix string) error {
	quiesce := c.Quiesce
	if quiesce == 0 {
		quiesce = defaultQuiesce
	}

	ok, err := c.Store.Exists(ctx, target)
	if err != nil {
		return err
	}
	if !ok {
		// Start from an empty placeholder so that the target can
		// always be the first compose source.
		err := c.Store.UploadStream(ctx, strings.NewReader(""), target)
		if err != nil {
			return fmt.Errorf(
				"failed to create compose placeholder: %w", err,
			)
		}
	}

	rounds := 0
	for {
		parts, err := c.Store.List(ctx, partsPrefix, "*.tar.gz")
		if err != nil {
			return err
		}
		if len(parts) == 0 {
			break
		}

		batch := parts
		if len(batch) > batchSize {
			batch = batch[:batchSize]
		}
		sources := make([]string, 0, len(batch)+1)
		sources = append(sources, target)
		sources = append(sources, batch...)

		if err := c.Store.Compose(ctx, target, sources); err != nil {
			return fmt.Errorf("compose failed: %w", err)
		}
		rounds++
		c.Lg.Infow(
			"Composed batch.",
			"target", target,
			"batch", len(batch),
			"round", rounds,
		)

		c.Sleep(quiesce)

		if err := c.Store.DeleteMany(ctx, batch); err != nil {
			return fmt.Errorf(
				"failed to delete composed chunks: %w", err,
			)
		}
	}

	c.Lg.Infow("Compose complete.", "target", target, "rounds", rounds)
	return nil
}
