// Package `ratelimit` wraps the subset of `github.com/juju/ratelimit` that
// the uploader uses: a token bucket that throttles the uncompressed tar
// stream.
package ratelimit

import (
	"io"

	"github.com/juju/ratelimit"
)

type Bucket = ratelimit.Bucket

var Writer = ratelimit.Writer

// `NewBucket()` returns a bucket with the given rate in bytes per second and
// a fixed 1 MiB burst capacity, which keeps writes smooth without letting a
// long idle period build up a large burst.
func NewBucket(bytesPerSecond float64) *Bucket {
	return ratelimit.NewBucketWithRate(bytesPerSecond, 1024*1024)
}

// `MaybeWriter()` wraps `w` with the bucket if `b` is non-nil; a nil bucket
// means unlimited.
func MaybeWriter(w io.Writer, b *Bucket) io.Writer {
	if b == nil {
		return w
	}
	return Writer(w, b)
}
