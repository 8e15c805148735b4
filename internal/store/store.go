// Package `store` wraps the remote object store.  The `Client` interface
// carries the exact operations that the uploader needs; `NewGcs()` returns
// the Google Cloud Storage implementation, and `NewFake()` an in-memory
// implementation for tests.
//
// Operations are idempotent at the caller's level: callers check `Exists()`
// before paying the cost of an upload.  Transient failures are retried by
// the upload pipeline, not here.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// `ComposeFanInMax` is the server-side limit on the number of sources per
// compose call.
const ComposeFanInMax = 32

var (
	ErrNotGsURI       = errors.New("not a gs:// URI")
	ErrTooManySources = errors.New("too many compose sources")
	ErrCrossBucket    = errors.New("objects are in different buckets")
	ErrObjectNotExist = errors.New("object does not exist")
)

type Client interface {
	// `Exists()` reports whether the object exists.
	Exists(ctx context.Context, uri string) (bool, error)

	// `Upload()` creates or overwrites the object with the local file.
	Upload(ctx context.Context, localPath, uri string) error

	// `UploadStream()` creates or overwrites the object with the bytes
	// read from `r`.
	UploadStream(ctx context.Context, r io.Reader, uri string) error

	// `List()` returns the object URIs under `prefix` whose final path
	// segment matches `glob`, ordered by natural version ordering of the
	// final segment.
	List(ctx context.Context, prefix, glob string) ([]string, error)

	// `Compose()` concatenates `sources` into `target` server-side,
	// preserving source order.  It fails with `ErrTooManySources` if
	// `len(sources) > ComposeFanInMax`.
	Compose(ctx context.Context, target string, sources []string) error

	// `Delete()` removes the object.  Deleting a missing object is an
	// error.
	Delete(ctx context.Context, uri string) error

	// `DeleteMany()` removes the objects, possibly concurrently.
	DeleteMany(ctx context.Context, uris []string) error
}

// `SplitURI()` splits `gs://bucket/path/to/object` into bucket and object
// name.
func SplitURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("%w: `%s`", ErrNotGsURI, uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("%w: `%s`", ErrNotGsURI, uri)
	}
	return bucket, object, nil
}

// `JoinURI()` joins URI elements with single slashes.  The first element
// keeps its scheme intact.
func JoinURI(parts ...string) string {
	if len(parts) == 0 {
		return ""
	}
	uri := strings.TrimRight(parts[0], "/")
	for _, p := range parts[1:] {
		uri += "/" + strings.Trim(p, "/")
	}
	return uri
}
