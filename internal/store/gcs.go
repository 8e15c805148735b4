package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	slashpath "path"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"

	"github.com/broadinstitute/sequence-upload-to-gs/pkg/vsort"
)

// `deleteConcurrency` bounds concurrent deletes in `DeleteMany()`.
const deleteConcurrency = 8

type gcsClient struct {
	c *storage.Client
}

// `NewGcs()` returns a `Client` backed by Google Cloud Storage using
// application default credentials.
func NewGcs(ctx context.Context) (Client, error) {
	c, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &gcsClient{c: c}, nil
}

func (g *gcsClient) object(uri string) (*storage.ObjectHandle, error) {
	bucket, name, err := SplitURI(uri)
	if err != nil {
		return nil, err
	}
	return g.c.Bucket(bucket).Object(name), nil
}

func (g *gcsClient) Exists(ctx context.Context, uri string) (bool, error) {
	obj, err := g.object(uri)
	if err != nil {
		return false, err
	}
	_, err = obj.Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat `%s`: %w", uri, err)
	}
}

func (g *gcsClient) Upload(ctx context.Context, localPath, uri string) error {
	fp, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer fp.Close()
	return g.UploadStream(ctx, fp, uri)
}

func (g *gcsClient) UploadStream(
	ctx context.Context, r io.Reader, uri string,
) error {
	obj, err := g.object(uri)
	if err != nil {
		return err
	}
	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write `%s`: %w", uri, err)
	}
	// The write is durable only after a successful `Close()`.
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize `%s`: %w", uri, err)
	}
	return nil
}

func (g *gcsClient) List(
	ctx context.Context, prefix, glob string,
) ([]string, error) {
	bucket, name, err := SplitURI(prefix)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(name, "/") {
		name += "/"
	}
	it := g.c.Bucket(bucket).Objects(ctx, &storage.Query{
		Prefix: name,
	})
	var uris []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf(
				"failed to list `%s`: %w", prefix, err,
			)
		}
		base := slashpath.Base(attrs.Name)
		ok, err := slashpath.Match(glob, base)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		uris = append(uris, "gs://"+bucket+"/"+attrs.Name)
	}
	sort.Slice(uris, func(i, j int) bool {
		return vsort.Less(
			slashpath.Base(uris[i]), slashpath.Base(uris[j]),
		)
	})
	return uris, nil
}

func (g *gcsClient) Compose(
	ctx context.Context, target string, sources []string,
) error {
	if len(sources) > ComposeFanInMax {
		return fmt.Errorf(
			"%w: %d > %d", ErrTooManySources,
			len(sources), ComposeFanInMax,
		)
	}
	dstBucket, dstName, err := SplitURI(target)
	if err != nil {
		return err
	}
	srcs := make([]*storage.ObjectHandle, 0, len(sources))
	for _, s := range sources {
		bucket, name, err := SplitURI(s)
		if err != nil {
			return err
		}
		if bucket != dstBucket {
			return fmt.Errorf("%w: `%s`", ErrCrossBucket, s)
		}
		srcs = append(srcs, g.c.Bucket(bucket).Object(name))
	}
	dst := g.c.Bucket(dstBucket).Object(dstName)
	if _, err := dst.ComposerFrom(srcs...).Run(ctx); err != nil {
		return fmt.Errorf("failed to compose `%s`: %w", target, err)
	}
	return nil
}

func (g *gcsClient) Delete(ctx context.Context, uri string) error {
	obj, err := g.object(uri)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete `%s`: %w", uri, err)
	}
	return nil
}

func (g *gcsClient) DeleteMany(ctx context.Context, uris []string) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(deleteConcurrency)
	for _, uri := range uris {
		uri := uri
		eg.Go(func() error {
			return g.Delete(ctx, uri)
		})
	}
	return eg.Wait()
}
