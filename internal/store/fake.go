package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	slashpath "path"
	"sort"
	"strings"
	"sync"

	"github.com/broadinstitute/sequence-upload-to-gs/pkg/vsort"
)

// `Fake` is an in-memory `Client` for tests.  It records compose calls and
// lets tests inject upload failures.
type Fake struct {
	mu      sync.Mutex
	objects map[string][]byte

	// `ComposeCalls` records the source list of every `Compose()` call.
	ComposeCalls [][]string

	// `UploadErr`, if set, is consulted before every upload; a non-nil
	// return fails the upload without storing bytes.
	UploadErr func(uri string) error
}

func NewFake() *Fake {
	return &Fake{objects: make(map[string][]byte)}
}

// `Object()` returns the stored bytes.
func (f *Fake) Object(uri string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[uri]
	return b, ok
}

// `URIs()` returns all stored URIs, sorted.
func (f *Fake) URIs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	uris := make([]string, 0, len(f.objects))
	for uri := range f.objects {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	return uris
}

// `Put()` seeds an object.
func (f *Fake) Put(uri string, b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[uri] = append([]byte(nil), b...)
}

func (f *Fake) Exists(ctx context.Context, uri string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[uri]
	return ok, nil
}

func (f *Fake) Upload(ctx context.Context, localPath, uri string) error {
	fp, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer fp.Close()
	return f.UploadStream(ctx, fp, uri)
}

func (f *Fake) UploadStream(
	ctx context.Context, r io.Reader, uri string,
) error {
	if f.UploadErr != nil {
		if err := f.UploadErr(uri); err != nil {
			return err
		}
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[uri] = buf.Bytes()
	return nil
}

func (f *Fake) List(
	ctx context.Context, prefix, glob string,
) ([]string, error) {
	prefix = strings.TrimRight(prefix, "/") + "/"
	f.mu.Lock()
	var uris []string
	for uri := range f.objects {
		if !strings.HasPrefix(uri, prefix) {
			continue
		}
		ok, err := slashpath.Match(glob, slashpath.Base(uri))
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
		if ok {
			uris = append(uris, uri)
		}
	}
	f.mu.Unlock()
	sort.Slice(uris, func(i, j int) bool {
		return vsort.Less(
			slashpath.Base(uris[i]), slashpath.Base(uris[j]),
		)
	})
	return uris, nil
}

func (f *Fake) Compose(
	ctx context.Context, target string, sources []string,
) error {
	if len(sources) > ComposeFanInMax {
		return fmt.Errorf(
			"%w: %d > %d", ErrTooManySources,
			len(sources), ComposeFanInMax,
		)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var buf bytes.Buffer
	for _, s := range sources {
		b, ok := f.objects[s]
		if !ok {
			return fmt.Errorf("%w: `%s`", ErrObjectNotExist, s)
		}
		buf.Write(b)
	}
	f.objects[target] = buf.Bytes()
	f.ComposeCalls = append(
		f.ComposeCalls, append([]string(nil), sources...),
	)
	return nil
}

func (f *Fake) Delete(ctx context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[uri]; !ok {
		return fmt.Errorf("%w: `%s`", ErrObjectNotExist, uri)
	}
	delete(f.objects, uri)
	return nil
}

func (f *Fake) DeleteMany(ctx context.Context, uris []string) error {
	for _, uri := range uris {
		if err := f.Delete(ctx, uri); err != nil {
			return err
		}
	}
	return nil
}
