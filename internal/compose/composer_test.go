package compose

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/broadinstitute/sequence-upload-to-gs/internal/store"
	"github.com/broadinstitute/sequence-upload-to-gs/pkg/mulog"
)

func newComposer(f *store.Fake) *Composer {
	return &Composer{
		Store:   f,
		Lg:      mulog.Printer{},
		Quiesce: time.Nanosecond,
		Sleep:   func(time.Duration) {},
	}
}

func TestComposeManyChunksUnderFanIn(t *testing.T) {
	ctx := context.Background()
	f := store.NewFake()

	const parts = 95
	var want []byte
	for i := 1; i <= parts; i++ {
		uri := fmt.Sprintf("gs://b/r/parts/%d_part-1.tar.gz", 1000+i)
		body := []byte(fmt.Sprintf("<%d>", i))
		f.Put(uri, body)
		want = append(want, body...)
	}

	c := newComposer(f)
	target := "gs://b/r/r.tar.gz"
	require.NoError(t, c.Run(ctx, target, "gs://b/r/parts"))

	// 95 chunks fold in ceil(95/31) = 4 rounds.
	require.Len(t, f.ComposeCalls, 4)
	for _, call := range f.ComposeCalls {
		assert.LessOrEqual(t, len(call), store.ComposeFanInMax)
		assert.Equal(t, target, call[0], "target is always first")
	}
	assert.Len(t, f.ComposeCalls[0], 32)
	assert.Len(t, f.ComposeCalls[3], 3) // target + remaining 2

	got, ok := f.Object(target)
	require.True(t, ok)
	assert.Equal(t, want, got, "archive equals chunks in emission order")

	left, err := f.List(ctx, "gs://b/r/parts", "*.tar.gz")
	require.NoError(t, err)
	assert.Empty(t, left, "all chunks deleted after composition")
}

func TestComposeSingleChunk(t *testing.T) {
	ctx := context.Background()
	f := store.NewFake()
	f.Put("gs://b/r/parts/1700_part-1.tar.gz", []byte("only"))

	c := newComposer(f)
	require.NoError(t, c.Run(ctx, "gs://b/r/r.tar.gz", "gs://b/r/parts"))

	got, ok := f.Object("gs://b/r/r.tar.gz")
	require.True(t, ok)
	assert.Equal(t, []byte("only"), got)
	require.Len(t, f.ComposeCalls, 1)
}

func TestComposeNothingToDo(t *testing.T) {
	ctx := context.Background()
	f := store.NewFake()
	f.Put("gs://b/r/r.tar.gz", []byte("done"))

	c := newComposer(f)
	require.NoError(t, c.Run(ctx, "gs://b/r/r.tar.gz", "gs://b/r/parts"))
	assert.Empty(t, f.ComposeCalls)

	got, _ := f.Object("gs://b/r/r.tar.gz")
	assert.Equal(t, []byte("done"), got, "existing target untouched")
}

func TestComposeResumesIntoExistingTarget(t *testing.T) {
	ctx := context.Background()
	f := store.NewFake()
	f.Put("gs://b/r/r.tar.gz", []byte("AB"))
	f.Put("gs://b/r/parts/2000_part-1.tar.gz", []byte("C"))

	c := newComposer(f)
	require.NoError(t, c.Run(ctx, "gs://b/r/r.tar.gz", "gs://b/r/parts"))

	got, _ := f.Object("gs://b/r/r.tar.gz")
	assert.Equal(t, []byte("ABC"), got)
}
