// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package index

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFsService(t *testing.T, fs afero.Fs) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewService(client, fs), mr
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestSummaryInlinesSmallThumbnail(t *testing.T) {
	fs := afero.NewMemMapFs()
	svc, mr := newFsService(t, fs)
	ctx := context.Background()

	raw := pngBytes(t, 120, 90)
	require.NoError(t, afero.WriteFile(fs, "/cache/t1.png", raw, 0o644))

	c := makeCollection("inline", time.Now().UTC(), 1)
	c.Thumbnails[0].Path = "/cache/t1.png"
	c.Thumbnails[0].Format = "png"
	c.Thumbnails[0].ByteSize = int64(len(raw))
	c.Thumbnails[0].Width = 120
	c.Thumbnails[0].Height = 90

	require.NoError(t, svc.WriteCollection(ctx, c, false))

	summary, err := svc.GetSummary(ctx, c.ID.Hex())
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, c.Images[0].ID, summary.FirstImageID)
	assert.True(t, strings.HasPrefix(summary.FirstThumbnail, "data:image/png;base64,"))
	assert.False(t, summary.Incomplete)

	// The raw bytes are cached for the next rebuild.
	assert.True(t, mr.Exists(thumbKey(c.ID.Hex())))

	state, err := svc.GetState(ctx, c.ID.Hex())
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.HasFirstThumbnail)
	assert.Equal(t, int64(1), state.ImageCount)
}

func TestSummarySkipsOversizedThumbnail(t *testing.T) {
	fs := afero.NewMemMapFs()
	svc, _ := newFsService(t, fs)
	ctx := context.Background()

	c := makeCollection("big", time.Now().UTC(), 1)
	c.Thumbnails[0].Width = maxInlineThumbDim + 1
	c.Thumbnails[0].Height = maxInlineThumbDim + 1

	require.NoError(t, svc.WriteCollection(ctx, c, false))

	summary, err := svc.GetSummary(ctx, c.ID.Hex())
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Empty(t, summary.FirstThumbnail)
	assert.Equal(t, c.Images[0].ID, summary.FirstImageID)
}

func TestSummaryRendersDirectOriginalInMemory(t *testing.T) {
	fs := afero.NewMemMapFs()
	svc, _ := newFsService(t, fs)
	ctx := context.Background()

	// A direct entry points at the original, which may be huge; the summary
	// gets a small in-memory JPEG render instead.
	raw := pngBytes(t, 800, 600)
	require.NoError(t, afero.WriteFile(fs, "/lib/orig.png", raw, 0o644))

	c := makeCollection("direct", time.Now().UTC(), 1)
	c.Thumbnails[0].Path = "/lib/orig.png"
	c.Thumbnails[0].Format = "png"
	c.Thumbnails[0].IsDirect = true
	c.Thumbnails[0].Width = 800
	c.Thumbnails[0].Height = 600

	require.NoError(t, svc.WriteCollection(ctx, c, false))

	summary, err := svc.GetSummary(ctx, c.ID.Hex())
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.True(t, strings.HasPrefix(summary.FirstThumbnail, "data:image/jpeg;base64,"))
}

func TestSummarySkipThumbnailsFlag(t *testing.T) {
	fs := afero.NewMemMapFs()
	svc, _ := newFsService(t, fs)
	ctx := context.Background()

	raw := pngBytes(t, 100, 100)
	require.NoError(t, afero.WriteFile(fs, "/cache/t1.png", raw, 0o644))

	c := makeCollection("fast", time.Now().UTC(), 1)
	c.Thumbnails[0].Path = "/cache/t1.png"
	c.Thumbnails[0].Format = "png"
	c.Thumbnails[0].ByteSize = int64(len(raw))
	c.Thumbnails[0].Width = 100
	c.Thumbnails[0].Height = 100

	require.NoError(t, svc.WriteCollection(ctx, c, true))

	summary, err := svc.GetSummary(ctx, c.ID.Hex())
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Empty(t, summary.FirstThumbnail)

	state, err := svc.GetState(ctx, c.ID.Hex())
	require.NoError(t, err)
	assert.False(t, state.HasFirstThumbnail)
}

func TestSummaryIncompleteFlag(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	c := makeCollection("partial", time.Now().UTC(), 3)
	c.Thumbnails = c.Thumbnails[:1]

	require.NoError(t, svc.WriteCollection(ctx, c, true))

	summary, err := svc.GetSummary(ctx, c.ID.Hex())
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.True(t, summary.Incomplete)
	assert.Equal(t, int64(3), summary.ImageCount)
	assert.Equal(t, int64(1), summary.ThumbnailCount)
}

func TestSummaryEmptyCollection(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	c := makeCollection("empty", time.Now().UTC(), 0)
	require.NoError(t, svc.WriteCollection(ctx, c, false))

	summary, err := svc.GetSummary(ctx, c.ID.Hex())
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Empty(t, summary.FirstImageID)
	assert.Empty(t, summary.FirstThumbnail)
	assert.False(t, summary.Incomplete)
}
