// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package pipeline

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imageviewer/imageviewer/pkg/messages"
	"github.com/imageviewer/imageviewer/pkg/model"
)

func TestImageProcessProbesAndFansOut(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeJPEG(t, env.fs, "/lib/A/CollA/1.jpg", 500, 300)
	c := seedFolderCollection(t, env, "/lib/A/CollA")
	c.Images = []model.ImageEmbedded{{ID: "img-1", Filename: "1.jpg", RelativePath: "1.jpg"}}
	job := env.newJob(t, model.JobTypeCollectionScan, c.ID.Hex())

	err := env.pipeline.processImage(ctx, messages.ImageProcess{
		CollectionID: c.ID.Hex(),
		ImageID:      "img-1",
		Source:       messages.ImageSource{Path: "/lib/A/CollA/1.jpg"},
		ScanJobID:    job.ID.Hex(),
	})
	require.NoError(t, err)

	got, err := env.collections.GetByID(ctx, c.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, 500, got.Images[0].Width)
	assert.Equal(t, 300, got.Images[0].Height)
	assert.Equal(t, "jpeg", got.Images[0].Format)

	thumbs := env.pub.byType(messages.TypeThumbnailGen)
	caches := env.pub.byType(messages.TypeCacheGen)
	require.Len(t, thumbs, 1)
	require.Len(t, caches, 1)
	tg := thumbs[0].msg.(messages.ThumbnailGen)
	assert.Equal(t, 400, tg.Width)
	assert.Equal(t, 85, tg.Quality)
	cg := caches[0].msg.(messages.CacheGen)
	assert.Equal(t, 1600, cg.Width)
	assert.Equal(t, 90, cg.Quality)

	jobDoc, err := env.jobs.GetByID(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, int64(1), jobDoc.Stages[model.StageScan].CompletedItems)
}

func TestImageProcessDirectCollectionSkipsFanOut(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeJPEG(t, env.fs, "/lib/A/CollA/1.jpg", 500, 300)
	c := seedFolderCollection(t, env, "/lib/A/CollA")
	c.Settings.UseDirectFileAccess = true
	c.Images = []model.ImageEmbedded{{ID: "img-1", Filename: "1.jpg", RelativePath: "1.jpg"}}
	job := env.newJob(t, model.JobTypeCollectionScan, c.ID.Hex())

	err := env.pipeline.processImage(ctx, messages.ImageProcess{
		CollectionID: c.ID.Hex(),
		ImageID:      "img-1",
		Source:       messages.ImageSource{Path: "/lib/A/CollA/1.jpg"},
		ScanJobID:    job.ID.Hex(),
	})
	require.NoError(t, err)
	assert.Empty(t, env.pub.sent)
}

func TestImageProcessCorruptImageCountsAndContinues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, afero.WriteFile(env.fs, "/lib/A/CollA/1.jpg", []byte("junk"), 0o644))
	c := seedFolderCollection(t, env, "/lib/A/CollA")
	c.Images = []model.ImageEmbedded{{ID: "img-1", Filename: "1.jpg", RelativePath: "1.jpg"}}
	job := env.newJob(t, model.JobTypeCollectionScan, c.ID.Hex())

	err := env.pipeline.processImage(ctx, messages.ImageProcess{
		CollectionID: c.ID.Hex(),
		ImageID:      "img-1",
		Source:       messages.ImageSource{Path: "/lib/A/CollA/1.jpg"},
		ScanJobID:    job.ID.Hex(),
	})
	require.NoError(t, err)

	// No fan-out, but the scan counter still moves.
	assert.Empty(t, env.pub.sent)
	jobDoc, err := env.jobs.GetByID(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, int64(1), jobDoc.Stages[model.StageScan].CompletedItems)
	assert.Contains(t, jobDoc.Stages[model.StageScan].Message, "img-1")
}

func TestImageProcessGoneCollectionDrops(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.pipeline.processImage(ctx, messages.ImageProcess{
		CollectionID: "64b0c9f1a2d3e4f5a6b7c8d9",
		ImageID:      "img-1",
		Source:       messages.ImageSource{Path: "/nowhere.jpg"},
	})
	require.NoError(t, err)
	assert.Empty(t, env.pub.sent)
}
