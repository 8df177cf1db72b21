// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imageviewer/imageviewer/pkg/messages"
	"github.com/imageviewer/imageviewer/pkg/model"
)

func TestLibraryScanDiscoversFoldersAndArchives(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeJPEG(t, env.fs, "/lib/A/CollA/1.jpg", 100, 80)
	writeJPEG(t, env.fs, "/lib/A/CollB/nested/2.jpg", 100, 80)
	require.NoError(t, env.fs.MkdirAll("/lib/A/empty", 0o755))
	writeJPEG(t, env.fs, "/lib/A/pack.zip", 10, 10) // content is irrelevant, extension decides

	job := env.newJob(t, model.JobTypeLibraryScan, "")
	err := env.pipeline.processLibraryScan(ctx, messages.LibraryScan{
		LibraryID:         "lib1",
		LibraryPath:       "/lib/A",
		IncludeSubfolders: true,
		JobID:             job.ID.Hex(),
	})
	require.NoError(t, err)

	scans := env.pub.byType(messages.TypeCollectionScan)
	require.Len(t, scans, 3)

	var paths []string
	for _, p := range scans {
		paths = append(paths, p.msg.(messages.CollectionScan).CollectionPath)
	}
	assert.Equal(t, []string{"/lib/A/CollA", "/lib/A/CollB/nested", "/lib/A/pack.zip"}, paths)

	archive, err := env.collections.FindByPath(ctx, "/lib/A/pack.zip")
	require.NoError(t, err)
	assert.Equal(t, model.CollectionTypeArchive, archive.Type)
	assert.Equal(t, "pack", archive.Name)
}

func TestLibraryScanShallowWalk(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeJPEG(t, env.fs, "/lib/A/1.jpg", 100, 80)
	writeJPEG(t, env.fs, "/lib/A/CollB/2.jpg", 100, 80)

	job := env.newJob(t, model.JobTypeLibraryScan, "")
	err := env.pipeline.processLibraryScan(ctx, messages.LibraryScan{
		LibraryID:         "lib1",
		LibraryPath:       "/lib/A",
		IncludeSubfolders: false,
		JobID:             job.ID.Hex(),
	})
	require.NoError(t, err)

	// Only the root-level image makes the root a candidate; CollB is not
	// visited.
	scans := env.pub.byType(messages.TypeCollectionScan)
	require.Len(t, scans, 1)
	assert.Equal(t, "/lib/A", scans[0].msg.(messages.CollectionScan).CollectionPath)
}

func TestLibraryScanSkipsScannedCollection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeJPEG(t, env.fs, "/lib/A/CollA/1.jpg", 100, 80)
	c := seedFolderCollection(t, env, "/lib/A/CollA")
	c.Images = []model.ImageEmbedded{{ID: "i1", Filename: "1.jpg", RelativePath: "1.jpg"}}

	job := env.newJob(t, model.JobTypeLibraryScan, "")
	err := env.pipeline.processLibraryScan(ctx, messages.LibraryScan{
		LibraryID:         "lib1",
		LibraryPath:       "/lib/A",
		IncludeSubfolders: true,
		JobID:             job.ID.Hex(),
	})
	require.NoError(t, err)
	assert.Empty(t, env.pub.byType(messages.TypeCollectionScan))
}

func TestLibraryScanOverwriteClearsAndRescans(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeJPEG(t, env.fs, "/lib/A/CollA/1.jpg", 100, 80)
	c := seedFolderCollection(t, env, "/lib/A/CollA")
	c.Images = []model.ImageEmbedded{{ID: "i1", Filename: "old.jpg", RelativePath: "old.jpg"}}
	c.Thumbnails = []model.ThumbnailEmbedded{{ImageID: "i1", Path: "/cache/x.jpg"}}

	job := env.newJob(t, model.JobTypeLibraryScan, "")
	err := env.pipeline.processLibraryScan(ctx, messages.LibraryScan{
		LibraryID:         "lib1",
		LibraryPath:       "/lib/A",
		IncludeSubfolders: true,
		OverwriteExisting: true,
		JobID:             job.ID.Hex(),
	})
	require.NoError(t, err)

	got, err := env.collections.GetByID(ctx, c.ID.Hex())
	require.NoError(t, err)
	assert.Empty(t, got.Images)
	assert.Empty(t, got.Thumbnails)

	scans := env.pub.byType(messages.TypeCollectionScan)
	require.Len(t, scans, 1)
	assert.True(t, scans[0].msg.(messages.CollectionScan).ForceRescan)
}

func TestLibraryScanResumeDiffsMissingDerivatives(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeJPEG(t, env.fs, "/lib/A/CollA/seed.jpg", 10, 10)
	c := seedFolderCollection(t, env, "/lib/A/CollA")

	// 10 images, 7 thumbnails, 0 cache images.
	for i := 0; i < 10; i++ {
		img := model.ImageEmbedded{
			ID:           fmt.Sprintf("img-%d", i),
			Filename:     fmt.Sprintf("%d.jpg", i),
			RelativePath: fmt.Sprintf("%d.jpg", i),
		}
		c.Images = append(c.Images, img)
		if i < 7 {
			c.Thumbnails = append(c.Thumbnails, model.ThumbnailEmbedded{ImageID: img.ID, Path: "/cache/" + img.ID + ".jpg"})
		}
	}

	job := env.newJob(t, model.JobTypeLibraryScan, "")
	msg := messages.LibraryScan{
		LibraryID:         "lib1",
		LibraryPath:       "/lib/A",
		IncludeSubfolders: true,
		ResumeIncomplete:  true,
		JobID:             job.ID.Hex(),
	}
	require.NoError(t, env.pipeline.processLibraryScan(ctx, msg))

	// Only the missing derivative work is enqueued, no rescan.
	assert.Empty(t, env.pub.byType(messages.TypeCollectionScan))
	assert.Empty(t, env.pub.byType(messages.TypeImageProcess))
	thumbs := env.pub.byType(messages.TypeThumbnailGen)
	caches := env.pub.byType(messages.TypeCacheGen)
	assert.Len(t, thumbs, 3)
	assert.Len(t, caches, 10)

	// Totals are seeded before the publishes.
	jobDoc, err := env.jobs.GetByID(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, int64(3), jobDoc.Stages[model.StageThumbnail].TotalItems)
	assert.Equal(t, int64(10), jobDoc.Stages[model.StageCache].TotalItems)

	first := thumbs[0].msg.(messages.ThumbnailGen)
	assert.Equal(t, "img-7", first.ImageID)
	assert.Equal(t, "/lib/A/CollA/7.jpg", first.Source.Path)
	assert.Equal(t, 400, first.Width)
	assert.Equal(t, 85, first.Quality)

	// A redelivered resume recomputes the same diff but adds nothing to the
	// planned totals.
	require.NoError(t, env.pipeline.processLibraryScan(ctx, msg))
	jobDoc, err = env.jobs.GetByID(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, int64(3), jobDoc.Stages[model.StageThumbnail].TotalItems)
	assert.Equal(t, int64(10), jobDoc.Stages[model.StageCache].TotalItems)
}

func TestLibraryScanResumeDirectMode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeJPEG(t, env.fs, "/lib/A/CollA/0.jpg", 10, 10)
	c := seedFolderCollection(t, env, "/lib/A/CollA")
	c.Settings.UseDirectFileAccess = true
	c.Images = []model.ImageEmbedded{
		{ID: "img-0", Filename: "0.jpg", RelativePath: "0.jpg", Width: 10, Height: 10, Format: "jpeg"},
	}

	job := env.newJob(t, model.JobTypeLibraryScan, "")
	err := env.pipeline.processLibraryScan(ctx, messages.LibraryScan{
		LibraryID:           "lib1",
		LibraryPath:         "/lib/A",
		IncludeSubfolders:   true,
		ResumeIncomplete:    true,
		UseDirectFileAccess: true,
		JobID:               job.ID.Hex(),
	})
	require.NoError(t, err)

	// Direct resume writes the entries immediately instead of publishing.
	assert.Empty(t, env.pub.sent)
	got, err := env.collections.GetByID(ctx, c.ID.Hex())
	require.NoError(t, err)
	require.Len(t, got.Thumbnails, 1)
	assert.True(t, got.Thumbnails[0].IsDirect)
	assert.Equal(t, "/lib/A/CollA/0.jpg", got.Thumbnails[0].Path)

	jobDoc, err := env.jobs.GetByID(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, jobDoc.Stages[model.StageThumbnail].Status)
	assert.Equal(t, model.JobStatusCompleted, jobDoc.Stages[model.StageCache].Status)
}

func TestLibraryScanMissingRootFailsScanStage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job := env.newJob(t, model.JobTypeLibraryScan, "")
	err := env.pipeline.processLibraryScan(ctx, messages.LibraryScan{
		LibraryID:   "lib1",
		LibraryPath: "/does/not/exist",
		JobID:       job.ID.Hex(),
	})
	require.NoError(t, err)

	jobDoc, err := env.jobs.GetByID(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, jobDoc.Stages[model.StageScan].Status)
}
