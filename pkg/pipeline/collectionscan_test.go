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

	"github.com/imageviewer/imageviewer/pkg/imaging"
	"github.com/imageviewer/imageviewer/pkg/messages"
	"github.com/imageviewer/imageviewer/pkg/model"
)

func seedFolderCollection(t *testing.T, env *testEnv, path string) *model.Collection {
	t.Helper()
	c := &model.Collection{
		Name:      "CollA",
		Path:      path,
		Type:      model.CollectionTypeFolder,
		LibraryID: "lib1",
		Settings:  model.CollectionSettings{GenerateThumbnails: true, GenerateCache: true},
	}
	require.NoError(t, env.collections.Insert(context.Background(), c))
	return c
}

func TestCollectionScanFolder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeJPEG(t, env.fs, "/lib/A/CollA/1.jpg", 500, 300)
	writePNG(t, env.fs, "/lib/A/CollA/2.png", 400, 400)
	c := seedFolderCollection(t, env, "/lib/A/CollA")
	job := env.newJob(t, model.JobTypeCollectionScan, c.ID.Hex())

	err := env.pipeline.processCollectionScan(ctx, messages.CollectionScan{
		CollectionID:   c.ID.Hex(),
		CollectionPath: c.Path,
		CollectionType: string(model.CollectionTypeFolder),
		JobID:          job.ID.Hex(),
	})
	require.NoError(t, err)

	got, err := env.collections.GetByID(ctx, c.ID.Hex())
	require.NoError(t, err)
	require.Len(t, got.Images, 2)
	// Deterministic case-insensitive order by relative path.
	assert.Equal(t, "1.jpg", got.Images[0].Filename)
	assert.Equal(t, "2.png", got.Images[1].Filename)
	// Folder entries get an eager dimension probe.
	assert.Equal(t, 500, got.Images[0].Width)
	assert.Equal(t, 300, got.Images[0].Height)
	assert.Equal(t, "jpeg", got.Images[0].Format)

	// One image-process per newly-added image.
	assert.Len(t, env.pub.byType(messages.TypeImageProcess), 2)
	assert.Empty(t, env.pub.byType(messages.TypeThumbnailGen))

	jobDoc, err := env.jobs.GetByID(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, int64(2), jobDoc.Stages[model.StageScan].TotalItems)
	assert.Equal(t, int64(2), jobDoc.Stages[model.StageThumbnail].TotalItems)
	assert.Equal(t, int64(2), jobDoc.Stages[model.StageCache].TotalItems)
}

func TestCollectionScanIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeJPEG(t, env.fs, "/lib/A/CollA/1.jpg", 100, 80)
	writePNG(t, env.fs, "/lib/A/CollA/sub/1.jpg.png", 90, 60)
	c := seedFolderCollection(t, env, "/lib/A/CollA")
	job := env.newJob(t, model.JobTypeCollectionScan, c.ID.Hex())

	msg := messages.CollectionScan{
		CollectionID:   c.ID.Hex(),
		CollectionPath: c.Path,
		CollectionType: string(model.CollectionTypeFolder),
		JobID:          job.ID.Hex(),
	}
	require.NoError(t, env.pipeline.processCollectionScan(ctx, msg))
	firstPublishes := len(env.pub.sent)
	require.NoError(t, env.pipeline.processCollectionScan(ctx, msg))

	got, err := env.collections.GetByID(ctx, c.ID.Hex())
	require.NoError(t, err)
	// No duplicates on rerun, and nothing new published.
	assert.Len(t, got.Images, 2)
	assert.Equal(t, int64(2), got.Statistics.TotalItems)
	assert.Len(t, env.pub.sent, firstPublishes)

	// The planned totals are untouched too. An inflated total would keep the
	// stage above what the collection can ever reach, so the job would never
	// close.
	jobDoc, err := env.jobs.GetByID(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, int64(2), jobDoc.Stages[model.StageScan].TotalItems)
	assert.Equal(t, int64(2), jobDoc.Stages[model.StageThumbnail].TotalItems)
	assert.Equal(t, int64(2), jobDoc.Stages[model.StageCache].TotalItems)
	assert.Equal(t, int64(6), jobDoc.TotalItems)
}

func TestCollectionScanDuplicateFilenamesAcrossSubfolders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeJPEG(t, env.fs, "/lib/A/CollA/x/cover.jpg", 50, 50)
	writeJPEG(t, env.fs, "/lib/A/CollA/y/cover.jpg", 60, 60)
	c := seedFolderCollection(t, env, "/lib/A/CollA")
	job := env.newJob(t, model.JobTypeCollectionScan, c.ID.Hex())

	err := env.pipeline.processCollectionScan(ctx, messages.CollectionScan{
		CollectionID:   c.ID.Hex(),
		CollectionPath: c.Path,
		CollectionType: string(model.CollectionTypeFolder),
		JobID:          job.ID.Hex(),
	})
	require.NoError(t, err)

	got, err := env.collections.GetByID(ctx, c.ID.Hex())
	require.NoError(t, err)
	// Same filename, different relative path: both kept.
	assert.Len(t, got.Images, 2)
}

func TestCollectionScanDirectMode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeJPEG(t, env.fs, "/lib/A/CollA/1.jpg", 500, 300)
	writePNG(t, env.fs, "/lib/A/CollA/2.png", 400, 400)
	c := seedFolderCollection(t, env, "/lib/A/CollA")
	c.Settings.UseDirectFileAccess = true
	job := env.newJob(t, model.JobTypeCollectionScan, c.ID.Hex())

	err := env.pipeline.processCollectionScan(ctx, messages.CollectionScan{
		CollectionID:        c.ID.Hex(),
		CollectionPath:      c.Path,
		CollectionType:      string(model.CollectionTypeFolder),
		UseDirectFileAccess: true,
		JobID:               job.ID.Hex(),
	})
	require.NoError(t, err)

	got, err := env.collections.GetByID(ctx, c.ID.Hex())
	require.NoError(t, err)
	require.Len(t, got.Images, 2)
	require.Len(t, got.Thumbnails, 2)
	require.Len(t, got.CacheImages, 2)
	for i := range got.Thumbnails {
		assert.True(t, got.Thumbnails[i].IsDirect)
		assert.Equal(t, "/lib/A/CollA/"+got.Images[i].Filename, got.Thumbnails[i].Path)
	}

	// No derivative messages and no derivative totals in direct mode.
	assert.Empty(t, env.pub.sent)
	jobDoc, err := env.jobs.GetByID(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, jobDoc.Stages[model.StageThumbnail].Status)
	assert.Equal(t, model.JobStatusCompleted, jobDoc.Stages[model.StageCache].Status)
	// The scan counter is owned by this stage when nothing fans out behind it.
	assert.Equal(t, int64(2), jobDoc.Stages[model.StageScan].CompletedItems)
	assert.Equal(t, int64(2), jobDoc.Stages[model.StageScan].TotalItems)
}

func TestCollectionScanArchive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	restoreList := listArchiveEntries
	listArchiveEntries = func(string) ([]imaging.Entry, error) {
		// c.txt never shows up: the lister filters to supported images.
		return []imaging.Entry{{Name: "a.jpg", Size: 1000}, {Name: "b.jpg", Size: 2000}}, nil
	}
	t.Cleanup(func() { listArchiveEntries = restoreList })

	c := &model.Collection{
		Name:      "pack",
		Path:      "/lib/A/pack.zip",
		Type:      model.CollectionTypeArchive,
		LibraryID: "lib1",
	}
	require.NoError(t, env.collections.Insert(ctx, c))
	job := env.newJob(t, model.JobTypeCollectionScan, c.ID.Hex())

	err := env.pipeline.processCollectionScan(ctx, messages.CollectionScan{
		CollectionID:   c.ID.Hex(),
		CollectionPath: c.Path,
		CollectionType: string(model.CollectionTypeArchive),
		JobID:          job.ID.Hex(),
	})
	require.NoError(t, err)

	got, err := env.collections.GetByID(ctx, c.ID.Hex())
	require.NoError(t, err)
	require.Len(t, got.Images, 2)
	// Dimension extraction for archive entries is deferred to image-process.
	assert.Equal(t, 0, got.Images[0].Width)

	procs := env.pub.byType(messages.TypeImageProcess)
	require.Len(t, procs, 2)
	first := procs[0].msg.(messages.ImageProcess)
	assert.Equal(t, "/lib/A/pack.zip", first.Source.ArchivePath)
	assert.Equal(t, "a.jpg", first.Source.EntryName)
	assert.True(t, first.Source.InArchive())
}

func TestCollectionScanUnreadableArchiveFailsStage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	restoreList := listArchiveEntries
	listArchiveEntries = func(string) ([]imaging.Entry, error) {
		return nil, fmt.Errorf("bad central directory: %w", model.ErrCorrupt)
	}
	t.Cleanup(func() { listArchiveEntries = restoreList })

	c := &model.Collection{
		Name: "broken", Path: "/lib/A/broken.zip", Type: model.CollectionTypeArchive, LibraryID: "lib1",
	}
	require.NoError(t, env.collections.Insert(ctx, c))
	job := env.newJob(t, model.JobTypeCollectionScan, c.ID.Hex())

	// Corruption acknowledges: the handler returns nil after failing the stage.
	err := env.pipeline.processCollectionScan(ctx, messages.CollectionScan{
		CollectionID:   c.ID.Hex(),
		CollectionPath: c.Path,
		CollectionType: string(model.CollectionTypeArchive),
		JobID:          job.ID.Hex(),
	})
	require.NoError(t, err)

	jobDoc, err := env.jobs.GetByID(ctx, job.ID.Hex())
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, jobDoc.Stages[model.StageScan].Status)
	assert.Contains(t, jobDoc.Stages[model.StageScan].ErrorMessage, "central directory")
}

func TestCollectionScanForceRescanClearsFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeJPEG(t, env.fs, "/lib/A/CollA/1.jpg", 100, 80)
	c := seedFolderCollection(t, env, "/lib/A/CollA")
	c.Images = []model.ImageEmbedded{{ID: "old", Filename: "gone.jpg", RelativePath: "gone.jpg"}}
	c.Thumbnails = []model.ThumbnailEmbedded{{ImageID: "old", Path: "/cache/x.jpg"}}
	job := env.newJob(t, model.JobTypeCollectionScan, c.ID.Hex())

	err := env.pipeline.processCollectionScan(ctx, messages.CollectionScan{
		CollectionID:   c.ID.Hex(),
		CollectionPath: c.Path,
		CollectionType: string(model.CollectionTypeFolder),
		ForceRescan:    true,
		JobID:          job.ID.Hex(),
	})
	require.NoError(t, err)

	got, err := env.collections.GetByID(ctx, c.ID.Hex())
	require.NoError(t, err)
	require.Len(t, got.Images, 1)
	assert.Equal(t, "1.jpg", got.Images[0].Filename)
	assert.Empty(t, got.Thumbnails)
}

func TestCollectionScanCancelledJobDropsWithoutMutating(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	writeJPEG(t, env.fs, "/lib/A/CollA/1.jpg", 100, 80)
	c := seedFolderCollection(t, env, "/lib/A/CollA")
	job := env.newJob(t, model.JobTypeCollectionScan, c.ID.Hex())
	require.NoError(t, env.jobs.SetJobStatus(ctx, job.ID.Hex(), model.JobStatusCancelled, ""))

	err := env.pipeline.processCollectionScan(ctx, messages.CollectionScan{
		CollectionID:   c.ID.Hex(),
		CollectionPath: c.Path,
		CollectionType: string(model.CollectionTypeFolder),
		JobID:          job.ID.Hex(),
	})
	require.NoError(t, err)

	got, err := env.collections.GetByID(ctx, c.ID.Hex())
	require.NoError(t, err)
	assert.Empty(t, got.Images)
	assert.Empty(t, env.pub.sent)
}
