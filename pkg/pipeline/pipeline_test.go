// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/imageviewer/imageviewer/pkg/config"
	"github.com/imageviewer/imageviewer/pkg/model"
)

// fakeCollections mirrors the guarded-update semantics of the real
// repository in memory.
type fakeCollections struct {
	mu   sync.Mutex
	byID map[string]*model.Collection
}

func newFakeCollections() *fakeCollections {
	return &fakeCollections{byID: map[string]*model.Collection{}}
}

func (f *fakeCollections) Insert(_ context.Context, c *model.Collection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.byID {
		if existing.Path == c.Path && !existing.IsDeleted {
			return fmt.Errorf("duplicate path %s: %w", c.Path, model.ErrConflict)
		}
	}
	if c.ID.IsZero() {
		c.ID = primitive.NewObjectID()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	f.byID[c.ID.Hex()] = c
	return nil
}

func (f *fakeCollections) GetByID(_ context.Context, id string) (*model.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("collection %s: %w", id, model.ErrNotFound)
	}
	return c, nil
}

func (f *fakeCollections) FindByPath(_ context.Context, path string) (*model.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.byID {
		if c.Path == path && !c.IsDeleted {
			return c, nil
		}
	}
	return nil, fmt.Errorf("path %s: %w", path, model.ErrNotFound)
}

func (f *fakeCollections) AtomicAddImage(_ context.Context, id string, img model.ImageEmbedded) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return false, fmt.Errorf("collection %s: %w", id, model.ErrNotFound)
	}
	if c.HasImage(img.Filename, img.RelativePath) {
		return false, nil
	}
	c.Images = append(c.Images, img)
	c.Statistics.TotalItems++
	c.Statistics.TotalSize += img.ByteSize
	c.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (f *fakeCollections) SetImageDimensions(_ context.Context, id, imageID string, width, height int, format string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return fmt.Errorf("collection %s: %w", id, model.ErrNotFound)
	}
	for i := range c.Images {
		if c.Images[i].ID == imageID {
			c.Images[i].Width = width
			c.Images[i].Height = height
			c.Images[i].Format = format
		}
	}
	return nil
}

func (f *fakeCollections) AtomicAddThumbnail(_ context.Context, id string, t model.ThumbnailEmbedded) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return false, fmt.Errorf("collection %s: %w", id, model.ErrNotFound)
	}
	for _, existing := range c.Thumbnails {
		if existing.ImageID == t.ImageID && existing.Width == t.Width && existing.Height == t.Height {
			return false, nil
		}
	}
	c.Thumbnails = append(c.Thumbnails, t)
	return true, nil
}

func (f *fakeCollections) AtomicAddCacheImage(_ context.Context, id string, ci model.CacheImageEmbedded) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return false, fmt.Errorf("collection %s: %w", id, model.ErrNotFound)
	}
	for _, existing := range c.CacheImages {
		if existing.ImageID == ci.ImageID {
			return false, nil
		}
	}
	c.CacheImages = append(c.CacheImages, ci)
	return true, nil
}

func (f *fakeCollections) AtomicAddThumbnails(_ context.Context, id string, thumbs []model.ThumbnailEmbedded, caches []model.CacheImageEmbedded) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return fmt.Errorf("collection %s: %w", id, model.ErrNotFound)
	}
	c.Thumbnails = append(c.Thumbnails, thumbs...)
	c.CacheImages = append(c.CacheImages, caches...)
	return nil
}

func (f *fakeCollections) ClearImageArrays(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return fmt.Errorf("collection %s: %w", id, model.ErrNotFound)
	}
	c.Images = nil
	c.Thumbnails = nil
	c.CacheImages = nil
	c.Statistics = model.CollectionStatistics{}
	return nil
}

// fakeJobs mirrors the counter semantics of the job repository.
type fakeJobs struct {
	mu   sync.Mutex
	byID map[string]*model.BackgroundJob
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{byID: map[string]*model.BackgroundJob{}}
}

func (f *fakeJobs) Create(_ context.Context, job *model.BackgroundJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.ID.IsZero() {
		job.ID = primitive.NewObjectID()
	}
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}
	if job.Stages == nil {
		job.Stages = map[string]model.JobStage{}
	}
	f.byID[job.ID.Hex()] = job
	return nil
}

func (f *fakeJobs) GetByID(_ context.Context, id string) (*model.BackgroundJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.byID[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	return job, nil
}

func (f *fakeJobs) IncrementStage(_ context.Context, id, stage string, n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.byID[id]
	if !ok {
		return nil
	}
	s := job.Stages[stage]
	s.CompletedItems += n
	job.Stages[stage] = s
	job.CompletedItems += n
	return nil
}

func (f *fakeJobs) SeedStageTotals(_ context.Context, id, collectionID string, totals map[string]int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.byID[id]
	if !ok {
		return false, nil
	}
	for _, seen := range job.SeededCollections {
		if seen == collectionID {
			return false, nil
		}
	}
	job.SeededCollections = append(job.SeededCollections, collectionID)
	for stage, n := range totals {
		s := job.Stages[stage]
		s.TotalItems += n
		job.Stages[stage] = s
		job.TotalItems += n
	}
	return true, nil
}

func (f *fakeJobs) SetStageStatus(_ context.Context, id, stage string, status model.JobStatus, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.byID[id]
	if !ok {
		return nil
	}
	s := job.Stages[stage]
	s.Status = status
	if status == model.JobStatusFailed {
		s.ErrorMessage = message
	} else if message != "" {
		s.Message = message
	}
	job.Stages[stage] = s
	return nil
}

func (f *fakeJobs) SetJobStatus(_ context.Context, id string, status model.JobStatus, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.byID[id]
	if !ok {
		return nil
	}
	job.Status = status
	if message != "" {
		job.Message = message
	}
	return nil
}

// fakeFolders serves one folder list and applies stat updates in memory.
type fakeFolders struct {
	mu      sync.Mutex
	folders []*model.CacheFolder
}

func (f *fakeFolders) FindActiveByLowestPriority(_ context.Context, estBytes int64) (*model.CacheFolder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *model.CacheFolder
	for _, folder := range f.folders {
		if !folder.IsActive || !folder.HasCapacity(estBytes) {
			continue
		}
		if best == nil || folder.Priority < best.Priority {
			best = folder
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no cache folder with capacity: %w", model.ErrNotFound)
	}
	return best, nil
}

func (f *fakeFolders) AtomicIncStats(_ context.Context, id primitive.ObjectID, sizeDelta, fileDelta int64, collectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, folder := range f.folders {
		if folder.ID != id {
			continue
		}
		folder.CurrentSizeBytes += sizeDelta
		folder.TotalFiles += fileDelta
		for _, existing := range folder.CachedCollectionIDs {
			if existing == collectionID {
				return nil
			}
		}
		folder.CachedCollectionIDs = append(folder.CachedCollectionIDs, collectionID)
		folder.TotalCollections = int64(len(folder.CachedCollectionIDs))
		return nil
	}
	return nil
}

// published is one recorded publish call.
type published struct {
	msgType string
	msg     interface{}
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (f *fakePublisher) Publish(msgType string, msg interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{msgType: msgType, msg: msg})
	return nil
}

func (f *fakePublisher) byType(msgType string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.sent {
		if p.msgType == msgType {
			out = append(out, p)
		}
	}
	return out
}

// testEnv bundles a pipeline with all its fakes.
type testEnv struct {
	fs          afero.Fs
	collections *fakeCollections
	jobs        *fakeJobs
	folders     *fakeFolders
	pub         *fakePublisher
	pipeline    *Pipeline
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		fs:          afero.NewMemMapFs(),
		collections: newFakeCollections(),
		jobs:        newFakeJobs(),
		folders:     &fakeFolders{},
		pub:         &fakePublisher{},
	}
	cfg := config.Defaults()
	env.pipeline = New(env.fs, env.collections, env.jobs, env.folders, env.pub, cfg)
	return env
}

func (e *testEnv) addCacheFolder(t *testing.T, path string, priority int, maxSize int64) *model.CacheFolder {
	t.Helper()
	folder := &model.CacheFolder{
		ID:           primitive.NewObjectID(),
		Path:         path,
		Priority:     priority,
		MaxSizeBytes: maxSize,
		IsActive:     true,
	}
	e.folders.folders = append(e.folders.folders, folder)
	return folder
}

func (e *testEnv) newJob(t *testing.T, jobType, collectionID string) *model.BackgroundJob {
	t.Helper()
	job := &model.BackgroundJob{
		Type:         jobType,
		CollectionID: collectionID,
		Stages: map[string]model.JobStage{
			model.StageScan:      model.NewStage(0),
			model.StageThumbnail: model.NewStage(0),
			model.StageCache:     model.NewStage(0),
		},
	}
	require.NoError(t, e.jobs.Create(context.Background(), job))
	return job
}

func writePNG(t *testing.T, fs afero.Fs, path string, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: uint8(x), G: 40, B: 120, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, afero.WriteFile(fs, path, buf.Bytes(), 0o644))
	return buf.Bytes()
}

func writeJPEG(t *testing.T, fs afero.Fs, path string, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	require.NoError(t, afero.WriteFile(fs, path, buf.Bytes(), 0o644))
	return buf.Bytes()
}
