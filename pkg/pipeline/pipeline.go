// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package pipeline implements the five ingestion stages and the orchestrator
// that starts a run. Every aggregate mutation goes through a single atomic
// store command, so redelivered messages are safe to process again.
package pipeline

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"github.com/spf13/afero"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/imageviewer/imageviewer/pkg/config"
	"github.com/imageviewer/imageviewer/pkg/imaging"
	"github.com/imageviewer/imageviewer/pkg/messages"
	"github.com/imageviewer/imageviewer/pkg/model"
	"github.com/imageviewer/imageviewer/pkg/util/log"
)

// Archive access goes through package vars so tests can substitute in-memory
// archives; the real readers only work against OS paths.
var (
	listArchiveEntries = imaging.ListImageEntries
	readArchiveEntry   = imaging.ReadEntry
)

// CollectionStore is the slice of the collection repository the stages use.
type CollectionStore interface {
	Insert(ctx context.Context, c *model.Collection) error
	GetByID(ctx context.Context, id string) (*model.Collection, error)
	FindByPath(ctx context.Context, path string) (*model.Collection, error)
	AtomicAddImage(ctx context.Context, id string, img model.ImageEmbedded) (bool, error)
	SetImageDimensions(ctx context.Context, id, imageID string, width, height int, format string) error
	AtomicAddThumbnail(ctx context.Context, id string, t model.ThumbnailEmbedded) (bool, error)
	AtomicAddCacheImage(ctx context.Context, id string, c model.CacheImageEmbedded) (bool, error)
	AtomicAddThumbnails(ctx context.Context, id string, thumbs []model.ThumbnailEmbedded, caches []model.CacheImageEmbedded) error
	ClearImageArrays(ctx context.Context, id string) error
}

// JobStore is the slice of the job repository the stages use.
type JobStore interface {
	Create(ctx context.Context, job *model.BackgroundJob) error
	GetByID(ctx context.Context, id string) (*model.BackgroundJob, error)
	IncrementStage(ctx context.Context, id, stage string, n int64) error
	SeedStageTotals(ctx context.Context, id, collectionID string, totals map[string]int64) (bool, error)
	SetStageStatus(ctx context.Context, id, stage string, status model.JobStatus, message string) error
	SetJobStatus(ctx context.Context, id string, status model.JobStatus, message string) error
}

// FolderStore is the slice of the cache-folder repository the stages use.
type FolderStore interface {
	FindActiveByLowestPriority(ctx context.Context, estBytes int64) (*model.CacheFolder, error)
	AtomicIncStats(ctx context.Context, id primitive.ObjectID, sizeDelta, fileDelta int64, collectionID string) error
}

// MessagePublisher sends stage messages.
type MessagePublisher interface {
	Publish(msgType string, msg interface{}) error
}

const (
	// folderCacheKey caches the currently chosen cache folder so the
	// derivative stages do not query the store on every message.
	folderCacheKey = "active-folder"
	folderCacheTTL = 10 * time.Second
)

// Pipeline holds the collaborators shared by every stage handler. It is
// stateless apart from the short-lived folder cache; one instance serves all
// consumer pools.
type Pipeline struct {
	fs          afero.Fs
	collections CollectionStore
	jobs        JobStore
	folders     FolderStore
	pub         MessagePublisher
	cfg         config.Config

	folderCache *cache.Cache
}

// New builds a pipeline. fs nil means the OS filesystem.
func New(fs afero.Fs, collections CollectionStore, jobs JobStore, folders FolderStore, pub MessagePublisher, cfg config.Config) *Pipeline {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Pipeline{
		fs:          fs,
		collections: collections,
		jobs:        jobs,
		folders:     folders,
		pub:         pub,
		cfg:         cfg,
		folderCache: cache.New(folderCacheTTL, time.Minute),
	}
}

// newMessageID tags one published message for tracing.
func newMessageID() string {
	return uuid.NewString()
}

// jobCancelled reports whether the job was cancelled. Cancelled work is
// acknowledged without mutating; derivatives already on disk stay in place.
// A missing job is treated as cancelled so orphaned messages drain instead of
// looping.
func (p *Pipeline) jobCancelled(ctx context.Context, jobID string) bool {
	if jobID == "" {
		return false
	}
	job, err := p.jobs.GetByID(ctx, jobID)
	if err != nil {
		log.Warnf("unable to check job %s, dropping message: %v", jobID, err) //nolint:errcheck
		return true
	}
	return job.Status == model.JobStatusCancelled
}

// sourceFor locates the original bytes of one embedded image.
func sourceFor(c *model.Collection, img *model.ImageEmbedded) messages.ImageSource {
	if c.Type == model.CollectionTypeArchive {
		return messages.ImageSource{ArchivePath: c.Path, EntryName: img.RelativePath}
	}
	return messages.ImageSource{Path: filepath.Join(c.Path, img.RelativePath)}
}

// readSource returns the original bytes behind src.
func (p *Pipeline) readSource(src messages.ImageSource) ([]byte, error) {
	if src.InArchive() {
		return readArchiveEntry(src.ArchivePath, src.EntryName)
	}
	return afero.ReadFile(p.fs, src.Path)
}

// derivativePath is the stable on-disk location of one derivative. Keeping it
// a pure function of (folder, collection, image, kind) is what makes the
// pre-check in the derivative stages work across redeliveries.
func derivativePath(folderRoot, collectionID, imageID, kind string) string {
	return filepath.Join(folderRoot, collectionID, imageID+"_"+kind+".jpg")
}

// writeAtomic writes data via a temp file and a rename, so readers never see
// a partial derivative.
func (p *Pipeline) writeAtomic(path string, data []byte) error {
	if err := p.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(p.fs, tmp, data, 0o644); err != nil {
		return err
	}
	return p.fs.Rename(tmp, path)
}

// fileExists reports whether path is present on the pipeline filesystem.
func (p *Pipeline) fileExists(path string) bool {
	ok, err := afero.Exists(p.fs, path)
	return err == nil && ok
}
