// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/streadway/amqp"

	"github.com/imageviewer/imageviewer/pkg/imaging"
	"github.com/imageviewer/imageviewer/pkg/messages"
	"github.com/imageviewer/imageviewer/pkg/model"
	"github.com/imageviewer/imageviewer/pkg/util/log"
)

// derivativeKind discriminates the two derivative stages; it picks the
// aggregate array, the stage counter and the file-name suffix.
type derivativeKind string

const (
	kindThumbnail derivativeKind = "thumb"
	kindCache     derivativeKind = "cache"
)

// derivativeSpec is the stage-independent shape of a derivative message.
type derivativeSpec struct {
	collectionID string
	imageID      string
	source       messages.ImageSource
	scanJobID    string
	width        int
	height       int
	quality      int
}

// HandleThumbnailGen is the thumbnail-gen consumer entry point.
func (p *Pipeline) HandleThumbnailGen(ctx context.Context, d amqp.Delivery) error {
	var msg messages.ThumbnailGen
	if err := messages.Decode(d.Body, &msg); err != nil {
		return fmt.Errorf("bad thumbnail-gen body: %v: %w", err, model.ErrValidation)
	}
	return p.generateDerivative(ctx, kindThumbnail, derivativeSpec{
		collectionID: msg.CollectionID,
		imageID:      msg.ImageID,
		source:       msg.Source,
		scanJobID:    msg.ScanJobID,
		width:        msg.Width,
		height:       msg.Height,
		quality:      msg.Quality,
	})
}

// HandleCacheGen is the cache-gen consumer entry point.
func (p *Pipeline) HandleCacheGen(ctx context.Context, d amqp.Delivery) error {
	var msg messages.CacheGen
	if err := messages.Decode(d.Body, &msg); err != nil {
		return fmt.Errorf("bad cache-gen body: %v: %w", err, model.ErrValidation)
	}
	return p.generateDerivative(ctx, kindCache, derivativeSpec{
		collectionID: msg.CollectionID,
		imageID:      msg.ImageID,
		source:       msg.Source,
		scanJobID:    msg.ScanJobID,
		width:        msg.Width,
		height:       msg.Height,
		quality:      msg.Quality,
	})
}

func (k derivativeKind) stage() string {
	if k == kindThumbnail {
		return model.StageThumbnail
	}
	return model.StageCache
}

// generateDerivative renders one derivative and records it. The whole handler
// is idempotent: the pre-check skips work that already happened, and every
// mutation is an add-if-absent.
func (p *Pipeline) generateDerivative(ctx context.Context, kind derivativeKind, spec derivativeSpec) error {
	if p.jobCancelled(ctx, spec.scanJobID) {
		log.Infof("%s gen %s/%s: job cancelled, dropping", kind, spec.collectionID, spec.imageID)
		return nil
	}

	collection, err := p.collections.GetByID(ctx, spec.collectionID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			log.Warnf("%s gen %s/%s: collection gone, dropping", kind, spec.collectionID, spec.imageID) //nolint:errcheck
			return nil
		}
		return err
	}

	// Pre-check: entry already in the aggregate and derivative present on
	// disk means a redelivery of finished work.
	if existing := p.existingDerivative(collection, kind, spec.imageID); existing != "" && p.fileExists(existing) {
		log.Debugf("%s gen %s/%s: already generated at %s", kind, spec.collectionID, spec.imageID, existing)
		return nil
	}

	src, err := p.readSource(spec.source)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrCorrupt) {
			return p.failDerivative(ctx, kind, spec, err)
		}
		return fmt.Errorf("unable to read original for %s/%s: %v: %w", spec.collectionID, spec.imageID, err, model.ErrTransient)
	}
	out, err := imaging.RenderResized(src, spec.width, spec.height, spec.quality)
	if err != nil {
		if errors.Is(err, model.ErrCorrupt) {
			return p.failDerivative(ctx, kind, spec, err)
		}
		return err
	}

	folder, err := p.pickFolder(ctx, int64(len(out.Data)))
	if err != nil {
		return err
	}
	path := derivativePath(folder.Path, spec.collectionID, spec.imageID, string(kind))
	if err := p.writeAtomic(path, out.Data); err != nil {
		return fmt.Errorf("unable to write derivative %s: %v: %w", path, err, model.ErrTransient)
	}

	added, err := p.recordDerivative(ctx, kind, spec, path, out)
	if err != nil {
		return err
	}
	if !added {
		// The aggregate already had the entry; the write above landed on the
		// same stable path, so nothing leaks.
		log.Debugf("%s gen %s/%s: entry already present", kind, spec.collectionID, spec.imageID)
		return nil
	}

	if err := p.folders.AtomicIncStats(ctx, folder.ID, int64(len(out.Data)), 1, spec.collectionID); err != nil {
		return err
	}
	return p.jobs.IncrementStage(ctx, spec.scanJobID, kind.stage(), 1)
}

func (p *Pipeline) existingDerivative(c *model.Collection, kind derivativeKind, imageID string) string {
	if kind == kindThumbnail {
		if t := c.ThumbnailFor(imageID); t != nil {
			return t.Path
		}
		return ""
	}
	if ci := c.CacheImageFor(imageID); ci != nil {
		return ci.Path
	}
	return ""
}

func (p *Pipeline) recordDerivative(ctx context.Context, kind derivativeKind, spec derivativeSpec, path string, out imaging.Rendered) (bool, error) {
	if kind == kindThumbnail {
		return p.collections.AtomicAddThumbnail(ctx, spec.collectionID, model.ThumbnailEmbedded{
			ImageID:  spec.imageID,
			Path:     path,
			Width:    out.Width,
			Height:   out.Height,
			ByteSize: int64(len(out.Data)),
			Format:   "jpeg",
		})
	}
	return p.collections.AtomicAddCacheImage(ctx, spec.collectionID, model.CacheImageEmbedded{
		ImageID:  spec.imageID,
		Path:     path,
		Width:    out.Width,
		Height:   out.Height,
		ByteSize: int64(len(out.Data)),
		Format:   "jpeg",
	})
}

// failDerivative records a per-image corruption and still moves the counter,
// mirroring the image-process policy: one bad original never wedges a stage.
func (p *Pipeline) failDerivative(ctx context.Context, kind derivativeKind, spec derivativeSpec, cause error) error {
	log.Warnf("%s gen %s/%s: %v", kind, spec.collectionID, spec.imageID, cause) //nolint:errcheck
	if err := p.jobs.SetStageStatus(ctx, spec.scanJobID, kind.stage(), model.JobStatusInProgress,
		fmt.Sprintf("image %s: %v", spec.imageID, cause)); err != nil {
		return err
	}
	return p.jobs.IncrementStage(ctx, spec.scanJobID, kind.stage(), 1)
}

// pickFolder returns the lowest-priority active cache folder with room for
// estBytes. The result is cached briefly; the capacity re-check against the
// cached statistics keeps a nearly-full folder from being overshot badly.
func (p *Pipeline) pickFolder(ctx context.Context, estBytes int64) (*model.CacheFolder, error) {
	if v, ok := p.folderCache.Get(folderCacheKey); ok {
		folder := v.(*model.CacheFolder)
		if folder.IsActive && folder.HasCapacity(estBytes) {
			return folder, nil
		}
	}
	folder, err := p.folders.FindActiveByLowestPriority(ctx, estBytes)
	if err != nil {
		return nil, err
	}
	p.folderCache.SetDefault(folderCacheKey, folder)
	return folder, nil
}
