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

// HandleImageProcess is the image-process consumer entry point.
func (p *Pipeline) HandleImageProcess(ctx context.Context, d amqp.Delivery) error {
	var msg messages.ImageProcess
	if err := messages.Decode(d.Body, &msg); err != nil {
		return fmt.Errorf("bad image-process body: %v: %w", err, model.ErrValidation)
	}
	return p.processImage(ctx, msg)
}

// processImage probes the original for (width, height, format), writes them
// into the embedded image, and fans out the two derivative messages. A
// corrupted image fails only itself: the scan counter still moves so the
// stage can close around it.
func (p *Pipeline) processImage(ctx context.Context, msg messages.ImageProcess) error {
	if p.jobCancelled(ctx, msg.ScanJobID) {
		log.Infof("image process %s/%s: job cancelled, dropping", msg.CollectionID, msg.ImageID)
		return nil
	}

	collection, err := p.collections.GetByID(ctx, msg.CollectionID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			log.Warnf("image process %s/%s: collection gone, dropping", msg.CollectionID, msg.ImageID) //nolint:errcheck
			return nil
		}
		return err
	}

	data, err := p.readSource(msg.Source)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrCorrupt) {
			return p.failImage(ctx, msg, err)
		}
		return fmt.Errorf("unable to read original for %s/%s: %v: %w", msg.CollectionID, msg.ImageID, err, model.ErrTransient)
	}
	info, err := imaging.Probe(data)
	if err != nil {
		return p.failImage(ctx, msg, err)
	}

	if err := p.collections.SetImageDimensions(ctx, msg.CollectionID, msg.ImageID, info.Width, info.Height, info.Format); err != nil {
		return err
	}

	if !collection.Settings.UseDirectFileAccess {
		if err := p.publishThumbnailGenFromSource(msg); err != nil {
			return err
		}
		if err := p.publishCacheGenFromSource(msg); err != nil {
			return err
		}
	}

	// The authoritative scan-complete marker for this image.
	return p.jobs.IncrementStage(ctx, msg.ScanJobID, model.StageScan, 1)
}

// failImage records a per-image corruption on the job without failing the
// whole scan stage, and still moves the counter so siblings can close the
// stage.
func (p *Pipeline) failImage(ctx context.Context, msg messages.ImageProcess, cause error) error {
	log.Warnf("image process %s/%s: %v", msg.CollectionID, msg.ImageID, cause) //nolint:errcheck
	if err := p.jobs.SetStageStatus(ctx, msg.ScanJobID, model.StageScan, model.JobStatusInProgress,
		fmt.Sprintf("image %s: %v", msg.ImageID, cause)); err != nil {
		return err
	}
	return p.jobs.IncrementStage(ctx, msg.ScanJobID, model.StageScan, 1)
}

func (p *Pipeline) publishThumbnailGenFromSource(msg messages.ImageProcess) error {
	return p.pub.Publish(messages.TypeThumbnailGen, messages.ThumbnailGen{
		MessageID:    newMessageID(),
		CollectionID: msg.CollectionID,
		ImageID:      msg.ImageID,
		Source:       msg.Source,
		ScanJobID:    msg.ScanJobID,
		Width:        p.cfg.Thumbnail.Width,
		Height:       p.cfg.Thumbnail.Height,
		Format:       "jpeg",
		Quality:      p.cfg.Thumbnail.Quality,
	})
}

func (p *Pipeline) publishCacheGenFromSource(msg messages.ImageProcess) error {
	return p.pub.Publish(messages.TypeCacheGen, messages.CacheGen{
		MessageID:    newMessageID(),
		CollectionID: msg.CollectionID,
		ImageID:      msg.ImageID,
		Source:       msg.Source,
		ScanJobID:    msg.ScanJobID,
		Width:        p.cfg.Cache.Width,
		Height:       p.cfg.Cache.Height,
		Format:       "jpeg",
		Quality:      p.cfg.Cache.Quality,
	})
}
