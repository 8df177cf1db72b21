// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/imageviewer/imageviewer/pkg/imaging"
	"github.com/imageviewer/imageviewer/pkg/messages"
	"github.com/imageviewer/imageviewer/pkg/model"
	"github.com/imageviewer/imageviewer/pkg/util/log"
)

// HandleCollectionScan is the collection-scan consumer entry point.
func (p *Pipeline) HandleCollectionScan(ctx context.Context, d amqp.Delivery) error {
	var msg messages.CollectionScan
	if err := messages.Decode(d.Body, &msg); err != nil {
		return fmt.Errorf("bad collection-scan body: %v: %w", err, model.ErrValidation)
	}
	return p.processCollectionScan(ctx, msg)
}

// mediaEntry is one discovered original, relative to the collection root.
type mediaEntry struct {
	relativePath string
	size         int64
}

func (p *Pipeline) processCollectionScan(ctx context.Context, msg messages.CollectionScan) error {
	if p.jobCancelled(ctx, msg.JobID) {
		log.Infof("collection scan %s: job %s cancelled, dropping", msg.CollectionID, msg.JobID)
		return nil
	}

	if msg.ForceRescan {
		if err := p.collections.ClearImageArrays(ctx, msg.CollectionID); err != nil {
			return err
		}
	}

	collection, err := p.collections.GetByID(ctx, msg.CollectionID)
	if err != nil {
		return err
	}

	entries, err := p.enumerate(collection)
	if err != nil {
		if errors.Is(err, model.ErrCorrupt) {
			// Unreadable archive: record the failure and stop. Images appended
			// before the error stay in place.
			log.Warnf("collection scan %s: %v", msg.CollectionID, err) //nolint:errcheck
			return p.jobs.SetStageStatus(ctx, msg.JobID, model.StageScan, model.JobStatusFailed, err.Error())
		}
		return err
	}
	log.Infof("collection scan %s: %d media entries under %s", msg.CollectionID, len(entries), collection.Path)

	direct := msg.UseDirectFileAccess && collection.Type == model.CollectionTypeFolder

	// Totals are added before anything is appended or published so a consumer
	// increment can never land ahead of its counter. The seeding is keyed on
	// the collection id, so a redelivered message adds nothing and the totals
	// stay equal to what the collection actually holds.
	totals := map[string]int64{model.StageScan: int64(len(entries))}
	if !direct {
		totals[model.StageThumbnail] = int64(len(entries))
		totals[model.StageCache] = int64(len(entries))
	}
	seeded, err := p.jobs.SeedStageTotals(ctx, msg.JobID, msg.CollectionID, totals)
	if err != nil {
		return err
	}
	if !seeded {
		log.Debugf("collection scan %s: totals already recorded on job %s", msg.CollectionID, msg.JobID)
	}

	var added []model.ImageEmbedded
	for _, entry := range entries {
		if ctx.Err() != nil {
			return fmt.Errorf("collection scan interrupted: %w", model.ErrCancelled)
		}
		img := p.buildImage(collection, entry)
		ok, err := p.collections.AtomicAddImage(ctx, msg.CollectionID, img)
		if err != nil {
			return err
		}
		if ok {
			added = append(added, img)
		}
	}

	if direct {
		return p.finishDirectScan(ctx, msg.JobID, collection, added)
	}

	for i := range added {
		img := &added[i]
		err := p.pub.Publish(messages.TypeImageProcess, messages.ImageProcess{
			MessageID:    newMessageID(),
			CollectionID: msg.CollectionID,
			ImageID:      img.ID,
			Source:       sourceFor(collection, img),
			ScanJobID:    msg.JobID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// enumerate lists the media entries of one collection deterministically:
// case-insensitive by relative path for folders, by entry name for archives.
func (p *Pipeline) enumerate(c *model.Collection) ([]mediaEntry, error) {
	if c.Type == model.CollectionTypeArchive {
		archEntries, err := listArchiveEntries(c.Path)
		if err != nil {
			return nil, err
		}
		out := make([]mediaEntry, 0, len(archEntries))
		for _, e := range archEntries {
			out = append(out, mediaEntry{relativePath: e.Name, size: e.Size})
		}
		return out, nil
	}

	var out []mediaEntry
	err := aferoWalk(p.fs, c.Path, func(path string, fi os.FileInfo) {
		if fi.IsDir() || !imaging.IsSupportedImage(path) {
			return
		}
		rel, err := filepath.Rel(c.Path, path)
		if err != nil {
			return
		}
		out = append(out, mediaEntry{relativePath: rel, size: fi.Size()})
	})
	if err != nil {
		return nil, fmt.Errorf("unable to walk collection %s: %v: %w", c.Path, err, model.ErrTransient)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].relativePath) < strings.ToLower(out[j].relativePath)
	})
	return out, nil
}

// buildImage assembles the embedded image for one entry. Folder entries get
// an eager dimension probe; a probe failure still adds the image with zero
// dimensions and image-process recomputes them.
func (p *Pipeline) buildImage(c *model.Collection, entry mediaEntry) model.ImageEmbedded {
	img := model.ImageEmbedded{
		ID:           uuid.NewString(),
		Filename:     filepath.Base(entry.relativePath),
		RelativePath: entry.relativePath,
		ByteSize:     entry.size,
		Format:       imaging.FormatForName(entry.relativePath),
		AddedAt:      time.Now().UTC(),
	}
	if c.Type == model.CollectionTypeFolder {
		if data, err := p.readSource(sourceFor(c, &img)); err == nil {
			if info, err := imaging.Probe(data); err == nil {
				img.Width = info.Width
				img.Height = info.Height
				img.Format = info.Format
			}
		}
	}
	return img
}

// finishDirectScan writes direct-reference derivative entries for the newly
// added images in one compound command, counts the scan work itself (there is
// no image-process behind it), and closes both derivative stages.
func (p *Pipeline) finishDirectScan(ctx context.Context, jobID string, c *model.Collection, added []model.ImageEmbedded) error {
	if len(added) > 0 {
		if err := p.addDirectEntries(ctx, jobID, c, added, added); err != nil {
			return err
		}
	} else {
		if err := p.jobs.SetStageStatus(ctx, jobID, model.StageThumbnail, model.JobStatusCompleted, "direct file access"); err != nil {
			return err
		}
		if err := p.jobs.SetStageStatus(ctx, jobID, model.StageCache, model.JobStatusCompleted, "direct file access"); err != nil {
			return err
		}
	}
	return p.jobs.IncrementStage(ctx, jobID, model.StageScan, int64(len(added)))
}
