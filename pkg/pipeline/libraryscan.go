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

	"github.com/spf13/afero"
	"github.com/streadway/amqp"

	"github.com/imageviewer/imageviewer/pkg/imaging"
	"github.com/imageviewer/imageviewer/pkg/messages"
	"github.com/imageviewer/imageviewer/pkg/model"
	"github.com/imageviewer/imageviewer/pkg/util/log"
)

// HandleLibraryScan is the library-scan consumer entry point.
func (p *Pipeline) HandleLibraryScan(ctx context.Context, d amqp.Delivery) error {
	var msg messages.LibraryScan
	if err := messages.Decode(d.Body, &msg); err != nil {
		return fmt.Errorf("bad library-scan body: %v: %w", err, model.ErrValidation)
	}
	return p.processLibraryScan(ctx, msg)
}

// candidate is one collection root discovered under a library path.
type candidate struct {
	path string
	name string
	typ  model.CollectionType
}

func (p *Pipeline) processLibraryScan(ctx context.Context, msg messages.LibraryScan) error {
	if p.jobCancelled(ctx, msg.JobID) {
		log.Infof("library scan %s: job %s cancelled, dropping", msg.LibraryID, msg.JobID)
		return nil
	}
	if err := p.jobs.SetJobStatus(ctx, msg.JobID, model.JobStatusInProgress, ""); err != nil {
		return err
	}
	if err := p.jobs.SetStageStatus(ctx, msg.JobID, model.StageScan, model.JobStatusInProgress, ""); err != nil {
		return err
	}

	candidates, err := p.discoverCandidates(msg.LibraryPath, msg.IncludeSubfolders)
	if err != nil {
		// The library root itself is unreadable; nothing to fan out.
		if failErr := p.jobs.SetStageStatus(ctx, msg.JobID, model.StageScan, model.JobStatusFailed, err.Error()); failErr != nil {
			return failErr
		}
		log.Warnf("library scan %s: %v", msg.LibraryID, err) //nolint:errcheck
		return nil
	}
	log.Infof("library scan %s: %d candidate collections under %s", msg.LibraryID, len(candidates), msg.LibraryPath)

	// A failing candidate must not abort its siblings; errors are recorded on
	// the job message and the walk continues.
	var failed int
	for _, cand := range candidates {
		if ctx.Err() != nil {
			return fmt.Errorf("library scan interrupted: %w", model.ErrCancelled)
		}
		if err := p.dispatchCandidate(ctx, msg, cand); err != nil {
			failed++
			log.Warnf("library scan %s: candidate %s: %v", msg.LibraryID, cand.path, err) //nolint:errcheck
		}
	}
	if failed > 0 {
		return p.jobs.SetStageStatus(ctx, msg.JobID, model.StageScan, model.JobStatusInProgress,
			fmt.Sprintf("%d of %d candidates failed", failed, len(candidates)))
	}
	return nil
}

// discoverCandidates walks the library root and returns every folder holding
// at least one supported image, plus every supported archive file. With
// includeSubfolders false only the root itself and its direct entries are
// considered.
func (p *Pipeline) discoverCandidates(root string, includeSubfolders bool) ([]candidate, error) {
	info, err := p.fs.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("unable to stat library root %s: %v: %w", root, err, model.ErrValidation)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("library root %s is not a directory: %w", root, model.ErrValidation)
	}

	seen := map[string]bool{}
	var out []candidate
	addFolder := func(dir string) {
		if !seen[dir] {
			seen[dir] = true
			out = append(out, candidate{path: dir, name: filepath.Base(dir), typ: model.CollectionTypeFolder})
		}
	}

	walk := func(path string, fi os.FileInfo) {
		if fi.IsDir() {
			return
		}
		switch {
		case imaging.IsSupportedArchive(path):
			out = append(out, candidate{path: path, name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), typ: model.CollectionTypeArchive})
		case imaging.IsSupportedImage(path):
			addFolder(filepath.Dir(path))
		}
	}

	if includeSubfolders {
		err = aferoWalk(p.fs, root, walk)
	} else {
		err = walkShallow(p.fs, root, walk)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to walk library root %s: %v: %w", root, err, model.ErrTransient)
	}

	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].path) < strings.ToLower(out[j].path)
	})
	return out, nil
}

// dispatchCandidate applies the mode decision for one candidate: create and
// scan, overwrite and rescan, resume missing derivatives, or skip.
func (p *Pipeline) dispatchCandidate(ctx context.Context, msg messages.LibraryScan, cand candidate) error {
	existing, err := p.collections.FindByPath(ctx, cand.path)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return p.createAndScan(ctx, msg, cand)
	case err != nil:
		return err
	}

	switch {
	case msg.OverwriteExisting:
		if err := p.collections.ClearImageArrays(ctx, existing.ID.Hex()); err != nil {
			return err
		}
		return p.publishCollectionScan(existing, msg, true)
	case msg.ResumeIncomplete && len(existing.Images) > 0:
		return p.resumeCollection(ctx, msg, existing)
	case msg.ResumeIncomplete:
		return p.publishCollectionScan(existing, msg, false)
	case len(existing.Images) > 0:
		log.Debugf("library scan %s: %s already scanned, skipping", msg.LibraryID, cand.path)
		return nil
	default:
		return p.publishCollectionScan(existing, msg, false)
	}
}

func (p *Pipeline) createAndScan(ctx context.Context, msg messages.LibraryScan, cand candidate) error {
	c := &model.Collection{
		Name:      cand.name,
		Path:      cand.path,
		Type:      cand.typ,
		LibraryID: msg.LibraryID,
		Settings: model.CollectionSettings{
			AutoScan:            msg.AutoScan,
			GenerateThumbnails:  true,
			GenerateCache:       true,
			UseDirectFileAccess: msg.UseDirectFileAccess && cand.typ == model.CollectionTypeFolder,
		},
	}
	if err := p.collections.Insert(ctx, c); err != nil {
		if errors.Is(err, model.ErrConflict) {
			// Lost a race against a concurrent scan of the same path; the
			// winner publishes the collection-scan.
			return nil
		}
		return err
	}
	return p.publishCollectionScan(c, msg, false)
}

func (p *Pipeline) publishCollectionScan(c *model.Collection, msg messages.LibraryScan, forceRescan bool) error {
	return p.pub.Publish(messages.TypeCollectionScan, messages.CollectionScan{
		MessageID:           newMessageID(),
		CollectionID:        c.ID.Hex(),
		CollectionPath:      c.Path,
		CollectionType:      string(c.Type),
		ForceRescan:         forceRescan,
		UseDirectFileAccess: msg.UseDirectFileAccess && c.Type == model.CollectionTypeFolder,
		JobID:               msg.JobID,
	})
}

// resumeCollection enqueues only the derivative work that is missing, without
// rescanning. Stage totals are added before anything is published so no
// consumer increment can land on an unseeded counter; the seeding guard keys
// on the collection id, so a redelivered resume adds nothing.
func (p *Pipeline) resumeCollection(ctx context.Context, msg messages.LibraryScan, c *model.Collection) error {
	missingThumbs := c.MissingThumbnails()
	missingCaches := c.MissingCacheImages()
	if len(missingThumbs) == 0 && len(missingCaches) == 0 {
		log.Debugf("library scan %s: %s has no missing derivatives", msg.LibraryID, c.Path)
		return nil
	}
	log.Infof("library scan %s: resuming %s, %d thumbnails and %d cache images missing",
		msg.LibraryID, c.Path, len(missingThumbs), len(missingCaches))

	if msg.UseDirectFileAccess && c.Type == model.CollectionTypeFolder {
		return p.addDirectEntries(ctx, msg.JobID, c, missingThumbs, missingCaches)
	}

	totals := map[string]int64{
		model.StageThumbnail: int64(len(missingThumbs)),
		model.StageCache:     int64(len(missingCaches)),
	}
	if _, err := p.jobs.SeedStageTotals(ctx, msg.JobID, c.ID.Hex(), totals); err != nil {
		return err
	}

	for i := range missingThumbs {
		img := &missingThumbs[i]
		if err := p.publishThumbnailGen(c, img, msg.JobID); err != nil {
			return err
		}
	}
	for i := range missingCaches {
		img := &missingCaches[i]
		if err := p.publishCacheGen(c, img, msg.JobID); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) publishThumbnailGen(c *model.Collection, img *model.ImageEmbedded, jobID string) error {
	return p.pub.Publish(messages.TypeThumbnailGen, messages.ThumbnailGen{
		MessageID:    newMessageID(),
		CollectionID: c.ID.Hex(),
		ImageID:      img.ID,
		Source:       sourceFor(c, img),
		ScanJobID:    jobID,
		Width:        p.cfg.Thumbnail.Width,
		Height:       p.cfg.Thumbnail.Height,
		Format:       "jpeg",
		Quality:      p.cfg.Thumbnail.Quality,
	})
}

func (p *Pipeline) publishCacheGen(c *model.Collection, img *model.ImageEmbedded, jobID string) error {
	return p.pub.Publish(messages.TypeCacheGen, messages.CacheGen{
		MessageID:    newMessageID(),
		CollectionID: c.ID.Hex(),
		ImageID:      img.ID,
		Source:       sourceFor(c, img),
		ScanJobID:    jobID,
		Width:        p.cfg.Cache.Width,
		Height:       p.cfg.Cache.Height,
		Format:       "jpeg",
		Quality:      p.cfg.Cache.Quality,
	})
}

// addDirectEntries appends direct-reference thumbnail and cache entries for
// the given images in one compound write and closes both derivative stages.
// No bytes land under any cache root.
func (p *Pipeline) addDirectEntries(ctx context.Context, jobID string, c *model.Collection, missingThumbs, missingCaches []model.ImageEmbedded) error {
	thumbs := make([]model.ThumbnailEmbedded, 0, len(missingThumbs))
	for i := range missingThumbs {
		img := &missingThumbs[i]
		thumbs = append(thumbs, model.ThumbnailEmbedded{
			ImageID:  img.ID,
			Path:     filepath.Join(c.Path, img.RelativePath),
			Width:    img.Width,
			Height:   img.Height,
			ByteSize: img.ByteSize,
			Format:   img.Format,
			IsDirect: true,
		})
	}
	caches := make([]model.CacheImageEmbedded, 0, len(missingCaches))
	for i := range missingCaches {
		img := &missingCaches[i]
		caches = append(caches, model.CacheImageEmbedded{
			ImageID:  img.ID,
			Path:     filepath.Join(c.Path, img.RelativePath),
			Width:    img.Width,
			Height:   img.Height,
			ByteSize: img.ByteSize,
			Format:   img.Format,
			IsDirect: true,
		})
	}
	if err := p.collections.AtomicAddThumbnails(ctx, c.ID.Hex(), thumbs, caches); err != nil {
		return err
	}
	if err := p.jobs.SetStageStatus(ctx, jobID, model.StageThumbnail, model.JobStatusCompleted, "direct file access"); err != nil {
		return err
	}
	return p.jobs.SetStageStatus(ctx, jobID, model.StageCache, model.JobStatusCompleted, "direct file access")
}

// aferoWalk visits every file under root recursively. Unreadable subtrees are
// skipped rather than failing the whole walk.
func aferoWalk(fs afero.Fs, root string, visit func(path string, fi os.FileInfo)) error {
	return afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			log.Debugf("skipping unreadable path %s: %v", path, err)
			if fi != nil && fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		visit(path, fi)
		return nil
	})
}

// walkShallow visits only the direct entries of root.
func walkShallow(fs afero.Fs, root string, visit func(path string, fi os.FileInfo)) error {
	entries, err := afero.ReadDir(fs, root)
	if err != nil {
		return err
	}
	for _, fi := range entries {
		visit(filepath.Join(root, fi.Name()), fi)
	}
	return nil
}
