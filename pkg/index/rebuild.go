// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package index

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/imageviewer/imageviewer/pkg/model"
	"github.com/imageviewer/imageviewer/pkg/util/log"
)

// RebuildMode selects a rebuild strategy.
type RebuildMode string

// Rebuild modes.
const (
	RebuildFull        RebuildMode = "Full"
	RebuildForceAll    RebuildMode = "ForceRebuildAll"
	RebuildChangedOnly RebuildMode = "ChangedOnly"
	RebuildVerify      RebuildMode = "Verify"
)

// rebuildBatchSize bounds the number of collections held in memory at once.
const rebuildBatchSize = 100

// CollectionSource is the slice of the document store the rebuild needs.
type CollectionSource interface {
	FindBatch(ctx context.Context, afterID string, limit int) ([]model.Collection, error)
	IsDeleted(ctx context.Context, id string) (bool, error)
}

// RebuildOptions tunes one rebuild run.
type RebuildOptions struct {
	Mode RebuildMode `json:"mode"`
	// DryRun reports what Verify would change without mutating.
	DryRun bool `json:"dryRun"`
	// SkipThumbnails disables base64 inlining for a much faster rebuild at
	// the cost of first-request latency.
	SkipThumbnails bool `json:"skipThumbnails"`
	// Timeout aborts cleanly at the next batch boundary. Zero means no limit.
	Timeout time.Duration `json:"-"`
}

// RebuildStats reports one rebuild run. A run cut short by timeout or
// cancellation returns the statistics gathered so far.
type RebuildStats struct {
	Mode       RebuildMode `json:"mode"`
	Scanned    int         `json:"scanned"`
	Rebuilt    int         `json:"rebuilt"`
	Skipped    int         `json:"skipped"`
	Orphans    []string    `json:"orphans,omitempty"`
	Deleted    int         `json:"deleted"`
	Aborted    bool        `json:"aborted,omitempty"`
	DurationMs int64       `json:"durationMs"`
}

// Rebuild runs one rebuild pass in the requested mode.
func (s *Service) Rebuild(ctx context.Context, source CollectionSource, opts RebuildOptions) (*RebuildStats, error) {
	start := time.Now()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	stats := &RebuildStats{Mode: opts.Mode}
	var err error
	switch opts.Mode {
	case RebuildFull:
		if err = s.deleteIndexKeys(ctx); err == nil {
			err = s.rebuildAll(ctx, source, opts, stats, nil)
		}
	case RebuildForceAll:
		err = s.rebuildAll(ctx, source, opts, stats, nil)
	case RebuildChangedOnly:
		err = s.rebuildAll(ctx, source, opts, stats, s.isStale)
	case RebuildVerify:
		err = s.verify(ctx, source, opts, stats)
	default:
		return nil, fmt.Errorf("unsupported rebuild mode %q: %w", opts.Mode, model.ErrValidation)
	}

	if ctx.Err() != nil {
		stats.Aborted = true
		err = nil
	}
	stats.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		return stats, err
	}

	if !opts.DryRun {
		if setErr := s.rdb.Set(ctx, lastRebuildKey, time.Now().Unix(), 0).Err(); setErr != nil {
			log.Warnf("unable to stamp last rebuild: %v", setErr) //nolint:errcheck
		}
	}
	log.Infof("index rebuild %s done: scanned=%d rebuilt=%d skipped=%d deleted=%d aborted=%v in %dms",
		opts.Mode, stats.Scanned, stats.Rebuilt, stats.Skipped, stats.Deleted, stats.Aborted, stats.DurationMs)
	return stats, nil
}

// shouldRebuild decides per collection whether a mode rewrites it.
type shouldRebuild func(ctx context.Context, c *model.Collection) bool

// isStale rebuilds when the state marker is missing or older than the
// document.
func (s *Service) isStale(ctx context.Context, c *model.Collection) bool {
	state, err := s.GetState(ctx, c.ID.Hex())
	if err != nil || state == nil {
		return true
	}
	return c.UpdatedAt.After(state.CollectionUpdatedAt)
}

// rebuildAll walks every live collection in bounded batches and rewrites the
// ones filter accepts (nil filter accepts all). Batches are released between
// iterations so the working set stays roughly constant.
func (s *Service) rebuildAll(ctx context.Context, source CollectionSource, opts RebuildOptions, stats *RebuildStats, filter shouldRebuild) error {
	var errs *multierror.Error
	afterID := ""
	for {
		if ctx.Err() != nil {
			return nil
		}
		batch, err := source.FindBatch(ctx, afterID, rebuildBatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			c := &batch[i]
			stats.Scanned++
			if filter != nil && !filter(ctx, c) {
				stats.Skipped++
				continue
			}
			if opts.DryRun {
				stats.Rebuilt++
				continue
			}
			if err := s.WriteCollection(ctx, c, opts.SkipThumbnails); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			stats.Rebuilt++
		}
		afterID = batch[len(batch)-1].ID.Hex()
	}
	return errs.ErrorOrNil()
}

// verify reconciles index against store in three phases: rebuild missing or
// stale entries, collect state keys whose collection is gone or soft-deleted,
// then delete the orphans. With DryRun set it only reports.
func (s *Service) verify(ctx context.Context, source CollectionSource, opts RebuildOptions, stats *RebuildStats) error {
	if err := s.rebuildAll(ctx, source, opts, stats, s.isStale); err != nil {
		return err
	}

	orphans, err := s.findOrphans(ctx, source)
	if err != nil {
		return err
	}
	stats.Orphans = orphans
	if opts.DryRun {
		return nil
	}

	var errs *multierror.Error
	for _, id := range orphans {
		if ctx.Err() != nil {
			return errs.ErrorOrNil()
		}
		if err := s.RemoveCollection(ctx, id); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		stats.Deleted++
	}
	return errs.ErrorOrNil()
}

// findOrphans scans the state keys and returns the ids whose collection no
// longer exists (or is soft-deleted) in the document store.
func (s *Service) findOrphans(ctx context.Context, source CollectionSource) ([]string, error) {
	var orphans []string
	var cursor uint64
	for {
		if ctx.Err() != nil {
			return orphans, nil
		}
		keys, next, err := s.rdb.Scan(ctx, cursor, statePattern, rebuildBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("unable to scan index state keys: %v: %w", err, model.ErrTransient)
		}
		for _, key := range keys {
			id := strings.TrimPrefix(key, keyPrefix+"state:")
			deleted, err := source.IsDeleted(ctx, id)
			if err != nil {
				return nil, err
			}
			if deleted {
				orphans = append(orphans, id)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return orphans, nil
}

// deleteIndexKeys removes every index key except the thumbnail byte cache,
// which survives full rebuilds because it is expensive to repopulate.
func (s *Service) deleteIndexKeys(ctx context.Context) error {
	var cursor uint64
	for {
		if ctx.Err() != nil {
			return nil
		}
		keys, next, err := s.rdb.Scan(ctx, cursor, allPattern, rebuildBatchSize).Result()
		if err != nil {
			return fmt.Errorf("unable to scan index keys: %v: %w", err, model.ErrTransient)
		}
		todel := keys[:0]
		for _, key := range keys {
			if strings.HasPrefix(key, keyPrefix+"thumb:") {
				continue
			}
			todel = append(todel, key)
		}
		if len(todel) > 0 {
			if err := s.rdb.Del(ctx, todel...).Err(); err != nil {
				return fmt.Errorf("unable to delete index keys: %v: %w", err, model.ErrTransient)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
