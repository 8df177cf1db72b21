// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package index

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/imageviewer/imageviewer/pkg/imaging"
	"github.com/imageviewer/imageviewer/pkg/model"
	"github.com/imageviewer/imageviewer/pkg/util/log"
)

const (
	// maxInlineThumbBytes bounds the binary size of a thumbnail inlined as a
	// base64 data-URL into the summary blob.
	maxInlineThumbBytes = 500 * 1024
	// maxInlineThumbDim bounds the dimensions of an inlined thumbnail.
	maxInlineThumbDim = 400
	// directRenderDim is the box direct-reference originals are resized into
	// before inlining, so the index never stores full-resolution originals.
	directRenderDim     = 300
	directRenderQuality = 85

	thumbBytesTTL = 30 * 24 * time.Hour
)

// Service maintains and queries the Redis projection.
type Service struct {
	rdb redis.UniversalClient
	fs  afero.Fs
}

// NewService builds an index service on the given client. fs is used to read
// thumbnail and original files when inlining summaries; pass nil for the OS
// filesystem.
func NewService(rdb redis.UniversalClient, fs afero.Fs) *Service {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Service{rdb: rdb, fs: fs}
}

// WriteCollection projects c into every index key: the thirty sorted sets,
// the summary blob and the state marker. If the collection moved between
// libraries or changed type, the stale secondary-set members are removed
// first.
func (s *Service) WriteCollection(ctx context.Context, c *model.Collection, skipThumbnails bool) error {
	id := c.ID.Hex()

	if old, err := s.GetSummary(ctx, id); err == nil && old != nil {
		if old.LibraryID != c.LibraryID || old.Type != c.Type {
			s.removeSecondary(ctx, id, old.LibraryID, old.Type)
		}
	}

	summary := s.buildSummary(ctx, c, skipThumbnails)
	state := model.CollectionIndexState{
		IndexedAt:           time.Now().UTC(),
		CollectionUpdatedAt: c.UpdatedAt,
		ImageCount:          int64(len(c.Images)),
		ThumbnailCount:      int64(len(c.Thumbnails)),
		CacheCount:          int64(len(c.CacheImages)),
		HasFirstThumbnail:   summary.FirstThumbnail != "",
	}

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("unable to encode summary for %s: %w", id, err)
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("unable to encode index state for %s: %w", id, err)
	}

	pipe := s.rdb.TxPipeline()
	for _, field := range SortFields {
		for _, dir := range SortDirs {
			member := redis.Z{Score: score(c, field, dir), Member: id}
			pipe.ZAdd(ctx, sortedKey(field, dir), member)
			pipe.ZAdd(ctx, libraryKey(c.LibraryID, field, dir), member)
			pipe.ZAdd(ctx, typeKey(c.Type, field, dir), member)
		}
	}
	pipe.Set(ctx, dataKey(id), summaryJSON, 0)
	pipe.Set(ctx, stateKey(id), stateJSON, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unable to write index for %s: %v: %w", id, err, model.ErrTransient)
	}

	return s.refreshTotal(ctx)
}

// RemoveCollection deletes every index key holding id. The thumbnail byte
// cache entry is dropped as well; it is only ever rebuilt from source files.
func (s *Service) RemoveCollection(ctx context.Context, id string) error {
	summary, err := s.GetSummary(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	for _, field := range SortFields {
		for _, dir := range SortDirs {
			pipe.ZRem(ctx, sortedKey(field, dir), id)
			if summary != nil {
				pipe.ZRem(ctx, libraryKey(summary.LibraryID, field, dir), id)
				pipe.ZRem(ctx, typeKey(summary.Type, field, dir), id)
			}
		}
	}
	pipe.Del(ctx, dataKey(id), stateKey(id), thumbKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unable to remove index for %s: %v: %w", id, err, model.ErrTransient)
	}

	return s.refreshTotal(ctx)
}

func (s *Service) removeSecondary(ctx context.Context, id, libraryID string, collType model.CollectionType) {
	pipe := s.rdb.TxPipeline()
	for _, field := range SortFields {
		for _, dir := range SortDirs {
			pipe.ZRem(ctx, libraryKey(libraryID, field, dir), id)
			pipe.ZRem(ctx, typeKey(collType, field, dir), id)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// The periodic verify pass repairs any member this leaves behind.
		log.Warnf("unable to clear stale secondary index entries for %s: %v", id, err) //nolint:errcheck
	}
}

func (s *Service) refreshTotal(ctx context.Context) error {
	total, err := s.rdb.ZCard(ctx, sortedKey(SortByUpdatedAt, Asc)).Result()
	if err != nil {
		return fmt.Errorf("unable to count index members: %v: %w", err, model.ErrTransient)
	}
	if err := s.rdb.Set(ctx, statsTotalKey, total, 0).Err(); err != nil {
		return fmt.Errorf("unable to cache index total: %v: %w", err, model.ErrTransient)
	}
	return nil
}

// GetSummary returns the summary blob for id, or nil when absent.
func (s *Service) GetSummary(ctx context.Context, id string) (*model.CollectionSummary, error) {
	raw, err := s.rdb.Get(ctx, dataKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read summary %s: %v: %w", id, err, model.ErrTransient)
	}
	var summary model.CollectionSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil, fmt.Errorf("unable to decode summary %s: %w", id, err)
	}
	return &summary, nil
}

// GetState returns the index-state marker for id, or nil when absent.
func (s *Service) GetState(ctx context.Context, id string) (*model.CollectionIndexState, error) {
	raw, err := s.rdb.Get(ctx, stateKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read index state %s: %v: %w", id, err, model.ErrTransient)
	}
	var state model.CollectionIndexState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unable to decode index state %s: %w", id, err)
	}
	return &state, nil
}

// buildSummary denormalizes c, inlining the first thumbnail as a data-URL
// when it is small enough, or re-rendering the original in memory for
// direct-reference entries.
func (s *Service) buildSummary(ctx context.Context, c *model.Collection, skipThumbnails bool) model.CollectionSummary {
	summary := model.CollectionSummary{
		ID:             c.ID.Hex(),
		Name:           c.Name,
		Path:           c.Path,
		Type:           c.Type,
		LibraryID:      c.LibraryID,
		ImageCount:     int64(len(c.Images)),
		ThumbnailCount: int64(len(c.Thumbnails)),
		CacheCount:     int64(len(c.CacheImages)),
		TotalSize:      c.Statistics.TotalSize,
		Incomplete:     len(c.Images) > 0 && len(c.Thumbnails) < len(c.Images),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	if len(c.Images) == 0 {
		return summary
	}
	first := c.Images[0]
	summary.FirstImageID = first.ID

	if skipThumbnails {
		return summary
	}
	thumb := c.ThumbnailFor(first.ID)
	if thumb == nil {
		return summary
	}

	dataURL, err := s.inlineThumbnail(ctx, c.ID.Hex(), thumb)
	if err != nil {
		log.Debugf("not inlining thumbnail for collection %s: %v", c.ID.Hex(), err)
		return summary
	}
	summary.FirstThumbnail = dataURL
	return summary
}

func (s *Service) inlineThumbnail(ctx context.Context, id string, thumb *model.ThumbnailEmbedded) (string, error) {
	// Direct entries are cached as the in-memory JPEG render; file-backed
	// entries are cached verbatim in their own format.
	cachedFormat := thumb.Format
	if thumb.IsDirect {
		cachedFormat = "jpeg"
	}
	if raw, err := s.rdb.Get(ctx, thumbKey(id)).Bytes(); err == nil && len(raw) > 0 {
		return imaging.DataURLPrefix(cachedFormat) + base64.StdEncoding.EncodeToString(raw), nil
	}

	if thumb.IsDirect {
		// Never inline a full-resolution original; render a small copy in
		// memory instead.
		src, err := afero.ReadFile(s.fs, thumb.Path)
		if err != nil {
			return "", fmt.Errorf("unable to read original %s: %w", thumb.Path, err)
		}
		out, err := imaging.RenderResized(src, directRenderDim, directRenderDim, directRenderQuality)
		if err != nil {
			return "", err
		}
		s.cacheThumbBytes(ctx, id, out.Data)
		return imaging.DataURLPrefix("jpeg") + base64.StdEncoding.EncodeToString(out.Data), nil
	}

	if thumb.ByteSize > maxInlineThumbBytes {
		return "", fmt.Errorf("thumbnail too large to inline (%d bytes)", thumb.ByteSize)
	}
	if thumb.Width > maxInlineThumbDim || thumb.Height > maxInlineThumbDim {
		return "", fmt.Errorf("thumbnail too large to inline (%dx%d)", thumb.Width, thumb.Height)
	}
	raw, err := afero.ReadFile(s.fs, thumb.Path)
	if err != nil {
		return "", fmt.Errorf("unable to read thumbnail %s: %w", thumb.Path, err)
	}
	s.cacheThumbBytes(ctx, id, raw)
	return imaging.DataURLPrefix(thumb.Format) + base64.StdEncoding.EncodeToString(raw), nil
}

func (s *Service) cacheThumbBytes(ctx context.Context, id string, raw []byte) {
	if err := s.rdb.Set(ctx, thumbKey(id), raw, thumbBytesTTL).Err(); err != nil {
		log.Debugf("unable to cache thumbnail bytes for %s: %v", id, err)
	}
}
