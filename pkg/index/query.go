// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/imageviewer/imageviewer/pkg/model"
	"github.com/imageviewer/imageviewer/pkg/util/log"
)

// Filter narrows a listing to one library or one collection type. The zero
// value means no filtering.
type Filter struct {
	LibraryID string
	Type      model.CollectionType
}

func (f Filter) key(field SortField, dir SortDir) string {
	switch {
	case f.LibraryID != "":
		return libraryKey(f.LibraryID, field, dir)
	case f.Type != "":
		return typeKey(f.Type, field, dir)
	default:
		return sortedKey(field, dir)
	}
}

// Page is one listing page plus its pagination envelope.
type Page struct {
	Items      []model.CollectionSummary `json:"items"`
	Page       int                       `json:"page"`
	PageSize   int                       `json:"pageSize"`
	Total      int64                     `json:"total"`
	TotalPages int64                     `json:"totalPages"`
	HasNext    bool                      `json:"hasNext"`
	HasPrev    bool                      `json:"hasPrev"`
}

// Position locates one collection within an ordering.
type Position struct {
	Rank   int64  `json:"rank1Based"`
	Total  int64  `json:"total"`
	PrevID string `json:"prevId,omitempty"`
	NextID string `json:"nextId,omitempty"`
}

// GetPage returns page (1-based) of the corpus under the given ordering.
// One ZRANGE yields the ids, one MGET yields every summary.
func (s *Service) GetPage(ctx context.Context, f Filter, field SortField, dir SortDir, page, pageSize int) (*Page, error) {
	if err := ValidateSort(field, dir); err != nil {
		return nil, err
	}
	if page < 1 || pageSize < 1 {
		return nil, fmt.Errorf("page and pageSize must be positive: %w", model.ErrValidation)
	}

	key := f.key(field, dir)
	total, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("unable to count %s: %v: %w", key, err, model.ErrTransient)
	}

	start := int64(page-1) * int64(pageSize)
	end := start + int64(pageSize) - 1
	items, err := s.summariesForRange(ctx, key, start, end)
	if err != nil {
		return nil, err
	}
	return s.envelope(items, page, pageSize, total), nil
}

// GetPosition returns the 1-based rank, the corpus size and both neighbors of
// collectionID under the given ordering. Rank and neighbors come from the
// same ascending sorted set, so the cost is O(log N) regardless of direction.
func (s *Service) GetPosition(ctx context.Context, f Filter, field SortField, dir SortDir, collectionID string) (*Position, error) {
	if err := ValidateSort(field, dir); err != nil {
		return nil, err
	}
	key := f.key(field, dir)

	rank, err := s.rdb.ZRank(ctx, key, collectionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("collection %s not in index: %w", collectionID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to rank %s in %s: %v: %w", collectionID, key, err, model.ErrTransient)
	}
	total, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("unable to count %s: %v: %w", key, err, model.ErrTransient)
	}

	pos := &Position{Rank: rank + 1, Total: total}
	if rank > 0 {
		prev, err := s.rdb.ZRange(ctx, key, rank-1, rank-1).Result()
		if err != nil {
			return nil, fmt.Errorf("unable to read neighbor in %s: %v: %w", key, err, model.ErrTransient)
		}
		if len(prev) == 1 {
			pos.PrevID = prev[0]
		}
	}
	if rank < total-1 {
		next, err := s.rdb.ZRange(ctx, key, rank+1, rank+1).Result()
		if err != nil {
			return nil, fmt.Errorf("unable to read neighbor in %s: %v: %w", key, err, model.ErrTransient)
		}
		if len(next) == 1 {
			pos.NextID = next[0]
		}
	}
	return pos, nil
}

// GetCount returns the corpus size under the filter.
func (s *Service) GetCount(ctx context.Context, f Filter) (int64, error) {
	key := f.key(SortByUpdatedAt, Asc)
	total, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("unable to count %s: %v: %w", key, err, model.ErrTransient)
	}
	return total, nil
}

// GetSidebarPage returns a page of the ordering relative to the collection
// currently open: page 1 is centered on it, pages ≥ 2 continue forward from
// the centered window, pages ≤ 0 continue backward from it.
func (s *Service) GetSidebarPage(ctx context.Context, f Filter, field SortField, dir SortDir, collectionID string, page, pageSize int) (*Page, error) {
	if err := ValidateSort(field, dir); err != nil {
		return nil, err
	}
	if pageSize < 1 {
		return nil, fmt.Errorf("pageSize must be positive: %w", model.ErrValidation)
	}
	key := f.key(field, dir)

	rank, err := s.rdb.ZRank(ctx, key, collectionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("collection %s not in index: %w", collectionID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to rank %s in %s: %v: %w", collectionID, key, err, model.ErrTransient)
	}
	total, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("unable to count %s: %v: %w", key, err, model.ErrTransient)
	}

	start, end := sidebarBounds(rank, total, page, pageSize)
	if start > end {
		return s.envelope(nil, page, pageSize, total), nil
	}
	items, err := s.summariesForRange(ctx, key, start, end)
	if err != nil {
		return nil, err
	}
	return s.envelope(items, page, pageSize, total), nil
}

// sidebarBounds computes the inclusive rank window for a sidebar page.
func sidebarBounds(position, total int64, page, pageSize int) (int64, int64) {
	size := int64(pageSize)
	half := size / 2

	// The centered window for page 1.
	centeredStart := position - half
	centeredEnd := centeredStart + size - 1
	if centeredStart < 0 {
		centeredEnd += -centeredStart
		centeredStart = 0
	}
	if centeredEnd > total-1 {
		centeredStart -= centeredEnd - (total - 1)
		centeredEnd = total - 1
		if centeredStart < 0 {
			centeredStart = 0
		}
	}

	switch {
	case page == 1:
		return centeredStart, centeredEnd
	case page >= 2:
		start := centeredEnd + 1 + int64(page-2)*size
		end := start + size - 1
		if start > total-1 {
			return 1, 0 // empty
		}
		if end > total-1 {
			end = total - 1
		}
		return start, end
	default:
		// Pages 0, -1, ... walk backward from the centered window.
		itemsBack := int64(1-page) * size
		end := centeredStart - 1 - (itemsBack - size)
		if end < 0 {
			return 1, 0 // empty
		}
		start := end - size + 1
		if start < 0 {
			start = 0
		}
		return start, end
	}
}

// summariesForRange resolves one rank window into summaries with a single
// ZRANGE plus a single MGET.
func (s *Service) summariesForRange(ctx context.Context, key string, start, end int64) ([]model.CollectionSummary, error) {
	ids, err := s.rdb.ZRange(ctx, key, start, end).Result()
	if err != nil {
		return nil, fmt.Errorf("unable to range %s: %v: %w", key, err, model.ErrTransient)
	}
	if len(ids) == 0 {
		return []model.CollectionSummary{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = dataKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("unable to mget summaries: %v: %w", err, model.ErrTransient)
	}

	items := make([]model.CollectionSummary, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Summary missing for a ranked id; the verify pass will rebuild it.
			log.Debugf("summary blob missing for %s", ids[i])
			continue
		}
		var summary model.CollectionSummary
		if err := json.Unmarshal([]byte(raw), &summary); err != nil {
			log.Warnf("unable to decode summary for %s: %v", ids[i], err) //nolint:errcheck
			continue
		}
		items = append(items, summary)
	}
	return items, nil
}

func (s *Service) envelope(items []model.CollectionSummary, page, pageSize int, total int64) *Page {
	if items == nil {
		items = []model.CollectionSummary{}
	}
	totalPages := (total + int64(pageSize) - 1) / int64(pageSize)
	return &Page{
		Items:      items,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    int64(page) < totalPages,
		HasPrev:    page > 1,
	}
}
