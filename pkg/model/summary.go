// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package model

import "time"

// CollectionSummary is the denormalized listing projection stored in Redis.
// FirstThumbnail holds a base64 data-URL when the first thumbnail is small
// enough to inline (or was re-rendered in memory for direct entries); it is
// empty otherwise and the client falls back to a per-collection fetch.
type CollectionSummary struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Path           string         `json:"path"`
	Type           CollectionType `json:"type"`
	LibraryID      string         `json:"libraryId"`
	FirstImageID   string         `json:"firstImageId,omitempty"`
	ImageCount     int64          `json:"imageCount"`
	ThumbnailCount int64          `json:"thumbnailCount"`
	CacheCount     int64          `json:"cacheCount"`
	TotalSize      int64          `json:"totalSize"`
	FirstThumbnail string         `json:"firstThumbnail,omitempty"`
	Incomplete     bool           `json:"incomplete,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// CollectionIndexState is the per-collection marker the reconciler uses to
// decide between skip, rebuild and orphan-delete.
type CollectionIndexState struct {
	IndexedAt           time.Time `json:"indexedAt"`
	CollectionUpdatedAt time.Time `json:"collectionUpdatedAt"`
	ImageCount          int64     `json:"imageCount"`
	ThumbnailCount      int64     `json:"thumbnailCount"`
	CacheCount          int64     `json:"cacheCount"`
	HasFirstThumbnail   bool      `json:"hasFirstThumbnail"`
}
