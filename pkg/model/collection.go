// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package model holds the persisted aggregates of the image viewer: the
// collection document, the background job document and the cache folder
// document, plus the index projections derived from them.
package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// CollectionType discriminates how a collection is rooted on disk.
type CollectionType string

// Collection types.
const (
	CollectionTypeFolder  CollectionType = "folder"
	CollectionTypeArchive CollectionType = "archive"
)

// Collection is the aggregate root for one browsable set of images. All
// mutations of the embedded arrays go through single atomic update commands;
// nothing in the codebase does read-modify-write on this document.
type Collection struct {
	ID          primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	Name        string               `bson:"name" json:"name"`
	Path        string               `bson:"path" json:"path"`
	Type        CollectionType       `bson:"type" json:"type"`
	LibraryID   string               `bson:"libraryId" json:"libraryId"`
	Settings    CollectionSettings   `bson:"settings" json:"settings"`
	Statistics  CollectionStatistics `bson:"statistics" json:"statistics"`
	Images      []ImageEmbedded      `bson:"images" json:"images"`
	Thumbnails  []ThumbnailEmbedded  `bson:"thumbnails" json:"thumbnails"`
	CacheImages []CacheImageEmbedded `bson:"cacheImages" json:"cacheImages"`
	IsDeleted   bool                 `bson:"isDeleted" json:"isDeleted"`
	CreatedAt   time.Time            `bson:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time            `bson:"updatedAt" json:"updatedAt"`
}

// CollectionSettings is the per-collection processing configuration.
type CollectionSettings struct {
	AutoScan            bool `bson:"autoScan" json:"autoScan"`
	GenerateThumbnails  bool `bson:"generateThumbnails" json:"generateThumbnails"`
	GenerateCache       bool `bson:"generateCache" json:"generateCache"`
	UseDirectFileAccess bool `bson:"useDirectFileAccess" json:"useDirectFileAccess"`
}

// CollectionStatistics is maintained with atomic increments, never recomputed
// in the service layer.
type CollectionStatistics struct {
	TotalItems int64 `bson:"totalItems" json:"totalItems"`
	TotalSize  int64 `bson:"totalSize" json:"totalSize"`
}

// ImageEmbedded is one media entry inside a collection. The uniqueness key
// within the aggregate is (Filename, RelativePath).
type ImageEmbedded struct {
	ID           string    `bson:"id" json:"id"`
	Filename     string    `bson:"filename" json:"filename"`
	RelativePath string    `bson:"relativePath" json:"relativePath"`
	ByteSize     int64     `bson:"byteSize" json:"byteSize"`
	Width        int       `bson:"width" json:"width"`
	Height       int       `bson:"height" json:"height"`
	Format       string    `bson:"format" json:"format"`
	AddedAt      time.Time `bson:"addedAt" json:"addedAt"`
}

// ThumbnailEmbedded references a rendered thumbnail, or the original file when
// IsDirect is set.
type ThumbnailEmbedded struct {
	ImageID  string `bson:"imageId" json:"imageId"`
	Path     string `bson:"path" json:"path"`
	Width    int    `bson:"width" json:"width"`
	Height   int    `bson:"height" json:"height"`
	ByteSize int64  `bson:"byteSize" json:"byteSize"`
	Format   string `bson:"format" json:"format"`
	IsDirect bool   `bson:"isDirect" json:"isDirect"`
}

// CacheImageEmbedded references the larger view rendition of an image.
type CacheImageEmbedded struct {
	ImageID  string `bson:"imageId" json:"imageId"`
	Path     string `bson:"path" json:"path"`
	Width    int    `bson:"width" json:"width"`
	Height   int    `bson:"height" json:"height"`
	ByteSize int64  `bson:"byteSize" json:"byteSize"`
	Format   string `bson:"format" json:"format"`
	IsDirect bool   `bson:"isDirect" json:"isDirect"`
}

// HasImage reports whether the aggregate already contains an entry for the
// (filename, relativePath) pair.
func (c *Collection) HasImage(filename, relativePath string) bool {
	for i := range c.Images {
		if c.Images[i].Filename == filename && c.Images[i].RelativePath == relativePath {
			return true
		}
	}
	return false
}

// ImageByID returns the embedded image with the given id, or nil.
func (c *Collection) ImageByID(imageID string) *ImageEmbedded {
	for i := range c.Images {
		if c.Images[i].ID == imageID {
			return &c.Images[i]
		}
	}
	return nil
}

// ThumbnailFor returns the thumbnail entry for imageID, or nil.
func (c *Collection) ThumbnailFor(imageID string) *ThumbnailEmbedded {
	for i := range c.Thumbnails {
		if c.Thumbnails[i].ImageID == imageID {
			return &c.Thumbnails[i]
		}
	}
	return nil
}

// CacheImageFor returns the cache entry for imageID, or nil.
func (c *Collection) CacheImageFor(imageID string) *CacheImageEmbedded {
	for i := range c.CacheImages {
		if c.CacheImages[i].ImageID == imageID {
			return &c.CacheImages[i]
		}
	}
	return nil
}

// MissingThumbnails returns the images that have no thumbnail entry yet.
func (c *Collection) MissingThumbnails() []ImageEmbedded {
	have := make(map[string]struct{}, len(c.Thumbnails))
	for i := range c.Thumbnails {
		have[c.Thumbnails[i].ImageID] = struct{}{}
	}
	var missing []ImageEmbedded
	for i := range c.Images {
		if _, ok := have[c.Images[i].ID]; !ok {
			missing = append(missing, c.Images[i])
		}
	}
	return missing
}

// MissingCacheImages returns the images that have no cache entry yet.
func (c *Collection) MissingCacheImages() []ImageEmbedded {
	have := make(map[string]struct{}, len(c.CacheImages))
	for i := range c.CacheImages {
		have[c.CacheImages[i].ImageID] = struct{}{}
	}
	var missing []ImageEmbedded
	for i := range c.Images {
		if _, ok := have[c.Images[i].ID]; !ok {
			missing = append(missing, c.Images[i])
		}
	}
	return missing
}
