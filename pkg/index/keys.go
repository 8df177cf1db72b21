// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package index maintains the Redis projection of the collection corpus:
// sorted sets answering page/position/neighbor queries in O(log N), plus the
// denormalized summary blobs the listing UI consumes.
package index

import (
	"fmt"

	"github.com/imageviewer/imageviewer/pkg/model"
)

// SortField names an ordering the index maintains a sorted set for.
type SortField string

// Supported sort fields.
const (
	SortByUpdatedAt  SortField = "updatedAt"
	SortByCreatedAt  SortField = "createdAt"
	SortByName       SortField = "name"
	SortByImageCount SortField = "imageCount"
	SortByTotalSize  SortField = "totalSize"
)

// SortDir is the requested ordering direction.
type SortDir string

// Supported directions.
const (
	Asc  SortDir = "asc"
	Desc SortDir = "desc"
)

// SortFields lists every maintained field.
var SortFields = []SortField{SortByUpdatedAt, SortByCreatedAt, SortByName, SortByImageCount, SortByTotalSize}

// SortDirs lists both directions.
var SortDirs = []SortDir{Asc, Desc}

// ValidateSort checks a user-supplied (field, dir) pair.
func ValidateSort(field SortField, dir SortDir) error {
	switch field {
	case SortByUpdatedAt, SortByCreatedAt, SortByName, SortByImageCount, SortByTotalSize:
	default:
		return fmt.Errorf("unsupported sort field %q: %w", field, model.ErrValidation)
	}
	switch dir {
	case Asc, Desc:
	default:
		return fmt.Errorf("unsupported sort direction %q: %w", dir, model.ErrValidation)
	}
	return nil
}

const keyPrefix = "idx:"

func sortedKey(field SortField, dir SortDir) string {
	return fmt.Sprintf("%ssorted:%s:%s", keyPrefix, field, dir)
}

func libraryKey(libraryID string, field SortField, dir SortDir) string {
	return fmt.Sprintf("%ssorted:by_library:%s:%s:%s", keyPrefix, libraryID, field, dir)
}

func typeKey(collType model.CollectionType, field SortField, dir SortDir) string {
	return fmt.Sprintf("%ssorted:by_type:%s:%s:%s", keyPrefix, collType, field, dir)
}

func dataKey(id string) string {
	return keyPrefix + "data:" + id
}

func stateKey(id string) string {
	return keyPrefix + "state:" + id
}

func thumbKey(id string) string {
	return keyPrefix + "thumb:" + id
}

const (
	statsTotalKey  = keyPrefix + "stats:total"
	lastRebuildKey = keyPrefix + "last_rebuild"
	statePattern   = keyPrefix + "state:*"
	allPattern     = keyPrefix + "*"
)
