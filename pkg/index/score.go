// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package index

import (
	"hash/fnv"
	"strings"

	"github.com/imageviewer/imageviewer/pkg/model"
)

// nameScore hashes lower(name) with FNV-1a so the ordering survives process
// restarts. A runtime-dependent hash would reshuffle the name sort on every
// boot.
func nameScore(name string) float64 {
	h := fnv.New64a()
	h.Write([]byte(strings.ToLower(name))) //nolint:errcheck
	// float64 keeps 53 bits of the hash; collisions fall back to Redis member
	// lexicographic ordering, which is still stable.
	return float64(h.Sum64() >> 11)
}

// fieldValue extracts the intrinsic ordering value for one field.
func fieldValue(c *model.Collection, field SortField) float64 {
	switch field {
	case SortByUpdatedAt:
		return float64(c.UpdatedAt.UnixMilli())
	case SortByCreatedAt:
		return float64(c.CreatedAt.UnixMilli())
	case SortByName:
		return nameScore(c.Name)
	case SortByImageCount:
		return float64(c.Statistics.TotalItems)
	case SortByTotalSize:
		return float64(c.Statistics.TotalSize)
	default:
		return 0
	}
}

// score stores descending orders as negated values, so every read is an
// ascending rank-based range regardless of direction.
func score(c *model.Collection, field SortField, dir SortDir) float64 {
	v := fieldValue(c, field)
	if dir == Desc {
		return -v
	}
	return v
}
