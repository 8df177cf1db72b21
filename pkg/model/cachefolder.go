// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package model

import "go.mongodb.org/mongo-driver/bson/primitive"

// CacheFolder is one configured root for derivative files. Statistics are
// updated with a single compound atomic command when a derivative is written.
type CacheFolder struct {
	ID                  primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Path                string             `bson:"path" json:"path"`
	Priority            int                `bson:"priority" json:"priority"`
	MaxSizeBytes        int64              `bson:"maxSizeBytes" json:"maxSizeBytes"`
	CurrentSizeBytes    int64              `bson:"currentSizeBytes" json:"currentSizeBytes"`
	TotalFiles          int64              `bson:"totalFiles" json:"totalFiles"`
	TotalCollections    int64              `bson:"totalCollections" json:"totalCollections"`
	CachedCollectionIDs []string           `bson:"cachedCollectionIds" json:"cachedCollectionIds"`
	IsActive            bool               `bson:"isActive" json:"isActive"`
}

// HasCapacity reports whether estBytes more can be written under this root.
func (f *CacheFolder) HasCapacity(estBytes int64) bool {
	return f.MaxSizeBytes <= 0 || f.CurrentSizeBytes+estBytes < f.MaxSizeBytes
}
