// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/imageviewer/imageviewer/pkg/model"
)

// CacheFolderRepository persists CacheFolder documents.
type CacheFolderRepository struct {
	coll *mongo.Collection
}

// Ensure upserts one folder document per configured root, keyed by path.
// Called at worker startup.
func (r *CacheFolderRepository) Ensure(ctx context.Context, path string, priority int, maxSizeBytes int64) error {
	filter := bson.M{"path": path}
	update := bson.M{
		"$set": bson.M{
			"priority":     priority,
			"maxSizeBytes": maxSizeBytes,
			"isActive":     true,
		},
		"$setOnInsert": bson.M{
			"currentSizeBytes":    int64(0),
			"totalFiles":          int64(0),
			"totalCollections":    int64(0),
			"cachedCollectionIds": []string{},
		},
	}
	_, err := r.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return wrapErr("ensure cache folder", err)
}

// List returns every folder document.
func (r *CacheFolderRepository) List(ctx context.Context) ([]model.CacheFolder, error) {
	cur, err := r.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "priority", Value: 1}}))
	if err != nil {
		return nil, wrapErr("list cache folders", err)
	}
	var out []model.CacheFolder
	if err := cur.All(ctx, &out); err != nil {
		return nil, wrapErr("decode cache folders", err)
	}
	return out, nil
}

// FindActiveByLowestPriority returns the lowest-priority active folder that
// still has room for estBytes more.
func (r *CacheFolderRepository) FindActiveByLowestPriority(ctx context.Context, estBytes int64) (*model.CacheFolder, error) {
	filter := bson.M{
		"isActive": true,
		"$or": bson.A{
			bson.M{"maxSizeBytes": bson.M{"$lte": 0}},
			bson.M{"$expr": bson.M{"$lt": bson.A{
				bson.M{"$add": bson.A{"$currentSizeBytes", estBytes}},
				"$maxSizeBytes",
			}}},
		},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "priority", Value: 1}})
	var folder model.CacheFolder
	if err := r.coll.FindOne(ctx, filter, opts).Decode(&folder); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("no cache folder with capacity for %d bytes: %w", estBytes, model.ErrNotFound)
		}
		return nil, wrapErr("find cache folder", err)
	}
	return &folder, nil
}

// AtomicIncStats applies the post-write bookkeeping in one pipeline update:
// size and file counters, membership of collectionID in cachedCollectionIds,
// and totalCollections derived from the union so it never drifts.
func (r *CacheFolderRepository) AtomicIncStats(ctx context.Context, id primitive.ObjectID, sizeDelta, fileDelta int64, collectionID string) error {
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"currentSizeBytes":    bson.M{"$add": bson.A{"$currentSizeBytes", sizeDelta}},
			"totalFiles":          bson.M{"$add": bson.A{"$totalFiles", fileDelta}},
			"cachedCollectionIds": bson.M{"$setUnion": bson.A{"$cachedCollectionIds", bson.A{collectionID}}},
		}}},
		{{Key: "$set", Value: bson.M{
			"totalCollections": bson.M{"$size": "$cachedCollectionIds"},
		}}},
	}
	_, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, pipeline)
	return wrapErr("update cache folder stats", err)
}
