// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/imageviewer/imageviewer/pkg/model"
)

// CollectionRepository persists Collection aggregates.
type CollectionRepository struct {
	coll *mongo.Collection
}

// Insert creates the collection document. A path collision surfaces as
// ErrConflict so callers can retry with overwriteExisting.
func (r *CollectionRepository) Insert(ctx context.Context, c *model.Collection) error {
	now := time.Now().UTC()
	if c.ID.IsZero() {
		c.ID = primitive.NewObjectID()
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Images == nil {
		c.Images = []model.ImageEmbedded{}
	}
	if c.Thumbnails == nil {
		c.Thumbnails = []model.ThumbnailEmbedded{}
	}
	if c.CacheImages == nil {
		c.CacheImages = []model.CacheImageEmbedded{}
	}
	_, err := r.coll.InsertOne(ctx, c)
	return wrapErr("insert collection", err)
}

// GetByID fetches one collection by hex id.
func (r *CollectionRepository) GetByID(ctx context.Context, id string) (*model.Collection, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("bad collection id %q: %w", id, model.ErrValidation)
	}
	var c model.Collection
	if err := r.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&c); err != nil {
		return nil, wrapErr("get collection", err)
	}
	return &c, nil
}

// FindByPath fetches the non-deleted collection rooted at path, if any.
func (r *CollectionRepository) FindByPath(ctx context.Context, path string) (*model.Collection, error) {
	var c model.Collection
	err := r.coll.FindOne(ctx, bson.M{"path": path, "isDeleted": false}).Decode(&c)
	if err != nil {
		return nil, wrapErr("find collection by path", err)
	}
	return &c, nil
}

// FindByLibrary returns every non-deleted collection of one library.
func (r *CollectionRepository) FindByLibrary(ctx context.Context, libraryID string) ([]model.Collection, error) {
	cur, err := r.coll.Find(ctx, bson.M{"libraryId": libraryID, "isDeleted": false})
	if err != nil {
		return nil, wrapErr("find collections by library", err)
	}
	var out []model.Collection
	if err := cur.All(ctx, &out); err != nil {
		return nil, wrapErr("decode collections", err)
	}
	return out, nil
}

// FindBatch pages through non-deleted collections ordered by _id, resuming
// after afterID ("" for the first batch). Used by the index rebuild so the
// working set stays bounded.
func (r *CollectionRepository) FindBatch(ctx context.Context, afterID string, limit int) ([]model.Collection, error) {
	filter := bson.M{"isDeleted": false}
	if afterID != "" {
		oid, err := primitive.ObjectIDFromHex(afterID)
		if err != nil {
			return nil, fmt.Errorf("bad cursor id %q: %w", afterID, model.ErrValidation)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit))
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrapErr("find collection batch", err)
	}
	var out []model.Collection
	if err := cur.All(ctx, &out); err != nil {
		return nil, wrapErr("decode collection batch", err)
	}
	return out, nil
}

// CountNotDeleted returns the number of live collections.
func (r *CollectionRepository) CountNotDeleted(ctx context.Context) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{"isDeleted": false})
	return n, wrapErr("count collections", err)
}

// AtomicAddImage appends img unless an entry with the same
// (filename, relativePath) already exists, and bumps the statistics counters
// in the same command. Returns true when the image was actually added.
func (r *CollectionRepository) AtomicAddImage(ctx context.Context, id string, img model.ImageEmbedded) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, fmt.Errorf("bad collection id %q: %w", id, model.ErrValidation)
	}
	filter := bson.M{
		"_id": oid,
		"images": bson.M{"$not": bson.M{"$elemMatch": bson.M{
			"filename":     img.Filename,
			"relativePath": img.RelativePath,
		}}},
	}
	update := bson.M{
		"$push": bson.M{"images": img},
		"$inc": bson.M{
			"statistics.totalItems": 1,
			"statistics.totalSize":  img.ByteSize,
		},
		"$set": bson.M{"updatedAt": time.Now().UTC()},
	}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, wrapErr("add image", err)
	}
	return res.ModifiedCount == 1, nil
}

// SetImageDimensions writes the probed (width, height, format) into the
// embedded image identified by imageID.
func (r *CollectionRepository) SetImageDimensions(ctx context.Context, id, imageID string, width, height int, format string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("bad collection id %q: %w", id, model.ErrValidation)
	}
	update := bson.M{
		"$set": bson.M{
			"images.$[img].width":  width,
			"images.$[img].height": height,
			"images.$[img].format": format,
			"updatedAt":            time.Now().UTC(),
		},
	}
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{bson.M{"img.id": imageID}},
	})
	_, err = r.coll.UpdateOne(ctx, bson.M{"_id": oid}, update, opts)
	return wrapErr("set image dimensions", err)
}

// AtomicAddThumbnail appends t unless a thumbnail for the same
// (imageId, width, height) exists. Returns true when added.
func (r *CollectionRepository) AtomicAddThumbnail(ctx context.Context, id string, t model.ThumbnailEmbedded) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, fmt.Errorf("bad collection id %q: %w", id, model.ErrValidation)
	}
	filter := bson.M{
		"_id": oid,
		"thumbnails": bson.M{"$not": bson.M{"$elemMatch": bson.M{
			"imageId": t.ImageID,
			"width":   t.Width,
			"height":  t.Height,
		}}},
	}
	update := bson.M{
		"$push": bson.M{"thumbnails": t},
		"$set":  bson.M{"updatedAt": time.Now().UTC()},
	}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, wrapErr("add thumbnail", err)
	}
	return res.ModifiedCount == 1, nil
}

// AtomicAddCacheImage appends c unless a cache entry for the same imageId
// exists. Returns true when added.
func (r *CollectionRepository) AtomicAddCacheImage(ctx context.Context, id string, c model.CacheImageEmbedded) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, fmt.Errorf("bad collection id %q: %w", id, model.ErrValidation)
	}
	filter := bson.M{
		"_id":                 oid,
		"cacheImages.imageId": bson.M{"$ne": c.ImageID},
	}
	update := bson.M{
		"$push": bson.M{"cacheImages": c},
		"$set":  bson.M{"updatedAt": time.Now().UTC()},
	}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, wrapErr("add cache image", err)
	}
	return res.ModifiedCount == 1, nil
}

// AtomicAddThumbnails appends a batch of thumbnail and cache entries in one
// compound command. Used by the direct-access path, where the caller has
// already diffed out existing entries.
func (r *CollectionRepository) AtomicAddThumbnails(ctx context.Context, id string, thumbs []model.ThumbnailEmbedded, caches []model.CacheImageEmbedded) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("bad collection id %q: %w", id, model.ErrValidation)
	}
	push := bson.M{}
	if len(thumbs) > 0 {
		push["thumbnails"] = bson.M{"$each": thumbs}
	}
	if len(caches) > 0 {
		push["cacheImages"] = bson.M{"$each": caches}
	}
	if len(push) == 0 {
		return nil
	}
	update := bson.M{
		"$push": push,
		"$set":  bson.M{"updatedAt": time.Now().UTC()},
	}
	_, err = r.coll.UpdateOne(ctx, bson.M{"_id": oid}, update)
	return wrapErr("add thumbnail batch", err)
}

// ClearImageArrays resets images, thumbnails, cacheImages and the statistics
// block in one command. Used by forceRescan.
func (r *CollectionRepository) ClearImageArrays(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("bad collection id %q: %w", id, model.ErrValidation)
	}
	update := bson.M{
		"$set": bson.M{
			"images":                []model.ImageEmbedded{},
			"thumbnails":            []model.ThumbnailEmbedded{},
			"cacheImages":           []model.CacheImageEmbedded{},
			"statistics.totalItems": 0,
			"statistics.totalSize":  0,
			"updatedAt":             time.Now().UTC(),
		},
	}
	_, err = r.coll.UpdateOne(ctx, bson.M{"_id": oid}, update)
	return wrapErr("clear image arrays", err)
}

// UpdateSettings replaces the settings block. useDirectFileAccess is coerced
// false for archives, where it has no meaning.
func (r *CollectionRepository) UpdateSettings(ctx context.Context, id string, settings model.CollectionSettings) error {
	c, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c.Type == model.CollectionTypeArchive {
		settings.UseDirectFileAccess = false
	}
	update := bson.M{"$set": bson.M{
		"settings":  settings,
		"updatedAt": time.Now().UTC(),
	}}
	_, err = r.coll.UpdateOne(ctx, bson.M{"_id": c.ID}, update)
	return wrapErr("update settings", err)
}

// SoftDelete flags the collection deleted; the index reconciler cleans up the
// projection on its next pass.
func (r *CollectionRepository) SoftDelete(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("bad collection id %q: %w", id, model.ErrValidation)
	}
	update := bson.M{"$set": bson.M{
		"isDeleted": true,
		"updatedAt": time.Now().UTC(),
	}}
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": oid}, update)
	if err != nil {
		return wrapErr("soft delete collection", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("soft delete collection %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// IsDeleted reports whether the collection is missing or soft-deleted. Used
// by the Verify reconciliation phase.
func (r *CollectionRepository) IsDeleted(ctx context.Context, id string) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return true, nil
	}
	var c struct {
		IsDeleted bool `bson:"isDeleted"`
	}
	err = r.coll.FindOne(ctx, bson.M{"_id": oid},
		options.FindOne().SetProjection(bson.M{"isDeleted": 1})).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return true, nil
	}
	if err != nil {
		return false, wrapErr("check collection deleted", err)
	}
	return c.IsDeleted, nil
}
