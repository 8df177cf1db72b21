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

// JobRepository persists BackgroundJob aggregates. Stage counters are only
// ever moved by single $inc commands so concurrent consumers cannot lose
// updates.
type JobRepository struct {
	coll *mongo.Collection
}

// Create inserts the job with its stages map already seeded. Producers are
// enqueued only after this returns, otherwise their increments would land on
// a missing map entry and be lost.
func (r *JobRepository) Create(ctx context.Context, job *model.BackgroundJob) error {
	now := time.Now().UTC()
	if job.ID.IsZero() {
		job.ID = primitive.NewObjectID()
	}
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}
	if job.Stages == nil {
		job.Stages = map[string]model.JobStage{}
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := r.coll.InsertOne(ctx, job)
	return wrapErr("create job", err)
}

// GetByID fetches one job.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*model.BackgroundJob, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("bad job id %q: %w", id, model.ErrValidation)
	}
	var job model.BackgroundJob
	if err := r.coll.FindOne(ctx, bson.M{"_id": oid}).Decode(&job); err != nil {
		return nil, wrapErr("get job", err)
	}
	return &job, nil
}

// IncrementStage bumps stages.<name>.completedItems and the job-level
// completedItems by n in one command.
func (r *JobRepository) IncrementStage(ctx context.Context, id, stage string, n int64) error {
	if n == 0 {
		return nil
	}
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("bad job id %q: %w", id, model.ErrValidation)
	}
	update := bson.M{
		"$inc": bson.M{
			fmt.Sprintf("stages.%s.completedItems", stage): n,
			"completedItems": n,
		},
		"$set": bson.M{"updatedAt": time.Now().UTC()},
	}
	_, err = r.coll.UpdateOne(ctx, bson.M{"_id": oid}, update)
	return wrapErr("increment stage", err)
}

// SeedStageTotals adds the planned totals of one collection to the job in a
// single guarded command. Scan consumers call this as they learn how much
// work the collection holds, so the collections of one library run accumulate
// into the same job. The collection id is recorded in the same command the
// filter checks, so a redelivered scan message matches nothing and adds
// nothing; an inflated total would leave the stage impossible to close.
// Returns whether this call did the seeding.
func (r *JobRepository) SeedStageTotals(ctx context.Context, id, collectionID string, totals map[string]int64) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, fmt.Errorf("bad job id %q: %w", id, model.ErrValidation)
	}
	inc := bson.M{}
	var sum int64
	for stage, n := range totals {
		inc[fmt.Sprintf("stages.%s.totalItems", stage)] = n
		sum += n
	}
	inc["totalItems"] = sum
	filter := bson.M{"_id": oid, "seededCollections": bson.M{"$ne": collectionID}}
	update := bson.M{
		"$inc":  inc,
		"$push": bson.M{"seededCollections": collectionID},
		"$set":  bson.M{"updatedAt": time.Now().UTC()},
	}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, wrapErr("seed stage totals", err)
	}
	return res.MatchedCount == 1, nil
}

// SetStageStatus moves one stage to status, stamping startedAt or completedAt
// as appropriate and recording an optional message.
func (r *JobRepository) SetStageStatus(ctx context.Context, id, stage string, status model.JobStatus, message string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("bad job id %q: %w", id, model.ErrValidation)
	}
	now := time.Now().UTC()
	set := bson.M{
		fmt.Sprintf("stages.%s.status", stage): status,
		"updatedAt":                            now,
	}
	switch status {
	case model.JobStatusInProgress:
		set[fmt.Sprintf("stages.%s.startedAt", stage)] = now
	case model.JobStatusCompleted:
		set[fmt.Sprintf("stages.%s.completedAt", stage)] = now
	case model.JobStatusFailed:
		set[fmt.Sprintf("stages.%s.completedAt", stage)] = now
		set[fmt.Sprintf("stages.%s.errorMessage", stage)] = message
	}
	if message != "" && status != model.JobStatusFailed {
		set[fmt.Sprintf("stages.%s.message", stage)] = message
	}
	_, err = r.coll.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": set})
	return wrapErr("set stage status", err)
}

// SetStageCounters overwrites both counters of one stage in a single write.
// The monitor uses it to repair counts that drifted from the observed arrays.
func (r *JobRepository) SetStageCounters(ctx context.Context, id, stage string, completed, total int64) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("bad job id %q: %w", id, model.ErrValidation)
	}
	update := bson.M{"$set": bson.M{
		fmt.Sprintf("stages.%s.completedItems", stage): completed,
		fmt.Sprintf("stages.%s.totalItems", stage):     total,
		"updatedAt": time.Now().UTC(),
	}}
	_, err = r.coll.UpdateOne(ctx, bson.M{"_id": oid}, update)
	return wrapErr("set stage counters", err)
}

// SetJobStatus moves the job itself to status.
func (r *JobRepository) SetJobStatus(ctx context.Context, id string, status model.JobStatus, message string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("bad job id %q: %w", id, model.ErrValidation)
	}
	now := time.Now().UTC()
	set := bson.M{
		"status":    status,
		"updatedAt": now,
	}
	if message != "" {
		set["message"] = message
	}
	if status.IsTerminal() {
		set["completedAt"] = now
	}
	_, err = r.coll.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": set})
	return wrapErr("set job status", err)
}

// Complete closes the job with the aggregated counters.
func (r *JobRepository) Complete(ctx context.Context, id string, total, completed int64) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("bad job id %q: %w", id, model.ErrValidation)
	}
	now := time.Now().UTC()
	update := bson.M{"$set": bson.M{
		"status":          model.JobStatusCompleted,
		"totalItems":      total,
		"completedItems":  completed,
		"progressPercent": 100.0,
		"completedAt":     now,
		"updatedAt":       now,
	}}
	_, err = r.coll.UpdateOne(ctx, bson.M{"_id": oid}, update)
	return wrapErr("complete job", err)
}

// Cancel flips a non-terminal job to cancelled. Consumers check the status
// before acknowledging and drop cancelled work without mutating.
func (r *JobRepository) Cancel(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("bad job id %q: %w", id, model.ErrValidation)
	}
	filter := bson.M{
		"_id":    oid,
		"status": bson.M{"$in": []model.JobStatus{model.JobStatusPending, model.JobStatusInProgress}},
	}
	update := bson.M{"$set": bson.M{
		"status":      model.JobStatusCancelled,
		"completedAt": time.Now().UTC(),
		"updatedAt":   time.Now().UTC(),
	}}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return wrapErr("cancel job", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("cancel job %s: not found or already terminal: %w", id, model.ErrConflict)
	}
	return nil
}

// FindNonTerminal returns every job still pending or in progress. The
// monitor walks this set each tick.
func (r *JobRepository) FindNonTerminal(ctx context.Context) ([]model.BackgroundJob, error) {
	filter := bson.M{"status": bson.M{"$in": []model.JobStatus{model.JobStatusPending, model.JobStatusInProgress}}}
	cur, err := r.coll.Find(ctx, filter)
	if err != nil {
		return nil, wrapErr("find non-terminal jobs", err)
	}
	var out []model.BackgroundJob
	if err := cur.All(ctx, &out); err != nil {
		return nil, wrapErr("decode jobs", err)
	}
	return out, nil
}

// FindRecent returns the latest jobs, newest first.
func (r *JobRepository) FindRecent(ctx context.Context, limit int) ([]model.BackgroundJob, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}).SetLimit(int64(limit))
	cur, err := r.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, wrapErr("find recent jobs", err)
	}
	var out []model.BackgroundJob
	if err := cur.All(ctx, &out); err != nil {
		return nil, wrapErr("decode jobs", err)
	}
	return out, nil
}
