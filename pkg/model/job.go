// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// JobStatus is the lifecycle state of a background job or one of its stages.
type JobStatus string

// Job and stage statuses.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "inProgress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Stage names used by the ingestion pipeline.
const (
	StageScan      = "scan"
	StageThumbnail = "thumbnail"
	StageCache     = "cache"
)

// JobStage tracks one phase of a pipeline run. Consumers only ever touch
// CompletedItems through atomic increments; the monitor owns the status
// transitions.
type JobStage struct {
	Status         JobStatus  `bson:"status" json:"status"`
	TotalItems     int64      `bson:"totalItems" json:"totalItems"`
	CompletedItems int64      `bson:"completedItems" json:"completedItems"`
	Message        string     `bson:"message,omitempty" json:"message,omitempty"`
	StartedAt      *time.Time `bson:"startedAt,omitempty" json:"startedAt,omitempty"`
	CompletedAt    *time.Time `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
	ErrorMessage   string     `bson:"errorMessage,omitempty" json:"errorMessage,omitempty"`
}

// BackgroundJob is the aggregate tracking one pipeline run. The stages map is
// seeded at creation time; an increment against a stage that was never seeded
// is silently lost, so producers are only enqueued after the map is written.
type BackgroundJob struct {
	ID             primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	Type           string              `bson:"type" json:"type"`
	Status         JobStatus           `bson:"status" json:"status"`
	CollectionID   string              `bson:"collectionId,omitempty" json:"collectionId,omitempty"`
	MessageID      string              `bson:"messageId,omitempty" json:"messageId,omitempty"`
	Message        string              `bson:"message,omitempty" json:"message,omitempty"`
	TotalItems     int64               `bson:"totalItems" json:"totalItems"`
	CompletedItems int64               `bson:"completedItems" json:"completedItems"`
	Progress       float64             `bson:"progressPercent" json:"progressPercent"`
	Stages         map[string]JobStage `bson:"stages" json:"stages"`
	// SeededCollections lists the collections whose planned totals were
	// already added, so a redelivered scan message cannot add them twice.
	SeededCollections []string `bson:"seededCollections,omitempty" json:"-"`
	CreatedAt      time.Time           `bson:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time           `bson:"updatedAt" json:"updatedAt"`
	CompletedAt    *time.Time          `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
}

// Job type tags.
const (
	JobTypeLibraryScan    = "library-scan"
	JobTypeCollectionScan = "collection-scan"
)

// NewStage returns a pending stage with the planned item count.
func NewStage(totalItems int64) JobStage {
	return JobStage{
		Status:     JobStatusPending,
		TotalItems: totalItems,
	}
}

// AllStagesCompleted reports whether every stage in the map is completed. A
// job with no stages is never considered complete.
func (j *BackgroundJob) AllStagesCompleted() bool {
	if len(j.Stages) == 0 {
		return false
	}
	for _, stage := range j.Stages {
		if stage.Status != JobStatusCompleted {
			return false
		}
	}
	return true
}

// AnyStageFailed reports whether at least one stage failed.
func (j *BackgroundJob) AnyStageFailed() bool {
	for _, stage := range j.Stages {
		if stage.Status == JobStatusFailed {
			return true
		}
	}
	return false
}

// AggregateCounters sums the per-stage counters into (total, completed).
func (j *BackgroundJob) AggregateCounters() (int64, int64) {
	var total, completed int64
	for _, stage := range j.Stages {
		total += stage.TotalItems
		completed += stage.CompletedItems
	}
	return total, completed
}
