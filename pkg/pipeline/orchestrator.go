// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package pipeline

import (
	"context"
	"fmt"

	"github.com/imageviewer/imageviewer/pkg/messages"
	"github.com/imageviewer/imageviewer/pkg/model"
	"github.com/imageviewer/imageviewer/pkg/util/log"
)

// LibraryScanRequest starts a scan over one library root.
type LibraryScanRequest struct {
	LibraryID           string `json:"libraryId"`
	LibraryPath         string `json:"libraryPath"`
	IncludeSubfolders   bool   `json:"includeSubfolders"`
	ForceRescan         bool   `json:"forceRescan"`
	ResumeIncomplete    bool   `json:"resumeIncomplete"`
	OverwriteExisting   bool   `json:"overwriteExisting"`
	UseDirectFileAccess bool   `json:"useDirectFileAccess"`
	AutoScan            bool   `json:"autoScan"`
}

// CollectionScanRequest starts a rescan of one collection.
type CollectionScanRequest struct {
	CollectionID        string `json:"collectionId"`
	ForceRescan         bool   `json:"forceRescan"`
	UseDirectFileAccess bool   `json:"useDirectFileAccess"`
}

// TriggerLibraryScan creates the tracking job and publishes the first message
// of a library run. The job's stages map is fully seeded before the publish:
// a consumer increment against an unseeded stage would be silently lost.
func (p *Pipeline) TriggerLibraryScan(ctx context.Context, req LibraryScanRequest) (string, error) {
	if req.LibraryID == "" || req.LibraryPath == "" {
		return "", fmt.Errorf("libraryId and libraryPath are required: %w", model.ErrValidation)
	}

	job := &model.BackgroundJob{
		Type:      model.JobTypeLibraryScan,
		MessageID: newMessageID(),
		Stages: map[string]model.JobStage{
			model.StageScan:      model.NewStage(0),
			model.StageThumbnail: model.NewStage(0),
			model.StageCache:     model.NewStage(0),
		},
	}
	if err := p.jobs.Create(ctx, job); err != nil {
		return "", err
	}

	err := p.pub.Publish(messages.TypeLibraryScan, messages.LibraryScan{
		MessageID:           job.MessageID,
		LibraryID:           req.LibraryID,
		LibraryPath:         req.LibraryPath,
		IncludeSubfolders:   req.IncludeSubfolders,
		ForceRescan:         req.ForceRescan,
		ResumeIncomplete:    req.ResumeIncomplete,
		OverwriteExisting:   req.OverwriteExisting,
		UseDirectFileAccess: req.UseDirectFileAccess,
		AutoScan:            req.AutoScan,
		JobID:               job.ID.Hex(),
	})
	if err != nil {
		if failErr := p.jobs.SetJobStatus(ctx, job.ID.Hex(), model.JobStatusFailed, err.Error()); failErr != nil {
			log.Warnf("unable to fail unpublished job %s: %v", job.ID.Hex(), failErr) //nolint:errcheck
		}
		return "", err
	}
	log.Infof("library scan triggered: library=%s job=%s", req.LibraryID, job.ID.Hex())
	return job.ID.Hex(), nil
}

// TriggerCollectionScan creates the tracking job and publishes a
// collection-scan for one existing collection.
func (p *Pipeline) TriggerCollectionScan(ctx context.Context, req CollectionScanRequest) (string, error) {
	collection, err := p.collections.GetByID(ctx, req.CollectionID)
	if err != nil {
		return "", err
	}

	job := &model.BackgroundJob{
		Type:         model.JobTypeCollectionScan,
		CollectionID: collection.ID.Hex(),
		MessageID:    newMessageID(),
		Stages: map[string]model.JobStage{
			model.StageScan:      model.NewStage(0),
			model.StageThumbnail: model.NewStage(0),
			model.StageCache:     model.NewStage(0),
		},
	}
	if err := p.jobs.Create(ctx, job); err != nil {
		return "", err
	}

	err = p.pub.Publish(messages.TypeCollectionScan, messages.CollectionScan{
		MessageID:           job.MessageID,
		CollectionID:        collection.ID.Hex(),
		CollectionPath:      collection.Path,
		CollectionType:      string(collection.Type),
		ForceRescan:         req.ForceRescan,
		UseDirectFileAccess: req.UseDirectFileAccess && collection.Type == model.CollectionTypeFolder,
		JobID:               job.ID.Hex(),
	})
	if err != nil {
		if failErr := p.jobs.SetJobStatus(ctx, job.ID.Hex(), model.JobStatusFailed, err.Error()); failErr != nil {
			log.Warnf("unable to fail unpublished job %s: %v", job.ID.Hex(), failErr) //nolint:errcheck
		}
		return "", err
	}
	log.Infof("collection scan triggered: collection=%s job=%s", collection.ID.Hex(), job.ID.Hex())
	return job.ID.Hex(), nil
}
