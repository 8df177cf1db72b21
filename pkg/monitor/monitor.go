// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package monitor closes pipeline jobs. Consumers only ever move counters;
// the status transitions of stages and jobs are owned here, so a lost
// increment or a skipped stage can always be repaired by observation.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/imageviewer/imageviewer/pkg/model"
	"github.com/imageviewer/imageviewer/pkg/util/log"
)

// JobStore is the slice of the job repository the monitor uses.
type JobStore interface {
	FindNonTerminal(ctx context.Context) ([]model.BackgroundJob, error)
	SetStageStatus(ctx context.Context, id, stage string, status model.JobStatus, message string) error
	SetStageCounters(ctx context.Context, id, stage string, completed, total int64) error
	SetJobStatus(ctx context.Context, id string, status model.JobStatus, message string) error
	Complete(ctx context.Context, id string, total, completed int64) error
}

// CollectionStore resolves the collection a job references.
type CollectionStore interface {
	GetByID(ctx context.Context, id string) (*model.Collection, error)
}

// Monitor periodically reconciles every non-terminal job.
type Monitor struct {
	jobs        JobStore
	collections CollectionStore
	clock       clock.Clock
	interval    time.Duration
}

// New builds a monitor. clk nil means the wall clock.
func New(jobs JobStore, collections CollectionStore, interval time.Duration, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{jobs: jobs, collections: collections, clock: clk, interval: interval}
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()
	log.Infof("job monitor running every %s", m.interval)
	for {
		select {
		case <-ctx.Done():
			log.Infof("job monitor stopping")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick reconciles every non-terminal job once.
func (m *Monitor) Tick(ctx context.Context) {
	jobs, err := m.jobs.FindNonTerminal(ctx)
	if err != nil {
		log.Warnf("monitor: unable to list jobs: %v", err) //nolint:errcheck
		return
	}
	for i := range jobs {
		if ctx.Err() != nil {
			return
		}
		if err := m.reconcileJob(ctx, &jobs[i]); err != nil {
			log.Warnf("monitor: job %s: %v", jobs[i].ID.Hex(), err) //nolint:errcheck
		}
	}
}

func (m *Monitor) reconcileJob(ctx context.Context, job *model.BackgroundJob) error {
	if job.CollectionID != "" {
		if err := m.reconcileWithCollection(ctx, job); err != nil {
			return err
		}
	} else {
		if err := m.reconcileByCounters(ctx, job); err != nil {
			return err
		}
	}
	return m.closeIfTerminal(ctx, job)
}

// reconcileWithCollection compares the stage counters against what the
// collection document actually holds: the arrays are the ground truth, the
// counters are best-effort. Drift (a lost increment, or direct mode skipping
// increments) is repaired in a single write per stage.
func (m *Monitor) reconcileWithCollection(ctx context.Context, job *model.BackgroundJob) error {
	c, err := m.collections.GetByID(ctx, job.CollectionID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return m.failJobLocally(ctx, job, "collection "+job.CollectionID+" no longer exists")
		}
		return err
	}

	expected := job.Stages[model.StageScan].TotalItems
	observed := map[string]int64{
		model.StageScan:      int64(len(c.Images)),
		model.StageThumbnail: int64(len(c.Thumbnails)),
		model.StageCache:     int64(len(c.CacheImages)),
	}

	for name, seen := range observed {
		stage, ok := job.Stages[name]
		if !ok || stage.Status.IsTerminal() {
			continue
		}
		if stage.CompletedItems != seen {
			total := stage.TotalItems
			if seen > total {
				total = seen
			}
			if err := m.jobs.SetStageCounters(ctx, job.ID.Hex(), name, seen, total); err != nil {
				return err
			}
			stage.CompletedItems = seen
			stage.TotalItems = total
			job.Stages[name] = stage
		}
		if expected > 0 && seen >= expected {
			if err := m.setStageCompleted(ctx, job, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// reconcileByCounters closes each stage independently from its own counter
// pair. Used for jobs with no collection reference, like library-scan
// orchestrator jobs.
func (m *Monitor) reconcileByCounters(ctx context.Context, job *model.BackgroundJob) error {
	for name, stage := range job.Stages {
		if stage.Status.IsTerminal() {
			continue
		}
		if stage.TotalItems > 0 && stage.CompletedItems >= stage.TotalItems {
			if err := m.setStageCompleted(ctx, job, name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Monitor) setStageCompleted(ctx context.Context, job *model.BackgroundJob, name string) error {
	if err := m.jobs.SetStageStatus(ctx, job.ID.Hex(), name, model.JobStatusCompleted, ""); err != nil {
		return err
	}
	stage := job.Stages[name]
	stage.Status = model.JobStatusCompleted
	job.Stages[name] = stage
	log.Debugf("monitor: job %s stage %s completed", job.ID.Hex(), name)
	return nil
}

// closeIfTerminal moves the job itself once the stages allow it: Failed wins
// over Completed, partial progress stays visible either way.
func (m *Monitor) closeIfTerminal(ctx context.Context, job *model.BackgroundJob) error {
	switch {
	case job.AnyStageFailed():
		log.Infof("monitor: job %s failed", job.ID.Hex())
		return m.jobs.SetJobStatus(ctx, job.ID.Hex(), model.JobStatusFailed, "")
	case job.AllStagesCompleted():
		total, completed := job.AggregateCounters()
		log.Infof("monitor: job %s completed (%d/%d items)", job.ID.Hex(), completed, total)
		return m.jobs.Complete(ctx, job.ID.Hex(), total, completed)
	default:
		return nil
	}
}

func (m *Monitor) failJobLocally(ctx context.Context, job *model.BackgroundJob, msg string) error {
	log.Warnf("monitor: job %s: %s", job.ID.Hex(), msg) //nolint:errcheck
	return m.jobs.SetJobStatus(ctx, job.ID.Hex(), model.JobStatusFailed, msg)
}
