// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package reconciler is the eventual-consistency backstop: it drains the
// dead-letter queue at boot and keeps the Redis projection aligned with the
// document store on a fixed period.
package reconciler

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/imageviewer/imageviewer/pkg/broker"
	"github.com/imageviewer/imageviewer/pkg/index"
	"github.com/imageviewer/imageviewer/pkg/util/log"
)

// DLQRecoverer drains the dead-letter queue once.
type DLQRecoverer interface {
	RecoverDLQ() (broker.RecoveryStats, error)
}

// IndexRebuilder runs one index rebuild pass.
type IndexRebuilder interface {
	Rebuild(ctx context.Context, source index.CollectionSource, opts index.RebuildOptions) (*index.RebuildStats, error)
}

// Reconciler pairs boot-time DLQ recovery with a periodic Verify rebuild.
type Reconciler struct {
	dlq      DLQRecoverer
	idx      IndexRebuilder
	source   index.CollectionSource
	clock    clock.Clock
	interval time.Duration
}

// New builds a reconciler. clk nil means the wall clock.
func New(dlq DLQRecoverer, idx IndexRebuilder, source index.CollectionSource, interval time.Duration, clk clock.Clock) *Reconciler {
	if clk == nil {
		clk = clock.New()
	}
	return &Reconciler{dlq: dlq, idx: idx, source: source, clock: clk, interval: interval}
}

// Run recovers the DLQ once, then verifies the index every interval until ctx
// is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.RecoverOnce()

	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()
	log.Infof("reconciler running every %s", r.interval)
	for {
		select {
		case <-ctx.Done():
			log.Infof("reconciler stopping")
			return
		case <-ticker.C:
			r.VerifyOnce(ctx)
		}
	}
}

// RecoverOnce drains the DLQ. Failures are logged, never fatal: the next boot
// or the broker TTL picks the work back up.
func (r *Reconciler) RecoverOnce() broker.RecoveryStats {
	stats, err := r.dlq.RecoverDLQ()
	if err != nil {
		log.Warnf("reconciler: dlq recovery: %v", err) //nolint:errcheck
	}
	return stats
}

// VerifyOnce runs one Verify rebuild pass bounded to the tick interval, so a
// slow pass cannot overlap the next one.
func (r *Reconciler) VerifyOnce(ctx context.Context) {
	stats, err := r.idx.Rebuild(ctx, r.source, index.RebuildOptions{
		Mode:    index.RebuildVerify,
		Timeout: r.interval,
	})
	if err != nil {
		log.Warnf("reconciler: index verify: %v", err) //nolint:errcheck
		return
	}
	if stats.Rebuilt > 0 || stats.Deleted > 0 {
		log.Infof("reconciler: index verify repaired %d and removed %d entries", stats.Rebuilt, stats.Deleted)
	}
}
