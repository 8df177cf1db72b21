// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package model

import "errors"

// Error kinds the core distinguishes. Handlers classify errors with
// errors.Is against these sentinels to pick between ack, requeue and
// dead-letter.
var (
	// ErrValidation marks malformed input. Never enqueued, surfaced to the
	// caller directly.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a missing aggregate.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a duplicate create, e.g. a path collision.
	ErrConflict = errors.New("conflict")
	// ErrTransient marks broker/store/cache/filesystem hiccups worth retrying.
	ErrTransient = errors.New("transient error")
	// ErrCorrupt marks unreadable source data. The stage is failed and the
	// message acknowledged; retrying cannot help.
	ErrCorrupt = errors.New("data corruption")
	// ErrCancelled marks cooperative cancellation. The message is requeued so
	// the next boot resumes the work.
	ErrCancelled = errors.New("cancelled")
)
