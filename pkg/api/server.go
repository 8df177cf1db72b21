// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package api exposes the admin surface over HTTP: scan triggers, listing and
// position queries, job status, index rebuild and DLQ recovery. The handlers
// are thin; all semantics live in the packages below.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/imageviewer/imageviewer/pkg/broker"
	"github.com/imageviewer/imageviewer/pkg/index"
	"github.com/imageviewer/imageviewer/pkg/model"
	"github.com/imageviewer/imageviewer/pkg/pipeline"
	"github.com/imageviewer/imageviewer/pkg/util/log"
)

// Orchestrator starts pipeline runs.
type Orchestrator interface {
	TriggerLibraryScan(ctx context.Context, req pipeline.LibraryScanRequest) (string, error)
	TriggerCollectionScan(ctx context.Context, req pipeline.CollectionScanRequest) (string, error)
}

// Index answers listing, position and rebuild requests.
type Index interface {
	GetPage(ctx context.Context, f index.Filter, field index.SortField, dir index.SortDir, page, pageSize int) (*index.Page, error)
	GetPosition(ctx context.Context, f index.Filter, field index.SortField, dir index.SortDir, collectionID string) (*index.Position, error)
	GetSidebarPage(ctx context.Context, f index.Filter, field index.SortField, dir index.SortDir, collectionID string, page, pageSize int) (*index.Page, error)
	GetCount(ctx context.Context, f index.Filter) (int64, error)
	Rebuild(ctx context.Context, source index.CollectionSource, opts index.RebuildOptions) (*index.RebuildStats, error)
	RemoveCollection(ctx context.Context, id string) error
}

// JobStore serves job status queries and cancellation.
type JobStore interface {
	GetByID(ctx context.Context, id string) (*model.BackgroundJob, error)
	FindRecent(ctx context.Context, limit int) ([]model.BackgroundJob, error)
	Cancel(ctx context.Context, id string) error
}

// CollectionStore serves the soft-delete endpoint.
type CollectionStore interface {
	SoftDelete(ctx context.Context, id string) error
}

// DLQRecoverer drains the dead-letter queue on demand.
type DLQRecoverer interface {
	RecoverDLQ() (broker.RecoveryStats, error)
}

// Server wires the admin routes.
type Server struct {
	orchestrator Orchestrator
	idx          Index
	source       index.CollectionSource
	jobs         JobStore
	collections  CollectionStore
	dlq          DLQRecoverer
}

// New builds the server.
func New(orchestrator Orchestrator, idx Index, source index.CollectionSource, jobs JobStore, collections CollectionStore, dlq DLQRecoverer) *Server {
	return &Server{
		orchestrator: orchestrator,
		idx:          idx,
		source:       source,
		jobs:         jobs,
		collections:  collections,
		dlq:          dlq,
	}
}

// Router returns the HTTP routing table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/libraries/scan", s.handleLibraryScan).Methods(http.MethodPost)
	v1.HandleFunc("/collections/{id}/scan", s.handleCollectionScan).Methods(http.MethodPost)
	v1.HandleFunc("/collections", s.handleList).Methods(http.MethodGet)
	v1.HandleFunc("/collections/count", s.handleCount).Methods(http.MethodGet)
	v1.HandleFunc("/collections/{id}/position", s.handlePosition).Methods(http.MethodGet)
	v1.HandleFunc("/collections/{id}/sidebar", s.handleSidebar).Methods(http.MethodGet)
	v1.HandleFunc("/collections/{id}", s.handleDeleteCollection).Methods(http.MethodDelete)
	v1.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods(http.MethodPost)
	v1.HandleFunc("/index/rebuild", s.handleRebuild).Methods(http.MethodPost)
	v1.HandleFunc("/dlq/recover", s.handleRecoverDLQ).Methods(http.MethodPost)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	return r
}

func (s *Server) handleLibraryScan(w http.ResponseWriter, r *http.Request) {
	var req pipeline.LibraryScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("bad request body: %v: %w", err, model.ErrValidation))
		return
	}
	jobID, err := s.orchestrator.TriggerLibraryScan(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (s *Server) handleCollectionScan(w http.ResponseWriter, r *http.Request) {
	var req pipeline.CollectionScanRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fmt.Errorf("bad request body: %v: %w", err, model.ErrValidation))
			return
		}
	}
	req.CollectionID = mux.Vars(r)["id"]
	jobID, err := s.orchestrator.TriggerCollectionScan(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	field, dir, filter := sortParams(r)
	page := intParam(r, "page", 1)
	pageSize := intParam(r, "pageSize", 20)

	result, err := s.idx.GetPage(r.Context(), filter, field, dir, page, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	_, _, filter := sortParams(r)
	count, err := s.idx.GetCount(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	field, dir, filter := sortParams(r)
	pos, err := s.idx.GetPosition(r.Context(), filter, field, dir, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleSidebar(w http.ResponseWriter, r *http.Request) {
	field, dir, filter := sortParams(r)
	page := intParam(r, "page", 1)
	pageSize := intParam(r, "pageSize", 20)

	result, err := s.idx.GetSidebarPage(r.Context(), filter, field, dir, mux.Vars(r)["id"], page, pageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleDeleteCollection soft-deletes the document and drops the projection
// right away rather than waiting for the next verify pass.
func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.collections.SoftDelete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.idx.RemoveCollection(r.Context(), id); err != nil {
		log.Warnf("unable to drop index entries for %s, verify will catch up: %v", id, err) //nolint:errcheck
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r, "limit", 50)
	jobs, err := s.jobs.FindRecent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []model.BackgroundJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Cancel(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	var opts index.RebuildOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		writeError(w, fmt.Errorf("bad request body: %v: %w", err, model.ErrValidation))
		return
	}
	stats, err := s.idx.Rebuild(r.Context(), s.source, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRecoverDLQ(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.dlq.RecoverDLQ()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func sortParams(r *http.Request) (index.SortField, index.SortDir, index.Filter) {
	q := r.URL.Query()
	field := index.SortField(q.Get("sortField"))
	if field == "" {
		field = index.SortByUpdatedAt
	}
	dir := index.SortDir(q.Get("sortDir"))
	if dir == "" {
		dir = index.Asc
	}
	return field, dir, index.Filter{
		LibraryID: q.Get("libraryId"),
		Type:      model.CollectionType(q.Get("type")),
	}
}

func intParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("unable to encode response: %v", err) //nolint:errcheck
	}
}

// writeError shapes the error kinds into status codes: validation 400,
// not-found 404, conflict 409, everything else 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrConflict):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
