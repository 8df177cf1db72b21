// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package mongo implements the document-store repositories. Every aggregate
// mutation is a single atomic update command built server-side; the
// repositories never read-modify-write.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/imageviewer/imageviewer/pkg/model"
)

const (
	collectionsColl  = "collections"
	jobsColl         = "background_jobs"
	cacheFoldersColl = "cache_folders"

	connectTimeout = 10 * time.Second
)

// Store owns the client handle shared by the repositories. The handle is
// thread-safe by driver contract.
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	Collections  *CollectionRepository
	Jobs         *JobRepository
	CacheFolders *CacheFolderRepository
}

// Connect dials the document store and pings the primary.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("unable to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("unable to reach MongoDB primary: %w", err)
	}

	db := client.Database(database)
	s := &Store{client: client, db: db}
	s.Collections = &CollectionRepository{coll: db.Collection(collectionsColl)}
	s.Jobs = &JobRepository{coll: db.Collection(jobsColl)}
	s.CacheFolders = &CacheFolderRepository{coll: db.Collection(cacheFoldersColl)}
	return s, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// wrapErr maps driver errors onto the core error kinds.
func wrapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%s: %w", op, model.ErrNotFound)
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%s: %w", op, model.ErrConflict)
	default:
		return fmt.Errorf("%s: %v: %w", op, err, model.ErrTransient)
	}
}
