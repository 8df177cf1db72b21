// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/imageviewer/imageviewer/pkg/broker"
	"github.com/imageviewer/imageviewer/pkg/messages"
	"github.com/imageviewer/imageviewer/pkg/pipeline"
	"github.com/imageviewer/imageviewer/pkg/storage/mongo"
	"github.com/imageviewer/imageviewer/pkg/util/log"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the ingestion pipeline consumers",
	RunE: func(*cobra.Command, []string) error {
		cfg, err := setupConfig()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		store, err := mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return err
		}
		defer store.Close(context.Background()) //nolint:errcheck

		// Cache folders declared in the config file become documents; folders
		// already in the store keep their runtime stats.
		for _, folder := range cfg.CacheFolders {
			if err := store.CacheFolders.Ensure(ctx, folder.Path, folder.Priority, folder.MaxSizeBytes); err != nil {
				return err
			}
		}

		b, err := broker.Connect(cfg.BrokerURI)
		if err != nil {
			return err
		}
		defer b.Close()
		if err := b.DeclareTopology(cfg.MessageTTLMs); err != nil {
			return err
		}

		// Dead-lettered work from previous runs goes back to its home queue
		// before the consumers come up.
		if _, err := b.RecoverDLQ(); err != nil {
			log.Warnf("dlq recovery at boot: %v", err) //nolint:errcheck
		}

		pub, err := broker.NewPublisher(b)
		if err != nil {
			return err
		}
		defer pub.Close()

		pipe := pipeline.New(nil, store.Collections, store.Jobs, store.CacheFolders, pub, cfg)

		pools := []*broker.ConsumerPool{
			broker.NewConsumerPool(b, messages.TypeLibraryScan, cfg.Workers.LibraryScan, cfg.RetryMax, pipe.HandleLibraryScan),
			broker.NewConsumerPool(b, messages.TypeCollectionScan, cfg.Workers.CollectionScan, cfg.RetryMax, pipe.HandleCollectionScan),
			broker.NewConsumerPool(b, messages.TypeImageProcess, cfg.Workers.ImageProcess, cfg.RetryMax, pipe.HandleImageProcess),
			broker.NewConsumerPool(b, messages.TypeThumbnailGen, cfg.Workers.ThumbnailGen, cfg.RetryMax, pipe.HandleThumbnailGen),
			broker.NewConsumerPool(b, messages.TypeCacheGen, cfg.Workers.CacheGen, cfg.RetryMax, pipe.HandleCacheGen),
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, pool := range pools {
			pool := pool
			if err := pool.Start(gctx); err != nil {
				cancel()
				return err
			}
			g.Go(func() error {
				pool.Wait()
				return nil
			})
		}

		log.Infof("worker running")
		return g.Wait()
	},
}
