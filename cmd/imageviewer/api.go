// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"context"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/imageviewer/imageviewer/pkg/api"
	"github.com/imageviewer/imageviewer/pkg/broker"
	"github.com/imageviewer/imageviewer/pkg/index"
	"github.com/imageviewer/imageviewer/pkg/pipeline"
	"github.com/imageviewer/imageviewer/pkg/storage/mongo"
	"github.com/imageviewer/imageviewer/pkg/util/log"
)

const httpShutdownGrace = 10 * time.Second

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the admin HTTP API",
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

		b, err := broker.Connect(cfg.BrokerURI)
		if err != nil {
			return err
		}
		defer b.Close()
		if err := b.DeclareTopology(cfg.MessageTTLMs); err != nil {
			return err
		}
		pub, err := broker.NewPublisher(b)
		if err != nil {
			return err
		}
		defer pub.Close()

		redisOpts, err := redis.ParseURL(cfg.CacheURI)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()

		idx := index.NewService(rdb, nil)
		pipe := pipeline.New(nil, store.Collections, store.Jobs, store.CacheFolders, pub, cfg)
		server := api.New(pipe, idx, store.Collections, store.Jobs, store.Collections, b)

		httpSrv := &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: server.Router(),
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			log.Infof("admin API listening on %s", cfg.HTTPAddr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), httpShutdownGrace)
			defer shutdownCancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}
