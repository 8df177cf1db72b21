// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/imageviewer/imageviewer/pkg/broker"
	"github.com/imageviewer/imageviewer/pkg/index"
	"github.com/imageviewer/imageviewer/pkg/reconciler"
	"github.com/imageviewer/imageviewer/pkg/storage/mongo"
)

var reconcilerCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Run the DLQ and index reconciler",
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

		redisOpts, err := redis.ParseURL(cfg.CacheURI)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()

		idx := index.NewService(rdb, nil)
		r := reconciler.New(b, idx, store.Collections, cfg.ReconcileInterval(), nil)
		r.Run(ctx)
		return nil
	},
}
