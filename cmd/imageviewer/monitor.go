// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/imageviewer/imageviewer/pkg/monitor"
	"github.com/imageviewer/imageviewer/pkg/storage/mongo"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the job monitor",
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

		m := monitor.New(store.Jobs, store.Collections, cfg.MonitorInterval(), nil)
		m.Run(ctx)
		return nil
	},
}
