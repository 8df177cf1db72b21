// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package main is the image viewer entry point. One binary carries every
// role; the subcommand picks which one runs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/imageviewer/imageviewer/pkg/config"
	"github.com/imageviewer/imageviewer/pkg/util/log"
)

var (
	cfgPath  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:          "imageviewer",
	Short:        "Self-hosted image library service",
	Long:         "imageviewer ingests image folders and archives into browsable collections.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "cfgpath", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override the configured log level")

	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(reconcilerCmd)
	rootCmd.AddCommand(versionCmd)
}

// setupConfig loads the configuration and initializes logging for a
// subcommand.
func setupConfig() (config.Config, error) {
	cfg, err := config.Load(afero.NewOsFs(), cfgPath)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := log.Setup(cfg.LogLevel); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	defer log.Flush()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
