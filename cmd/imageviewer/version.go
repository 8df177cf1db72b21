// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"fmt"
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Overridden at build time via -ldflags.
var (
	version = "dev"
	commit  = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version info",
	Run: func(*cobra.Command, []string) {
		meta := ""
		if commit != "" {
			meta = fmt.Sprintf(" - Commit: %s", commit)
		}
		fmt.Fprintln(color.Output, fmt.Sprintf("imageviewer %s%s - Go version: %s",
			color.CyanString(version), meta, runtime.Version()))
	},
}
