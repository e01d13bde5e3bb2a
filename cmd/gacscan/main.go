/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/untillpro/goutils/cobrau"
	"github.com/untillpro/goutils/logger"
)

var version = "0.1.0"

var verbose bool

func main() {
	if err := execRootCmd(os.Args, version); err != nil {
		os.Exit(1)
	}
}

var rootCmd *cobra.Command

func execRootCmd(args []string, ver string) error {
	version = ver
	rootCmd = cobrau.PrepareRootCmd(
		"gacscan",
		"Access-rule metadata linter",
		args,
		version,
		newCheckCmd(),
		newVersionCmd(),
	)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	if verbose {
		logger.SetLogLevel(logger.LogLevelVerbose)
	}
	return cobrau.ExecCommandAndCatchInterrupt(rootCmd)
}
