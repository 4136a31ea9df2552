package main

import (
	"io"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the command tree. Configuration comes from the
// environment (and an optional .env file); see internal/config.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "csvrouter",
		Short: "Route CSV records into one output file per group.",
		Long: `csvrouter streams a CSV source, assigns every record to a group by its
field values, and writes each group to its own output. Before the first
output of a partition is written, the partition's previous outputs are
deleted, so a re-run replaces them.

Sources and outputs live on the local filesystem or in S3 (STORAGE_BACKEND).
Runs can be started from the command line, over HTTP (serve), or from S3
event notifications on an AMQP queue (consume). gen writes a sample school
grade sheet to route.`,
		SilenceUsage: true,
	}
	rc.PersistentFlags().String("env-file", ".env", "Environment file loaded before configuration; missing is fine.")

	rc.AddCommand(newRunCommand(stdout))
	rc.AddCommand(newServeCommand())
	rc.AddCommand(newConsumeCommand())
	rc.AddCommand(newVerifyCommand(stdout))
	rc.AddCommand(newGenCommand(stdout))

	rc.SetIn(stdin)
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}
