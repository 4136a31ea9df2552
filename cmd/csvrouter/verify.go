package main

import (
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvrouter/internal/verify"
)

func newVerifyCommand(stdout io.Writer) *cobra.Command {
	var delimiter string

	cmd := &cobra.Command{
		Use:   "verify <source.csv> <output-dir>",
		Short: "Check that a local output tree holds exactly the rows of a source.",
		Long: `Compare a source file with the CSV outputs under a directory, typically
LOCAL_OUTPUT_DIR joined with DEST_PREFIX after a local run. Every source row
must appear in exactly one output, and no output may hold a row the source
lacks. The command exits non-zero when they differ.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delim, size := utf8.DecodeRuneInString(delimiter)
			if size == 0 || size != len(delimiter) {
				return fmt.Errorf("delimiter must be a single character, got %q", delimiter)
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			report, err := verify.Compare(f, os.DirFS(args[1]), delim)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, report.String())
			printSamples(stdout, "duplicate", report.DuplicateSamples)
			printSamples(stdout, "new", report.NewSamples)
			printSamples(stdout, "missing", report.MissingSamples)
			for _, path := range report.HeaderMismatches {
				fmt.Fprintf(stdout, "header mismatch: %s\n", path)
			}
			if !report.OK() {
				return fmt.Errorf("outputs under %s do not match %s", args[1], args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&delimiter, "delimiter", ",", "Field delimiter of the source and outputs.")
	return cmd
}

func printSamples(w io.Writer, kind string, rows []string) {
	for _, row := range rows {
		fmt.Fprintf(w, "%s: %s\n", kind, row)
	}
}
