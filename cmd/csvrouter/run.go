package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvrouter/internal/core"
)

func newRunCommand(stdout io.Writer) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run <source>",
		Short: "Route one source and wait for it to finish.",
		Long: `Route one source and wait for it to finish.

The source is a path under LOCAL_SOURCE_DIR for the local backend, or an
object key (or s3://bucket/key) for the s3 backend. The command exits non-zero
when the run fails; partition cleanup failures are reported but do not fail it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx = core.ContextWithOrigin(ctx, core.Origin{Kind: core.OriginCLI})
			result, err := a.service.Run(ctx, args[0])
			if result == nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(result); encErr != nil {
					return encErr
				}
			} else {
				printResult(stdout, result)
			}
			if err != nil {
				msg := core.MapError(err)
				return fmt.Errorf("%w: [%s] %s %s", errRunFailed, msg.Code, msg.Message, msg.Action)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full result as JSON.")
	return cmd
}

func printResult(w io.Writer, r *core.RunResult) {
	fmt.Fprintf(w, "run %s: %s\n", r.RunID, r.Phase)
	fmt.Fprintf(w, "source: %s (policy %s)\n", r.Source, r.Policy)
	fmt.Fprintf(w, "rows: %d routed, %d empty lines skipped, %d bytes\n", r.Rows, r.Skipped, r.BytesRead)
	fmt.Fprintf(w, "groups: %d committed of %d\n", r.Committed(), len(r.Groups))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, g := range r.Groups {
		line := fmt.Sprintf("  %s\t%d\t%s", g.Path, g.Rows, g.State)
		if g.Error != "" {
			line += "\t" + g.Error
		}
		fmt.Fprintln(tw, line)
	}
	_ = tw.Flush()

	for _, p := range r.Partitions {
		if p.Error != "" {
			fmt.Fprintf(w, "cleanup of %s failed: %s\n", p.Prefix, p.Error)
		}
	}
	fmt.Fprintf(w, "took %s\n", r.Duration)
	if r.Error != "" {
		fmt.Fprintf(w, "error: %s\n", r.Error)
	}
}
