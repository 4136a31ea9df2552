package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvrouter/internal/fixture"
)

func newGenCommand(stdout io.Writer) *cobra.Command {
	var (
		size string
		seed uint64
	)

	cmd := &cobra.Command{
		Use:   "gen <out.csv>",
		Short: "Write a generated school grade sheet for trying out the school policy.",
		Long: `Generate a CSV with the columns School, Semester, Grade, Subject, Class,
Student Name and Score: one row per student per class for grades 9 through 12.

  small    3 schools, 15 students per grade      900 rows
  medium  10 schools, 22 students per grade     4400 rows
  large   50 schools, 30 students per grade    30000 rows

Use "-" to write to standard output.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := fixture.LookupSize(size)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("seed") {
				seed = uint64(time.Now().UnixNano())
			}
			opts := fixture.Options{Size: s, Seed: seed, Now: time.Now()}

			if args[0] == "-" {
				_, err := fixture.Write(stdout, opts)
				return err
			}

			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			rows, err := fixture.Write(f, opts)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("write %s: %w", args[0], err)
			}
			fmt.Fprintf(stdout, "wrote %d rows to %s (seed %d)\n", rows, args[0], seed)
			return nil
		},
	}
	cmd.Flags().StringVar(&size, "size", "small", "Fixture size: small, medium or large.")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed; a time-based seed is used when unset.")
	return cmd
}
