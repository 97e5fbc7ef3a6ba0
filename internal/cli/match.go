package cli

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ezachrisen/cohort"
)

// MatchOptions holds the flags of the match command that are not part of
// the run configuration.
type MatchOptions struct {
	subjectSource

	Output      string
	MetricsFile string
	Pairs       int
}

// NewMatchCommand creates the match command.
func NewMatchCommand(root *RootOptions) *cobra.Command {
	opts := &MatchOptions{}

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Select matched controls for the cases in a subject file",
		Long: `Match reads a JSON array of subject records, selects controls for every
subject with a qualifying event and writes the cohort.

The cohort written with --format json can be read back by the balance command.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMatch(cmd, root, opts)
		},
	}

	opts.addFlags(cmd.Flags())
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the cohort to this file instead of stdout")
	cmd.Flags().StringVar(&opts.MetricsFile, "metrics-file", "", "write run metrics in Prometheus text format to this file")
	cmd.Flags().IntVar(&opts.Pairs, "pairs", 20, "pairs listed in text output; 0 lists all")

	cmd.Flags().Uint64("seed", 0, "run seed")
	cmd.Flags().Int("workers", 0, "parallel workers; 0 runs sequentially, -1 uses all CPUs")
	cmd.Flags().Int("shards", 0, "birth-date shards; 0 uses one per worker")
	cmd.Flags().String("selection", "nearest", "candidate order (nearest|random)")
	cmd.Flags().Int("ratio", 1, "controls per case")
	cmd.Flags().Int("window", 30, "birth-date window in days")
	cmd.Flags().String("case-expr", "", "CEL expression cases must satisfy")
	cmd.Flags().String("control-expr", "", "CEL expression controls must satisfy")

	return cmd
}

func runMatch(cmd *cobra.Command, root *RootOptions, opts *MatchOptions) error {
	cfg, err := loadConfig(root.Config, cmd.Flags())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	matchOpts, err := cfg.matchOptions()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	subjects, err := opts.load(cmd.Context(), cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid input", err)
	}

	var reg *prometheus.Registry
	if opts.MetricsFile != "" {
		reg = prometheus.NewRegistry()
		m, err := cohort.NewMetrics(reg)
		if err != nil {
			return errors.Wrap(err, "registering metrics")
		}
		matchOpts = append(matchOpts, cohort.WithMetrics(m))
	}
	matchOpts = append(matchOpts, cohort.WithLogger(root.log().Named("matcher")))

	c, err := cohort.Match(cmd.Context(), subjects, cfg.Criteria, cfg.Seed, matchOpts...)
	if err != nil {
		var ce *cohort.ConfigError
		if errors.As(err, &ce) {
			return WrapExitError(ExitCommandError, "invalid configuration", err)
		}
		return err
	}
	if err := c.Validate(); err != nil {
		return WrapExitError(ExitFailure, "cohort failed validation", err)
	}

	if reg != nil {
		if err := prometheus.WriteToTextfile(opts.MetricsFile, reg); err != nil {
			return errors.Wrap(err, "writing metrics")
		}
	}

	w, done, err := openOutput(opts.Output, cmd.OutOrStdout())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid output", err)
	}
	err = writeResult(w, root.Format, c, func() string {
		return c.String() + "\n" + c.PairsTable(opts.Pairs)
	})
	return errors.Wrap(done(err), "writing cohort")
}

// openOutput returns a writer for path, or stdout when path is empty. The
// returned function closes the file and reports the first error.
func openOutput(path string, stdout io.Writer) (io.Writer, func(error) error, error) {
	if path == "" {
		return stdout, func(err error) error { return err }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating output")
	}
	return f, func(err error) error {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	}, nil
}
