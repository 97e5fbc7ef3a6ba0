// Package cli implements the cohortmatch command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Config    string
	Format    string // "text" | "json" | "yaml"
	Verbosity int
	LogJSON   bool

	logger *zap.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command for the cohortmatch CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cohortmatch",
		Short: "Case-control matching for registry cohorts",
		Long: `cohortmatch selects matched controls for the cases in a registry extract
and reports how well the matched groups are balanced.

Examples:
  cohortmatch match --input subjects.json --config criteria.yaml
  cohortmatch match --input subjects.json --workers 8 --format yaml
  cohortmatch balance --input subjects.json --cohort cohort.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			opts.logger = newLogger(opts.Verbosity, opts.LogJSON, cmd.ErrOrStderr())
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = opts.log().Sync()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "YAML file with matching criteria and run settings")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().CountVarP(&opts.Verbosity, "verbose", "v", "increase log verbosity (-v, -vv)")
	cmd.PersistentFlags().BoolVar(&opts.LogJSON, "log-json", false, "write logs as JSON")

	cmd.AddCommand(NewMatchCommand(opts))
	cmd.AddCommand(NewBalanceCommand(opts))

	return cmd
}

func (o *RootOptions) log() *zap.Logger {
	if o.logger == nil {
		return zap.NewNop()
	}
	return o.logger
}
