package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ezachrisen/cohort"
)

// BalanceOptions holds the flags of the balance command that are not part
// of the run configuration.
type BalanceOptions struct {
	subjectSource

	Cohort         string
	Output         string
	FailImbalanced bool
}

// NewBalanceCommand creates the balance command.
func NewBalanceCommand(root *RootOptions) *cobra.Command {
	opts := &BalanceOptions{}

	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Compare the covariates of matched cases and controls",
		Long: `Balance reads a cohort written by "match --format json" together with the
subject file it was matched from and reports the standardized mean
difference of each covariate between matched cases and their controls.

Birth year, family size, both parents linked and sex are always assessed;
--covariate adds covariates from the subjects' extra values.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBalance(cmd, root, opts)
		},
	}

	opts.addFlags(cmd.Flags())
	cmd.Flags().StringVar(&opts.Cohort, "cohort", "", "cohort file written by match --format json")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the report to this file instead of stdout")
	cmd.Flags().BoolVar(&opts.FailImbalanced, "fail-imbalanced", false, "exit with status 1 if any covariate is imbalanced")
	_ = cmd.MarkFlagRequired("cohort")

	cmd.Flags().Float64("threshold", 0.1, "|SMD| above which a covariate is imbalanced")
	cmd.Flags().Int("min-observations", 2, "observations each group needs for a covariate to be assessed")
	cmd.Flags().StringSlice("covariate", nil, "extra covariate to assess (repeatable)")

	return cmd
}

func runBalance(cmd *cobra.Command, root *RootOptions, opts *BalanceOptions) error {
	log := root.log()
	cfg, err := loadConfig(root.Config, cmd.Flags())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	c, err := readCohort(opts.Cohort)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid cohort", err)
	}
	subjects, err := opts.load(cmd.Context(), cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid input", err)
	}

	r, err := cohort.AssessBalance(c.WithSubjects(subjects), cfg.Balance.covariates(), cfg.Balance.options()...)
	if err != nil {
		return WrapExitError(ExitCommandError, "cannot assess balance", err)
	}
	log.Info("balance assessed",
		zap.Stringer("run_id", r.RunID),
		zap.Int("covariates", r.Summary.Total),
		zap.Int("imbalanced", r.Summary.Imbalanced),
		zap.Float64("max_abs_smd", r.Summary.MaxAbsSMD))

	w, done, err := openOutput(opts.Output, cmd.OutOrStdout())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid output", err)
	}
	err = writeResult(w, root.Format, r, r.String)
	if err := done(err); err != nil {
		return errors.Wrap(err, "writing report")
	}

	if opts.FailImbalanced && r.Summary.Imbalanced > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d covariates imbalanced", r.Summary.Imbalanced, r.Summary.Total))
	}
	return nil
}

func readCohort(path string) (*cohort.Cohort, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening cohort")
	}
	defer in.Close()
	var c cohort.Cohort
	if err := json.NewDecoder(in).Decode(&c); err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return &c, nil
}
