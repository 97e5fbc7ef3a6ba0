package cli

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ezachrisen/cohort"
	"github.com/ezachrisen/cohort/cel"
)

// Config is the run configuration. It is read from the --config file,
// then COHORT_ environment variables, then command flags, each overriding
// the one before.
type Config struct {
	Criteria  cohort.Criteria `mapstructure:"criteria"`
	Seed      uint64          `mapstructure:"seed"`
	Workers   int             `mapstructure:"workers"`
	Shards    int             `mapstructure:"shards"`
	Selection string          `mapstructure:"selection"`

	Eligibility EligibilityConfig `mapstructure:"eligibility"`
	Balance     BalanceConfig     `mapstructure:"balance"`
}

// EligibilityConfig holds CEL expressions restricting cases and controls.
// An empty expression admits every subject.
type EligibilityConfig struct {
	Case    string `mapstructure:"case"`
	Control string `mapstructure:"control"`
}

type BalanceConfig struct {
	Threshold       float64  `mapstructure:"threshold"`
	MinObservations int      `mapstructure:"min_observations"`
	Covariates      []string `mapstructure:"covariates"`
}

// setDefaults registers every key, which also lets AutomaticEnv find them
// during Unmarshal.
func setDefaults(v *viper.Viper) {
	d := cohort.DefaultCriteria()
	v.SetDefault("criteria.birth_date_window_days", d.BirthDateWindowDays)
	v.SetDefault("criteria.parent_birth_date_window_days", d.ParentBirthDateWindowDays)
	v.SetDefault("criteria.require_both_parents", d.RequireBothParents)
	v.SetDefault("criteria.require_same_sex", d.RequireSameSex)
	v.SetDefault("criteria.match_family_size", d.MatchFamilySize)
	v.SetDefault("criteria.family_size_tolerance", d.FamilySizeTolerance)
	v.SetDefault("criteria.ratio", d.Ratio)
	v.SetDefault("seed", 0)
	v.SetDefault("workers", 0)
	v.SetDefault("shards", 0)
	v.SetDefault("selection", cohort.SelectNearest.String())
	v.SetDefault("eligibility.case", "")
	v.SetDefault("eligibility.control", "")
	v.SetDefault("balance.threshold", 0.1)
	v.SetDefault("balance.min_observations", 2)
	v.SetDefault("balance.covariates", []string{})
}

// flagKeys maps command flags to configuration keys.
var flagKeys = map[string]string{
	"seed":             "seed",
	"workers":          "workers",
	"shards":           "shards",
	"selection":        "selection",
	"ratio":            "criteria.ratio",
	"window":           "criteria.birth_date_window_days",
	"case-expr":        "eligibility.case",
	"control-expr":     "eligibility.control",
	"threshold":        "balance.threshold",
	"min-observations": "balance.min_observations",
	"covariate":        "balance.covariates",
}

// loadConfig reads the configuration from path (optional), the environment
// and the flags in fs that are defined and set.
func loadConfig(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COHORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	}
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "binding flag %s", name)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	return &cfg, nil
}

// matchOptions translates the configuration into matcher options.
func (c *Config) matchOptions() ([]cohort.MatchOption, error) {
	sel, ok := cohort.ParseSelection(c.Selection)
	if !ok {
		return nil, &cohort.ConfigError{Field: "selection", Reason: "must be nearest or random, got " + c.Selection}
	}
	e, err := c.Eligibility.compile()
	if err != nil {
		return nil, err
	}
	opts := []cohort.MatchOption{cohort.WithSelection(sel), cohort.WithEligibility(e), cohort.WithShards(c.Shards)}
	if c.Workers != 0 {
		opts = append(opts, cohort.Parallel(c.Workers))
	}
	return opts, nil
}

func (e EligibilityConfig) compile() (cohort.Eligibility, error) {
	var out cohort.Eligibility
	var err error
	if e.Case != "" {
		if out.Case, err = cel.Compile(e.Case); err != nil {
			return out, errors.Wrap(err, "eligibility.case")
		}
	}
	if e.Control != "" {
		if out.Control, err = cel.Compile(e.Control); err != nil {
			return out, errors.Wrap(err, "eligibility.control")
		}
	}
	return out, nil
}

// covariates returns the standard covariates and the configured extra ones.
func (b BalanceConfig) covariates() []cohort.Covariate {
	covs := cohort.StandardCovariates()
	for _, name := range b.Covariates {
		covs = append(covs, cohort.ExtraCovariate(name))
	}
	return covs
}

func (b BalanceConfig) options() []cohort.BalanceOption {
	return []cohort.BalanceOption{
		cohort.WithThreshold(b.Threshold),
		cohort.WithMinObservations(b.MinObservations),
	}
}
