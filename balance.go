package cohort

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/pkg/errors"
)

// Covariate is a numeric quantity compared between matched cases and
// controls. Extract returns false when the subject has no value; such
// subjects are left out of that covariate's statistics.
type Covariate struct {
	Name string

	// Binary covariates take the values 0 and 1; their variance is p(1-p).
	Binary bool

	Extract func(*Subject) (float64, bool)

	// Category, when set, makes the covariate categorical. It is assessed as
	// the indicator of the most common category among the matched subjects
	// and reported as Name_<category>. Extract is not used.
	Category func(*Subject) (string, bool)
}

// CategoryCovariate compares a string-valued attribute through its most
// common category.
func CategoryCovariate(name string, category func(*Subject) (string, bool)) Covariate {
	return Covariate{Name: name, Binary: true, Category: category}
}

// resolve turns a categorical covariate into the indicator of its modal
// category over subjects. Ties go to the category that sorts first.
func (cov Covariate) resolve(subjects ...[]*Subject) Covariate {
	if cov.Category == nil {
		return cov
	}
	counts := map[string]int{}
	for _, group := range subjects {
		for _, s := range group {
			if v, ok := cov.Category(s); ok {
				counts[v]++
			}
		}
	}
	mode, best := "", 0
	for v, n := range counts {
		if n > best || (n == best && v < mode) {
			mode, best = v, n
		}
	}
	category := cov.Category
	out := Covariate{Name: cov.Name, Binary: true, Category: category}
	if best > 0 {
		out.Name = cov.Name + "_" + mode
	}
	out.Extract = func(s *Subject) (float64, bool) {
		v, ok := category(s)
		return indicator(v == mode), ok && best > 0
	}
	return out
}

// StandardCovariates are the covariates every subject record carries.
func StandardCovariates() []Covariate {
	return []Covariate{
		{
			Name: "birth_year",
			Extract: func(s *Subject) (float64, bool) {
				if s.BirthDate.IsZero() {
					return 0, false
				}
				return float64(s.BirthDate.Year()), true
			},
		},
		{
			Name: "family_size",
			Extract: func(s *Subject) (float64, bool) {
				return float64(s.FamilySize), s.FamilySize > 0
			},
		},
		{
			Name:   "both_parents",
			Binary: true,
			Extract: func(s *Subject) (float64, bool) {
				return indicator(s.HasBothParents()), true
			},
		},
		{
			Name:   "female",
			Binary: true,
			Extract: func(s *Subject) (float64, bool) {
				return indicator(s.Sex == SexFemale), s.Sex != SexUnknown
			},
		},
	}
}

// ExtraCovariate reads Subject.Extra[name].
func ExtraCovariate(name string) Covariate {
	return Covariate{
		Name: name,
		Extract: func(s *Subject) (float64, bool) {
			v, ok := s.Extra[name]
			return v, ok
		},
	}
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// MetricStatus says whether a standardized difference could be computed.
type MetricStatus int

const (
	Defined MetricStatus = iota

	// The pooled standard deviation is zero and the means differ.
	Undefined

	// A group has fewer observations than required.
	Insufficient
)

var metricStatusNames = [...]string{
	Defined:      "defined",
	Undefined:    "undefined",
	Insufficient: "insufficient",
}

func (s MetricStatus) String() string {
	if s < 0 || int(s) >= len(metricStatusNames) {
		return fmt.Sprintf("metric_status(%d)", int(s))
	}
	return metricStatusNames[s]
}

func (s MetricStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *MetricStatus) UnmarshalText(b []byte) error {
	i := slices.Index(metricStatusNames[:], string(b))
	if i < 0 {
		return errors.Errorf("unknown metric status %q", b)
	}
	*s = MetricStatus(i)
	return nil
}

// CovariateBalance is the comparison of one covariate.
type CovariateBalance struct {
	Name   string `json:"name"`
	Binary bool   `json:"binary"`

	CaseN       int     `json:"case_n"`
	ControlN    int     `json:"control_n"`
	CaseMean    float64 `json:"case_mean"`
	ControlMean float64 `json:"control_mean"`
	CaseSD      float64 `json:"case_sd"`
	ControlSD   float64 `json:"control_sd"`
	PooledSD    float64 `json:"pooled_sd"`

	// (CaseMean - ControlMean) / PooledSD; 0 unless Status is Defined
	SMD        float64      `json:"smd"`
	Status     MetricStatus `json:"status"`
	Imbalanced bool         `json:"imbalanced"`
}

// BalanceSummary aggregates a report. MaxAbsSMD and MeanAbsSMD are taken over
// covariates with a defined difference.
type BalanceSummary struct {
	Total        int     `json:"total"`
	Imbalanced   int     `json:"imbalanced"`
	Undefined    int     `json:"undefined"`
	Insufficient int     `json:"insufficient"`
	MaxAbsSMD    float64 `json:"max_abs_smd"`
	MeanAbsSMD   float64 `json:"mean_abs_smd"`
}

// BalanceReport compares the covariates of matched cases and their controls.
type BalanceReport struct {
	RunID      uuid.UUID          `json:"run_id"`
	Threshold  float64            `json:"threshold"`
	Cases      int                `json:"cases"`
	Controls   int                `json:"controls"`
	Covariates []CovariateBalance `json:"covariates"`
	Summary    BalanceSummary     `json:"summary"`
}

type balanceOptions struct {
	threshold       float64
	minObservations int
}

// BalanceOption configures AssessBalance.
type BalanceOption func(*balanceOptions)

// WithThreshold sets the |SMD| above which a covariate is imbalanced.
// The default is 0.1.
func WithThreshold(t float64) BalanceOption {
	return func(o *balanceOptions) {
		o.threshold = t
	}
}

// WithMinObservations sets the number of observations each group needs for a
// covariate to be assessed. The default is 2.
func WithMinObservations(n int) BalanceOption {
	return func(o *balanceOptions) {
		o.minObservations = n
	}
}

// AssessBalance computes the standardized mean difference of each covariate
// between the cases with at least one control and their matched controls.
// The pooled standard deviation is sqrt((s²case + s²control) / 2) using
// sample variances.
func AssessBalance(c *Cohort, covariates []Covariate, opts ...BalanceOption) (*BalanceReport, error) {
	o := balanceOptions{threshold: 0.1, minObservations: 2}
	for _, opt := range opts {
		opt(&o)
	}
	if math.IsNaN(o.threshold) || o.threshold < 0 {
		return nil, &ConfigError{Field: "threshold", Reason: fmt.Sprintf("must not be negative, got %g", o.threshold)}
	}
	if o.minObservations < 1 {
		return nil, &ConfigError{Field: "min_observations", Reason: fmt.Sprintf("must be at least 1, got %d", o.minObservations)}
	}
	for _, cov := range covariates {
		if cov.Extract == nil && cov.Category == nil {
			return nil, &ConfigError{Field: "covariates", Reason: "covariate " + cov.Name + " has no extractor"}
		}
	}

	var cases, controls []*Subject
	for _, p := range c.pairs {
		if len(p.Controls) == 0 {
			continue
		}
		s, err := c.subject(p.CaseID)
		if err != nil {
			return nil, err
		}
		cases = append(cases, s)
		for _, id := range p.Controls {
			s, err := c.subject(id)
			if err != nil {
				return nil, err
			}
			controls = append(controls, s)
		}
	}

	r := &BalanceReport{
		RunID:      c.runID,
		Threshold:  o.threshold,
		Cases:      len(cases),
		Controls:   len(controls),
		Covariates: make([]CovariateBalance, len(covariates)),
	}
	var absSum neumaier
	defined := 0
	for i, cov := range covariates {
		b := assess(cov.resolve(cases, controls), cases, controls, o)
		r.Covariates[i] = b
		r.Summary.Total++
		switch b.Status {
		case Undefined:
			r.Summary.Undefined++
		case Insufficient:
			r.Summary.Insufficient++
		case Defined:
			defined++
			d := math.Abs(b.SMD)
			absSum.add(d)
			r.Summary.MaxAbsSMD = max(r.Summary.MaxAbsSMD, d)
		}
		if b.Imbalanced {
			r.Summary.Imbalanced++
		}
	}
	if defined > 0 {
		r.Summary.MeanAbsSMD = absSum.value() / float64(defined)
	}
	return r, nil
}

func assess(cov Covariate, cases, controls []*Subject, o balanceOptions) CovariateBalance {
	cs, ks := describe(cov, cases), describe(cov, controls)
	b := CovariateBalance{
		Name:        cov.Name,
		Binary:      cov.Binary,
		CaseN:       cs.n,
		ControlN:    ks.n,
		CaseMean:    cs.mean,
		ControlMean: ks.mean,
		CaseSD:      math.Sqrt(cs.variance),
		ControlSD:   math.Sqrt(ks.variance),
	}
	if cs.n < o.minObservations || ks.n < o.minObservations {
		b.Status = Insufficient
		return b
	}
	b.PooledSD = math.Sqrt((cs.variance + ks.variance) / 2)
	diff := cs.mean - ks.mean
	switch {
	case b.PooledSD > 0:
		b.SMD = diff / b.PooledSD
	case diff == 0:
		b.SMD = 0
	default:
		b.Status = Undefined
		return b
	}
	b.Imbalanced = math.Abs(b.SMD) > o.threshold
	return b
}

type moments struct {
	n              int
	mean, variance float64
}

// describe returns the mean and variance of the covariate over subjects.
// Binary covariates have variance p(1-p); others the sample variance.
func describe(cov Covariate, subjects []*Subject) moments {
	xs := make([]float64, 0, len(subjects))
	for _, s := range subjects {
		if v, ok := cov.Extract(s); ok {
			xs = append(xs, v)
		}
	}
	m := moments{n: len(xs)}
	if m.n == 0 {
		return m
	}
	lo, hi := slices.Min(xs), slices.Max(xs)
	if lo == hi {
		m.mean = lo
		return m
	}

	var sum neumaier
	for _, x := range xs {
		sum.add(x)
	}
	m.mean = sum.value() / float64(m.n)
	if cov.Binary {
		m.variance = m.mean * (1 - m.mean)
		return m
	}
	if m.n < 2 {
		return m
	}
	var ss neumaier
	for _, x := range xs {
		d := x - m.mean
		ss.add(d * d)
	}
	m.variance = ss.value() / float64(m.n-1)
	return m
}

// neumaier is a compensated sum.
type neumaier struct {
	sum, c float64
}

func (n *neumaier) add(x float64) {
	t := n.sum + x
	if math.Abs(n.sum) >= math.Abs(x) {
		n.c += (n.sum - t) + x
	} else {
		n.c += (x - t) + n.sum
	}
	n.sum = t
}

func (n *neumaier) value() float64 {
	return n.sum + n.c
}

// Rows returns the covariate comparisons in the order the covariates were given.
func (r *BalanceReport) Rows() []CovariateBalance {
	return slices.Clone(r.Covariates)
}

// String renders the report as a table, largest |SMD| first. Covariates
// without a defined difference are listed last.
func (r *BalanceReport) String() string {
	rows := r.Rows()
	slices.SortStableFunc(rows, func(a, b CovariateBalance) int {
		if a.Status != b.Status {
			return cmp.Compare(a.Status, b.Status)
		}
		return cmp.Compare(math.Abs(b.SMD), math.Abs(a.SMD))
	})

	tw := table.NewWriter()
	tw.SetTitle(fmt.Sprintf("COVARIATE BALANCE (%s cases, %s controls)",
		humanize.Comma(int64(r.Cases)), humanize.Comma(int64(r.Controls))))
	tw.AppendHeader(table.Row{"Covariate", "Case\nMean", "Control\nMean", "Pooled\nSD", "SMD", "Status"})
	for _, b := range rows {
		status := b.Status.String()
		if b.Imbalanced {
			status = "imbalanced"
		}
		smd := "-"
		if b.Status == Defined {
			smd = fmt.Sprintf("%+.3f", b.SMD)
		}
		tw.AppendRow(table.Row{b.Name, fmt.Sprintf("%.3f", b.CaseMean), fmt.Sprintf("%.3f", b.ControlMean),
			fmt.Sprintf("%.3f", b.PooledSD), smd, status})
	}
	s := r.Summary
	tw.AppendFooter(table.Row{
		fmt.Sprintf("%d assessed", s.Total),
		fmt.Sprintf("%d imbalanced", s.Imbalanced),
		fmt.Sprintf("%d undefined", s.Undefined),
		fmt.Sprintf("threshold %.2f", r.Threshold),
		fmt.Sprintf("max %.3f", s.MaxAbsSMD),
		fmt.Sprintf("mean %.3f", s.MeanAbsSMD),
	})
	style := table.StyleLight
	style.Format.Header = text.FormatDefault
	style.Format.Footer = text.FormatDefault
	tw.SetStyle(style)
	return tw.Render()
}
