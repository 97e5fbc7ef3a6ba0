package cohort

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/pkg/errors"
)

// Status is the terminal state of a case.
type Status int

const (
	Matched Status = iota
	PartiallyMatched
	Unmatched
)

var statusNames = [...]string{
	Matched:          "matched",
	PartiallyMatched: "partially_matched",
	Unmatched:        "unmatched",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(statusNames) {
		return nil, errors.Errorf("invalid status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	i := slices.Index(statusNames[:], string(b))
	if i < 0 {
		return errors.Errorf("unknown status %q", b)
	}
	*s = Status(i)
	return nil
}

// Reason explains why a case is unmatched.
type Reason string

const (
	// No control in the birth-date window is eligible relative to the case.
	NoCandidatesInWindow Reason = "no_candidates_in_window"

	// The case had candidates but all of them went to cases of higher priority.
	AllCandidatesClaimed Reason = "all_candidates_claimed"

	// Controls are in the window but none satisfies the remaining criteria.
	CriteriaUnsatisfiable Reason = "criteria_unsatisfiable"
)

// MatchedPair is the result for one case.
type MatchedPair struct {
	CaseID string `json:"case_id"`

	// Control IDs, most preferred first.
	Controls []string `json:"controls"`

	IndexDate time.Time `json:"index_date"`
	Status    Status    `json:"status"`

	// Set for unmatched cases only.
	Reason Reason `json:"reason,omitempty"`
}

func (p MatchedPair) clone() MatchedPair {
	p.Controls = slices.Clone(p.Controls)
	return p
}

// Strategy is the execution strategy of a run.
type Strategy string

const (
	Sequential Strategy = "sequential"
	Concurrent Strategy = "parallel"
)

// RunStats counts the subjects and outcomes of a run.
type RunStats struct {
	Subjects        int `json:"subjects"`
	Cases           int `json:"cases"`
	ControlPool     int `json:"control_pool"`
	Excluded        int `json:"excluded"`
	AttributeErrors int `json:"attribute_errors"`

	Matched          int `json:"matched"`
	PartiallyMatched int `json:"partially_matched"`
	Unmatched        int `json:"unmatched"`
	ControlsUsed     int `json:"controls_used"`

	NoCandidatesInWindow  int `json:"no_candidates_in_window"`
	AllCandidatesClaimed  int `json:"all_candidates_claimed"`
	CriteriaUnsatisfiable int `json:"criteria_unsatisfiable"`
}

func (s *RunStats) count(p MatchedPair) {
	switch p.Status {
	case Matched:
		s.Matched++
	case PartiallyMatched:
		s.PartiallyMatched++
	case Unmatched:
		s.Unmatched++
	}
	switch p.Reason {
	case NoCandidatesInWindow:
		s.NoCandidatesInWindow++
	case AllCandidatesClaimed:
		s.AllCandidatesClaimed++
	case CriteriaUnsatisfiable:
		s.CriteriaUnsatisfiable++
	}
	s.ControlsUsed += len(p.Controls)
}

// Cohort is the immutable result of a matching run. Accessors return copies.
type Cohort struct {
	runID     uuid.UUID
	seed      uint64
	criteria  Criteria
	strategy  Strategy
	selection Selection
	pairs     []MatchedPair
	stats     RunStats
	errors    []*SubjectError

	// subject records by ID, for balance assessment
	subjects map[string]*Subject
}

// RunID identifies the run. It is derived from the seed, criteria and input,
// so repeating a run reproduces its ID.
func (c *Cohort) RunID() uuid.UUID { return c.runID }

func (c *Cohort) Seed() uint64 { return c.seed }

func (c *Cohort) Criteria() Criteria { return c.criteria }

func (c *Cohort) Strategy() Strategy { return c.strategy }

func (c *Cohort) Selection() Selection { return c.selection }

func (c *Cohort) Stats() RunStats { return c.stats }

// Pairs returns one pair per case, in canonical case order.
func (c *Cohort) Pairs() []MatchedPair {
	out := make([]MatchedPair, len(c.pairs))
	for i, p := range c.pairs {
		out[i] = p.clone()
	}
	return out
}

// Pair returns the pair of a case.
func (c *Cohort) Pair(caseID string) (MatchedPair, bool) {
	for _, p := range c.pairs {
		if p.CaseID == caseID {
			return p.clone(), true
		}
	}
	return MatchedPair{}, false
}

// Errors returns the attribute errors collected during eligibility evaluation.
func (c *Cohort) Errors() []SubjectError {
	out := make([]SubjectError, len(c.errors))
	for i, e := range c.errors {
		out[i] = *e
		out[i].Missing = slices.Clone(e.Missing)
	}
	return out
}

// WithSubjects returns a copy of the cohort that resolves subject records
// from subjects. A cohort read from JSON needs its subjects attached before
// its balance can be assessed.
func (c *Cohort) WithSubjects(subjects []Subject) *Cohort {
	cp := *c
	cp.subjects = make(map[string]*Subject, len(subjects))
	for i := range subjects {
		cp.subjects[subjects[i].ID] = &subjects[i]
	}
	return &cp
}

func (c *Cohort) subject(id string) (*Subject, error) {
	s, ok := c.subjects[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSubject, "subject %s", id)
	}
	return s, nil
}

// Validate checks that no control is used twice, that no pair exceeds the
// ratio and that each pair's status agrees with its controls.
func (c *Cohort) Validate() error {
	used := make(map[string]string)
	for _, p := range c.pairs {
		if len(p.Controls) > c.criteria.Ratio {
			return errors.Errorf("case %s: %d controls exceed ratio %d", p.CaseID, len(p.Controls), c.criteria.Ratio)
		}
		for _, id := range p.Controls {
			if id == p.CaseID {
				return errors.Errorf("case %s is its own control", p.CaseID)
			}
			if other, ok := used[id]; ok {
				return errors.Errorf("control %s used by cases %s and %s", id, other, p.CaseID)
			}
			used[id] = p.CaseID
		}
		var want Status
		switch len(p.Controls) {
		case c.criteria.Ratio:
			want = Matched
		case 0:
			want = Unmatched
		default:
			want = PartiallyMatched
		}
		if p.Status != want {
			return errors.Errorf("case %s: status %s with %d controls", p.CaseID, p.Status, len(p.Controls))
		}
		if (p.Status == Unmatched) != (p.Reason != "") {
			return errors.Errorf("case %s: status %s with reason %q", p.CaseID, p.Status, p.Reason)
		}
	}
	return nil
}

type cohortJSON struct {
	RunID     uuid.UUID       `json:"run_id"`
	Seed      uint64          `json:"seed"`
	Criteria  Criteria        `json:"criteria"`
	Strategy  Strategy        `json:"strategy"`
	Selection string          `json:"selection"`
	Stats     RunStats        `json:"stats"`
	Pairs     []MatchedPair   `json:"pairs"`
	Errors    []*SubjectError `json:"errors,omitempty"`
}

func (c *Cohort) MarshalJSON() ([]byte, error) {
	pairs := c.pairs
	if pairs == nil {
		pairs = []MatchedPair{}
	}
	return json.Marshal(cohortJSON{
		RunID:     c.runID,
		Seed:      c.seed,
		Criteria:  c.criteria,
		Strategy:  c.strategy,
		Selection: c.selection.String(),
		Stats:     c.stats,
		Pairs:     pairs,
		Errors:    c.errors,
	})
}

func (c *Cohort) UnmarshalJSON(b []byte) error {
	var j cohortJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return errors.Wrap(err, "decoding cohort")
	}
	sel, ok := ParseSelection(j.Selection)
	if !ok {
		return errors.Errorf("decoding cohort: unknown selection %q", j.Selection)
	}
	*c = Cohort{
		runID:     j.RunID,
		seed:      j.Seed,
		criteria:  j.Criteria,
		strategy:  j.Strategy,
		selection: sel,
		pairs:     j.Pairs,
		stats:     j.Stats,
		errors:    j.Errors,
	}
	return nil
}

// String summarizes the run in a table.
func (c *Cohort) String() string {
	tw := table.NewWriter()
	tw.SetTitle("COHORT " + c.runID.String())
	tw.AppendHeader(table.Row{"", "Count"})
	s := c.stats
	rows := []struct {
		label string
		n     int
	}{
		{"Subjects", s.Subjects},
		{"Cases", s.Cases},
		{"Control pool", s.ControlPool},
		{"Excluded", s.Excluded},
		{"Attribute errors", s.AttributeErrors},
		{"Matched", s.Matched},
		{"Partially matched", s.PartiallyMatched},
		{"Unmatched", s.Unmatched},
		{"  no candidates in window", s.NoCandidatesInWindow},
		{"  all candidates claimed", s.AllCandidatesClaimed},
		{"  criteria unsatisfiable", s.CriteriaUnsatisfiable},
		{"Controls used", s.ControlsUsed},
	}
	for _, r := range rows {
		tw.AppendRow(table.Row{r.label, humanize.Comma(int64(r.n))})
	}
	tw.AppendFooter(table.Row{"Strategy", fmt.Sprintf("%s, %s, seed %d", c.strategy, c.selection, c.seed)})
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
	style := table.StyleLight
	style.Format.Header = text.FormatDefault
	style.Format.Footer = text.FormatDefault
	tw.SetStyle(style)
	return tw.Render()
}

// PairsTable lists up to limit pairs; limit <= 0 lists all.
func (c *Cohort) PairsTable(limit int) string {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Case", "Index date", "Status", "Controls"})
	for i, p := range c.pairs {
		if limit > 0 && i == limit {
			tw.AppendFooter(table.Row{fmt.Sprintf("%s more", humanize.Comma(int64(len(c.pairs)-limit))), "", "", ""})
			break
		}
		status := p.Status.String()
		if p.Reason != "" {
			status += " (" + string(p.Reason) + ")"
		}
		tw.AppendRow(table.Row{p.CaseID, p.IndexDate.Format(time.DateOnly), status, strings.Join(p.Controls, ", ")})
	}
	style := table.StyleLight
	style.Format.Header = text.FormatDefault
	style.Format.Footer = text.FormatDefault
	tw.SetStyle(style)
	return tw.Render()
}
