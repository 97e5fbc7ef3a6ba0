package cohort

import (
	"fmt"
	"strings"
	"time"
)

// Criteria determine whether a control is an acceptable match for a case.
// Criteria are read-only for the duration of a run.
type Criteria struct {
	// Maximum difference in days between the birth dates of case and control.
	BirthDateWindowDays int `json:"birth_date_window_days" mapstructure:"birth_date_window_days"`

	// Maximum difference in days between the birth dates of the case's and
	// the control's mother, and likewise father. 0 disables the check.
	ParentBirthDateWindowDays int `json:"parent_birth_date_window_days" mapstructure:"parent_birth_date_window_days"`

	// Controls must have both parents linked.
	RequireBothParents bool `json:"require_both_parents" mapstructure:"require_both_parents"`

	// Controls must have the case's sex. Not enforced for cases of unknown sex.
	RequireSameSex bool `json:"require_same_sex" mapstructure:"require_same_sex"`

	// Family sizes must differ by at most FamilySizeTolerance.
	// Not enforced for cases of unknown family size.
	MatchFamilySize     bool `json:"match_family_size" mapstructure:"match_family_size"`
	FamilySizeTolerance int  `json:"family_size_tolerance" mapstructure:"family_size_tolerance"`

	// Number of controls per case.
	Ratio int `json:"ratio" mapstructure:"ratio"`

	// Seed from which every case's selection seed is derived.
	Seed uint64 `json:"seed" mapstructure:"seed"`
}

// DefaultCriteria returns 1:1 matching within 30 days of birth, same sex,
// family size within one sibling and parents born within a year.
func DefaultCriteria() Criteria {
	return Criteria{
		BirthDateWindowDays:       30,
		ParentBirthDateWindowDays: 365,
		RequireSameSex:            true,
		MatchFamilySize:           true,
		FamilySizeTolerance:       1,
		Ratio:                     1,
	}
}

// Validate returns a *ConfigError for the first invalid setting.
func (c Criteria) Validate() error {
	switch {
	case c.Ratio < 1:
		return &ConfigError{Field: "ratio", Reason: fmt.Sprintf("must be at least 1, got %d", c.Ratio)}
	case c.BirthDateWindowDays < 0:
		return &ConfigError{Field: "birth_date_window_days", Reason: fmt.Sprintf("must not be negative, got %d", c.BirthDateWindowDays)}
	case c.ParentBirthDateWindowDays < 0:
		return &ConfigError{Field: "parent_birth_date_window_days", Reason: fmt.Sprintf("must not be negative, got %d", c.ParentBirthDateWindowDays)}
	case c.FamilySizeTolerance < 0:
		return &ConfigError{Field: "family_size_tolerance", Reason: fmt.Sprintf("must not be negative, got %d", c.FamilySizeTolerance)}
	}
	return nil
}

// RequiredAttributes lists the attributes every case and control must have.
func (c Criteria) RequiredAttributes() []Attribute {
	return []Attribute{AttrBirthDate}
}

// accepts applies the criteria the index does not encode: parental links,
// parental birth dates and family size. Sex, family and the birth-date window
// are handled by the index query.
func (c Criteria) accepts(cs, ctl *Subject) bool {
	if c.RequireBothParents && !ctl.HasBothParents() {
		return false
	}
	if c.ParentBirthDateWindowDays > 0 {
		if !withinDays(cs.MotherBirthDate, ctl.MotherBirthDate, c.ParentBirthDateWindowDays) ||
			!withinDays(cs.FatherBirthDate, ctl.FatherBirthDate, c.ParentBirthDateWindowDays) {
			return false
		}
	}
	if c.MatchFamilySize && cs.FamilySize > 0 {
		if ctl.FamilySize <= 0 {
			return false
		}
		if abs(cs.FamilySize-ctl.FamilySize) > c.FamilySizeTolerance {
			return false
		}
	}
	return true
}

// withinDays is true when the case has no date, or both dates are within
// window days of each other.
func withinDays(caseDate, controlDate time.Time, window int) bool {
	if caseDate.IsZero() {
		return true
	}
	if controlDate.IsZero() {
		return false
	}
	return abs(int(DayNumber(caseDate)-DayNumber(controlDate))) <= window
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// String lists the criteria one per line.
func (c Criteria) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Birth date window:        ±%d days\n", c.BirthDateWindowDays)
	fmt.Fprintf(&sb, "Parent birth date window: ±%d days\n", c.ParentBirthDateWindowDays)
	fmt.Fprintf(&sb, "Require both parents:     %t\n", c.RequireBothParents)
	fmt.Fprintf(&sb, "Require same sex:         %t\n", c.RequireSameSex)
	fmt.Fprintf(&sb, "Match family size:        %t (±%d)\n", c.MatchFamilySize, c.FamilySizeTolerance)
	fmt.Fprintf(&sb, "Ratio:                    1:%d\n", c.Ratio)
	fmt.Fprintf(&sb, "Seed:                     %d\n", c.Seed)
	return sb.String()
}
