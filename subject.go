package cohort

import (
	"context"
	"strings"
	"time"
)

// Sex of a subject as recorded by the data source.
type Sex int

const (
	SexUnknown Sex = iota
	SexMale
	SexFemale
)

func (s Sex) String() string {
	switch s {
	case SexMale:
		return "M"
	case SexFemale:
		return "F"
	default:
		return "unknown"
	}
}

// ParseSex accepts the registry codes M/F (or male/female, 1/2) and
// returns SexUnknown for anything else.
func ParseSex(s string) Sex {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "m", "male", "1":
		return SexMale
	case "f", "female", "2":
		return SexFemale
	default:
		return SexUnknown
	}
}

// Subject is a single demographic record supplied by the data source.
// The engine never modifies a Subject.
type Subject struct {
	// Identifier of the subject (required, unique within a run)
	ID string `json:"id"`

	BirthDate time.Time `json:"birth_date"`
	Sex       Sex       `json:"sex"`

	// Family linkage. Empty strings mean "no link registered".
	FamilyID string `json:"family_id,omitempty"`
	MotherID string `json:"mother_id,omitempty"`
	FatherID string `json:"father_id,omitempty"`

	MotherBirthDate time.Time `json:"mother_birth_date,omitzero"`
	FatherBirthDate time.Time `json:"father_birth_date,omitzero"`

	// Number of children in the family; 0 means not known.
	FamilySize int `json:"family_size,omitempty"`

	// Date of the qualifying event. The zero time means the subject has
	// no qualifying event.
	IndexDate time.Time `json:"index_date,omitzero"`

	// Additional numeric covariates keyed by name.
	Extra map[string]float64 `json:"extra,omitempty"`
}

// HasIndexDate reports whether the subject has a qualifying event.
func (s *Subject) HasIndexDate() bool {
	return !s.IndexDate.IsZero()
}

// HasBothParents reports whether both a mother and a father are linked.
func (s *Subject) HasBothParents() bool {
	return s.MotherID != "" && s.FatherID != ""
}

// Has reports whether attribute a can be read from the subject.
//
// Birth date, sex and family size must carry a value. Linkage attributes
// and the index date are always readable, since their absence is itself
// information ("no qualifying event", "no father registered").
// Extra attributes must be present in the Extra map.
func (s *Subject) Has(a Attribute) bool {
	switch a {
	case AttrBirthDate:
		return !s.BirthDate.IsZero()
	case AttrSex:
		return s.Sex != SexUnknown
	case AttrFamilySize:
		return s.FamilySize > 0
	case AttrIndexDate, AttrFamilyID, AttrMotherID, AttrFatherID,
		AttrMotherBirthDate, AttrFatherBirthDate:
		return true
	}
	if name, ok := a.ExtraName(); ok {
		_, found := s.Extra[name]
		return found
	}
	return false
}

// Missing returns the attributes in attrs that cannot be read from s.
func (s *Subject) Missing(attrs []Attribute) []Attribute {
	var missing []Attribute
	for _, a := range attrs {
		if !s.Has(a) {
			missing = append(missing, a)
		}
	}
	return missing
}

// DayNumber converts the calendar date of t to the number of days since
// 1970-01-01. The time of day and location are ignored.
func DayNumber(t time.Time) int32 {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int32(d.Unix() / 86400)
}

// Date is a convenience for building UTC civil dates.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Collect drains subjects from an upstream channel into the ordered slice the
// matcher consumes. It returns when the channel is closed or ctx is done.
func Collect(ctx context.Context, in <-chan Subject) ([]Subject, error) {
	var subjects []Subject
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case s, ok := <-in:
			if !ok {
				return subjects, nil
			}
			subjects = append(subjects, s)
		}
	}
}
