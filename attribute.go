package cohort

import (
	"slices"
	"strings"
)

// Attribute names a subject attribute that a predicate or the matching
// criteria read.
type Attribute string

const (
	AttrBirthDate       Attribute = "birth_date"
	AttrSex             Attribute = "sex"
	AttrFamilyID        Attribute = "family_id"
	AttrMotherID        Attribute = "mother_id"
	AttrFatherID        Attribute = "father_id"
	AttrMotherBirthDate Attribute = "mother_birth_date"
	AttrFatherBirthDate Attribute = "father_birth_date"
	AttrFamilySize      Attribute = "family_size"
	AttrIndexDate       Attribute = "index_date"
)

const extraPrefix = "extra."

// ExtraAttribute names a numeric covariate stored in Subject.Extra.
func ExtraAttribute(name string) Attribute {
	return Attribute(extraPrefix + name)
}

// ExtraName returns the key in Subject.Extra for an extra attribute.
func (a Attribute) ExtraName() (string, bool) {
	return strings.CutPrefix(string(a), extraPrefix)
}

// unionAttributes merges attribute lists into a sorted list without duplicates.
func unionAttributes(lists ...[]Attribute) []Attribute {
	out := []Attribute{}
	for _, l := range lists {
		out = append(out, l...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
