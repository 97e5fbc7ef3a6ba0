package cohort

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Kind enumerates the predicate variants. The set is closed: a new kind of
// test is added here, together with its attributes, rendering and evaluation,
// so that the attributes a predicate reads are always known without
// evaluating it.
type Kind int

const (
	KindTrue Kind = iota
	KindFalse
	KindAnd
	KindOr
	KindNot
	KindHasIndexDate
	KindNoEventOnOrBefore
	KindSexIs
	KindBornBetween
	KindHasBothParents
	KindFamilySizeBetween
	KindExtraBetween
	KindExpr
)

var kindNames = [...]string{
	KindTrue:              "true",
	KindFalse:             "false",
	KindAnd:               "and",
	KindOr:                "or",
	KindNot:               "not",
	KindHasIndexDate:      "has_index_date",
	KindNoEventOnOrBefore: "no_event_by",
	KindSexIs:             "sex",
	KindBornBetween:       "born",
	KindHasBothParents:    "both_parents",
	KindFamilySizeBetween: "family_size",
	KindExtraBetween:      "extra",
	KindExpr:              "expr",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Program is a compiled boolean expression over a subject, used by KindExpr
// predicates. See the cel package for an implementation.
type Program interface {
	Eval(s *Subject) (bool, error)
}

// A Predicate is a boolean test over a Subject. Predicates are built with
// the constructor functions in this package (or a Builder) and are immutable
// once built, so a single predicate may be shared by concurrent evaluations.
type Predicate struct {
	kind     Kind
	children []*Predicate

	// parameters of the leaf kinds
	date     time.Time
	from, to time.Time
	sex      Sex
	min, max float64
	name     string
	source   string
	program  Program

	// attributes read by this predicate and its children, sorted
	attrs []Attribute
}

// Outcome is the result of applying a predicate to a subject.
type Outcome struct {
	Pass     bool
	Failures []Failure
}

// Failure explains why a predicate rejected a subject.
type Failure struct {
	Predicate string
	Reason    string
}

func (f Failure) String() string {
	return f.Predicate + ": " + f.Reason
}

var passed = Outcome{Pass: true}

// True accepts every subject.
func True() *Predicate {
	return &Predicate{kind: KindTrue, attrs: []Attribute{}}
}

// False rejects every subject.
func False() *Predicate {
	return &Predicate{kind: KindFalse, attrs: []Attribute{}}
}

// And accepts a subject only if every predicate accepts it. Evaluation stops at
// the first rejecting predicate, whose failures become the failures of the And.
// Nested Ands are flattened; nil predicates are ignored.
func And(ps ...*Predicate) *Predicate {
	return combine(KindAnd, ps)
}

// Or accepts a subject if any predicate accepts it. When all reject, the
// failures of every child are reported.
func Or(ps ...*Predicate) *Predicate {
	return combine(KindOr, ps)
}

func combine(kind Kind, ps []*Predicate) *Predicate {
	var children []*Predicate
	for _, p := range ps {
		switch {
		case p == nil:
		case p.kind == kind:
			children = append(children, p.children...)
		default:
			children = append(children, p)
		}
	}
	switch len(children) {
	case 0:
		if kind == KindAnd {
			return True()
		}
		return False()
	case 1:
		return children[0]
	}
	lists := make([][]Attribute, len(children))
	for i, c := range children {
		lists[i] = c.attrs
	}
	return &Predicate{kind: kind, children: children, attrs: unionAttributes(lists...)}
}

// Not accepts exactly the subjects p rejects. Not(Not(p)) returns p.
func Not(p *Predicate) *Predicate {
	if p == nil {
		return False()
	}
	if p.kind == KindNot {
		return p.children[0]
	}
	return &Predicate{kind: KindNot, children: []*Predicate{p}, attrs: p.attrs}
}

// HasIndexDate accepts subjects with a qualifying event.
func HasIndexDate() *Predicate {
	return leaf(&Predicate{kind: KindHasIndexDate}, AttrIndexDate)
}

// NoEventOnOrBefore accepts subjects without a qualifying event at or before d.
// It is the case-relative control condition for a case indexed at d.
func NoEventOnOrBefore(d time.Time) *Predicate {
	return leaf(&Predicate{kind: KindNoEventOnOrBefore, date: d}, AttrIndexDate)
}

// SexIs accepts subjects of the given sex.
func SexIs(s Sex) *Predicate {
	return leaf(&Predicate{kind: KindSexIs, sex: s}, AttrSex)
}

// BornBetween accepts subjects born on or after from and on or before to.
func BornBetween(from, to time.Time) *Predicate {
	return leaf(&Predicate{kind: KindBornBetween, from: from, to: to}, AttrBirthDate)
}

// HasBothParents accepts subjects with both a mother and a father linked.
func HasBothParents() *Predicate {
	return leaf(&Predicate{kind: KindHasBothParents}, AttrFatherID, AttrMotherID)
}

// FamilySizeBetween accepts subjects whose family size is within [min, max].
func FamilySizeBetween(min, max int) *Predicate {
	return leaf(&Predicate{kind: KindFamilySizeBetween, min: float64(min), max: float64(max)}, AttrFamilySize)
}

// ExtraBetween accepts subjects whose extra covariate name is within [min, max].
func ExtraBetween(name string, min, max float64) *Predicate {
	return leaf(&Predicate{kind: KindExtraBetween, name: name, min: min, max: max}, ExtraAttribute(name))
}

// Expr wraps a compiled expression. attrs must list every attribute the
// program reads.
func Expr(source string, prg Program, attrs ...Attribute) *Predicate {
	return leaf(&Predicate{kind: KindExpr, source: source, program: prg}, attrs...)
}

func leaf(p *Predicate, attrs ...Attribute) *Predicate {
	p.attrs = unionAttributes(attrs)
	return p
}

// Kind returns the variant of the predicate.
func (p *Predicate) Kind() Kind {
	return p.kind
}

// Children returns the operands of And, Or and Not predicates.
func (p *Predicate) Children() []*Predicate {
	return slices.Clone(p.children)
}

// RequiredAttributes returns the sorted set of attributes the predicate reads.
func (p *Predicate) RequiredAttributes() []Attribute {
	return slices.Clone(p.attrs)
}

// Apply tests the subject.
func (p *Predicate) Apply(s *Subject) Outcome {
	switch p.kind {
	case KindTrue:
		return passed
	case KindFalse:
		return p.reject("always false")
	case KindAnd:
		for _, c := range p.children {
			if o := c.Apply(s); !o.Pass {
				return o
			}
		}
		return passed
	case KindOr:
		var failures []Failure
		for _, c := range p.children {
			o := c.Apply(s)
			if o.Pass {
				return passed
			}
			failures = append(failures, o.Failures...)
		}
		return Outcome{Failures: failures}
	case KindNot:
		if o := p.children[0].Apply(s); o.Pass {
			return p.reject(p.children[0].String() + " holds")
		}
		return passed
	}

	if missing := s.Missing(p.attrs); len(missing) > 0 {
		return p.reject(fmt.Sprintf("missing attribute %v", missing))
	}

	switch p.kind {
	case KindHasIndexDate:
		if s.HasIndexDate() {
			return passed
		}
		return p.reject("no qualifying event")
	case KindNoEventOnOrBefore:
		if !s.HasIndexDate() || DayNumber(s.IndexDate) > DayNumber(p.date) {
			return passed
		}
		return p.reject("qualifying event on " + s.IndexDate.Format(time.DateOnly))
	case KindSexIs:
		if s.Sex == p.sex {
			return passed
		}
		return p.reject("sex is " + s.Sex.String())
	case KindBornBetween:
		d := DayNumber(s.BirthDate)
		if d >= DayNumber(p.from) && d <= DayNumber(p.to) {
			return passed
		}
		return p.reject("born " + s.BirthDate.Format(time.DateOnly))
	case KindHasBothParents:
		if s.HasBothParents() {
			return passed
		}
		return p.reject("parent link missing")
	case KindFamilySizeBetween:
		if v := float64(s.FamilySize); v >= p.min && v <= p.max {
			return passed
		}
		return p.reject(fmt.Sprintf("family size %d", s.FamilySize))
	case KindExtraBetween:
		if v := s.Extra[p.name]; v >= p.min && v <= p.max {
			return passed
		}
		return p.reject(fmt.Sprintf("%s is %g", p.name, s.Extra[p.name]))
	case KindExpr:
		ok, err := p.program.Eval(s)
		if err != nil {
			return p.reject("evaluating expression: " + err.Error())
		}
		if ok {
			return passed
		}
		return p.reject("expression is false")
	}
	return p.reject("unsupported predicate kind " + p.kind.String())
}

func (p *Predicate) reject(reason string) Outcome {
	return Outcome{Failures: []Failure{{Predicate: p.String(), Reason: reason}}}
}

// String renders the predicate as a compact expression.
func (p *Predicate) String() string {
	switch p.kind {
	case KindAnd, KindOr, KindNot:
		parts := make([]string, len(p.children))
		for i, c := range p.children {
			parts[i] = c.String()
		}
		return p.kind.String() + "(" + strings.Join(parts, ", ") + ")"
	case KindNoEventOnOrBefore:
		return fmt.Sprintf("%s(%s)", p.kind, p.date.Format(time.DateOnly))
	case KindSexIs:
		return "sex=" + p.sex.String()
	case KindBornBetween:
		return fmt.Sprintf("born[%s..%s]", p.from.Format(time.DateOnly), p.to.Format(time.DateOnly))
	case KindFamilySizeBetween:
		return fmt.Sprintf("family_size[%g..%g]", p.min, p.max)
	case KindExtraBetween:
		return fmt.Sprintf("%s[%g..%g]", ExtraAttribute(p.name), p.min, p.max)
	case KindExpr:
		return "expr(" + p.source + ")"
	}
	return p.kind.String()
}

// Tree returns the predicate hierarchy drawn with box-drawing characters.
//
//	and
//	├── sex=F
//	└── or
//	    ├── both_parents
//	    └── family_size[2..4]
func (p *Predicate) Tree() string {
	if p == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(p.label())
	sb.WriteString("\n")
	p.buildTree(&sb, "")
	return sb.String()
}

func (p *Predicate) label() string {
	switch p.kind {
	case KindAnd, KindOr, KindNot:
		return p.kind.String()
	}
	return p.String()
}

func (p *Predicate) buildTree(sb *strings.Builder, prefix string) {
	for i, child := range p.children {
		connector, childPrefix := "├── ", "│   "
		if i == len(p.children)-1 {
			connector, childPrefix = "└── ", "    "
		}
		sb.WriteString(prefix)
		sb.WriteString(connector)
		sb.WriteString(child.label())
		sb.WriteString("\n")
		child.buildTree(sb, prefix+childPrefix)
	}
}
