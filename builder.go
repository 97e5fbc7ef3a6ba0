package cohort

// Builder composes a predicate incrementally. The predicates added to a
// Builder are combined with the Builder's operator when Build is called;
// the resulting tree is the same whatever order the parts were added in,
// save for the evaluation order of the children.
//
//	b := cohort.AllOf(cohort.HasIndexDate())
//	if onlyGirls {
//		b.Add(cohort.SexIs(cohort.SexFemale))
//	}
//	p := b.Build()
type Builder struct {
	kind   Kind
	parts  []*Predicate
	negate bool
}

// AllOf starts a builder whose parts must all hold.
func AllOf(ps ...*Predicate) *Builder {
	return &Builder{kind: KindAnd, parts: ps}
}

// AnyOf starts a builder of which at least one part must hold.
func AnyOf(ps ...*Predicate) *Builder {
	return &Builder{kind: KindOr, parts: ps}
}

// Add appends parts. Other builders may be added through their Build result.
func (b *Builder) Add(ps ...*Predicate) *Builder {
	b.parts = append(b.parts, ps...)
	return b
}

// Negate toggles negation of the built predicate.
func (b *Builder) Negate() *Builder {
	b.negate = !b.negate
	return b
}

// Len is the number of parts added so far.
func (b *Builder) Len() int {
	return len(b.parts)
}

// Build returns the composed predicate. The builder may continue to be used.
func (b *Builder) Build() *Predicate {
	p := combine(b.kind, b.parts)
	if b.negate {
		return Not(p)
	}
	return p
}
