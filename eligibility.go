package cohort

// Eligibility holds the predicates that admit subjects as cases and as
// members of the control pool. A nil predicate admits every subject.
type Eligibility struct {
	// Case must hold for a subject with a qualifying event to be a case.
	Case *Predicate

	// Control must hold for a subject to be in the control pool. Whether a
	// pool member is an eligible control for a particular case also depends
	// on the case's index date; see ControlFor.
	Control *Predicate
}

// Population is the result of evaluating eligibility over a set of subjects.
type Population struct {
	// Subjects with a qualifying event that pass the case predicate, in
	// input order.
	Cases []*Subject

	// Subjects that pass the control predicate, in input order. Cases are
	// included: a case is a valid control for any case indexed before it.
	Controls []*Subject

	// Subjects that are neither cases nor in the control pool.
	Excluded []*Subject

	// Subjects left out of a role because of missing attributes.
	Errors []*SubjectError
}

// Evaluate partitions subjects into cases and the control pool. required
// lists attributes every subject must have in both roles, in addition to
// those read by the predicates. Missing attributes are recorded in
// Population.Errors; the subject is left out of that role and evaluation
// continues with the next subject.
func (e Eligibility) Evaluate(subjects []Subject, required []Attribute) *Population {
	casePred, controlPred := orTrue(e.Case), orTrue(e.Control)
	caseAttrs := unionAttributes(required, casePred.attrs)
	controlAttrs := unionAttributes(required, controlPred.attrs)

	pop := &Population{}
	for i := range subjects {
		s := &subjects[i]
		isCase := e.admit(pop, s, RoleCase, caseAttrs, casePred)
		isControl := e.admit(pop, s, RoleControl, controlAttrs, controlPred)
		if isCase {
			pop.Cases = append(pop.Cases, s)
		}
		if isControl {
			pop.Controls = append(pop.Controls, s)
		}
		if !isCase && !isControl {
			pop.Excluded = append(pop.Excluded, s)
		}
	}
	return pop
}

func (e Eligibility) admit(pop *Population, s *Subject, role Role, attrs []Attribute, p *Predicate) bool {
	if role == RoleCase && !s.HasIndexDate() {
		return false
	}
	if missing := s.Missing(attrs); len(missing) > 0 {
		pop.Errors = append(pop.Errors, &SubjectError{SubjectID: s.ID, Role: role, Missing: missing})
		return false
	}
	return p.Apply(s).Pass
}

// ControlFor returns the predicate a pool member must satisfy to be an
// eligible control for c: the control predicate, and no qualifying event at
// or before c's index date.
func (e Eligibility) ControlFor(c *Subject) *Predicate {
	return And(orTrue(e.Control), NoEventOnOrBefore(c.IndexDate))
}

func orTrue(p *Predicate) *Predicate {
	if p == nil {
		return True()
	}
	return p
}
