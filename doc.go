// Package cohort builds matched case-control cohorts from subject records.
//
// Typical use is as follows:
//
//  1. Load the subjects (see Collect for upstream sources that stream them)
//  2. Describe who may be a case and who may be a control with predicates
//  3. Set the matching criteria
//  4. Match the cases to controls, sequentially or in parallel
//  5. Assess the covariate balance of the resulting cohort
//
// For example:
//
//	elig := cohort.Eligibility{
//		Control: cohort.Not(cohort.SexIs(cohort.SexUnknown)),
//	}
//	c, err := cohort.Match(ctx, subjects, cohort.DefaultCriteria(), 42,
//		cohort.WithEligibility(elig), cohort.Parallel(8))
//	if err != nil {
//		return err
//	}
//	report, err := cohort.AssessBalance(c, cohort.StandardCovariates())
//
// # Predicates
//
// Eligibility is expressed as a tree of predicates built from a fixed set of
// tests combined with And, Or and Not, or incrementally with a Builder. Each
// predicate knows the attributes it reads; a subject lacking one of them is
// reported in the population's errors and left out of that role, and the run
// continues. The cel subpackage compiles CEL expressions into predicates.
//
// # Case-relative eligibility
//
// A case is a subject with a qualifying event (an index date). A subject is an
// eligible control for a case only if it has no qualifying event on or before
// the case's index date. A case may therefore serve as a control for a case
// indexed before it.
//
// # Exclusivity and determinism
//
// A control is assigned to at most one case. Cases are ranked by birth date,
// then ID, and a case of lower rank has priority over every case of higher
// rank. Each case orders its candidates with a seed derived from the run seed
// and its own ID. Together these fix the cohort: repeated runs with the same
// subjects, criteria and seed produce identical cohorts, sequential and
// parallel runs alike.
package cohort
