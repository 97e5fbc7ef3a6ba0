package cohort_test

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/ezachrisen/cohort"
)

// person returns a subject with both parents linked and a family of its own.
func person(id string, born time.Time, sex cohort.Sex) cohort.Subject {
	return cohort.Subject{
		ID:         id,
		BirthDate:  born,
		Sex:        sex,
		FamilyID:   "fam-" + id,
		MotherID:   "mother-" + id,
		FatherID:   "father-" + id,
		FamilySize: 2,
	}
}

// indexed returns s with a qualifying event on d.
func indexed(s cohort.Subject, d time.Time) cohort.Subject {
	s.IndexDate = d
	return s
}

// plainCriteria matches on birth date alone.
func plainCriteria(windowDays, ratio int) cohort.Criteria {
	return cohort.Criteria{
		BirthDateWindowDays: windowDays,
		Ratio:               ratio,
	}
}

// population generates n subjects born over five years, of which roughly
// one in caseEvery has a qualifying event. Families have up to three
// children born within a few years of each other.
func population(seed uint64, n, caseEvery int) []cohort.Subject {
	rng := rand.New(rand.NewPCG(seed, 17))
	start := cohort.Date(2000, 1, 1)
	subjects := make([]cohort.Subject, 0, n)
	for len(subjects) < n {
		fam := len(subjects)
		size := 1 + rng.IntN(3)
		motherBorn := start.AddDate(-20-rng.IntN(15), 0, -rng.IntN(365))
		fatherBorn := motherBorn.AddDate(0, 0, rng.IntN(2000)-1000)
		for k := 0; k < size && len(subjects) < n; k++ {
			s := cohort.Subject{
				ID:              fmt.Sprintf("s%05d", len(subjects)),
				BirthDate:       start.AddDate(0, 0, rng.IntN(5*365)),
				Sex:             cohort.Sex(1 + rng.IntN(2)),
				FamilyID:        fmt.Sprintf("f%05d", fam),
				MotherID:        fmt.Sprintf("m%05d", fam),
				MotherBirthDate: motherBorn,
				FamilySize:      size,
			}
			if rng.IntN(10) > 0 {
				s.FatherID = fmt.Sprintf("p%05d", fam)
				s.FatherBirthDate = fatherBorn
			}
			if rng.IntN(caseEvery) == 0 {
				s.IndexDate = s.BirthDate.AddDate(0, 0, 30+rng.IntN(10*365))
			}
			subjects = append(subjects, s)
		}
	}
	return subjects
}

func pairsByCase(c *cohort.Cohort) map[string]cohort.MatchedPair {
	m := make(map[string]cohort.MatchedPair)
	for _, p := range c.Pairs() {
		m[p.CaseID] = p
	}
	return m
}
