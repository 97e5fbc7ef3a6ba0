package cohort_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/matryer/is"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ezachrisen/cohort"
)

// Three cases, five controls, a 90 day window: each case gets the nearest
// control still free, and the case with nothing in its window is unmatched.
func TestNearestWithinWindow(t *testing.T) {
	is := is.New(t)

	subjects := []cohort.Subject{
		indexed(person("case1", cohort.Date(2010, 1, 1), cohort.SexFemale), cohort.Date(2015, 3, 1)),
		indexed(person("case2", cohort.Date(2010, 6, 1), cohort.SexFemale), cohort.Date(2015, 3, 1)),
		indexed(person("case3", cohort.Date(2011, 1, 1), cohort.SexFemale), cohort.Date(2015, 3, 1)),
		person("k1", cohort.Date(2009, 12, 20), cohort.SexFemale),
		person("k2", cohort.Date(2010, 1, 20), cohort.SexFemale),
		person("k3", cohort.Date(2010, 5, 15), cohort.SexFemale),
		person("k4", cohort.Date(2010, 8, 1), cohort.SexFemale),
		person("k5", cohort.Date(2010, 3, 1), cohort.SexFemale),
	}

	c, err := cohort.Match(context.Background(), subjects, plainCriteria(90, 1), 1)
	is.NoErr(err)
	is.NoErr(c.Validate())

	pairs := c.Pairs()
	is.Equal(len(pairs), 3)
	is.Equal(pairs[0], cohort.MatchedPair{CaseID: "case1", Controls: []string{"k1"}, IndexDate: cohort.Date(2015, 3, 1), Status: cohort.Matched})
	is.Equal(pairs[1].Controls, []string{"k3"})
	is.Equal(pairs[2].Status, cohort.Unmatched)
	is.Equal(pairs[2].Reason, cohort.NoCandidatesInWindow)
	is.Equal(len(pairs[2].Controls), 0)

	s := c.Stats()
	is.Equal(s.Cases, 3)
	is.Equal(s.ControlPool, 8)
	is.Equal(s.Matched, 2)
	is.Equal(s.Unmatched, 1)
	is.Equal(s.NoCandidatesInWindow, 1)
	is.Equal(s.ControlsUsed, 2)
}

// A 1:2 match with a single eligible control is partial, not an error.
func TestPartialMatch(t *testing.T) {
	is := is.New(t)

	subjects := []cohort.Subject{
		indexed(person("case", cohort.Date(2005, 5, 5), cohort.SexMale), cohort.Date(2012, 1, 1)),
		person("only", cohort.Date(2005, 5, 20), cohort.SexMale),
		person("outside", cohort.Date(2006, 5, 20), cohort.SexMale),
	}
	c, err := cohort.Match(context.Background(), subjects, plainCriteria(30, 2), 1)
	is.NoErr(err)
	p, ok := c.Pair("case")
	is.True(ok)
	is.Equal(p.Status, cohort.PartiallyMatched)
	is.Equal(p.Controls, []string{"only"})
	is.Equal(p.Reason, cohort.Reason(""))
	is.NoErr(c.Validate())
}

func TestSameSex(t *testing.T) {
	is := is.New(t)

	cs := indexed(person("case", cohort.Date(2005, 5, 5), cohort.SexFemale), cohort.Date(2012, 1, 1))
	boy := person("boy", cohort.Date(2005, 5, 6), cohort.SexMale)
	girl := person("girl", cohort.Date(2005, 5, 25), cohort.SexFemale)

	crit := plainCriteria(30, 1)
	crit.RequireSameSex = true

	c, err := cohort.Match(context.Background(), []cohort.Subject{cs, boy, girl}, crit, 1)
	is.NoErr(err)
	p, _ := c.Pair("case")
	is.Equal(p.Controls, []string{"girl"}) // nearer, but the wrong sex

	c, err = cohort.Match(context.Background(), []cohort.Subject{cs, boy}, crit, 1)
	is.NoErr(err)
	p, _ = c.Pair("case")
	is.Equal(p.Status, cohort.Unmatched)
	is.Equal(p.Reason, cohort.CriteriaUnsatisfiable)

	crit.RequireSameSex = false
	c, err = cohort.Match(context.Background(), []cohort.Subject{cs, boy, girl}, crit, 1)
	is.NoErr(err)
	p, _ = c.Pair("case")
	is.Equal(p.Controls, []string{"boy"})

	// a case of unknown sex is not held to the rule
	crit.RequireSameSex = true
	unknown := cs
	unknown.Sex = cohort.SexUnknown
	c, err = cohort.Match(context.Background(), []cohort.Subject{unknown, boy}, crit, 1)
	is.NoErr(err)
	p, _ = c.Pair("case")
	is.Equal(p.Controls, []string{"boy"})
}

func TestAllCandidatesClaimed(t *testing.T) {
	is := is.New(t)

	subjects := []cohort.Subject{
		indexed(person("first", cohort.Date(2005, 5, 5), cohort.SexMale), cohort.Date(2012, 1, 1)),
		indexed(person("second", cohort.Date(2005, 5, 6), cohort.SexMale), cohort.Date(2012, 1, 1)),
		person("shared", cohort.Date(2005, 5, 10), cohort.SexMale),
	}
	for _, opts := range [][]cohort.MatchOption{nil, {cohort.Parallel(4), cohort.WithShards(2)}} {
		c, err := cohort.Match(context.Background(), subjects, plainCriteria(30, 1), 1, opts...)
		is.NoErr(err)
		pairs := pairsByCase(c)
		is.Equal(pairs["first"].Controls, []string{"shared"}) // earlier birth has priority
		is.Equal(pairs["second"].Status, cohort.Unmatched)
		is.Equal(pairs["second"].Reason, cohort.AllCandidatesClaimed)
	}
}

func TestCaseRelativeControls(t *testing.T) {
	is := is.New(t)

	// "late" is a case itself, but its event comes after "early"'s, so it
	// is a valid control for "early". "prior" had its event first.
	subjects := []cohort.Subject{
		indexed(person("early", cohort.Date(2005, 5, 5), cohort.SexMale), cohort.Date(2010, 1, 1)),
		indexed(person("late", cohort.Date(2005, 5, 6), cohort.SexMale), cohort.Date(2011, 1, 1)),
		indexed(person("prior", cohort.Date(2005, 5, 5), cohort.SexMale), cohort.Date(2009, 1, 1)),
	}
	c, err := cohort.Match(context.Background(), subjects, plainCriteria(30, 2), 1)
	is.NoErr(err)
	pairs := pairsByCase(c)
	is.Equal(pairs["early"].Controls, []string{"late"})
	is.Equal(pairs["late"].Controls, []string{}) // both others had events first
	is.Equal(pairs["late"].Reason, cohort.NoCandidatesInWindow)

	// "late" went to "early", which ranks before "prior"
	is.Equal(pairs["prior"].Controls, []string{"early"})
	is.Equal(pairs["prior"].Status, cohort.PartiallyMatched)
}

func TestFamilyAndParents(t *testing.T) {
	is := is.New(t)

	cs := indexed(person("case", cohort.Date(2005, 5, 5), cohort.SexMale), cohort.Date(2012, 1, 1))
	cs.MotherBirthDate = cohort.Date(1975, 1, 1)
	cs.FamilySize = 3

	sibling := person("sibling", cohort.Date(2005, 5, 6), cohort.SexMale)
	sibling.FamilyID = cs.FamilyID
	sibling.MotherBirthDate = cs.MotherBirthDate
	sibling.FamilySize = 3

	oldMother := person("oldmother", cohort.Date(2005, 5, 7), cohort.SexMale)
	oldMother.MotherBirthDate = cohort.Date(1960, 1, 1)
	oldMother.FamilySize = 3

	noMother := person("nomother", cohort.Date(2005, 5, 8), cohort.SexMale)
	noMother.FamilySize = 3

	bigFamily := person("bigfamily", cohort.Date(2005, 5, 9), cohort.SexMale)
	bigFamily.MotherBirthDate = cohort.Date(1975, 6, 1)
	bigFamily.FamilySize = 6

	noFather := person("nofather", cohort.Date(2005, 5, 10), cohort.SexMale)
	noFather.FatherID = ""
	noFather.MotherBirthDate = cohort.Date(1975, 6, 1)
	noFather.FamilySize = 2

	good := person("good", cohort.Date(2005, 5, 30), cohort.SexMale)
	good.MotherBirthDate = cohort.Date(1974, 6, 1)
	good.FamilySize = 4

	subjects := []cohort.Subject{cs, sibling, oldMother, noMother, bigFamily, noFather, good}
	crit := cohort.DefaultCriteria()
	crit.RequireBothParents = true
	crit.Ratio = 5

	c, err := cohort.Match(context.Background(), subjects, crit, 1)
	is.NoErr(err)
	p, _ := c.Pair("case")
	is.Equal(p.Controls, []string{"good"})
	is.Equal(p.Status, cohort.PartiallyMatched)

	crit.RequireBothParents = false
	c, err = cohort.Match(context.Background(), subjects, crit, 1)
	is.NoErr(err)
	p, _ = c.Pair("case")
	is.Equal(p.Controls, []string{"nofather", "good"})

	// no parent window: only family size and family remain
	crit.ParentBirthDateWindowDays = 0
	c, err = cohort.Match(context.Background(), subjects, crit, 1)
	is.NoErr(err)
	p, _ = c.Pair("case")
	is.Equal(p.Controls, []string{"oldmother", "nomother", "nofather", "good"})
}

func TestDeterministicOutput(t *testing.T) {
	is := is.New(t)

	subjects := population(42, 3000, 6)
	crit := cohort.DefaultCriteria()
	crit.Ratio = 3

	var outputs [][]byte
	for range 3 {
		c, err := cohort.Match(context.Background(), subjects, crit, 99)
		is.NoErr(err)
		is.NoErr(c.Validate())
		b, err := json.Marshal(c)
		is.NoErr(err)
		outputs = append(outputs, b)
	}
	is.Equal(string(outputs[0]), string(outputs[1]))
	is.Equal(string(outputs[0]), string(outputs[2]))
}

func TestSeedChangesSelection(t *testing.T) {
	is := is.New(t)

	subjects := population(5, 3000, 6)
	crit := plainCriteria(60, 2)

	a, err := cohort.Match(context.Background(), subjects, crit, 1, cohort.WithSelection(cohort.SelectRandom))
	is.NoErr(err)
	b, err := cohort.Match(context.Background(), subjects, crit, 1, cohort.WithSelection(cohort.SelectRandom))
	is.NoErr(err)
	other, err := cohort.Match(context.Background(), subjects, crit, 2, cohort.WithSelection(cohort.SelectRandom))
	is.NoErr(err)

	is.Equal(a.Pairs(), b.Pairs())
	is.Equal(a.RunID(), b.RunID())
	is.True(a.RunID() != other.RunID())

	differ := false
	for i, p := range a.Pairs() {
		if !slices.Equal(p.Controls, other.Pairs()[i].Controls) {
			differ = true
			break
		}
	}
	is.True(differ)
	is.NoErr(other.Validate())
}

func TestRatioBound(t *testing.T) {
	subjects := population(8, 2000, 4)
	for _, ratio := range []int{1, 2, 4} {
		is := is.New(t)
		c, err := cohort.Match(context.Background(), subjects, plainCriteria(45, ratio), 3)
		is.NoErr(err)
		used := map[string]bool{}
		for _, p := range c.Pairs() {
			is.True(len(p.Controls) <= ratio)
			for _, id := range p.Controls {
				is.True(!used[id])
				used[id] = true
			}
		}
		is.NoErr(c.Validate())
	}
}

func TestInvalidCriteria(t *testing.T) {
	is := is.New(t)

	_, err := cohort.Match(context.Background(), population(1, 10, 2), plainCriteria(30, 0), 1)
	is.True(errors.Is(err, cohort.ErrInvalidCriteria))

	_, err = cohort.Match(context.Background(), nil, plainCriteria(30, 1), 1, cohort.WithShards(-1))
	var ce *cohort.ConfigError
	is.True(errors.As(err, &ce))
	is.Equal(ce.Field, "shards")
}

func TestMissingAttributesAreCollected(t *testing.T) {
	is := is.New(t)

	core, logs := observer.New(zapcore.DebugLevel)
	subjects := []cohort.Subject{
		indexed(person("case", cohort.Date(2005, 5, 5), cohort.SexMale), cohort.Date(2012, 1, 1)),
		person("control", cohort.Date(2005, 5, 6), cohort.SexMale),
		person("undated", time.Time{}, cohort.SexMale),
	}

	c, err := cohort.Match(context.Background(), subjects, plainCriteria(30, 1), 1, cohort.WithLogger(zap.New(core)))
	is.NoErr(err)
	p, _ := c.Pair("case")
	is.Equal(p.Controls, []string{"control"})

	errs := c.Errors()
	is.Equal(len(errs), 1)
	is.Equal(errs[0].SubjectID, "undated")
	is.Equal(errs[0].Role, cohort.RoleControl)
	is.Equal(c.Stats().AttributeErrors, 1)
	is.Equal(c.Stats().Excluded, 1)

	is.Equal(logs.FilterMessage("subjects with missing attributes left out").Len(), 1)
	is.Equal(logs.FilterMessage("matching").Len(), 1)
	is.Equal(logs.FilterMessage("matched").Len(), 1)
}

func TestCancelledRun(t *testing.T) {
	is := is.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, opts := range [][]cohort.MatchOption{nil, {cohort.Parallel(2)}} {
		c, err := cohort.Match(ctx, population(2, 500, 5), plainCriteria(30, 1), 1, opts...)
		is.True(c == nil)
		is.True(errors.Is(err, context.Canceled))
	}
}

func TestEmptyInput(t *testing.T) {
	is := is.New(t)

	for _, opts := range [][]cohort.MatchOption{nil, {cohort.Parallel(3)}} {
		c, err := cohort.Match(context.Background(), nil, cohort.DefaultCriteria(), 1, opts...)
		is.NoErr(err)
		is.Equal(len(c.Pairs()), 0)
		is.NoErr(c.Validate())
	}
}

func TestDeriveSeed(t *testing.T) {
	is := is.New(t)
	is.Equal(cohort.DeriveSeed(1, "a"), cohort.DeriveSeed(1, "a"))
	is.True(cohort.DeriveSeed(1, "a") != cohort.DeriveSeed(1, "b"))
	is.True(cohort.DeriveSeed(1, "a") != cohort.DeriveSeed(2, "a"))
}

func TestRunIDCoversInput(t *testing.T) {
	is := is.New(t)

	ctx := context.Background()
	subjects := population(3, 400, 5)
	crit := plainCriteria(60, 1)

	base, err := cohort.Match(ctx, subjects, crit, 1)
	is.NoErr(err)

	females, err := cohort.Match(ctx, subjects, crit, 1,
		cohort.WithEligibility(cohort.Eligibility{Case: cohort.SexIs(cohort.SexFemale)}))
	is.NoErr(err)
	is.True(females.RunID() != base.RunID())

	edit := func(f func(s *cohort.Subject)) []cohort.Subject {
		out := slices.Clone(subjects)
		f(&out[0])
		return out
	}
	variants := map[string][]cohort.Subject{
		"sex": edit(func(s *cohort.Subject) {
			if s.Sex == cohort.SexFemale {
				s.Sex = cohort.SexMale
			} else {
				s.Sex = cohort.SexFemale
			}
		}),
		"family":      edit(func(s *cohort.Subject) { s.FamilyID += "x" }),
		"mother":      edit(func(s *cohort.Subject) { s.MotherID += "x" }),
		"family size": edit(func(s *cohort.Subject) { s.FamilySize++ }),
		"parent date": edit(func(s *cohort.Subject) { s.FatherBirthDate = cohort.Date(1970, 1, 2) }),
		"extra":       edit(func(s *cohort.Subject) { s.Extra = map[string]float64{"income": 1} }),
	}
	for name, v := range variants {
		t.Run(name, func(t *testing.T) {
			is := is.New(t)
			c, err := cohort.Match(ctx, v, crit, 1)
			is.NoErr(err)
			is.True(c.RunID() != base.RunID())
		})
	}

	again, err := cohort.Match(ctx, slices.Clone(subjects), crit, 1)
	is.NoErr(err)
	is.Equal(again.RunID(), base.RunID())
}
