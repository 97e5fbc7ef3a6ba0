package cohort_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/ezachrisen/cohort"
)

// Parallel runs must produce exactly the sequential cohort, whatever the
// number of workers and shards, including when many cases compete for the
// same controls.
func TestParallelEqualsSequential(t *testing.T) {
	ctx := context.Background()

	// one case in three and a wide window: heavy contention
	subjects := population(21, 4000, 3)
	crit := cohort.DefaultCriteria()
	crit.BirthDateWindowDays = 60
	crit.Ratio = 3

	for _, sel := range []cohort.Selection{cohort.SelectNearest, cohort.SelectRandom} {
		start := time.Now()
		seq, err := cohort.Match(ctx, subjects, crit, 7, cohort.WithSelection(sel))
		if err != nil {
			t.Fatal(err)
		}
		sequentialTime := time.Since(start)

		for _, cfg := range []struct{ workers, shards int }{{1, 1}, {2, 0}, {4, 4}, {8, 32}, {16, 3}} {
			t.Run(fmt.Sprintf("%s/workers=%d/shards=%d", sel, cfg.workers, cfg.shards), func(t *testing.T) {
				is := is.New(t)
				start := time.Now()
				par, err := cohort.Match(ctx, subjects, crit, 7,
					cohort.WithSelection(sel), cohort.Parallel(cfg.workers), cohort.WithShards(cfg.shards))
				is.NoErr(err)
				is.NoErr(par.Validate())
				is.Equal(par.Strategy(), cohort.Concurrent)
				is.Equal(par.Pairs(), seq.Pairs())
				is.Equal(par.Stats(), seq.Stats())
				is.Equal(par.RunID(), seq.RunID())
				t.Logf("Sequential time: %v, Parallel time: %v", sequentialTime, time.Since(start))
			})
		}
	}
}

// With disjoint case windows no two cases share a candidate, so both
// strategies match the same number of controls.
func TestParallelUncontended(t *testing.T) {
	is := is.New(t)

	var subjects []cohort.Subject
	for i := range 50 {
		born := cohort.Date(2000, 1, 1).AddDate(0, 0, 100*i)
		subjects = append(subjects, indexed(person(fmt.Sprintf("case%02d", i), born, cohort.SexFemale), cohort.Date(2020, 1, 1)))
		for k := range i % 4 {
			subjects = append(subjects, person(fmt.Sprintf("ctl%02d-%d", i, k), born.AddDate(0, 0, k+1), cohort.SexFemale))
		}
	}
	crit := plainCriteria(10, 2)

	seq, err := cohort.Match(context.Background(), subjects, crit, 1)
	is.NoErr(err)
	par, err := cohort.Match(context.Background(), subjects, crit, 1, cohort.Parallel(4))
	is.NoErr(err)
	is.Equal(seq.Stats().ControlsUsed, par.Stats().ControlsUsed)
	is.Equal(seq.Stats().ControlsUsed, 61) // i%4 controls per case, capped at 2
	is.Equal(seq.Stats().Matched, par.Stats().Matched)
}

func TestParallelDefaultWorkers(t *testing.T) {
	is := is.New(t)

	subjects := population(4, 1000, 4)
	seq, err := cohort.Match(context.Background(), subjects, cohort.DefaultCriteria(), 3)
	is.NoErr(err)
	par, err := cohort.Match(context.Background(), subjects, cohort.DefaultCriteria(), 3, cohort.Parallel(0))
	is.NoErr(err)
	is.Equal(par.Pairs(), seq.Pairs())
}
