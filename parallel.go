package cohort

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// partition is a contiguous run of cases, in rank order, whose birth days
// fall in one shard of the index.
type partition struct {
	shard  int
	states []*caseState

	// counts for the current round
	attempts, conflicts, crossShard int
}

func (p *partition) round(ix *Index, ratio int) {
	p.attempts, p.conflicts, p.crossShard = 0, 0, 0
	for _, st := range p.states {
		a, c, x := st.propose(ix, ratio, p.shard)
		p.attempts += a
		p.conflicts += c
		p.crossShard += x
	}
}

func partitionCases(ix *Index, states []*caseState) []*partition {
	var parts []*partition
	for _, st := range states {
		shard := ix.ShardOfDay(DayNumber(st.subject.BirthDate))
		if n := len(parts); n == 0 || parts[n-1].shard != shard {
			parts = append(parts, &partition{shard: shard})
		}
		last := parts[len(parts)-1]
		last.states = append(last.states, st)
	}
	return parts
}

// matchParallel matches in rounds. In each round every partition, concurrently
// with the others, lets each of its cases propose to candidates until the
// case holds its ratio or has no candidates left. A claim by a case of higher
// priority displaces the holder, which proposes again in the next round.
// Rounds end when a round makes no proposal.
//
// Every case proposes in its own fixed preference order and every control
// prefers the case of highest priority, so the final assignment does not
// depend on scheduling and equals the sequential one.
func (m *Matcher) matchParallel(ctx context.Context, log *zap.Logger, ix *Index, states []*caseState, criteria Criteria) error {
	parts := partitionCases(ix, states)
	workers := m.opts.workers
	log.Debug("partitioned cases", zap.Int("partitions", len(parts)), zap.Int("workers", workers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, p := range parts {
		g.Go(func() error {
			for i, st := range p.states {
				if i%checkEvery == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				st.prepare(ix, criteria, m.opts.selection)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		g := new(errgroup.Group)
		g.SetLimit(workers)
		for _, p := range parts {
			g.Go(func() error {
				p.round(ix, criteria.Ratio)
				return nil
			})
		}
		_ = g.Wait()

		var attempts, conflicts, crossShard int
		for _, p := range parts {
			attempts += p.attempts
			conflicts += p.conflicts
			crossShard += p.crossShard
		}
		m.opts.metrics.observeRound(conflicts, crossShard)
		log.Debug("round",
			zap.Int("round", round),
			zap.Int("proposals", attempts),
			zap.Int("conflicts", conflicts),
			zap.Int("cross_shard", crossShard))
		if attempts == 0 {
			return nil
		}
	}
}
