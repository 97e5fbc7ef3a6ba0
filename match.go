package cohort

import (
	"context"
	"encoding/binary"
	"maps"
	"math"
	"runtime"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Matcher selects controls for cases. A Matcher holds no run state and may be
// used for any number of concurrent runs.
type Matcher struct {
	opts matchOptions
}

type matchOptions struct {
	// workers > 0 selects the parallel strategy
	workers     int
	shards      int
	selection   Selection
	eligibility Eligibility
	logger      *zap.Logger
	metrics     *Metrics
}

// MatchOption configures a Matcher.
type MatchOption func(*matchOptions)

// Parallel runs the matcher with the given number of workers. workers < 1
// uses GOMAXPROCS workers. The result is identical to a sequential run.
func Parallel(workers int) MatchOption {
	return func(o *matchOptions) {
		if workers < 1 {
			workers = runtime.GOMAXPROCS(0)
		}
		o.workers = workers
	}
}

// WithShards sets the number of birth-day shards the candidate index and
// the cases are cut into. The default is one shard per worker.
func WithShards(n int) MatchOption {
	return func(o *matchOptions) {
		o.shards = n
	}
}

// WithSelection sets how each case orders its candidates. The default is
// SelectNearest.
func WithSelection(s Selection) MatchOption {
	return func(o *matchOptions) {
		o.selection = s
	}
}

// WithEligibility sets the case and control predicates. By default every
// subject with a qualifying event is a case and every subject is in the
// control pool.
func WithEligibility(e Eligibility) MatchOption {
	return func(o *matchOptions) {
		o.eligibility = e
	}
}

// WithLogger sets the logger. The default discards all output.
func WithLogger(l *zap.Logger) MatchOption {
	return func(o *matchOptions) {
		o.logger = l
	}
}

// WithMetrics records run metrics in m.
func WithMetrics(m *Metrics) MatchOption {
	return func(o *matchOptions) {
		o.metrics = m
	}
}

// NewMatcher returns a Matcher configured with opts.
func NewMatcher(opts ...MatchOption) *Matcher {
	m := &Matcher{}
	for _, opt := range opts {
		opt(&m.opts)
	}
	if m.opts.logger == nil {
		m.opts.logger = zap.NewNop()
	}
	return m
}

// Match is shorthand for NewMatcher(opts...).Match.
func Match(ctx context.Context, subjects []Subject, criteria Criteria, seed uint64, opts ...MatchOption) (*Cohort, error) {
	return NewMatcher(opts...).Match(ctx, subjects, criteria, seed)
}

// caseState is the matching state of one case.
type caseState struct {
	subject *Subject
	rank    int
	seed    uint64

	// ranked candidate positions, and the next one to propose to
	candidates []int
	cursor     int

	// controls in the birth-date window eligible relative to the case
	inWindow int

	// positions claimed, most preferred first; some may since have been
	// taken by a case of higher priority
	held []int
}

// Match matches the cases among subjects to controls. seed is the run seed;
// it replaces criteria.Seed.
//
// Invalid criteria or options return a *ConfigError before any subject is
// evaluated. If ctx is cancelled during the run, Match returns ctx's error
// and no cohort.
func (m *Matcher) Match(ctx context.Context, subjects []Subject, criteria Criteria, seed uint64) (*Cohort, error) {
	criteria.Seed = seed
	if err := criteria.Validate(); err != nil {
		return nil, err
	}
	if m.opts.shards < 0 {
		return nil, &ConfigError{Field: "shards", Reason: "must not be negative"}
	}

	start := time.Now()
	strategy := Sequential
	if m.opts.workers > 0 {
		strategy = Concurrent
	}
	log := m.opts.logger.With(zap.String("strategy", string(strategy)), zap.Uint64("seed", seed))

	pop := m.opts.eligibility.Evaluate(subjects, criteria.RequiredAttributes())
	if len(pop.Errors) > 0 {
		log.Warn("subjects with missing attributes left out", zap.Int("count", len(pop.Errors)))
		for _, e := range pop.Errors {
			log.Debug("missing attributes", zap.String("subject", e.SubjectID),
				zap.String("role", string(e.Role)), zap.Any("missing", e.Missing))
		}
	}

	shards := m.opts.shards
	if shards == 0 {
		shards = max(1, m.opts.workers)
	}
	ix := NewIndex(pop.Controls, shards)

	order := caseOrder(pop.Cases)
	states := make([]*caseState, len(order))
	for i, c := range order {
		states[i] = &caseState{subject: c, rank: i, seed: DeriveSeed(seed, c.ID)}
	}
	log.Info("matching",
		zap.Int("cases", len(states)),
		zap.Int("controls", ix.Len()),
		zap.Int("shards", ix.Shards()),
		zap.Int("ratio", criteria.Ratio))

	var err error
	if strategy == Concurrent {
		err = m.matchParallel(ctx, log, ix, states, criteria)
	} else {
		err = m.matchSequential(ctx, ix, states, criteria)
	}
	if err != nil {
		return nil, errors.Wrap(err, "matching cancelled")
	}

	c := &Cohort{
		runID:     runID(subjects, criteria, m.opts.selection, m.opts.eligibility),
		seed:      seed,
		criteria:  criteria,
		strategy:  strategy,
		selection: m.opts.selection,
		pairs:     make([]MatchedPair, len(states)),
		errors:    pop.Errors,
		subjects:  make(map[string]*Subject, len(subjects)),
	}
	for i := range subjects {
		c.subjects[subjects[i].ID] = &subjects[i]
	}
	c.stats = RunStats{
		Subjects:        len(subjects),
		Cases:           len(pop.Cases),
		ControlPool:     len(pop.Controls),
		Excluded:        len(pop.Excluded),
		AttributeErrors: len(pop.Errors),
	}
	for i, st := range states {
		c.pairs[i] = st.pair(ix, criteria.Ratio)
		c.stats.count(c.pairs[i])
	}

	m.opts.metrics.observeRun(strategy, c.stats, start)
	log.Info("matched",
		zap.Int("matched", c.stats.Matched),
		zap.Int("partially_matched", c.stats.PartiallyMatched),
		zap.Int("unmatched", c.stats.Unmatched),
		zap.Duration("elapsed", time.Since(start)))
	return c, nil
}

// prepare queries the index for the case and ranks the candidates that
// satisfy the remaining criteria.
func (st *caseState) prepare(ix *Index, criteria Criteria, sel Selection) {
	c := st.subject
	q := Query{
		BirthDay:   DayNumber(c.BirthDate),
		WindowDays: criteria.BirthDateWindowDays,
		IndexDay:   DayNumber(c.IndexDate),
		ExcludeID:  c.ID,
		FamilyID:   c.FamilyID,
	}
	if criteria.RequireSameSex {
		q.Sex = c.Sex
	}
	positions, inWindow := ix.Query(q)
	st.inWindow = inWindow

	accepted := positions[:0]
	for _, pos := range positions {
		if criteria.accepts(c, ix.Subject(pos)) {
			accepted = append(accepted, pos)
		}
	}
	st.candidates = rankCandidates(ix, accepted, q.BirthDay, st.seed, sel)
}

// propose claims candidates, in preference order, until the case holds ratio
// controls or runs out of candidates. Controls lost to higher-priority cases
// are dropped first. It reports the number of claims attempted, failed or
// displacing, and won outside shard.
func (st *caseState) propose(ix *Index, ratio, shard int) (attempts, conflicts, crossShard int) {
	valid := st.held[:0]
	for _, pos := range st.held {
		if ix.Holder(pos) == st.rank {
			valid = append(valid, pos)
		}
	}
	st.held = valid

	for len(st.held) < ratio && st.cursor < len(st.candidates) {
		pos := st.candidates[st.cursor]
		st.cursor++
		attempts++
		displaced, ok := ix.Claim(pos, st.rank)
		if !ok || displaced >= 0 {
			conflicts++
		}
		if !ok {
			continue
		}
		if ix.Shard(pos) != shard {
			crossShard++
		}
		st.held = append(st.held, pos)
	}
	return attempts, conflicts, crossShard
}

func (st *caseState) pair(ix *Index, ratio int) MatchedPair {
	p := MatchedPair{
		CaseID:    st.subject.ID,
		IndexDate: st.subject.IndexDate,
		Controls:  []string{},
	}
	for _, pos := range st.held {
		if ix.Holder(pos) == st.rank {
			p.Controls = append(p.Controls, ix.ID(pos))
		}
	}
	switch {
	case len(p.Controls) == ratio:
		p.Status = Matched
	case len(p.Controls) > 0:
		p.Status = PartiallyMatched
	default:
		p.Status = Unmatched
		switch {
		case len(st.candidates) > 0:
			p.Reason = AllCandidatesClaimed
		case st.inWindow > 0:
			p.Reason = CriteriaUnsatisfiable
		default:
			p.Reason = NoCandidatesInWindow
		}
	}
	return p
}

// checkEvery is the number of cases the sequential strategy processes
// between checks of the context.
const checkEvery = 1024

// matchSequential processes the cases in rank order. Every control a case
// claims is either free or already held by a case of higher priority, so no
// claim is ever displaced.
func (m *Matcher) matchSequential(ctx context.Context, ix *Index, states []*caseState, criteria Criteria) error {
	var conflicts int
	for i, st := range states {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		st.prepare(ix, criteria, m.opts.selection)
		_, c, _ := st.propose(ix, criteria.Ratio, ix.Shard(0))
		conflicts += c
	}
	m.opts.metrics.observeRound(conflicts, 0)
	return ctx.Err()
}

var runNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/ezachrisen/cohort/run"))

// runID derives the run ID from everything that determines the cohort: the
// criteria, the selection, the eligibility predicates and every subject field.
func runID(subjects []Subject, criteria Criteria, sel Selection, e Eligibility) uuid.UUID {
	var h idHash
	h.str(criteria.String())
	h.str(sel.String())
	h.str(orTrue(e.Case).String())
	h.str(orTrue(e.Control).String())
	for i := range subjects {
		s := &subjects[i]
		h.str(s.ID)
		h.date(s.BirthDate)
		h.buf = append(h.buf, byte(s.Sex))
		h.str(s.FamilyID)
		h.str(s.MotherID)
		h.str(s.FatherID)
		h.date(s.MotherBirthDate)
		h.date(s.FatherBirthDate)
		h.buf = binary.LittleEndian.AppendUint64(h.buf, uint64(s.FamilySize))
		h.date(s.IndexDate)
		keys := slices.Sorted(maps.Keys(s.Extra))
		h.buf = binary.LittleEndian.AppendUint32(h.buf, uint32(len(keys)))
		for _, k := range keys {
			h.str(k)
			h.buf = binary.LittleEndian.AppendUint64(h.buf, math.Float64bits(s.Extra[k]))
		}
	}
	return uuid.NewSHA1(runNamespace, h.buf)
}

// idHash is the length-prefixed encoding hashed into a run ID.
type idHash struct {
	buf []byte
}

func (h *idHash) str(s string) {
	h.buf = binary.LittleEndian.AppendUint32(h.buf, uint32(len(s)))
	h.buf = append(h.buf, s...)
}

// date writes the calendar day, or a marker for the zero time.
func (h *idHash) date(t time.Time) {
	if t.IsZero() {
		h.buf = append(h.buf, 0)
		return
	}
	h.buf = append(h.buf, 1)
	h.buf = binary.LittleEndian.AppendUint32(h.buf, uint32(DayNumber(t)))
}
