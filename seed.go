package cohort

import (
	"cmp"
	"hash/fnv"
	"math/rand/v2"
	"slices"
)

// DeriveSeed returns the selection seed for one case. It depends only on the
// run seed and the case ID, so a case selects the same controls however the
// cases are ordered or partitioned.
func DeriveSeed(runSeed uint64, caseID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(caseID))
	return splitmix64(runSeed ^ h.Sum64())
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// Selection is the order in which a case prefers its candidates.
type Selection int

const (
	// SelectNearest prefers candidates born closest to the case. Equally
	// distant candidates are put in a seeded random order.
	SelectNearest Selection = iota

	// SelectRandom prefers candidates in a seeded random order.
	SelectRandom
)

func (s Selection) String() string {
	switch s {
	case SelectNearest:
		return "nearest"
	case SelectRandom:
		return "random"
	}
	return "unknown"
}

// ParseSelection accepts "nearest" and "random".
func ParseSelection(s string) (Selection, bool) {
	switch s {
	case "nearest", "":
		return SelectNearest, true
	case "random":
		return SelectRandom, true
	}
	return SelectNearest, false
}

// rankCandidates orders the candidate positions for a case born on day. The
// order is a function of the candidates and the seed only.
func rankCandidates(ix *Index, positions []int, day int32, seed uint64, sel Selection) []int {
	rng := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
	if sel == SelectRandom {
		out := slices.Clone(positions)
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	}

	type keyed struct {
		pos  int
		dist int32
		tie  uint64
	}
	ks := make([]keyed, len(positions))
	for i, p := range positions {
		d := ix.BirthDay(p) - day
		if d < 0 {
			d = -d
		}
		ks[i] = keyed{pos: p, dist: d, tie: rng.Uint64()}
	}
	slices.SortFunc(ks, func(a, b keyed) int {
		if c := cmp.Compare(a.dist, b.dist); c != 0 {
			return c
		}
		if c := cmp.Compare(a.tie, b.tie); c != 0 {
			return c
		}
		return cmp.Compare(ix.ID(a.pos), ix.ID(b.pos))
	})
	out := make([]int, len(ks))
	for i, k := range ks {
		out[i] = k.pos
	}
	return out
}

// caseOrder sorts cases into the canonical order: birth day, then ID. The
// position of a case in this order is its priority rank.
func caseOrder(cases []*Subject) []*Subject {
	out := slices.Clone(cases)
	slices.SortFunc(out, func(a, b *Subject) int {
		if c := cmp.Compare(DayNumber(a.BirthDate), DayNumber(b.BirthDate)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
