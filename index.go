package cohort

import (
	"cmp"
	"math"
	"slices"
	"sort"
	"sync/atomic"
)

// noEvent is the event day of a control without a qualifying event.
const noEvent = math.MaxInt32

// Index is the candidate index over the control pool of a run. Controls are
// kept in an arena sorted by birth day, then ID; a position in the arena
// identifies a control for the lifetime of the index.
//
// Except for the claim state, the index is read-only after NewIndex returns
// and may be queried from any number of goroutines.
type Index struct {
	subjects []*Subject
	ids      []string
	birth    []int32
	event    []int32
	sex      []Sex
	family   []string

	// shardStart[i] is the first position of shard i
	shardStart []int

	// claims[pos] holds the rank of the holding case plus one; 0 is free
	claims []atomic.Int64
}

// NewIndex builds an index over controls, cut into the given number of
// contiguous birth-day shards. Controls born on the same day always share a
// shard, so there may be fewer shards than requested.
func NewIndex(controls []*Subject, shards int) *Index {
	sorted := slices.Clone(controls)
	slices.SortFunc(sorted, func(a, b *Subject) int {
		if c := cmp.Compare(DayNumber(a.BirthDate), DayNumber(b.BirthDate)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	n := len(sorted)
	ix := &Index{
		subjects: sorted,
		ids:      make([]string, n),
		birth:    make([]int32, n),
		event:    make([]int32, n),
		sex:      make([]Sex, n),
		family:   make([]string, n),
		claims:   make([]atomic.Int64, n),
	}
	for i, s := range sorted {
		ix.ids[i] = s.ID
		ix.birth[i] = DayNumber(s.BirthDate)
		ix.event[i] = noEvent
		if s.HasIndexDate() {
			ix.event[i] = DayNumber(s.IndexDate)
		}
		ix.sex[i] = s.Sex
		ix.family[i] = s.FamilyID
	}
	ix.cutShards(shards)
	return ix
}

func (ix *Index) cutShards(shards int) {
	n := len(ix.subjects)
	shards = max(1, min(shards, n))
	ix.shardStart = []int{0}
	for i := 1; i < shards; i++ {
		b := i * n / shards
		for b < n && ix.birth[b] == ix.birth[b-1] {
			b++
		}
		if b >= n {
			break
		}
		if b > ix.shardStart[len(ix.shardStart)-1] {
			ix.shardStart = append(ix.shardStart, b)
		}
	}
}

// Len is the number of controls in the index.
func (ix *Index) Len() int {
	return len(ix.subjects)
}

// Subject returns the control at pos.
func (ix *Index) Subject(pos int) *Subject {
	return ix.subjects[pos]
}

// ID returns the ID of the control at pos.
func (ix *Index) ID(pos int) string {
	return ix.ids[pos]
}

// BirthDay returns the birth day number of the control at pos.
func (ix *Index) BirthDay(pos int) int32 {
	return ix.birth[pos]
}

// Shards is the number of shards the arena is cut into.
func (ix *Index) Shards() int {
	return len(ix.shardStart)
}

// Shard returns the shard owning pos.
func (ix *Index) Shard(pos int) int {
	return sort.SearchInts(ix.shardStart, pos+1) - 1
}

// ShardOfDay returns the shard whose birth-day range contains day. Days before
// the first control map to shard 0, days after the last to the last shard.
func (ix *Index) ShardOfDay(day int32) int {
	pos, _ := slices.BinarySearch(ix.birth, day)
	return ix.Shard(min(pos, max(len(ix.birth)-1, 0)))
}

// Window returns the half-open range of positions of controls born within
// window days of center.
func (ix *Index) Window(center int32, window int) (lo, hi int) {
	from := int64(center) - int64(window)
	to := int64(center) + int64(window)
	lo = sort.Search(len(ix.birth), func(i int) bool { return int64(ix.birth[i]) >= from })
	hi = sort.Search(len(ix.birth), func(i int) bool { return int64(ix.birth[i]) > to })
	return lo, hi
}

// Query selects candidates for one case.
type Query struct {
	// Birth day of the case and the half-width of the window around it.
	BirthDay   int32
	WindowDays int

	// Index day of the case. Controls with an event on or before it are not
	// in the window.
	IndexDay int32

	// The case itself.
	ExcludeID string

	// Controls of this family are filtered out. Empty: no family filter.
	FamilyID string

	// Controls must have this sex. SexUnknown: no sex filter.
	Sex Sex
}

// Query returns the positions of controls that satisfy q, in arena order,
// and the number of controls in the birth-date window that are eligible
// relative to the case before the family and sex filters are applied.
func (ix *Index) Query(q Query) (positions []int, inWindow int) {
	lo, hi := ix.Window(q.BirthDay, q.WindowDays)
	for pos := lo; pos < hi; pos++ {
		if ix.event[pos] <= q.IndexDay || ix.ids[pos] == q.ExcludeID {
			continue
		}
		inWindow++
		if q.FamilyID != "" && ix.family[pos] == q.FamilyID {
			continue
		}
		if q.Sex != SexUnknown && ix.sex[pos] != q.Sex {
			continue
		}
		positions = append(positions, pos)
	}
	return positions, inWindow
}

// Claim attempts to claim the control at pos for the case with priority
// rank; lower ranks have priority. It succeeds if the control is free or
// held by a case of lower priority, and returns the rank it displaced, or -1
// if the control was free. Claim fails if the control is held by a case of
// equal or higher priority.
func (ix *Index) Claim(pos, rank int) (displaced int, ok bool) {
	slot := &ix.claims[pos]
	want := int64(rank) + 1
	for {
		cur := slot.Load()
		if cur != 0 && cur <= want {
			return int(cur) - 1, false
		}
		if slot.CompareAndSwap(cur, want) {
			return int(cur) - 1, true
		}
	}
}

// Holder returns the rank of the case holding pos, or -1.
func (ix *Index) Holder(pos int) int {
	return int(ix.claims[pos].Load()) - 1
}
