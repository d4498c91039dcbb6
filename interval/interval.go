// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package interval implements an ordered set of half-open intervals with
// stabbing and overlap queries. It backs class layouts, section
// contributions, stack frames and the program item map.
package interval

import "sort"

// Interval is a half-open range [Start, End) carrying a value.
type Interval[T any] struct {
	Start int64
	End   int64
	Value T
}

// Tree is an ordered interval set. Overlapping intervals are allowed; queries
// return entries in insertion order within identical bounds, ascending start
// order otherwise.
type Tree[T any] struct {
	entries []Interval[T]
	sorted  bool
}

// Insert adds [start, end) with the given value. Zero or negative length
// intervals are widened to one unit, matching the loader's convention for
// empty contributions.
func (t *Tree[T]) Insert(start, end int64, value T) {
	if end <= start {
		end = start + 1
	}
	t.entries = append(t.entries, Interval[T]{Start: start, End: end, Value: value})
	t.sorted = false
}

func (t *Tree[T]) ensure() {
	if t.sorted {
		return
	}
	sort.SliceStable(t.entries, func(i, j int) bool {
		if t.entries[i].Start != t.entries[j].Start {
			return t.entries[i].Start < t.entries[j].Start
		}
		return t.entries[i].End < t.entries[j].End
	})
	t.sorted = true
}

// At returns every interval containing the point.
func (t *Tree[T]) At(point int64) []Interval[T] {
	t.ensure()
	var out []Interval[T]
	// entries are sorted by start; everything past the point can't match.
	for i := range t.entries {
		e := t.entries[i]
		if e.Start > point {
			break
		}
		if point < e.End {
			out = append(out, e)
		}
	}
	return out
}

// One returns the single interval containing the point. ok is false when the
// point is uncovered; when several intervals cover it the first is returned.
func (t *Tree[T]) One(point int64) (Interval[T], bool) {
	hits := t.At(point)
	if len(hits) == 0 {
		var zero Interval[T]
		return zero, false
	}
	return hits[0], true
}

// Overlap returns every interval intersecting [start, end).
func (t *Tree[T]) Overlap(start, end int64) []Interval[T] {
	t.ensure()
	var out []Interval[T]
	for i := range t.entries {
		e := t.entries[i]
		if e.Start >= end {
			break
		}
		if start < e.End {
			out = append(out, e)
		}
	}
	return out
}

// All returns the intervals in ascending start order.
func (t *Tree[T]) All() []Interval[T] {
	t.ensure()
	return t.entries
}

// Len returns the number of stored intervals.
func (t *Tree[T]) Len() int { return len(t.entries) }

// Covers reports whether the union of the stored intervals covers
// [start, end) without gaps.
func (t *Tree[T]) Covers(start, end int64) bool {
	t.ensure()
	pos := start
	for i := range t.entries {
		e := t.entries[i]
		if e.End <= pos {
			continue
		}
		if e.Start > pos {
			return false
		}
		if e.End > pos {
			pos = e.End
		}
		if pos >= end {
			return true
		}
	}
	return pos >= end
}

// Clone returns a shallow copy sharing no slice storage, used by inner scopes
// that extend their parent frame.
func (t *Tree[T]) Clone() *Tree[T] {
	t.ensure()
	c := &Tree[T]{entries: make([]Interval[T], len(t.entries)), sorted: true}
	copy(c.entries, t.entries)
	return c
}
