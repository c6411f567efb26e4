// Copyright 2024 The iommufd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rangeset provides an ordered set of non-overlapping address
// ranges, each associated with a value. It supports the operations the I/O
// page table needs: range queries, insertion with overlap detection,
// isolation of sub-ranges (splitting segments at arbitrary boundaries),
// removal, and re-merging of adjacent segments with equal values.
//
// A Set is not safe for concurrent use; callers synchronize externally.
package rangeset

import (
	"fmt"

	"github.com/google/btree"

	"iommufd.dev/iommufd/pkg/hostarch"
)

// btreeDegree is the branching factor of the underlying B-tree. 8 keeps
// nodes within a cache line or two for small values.
const btreeDegree = 8

// Functions customizes the behavior of a Set.
type Functions[V any] interface {
	// Merge attempts to merge the values of two segments with adjacent
	// ranges (r1.End == r2.Start). If merging is legal, it returns the
	// merged value and true.
	Merge(r1 hostarch.AddrRange, v1 V, r2 hostarch.AddrRange, v2 V) (V, bool)

	// Split splits the value of a segment spanning r at split, where
	// r.CanSplitAt(split). It returns the values of the two halves.
	Split(r hostarch.AddrRange, v V, split hostarch.Addr) (V, V)
}

// NoMerge is a Functions implementation for values that never merge and
// split by copying, suitable for segments that represent distinct objects.
type NoMerge[V any] struct{}

// Merge implements Functions.Merge.
func (NoMerge[V]) Merge(_ hostarch.AddrRange, _ V, _ hostarch.AddrRange, _ V) (V, bool) {
	var zero V
	return zero, false
}

// Split implements Functions.Split.
func (NoMerge[V]) Split(_ hostarch.AddrRange, v V, _ hostarch.Addr) (V, V) {
	return v, v
}

// segment is the B-tree item. Segments are stored by pointer so that End
// and value may be updated in place; Start is the tree key and is never
// modified while the segment is in the tree.
type segment[V any] struct {
	r hostarch.AddrRange
	v V
}

// Segment is a copy of one segment's range and value, as returned by
// queries. Mutating a Segment does not affect the Set.
type Segment[V any] struct {
	Range hostarch.AddrRange
	Value V
}

// Set is an ordered set of non-overlapping segments.
type Set[V any] struct {
	tree *btree.BTreeG[*segment[V]]
	fns  Functions[V]
}

// New returns an empty Set using the given Functions.
func New[V any](fns Functions[V]) *Set[V] {
	return &Set[V]{
		tree: btree.NewG(btreeDegree, func(a, b *segment[V]) bool {
			return a.r.Start < b.r.Start
		}),
		fns: fns,
	}
}

// IsEmpty returns true if the set contains no segments.
func (s *Set[V]) IsEmpty() bool {
	return s.tree.Len() == 0
}

// Len returns the number of segments in the set.
func (s *Set[V]) Len() int {
	return s.tree.Len()
}

// Span returns the total number of bytes covered by all segments.
func (s *Set[V]) Span() uint64 {
	var sp uint64
	s.tree.Ascend(func(seg *segment[V]) bool {
		sp += seg.r.Length()
		return true
	})
	return sp
}

// SpanRange returns the number of bytes covered by segments within r.
func (s *Set[V]) SpanRange(r hostarch.AddrRange) uint64 {
	var sp uint64
	s.visitIntersecting(r, func(seg *segment[V]) bool {
		sp += seg.r.Intersect(r).Length()
		return true
	})
	return sp
}

// findContaining returns the segment containing key, or nil.
func (s *Set[V]) findContaining(key hostarch.Addr) *segment[V] {
	var found *segment[V]
	s.tree.DescendLessOrEqual(&segment[V]{r: hostarch.AddrRange{Start: key}}, func(seg *segment[V]) bool {
		if seg.r.Contains(key) {
			found = seg
		}
		return false
	})
	return found
}

// lowerBound returns the first segment whose range ends after min, or nil.
func (s *Set[V]) lowerBound(min hostarch.Addr) *segment[V] {
	if seg := s.findContaining(min); seg != nil {
		return seg
	}
	var found *segment[V]
	s.tree.AscendGreaterOrEqual(&segment[V]{r: hostarch.AddrRange{Start: min}}, func(seg *segment[V]) bool {
		found = seg
		return false
	})
	return found
}

// visitIntersecting calls f on every segment intersecting r, in ascending
// order, until f returns false. f must not mutate the set.
func (s *Set[V]) visitIntersecting(r hostarch.AddrRange, f func(*segment[V]) bool) {
	if r.Length() == 0 {
		return
	}
	if seg := s.findContaining(r.Start); seg != nil {
		if !f(seg) {
			return
		}
	}
	s.tree.AscendGreaterOrEqual(&segment[V]{r: hostarch.AddrRange{Start: r.Start + 1}}, func(seg *segment[V]) bool {
		if seg.r.Start >= r.End {
			return false
		}
		return f(seg)
	})
}

// FindSegment returns the segment containing key.
func (s *Set[V]) FindSegment(key hostarch.Addr) (Segment[V], bool) {
	if seg := s.findContaining(key); seg != nil {
		return Segment[V]{seg.r, seg.v}, true
	}
	return Segment[V]{}, false
}

// LowerBoundSegment returns the first segment whose range ends after min.
func (s *Set[V]) LowerBoundSegment(min hostarch.Addr) (Segment[V], bool) {
	if seg := s.lowerBound(min); seg != nil {
		return Segment[V]{seg.r, seg.v}, true
	}
	return Segment[V]{}, false
}

// FirstSegment returns the segment with the lowest range.
func (s *Set[V]) FirstSegment() (Segment[V], bool) {
	var found *segment[V]
	s.tree.Ascend(func(seg *segment[V]) bool {
		found = seg
		return false
	})
	if found != nil {
		return Segment[V]{found.r, found.v}, true
	}
	return Segment[V]{}, false
}

// LastSegment returns the segment with the highest range.
func (s *Set[V]) LastSegment() (Segment[V], bool) {
	var found *segment[V]
	s.tree.Descend(func(seg *segment[V]) bool {
		found = seg
		return false
	})
	if found != nil {
		return Segment[V]{found.r, found.v}, true
	}
	return Segment[V]{}, false
}

// VisitRange calls f on a snapshot of every segment intersecting r, in
// ascending order, until f returns false. Because f receives copies taken
// before the first call, f may mutate the set.
func (s *Set[V]) VisitRange(r hostarch.AddrRange, f func(Segment[V]) bool) {
	for _, seg := range s.segmentsInRange(r) {
		if !f(seg) {
			return
		}
	}
}

// VisitAll is VisitRange over the whole keyspace.
func (s *Set[V]) VisitAll(f func(Segment[V]) bool) {
	s.VisitRange(hostarch.AddrRange{Start: 0, End: ^hostarch.Addr(0)}, f)
}

func (s *Set[V]) segmentsInRange(r hostarch.AddrRange) []Segment[V] {
	var segs []Segment[V]
	s.visitIntersecting(r, func(seg *segment[V]) bool {
		segs = append(segs, Segment[V]{seg.r, seg.v})
		return true
	})
	return segs
}

// VisitGaps calls f on every maximal range within r that is not covered by
// any segment, in ascending order, until f returns false.
func (s *Set[V]) VisitGaps(r hostarch.AddrRange, f func(gap hostarch.AddrRange) bool) {
	if r.Length() == 0 {
		return
	}
	cur := r.Start
	for _, seg := range s.segmentsInRange(r) {
		if cur < seg.Range.Start {
			if !f(hostarch.AddrRange{Start: cur, End: seg.Range.Start}) {
				return
			}
		}
		cur = seg.Range.End
	}
	if cur < r.End {
		f(hostarch.AddrRange{Start: cur, End: r.End})
	}
}

// IsEmptyRange returns true if no segment intersects r.
func (s *Set[V]) IsEmptyRange(r hostarch.AddrRange) bool {
	empty := true
	s.visitIntersecting(r, func(*segment[V]) bool {
		empty = false
		return false
	})
	return empty
}

// Add inserts the given segment and returns true. If the new segment can
// be merged with adjacent segments, Add will do so. If r overlaps an
// existing segment, Add does nothing and returns false.
func (s *Set[V]) Add(r hostarch.AddrRange, v V) bool {
	if !r.WellFormed() || r.Length() == 0 {
		panic(fmt.Sprintf("invalid segment range %v", r))
	}
	if !s.IsEmptyRange(r) {
		return false
	}
	seg := &segment[V]{r: r, v: v}
	s.tree.ReplaceOrInsert(seg)
	s.mergeAt(r.Start)
	s.mergeAt(r.End)
	return true
}

// AddWithoutMerging inserts the given segment and returns true. If it would
// overlap an existing segment, AddWithoutMerging does nothing and returns
// false.
func (s *Set[V]) AddWithoutMerging(r hostarch.AddrRange, v V) bool {
	if !r.WellFormed() || r.Length() == 0 {
		panic(fmt.Sprintf("invalid segment range %v", r))
	}
	if !s.IsEmptyRange(r) {
		return false
	}
	s.tree.ReplaceOrInsert(&segment[V]{r: r, v: v})
	return true
}

// SetValue replaces the value of the segment whose range is exactly r.
// It panics if no such segment exists; callers isolate r first.
func (s *Set[V]) SetValue(r hostarch.AddrRange, v V) {
	seg := s.findContaining(r.Start)
	if seg == nil || seg.r != r {
		panic(fmt.Sprintf("no segment with range exactly %v", r))
	}
	seg.v = v
}

// Isolate splits segments so that no segment crosses r.Start or r.End:
// afterwards, every segment intersecting r is contained in r.
func (s *Set[V]) Isolate(r hostarch.AddrRange) {
	s.splitAt(r.Start)
	s.splitAt(r.End)
}

// splitAt splits the segment containing x at x, if any and if legal.
func (s *Set[V]) splitAt(x hostarch.Addr) {
	seg := s.findContaining(x)
	if seg == nil || !seg.r.CanSplitAt(x) {
		return
	}
	v1, v2 := s.fns.Split(seg.r, seg.v, x)
	oldEnd := seg.r.End
	// Shrink in place; Start is unchanged so the tree ordering holds.
	seg.r.End = x
	seg.v = v1
	s.tree.ReplaceOrInsert(&segment[V]{r: hostarch.AddrRange{Start: x, End: oldEnd}, v: v2})
}

// RemoveRange removes all segment coverage within r, splitting segments
// that cross its boundaries.
func (s *Set[V]) RemoveRange(r hostarch.AddrRange) {
	s.Isolate(r)
	for _, seg := range s.segmentsInRange(r) {
		s.tree.Delete(&segment[V]{r: seg.Range})
	}
}

// Remove removes the segment whose range is exactly r. It panics if no such
// segment exists.
func (s *Set[V]) Remove(r hostarch.AddrRange) {
	seg := s.findContaining(r.Start)
	if seg == nil || seg.r != r {
		panic(fmt.Sprintf("no segment with range exactly %v", r))
	}
	s.tree.Delete(seg)
}

// MergeAdjacent attempts to merge segments on either side of boundaries
// within and at the edges of r.
func (s *Set[V]) MergeAdjacent(r hostarch.AddrRange) {
	bounds := []hostarch.Addr{r.Start}
	s.visitIntersecting(r, func(seg *segment[V]) bool {
		bounds = append(bounds, seg.r.End)
		return true
	})
	for _, x := range bounds {
		s.mergeAt(x)
	}
}

// mergeAt merges the segments ending and starting exactly at x, if both
// exist and Functions.Merge permits.
func (s *Set[V]) mergeAt(x hostarch.Addr) {
	if x == 0 {
		return
	}
	left := s.findContaining(x - 1)
	if left == nil || left.r.End != x {
		return
	}
	right := s.findContaining(x)
	if right == nil || right.r.Start != x {
		return
	}
	v, ok := s.fns.Merge(left.r, left.v, right.r, right.v)
	if !ok {
		return
	}
	s.tree.Delete(right)
	left.r.End = right.r.End
	left.v = v
}

// String formats the set for debugging.
func (s *Set[V]) String() string {
	out := "{"
	first := true
	s.tree.Ascend(func(seg *segment[V]) bool {
		if !first {
			out += " "
		}
		first = false
		out += fmt.Sprintf("%v:%v", seg.r, seg.v)
		return true
	})
	return out + "}"
}
