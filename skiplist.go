//  Copyright 2023 Stealth Rocket, Inc.
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

package asyncunwind

import (
	"math/rand"

	"golang.org/x/exp/slices"
)

// skipList is the concurrent PC-range index behind the recipe cache
// (spec.md §3.3). It is ordered by the lower bound of each record's range;
// because live ranges are disjoint, "point lookup" (locate the record whose
// range contains a probe PC) never needs exact-key equality.
//
// skipList itself holds no lock: every exported method of RecipeCache that
// touches it does so while holding the cache's single process-wide
// spinlock (spec.md §5), matching the original's "the external functions
// assume the tree is not yet locked" comment in ui_tree.c paired with its
// caller always taking the lock first.
type skipList struct {
	maxLevel int
	level    int
	rng      *rand.Rand
	head     *skipNode
}

type skipNode struct {
	rec     *FunctionRecord
	forward []*skipNode
}

const skipListMaxLevel = 16
const skipListP = 0.5

// AddrMax is the sentinel upper bound of the process's virtual address
// space (spec.md §3.3: "[UINTPTR_MAX, UINTPTR_MAX)").
const AddrMax Addr = ^Addr(0)

func newSkipList(seed int64, a *arena) *skipList {
	left := a.allocRecord()
	left.Start, left.End = 0, 0
	left.setStatus(StatusNever)

	right := a.allocRecord()
	right.Start, right.End = AddrMax, AddrMax
	right.setStatus(StatusNever)

	sl := &skipList{
		maxLevel: skipListMaxLevel,
		level:    1,
		rng:      rand.New(rand.NewSource(seed)),
		head:     &skipNode{forward: make([]*skipNode, skipListMaxLevel)},
	}
	leftNode := &skipNode{rec: left, forward: make([]*skipNode, skipListMaxLevel)}
	rightNode := &skipNode{rec: right, forward: make([]*skipNode, skipListMaxLevel)}
	for i := 0; i < skipListMaxLevel; i++ {
		sl.head.forward[i] = leftNode
		leftNode.forward[i] = rightNode
	}

	// Initial map: the whole address space is poisoned (spec.md §3.3:
	// "the initial map additionally contains [0, UINTPTR_MAX) with status
	// NEVER"), carved up as load modules are mapped.
	all := a.allocRecord()
	all.Start, all.End = 0, AddrMax
	all.setStatus(StatusNever)
	sl.insert(all)

	return sl
}

func (sl *skipList) randomLevel() int {
	lvl := 1
	for lvl < sl.maxLevel && sl.rng.Float64() < skipListP {
		lvl++
	}
	return lvl
}

// update computes, for each level, the rightmost node whose range starts
// strictly before rec's start.
func (sl *skipList) predecessors(start Addr) []*skipNode {
	update := make([]*skipNode, sl.maxLevel)
	x := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		for x.forward[i] != nil && x.forward[i].rec.Start < start {
			x = x.forward[i]
		}
		update[i] = x
	}
	return update
}

// insert adds rec to the list in Start order. Returns false, without
// inserting, if a node with the identical [Start,End) range already
// exists — the caller lost a race to insert the same lazily-created record
// and must discard its copy and re-lookup (spec.md §4.1 "Insert algorithm").
func (sl *skipList) insert(rec *FunctionRecord) bool {
	update := sl.predecessors(rec.Start)
	existing := update[0].forward[0]
	if existing != nil && existing.rec.Start == rec.Start && existing.rec.End == rec.End {
		return false
	}
	lvl := sl.randomLevel()
	if lvl > sl.level {
		sl.level = lvl
	}
	node := &skipNode{rec: rec, forward: make([]*skipNode, skipListMaxLevel)}
	for i := 0; i < lvl; i++ {
		node.forward[i] = update[i].forward[i]
		update[i].forward[i] = node
	}
	return true
}

// inrangeFind locates the record whose range contains addr, or nil if none
// covers it (which should not happen once the poisoning invariant holds,
// since every address is covered by exactly one record).
func (sl *skipList) inrangeFind(addr Addr) *FunctionRecord {
	x := sl.head
	for i := sl.level - 1; i >= 0; i-- {
		for x.forward[i] != nil && x.forward[i].rec.Start <= addr {
			x = x.forward[i]
		}
	}
	if x == sl.head {
		return nil
	}
	if x.rec.Contains(addr) {
		return x.rec
	}
	// insert places a record ahead of any with an equal start, so x may be
	// the zero-width [0, 0) sentinel standing after the record that really
	// covers addr. Check every record sharing x's start.
	p := sl.predecessors(x.rec.Start)[0]
	for y := p.forward[0]; y != nil && y.rec.Start == x.rec.Start; y = y.forward[0] {
		if y.rec.Contains(addr) {
			return y.rec
		}
	}
	return nil
}

// deleteExact removes the single node matching rec's exact range, used when
// surgically replacing one poisoned record with its carved-up replacements
// (spec.md §4.1 "Unpoison algorithm").
func (sl *skipList) deleteExact(rec *FunctionRecord) bool {
	update := sl.predecessors(rec.Start)
	x := update[0].forward[0]
	if x == nil || x.rec.Start != rec.Start || x.rec.End != rec.End {
		return false
	}
	for i := 0; i < sl.level; i++ {
		if update[i].forward[i] != x {
			continue
		}
		update[i].forward[i] = x.forward[i]
	}
	for sl.level > 1 && sl.head.forward[sl.level-1] == nil {
		sl.level--
	}
	return true
}

// deleteRangeBulk removes every record intersecting [start, end) and
// returns them, used by NotifyUnmap (spec.md §4.1 "Repoison algorithm").
// The two sentinels are never removed: their zero-width ranges can only
// intersect a zero-width query, which callers never issue.
func (sl *skipList) deleteRangeBulk(start, end Addr) []*FunctionRecord {
	var removed []*FunctionRecord
	update := sl.predecessors(start)
	// The last record starting before start may extend into the range.
	x := update[0]
	if x == sl.head {
		x = x.forward[0]
	}
	for x != nil && x.rec.Start < end {
		next := x.forward[0]
		if intersects(x.rec.Start, x.rec.End, start, end) {
			sl.deleteExact(x.rec)
			removed = append(removed, x.rec)
		}
		x = next
	}
	return removed
}

func intersects(aStart, aEnd, bStart, bEnd Addr) bool {
	return aStart < bEnd && bStart < aEnd
}

// all returns every live (non-sentinel) record in Start order. Nothing in
// this module calls it.
func (sl *skipList) all() []*FunctionRecord {
	var out []*FunctionRecord
	for x := sl.head.forward[0]; x != nil; x = x.forward[0] {
		if x.rec.Start == 0 && x.rec.End == 0 {
			continue
		}
		if x.rec.Start == AddrMax {
			continue
		}
		out = append(out, x.rec)
	}
	return out
}

// searchInterval is a small helper used by the cache and FunctionRecord: it
// binary-searches a sorted, non-overlapping, coalesced interval chain for
// the one containing pc, using golang.org/x/exp/slices the way the teacher
// uses it in wzprof.go for sorted lookups.
func searchInterval(intervals []Interval, pc Addr) (Interval, bool) {
	idx, found := slices.BinarySearchFunc(intervals, pc, func(iv Interval, pc Addr) int {
		switch {
		case pc < iv.Start:
			return 1
		case pc >= iv.End:
			return -1
		default:
			return 0
		}
	})
	if !found || idx >= len(intervals) {
		return Interval{}, false
	}
	return intervals[idx], true
}
