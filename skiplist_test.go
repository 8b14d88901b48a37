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

import "testing"

func TestSkipListInitialMapIsAllPoisoned(t *testing.T) {
	a := newArena(0)
	sl := newSkipList(1, a)

	for _, pc := range []Addr{0, 1, 1000, AddrMax - 1} {
		rec := sl.inrangeFind(pc)
		if rec == nil {
			t.Fatalf("inrangeFind(%d) = nil, want the all-poisoned record", pc)
		}
		if rec.Status() != StatusNever {
			t.Errorf("inrangeFind(%d).Status() = %v, want NEVER", pc, rec.Status())
		}
	}
}

func TestSkipListInsertAndFind(t *testing.T) {
	a := newArena(0)
	sl := newSkipList(1, a)

	rec := a.allocRecord()
	rec.Start, rec.End = 100, 200
	rec.setStatus(StatusDeferred)
	if !sl.insert(rec) {
		t.Fatalf("insert of a fresh range should succeed")
	}

	if got := sl.inrangeFind(150); got != rec {
		t.Errorf("inrangeFind(150) = %v, want %v", got, rec)
	}
	if got := sl.inrangeFind(99); got == rec {
		t.Errorf("inrangeFind(99) should not resolve to the inserted record")
	}
}

func TestSkipListInsertDuplicateRangeFails(t *testing.T) {
	a := newArena(0)
	sl := newSkipList(1, a)

	rec1 := a.allocRecord()
	rec1.Start, rec1.End = 100, 200
	if !sl.insert(rec1) {
		t.Fatalf("first insert should succeed")
	}

	rec2 := a.allocRecord()
	rec2.Start, rec2.End = 100, 200
	if sl.insert(rec2) {
		t.Fatalf("second insert of the identical range should report a lost race")
	}
}

func TestSkipListDeleteRangeBulk(t *testing.T) {
	a := newArena(0)
	sl := newSkipList(1, a)

	r1 := a.allocRecord()
	r1.Start, r1.End = 100, 200
	sl.insert(r1)

	r2 := a.allocRecord()
	r2.Start, r2.End = 300, 400
	sl.insert(r2)

	removed := sl.deleteRangeBulk(150, 350)
	if len(removed) != 2 {
		t.Fatalf("deleteRangeBulk removed %d records, want 2", len(removed))
	}
	if sl.inrangeFind(150) == r1 {
		t.Errorf("r1 should have been removed")
	}
	if sl.inrangeFind(350) == r2 {
		t.Errorf("r2 should have been removed")
	}
}

func TestSearchInterval(t *testing.T) {
	ivs := []Interval{
		{Start: 0, End: 10},
		{Start: 10, End: 20},
		{Start: 20, End: 30},
	}
	for _, pc := range []Addr{0, 9, 10, 19, 29} {
		iv, ok := searchInterval(ivs, pc)
		if !ok {
			t.Fatalf("searchInterval(%d) missed", pc)
		}
		if !iv.Contains(pc) {
			t.Errorf("searchInterval(%d) = %+v, does not contain pc", pc, iv)
		}
	}
	if _, ok := searchInterval(ivs, 30); ok {
		t.Errorf("searchInterval(30) should miss: 30 is outside every interval")
	}
}
