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

// trollWindow bounds how many words the stack-troller scans before giving
// up, keeping the worst case of a failed unwind bounded the way the
// recipe-cache spinlock's spin count is bounded (spec.md §5 "a bounded
// spin-iteration threshold").
const trollWindow = 32

// recover implements spec.md §4.3 step 5: on a lookup miss for the
// candidate caller frame, first try the one-frame-deeper "skip-frame"
// heuristic for a leaf function, then fall back to the stack-troller scan.
// Returns the realigned SP and the plausible return address it found,
// whether the troller had to run (so the caller reports StepTroll), and
// whether recovery succeeded at all.
func (c *Cursor) recover(nextSP Addr) (sp, pc Addr, trolled bool, ok bool) {
	if c.Interval.Recipe.SPKind == SPReg && c.Flags&FlagTopFrame != 0 {
		if deeperSP, deeperPC, deeperOK := c.skipFrame(nextSP); deeperOK {
			return deeperSP, deeperPC, false, true
		}
	}
	if sp, pc, ok := c.troll(nextSP); ok {
		return sp, pc, true, true
	}
	return 0, 0, false, false
}

// skipFrame handles a leaf function that never set up a frame of its own:
// the true caller is one linkage slot further down than the naive
// computation assumed, reached by dereferencing one more word (spec.md
// §4.3 step 5 "try one frame deeper by dereferencing one more linkage
// slot").
func (c *Cursor) skipFrame(sp Addr) (Addr, Addr, bool) {
	candidate := sp + Addr(addrSize)
	pc, ok := c.mem.ReadAddr(candidate)
	if !ok {
		return 0, 0, false
	}
	if res := c.cache.Lookup(pc); res.Outcome == LookupOK {
		return candidate, pc, true
	}
	return 0, 0, false
}

// troll scans forward from sp, one machine word at a time, for a word that
// looks like a return address: one whose cache lookup yields a READY
// recipe (spec.md §4.3 step 5, scenario S5). Returns the realigned SP and
// the plausible return address found there.
func (c *Cursor) troll(sp Addr) (Addr, Addr, bool) {
	for i := 0; i < trollWindow; i++ {
		addr := sp + Addr(i*addrSize)
		word, ok := c.mem.ReadAddr(addr)
		if !ok {
			continue
		}
		if res := c.cache.Lookup(word); res.Outcome == LookupOK {
			return addr, word, true
		}
	}
	return 0, 0, false
}
