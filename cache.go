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
	"runtime"
	"sync/atomic"
)

// Code reads a function's machine text so a Builder can analyze it. An
// external collaborator: this port never maps process memory itself.
type Code interface {
	// ReadText returns the bytes of the function [start, end), or ok=false
	// if they cannot be read (e.g. the mapping has since gone away).
	ReadText(start, end Addr) (code []byte, ok bool)
}

// RecipeCache is the process-wide, concurrent index of unwind recipes
// (spec.md §3 and §4.1). It is safe for concurrent use by any number of
// goroutines, including one running inside a signal handler, subject to
// the async-signal-safety constraints documented on Lookup.
//
// A single spinlock guards the skip list and the arena (spec.md §5: "a
// single process-wide lock guards the skip list and its records"). The
// lock is never held across a call into the FuncBoundsOracle or Code, both
// external services that may themselves block or take their own locks —
// holding ours across that call would risk the classic signal-handler
// deadlock (spec.md §5: "deadlock avoidance requires that the recipe-index
// lock is released before calling it").
type RecipeCache struct {
	mu         spinlock
	list       *skipList
	arena      *arena
	oracle     FuncBoundsOracle
	code       Code
	newBuilder func() Builder
	pad        *LandingPad

	spinLimit int
}

// SetLandingPad attaches the calling goroutine's fault-recovery scaffold so
// the cache's lock/unlock pairs keep its per-thread "locks held" counter
// accurate (spec.md §5, §3.5). Optional: a cache used outside any
// LandingPad.Protect call (e.g. the loader-event path driving NotifyMap)
// can leave this nil.
func (c *RecipeCache) SetLandingPad(pad *LandingPad) {
	c.pad = pad
}

func (c *RecipeCache) lock() {
	c.mu.lock(c.spinLimit)
	if c.pad != nil {
		c.pad.acquireLock()
	}
}

func (c *RecipeCache) unlock() {
	if c.pad != nil {
		c.pad.releaseLock()
	}
	c.mu.unlock()
}

// NewRecipeCache builds an empty cache seeded with the all-poisoned initial
// map (spec.md §3.3). newBuilder is called once per function build and
// should return the architecture's Builder (PPC64/MIPS/x86); it is a
// factory rather than a shared value so that a stateful x86Builder (which
// merely wraps a stateless Decoder, but could in principle carry
// per-build scratch state) is never accidentally reused across concurrent
// builds.
func NewRecipeCache(oracle FuncBoundsOracle, code Code, newBuilder func() Builder, cfg Config) *RecipeCache {
	a := newArena(cfg.ArenaChunkSize)
	return &RecipeCache{
		list:       newSkipList(cfg.seed(), a),
		arena:      a,
		oracle:     oracle,
		code:       code,
		newBuilder: newBuilder,
		spinLimit:  cfg.SpinLimit,
	}
}

// LookupResult is the outcome of Lookup: either a usable Interval, or a
// reason unwinding of this frame cannot proceed right now.
type LookupResult struct {
	Interval Interval
	Outcome  LookupOutcome
}

// LookupOutcome classifies why Lookup did or did not return a usable
// interval.
type LookupOutcome uint8

const (
	// LookupOK means Interval is valid and may be applied.
	LookupOK LookupOutcome = iota
	// LookupPoisoned means pc falls in a NEVER range: it is not a valid
	// code address and the caller should stop unwinding.
	LookupPoisoned
	// LookupUnmapped means no skip-list record covers pc at all. (A pc the
	// FuncBoundsOracle does not know is reported as LookupPoisoned.)
	// Caller should treat this like LookupPoisoned.
	LookupUnmapped
	// LookupBuildFailed means the architecture Builder rejected or failed
	// to analyze the function's text (e.g. ErrEmptyFunction, or the text
	// could not be read). Treated the same as LookupPoisoned by callers
	// that don't care to distinguish.
	LookupBuildFailed
)

// Lookup resolves pc to the Interval governing it, building and publishing
// the owning function's interval chain on first touch (spec.md §4.1 "Lookup
// algorithm").
//
// Lookup is async-signal-safe for the READY fast path: it takes the
// spinlock (bounded spin, never blocks indefinitely — spec.md §5 "bounded
// spin-wait... a signal handler that cannot make progress must eventually
// give up rather than spin forever"), reads one FunctionRecord, and
// releases it; the binary search over Intervals touches only already
// allocated, immutable memory. The DEFERRED → build path allocates through
// the arena and may call the external oracle/Code, so it is NOT safe to
// invoke that path from a signal handler for a function never touched
// outside one — spec.md §9 "Async-signal-safety of first touch" resolves
// this by recommending a background warm-up pass.
func (c *RecipeCache) Lookup(pc Addr) LookupResult {
	forthcomingSpins := 0
	for {
		c.lock()
		rec := c.list.inrangeFind(pc)
		if rec == nil {
			c.unlock()
			return LookupResult{Outcome: LookupUnmapped}
		}
		status := rec.Status()
		if status == StatusNever {
			c.unlock()
			if c.oracle == nil {
				return LookupResult{Outcome: LookupPoisoned}
			}
			// The catch-all poisoned record may simply never have been
			// probed before: consult the oracle, with no lock held, the
			// way ui_tree's lookup falls through to fnbounds on a miss
			// rather than trusting NEVER until the oracle has spoken.
			fstart, fend, lm, ok := c.oracle.EnclosingFunc(pc)
			if !ok {
				return LookupResult{Outcome: LookupPoisoned}
			}
			c.NotifyMap(fstart, fend, lm)
			continue
		}
		if status == StatusReady {
			iv, ok := rec.findInterval(pc)
			c.unlock()
			if !ok {
				return LookupResult{Outcome: LookupBuildFailed}
			}
			return LookupResult{Interval: iv, Outcome: LookupOK}
		}
		if status == StatusForthcoming {
			// Another goroutine is building this function's chain. Spin:
			// the build section below never blocks on this same lock, so
			// forward progress is guaranteed without deadlock, matching
			// spec.md §4.1 "a thread that loses the CAS... spins until the
			// status becomes READY". But bound the spin itself (spec.md
			// §5/§9 "a bounded spin-iteration threshold triggers
			// hpcrun_drop_sample()"): past spinLimit iterations, give up via
			// the landing pad rather than risk spinning forever on a build
			// that will never finish (e.g. the builder goroutine died).
			c.unlock()
			forthcomingSpins++
			if c.spinLimit > 0 && forthcomingSpins >= c.spinLimit {
				panic("asyncunwind: exceeded spin limit waiting for FORTHCOMING build")
			}
			if forthcomingSpins%spinYieldInterval == 0 {
				runtime.Gosched()
			}
			continue
		}
		// StatusDeferred: try to win the build.
		if !rec.casStatus(StatusDeferred, StatusForthcoming) {
			c.unlock()
			continue
		}
		start, end := rec.Start, rec.End
		c.unlock()

		iv, ok := c.build(rec, pc, start, end)
		if !ok {
			// Leave the record FORTHCOMING forever rather than risk two
			// goroutines publishing conflicting Intervals; a build failure
			// here means the binary is malformed or unreadable and no
			// retry would help (spec.md §8 "Builder failure"). Report this
			// probe as LookupBuildFailed.
			return LookupResult{Outcome: LookupBuildFailed}
		}
		return LookupResult{Interval: iv, Outcome: LookupOK}
	}
}

// build resolves a DEFERRED record's function bounds, reads its text,
// constructs its interval chain, and publishes it as READY. Called with no
// lock held: the oracle and Code calls, and the Builder itself, can take as
// long as they need and may use their own locking.
func (c *RecipeCache) build(rec *FunctionRecord, pc, start, end Addr) (Interval, bool) {
	code, ok := c.code.ReadText(start, end)
	if !ok {
		return Interval{}, false
	}
	b := c.newBuilder()
	intervals, err := b.Build(code, start)
	if err != nil {
		return Interval{}, false
	}

	c.lock()
	rec.Intervals = intervals
	rec.setStatus(StatusReady)
	c.unlock()

	return searchInterval(intervals, pc)
}

// NotifyMap registers a newly mapped load module's function as eligible for
// lazy unwind-recipe construction: it carves the DEFERRED record
// [start, end) for fn out of whatever single poisoned or deferred record
// currently spans it (spec.md §4.1 "Unpoison algorithm").
//
// The whole [start, end) range passed to NotifyMap must currently be
// covered by exactly one record (normally the all-poisoned
// [0, UINTPTR_MAX) record, or a previously unmapped range re-mapped to a
// new load module) — callers are expected to call NotifyMap once per
// function as the profiler's loader-event callback discovers it, mirroring
// the original's per-function dl_iterate_phdr-driven unpoisoning.
func (c *RecipeCache) NotifyMap(start, end Addr, lm LoadModule) *FunctionRecord {
	c.lock()
	defer c.unlock()

	old := c.list.inrangeFind(start)
	rec := c.arena.allocRecord()
	rec.Start, rec.End = start, end
	rec.LoadModule = lm
	rec.setStatus(StatusDeferred)

	if old != nil && (old.Start != start || old.End != end) {
		// Split the enclosing poisoned record into up to two remaining
		// poisoned pieces plus the new live record, per the original's
		// ui_tree unpoison routine.
		if !c.list.deleteExact(old) {
			// Lost a race; fall through and let insert's collision check
			// decide whether rec is actually needed.
		}
		if old.Start < start {
			left := c.arena.allocRecord()
			left.Start, left.End = old.Start, start
			left.setStatus(old.Status())
			c.list.insert(left)
		}
		if end < old.End {
			right := c.arena.allocRecord()
			right.Start, right.End = end, old.End
			right.setStatus(old.Status())
			c.list.insert(right)
		}
	}
	if !c.list.insert(rec) {
		c.arena.freeRecord(rec)
		return c.list.inrangeFind(start)
	}
	return rec
}

// NotifyUnmap evicts every record covering [start, end) and repoisons the
// range to StatusNever (spec.md §4.1 "Repoison algorithm"), used when a
// load module is dlclose'd.
func (c *RecipeCache) NotifyUnmap(start, end Addr) {
	c.lock()
	defer c.unlock()

	removed := c.list.deleteRangeBulk(start, end)
	for _, r := range removed {
		c.arena.freeRecord(r)
	}
	poison := c.arena.allocRecord()
	poison.Start, poison.End = start, end
	poison.setStatus(StatusNever)
	c.list.insert(poison)
}

// spinYieldInterval is how often a bounded spin calls runtime.Gosched while
// it waits, so it doesn't pure-busy-loop a whole CPU between the periodic
// checks of its own spin-iteration threshold.
const spinYieldInterval = 4096

// spinlock is a bounded test-and-test-and-set lock safe to take from a
// signal handler: unlike sync.Mutex it never parks the calling goroutine,
// it only spins, matching spec.md §5's "bounded spin-wait, never blocks
// indefinitely". A limit of 0 spins unboundedly. RecipeCache passes its
// configured spinLimit on every acquisition, including those made by
// NotifyMap and NotifyUnmap. A positive limit is the
// "last-resort timeout" of spec.md §5/§9: once exceeded, lock gives up by
// panicking rather than spinning forever, so a LandingPad.Protect call
// wrapping the critical section turns a would-be deadlock into a dropped
// sample (spec.md "a bounded spin-iteration threshold triggers
// hpcrun_drop_sample()").
type spinlock struct {
	state atomic.Uint32
}

func (s *spinlock) lock(limit int) {
	for i := 0; ; i++ {
		if s.state.Load() == 0 && s.state.CompareAndSwap(0, 1) {
			return
		}
		if limit > 0 && i >= limit {
			panic("asyncunwind: exceeded spin limit acquiring recipe cache lock")
		}
		if i%spinYieldInterval == spinYieldInterval-1 {
			runtime.Gosched()
		}
	}
}

func (s *spinlock) unlock() {
	s.state.Store(0)
}
