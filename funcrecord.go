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
	"fmt"
	"sync/atomic"
)

// StatusTag is the build-lifecycle state of a FunctionRecord (spec.md §3.2).
type StatusTag int32

const (
	// StatusNever marks a poisoned range that must not be probed.
	StatusNever StatusTag = iota
	// StatusDeferred marks a record whose interval chain has not been
	// built yet.
	StatusDeferred
	// StatusForthcoming marks a record whose build is in flight on some
	// other goroutine.
	StatusForthcoming
	// StatusReady marks a record whose interval chain has been published
	// and may be searched without further synchronization.
	StatusReady
)

func (s StatusTag) String() string {
	switch s {
	case StatusNever:
		return "NEVER"
	case StatusDeferred:
		return "DEFERRED"
	case StatusForthcoming:
		return "FORTHCOMING"
	case StatusReady:
		return "READY"
	default:
		return fmt.Sprintf("StatusTag(%d)", int32(s))
	}
}

// LoadModule identifies the executable image a function belongs to. The
// core treats it as an opaque handle supplied by the function-bounds
// oracle and stores it on each record; the cache does not consult it
// (NotifyUnmap evicts by address range).
type LoadModule struct {
	ID   uint64
	Name string
}

// FunctionRecord is the per-function metadata kept in the recipe cache:
// its bounds, owning load module, build status, and — once READY — its
// interval chain (spec.md §3.2).
//
// A FunctionRecord is allocated from the cache's arena and never mutated
// except through the atomic Status field and the one-time publication of
// Intervals guarded by the status transition to StatusReady.
type FunctionRecord struct {
	Start Addr
	End   Addr

	LoadModule LoadModule

	status atomic.Int32

	// Intervals is non-nil and immutable once Status is observed as
	// StatusReady. It is never appended to or mutated in place.
	Intervals []Interval
}

// Status loads the record's build status with acquire semantics, per
// spec.md §5 ("readers must observe READY with an acquire fence").
func (f *FunctionRecord) Status() StatusTag {
	return StatusTag(f.status.Load())
}

// setStatus stores a new status. Used for unconditional transitions
// (e.g. publishing READY after the interval chain has been stored).
func (f *FunctionRecord) setStatus(s StatusTag) {
	f.status.Store(int32(s))
}

// casStatus attempts the given status transition, returning whether this
// goroutine won the race (spec.md §3.2: "Transitions DEFERRED →
// FORTHCOMING by a single thread via compare-and-set").
func (f *FunctionRecord) casStatus(from, to StatusTag) bool {
	return f.status.CompareAndSwap(int32(from), int32(to))
}

// Contains reports whether pc falls within the function's bounds.
func (f *FunctionRecord) Contains(pc Addr) bool {
	return f.Start <= pc && pc < f.End
}

// poisoned reports whether this record marks an unprobeable range.
func (f *FunctionRecord) poisoned() bool {
	return f.Status() == StatusNever
}

// findInterval binary-searches the function's published interval chain for
// the interval containing pc. Only valid to call once Status is READY.
func (f *FunctionRecord) findInterval(pc Addr) (Interval, bool) {
	return searchInterval(f.Intervals, pc)
}
