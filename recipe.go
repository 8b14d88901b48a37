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

// Package asyncunwind implements the asynchronous stack-unwinding subsystem
// of a statistical call-path profiler: a concurrent cache of unwind recipes
// keyed by program counter, the per-architecture builders that derive those
// recipes from a function's machine code, and a cursor state machine that
// applies them one frame at a time.
package asyncunwind

import "fmt"

// Addr is a program counter or stack address in the profiled process. It is
// kept distinct from a Go pointer because the unwinder never dereferences
// its own memory: every read goes through a Memory implementation.
type Addr uint64

// SPKind describes how a recipe derives the caller's stack pointer.
type SPKind uint8

const (
	// SPReg means the parent's SP equals the current SP register: no frame
	// has been allocated yet at this PC.
	SPReg SPKind = iota
	// SPRel means the parent's SP is at CurrentSP + SPArg.
	SPRel
)

func (k SPKind) String() string {
	switch k {
	case SPReg:
		return "SP_REG"
	case SPRel:
		return "SP_REL"
	default:
		return fmt.Sprintf("SPKind(%d)", uint8(k))
	}
}

// RAKind describes where a recipe finds the caller's return address.
type RAKind uint8

const (
	// RAReg means the return address is in a named register (valid only
	// when applied to the top frame of an unwind).
	RAReg RAKind = iota
	// RASPRel means the return address is at CurrentSP + RAArg.
	RASPRel
	// RABPRel means the return address is at CurrentBP + RAArg.
	RABPRel
	// RABPFrame means the return address follows the standard linkage
	// convention relative to BP (i.e. at BP + one machine word).
	RABPFrame
)

func (k RAKind) String() string {
	switch k {
	case RAReg:
		return "RA_REG"
	case RASPRel:
		return "RA_SP_REL"
	case RABPRel:
		return "RA_BP_REL"
	case RABPFrame:
		return "RA_BP_FRAME"
	default:
		return fmt.Sprintf("RAKind(%d)", uint8(k))
	}
}

// BPKind describes how a recipe derives the caller's base pointer.
type BPKind uint8

const (
	// BPUnchanged means the parent's BP equals the current BP register.
	BPUnchanged BPKind = iota
	// BPSaved means the parent's BP was spilled at a known offset.
	BPSaved
	// BPHosed means the parent's BP is unrecoverable from this frame.
	BPHosed
)

func (k BPKind) String() string {
	switch k {
	case BPUnchanged:
		return "BP_UNCHANGED"
	case BPSaved:
		return "BP_SAVED"
	case BPHosed:
		return "BP_HOSED"
	default:
		return fmt.Sprintf("BPKind(%d)", uint8(k))
	}
}

// RecipeFlags carries architecture-specific bits that refine how a recipe
// is interpreted beyond its three kinds.
type RecipeFlags uint8

const (
	// FlagFrameSizeUnknown marks a PPC64/MIPS frame built with a variable
	// sized allocation (stwux / alloca): the caller's SP must be read
	// through memory rather than computed from a constant offset.
	FlagFrameSizeUnknown RecipeFlags = 1 << iota
	// FlagFPInV0 marks a MIPS frame pointer value currently held in V0
	// rather than spilled to memory.
	FlagFPInV0
	// FlagRAInReg marks that, despite an SP/BP-relative frame, the return
	// address for this interval is still carried in a register. No builder
	// in this package sets it, and the cursor does not read it.
	FlagRAInReg
)

// Reg identifies an architecture register: the register a RAReg recipe
// names (Recipe.RAReg), and the register operand of a decoded x86
// instruction (Operand.Reg).
type Reg uint8

// Recipe is the immutable description of how to recover a caller's frame
// from the current one, constant across an entire Interval (spec.md §3.1).
type Recipe struct {
	SPKind SPKind
	RAKind RAKind
	BPKind BPKind

	SPArg int32
	BPArg int32
	RAArg int32

	RAReg Reg
	Flags RecipeFlags
}

// Equal reports whether two recipes describe the same unwind behavior,
// used to coalesce adjacent intervals (spec.md §3.1 invariants).
func (r Recipe) Equal(o Recipe) bool {
	return r.SPKind == o.SPKind && r.RAKind == o.RAKind && r.BPKind == o.BPKind &&
		r.SPArg == o.SPArg && r.BPArg == o.BPArg && r.RAArg == o.RAArg &&
		r.RAReg == o.RAReg && r.Flags == o.Flags
}

// Interval is a half-open PC range paired with the recipe that applies to
// every address within it.
type Interval struct {
	Start  Addr
	End    Addr
	Recipe Recipe
}

// Contains reports whether pc lies within the interval's half-open range.
func (iv Interval) Contains(pc Addr) bool {
	return iv.Start <= pc && pc < iv.End
}
