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

// FrameFlags carries per-frame bits the cursor tracks across Step calls.
type FrameFlags uint8

const (
	// FlagTopFrame marks the frame Init produced, or a frame freshly
	// recovered from a signal trampoline (spec.md §4.3: "mark the new
	// frame TOP_FRAME"). Only a TopFrame's RA may legitimately be read
	// from a register rather than memory.
	FlagTopFrame FrameFlags = 1 << iota
)

// StepResult is the verdict of one Cursor.Step call (spec.md §4.3, §7).
type StepResult uint8

const (
	// StepOK means the frame advanced and cursor now describes the
	// caller.
	StepOK StepResult = iota
	// StepStop means the outermost frame or the stack bottom was reached;
	// the chain terminated cleanly.
	StepStop
	// StepError means no progress was possible (next_sp <= sp) or the
	// stack-troller failed to find a plausible recovery point.
	StepError
	// StepTroll means the stack-troller had to scan for a recovery point;
	// the chain is still usable but its quality is degraded.
	StepTroll
	// StepFault means a memory read inside Step failed catastrophically
	// enough that the caller should treat the sample as dropped. Routed
	// through the Memory interface's ok=false rather than an actual
	// process fault in this port; see landingpad.go for the
	// signal-safety discussion.
	StepFault
)

func (r StepResult) String() string {
	switch r {
	case StepOK:
		return "OK"
	case StepStop:
		return "STOP"
	case StepError:
		return "ERROR"
	case StepTroll:
		return "TROLL"
	case StepFault:
		return "FAULT"
	default:
		return "UNKNOWN"
	}
}

// Cursor is the mutable per-unwind handle (spec.md §3.4). One instance per
// in-progress unwind; callers create a fresh Cursor per sample and never
// share one across goroutines.
type Cursor struct {
	PC Addr
	SP Addr
	BP Addr
	RA Addr

	Interval Interval
	Function LoadModule

	Flags FrameFlags

	cache *RecipeCache
	mem   Memory
	regs  RegisterFile
	rt    RuntimeCollaborator
	tramp TrampolineRecognizer
}

// NewCursor binds a Cursor to the collaborators it needs for the lifetime
// of one unwind: the recipe cache, the sampled process's memory, the
// runtime's outermost-frame/stack-bottom predicate, and the trampoline
// recognizer. tramp may be nil if the platform never interrupts the
// unwinder's own architecture with its own trampoline ABI within scope.
func NewCursor(cache *RecipeCache, mem Memory, rt RuntimeCollaborator, tramp TrampolineRecognizer) *Cursor {
	return &Cursor{cache: cache, mem: mem, rt: rt, tramp: tramp}
}

// Init extracts PC/SP/BP from regs and looks up the top frame's interval,
// reading RA from the register file if the recipe says ra_kind = REG(r)
// (spec.md §4.3 "init").
func (c *Cursor) Init(snapshot Registers, regs RegisterFile) error {
	c.PC, c.SP, c.BP, c.RA = snapshot.PC, snapshot.SP, snapshot.BP, snapshot.RA
	c.regs = regs
	c.Flags = FlagTopFrame

	res := c.cache.Lookup(c.PC)
	if res.Outcome != LookupOK {
		return errInitUnresolved
	}
	c.Interval = res.Interval
	if c.Interval.Recipe.RAKind == RAReg && regs != nil {
		c.RA = regs.Reg(c.Interval.Recipe.RAReg)
	}
	return nil
}

// Step advances the cursor to the caller's frame (spec.md §4.3 "step").
func (c *Cursor) Step() StepResult {
	// 1. Stop conditions, checked first.
	if c.rt != nil && c.rt.InOutermostFrame(c.PC) {
		return StepStop
	}
	if c.rt != nil && c.SP >= c.rt.StackBottom() {
		return StepStop
	}

	r := c.Interval.Recipe

	// 2. Compute next SP.
	nextSP, ok := c.computeNextSP(r)
	if !ok {
		return StepFault
	}

	// 3. Compute next PC (return address).
	nextPC, nextRA, ok := c.computeNextPC(r)
	if !ok {
		return StepFault
	}

	// 4. Progress invariant.
	topFrameRegSP := r.SPKind == SPReg && c.Flags&FlagTopFrame != 0
	if !topFrameRegSP && nextSP <= c.SP {
		return StepError
	}

	// 5. Look up the caller's interval; recover via skip-frame or troll on
	// miss.
	result := StepOK
	next := c.cache.Lookup(nextPC)
	if next.Outcome != LookupOK {
		recoveredSP, recoveredPC, trolled, recOK := c.recover(nextSP)
		if !recOK {
			return StepError
		}
		nextSP, nextPC = recoveredSP, recoveredPC
		next = c.cache.Lookup(nextPC)
		if next.Outcome != LookupOK {
			return StepError
		}
		if trolled {
			result = StepTroll
		}
	}

	nextBP, ok := c.computeNextBP(r, nextSP)
	if !ok {
		return StepFault
	}

	newFlags := FrameFlags(0)
	// 6. Signal-trampoline detection.
	if c.tramp != nil {
		if snapshot, found := c.tramp.RecognizeTrampoline(nextPC, c.mem); found {
			nextPC, nextSP, nextBP, nextRA = snapshot.PC, snapshot.SP, snapshot.BP, snapshot.RA
			next = c.cache.Lookup(nextPC)
			if next.Outcome != LookupOK {
				return StepError
			}
			newFlags |= FlagTopFrame
		}
	}

	c.PC, c.SP, c.BP, c.RA = nextPC, nextSP, nextBP, nextRA
	c.Interval = next.Interval
	c.Flags = newFlags
	return result
}

var errInitUnresolved = &cursorError{"initial PC not in a known function"}

type cursorError struct{ msg string }

func (e *cursorError) Error() string { return e.msg }

// computeNextSP derives the caller's SP per sp_kind (spec.md §4.3 step 2).
func (c *Cursor) computeNextSP(r Recipe) (Addr, bool) {
	switch r.SPKind {
	case SPReg:
		return c.SP, true
	case SPRel:
		if r.Flags&FlagFrameSizeUnknown != 0 {
			// Variable sized frame: the caller's SP was spilled as a back
			// chain pointer at the current SP (PPC64 "mr r1, rX" / stwux
			// idiom) rather than recoverable from a constant offset.
			return c.mem.ReadAddr(c.SP)
		}
		return c.SP + Addr(r.SPArg), true
	default:
		return 0, false
	}
}

// computeNextPC derives the caller's return address per ra_kind (spec.md
// §4.3 step 3). It also returns the value to carry forward as the new
// cursor's RA, used only if the caller's own recipe later turns out to be
// RAReg (top-frame-only case, which cannot happen for a just-unwound
// interior frame, but kept symmetric with Init for signal-trampoline
// recovery which re-marks the frame TopFrame).
func (c *Cursor) computeNextPC(r Recipe) (pc, ra Addr, ok bool) {
	switch r.RAKind {
	case RAReg:
		if c.Flags&FlagTopFrame == 0 {
			// Bug indicator per spec.md §4.3 step 3: an interior frame
			// claiming its RA lives in a register. Attempt recovery by
			// reading the standard linkage slot instead of trusting a
			// stale register value.
			v, ok := c.mem.ReadAddr(c.BP + Addr(addrSize))
			return v, v, ok
		}
		return c.RA, c.RA, true
	case RASPRel:
		v, ok := c.mem.ReadAddr(c.SP + Addr(r.RAArg))
		return v, v, ok
	case RABPRel:
		v, ok := c.mem.ReadAddr(c.BP + Addr(r.RAArg))
		return v, v, ok
	case RABPFrame:
		v, ok := c.mem.ReadAddr(c.BP + Addr(addrSize))
		return v, v, ok
	default:
		return 0, 0, false
	}
}

// computeNextBP derives the caller's BP per bp_kind.
func (c *Cursor) computeNextBP(r Recipe, nextSP Addr) (Addr, bool) {
	switch r.BPKind {
	case BPUnchanged:
		return c.BP, true
	case BPSaved:
		return c.mem.ReadAddr(c.BP + Addr(r.BPArg))
	case BPHosed:
		return 0, true
	default:
		return 0, false
	}
}

// addrSize is the machine word size used by the BP linkage convention
// (return address immediately above the saved frame pointer).
const addrSize = 8
