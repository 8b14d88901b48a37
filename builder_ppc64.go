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

import "encoding/binary"

// ppc64Builder constructs interval chains by abstract interpretation of
// fixed-width 32-bit PPC64 instructions, grounded on
// original_source/.../ppc64/ppc64-build-intervals.c. Unlike x86, PPC64 needs
// no external decoder: every instruction is 4 bytes and the handful of
// opcodes that matter to prologue analysis are matched directly against
// their primary and extended opcode fields.
type ppc64Builder struct{}

// NewPPC64Builder returns the Builder for fixed-width 32-bit PPC64 machine
// code.
func NewPPC64Builder() Builder { return ppc64Builder{} }

const (
	ppc64OpMFLR  = 31 // mflr rX: primary 31, xo 339
	ppc64XOMFLR  = 339
	ppc64XOMTLR  = 467 // mtlr rX: primary 31, xo 467
	ppc64OpSTW   = 36 // stw rX, D(r1)
	ppc64OpSTWU  = 37 // stwu rX, D(r1)
	ppc64OpSTD   = 62 // std/stdu rX, DS(r1) (low 2 bits of the DS field select update form)
	ppc64OpADDI  = 14 // addi r1, r1, SIMM
	ppc64OpOR    = 31 // or rX, rY, rY  (mr r1, rX idiom), xo 444
	ppc64XOOR    = 444
	ppc64OpLWZ   = 32 // lwz r0, D(r1)
	ppc64OpLD    = 58 // ld r0, DS(r1)
	ppc64OpBCLR  = 19 // bclr family, includes blr; xo 16
	ppc64XOBCLR  = 16
	ppc64RegR0   = 0
	ppc64RegSP   = 1
)

func ppc64Decode(word uint32) (op, xo, rt, ra, rb uint32, d int32) {
	op = word >> 26
	rt = (word >> 21) & 0x1f
	ra = (word >> 16) & 0x1f
	rb = (word >> 11) & 0x1f
	xo = (word >> 1) & 0x3ff
	d = int32(int16(word & 0xffff))
	return
}

// Build implements Builder for PPC64 (spec.md §4.2.1). It walks the
// prologue looking for the standard save-return-address /
// allocate-frame / save-back-chain sequence, tracks the running frame
// size as a constant offset once known, and records as the canonical
// recipe the one in force once the return address has been spilled to
// the stack. Every blr hands the canonical recipe to the code that
// follows it; before any spill has been seen the canonical recipe is the
// entry recipe.
func (ppc64Builder) Build(code []byte, base Addr) ([]Interval, error) {
	if len(code) == 0 {
		return nil, ErrEmptyFunction
	}
	n := len(code) / 4

	// Initial recipe at function entry: RA still in the link register,
	// no frame allocated yet.
	entry := Recipe{SPKind: SPReg, RAKind: RAReg, RAReg: ppc64RegR0 /* placeholder */, BPKind: BPUnchanged}
	entry.RAReg = Reg(ppc64LRPseudoReg)

	var intervals []Interval
	cur := entry
	start := base

	savedRAToStack := false // mflr r0 then stw/std r0 has run
	frameSize := int32(0)
	frameKnown := false
	canonical := entry // recipe once RA has been spilled to the stack

	emit := func(end Addr, next Recipe) {
		if next.Equal(cur) {
			return
		}
		intervals = append(intervals, Interval{Start: start, End: end, Recipe: cur})
		start = end
		cur = next
	}

	for i := 0; i < n; i++ {
		word := binary.BigEndian.Uint32(code[i*4 : i*4+4])
		op, xo, rt, ra, _, d := ppc64Decode(word)
		pc := base + Addr(i*4)
		next := pc + 4

		switch {
		case op == ppc64OpMFLR && xo == ppc64XOMFLR:
			// mflr r0: return address copied out of LR into r0. No SP/BP
			// change yet; RAKind stays RAReg, now tracking r0 explicitly.
			nr := cur
			nr.RAKind = RAReg
			nr.RAReg = ppc64RegR0
			emit(next, nr)

		case (op == ppc64OpSTW || op == ppc64OpSTD) && rt == ppc64RegR0 && ra == ppc64RegSP:
			// stw/std r0, D(r1): return address spilled to the stack at a
			// known offset from the (still unmoved) SP.
			savedRAToStack = true
			nr := cur
			nr.RAKind = RASPRel
			nr.RAArg = d
			canonical = nr
			emit(next, nr)

		case op == ppc64OpSTWU || (op == ppc64OpSTD && rt == ppc64RegSP && ra == ppc64RegSP):
			// stwu r1,-N(r1) or the std-update form storing the back chain
			// while simultaneously decrementing SP: frame of size -d is now
			// allocated, and the caller's SP is recoverable at
			// CurrentSP + N.
			frameSize = -d
			frameKnown = true
			nr := cur
			nr.SPKind = SPRel
			nr.SPArg = frameSize
			if savedRAToStack {
				nr.RAArg += frameSize
				canonical = nr
			}
			emit(next, nr)

		case op == ppc64OpADDI && rt == ppc64RegSP && ra == ppc64RegSP:
			// addi r1, r1, N: either the matching prologue bump (no stwu
			// seen, constant frame) or the epilogue's deallocation back to
			// the caller's frame.
			if d > 0 && frameKnown {
				// Epilogue: frame deallocated, caller's SP is the register
				// value again.
				nr := cur
				nr.SPKind = SPReg
				nr.SPArg = 0
				emit(next, nr)
			} else if d < 0 {
				frameSize = -d
				frameKnown = true
				nr := cur
				nr.SPKind = SPRel
				nr.SPArg = frameSize
				if savedRAToStack {
					nr.RAArg = frameSize + (cur.RAArg - cur.SPArg)
					canonical = nr
				}
				emit(next, nr)
			}

		case op == ppc64OpOR && xo == ppc64XOOR && rt == ppc64RegSP:
			// mr r1, rX — a variable sized (alloca) frame: the caller's SP
			// is no longer at a constant offset and must be read back
			// through the saved back-chain pointer at the new frame's base.
			nr := cur
			nr.SPKind = SPRel
			nr.SPArg = 0
			nr.Flags |= FlagFrameSizeUnknown
			emit(next, nr)

		case op == ppc64OpOR && xo == 183 && rt == ppc64RegSP && ra == ppc64RegSP:
			// stwux r1, r1, rX (primary 31, xo 183): a variable sized
			// allocation; like "mr r1, rX" the caller's SP is read back
			// through the back-chain pointer at the new frame's base.
			nr := cur
			nr.SPKind = SPRel
			nr.SPArg = 0
			nr.Flags |= FlagFrameSizeUnknown
			emit(next, nr)
			frameKnown = false

		case (op == ppc64OpLWZ || op == ppc64OpLD) && rt == ppc64RegR0 && ra == ppc64RegSP:
			// lwz/ld r0, D(r1): return address reloaded from the stack back
			// into r0 ahead of the upcoming blr (spec.md §4.2.1 "lwz r0,
			// D(r1) matching the RA slot → RA returns to REG(R0)").
			nr := cur
			nr.RAKind = RAReg
			nr.RAReg = ppc64RegR0
			emit(next, nr)

		case op == ppc64OpMFLR && xo == ppc64XOMTLR:
			// mtlr r0: the link register is restored from r0 ahead of
			// blr. RA now returns to the hardware LR itself, not r0
			// (spec.md §4.2.1 S1: "...-> REG(R0) -> REG(LR)").
			nr := cur
			nr.RAKind = RAReg
			nr.RAReg = Reg(ppc64LRPseudoReg)
			emit(next, nr)

		case op == ppc64OpBCLR && xo == ppc64XOBCLR:
			// blr: a return. Code after an interior blr gets the
			// canonical recipe, and the tracked frame state is reset to
			// match it.
			emit(next, canonical)
			savedRAToStack = canonical.RAKind == RASPRel
			frameKnown = canonical.SPKind == SPRel && canonical.Flags&FlagFrameSizeUnknown == 0
			frameSize = canonical.SPArg
		}
	}

	end := base + Addr(len(code))
	if start < end {
		intervals = append(intervals, Interval{Start: start, End: end, Recipe: cur})
	}
	intervals = coalesce(intervals)
	if err := validateCoverage(intervals, base, end); err != nil {
		return nil, err
	}
	return intervals, nil
}

// ppc64LRPseudoReg is the Reg value used to mean "the link register itself",
// distinct from r0 which is where mflr copies it to. The cursor (§4.3)
// special-cases this value: at the outermost frame the return address is
// read directly from the hardware LR rather than from a general register
// snapshot.
const ppc64LRPseudoReg Reg = 0xff
