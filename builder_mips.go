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

// mipsBuilder constructs interval chains for MIPS64, grounded on
// original_source/.../mips/mips-build-intervals.c. Like PPC64, MIPS
// instructions are fixed-width (4 bytes) and decoded directly; no external
// decoder collaborator is needed.
type mipsBuilder struct{}

// NewMIPSBuilder returns the Builder for fixed-width 32-bit MIPS64 machine
// code.
func NewMIPSBuilder() Builder { return mipsBuilder{} }

const (
	mipsOpDADDIU = 0x19 // daddiu rt, rs, imm
	mipsOpSD     = 0x3b // sd rt, offset(base)
	mipsOpLD     = 0x37 // ld rt, offset(base)
	mipsOpSPECIAL = 0x00
	mipsFnJR     = 0x08 // jr rs (SPECIAL funct field)
	mipsFnOR     = 0x25 // or rd, rs, rt (move rd, rs idiom when rt == zero)
	mipsFnDSUBU  = 0x2f // dsubu rd, rs, rt
	mipsRegSP    = 29
	mipsRegRA    = 31
	mipsRegZero  = 0
	mipsRegV0    = 2
	mipsRegFP    = 30
)

func mipsDecode(word uint32) (op, rs, rt, rd, fn uint32, imm int32) {
	op = word >> 26
	rs = (word >> 21) & 0x1f
	rt = (word >> 16) & 0x1f
	rd = (word >> 11) & 0x1f
	fn = word & 0x3f
	imm = int32(int16(word & 0xffff))
	return
}

// Build implements Builder for MIPS64 (spec.md §4.2.2, scenario S3). It
// recognizes the daddiu-sp / sd-ra / [alloca via "move fp,sp"] / ld-ra /
// jr-ra prologue-epilogue pattern, including the FlagFPInV0 frame-pointer
// relocation used by variable sized frames while an alloca result is still
// live in v0 rather than yet spilled.
func (mipsBuilder) Build(code []byte, base Addr) ([]Interval, error) {
	if len(code) == 0 {
		return nil, ErrEmptyFunction
	}
	n := len(code) / 4

	entry := Recipe{SPKind: SPReg, RAKind: RAReg, RAReg: mipsRegRA, BPKind: BPUnchanged}
	var intervals []Interval
	cur := entry
	start := base

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
		op, rs, rt, rd, fn, imm := mipsDecode(word)
		pc := base + Addr(i*4)
		next := pc + 4

		switch {
		case op == mipsOpDADDIU && rt == mipsRegSP && rs == mipsRegSP:
			// daddiu sp, sp, ±N: frame allocation (negative) or
			// deallocation (positive) of a constant-size frame.
			if imm < 0 {
				frameSize = -imm
				frameKnown = true
				nr := cur
				nr.SPKind = SPRel
				nr.SPArg = frameSize
				emit(next, nr)
			} else if frameKnown {
				nr := cur
				nr.SPKind = SPReg
				nr.SPArg = 0
				emit(next, nr)
			}

		case op == mipsOpSPECIAL && fn == mipsFnDSUBU && rd == mipsRegSP && rs == mipsRegSP:
			// dsubu sp, sp, vN: a variable sized (alloca) frame built from a
			// register operand rather than a compile-time constant. Like
			// PPC64's "mr r1, rX" idiom, the caller's SP is no longer at a
			// fixed offset and must be recovered through the back-chain
			// pointer saved at the new frame's base.
			nr := cur
			nr.SPKind = SPRel
			nr.SPArg = 0
			nr.Flags |= FlagFrameSizeUnknown
			emit(next, nr)
			frameKnown = false

		case op == mipsOpSD && rt == mipsRegRA && rs == mipsRegSP:
			// sd ra, D(sp): return address spilled to the stack.
			nr := cur
			nr.RAKind = RASPRel
			nr.RAArg = imm
			canonical = nr
			emit(next, nr)

		case op == mipsOpLD && rt == mipsRegRA && rs == mipsRegSP:
			// ld ra, D(sp): epilogue reload, recipe already reflects this.

		case op == mipsOpSPECIAL && fn == mipsFnOR && rt == mipsRegZero && rd == mipsRegFP:
			// move fp, sp (or rd, sp, zero): a frame-pointer snapshot ahead
			// of a variable sized allocation. The builder records that BP
			// now shadows the pre-alloca SP.
			nr := cur
			nr.BPKind = BPSaved
			nr.BPArg = 0
			emit(next, nr)

		case op == mipsOpSPECIAL && fn == mipsFnOR && rd == mipsRegV0:
			// A variable sized frame's pointer is temporarily carried in
			// v0 before being spilled; mark it so the cursor knows not to
			// trust BPSaved's memory read until the spill completes.
			nr := cur
			nr.Flags |= FlagFPInV0
			emit(next, nr)

		case op == mipsOpSPECIAL && fn == mipsFnJR && rs == mipsRegRA:
			// jr ra: a return. Any trailing code gets the canonical recipe
			// recorded at the sd ra spill (the entry recipe if none has
			// been seen), and the tracked frame state is reset to match.
			emit(next, canonical)
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
