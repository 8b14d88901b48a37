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

// x86Builder constructs interval chains for x86-64 by abstract
// interpretation of a variable-width instruction stream, grounded on
// original_source/.../x86-family/x86-build-intervals.c (spec.md §4.2.3,
// scenario S4). Unlike PPC64/MIPS, it needs an external InstructionDecoder
// since x86 has no fixed instruction width.
//
// x86Builder computes the interval chain as if the function were a
// straight-line prologue/epilogue, tracking a running SP offset it calls
// the "high-water mark": push rbp and sub rsp raise it, add rsp lowers it
// (never below zero), ret resets it to zero, and pop rbp and leave leave it
// unchanged. After the scan, fixupHighWaterMark runs with the mark's final
// value; since ret resets the mark, that pass changes nothing when the scan
// ends with a ret. Branches that re-enter the prologue out of order are not
// otherwise modelled.
type x86Builder struct {
	Decoder InstructionDecoder
}

// NewX86Builder returns the Builder for variable-width x86-64 machine
// code, backed by the given instruction decoder.
func NewX86Builder(decoder InstructionDecoder) Builder {
	return x86Builder{Decoder: decoder}
}

// Build implements Builder for x86-64.
func (b x86Builder) Build(code []byte, base Addr) ([]Interval, error) {
	if len(code) == 0 {
		return nil, ErrEmptyFunction
	}
	if b.Decoder == nil {
		return nil, ErrNoDecoder
	}

	entry := Recipe{SPKind: SPReg, RAKind: RASPRel, RAArg: 8, BPKind: BPUnchanged}
	var intervals []Interval
	cur := entry
	start := base
	pos := 0

	highWater := int32(0)
	bpFrame := false // standard push-rbp/mov-rbp,rsp frame established

	emit := func(end Addr, next Recipe) {
		if next.Equal(cur) {
			return
		}
		intervals = append(intervals, Interval{Start: start, End: end, Recipe: cur})
		start = end
		cur = next
	}

	for pos < len(code) {
		pc := base + Addr(pos)
		inst, ok := b.Decoder.Decode(code[pos:])
		if !ok {
			// Decode failure: advance by one byte and keep the current
			// recipe in force, per spec.md §4.2 ("on x86 decode failure").
			pos++
			continue
		}
		length := inst.Length
		if length <= 0 {
			length = 1
		}
		next := pc + Addr(length)

		switch inst.Class {
		case OpPushBP:
			// push rbp: rsp decreases by 8 and the caller's rbp is spilled
			// at the new top of stack.
			highWater += 8
			nr := cur
			nr.SPKind = SPRel
			nr.SPArg = highWater
			nr.RAArg = highWater + 8
			if bpFrame {
				nr.BPArg = 0
			}
			emit(next, nr)

		case OpMovBPSP:
			// mov rbp, rsp: canonical frame pointer established; BP now
			// recovers via the standard linkage convention.
			bpFrame = true
			nr := cur
			nr.BPKind = BPSaved
			nr.BPArg = -highWater
			nr.RAKind = RABPFrame
			emit(next, nr)

		case OpSubSP:
			highWater += inst.Operand.Imm
			nr := cur
			nr.SPKind = SPRel
			nr.SPArg = highWater
			nr.RAArg = highWater + 8
			if bpFrame {
				nr.BPArg = cur.BPArg - inst.Operand.Imm
			}
			emit(next, nr)

		case OpAddSP:
			highWater -= inst.Operand.Imm
			if highWater < 0 {
				highWater = 0
			}
			nr := cur
			if highWater == 0 && !bpFrame {
				nr.SPKind = SPReg
				nr.SPArg = 0
				nr.RAArg = 8
			} else {
				nr.SPKind = SPRel
				nr.SPArg = highWater
				nr.RAArg = highWater + 8
			}
			emit(next, nr)

		case OpMovSPBP:
			// mov rsp, rbp: deallocates down to the saved frame pointer,
			// ahead of a pop rbp.
			nr := cur
			nr.SPKind = SPRel
			nr.SPArg = -cur.BPArg
			emit(next, nr)

		case OpPopBP:
			nr := cur
			nr.SPArg -= 8
			if nr.SPArg <= 0 {
				nr.SPKind = SPReg
				nr.SPArg = 0
			}
			nr.RAArg = 8
			nr.BPKind = BPUnchanged
			emit(next, nr)

		case OpLeave:
			// leave == mov rsp,rbp; pop rbp, collapsed to one instruction.
			nr := cur
			nr.SPKind = SPReg
			nr.SPArg = 0
			nr.RAArg = 8
			nr.BPKind = BPUnchanged
			emit(next, nr)

		case OpRet:
			// Interior return: past this point a fresh epilogue-free region
			// begins (spec.md §4.2 "multiple epilogues").
			emit(next, entry)
			highWater = 0
			bpFrame = false
		}

		pos += length
	}

	end := base + Addr(len(code))
	if start < end {
		intervals = append(intervals, Interval{Start: start, End: end, Recipe: cur})
	}
	intervals = fixupHighWaterMark(intervals, highWater)
	intervals = coalesce(intervals)
	if err := validateCoverage(intervals, base, end); err != nil {
		return nil, err
	}
	return intervals, nil
}

// fixupHighWaterMark raises every SPRel interval whose non-zero SPArg is
// smaller than mark up to mark, shifting its RAArg by the same amount.
// Neighbouring intervals are not consulted, and SPReg intervals and SPRel
// intervals with a zero offset are left as they are. A mark of zero or
// less leaves the chain unchanged.
func fixupHighWaterMark(intervals []Interval, mark int32) []Interval {
	if mark <= 0 {
		return intervals
	}
	for i := range intervals {
		r := &intervals[i].Recipe
		if r.SPKind == SPRel && r.SPArg > 0 && r.SPArg < mark {
			r.RAArg += mark - r.SPArg
			r.SPArg = mark
		}
	}
	return intervals
}
