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
	"encoding/binary"
	"testing"
)

func mipsIWord(op, rs, rt uint32, imm int32) []byte {
	word := op<<26 | rs<<21 | rt<<16 | uint32(uint16(imm))
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, word)
	return b
}

func mipsRWord(rs, rt, rd, fn uint32) []byte {
	word := mipsOpSPECIAL<<26 | rs<<21 | rt<<16 | rd<<11 | fn
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, word)
	return b
}

func mipsAsm(words ...[]byte) []byte {
	var out []byte
	for _, w := range words {
		out = append(out, w...)
	}
	return out
}

// TestMIPSBuilderLeafFunction encodes scenario S3: a leaf with no frame
// allocation at all, just an immediate jr ra. The whole function must be a
// single interval with the return address still in the RA register.
func TestMIPSBuilderLeafFunction(t *testing.T) {
	code := mipsAsm(
		mipsRWord(mipsRegRA, 0, 0, mipsFnJR), // jr ra
	)

	intervals, err := (mipsBuilder{}).Build(code, 0x4000)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := validateCoverage(intervals, 0x4000, 0x4000+Addr(len(code))); err != nil {
		t.Fatalf("coverage invariant violated: %v", err)
	}
	if len(intervals) != 1 {
		t.Fatalf("leaf function produced %d intervals, want 1", len(intervals))
	}
	r := intervals[0].Recipe
	if r.SPKind != SPReg {
		t.Errorf("leaf SPKind = %v, want SPReg", r.SPKind)
	}
	if r.RAKind != RAReg || r.RAReg != mipsRegRA {
		t.Errorf("leaf RAKind/RAReg = %v/%d, want RAReg/%d", r.RAKind, r.RAReg, mipsRegRA)
	}
}

// TestMIPSBuilderStandardFrame encodes a fixed-size frame: daddiu sp,sp,-32;
// sd ra,24(sp); ... ; ld ra,24(sp); daddiu sp,sp,32; jr ra.
func TestMIPSBuilderStandardFrame(t *testing.T) {
	code := mipsAsm(
		mipsIWord(mipsOpDADDIU, mipsRegSP, mipsRegSP, -32), // daddiu sp,sp,-32
		mipsIWord(mipsOpSD, mipsRegSP, mipsRegRA, 24),      // sd ra,24(sp)
		mipsIWord(mipsOpLD, mipsRegSP, mipsRegRA, 24),      // ld ra,24(sp)
		mipsIWord(mipsOpDADDIU, mipsRegSP, mipsRegSP, 32),  // daddiu sp,sp,32
		mipsRWord(mipsRegRA, 0, 0, mipsFnJR),               // jr ra
	)

	intervals, err := (mipsBuilder{}).Build(code, 0x5000)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := validateCoverage(intervals, 0x5000, 0x5000+Addr(len(code))); err != nil {
		t.Fatalf("coverage invariant violated: %v", err)
	}
	for i := 1; i < len(intervals); i++ {
		if intervals[i-1].Recipe.Equal(intervals[i].Recipe) {
			t.Fatalf("adjacent intervals %d and %d have equal recipes, should be coalesced", i-1, i)
		}
	}

	afterSdPC := Addr(0x5000 + 8) // the instruction after sd, where the spill is in effect
	iv, ok := searchInterval(intervals, afterSdPC)
	if !ok {
		t.Fatalf("no interval covers the instruction after sd")
	}
	if iv.Recipe.SPKind != SPRel || iv.Recipe.SPArg != 32 {
		t.Errorf("after sd: SPKind/SPArg = %v/%d, want SPRel/32", iv.Recipe.SPKind, iv.Recipe.SPArg)
	}
	if iv.Recipe.RAKind != RASPRel || iv.Recipe.RAArg != 24 {
		t.Errorf("after sd: RAKind/RAArg = %v/%d, want RASPRel/24", iv.Recipe.RAKind, iv.Recipe.RAArg)
	}

	entry := intervals[0]
	if entry.Recipe.SPKind != SPReg {
		t.Errorf("entry interval SPKind = %v, want SPReg", entry.Recipe.SPKind)
	}
	last := intervals[len(intervals)-1]
	if last.Recipe.SPKind != SPReg {
		t.Errorf("final interval SPKind = %v, want SPReg", last.Recipe.SPKind)
	}
}

// TestMIPSBuilderFramePointerIdiom exercises the "move fp,sp" /
// FlagFPInV0 path used ahead of a variable sized allocation.
func TestMIPSBuilderFramePointerIdiom(t *testing.T) {
	code := mipsAsm(
		mipsIWord(mipsOpDADDIU, mipsRegSP, mipsRegSP, -16), // daddiu sp,sp,-16
		mipsRWord(mipsRegSP, 0, mipsRegFP, mipsFnOR),       // or fp,sp,zero  (move fp,sp)
		mipsRWord(mipsRegSP, 0, mipsRegV0, mipsFnOR),       // or v0,sp,zero  (alloca pointer staged in v0)
		mipsRWord(mipsRegRA, 0, 0, mipsFnJR),               // jr ra
	)

	intervals, err := (mipsBuilder{}).Build(code, 0x6000)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := validateCoverage(intervals, 0x6000, 0x6000+Addr(len(code))); err != nil {
		t.Fatalf("coverage invariant violated: %v", err)
	}

	var sawFPSaved, sawFPInV0 bool
	for _, iv := range intervals {
		if iv.Recipe.BPKind == BPSaved {
			sawFPSaved = true
		}
		if iv.Recipe.Flags&FlagFPInV0 != 0 {
			sawFPInV0 = true
		}
	}
	if !sawFPSaved {
		t.Errorf("expected an interval with BPKind == BPSaved after the move fp,sp idiom")
	}
	if !sawFPInV0 {
		t.Errorf("expected an interval with FlagFPInV0 set after the alloca pointer lands in v0")
	}
}

// TestMIPSBuilderDsubuAlloca encodes the "dsubu sp,sp,vN" variable sized
// alloca idiom directly (as opposed to the fp/v0 staging instructions
// TestMIPSBuilderFramePointerIdiom exercises around it) and checks that it
// alone is enough to mark the frame size unknown.
func TestMIPSBuilderDsubuAlloca(t *testing.T) {
	code := mipsAsm(
		mipsIWord(mipsOpDADDIU, mipsRegSP, mipsRegSP, -16), // daddiu sp,sp,-16
		mipsRWord(mipsRegSP, mipsRegV0, mipsRegSP, mipsFnDSUBU), // dsubu sp,sp,v0
		mipsRWord(mipsRegRA, 0, 0, mipsFnJR),               // jr ra
	)

	intervals, err := (mipsBuilder{}).Build(code, 0x8000)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := validateCoverage(intervals, 0x8000, 0x8000+Addr(len(code))); err != nil {
		t.Fatalf("coverage invariant violated: %v", err)
	}

	afterDsubuPC := Addr(0x8000 + 8) // the instruction after dsubu
	iv, ok := searchInterval(intervals, afterDsubuPC)
	if !ok {
		t.Fatalf("no interval covers the instruction after dsubu")
	}
	if iv.Recipe.Flags&FlagFrameSizeUnknown == 0 {
		t.Errorf("expected FlagFrameSizeUnknown set after dsubu sp,sp,vN")
	}
	if iv.Recipe.SPKind != SPRel || iv.Recipe.SPArg != 0 {
		t.Errorf("after dsubu: SPKind/SPArg = %v/%d, want SPRel/0", iv.Recipe.SPKind, iv.Recipe.SPArg)
	}
}

func TestMIPSBuilderRejectsEmptyFunction(t *testing.T) {
	if _, err := (mipsBuilder{}).Build(nil, 0x7000); err != ErrEmptyFunction {
		t.Fatalf("Build(nil) error = %v, want ErrEmptyFunction", err)
	}
}
