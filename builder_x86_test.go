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

// fakeDecoder maps single marker bytes to DecodedInst values, standing in
// for a real x86 decoder so the builder's abstract interpretation can be
// exercised without a full instruction table. Markers carrying an immediate
// (sub/add rsp) are two bytes: the marker followed by the raw int32 low
// byte as the displacement.
type fakeDecoder struct{}

const (
	mPushBP  = 0xB0
	mMovBPSP = 0xB1
	mSubSP   = 0xB2
	mAddSP   = 0xB3
	mMovSPBP = 0xB4
	mPopBP   = 0xB5
	mLeave   = 0xB6
	mRet     = 0xB7
	mNop     = 0xB8
)

func (fakeDecoder) Decode(code []byte) (DecodedInst, bool) {
	if len(code) == 0 {
		return DecodedInst{}, false
	}
	switch code[0] {
	case mPushBP:
		return DecodedInst{Class: OpPushBP, Length: 1}, true
	case mMovBPSP:
		return DecodedInst{Class: OpMovBPSP, Length: 1}, true
	case mSubSP:
		if len(code) < 2 {
			return DecodedInst{}, false
		}
		return DecodedInst{Class: OpSubSP, Operand: Operand{Imm: int32(code[1])}, Length: 2}, true
	case mAddSP:
		if len(code) < 2 {
			return DecodedInst{}, false
		}
		return DecodedInst{Class: OpAddSP, Operand: Operand{Imm: int32(code[1])}, Length: 2}, true
	case mMovSPBP:
		return DecodedInst{Class: OpMovSPBP, Length: 1}, true
	case mPopBP:
		return DecodedInst{Class: OpPopBP, Length: 1}, true
	case mLeave:
		return DecodedInst{Class: OpLeave, Length: 1}, true
	case mRet:
		return DecodedInst{Class: OpRet, Length: 1}, true
	case mNop:
		return DecodedInst{Class: OpOther, Length: 1}, true
	default:
		return DecodedInst{}, false
	}
}

// TestX86BuilderStandardFrame encodes scenario S4: push rbp; mov rbp,rsp;
// sub rsp,0x40; <body>; leave; ret.
func TestX86BuilderStandardFrame(t *testing.T) {
	code := []byte{
		mPushBP,
		mMovBPSP,
		mSubSP, 0x40,
		mNop,
		mLeave,
		mRet,
	}

	b := NewX86Builder(fakeDecoder{})
	intervals, err := b.Build(code, 0x8000)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := validateCoverage(intervals, 0x8000, 0x8000+Addr(len(code))); err != nil {
		t.Fatalf("coverage invariant violated: %v", err)
	}
	for i := 1; i < len(intervals); i++ {
		if intervals[i-1].Recipe.Equal(intervals[i].Recipe) {
			t.Fatalf("adjacent intervals %d and %d have equal recipes, should be coalesced", i-1, i)
		}
	}

	entry := intervals[0]
	if entry.Recipe.SPKind != SPReg || entry.Recipe.RAKind != RASPRel || entry.Recipe.RAArg != 8 {
		t.Errorf("entry recipe = %+v, want SPReg/RASPRel(8)", entry.Recipe)
	}

	// Body (the nop) must see the full 0x40+8 byte frame with a BP-relative
	// return address, since mov rbp,rsp ran before the sub.
	nopPC := Addr(0x8000 + 4)
	iv, ok := searchInterval(intervals, nopPC)
	if !ok {
		t.Fatalf("no interval covers the body instruction")
	}
	if iv.Recipe.BPKind != BPSaved || iv.Recipe.RAKind != RABPFrame {
		t.Errorf("at body: BPKind/RAKind = %v/%v, want BPSaved/RABPFrame", iv.Recipe.BPKind, iv.Recipe.RAKind)
	}

	last := intervals[len(intervals)-1]
	if last.Recipe.SPKind != SPReg || last.Recipe.RAArg != 8 {
		t.Errorf("final recipe = %+v, want SPReg with RAArg 8 (frame torn down)", last.Recipe)
	}
}

func TestX86BuilderRejectsEmptyFunction(t *testing.T) {
	b := NewX86Builder(fakeDecoder{})
	if _, err := b.Build(nil, 0x9000); err != ErrEmptyFunction {
		t.Fatalf("Build(nil) error = %v, want ErrEmptyFunction", err)
	}
}

func TestX86BuilderRequiresDecoder(t *testing.T) {
	b := NewX86Builder(nil)
	if _, err := b.Build([]byte{mRet}, 0x9000); err != ErrNoDecoder {
		t.Fatalf("Build with nil decoder error = %v, want ErrNoDecoder", err)
	}
}

func TestX86BuilderAdvancesPastDecodeFailure(t *testing.T) {
	code := []byte{0xFF, mRet}
	b := NewX86Builder(fakeDecoder{})
	intervals, err := b.Build(code, 0xA000)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := validateCoverage(intervals, 0xA000, 0xA000+Addr(len(code))); err != nil {
		t.Fatalf("coverage invariant violated despite the leading undecodable byte: %v", err)
	}
}
