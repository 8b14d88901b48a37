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

// OpcodeClass is the classification of a decoded x86 instruction that
// matters to the interval builder (spec.md §4.2.3): push/pop rbp, rsp
// arithmetic, mov between rsp/rbp, ret, and indirect jumps. Everything
// else classifies as OpOther and only advances the scan.
type OpcodeClass uint8

const (
	OpOther OpcodeClass = iota
	OpPushBP
	OpPopBP
	OpSubSP  // sub rsp, imm
	OpAddSP  // add rsp, imm
	OpMovBPSP // mov rbp, rsp
	OpMovSPBP // mov rsp, rbp
	OpLeave
	OpRet
	OpIndirectJump
	OpCall
)

// Operand carries the operand of an instruction relevant to the builder:
// an immediate displacement for stack-pointer arithmetic, or a register
// index for register-to-register moves.
type Operand struct {
	Imm int32
	Reg Reg
}

// DecodedInst is the classified view of one decoded x86 instruction
// (spec.md §6.1: "decode(ptr, max_len) → (opcode_class, operand_view,
// length) | Invalid").
type DecodedInst struct {
	Class   OpcodeClass
	Operand Operand
	Length  int
}

// InstructionDecoder decodes one machine instruction at a time from a
// function's text. It is an external collaborator for x86/x86-64 (spec.md
// §6.1); PPC64 and MIPS use fixed-width instructions and need no decoder.
type InstructionDecoder interface {
	// Decode decodes the instruction starting at code[0]; code holds the
	// remaining function text. ok is false if the
	// bytes do not form a valid instruction, in which case the builder
	// advances by one byte per spec.md §4.2 ("on x86 decode failure").
	Decode(code []byte) (inst DecodedInst, ok bool)
}
