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

// FuncBoundsOracle resolves a PC to the bounds of its enclosing function
// and the load module it belongs to (spec.md §6.1). It is an external
// collaborator: fnbounds/ELF resolution is out of scope for this subsystem,
// which only consumes the lookup.
//
// Implementations must be callable with no cache lock held (spec.md §5:
// "the function-bounds oracle is an external service with its own lock;
// deadlock avoidance requires that the recipe-index lock is released
// before calling it").
type FuncBoundsOracle interface {
	// EnclosingFunc returns the half-open [start, end) bounds of the
	// function containing pc and the load module it belongs to. ok is
	// false if pc does not belong to any known, mapped function.
	EnclosingFunc(pc Addr) (start, end Addr, lm LoadModule, ok bool)
}

// FuncBoundsOracleFunc adapts a plain function to FuncBoundsOracle.
type FuncBoundsOracleFunc func(pc Addr) (start, end Addr, lm LoadModule, ok bool)

// EnclosingFunc implements FuncBoundsOracle.
func (f FuncBoundsOracleFunc) EnclosingFunc(pc Addr) (Addr, Addr, LoadModule, bool) {
	return f(pc)
}
