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

// Command unwindstat is a developer diagnostic that runs one architecture's
// Builder over the machine code of a single function supplied on the
// command line and dumps the resulting interval chain (no recipe cache is
// involved), mirroring the debug dump
// routines (uw_recipe_map_print, ppc64_dump_intervals) the profiler this
// package is modeled on ships for its own maintainers.
package main

import (
	"encoding/hex"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/stealthrocket/asyncunwind"
)

func main() {
	var (
		arch    string
		codeHex string
		base    uint64
	)
	flag.StringVarP(&arch, "arch", "a", "amd64", "target architecture: amd64, ppc64, or mips64")
	flag.StringVarP(&codeHex, "code", "c", "", "hex-encoded machine code of one function")
	flag.Uint64Var(&base, "base", 0, "load address of the function's first byte")
	flag.Parse()

	if err := run(arch, codeHex, base); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(arch, codeHex string, base uint64) error {
	if codeHex == "" {
		return fmt.Errorf("usage: unwindstat --code <hex bytes> [--arch amd64|ppc64|mips64] [--base 0x...]")
	}
	code, err := hex.DecodeString(codeHex)
	if err != nil {
		return fmt.Errorf("decoding --code: %w", err)
	}

	builder, err := newBuilderForArch(arch)
	if err != nil {
		return err
	}

	intervals, err := builder.Build(code, asyncunwind.Addr(base))
	if err != nil {
		return fmt.Errorf("building intervals: %w", err)
	}

	for _, iv := range intervals {
		fmt.Printf("[%#x, %#x) sp=%s(%d) ra=%s(%d) bp=%s(%d) flags=%#x\n",
			iv.Start, iv.End,
			iv.Recipe.SPKind, iv.Recipe.SPArg,
			iv.Recipe.RAKind, iv.Recipe.RAArg,
			iv.Recipe.BPKind, iv.Recipe.BPArg,
			iv.Recipe.Flags)
	}
	return nil
}

func newBuilderForArch(arch string) (asyncunwind.Builder, error) {
	switch arch {
	case "amd64", "x86_64", "x86":
		// No concrete InstructionDecoder ships with this package (spec
		// names it an external collaborator); unwindstat can only dump
		// PPC64/MIPS64 chains until a caller supplies one via the library
		// API directly.
		return nil, fmt.Errorf("arch %q requires an InstructionDecoder; use the library API with asyncunwind.NewX86Builder", arch)
	case "ppc64", "ppc64le":
		return asyncunwind.NewPPC64Builder(), nil
	case "mips64", "mips64le":
		return asyncunwind.NewMIPSBuilder(), nil
	default:
		return nil, fmt.Errorf("unknown architecture %q", arch)
	}
}
