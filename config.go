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
	"os"
	"strconv"
)

// Config holds the handful of tunables the cache and fault-recovery
// scaffold need; ConfigFromEnv reads ArenaChunkSize and SpinLimit from
// environment variables (Seed has none), grounded on
// the original's HPCRUN_DEADLOCK_THRESHOLD getenv/atoi pattern (read once
// at startup, falls back to a hardcoded default on a missing or malformed
// value).
type Config struct {
	// ArenaChunkSize is the number of FunctionRecord headers bump-allocated
	// per arena chunk. Zero selects defaultArenaChunkSize.
	ArenaChunkSize int

	// SpinLimit bounds how many times RecipeCache spins, on its lock or
	// while waiting for a FORTHCOMING build, before giving up with a panic
	// (which LandingPad.Protect turns into a dropped sample), matching the
	// deadlock threshold the original enforces around its own spinlocks.
	// Zero means spin unboundedly. Either way the spin calls
	// runtime.Gosched every spinYieldInterval iterations.
	SpinLimit int

	// Seed fixes the skip list's level-selection PRNG for reproducible
	// tests; zero derives a seed from the process's PID instead.
	Seed int64
}

// DefaultSpinLimit mirrors the original's HPCRUN_DEADLOCK_THRESHOLD
// default of one million bounded spin iterations before a lock acquisition
// gives up.
const DefaultSpinLimit = 1_000_000

// EnvSpinLimit is the environment variable overriding DefaultSpinLimit,
// named in the profiler's own idiom after HPCRUN_DEADLOCK_THRESHOLD.
const EnvSpinLimit = "ASYNCUNWIND_SPIN_LIMIT"

// EnvArenaChunkSize overrides Config.ArenaChunkSize.
const EnvArenaChunkSize = "ASYNCUNWIND_ARENA_CHUNK_SIZE"

// ConfigFromEnv builds a Config from the environment, falling back to
// defaults for any variable that is unset or does not parse as a positive
// integer.
func ConfigFromEnv() Config {
	return Config{
		ArenaChunkSize: envInt(EnvArenaChunkSize, defaultArenaChunkSize),
		SpinLimit:      envInt(EnvSpinLimit, DefaultSpinLimit),
	}
}

func envInt(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// seed returns the configured PRNG seed, or one derived from the process
// ID when unset, matching the teacher's pattern of seeding jitter/sampling
// randomness from runtime identity rather than wall-clock time.
func (c Config) seed() int64 {
	if c.Seed != 0 {
		return c.Seed
	}
	return int64(os.Getpid())
}
