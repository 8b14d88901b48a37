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

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg := ConfigFromEnv()
	if cfg.SpinLimit != DefaultSpinLimit {
		t.Errorf("SpinLimit = %d, want %d", cfg.SpinLimit, DefaultSpinLimit)
	}
	if cfg.ArenaChunkSize != defaultArenaChunkSize {
		t.Errorf("ArenaChunkSize = %d, want %d", cfg.ArenaChunkSize, defaultArenaChunkSize)
	}
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv(EnvSpinLimit, "42")
	t.Setenv(EnvArenaChunkSize, "17")
	cfg := ConfigFromEnv()
	if cfg.SpinLimit != 42 {
		t.Errorf("SpinLimit = %d, want 42", cfg.SpinLimit)
	}
	if cfg.ArenaChunkSize != 17 {
		t.Errorf("ArenaChunkSize = %d, want 17", cfg.ArenaChunkSize)
	}
}

func TestEnvIntFallsBackOnMalformedValue(t *testing.T) {
	t.Setenv(EnvSpinLimit, "not-a-number")
	if got := envInt(EnvSpinLimit, DefaultSpinLimit); got != DefaultSpinLimit {
		t.Errorf("envInt with a malformed value = %d, want the default %d", got, DefaultSpinLimit)
	}
}

func TestEnvIntFallsBackOnNonPositiveValue(t *testing.T) {
	t.Setenv(EnvSpinLimit, "-5")
	if got := envInt(EnvSpinLimit, DefaultSpinLimit); got != DefaultSpinLimit {
		t.Errorf("envInt with a non-positive value = %d, want the default %d", got, DefaultSpinLimit)
	}
}

func TestConfigSeedFallsBackToPID(t *testing.T) {
	cfg := Config{}
	if got := cfg.seed(); got == 0 {
		t.Errorf("seed() with Config.Seed unset = 0, want a nonzero PID-derived fallback")
	}
}

func TestConfigSeedHonorsExplicitValue(t *testing.T) {
	cfg := Config{Seed: 99}
	if got := cfg.seed(); got != 99 {
		t.Errorf("seed() = %d, want the explicit 99", got)
	}
}
