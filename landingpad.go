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
	"runtime"
	"sync/atomic"
)

// LandingPad is the per-thread fault-recovery scaffold (spec.md §3.5,
// §4.5). Go has no setjmp/longjmp, so this port models the "nonlocal exit"
// with panic/recover paired with runtime.LockOSThread: Protect pins the
// calling goroutine to its OS thread for the duration of one sample
// (matching the original's notion of "thread" identity) and turns a panic
// raised anywhere inside the protected call into a clean "dropped sample"
// outcome instead of letting it escape to the caller's caller.
//
// A LandingPad must not be shared across goroutines: each sampling
// goroutine owns exactly one, reused sample after sample.
type LandingPad struct {
	armed      bool
	locksHeld  int32
	drops      atomic.Uint64
	lastReason string
}

// NewLandingPad returns a disarmed landing pad.
func NewLandingPad() *LandingPad {
	return &LandingPad{}
}

// DroppedSamples returns the count of samples abandoned through this
// landing pad's fault path, the "dropped samples" statistic of spec.md
// §4.5 step 2.
func (p *LandingPad) DroppedSamples() uint64 {
	return p.drops.Load()
}

// acquireLock and releaseLock are called by RecipeCache around its
// spinlock critical sections to keep the landing pad's per-thread "locks
// held" counter (spec.md §5 "a thread entering the lock increments its
// per-thread locks-held counter"). Protect resets the counter to zero when
// it recovers a panic; it does not release the spinlock. NotifyMap and
// NotifyUnmap release the lock through defer, Lookup and build release it
// explicitly on each path. The counter is bookkeeping, read through
// LocksHeld, not a release mechanism.
func (p *LandingPad) acquireLock() { atomic.AddInt32(&p.locksHeld, 1) }
func (p *LandingPad) releaseLock() { atomic.AddInt32(&p.locksHeld, -1) }

// LocksHeld reports the current value of the per-thread locks-held
// counter.
func (p *LandingPad) LocksHeld() int32 {
	return atomic.LoadInt32(&p.locksHeld)
}

// Protect arms the landing pad, runs fn, and recovers from any panic fn (or
// anything fn calls, including deep inside Cursor.Step) raises, reporting
// it as StepFault instead of propagating — the Go-idiomatic analogue of
// spec.md §4.5's SEGV-handler nonlocal exit. The calling goroutine is
// locked to its OS thread for the duration, mirroring the original's
// per-thread (not per-goroutine) landing pad identity and ensuring a
// recovered panic cannot leave runtime-internal, thread-affine state (e.g.
// a half-released futex wait) behind on a thread some other goroutine then
// reuses.
func (p *LandingPad) Protect(fn func() StepResult) (result StepResult) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	p.armed = true
	defer func() { p.armed = false }()

	defer func() {
		if r := recover(); r != nil {
			p.drops.Add(1)
			atomic.StoreInt32(&p.locksHeld, 0)
			if msg, ok := r.(string); ok {
				p.lastReason = msg
			} else {
				p.lastReason = "panic during unwind"
			}
			result = StepFault
		}
	}()

	return fn()
}

// LastFaultReason returns a short description of the most recent fault
// Protect recovered from, for diagnostics only — never logged from inside
// an actual signal handler in the original design, but safe to surface
// here since Protect's recover runs on an ordinary goroutine stack.
func (p *LandingPad) LastFaultReason() string {
	return p.lastReason
}

// Armed reports whether a Protect call is currently in flight on this
// landing pad.
func (p *LandingPad) Armed() bool {
	return p.armed
}
