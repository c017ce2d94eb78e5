// Package clock implements component E: a monotonic nanosecond clock
// derived from a cycle counter scaled by a calibrated frequency (spec.md
// §4.E: "(rdtsc - boot_tsc) * scale"). The cycle source is internal/arch
// (ReadCycles stands in for rdtsc); wall-clock time is deliberately not
// modeled here — spec.md §3 calls it "a user service", not core state.
package clock

import (
	"fmt"

	"github.com/d7kernel/d7kernel/internal/arch"
)

// Clock converts cycles to nanoseconds using a frequency calibrated once
// at boot against a reference (the PIT, on real hardware).
type Clock struct {
	bootCycles uint64
	hz         uint64 // cycles per second
}

// Calibrate measures elapsed cycles across a known-duration reference
// window (referenceNS) to derive the scale factor, mirroring "TSC
// calibration at boot against the PIT" (spec.md §4.E). elapsedCycles is
// supplied by the caller (in the hosted model, the test or boot sequence
// advances arch's cycle counter across the window and reports how much
// it moved).
func Calibrate(elapsedCycles uint64, referenceNS uint64) (*Clock, error) {
	if elapsedCycles == 0 || referenceNS == 0 {
		return nil, fmt.Errorf("clock: zero-length calibration window")
	}
	hz := elapsedCycles * 1_000_000_000 / referenceNS
	if hz == 0 {
		return nil, fmt.Errorf("clock: calibrated frequency underflowed to zero")
	}
	return &Clock{bootCycles: arch.ReadCycles(), hz: hz}, nil
}

// NewWithHz builds a clock with an already-known frequency, useful for
// tests that want exact nanosecond arithmetic without a calibration pass.
func NewWithHz(hz uint64) *Clock {
	return &Clock{bootCycles: arch.ReadCycles(), hz: hz}
}

// NowNS returns nanoseconds elapsed since this Clock was created.
func (c *Clock) NowNS() uint64 {
	elapsed := arch.ReadCycles() - c.bootCycles
	return elapsed * 1_000_000_000 / c.hz
}

// CyclesFor reports the cycle count corresponding to a duration, used by
// callers (mainly tests) that want to advance arch's cycle counter by a
// specific simulated ns duration.
func (c *Clock) CyclesFor(ns uint64) uint64 {
	return ns * c.hz / 1_000_000_000
}
