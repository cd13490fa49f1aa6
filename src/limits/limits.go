// Package limits tracks system-wide resource ceilings that the kernel
// enforces before handing out a new task, port, right, or memory object:
// a single atomically-adjusted counter per resource class rather than a
// dynamic quota system.
package limits

import "unsafe"
import "sync/atomic"

/// Lhits counts the number of times a limit refused a request, for
/// diagnostics.
var Lhits int

/// Sysatomic_t is a numeric limit that can be atomically adjusted.
type Sysatomic_t int64

/// Syslimit_t tracks system-wide resource limits for the four subsystems.
type Syslimit_t struct {
	// concurrently live TaskDescriptors
	Tasks Sysatomic_t
	// concurrently live TaskGroups
	Groups Sysatomic_t
	// concurrently live Ports
	Ports Sysatomic_t
	// concurrently live Rights, summed across all groups
	Rights Sysatomic_t
	// concurrently live Mem_Objects
	MemObjects Sysatomic_t
	// concurrently live Page_Table aggregates
	PageTables Sysatomic_t
	// outstanding one-shot timers armed across all CPUs
	Timers Sysatomic_t
}

/// Syslimit describes the configured system wide limits.
var Syslimit *Syslimit_t = MkSysLimit()

/// MkSysLimit returns a pointer to the default set of limits.
func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Tasks:      1 << 16,
		Groups:     1 << 14,
		Ports:      1 << 16,
		Rights:     1 << 18,
		MemObjects: 1 << 16,
		PageTables: 1 << 14,
		Timers:     1 << 12,
	}
}

func (s *Sysatomic_t) _aptr() *int64 {
	return (*int64)(unsafe.Pointer(s))
}

/// Given increases the limit by the provided amount, e.g. when a resource is
/// released back to the pool.
func (s *Sysatomic_t) Given(_n uint) {
	n := int64(_n)
	if n < 0 {
		panic("too mighty")
	}
	atomic.AddInt64(s._aptr(), n)
}

/// Taken tries to decrement the limit by the provided amount.
/// It returns true on success, false if doing so would make the remaining
/// budget negative (in which case the limit is left unchanged).
func (s *Sysatomic_t) Taken(_n uint) bool {
	n := int64(_n)
	if n < 0 {
		panic("too mighty")
	}
	g := atomic.AddInt64(s._aptr(), -n)
	if g >= 0 {
		return true
	}
	atomic.AddInt64(s._aptr(), n)
	Lhits++
	return false
}

/// Take decrements the limit by one and reports whether it succeeded.
func (s *Sysatomic_t) Take() bool {
	return s.Taken(1)
}

/// Give increments the limit by one.
func (s *Sysatomic_t) Give() {
	s.Given(1)
}
