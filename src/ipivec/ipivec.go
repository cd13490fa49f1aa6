// Package ipivec allocates the small range of interrupt vectors the kernel
// reserves for inter-processor interrupts: reschedule, TLB shootdown, and
// the per-CPU local-timer kick. These are arch-level vectors owned by the
// scheduler and virtual memory engine, unlike device MSI vectors which are
// out of scope.
package ipivec

import "sync"

// IPIVec_t identifies one IPI vector.
type IPIVec_t uint

const (
	// Reschedule is sent to a remote CPU to force it to reconsider its
	// ready queue (e.g. after a higher-priority task is pushed there).
	Reschedule IPIVec_t = 0xfc
	// Shootdown is sent to every CPU whose APT may hold a stale TLB entry
	// after a mapping is removed or downgraded.
	Shootdown IPIVec_t = 0xfd
	// Timer fires the local APIC timer callback on the issuing CPU.
	Timer IPIVec_t = 0xfe
)

// ipivecs_t tracks the vectors still available for dynamic allocation,
// above the three fixed ones above.
type ipivecs_t struct {
	sync.Mutex
	avail map[IPIVec_t]bool
}

var ipivecs = ipivecs_t{
	avail: map[IPIVec_t]bool{0xf0: true, 0xf1: true, 0xf2: true, 0xf3: true,
		0xf4: true, 0xf5: true, 0xf6: true, 0xf7: true},
}

// Alloc reserves a free dynamic IPI vector, for subsystems that need a
// private vector beyond the three fixed ones (e.g. per-timer-wheel IPIs).
func Alloc() IPIVec_t {
	ipivecs.Lock()
	defer ipivecs.Unlock()

	for i := range ipivecs.avail {
		delete(ipivecs.avail, i)
		return i
	}
	panic("no more IPI vecs")
}

// Free releases a vector obtained from Alloc.
func Free(vector IPIVec_t) {
	ipivecs.Lock()
	defer ipivecs.Unlock()

	if ipivecs.avail[vector] {
		panic("double free")
	}
	ipivecs.avail[vector] = true
}
