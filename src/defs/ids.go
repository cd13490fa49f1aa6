package defs

/// Tid_t identifies a task (thread of execution) kernel-wide.
type Tid_t int

/// PortID identifies a Port kernel-wide.
type PortID uint64

/// RightID identifies a Right within a single TaskGroup's rights namespace.
/// It is only meaningful paired with a GroupID.
type RightID uint64

/// MOID identifies a Mem_Object kernel-wide.
type MOID uint64

/// PTID identifies a Page_Table aggregate kernel-wide.
type PTID uint64

/// GroupID identifies a TaskGroup kernel-wide.
type GroupID uint64

/// CPUID identifies a logical CPU, 0-based.
type CPUID int

/// NoCPU means "no affinity"/"not yet assigned", depending on context.
const NoCPU CPUID = -1

/// Status_t is a task's scheduling/lifecycle state.
type Status_t int

const (
	Uninit Status_t = iota
	Ready
	Running
	Blocked
	Paused
	Dying
	Dead
	Special
)

func (s Status_t) String() string {
	switch s {
	case Uninit:
		return "Uninit"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Blocked:
		return "Blocked"
	case Paused:
		return "Paused"
	case Dying:
		return "Dying"
	case Dead:
		return "Dead"
	case Special:
		return "Special"
	default:
		return "Status(?)"
	}
}

/// NumPriorities is the number of scheduler priority levels, 0 (highest) to
/// NumPriorities-1 (lowest).
const NumPriorities = 16

/// RightType_t distinguishes single-use from multi-use send rights.
type RightType_t int

const (
	SendOnce RightType_t = iota
	SendMany
)
