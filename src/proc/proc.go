// Package proc implements the TaskDescriptor: a task's register file,
// lifecycle status, scheduling attributes, and the capability-bearing
// state a task owns (ports, task-group memberships, active rights
// namespace). The scheduler (package sched) manipulates a
// TaskDescriptor's queue-link fields directly rather than owning a
// separate shadow structure: an intrusive-list model where the task
// itself is the list node.
package proc

import (
	"defs"
	"port"
	"sync"
	"taskgroup"
	"ustr"
	"vm"
)

// Regs_t is the subset of a trap frame the core cares about: the syscall
// argument/return convention and the entry point/stack installed by
// start_process/init_stack. The full machine trap frame (segment
// registers, flags, interrupt vector) is arch init's concern and out of
// scope; everything above this package reaches registers only through
// the accessors below, never the field layout, so an arch-specific trap
// frame can replace this struct without touching callers.
type Regs_t struct {
	RAX, RDI, RSI, RDX, R10, R8, R9 uint64 // syscall number + up to 6 args
	RIP, RSP                        uint64
}

// Arg reads the n'th (0-based) syscall argument register, following the
// System V AMD64 syscall convention (rdi, rsi, rdx, r10, r8, r9).
func (r *Regs_t) Arg(n int) uint64 {
	switch n {
	case 0:
		return r.RDI
	case 1:
		return r.RSI
	case 2:
		return r.RDX
	case 3:
		return r.R10
	case 4:
		return r.R8
	case 5:
		return r.R9
	}
	panic("bad syscall arg index")
}

// SetRet writes a syscall's return value into the register convention
// reads it back from.
func (r *Regs_t) SetRet(v uint64) { r.RAX = v }

// QueueTag_t is an opaque identity a sched.Queue_t mints for itself and
// stamps into every TaskDescriptor it holds, so "is this task currently
// in some queue, and which one" can be answered without proc importing
// sched (sched already imports proc for the task type itself).
type QueueTag_t struct{ Name string }

// BlockedOn_t names what a Blocked task is waiting for: either a port
// (get_first_message/get_message_info with nothing queued) or a page
// address (a memory-object-backed fault pending a pager reply).
type BlockedOn_t struct {
	Port   *port.Port_t
	PageVA uint64
	OnPage bool
}

// RestartState_t is the "pending restart" mechanism: a syscall that must
// suspend (a faulting user-memory copy, a block on a port, a block on a
// page) records its original arguments here before suspending, so the
// same entry point reruns from scratch with the same inputs once the
// task wakes, rather than resuming from the middle of a partially
// executed handler.
type RestartState_t struct {
	Pending bool
	Num     uint64
	Args    [6]uint64
}

// TaskDescriptor_t is one task. Every mutable field below sched_lock is
// protected by it; PageTable, OwnedPorts, Groups and Namespace are
// protected by groupsLock since they change far less often than
// scheduling state and a reader (e.g. a syscall resolving a right) should
// not contend with the scheduler's hot path.
type TaskDescriptor_t struct {
	Tid      defs.Tid_t
	Regs     Regs_t
	Affinity defs.CPUID

	SchedLock sync.Mutex
	Status    defs.Status_t
	Priority  int
	BlockedBy BlockedOn_t

	// Queue link fields, manipulated directly by package sched. A task is
	// linked in at most one queue at a time; Queue
	// is nil when the task is not currently queued (e.g. Running, or
	// blocked via a channel wait rather than the blocked_sched_queue).
	Prev, Next *TaskDescriptor_t
	Queue      *QueueTag_t

	groupsLock sync.Mutex
	PageTable  *vm.PageTable_t
	OwnedPorts map[defs.PortID]*port.Port_t
	Groups     map[defs.GroupID]*taskgroup.TaskGroup_t
	Namespace  *taskgroup.TaskGroup_t

	nameLock sync.Mutex
	name     ustr.Ustr

	Restart RestartState_t

	// LastMessage is the most recently popped message still holding
	// unaccepted auxiliary rights; accept_rights drains it.
	LastMessage *port.Message_t

	// UserNs/SysNs accumulate accounting nanoseconds, read by stat.TaskInfo_t
	// exports; kept as plain int64 rather than accnt.Accnt_t since a task's
	// own accounting is single-writer (only the CPU currently running it
	// updates it) and only contended by a concurrent stat() reader.
	UserNs, SysNs int64

	PendingPause bool // SCHED_PENDING_PAUSE: set when paused from a remote CPU

	ExitCode uint64 // set by the exit syscall, read by a joiner/kill_task caller
}

var (
	tasksMu    sync.Mutex
	tasks      = make(map[defs.Tid_t]*TaskDescriptor_t)
	nextTid    defs.Tid_t
)

func allocTid() defs.Tid_t {
	tasksMu.Lock()
	defer tasksMu.Unlock()
	nextTid++
	return nextTid
}

// New creates an Uninit task with no page table, per create_process.
func New() *TaskDescriptor_t {
	t := &TaskDescriptor_t{
		Tid:        allocTid(),
		Affinity:   defs.NoCPU,
		Status:     defs.Uninit,
		Priority:   defs.NumPriorities - 1,
		OwnedPorts: make(map[defs.PortID]*port.Port_t),
		Groups:     make(map[defs.GroupID]*taskgroup.TaskGroup_t),
	}
	tasksMu.Lock()
	tasks[t.Tid] = t
	tasksMu.Unlock()
	return t
}

// Lookup finds a task by ID in the global index.
func Lookup(tid defs.Tid_t) (*TaskDescriptor_t, bool) {
	tasksMu.Lock()
	defer tasksMu.Unlock()
	t, ok := tasks[tid]
	return t, ok
}

// Forget removes a Dead task from the global index once its destructors
// have run; the TID is not reused.
func Forget(tid defs.Tid_t) {
	tasksMu.Lock()
	delete(tasks, tid)
	tasksMu.Unlock()
}

// SetPageTable installs pt as the task's address space. Fails with
// EHAS_PAGE_TABLE if one is already installed (a task may only acquire a
// page table once, at start_process/exec time).
func (t *TaskDescriptor_t) SetPageTable(pt *vm.PageTable_t) defs.Err_t {
	t.groupsLock.Lock()
	defer t.groupsLock.Unlock()
	if t.PageTable != nil {
		return defs.EHAS_PAGE_TABLE
	}
	t.PageTable = pt
	return defs.EOK
}

// Start sets the entry point and initial argument register and
// transitions Uninit -> Ready, per start_process. The caller (package
// sysc, via sched.PushReady) is responsible for actually making the task
// schedulable; this method only validates and mutates task state.
func (t *TaskDescriptor_t) Start(entry, arg uintptr) defs.Err_t {
	t.SchedLock.Lock()
	defer t.SchedLock.Unlock()
	if t.Status != defs.Uninit {
		return defs.EPROCESS_INITED
	}
	t.Regs.RIP = uint64(entry)
	t.Regs.RDI = uint64(arg)
	t.Status = defs.Ready
	return defs.EOK
}

// AddPort records a port as owned by this task.
func (t *TaskDescriptor_t) AddPort(p *port.Port_t) {
	t.groupsLock.Lock()
	defer t.groupsLock.Unlock()
	t.OwnedPorts[p.ID] = p
}

// RemovePort drops a port from this task's owned set, e.g. after it is
// destroyed.
func (t *TaskDescriptor_t) RemovePort(id defs.PortID) {
	t.groupsLock.Lock()
	defer t.groupsLock.Unlock()
	delete(t.OwnedPorts, id)
}

// JoinGroup adds the task to g's membership and, if this is the task's
// first group, makes it the task's active rights namespace.
func (t *TaskDescriptor_t) JoinGroup(g *taskgroup.TaskGroup_t) {
	g.AddMember(t.Tid)
	t.groupsLock.Lock()
	t.Groups[g.ID()] = g
	if t.Namespace == nil {
		t.Namespace = g
	}
	t.groupsLock.Unlock()
}

// LeaveGroup removes the task from g's membership.
func (t *TaskDescriptor_t) LeaveGroup(g *taskgroup.TaskGroup_t) {
	g.RemoveMember(t.Tid)
	t.groupsLock.Lock()
	delete(t.Groups, g.ID())
	if t.Namespace == g {
		t.Namespace = nil
	}
	t.groupsLock.Unlock()
}

// SetNamespace switches the task's active rights namespace to a group it
// already belongs to. The caller-must-be-a-member check is enforced here,
// since this package is the one place that knows a task's actual
// membership set.
func (t *TaskDescriptor_t) SetNamespace(g *taskgroup.TaskGroup_t) defs.Err_t {
	t.groupsLock.Lock()
	defer t.groupsLock.Unlock()
	if _, ok := t.Groups[g.ID()]; !ok {
		return defs.ENOT_PERMITTED
	}
	t.Namespace = g
	return defs.EOK
}

// CurrentNamespace returns the task's active rights namespace, or nil if
// it has never joined a group.
func (t *TaskDescriptor_t) CurrentNamespace() *taskgroup.TaskGroup_t {
	t.groupsLock.Lock()
	defer t.groupsLock.Unlock()
	return t.Namespace
}

// SetName records the task's display name, canonicalized so listings
// cannot show two visually-identical names for different tasks.
func (t *TaskDescriptor_t) SetName(n ustr.Ustr) defs.Err_t {
	if !ustr.ValidName(n) {
		return defs.EINVALID_ARGUMENT
	}
	t.nameLock.Lock()
	t.name = ustr.CanonicalName(n)
	t.nameLock.Unlock()
	return defs.EOK
}

// Name returns the task's display name, empty if never set.
func (t *TaskDescriptor_t) Name() ustr.Ustr {
	t.nameLock.Lock()
	defer t.nameLock.Unlock()
	return t.name
}

// CleanupAndRelease runs a Dying task's destructors: every owned port is
// destroyed (waking its blocked receivers and invalidating rights over
// it), every group membership dropped, and the page table torn down if no
// other task still shares it. The task ends Dead and is removed from the
// global index. Idempotent so a racing kill and exit cannot run it twice.
func (t *TaskDescriptor_t) CleanupAndRelease() {
	t.SchedLock.Lock()
	if t.Status == defs.Dead {
		t.SchedLock.Unlock()
		return
	}
	t.Status = defs.Dead
	t.SchedLock.Unlock()

	t.groupsLock.Lock()
	ports := t.OwnedPorts
	groups := t.Groups
	pt := t.PageTable
	t.OwnedPorts = make(map[defs.PortID]*port.Port_t)
	t.Groups = make(map[defs.GroupID]*taskgroup.TaskGroup_t)
	t.Namespace = nil
	t.PageTable = nil
	t.groupsLock.Unlock()

	for _, p := range ports {
		p.Destroy()
	}
	for _, g := range groups {
		g.RemoveMember(t.Tid)
	}
	if pt != nil && !pageTableShared(pt, t.Tid) {
		pt.Destroy()
	}
	Forget(t.Tid)
}

// pageTableShared reports whether any live task other than exclude still
// uses pt as its address space.
func pageTableShared(pt *vm.PageTable_t, exclude defs.Tid_t) bool {
	tasksMu.Lock()
	defer tasksMu.Unlock()
	for tid, other := range tasks {
		if tid == exclude {
			continue
		}
		other.groupsLock.Lock()
		shared := other.PageTable == pt
		other.groupsLock.Unlock()
		if shared {
			return true
		}
	}
	return false
}
