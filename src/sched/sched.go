// Package sched implements the scheduler: per-CPU multilevel ready
// queues, the intrusive doubly-linked Queue_t that stores tasks using
// the link fields embedded in proc.TaskDescriptor_t, and the
// push_ready/task_switch/find_new_process operations that move tasks
// between queues and CPUs.
package sched

import (
	"apt"
	"defs"
	"ipivec"
	"proc"
	"sort"
	"sync"
	"tmap"
)

// NumPriorities mirrors proc's priority range: 0 is highest, NumPriorities-1
// (the idle priority) is lowest.
const NumPriorities = defs.NumPriorities

// Quantums is the per-priority time slice in milliseconds: high-priority
// (interactive) tasks get long slices since they block long before
// exhausting them, while the low levels cycle quickly.
var Quantums = [NumPriorities]uint{50, 50, 20, 20, 10, 10, 10, 5, 5, 5, 5, 5, 5, 5, 5, 5}

// Queue_t is a doubly-linked list of tasks using TaskDescriptor_t's own
// Prev/Next fields as link storage: a task is in at most one queue at a
// time, and Queue_t never allocates a node of its own.
type Queue_t struct {
	mu         sync.Mutex
	tag        *proc.QueueTag_t
	first, last *proc.TaskDescriptor_t
	n          int
}

// NewQueue creates an empty queue identified by name, used only for
// diagnostics (stat/kstat exports can print which queue a task sits in).
func NewQueue(name string) *Queue_t {
	return &Queue_t{tag: &proc.QueueTag_t{Name: name}}
}

// PushFront links t at the head of the queue. t must not currently be
// linked into any queue.
func (q *Queue_t) PushFront(t *proc.TaskDescriptor_t) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.Prev, t.Next = nil, q.first
	if q.first != nil {
		q.first.Prev = t
	} else {
		q.last = t
	}
	q.first = t
	t.Queue = q.tag
	q.n++
}

// PushBack links t at the tail of the queue.
func (q *Queue_t) PushBack(t *proc.TaskDescriptor_t) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.Next, t.Prev = nil, q.last
	if q.last != nil {
		q.last.Next = t
	} else {
		q.first = t
	}
	q.last = t
	t.Queue = q.tag
	q.n++
}

// Erase unlinks t from the queue. No-op if t is not currently linked
// into this queue.
func (q *Queue_t) Erase(t *proc.TaskDescriptor_t) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.Queue != q.tag {
		return
	}
	if t.Prev != nil {
		t.Prev.Next = t.Next
	} else {
		q.first = t.Next
	}
	if t.Next != nil {
		t.Next.Prev = t.Prev
	} else {
		q.last = t.Prev
	}
	t.Prev, t.Next, t.Queue = nil, nil, nil
	q.n--
}

// PopFront unlinks and returns the task at the head of the queue, or nil
// if empty.
func (q *Queue_t) PopFront() *proc.TaskDescriptor_t {
	q.mu.Lock()
	t := q.first
	q.mu.Unlock()
	if t == nil {
		return nil
	}
	q.Erase(t)
	return t
}

// Front returns the head of the queue without unlinking it.
func (q *Queue_t) Front() *proc.TaskDescriptor_t {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.first
}

// Empty reports whether the queue currently holds no tasks.
func (q *Queue_t) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.first == nil
}

// Len reports the queue's current length, for stat exports.
func (q *Queue_t) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// CPU_t is one logical CPU's scheduling state: its own per-priority
// ready queues (consulted before the global ones, so a task can be bound
// to a CPU), the task it is currently running, an idle task to fall back
// to, and the temp-mapper window it uses to walk other tasks' page
// tables during IPI-driven operations.
type CPU_t struct {
	ID      defs.CPUID
	Mapper  tmap.Mapper_i
	Current *proc.TaskDescriptor_t
	Idle    *proc.TaskDescriptor_t

	local [NumPriorities]*Queue_t

	vecMu   sync.Mutex
	pending map[ipivec.IPIVec_t]int
}

var (
	cpusMu sync.Mutex
	cpus   []*CPU_t

	global [NumPriorities]*Queue_t
	uninit = NewQueue("uninit")
	blocked = NewQueue("blocked")

	initOnce sync.Once
)

func ensureInit() {
	initOnce.Do(func() {
		for i := range global {
			global[i] = NewQueue("ready-global")
		}
	})
}

// NewCPU registers a new logical CPU with id and an idle task, per
// init_scheduling's per-CPU bring-up.
func NewCPU(id defs.CPUID, mapper tmap.Mapper_i, idle *proc.TaskDescriptor_t) *CPU_t {
	ensureInit()
	c := &CPU_t{ID: id, Mapper: mapper, Idle: idle, Current: idle}
	for i := range c.local {
		c.local[i] = NewQueue("ready-local")
	}
	cpusMu.Lock()
	cpus = append(cpus, c)
	cpusMu.Unlock()
	return c
}

// CPUs returns a snapshot of every registered CPU, ordered by ID.
func CPUs() []*CPU_t {
	cpusMu.Lock()
	defer cpusMu.Unlock()
	out := make([]*CPU_t, len(cpus))
	copy(out, cpus)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LocalQueueLen returns the number of tasks ready at priority prio on this
// CPU's own local queue, for diagnostics (kstat's occupancy export).
func (c *CPU_t) LocalQueueLen(prio int) int {
	return c.local[clampPriority(prio)].Len()
}

// GlobalQueueLen returns the number of affinity-free tasks ready at
// priority prio.
func GlobalQueueLen(prio int) int {
	ensureInit()
	return global[clampPriority(prio)].Len()
}

// BlockedLen returns the number of tasks currently parked on the global
// blocked queue.
func BlockedLen() int {
	return blocked.Len()
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p >= NumPriorities {
		return NumPriorities - 1
	}
	return p
}

// PushReady inserts t into the appropriate ready queue: if t has a CPU
// affinity, that CPU's local queue at t's priority level; otherwise the
// matching global queue. t's Status is set to Ready. Mirrors push_ready.
func PushReady(t *proc.TaskDescriptor_t) {
	ensureInit()
	t.SchedLock.Lock()
	t.Status = defs.Ready
	prio := clampPriority(t.Priority)
	aff := t.Affinity
	t.SchedLock.Unlock()

	if aff != defs.NoCPU {
		for _, c := range CPUs() {
			if c.ID == aff {
				c.local[prio].PushBack(t)
				// A task just became ready on a CPU that may be parked
				// (idle-halted or deep in another task); a real kernel
				// needs an actual interrupt to make it reconsider its
				// queues, hence the IPI rather than a plain flag.
				raiseVector(c, ipivec.Reschedule)
				return
			}
		}
	}
	global[prio].PushBack(t)
}

// PushUninit inserts a freshly created task into the uninit queue, per
// create_process's initial placement before start_process makes it
// schedulable.
func PushUninit(t *proc.TaskDescriptor_t) {
	uninit.PushBack(t)
}

// Block moves the current task on c off the CPU and into the blocked
// queue, recording what it's waiting on. Mirrors block_current_task.
func Block(c *CPU_t, reason proc.BlockedOn_t) {
	t := c.Current
	t.SchedLock.Lock()
	t.Status = defs.Blocked
	t.BlockedBy = reason
	t.SchedLock.Unlock()
	blocked.PushBack(t)
	c.Current = c.Idle
}

// Unblock removes t from the blocked queue (if present) and pushes it
// back onto a ready queue. Safe to call on a task that already isn't
// blocked (e.g. a racing wakeup), in which case it is a no-op beyond the
// Erase, which itself no-ops if t.Queue doesn't match.
func Unblock(t *proc.TaskDescriptor_t) {
	t.SchedLock.Lock()
	wasBlocked := t.Status == defs.Blocked
	t.SchedLock.Unlock()
	if !wasBlocked {
		return
	}
	blocked.Erase(t)
	PushReady(t)
}

// pickFrom scans priority levels from highest (0) down to maxPrio
// inclusive, returning the first non-empty queue's front task, matching
// atomic_pick_highest_priority(min_priority).
func pickFrom(queues *[NumPriorities]*Queue_t, maxPrio int) *proc.TaskDescriptor_t {
	for i := 0; i <= maxPrio; i++ {
		if t := queues[i].PopFront(); t != nil {
			return t
		}
	}
	return nil
}

// PickHighestPriority takes the best ready task at or above (numerically
// at or below) maxPrio, local queues first, or nil if none qualifies.
func PickHighestPriority(c *CPU_t, maxPrio int) *proc.TaskDescriptor_t {
	maxPrio = clampPriority(maxPrio)
	if t := pickFrom(&c.local, maxPrio); t != nil {
		return t
	}
	return pickFrom(&global, maxPrio)
}

// FindNewProcess picks the next task to run on c: c's own local queues
// take priority over the global ones (affinity-bound work runs before
// work that could run anywhere), falling back to the idle task if both
// are empty. Mirrors find_new_process.
func FindNewProcess(c *CPU_t) *proc.TaskDescriptor_t {
	if t := PickHighestPriority(c, NumPriorities-1); t != nil {
		return t
	}
	return c.Idle
}

// CurrentPriority is the priority level c is effectively running at: its
// current task's priority, or the lowest level when idling.
func (c *CPU_t) CurrentPriority() int {
	cur := c.Current
	if cur == nil || cur == c.Idle {
		return NumPriorities - 1
	}
	cur.SchedLock.Lock()
	defer cur.SchedLock.Unlock()
	return clampPriority(cur.Priority)
}

// Reschedule preempts c's current task only if a strictly higher-priority
// task is ready, pushing the current one to the head-of-queue position a
// preempted (not yielding) task deserves. Reports whether a switch
// happened.
func Reschedule(c *CPU_t) bool {
	curPrio := c.CurrentPriority()
	if curPrio == 0 {
		return false
	}
	next := PickHighestPriority(c, curPrio-1)
	if next == nil {
		return false
	}
	prev := c.Current
	TaskSwitch(c, next)
	if prev != c.Idle && prev != next {
		prev.SchedLock.Lock()
		requeued := prev.Status == defs.Ready
		prev.SchedLock.Unlock()
		if requeued {
			// TaskSwitch requeued it at the tail; a preempted (not
			// yielding) task resumes before later arrivals at its level.
			requeueFront(prev)
		}
	}
	return true
}

// requeueFront moves t from wherever TaskSwitch's PushReady left it to the
// front of the same queue.
func requeueFront(t *proc.TaskDescriptor_t) {
	t.SchedLock.Lock()
	prio := clampPriority(t.Priority)
	aff := t.Affinity
	t.SchedLock.Unlock()
	if aff != defs.NoCPU {
		for _, c := range CPUs() {
			if c.ID == aff {
				c.local[prio].Erase(t)
				c.local[prio].PushFront(t)
				return
			}
		}
	}
	global[prio].Erase(t)
	global[prio].PushFront(t)
}

// SchedPeriodic is the timer-tick policy: take the best ready task at or
// above the current task's level (equal priority round-robins, higher
// preempts), or keep running and report the quantum to rearm with. The
// returned quantum in milliseconds always reflects whoever is current
// after the call.
func SchedPeriodic(c *CPU_t) uint {
	next := PickHighestPriority(c, c.CurrentPriority())
	if next != nil {
		TaskSwitch(c, next)
	}
	return Quantums[c.CurrentPriority()]
}

// TaskSwitch installs next as c's current task, marking it Running and
// the task it replaces (if still Running, i.e. neither blocked nor
// dying) Ready and back on a ready queue. Mirrors task_switch.
func TaskSwitch(c *CPU_t, next *proc.TaskDescriptor_t) {
	prev := c.Current
	if prev != nil && prev != next {
		prev.SchedLock.Lock()
		status := prev.Status
		pausing := prev.PendingPause && status == defs.Running
		if pausing {
			prev.Status = defs.Paused
			prev.PendingPause = false
		}
		prev.SchedLock.Unlock()
		pt := prev.PageTable
		switch {
		case status == defs.Dying:
			// the task dies on the CPU it last ran on.
			prev.CleanupAndRelease()
			pt = nil
		case pausing:
			// parked until resume; not on any queue.
		case status == defs.Running && prev != c.Idle:
			PushReady(prev)
		}
		if pt != nil && (next.PageTable == nil || pt != next.PageTable) {
			ServiceShootdowns(c, pt.APT)
		}
	}
	next.SchedLock.Lock()
	next.Status = defs.Running
	next.SchedLock.Unlock()
	c.Current = next
}

// Evict pushes c's current task back to the end of its ready queue and
// picks a new one, implementing a voluntary yield or a quantum-expiry
// reschedule. Mirrors evict + the periodic-tick path through
// find_new_process.
func Evict(c *CPU_t) {
	cur := c.Current
	if cur != c.Idle {
		cur.SchedLock.Lock()
		cur.Status = defs.Ready
		cur.SchedLock.Unlock()
		PushReady(cur)
	}
	TaskSwitch(c, FindNewProcess(c))
}

// BlockOnPage parks c's current task on pt's wait list for va's page,
// reusing vm.PageTable_t's own channel-based wait mechanism rather than a
// second blocked-queue entry; the caller is expected to re-drive pt.Fault
// once the returned channel closes and then call Unblock.
func BlockOnPage(c *CPU_t, pt interface {
	Wait(va uint64) <-chan struct{}
}, va uint64) <-chan struct{} {
	Block(c, proc.BlockedOn_t{PageVA: va, OnPage: true})
	return pt.Wait(va)
}

// eraseEverywhere removes t from whichever queue currently holds it,
// trying every ready queue (global and every CPU's local set) plus the
// blocked and uninit queues. Each Erase is a no-op unless t.Queue
// actually matches that queue's tag, so this is safe to call
// unconditionally regardless of t's current state.
func eraseEverywhere(t *proc.TaskDescriptor_t) {
	blocked.Erase(t)
	uninit.Erase(t)
	for i := range global {
		global[i].Erase(t)
	}
	for _, c := range CPUs() {
		for i := range c.local {
			c.local[i].Erase(t)
		}
	}
}

// runningOn returns the CPU currently running t, or nil.
func runningOn(t *proc.TaskDescriptor_t) *CPU_t {
	for _, c := range CPUs() {
		if c.Current == t {
			return c
		}
	}
	return nil
}

// Kill marks t Dying and gets its destructors run: a task currently on a
// CPU is left for that CPU's next switch point (its reschedule IPI makes
// that soon), so death lands on the CPU the task last ran on; anything
// else (ready, blocked, paused, uninit) is unlinked and destroyed on the
// spot. A Dying task is never requeued Ready: TaskSwitch's status check
// and this one are both made under t's sched lock.
func Kill(t *proc.TaskDescriptor_t) {
	t.SchedLock.Lock()
	if t.Status == defs.Dying || t.Status == defs.Dead {
		t.SchedLock.Unlock()
		return
	}
	t.Status = defs.Dying
	t.SchedLock.Unlock()
	eraseEverywhere(t)
	if c := runningOn(t); c != nil {
		RequestReschedule(c)
		return
	}
	t.CleanupAndRelease()
}

// Suspend implements pause: a Ready or Blocked task stops being a
// scheduling candidate without losing the state it would need to resume.
// A task Running on another CPU gets SCHED_PENDING_PAUSE and a reschedule
// IPI; that CPU's next switch point parks it.
func Suspend(t *proc.TaskDescriptor_t) {
	t.SchedLock.Lock()
	if t.Status == defs.Running {
		t.PendingPause = true
		t.SchedLock.Unlock()
		if c := runningOn(t); c != nil {
			RequestReschedule(c)
		}
		return
	}
	t.Status = defs.Paused
	t.SchedLock.Unlock()
	eraseEverywhere(t)
}

// Resume implements resume: a Paused task becomes Ready again.
func Resume(t *proc.TaskDescriptor_t) {
	t.SchedLock.Lock()
	wasPaused := t.Status == defs.Paused
	t.SchedLock.Unlock()
	if !wasPaused {
		return
	}
	PushReady(t)
}

// SetPriority changes t's priority level, requeueing it if it is sitting
// on a ready queue at the old level and rescheduling if it is current on c
// and something better is now runnable.
func SetPriority(c *CPU_t, t *proc.TaskDescriptor_t, prio int) {
	prio = clampPriority(prio)
	t.SchedLock.Lock()
	t.Priority = prio
	status := t.Status
	t.SchedLock.Unlock()
	if status == defs.Ready && t.Queue != nil {
		eraseEverywhere(t)
		PushReady(t)
	}
	if c != nil && c.Current == t {
		Reschedule(c)
	}
}

// ChangeAffinity rebinds t to aff (NoCPU for "any"). When a task changes
// its own affinity to a different CPU, it is moved onto the remote CPU's
// queue, the local CPU finds new work, and the remote CPU gets a
// reschedule IPI if it is running something lower-priority than t.
func ChangeAffinity(c *CPU_t, t *proc.TaskDescriptor_t, aff defs.CPUID) {
	t.SchedLock.Lock()
	t.Affinity = aff
	prio := clampPriority(t.Priority)
	t.SchedLock.Unlock()

	if c == nil || c.Current != t || aff == defs.NoCPU || aff == c.ID {
		return
	}
	for _, remote := range CPUs() {
		if remote.ID != aff {
			continue
		}
		t.SchedLock.Lock()
		t.Status = defs.Ready
		t.SchedLock.Unlock()
		remote.local[prio].PushBack(t)
		if remote.CurrentPriority() > prio {
			RequestReschedule(remote)
		}
		TaskSwitch(c, FindNewProcess(c))
		return
	}
}

// raiseVector records one pending delivery of v for c, the in-process stand
// in for an arch layer actually sending an IPI on ipivec.Reschedule/
// ipivec.Shootdown/ipivec.Timer. The core never simulates actual
// interprocessor delivery; c's next safe point drains what accumulated here.
func raiseVector(c *CPU_t, v ipivec.IPIVec_t) {
	c.vecMu.Lock()
	if c.pending == nil {
		c.pending = make(map[ipivec.IPIVec_t]int)
	}
	c.pending[v]++
	c.vecMu.Unlock()
}

// ConsumeVector drains and reports how many times v was raised for c since
// the last drain.
func ConsumeVector(c *CPU_t, v ipivec.IPIVec_t) int {
	c.vecMu.Lock()
	defer c.vecMu.Unlock()
	n := c.pending[v]
	delete(c.pending, v)
	return n
}

// RequestReschedule records a pending reschedule IPI for c, to be acted
// on the next time c reaches a safe point.
func RequestReschedule(c *CPU_t) {
	raiseVector(c, ipivec.Reschedule)
}

// ConsumeReschedule clears and reports whether c has a pending reschedule.
func ConsumeReschedule(c *CPU_t) bool {
	return ConsumeVector(c, ipivec.Reschedule) > 0
}

// ServiceShootdowns drains a's accumulated TLB-invalidation ranges and
// raises ipivec.Shootdown on every CPU besides self currently running a
// task whose address space is a (self already invalidates locally as part
// of leaving that address space), the delivery apt.InvalidateTLB's doc
// comment defers to "the scheduler's shootdown handler".
func ServiceShootdowns(self *CPU_t, a *apt.APT_t) {
	reqs := a.PendingShootdowns()
	if len(reqs) == 0 {
		return
	}
	for _, c := range CPUs() {
		if c == self {
			continue
		}
		cur := c.Current
		if cur == nil || cur.PageTable == nil || cur.PageTable.APT != a {
			continue
		}
		raiseVector(c, ipivec.Shootdown)
	}
}
