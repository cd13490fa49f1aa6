// Package sysc implements syscall dispatch: a fixed table indexed by
// syscall number, the pending-restart mechanism that lets a handler
// suspend and rerun from scratch on wake, and the individual syscall
// handlers that bridge a trapping task's register file to the proc,
// sched, port, taskgroup, vm, region, mobj and elfload packages.
package sysc

import (
	"caller"
	"defs"
	"elfload"
	"encoding/binary"
	"fmt"
	"ipcmsg"
	"mem"
	"mobj"
	"port"
	"proc"
	"region"
	"sched"
	"sync"
	"taskgroup"
	"time"
	"tmap"
	"ustr"
	"vm"

	"golang.org/x/arch/x86/x86asm"
)

// Outcome is what a handler tells Dispatch to do next.
type Outcome int

const (
	// Done means the syscall completed; Ret/Err go into the caller's
	// return register.
	Done Outcome = iota
	// Blocked means the handler must rerun from scratch once the task
	// wakes; Reason records what it's waiting for.
	Blocked
)

// Result_t is a handler's verdict.
type Result_t struct {
	Outcome Outcome
	Ret     uint64
	Err     defs.Err_t
	Reason  proc.BlockedOn_t
}

func ok(ret uint64) Result_t      { return Result_t{Outcome: Done, Ret: ret, Err: defs.EOK} }
func fail(e defs.Err_t) Result_t  { return Result_t{Outcome: Done, Err: e} }
func block(r proc.BlockedOn_t) Result_t {
	return Result_t{Outcome: Blocked, Reason: r}
}

// Handler is one syscall's implementation. cpu identifies which CPU t is
// currently trapped on, needed by handlers that yield or block.
type Handler func(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t

// NumSyscalls bounds the dispatch table; an index at or past it, or a
// nil entry within it, is ENOTSUP rather than a panic, since the
// argument came from user space.
const NumSyscalls = 55

var table [NumSyscalls]Handler

// restartChains logs the first time Dispatch observes a given
// suspend/resume call chain blocking a syscall, rather than once per
// restart: a busy port can restart the same syscall thousands of times a
// second and a trace on every one of them would drown the console.
var restartChains = caller.Distinct_caller_t{Enabled: true}

func init() {
	table[0] = sysExit
	table[1] = sysGetTaskID
	table[2] = sysCreateProcess
	table[3] = sysStartProcess
	table[4] = sysInitStack
	table[5] = sysSetPriority
	table[6] = sysSetTaskName
	table[9] = sysGetMessageInfo
	table[10] = sysGetFirstMessage
	table[11] = sysSendMessageRight
	table[12] = sysRequestNamedPort
	table[13] = sysCreatePort
	table[14] = sysNamePort
	table[15] = sysGetPortByName
	table[16] = sysCreateRight
	table[17] = sysSetNamespace
	table[18] = sysDeleteSendRight
	table[19] = sysGetPageTable
	table[20] = sysAcceptRights
	table[21] = sysTransferRegion
	table[22] = sysCreateNormalRegion
	table[23] = sysGetRegisters
	table[24] = sysCreatePhysMapRegion
	table[25] = sysDeleteRegion
	table[28] = sysSetRegisters
	table[29] = sysAssignPageTable
	table[30] = sysCreateMemObject
	table[31] = sysCreateGroup
	table[32] = sysGroupAddTask
	table[33] = sysGroupRemoveTask
	table[34] = sysGroupQuery
	table[35] = sysSetNotifyMask
	table[36] = sysLoadExecutable
	table[37] = sysRequestTimer
	table[38] = sysSetAffinity
	table[40] = sysYield
	table[41] = sysMapMemObject
	table[42] = sysCompletePageRequest
	table[43] = sysGetTime
	table[45] = sysKillTask
	table[46] = sysPause
	table[47] = sysResume
	table[48] = sysGetPageAddress
	table[49] = sysReleaseMemObject
	table[50] = sysMemObjectGetPageAddress

	port.OnWake = func(owner defs.Tid_t) {
		if t, ok := proc.Lookup(owner); ok {
			sched.Unblock(t)
		}
	}
}

// Dispatch runs the syscall trapped on cpu's current task: a fresh call
// reads the number from RAX, a resumed one replays the number and
// arguments a previous Blocked result recorded in Restart. On a second
// Blocked verdict the same snapshot is simply refreshed and the task
// re-suspended; Dispatch never partially executes a handler twice.
func Dispatch(cpu *sched.CPU_t) {
	t := cpu.Current
	var num uint64
	if t.Restart.Pending {
		num = t.Restart.Num
		t.Regs.RDI = t.Restart.Args[0]
		t.Regs.RSI = t.Restart.Args[1]
		t.Regs.RDX = t.Restart.Args[2]
		t.Regs.R10 = t.Restart.Args[3]
		t.Regs.R8 = t.Restart.Args[4]
		t.Regs.R9 = t.Restart.Args[5]
	} else {
		num = t.Regs.RAX
	}

	if num >= NumSyscalls || table[num] == nil {
		writeResult(t, fail(defs.ENOTSUP))
		t.Restart.Pending = false
		return
	}

	res := table[num](t, cpu)
	if res.Outcome == Blocked {
		if first, trace := restartChains.Distinct(); first {
			fmt.Printf("sysc: syscall %d restart chain blocked for the first time:\n%s", num, trace)
		}
		t.Restart.Pending = true
		t.Restart.Num = num
		for i := 0; i < 6; i++ {
			t.Restart.Args[i] = t.Regs.Arg(i)
		}
		sched.Block(cpu, res.Reason)
		return
	}

	t.Restart.Pending = false
	writeResult(t, res)
}

// writeResult splits a handler's verdict into the single return register
// the System V syscall convention shares between success value and
// negative errno.
func writeResult(t *proc.TaskDescriptor_t, res Result_t) {
	if res.Err != defs.EOK {
		t.Regs.SetRet(uint64(int64(res.Err)))
		return
	}
	t.Regs.SetRet(res.Ret)
}

// disasmAt decodes and renders the instruction at va in t's own address
// space, for a kernel log line accompanying an unresolved user fault; a
// best-effort diagnostic; any read or decode failure just yields a
// placeholder string rather than propagating an error.
func disasmAt(t *proc.TaskDescriptor_t, va uint64) string {
	if t.PageTable == nil {
		return "<no page table>"
	}
	buf := make([]uint8, 15) // longest possible x86 instruction
	ub := vm.NewUserbuf(t.PageTable, va, len(buf))
	if _, err := ub.Uioread(buf); err != 0 {
		return "<unreadable>"
	}
	inst, err := x86asm.Decode(buf, 64)
	if err != nil {
		return "<undecodable>"
	}
	return x86asm.GNUSyntax(inst, va, nil)
}

// faultChains deduplicates the unresolved-fault diagnostic the same way
// restartChains deduplicates restart traces: one line per distinct call
// chain, not one per fault.
var faultChains = caller.Distinct_caller_t{Enabled: true}

// HandlePageFault is the page-fault half of the trap path: locate the
// covering region and resolve the fault, park the task when the page is
// in flight to a pager, and log (once per chain) the decoded faulting
// instruction when nothing can resolve it and a fault is about to be
// delivered as an error.
func HandlePageFault(cpu *sched.CPU_t, va uint64, write bool) defs.Err_t {
	t := cpu.Current
	if t.PageTable == nil {
		return defs.EFAULT
	}
	outcome, err := t.PageTable.Fault(va, write)
	switch outcome {
	case vm.Resolved:
		return defs.EOK
	case vm.Pending:
		sched.BlockOnPage(cpu, t.PageTable, va)
		return defs.EOK
	case vm.NoRegion, vm.Protection:
		if first, _ := faultChains.Distinct(); first {
			fmt.Printf("sysc: unresolved user fault at %#x (%v), insn: %s\n",
				va, err, disasmAt(t, t.Regs.RIP))
		}
		return err
	default:
		return err
	}
}

func lookupTarget(t *proc.TaskDescriptor_t, tid uint64) (*proc.TaskDescriptor_t, defs.Err_t) {
	if tid == 0 {
		return t, defs.EOK
	}
	target, ok := proc.Lookup(defs.Tid_t(tid))
	if !ok {
		return nil, defs.ENO_SUCH_TASK
	}
	return target, defs.EOK
}

// --- process lifecycle -----------------------------------------------

func sysExit(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	t.ExitCode = t.Regs.Arg(0)
	t.SchedLock.Lock()
	t.Status = defs.Dying
	t.SchedLock.Unlock()
	sched.Evict(cpu)
	return ok(0)
}

func sysGetTaskID(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	return ok(uint64(t.Tid))
}

func sysCreateProcess(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	child := proc.New()
	sched.PushUninit(child)
	return ok(uint64(child.Tid))
}

func sysStartProcess(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	target, e := lookupTarget(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	entry := uintptr(t.Regs.Arg(1))
	arg := uintptr(t.Regs.Arg(2))
	if e := target.Start(entry, arg); e != defs.EOK {
		return fail(e)
	}
	sched.PushReady(target)
	return ok(0)
}

// sysInitStack installs the default stack region elfload.Load would have
// built, for a task started some other way than parsing an ELF image
// (init_stack is a separate syscall from load_executable so a loader
// that already knows its own layout can skip the default one).
func sysInitStack(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	target, e := lookupTarget(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	if target.PageTable == nil {
		return fail(defs.EINVALID_ARGUMENT)
	}

	start := uint64(elfload.StackTop - elfload.StackSize)
	r := region.NewAnon(target.PageTable.APT, start, elfload.StackSize, region.R|region.W,
		ustr.MkUstrSlice([]uint8("stack")))
	if e := target.PageTable.AddRegion(r); e != defs.EOK {
		return fail(e)
	}
	pgsize := uint64(mem.PGSIZE)
	for va := start; va < start+elfload.StackSize; va += pgsize {
		if outcome, e := target.PageTable.Fault(va, true); outcome != vm.Resolved {
			return fail(e)
		}
	}
	return ok(elfload.StackTop)
}

// --- ports and capability IPC -----------------------------------------

func sysGetMessageInfo(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	const flagNoblock = 1
	p, e := resolveOwnedPort(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	flags := t.Regs.Arg(1)

	_, _, _, e = p.GetFirstMessage(false, nil, false)
	if e == defs.EOK {
		return ok(1)
	}
	if flags&flagNoblock != 0 {
		return ok(0)
	}
	return block(proc.BlockedOn_t{Port: p, OnPage: false})
}

func sysGetFirstMessage(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	const flagNoblock = 1
	const flagRejectReply = 2
	p, e := resolveOwnedPort(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	bufVA := t.Regs.Arg(1)
	bufLen := t.Regs.Arg(2)
	flags := t.Regs.Arg(3)

	ns := t.CurrentNamespace()
	msg, replyID, hasReply, e := p.GetFirstMessage(true, ns, flags&flagRejectReply != 0)
	if e != defs.EOK {
		if flags&flagNoblock != 0 {
			return fail(e)
		}
		return block(proc.BlockedOn_t{Port: p, OnPage: false})
	}
	if msg.AuxCount > 0 {
		t.LastMessage = msg
	}

	if t.PageTable != nil && bufLen > 0 {
		n := uint64(len(msg.Payload))
		if n > bufLen {
			n = bufLen
		}
		ub := vm.NewUserbuf(t.PageTable, bufVA, int(n))
		if _, werr := ub.Uiowrite(msg.Payload[:n]); werr != defs.EOK {
			return fail(werr)
		}
	}
	if hasReply {
		return ok(uint64(replyID))
	}
	return ok(0)
}

func sysSendMessageRight(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	const flagDelete = 1
	rightID := defs.RightID(t.Regs.Arg(0))
	bufVA := t.Regs.Arg(1)
	bufLen := t.Regs.Arg(2)
	flags := t.Regs.Arg(3)
	replyPortID := defs.PortID(t.Regs.Arg(4))
	auxVA := t.Regs.Arg(5)

	ns := t.CurrentNamespace()
	if ns == nil {
		return fail(defs.ENOT_PERMITTED)
	}

	var payload []uint8
	if bufLen > 0 {
		if t.PageTable == nil {
			return fail(defs.EFAULT)
		}
		payload = make([]uint8, bufLen)
		ub := vm.NewUserbuf(t.PageTable, bufVA, int(bufLen))
		if _, e := ub.Uioread(payload); e != defs.EOK {
			return fail(e)
		}
	}

	var replyPort *port.Port_t
	if replyPortID != 0 {
		p, ok2 := port.Lookup(replyPortID)
		if !ok2 {
			return fail(defs.ENO_SUCH_OBJECT)
		}
		replyPort = p
	}

	// auxVA, if nonzero, points at four u64 right IDs; zero entries mean
	// "none". They are resolved (and validated) before anything mutates,
	// so a bad index fails the whole send.
	var aux []*port.Right_t
	if auxVA != 0 {
		if t.PageTable == nil {
			return fail(defs.EFAULT)
		}
		raw := make([]uint8, 32)
		ub := vm.NewUserbuf(t.PageTable, auxVA, len(raw))
		if _, e := ub.Uioread(raw); e != defs.EOK {
			return fail(e)
		}
		for i := 0; i < 4; i++ {
			id := defs.RightID(binary.LittleEndian.Uint64(raw[i*8:]))
			if id == 0 {
				continue
			}
			r, ok2 := ns.Resolve(id)
			if !ok2 {
				return fail(defs.ENO_SUCH_OBJECT)
			}
			aux = append(aux, r)
		}
	}

	res := port.SendMessageRight(ns, rightID, t.Tid, payload, t.Tid, replyPort, aux, flags&flagDelete != 0)
	if res.Err != defs.EOK {
		return fail(res.Err)
	}
	// the reply right travels with the message; the receiver learns its ID
	// from get_first_message, the sender only that the send succeeded.
	return ok(0)
}

func sysCreatePort(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	owner, e := lookupTarget(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	p := port.New(owner.Tid)
	owner.AddPort(p)
	return ok(uint64(p.ID))
}

func sysCreateRight(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	p, ok2 := port.Lookup(defs.PortID(t.Regs.Arg(0)))
	if !ok2 {
		return fail(defs.ENO_SUCH_OBJECT)
	}
	typ := defs.RightType_t(t.Regs.Arg(1))
	ns := t.CurrentNamespace()
	if ns == nil {
		return fail(defs.ENOT_PERMITTED)
	}
	r := port.NewRight(p, ns, typ)
	return ok(uint64(r.ID))
}

func sysSetNamespace(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	g, ok2 := taskgroup.Lookup(defs.GroupID(t.Regs.Arg(0)))
	if !ok2 {
		return fail(defs.ENO_SUCH_OBJECT)
	}
	return fail(t.SetNamespace(g))
}

func resolveOwnedPort(t *proc.TaskDescriptor_t, id uint64) (*port.Port_t, defs.Err_t) {
	p, ok2 := port.Lookup(defs.PortID(id))
	if !ok2 {
		return nil, defs.ENO_SUCH_OBJECT
	}
	if p.Owner != t.Tid {
		return nil, defs.ENOT_PERMITTED
	}
	return p, defs.EOK
}

// readUserName copies a NUL-terminated name of at most n bytes out of the
// caller's address space and validates it, the boundary every
// name-registering syscall shares.
func readUserName(t *proc.TaskDescriptor_t, va, n uint64) (ustr.Ustr, defs.Err_t) {
	if n == 0 || n > 255 {
		return nil, defs.EINVALID_ARGUMENT
	}
	if t.PageTable == nil {
		return nil, defs.EFAULT
	}
	buf := make([]uint8, n)
	ub := vm.NewUserbuf(t.PageTable, va, int(n))
	if _, e := ub.Uioread(buf); e != defs.EOK {
		return nil, e
	}
	name := ustr.MkUstrSlice(buf)
	if !ustr.ValidName(name) {
		return nil, defs.EINVALID_ARGUMENT
	}
	return name, defs.EOK
}

func sysNamePort(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	p, e := resolveOwnedPort(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	name, e := readUserName(t, t.Regs.Arg(1), t.Regs.Arg(2))
	if e != defs.EOK {
		return fail(e)
	}
	return fail(port.NamePort(p, name))
}

func sysGetPortByName(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	const flagNoblock = 1
	name, e := readUserName(t, t.Regs.Arg(0), t.Regs.Arg(1))
	if e != defs.EOK {
		return fail(e)
	}
	flags := t.Regs.Arg(2)

	if p, ok2 := port.GetByName(name); ok2 {
		return ok(uint64(p.ID))
	}
	if flags&flagNoblock != 0 {
		return fail(defs.ENO_SUCH_OBJECT)
	}
	port.WaitNameTask(name, t.Tid)
	return block(proc.BlockedOn_t{})
}

func sysRequestNamedPort(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	name, e := readUserName(t, t.Regs.Arg(0), t.Regs.Arg(1))
	if e != defs.EOK {
		return fail(e)
	}
	notify, e := resolveOwnedPort(t, t.Regs.Arg(2))
	if e != defs.EOK {
		return fail(e)
	}
	port.RequestNamed(name, notify)
	return ok(0)
}

func sysDeleteSendRight(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	ns := t.CurrentNamespace()
	if ns == nil {
		return fail(defs.ENOT_PERMITTED)
	}
	return fail(port.DeleteRight(ns, defs.RightID(t.Regs.Arg(0))))
}

// sysAcceptRights moves the auxiliary rights carried by the caller's most
// recently popped message into its current namespace, writing up to four
// fresh right IDs to the user buffer and returning how many there were.
func sysAcceptRights(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	ns := t.CurrentNamespace()
	if ns == nil {
		return fail(defs.ENOT_PERMITTED)
	}
	msg := t.LastMessage
	if msg == nil || msg.AuxCount == 0 {
		return ok(0)
	}
	t.LastMessage = nil
	ids := port.AcceptRights(msg, ns)

	if bufVA := t.Regs.Arg(0); bufVA != 0 && t.PageTable != nil {
		raw := make([]uint8, 8*len(ids))
		for i, id := range ids {
			binary.LittleEndian.PutUint64(raw[i*8:], uint64(id))
		}
		ub := vm.NewUserbuf(t.PageTable, bufVA, len(raw))
		if _, e := ub.Uiowrite(raw); e != defs.EOK {
			return fail(e)
		}
	}
	return ok(uint64(len(ids)))
}

// --- task state inspection and control ---------------------------------

func sysSetPriority(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	target, e := lookupTarget(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	prio := t.Regs.Arg(1)
	if prio >= defs.NumPriorities {
		return fail(defs.EINVALID_ARGUMENT)
	}
	sched.SetPriority(cpu, target, int(prio))
	return ok(0)
}

func sysSetTaskName(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	target, e := lookupTarget(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	name, e := readUserName(t, t.Regs.Arg(1), t.Regs.Arg(2))
	if e != defs.EOK {
		return fail(e)
	}
	return fail(target.SetName(name))
}

func sysGetPageTable(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	target, e := lookupTarget(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	if target.PageTable == nil {
		return fail(defs.ENO_SUCH_OBJECT)
	}
	return ok(uint64(target.PageTable.ID))
}

// regsEncode fixes the register-file layout get_registers/set_registers
// exchange with user space: syscall convention first, then control flow.
func regsEncode(r *proc.Regs_t) []uint8 {
	raw := make([]uint8, 9*8)
	vals := [9]uint64{r.RAX, r.RDI, r.RSI, r.RDX, r.R10, r.R8, r.R9, r.RIP, r.RSP}
	for i, v := range vals {
		binary.LittleEndian.PutUint64(raw[i*8:], v)
	}
	return raw
}

func regsDecode(r *proc.Regs_t, raw []uint8) {
	get := func(i int) uint64 { return binary.LittleEndian.Uint64(raw[i*8:]) }
	r.RAX, r.RDI, r.RSI, r.RDX = get(0), get(1), get(2), get(3)
	r.R10, r.R8, r.R9, r.RIP, r.RSP = get(4), get(5), get(6), get(7), get(8)
}

func sysGetRegisters(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	target, e := lookupTarget(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	if t.PageTable == nil {
		return fail(defs.EFAULT)
	}
	raw := regsEncode(&target.Regs)
	ub := vm.NewUserbuf(t.PageTable, t.Regs.Arg(1), len(raw))
	if _, werr := ub.Uiowrite(raw); werr != defs.EOK {
		return fail(werr)
	}
	return ok(0)
}

// sysSetRegisters rewrites a stopped task's register file; a Running or
// Ready target would race the scheduler, so only Uninit and Paused tasks
// can be retargeted.
func sysSetRegisters(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	target, e := lookupTarget(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	target.SchedLock.Lock()
	stopped := target.Status == defs.Uninit || target.Status == defs.Paused
	target.SchedLock.Unlock()
	if !stopped {
		return fail(defs.EBUSY)
	}
	if t.PageTable == nil {
		return fail(defs.EFAULT)
	}
	raw := make([]uint8, 9*8)
	ub := vm.NewUserbuf(t.PageTable, t.Regs.Arg(1), len(raw))
	if _, rerr := ub.Uioread(raw); rerr != defs.EOK {
		return fail(rerr)
	}
	regsDecode(&target.Regs, raw)
	return ok(0)
}

// sysAssignPageTable gives a task its address space: a fresh empty one, or
// a copy-on-write clone of the caller's (the fork path). Fails
// EHAS_PAGE_TABLE once a task has one.
func sysAssignPageTable(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	const modeClone = 1
	target, e := lookupTarget(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	var m tmap.Mapper_i = tmap.DirectMapper_t{}
	if cpu.Mapper != nil {
		m = cpu.Mapper
	}

	var pt *vm.PageTable_t
	if t.Regs.Arg(1) == modeClone {
		if t.PageTable == nil {
			return fail(defs.EINVALID_ARGUMENT)
		}
		clone, cerr := t.PageTable.CreateClone(m)
		if cerr != defs.EOK {
			return fail(cerr)
		}
		pt = clone
	} else {
		pt = vm.New(m)
	}
	if e := target.SetPageTable(pt); e != defs.EOK {
		pt.Destroy()
		return fail(e)
	}
	return ok(uint64(pt.ID))
}

func sysDeleteRegion(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	target, e := lookupTarget(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	if target.PageTable == nil {
		return fail(defs.EINVALID_ARGUMENT)
	}
	start := t.Regs.Arg(1)
	for _, r := range target.PageTable.Regions() {
		if r.Start == start {
			return fail(target.PageTable.RemoveRegion(r))
		}
	}
	return fail(defs.ENO_FREE_REGION)
}

func sysGetPageAddress(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	target, e := lookupTarget(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	if target.PageTable == nil {
		return fail(defs.EINVALID_ARGUMENT)
	}
	pa, perr := target.PageTable.APT.PhysAddrOf(uintptr(t.Regs.Arg(1)))
	if perr != defs.EOK {
		return fail(perr)
	}
	return ok(uint64(pa))
}

func sysReleaseMemObject(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	mo, ok2 := mobj.Lookup(defs.MOID(t.Regs.Arg(0)))
	if !ok2 {
		return fail(defs.ENO_SUCH_OBJECT)
	}
	if mo.PinnedCount() > 0 {
		return fail(defs.EBUSY)
	}
	mo.Destroy()
	mobj.Forget(mo.ID)
	return ok(0)
}

// sysMemObjectGetPageAddress resolves an object offset to the physical
// frame backing it, allocating it the same way a fault would on a
// pagerless object; the round-trip check that a faulting write and this
// call observe the same frame depends on that.
func sysMemObjectGetPageAddress(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	mo, ok2 := mobj.Lookup(defs.MOID(t.Regs.Arg(0)))
	if !ok2 {
		return fail(defs.ENO_SUCH_OBJECT)
	}
	ppn, res := mo.RequestPage(t.Regs.Arg(1))
	switch res {
	case mobj.PageReady:
		return ok(uint64(ppn))
	case mobj.PagePending:
		return fail(defs.EPAGE_NOT_PRESENT)
	case mobj.PageOutOfRange:
		return fail(defs.EOUT_OF_RANGE)
	default:
		return fail(defs.EOUT_OF_MEMORY)
	}
}

// --- virtual memory ------------------------------------------------------

func sysTransferRegion(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	src, e := lookupTarget(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	start := t.Regs.Arg(1)
	dst, e := lookupTarget(t, t.Regs.Arg(2))
	if e != defs.EOK {
		return fail(e)
	}
	base := t.Regs.Arg(3)
	if src.PageTable == nil || dst.PageTable == nil {
		return fail(defs.EINVALID_ARGUMENT)
	}

	var target *region.Region_t
	for _, r := range src.PageTable.Regions() {
		if r.Start == start {
			target = r
			break
		}
	}
	if target == nil {
		return fail(defs.ENO_FREE_REGION)
	}
	if _, e := src.PageTable.MoveRegion(target, dst.PageTable, base); e != defs.EOK {
		return fail(e)
	}
	return ok(0)
}

func regionAccess(flags uint64) region.Access {
	a := region.Access(0)
	if flags&1 != 0 {
		a |= region.R
	}
	if flags&2 != 0 {
		a |= region.W
	}
	if flags&4 != 0 {
		a |= region.X
	}
	return a
}

func sysCreateNormalRegion(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	target, e := lookupTarget(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	start := t.Regs.Arg(1)
	size := t.Regs.Arg(2)
	access := regionAccess(t.Regs.Arg(3))
	if target.PageTable == nil {
		return fail(defs.EINVALID_ARGUMENT)
	}
	r := region.NewAnon(target.PageTable.APT, start, size, access, ustr.MkUstrSlice([]uint8("anon")))
	if e := target.PageTable.AddRegion(r); e != defs.EOK {
		return fail(e)
	}
	return ok(start)
}

// sysCreatePhysMapRegion maps a fixed physical range into a task's
// address space. A privileged operation; access control over who may
// call it belongs to whatever boots the first tasks, since this core has
// no separate capability gating its own syscalls.
func sysCreatePhysMapRegion(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	target, e := lookupTarget(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	start := t.Regs.Arg(1)
	size := t.Regs.Arg(2)
	phys := mem.Pa_t(t.Regs.Arg(3))
	access := regionAccess(t.Regs.Arg(4))
	if target.PageTable == nil {
		return fail(defs.EINVALID_ARGUMENT)
	}
	r := region.NewPhysMapped(target.PageTable.APT, start, size, phys, access, ustr.MkUstrSlice([]uint8("physmap")))
	if e := target.PageTable.AddRegion(r); e != defs.EOK {
		return fail(e)
	}
	return ok(start)
}

// portPager_t adapts a task-owned Port_t into mobj.Pager_i, so a memory
// object's pager round-trip sends a real, wire-stable
// IPC_Kernel_Request_Page through the same Port_t the rest of IPC uses,
// rather than the in-process callback a test double stands in for.
type portPager_t struct {
	port *port.Port_t
}

func (p portPager_t) RequestPage(moid defs.MOID, offset uint64) {
	msg := ipcmsg.Kernel_Request_Page{Type: ipcmsg.KernelRequestPage, MemObject: uint64(moid), PageOff: offset}
	p.port.DeliverKernel(&port.Message_t{Payload: msg.Encode()})
}

func sysCreateMemObject(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	pages := t.Regs.Arg(0)
	var pager mobj.Pager_i
	if pagerPort := t.Regs.Arg(1); pagerPort != 0 {
		p, ok2 := port.Lookup(defs.PortID(pagerPort))
		if !ok2 {
			return fail(defs.ENO_SUCH_OBJECT)
		}
		pager = portPager_t{port: p}
	}
	mo := mobj.New(pages, pager)
	return ok(uint64(mo.ID))
}

// sysCompletePageRequest is the pager's reply to a Kernel_Request_Page: it
// installs the frame the pager chose into the object's slot and wakes
// every page table blocked on the corresponding VA (mobj.CompletePage's
// Pinner_i.NotifyPage fan-out).
func sysCompletePageRequest(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	mo, ok2 := mobj.Lookup(defs.MOID(t.Regs.Arg(0)))
	if !ok2 {
		return fail(defs.ENO_SUCH_OBJECT)
	}
	offset := t.Regs.Arg(1)
	ppn := mem.Pa_t(t.Regs.Arg(2))
	return fail(mo.CompletePage(offset, ppn))
}

func sysMapMemObject(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	target, e := lookupTarget(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	mo, ok2 := mobj.Lookup(defs.MOID(t.Regs.Arg(1)))
	if !ok2 {
		return fail(defs.ENO_SUCH_OBJECT)
	}
	start := t.Regs.Arg(2)
	access := regionAccess(t.Regs.Arg(3))
	cow := t.Regs.Arg(4) != 0
	objOffset := t.Regs.Arg(5)
	if target.PageTable == nil {
		return fail(defs.EINVALID_ARGUMENT)
	}
	objSize := mo.SizePages() * uint64(mem.PGSIZE)
	r := region.NewObjectBacked(target.PageTable.APT, start, objSize, access,
		ustr.MkUstrSlice([]uint8("mo")), mo, objOffset, 0, objSize, cow)
	if e := target.PageTable.AddRegion(r); e != defs.EOK {
		return fail(e)
	}
	return ok(start)
}

// --- task groups -----------------------------------------------------

func sysCreateGroup(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	g := taskgroup.New()
	t.JoinGroup(g)
	return ok(uint64(g.ID()))
}

func sysGroupAddTask(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	g, ok2 := taskgroup.Lookup(defs.GroupID(t.Regs.Arg(0)))
	if !ok2 {
		return fail(defs.ENO_SUCH_OBJECT)
	}
	target, e := lookupTarget(t, t.Regs.Arg(1))
	if e != defs.EOK {
		return fail(e)
	}
	target.JoinGroup(g)
	return ok(0)
}

func sysGroupRemoveTask(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	g, ok2 := taskgroup.Lookup(defs.GroupID(t.Regs.Arg(0)))
	if !ok2 {
		return fail(defs.ENO_SUCH_OBJECT)
	}
	target, e := lookupTarget(t, t.Regs.Arg(1))
	if e != defs.EOK {
		return fail(e)
	}
	target.LeaveGroup(g)
	return ok(0)
}

func sysGroupQuery(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	g, ok2 := taskgroup.Lookup(defs.GroupID(t.Regs.Arg(0)))
	if !ok2 {
		return fail(defs.ENO_SUCH_OBJECT)
	}
	target, e := lookupTarget(t, t.Regs.Arg(1))
	if e != defs.EOK {
		return fail(e)
	}
	if g.IsMember(target.Tid) {
		return ok(1)
	}
	return ok(0)
}

func sysSetNotifyMask(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	g, ok2 := taskgroup.Lookup(defs.GroupID(t.Regs.Arg(0)))
	if !ok2 {
		return fail(defs.ENO_SUCH_OBJECT)
	}
	if !g.IsMember(t.Tid) {
		return fail(defs.ENOT_PERMITTED)
	}
	p, ok3 := port.Lookup(defs.PortID(t.Regs.Arg(1)))
	if !ok3 {
		return fail(defs.ENO_SUCH_OBJECT)
	}
	mask := taskgroup.EventMask(t.Regs.Arg(2))
	g.Watch(p, mask)
	return ok(0)
}

// --- loading, scheduling, misc ----------------------------------------

// sysLoadExecutable parses an ELF image out of a memory object's
// resident pages and installs it into a target's page table. The
// object's pages must already be present (an unresolved pager
// round-trip here would have to block on a per-page basis this syscall
// doesn't do); a loader image a pager streams in lazily should be
// mapped with map_mem_object and faulted in on demand instead.
func sysLoadExecutable(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	target, e := lookupTarget(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	mo, ok2 := mobj.Lookup(defs.MOID(t.Regs.Arg(1)))
	if !ok2 {
		return fail(defs.ENO_SUCH_OBJECT)
	}
	if target.PageTable == nil {
		return fail(defs.EINVALID_ARGUMENT)
	}

	// Pin each slot for the duration of the copy: a concurrent
	// atomic_resize shrink must not free a frame this loop is reading.
	pgsize := uint64(mem.PGSIZE)
	npages := mo.SizePages()
	data := make([]uint8, npages*pgsize)
	for i := uint64(0); i < npages; i++ {
		off := i * pgsize
		ppn, res := mo.RequestPage(off)
		if res != mobj.PageReady {
			return fail(defs.ENOT_SUPPORTED)
		}
		if e := mo.PinSlot(off); e != defs.EOK {
			return fail(e)
		}
		copy(data[off:], mem.Physmem.Dmap8(ppn)[:pgsize])
		mo.UnpinSlot(off)
	}

	res, e := elfload.Load(data, target.PageTable)
	if e != defs.EOK {
		return fail(e)
	}
	if e := target.Start(uintptr(res.Entry), uintptr(res.StackTop)); e != defs.EOK {
		return fail(e)
	}
	sched.PushReady(target)
	return ok(res.Entry)
}

// timer_t is one pending one-shot timer, fired by Tick against wall-clock
// time rather than a simulated interrupt source: nothing in this core
// drives a real timer interrupt, so request_timer's contract (deliver a
// kernel message to a port when the requested duration elapses) is
// instead served by whatever drives the scheduler's main loop calling
// Tick periodically.
type timer_t struct {
	id   uint64
	due  time.Time
	port *port.Port_t
}

var (
	timersMu  sync.Mutex
	timers    []timer_t
	nextTimer uint64
)

func sysRequestTimer(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	durationNs := t.Regs.Arg(0)
	p, ok2 := port.Lookup(defs.PortID(t.Regs.Arg(1)))
	if !ok2 {
		return fail(defs.ENO_SUCH_OBJECT)
	}
	timersMu.Lock()
	nextTimer++
	id := nextTimer
	timers = append(timers, timer_t{id: id, due: time.Now().Add(time.Duration(durationNs)), port: p})
	timersMu.Unlock()
	return ok(id)
}

// Tick services expired timers by building
// and encoding a wire-stable IPC_Timer_Reply for each and delivering it to
// the arming port, exactly the message ipcmsg.Timer_Reply describes.
// Called from the same place a real kernel would service a timer
// interrupt.
func Tick() {
	now := time.Now()
	timersMu.Lock()
	remaining := timers[:0]
	var fired []timer_t
	for _, tm := range timers {
		if now.Before(tm.due) {
			remaining = append(remaining, tm)
		} else {
			fired = append(fired, tm)
		}
	}
	timers = remaining
	timersMu.Unlock()

	for _, tm := range fired {
		reply := ipcmsg.MkTimerReply(tm.id, defs.EOK)
		tm.port.DeliverKernel(&port.Message_t{Payload: reply.Encode()})
	}
}

func sysSetAffinity(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	target, e := lookupTarget(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	aff := defs.NoCPU
	if raw := int64(t.Regs.Arg(1)); raw >= 0 {
		aff = defs.CPUID(raw)
	}
	sched.ChangeAffinity(cpu, target, aff)
	return ok(0)
}

func sysYield(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	sched.Evict(cpu)
	return ok(0)
}

var bootTime = time.Now()

// sysGetTime returns nanoseconds: monotonic since boot by default,
// realtime since the epoch when the clock-selector argument asks for it.
func sysGetTime(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	const clockRealtime = 1
	if t.Regs.Arg(0) == clockRealtime {
		return ok(uint64(time.Now().UnixNano()))
	}
	return ok(uint64(time.Since(bootTime).Nanoseconds()))
}

func sysKillTask(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	target, e := lookupTarget(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	sched.Kill(target)
	return ok(0)
}

func sysPause(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	target, e := lookupTarget(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	sched.Suspend(target)
	return ok(0)
}

func sysResume(t *proc.TaskDescriptor_t, cpu *sched.CPU_t) Result_t {
	target, e := lookupTarget(t, t.Regs.Arg(0))
	if e != defs.EOK {
		return fail(e)
	}
	sched.Resume(target)
	return ok(0)
}
