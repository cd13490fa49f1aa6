package sysc

import (
	"apt"
	"defs"
	"mem"
	"mobj"
	"port"
	"proc"
	"region"
	"sched"
	"testing"
	"tmap"
	"ustr"
	"vm"
)

// call drives one syscall through Dispatch against a simulated trap frame,
// the same register convention test/dispatch_test.go uses.
func call(cpu *sched.CPU_t, num uint64, args ...uint64) (uint64, int64) {
	t := cpu.Current
	t.Regs.RAX = num
	regs := [6]*uint64{&t.Regs.RDI, &t.Regs.RSI, &t.Regs.RDX, &t.Regs.R10, &t.Regs.R8, &t.Regs.R9}
	for i := range regs {
		*regs[i] = 0
	}
	for i, a := range args {
		*regs[i] = a
	}
	Dispatch(cpu)
	ret := t.Regs.RAX
	return ret, int64(ret)
}

func setupVM(t *testing.T) {
	mem.Phys_init(16 << 20)
	_, kpd, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatal("oom")
	}
	_, krec, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatal("oom")
	}
	apt.SetKernelTemplate(kpd, krec)
}

// withUserMem gives tsk an address space with one writable region at base
// and returns a store function for staging syscall argument buffers in it.
func withUserMem(t *testing.T, tsk *proc.TaskDescriptor_t, base, size uint64) func(va uint64, b []uint8) {
	pt := vm.New(tmap.DirectMapper_t{})
	r := region.NewAnon(pt.APT, base, size, region.R|region.W, ustr.MkUstrSlice([]uint8("scratch")))
	if err := pt.AddRegion(r); err != 0 {
		t.Fatalf("add region: %v", err)
	}
	if err := tsk.SetPageTable(pt); err != 0 {
		t.Fatalf("set page table: %v", err)
	}
	return func(va uint64, b []uint8) {
		ub := vm.NewUserbuf(pt, va, len(b))
		if _, err := ub.Uiowrite(b); err != 0 {
			t.Fatalf("staging user memory at %#x: %v", va, err)
		}
	}
}

func TestDispatchUnknownSyscallIsENOTSUP(t *testing.T) {
	cpu := sched.NewCPU(800, nil, proc.New())
	tsk := proc.New()
	cpu.Current = tsk

	if _, errno := call(cpu, 7); errno != int64(defs.ENOTSUP) {
		t.Fatalf("expected ENOTSUP for an unassigned number, got %d", errno)
	}
	if _, errno := call(cpu, 9999); errno != int64(defs.ENOTSUP) {
		t.Fatalf("expected ENOTSUP past the table, got %d", errno)
	}
}

// TestDispatchLogsRestartChainOnce pins the restart-chain dedup behavior:
// the same blocking call chain must be recorded exactly once no matter how
// many times the syscall suspends and reruns.
func TestDispatchLogsRestartChainOnce(t *testing.T) {
	restartChains.Reset()
	cpu := sched.NewCPU(801, nil, proc.New())
	tsk := proc.New()
	cpu.Current = tsk

	portID, errno := call(cpu, 13, 0)
	if errno < 0 {
		t.Fatalf("create_port: errno %d", errno)
	}

	for i := 0; i < 3; i++ {
		cpu.Current = tsk
		tsk.Regs.RAX = 9 // get_message_info, empty port, no FLAG_NOBLOCK
		tsk.Regs.RDI = portID
		tsk.Regs.RSI = 0
		Dispatch(cpu)
		if !tsk.Restart.Pending {
			t.Fatalf("iteration %d: expected pending restart", i)
		}
		sched.Unblock(tsk)
	}
	if n := restartChains.Len(); n != 1 {
		t.Fatalf("expected exactly one recorded restart chain, got %d", n)
	}
}

func TestNamedPortSyscalls(t *testing.T) {
	setupVM(t)
	cpu := sched.NewCPU(802, nil, proc.New())
	owner := proc.New()
	cpu.Current = owner
	store := withUserMem(t, owner, 0x10000, 0x4000)

	portID, errno := call(cpu, 13, 0)
	if errno < 0 {
		t.Fatalf("create_port: errno %d", errno)
	}
	store(0x10000, []uint8("svc\x00"))
	if _, errno := call(cpu, 14, portID, 0x10000, 4); errno < 0 {
		t.Fatalf("name_port: errno %d", errno)
	}

	client := proc.New()
	cpu.Current = client
	cstore := withUserMem(t, client, 0x10000, 0x4000)
	cstore(0x10000, []uint8("svc\x00"))
	got, errno := call(cpu, 15, 0x10000, 4, 1) // FLAG_NOBLOCK
	if errno < 0 {
		t.Fatalf("get_port_by_name: errno %d", errno)
	}
	if got != portID {
		t.Fatalf("get_port_by_name returned %d, want %d", got, portID)
	}

	// an unknown name without FLAG_NOBLOCK suspends until someone
	// publishes it.
	cstore(0x10800, []uint8("later\x00"))
	call(cpu, 15, 0x10800, 6, 0)
	if !client.Restart.Pending {
		t.Fatal("expected blocking lookup to arm a restart")
	}
	laterPort := port.New(owner.Tid)
	if err := port.NamePort(laterPort, ustr.Ustr("later")); err != 0 {
		t.Fatalf("name_port: %v", err)
	}
	if client.Status != defs.Ready {
		t.Fatalf("expected publication to unblock the waiter, got %v", client.Status)
	}
	cpu.Current = client
	Dispatch(cpu)
	if got := client.Regs.RAX; got != uint64(laterPort.ID) {
		t.Fatalf("restarted lookup returned %d, want %d", got, laterPort.ID)
	}
}

func TestAcceptRightsSyscall(t *testing.T) {
	setupVM(t)
	cpu := sched.NewCPU(803, nil, proc.New())
	recv := proc.New()
	cpu.Current = recv
	store := withUserMem(t, recv, 0x20000, 0x4000)

	if _, errno := call(cpu, 31); errno < 0 {
		t.Fatalf("create_group: errno %d", errno)
	}
	mainPort, errno := call(cpu, 13, 0)
	if errno < 0 {
		t.Fatalf("create_port: errno %d", errno)
	}
	auxPort, errno := call(cpu, 13, 0)
	if errno < 0 {
		t.Fatalf("create_port (aux): errno %d", errno)
	}
	sendRight, errno := call(cpu, 16, mainPort, uint64(defs.SendMany))
	if errno < 0 {
		t.Fatalf("create_right: errno %d", errno)
	}
	auxRight, errno := call(cpu, 16, auxPort, uint64(defs.SendMany))
	if errno < 0 {
		t.Fatalf("create_right (aux): errno %d", errno)
	}

	// stage the aux-right ID array: [auxRight, 0, 0, 0]
	raw := make([]uint8, 32)
	raw[0] = uint8(auxRight)
	store(0x20000, raw)
	if _, errno := call(cpu, 11, sendRight, 0, 0, 0, 0, 0x20000); errno < 0 {
		t.Fatalf("send_message_right with aux: errno %d", errno)
	}
	// the aux right left the sender's namespace with the message.
	if _, errno := call(cpu, 18, auxRight); errno >= 0 {
		t.Fatal("expected the sent aux right to be gone from the namespace")
	}

	if _, errno := call(cpu, 10, mainPort, 0, 0, 1); errno < 0 {
		t.Fatalf("get_first_message: errno %d", errno)
	}
	n, errno := call(cpu, 20, 0x20100)
	if errno < 0 || n != 1 {
		t.Fatalf("accept_rights: got %d (errno %d), want 1", n, errno)
	}
}

// TestMemObjectPageAddressRoundTrip checks the frame a faulting access
// installs is the frame mem_object_get_page_address reports.
func TestMemObjectPageAddressRoundTrip(t *testing.T) {
	setupVM(t)
	cpu := sched.NewCPU(804, nil, proc.New())
	tsk := proc.New()
	cpu.Current = tsk
	withUserMem(t, tsk, 0x90000, 0x1000)

	moID, errno := call(cpu, 30, 4, 0)
	if errno < 0 {
		t.Fatalf("create_mem_object: errno %d", errno)
	}
	if _, errno := call(cpu, 41, 0, moID, 0x30000, 3, 0, 0); errno < 0 {
		t.Fatalf("map_mem_object: errno %d", errno)
	}

	if err := HandlePageFault(cpu, 0x30000, true); err != 0 {
		t.Fatalf("fault: %v", err)
	}
	faultPPN, errno := call(cpu, 48, 0, 0x30000)
	if errno < 0 {
		t.Fatalf("get_page_address: errno %d", errno)
	}
	objPPN, errno := call(cpu, 50, moID, 0)
	if errno < 0 {
		t.Fatalf("mem_object_get_page_address: errno %d", errno)
	}
	if faultPPN != objPPN {
		t.Fatalf("fault observed frame %#x, object reports %#x", faultPPN, objPPN)
	}

	// a pinned object cannot be released out from under its mapping.
	if _, errno := call(cpu, 49, moID); errno != int64(defs.EBUSY) {
		t.Fatalf("expected EBUSY releasing a pinned object, got %d", errno)
	}
}

func TestSetPriorityAndGetPageTable(t *testing.T) {
	setupVM(t)
	cpu := sched.NewCPU(805, nil, proc.New())
	tsk := proc.New()
	cpu.Current = tsk

	if _, errno := call(cpu, 5, 0, 99); errno != int64(defs.EINVALID_ARGUMENT) {
		t.Fatalf("expected EINVALID_ARGUMENT for out-of-range priority, got %d", errno)
	}
	if _, errno := call(cpu, 5, 0, 3); errno < 0 {
		t.Fatalf("set_priority: errno %d", errno)
	}
	if tsk.Priority != 3 {
		t.Fatalf("priority not applied: %d", tsk.Priority)
	}

	if _, errno := call(cpu, 19, 0); errno >= 0 {
		t.Fatal("expected get_page_table to fail without an address space")
	}
	ptID, errno := call(cpu, 29, 0, 0)
	if errno < 0 {
		t.Fatalf("assign_page_table: errno %d", errno)
	}
	got, errno := call(cpu, 19, 0)
	if errno < 0 || got != ptID {
		t.Fatalf("get_page_table returned %d (errno %d), want %d", got, errno, ptID)
	}
	if _, errno := call(cpu, 29, 0, 0); errno != int64(defs.EHAS_PAGE_TABLE) {
		t.Fatalf("expected EHAS_PAGE_TABLE on reassign, got %d", errno)
	}
}

func TestDeleteRegionUnblocksWaiter(t *testing.T) {
	setupVM(t)
	cpu := sched.NewCPU(806, nil, proc.New())
	tsk := proc.New()
	cpu.Current = tsk

	pagerOwner := proc.New()
	pagerPort := port.New(pagerOwner.Tid)
	mo := mobj.New(4, pagerBridge{pagerPort})
	pt := vm.New(tmap.DirectMapper_t{})
	if err := tsk.SetPageTable(pt); err != 0 {
		t.Fatalf("set page table: %v", err)
	}
	size := 4 * uint64(mem.PGSIZE)
	r := region.NewObjectBacked(pt.APT, 0x40000, size, region.R|region.W,
		ustr.MkUstrSlice([]uint8("mo")), mo, 0, 0, size, false)
	if err := pt.AddRegion(r); err != 0 {
		t.Fatalf("add region: %v", err)
	}

	// fault goes to the pager and parks the task.
	if err := HandlePageFault(cpu, 0x40000, false); err != 0 {
		t.Fatalf("fault: %v", err)
	}
	if tsk.Status != defs.Blocked {
		t.Fatalf("expected task blocked on the pending page, got %v", tsk.Status)
	}

	ch := pt.Wait(0x40000)
	if err := pt.RemoveRegion(r); err != 0 {
		t.Fatalf("remove region: %v", err)
	}
	select {
	case <-ch:
	default:
		t.Fatal("expected region deletion to wake page waiters")
	}
}

// pagerBridge adapts a port into mobj.Pager_i the same way the
// create_mem_object handler's portPager_t does, for tests that build the
// object directly.
type pagerBridge struct{ p *port.Port_t }

func (b pagerBridge) RequestPage(moid defs.MOID, offset uint64) {
	b.p.DeliverKernel(&port.Message_t{})
}
