package integration

import (
	"defs"
	"proc"
	"sched"
	"sysc"
	"taskgroup"
	"testing"
)

const (
	sysCreatePort       = 13
	sysCreateRight      = 16
	sysSendMessageRight = 11
	sysGetFirstMessage  = 10
	sysCreateGroup      = 31
)

// call issues syscall num on cpu's current task with up to 6 argument
// registers, the same register-file convention a real trap would use,
// and returns the result register both raw and as a signed errno.
func call(cpu *sched.CPU_t, num uint64, args ...uint64) (uint64, int64) {
	t := cpu.Current
	t.Regs.RAX = num
	regs := [6]*uint64{&t.Regs.RDI, &t.Regs.RSI, &t.Regs.RDX, &t.Regs.R10, &t.Regs.R8, &t.Regs.R9}
	for i, a := range args {
		*regs[i] = a
	}
	sysc.Dispatch(cpu)
	ret := t.Regs.RAX
	return ret, int64(ret)
}

// TestPortRightSendRoundTrip covers the capability core (payload delivery
// is exercised separately in region/port's own unit tests, which already
// cover user-buffer copying; this test is about the
// right/namespace/reply-right plumbing across two tasks): task A creates
// a group and a port; task B joins A's group, creates a SendMany right
// over A's port, and sends through it with a reply port of its own. Task
// A receives the message and a fresh reply right ID in its own
// namespace, and that reply right is usable to send back to B.
func TestPortRightSendRoundTrip(t *testing.T) {
	idle := proc.New()
	cpu := sched.NewCPU(901, nil, idle)

	taskA := proc.New()
	taskB := proc.New()

	cpu.Current = taskA
	groupRet, errno := call(cpu, sysCreateGroup)
	if errno < 0 {
		t.Fatalf("create_group (A): errno %d", errno)
	}
	g, ok := taskgroup.Lookup(defs.GroupID(groupRet))
	if !ok {
		t.Fatalf("group %d not found after create_group", groupRet)
	}
	taskB.JoinGroup(g)

	portRet, errno := call(cpu, sysCreatePort, 0)
	if errno < 0 {
		t.Fatalf("create_port: errno %d", errno)
	}

	cpu.Current = taskB
	replyPortRet, errno := call(cpu, sysCreatePort, 0)
	if errno < 0 {
		t.Fatalf("create_port (reply): errno %d", errno)
	}
	rightRet, errno := call(cpu, sysCreateRight, portRet, uint64(defs.SendMany))
	if errno < 0 {
		t.Fatalf("create_right: errno %d", errno)
	}

	if _, errno := call(cpu, sysSendMessageRight, rightRet, 0, 0, 0, replyPortRet); errno < 0 {
		t.Fatalf("send_message_right: errno %d", errno)
	}

	// A pops and the reply right lands, under a fresh ID, in A's active
	// namespace; the sender never sees that ID.
	cpu.Current = taskA
	replyID, errno := call(cpu, sysGetFirstMessage, portRet, 0, 0, 1)
	if errno < 0 {
		t.Fatalf("get_first_message: errno %d", errno)
	}
	if replyID == 0 {
		t.Fatalf("expected a fresh reply right ID in the receiver's namespace")
	}

	// A answers through the reply right; B receives on its own port.
	if _, errno := call(cpu, sysSendMessageRight, replyID, 0, 0, 0, 0); errno < 0 {
		t.Fatalf("send through reply right: errno %d", errno)
	}
	cpu.Current = taskB
	if _, errno := call(cpu, sysGetFirstMessage, replyPortRet, 0, 0, 1); errno < 0 {
		t.Fatalf("reply not delivered to B's port: errno %d", errno)
	}

	// The reply right was SendOnce: reusing it fails. The original
	// SendMany right survives any number of sends.
	cpu.Current = taskA
	if _, errno := call(cpu, sysSendMessageRight, replyID, 0, 0, 0, 0); errno >= 0 {
		t.Fatal("expected consumed reply right to fail on reuse")
	}
	cpu.Current = taskB
	if _, errno := call(cpu, sysSendMessageRight, rightRet, 0, 0, 0, 0); errno < 0 {
		t.Fatalf("second send through SendMany right: errno %d", errno)
	}
}

// TestSendOnceRightDiesAfterOneSend: a SendOnce right used once returns
// ESRCH-equivalent on reuse.
func TestSendOnceRightDiesAfterOneSend(t *testing.T) {
	idle := proc.New()
	cpu := sched.NewCPU(902, nil, idle)

	taskA := proc.New()
	taskB := proc.New()

	cpu.Current = taskA
	groupRet, errno := call(cpu, sysCreateGroup)
	if errno < 0 {
		t.Fatalf("create_group: errno %d", errno)
	}
	g, ok := taskgroup.Lookup(defs.GroupID(groupRet))
	if !ok {
		t.Fatalf("group %d not found", groupRet)
	}
	taskB.JoinGroup(g)

	portRet, errno := call(cpu, sysCreatePort, 0)
	if errno < 0 {
		t.Fatalf("create_port: errno %d", errno)
	}

	cpu.Current = taskB
	rightRet, errno := call(cpu, sysCreateRight, portRet, uint64(defs.SendOnce))
	if errno < 0 {
		t.Fatalf("create_right: errno %d", errno)
	}

	if _, errno := call(cpu, sysSendMessageRight, rightRet, 0, 0, 0, 0); errno < 0 {
		t.Fatalf("first send: errno %d", errno)
	}
	if _, errno := call(cpu, sysSendMessageRight, rightRet, 0, 0, 0, 0); errno >= 0 {
		t.Fatalf("expected second send through a dead SendOnce right to fail, got ret %d", errno)
	}
}

// TestBlockingGetFirstMessageArmsRestart exercises Dispatch's restart path
// (and, along with it, the syscall-restart-chain tracing sysc.Dispatch
// drives through package caller): get_first_message on an empty port
// without the no-block flag must suspend the task with its original
// arguments snapshotted rather than fail outright, and calling Dispatch
// again (the "wake up and retry" half) must still see the same Blocked
// verdict since the port is still empty.
func TestBlockingGetFirstMessageArmsRestart(t *testing.T) {
	idle := proc.New()
	cpu := sched.NewCPU(904, nil, idle)
	tsk := proc.New()
	cpu.Current = tsk

	portRet, errno := call(cpu, sysCreatePort, 0)
	if errno < 0 {
		t.Fatalf("create_port: errno %d", errno)
	}

	call(cpu, sysGetFirstMessage, portRet, 0, 0, 0)
	if !tsk.Restart.Pending {
		t.Fatal("expected a pending restart after blocking on an empty port")
	}
	if tsk.Status.String() != "Blocked" {
		t.Fatalf("expected task Blocked, got %v", tsk.Status)
	}

	sched.Unblock(tsk)
	cpu.Current = tsk
	sysc.Dispatch(cpu)
	if !tsk.Restart.Pending {
		t.Fatal("expected restart still pending after a second blocked attempt")
	}
}
