// Package integration drives the syscall dispatch table end to end
// against a simulated trap frame, with golang.org/x/sys/unix providing
// the OS-level facilities that pace and validate it: a real nanosecond
// sleep for the timer-ordering test below, and a host page-size sanity
// check before any test trusts the kernel's own frame-size constant.
package integration

import (
	"defs"
	"ipcmsg"
	"mem"
	"port"
	"proc"
	"sched"
	"sysc"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

const sysRequestTimer = 37

// TestHostPageSizeMatchesKernelConstant guards every other test's
// assumption that a 4 KiB kernel frame corresponds to a real page: if the
// harness ever runs on a host with a different native page size, every
// frame-granularity assertion elsewhere would be testing a fiction.
func TestHostPageSizeMatchesKernelConstant(t *testing.T) {
	if got := unix.Getpagesize(); got != mem.PGSIZE {
		t.Fatalf("host page size %d does not match mem.PGSIZE %d", got, mem.PGSIZE)
	}
}

// TestTimerDeliveryOrder: two timers armed through the real
// request_timer syscall on ports P1 (due sooner) and P2 (due later).
// Between the two deadlines only P1 has a reply queued; after both
// deadlines, so does P2. The waits are real wall-clock sleeps
// via unix.Nanosleep rather than a simulated clock, so the ordering
// genuinely depends on sysc.Tick()'s own time.Now() racing elapsed time.
func TestTimerDeliveryOrder(t *testing.T) {
	tsk := proc.New()
	idle := proc.New()
	cpu := sched.NewCPU(900, nil, idle)
	cpu.Current = tsk

	p1 := port.New(tsk.Tid)
	p2 := port.New(tsk.Tid)

	const short = 15 * time.Millisecond
	const long = 40 * time.Millisecond

	t1 := armTimer(t, tsk, cpu, short, p1.ID)
	t2 := armTimer(t, tsk, cpu, long, p2.ID)

	sleep(t, short+10*time.Millisecond)
	sysc.Tick()

	msg1, _, _, err := p1.GetFirstMessage(false, nil, false)
	if err != 0 {
		t.Fatalf("expected P1 to have a reply queued after %v, got err %v", short, err)
	}
	reply1 := ipcmsg.DecodeTimerReply(msg1.Payload)
	if reply1.Type != ipcmsg.TimerReply {
		t.Fatalf("expected IPC_Timer_Reply type tag, got %#x", reply1.Type)
	}
	if reply1.TimerID != t1 {
		t.Fatalf("expected reply for timer %d, got %d", t1, reply1.TimerID)
	}
	if reply1.Status != int32(defs.EOK) {
		t.Fatalf("expected EOK status, got %d", reply1.Status)
	}
	if _, _, _, err := p2.GetFirstMessage(false, nil, false); err == 0 {
		t.Fatalf("expected P2 to have nothing queued yet")
	}

	sleep(t, long)
	sysc.Tick()

	msg2, _, _, err := p2.GetFirstMessage(false, nil, false)
	if err != 0 {
		t.Fatalf("expected P2 to have a reply queued after %v, got err %v", long, err)
	}
	reply2 := ipcmsg.DecodeTimerReply(msg2.Payload)
	if reply2.TimerID != t2 {
		t.Fatalf("expected reply for timer %d, got %d", t2, reply2.TimerID)
	}
}

// armTimer issues the request_timer syscall (#37) through sysc.Dispatch
// exactly as a trapping task would: the duration and port ID land in the
// argument registers, not a direct call into sysc's internals. It returns
// the timer ID request_timer hands back in RAX, so the caller can match
// it against the TimerID an IPC_Timer_Reply later carries.
func armTimer(t *testing.T, tsk *proc.TaskDescriptor_t, cpu *sched.CPU_t, d time.Duration, portID defs.PortID) uint64 {
	t.Helper()
	tsk.Regs.RAX = sysRequestTimer
	tsk.Regs.RDI = uint64(d.Nanoseconds())
	tsk.Regs.RSI = uint64(portID)
	sysc.Dispatch(cpu)
	ret := int64(tsk.Regs.RAX)
	if ret < 0 {
		t.Fatalf("request_timer: errno %d", ret)
	}
	return uint64(ret)
}

// sleep blocks for d using a real OS nanosleep rather than time.Sleep,
// continuing the harness's "drive against the real clock" role.
func sleep(t *testing.T, d time.Duration) {
	t.Helper()
	ts := unix.NsecToTimespec(d.Nanoseconds())
	rem := unix.Timespec{}
	for {
		err := unix.Nanosleep(&ts, &rem)
		if err == unix.EINTR {
			ts = rem
			continue
		}
		if err != nil {
			t.Fatalf("nanosleep: %v", err)
		}
		return
	}
}
