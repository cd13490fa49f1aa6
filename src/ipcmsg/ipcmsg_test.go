package ipcmsg

import (
	"defs"
	"testing"
)

func TestKernelRequestPageRoundTrip(t *testing.T) {
	m := Kernel_Request_Page{Type: KernelRequestPage, MemObject: 7, PageOff: 0x3000}
	got := DecodeKernelRequestPage(m.Encode())
	if got != m {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, m)
	}
}

func TestTimerReplyEncodesStatus(t *testing.T) {
	m := MkTimerReply(42, defs.EFAULT)
	b := m.Encode()
	if len(b) != 40 {
		t.Fatalf("unexpected length %d", len(b))
	}
	if b[0] != byte(TimerReply) {
		t.Fatalf("bad type tag")
	}
}

func TestTimerReplyRoundTrip(t *testing.T) {
	m := MkTimerReply(42, defs.EOK)
	got := DecodeTimerReply(m.Encode())
	if got != m {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, m)
	}
}
