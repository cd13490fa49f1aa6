package kstat

import (
	"bytes"
	"fmt"
	"mem"
	"mobj"
	"proc"
	"sched"
	"testing"
)

func TestSchedulerSnapshotReportsReadyTasks(t *testing.T) {
	idle := proc.New()
	c := sched.NewCPU(200, nil, idle)

	tsk := proc.New()
	tsk.Priority = 4
	tsk.Affinity = c.ID
	sched.PushReady(tsk)

	p := SchedulerSnapshot()
	if err := p.CheckValid(); err != nil {
		t.Fatalf("invalid profile: %v", err)
	}
	found := false
	for _, s := range p.Sample {
		if s.Label["cpu"][0] == "cpu200" && s.Label["priority"][0] == "4" {
			found = true
			if s.Value[0] != 1 {
				t.Fatalf("expected 1 task, got %d", s.Value[0])
			}
		}
	}
	if !found {
		t.Fatalf("expected a sample for cpu200 priority 4, got %+v", p.Sample)
	}
}

func TestResidencySnapshotCountsPresentPages(t *testing.T) {
	mem.Phys_init(2 << 20)
	mo := mobj.New(4, nil)
	if _, res := mo.RequestPage(0); res != mobj.PageReady {
		t.Fatalf("expected page ready")
	}

	p := ResidencySnapshot()
	if err := p.CheckValid(); err != nil {
		t.Fatalf("invalid profile: %v", err)
	}
	var got int64
	want := fmt.Sprintf("%d", mo.ID)
	for _, s := range p.Sample {
		if s.Label["mem_object"][0] == want {
			got = s.Value[0]
		}
	}
	if got != 1 {
		t.Fatalf("expected 1 resident page, got %d", got)
	}
}

func TestWriteProducesNonemptyBytes(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(SchedulerSnapshot(), &buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("expected nonempty gzip-encoded profile")
	}
}
