package taskgroup

import (
	"defs"
	"ipcmsg"
	"port"
	"testing"
)

// pop drains one message off p, failing the test if none is queued.
func pop(t *testing.T, p *port.Port_t) *port.Message_t {
	t.Helper()
	msg, _, _, err := p.GetFirstMessage(true, nil, true)
	if err != 0 {
		t.Fatalf("expected a queued message, got %v", err)
	}
	return msg
}

func TestWatchDeliversMembershipEvents(t *testing.T) {
	g := New()
	w := port.New(100)
	g.Watch(w, EvAdd|EvRemove)

	g.AddMember(1)
	ev := ipcmsg.DecodeGroupTaskChanged(pop(t, w).Payload)
	if ev.Type != ipcmsg.KernelGroupTaskChanged || ev.EventType != ipcmsg.EventGroupTaskAdded {
		t.Fatalf("expected task-added event, got %+v", ev)
	}
	if ev.GroupID != uint64(g.ID()) || ev.TaskID != 1 {
		t.Fatalf("wrong group/task in event: %+v", ev)
	}

	g.AddMember(2)
	pop(t, w)

	g.RemoveMember(1)
	ev = ipcmsg.DecodeGroupTaskChanged(pop(t, w).Payload)
	if ev.EventType != ipcmsg.EventGroupTaskRemoved || ev.TaskID != 1 {
		t.Fatalf("expected task-removed event for tid 1, got %+v", ev)
	}
}

func TestWatchMaskFilters(t *testing.T) {
	g := New()
	w := port.New(101)
	g.Watch(w, EvAdd)

	g.AddMember(1)
	pop(t, w)
	g.AddMember(2)
	pop(t, w)

	g.RemoveMember(1)
	if _, _, _, err := w.GetFirstMessage(true, nil, true); err == 0 {
		t.Fatal("watcher masked to EvAdd must not see a remove event")
	}
}

func TestUnwatchStopsDelivery(t *testing.T) {
	g := New()
	w := port.New(102)
	g.Watch(w, EvAdd|EvRemove)
	g.Unwatch(w)

	g.AddMember(1)
	if _, _, _, err := w.GetFirstMessage(true, nil, true); err == 0 {
		t.Fatal("expected no delivery after Unwatch")
	}
}

// TestLastMemberRemovalDestroysGroup pins the group lifecycle: membership
// is the reference count, and the last leave destroys the group, fires
// the destroy notification, retires its rights and drops it from the
// global index.
func TestLastMemberRemovalDestroysGroup(t *testing.T) {
	g := New()
	w := port.New(103)
	g.Watch(w, EvDestroy)

	target := port.New(104)
	g.AddMember(1)
	r := g.NewRight(target, defs.SendMany)

	g.RemoveMember(1)

	ev := ipcmsg.DecodeGroupDestroyed(pop(t, w).Payload)
	if ev.Type != ipcmsg.KernelGroupDestroyed || ev.GroupID != uint64(g.ID()) {
		t.Fatalf("expected destroy notification for group %d, got %+v", g.ID(), ev)
	}
	if _, ok := Lookup(g.ID()); ok {
		t.Fatal("destroyed group still in the global index")
	}
	if _, ok := g.Resolve(r.ID); ok {
		t.Fatal("right survived its namespace's destruction")
	}
	if res := port.SendMessageRight(g, r.ID, 1, nil, 0, nil, nil, false); res.Err == 0 {
		t.Fatal("expected send through a dead group's right to fail")
	}

	// a second destroy (racing explicit teardown) is a no-op.
	g.Destroy()
}

func TestRemoveNonLastMemberKeepsGroup(t *testing.T) {
	g := New()
	g.AddMember(1)
	g.AddMember(2)
	g.RemoveMember(1)
	if _, ok := Lookup(g.ID()); !ok {
		t.Fatal("group with a remaining member must survive")
	}
	if !g.IsMember(2) {
		t.Fatal("remaining member lost")
	}
}
