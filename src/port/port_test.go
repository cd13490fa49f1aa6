package port

import (
	"defs"
	"testing"
	"ustr"
)

type fakeNS struct {
	id     defs.GroupID
	rights map[defs.RightID]*Right_t
	next   uint64
}

func newFakeNS(id defs.GroupID) *fakeNS {
	return &fakeNS{id: id, rights: make(map[defs.RightID]*Right_t)}
}

func (ns *fakeNS) NewRight(p *Port_t, typ defs.RightType_t) *Right_t {
	ns.next++
	r := &Right_t{ID: defs.RightID(ns.next), Port: p, Type: typ, Group: ns.id, NS: ns}
	ns.rights[r.ID] = r
	return r
}
func (ns *fakeNS) Resolve(id defs.RightID) (*Right_t, bool) { r, ok := ns.rights[id]; return r, ok }
func (ns *fakeNS) Remove(id defs.RightID)                   { delete(ns.rights, id) }
func (ns *fakeNS) Insert(r *Right_t) defs.RightID {
	ns.next++
	id := defs.RightID(ns.next)
	ns.rights[id] = &Right_t{ID: id, Port: r.Port, Type: r.Type, Group: ns.id, NS: ns}
	return id
}
func (ns *fakeNS) ID() defs.GroupID { return ns.id }

func TestSendAndReceive(t *testing.T) {
	owner := New(1)
	ns := newFakeNS(1)
	right := ns.NewRight(owner, defs.SendMany)

	res := SendMessageRight(ns, right.ID, 2, []uint8("hello"), 0, nil, nil, false)
	if res.Err != 0 {
		t.Fatalf("send failed: %v", res.Err)
	}

	msg, _, _, err := owner.GetFirstMessage(true, ns, false)
	if err != 0 || string(msg.Payload) != "hello" {
		t.Fatalf("receive failed: %v %v", msg, err)
	}
	// SendMany must survive the send.
	if _, ok := ns.Resolve(right.ID); !ok {
		t.Fatal("expected send-many right to survive")
	}
}

func TestSendOnceDies(t *testing.T) {
	owner := New(1)
	ns := newFakeNS(1)
	right := ns.NewRight(owner, defs.SendOnce)

	SendMessageRight(ns, right.ID, 2, []uint8("x"), 0, nil, nil, false)
	if _, ok := ns.Resolve(right.ID); ok {
		t.Fatal("expected send-once right to be consumed")
	}
}

func TestSendWithReplyRight(t *testing.T) {
	owner := New(1)
	replyOwner := New(2)
	ns := newFakeNS(1)
	replyNS := newFakeNS(2)
	_ = replyNS
	right := ns.NewRight(owner, defs.SendMany)

	res := SendMessageRight(ns, right.ID, 2, nil, 2, replyOwner, nil, false)
	if res.Err != 0 || !res.HasReply {
		t.Fatalf("expected reply right minted: %v", res)
	}

	msg, replyID, moved, err := owner.GetFirstMessage(true, ns, false)
	if err != 0 || !moved {
		t.Fatalf("expected reply right moved to receiver ns: %v", err)
	}
	if _, ok := ns.Resolve(replyID); !ok {
		t.Fatal("reply right missing from receiver namespace")
	}
	if msg.ReplyRight == nil {
		t.Fatal("expected message to carry reply right before move")
	}
}

func TestSendUnknownRight(t *testing.T) {
	ns := newFakeNS(1)
	res := SendMessageRight(ns, 999, 1, nil, 0, nil, nil, false)
	if res.Err == 0 {
		t.Fatal("expected failure for unknown right")
	}
}

func TestReplyRightLeavesSenderNamespace(t *testing.T) {
	owner := New(1)
	replyOwner := New(2)
	ns := newFakeNS(1)
	right := ns.NewRight(owner, defs.SendMany)

	res := SendMessageRight(ns, right.ID, 2, nil, 2, replyOwner, nil, false)
	if res.Err != 0 {
		t.Fatalf("send failed: %v", res.Err)
	}
	_, replyID, moved, err := owner.GetFirstMessage(true, ns, false)
	if err != 0 || !moved {
		t.Fatalf("receive failed: %v", err)
	}
	// the in-flight ID the reply right was minted under must be gone.
	if _, ok := ns.Resolve(res.ReplyID); ok && res.ReplyID != replyID {
		t.Fatal("reply right still resolvable under its pre-move ID")
	}
}

func TestAuxRightsTravelUnaccepted(t *testing.T) {
	owner := New(1)
	auxTarget := New(3)
	ns := newFakeNS(1)
	recvNS := newFakeNS(2)
	right := ns.NewRight(owner, defs.SendMany)
	aux := ns.NewRight(auxTarget, defs.SendMany)

	res := SendMessageRight(ns, right.ID, 2, nil, 0, nil, []*Right_t{aux}, false)
	if res.Err != 0 {
		t.Fatalf("send failed: %v", res.Err)
	}
	if _, ok := ns.Resolve(aux.ID); ok {
		t.Fatal("aux right still in sender namespace after send")
	}

	msg, _, _, err := owner.GetFirstMessage(true, recvNS, false)
	if err != 0 || msg.AuxCount != 1 {
		t.Fatalf("receive failed: %v aux=%d", err, msg.AuxCount)
	}
	ids := AcceptRights(msg, recvNS)
	if len(ids) != 1 {
		t.Fatalf("expected one accepted right, got %d", len(ids))
	}
	r, ok := recvNS.Resolve(ids[0])
	if !ok || r.Port != auxTarget {
		t.Fatal("accepted right missing or bound to the wrong port")
	}
}

func TestDeleteRight(t *testing.T) {
	owner := New(1)
	ns := newFakeNS(1)
	right := ns.NewRight(owner, defs.SendMany)

	if err := DeleteRight(ns, right.ID); err != 0 {
		t.Fatalf("delete failed: %v", err)
	}
	if res := SendMessageRight(ns, right.ID, 2, nil, 0, nil, nil, false); res.Err == 0 {
		t.Fatal("expected send through deleted right to fail")
	}
	if err := DeleteRight(ns, right.ID); err == 0 {
		t.Fatal("expected double delete to fail")
	}
}

func TestNameRegistry(t *testing.T) {
	p := New(7)
	name := ustr.Ustr("svc-test")
	if err := NamePort(p, name); err != 0 {
		t.Fatalf("name_port failed: %v", err)
	}
	if err := NamePort(p, name); err != defs.EALREADY_EXISTS {
		t.Fatalf("expected EALREADY_EXISTS on duplicate name, got %v", err)
	}
	got, ok := GetByName(name)
	if !ok || got != p {
		t.Fatal("lookup by name failed")
	}

	notify := New(8)
	RequestNamed(ustr.Ustr("svc-test"), notify)
	if msg, _, _, err := notify.GetFirstMessage(true, nil, true); err != 0 || len(msg.Payload) == 0 {
		t.Fatalf("expected immediate notification for an existing name: %v", err)
	}

	ch := WaitName(ustr.Ustr("svc-later"))
	select {
	case <-ch:
		t.Fatal("wait channel closed before publication")
	default:
	}
	later := New(9)
	if err := NamePort(later, ustr.Ustr("svc-later")); err != 0 {
		t.Fatalf("name_port failed: %v", err)
	}
	select {
	case <-ch:
	default:
		t.Fatal("expected wait channel closed after publication")
	}
}

func TestDestroyWakesWaiters(t *testing.T) {
	p := New(1)
	ch := p.Wait()
	p.Destroy()
	select {
	case <-ch:
	default:
		t.Fatal("expected destroy to close waiter channel")
	}
}
