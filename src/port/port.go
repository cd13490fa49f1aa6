// Package port implements the capability IPC subsystem: owner-bound
// message queues (Port_t), send capabilities scoped to a task group's
// rights namespace (Right_t), and the atomic send-with-reply-right
// operation that ties them together.
package port

import (
	"defs"
	"hashtable"
	"sync"
	"sync/atomic"
)

// RightsNamespace_i is implemented by a TaskGroup's rights map. port does
// not import taskgroup directly (taskgroup in turn notifies watcher
// ports), so the two are tied together through this interface the same
// way mobj and vm avoid importing each other.
type RightsNamespace_i interface {
	// NewRight allocates a fresh RightID in this namespace and records a
	// right of the given type bound to p.
	NewRight(p *Port_t, typ defs.RightType_t) *Right_t
	// Resolve looks up a right previously allocated in this namespace.
	Resolve(id defs.RightID) (*Right_t, bool)
	// Remove deletes a right from this namespace's map, e.g. because it
	// was SendOnce and just fired, or the caller asked to delete it.
	Remove(id defs.RightID)
	// Insert installs a right (typically one moved in from another
	// namespace, such as a reply right) under a fresh ID and returns it.
	Insert(r *Right_t) defs.RightID
	ID() defs.GroupID
}

// Right_t is a capability to send to a port, scoped to the task group
// namespace it lives in. NS is the namespace currently holding the right;
// it is nil exactly while the right is in flight inside a message, which
// is how "a right is observable in exactly one namespace at a time" holds
// across a send that carries rights.
type Right_t struct {
	ID    defs.RightID
	Port  *Port_t
	Type  defs.RightType_t
	Group defs.GroupID
	NS    RightsNamespace_i
	dead  bool
}

// Message_t is one enqueued IPC message: a payload plus up to one reply
// right and four auxiliary rights, all "unaccepted" until the receiver
// explicitly moves them into its own namespace.
type Message_t struct {
	Sender     defs.Tid_t
	Payload    []uint8
	ReplyRight *Right_t
	Aux        [4]*Right_t
	AuxCount   int
}

// Port_t is an owner-bound FIFO message queue.
type Port_t struct {
	mu      sync.Mutex
	ID      defs.PortID
	Owner   defs.Tid_t
	queue   []*Message_t
	waiters []chan struct{}
	dead    bool
}

var (
	portIndex  = hashtable.MkHash(64)
	nextPortID atomic.Uint64
)

func allocPortID() defs.PortID {
	return defs.PortID(nextPortID.Add(1))
}

// New creates a port owned by owner and inserts it into the global index.
func New(owner defs.Tid_t) *Port_t {
	p := &Port_t{ID: allocPortID(), Owner: owner}
	portIndex.Set(uint64(p.ID), p)
	return p
}

// Lookup finds a port by ID in the global index.
func Lookup(id defs.PortID) (*Port_t, bool) {
	v, ok := portIndex.Get(uint64(id))
	if !ok {
		return nil, false
	}
	return v.(*Port_t), true
}

// Destroy removes the port from the global index and wakes every task
// blocked receiving from it; any right still pointing at it becomes a
// dead capability (Resolve on the owning namespace will still find the
// Right_t, but Send will fail ESRCH-equivalent once dead is observed).
func (p *Port_t) Destroy() {
	p.mu.Lock()
	p.dead = true
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()
	portIndex.Del(uint64(p.ID))
	UnnameAll(p)
	for _, ch := range waiters {
		close(ch)
	}
}

// OnWake, when set, is called with a port's owner TID every time a message
// lands in its queue, so the scheduler can move an owner blocked on the
// port back to a ready queue (the "standard unblock path"). Installed once
// at boot by the syscall layer; nil before that.
var OnWake func(owner defs.Tid_t)

// DeliverKernel enqueues a message from the kernel itself rather than from
// a send right, e.g. a TaskGroup watcher notification or an MO pager
// request: these never go through send_message_right since there is no
// sending task holding a right.
func (p *Port_t) DeliverKernel(msg *Message_t) defs.Err_t {
	p.mu.Lock()
	if p.dead {
		p.mu.Unlock()
		return defs.ENO_SUCH_OBJECT
	}
	p.queue = append(p.queue, msg)
	p.wakeLocked()
	owner := p.Owner
	p.mu.Unlock()
	if OnWake != nil {
		OnWake(owner)
	}
	return defs.EOK
}

// Wait returns a channel that closes the next time a message is enqueued
// or the port is destroyed. Used by the scheduler's block-on-port path.
func (p *Port_t) Wait() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan struct{})
	if p.dead || len(p.queue) > 0 {
		close(ch)
		return ch
	}
	p.waiters = append(p.waiters, ch)
	return ch
}

func (p *Port_t) wakeLocked() {
	for _, ch := range p.waiters {
		close(ch)
	}
	p.waiters = nil
}

// NewRight atomically allocates a right ID in ns and records a capability
// to send to p.
func NewRight(p *Port_t, ns RightsNamespace_i, typ defs.RightType_t) *Right_t {
	return ns.NewRight(p, typ)
}

// SendResult_t distinguishes the ways send_message_right can fail so the
// caller can report which argument was bad.
type SendResult_t struct {
	Err         defs.Err_t
	FailedIndex int // -1 if Err == EOK
	ReplyID     defs.RightID
	HasReply    bool
}

// SendMessageRight implements the atomic send-via-right operation: resolve
// the sending right, optionally mint a reply right in the owner's
// namespace for a reply port the caller also owns, optionally carry up to
// four already-resolved auxiliary rights, enqueue, wake the owner, and
// finally retire the sending right if it was SendOnce or the caller asked
// for deletion.
func SendMessageRight(callerNS RightsNamespace_i, rightID defs.RightID, sender defs.Tid_t, payload []uint8,
	replyOwnerTid defs.Tid_t, replyPort *Port_t, auxRights []*Right_t, deleteRight bool) SendResult_t {

	right, ok := callerNS.Resolve(rightID)
	if !ok || right.dead {
		return SendResult_t{Err: defs.ENO_SUCH_OBJECT, FailedIndex: 0}
	}

	if replyPort != nil && replyPort.Owner != replyOwnerTid {
		return SendResult_t{Err: defs.ENOT_PERMITTED, FailedIndex: 1}
	}

	for i, ar := range auxRights {
		if ar == nil || ar.dead {
			return SendResult_t{Err: defs.ENO_SUCH_OBJECT, FailedIndex: 2 + i}
		}
	}

	if len(auxRights) > 4 {
		return SendResult_t{Err: defs.EINVALID_ARGUMENT, FailedIndex: 2}
	}

	target := right.Port
	target.mu.Lock()
	if target.dead {
		target.mu.Unlock()
		return SendResult_t{Err: defs.ENO_SUCH_OBJECT, FailedIndex: 0}
	}

	msg := &Message_t{Sender: sender, Payload: payload}
	var replyID defs.RightID
	hasReply := false
	if replyPort != nil {
		msg.ReplyRight = NewRight(replyPort, callerNS, defs.SendOnce)
		replyID = msg.ReplyRight.ID
		hasReply = true
	}
	// rights travelling with the message leave the sender's namespace now,
	// before the message becomes observable, so no right is ever resolvable
	// in two places.
	for i, ar := range auxRights {
		callerNS.Remove(ar.ID)
		ar.NS = nil
		msg.Aux[i] = ar
		msg.AuxCount++
	}

	target.queue = append(target.queue, msg)
	target.wakeLocked()
	ownerTid := target.Owner
	target.mu.Unlock()

	if right.Type == defs.SendOnce || deleteRight {
		right.dead = true
		callerNS.Remove(right.ID)
	}
	if OnWake != nil {
		OnWake(ownerTid)
	}

	return SendResult_t{Err: defs.EOK, FailedIndex: -1, ReplyID: replyID, HasReply: hasReply}
}

// GetFirstMessage implements the receive operation: under the port lock,
// read the front message, optionally pop it, and if popping and the
// message carried a reply right the receiver didn't reject, move that
// right into the receiver's own namespace under a fresh ID (removing it
// from the namespace it was minted in, so it is never resolvable in two).
func (p *Port_t) GetFirstMessage(pop bool, receiverNS RightsNamespace_i, rejectReply bool) (*Message_t, defs.RightID, bool, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, 0, false, defs.ENO_SUCH_OBJECT
	}
	msg := p.queue[0]
	if !pop {
		return msg, 0, false, defs.EOK
	}
	p.queue = p.queue[1:]

	if msg.ReplyRight == nil || rejectReply || receiverNS == nil {
		return msg, 0, false, defs.EOK
	}
	if msg.ReplyRight.NS != nil {
		msg.ReplyRight.NS.Remove(msg.ReplyRight.ID)
	}
	id := receiverNS.Insert(msg.ReplyRight)
	return msg, id, true, defs.EOK
}

// AcceptRights moves the auxiliary rights carried by msg into receiverNS,
// the analogous operation to the reply-right move in GetFirstMessage. The
// rights already left the sender's namespace at send time; accepting them
// simply gives them a home (and fresh IDs) in the receiver's.
func AcceptRights(msg *Message_t, receiverNS RightsNamespace_i) []defs.RightID {
	ids := make([]defs.RightID, msg.AuxCount)
	for i := 0; i < msg.AuxCount; i++ {
		ids[i] = receiverNS.Insert(msg.Aux[i])
		msg.Aux[i] = nil
	}
	msg.AuxCount = 0
	return ids
}

// DeleteRight explicitly retires a right from its namespace, the
// delete_send_right operation: a SendMany right lives until this is
// called on it.
func DeleteRight(ns RightsNamespace_i, id defs.RightID) defs.Err_t {
	r, ok := ns.Resolve(id)
	if !ok || r.dead {
		return defs.ENO_SUCH_OBJECT
	}
	r.dead = true
	ns.Remove(id)
	return defs.EOK
}
