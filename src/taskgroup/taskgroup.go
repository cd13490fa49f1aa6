// Package taskgroup implements the TaskGroup: a set of member tasks, the
// rights namespace those tasks share, and a set of watcher ports notified
// of membership and destruction events.
package taskgroup

import (
	"defs"
	"ipcmsg"
	"port"
	"sync"
)

// EventMask selects which TaskGroup events a watcher port is notified of.
type EventMask uint32

const (
	EvAdd EventMask = 1 << iota
	EvRemove
	EvDestroy
)

// Event_t is the payload delivered to a watcher port.
type Event_t struct {
	Group defs.GroupID
	What  EventMask
	Tid   defs.Tid_t
}

type watcher struct {
	port *port.Port_t
	mask EventMask
}

// TaskGroup_t is one task group: its membership set and its rights
// namespace (the map send rights are allocated and looked up in). A group
// lives as long as it has members: dropping the last one destroys it.
type TaskGroup_t struct {
	sync.Mutex
	id       defs.GroupID
	members  map[defs.Tid_t]bool
	rights   map[defs.RightID]*port.Right_t
	nextR    uint64
	watchers map[defs.PortID]watcher
	dead     bool
}

var (
	groupsMu    sync.Mutex
	groups      = map[defs.GroupID]*TaskGroup_t{}
	nextGroupID uint64
)

func allocGroupID() defs.GroupID {
	groupsMu.Lock()
	defer groupsMu.Unlock()
	nextGroupID++
	return defs.GroupID(nextGroupID)
}

// New creates an empty task group and registers it in the global index.
func New() *TaskGroup_t {
	g := &TaskGroup_t{
		id:       allocGroupID(),
		members:  make(map[defs.Tid_t]bool),
		rights:   make(map[defs.RightID]*port.Right_t),
		watchers: make(map[defs.PortID]watcher),
	}
	groupsMu.Lock()
	groups[g.id] = g
	groupsMu.Unlock()
	return g
}

// Lookup finds a task group by ID.
func Lookup(id defs.GroupID) (*TaskGroup_t, bool) {
	groupsMu.Lock()
	defer groupsMu.Unlock()
	g, ok := groups[id]
	return g, ok
}

// ID implements port.RightsNamespace_i.
func (g *TaskGroup_t) ID() defs.GroupID { return g.id }

// AddMember inserts tid into the group's membership set and notifies
// watchers subscribed to EvAdd.
func (g *TaskGroup_t) AddMember(tid defs.Tid_t) {
	g.Lock()
	g.members[tid] = true
	g.Unlock()
	g.notify(EvAdd, tid)
}

// RemoveMember drops tid from the membership set and notifies watchers
// subscribed to EvRemove. Removing the last member destroys the group: a
// group's reference count is its membership, and nothing holds an empty
// group alive. (A freshly created group that has never been joined is not
// destroyed here; it dies with its creator's first join/leave cycle.)
func (g *TaskGroup_t) RemoveMember(tid defs.Tid_t) {
	g.Lock()
	had := g.members[tid]
	delete(g.members, tid)
	empty := had && len(g.members) == 0
	g.Unlock()
	g.notify(EvRemove, tid)
	if empty {
		g.Destroy()
	}
}

// IsMember reports whether tid currently belongs to the group.
func (g *TaskGroup_t) IsMember(tid defs.Tid_t) bool {
	g.Lock()
	defer g.Unlock()
	return g.members[tid]
}

// Watch registers p to be notified of events selected by mask.
// set_namespace's caller-must-be-a-member requirement is enforced by the
// syscall layer, which is the only place a task identity is available;
// this package just requires the caller pass a membership check already
// performed.
func (g *TaskGroup_t) Watch(p *port.Port_t, mask EventMask) {
	g.Lock()
	defer g.Unlock()
	g.watchers[p.ID] = watcher{port: p, mask: mask}
}

// Unwatch removes a previously registered watcher.
func (g *TaskGroup_t) Unwatch(p *port.Port_t) {
	g.Lock()
	defer g.Unlock()
	delete(g.watchers, p.ID)
}

func (g *TaskGroup_t) notify(what EventMask, tid defs.Tid_t) {
	g.Lock()
	targets := make([]*port.Port_t, 0, len(g.watchers))
	for _, w := range g.watchers {
		if w.mask&what != 0 {
			targets = append(targets, w.port)
		}
	}
	id := g.id
	g.Unlock()

	payload := encodeEvent(Event_t{Group: id, What: what, Tid: tid})
	for _, p := range targets {
		p.DeliverKernel(&port.Message_t{Payload: payload})
	}
}

// encodeEvent renders a group event as the wire-stable kernel message a
// watcher actually receives: Kernel_Group_Destroyed for EvDestroy,
// Kernel_Group_Task_Changed for membership changes.
func encodeEvent(e Event_t) []uint8 {
	if e.What == EvDestroy {
		return ipcmsg.Kernel_Group_Destroyed{
			Type: ipcmsg.KernelGroupDestroyed, GroupID: uint64(e.Group),
		}.Encode()
	}
	ev := ipcmsg.EventGroupTaskAdded
	if e.What == EvRemove {
		ev = ipcmsg.EventGroupTaskRemoved
	}
	return ipcmsg.Kernel_Group_Task_Changed{
		Type: ipcmsg.KernelGroupTaskChanged, EventType: ev,
		GroupID: uint64(e.Group), TaskID: uint64(e.Tid),
	}.Encode()
}

// Destroy fires EvDestroy to every watcher, retires every right still
// living in the group's namespace (a right's group must be alive whenever
// the right is), and removes the group from the global index. Reached
// from RemoveMember when the last member leaves; idempotent so a racing
// explicit teardown is harmless.
func (g *TaskGroup_t) Destroy() {
	g.Lock()
	if g.dead {
		g.Unlock()
		return
	}
	g.dead = true
	ids := make([]defs.RightID, 0, len(g.rights))
	for id := range g.rights {
		ids = append(ids, id)
	}
	g.Unlock()

	g.notify(EvDestroy, 0)
	for _, id := range ids {
		port.DeleteRight(g, id)
	}
	groupsMu.Lock()
	delete(groups, g.id)
	groupsMu.Unlock()
}

// NewRight implements port.RightsNamespace_i: allocate a fresh RightID in
// this group and record a send capability to p.
func (g *TaskGroup_t) NewRight(p *port.Port_t, typ defs.RightType_t) *port.Right_t {
	g.Lock()
	defer g.Unlock()
	g.nextR++
	r := &port.Right_t{ID: defs.RightID(g.nextR), Port: p, Type: typ, Group: g.id, NS: g}
	g.rights[r.ID] = r
	return r
}

// Resolve implements port.RightsNamespace_i.
func (g *TaskGroup_t) Resolve(id defs.RightID) (*port.Right_t, bool) {
	g.Lock()
	defer g.Unlock()
	r, ok := g.rights[id]
	return r, ok
}

// Remove implements port.RightsNamespace_i.
func (g *TaskGroup_t) Remove(id defs.RightID) {
	g.Lock()
	defer g.Unlock()
	delete(g.rights, id)
}

// Insert implements port.RightsNamespace_i: install an already-constructed
// right (typically moved in from another namespace) under a fresh ID.
func (g *TaskGroup_t) Insert(r *port.Right_t) defs.RightID {
	g.Lock()
	defer g.Unlock()
	g.nextR++
	id := defs.RightID(g.nextR)
	moved := &port.Right_t{ID: id, Port: r.Port, Type: r.Type, Group: g.id, NS: g}
	g.rights[id] = moved
	return id
}

