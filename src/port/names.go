package port

import (
	"defs"
	"ipcmsg"
	"sync"
	"ustr"
)

// The name registry binds canonicalized names to ports so a client can
// find a service port without having been handed its ID. A name can be
// requested before it exists; the requester's notification port gets a
// Kernel_Named_Port_Notification once someone publishes it.
var (
	namesMu    sync.Mutex
	names      = make(map[string]*Port_t)
	nameWaits  = make(map[string][]chan struct{})
	nameTids   = make(map[string][]defs.Tid_t)
	nameNotify = make(map[string][]*Port_t)
)

// NamePort registers p under name. The name must already have passed
// ustr.ValidName; it is canonicalized here so byte-distinct lookalike
// encodings collide. Fails EALREADY_EXISTS if the name is taken.
func NamePort(p *Port_t, name ustr.Ustr) defs.Err_t {
	key := ustr.CanonicalName(name).String()
	namesMu.Lock()
	if _, taken := names[key]; taken {
		namesMu.Unlock()
		return defs.EALREADY_EXISTS
	}
	names[key] = p
	waits := nameWaits[key]
	delete(nameWaits, key)
	tids := nameTids[key]
	delete(nameTids, key)
	notif := nameNotify[key]
	delete(nameNotify, key)
	namesMu.Unlock()

	for _, ch := range waits {
		close(ch)
	}
	if OnWake != nil {
		for _, tid := range tids {
			OnWake(tid)
		}
	}
	for _, np := range notif {
		msg := ipcmsg.Kernel_Named_Port_Notification{
			Type: ipcmsg.KernelNamedPortNotif, PortNum: uint64(p.ID), Name: key,
		}
		np.DeliverKernel(&Message_t{Payload: msg.Encode()})
	}
	return defs.EOK
}

// GetByName resolves a published name to its port.
func GetByName(name ustr.Ustr) (*Port_t, bool) {
	key := ustr.CanonicalName(name).String()
	namesMu.Lock()
	defer namesMu.Unlock()
	p, ok := names[key]
	return p, ok
}

// WaitName returns a channel that closes once name is published (already
// closed if it is). The blocking half of get_port_by_name parks on this
// and retries the lookup on wake.
func WaitName(name ustr.Ustr) <-chan struct{} {
	key := ustr.CanonicalName(name).String()
	namesMu.Lock()
	defer namesMu.Unlock()
	ch := make(chan struct{})
	if _, ok := names[key]; ok {
		close(ch)
		return ch
	}
	nameWaits[key] = append(nameWaits[key], ch)
	return ch
}

// WaitNameTask records that tid is blocked until name is published, at
// which point OnWake(tid) lets the scheduler restart its lookup. If the
// name already exists the wake fires immediately.
func WaitNameTask(name ustr.Ustr, tid defs.Tid_t) {
	key := ustr.CanonicalName(name).String()
	namesMu.Lock()
	if _, ok := names[key]; ok {
		namesMu.Unlock()
		if OnWake != nil {
			OnWake(tid)
		}
		return
	}
	nameTids[key] = append(nameTids[key], tid)
	namesMu.Unlock()
}

// RequestNamed asks for a Kernel_Named_Port_Notification on notify once
// name is published. If it already is, the notification is delivered
// immediately.
func RequestNamed(name ustr.Ustr, notify *Port_t) {
	key := ustr.CanonicalName(name).String()
	namesMu.Lock()
	p, ok := names[key]
	if !ok {
		nameNotify[key] = append(nameNotify[key], notify)
		namesMu.Unlock()
		return
	}
	namesMu.Unlock()

	msg := ipcmsg.Kernel_Named_Port_Notification{
		Type: ipcmsg.KernelNamedPortNotif, PortNum: uint64(p.ID), Name: key,
	}
	notify.DeliverKernel(&Message_t{Payload: msg.Encode()})
}

// UnnameAll removes every name bound to p, called when the port dies.
func UnnameAll(p *Port_t) {
	namesMu.Lock()
	defer namesMu.Unlock()
	for k, v := range names {
		if v == p {
			delete(names, k)
		}
	}
}
