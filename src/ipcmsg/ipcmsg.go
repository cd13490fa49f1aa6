// Package ipcmsg defines the wire-stable struct layouts for the six
// kernel-originated messages a task can receive on a port: an interrupt
// notification, a named-port registration notification, a memory object
// pager request, and the three task-group/timer notifications. Every
// struct begins with a 32-bit type tag, little-endian. The layouts are
// wire-stable: a userspace client decodes these bytes directly, so field
// order and widths here must never change.
package ipcmsg

import (
	"defs"
	"encoding/binary"
)

// Type tags. Fixed values: userspace dispatches on the leading 32-bit tag
// before it knows which struct follows, so these can never be renumbered.
const (
	KernelInterrupt        uint32 = 0x20
	KernelNamedPortNotif   uint32 = 0x21
	KernelRequestPage      uint32 = 0x23
	KernelGroupDestroyed   uint32 = 0x24
	KernelGroupTaskChanged uint32 = 0x25
	TimerReply             uint32 = 0x05
)

// Task-group change event kinds, carried in Group_Task_Changed.EventType.
const (
	EventGroupTaskRemoved uint16 = 0x01
	EventGroupTaskAdded   uint16 = 0x02
)

// Kernel_Interrupt notifies a registered handler task that an interrupt
// fired. cpu_id records which CPU serviced it, since an affinity-bound
// handler task may care.
type Kernel_Interrupt struct {
	Type  uint32
	IntNo uint32
	CPUID uint32
}

func (m Kernel_Interrupt) Encode() []uint8 {
	b := make([]uint8, 12)
	binary.LittleEndian.PutUint32(b[0:4], m.Type)
	binary.LittleEndian.PutUint32(b[4:8], m.IntNo)
	binary.LittleEndian.PutUint32(b[8:12], m.CPUID)
	return b
}

// Kernel_Named_Port_Notification tells a watcher that a port was
// registered under a name it is interested in. The name follows as a
// variable-length, NUL-terminated tail after the fixed fields.
type Kernel_Named_Port_Notification struct {
	Type     uint32
	Reserved uint32
	PortNum  uint64
	Name     string
}

func (m Kernel_Named_Port_Notification) Encode() []uint8 {
	b := make([]uint8, 16+len(m.Name)+1)
	binary.LittleEndian.PutUint32(b[0:4], m.Type)
	binary.LittleEndian.PutUint32(b[4:8], m.Reserved)
	binary.LittleEndian.PutUint64(b[8:16], m.PortNum)
	copy(b[16:], m.Name)
	return b
}

// Kernel_Request_Page is sent to a memory object's pager port when
// Mem_Object.RequestPage needs a page it does not have resident.
type Kernel_Request_Page struct {
	Type      uint32
	Flags     uint32
	MemObject uint64
	PageOff   uint64
}

func (m Kernel_Request_Page) Encode() []uint8 {
	b := make([]uint8, 24)
	binary.LittleEndian.PutUint32(b[0:4], m.Type)
	binary.LittleEndian.PutUint32(b[4:8], m.Flags)
	binary.LittleEndian.PutUint64(b[8:16], m.MemObject)
	binary.LittleEndian.PutUint64(b[16:24], m.PageOff)
	return b
}

func DecodeKernelRequestPage(b []uint8) Kernel_Request_Page {
	return Kernel_Request_Page{
		Type:      binary.LittleEndian.Uint32(b[0:4]),
		Flags:     binary.LittleEndian.Uint32(b[4:8]),
		MemObject: binary.LittleEndian.Uint64(b[8:16]),
		PageOff:   binary.LittleEndian.Uint64(b[16:24]),
	}
}

// Kernel_Group_Destroyed notifies a watcher port that a task group it was
// watching has been torn down.
type Kernel_Group_Destroyed struct {
	Type    uint32
	Flags   uint32
	GroupID uint64
}

func (m Kernel_Group_Destroyed) Encode() []uint8 {
	b := make([]uint8, 16)
	binary.LittleEndian.PutUint32(b[0:4], m.Type)
	binary.LittleEndian.PutUint32(b[4:8], m.Flags)
	binary.LittleEndian.PutUint64(b[8:16], m.GroupID)
	return b
}

// DecodeGroupDestroyed is the receiver-side counterpart of
// Kernel_Group_Destroyed.Encode.
func DecodeGroupDestroyed(b []uint8) Kernel_Group_Destroyed {
	return Kernel_Group_Destroyed{
		Type:    binary.LittleEndian.Uint32(b[0:4]),
		Flags:   binary.LittleEndian.Uint32(b[4:8]),
		GroupID: binary.LittleEndian.Uint64(b[8:16]),
	}
}

// Kernel_Group_Task_Changed notifies a watcher port that a task was added
// to or removed from a group it is watching.
type Kernel_Group_Task_Changed struct {
	Type      uint32
	Flags     uint16
	EventType uint16
	GroupID   uint64
	TaskID    uint64
}

func (m Kernel_Group_Task_Changed) Encode() []uint8 {
	b := make([]uint8, 24)
	binary.LittleEndian.PutUint32(b[0:4], m.Type)
	binary.LittleEndian.PutUint16(b[4:6], m.Flags)
	binary.LittleEndian.PutUint16(b[6:8], m.EventType)
	binary.LittleEndian.PutUint64(b[8:16], m.GroupID)
	binary.LittleEndian.PutUint64(b[16:24], m.TaskID)
	return b
}

// DecodeGroupTaskChanged is the receiver-side counterpart of
// Kernel_Group_Task_Changed.Encode.
func DecodeGroupTaskChanged(b []uint8) Kernel_Group_Task_Changed {
	return Kernel_Group_Task_Changed{
		Type:      binary.LittleEndian.Uint32(b[0:4]),
		Flags:     binary.LittleEndian.Uint16(b[4:6]),
		EventType: binary.LittleEndian.Uint16(b[6:8]),
		GroupID:   binary.LittleEndian.Uint64(b[8:16]),
		TaskID:    binary.LittleEndian.Uint64(b[16:24]),
	}
}

// Timer_Reply is delivered to a port that armed a one-shot timer once it
// expires. Status carries a negative-errno on a cancelled/failed timer,
// EOK on normal expiry; the three extras carry whatever the arming caller
// attached (typically enough to identify which of several outstanding
// timers this is).
type Timer_Reply struct {
	Type    uint32
	Status  int32
	TimerID uint64
	Extra0  uint64
	Extra1  uint64
	Extra2  uint64
}

func (m Timer_Reply) Encode() []uint8 {
	b := make([]uint8, 40)
	binary.LittleEndian.PutUint32(b[0:4], m.Type)
	binary.LittleEndian.PutUint32(b[4:8], uint32(m.Status))
	binary.LittleEndian.PutUint64(b[8:16], m.TimerID)
	binary.LittleEndian.PutUint64(b[16:24], m.Extra0)
	binary.LittleEndian.PutUint64(b[24:32], m.Extra1)
	binary.LittleEndian.PutUint64(b[32:40], m.Extra2)
	return b
}

// MkTimerReply builds the reply payload for a fired or cancelled timer.
func MkTimerReply(timerID uint64, err defs.Err_t) Timer_Reply {
	return Timer_Reply{Type: TimerReply, Status: int32(err), TimerID: timerID}
}

// DecodeTimerReply is the receiver-side counterpart of Timer_Reply.Encode,
// for a watcher port that needs to recover the fired timer's ID and
// status rather than just noticing a message arrived.
func DecodeTimerReply(b []uint8) Timer_Reply {
	return Timer_Reply{
		Type:    binary.LittleEndian.Uint32(b[0:4]),
		Status:  int32(binary.LittleEndian.Uint32(b[4:8])),
		TimerID: binary.LittleEndian.Uint64(b[8:16]),
		Extra0:  binary.LittleEndian.Uint64(b[16:24]),
		Extra1:  binary.LittleEndian.Uint64(b[24:32]),
		Extra2:  binary.LittleEndian.Uint64(b[32:40]),
	}
}
