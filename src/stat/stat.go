// Package stat defines the wire-stable struct a TaskDescriptor's status can
// be serialized into for a userspace "task info" query, using accessor
// methods over unexported fields rather than exporting the fields
// directly, so the on-the-wire layout can be changed without touching
// every call site.
package stat

import "unsafe"

/// TaskInfo_t mirrors a TaskDescriptor's externally-visible status.
type TaskInfo_t struct {
	_tid      uint
	_status   uint
	_priority uint
	_affinity uint
	_page_tbl uint
	_user_ns  uint
	_sys_ns   uint
}

/// Wtid records the task ID.
func (st *TaskInfo_t) Wtid(v uint) {
	st._tid = v
}

/// Wstatus records the Status_t value.
func (st *TaskInfo_t) Wstatus(v uint) {
	st._status = v
}

/// Wpriority records the scheduling priority.
func (st *TaskInfo_t) Wpriority(v uint) {
	st._priority = v
}

/// Waffinity records the CPU affinity (0 means "any").
func (st *TaskInfo_t) Waffinity(v uint) {
	st._affinity = v
}

/// Wpagetable records the owning Page_Table's ID, or 0 if none.
func (st *TaskInfo_t) Wpagetable(v uint) {
	st._page_tbl = v
}

/// Waccounting records user/system nanoseconds consumed.
func (st *TaskInfo_t) Waccounting(userns, sysns uint) {
	st._user_ns = userns
	st._sys_ns = sysns
}

/// Status returns the stored status value.
func (st *TaskInfo_t) Status() uint {
	return st._status
}

/// Priority returns the stored priority value.
func (st *TaskInfo_t) Priority() uint {
	return st._priority
}

/// Tid returns the stored task ID.
func (st *TaskInfo_t) Tid() uint {
	return st._tid
}

/// Bytes exposes the raw bytes of the structure, ready to copy to a user
/// buffer via vm.K2user.
func (st *TaskInfo_t) Bytes() []uint8 {
	const sz = unsafe.Sizeof(*st)
	sl := (*[sz]uint8)(unsafe.Pointer(&st._tid))
	return sl[:]
}
