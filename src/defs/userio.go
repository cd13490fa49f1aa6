package defs

// Userio_i is implemented by the virtual memory engine's user-copy helpers
// (vm package) so that code shuffling bytes to or from a user address
// range need not know anything about address spaces or page faults.
type Userio_i interface {
	Uioread(dst []uint8) (int, Err_t)
	Uiowrite(src []uint8) (int, Err_t)
}
