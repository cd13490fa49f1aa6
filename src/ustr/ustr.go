// Package ustr provides the short, unowned byte-string type used for the
// names under which kernel objects (ports, task groups) are registered.
package ustr

import (
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/unicode/norm"
)

/// Ustr is an immutable name used by the kernel (e.g. a named port or a
/// task group label). It is a byte slice rather than a string so it can be
/// built directly out of a user-memory copy without an extra allocation.
type Ustr []uint8

/// Eq compares two Ustr values for equality.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

/// MkUstr creates an empty Ustr value.
func MkUstr() Ustr {
	return Ustr{}
}

/// MkUstrSlice converts a NUL-terminated byte slice to a Ustr, truncating at
/// the first NUL. This is the shape a name arrives in after being copied in
/// from a user buffer.
func MkUstrSlice(buf []uint8) Ustr {
	for i := 0; i < len(buf); i++ {
		if buf[i] == 0 {
			return buf[:i]
		}
	}
	return buf
}

/// IndexByte returns the index of b in the string or -1 if not present.
func (us Ustr) IndexByte(b uint8) int {
	for i, v := range us {
		if v == b {
			return i
		}
	}
	return -1
}

/// String converts the Ustr to a Go string.
func (us Ustr) String() string {
	return string(us)
}

// formatOrControl rejects control and formatting code points that have no
// business in a kernel object name (e.g. zero-width joiners used to make
// two names look identical in a listing while hashing differently).
func formatOrControl(r rune) bool {
	return unicode.IsControl(r) || unicode.Is(unicode.Cf, r)
}

// nameRemover strips any rune accepted by formatOrControl. Built once from
// x/text/runes so the check is a transform, not a hand-rolled scan.
var nameRemover = runes.Remove(runes.Predicate(formatOrControl))

/// ValidName reports whether a candidate port/group name is well-formed
/// UTF-8, non-empty, within the kernel's maximum name length, and free of
/// formatting/control code points. Names come from untrusted user memory,
/// so this is the boundary check registration syscalls must apply before
/// using the bytes as a lookup key.
func ValidName(us Ustr) bool {
	const maxNameLen = 255
	if len(us) == 0 || len(us) > maxNameLen {
		return false
	}
	if !utf8.Valid(us) {
		return false
	}
	cleaned := nameRemover.Bytes(us)
	return len(cleaned) == len(us)
}

/// CanonicalName normalizes a name to NFC so that two byte-distinct but
/// visually-identical encodings of the same name (e.g. a precomposed vs.
/// combining-mark accent) collide in the port/group namespace instead of
/// silently coexisting as lookalikes.
func CanonicalName(us Ustr) Ustr {
	return norm.NFC.Bytes(us)
}
