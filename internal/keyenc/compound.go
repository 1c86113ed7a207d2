package keyenc

// Concat joins per-field encodings in declaration order to form a compound
// key. Because each field encoding is self-delimiting (fixed width for
// scalars, NUL-terminated for strings), concatenation preserves
// lexicographic ordering of the underlying tuple: spec.md §4.4.
func Concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// PrefixEnd returns the smallest byte string that is strictly greater than
// every string beginning with prefix, by incrementing the last non-0xFF
// byte and truncating everything after it. It returns (nil, false) for an
// all-0xFF or empty prefix, signaling "no upper bound" (the caller should
// treat the range as open-ended on the high side).
func PrefixEnd(prefix []byte) ([]byte, bool) {
	end := make([]byte, len(prefix))
	copy(end, prefix)

	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return end[:i+1], true
		}
	}
	return nil, false
}
