package crdt

import "encoding/binary"

// LastWriteWins is a max-wins-by-timestamp CRDT: the state with the higher
// timestamp survives; ties are broken by byte comparison so Merge stays
// commutative even when two writers race with the same timestamp.
type LastWriteWins struct{}

func (LastWriteWins) Merge(s1 []byte, t1 uint64, s2 []byte, t2 uint64) []byte {
	switch {
	case t1 > t2:
		return s1
	case t2 > t1:
		return s2
	default:
		if bytesLess(s2, s1) {
			return s1
		}
		return s2
	}
}

func (LastWriteWins) Extract(s []byte, since uint64) ([]byte, bool) {
	return s, true
}

func bytesLess(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// GCounter is a grow-only counter CRDT: state is an 8-byte
// little-endian uint64 and Merge takes the max of the two counts, which is
// the standard G-Counter per-key merge rule (each writer's local count is
// monotonically non-decreasing, so max is both associative and idempotent).
type GCounter struct{}

func (GCounter) Merge(s1 []byte, t1 uint64, s2 []byte, t2 uint64) []byte {
	c1, c2 := decodeCounter(s1), decodeCounter(s2)
	if c2 > c1 {
		c1 = c2
	}
	return encodeCounter(c1)
}

func (GCounter) Extract(s []byte, since uint64) ([]byte, bool) {
	return s, true
}

func decodeCounter(s []byte) uint64 {
	if len(s) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(s)
}

func encodeCounter(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}
