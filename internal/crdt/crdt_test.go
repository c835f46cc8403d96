package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLastWriteWinsCommutative(t *testing.T) {
	fn := LastWriteWins{}
	a := Entry{Key: "k", Timestamp: 10, State: []byte("A")}
	b := Entry{Key: "k", Timestamp: 5, State: []byte("B")}

	ab := MergeEntries(fn, a, b)
	ba := MergeEntries(fn, b, a)

	assert.Equal(t, ab, ba)
	assert.Equal(t, []byte("A"), ab.State)
	assert.Equal(t, uint64(10), ab.Timestamp)
}

func TestLastWriteWinsIdempotent(t *testing.T) {
	fn := LastWriteWins{}
	a := Entry{Key: "k", Timestamp: 10, State: []byte("A")}

	once := MergeEntries(fn, a, a)
	assert.Equal(t, a.State, once.State)
}

func TestGCounterAssociative(t *testing.T) {
	fn := GCounter{}
	a := encodeCounter(3)
	b := encodeCounter(7)
	c := encodeCounter(5)

	left := fn.Merge(fn.Merge(a, 0, b, 0), 0, c, 0)
	right := fn.Merge(a, 0, fn.Merge(b, 0, c, 0), 0)

	assert.Equal(t, decodeCounter(left), decodeCounter(right))
	assert.Equal(t, uint64(7), decodeCounter(left))
}
