package chunkstore

import (
	"sync"

	internalerrors "github.com/akumaburn/crdtstore/internal/errors"
)

// chunkLocker grants exclusive participation in one in-flight consolidation
// or cleanup pass per chunk id, so two background passes never race to
// rewrite the same source chunk. A failed TryLock is a benign, expected
// condition the caller backs off from (spec §7's ChunksAlreadyLocked kind),
// not a bug.
type chunkLocker struct {
	mu     sync.Mutex
	locked map[uint64]struct{}
}

func newChunkLocker() *chunkLocker {
	return &chunkLocker{locked: make(map[uint64]struct{})}
}

// TryLock locks every id in ids, atomically: either all succeed or none do.
func (l *chunkLocker) TryLock(ids []uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range ids {
		if _, ok := l.locked[id]; ok {
			return internalerrors.New(internalerrors.KindChunksAlreadyLocked, "one or more chunks are already locked")
		}
	}
	for _, id := range ids {
		l.locked[id] = struct{}{}
	}
	return nil
}

func (l *chunkLocker) Unlock(ids []uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		delete(l.locked, id)
	}
}

// IsLocked reports whether id currently belongs to an in-flight pass.
func (l *chunkLocker) IsLocked(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.locked[id]
	return ok
}
