package pagemgr

import (
	"sync"

	"github.com/galdrdb/galdrdb/internal/page"
)

// LockManager hands out per-page reader/writer latches. [internal/txn]
// holds one only for the duration of a single page copy or write; a latch
// is not held while the next page on a descent path is latched.
// Latches are created lazily and never removed, which is
// acceptable for the bounded page-id space GaldrDb addresses (see
// [DefaultMaxPages]); a production-scale system would shard or evict.
type LockManager struct {
	mu     sync.Mutex
	latches map[page.ID]*sync.RWMutex
}

// NewLockManager returns an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{latches: make(map[page.ID]*sync.RWMutex)}
}

func (lm *LockManager) latch(id page.ID) *sync.RWMutex {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	l, ok := lm.latches[id]
	if !ok {
		l = &sync.RWMutex{}
		lm.latches[id] = l
	}
	return l
}

// RLock acquires a shared latch on id for reading during a tree descent.
func (lm *LockManager) RLock(id page.ID) { lm.latch(id).RLock() }

// RUnlock releases a shared latch acquired by [LockManager.RLock].
func (lm *LockManager) RUnlock(id page.ID) { lm.latch(id).RUnlock() }

// Lock acquires an exclusive latch on id, used while a node is being split,
// merged, or rebalanced.
func (lm *LockManager) Lock(id page.ID) { lm.latch(id).Lock() }

// Unlock releases an exclusive latch acquired by [LockManager.Lock].
func (lm *LockManager) Unlock(id page.ID) { lm.latch(id).Unlock() }
