package quota

import (
	"sort"
	"sync"
)

// userLocks serializes mutations per user id while leaving different ids independent.
type userLocks struct {
	mu      sync.Mutex
	entries map[int64]*userLockEntry
}

type userLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{entries: make(map[int64]*userLockEntry)}
}

// lock acquires every distinct id in ascending order and returns the matching unlock.
func (locks *userLocks) lock(userIDs ...UserID) func() {
	keys := make([]int64, 0, len(userIDs))
	seen := make(map[int64]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, ok := seen[userID.Int64()]; ok {
			continue
		}
		seen[userID.Int64()] = struct{}{}
		keys = append(keys, userID.Int64())
	}
	sort.Slice(keys, func(left, right int) bool { return keys[left] < keys[right] })

	acquired := make([]*userLockEntry, 0, len(keys))
	for _, key := range keys {
		entry := locks.acquireEntry(key)
		entry.mu.Lock()
		acquired = append(acquired, entry)
	}
	return func() {
		for index := len(acquired) - 1; index >= 0; index-- {
			acquired[index].mu.Unlock()
			locks.releaseEntry(keys[index])
		}
	}
}

func (locks *userLocks) acquireEntry(key int64) *userLockEntry {
	locks.mu.Lock()
	defer locks.mu.Unlock()
	entry, ok := locks.entries[key]
	if !ok {
		entry = &userLockEntry{}
		locks.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (locks *userLocks) releaseEntry(key int64) {
	locks.mu.Lock()
	defer locks.mu.Unlock()
	entry, ok := locks.entries[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs == 0 {
		delete(locks.entries, key)
	}
}
