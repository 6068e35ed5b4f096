// Package keylock provides per-key critical sections backed by a fixed set of mutex shards.
// Two different keys may share a shard; two callers with the same key always do.
package keylock

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultShards = 64

type KeyLock struct {
	shards []sync.Mutex
}

func New(shards int) *KeyLock {
	if shards <= 0 {
		shards = defaultShards
	}
	return &KeyLock{shards: make([]sync.Mutex, shards)}
}

func (k *KeyLock) shard(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(k.shards)))
}

// Lock acquires the shards for all keys in ascending shard order and returns the release func.
func (k *KeyLock) Lock(keys ...string) func() {
	seen := make(map[int]struct{}, len(keys))
	idx := make([]int, 0, len(keys))
	for _, key := range keys {
		s := k.shard(key)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		idx = append(idx, s)
	}
	sort.Ints(idx)
	for _, i := range idx {
		k.shards[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			k.shards[idx[j]].Unlock()
		}
	}
}

// With runs f while holding the locks for keys.
func (k *KeyLock) With(f func() error, keys ...string) error {
	unlock := k.Lock(keys...)
	defer unlock()
	return f()
}
