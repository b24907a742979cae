package backend

import (
	"hash/fnv"
	"sync"
)

const lockShards = 64

// keyedMutex serializes operations on the same page while letting
// operations on unrelated pages proceed concurrently. Fingerprints
// hash onto a fixed set of shards, so two pages may share a lock but
// one page always maps to the same shard.
type keyedMutex struct {
	shards [lockShards]sync.Mutex
}

func (k *keyedMutex) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.shards[h.Sum32()%lockShards]
	m.Lock()
	return m
}
