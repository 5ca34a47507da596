package hub

import (
	"hash/fnv"
	"sync"

	"omnilend/crypto"
)

const lockShards = 64

// accountLocks serializes units of work per account without a global lock.
// Two owners may land on the same shard, which costs parallelism but never
// correctness; distinct shards proceed concurrently.
type accountLocks struct {
	shards [lockShards]sync.Mutex
}

func (l *accountLocks) lock(owner crypto.Address) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(string(owner.Prefix())))
	_, _ = h.Write(owner.Bytes())
	shard := &l.shards[h.Sum32()%lockShards]
	shard.Lock()
	return shard.Unlock
}
