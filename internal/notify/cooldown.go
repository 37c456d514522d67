package notify

import (
	"hash/fnv"
	"sync"
	"time"
)

const cooldownShards = 32

type cooldownShard struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// Cooldowns remembers when each recipient was last notified. Keys are
// spread over shards so unrelated recipients do not share a lock. Contents
// are process-local and may be lost on restart.
type Cooldowns struct {
	shards [cooldownShards]*cooldownShard
}

func NewCooldowns() *Cooldowns {
	c := &Cooldowns{}
	for i := range c.shards {
		c.shards[i] = &cooldownShard{last: make(map[string]time.Time)}
	}
	return c
}

func (c *Cooldowns) shard(key string) *cooldownShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%cooldownShards]
}

// Decide runs decide with the key's last send time while holding the key's
// shard lock and, if it returns true, records now as the new send time.
// Two evaluations racing on one recipient therefore cannot both fire.
func (c *Cooldowns) Decide(key string, now time.Time, decide func(last time.Time) bool) bool {
	sh := c.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if !decide(sh.last[key]) {
		return false
	}
	sh.last[key] = now
	return true
}

// Restore puts prev back as the key's send time if the entry still holds
// marked, undoing a Decide whose send failed. A newer mark is left alone.
func (c *Cooldowns) Restore(key string, marked, prev time.Time) {
	sh := c.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.last[key]; !ok || !cur.Equal(marked) {
		return
	}
	if prev.IsZero() {
		delete(sh.last, key)
		return
	}
	sh.last[key] = prev
}

func (c *Cooldowns) Last(key string) time.Time {
	sh := c.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.last[key]
}

func (c *Cooldowns) Reset(key string) {
	sh := c.shard(key)
	sh.mu.Lock()
	delete(sh.last, key)
	sh.mu.Unlock()
}
