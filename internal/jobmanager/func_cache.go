package jobmanager

import (
	"sync"

	"github.com/crowdcompute/foreman/pkg/types"
)

// funcCache is the process-wide function-blob cache spec.md §5 describes:
// a single map behind a dedicated lock, read-only from the perspective of
// workers and schedulers, populated on submit_job and evicted once the
// owning job reaches a terminal status.
type funcCache struct {
	mu   sync.RWMutex
	blob map[types.JobID][]byte
}

func newFuncCache() *funcCache {
	return &funcCache{blob: make(map[types.JobID][]byte)}
}

func (c *funcCache) put(id types.JobID, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blob[id] = b
}

func (c *funcCache) get(id types.JobID) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.blob[id]
	return b, ok
}

func (c *funcCache) evict(id types.JobID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blob, id)
}
