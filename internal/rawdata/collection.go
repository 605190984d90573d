// Package rawdata packages decoded input buffers by FED id, the hand-off
// format for downstream consumers, and persists them as a compressed
// container file.
package rawdata

import (
	"sort"
	"sync"
)

// Collection maps FED ids to the raw bytes recorded for them.
type Collection struct {
	mu   sync.RWMutex
	data map[uint32][]byte
}

func NewCollection() *Collection {
	return &Collection{data: make(map[uint32][]byte)}
}

// Put stores a copy of data under fedID, replacing anything already there.
func (c *Collection) Put(fedID uint32, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	c.mu.Lock()
	c.data[fedID] = cp
	c.mu.Unlock()
}

// Get returns the bytes stored for fedID. The slice must not be modified.
func (c *Collection) Get(fedID uint32) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.data[fedID]
	return b, ok
}

// IDs lists the FED ids present, ascending.
func (c *Collection) IDs() []uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]uint32, 0, len(c.data))
	for id := range c.data {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Size is the total number of raw bytes held.
func (c *Collection) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n int64
	for _, b := range c.data {
		n += int64(len(b))
	}
	return n
}
