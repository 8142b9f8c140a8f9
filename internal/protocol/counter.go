package protocol

import "sync"

// Validation-failure directions, used as the first half of counter keys.
const (
	DirInbound  = "inbound"
	DirOutbound = "outbound"
)

// FailureCounter tracks protocol-validation failures, total and keyed by
// "direction:messageType". Safe for concurrent use.
type FailureCounter struct {
	mu    sync.Mutex
	total uint64
	byKey map[string]uint64
}

// NewFailureCounter creates an empty counter.
func NewFailureCounter() *FailureCounter {
	return &FailureCounter{byKey: make(map[string]uint64)}
}

// Record increments the total and the per-key count for one failure.
func (c *FailureCounter) Record(direction, msgType string) {
	if msgType == "" {
		msgType = "unknown"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	c.byKey[direction+":"+msgType]++
}

// Total returns the overall failure count.
func (c *FailureCounter) Total() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Snapshot returns a copy of the per-key counts.
func (c *FailureCounter) Snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.byKey))
	for k, v := range c.byKey {
		out[k] = v
	}
	return out
}
