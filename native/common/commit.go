package common

import (
	"sync"
	"time"
)

// CommitMeta captures the block-level metadata assigned to a transaction at
// commit time. Identifiers derived from it (payment ids, refund request ids)
// are unknowable before the owning transaction commits, which is what keeps
// them unpredictable to other parties.
type CommitMeta struct {
	Height    uint64
	Sequence  uint64
	Timestamp int64
}

// CommitSource hands out commit metadata for the transaction currently being
// applied. The ledger runtime provides the production implementation; engines
// only consume the interface.
type CommitSource interface {
	Next() CommitMeta
}

// Clock is a monotonic CommitSource for development and tests. Every Next call
// advances the sequence; the height advances when Tick is called.
type Clock struct {
	mu       sync.Mutex
	height   uint64
	sequence uint64
	nowFn    func() int64
}

// NewClock constructs a Clock starting at height 1.
func NewClock() *Clock {
	return &Clock{height: 1, nowFn: func() int64 { return time.Now().Unix() }}
}

// SetNowFunc overrides the timestamp source. Primarily intended for tests.
func (c *Clock) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	c.mu.Lock()
	c.nowFn = now
	c.mu.Unlock()
}

// Tick advances to the next block height and resets the intra-block sequence.
func (c *Clock) Tick() {
	c.mu.Lock()
	c.height++
	c.sequence = 0
	c.mu.Unlock()
}

// Next implements the CommitSource interface.
func (c *Clock) Next() CommitMeta {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequence++
	return CommitMeta{Height: c.height, Sequence: c.sequence, Timestamp: c.nowFn()}
}
