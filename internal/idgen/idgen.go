// Package idgen provides the monotonic counters a ConnectionManager owns
// for connection_id and message_id allocation.
package idgen

import (
	"fmt"
	"sync/atomic"
)

// Counter is a goroutine-safe monotonically increasing int64, built on
// atomic.AddInt64.
type Counter struct {
	n int64
}

// Next returns the next value, starting at 1.
func (c *Counter) Next() int64 {
	return atomic.AddInt64(&c.n, 1)
}

// NextID returns the next value formatted as "<prefix>-<n>", derived from
// a monotonic counter rather than a timestamp so IDs stay unique and
// strictly ordered within a single Manager even under heavy concurrent
// allocation.
func (c *Counter) NextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, c.Next())
}
