// Package buffer provides a generic, thread-safe circular buffer with non-blocking
// overflow policies.
//
// The buffer is the hand-off point between a latency-sensitive producer (the decode
// goroutine) and a slower consumer (the persistence goroutine). Write never blocks:
// when the buffer is full the overflow policy decides which item is lost, and the
// loss is counted in Statistics and, optionally, in Prometheus metrics.
package buffer

import (
	"context"
)

// Buffer represents a generic FIFO buffer parameterized by item type T.
type Buffer[T any] interface {
	// Write adds an item to the buffer. It never blocks; when the buffer is full
	// the overflow policy applies. Returns an error only if the buffer is closed.
	Write(item T) error

	// Read retrieves and removes the oldest item.
	// Returns the zero value and false if the buffer is empty.
	Read() (T, bool)

	// ReadBatch retrieves and removes up to max items in FIFO order.
	ReadBatch(max int) []T

	// Wait blocks until the buffer holds at least one item, the buffer is closed
	// or ctx is done. It returns false when no item can be expected anymore.
	Wait(ctx context.Context) bool

	// Size returns the current number of items in the buffer.
	Size() int

	// Capacity returns the maximum number of items the buffer can hold.
	Capacity() int

	// Clear removes all items from the buffer.
	Clear()

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close marks the buffer closed. Items already buffered stay readable.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// ParseOverflowPolicy maps a configuration string to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, bool) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, true
	case "drop_newest":
		return DropNewest, true
	default:
		return DropOldest, false
	}
}

// DropCallback is called with every item lost to the overflow policy.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a new circular buffer with the specified capacity and options.
// Returns an error if metrics registration fails when metrics are requested.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
