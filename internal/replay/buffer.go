// Package replay stores agent transitions for off-policy training.
package replay

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"causalrl/internal/model"
)

var ErrInsufficientSamples = errors.New("replay buffer holds fewer transitions than requested")

// Buffer is a fixed-capacity FIFO of transitions. Once full, each insert
// evicts the oldest entry. It is safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	items    []model.Transition
	next     int
	total    int
}

func New(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("replay capacity must be positive, got %d", capacity)
	}
	return &Buffer{capacity: capacity, items: make([]model.Transition, 0, capacity)}, nil
}

func (b *Buffer) Add(t model.Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t.State = t.State.Clone()
	t.NextState = t.NextState.Clone()
	if len(b.items) < b.capacity {
		b.items = append(b.items, t)
	} else {
		b.items[b.next] = t
	}
	b.next = (b.next + 1) % b.capacity
	b.total++
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Buffer) Capacity() int { return b.capacity }

// Total counts every transition ever added, including evicted ones.
func (b *Buffer) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Sample draws n distinct transitions uniformly at random.
func (b *Buffer) Sample(rng *rand.Rand, n int) ([]model.Transition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.items) {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrInsufficientSamples, len(b.items), n)
	}
	idx := make([]int, len(b.items))
	for i := range idx {
		idx[i] = i
	}
	// Partial Fisher-Yates: the first n positions end up a uniform sample.
	out := make([]model.Transition, n)
	for i := 0; i < n; i++ {
		j := i + rng.Intn(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
		out[i] = b.items[idx[i]]
	}
	return out, nil
}

// Snapshot returns the held transitions from oldest to newest.
func (b *Buffer) Snapshot() []model.Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Transition, 0, len(b.items))
	if len(b.items) < b.capacity {
		return append(out, b.items...)
	}
	out = append(out, b.items[b.next:]...)
	return append(out, b.items[:b.next]...)
}

func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = b.items[:0]
	b.next = 0
}
