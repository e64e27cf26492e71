// Package queue provides a bounded, thread-safe buffer between event sources
// and the pipeline workers.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"risk-pipeline/internal/schema"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// RingBuffer is a fixed-capacity circular buffer of event envelopes.
type RingBuffer struct {
	buffer []*schema.Envelope
	size   int
	head   int
	count  int
	closed bool
	mu     sync.Mutex

	// notify has one pending token whenever the buffer may be non-empty.
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	totalPushed  uint64
	totalPopped  uint64
	totalDropped uint64
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 10000
	}
	return &RingBuffer{
		buffer: make([]*schema.Envelope, size),
		size:   size,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push adds an envelope to the queue.
// Returns ErrQueueFull if the queue is at capacity; the envelope is dropped.
func (rb *RingBuffer) Push(env *schema.Envelope) error {
	if env == nil {
		return errors.New("queue: nil envelope")
	}

	rb.mu.Lock()
	if rb.closed {
		rb.mu.Unlock()
		return ErrQueueClosed
	}
	if rb.count == rb.size {
		rb.mu.Unlock()
		atomic.AddUint64(&rb.totalDropped, 1)
		return ErrQueueFull
	}
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = time.Now().UTC()
	}
	rb.buffer[(rb.head+rb.count)%rb.size] = env
	rb.count++
	rb.mu.Unlock()

	atomic.AddUint64(&rb.totalPushed, 1)
	rb.signal()
	return nil
}

func (rb *RingBuffer) signal() {
	select {
	case rb.notify <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest envelope.
// Returns ErrQueueEmpty if the queue is empty.
func (rb *RingBuffer) Pop() (*schema.Envelope, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.popLocked()
}

func (rb *RingBuffer) popLocked() (*schema.Envelope, error) {
	if rb.count == 0 {
		if rb.closed {
			return nil, ErrQueueClosed
		}
		return nil, ErrQueueEmpty
	}

	env := rb.buffer[rb.head]
	rb.buffer[rb.head] = nil // allow GC
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	atomic.AddUint64(&rb.totalPopped, 1)

	// Wake another waiter if work remains.
	if rb.count > 0 {
		rb.signal()
	}
	return env, nil
}

// PopContext blocks until an envelope is available, the queue is closed and
// drained, or ctx is done.
func (rb *RingBuffer) PopContext(ctx context.Context) (*schema.Envelope, error) {
	for {
		env, err := rb.Pop()
		if !errors.Is(err, ErrQueueEmpty) {
			return env, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-rb.notify:
		case <-rb.done:
		}
	}
}

// PopWithTimeout is PopContext bounded by timeout.
// Returns ErrQueueEmpty if no envelope arrives in time.
func (rb *RingBuffer) PopWithTimeout(timeout time.Duration) (*schema.Envelope, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	env, err := rb.PopContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrQueueEmpty
	}
	return env, err
}

// Len returns the current number of envelopes in the queue.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the queue.
func (rb *RingBuffer) Cap() int {
	return rb.size
}

// Close closes the queue. Queued envelopes can still be drained.
func (rb *RingBuffer) Close() {
	rb.closeOnce.Do(func() {
		rb.mu.Lock()
		rb.closed = true
		rb.mu.Unlock()
		close(rb.done)
	})
}

// Metrics returns queue statistics.
func (rb *RingBuffer) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   atomic.LoadUint64(&rb.totalPushed),
		Popped:   atomic.LoadUint64(&rb.totalPopped),
		Dropped:  atomic.LoadUint64(&rb.totalDropped),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// QueueMetrics holds statistics about queue operations.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
