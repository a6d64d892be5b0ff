// Package controlqueue implements the bounded, lossless control queue (C2)
// connecting the connection listener to the RDMA poller.
//
// The queue exposes both a non-blocking Peek — so the consumer can inspect
// the head without committing to handle it yet — and a DequeueTimeout for
// idle-sleeping when there is no other work. Go channels alone cannot
// express peek-without-consume together with a bounded, blocking producer,
// so the queue is built directly on a mutex and condition variable, the
// same shape other examples in this codebase use around a shared buffer.
package controlqueue

import (
	"container/list"
	"sync"
	"time"
)

// Op identifies the kind of control message.
type Op int

const (
	// Connect signals a new client or an executor back-channel arrival.
	Connect Op = iota
	// Disconnect signals a CM disconnection event.
	Disconnect
)

func (o Op) String() string {
	switch o {
	case Connect:
		return "CONNECT"
	case Disconnect:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// Message is a single control-plane event produced by the connection
// listener and consumed by the RDMA poller.
type Message struct {
	Op Op
	// NewClient carries a fully-registered client for Op == Connect when
	// the listener saw a zero private-data secret. Nil otherwise.
	NewClient any
	// Conn carries a bare connection handle for Op == Connect (non-zero
	// secret) or Op == Disconnect. Nil otherwise.
	Conn any
	// Secret is the CM private-data secret attached to the event that
	// produced this message.
	Secret uint32
}

// Queue is a bounded, lossless FIFO of Message values supporting peek,
// blocking dequeue, and dequeue-with-timeout.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    *list.List
	capacity int
	closed   bool
}

// New constructs a Queue with the given bounded capacity. A non-positive
// capacity is treated as 1.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{items: list.New(), capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends msg to the queue, blocking while the queue is full. It
// returns false if the queue is closed before the message can be added.
func (q *Queue) Enqueue(msg Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() >= q.capacity && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return false
	}
	q.items.PushBack(msg)
	q.notEmpty.Signal()
	return true
}

// Peek returns the head message without removing it. The second return
// value is false if the queue is empty.
func (q *Queue) Peek() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.items.Front()
	if front == nil {
		return Message{}, false
	}
	return front.Value.(Message), true
}

// Pop removes the head message. It is a no-op if the queue is empty; callers
// are expected to call Peek first.
func (q *Queue) Pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.items.Front()
	if front == nil {
		return
	}
	q.items.Remove(front)
	q.notFull.Signal()
}

// DequeueTimeout blocks until a message is available, the queue is closed,
// or timeout elapses, whichever comes first. A non-positive timeout blocks
// indefinitely.
func (q *Queue) DequeueTimeout(timeout time.Duration) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var deadline time.Time
	var timer *time.Timer
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		// time.AfterFunc's callback runs on its own goroutine only once, at
		// fire time, and Stop cancels it cleanly if we return first; this
		// keeps DequeueTimeout from leaking a goroutine per call the way a
		// naive "wait in a select" implementation over sync.Cond would.
		timer = time.AfterFunc(timeout, func() {
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.mu.Unlock()
		})
		defer timer.Stop()
	}

	for q.items.Len() == 0 && !q.closed {
		if timeout > 0 && !time.Now().Before(deadline) {
			return Message{}, false
		}
		q.notEmpty.Wait()
	}
	front := q.items.Front()
	if front == nil {
		return Message{}, false
	}
	msg := front.Value.(Message)
	q.items.Remove(front)
	q.notFull.Signal()
	return msg, true
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close marks the queue closed, waking any blocked producers or consumers.
// Enqueue calls after Close return false; DequeueTimeout returns ok=false
// once drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}
