package session

import "sync"

// Queue is a bounded FIFO of encoded envelopes. When full, the oldest entry
// is discarded to make room.
type Queue struct {
	mu      sync.Mutex
	buf     [][]byte
	head    int
	size    int
	dropped int64
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &Queue{buf: make([][]byte, capacity)}
}

// Push appends msg and reports whether an older entry was dropped.
func (q *Queue) Push(msg []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := false
	if q.size == len(q.buf) {
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		dropped = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = msg
	q.size++
	return dropped
}

// PushFront returns msg to the head, used when a write did not complete.
// A full queue discards it, since it is the oldest entry.
func (q *Queue) PushFront(msg []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == len(q.buf) {
		q.dropped++
		return false
	}
	q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
	q.buf[q.head] = msg
	q.size++
	return true
}

// Pop removes the oldest entry.
func (q *Queue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return nil, false
	}
	msg := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return msg, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
