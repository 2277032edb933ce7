package core

import (
	"log/slog"
	"sync"

	"wschat/internal/protocol"
)

// DefaultUndeliveredCap bounds each recipient's queue.
const DefaultUndeliveredCap = 1024

// UndeliveredQueue keeps per-recipient FIFOs of payloads awaiting that
// recipient's next connect. Each queue is bounded; when full, the oldest
// payload is dropped to admit the new one.
type UndeliveredQueue struct {
	mu     sync.Mutex
	queues map[uint64][]protocol.MessagePayload
	cap    int
}

// NewUndeliveredQueue returns an empty queue set with the given per-user
// cap. Non-positive caps fall back to DefaultUndeliveredCap.
func NewUndeliveredQueue(capPerUser int) *UndeliveredQueue {
	if capPerUser <= 0 {
		capPerUser = DefaultUndeliveredCap
	}
	return &UndeliveredQueue{
		queues: make(map[uint64][]protocol.MessagePayload),
		cap:    capPerUser,
	}
}

// Enqueue appends a payload to uid's queue. Returns true when the queue
// was full and the oldest entry was dropped.
func (q *UndeliveredQueue) Enqueue(uid uint64, p protocol.MessagePayload) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[uid]
	dropped := false
	if len(queue) >= q.cap {
		queue = queue[1:]
		dropped = true
		slog.Warn("undelivered queue full, dropping oldest", "user_id", uid, "cap", q.cap)
	}
	q.queues[uid] = append(queue, p)
	return dropped
}

// Drain removes and returns uid's entire queue in insertion order.
func (q *UndeliveredQueue) Drain(uid uint64) []protocol.MessagePayload {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue := q.queues[uid]
	delete(q.queues, uid)
	return queue
}

// Len returns the number of payloads queued for uid.
func (q *UndeliveredQueue) Len(uid uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[uid])
}
