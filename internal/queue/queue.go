/*
Package queue implements the bounded multi-producer/single-consumer FIFO that sits between
the ingress listener and the upstream dispatcher. Producers Push; the dispatcher calls
Snapshot to see the current order without disturbing it, then Remove's each message
individually as it is written to an upstream TLS session, so a message that fails to send
stays in the queue to be retried on the next tick.
*/
package queue

import (
	"container/list"
	"fmt"
	"sync"
)

// Message is one outbound, TCP-framed DNS query awaiting delivery to an upstream.
type Message struct {
	UpstreamID uint16
	Frame      []byte
}

// Queue is a FIFO of Message bounded at maxLen entries. Once full, Push drops the new
// message (drop-newest) and reports false so the caller can reclaim the associated
// tracker ticket.
type Queue struct {
	mu      sync.Mutex
	entries *list.List
	maxLen  int

	pushed  uint64
	dropped uint64
	sent    uint64
}

// New creates an empty Queue capped at maxLen entries.
func New(maxLen int) *Queue {
	return &Queue{entries: list.New(), maxLen: maxLen}
}

// Push appends msg to the tail of the queue. It returns false without modifying the queue
// if the queue is already at capacity.
func (q *Queue) Push(msg Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.entries.Len() >= q.maxLen {
		q.dropped++
		return false
	}

	q.entries.PushBack(msg)
	q.pushed++
	return true
}

// element pairs a Message with the list.Element that holds it, so a caller can later ask
// for that specific entry to be removed even if other entries have been pushed or removed
// in between Snapshot and Remove.
type element struct {
	e   *list.Element
	Msg Message
}

// Snapshot returns the messages currently queued, oldest first, without removing them.
func (q *Queue) Snapshot() []element {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]element, 0, q.entries.Len())
	for e := q.entries.Front(); e != nil; e = e.Next() {
		out = append(out, element{e: e, Msg: e.Value.(Message)})
	}
	return out
}

// Remove deletes the specific snapshotted entry from the queue, if it is still present.
// Call this after successfully writing a snapshotted message to an upstream session.
func (q *Queue) Remove(el element) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries.Remove(el.e)
	q.sent++
}

// Len returns the number of messages currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

// Name implements reporter.Reporter.
func (q *Queue) Name() string {
	return "Queue"
}

// Report implements reporter.Reporter.
func (q *Queue) Report(resetCounters bool) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	report := fmt.Sprintf("depth=%d pushed=%d sent=%d dropped=%d",
		q.entries.Len(), q.pushed, q.sent, q.dropped)
	if resetCounters {
		q.pushed, q.sent, q.dropped = 0, 0, 0
	}
	return report
}
