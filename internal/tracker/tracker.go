/*
Package tracker maps an upstream DNS transaction id back to the client that originated
the query, so a response arriving on a shared upstream session can be relayed to the
right UDP client with its own transaction id restored.

A Tracker also mints the upstream id itself (via internal/idalloc) since allocation and
membership must be tested and inserted as one atomic step: Reserve holds the tracker's
single lock across "draw a candidate, test membership, insert a placeholder" so two
goroutines can never settle on the same id.

Typical lifecycle of one ticket:

	id, err := t.Reserve()          // C2+C3: mint id, insert placeholder
	...                             // reframe the query for id
	t.Bind(id, clientID, clientAddr) // C3: complete the ticket
	...                             // append to outbound queue
	...                             // later, on a response frame:
	ticket, ok := t.Take(id)         // C3: atomic lookup-and-remove

If the query never reaches the outbound queue (e.g. dropped by a full queue) the caller
must call Release to avoid leaking the placeholder.
*/
package tracker

import (
	"net"
	"sync"
	"time"

	"github.com/tehego/dot-relay/internal/idalloc"
)

// Ticket is the per-in-flight record owned by a Tracker.
type Ticket struct {
	UpstreamID uint16       // Primary key, unique across the tracker at all times
	ClientID   uint16       // Original transaction id presented by the LAN client
	ClientAddr *net.UDPAddr // Where to deliver the response datagram
	EnqueuedAt time.Time    // Set by Bind; used only for latency reporting
	Session    uint64       // Upstream session this ticket was sent on, set by MarkSession

	bound bool // True once Bind has completed the placeholder inserted by Reserve
}

type errIx int

const (
	errExhausted errIx = iota // idalloc could not find a free id
	errArraySize
)

type trackerStats struct {
	reserved int
	bound    int
	taken    int
	dropped  int // Stale Take()/Bind() against an id not present
	reaped   int
	errors   [errArraySize]int
}

// Tracker is the shared connection tracker (C3). A single mutex protects membership and
// content; no lock is ever held across I/O.
type Tracker struct {
	maxProbes int

	mu      sync.Mutex
	tickets map[uint16]*Ticket
	trackerStats
}

// New constructs an empty Tracker. maxProbes bounds how many candidate ids Reserve will
// try before returning idalloc.ErrExhausted.
func New(maxProbes int) *Tracker {
	if maxProbes <= 0 {
		maxProbes = idalloc.DefaultMaxProbes
	}

	return &Tracker{
		maxProbes: maxProbes,
		tickets:   make(map[uint16]*Ticket),
	}
}

// Reserve mints a fresh upstream id not currently present in the tracker and inserts a
// placeholder ticket for it. Returns idalloc.ErrExhausted if no free id turned up within
// the configured probe budget -- the caller should drop the triggering query.
func (t *Tracker) Reserve() (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, err := idalloc.Allocate(t.maxProbes, func(candidate uint16) bool {
		_, exists := t.tickets[candidate]
		return exists
	}, idalloc.DefaultRand())
	if err != nil {
		t.errors[errExhausted]++
		return 0, err
	}

	t.tickets[id] = &Ticket{UpstreamID: id}
	t.reserved++

	return id, nil
}

// Bind completes a ticket previously created by Reserve, recording the client's own
// transaction id and reply address. Returns false if upstreamID is not a pending ticket.
func (t *Tracker) Bind(upstreamID, clientID uint16, clientAddr *net.UDPAddr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	tk, ok := t.tickets[upstreamID]
	if !ok {
		t.dropped++
		return false
	}

	tk.ClientID = clientID
	tk.ClientAddr = clientAddr
	tk.EnqueuedAt = time.Now()
	tk.bound = true
	t.bound++

	return true
}

// MarkSession tags a bound ticket with the upstream session it was sent on, so the
// ticket can be reclaimed in bulk via ReapSession if that session closes without a
// matching response ever arriving.
func (t *Tracker) MarkSession(upstreamID uint16, session uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	tk, ok := t.tickets[upstreamID]
	if !ok {
		return false
	}
	tk.Session = session

	return true
}

// Take is the atomic lookup-and-remove used by the response demultiplexer: the caller
// is the only entity authorised to deliver a reply for upstreamID. A not-yet-bound
// placeholder is never returned.
func (t *Tracker) Take(upstreamID uint16) (*Ticket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tk, ok := t.tickets[upstreamID]
	if !ok || !tk.bound {
		t.dropped++
		return nil, false
	}

	delete(t.tickets, upstreamID)
	t.taken++

	return tk, true
}

// Release discards a reserved or bound ticket whose query never reached the outbound
// queue (e.g. the queue was full) without counting it as ever having been delivered.
func (t *Tracker) Release(upstreamID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.tickets, upstreamID)
}

// ReapIf removes every ticket for which predicate returns true, returning the count
// removed. Used at shutdown (predicate always true) and when a session closes.
func (t *Tracker) ReapIf(predicate func(*Ticket) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, tk := range t.tickets {
		if predicate(tk) {
			delete(t.tickets, id)
			n++
		}
	}
	t.reaped += n

	return n
}

// ReapSession removes every ticket bound to the given upstream session. Called when
// that session's reader exits, so tickets for messages that were sent but never
// answered don't linger forever.
func (t *Tracker) ReapSession(session uint64) int {
	return t.ReapIf(func(tk *Ticket) bool { return tk.bound && tk.Session == session })
}

// Len returns the current number of live tickets (reserved, bound, or both).
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.tickets)
}
