/*
Package ingress implements the C4 UDP/53 receive loop: read a client datagram, decode it,
apply the QTYPE allow-list, mint an upstream transaction id, reframe the payload for TCP,
and enqueue it for the dispatcher. It also owns the single UDP socket used to deliver
replies back to clients, since the spec requires that the listening socket never change
identity over the process lifetime.
*/
package ingress

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/tehego/dot-relay/internal/concurrencytracker"
	"github.com/tehego/dot-relay/internal/queue"
	"github.com/tehego/dot-relay/internal/tracker"
	"github.com/tehego/dot-relay/internal/wirecodec"
)

// Listener owns the UDP/53 socket and feeds a Queue.
type Listener struct {
	addr    *net.UDPAddr
	tracker *tracker.Tracker
	queue   *queue.Queue
	allowed map[uint16]bool
	bufSize int

	mu   sync.Mutex
	conn *net.UDPConn

	inflight *concurrencytracker.Counter // optional, set via SetInflightCounter

	stdout      io.Writer // optional, set via SetLogging
	logClientIn bool

	stats
}

// SetInflightCounter attaches a shared in-flight query counter. Every enqueued query calls
// Add(); the dispatcher calls Done() once that query's ticket is resolved or reclaimed.
// Wiring this is optional -- a nil counter (the default) disables the tracking.
func (l *Listener) SetInflightCounter(c *concurrencytracker.Counter) {
	l.inflight = c
}

// SetLogging turns on compact per-query trace lines written to stdout. clientIn controls
// whether every successfully decoded inbound query is traced.
func (l *Listener) SetLogging(stdout io.Writer, clientIn bool) {
	l.stdout = stdout
	l.logClientIn = clientIn
}

type stats struct {
	mu                 sync.Mutex
	received           uint64
	enqueued           uint64
	droppedMalformed   uint64
	droppedUnsupported uint64
	droppedExhausted   uint64
	droppedQueueFull   uint64
	restarts           uint64
}

// New binds the UDP listener socket at addr. allowedQTypes lists the DNS QTYPEs that are
// forwarded upstream; anything else is dropped silently, per the ingress filter. An empty
// allowedQTypes list forwards every QTYPE.
func New(addr string, tr *tracker.Tracker, q *queue.Queue, bufSize int, allowedQTypes []uint16) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("ingress: resolve %s: %w", addr, err)
	}

	allowed := make(map[uint16]bool, len(allowedQTypes))
	for _, qt := range allowedQTypes {
		allowed[qt] = true
	}

	l := &Listener{addr: udpAddr, tracker: tr, queue: q, allowed: allowed, bufSize: bufSize}
	if err := l.bind(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Listener) bind() error {
	conn, err := net.ListenUDP("udp4", l.addr)
	if err != nil {
		return fmt.Errorf("ingress: listen %s: %w", l.addr, err)
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	return nil
}

// LocalAddr returns the bound address, useful for binding the dispatcher's outbound TLS
// sockets to the same local endpoint.
func (l *Listener) LocalAddr() *net.UDPAddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Reply sends payload to addr on the listener's UDP socket. It is the only path by which a
// reply is ever sent to a client, per the spec's single-socket invariant.
func (l *Listener) Reply(addr *net.UDPAddr, payload []byte) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	_, err := conn.WriteToUDP(payload, addr)
	return err
}

// Run reads datagrams until ctx is cancelled. An unexpected socket error restarts the
// listener from scratch -- no client-side state persists across the restart, so a fresh
// bind is sufficient recovery.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.runOnce(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		l.stats.mu.Lock()
		l.stats.restarts++
		l.stats.mu.Unlock()

		l.mu.Lock()
		l.conn.Close()
		l.mu.Unlock()
		if rebindErr := l.bind(); rebindErr != nil {
			return fmt.Errorf("ingress: restart failed: %w", rebindErr)
		}
	}
}

func (l *Listener) runOnce(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, l.bufSize)
	for {
		n, clientAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		l.handle(datagram, clientAddr)
	}
}

func (l *Listener) handle(datagram []byte, clientAddr *net.UDPAddr) {
	l.stats.mu.Lock()
	l.stats.received++
	l.stats.mu.Unlock()

	msg, err := wirecodec.ParseUDP(datagram)
	if err != nil {
		l.stats.mu.Lock()
		l.stats.droppedMalformed++
		l.stats.mu.Unlock()
		return
	}

	if l.logClientIn && l.stdout != nil {
		fmt.Fprintln(l.stdout, "Cin:"+clientAddr.String()+":"+wirecodec.CompactString(msg))
	}

	if len(l.allowed) > 0 && !l.allowed[wirecodec.QType(msg)] {
		l.stats.mu.Lock()
		l.stats.droppedUnsupported++
		l.stats.mu.Unlock()
		return
	}

	upstreamID, err := l.tracker.Reserve()
	if err != nil {
		l.stats.mu.Lock()
		l.stats.droppedExhausted++
		l.stats.mu.Unlock()
		return
	}

	frame := wirecodec.UDPToTLS(datagram, upstreamID)
	l.tracker.Bind(upstreamID, msg.Id, clientAddr)

	if !l.queue.Push(queue.Message{UpstreamID: upstreamID, Frame: frame}) {
		l.tracker.Release(upstreamID) // reclaim the ticket the dropped message would never consume
		l.stats.mu.Lock()
		l.stats.droppedQueueFull++
		l.stats.mu.Unlock()
		return
	}

	l.stats.mu.Lock()
	l.stats.enqueued++
	l.stats.mu.Unlock()

	if l.inflight != nil {
		l.inflight.Add()
	}
}

// Name implements reporter.Reporter.
func (l *Listener) Name() string {
	return "Ingress"
}

// Report implements reporter.Reporter.
func (l *Listener) Report(resetCounters bool) string {
	l.stats.mu.Lock()
	defer l.stats.mu.Unlock()

	report := fmt.Sprintf(
		"received=%d enqueued=%d dropped_malformed=%d dropped_unsupported=%d dropped_exhausted=%d dropped_queue_full=%d restarts=%d",
		l.stats.received, l.stats.enqueued, l.stats.droppedMalformed, l.stats.droppedUnsupported,
		l.stats.droppedExhausted, l.stats.droppedQueueFull, l.stats.restarts)

	if resetCounters {
		l.stats.received, l.stats.enqueued = 0, 0
		l.stats.droppedMalformed, l.stats.droppedUnsupported = 0, 0
		l.stats.droppedExhausted, l.stats.droppedQueueFull = 0, 0
		l.stats.restarts = 0
	}

	return report
}
