/*
Package dispatch implements C5, the upstream dispatcher, and C6, the response
demultiplexer. On each tick the dispatcher drains the outbound queue onto a freshly
dialed TLS session toward the first eligible upstream resolver, hands the read side to a
per-session demultiplexer goroutine, and half-closes the write side once the batch is
sent. The demultiplexer reassembles framed responses, restores the original client
transaction id, and writes the reply back on the ingress listener's UDP socket.
*/
package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/tehego/dot-relay/internal/concurrencytracker"
	"github.com/tehego/dot-relay/internal/queue"
	"github.com/tehego/dot-relay/internal/tlsutil"
	"github.com/tehego/dot-relay/internal/tracker"
	"github.com/tehego/dot-relay/internal/upstream"
	"github.com/tehego/dot-relay/internal/wirecodec"
)

// replySink is the subset of ingress.Listener the demultiplexer needs: the ability to
// deliver a reply on the shared UDP socket and to learn its local address so outbound TLS
// sockets can be bound alongside it.
type replySink interface {
	Reply(addr *net.UDPAddr, payload []byte) error
	LocalAddr() *net.UDPAddr
}

// Config bounds the dispatcher's timing and framing behaviour.
type Config struct {
	Tick         time.Duration // How often the dispatcher wakes to check the queue
	DialTimeout  time.Duration // Per-resolver TLS handshake budget
	ReadTimeout  time.Duration // Per-session response read deadline
	TTLFloor     uint32        // Floor applied to every relayed RR TTL
	MaxFrameSize int           // Sanity cap on a single reassembled TCP frame
}

// Dispatcher is the dispatcher plus demultiplexer pair described by C5/C6.
type Dispatcher struct {
	Config

	sink     replySink
	queue    *queue.Queue
	tracker  *tracker.Tracker
	registry *upstream.Registry
	tlsBase  *tls.Config

	sessionCounter uint64

	inflight *concurrencytracker.Counter // optional, set via SetInflightCounter

	stdout            io.Writer // optional, set via SetLogging
	logClientOut      bool
	logUpstreamErrors bool

	mu    sync.Mutex
	stats dispatchStats
}

// SetInflightCounter attaches the same in-flight query counter the ingress listener feeds,
// so every query ingress.Listener.Add()'d gets a matching Done() once its ticket is
// resolved or reclaimed by this dispatcher.
func (d *Dispatcher) SetInflightCounter(c *concurrencytracker.Counter) {
	d.inflight = c
}

// SetLogging turns on compact per-query trace lines written to stdout. clientOut traces
// every response relayed back to a client; upstreamErrors traces every failed dial/TLS
// handshake against a configured resolver.
func (d *Dispatcher) SetLogging(stdout io.Writer, clientOut, upstreamErrors bool) {
	d.stdout = stdout
	d.logClientOut = clientOut
	d.logUpstreamErrors = upstreamErrors
}

type dispatchStats struct {
	ticks            uint64
	batchesSent      uint64
	batchDialFailed  uint64
	messagesSent     uint64
	messagesFailed   uint64
	responses        uint64
	staleResponses   uint64
	frameErrors      uint64
	sessionsOpened   uint64
	sessionsReaped   int
}

// New builds a Dispatcher. sink is typically an *internal/ingress.Listener.
func New(sink replySink, q *queue.Queue, tr *tracker.Tracker, reg *upstream.Registry, tlsBase *tls.Config, cfg Config) *Dispatcher {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = 65535 + wirecodec.LengthPrefixLen
	}
	return &Dispatcher{Config: cfg, sink: sink, queue: q, tracker: tr, registry: reg, tlsBase: tlsBase}
}

// Run wakes every Tick and drains the outbound queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	d.mu.Lock()
	d.stats.ticks++
	d.mu.Unlock()

	snap := d.queue.Snapshot()
	if len(snap) == 0 {
		return
	}

	conn, _ := d.dialFirstEligible(ctx)
	if conn == nil {
		d.mu.Lock()
		d.stats.batchDialFailed++
		d.mu.Unlock()
		return // leave the batch queued; retried next tick
	}

	session := atomic.AddUint64(&d.sessionCounter, 1)
	d.mu.Lock()
	d.stats.sessionsOpened++
	d.stats.batchesSent++
	d.mu.Unlock()

	go d.readLoop(conn, session)

	sent := 0
	for _, el := range snap {
		if _, err := conn.Write(el.Msg.Frame); err != nil {
			d.mu.Lock()
			d.stats.messagesFailed++
			d.mu.Unlock()
			continue // message stays queued and its ticket stays in C3; retried next tick
		}
		d.tracker.MarkSession(el.Msg.UpstreamID, session)
		d.queue.Remove(el)
		sent++
	}

	d.mu.Lock()
	d.stats.messagesSent += uint64(sent)
	d.mu.Unlock()

	closeWrite(conn)
}

// dialFirstEligible tries each configured resolver in order, returning the first session
// that completes a TLS handshake. Every attempt (success or failure) is recorded against
// the health registry.
func (d *Dispatcher) dialFirstEligible(ctx context.Context) (*tls.Conn, *upstream.Resolver) {
	now := time.Now()
	var localAddr *net.TCPAddr
	if udpAddr := d.sink.LocalAddr(); udpAddr != nil {
		localAddr = &net.TCPAddr{IP: udpAddr.IP}
	}

	for ix, resolver := range d.registry.Resolvers() {
		if !d.registry.Eligible(ix, now) {
			continue
		}

		conn, err := tlsutil.DialDoT(ctx, d.tlsBase, resolver.Address, resolver.ServerName, localAddr, d.DialTimeout)
		if err != nil {
			d.registry.Record(resolver, false, time.Now())
			if d.logUpstreamErrors && d.stdout != nil {
				fmt.Fprintln(d.stdout, "Uerr:"+resolver.Address+":", err)
			}
			continue
		}

		d.registry.Record(resolver, true, time.Now())
		return conn, resolver
	}

	return nil, nil
}

// closeWrite half-closes the write side of conn so the upstream knows the batch is
// complete; the server's subsequent close drives the reader to a clean EOF exit.
func closeWrite(conn *tls.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := net.Conn(conn).(writeCloser); ok {
		wc.CloseWrite()
		return
	}
	conn.Close()
}

// readLoop is C6: it reassembles framed responses off one upstream session, restores the
// client's identity, and relays the UDP reply, until the session times out, hits EOF, or a
// frame fails to parse.
func (d *Dispatcher) readLoop(conn *tls.Conn, session uint64) {
	defer conn.Close()
	defer func() {
		reaped := d.tracker.ReapSession(session)
		d.mu.Lock()
		d.stats.sessionsReaped += reaped
		d.mu.Unlock()
		if d.inflight != nil {
			for i := 0; i < reaped; i++ {
				d.inflight.Done()
			}
		}
	}()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for {
		conn.SetReadDeadline(time.Now().Add(d.ReadTimeout))
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return // timeout, EOF after half-close, or a lower-level read error
		}

		for {
			msg, consumed, perr := wirecodec.ParseTLS(buf)
			if errors.Is(perr, wirecodec.ErrShortFrame) {
				break // need more bytes for this frame
			}
			if perr != nil {
				d.mu.Lock()
				d.stats.frameErrors++
				d.mu.Unlock()
				return // malformed frame: stop trusting this session
			}

			buf = buf[consumed:]
			d.deliver(msg)

			if len(buf) > d.MaxFrameSize {
				return
			}
		}
	}
}

// deliver looks up the ticket for a decoded response and, if found, rewrites and relays
// it to the client. A response whose id has no matching ticket is a duplicate or arrived
// after the client-facing timeout; it is discarded.
func (d *Dispatcher) deliver(msg *dns.Msg) {
	ticket, ok := d.tracker.Take(msg.Id)
	if !ok {
		d.mu.Lock()
		d.stats.staleResponses++
		d.mu.Unlock()
		return
	}

	payload, err := wirecodec.Rewrite(msg, ticket.ClientID, d.TTLFloor)
	if err != nil {
		d.mu.Lock()
		d.stats.frameErrors++
		d.mu.Unlock()
		return
	}

	d.sink.Reply(ticket.ClientAddr, payload)

	if d.logClientOut && d.stdout != nil {
		fmt.Fprintln(d.stdout, "Cout:"+ticket.ClientAddr.String()+":"+wirecodec.CompactString(msg))
	}

	if d.inflight != nil {
		d.inflight.Done()
	}

	d.mu.Lock()
	d.stats.responses++
	d.mu.Unlock()
}

// Name implements reporter.Reporter.
func (d *Dispatcher) Name() string {
	return "Dispatch"
}

// Report implements reporter.Reporter.
func (d *Dispatcher) Report(resetCounters bool) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	report := fmt.Sprintf(
		"ticks=%d batches=%d dial_failed=%d sent=%d send_failed=%d responses=%d stale=%d frame_errors=%d sessions=%d reaped=%d",
		d.stats.ticks, d.stats.batchesSent, d.stats.batchDialFailed, d.stats.messagesSent,
		d.stats.messagesFailed, d.stats.responses, d.stats.staleResponses, d.stats.frameErrors,
		d.stats.sessionsOpened, d.stats.sessionsReaped)

	if resetCounters {
		d.stats = dispatchStats{}
	}

	return report
}
