package dispatch

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/tehego/dot-relay/internal/queue"
	"github.com/tehego/dot-relay/internal/tracker"
	"github.com/tehego/dot-relay/internal/upstream"
	"github.com/tehego/dot-relay/internal/wirecodec"
)

type fakeSink struct {
	mu       sync.Mutex
	replies  [][]byte
	replyCh  chan []byte
	localUDP *net.UDPAddr
}

func newFakeSink() *fakeSink {
	return &fakeSink{replyCh: make(chan []byte, 8)}
}

func (s *fakeSink) Reply(addr *net.UDPAddr, payload []byte) error {
	s.mu.Lock()
	s.replies = append(s.replies, payload)
	s.mu.Unlock()
	s.replyCh <- payload
	return nil
}

func (s *fakeSink) LocalAddr() *net.UDPAddr {
	return s.localUDP
}

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// fakeUpstream accepts one TLS connection, reads one framed query, and writes back a
// framed response with the same id and a low TTL, then closes the connection.
func fakeUpstream(t *testing.T, ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	lenBuf := make([]byte, 2)
	if _, err := readFull(conn, lenBuf); err != nil {
		return
	}
	declared := int(binary.BigEndian.Uint16(lenBuf))
	payload := make([]byte, declared)
	if _, err := readFull(conn, payload); err != nil {
		return
	}

	m := new(dns.Msg)
	if err := m.Unpack(payload); err != nil {
		t.Log("upstream failed to unpack query:", err)
		return
	}

	resp := new(dns.Msg)
	resp.Id = m.Id
	resp.Response = true
	resp.Question = m.Question
	rr, err := dns.NewRR("example.com. 30 IN A 93.184.216.34")
	if err != nil {
		t.Fatal(err)
	}
	resp.Answer = append(resp.Answer, rr)

	respBuf, err := resp.Pack()
	if err != nil {
		t.Fatal(err)
	}
	frame := wirecodec.UDPToTLS(respBuf, m.Id)
	conn.Write(frame)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestDispatchDeliversResponseToClient(t *testing.T) {
	cert := selfSignedCert(t)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go fakeUpstream(t, ln)

	tr := tracker.New(64)
	clientAddr, _ := net.ResolveUDPAddr("udp4", "192.168.2.10:51515")
	id, err := tr.Reserve()
	if err != nil {
		t.Fatal(err)
	}
	tr.Bind(id, 0x1234, clientAddr)

	q := queue.New(16)
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn("example.com"), dns.TypeA)
	query.Id = 0x1234
	qbuf, _ := query.Pack()
	q.Push(queue.Message{UpstreamID: id, Frame: wirecodec.UDPToTLS(qbuf, id)})

	resolver := &upstream.Resolver{Address: ln.Addr().String(), ServerName: "127.0.0.1"}
	reg, err := upstream.NewRegistry([]*upstream.Resolver{resolver}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	sink := newFakeSink()
	tlsBase := &tls.Config{InsecureSkipVerify: true}
	d := New(sink, q, tr, reg, tlsBase, Config{
		Tick:        10 * time.Millisecond,
		DialTimeout: time.Second,
		ReadTimeout: time.Second,
		TTLFloor:    300,
	})

	d.tick(context.Background())

	select {
	case payload := <-sink.replyCh:
		out, err := wirecodec.ParseUDP(payload)
		if err != nil {
			t.Fatal(err)
		}
		if out.Id != 0x1234 {
			t.Errorf("expected restored client id 0x1234, got 0x%x", out.Id)
		}
		if out.Answer[0].Header().Ttl != 300 {
			t.Error("expected TTL floored to 300, got", out.Answer[0].Header().Ttl)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply delivered within timeout")
	}

	if tr.Len() != 0 {
		t.Error("ticket should have been consumed by delivery, tracker has", tr.Len())
	}
}

func TestDispatchLogsClientOut(t *testing.T) {
	cert := selfSignedCert(t)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go fakeUpstream(t, ln)

	tr := tracker.New(64)
	clientAddr, _ := net.ResolveUDPAddr("udp4", "192.168.2.10:51515")
	id, err := tr.Reserve()
	if err != nil {
		t.Fatal(err)
	}
	tr.Bind(id, 0x1234, clientAddr)

	q := queue.New(16)
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn("example.com"), dns.TypeA)
	query.Id = 0x1234
	qbuf, _ := query.Pack()
	q.Push(queue.Message{UpstreamID: id, Frame: wirecodec.UDPToTLS(qbuf, id)})

	resolver := &upstream.Resolver{Address: ln.Addr().String(), ServerName: "127.0.0.1"}
	reg, err := upstream.NewRegistry([]*upstream.Resolver{resolver}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	sink := newFakeSink()
	d := New(sink, q, tr, reg, &tls.Config{InsecureSkipVerify: true}, Config{
		Tick:        10 * time.Millisecond,
		DialTimeout: time.Second,
		ReadTimeout: time.Second,
		TTLFloor:    300,
	})
	var out bytes.Buffer
	d.SetLogging(&out, true, false)

	d.tick(context.Background())

	select {
	case <-sink.replyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no reply delivered within timeout")
	}

	if !strings.Contains(out.String(), "Cout:192.168.2.10:51515:") {
		t.Errorf("expected a client-out trace line, got %q", out.String())
	}
}

func TestDispatchLogsUpstreamErrors(t *testing.T) {
	tr := tracker.New(64)
	q := queue.New(16)
	id, _ := tr.Reserve()
	clientAddr, _ := net.ResolveUDPAddr("udp4", "10.0.0.1:1")
	tr.Bind(id, 1, clientAddr)
	q.Push(queue.Message{UpstreamID: id, Frame: []byte("frame")})

	resolver := &upstream.Resolver{Address: "192.0.2.1:853", ServerName: "unreachable"}
	reg, err := upstream.NewRegistry([]*upstream.Resolver{resolver}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	sink := newFakeSink()
	d := New(sink, q, tr, reg, &tls.Config{InsecureSkipVerify: true}, Config{
		Tick:        10 * time.Millisecond,
		DialTimeout: 50 * time.Millisecond,
		ReadTimeout: time.Second,
		TTLFloor:    300,
	})
	var out bytes.Buffer
	d.SetLogging(&out, false, true)

	d.tick(context.Background())

	if !strings.Contains(out.String(), "Uerr:192.0.2.1:853:") {
		t.Errorf("expected an upstream-error trace line, got %q", out.String())
	}
}

func TestDispatchLeavesBatchQueuedWhenNoResolverReachable(t *testing.T) {
	tr := tracker.New(64)
	q := queue.New(16)
	id, _ := tr.Reserve()
	clientAddr, _ := net.ResolveUDPAddr("udp4", "10.0.0.1:1")
	tr.Bind(id, 1, clientAddr)
	q.Push(queue.Message{UpstreamID: id, Frame: []byte("frame")})

	resolver := &upstream.Resolver{Address: "192.0.2.1:853", ServerName: "unreachable"}
	reg, err := upstream.NewRegistry([]*upstream.Resolver{resolver}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	sink := newFakeSink()
	d := New(sink, q, tr, reg, &tls.Config{InsecureSkipVerify: true}, Config{
		Tick:        10 * time.Millisecond,
		DialTimeout: 50 * time.Millisecond,
		ReadTimeout: time.Second,
		TTLFloor:    300,
	})

	d.tick(context.Background())

	if q.Len() != 1 {
		t.Error("batch should remain queued when no resolver is reachable, queue len is", q.Len())
	}
	report := d.Report(false)
	if report == "" {
		t.Error("expected non-empty report")
	}
}
