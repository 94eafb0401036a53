package wirecodec

import (
	"strings"
	"testing"

	"github.com/miekg/dns"
)

func TestCompactStringIncludesRRTypesAndHeaderBits(t *testing.T) {
	a1, err := dns.NewRR("a.name.example.net. 300 IN A 1.2.3.4")
	if err != nil {
		t.Fatal(err)
	}
	a2, err := dns.NewRR("a.name.example.net. 300 IN AAAA fe80::f0a2:46ff:feb5:3c98")
	if err != nil {
		t.Fatal(err)
	}
	n1, err := dns.NewRR("example.com. 300 IN NS a.ns.example.net.")
	if err != nil {
		t.Fatal(err)
	}
	e1, err := dns.NewRR("example.net. 600 IN MX 10 smtp.example.net.")
	if err != nil {
		t.Fatal(err)
	}

	m := &dns.Msg{
		Answer: []dns.RR{a1, a2},
		Ns:     []dns.RR{n1},
		Extra:  []dns.RR{e1},
	}
	m.SetQuestion(dns.Fqdn("a.name.example.net"), dns.TypeA)

	s := CompactString(m)
	if !strings.Contains(s, "AAAA*") {
		t.Error("expected CompactString to include the AAAA answer, got", s)
	}
	if !strings.Contains(s, "MX*10-") {
		t.Error("expected CompactString to include the MX extra record, got", s)
	}

	m.MsgHdr.Response = true
	m.MsgHdr.Authoritative = true
	m.MsgHdr.Truncated = true
	m.MsgHdr.RecursionDesired = true
	m.MsgHdr.RecursionAvailable = true
	m.MsgHdr.Zero = true
	m.MsgHdr.AuthenticatedData = true
	m.MsgHdr.CheckingDisabled = true

	s = CompactString(m)
	if !strings.Contains(s, "RATdaZsx") {
		t.Error("expected CompactString to encode all header bits as RATdaZsx, got", s)
	}
}

func TestCompactStringHandlesEmptyQuestion(t *testing.T) {
	m := new(dns.Msg)
	s := CompactString(m)
	if !strings.Contains(s, "?/?/?") {
		t.Error("expected placeholder class/type/name for a question-less message, got", s)
	}
}
