/*
Package wirecodec implements the handful of wire-level operations the relay core needs:
decoding an inbound UDP query, reframing it for TCP transport with a fresh transaction
id, stripping that framing back off an upstream response, and rewriting a response's
transaction id and RR TTLs before it goes back to the client.

Message decoding itself is delegated to github.com/miekg/dns -- the DNS wire parser is
treated as an external collaborator, same as the rest of this codebase's ambient
dependencies. The TTL rewrite below walks the header of every RR in each section and
hard-sets its TTL.
*/
package wirecodec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/miekg/dns"
)

// LengthPrefixLen is the size, in bytes, of the big-endian length prefix RFC 7858 TCP
// framing puts in front of every DNS message.
const LengthPrefixLen = 2

// ErrMalformed is returned by ParseUDP when the buffer cannot be decoded as a DNS
// message at all.
var ErrMalformed = errors.New("wirecodec: malformed DNS message")

// ErrShortFrame is returned by ParseTLS when frame does not yet contain a complete
// TCP-framed message -- the caller should read more bytes and retry.
var ErrShortFrame = errors.New("wirecodec: short frame")

// ParseUDP decodes a raw (unframed) UDP DNS message.
func ParseUDP(buf []byte) (*dns.Msg, error) {
	m := new(dns.Msg)
	if err := m.Unpack(buf); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	return m, nil
}

// QType returns the QTYPE of the message's sole question, or 0 if there is no question
// section at all.
func QType(m *dns.Msg) uint16 {
	if len(m.Question) == 0 {
		return 0
	}

	return m.Question[0].Qtype
}

// UDPToTLS produces the TCP-framed form of a raw UDP payload: a 2-byte big-endian
// length prefix followed by the payload, with its transaction id overwritten to newID.
// Question bytes are copied verbatim -- only the two id bytes at the front of the DNS
// header change.
func UDPToTLS(buf []byte, newID uint16) []byte {
	out := make([]byte, LengthPrefixLen+len(buf))
	binary.BigEndian.PutUint16(out[0:LengthPrefixLen], uint16(len(buf)))
	copy(out[LengthPrefixLen:], buf)
	binary.BigEndian.PutUint16(out[LengthPrefixLen:LengthPrefixLen+2], newID)

	return out
}

// ParseTLS strips and validates the length prefix from a TCP-framed DNS message. It
// returns the decoded message and the total number of bytes consumed from frame
// (prefix + payload), so a caller reassembling frames across TCP segment boundaries
// knows where the next frame begins.
func ParseTLS(frame []byte) (*dns.Msg, int, error) {
	if len(frame) < LengthPrefixLen {
		return nil, 0, ErrShortFrame
	}

	declared := int(binary.BigEndian.Uint16(frame[0:LengthPrefixLen]))
	total := LengthPrefixLen + declared
	if len(frame) < total {
		return nil, 0, ErrShortFrame
	}

	m, err := ParseUDP(frame[LengthPrefixLen:total])
	if err != nil {
		return nil, 0, err
	}

	return m, total, nil
}

// Rewrite restores clientID as resp's transaction id and rewrites every RR TTL in the
// Answer, Authority and Additional sections to floorSeconds, then packs the result as a
// UDP-ready payload. OPT pseudo-RRs are left untouched: their "TTL" field is not a TTL
// at all, it carries extended-rcode and flag bits per RFC 6891.
//
// Rewrite is idempotent: setting a TTL to the value it already holds is a no-op, and
// setting the id to a value it already holds is a no-op, so calling Rewrite twice with
// the same arguments produces the same bytes as calling it once.
func Rewrite(resp *dns.Msg, clientID uint16, floorSeconds uint32) ([]byte, error) {
	resp.Id = clientID
	floorTTLs(resp.Answer, floorSeconds)
	floorTTLs(resp.Ns, floorSeconds)
	floorTTLs(resp.Extra, floorSeconds)

	payload, err := resp.Pack()
	if err != nil {
		return nil, fmt.Errorf("wirecodec: pack rewritten response: %w", err)
	}

	return payload, nil
}

func floorTTLs(rrset []dns.RR, floor uint32) {
	for _, rr := range rrset {
		hdr := rr.Header()
		if hdr.Rrtype == dns.TypeOPT {
			continue
		}
		hdr.Ttl = floor
	}
}
