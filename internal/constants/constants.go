/*
Package constants provides common values used across all dot-relay packages. Usage is to call the
global Get() function which returns the Constants by value ensuring that any modifications made
(accidental or otherwise) will not affect other modules when they call Get().

Typically usage:

    consts := constants.Get()
    fmt.Println("I am", consts.RelayProgramName, "based on", consts.RFC)

The primary reason for making this a constructed struct rather than the more typical const () block
is so that it can be fed directly into templating packages for printing usage messages.
*/
package constants

// Constants contains the system-wide constants
type Constants struct {
	RelayProgramName string // Program related constants
	DigProgramName   string
	Version          string
	PackageName      string
	PackageURL       string
	RFC              string

	DNSUDPTransport string // Suitable for the "net" package, but just to make sure we're
	DNSTCPTransport string // consistent across the whole module.

	DefaultListenAddr   string // UDP/53 ingress default bind address
	DefaultTLSPort      string // TCP/853 upstream port, RFC7858
	DefaultTTLFloor     uint32 // TTL every relayed RR (other than OPT) is rewritten to
	DefaultCooldown     string // Duration string: how long a failed upstream is skipped
	DefaultReadTimeout  string // Duration string: upstream TLS read deadline
	DefaultDialTimeout  string // Duration string: upstream TLS dial deadline
	DefaultDispatchTick string // Duration string: outbound queue drain interval

	MinimumViableDNSMessage uint // MsgHdr + one Question with zero length name
	MaximumViableDNSMessage uint // Largest message the relay will ever frame over TCP
	UDPReadBufferSize       int  // Buffer size for a single UDP datagram read

	IDAllocMin       uint16 // Low end of the upstream transaction id space
	IDAllocMax       uint16 // High end of the upstream transaction id space
	IDAllocMaxProbes int    // Random probes attempted before giving up on an id

	MaxOutboundQueue int // Outbound queue depth before new queries are dropped
}

var readOnlyConstants *Constants

// createReadOnlyConstants creates a read-only copy of the Constants which is copied whenever a
// caller asks for the constants set. The main reason for returning a struct is so that callers can
// inspect and/or use packages that introspect - particularly */template packages.
func createReadOnlyConstants() {
	readOnlyConstants = &Constants{
		RelayProgramName: "dot-relay",
		DigProgramName:   "dot-relay-dig",
		Version:          "v0.1.0",
		PackageName:      "DNS over TLS Relay",
		PackageURL:       "https://github.com/tehego/dot-relay",
		RFC:              "RFC7858",

		DNSUDPTransport: "udp",
		DNSTCPTransport: "tcp",

		DefaultListenAddr:   "127.0.0.1:53",
		DefaultTLSPort:      "853",
		DefaultTTLFloor:     300,
		DefaultCooldown:     "60s",
		DefaultReadTimeout:  "2s",
		DefaultDialTimeout:  "2s",
		DefaultDispatchTick: "10ms",

		MinimumViableDNSMessage: 17, // A legit binary DNS Message *cannot* be shorter than this
		MaximumViableDNSMessage: 65535,
		UDPReadBufferSize:       1024,

		IDAllocMin:       1,
		IDAllocMax:       32000,
		IDAllocMaxProbes: 64,

		MaxOutboundQueue: 10000,
	}
}

func init() {
	createReadOnlyConstants()
}

// Get returns a copy of the Constant struct. Return by value so internal values cannot be
// inadvertently changed by callers.
func Get() Constants {
	return *readOnlyConstants
}
