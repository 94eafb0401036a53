package main

import (
	"time"

	"github.com/tehego/dot-relay/internal/flagutil"
)

// config is the flag-backed configuration for one relay process. It is rebuilt from scratch
// by mainInit so test wrappers can call mainExecute multiple times in one program execution.
type config struct {
	help    bool
	verbose bool
	version bool
	gops    bool

	listenAddresses flagutil.StringValue // -A, repeatable but only the first is used; DefaultListenAddr if none given
	resolvers       flagutil.StringValue // -R, repeatable, order preserved

	cooldown     time.Duration // -t, how long a failed resolver is skipped
	dialTimeout  time.Duration // -dial-timeout
	readTimeout  time.Duration // -read-timeout, C6 per-session read deadline
	dispatchTick time.Duration // -dispatch-tick, outbound queue drain interval

	statusInterval time.Duration // -i, needs -v set

	udpBufferSize int // -udp-buffer
	maxOutbound   int // -max-outbound
	cct           bool // -cct, sample peak concurrent in-flight queries

	logClientIn       bool
	logClientOut      bool
	logUpstreamErrors bool
	logAll            bool

	tlsClientCertFile, tlsClientKeyFile string
	tlsCAFiles          flagutil.StringValue // -tls-other-roots
	tlsUseSystemRootCAs bool

	cpuprofile, memprofile string

	setuidName, setgidName, chrootDir string

	qtypes flagutil.StringValue // -qtype, repeatable; empty defaults to A only
}
