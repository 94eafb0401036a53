package main

import (
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/miekg/dns"
)

// The "flag" package is not tty aware so we've arbitrarily picked 100 columns as a conservative
// tty width for the usage output.

const usageMessageTemplate = `
NAME
          {{.RelayProgramName}} -- a recursive-less DNS over TLS relay

SYNOPSIS
          {{.RelayProgramName}} [options] [resolver[:port] ...]

DESCRIPTION
          {{.RelayProgramName}} accepts plaintext DNS queries over UDP/53 from LAN clients and
          relays them to a rotating set of upstream resolvers over {{.RFC}} DNS over TLS (DoT) on
          TCP/853. It never recurses or caches itself; the upstream resolvers do that.

          Resolvers may be given as positional arguments or repeated -R flags; both forms append
          to the same ordered list and the first eligible resolver is tried on every dispatch.
          With no resolvers given, 1.1.1.1:853 and 1.0.0.1:853 are used, in that order.

COMPANION DIG
          {{.DigProgramName}} is a tiny smoke-test client that sends one query at a running
          {{.RelayProgramName}} and prints the response, useful for manual verification
          after a configuration change.

OPTIONS
          [-hv] [-version] [-gops]
          [-A listen-address[:port] ...]
          [-R resolver[:port] ...] [resolver[:port] ...]

          [-t cooldown] [-dial-timeout d] [-read-timeout d] [-dispatch-tick d]
          [-i status-report-interval]
          [-udp-buffer bytes] [-max-outbound depth] [-cct]
          [-qtype name ...]

          [-tls-cert file] [-tls-key file]
          [-tls-other-roots file ...] [-tls-use-system-roots]

          [--log-client-in] [--log-client-out] [--log-upstream-errors] [--log-all]

          [--user name] [--group name] [--chroot directory]

          [--cpu-profile file] [--mem-profile file]

`

func usage(out io.Writer) {
	tmpl, err := template.New("usage").Parse(usageMessageTemplate)
	if err != nil {
		panic(err)
	}
	if err := tmpl.Execute(out, consts); err != nil {
		panic(err)
	}
	flagSet.SetOutput(out)
	flagSet.PrintDefaults()
	fmt.Fprintln(out, "\nVersion:", consts.Version)
}

// parseCommandLine sets up the flags-to-config mapping and parses args. It starts from scratch
// each time so test wrappers can call it repeatedly within one program execution.
func parseCommandLine(args []string) error {
	flagSet.BoolVar(&cfg.help, "h", false, "Print usage message to Stdout then exit(0)")
	flagSet.BoolVar(&cfg.version, "version", false, "Print version and exit")
	flagSet.BoolVar(&cfg.verbose, "v", false, "Verbose status and stats - otherwise only errors are output")
	flagSet.BoolVar(&cfg.gops, "gops", false, "Start github.com/google/gops agent")

	flagSet.Var(&cfg.listenAddresses, "A",
		"Listen `address` to accept DNS queries (default "+defaultListenAddress+")")
	flagSet.Var(&cfg.resolvers, "R", "Upstream DoT `resolver` address[:port], repeatable")

	flagSet.DurationVar(&cfg.cooldown, "t", time.Minute, "Resolver failure cooldown `duration`")
	flagSet.DurationVar(&cfg.dialTimeout, "dial-timeout", 2*time.Second, "Upstream TLS dial `timeout`")
	flagSet.DurationVar(&cfg.readTimeout, "read-timeout", 2*time.Second, "Upstream TLS session read `timeout`")
	flagSet.DurationVar(&cfg.dispatchTick, "dispatch-tick", 10*time.Millisecond, "Outbound queue drain `interval`")
	flagSet.DurationVar(&cfg.statusInterval, "i", time.Minute, "Periodic status report `interval` (needs -v set)")

	flagSet.IntVar(&cfg.udpBufferSize, "udp-buffer", int(consts.UDPReadBufferSize), "UDP read buffer `size`")
	flagSet.IntVar(&cfg.maxOutbound, "max-outbound", consts.MaxOutboundQueue,
		"Outbound queue `depth` before new queries are dropped")
	flagSet.BoolVar(&cfg.cct, "cct", false, "Sample peak concurrent in-flight query count")

	flagSet.Var(&cfg.qtypes, "qtype",
		"Allowed query type `name` (e.g. A, AAAA), repeatable; default is A only")

	flagSet.StringVar(&cfg.tlsClientCertFile, "tls-cert", "", "TLS client certificate `file`")
	flagSet.StringVar(&cfg.tlsClientKeyFile, "tls-key", "", "TLS client key `file`")
	flagSet.Var(&cfg.tlsCAFiles, "tls-other-roots", "Non-system root CA `file` to validate upstream resolvers")
	flagSet.BoolVar(&cfg.tlsUseSystemRootCAs, "tls-use-system-roots", true,
		"Validate upstream resolvers against the OS trust store")

	flagSet.BoolVar(&cfg.logAll, "log-all", false, "Turns on all other --log-* options")
	flagSet.BoolVar(&cfg.logClientIn, "log-client-in", false, "Compact print of inbound DNS query (from client)")
	flagSet.BoolVar(&cfg.logClientOut, "log-client-out", false, "Compact print of outbound DNS response (to client)")
	flagSet.BoolVar(&cfg.logUpstreamErrors, "log-upstream-errors", false, "Print upstream dial/TLS failures")

	flagSet.StringVar(&cfg.setuidName, "user", "", "setuid `username` to constrain process after start-up (disabled for Linux)")
	flagSet.StringVar(&cfg.setgidName, "group", "", "setgid `groupname` to constrain process after start-up (disabled for Linux)")
	flagSet.StringVar(&cfg.chrootDir, "chroot", "", "chroot `directory` to constrain process after start-up")

	flagSet.StringVar(&cfg.cpuprofile, "cpu-profile", "", "write cpu profile to `file`")
	flagSet.StringVar(&cfg.memprofile, "mem-profile", "", "write mem profile to `file`")

	return flagSet.Parse(args[1:])
}

// qtypeByName resolves a human-readable QTYPE name (e.g. "A", "aaaa") to its numeric value.
// Returns false if name is not a type the miekg/dns package recognises.
func qtypeByName(name string) (uint16, bool) {
	qt, ok := dns.StringToType[strings.ToUpper(name)]
	return qt, ok
}
