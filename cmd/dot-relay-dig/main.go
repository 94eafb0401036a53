// dot-relay-dig sends one DNS query at a running dot-relay and prints the response.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/tehego/dot-relay/internal/constants"
)

var (
	consts = constants.Get()
	cfg    *config

	stdout io.Writer
	stderr io.Writer

	flagSet *flag.FlagSet
)

func fatal(args ...interface{}) int {
	fmt.Fprint(stderr, "Fatal: ", consts.DigProgramName, ": ")
	fmt.Fprintln(stderr, args...)
	return 1
}

func mainInit(out io.Writer, err io.Writer) {
	cfg = &config{}
	stdout = out
	stderr = err
}

func main() {
	mainInit(os.Stdout, os.Stderr)
	os.Exit(mainExecute(os.Args))
}

func mainExecute(args []string) int {
	flagSet = flag.NewFlagSet(args[0], flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	if err := parseCommandLine(args); err != nil {
		return 1
	}
	if cfg.help {
		usage(stdout)
		return 0
	}
	if cfg.version {
		fmt.Fprintln(stdout, consts.DigProgramName, "Version:", consts.Version)
		return 0
	}
	if cfg.repeatCount < 0 {
		return fatal("Repeat count (-r) must be GE zero, not", cfg.repeatCount)
	}

	remaining := flagSet.NArg()
	if remaining < 2 {
		return fatal("Require relay[:port] and qName on the command line. Consider -h")
	}

	relayAddr := flagSet.Arg(0)
	if _, _, err := net.SplitHostPort(relayAddr); err != nil {
		relayAddr = net.JoinHostPort(relayAddr, "53")
	}

	qName := dns.Fqdn(flagSet.Arg(1))

	qTypeString := dns.TypeToString[dns.TypeA]
	if remaining > 2 {
		qTypeString = strings.ToUpper(flagSet.Arg(2))
	}
	qType, ok := dns.StringToType[qTypeString]
	if !ok {
		return fatal("Unrecognized qType of", qTypeString)
	}
	if remaining > 3 {
		return fatal("Don't know what to do with residual goop on command line:", flagSet.Arg(3))
	}

	client := &dns.Client{Net: "udp", Timeout: cfg.requestTimeout}
	query := new(dns.Msg)
	query.SetQuestion(qName, qType)

	for qx := 0; qx < cfg.repeatCount; qx++ {
		doQuery(client, relayAddr, query, cfg.short)
	}

	return 0
}

func doQuery(client *dns.Client, relayAddr string, query *dns.Msg, short bool) {
	outBuf := &bytes.Buffer{}
	resp, rtt, err := client.Exchange(query, relayAddr)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return
	}

	if short {
		for _, rr := range resp.Answer {
			fmt.Fprintln(outBuf, rr.String())
		}
	} else {
		fmt.Fprintln(outBuf, resp)
		fmt.Fprintf(outBuf, ";; Query Time: %s\n", rtt.Truncate(time.Millisecond))
		fmt.Fprintf(outBuf, ";; Server: %s\n", relayAddr)
		fmt.Fprintln(outBuf)
	}

	fmt.Fprint(stdout, outBuf.String())
}
