// dot-relay accepts plaintext DNS queries over UDP/53 and relays them to a rotating set of
// upstream resolvers over DNS over TLS (RFC 7858).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/miekg/dns"

	"github.com/tehego/dot-relay/internal/concurrencytracker"
	"github.com/tehego/dot-relay/internal/constants"
	"github.com/tehego/dot-relay/internal/dispatch"
	"github.com/tehego/dot-relay/internal/ingress"
	"github.com/tehego/dot-relay/internal/osutil"
	"github.com/tehego/dot-relay/internal/queue"
	"github.com/tehego/dot-relay/internal/reporter"
	"github.com/tehego/dot-relay/internal/tlsutil"
	"github.com/tehego/dot-relay/internal/tracker"
	"github.com/tehego/dot-relay/internal/upstream"
)

// Program-wide variables
var (
	consts               = constants.Get()
	cfg                  *config
	defaultListenAddress = consts.DefaultListenAddr

	stdout io.Writer
	stderr io.Writer

	startTime   = time.Now()
	stopChannel chan os.Signal
	flagSet     *flag.FlagSet
)

//////////////////////////////////////////////////////////////////////

func fatal(args ...interface{}) int {
	fmt.Fprint(stderr, "Fatal: ", consts.RelayProgramName, ": ")
	fmt.Fprintln(stderr, args...)
	return 1
}

func stopMain() {
	stopChannel <- syscall.SIGINT
}

//////////////////////////////////////////////////////////////////////
// main wrappers make it easy for test programs
//////////////////////////////////////////////////////////////////////

// mainInit resets everything such that mainExecute can be called multiple times in one
// program execution.
func mainInit(out io.Writer, err io.Writer) {
	cfg = &config{}
	stdout = out
	stderr = err
	mainState(initial)
	stopChannel = make(chan os.Signal, 4)
	osutil.SignalNotify(stopChannel)
}

func main() {
	mainInit(os.Stdout, os.Stderr)
	os.Exit(mainExecute(os.Args))
}

// concurrencyReporter adapts a concurrencytracker.Counter to reporter.Reporter so it can sit
// alongside the relay's other reporters in the periodic status loop.
type concurrencyReporter struct {
	counter *concurrencytracker.Counter
}

func (c *concurrencyReporter) Name() string { return "Concurrency" }

func (c *concurrencyReporter) Report(resetCounters bool) string {
	return fmt.Sprintf("peak_inflight=%d", c.counter.Peak(resetCounters))
}

func mainExecute(args []string) int {
	defer mainState(stopped)
	flagSet = flag.NewFlagSet(args[0], flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	if err := parseCommandLine(args); err != nil {
		return 1 // Error already printed by the flag package
	}
	if cfg.help {
		usage(stdout)
		return 0
	}
	if cfg.version {
		fmt.Fprintln(stdout, consts.RelayProgramName, "Version:", consts.Version)
		return 0
	}

	if cfg.logAll {
		cfg.logClientIn = true
		cfg.logClientOut = true
		cfg.logUpstreamErrors = true
	}

	resolverArgs := append(cfg.resolvers.Args(), flagSet.Args()...)
	if len(resolverArgs) == 0 {
		resolverArgs = []string{"1.1.1.1", "1.0.0.1"} // Default upstreams, tried in this order
	}
	resolvers, err := parseResolvers(resolverArgs)
	if err != nil {
		return fatal(err)
	}

	listenAddr := defaultListenAddress
	if cfg.listenAddresses.NArg() > 0 {
		listenAddr = cfg.listenAddresses.Args()[0]
	}
	if _, _, err := net.SplitHostPort(listenAddr); err != nil {
		listenAddr = net.JoinHostPort(listenAddr, "53")
	}

	tlsConfig, err := tlsutil.NewClientTLSConfig(cfg.tlsUseSystemRootCAs, cfg.tlsCAFiles.Args(),
		cfg.tlsClientCertFile, cfg.tlsClientKeyFile)
	if err != nil {
		return fatal(err)
	}

	allowedQTypes, err := parseQTypes(cfg.qtypes.Args())
	if err != nil {
		return fatal(err)
	}

	if len(cfg.cpuprofile) > 0 {
		f, err := os.Create(cfg.cpuprofile)
		if err != nil {
			return fatal(err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fatal(err)
		}
		defer pprof.StopCPUProfile()
	}

	var memProfileFile *os.File
	if len(cfg.memprofile) > 0 {
		memProfileFile, err = os.Create(cfg.memprofile)
		if err != nil {
			return fatal(err)
		}
		defer memProfileFile.Close()
	}

	if cfg.gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			return fatal("gops:", err)
		}
		defer agent.Close()
	}

	tr := tracker.New(consts.IDAllocMaxProbes)
	q := queue.New(cfg.maxOutbound)

	listener, err := ingress.New(listenAddr, tr, q, cfg.udpBufferSize, allowedQTypes)
	if err != nil {
		return fatal(err)
	}

	registry, err := upstream.NewRegistry(resolvers, cfg.cooldown)
	if err != nil {
		return fatal(err)
	}

	dispatcher := dispatch.New(listener, q, tr, registry, tlsConfig, dispatch.Config{
		Tick:        cfg.dispatchTick,
		DialTimeout: cfg.dialTimeout,
		ReadTimeout: cfg.readTimeout,
		TTLFloor:    consts.DefaultTTLFloor,
	})

	listener.SetLogging(stdout, cfg.logClientIn)
	dispatcher.SetLogging(stdout, cfg.logClientOut, cfg.logUpstreamErrors)

	reporters := []reporter.Reporter{tr, q, listener, dispatcher, registry}

	var inflight *concurrencytracker.Counter
	if cfg.cct {
		inflight = &concurrencytracker.Counter{}
		listener.SetInflightCounter(inflight)
		dispatcher.SetInflightCounter(inflight)
		reporters = append(reporters, &concurrencyReporter{counter: inflight})
	}

	if cfg.verbose {
		fmt.Fprintln(stdout, consts.RelayProgramName, consts.Version, "Starting")
		fmt.Fprintln(stdout, "Listening:", listenAddr)
		for _, r := range resolvers {
			fmt.Fprintln(stdout, "Upstream resolver:", r.Address, "SNI:", r.ServerName)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	errorChannel := make(chan error, 2)
	wg := &sync.WaitGroup{}

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := listener.Run(ctx); err != nil {
			errorChannel <- err
		}
	}()
	go func() {
		defer wg.Done()
		if err := dispatcher.Run(ctx); err != nil {
			errorChannel <- err
		}
	}()

	// Constrain the process via setuid/setgid/chroot once the privileged UDP/53 socket is
	// already bound. No-op if all three parameters are empty strings. Delegated to a
	// go-routine so the main loop remains free to select on signals and errors.
	go func(setuidName, setgidName, chrootDir string, verbose bool, stdout io.Writer) {
		time.Sleep(3 * time.Second)
		if err := osutil.Constrain(setuidName, setgidName, chrootDir); err != nil {
			errorChannel <- err
			return
		}
		if verbose {
			fmt.Fprintf(stdout, "Constraints: %s\n", osutil.ConstraintReport())
		}
	}(cfg.setuidName, cfg.setgidName, cfg.chrootDir, cfg.verbose, stdout)

	mainState(started)
	nextStatusIn := nextInterval(time.Now(), cfg.statusInterval)

Running:
	for {
		select {
		case s := <-stopChannel:
			if osutil.IsSignalUSR1(s) {
				statusReport("User1", false, reporters)
				break
			}
			if cfg.verbose {
				fmt.Fprintln(stdout, "\nSignal", s)
			}
			break Running

		case err := <-errorChannel:
			cancel()
			return fatal(err)

		case <-time.After(nextStatusIn):
			if cfg.verbose {
				statusReport("Status", true, reporters)
			}
			nextStatusIn = nextInterval(time.Now(), cfg.statusInterval)
		}
	}

	cancel()
	mainState(stopped)
	wg.Wait()

	reaped := tr.ReapIf(func(*tracker.Ticket) bool { return true })
	if inflight != nil {
		for i := 0; i < reaped; i++ {
			inflight.Done()
		}
	}

	if cfg.verbose {
		statusReport("Status", true, reporters)
		fmt.Fprintln(stdout, consts.RelayProgramName, consts.Version, "Exiting after", uptime())
	}

	if memProfileFile != nil {
		runtime.GC()
		if err := pprof.WriteHeapProfile(memProfileFile); err != nil {
			return fatal(err)
		}
	}

	return 0
}

// parseResolvers turns each "host:port" (or bare "host", defaulting to consts.DefaultTLSPort)
// into a Resolver. The SNI/certificate verification name is the host portion, matching how the
// original relay this was distilled from pins a fixed hostname per configured server.
func parseResolvers(args []string) ([]*upstream.Resolver, error) {
	resolvers := make([]*upstream.Resolver, 0, len(args))
	for _, arg := range args {
		host, port, err := net.SplitHostPort(arg)
		if err != nil {
			host, port = arg, consts.DefaultTLSPort
		}
		resolvers = append(resolvers, &upstream.Resolver{
			Address:    net.JoinHostPort(host, port),
			ServerName: host,
		})
	}
	return resolvers, nil
}

// parseQTypes resolves the -qtype flag values to their numeric QTYPEs. An empty names list
// defaults to QTYPE=A only, matching spec's baseline configuration.
func parseQTypes(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return []uint16{dns.TypeA}, nil
	}
	qtypes := make([]uint16, 0, len(names))
	for _, name := range names {
		qt, ok := qtypeByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown -qtype %q", name)
		}
		qtypes = append(qtypes, qt)
	}
	return qtypes, nil
}

// nextInterval calculates the duration to now+modulo interval, so periodic reports land on a
// clean boundary rather than drifting from process start time.
func nextInterval(now time.Time, interval time.Duration) time.Duration {
	return now.Truncate(interval).Add(interval).Sub(now)
}

func uptime() string {
	return time.Since(startTime).Truncate(time.Second).String()
}

func statusReport(what string, resetCounters bool, reporters []reporter.Reporter) {
	fmt.Fprintln(stdout, "Status Up:", consts.RelayProgramName, consts.Version, uptime())
	for _, r := range reporters {
		for _, s := range strings.Split(r.Report(resetCounters), "\n") {
			if len(s) > 0 {
				fmt.Fprintf(stdout, "%s %s: %s\n", what, r.Name(), s)
			}
		}
	}
}
