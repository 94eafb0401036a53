package tlsutil

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// DialDoT opens a TLS connection to a DNS-over-TLS upstream over raw TCP. base is cloned and given
// ServerName = serverName before the handshake, so a single *tls.Config built by
// NewClientTLSConfig can be shared across resolvers with different SNI/cert verification names.
// localAddr, if non-nil, binds the outbound socket's local endpoint -- typically the same address
// the relay's UDP listener is bound to, with an ephemeral port.
//
// The connection is closed automatically if the handshake does not complete within timeout.
func DialDoT(ctx context.Context, base *tls.Config, address, serverName string, localAddr *net.TCPAddr, timeout time.Duration) (*tls.Conn, error) {
	cfg := base.Clone()
	cfg.ServerName = serverName

	dialer := &net.Dialer{Timeout: timeout, LocalAddr: localAddr}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := tls.DialWithDialer(dialerWithContext(dialer, ctx), "tcp", address, cfg)
	if err != nil {
		return nil, fmt.Errorf("tlsutil:DialDoT:%s: %w", address, err)
	}

	return conn, nil
}

// dialerWithContext adapts a *net.Dialer to honor ctx's deadline in addition to its own Timeout,
// without requiring callers to thread a DialContext-aware TLS dial path through every caller.
func dialerWithContext(dialer *net.Dialer, ctx context.Context) *net.Dialer {
	if deadline, ok := ctx.Deadline(); ok {
		d := *dialer
		d.Deadline = deadline
		return &d
	}
	return dialer
}
